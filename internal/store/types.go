// Package store provides SQLite-based persistence for vigil: the
// session registry, the encrypted alert archive, and an append-only
// audit chain recording monitoring decisions without behavioral
// content.
//
// Security model:
//  1. File permissions: 0600 (owner read/write only)
//  2. Integrity: every chain entry carries an HMAC under the store key
//  3. Append-only: chain entries are never modified or deleted
//  4. Chain linking: each entry references the previous entry hash
package store

import "vigil/internal/security"

// Session is a monitoring session row. EndedAtNs is nil while the
// session is still active.
type Session struct {
	ID          string
	StartedAtNs int64
	EndedAtNs   *int64
	Anonymous   bool
	Retention   string
}

// Alert is a persisted crisis alert. Details and ActionPlan hold the
// encrypted envelopes produced at alert time; the store never sees
// their plaintext. Either may be nil when encryption failed at the
// source but the alert was delivered anyway.
type Alert struct {
	ID                 string
	SessionID          string
	Type               string
	Severity           string
	Score              float64
	Details            *security.Record
	ActionPlan         *security.Record
	RequiresEscalation bool
	CreatedAtNs        int64
	AcknowledgedAtNs   *int64
	AcknowledgedBy     string
}

// Acknowledged reports whether a responder has acknowledged the alert.
func (a *Alert) Acknowledged() bool {
	return a.AcknowledgedAtNs != nil
}

// AuditRecord is one entry in the append-only audit chain. PreviousHash
// and EntryHash are filled by Append; callers set the remaining fields.
// SessionID may be empty for records not tied to a session.
type AuditRecord struct {
	ID           int64
	TimestampNs  int64
	SessionID    string
	Operation    string
	Category     string
	Severity     string
	Detail       string
	PreviousHash [32]byte
	EntryHash    [32]byte
}

// Audit operation names written by the store itself.
const (
	OpPurgeSession = "purge-session"
	OpPurgeExpired = "purge-expired"
)
