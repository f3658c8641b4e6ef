package store

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"vigil/internal/metrics"
	"vigil/internal/security"
)

// Store errors.
var (
	ErrWeakHMACKey          = errors.New("store: hmac key must be at least 32 bytes")
	ErrIntegrityCompromised = errors.New("store: audit chain integrity compromised")
	ErrNotFound             = errors.New("store: not found")
)

// Store is the vigil database: session registry, encrypted alert
// archive, and the tamper-evident audit chain. All writes that touch
// the chain are serialized through mu.
type Store struct {
	db      *sql.DB
	hmacKey []byte

	mu          sync.Mutex
	lastHash    [32]byte
	entryCount  int64
	integrityOK bool
}

// Open opens or creates the vigil database at path. The hmacKey signs
// the audit chain and must be at least 32 bytes; derive it from the
// master secret with a dedicated label so it is unrelated to session
// keys.
//
// On an existing database the audit chain is verified before use. If
// verification fails, Open returns both the store and an error wrapping
// ErrIntegrityCompromised: reads still work for forensic inspection,
// but chain writes are refused.
func Open(path string, hmacKey []byte) (*Store, error) {
	if len(hmacKey) < 32 {
		return nil, ErrWeakHMACKey
	}

	if err := security.EnsureSecureDir(filepath.Dir(path)); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	// The file exists only after the first statement ran.
	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	s := &Store{db: db, hmacKey: hmacKey}

	if isNew {
		if err := s.initializeIntegrity(); err != nil {
			db.Close()
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		s.integrityOK = true
		return s, nil
	}

	if err := s.verifyIntegrity(); err != nil {
		// Keep the handle open so the damage can be inspected.
		s.integrityOK = false
		return s, fmt.Errorf("%w: %v", ErrIntegrityCompromised, err)
	}
	s.integrityOK = true
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// IntegrityOK reports whether the audit chain passed its last
// verification.
func (s *Store) IntegrityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityOK
}

// ===== Sessions =====

// InsertSession registers a new monitoring session.
func (s *Store) InsertSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (session_id, started_at_ns, ended_at_ns, anonymous, retention)
		VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.StartedAtNs, sess.EndedAtNs, sess.Anonymous, sess.Retention,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// EndSession marks a session as ended. Ending an unknown session
// returns ErrNotFound.
func (s *Store) EndSession(sessionID string, endedAtNs int64) error {
	res, err := s.db.Exec(
		`UPDATE sessions SET ended_at_ns = ? WHERE session_id = ? AND ended_at_ns IS NULL`,
		endedAtNs, sessionID,
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: active session %s", ErrNotFound, sessionID)
	}
	return nil
}

// GetSession retrieves a session by ID. Returns (nil, nil) when the
// session does not exist.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	var sess Session
	var endedAt sql.NullInt64

	err := s.db.QueryRow(`
		SELECT session_id, started_at_ns, ended_at_ns, anonymous, retention
		FROM sessions WHERE session_id = ?`, sessionID,
	).Scan(&sess.ID, &sess.StartedAtNs, &endedAt, &sess.Anonymous, &sess.Retention)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}

	if endedAt.Valid {
		sess.EndedAtNs = &endedAt.Int64
	}
	return &sess, nil
}

// ActiveSessions returns sessions that have not ended, oldest first.
func (s *Store) ActiveSessions() ([]Session, error) {
	rows, err := s.db.Query(`
		SELECT session_id, started_at_ns, ended_at_ns, anonymous, retention
		FROM sessions
		WHERE ended_at_ns IS NULL
		ORDER BY started_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	return scanSessions(rows)
}

// ===== Alerts =====

// InsertAlert persists a crisis alert. The session must already be
// registered.
func (s *Store) InsertAlert(a *Alert) error {
	details, err := encodeRecord(a.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	plan, err := encodeRecord(a.ActionPlan)
	if err != nil {
		return fmt.Errorf("encode action plan: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO alerts (alert_id, session_id, alert_type, severity, score, details, action_plan, requires_escalation, created_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.Type, a.Severity, a.Score, details, plan, a.RequiresEscalation, a.CreatedAtNs,
	)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID. Returns (nil, nil) when the alert
// does not exist.
func (s *Store) GetAlert(alertID string) (*Alert, error) {
	row := s.db.QueryRow(`
		SELECT alert_id, session_id, alert_type, severity, score, details, action_plan, requires_escalation, created_at_ns, acknowledged_at_ns, acknowledged_by
		FROM alerts WHERE alert_id = ?`, alertID)

	a, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return a, nil
}

// AlertsBySession returns all alerts for a session in chronological
// order.
func (s *Store) AlertsBySession(sessionID string) ([]Alert, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, session_id, alert_type, severity, score, details, action_plan, requires_escalation, created_at_ns, acknowledged_at_ns, acknowledged_by
		FROM alerts
		WHERE session_id = ?
		ORDER BY created_at_ns ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// OpenAlerts returns alerts no responder has acknowledged yet, oldest
// first.
func (s *Store) OpenAlerts() ([]Alert, error) {
	rows, err := s.db.Query(`
		SELECT alert_id, session_id, alert_type, severity, score, details, action_plan, requires_escalation, created_at_ns, acknowledged_at_ns, acknowledged_by
		FROM alerts
		WHERE acknowledged_at_ns IS NULL
		ORDER BY created_at_ns ASC`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	return scanAlerts(rows)
}

// AcknowledgeAlert records that a responder has taken ownership of an
// alert. Acknowledging an unknown or already-acknowledged alert returns
// ErrNotFound.
func (s *Store) AcknowledgeAlert(alertID, responder string, atNs int64) error {
	res, err := s.db.Exec(`
		UPDATE alerts SET acknowledged_at_ns = ?, acknowledged_by = ?
		WHERE alert_id = ? AND acknowledged_at_ns IS NULL`,
		atNs, responder, alertID,
	)
	if err != nil {
		return fmt.Errorf("acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: open alert %s", ErrNotFound, alertID)
	}
	return nil
}

// ===== Purging =====

// PurgeSession deletes a session and every alert recorded for it,
// returning the number of rows removed. The purge itself is written to
// the audit chain; chain entries are never deleted.
func (s *Store) PurgeSession(sessionID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM alerts WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = tx.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if removed > 0 {
		metrics.RecordPurged("store-session", int(removed))
		if err := s.Append(&AuditRecord{
			SessionID: sessionID,
			Operation: OpPurgeSession,
			Category:  "privacy",
			Severity:  "LOW",
			Detail:    fmt.Sprintf("removed %d rows", removed),
		}); err != nil {
			return removed, fmt.Errorf("audit purge: %w", err)
		}
	}
	return removed, nil
}

// PurgeOlderThan deletes alerts created before cutoffNs, then drops
// ended sessions that no longer have alerts. Returns the number of rows
// removed.
func (s *Store) PurgeOlderThan(cutoffNs int64) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM alerts WHERE created_at_ns < ?`, cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	removed, _ := res.RowsAffected()

	res, err = tx.Exec(`
		DELETE FROM sessions
		WHERE ended_at_ns IS NOT NULL AND ended_at_ns < ?
		  AND session_id NOT IN (SELECT DISTINCT session_id FROM alerts)`, cutoffNs)
	if err != nil {
		return 0, fmt.Errorf("delete sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	removed += n

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	if removed > 0 {
		metrics.RecordPurged("store-expired", int(removed))
		if err := s.Append(&AuditRecord{
			Operation: OpPurgeExpired,
			Category:  "privacy",
			Severity:  "LOW",
			Detail:    fmt.Sprintf("removed %d rows before %d", removed, cutoffNs),
		}); err != nil {
			return removed, fmt.Errorf("audit purge: %w", err)
		}
	}
	return removed, nil
}

// ===== Stats =====

// Stats summarizes database contents.
type Stats struct {
	SessionCount   int64
	ActiveSessions int64
	AlertCount     int64
	OpenAlerts     int64
	AuditCount     int64
	OldestAudit    time.Time
	NewestAudit    time.Time
	IntegrityOK    bool
	ChainHash      string
}

// GetStats returns database statistics. Missing values are reported as
// zero rather than failing the whole call.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{IntegrityOK: s.IntegrityOK()}

	s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&stats.SessionCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE ended_at_ns IS NULL`).Scan(&stats.ActiveSessions)
	s.db.QueryRow(`SELECT COUNT(*) FROM alerts`).Scan(&stats.AlertCount)
	s.db.QueryRow(`SELECT COUNT(*) FROM alerts WHERE acknowledged_at_ns IS NULL`).Scan(&stats.OpenAlerts)
	s.db.QueryRow(`SELECT COUNT(*) FROM audit_chain`).Scan(&stats.AuditCount)

	var oldestNs, newestNs sql.NullInt64
	s.db.QueryRow(`SELECT MIN(timestamp_ns), MAX(timestamp_ns) FROM audit_chain`).Scan(&oldestNs, &newestNs)
	if oldestNs.Valid {
		stats.OldestAudit = time.Unix(0, oldestNs.Int64)
		stats.NewestAudit = time.Unix(0, newestNs.Int64)
	}

	var chainHash []byte
	s.db.QueryRow(`SELECT chain_hash FROM integrity WHERE id = 1`).Scan(&chainHash)
	stats.ChainHash = hex.EncodeToString(chainHash)

	return stats, nil
}

// ===== Scan helpers =====

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var sessions []Session
	for rows.Next() {
		var sess Session
		var endedAt sql.NullInt64
		if err := rows.Scan(&sess.ID, &sess.StartedAtNs, &endedAt, &sess.Anonymous, &sess.Retention); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if endedAt.Valid {
			sess.EndedAtNs = &endedAt.Int64
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlertRow(sc rowScanner) (*Alert, error) {
	var a Alert
	var details, plan []byte
	var ackAt sql.NullInt64
	var ackBy sql.NullString

	if err := sc.Scan(&a.ID, &a.SessionID, &a.Type, &a.Severity, &a.Score,
		&details, &plan, &a.RequiresEscalation, &a.CreatedAtNs, &ackAt, &ackBy); err != nil {
		return nil, err
	}

	var err error
	if a.Details, err = decodeRecord(details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	if a.ActionPlan, err = decodeRecord(plan); err != nil {
		return nil, fmt.Errorf("decode action plan: %w", err)
	}
	if ackAt.Valid {
		a.AcknowledgedAtNs = &ackAt.Int64
	}
	a.AcknowledgedBy = ackBy.String
	return &a, nil
}

func scanAlert(row *sql.Row) (*Alert, error) {
	return scanAlertRow(row)
}

func scanAlerts(rows *sql.Rows) ([]Alert, error) {
	var alerts []Alert
	for rows.Next() {
		a, err := scanAlertRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return alerts, nil
}

// encodeRecord serializes an encrypted envelope for a BLOB column. The
// byte fields survive the JSON round-trip as base64, so decryption
// works on what comes back out.
func encodeRecord(rec *security.Record) ([]byte, error) {
	if rec == nil {
		return nil, nil
	}
	return json.Marshal(rec)
}

func decodeRecord(data []byte) (*security.Record, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var rec security.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
