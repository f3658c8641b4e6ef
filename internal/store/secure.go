package store

import (
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"vigil/internal/metrics"
)

// Domain separation labels. Changing either invalidates existing
// databases.
const (
	auditDomain     = "vigil-audit-v1"
	integrityDomain = "vigil-integrity-v1"
)

// Append writes a record to the audit chain. The store fills
// TimestampNs (when zero), PreviousHash, EntryHash, and ID. Writes are
// refused once integrity verification has failed.
func (s *Store) Append(rec *AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return ErrIntegrityCompromised
	}
	if rec.TimestampNs == 0 {
		rec.TimestampNs = time.Now().UnixNano()
	}

	rec.PreviousHash = s.lastHash
	rec.EntryHash = computeEntryHash(rec)
	mac := computeEntryHMAC(s.hmacKey, rec)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO audit_chain (timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TimestampNs, rec.SessionID, rec.Operation, rec.Category, rec.Severity, rec.Detail,
		rec.PreviousHash[:], rec.EntryHash[:], mac,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	id, _ := res.LastInsertId()

	count := s.entryCount + 1
	newMAC := computeIntegrityHMAC(s.hmacKey, rec.EntryHash, count)
	_, err = tx.Exec(
		`UPDATE integrity SET chain_hash = ?, entry_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		rec.EntryHash[:], count, time.Now().UnixNano(), newMAC,
	)
	if err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	rec.ID = id
	s.lastHash = rec.EntryHash
	s.entryCount = count
	metrics.RecordAuditRecord("ok")
	return nil
}

// AuditBySession returns the chain entries recorded for a session in
// chain order.
func (s *Store) AuditBySession(sessionID string) ([]AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash
		FROM audit_chain
		WHERE session_id = ?
		ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	return scanAuditRecords(rows)
}

// RecentAudit returns the newest limit chain entries, newest first.
func (s *Store) RecentAudit(limit int) ([]AuditRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash
		FROM audit_chain
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	return scanAuditRecords(rows)
}

// initializeIntegrity seeds the integrity row for a new database.
func (s *Store) initializeIntegrity() error {
	var zeroHash [32]byte
	s.lastHash = zeroHash
	s.entryCount = 0

	mac := computeIntegrityHMAC(s.hmacKey, zeroHash, 0)
	_, err := s.db.Exec(`
		INSERT INTO integrity (id, chain_hash, entry_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zeroHash[:], time.Now().UnixNano(), mac,
	)
	return err
}

// verifyIntegrity walks the whole chain and checks it against the
// integrity row. It fails on the first inconsistency; VerifyChain
// reports every damaged entry instead.
func (s *Store) verifyIntegrity() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chainHash, storedMAC []byte
	var entryCount int64

	err := s.db.QueryRow(`SELECT chain_hash, entry_count, hmac FROM integrity WHERE id = 1`).
		Scan(&chainHash, &entryCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("integrity record missing")
		}
		return fmt.Errorf("read integrity record: %w", err)
	}

	var expectedHash [32]byte
	copy(expectedHash[:], chainHash)
	if !hmac.Equal(storedMAC, computeIntegrityHMAC(s.hmacKey, expectedHash, entryCount)) {
		return errors.New("integrity record hmac mismatch")
	}

	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash, hmac
		FROM audit_chain ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var lastHash [32]byte
	var count int64

	for rows.Next() {
		rec, storedEntryMAC, err := scanChainRow(rows)
		if err != nil {
			return err
		}

		if count > 0 && rec.PreviousHash != lastHash {
			return fmt.Errorf("chain break at record %d: previous hash mismatch", rec.ID)
		}
		if !hmac.Equal(storedEntryMAC, computeEntryHMAC(s.hmacKey, rec)) {
			return fmt.Errorf("record %d hmac mismatch", rec.ID)
		}
		if rec.EntryHash != computeEntryHash(rec) {
			return fmt.Errorf("record %d hash mismatch", rec.ID)
		}

		lastHash = rec.EntryHash
		count++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit records: %w", err)
	}

	if count != entryCount {
		return fmt.Errorf("entry count mismatch: expected %d, found %d", entryCount, count)
	}
	if expectedHash != lastHash {
		return errors.New("chain hash mismatch")
	}

	s.lastHash = lastHash
	s.entryCount = count
	return nil
}

// ===== Hashing =====

func computeEntryHash(rec *AuditRecord) [32]byte {
	h := sha256.New()
	h.Write([]byte(auditDomain))
	writeInt64(h, rec.TimestampNs)
	writeString(h, rec.SessionID)
	writeString(h, rec.Operation)
	writeString(h, rec.Category)
	writeString(h, rec.Severity)
	writeString(h, rec.Detail)
	h.Write(rec.PreviousHash[:])

	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

func computeEntryHMAC(key []byte, rec *AuditRecord) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(auditDomain))
	writeInt64(h, rec.TimestampNs)
	writeString(h, rec.SessionID)
	writeString(h, rec.Operation)
	writeString(h, rec.Category)
	writeString(h, rec.Severity)
	writeString(h, rec.Detail)
	h.Write(rec.PreviousHash[:])
	return h.Sum(nil)
}

func computeIntegrityHMAC(key []byte, chainHash [32]byte, entryCount int64) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(integrityDomain))
	h.Write(chainHash[:])
	writeInt64(h, entryCount)
	return h.Sum(nil)
}

// writeString writes a length-prefixed string so adjacent fields cannot
// collide when concatenated.
func writeString(h interface{ Write([]byte) (int, error) }, s string) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s)))
	h.Write(lenBuf[:])
	h.Write([]byte(s))
}

func writeInt64(h interface{ Write([]byte) (int, error) }, n int64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(n))
	h.Write(buf[:])
}

// ===== Scan helpers =====

func scanChainRow(rows *sql.Rows) (*AuditRecord, []byte, error) {
	var rec AuditRecord
	var previousHash, entryHash, mac []byte

	if err := rows.Scan(&rec.ID, &rec.TimestampNs, &rec.SessionID, &rec.Operation,
		&rec.Category, &rec.Severity, &rec.Detail, &previousHash, &entryHash, &mac); err != nil {
		return nil, nil, fmt.Errorf("scan audit record %d: %w", rec.ID, err)
	}
	copy(rec.PreviousHash[:], previousHash)
	copy(rec.EntryHash[:], entryHash)
	return &rec, mac, nil
}

func scanAuditRecords(rows *sql.Rows) ([]AuditRecord, error) {
	var records []AuditRecord
	for rows.Next() {
		var rec AuditRecord
		var previousHash, entryHash []byte
		if err := rows.Scan(&rec.ID, &rec.TimestampNs, &rec.SessionID, &rec.Operation,
			&rec.Category, &rec.Severity, &rec.Detail, &previousHash, &entryHash); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		copy(rec.PreviousHash[:], previousHash)
		copy(rec.EntryHash[:], entryHash)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}
	return records, nil
}
