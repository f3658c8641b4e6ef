package store

import (
	"crypto/hmac"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// VerifyRecord checks a single chain entry against its stored hash,
// HMAC, and link to the preceding entry. Returns false with a nil error
// when the entry is damaged; the error reports lookup failures only.
func (s *Store) VerifyRecord(id int64) (bool, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash, hmac
		FROM audit_chain WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("query audit record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, fmt.Errorf("iterate audit records: %w", err)
		}
		return false, fmt.Errorf("%w: audit record %d", ErrNotFound, id)
	}
	rec, mac, err := scanChainRow(rows)
	if err != nil {
		return false, err
	}

	var prevHash []byte
	err = s.db.QueryRow(
		`SELECT entry_hash FROM audit_chain WHERE id < ? ORDER BY id DESC LIMIT 1`, id,
	).Scan(&prevHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("get previous record: %w", err)
	}
	var expectedPrev [32]byte
	copy(expectedPrev[:], prevHash)

	return verifyEntry(s.hmacKey, rec, mac, expectedPrev), nil
}

// VerifyChain walks the entire audit chain and returns the IDs of
// entries that fail their hash, HMAC, or linkage checks. A healthy
// chain yields an empty result. Each entry is judged against the
// stored hash of its predecessor, so one damaged entry does not
// implicate the rest of the chain.
func (s *Store) VerifyChain() ([]int64, error) {
	rows, err := s.db.Query(`
		SELECT id, timestamp_ns, session_id, operation, category, severity, detail, previous_hash, entry_hash, hmac
		FROM audit_chain ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query audit records: %w", err)
	}
	defer rows.Close()

	var corrupted []int64
	var lastHash [32]byte

	for rows.Next() {
		rec, mac, err := scanChainRow(rows)
		if err != nil {
			return nil, err
		}
		if !verifyEntry(s.hmacKey, rec, mac, lastHash) {
			corrupted = append(corrupted, rec.ID)
		}
		lastHash = rec.EntryHash
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit records: %w", err)
	}

	if len(corrupted) == 0 {
		s.db.Exec(`UPDATE integrity SET last_verified = ? WHERE id = 1`, time.Now().UnixNano())
	}
	return corrupted, nil
}

// verifyEntry checks one entry: linkage to the expected predecessor
// hash, the recomputed entry hash, and the HMAC.
func verifyEntry(key []byte, rec *AuditRecord, mac []byte, expectedPrev [32]byte) bool {
	if rec.PreviousHash != expectedPrev {
		return false
	}
	if rec.EntryHash != computeEntryHash(rec) {
		return false
	}
	return hmac.Equal(mac, computeEntryHMAC(key, rec))
}

// ChainHead returns the current chain head hash and entry count.
func (s *Store) ChainHead() ([32]byte, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHash, s.entryCount
}
