// Package keyring binds vigil's encryption to monitoring sessions.
//
// A Manager holds one master secret and derives an independent key tree
// per session: a session root keyed by the session identifier, and below
// it one key per context label ("telemetry-keystroke", "baseline",
// "audit", ...). Ciphertext produced under one (session, context) pair
// never decrypts under another, so telemetry, baselines, and audit
// records stay cryptographically partitioned even inside one session.
//
// Destroying a session wipes its key material; encrypted samples that
// referenced it become undecryptable, which is exactly the retention
// guarantee the monitor relies on.
package keyring

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"vigil/internal/security"
)

// Key derivation labels. Changing them invalidates everything encrypted
// under previous derivations.
const (
	sessionRootLabel = "session-root-v1"
	contextPrefix    = "ctx:"
)

// Keyring errors
var (
	ErrSessionNotFound = errors.New("keyring: session not found")
	ErrManagerClosed   = errors.New("keyring: manager closed")
	ErrNoMasterSecret  = errors.New("keyring: no master secret provisioned")
)

// SessionCrypter is the capability the monitor and store consume.
// Implementations must bind ciphertext to both the session identity and
// a context label.
type SessionCrypter interface {
	EncryptWithSession(sessionID string, plaintext []byte, context string) (*security.Record, error)
	DecryptWithSession(sessionID string, rec *security.Record, context string) ([]byte, error)
}

type sessionKeys struct {
	root      []byte
	contexts  map[string][]byte
	createdAt time.Time
}

func (s *sessionKeys) wipe() {
	security.Wipe(s.root)
	for _, key := range s.contexts {
		security.Wipe(key)
	}
	s.root = nil
	s.contexts = nil
}

// Manager implements SessionCrypter over an in-memory master secret.
type Manager struct {
	mu       sync.RWMutex
	master   *security.SecureBytes
	sessions map[string]*sessionKeys
	closed   bool
}

// NewManager creates a Manager from raw master secret bytes. The input
// slice is wiped; the Manager keeps the only copy in locked memory.
func NewManager(masterSecret []byte) (*Manager, error) {
	if err := security.ValidateKeyStrength(masterSecret); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	master, err := security.FromBytes(masterSecret)
	if err != nil {
		return nil, fmt.Errorf("keyring: secure master storage: %w", err)
	}

	return &Manager{
		master:   master,
		sessions: make(map[string]*sessionKeys),
	}, nil
}

// NewManagerFromFile loads the master secret from a 0600 file. The file
// may hold hex, base64, or raw bytes.
func NewManagerFromFile(path string) (*Manager, error) {
	if path == "" {
		return nil, ErrNoMasterSecret
	}

	data, err := security.ReadSecretFile(path, 4096)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoMasterSecret, path)
		}
		return nil, fmt.Errorf("keyring: read master secret: %w", err)
	}
	defer security.Wipe(data)

	secret, err := decodeSecret(data)
	if err != nil {
		return nil, err
	}

	return NewManager(secret)
}

// NewManagerFromEnv loads the master secret from an environment
// variable holding hex or base64.
func NewManagerFromEnv(name string) (*Manager, error) {
	value := os.Getenv(name)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrNoMasterSecret, name)
	}

	secret, err := decodeSecret([]byte(value))
	if err != nil {
		return nil, err
	}

	return NewManager(secret)
}

// GenerateMasterSecret creates a fresh random master secret and writes
// it hex-encoded to path with 0600 permissions.
func GenerateMasterSecret(path string) error {
	key, err := security.GenerateKey(security.KeySize)
	if err != nil {
		return fmt.Errorf("keyring: generate master secret: %w", err)
	}
	defer security.Wipe(key)

	encoded := []byte(hex.EncodeToString(key) + "\n")
	defer security.Wipe(encoded)

	if err := security.WriteSecretFile(path, encoded); err != nil {
		return fmt.Errorf("keyring: write master secret: %w", err)
	}
	return nil
}

func decodeSecret(data []byte) ([]byte, error) {
	text := strings.TrimSpace(string(data))

	if raw, err := hex.DecodeString(text); err == nil && len(raw) >= security.MinKeySize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(text); err == nil && len(raw) >= security.MinKeySize {
		return raw, nil
	}
	if len(data) >= security.MinKeySize {
		raw := make([]byte, len(data))
		copy(raw, data)
		return raw, nil
	}

	return nil, fmt.Errorf("keyring: %w: unrecognized master secret encoding", security.ErrWeakKey)
}

// CreateSession establishes the key tree for a session. Creating an
// existing session is a no-op.
func (m *Manager) CreateSession(sessionID string) error {
	if err := security.ValidateSessionID(sessionID); err != nil {
		return fmt.Errorf("keyring: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if _, ok := m.sessions[sessionID]; ok {
		return nil
	}

	keys, err := m.deriveSessionLocked(sessionID)
	if err != nil {
		return err
	}
	m.sessions[sessionID] = keys
	return nil
}

// DestroySession wipes a session's key material. Unknown sessions are
// ignored.
func (m *Manager) DestroySession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if keys, ok := m.sessions[sessionID]; ok {
		keys.wipe()
		delete(m.sessions, sessionID)
	}
}

// HasSession reports whether a session's keys are live.
func (m *Manager) HasSession(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// ActiveSessions returns the number of live sessions.
func (m *Manager) ActiveSessions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// DeriveKey expands a standalone key from the master secret under a
// label outside any session tree. The store derives its integrity key
// this way; destroying sessions never touches it. The caller owns the
// returned bytes and should wipe them when done.
func (m *Manager) DeriveKey(label string, size int) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	key, err := security.ExpandKeyWithLabel(m.master.Bytes(), label, size)
	if err != nil {
		return nil, fmt.Errorf("keyring: derive %s key: %w", label, err)
	}
	return key, nil
}

// EncryptWithSession seals plaintext under the session's context key.
// The session is created on first use: the monitor may begin capturing
// before the daemon registers the session explicitly.
func (m *Manager) EncryptWithSession(sessionID string, plaintext []byte, context string) (*security.Record, error) {
	key, err := m.contextKey(sessionID, context, true)
	if err != nil {
		return nil, err
	}
	return security.Encrypt(plaintext, key)
}

// DecryptWithSession opens a record sealed for (sessionID, context).
// Unknown sessions fail with ErrSessionNotFound: once a session is
// destroyed its records are gone for good.
func (m *Manager) DecryptWithSession(sessionID string, rec *security.Record, context string) ([]byte, error) {
	key, err := m.contextKey(sessionID, context, false)
	if err != nil {
		return nil, err
	}
	return security.Decrypt(rec, key)
}

// Close destroys all sessions and the master secret.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for id, keys := range m.sessions {
		keys.wipe()
		delete(m.sessions, id)
	}
	m.master.Destroy()
}

func (m *Manager) contextKey(sessionID, context string, createMissing bool) ([]byte, error) {
	if err := security.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	if err := security.ValidateContextLabel(context); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}

	keys, ok := m.sessions[sessionID]
	if !ok {
		if !createMissing {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		derived, err := m.deriveSessionLocked(sessionID)
		if err != nil {
			return nil, err
		}
		keys = derived
		m.sessions[sessionID] = keys
	}

	if key, ok := keys.contexts[context]; ok {
		return key, nil
	}

	key, err := security.ExpandKeyWithLabel(keys.root, contextPrefix+context, security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("keyring: context key: %w", err)
	}
	keys.contexts[context] = key
	return key, nil
}

func (m *Manager) deriveSessionLocked(sessionID string) (*sessionKeys, error) {
	root, err := security.ExpandKey(m.master.Bytes(), []byte(sessionID),
		[]byte("vigil:"+sessionRootLabel), security.KeySize)
	if err != nil {
		return nil, fmt.Errorf("keyring: session root: %w", err)
	}

	return &sessionKeys{
		root:      root,
		contexts:  make(map[string][]byte),
		createdAt: time.Now(),
	}, nil
}
