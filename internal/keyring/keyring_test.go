package keyring

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/security"
)

func testSecret() []byte {
	return bytes.Repeat([]byte{0x3c, 0xa9}, 16)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(testSecret())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestNewManager_RejectsWeakSecret(t *testing.T) {
	_, err := NewManager([]byte("short"))
	assert.ErrorIs(t, err, security.ErrWeakKey)

	_, err = NewManager(make([]byte, 32)) // all zeros
	assert.ErrorIs(t, err, security.ErrWeakKey)
}

func TestNewManager_WipesInput(t *testing.T) {
	secret := testSecret()
	m, err := NewManager(secret)
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, make([]byte, len(secret)), secret, "input secret should be wiped")
}

func TestEncryptWithSession_RoundTrip(t *testing.T) {
	m := newTestManager(t)

	plaintext := []byte(`{"channel":"keystroke","score":0.42}`)
	rec, err := m.EncryptWithSession("session-1", plaintext, "telemetry-keystroke")
	require.NoError(t, err)
	require.NotNil(t, rec)

	got, err := m.DecryptWithSession("session-1", rec, "telemetry-keystroke")
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptWithSession_AutoCreatesSession(t *testing.T) {
	m := newTestManager(t)

	assert.False(t, m.HasSession("late-registered"))

	_, err := m.EncryptWithSession("late-registered", []byte("x"), "telemetry-focus")
	require.NoError(t, err)

	assert.True(t, m.HasSession("late-registered"))
	assert.Equal(t, 1, m.ActiveSessions())
}

func TestDecryptWithSession_ContextSeparation(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.EncryptWithSession("session-1", []byte("partitioned"), "telemetry-keystroke")
	require.NoError(t, err)

	_, err = m.DecryptWithSession("session-1", rec, "baseline")
	assert.ErrorIs(t, err, security.ErrDecryptFailed)
}

func TestDecryptWithSession_SessionSeparation(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.EncryptWithSession("session-1", []byte("mine"), "audit")
	require.NoError(t, err)

	require.NoError(t, m.CreateSession("session-2"))
	_, err = m.DecryptWithSession("session-2", rec, "audit")
	assert.ErrorIs(t, err, security.ErrDecryptFailed)
}

func TestDecryptWithSession_UnknownSession(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.EncryptWithSession("known", []byte("x"), "audit")
	require.NoError(t, err)

	_, err = m.DecryptWithSession("never-seen", rec, "audit")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestDestroySession_MakesRecordsUnreadable(t *testing.T) {
	m := newTestManager(t)

	rec, err := m.EncryptWithSession("ephemeral", []byte("gone soon"), "telemetry-voice")
	require.NoError(t, err)

	m.DestroySession("ephemeral")
	assert.False(t, m.HasSession("ephemeral"))

	_, err = m.DecryptWithSession("ephemeral", rec, "telemetry-voice")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	// Destroying again must be harmless.
	m.DestroySession("ephemeral")
}

func TestCreateSession_Idempotent(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.CreateSession("s"))
	require.NoError(t, m.CreateSession("s"))
	assert.Equal(t, 1, m.ActiveSessions())

	// Keys derived before and after the second create stay compatible.
	rec, err := m.EncryptWithSession("s", []byte("stable"), "audit")
	require.NoError(t, err)
	got, err := m.DecryptWithSession("s", rec, "audit")
	require.NoError(t, err)
	assert.Equal(t, []byte("stable"), got)
}

func TestManager_RejectsBadIdentifiers(t *testing.T) {
	m := newTestManager(t)

	_, err := m.EncryptWithSession("bad session!", []byte("x"), "audit")
	assert.ErrorIs(t, err, security.ErrInvalidInput)

	_, err = m.EncryptWithSession("ok", []byte("x"), "Bad_Context")
	assert.ErrorIs(t, err, security.ErrInvalidInput)

	err = m.CreateSession("")
	assert.Error(t, err)
}

func TestClose_ShutsDownManager(t *testing.T) {
	m, err := NewManager(testSecret())
	require.NoError(t, err)

	require.NoError(t, m.CreateSession("s"))
	m.Close()

	_, err = m.EncryptWithSession("s", []byte("x"), "audit")
	assert.ErrorIs(t, err, ErrManagerClosed)

	err = m.CreateSession("other")
	assert.ErrorIs(t, err, ErrManagerClosed)

	assert.Equal(t, 0, m.ActiveSessions())
	m.Close() // second close must be safe
}

func TestNewManagerFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, GenerateMasterSecret(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, security.PermSecretFile, info.Mode().Perm())

	m, err := NewManagerFromFile(path)
	require.NoError(t, err)
	defer m.Close()

	rec, err := m.EncryptWithSession("s", []byte("from file"), "audit")
	require.NoError(t, err)
	got, err := m.DecryptWithSession("s", rec, "audit")
	require.NoError(t, err)
	assert.Equal(t, []byte("from file"), got)
}

func TestNewManagerFromFile_Missing(t *testing.T) {
	_, err := NewManagerFromFile(filepath.Join(t.TempDir(), "absent.key"))
	assert.ErrorIs(t, err, ErrNoMasterSecret)

	_, err = NewManagerFromFile("")
	assert.ErrorIs(t, err, ErrNoMasterSecret)
}

func TestNewManagerFromEnv(t *testing.T) {
	t.Setenv("VIGIL_TEST_MASTER", "6d61737465722d7365637265742d6d6174657269616c2d3332")

	m, err := NewManagerFromEnv("VIGIL_TEST_MASTER")
	require.NoError(t, err)
	defer m.Close()

	t.Setenv("VIGIL_TEST_MASTER", "")
	_, err = NewManagerFromEnv("VIGIL_TEST_MASTER")
	assert.ErrorIs(t, err, ErrNoMasterSecret)
}

func TestSameMasterSameSession_DerivesSameKeys(t *testing.T) {
	a, err := NewManager(testSecret())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewManager(testSecret())
	require.NoError(t, err)
	defer b.Close()

	rec, err := a.EncryptWithSession("shared", []byte("portable"), "audit")
	require.NoError(t, err)

	require.NoError(t, b.CreateSession("shared"))
	got, err := b.DecryptWithSession("shared", rec, "audit")
	require.NoError(t, err)
	assert.Equal(t, []byte("portable"), got)
}

func TestDeriveKey_StableAndSessionIndependent(t *testing.T) {
	a, err := NewManager(testSecret())
	require.NoError(t, err)
	defer a.Close()
	b, err := NewManager(testSecret())
	require.NoError(t, err)
	defer b.Close()

	k1, err := a.DeriveKey("audit-store", security.KeySize)
	require.NoError(t, err)
	k2, err := b.DeriveKey("audit-store", security.KeySize)
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "same master and label must derive the same key")

	other, err := a.DeriveKey("transport", security.KeySize)
	require.NoError(t, err)
	assert.NotEqual(t, k1, other, "labels must partition derived keys")

	a.DestroySession("any-session")
	k3, err := a.DeriveKey("audit-store", security.KeySize)
	require.NoError(t, err)
	assert.Equal(t, k1, k3, "session churn must not affect standalone keys")
}

func TestDeriveKey_ClosedManager(t *testing.T) {
	m, err := NewManager(testSecret())
	require.NoError(t, err)
	m.Close()

	_, err = m.DeriveKey("audit-store", security.KeySize)
	assert.ErrorIs(t, err, ErrManagerClosed)
}
