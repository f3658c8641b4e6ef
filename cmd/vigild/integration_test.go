// Package main provides integration tests for the vigild CLI.
//
// These tests exercise the helper paths the subcommands share: PID
// file handling, master-secret provisioning, and opening the archive
// the way the daemon does.
package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/keyring"
	"vigil/internal/store"
)

// TestPIDFileLifecycle verifies that a written PID file reports the
// current process as running and that stale content does not.
func TestPIDFileLifecycle(t *testing.T) {
	tmpDir := t.TempDir()
	pidFile := filepath.Join(tmpDir, "run", "vigild.pid")

	if isDaemonRunning(pidFile) {
		t.Fatal("missing PID file reported as running")
	}

	if err := writePIDFile(pidFile); err != nil {
		t.Fatalf("Failed to write PID file: %v", err)
	}

	// The file names this test process, which is certainly alive.
	if !isDaemonRunning(pidFile) {
		t.Error("own PID not reported as running")
	}

	if err := os.WriteFile(pidFile, []byte("not-a-pid\n"), 0600); err != nil {
		t.Fatalf("Failed to corrupt PID file: %v", err)
	}
	if isDaemonRunning(pidFile) {
		t.Error("garbage PID file reported as running")
	}

	if err := os.Remove(pidFile); err != nil {
		t.Fatalf("Failed to remove PID file: %v", err)
	}
	if isDaemonRunning(pidFile) {
		t.Error("removed PID file reported as running")
	}
}

// TestSignalDaemonMissingFile verifies signaling without a PID file fails.
func TestSignalDaemonMissingFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "vigild.pid")
	if err := signalDaemon(pidFile, os.Interrupt); err == nil {
		t.Error("expected error signaling without a PID file")
	}
}

// TestOpenRuntimeProvisionsSecret verifies that openRuntime generates
// the master secret on first run and that the archive survives reopen
// with an intact chain.
func TestOpenRuntimeProvisionsSecret(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := &config.Config{}
	cfg.Keys.SecretPath = filepath.Join(tmpDir, "master.key")
	cfg.Keys.GenerateIfMissing = true
	cfg.Storage.Path = filepath.Join(tmpDir, "vigil.db")

	keys, st, err := openRuntime(cfg)
	if err != nil {
		t.Fatalf("openRuntime failed: %v", err)
	}

	info, err := os.Stat(cfg.Keys.SecretPath)
	if err != nil {
		t.Fatalf("Master secret not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Master secret permissions = %o, want 0600", perm)
	}

	err = st.InsertSession(&store.Session{
		ID:          "session-cli-1",
		StartedAtNs: time.Now().UnixNano(),
		Retention:   "SESSION",
	})
	if err != nil {
		t.Fatalf("Failed to insert session: %v", err)
	}

	stats, err := st.GetStats()
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", stats.SessionCount)
	}
	if stats.ActiveSessions != 1 {
		t.Errorf("ActiveSessions = %d, want 1", stats.ActiveSessions)
	}
	if !stats.IntegrityOK {
		t.Error("Fresh archive reports compromised integrity")
	}

	if err := st.Close(); err != nil {
		t.Fatalf("Failed to close store: %v", err)
	}
	keys.Close()

	// Second run: same secret file, same derived store key, chain intact.
	keys2, st2, err := openRuntime(cfg)
	if err != nil {
		t.Fatalf("openRuntime reopen failed: %v", err)
	}
	defer keys2.Close()
	defer st2.Close()

	stats2, err := st2.GetStats()
	if err != nil {
		t.Fatalf("GetStats after reopen failed: %v", err)
	}
	if stats2.SessionCount != 1 {
		t.Errorf("SessionCount after reopen = %d, want 1", stats2.SessionCount)
	}
	if !stats2.IntegrityOK {
		t.Error("Reopened archive reports compromised integrity")
	}
}

// TestBuildKeyringRequiresSecret verifies that a missing secret file is
// an error unless generation is allowed.
func TestBuildKeyringRequiresSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.Keys.SecretPath = filepath.Join(t.TempDir(), "absent.key")
	cfg.Keys.GenerateIfMissing = false

	if _, err := buildKeyring(cfg); !errors.Is(err, keyring.ErrNoMasterSecret) {
		t.Errorf("buildKeyring error = %v, want ErrNoMasterSecret", err)
	}
}

// TestBuildLoggerMapsConfig verifies the logging config translation.
func TestBuildLoggerMapsConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stderr"

	log, err := buildLogger(cfg)
	if err != nil {
		t.Fatalf("buildLogger failed: %v", err)
	}
	if log == nil {
		t.Fatal("buildLogger returned nil logger")
	}
	if err := log.Close(); err != nil {
		t.Errorf("Failed to close logger: %v", err)
	}

	cfg.Logging.Level = "noise"
	if _, err := buildLogger(cfg); err == nil {
		t.Error("expected error for unknown log level")
	}
}

// TestBuildAuditConfigPlacement verifies the audit trail lands next to
// the daemon log when one is configured.
func TestBuildAuditConfigPlacement(t *testing.T) {
	cfg := &config.Config{}
	cfg.Logging.FilePath = filepath.Join("/var/log/vigil", "vigild.log")

	ac := buildAuditConfig(cfg)
	if want := filepath.Join("/var/log/vigil", "audit.log"); ac.FilePath != want {
		t.Errorf("audit FilePath = %q, want %q", ac.FilePath, want)
	}
	if ac.Component != "vigild" {
		t.Errorf("audit Component = %q, want vigild", ac.Component)
	}

	cfg.Logging.FilePath = ""
	if ac := buildAuditConfig(cfg); ac.FilePath == "" {
		t.Error("default audit FilePath is empty")
	}
}

// TestEqualStrings verifies the channel-set comparison used by the
// config watcher.
func TestEqualStrings(t *testing.T) {
	cases := []struct {
		name string
		a, b []string
		want bool
	}{
		{"both nil", nil, nil, true},
		{"nil vs empty", nil, []string{}, true},
		{"equal", []string{"keystroke", "focus"}, []string{"keystroke", "focus"}, true},
		{"reordered", []string{"focus", "keystroke"}, []string{"keystroke", "focus"}, false},
		{"different length", []string{"keystroke"}, []string{"keystroke", "focus"}, false},
	}
	for _, tc := range cases {
		if got := equalStrings(tc.a, tc.b); got != tc.want {
			t.Errorf("%s: equalStrings = %v, want %v", tc.name, got, tc.want)
		}
	}
}
