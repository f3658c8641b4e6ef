package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vigil/internal/logging"
)

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	lg, err := logging.New(&logging.Config{
		Level:     logging.LevelError,
		Output:    "stderr",
		Component: "sources-test",
	})
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	return lg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

// =============================================================================
// Simulator Tests
// =============================================================================

func TestSimulatorEmitsAllChannels(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		Seed:              1,
		KeyInterval:       5 * time.Millisecond,
		ClickInterval:     5 * time.Millisecond,
		ScrollInterval:    5 * time.Millisecond,
		FocusInterval:     5 * time.Millisecond,
		VoiceInterval:     5 * time.Millisecond,
		BiometricInterval: 5 * time.Millisecond,
	})
	if !sim.Available() {
		t.Fatal("simulator must always be available")
	}
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sim.Stop()

	timeout := time.After(2 * time.Second)
	got := map[string]bool{}
	for len(got) < 6 {
		select {
		case <-sim.Keys():
			got[ChannelKeystroke] = true
		case <-sim.Clicks():
			got[ChannelMouse] = true
		case <-sim.Scrolls():
			got[ChannelScroll] = true
		case <-sim.Focus():
			got[ChannelFocus] = true
		case ev := <-sim.Voice():
			if ev.Stress < 0 || ev.Stress > 1 {
				t.Errorf("voice stress out of range: %v", ev.Stress)
			}
			got[ChannelVoice] = true
		case ev := <-sim.Biometrics():
			if ev.HeartRate < 45 || ev.HeartRate > 160 {
				t.Errorf("heart rate out of range: %v", ev.HeartRate)
			}
			got[ChannelBiometric] = true
		case <-timeout:
			t.Fatalf("timeout; channels seen: %v", got)
		}
	}
}

func TestSimulatorOptInChannelsDisabled(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		Seed:        1,
		KeyInterval: 5 * time.Millisecond,
	})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sim.Stop()

	// Let the generators run, then confirm the opt-in channels stayed
	// silent.
	time.Sleep(100 * time.Millisecond)
	select {
	case <-sim.Voice():
		t.Error("voice channel must be silent when not opted in")
	case <-sim.Biometrics():
		t.Error("biometric channel must be silent when not opted in")
	default:
	}
}

func TestSimulatorDeletionRate(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{
		Seed:         7,
		KeyInterval:  2 * time.Millisecond,
		DeletionRate: 1.0,
	})
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer sim.Stop()

	for i := 0; i < 5; i++ {
		select {
		case ev := <-sim.Keys():
			if !ev.Deletion {
				t.Error("expected every keystroke to be a deletion at rate 1.0")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for keystrokes")
		}
	}
}

func TestSimulatorLifecycle(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: 1, KeyInterval: 5 * time.Millisecond})

	if err := sim.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := sim.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning on double start, got %v", err)
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	// The simulator can be restarted.
	if err := sim.Start(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if err := sim.Stop(); err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
}

// =============================================================================
// Spool Source Tests
// =============================================================================

const validBatchJSON = `{
	"session_id": "session-9",
	"captured_at": "2026-08-23T10:00:00Z",
	"agent": "vigil-agent/0.3",
	"events": [
		{"channel": "scroll", "at": "2026-08-23T10:00:02Z", "delta": 140},
		{"channel": "keystroke", "at": "2026-08-23T10:00:01Z"},
		{"channel": "keystroke", "at": "2026-08-23T10:00:01.2Z", "deletion": true},
		{"channel": "mouse", "at": "2026-08-23T10:00:01.5Z"},
		{"channel": "focus", "at": "2026-08-23T10:00:03Z", "gained": false},
		{"channel": "voice", "at": "2026-08-23T10:00:04Z", "stress": 0.62},
		{"channel": "biometric", "at": "2026-08-23T10:00:05Z", "heart_rate": 91, "variability": 34}
	]
}`

func newTestSpool(t *testing.T) (*SpoolSource, string) {
	t.Helper()
	dir := t.TempDir()
	src, err := NewSpoolSource(SpoolConfig{
		Dir:      dir,
		Debounce: 20 * time.Millisecond,
		Logger:   testLogger(t),
	})
	if err != nil {
		t.Fatalf("create spool source: %v", err)
	}
	return src, dir
}

func TestSpoolAcceptsValidBatch(t *testing.T) {
	src, dir := newTestSpool(t)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer src.Stop()

	path := filepath.Join(dir, "batch-1.json")
	if err := os.WriteFile(path, []byte(validBatchJSON), 0o600); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	var batch Batch
	select {
	case batch = <-src.Batches():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for batch")
	}

	if batch.SessionID != "session-9" {
		t.Errorf("unexpected session id %q", batch.SessionID)
	}
	if batch.Size() != 7 {
		t.Errorf("expected 7 events, got %d", batch.Size())
	}
	if len(batch.Keys) != 2 || len(batch.Clicks) != 1 || len(batch.Scrolls) != 1 ||
		len(batch.Focus) != 1 || len(batch.Voice) != 1 || len(batch.Biometrics) != 1 {
		t.Errorf("unexpected channel split: %+v", batch)
	}
	// Events are ordered by timestamp within each channel.
	if !batch.Keys[0].At.Before(batch.Keys[1].At) {
		t.Error("expected keystrokes ordered by time")
	}
	if !batch.Keys[1].Deletion {
		t.Error("expected second keystroke to be a deletion")
	}
	if batch.Scrolls[0].Delta != 140 {
		t.Errorf("expected scroll delta 140, got %v", batch.Scrolls[0].Delta)
	}
	if batch.Voice[0].Stress != 0.62 {
		t.Errorf("expected stress 0.62, got %v", batch.Voice[0].Stress)
	}

	// Consumed files are removed from the spool.
	waitFor(t, 2*time.Second, func() bool {
		_, err := os.Stat(path)
		return os.IsNotExist(err)
	}, "consumed spool file was not removed")
}

func TestSpoolQuarantinesInvalidBatch(t *testing.T) {
	src, dir := newTestSpool(t)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer src.Stop()

	tests := []struct {
		name    string
		content string
	}{
		{"missing-session.json", `{"captured_at": "2026-08-23T10:00:00Z", "events": []}`},
		{"malformed.json", `{"session_id": "s1", `},
		{"bad-channel.json", `{
			"session_id": "s1",
			"captured_at": "2026-08-23T10:00:00Z",
			"events": [{"channel": "screenshot", "at": "2026-08-23T10:00:01Z"}]
		}`},
		{"bad-timestamp.json", `{
			"session_id": "s1",
			"captured_at": "not-a-time",
			"events": []
		}`},
	}

	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
			t.Fatalf("write %s: %v", tt.name, err)
		}
		waitFor(t, 3*time.Second, func() bool {
			_, err := os.Stat(path + RejectedSuffix)
			return err == nil
		}, "expected "+tt.name+" to be quarantined")
	}

	select {
	case batch := <-src.Batches():
		t.Errorf("no batch should be emitted for invalid files, got %+v", batch)
	default:
	}
}

func TestSpoolPicksUpPreexistingFiles(t *testing.T) {
	src, dir := newTestSpool(t)

	path := filepath.Join(dir, "early.json")
	if err := os.WriteFile(path, []byte(validBatchJSON), 0o600); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer src.Stop()

	select {
	case batch := <-src.Batches():
		if batch.SessionID != "session-9" {
			t.Errorf("unexpected session id %q", batch.SessionID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for pre-existing batch")
	}
}

func TestSpoolIgnoresForeignFiles(t *testing.T) {
	src, dir := newTestSpool(t)
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer src.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "old.json"+RejectedSuffix), []byte("{}"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	select {
	case batch := <-src.Batches():
		t.Errorf("unexpected batch %+v", batch)
	default:
	}
	if n := src.TrackedFiles(); n != 0 {
		t.Errorf("expected no tracked files, got %d", n)
	}
}

func TestSpoolLifecycle(t *testing.T) {
	src, _ := newTestSpool(t)

	if err := src.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := src.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := src.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Errorf("expected ErrRunning, got %v", err)
	}
	if err := src.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	// Spool sources are single-use.
	if err := src.Start(context.Background()); err == nil {
		t.Error("expected restart to fail")
	}
}

func TestSpoolRequiresDir(t *testing.T) {
	if _, err := NewSpoolSource(SpoolConfig{}); err == nil {
		t.Error("expected an error for missing spool dir")
	}
}

// =============================================================================
// Batch Tests
// =============================================================================

func TestBatchSplitAndOrder(t *testing.T) {
	base := time.Date(2026, 8, 23, 10, 0, 0, 0, time.UTC)
	raw := spoolBatch{
		SessionID:  "session-1",
		CapturedAt: base,
		Events: []spoolEvent{
			{Channel: ChannelKeystroke, At: base.Add(3 * time.Second)},
			{Channel: ChannelMouse, At: base.Add(time.Second)},
			{Channel: ChannelKeystroke, At: base.Add(time.Second), Deletion: true},
			{Channel: ChannelScroll, At: base.Add(2 * time.Second), Delta: 55},
		},
	}

	batch := raw.toBatch()
	if batch.Size() != 4 {
		t.Errorf("expected 4 events, got %d", batch.Size())
	}
	if len(batch.Keys) != 2 {
		t.Fatalf("expected 2 keystrokes, got %d", len(batch.Keys))
	}
	if !batch.Keys[0].Deletion || batch.Keys[1].Deletion {
		t.Error("expected the earlier deletion keystroke first")
	}
	if len(batch.Clicks) != 1 || len(batch.Scrolls) != 1 {
		t.Errorf("unexpected split: %+v", batch)
	}
}
