package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/keyring"
	"vigil/internal/logging"
	"vigil/internal/security"
	"vigil/internal/sources"
)

// ===== Fixtures =====

const testSession = "session-mon-1"

var noon = time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)

func testKeys(t *testing.T) *keyring.Manager {
	t.Helper()
	km, err := keyring.NewManager(bytes.Repeat([]byte{0x5d, 0x27}, 16))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(km.Close)
	return km
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.New(&logging.Config{Level: logging.LevelError, Output: "stderr"})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	return log
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []CrisisAlert
}

func (r *alertRecorder) record(a CrisisAlert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

func (r *alertRecorder) list() []CrisisAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CrisisAlert(nil), r.alerts...)
}

type recordedSignal struct {
	session    string
	severity   int
	confidence float64
	indicator  string
}

type recordingEngine struct {
	mu   sync.Mutex
	sigs []recordedSignal
}

func (r *recordingEngine) RecordBehavioralSignal(sessionID string, severity int, confidence float64, indicator string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sigs = append(r.sigs, recordedSignal{sessionID, severity, confidence, indicator})
	return nil
}

func (r *recordingEngine) list() []recordedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedSignal(nil), r.sigs...)
}

type testEnv struct {
	m      *Monitor
	keys   *keyring.Manager
	bus    *events.Bus
	clock  *fakeClock
	alerts *alertRecorder
}

func newTestMonitor(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	keys := testKeys(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	clock := &fakeClock{now: noon}
	alerts := &alertRecorder{}
	opts := Options{
		Keys:      keys,
		Logger:    testLogger(t),
		Bus:       bus,
		AlertFunc: alerts.record,
		Clock:     clock.Now,
		Retention: RetentionSession,
		// analysis passes are driven manually in tests
		AnalysisInterval: time.Hour,
		Baseline:         &Baseline{TypingSpeed: 200, AvgPauseMs: 300},
	}
	if mutate != nil {
		mutate(&opts)
	}
	m, err := New(testSession, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Dispose() })
	return &testEnv{m: m, keys: keys, bus: bus, clock: clock, alerts: alerts}
}

func (e *testEnv) start(t *testing.T) {
	t.Helper()
	if err := e.m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func collectEvents(ch <-chan events.Event, want events.Type) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			if ev.Type == want {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func alertsOfType(alerts []CrisisAlert, typ AlertType) []CrisisAlert {
	var out []CrisisAlert
	for _, a := range alerts {
		if a.Type == typ {
			out = append(out, a)
		}
	}
	return out
}

func containsString(vs []string, want string) bool {
	for _, v := range vs {
		if v == want {
			return true
		}
	}
	return false
}

func currentGen(m *Monitor) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

func feedKeys(t *testing.T, env *testEnv, n int, spacing time.Duration, deletions int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.clock.Advance(spacing)
		ev := sources.KeyEvent{At: env.clock.Now(), Deletion: i < deletions}
		if err := env.m.RecordKeystroke(ev); err != nil {
			t.Fatalf("RecordKeystroke: %v", err)
		}
	}
}

func feedClicks(t *testing.T, env *testEnv, n int, spacing time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.clock.Advance(spacing)
		if err := env.m.RecordClick(sources.PointerEvent{At: env.clock.Now()}); err != nil {
			t.Fatalf("RecordClick: %v", err)
		}
	}
}

func feedScrolls(t *testing.T, env *testEnv, n int, delta float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.clock.Advance(100 * time.Millisecond)
		d := delta
		if i%2 == 1 {
			d = -delta
		}
		if err := env.m.RecordScroll(sources.ScrollEvent{At: env.clock.Now(), Delta: d}); err != nil {
			t.Fatalf("RecordScroll: %v", err)
		}
	}
}

func feedFocusLosses(t *testing.T, env *testEnv, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env.clock.Advance(time.Second)
		if err := env.m.RecordFocus(sources.FocusEvent{At: env.clock.Now(), Gained: false}); err != nil {
			t.Fatalf("RecordFocus: %v", err)
		}
	}
}

// ===== Construction =====

func TestNewValidatesInput(t *testing.T) {
	keys := testKeys(t)
	if _, err := New("bad session!", Options{Keys: keys}); err == nil {
		t.Fatal("expected error for invalid session id")
	}
	if _, err := New(testSession, Options{}); err == nil {
		t.Fatal("expected error for missing crypter")
	}
	if _, err := New(testSession, Options{Keys: keys, Retention: "WEEKLY"}); err == nil {
		t.Fatal("expected error for unknown retention policy")
	}
}

func TestDefaults(t *testing.T) {
	m, err := New(testSession, Options{Keys: testKeys(t), Logger: testLogger(t)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Dispose() })

	if m.retention != RetentionAnonymous {
		t.Errorf("retention = %q, want ANONYMOUS", m.retention)
	}
	if m.window != DefaultRetentionWindow {
		t.Errorf("window = %v, want %v", m.window, DefaultRetentionWindow)
	}
	if m.interval != DefaultAnalysisInterval {
		t.Errorf("interval = %v, want %v", m.interval, DefaultAnalysisInterval)
	}
	if m.batchSize != DefaultKeystrokeBatch {
		t.Errorf("batch size = %d, want %d", m.batchSize, DefaultKeystrokeBatch)
	}
	if m.bufferCap != DefaultBufferCap {
		t.Errorf("buffer cap = %d, want %d", m.bufferCap, DefaultBufferCap)
	}
	if m.thresholds != DefaultThresholds {
		t.Errorf("thresholds = %+v, want defaults", m.thresholds)
	}
}

func TestChannelListIncludesOptIns(t *testing.T) {
	m, err := New(testSession, Options{
		Keys:                testKeys(t),
		Logger:              testLogger(t),
		EnableVoiceAnalysis: true,
		EnableBiometrics:    true,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Dispose() })

	cs := m.channels()
	if len(cs) != 6 {
		t.Fatalf("channels = %v, want 6 entries", cs)
	}
	if !containsString(cs, sources.ChannelVoice) || !containsString(cs, sources.ChannelBiometric) {
		t.Fatalf("channels = %v, want voice and biometric", cs)
	}
}

// ===== Lifecycle =====

func TestLifecycle(t *testing.T) {
	env := newTestMonitor(t, nil)
	m := env.m

	if got := m.State(); got != StateIdle {
		t.Fatalf("state = %v, want idle", got)
	}
	if err := m.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop while idle = %v, want ErrNotRunning", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if got := m.State(); got != StateMonitoring {
		t.Fatalf("state = %v, want monitoring", got)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := m.State(); got != StateIdle {
		t.Fatalf("state after stop = %v, want idle", got)
	}

	// A stopped monitor can start again.
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if got := m.State(); got != StateDisposed {
		t.Fatalf("state = %v, want disposed", got)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("second Dispose = %v, want nil", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Start after dispose = %v, want ErrDisposed", err)
	}
	if err := m.Stop(); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Stop after dispose = %v, want ErrDisposed", err)
	}
	if err := m.RecordKeystroke(sources.KeyEvent{}); !errors.Is(err, ErrDisposed) {
		t.Fatalf("RecordKeystroke after dispose = %v, want ErrDisposed", err)
	}
}

func TestLifecycleEvents(t *testing.T) {
	keys := testKeys(t)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	ch, unsub := bus.Subscribe(50)
	defer unsub()

	m, err := New(testSession, Options{
		Keys:             keys,
		Logger:           testLogger(t),
		Bus:              bus,
		AnalysisInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = m.Dispose() })

	initialized := collectEvents(ch, events.TypeMonitoringInitialized)
	if len(initialized) != 1 {
		t.Fatalf("monitoring-initialized events = %d, want 1", len(initialized))
	}
	lp, ok := initialized[0].Payload.(events.LifecyclePayload)
	if !ok {
		t.Fatalf("payload = %T, want LifecyclePayload", initialized[0].Payload)
	}
	if len(lp.Channels) != 4 || lp.Channels[0] != sources.ChannelKeystroke {
		t.Fatalf("channels = %v, want the four always-on channels", lp.Channels)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := collectEvents(ch, events.TypeMonitoringStarted); len(got) != 1 {
		t.Fatalf("monitoring-started events = %d, want 1", len(got))
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	stopped := collectEvents(ch, events.TypeMonitoringStopped)
	if len(stopped) != 1 {
		t.Fatalf("monitoring-stopped events = %d, want 1", len(stopped))
	}
	if sp := stopped[0].Payload.(events.LifecyclePayload); sp.Reason != "stopped" {
		t.Fatalf("reason = %q, want stopped", sp.Reason)
	}
}

// ===== Keystroke channel =====

func TestKeystrokeBaselineMatchScoresZero(t *testing.T) {
	env := newTestMonitor(t, nil)
	ch, unsub := env.bus.Subscribe(50)
	defer unsub()
	env.start(t)

	// Eleven keystrokes at the baseline cadence: the tenth completes the
	// batch, the eleventh opens the next one.
	feedKeys(t, env, 11, 300*time.Millisecond, 0)

	evs := collectEvents(ch, events.TypeKeystrokeAnalyzed)
	if len(evs) != 1 {
		t.Fatalf("keystroke-analyzed events = %d, want 1", len(evs))
	}
	kp, ok := evs[0].Payload.(events.KeystrokePayload)
	if !ok {
		t.Fatalf("payload = %T, want KeystrokePayload", evs[0].Payload)
	}
	if kp.Count != 10 {
		t.Errorf("count = %d, want 10", kp.Count)
	}
	if math.Abs(kp.AnomalyScore) > 1e-9 {
		t.Errorf("anomaly score = %v, want ~0", kp.AnomalyScore)
	}
	if level := env.m.riskLevel(kp.AnomalyScore); level != detect.RiskLow {
		t.Errorf("risk level = %v, want LOW", level)
	}
	if got := env.alerts.list(); len(got) != 0 {
		t.Errorf("alerts = %d, want none", len(got))
	}
	pm := env.m.PerformanceMetrics()
	if pm.BufferSizes[sources.ChannelKeystroke] != 1 {
		t.Errorf("keystroke buffer = %d, want 1", pm.BufferSizes[sources.ChannelKeystroke])
	}
}

func TestKeystrokeScoreBoundaries(t *testing.T) {
	base := Baseline{TypingSpeed: 200, AvgPauseMs: 300}
	cases := []struct {
		name       string
		count      int
		deletions  int
		avgPauseMs float64
		want       float64
	}{
		{"matches baseline", 10, 0, 300, 0},
		{"slow typing long pauses", 10, 0, 2500, 0.664},
		{"deletion rate above threshold", 10, 3, 300, 0.3},
		{"deletion rate at threshold", 10, 2, 300, 0},
		{"pause at threshold", 10, 0, 2000, 0.255},
		{"all factors", 10, 3, 2500, 0.964},
		{"fast typing doubles deviation", 10, 0, 100, 0.6},
		{"extreme deviation capped", 10, 0, 50, 1},
		{"no pauses measured", 1, 0, 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := keystrokeScore(tc.count, tc.deletions, tc.avgPauseMs, base)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestKeystrokeCriticalAnomalyAlert(t *testing.T) {
	engine := &recordingEngine{}
	env := newTestMonitor(t, func(o *Options) { o.Engine = engine })
	ch, unsub := env.bus.Subscribe(50)
	defer unsub()
	env.start(t)

	// 2500ms pauses and a 30% deletion rate: 0.264 + 0.4 + 0.3 = 0.964.
	feedKeys(t, env, 10, 2500*time.Millisecond, 3)

	alerts := env.alerts.list()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	a := alerts[0]
	if a.Type != AlertBehavioralAnomaly {
		t.Errorf("type = %q, want behavioral-anomaly", a.Type)
	}
	if a.Severity != detect.RiskCritical {
		t.Errorf("severity = %v, want CRITICAL", a.Severity)
	}
	if !a.RequiresEscalation {
		t.Error("CRITICAL alert must require escalation")
	}
	if a.ID == "" || a.SessionID != testSession {
		t.Errorf("alert identity = %q/%q", a.ID, a.SessionID)
	}
	if math.Abs(a.Score-0.964) > 1e-9 {
		t.Errorf("score = %v, want 0.964", a.Score)
	}

	if a.Details == nil {
		t.Fatal("alert details missing")
	}
	plain, err := env.keys.DecryptWithSession(testSession, a.Details, cryptoContextAlert)
	if err != nil {
		t.Fatalf("decrypt details: %v", err)
	}
	var det alertDetails
	if err := json.Unmarshal(plain, &det); err != nil {
		t.Fatalf("decode details: %v", err)
	}
	if det.Channel != sources.ChannelKeystroke {
		t.Errorf("details channel = %q, want keystroke", det.Channel)
	}
	if math.Abs(det.Score-0.964) > 1e-9 {
		t.Errorf("details score = %v, want 0.964", det.Score)
	}

	if a.ActionPlan == nil {
		t.Fatal("action plan missing")
	}
	plain, err = env.keys.DecryptWithSession(testSession, a.ActionPlan, cryptoContextAlert)
	if err != nil {
		t.Fatalf("decrypt plan: %v", err)
	}
	var plan interventionPlan
	if err := json.Unmarshal(plain, &plan); err != nil {
		t.Fatalf("decode plan: %v", err)
	}
	if plan.Timeframe != "immediate" {
		t.Errorf("timeframe = %q, want immediate", plan.Timeframe)
	}
	if len(plan.Resources) == 0 {
		t.Error("plan resources missing")
	}

	evs := collectEvents(ch, events.TypeCrisisAlert)
	if len(evs) != 1 {
		t.Fatalf("crisis-alert events = %d, want 1", len(evs))
	}
	ap := evs[0].Payload.(events.AlertPayload)
	if ap.Severity != "CRITICAL" || !ap.RequiresImmediate {
		t.Errorf("alert payload = %+v", ap)
	}
	if ap.Source != string(AlertBehavioralAnomaly) {
		t.Errorf("source = %q, want behavioral-anomaly", ap.Source)
	}
	if math.Abs(ap.RiskScore-96.4) > 1e-6 {
		t.Errorf("risk score = %v, want 96.4", ap.RiskScore)
	}

	sigs := engine.list()
	if len(sigs) != 1 {
		t.Fatalf("behavioral signals = %d, want 1", len(sigs))
	}
	if sigs[0].severity != 10 || sigs[0].indicator != "keystroke anomaly" {
		t.Errorf("signal = %+v", sigs[0])
	}
	if math.Abs(sigs[0].confidence-0.964) > 1e-9 {
		t.Errorf("signal confidence = %v, want 0.964", sigs[0].confidence)
	}
}

// ===== Pointer, scroll, and focus channels =====

func TestClickFrequencyScoring(t *testing.T) {
	cases := []struct {
		name       string
		spacing    time.Duration
		buffered   int
		alerts     int
		wantSev    detect.RiskLevel
		wantEscal  bool
		checkAlert bool
	}{
		{name: "slow clicking ignored", spacing: 600 * time.Millisecond, buffered: 0, alerts: 0},
		{name: "moderate burst buffered", spacing: 400 * time.Millisecond, buffered: 1, alerts: 0},
		{name: "rapid burst critical", spacing: 100 * time.Millisecond, buffered: 1, alerts: 1,
			wantSev: detect.RiskCritical, wantEscal: true, checkAlert: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestMonitor(t, nil)
			env.start(t)
			feedClicks(t, env, 5, tc.spacing)

			pm := env.m.PerformanceMetrics()
			if got := pm.BufferSizes[sources.ChannelMouse]; got != tc.buffered {
				t.Errorf("mouse buffer = %d, want %d", got, tc.buffered)
			}
			alerts := env.alerts.list()
			if len(alerts) != tc.alerts {
				t.Fatalf("alerts = %d, want %d", len(alerts), tc.alerts)
			}
			if tc.checkAlert {
				if alerts[0].Severity != tc.wantSev {
					t.Errorf("severity = %v, want %v", alerts[0].Severity, tc.wantSev)
				}
				if alerts[0].RequiresEscalation != tc.wantEscal {
					t.Errorf("requires escalation = %v, want %v",
						alerts[0].RequiresEscalation, tc.wantEscal)
				}
			}
		})
	}
}

func TestScrollSpeedScoring(t *testing.T) {
	cases := []struct {
		name     string
		delta    float64
		buffered int
		alerts   int
	}{
		{"gentle scrolling ignored", 50, 0, 0},
		{"above average but below buffer threshold", 120, 0, 0},
		{"sustained fast scrolling buffered", 300, 1, 0},
		{"frantic scrolling critical", 480, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestMonitor(t, nil)
			env.start(t)
			feedScrolls(t, env, 10, tc.delta)

			pm := env.m.PerformanceMetrics()
			if got := pm.BufferSizes[sources.ChannelScroll]; got != tc.buffered {
				t.Errorf("scroll buffer = %d, want %d", got, tc.buffered)
			}
			if got := env.alerts.list(); len(got) != tc.alerts {
				t.Errorf("alerts = %d, want %d", len(got), tc.alerts)
			}
		})
	}
}

func TestFocusLossScoring(t *testing.T) {
	env := newTestMonitor(t, nil)
	env.start(t)

	feedFocusLosses(t, env, 4)
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelFocus]; got != 0 {
		t.Fatalf("focus buffer after 4 losses = %d, want 0", got)
	}

	// Regaining focus is observed but never scored.
	if err := env.m.RecordFocus(sources.FocusEvent{At: env.clock.Now(), Gained: true}); err != nil {
		t.Fatalf("RecordFocus: %v", err)
	}
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelFocus]; got != 0 {
		t.Fatalf("focus buffer after gain = %d, want 0", got)
	}

	// Fifth loss: score 0.5, buffered, MEDIUM, no alert.
	feedFocusLosses(t, env, 1)
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelFocus]; got != 1 {
		t.Fatalf("focus buffer after 5 losses = %d, want 1", got)
	}
	if got := env.alerts.list(); len(got) != 0 {
		t.Fatalf("alerts after 5 losses = %d, want 0", len(got))
	}

	// Tenth loss: score 1.0, CRITICAL.
	feedFocusLosses(t, env, 5)
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelFocus]; got != 2 {
		t.Fatalf("focus buffer after 10 losses = %d, want 2", got)
	}
	alerts := env.alerts.list()
	if len(alerts) != 1 {
		t.Fatalf("alerts after 10 losses = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != detect.RiskCritical || !alerts[0].RequiresEscalation {
		t.Errorf("alert = %+v, want CRITICAL requiring escalation", alerts[0])
	}
}

// ===== Opt-in channels =====

func TestVoiceAnalysisOptIn(t *testing.T) {
	disabled := newTestMonitor(t, nil)
	disabled.start(t)
	if err := disabled.m.RecordVoice(sources.VoiceEvent{At: noon, Stress: 0.99}); err != nil {
		t.Fatalf("RecordVoice: %v", err)
	}
	if got := disabled.m.PerformanceMetrics().BufferSizes[sources.ChannelVoice]; got != 0 {
		t.Fatalf("voice buffer while disabled = %d, want 0", got)
	}

	enabled := newTestMonitor(t, func(o *Options) { o.EnableVoiceAnalysis = true })
	enabled.start(t)
	if err := enabled.m.RecordVoice(sources.VoiceEvent{At: noon, Stress: 0.95}); err != nil {
		t.Fatalf("RecordVoice: %v", err)
	}
	if err := enabled.m.RecordVoice(sources.VoiceEvent{At: noon, Stress: 0.3}); err != nil {
		t.Fatalf("RecordVoice: %v", err)
	}
	if got := enabled.m.PerformanceMetrics().BufferSizes[sources.ChannelVoice]; got != 1 {
		t.Fatalf("voice buffer = %d, want 1", got)
	}
	alerts := enabled.alerts.list()
	if len(alerts) != 1 || alerts[0].Severity != detect.RiskCritical {
		t.Fatalf("alerts = %+v, want one CRITICAL", alerts)
	}
}

func TestVoiceHookDefaults(t *testing.T) {
	cases := []struct {
		stress float64
		want   float64
	}{
		{-0.5, 0},
		{0.3, 0.3},
		{1.7, 1},
	}
	for _, tc := range cases {
		got, ok := DefaultVoiceHook(sources.VoiceEvent{Stress: tc.stress})
		if !ok || math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("DefaultVoiceHook(%v) = %v/%v, want %v/true", tc.stress, got, ok, tc.want)
		}
	}
}

func TestBiometricHookDefaults(t *testing.T) {
	cases := []struct {
		name        string
		rate        float64
		variability float64
		want        float64
		wantOK      bool
	}{
		{"no reading", 0, 50, 0, false},
		{"resting", 70, 50, 0, true},
		{"elevated", 130, 50, 1, true},
		{"moderate", 100, 50, 0.5, true},
		{"suppressed variability penalty", 100, 10, 0.7, true},
		{"bradycardia", 40, 0, 0.5, true},
		{"capped", 190, 30, 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := DefaultBiometricHook(sources.BiometricEvent{
				HeartRate:   tc.rate,
				Variability: tc.variability,
			})
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("score = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBiometricOptInFlow(t *testing.T) {
	env := newTestMonitor(t, func(o *Options) { o.EnableBiometrics = true })
	env.start(t)

	// Resting readings stay out of the buffer.
	if err := env.m.RecordBiometric(sources.BiometricEvent{At: noon, HeartRate: 72, Variability: 50}); err != nil {
		t.Fatalf("RecordBiometric: %v", err)
	}
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelBiometric]; got != 0 {
		t.Fatalf("biometric buffer = %d, want 0", got)
	}

	// 115 bpm: |115-70|/60 = 0.75, HIGH without forced escalation.
	if err := env.m.RecordBiometric(sources.BiometricEvent{At: noon, HeartRate: 115, Variability: 50}); err != nil {
		t.Fatalf("RecordBiometric: %v", err)
	}
	alerts := env.alerts.list()
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Severity != detect.RiskHigh || alerts[0].RequiresEscalation {
		t.Errorf("alert = %+v, want HIGH without escalation", alerts[0])
	}

	// A hook that declines leaves no trace.
	declining := newTestMonitor(t, func(o *Options) {
		o.EnableBiometrics = true
		o.BiometricHook = func(sources.BiometricEvent) (float64, bool) { return 0.9, false }
	})
	declining.start(t)
	if err := declining.m.RecordBiometric(sources.BiometricEvent{At: noon, HeartRate: 150}); err != nil {
		t.Fatalf("RecordBiometric: %v", err)
	}
	if got := declining.m.PerformanceMetrics().BufferSizes[sources.ChannelBiometric]; got != 0 {
		t.Fatalf("biometric buffer = %d, want 0", got)
	}
}

// ===== Batch ingestion =====

func TestIngestBatch(t *testing.T) {
	env := newTestMonitor(t, nil)
	ch, unsub := env.bus.Subscribe(50)
	defer unsub()
	env.start(t)

	base := env.clock.Now()
	batch := sources.Batch{
		SessionID:  testSession,
		CapturedAt: base,
	}
	for i := 1; i <= 10; i++ {
		batch.Keys = append(batch.Keys, sources.KeyEvent{At: base.Add(time.Duration(i) * 300 * time.Millisecond)})
	}
	batch.Clicks = []sources.PointerEvent{{At: base}, {At: base.Add(time.Second)}}
	batch.Focus = []sources.FocusEvent{{At: base, Gained: false}}

	if err := env.m.IngestBatch(batch); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}
	if got := collectEvents(ch, events.TypeKeystrokeAnalyzed); len(got) != 1 {
		t.Fatalf("keystroke-analyzed events = %d, want 1", len(got))
	}
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelKeystroke]; got != 1 {
		t.Fatalf("keystroke buffer = %d, want 1", got)
	}

	if err := env.m.IngestBatch(sources.Batch{SessionID: "other-session"}); !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("mismatched batch = %v, want ErrSessionMismatch", err)
	}

	if err := env.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := env.m.IngestBatch(batch); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("batch while idle = %v, want ErrNotRunning", err)
	}
}

// ===== Stop semantics =====

func TestStopClearsState(t *testing.T) {
	env := newTestMonitor(t, nil)
	env.start(t)

	feedKeys(t, env, 10, 300*time.Millisecond, 0)
	feedFocusLosses(t, env, 5)
	pm := env.m.PerformanceMetrics()
	if !pm.IsMonitoring {
		t.Fatal("expected monitoring state")
	}
	if pm.BufferSizes[sources.ChannelKeystroke] != 1 || pm.BufferSizes[sources.ChannelFocus] != 1 {
		t.Fatalf("buffers = %v, want samples present", pm.BufferSizes)
	}

	if err := env.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	pm = env.m.PerformanceMetrics()
	if pm.IsMonitoring {
		t.Error("IsMonitoring still true after stop")
	}
	if len(pm.BufferSizes) != 0 {
		t.Errorf("buffers = %v, want cleared", pm.BufferSizes)
	}
	if _, ok := env.m.LastAssessment(); ok {
		t.Error("assessment survived stop")
	}

	// Counters restart from zero: five fresh keystrokes must not complete
	// the previous batch.
	env.start(t)
	feedKeys(t, env, 5, 300*time.Millisecond, 0)
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelKeystroke]; got != 0 {
		t.Fatalf("keystroke buffer after restart = %d, want 0", got)
	}
}

type gatedCrypter struct {
	inner   keyring.SessionCrypter
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedCrypter) EncryptWithSession(sessionID string, plaintext []byte, context string) (*security.Record, error) {
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.mu.Unlock()
	if gate != nil {
		if entered != nil {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
		<-gate
	}
	return g.inner.EncryptWithSession(sessionID, plaintext, context)
}

func (g *gatedCrypter) DecryptWithSession(sessionID string, rec *security.Record, context string) ([]byte, error) {
	return g.inner.DecryptWithSession(sessionID, rec, context)
}

func (g *gatedCrypter) hold() {
	g.mu.Lock()
	g.gate = make(chan struct{})
	g.mu.Unlock()
}

func (g *gatedCrypter) release() {
	g.mu.Lock()
	close(g.gate)
	g.gate = nil
	g.mu.Unlock()
}

func TestStopDiscardsInFlightEncryption(t *testing.T) {
	keys := testKeys(t)
	gc := &gatedCrypter{inner: keys, entered: make(chan struct{}, 1)}
	env := newTestMonitor(t, func(o *Options) { o.Keys = gc })
	env.start(t)

	gc.hold()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		// The fifth loss reaches the encryption path and blocks there.
		for i := 0; i < 5; i++ {
			_ = env.m.RecordFocus(sources.FocusEvent{At: noon, Gained: false})
		}
	}()

	select {
	case <-gc.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("encryption never started")
	}
	if err := env.m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	gc.release()
	wg.Wait()

	if got := env.m.PerformanceMetrics().BufferSizes; len(got) != 0 {
		t.Fatalf("buffers = %v, want in-flight sample discarded", got)
	}
	if got := env.alerts.list(); len(got) != 0 {
		t.Fatalf("alerts = %d, want none after discard", len(got))
	}
}

func TestEncryptionFailureSkipsSample(t *testing.T) {
	keys := testKeys(t)
	fc := &flakyCrypter{inner: keys, okCalls: 1} // the baseline only
	env := newTestMonitor(t, func(o *Options) { o.Keys = fc })
	ch, unsub := env.bus.Subscribe(50)
	defer unsub()
	env.start(t)

	feedFocusLosses(t, env, 5)
	if got := env.m.PerformanceMetrics().BufferSizes[sources.ChannelFocus]; got != 0 {
		t.Fatalf("focus buffer = %d, want dropped sample", got)
	}

	errs := collectEvents(ch, events.TypeMonitoringError)
	if len(errs) == 0 {
		t.Fatal("expected a monitoring-error event")
	}
	ep := errs[0].Payload.(events.ErrorPayload)
	if ep.Operation != "encrypt sample" || ep.Category != "encryption" {
		t.Errorf("error payload = %+v", ep)
	}

	// The loop survives: recording continues without error.
	if err := env.m.RecordFocus(sources.FocusEvent{At: noon, Gained: false}); err != nil {
		t.Fatalf("RecordFocus after failure: %v", err)
	}
	if got := env.m.State(); got != StateMonitoring {
		t.Fatalf("state = %v, want monitoring", got)
	}
}

type flakyCrypter struct {
	inner   keyring.SessionCrypter
	mu      sync.Mutex
	okCalls int
}

func (f *flakyCrypter) EncryptWithSession(sessionID string, plaintext []byte, context string) (*security.Record, error) {
	f.mu.Lock()
	ok := f.okCalls > 0
	if ok {
		f.okCalls--
	}
	f.mu.Unlock()
	if !ok {
		return nil, errors.New("keystore offline")
	}
	return f.inner.EncryptWithSession(sessionID, plaintext, context)
}

func (f *flakyCrypter) DecryptWithSession(sessionID string, rec *security.Record, context string) ([]byte, error) {
	return f.inner.DecryptWithSession(sessionID, rec, context)
}
