// Package monitor captures behavioral telemetry for a single session and
// scores it for crisis indicators without ever buffering plaintext. Every
// sample is encrypted through the session key manager before it is stored;
// decryption happens only transiently, inside an analysis pass, and the
// plaintext is wiped as soon as the comparison is done.
//
// A monitor owns exactly one session and moves between two states: idle and
// monitoring. Start establishes an encrypted typing baseline and begins a
// periodic analysis loop; Stop tears the loop down and clears every buffer
// and counter. Dispose is terminal.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/keyring"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/security"
	"vigil/internal/sources"
)

var (
	ErrAlreadyRunning  = errors.New("monitor: already monitoring")
	ErrNotRunning      = errors.New("monitor: not monitoring")
	ErrDisposed        = errors.New("monitor: disposed")
	ErrSessionMismatch = errors.New("monitor: batch session mismatch")
)

// RetentionPolicy controls how long encrypted samples survive in the
// in-memory buffers. Enforcement runs at the end of every analysis pass.
type RetentionPolicy string

const (
	// RetentionImmediate clears all buffered samples after each analysis
	// pass. Nothing outlives the pass that consumed it.
	RetentionImmediate RetentionPolicy = "IMMEDIATE"

	// RetentionSession keeps samples until monitoring stops.
	RetentionSession RetentionPolicy = "SESSION"

	// RetentionAnonymous keeps samples for a bounded window, five minutes
	// unless configured otherwise.
	RetentionAnonymous RetentionPolicy = "ANONYMOUS"
)

// State is the monitor lifecycle state.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMonitoring:
		return "monitoring"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// RiskThresholds maps an anomaly score in [0,1] to a risk level. A score at
// or above Critical is CRITICAL, at or above High is HIGH, at or above
// Medium is MEDIUM, anything below is LOW.
type RiskThresholds struct {
	Critical float64
	High     float64
	Medium   float64
}

// DefaultThresholds mirrors the standard mapping: 0.9 / 0.7 / 0.5.
var DefaultThresholds = RiskThresholds{Critical: 0.9, High: 0.7, Medium: 0.5}

// Baseline is the typing profile new keystroke batches are compared
// against. It is encrypted at Start and decrypted only for the comparison.
type Baseline struct {
	TypingSpeed   float64   `json:"typing_speed"` // keystrokes per minute
	AvgPauseMs    float64   `json:"avg_pause_ms"`
	EstablishedAt time.Time `json:"established_at"`
}

// DefaultBaseline is used when the caller does not supply a profile.
var DefaultBaseline = Baseline{TypingSpeed: 200, AvgPauseMs: 300}

// VoiceHook scores a voice event. Returning ok=false skips the event.
type VoiceHook func(ev sources.VoiceEvent) (score float64, ok bool)

// BiometricHook scores a biometric event. Returning ok=false skips the
// event.
type BiometricHook func(ev sources.BiometricEvent) (score float64, ok bool)

// BehavioralRecorder receives derived behavioral signals, typically the
// detection engine. Only magnitudes cross this boundary.
type BehavioralRecorder interface {
	RecordBehavioralSignal(sessionID string, severity int, confidence float64, indicator string) error
}

const (
	// DefaultAnalysisInterval is the periodic analysis cadence.
	DefaultAnalysisInterval = 5 * time.Second

	// DefaultRetentionWindow bounds sample age under RetentionAnonymous.
	DefaultRetentionWindow = 5 * time.Minute

	// DefaultKeystrokeBatch is the number of keystrokes per analysis batch.
	DefaultKeystrokeBatch = 10

	// DefaultBufferCap is the per-channel encrypted sample buffer size.
	// The oldest sample is dropped when a channel overflows.
	DefaultBufferCap = 256

	// analysisWindow is how many recent keystroke samples a periodic
	// analysis pass considers.
	analysisWindow = 10

	clickWindow    = 5
	scrollWindow   = 10
	focusBatch     = 5
	pauseAlarmMs   = 2000
	deletionAlarm  = 0.2
	scrollAlarmAvg = 100
	clickAlarmFreq = 2.0
)

// Context labels for key derivation. Each concern gets its own derived key.
const (
	cryptoContextBehavior   = "behavior"
	cryptoContextBaseline   = "baseline"
	cryptoContextAssessment = "assessment"
	cryptoContextAlert      = "alert"
)

// Options configures a Monitor. Keys is required; everything else has a
// usable default.
type Options struct {
	Keys   keyring.SessionCrypter
	Logger *logging.Logger
	Bus    *events.Bus

	// Engine, when set, receives a behavioral signal for every buffered
	// sample that scores HIGH or CRITICAL.
	Engine BehavioralRecorder

	// AlertFunc, when set, is invoked synchronously with every generated
	// crisis alert, after the alert event has been published.
	AlertFunc func(CrisisAlert)

	AnonymousMode       bool
	EnableVoiceAnalysis bool
	EnableBiometrics    bool

	Retention        RetentionPolicy // default ANONYMOUS
	RetentionWindow  time.Duration   // default 5m, ANONYMOUS only
	AnalysisInterval time.Duration   // default 5s
	KeystrokeBatch   int             // default 10
	BufferCap        int             // default 256

	Thresholds RiskThresholds
	Baseline   *Baseline

	VoiceHook     VoiceHook
	BiometricHook BiometricHook

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Monitor watches one session's behavioral channels. All mutable state is
// guarded by mu; encryption runs outside the lock and its result is
// discarded if monitoring stopped in the meantime.
type Monitor struct {
	sessionID string
	keys      keyring.SessionCrypter
	log       *logging.Logger
	bus       *events.Bus
	engine    BehavioralRecorder
	alertFn   func(CrisisAlert)
	clock     func() time.Time

	retention  RetentionPolicy
	window     time.Duration
	interval   time.Duration
	batchSize  int
	bufferCap  int
	thresholds RiskThresholds
	anonymous  bool
	voiceOn    bool
	bioOn      bool
	voiceHook  VoiceHook
	bioHook    BiometricHook
	baselineIn Baseline

	mu     sync.Mutex
	state  State
	gen    uint64 // bumped on Stop/Dispose; stale encryption results are discarded
	cancel context.CancelFunc
	wg     sync.WaitGroup

	baseline *security.Record
	buffers  map[string][]sample

	// keystroke batch counters
	keyCount  int
	deletions int
	pauses    []time.Duration
	lastKeyAt time.Time

	clickTimes   []time.Time
	scrollDeltas []float64
	focusLosses  int

	lastAssessment *RiskAssessment

	encLatency rollingLatency
	anaLatency rollingLatency
}

// sample is one encrypted behavioral observation. Channel and capture time
// stay plaintext so retention and accounting work without decryption; the
// score and metrics live inside the payload.
type sample struct {
	channel string
	at      time.Time
	payload *security.Record
}

// sampleBody is the plaintext form of a sample payload.
type sampleBody struct {
	Channel string             `json:"channel"`
	Score   float64            `json:"score"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// New validates the session and prepares an idle monitor. It publishes a
// monitoring-initialized event but captures nothing until Start.
func New(sessionID string, opts Options) (*Monitor, error) {
	if err := security.ValidateSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("monitor: %w", err)
	}
	if opts.Keys == nil {
		return nil, errors.New("monitor: session crypter required")
	}

	retention := opts.Retention
	if retention == "" {
		retention = RetentionAnonymous
	}
	switch retention {
	case RetentionImmediate, RetentionSession, RetentionAnonymous:
	default:
		return nil, fmt.Errorf("monitor: unknown retention policy %q", retention)
	}

	log := opts.Logger
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("monitor")
	if !opts.AnonymousMode {
		log = log.WithSession(sessionID)
	}

	thresholds := opts.Thresholds
	if thresholds == (RiskThresholds{}) {
		thresholds = DefaultThresholds
	}

	baseline := DefaultBaseline
	if opts.Baseline != nil {
		baseline = *opts.Baseline
	}

	m := &Monitor{
		sessionID:  sessionID,
		keys:       opts.Keys,
		log:        log,
		bus:        opts.Bus,
		engine:     opts.Engine,
		alertFn:    opts.AlertFunc,
		clock:      opts.Clock,
		retention:  retention,
		window:     opts.RetentionWindow,
		interval:   opts.AnalysisInterval,
		batchSize:  opts.KeystrokeBatch,
		bufferCap:  opts.BufferCap,
		thresholds: thresholds,
		anonymous:  opts.AnonymousMode,
		voiceOn:    opts.EnableVoiceAnalysis,
		bioOn:      opts.EnableBiometrics,
		voiceHook:  opts.VoiceHook,
		bioHook:    opts.BiometricHook,
		baselineIn: baseline,
		buffers:    make(map[string][]sample),
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	if m.window <= 0 {
		m.window = DefaultRetentionWindow
	}
	if m.interval <= 0 {
		m.interval = DefaultAnalysisInterval
	}
	if m.batchSize <= 1 {
		m.batchSize = DefaultKeystrokeBatch
	}
	if m.bufferCap <= 0 {
		m.bufferCap = DefaultBufferCap
	}
	if m.voiceHook == nil {
		m.voiceHook = DefaultVoiceHook
	}
	if m.bioHook == nil {
		m.bioHook = DefaultBiometricHook
	}

	m.publish(events.TypeMonitoringInitialized, events.LifecyclePayload{
		Channels: m.channels(),
	})
	m.log.Debug("monitor initialized",
		"retention", string(retention),
		"voice", opts.EnableVoiceAnalysis,
		"biometrics", opts.EnableBiometrics,
	)
	return m, nil
}

// channels lists the capture channels this monitor consumes.
func (m *Monitor) channels() []string {
	cs := []string{
		sources.ChannelKeystroke,
		sources.ChannelMouse,
		sources.ChannelScroll,
		sources.ChannelFocus,
	}
	if m.voiceOn {
		cs = append(cs, sources.ChannelVoice)
	}
	if m.bioOn {
		cs = append(cs, sources.ChannelBiometric)
	}
	return cs
}

// Start establishes the encrypted baseline and begins the periodic
// analysis loop. The monitor must be idle.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateDisposed:
		m.mu.Unlock()
		return ErrDisposed
	case StateMonitoring:
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	base := m.baselineIn
	if base.EstablishedAt.IsZero() {
		base.EstablishedAt = m.clock()
	}
	plain, err := json.Marshal(base)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor: encode baseline: %w", err)
	}
	done := metrics.ObserveEncrypt()
	rec, err := m.keys.EncryptWithSession(m.sessionID, plain, cryptoContextBaseline)
	done()
	security.Wipe(plain)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("monitor: encrypt baseline: %w", err)
	}

	m.baseline = rec
	m.state = StateMonitoring
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(runCtx)
	m.mu.Unlock()

	metrics.SetBaselineSamples(sources.ChannelKeystroke, 1)
	m.publish(events.TypeMonitoringStarted, events.LifecyclePayload{
		Channels: m.channels(),
	})
	m.log.Info("monitoring started",
		"interval", m.interval.String(),
		"retention", string(m.retention),
	)
	return nil
}

// Stop halts the analysis loop and clears all buffered state. Encryption
// already in flight completes but its result is discarded.
func (m *Monitor) Stop() error {
	return m.halt(StateIdle, "stopped")
}

// Dispose permanently retires the monitor. Every buffer, counter, and the
// baseline are cleared; all later operations fail with ErrDisposed.
// Disposing twice is a no-op.
func (m *Monitor) Dispose() error {
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	err := m.halt(StateDisposed, "disposed")
	if err != nil && !errors.Is(err, ErrNotRunning) && !errors.Is(err, ErrDisposed) {
		return err
	}

	m.mu.Lock()
	m.state = StateDisposed
	m.gen++
	m.clearLocked()
	m.mu.Unlock()
	m.log.Info("monitor disposed")
	return nil
}

// halt moves Monitoring to next, waits for the loop to exit, and clears
// state under the policy that nothing survives a stop.
func (m *Monitor) halt(next State, reason string) error {
	m.mu.Lock()
	if m.state == StateDisposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if m.state != StateMonitoring {
		m.mu.Unlock()
		return ErrNotRunning
	}
	cancel := m.cancel
	m.cancel = nil
	m.state = next
	m.gen++
	m.clearLocked()
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()

	metrics.SetBaselineSamples(sources.ChannelKeystroke, 0)
	m.publish(events.TypeMonitoringStopped, events.LifecyclePayload{
		Reason: reason,
	})
	m.log.Info("monitoring stopped", "reason", reason)
	return nil
}

// clearLocked wipes buffers, counters, the baseline, and the cached
// assessment. Callers hold mu.
func (m *Monitor) clearLocked() {
	for ch := range m.buffers {
		metrics.SetBufferedSamples(ch, 0)
	}
	m.buffers = make(map[string][]sample)
	m.baseline = nil
	m.keyCount = 0
	m.deletions = 0
	m.pauses = nil
	m.lastKeyAt = time.Time{}
	m.clickTimes = nil
	m.scrollDeltas = nil
	m.focusLosses = 0
	m.lastAssessment = nil
}

// State reports the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SessionID reports the session this monitor owns.
func (m *Monitor) SessionID() string { return m.sessionID }

// LastAssessment returns a copy of the most recent periodic risk
// assessment, if one has been produced since monitoring started.
func (m *Monitor) LastAssessment() (RiskAssessment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastAssessment == nil {
		return RiskAssessment{}, false
	}
	return *m.lastAssessment, true
}

// PerformanceMetrics carries operational counters for health reporting.
// Buffer sizes are per channel; latencies are rolling means.
type PerformanceMetrics struct {
	EncryptionLatencyMs float64        `json:"encryption_latency_ms"`
	AnalysisLatencyMs   float64        `json:"analysis_latency_ms"`
	BufferSizes         map[string]int `json:"buffer_sizes"`
	IsMonitoring        bool           `json:"is_monitoring"`
}

// PerformanceMetrics reports current buffer occupancy and rolling
// latencies. Safe to call in any state.
func (m *Monitor) PerformanceMetrics() PerformanceMetrics {
	m.mu.Lock()
	sizes := make(map[string]int, len(m.buffers))
	for ch, buf := range m.buffers {
		sizes[ch] = len(buf)
	}
	monitoring := m.state == StateMonitoring
	m.mu.Unlock()

	return PerformanceMetrics{
		EncryptionLatencyMs: m.encLatency.meanMs(),
		AnalysisLatencyMs:   m.anaLatency.meanMs(),
		BufferSizes:         sizes,
		IsMonitoring:        monitoring,
	}
}

// run drives the periodic analysis loop until the context is cancelled.
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runAnalysis()
		}
	}
}

// riskLevel maps an anomaly score in [0,1] to a risk level.
func (m *Monitor) riskLevel(score float64) detect.RiskLevel {
	switch {
	case score >= m.thresholds.Critical:
		return detect.RiskCritical
	case score >= m.thresholds.High:
		return detect.RiskHigh
	case score >= m.thresholds.Medium:
		return detect.RiskMedium
	default:
		return detect.RiskLow
	}
}

// publish emits a bus event tagged with this monitor's session.
func (m *Monitor) publish(typ events.Type, payload any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Type:      typ,
		SessionID: m.sessionID,
		At:        m.clock(),
		Payload:   payload,
	})
}

// publishError reports a non-fatal pipeline failure on the bus.
func (m *Monitor) publishError(op string, err error) {
	m.publish(events.TypeMonitoringError, events.ErrorPayload{
		Operation: op,
		Category:  "encryption",
		Severity:  "MEDIUM",
		Message:   err.Error(),
	})
}

// rollingLatency keeps a small window of observed durations and reports
// their mean in milliseconds. It has its own lock because observations
// happen outside the monitor lock.
type rollingLatency struct {
	mu     sync.Mutex
	window [32]float64
	n      int
	idx    int
}

func (r *rollingLatency) observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.window[r.idx] = float64(d) / float64(time.Millisecond)
	r.idx = (r.idx + 1) % len(r.window)
	if r.n < len(r.window) {
		r.n++
	}
}

func (r *rollingLatency) meanMs() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.n; i++ {
		sum += r.window[i]
	}
	return sum / float64(r.n)
}
