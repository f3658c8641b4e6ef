package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/metrics"
	"vigil/internal/security"
	"vigil/internal/sources"
)

// runningLocked reports whether events may be recorded. Callers hold mu.
func (m *Monitor) runningLocked() error {
	switch m.state {
	case StateMonitoring:
		return nil
	case StateDisposed:
		return ErrDisposed
	default:
		return ErrNotRunning
	}
}

// RecordKeystroke folds one keystroke into the current batch. Every
// batchSize keystrokes the batch is scored against the baseline, the
// counters reset, and the encrypted sample buffered. Only timings and the
// deletion flag ever reach this method; key contents never exist here.
func (m *Monitor) RecordKeystroke(ev sources.KeyEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = m.clock()
	}
	if !m.lastKeyAt.IsZero() && at.After(m.lastKeyAt) {
		m.pauses = append(m.pauses, at.Sub(m.lastKeyAt))
	}
	m.lastKeyAt = at
	m.keyCount++
	if ev.Deletion {
		m.deletions++
	}
	if m.keyCount < m.batchSize {
		m.mu.Unlock()
		metrics.RecordSampleCaptured(sources.ChannelKeystroke)
		return nil
	}

	count := m.keyCount
	deletions := m.deletions
	var avgPauseMs float64
	if len(m.pauses) > 0 {
		var sum time.Duration
		for _, p := range m.pauses {
			sum += p
		}
		avgPauseMs = float64(sum) / float64(len(m.pauses)) / float64(time.Millisecond)
	}
	m.keyCount = 0
	m.deletions = 0
	m.pauses = nil
	baseline := m.baseline
	gen := m.gen
	m.mu.Unlock()
	metrics.RecordSampleCaptured(sources.ChannelKeystroke)

	base, err := m.decodeBaseline(baseline)
	if err != nil {
		m.log.Warn("keystroke batch skipped", "error", err.Error())
		m.publishError("decode baseline", err)
		metrics.RecordSampleDropped(sources.ChannelKeystroke)
		return nil
	}

	score, mm := keystrokeScore(count, deletions, avgPauseMs, base)
	m.publish(events.TypeKeystrokeAnalyzed, events.KeystrokePayload{
		Count:        count,
		AnomalyScore: score,
	})
	m.log.Debug("keystroke batch analyzed",
		"count", count,
		"anomaly_score", fmt.Sprintf("%.3f", score),
	)
	m.commitSample(sources.ChannelKeystroke, score, mm, at, gen)
	return nil
}

// keystrokeScore combines typing-speed deviation from the baseline
// (weighted 0.3, the weighted term capped at 1), long inter-key pauses
// (+0.4 when the average exceeds 2000ms), and a high deletion rate
// (+0.3 above 20%) into an anomaly score clamped to [0,1].
func keystrokeScore(count, deletions int, avgPauseMs float64, base Baseline) (float64, map[string]float64) {
	speed := base.TypingSpeed
	if avgPauseMs > 0 {
		speed = float64(time.Minute/time.Millisecond) / avgPauseMs
	}
	var deviation float64
	if base.TypingSpeed > 0 {
		deviation = math.Abs(speed-base.TypingSpeed) / base.TypingSpeed
	}
	deletionRate := 0.0
	if count > 0 {
		deletionRate = float64(deletions) / float64(count)
	}

	score := math.Min(0.3*deviation, 1)
	if avgPauseMs > pauseAlarmMs {
		score += 0.4
	}
	if deletionRate > deletionAlarm {
		score += 0.3
	}
	score = clamp01(score)

	return score, map[string]float64{
		"count":         float64(count),
		"typing_speed":  speed,
		"avg_pause_ms":  avgPauseMs,
		"deletion_rate": deletionRate,
	}
}

// RecordClick folds one click into a rolling five-click window. A
// sustained frequency above 2 clicks/s scores min(freq/5, 1) and the
// sample is buffered when that exceeds 0.6.
func (m *Monitor) RecordClick(ev sources.PointerEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = m.clock()
	}
	m.clickTimes = append(m.clickTimes, at)
	if len(m.clickTimes) > clickWindow {
		m.clickTimes = append(m.clickTimes[:0], m.clickTimes[len(m.clickTimes)-clickWindow:]...)
	}

	var score, freq float64
	fire := false
	if len(m.clickTimes) == clickWindow {
		span := m.clickTimes[clickWindow-1].Sub(m.clickTimes[0])
		if span <= 0 {
			span = time.Millisecond
		}
		freq = float64(clickWindow) / span.Seconds()
		if freq > clickAlarmFreq {
			score = math.Min(freq/5, 1)
			fire = score > 0.6
		}
	}
	gen := m.gen
	m.mu.Unlock()
	metrics.RecordSampleCaptured(sources.ChannelMouse)

	if fire {
		m.commitSample(sources.ChannelMouse, score, map[string]float64{
			"click_frequency": freq,
		}, at, gen)
	}
	return nil
}

// RecordScroll folds one scroll event into a rolling ten-event window.
// An average magnitude above 100 scores min(avg/500, 1) and the sample is
// buffered when that exceeds 0.5.
func (m *Monitor) RecordScroll(ev sources.ScrollEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = m.clock()
	}
	m.scrollDeltas = append(m.scrollDeltas, math.Abs(ev.Delta))
	if len(m.scrollDeltas) > scrollWindow {
		m.scrollDeltas = append(m.scrollDeltas[:0], m.scrollDeltas[len(m.scrollDeltas)-scrollWindow:]...)
	}

	var score, avg float64
	fire := false
	if len(m.scrollDeltas) == scrollWindow {
		var sum float64
		for _, d := range m.scrollDeltas {
			sum += d
		}
		avg = sum / scrollWindow
		if avg > scrollAlarmAvg {
			score = math.Min(avg/500, 1)
			fire = score > 0.5
		}
	}
	gen := m.gen
	m.mu.Unlock()
	metrics.RecordSampleCaptured(sources.ChannelScroll)

	if fire {
		m.commitSample(sources.ChannelScroll, score, map[string]float64{
			"avg_scroll_speed": avg,
		}, at, gen)
	}
	return nil
}

// RecordFocus counts focus losses. Every fifth loss scores
// min(losses/10, 1) and the sample is buffered when that exceeds 0.4.
// Focus gains are observed but never scored.
func (m *Monitor) RecordFocus(ev sources.FocusEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	if ev.Gained {
		m.mu.Unlock()
		metrics.RecordSampleCaptured(sources.ChannelFocus)
		return nil
	}
	at := ev.At
	if at.IsZero() {
		at = m.clock()
	}
	m.focusLosses++
	losses := m.focusLosses

	var score float64
	fire := false
	if losses%focusBatch == 0 {
		score = math.Min(float64(losses)/10, 1)
		fire = score > 0.4
	}
	gen := m.gen
	m.mu.Unlock()
	metrics.RecordSampleCaptured(sources.ChannelFocus)

	if fire {
		m.commitSample(sources.ChannelFocus, score, map[string]float64{
			"focus_losses": float64(losses),
		}, at, gen)
	}
	return nil
}

// RecordVoice scores a voice event through the configured hook. Voice
// analysis is opt-in; events arriving while it is disabled are discarded
// without error.
func (m *Monitor) RecordVoice(ev sources.VoiceEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	enabled := m.voiceOn
	gen := m.gen
	m.mu.Unlock()
	if !enabled {
		return nil
	}
	metrics.RecordSampleCaptured(sources.ChannelVoice)

	score, ok := m.voiceHook(ev)
	if !ok {
		return nil
	}
	score = clamp01(score)
	if score > 0.5 {
		at := ev.At
		if at.IsZero() {
			at = m.clock()
		}
		m.commitSample(sources.ChannelVoice, score, map[string]float64{
			"stress": ev.Stress,
		}, at, gen)
	}
	return nil
}

// RecordBiometric scores a biometric event through the configured hook.
// Biometric analysis is opt-in; events arriving while it is disabled are
// discarded without error.
func (m *Monitor) RecordBiometric(ev sources.BiometricEvent) error {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	enabled := m.bioOn
	gen := m.gen
	m.mu.Unlock()
	if !enabled {
		return nil
	}
	metrics.RecordSampleCaptured(sources.ChannelBiometric)

	score, ok := m.bioHook(ev)
	if !ok {
		return nil
	}
	score = clamp01(score)
	if score > 0.5 {
		at := ev.At
		if at.IsZero() {
			at = m.clock()
		}
		m.commitSample(sources.ChannelBiometric, score, map[string]float64{
			"heart_rate":  ev.HeartRate,
			"variability": ev.Variability,
		}, at, gen)
	}
	return nil
}

// IngestBatch routes every event in a captured batch through the
// per-channel recorders. The batch must belong to this monitor's session.
func (m *Monitor) IngestBatch(b sources.Batch) error {
	if b.SessionID != m.sessionID {
		return ErrSessionMismatch
	}
	for _, ev := range b.Keys {
		if err := m.RecordKeystroke(ev); err != nil {
			return err
		}
	}
	for _, ev := range b.Clicks {
		if err := m.RecordClick(ev); err != nil {
			return err
		}
	}
	for _, ev := range b.Scrolls {
		if err := m.RecordScroll(ev); err != nil {
			return err
		}
	}
	for _, ev := range b.Focus {
		if err := m.RecordFocus(ev); err != nil {
			return err
		}
	}
	for _, ev := range b.Voice {
		if err := m.RecordVoice(ev); err != nil {
			return err
		}
	}
	for _, ev := range b.Biometrics {
		if err := m.RecordBiometric(ev); err != nil {
			return err
		}
	}
	return nil
}

// DefaultVoiceHook treats the reported stress estimate as the anomaly
// score directly.
func DefaultVoiceHook(ev sources.VoiceEvent) (float64, bool) {
	return clamp01(ev.Stress), true
}

// DefaultBiometricHook scores heart rate by its distance from a resting
// 70 bpm, with a penalty when variability is suppressed below 20ms.
func DefaultBiometricHook(ev sources.BiometricEvent) (float64, bool) {
	if ev.HeartRate <= 0 {
		return 0, false
	}
	score := clamp01(math.Abs(ev.HeartRate-70) / 60)
	if ev.Variability > 0 && ev.Variability < 20 {
		score = math.Min(score+0.2, 1)
	}
	return score, true
}

// commitSample encrypts a scored observation and appends it to the
// channel buffer, dropping the oldest entry on overflow. Encryption runs
// outside the lock; if monitoring stopped in the meantime the result is
// discarded. A sample scoring HIGH or CRITICAL raises a crisis alert
// immediately.
func (m *Monitor) commitSample(channel string, score float64, mm map[string]float64, at time.Time, gen uint64) {
	body := sampleBody{Channel: channel, Score: score, Metrics: mm}
	plain, err := json.Marshal(body)
	if err != nil {
		m.log.Warn("sample encoding failed, dropping", "channel", channel, "error", err.Error())
		metrics.RecordSampleDropped(channel)
		return
	}

	start := time.Now()
	done := metrics.ObserveEncrypt()
	rec, err := m.keys.EncryptWithSession(m.sessionID, plain, cryptoContextBehavior)
	done()
	m.encLatency.observe(time.Since(start))
	security.Wipe(plain)
	if err != nil {
		m.log.Warn("sample encryption failed, dropping",
			"channel", channel,
			"error", err.Error(),
		)
		m.publishError("encrypt sample", err)
		metrics.RecordSampleDropped(channel)
		metrics.RecordError("encryption", "MEDIUM")
		return
	}

	m.mu.Lock()
	if m.state != StateMonitoring || m.gen != gen {
		m.mu.Unlock()
		return
	}
	buf := m.buffers[channel]
	if len(buf) >= m.bufferCap {
		copy(buf, buf[1:])
		buf = buf[:len(buf)-1]
		metrics.RecordSampleDropped(channel)
	}
	m.buffers[channel] = append(buf, sample{channel: channel, at: at, payload: rec})
	size := len(m.buffers[channel])
	m.mu.Unlock()

	metrics.RecordSampleEncrypted()
	metrics.SetBufferedSamples(channel, size)

	level := m.riskLevel(score)
	if level >= detect.RiskHigh {
		m.feedEngine(channel, score)
		m.generateAlert(AlertBehavioralAnomaly, channel, score, level, []string{channel + " anomaly"})
	}
}

// feedEngine forwards a high-risk sample to the detection engine as a
// behavioral signal. Only the channel tag and score magnitude cross.
func (m *Monitor) feedEngine(channel string, score float64) {
	if m.engine == nil {
		return
	}
	severity := int(math.Round(score * 10))
	if err := m.engine.RecordBehavioralSignal(m.sessionID, severity, score, channel+" anomaly"); err != nil {
		m.log.Debug("behavioral signal rejected", "error", err.Error())
	}
}

// decodeBaseline decrypts the typing baseline for a transient comparison.
func (m *Monitor) decodeBaseline(rec *security.Record) (Baseline, error) {
	if rec == nil {
		return Baseline{}, errors.New("monitor: baseline unavailable")
	}
	plain, err := m.keys.DecryptWithSession(m.sessionID, rec, cryptoContextBaseline)
	if err != nil {
		return Baseline{}, fmt.Errorf("monitor: decrypt baseline: %w", err)
	}
	var b Baseline
	err = json.Unmarshal(plain, &b)
	security.Wipe(plain)
	if err != nil {
		return Baseline{}, fmt.Errorf("monitor: decode baseline: %w", err)
	}
	return b, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
