package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/metrics"
	"vigil/internal/security"
	"vigil/internal/sources"
)

// RiskAssessment is the outcome of one periodic analysis pass. The
// factors, recommendations, and intervention plan live inside Details,
// encrypted under the session's assessment key; only magnitudes stay in
// the clear.
type RiskAssessment struct {
	SessionID   string
	Score       float64
	Level       detect.RiskLevel
	Escalating  bool
	SampleCount int
	Details     *security.Record
	AssessedAt  time.Time
}

// assessmentBody is the plaintext form of RiskAssessment.Details.
type assessmentBody struct {
	Factors         []string         `json:"factors"`
	Recommendations []string         `json:"recommendations"`
	Plan            interventionPlan `json:"intervention_plan"`
}

// runAnalysis performs one analysis pass: decrypt the most recent
// keystroke samples, assess them, then enforce the retention policy.
// Individual decryption failures are logged and skipped; the pass itself
// never fails.
func (m *Monitor) runAnalysis() {
	started := time.Now()

	m.mu.Lock()
	if m.state != StateMonitoring {
		m.mu.Unlock()
		return
	}
	gen := m.gen
	now := m.clock()
	ks := m.buffers[sources.ChannelKeystroke]
	if len(ks) > analysisWindow {
		ks = ks[len(ks)-analysisWindow:]
	}
	recs := make([]*security.Record, len(ks))
	for i, s := range ks {
		recs[i] = s.payload
	}
	m.mu.Unlock()

	scores := make([]float64, 0, len(recs))
	for _, rec := range recs {
		plain, err := m.keys.DecryptWithSession(m.sessionID, rec, cryptoContextBehavior)
		if err != nil {
			m.log.Warn("sample decryption failed, skipping", "error", err.Error())
			metrics.RecordError("encryption", "MEDIUM")
			continue
		}
		var body sampleBody
		err = json.Unmarshal(plain, &body)
		security.Wipe(plain)
		if err != nil {
			m.log.Warn("sample decoding failed, skipping", "error", err.Error())
			continue
		}
		scores = append(scores, body.Score)
	}

	if len(scores) > 0 {
		m.assess(scores, gen, now, started)
	}

	m.enforceRetention(now, gen)
	m.anaLatency.observe(time.Since(started))
}

// assess turns decrypted keystroke scores into a risk assessment, stores
// it, and publishes analysis-completed. A HIGH or CRITICAL assessment with
// an escalating trend raises an escalation-pattern alert.
func (m *Monitor) assess(scores []float64, gen uint64, now time.Time, started time.Time) {
	mean := meanOf(scores)
	escalating := escalationPattern(scores)
	deviation := meanAbsDeviation(scores, mean)
	level := m.riskLevel(mean)

	factors := []string{fmt.Sprintf("behavioral anomaly score %.2f", mean)}
	if escalating {
		factors = append(factors, "escalating pattern")
	}
	factors = append(factors, fmt.Sprintf("mean pattern deviation %.2f", deviation))

	body := assessmentBody{
		Factors:         factors,
		Recommendations: assessRecommendations(mean, escalating),
		Plan:            buildPlan(mean),
	}
	details, err := m.encryptJSON(body, cryptoContextAssessment)
	if err != nil {
		m.log.Warn("assessment encryption failed", "error", err.Error())
		m.publishError("encrypt assessment", err)
		metrics.RecordError("encryption", "MEDIUM")
		details = nil
	}

	assessment := &RiskAssessment{
		SessionID:   m.sessionID,
		Score:       mean,
		Level:       level,
		Escalating:  escalating,
		SampleCount: len(scores),
		Details:     details,
		AssessedAt:  now,
	}

	m.mu.Lock()
	if m.state != StateMonitoring || m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.lastAssessment = assessment
	m.mu.Unlock()

	m.publish(events.TypeAnalysisCompleted, events.AnalysisPayload{
		RiskScore:   mean * 100,
		RiskLevel:   level.String(),
		SampleCount: len(scores),
		Duration:    time.Since(started),
	})
	m.log.Debug("analysis completed",
		"risk_score", fmt.Sprintf("%.3f", mean),
		"risk_level", level.String(),
		"sample_count", len(scores),
		"escalating", escalating,
	)

	if escalating && level >= detect.RiskHigh {
		m.generateAlert(AlertEscalationPattern, sources.ChannelKeystroke, mean, level, factors)
	}
}

// assessRecommendations derives follow-up guidance from the mean anomaly
// score and the trend.
func assessRecommendations(score float64, escalating bool) []string {
	if score > 0.8 {
		recs := []string{"escalate to crisis specialist"}
		if escalating {
			recs = append(recs, "prepare emergency intervention")
		}
		return recs
	}
	var recs []string
	if escalating {
		recs = append(recs, "increase monitoring frequency")
	}
	return append(recs, "continue supportive monitoring")
}

// enforceRetention applies the configured policy to every channel buffer
// and refreshes the occupancy gauges.
func (m *Monitor) enforceRetention(now time.Time, gen uint64) {
	m.mu.Lock()
	if m.state != StateMonitoring || m.gen != gen {
		m.mu.Unlock()
		return
	}

	removed := 0
	switch m.retention {
	case RetentionImmediate:
		for ch, buf := range m.buffers {
			removed += len(buf)
			m.buffers[ch] = nil
		}
	case RetentionAnonymous:
		cutoff := now.Add(-m.window)
		for ch, buf := range m.buffers {
			idx := 0
			for idx < len(buf) && !buf[idx].at.After(cutoff) {
				idx++
			}
			if idx > 0 {
				removed += idx
				m.buffers[ch] = append(buf[:0], buf[idx:]...)
			}
		}
	case RetentionSession:
		// Samples live until monitoring stops.
	}
	for ch, buf := range m.buffers {
		metrics.SetBufferedSamples(ch, len(buf))
	}
	policy := m.retention
	m.mu.Unlock()

	if removed > 0 {
		metrics.RecordPurged(string(policy), removed)
		m.log.Debug("retention enforced", "policy", string(policy), "removed", removed)
	}
}

// escalationPattern reports whether at least 60% of consecutive sample
// pairs increased strictly.
func escalationPattern(scores []float64) bool {
	if len(scores) < 2 {
		return false
	}
	increases := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[i-1] {
			increases++
		}
	}
	return float64(increases)/float64(len(scores)-1) >= 0.6
}

func meanOf(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func meanAbsDeviation(vs []float64, mean float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		if v > mean {
			sum += v - mean
		} else {
			sum += mean - v
		}
	}
	return sum / float64(len(vs))
}
