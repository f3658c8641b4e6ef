package detect

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"vigil/internal/events"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/security"
)

const (
	// historyLimit bounds the per-session signal ring.
	historyLimit = 100
	// historyTTL expires signals out of the ring.
	historyTTL = time.Hour
	// frequencyWindow is the lookback for the signal-frequency bonus.
	frequencyWindow = 5 * time.Minute
	// trendWindow is how many recent signals feed the severity trend.
	trendWindow = 20
)

// Options configures an Engine. Zero values get safe defaults; Bus,
// Pattern, and Sentiment are optional.
type Options struct {
	Logger    *logging.Logger
	Bus       *events.Bus
	Pattern   PatternModel
	Sentiment SentimentModel
	Clock     func() time.Time
}

// Engine analyzes messages for crisis signals and maintains rolling
// per-session signal history. Safe for concurrent use.
type Engine struct {
	log       *logging.Logger
	bus       *events.Bus
	pattern   PatternModel
	sentiment SentimentModel
	clock     func() time.Time

	mu       sync.Mutex
	sessions map[string]*sessionState
}

type sessionState struct {
	signals []Signal
	last    *Assessment
}

// NewEngine creates a detection engine.
func NewEngine(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("detect")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		log:       log,
		bus:       opts.Bus,
		pattern:   opts.Pattern,
		sentiment: opts.Sentiment,
		clock:     clock,
		sessions:  make(map[string]*sessionState),
	}
}

// AnalyzeMessage runs the full detection pipeline for one message:
// keyword scan, optional pattern classification, sentiment, history
// append, risk assessment, predictive alerts, and recommendations.
//
// Message text is read, scored, and discarded; it is never logged or
// retained.
func (e *Engine) AnalyzeMessage(ctx context.Context, sessionID, text string, meta map[string]string) (*Analysis, error) {
	defer metrics.ObserveAnalysis()()

	if err := security.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	now := e.clock()

	// Stage 1: weighted phrase categories.
	signals := scanKeywords(text, now)

	// Stage 2: pattern classifier, if one is wired in. Model failure
	// degrades to the remaining stages, never fails the call.
	if e.pattern != nil {
		probs, err := e.pattern.Classify(ctx, text)
		if err != nil {
			e.log.Warn("pattern model unavailable, degrading to keyword signals",
				"session_id", sessionID, "error", err)
		} else if sig, ok := patternSignal(probs, now); ok {
			signals = append(signals, sig)
		}
	}

	// Stage 3: sentiment. Always emits exactly one signal; model
	// failure falls back to the lexicon estimator.
	score, err := e.sentimentScore(ctx, text)
	if err != nil {
		e.log.Debug("sentiment model unavailable, using lexicon fallback",
			"session_id", sessionID, "error", err)
		score = lexiconSentiment(text)
	}
	signals = append(signals, sentimentSignal(score, now))

	for _, sig := range signals {
		metrics.RecordSignal(string(sig.Type))
	}

	// Stage 4+5: append to history and assess over the full ring.
	e.mu.Lock()
	st := e.state(sessionID)
	st.append(now, signals...)
	history := st.snapshot()
	assessment := e.assess(sessionID, signals, history, now)
	st.last = &assessment
	e.mu.Unlock()

	// Stage 6: predictive alerts from the severity trend.
	slope := trendSlope(history)
	predictive := predictAlerts(assessment, history, slope)

	// Stage 7: recommendations.
	recommendations := recommend(assessment.OverallRisk, signals, now)

	analysis := &Analysis{
		SessionID:       sessionID,
		Signals:         signals,
		Assessment:      assessment,
		Predictive:      predictive,
		Recommendations: recommendations,
		Metadata:        meta,
		AnalyzedAt:      now,
	}

	e.publish(analysis)

	metrics.RecordMessageAnalyzed(assessment.OverallRisk.String())
	metrics.ObserveRiskScore(assessment.RiskScore)
	if assessment.ImmediateActionNeeded {
		metrics.RecordImmediateAction()
	}
	for _, alert := range predictive {
		metrics.RecordPredictiveAlert(string(alert.Type))
	}

	e.log.Info("message analyzed",
		"session_id", sessionID,
		"signal_count", len(signals),
		"history_count", len(history),
		"risk_score", assessment.RiskScore,
		"risk_level", assessment.OverallRisk.String(),
		"immediate_action", assessment.ImmediateActionNeeded,
		"predictive_count", len(predictive))

	return analysis, nil
}

// RecordBehavioralSignal feeds a behavioral-monitoring signal into the
// session history so that subsequent message assessments account for
// it. Severity is clamped to 0-10, confidence to 0-1.
func (e *Engine) RecordBehavioralSignal(sessionID string, severity int, confidence float64, indicator string) error {
	if err := security.ValidateSessionID(sessionID); err != nil {
		return err
	}

	if severity < 0 {
		severity = 0
	}
	if severity > 10 {
		severity = 10
	}
	sig := Signal{
		Type:       SignalBehavioral,
		Severity:   severity,
		Confidence: clampFloat(confidence, 0, 1),
		Indicators: []string{indicator},
		At:         e.clock(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.state(sessionID).append(sig.At, sig)

	metrics.RecordSignal(string(SignalBehavioral))
	return nil
}

// LastAssessment returns the most recent assessment for the session.
func (e *Engine) LastAssessment(sessionID string) (Assessment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.sessions[sessionID]
	if !ok || st.last == nil {
		return Assessment{}, false
	}
	return *st.last, true
}

// ResetSession discards the session's signal history and last
// assessment.
func (e *Engine) ResetSession(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sessions, sessionID)
}

// SessionSignalCount returns the current history depth for a session.
func (e *Engine) SessionSignalCount(sessionID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(st.signals)
}

func (e *Engine) sentimentScore(ctx context.Context, text string) (float64, error) {
	if e.sentiment == nil {
		return lexiconSentiment(text), nil
	}
	return e.sentiment.Score(ctx, text)
}

// state returns the session state, creating it if needed. Caller holds
// e.mu.
func (e *Engine) state(sessionID string) *sessionState {
	st, ok := e.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		e.sessions[sessionID] = st
	}
	return st
}

// append adds signals and enforces the TTL and ring bound. Caller
// holds the engine lock.
func (st *sessionState) append(now time.Time, sigs ...Signal) {
	st.signals = append(st.signals, sigs...)

	cutoff := now.Add(-historyTTL)
	idx := 0
	for idx < len(st.signals) && st.signals[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		st.signals = append(st.signals[:0], st.signals[idx:]...)
	}
	if len(st.signals) > historyLimit {
		st.signals = append(st.signals[:0], st.signals[len(st.signals)-historyLimit:]...)
	}
}

func (st *sessionState) snapshot() []Signal {
	out := make([]Signal, len(st.signals))
	copy(out, st.signals)
	return out
}

// assess computes the composite risk over the full session history.
// callSignals are the signals from this call only (they drive the
// confidence level).
func (e *Engine) assess(sessionID string, callSignals, history []Signal, now time.Time) Assessment {
	var raw float64
	maxSeverity := 0
	for _, sig := range history {
		raw += sig.Confidence * float64(sig.Severity)
		if sig.Severity > maxSeverity {
			maxSeverity = sig.Severity
		}
	}

	var factors []string

	recent := 0
	cutoff := now.Add(-frequencyWindow)
	for _, sig := range history {
		if sig.At.After(cutoff) {
			recent++
		}
	}
	if recent > 5 {
		raw += 10
		factors = append(factors, "elevated signal frequency")
	}

	if escalatingSeverity(history) {
		raw += 15
		factors = append(factors, "escalating pattern")
	}

	riskScore := clampFloat(raw, 0, 100)

	var level RiskLevel
	switch {
	case riskScore >= 80 || maxSeverity >= 9:
		level = RiskCritical
	case riskScore >= 60 || maxSeverity >= 7:
		level = RiskHigh
	case riskScore >= 40:
		level = RiskMedium
	default:
		level = RiskLow
	}

	immediate := level == RiskCritical || (level == RiskHigh && maxSeverity >= 8)

	confidence := 0.5
	if len(callSignals) > 0 {
		var sum float64
		for _, sig := range callSignals {
			sum += sig.Confidence
		}
		confidence = sum / float64(len(callSignals))
	}

	return Assessment{
		SessionID:             sessionID,
		RiskScore:             riskScore,
		OverallRisk:           level,
		ImmediateActionNeeded: immediate,
		ConfidenceLevel:       confidence,
		MaxSeverity:           maxSeverity,
		SignalCount:           len(history),
		Factors:               factors,
		AssessedAt:            now,
	}
}

// escalatingSeverity reports whether at least 60% of consecutive
// severity comparisons in the history are strictly increasing.
func escalatingSeverity(history []Signal) bool {
	if len(history) < 2 {
		return false
	}
	increases := 0
	for i := 1; i < len(history); i++ {
		if history[i].Severity > history[i-1].Severity {
			increases++
		}
	}
	return float64(increases)/float64(len(history)-1) >= 0.6
}

// trendSlope computes the least-squares slope of severity over time
// for the most recent signals, in severity units per minute. Positive
// means escalating.
func trendSlope(history []Signal) float64 {
	points := history
	if len(points) > trendWindow {
		points = points[len(points)-trendWindow:]
	}
	if len(points) < 2 {
		return 0
	}

	start := points[0].At
	var sumX, sumY, sumXY, sumXX float64
	for _, sig := range points {
		x := sig.At.Sub(start).Minutes()
		y := float64(sig.Severity)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}

	n := float64(len(points))
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// predictAlerts derives forward-looking alerts from the assessment and
// the severity trend.
func predictAlerts(a Assessment, history []Signal, slope float64) []PredictiveAlert {
	var alerts []PredictiveAlert

	if slope > 0.3 && a.RiskScore > 60 {
		alerts = append(alerts, PredictiveAlert{
			Type:        PredictEscalation,
			Probability: math.Min(0.95, 0.5+slope),
			Window:      "next 30 minutes",
			Basis:       fmt.Sprintf("severity trend %+.2f/min", slope),
		})
	}

	if a.RiskScore > 75 && a.MaxSeverity >= 9 {
		alerts = append(alerts, PredictiveAlert{
			Type:        PredictImminent,
			Probability: 0.85,
			Window:      "next 15 minutes",
			Basis:       "high risk score with severe signal",
		})
	}

	if slope < -0.2 && hasLowSentiment(history) {
		alerts = append(alerts, PredictiveAlert{
			Type:        PredictRecovery,
			Probability: 0.7,
			Window:      "ongoing",
			Basis:       "improving sentiment trend",
		})
	}

	return alerts
}

func hasLowSentiment(history []Signal) bool {
	for _, sig := range history {
		if sig.Type == SignalSentiment && sig.Severity <= 3 {
			return true
		}
	}
	return false
}

// recommend builds the priority-ordered intervention list for a risk
// level, with contextual additions for isolation language and
// overnight hours.
func recommend(level RiskLevel, callSignals []Signal, now time.Time) []Recommendation {
	var recs []Recommendation

	switch level {
	case RiskCritical:
		recs = append(recs,
			Recommendation{Action: "contact emergency services", Priority: PriorityHigh, Reason: "critical risk"},
			Recommendation{Action: "immediate professional referral", Priority: PriorityHigh, Reason: "critical risk"},
		)
	case RiskHigh:
		recs = append(recs,
			Recommendation{Action: "professional referral", Priority: PriorityHigh, Reason: "high risk"},
			Recommendation{Action: "intensive peer support", Priority: PriorityMedium, Reason: "high risk"},
		)
	case RiskMedium:
		recs = append(recs,
			Recommendation{Action: "enhanced peer support", Priority: PriorityMedium, Reason: "medium risk"},
			Recommendation{Action: "follow up within 24 hours", Priority: PriorityLow, Reason: "medium risk"},
		)
	default:
		recs = append(recs,
			Recommendation{Action: "routine follow-up", Priority: PriorityLow, Reason: "low risk"},
		)
	}

	if hasIsolationLanguage(callSignals) {
		recs = append(recs, Recommendation{
			Action:   "connect with a peer-support specialist",
			Priority: PriorityMedium,
			Reason:   "isolation language",
		})
	}

	hour := now.Hour()
	if hour >= 22 || hour < 6 {
		recs = append(recs, Recommendation{
			Action:   "share nighttime support resources",
			Priority: PriorityMedium,
			Reason:   "overnight hours",
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority > recs[j].Priority
	})
	return recs
}

// publish emits engine events for listeners. The engine stays silent
// unless immediate action is needed or a crisis is predicted imminent.
func (e *Engine) publish(a *Analysis) {
	if e.bus == nil {
		return
	}

	if a.Assessment.ImmediateActionNeeded {
		actions := make([]string, 0, len(a.Recommendations))
		for _, rec := range a.Recommendations {
			actions = append(actions, rec.Action)
		}
		e.bus.Publish(events.Event{
			Type:      events.TypeImmediateActionRequired,
			SessionID: a.SessionID,
			At:        a.AnalyzedAt,
			Payload: events.ActionPayload{
				RiskScore:       a.Assessment.RiskScore,
				RiskLevel:       a.Assessment.OverallRisk.String(),
				Recommendations: actions,
			},
		})
	}

	for _, alert := range a.Predictive {
		if alert.Type != PredictImminent {
			continue
		}
		e.bus.Publish(events.Event{
			Type:      events.TypeCrisisImminent,
			SessionID: a.SessionID,
			At:        a.AnalyzedAt,
			Payload: events.ImminentPayload{
				Probability: alert.Probability,
				Window:      alert.Window,
			},
		})
	}
}
