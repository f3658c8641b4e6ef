// Package detect implements the crisis detection engine: per-message
// signal extraction (language, pattern, sentiment), rolling per-session
// signal history, composite risk assessment, predictive alerts, and
// intervention recommendations.
//
// The engine is pure computation over its inputs and in-memory history.
// It performs no network I/O and never logs or stores message text;
// only derived signals, scores, and matched-phrase indicators leave
// this package.
package detect

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Errors returned by the detection engine.
var (
	// ErrEmptyMessage is returned when the message text is empty or
	// whitespace only.
	ErrEmptyMessage = errors.New("detect: empty message")
)

// SignalType classifies the origin of a crisis signal.
type SignalType string

// Signal types.
const (
	// SignalLanguage is a weighted-phrase match in message text.
	SignalLanguage SignalType = "LANGUAGE"
	// SignalSentiment is a sentiment-derived signal.
	SignalSentiment SignalType = "SENTIMENT"
	// SignalPattern is a classifier-derived severity-bucket signal.
	SignalPattern SignalType = "PATTERN"
	// SignalBehavioral is a signal fed in from behavioral monitoring.
	SignalBehavioral SignalType = "BEHAVIORAL"
)

// Signal is one detected crisis indicator. Severity ranges 0-10,
// confidence 0-1. Indicators are short human-readable strings (matched
// phrase, category) and never contain full message text.
type Signal struct {
	Type       SignalType `json:"type"`
	Severity   int        `json:"severity"`
	Confidence float64    `json:"confidence"`
	Indicators []string   `json:"indicators"`
	At         time.Time  `json:"at"`
}

// RiskLevel is the overall risk classification of an assessment.
type RiskLevel int

// Risk levels, lowest to highest.
const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

// String returns the canonical name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case RiskCritical:
		return "CRITICAL"
	case RiskHigh:
		return "HIGH"
	case RiskMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// ParseRiskLevel converts a canonical risk level name to its RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return RiskLow, nil
	case "MEDIUM":
		return RiskMedium, nil
	case "HIGH":
		return RiskHigh, nil
	case "CRITICAL":
		return RiskCritical, nil
	default:
		return RiskLow, fmt.Errorf("unknown risk level %q", s)
	}
}

// Assessment is the composite risk judgment over a session's signal
// history at a point in time.
type Assessment struct {
	SessionID             string    `json:"session_id"`
	RiskScore             float64   `json:"risk_score"` // clamped to [0,100]
	OverallRisk           RiskLevel `json:"overall_risk"`
	ImmediateActionNeeded bool      `json:"immediate_action_needed"`
	ConfidenceLevel       float64   `json:"confidence_level"`
	MaxSeverity           int       `json:"max_severity"`
	SignalCount           int       `json:"signal_count"`
	Factors               []string  `json:"factors,omitempty"`
	AssessedAt            time.Time `json:"assessed_at"`
}

// PredictionType names a predictive alert.
type PredictionType string

// Prediction types.
const (
	PredictEscalation PredictionType = "ESCALATION_LIKELY"
	PredictImminent   PredictionType = "CRISIS_IMMINENT"
	PredictRecovery   PredictionType = "RECOVERY_PHASE"
)

// PredictiveAlert is a forward-looking judgment derived from the
// session's severity trend.
type PredictiveAlert struct {
	Type        PredictionType `json:"type"`
	Probability float64        `json:"probability"`
	Window      string         `json:"window"`
	Basis       string         `json:"basis,omitempty"`
}

// Priority orders recommendations.
type Priority int

// Recommendation priorities, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// String returns the canonical name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Recommendation is one suggested intervention step.
type Recommendation struct {
	Action   string   `json:"action"`
	Priority Priority `json:"priority"`
	Reason   string   `json:"reason,omitempty"`
}

// Analysis is the full result of analyzing one message.
type Analysis struct {
	SessionID       string            `json:"session_id"`
	Signals         []Signal          `json:"signals"`
	Assessment      Assessment        `json:"assessment"`
	Predictive      []PredictiveAlert `json:"predictive,omitempty"`
	Recommendations []Recommendation  `json:"recommendations"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	AnalyzedAt      time.Time         `json:"analyzed_at"`
}
