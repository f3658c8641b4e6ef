package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vigil/internal/detect"
	"vigil/internal/events"
	"vigil/internal/metrics"
	"vigil/internal/security"
)

// AlertType identifies what raised a crisis alert.
type AlertType string

const (
	AlertBehavioralAnomaly AlertType = "behavioral-anomaly"
	AlertCrisisKeywords    AlertType = "crisis-keywords"
	AlertEscalationPattern AlertType = "escalation-pattern"
	AlertEmergencyTrigger  AlertType = "emergency-trigger"
)

// CrisisAlert is delivered to the alert sink and the event bus whenever a
// sample or assessment crosses the HIGH threshold. Details and ActionPlan
// are encrypted under the session's alert key; the plaintext fields carry
// only identifiers and magnitudes. A CRITICAL alert always requires
// escalation.
type CrisisAlert struct {
	ID                 string
	SessionID          string
	Type               AlertType
	Severity           detect.RiskLevel
	Score              float64
	Details            *security.Record
	ActionPlan         *security.Record
	RequiresEscalation bool
	CreatedAt          time.Time
}

// alertDetails is the plaintext form of CrisisAlert.Details.
type alertDetails struct {
	Channel    string   `json:"channel,omitempty"`
	Score      float64  `json:"score"`
	Indicators []string `json:"indicators,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// interventionPlan is the plaintext form of CrisisAlert.ActionPlan and of
// the plan embedded in an assessment.
type interventionPlan struct {
	Actions   []string `json:"actions"`
	Resources []string `json:"resources,omitempty"`
	Timeframe string   `json:"timeframe"`
}

// buildPlan derives the intervention plan from a score in [0,1]. Scores
// above 0.8 bring in the full resource list; above 0.9 the timeframe
// collapses to immediate.
func buildPlan(score float64) interventionPlan {
	p := interventionPlan{
		Actions:   []string{"review session activity"},
		Timeframe: "within 15 minutes",
	}
	if score > 0.8 {
		p.Actions = []string{"notify on-call responder", "open a support channel"}
		p.Resources = []string{"crisis hotline", "on-call counselor", "emergency services"}
	}
	if score > 0.9 {
		p.Timeframe = "immediate"
	}
	return p
}

func alertMessage(typ AlertType) string {
	switch typ {
	case AlertBehavioralAnomaly:
		return "behavioral anomaly threshold exceeded"
	case AlertCrisisKeywords:
		return "crisis language detected"
	case AlertEscalationPattern:
		return "escalating behavioral pattern"
	case AlertEmergencyTrigger:
		return "emergency manually triggered"
	default:
		return "crisis indicator detected"
	}
}

// Message returns the responder-facing description of the alert. It
// carries no session detail; that stays in the encrypted Details.
func (a CrisisAlert) Message() string {
	return alertMessage(a.Type)
}

// generateAlert assembles and delivers a crisis alert. Encryption
// failures degrade the alert to its plaintext-safe fields rather than
// suppressing it; an alert must always reach its sink.
func (m *Monitor) generateAlert(typ AlertType, channel string, score float64, level detect.RiskLevel, indicators []string) CrisisAlert {
	alert := CrisisAlert{
		ID:                 uuid.NewString(),
		SessionID:          m.sessionID,
		Type:               typ,
		Severity:           level,
		Score:              score,
		RequiresEscalation: level >= detect.RiskCritical,
		CreatedAt:          m.clock(),
	}

	details := alertDetails{
		Channel:    channel,
		Score:      score,
		Indicators: indicators,
		Message:    alertMessage(typ),
	}
	if rec, err := m.encryptJSON(details, cryptoContextAlert); err != nil {
		m.log.Error("alert details encryption failed", "alert_id", alert.ID, "error", err.Error())
		m.publishError("encrypt alert details", err)
		metrics.RecordError("encryption", "HIGH")
	} else {
		alert.Details = rec
	}
	if rec, err := m.encryptJSON(buildPlan(score), cryptoContextAlert); err != nil {
		m.log.Error("action plan encryption failed", "alert_id", alert.ID, "error", err.Error())
		m.publishError("encrypt action plan", err)
		metrics.RecordError("encryption", "HIGH")
	} else {
		alert.ActionPlan = rec
	}

	metrics.RecordAlert(level.String())
	m.publish(events.TypeCrisisAlert, events.AlertPayload{
		AlertID:           alert.ID,
		Severity:          level.String(),
		RiskScore:         score * 100,
		Source:            string(typ),
		Message:           alertMessage(typ),
		RequiresImmediate: alert.RequiresEscalation,
	})
	m.log.Info("crisis alert generated",
		"alert_id", alert.ID,
		"type", string(typ),
		"severity", level.String(),
		"requires_escalation", alert.RequiresEscalation,
	)

	if m.alertFn != nil {
		m.alertFn(alert)
	}
	return alert
}

// TriggerEmergency raises a CRITICAL emergency-trigger alert immediately,
// bypassing all scoring. The reason travels only inside the encrypted
// details.
func (m *Monitor) TriggerEmergency(reason string) (CrisisAlert, error) {
	m.mu.Lock()
	if err := m.runningLocked(); err != nil {
		m.mu.Unlock()
		return CrisisAlert{}, err
	}
	m.mu.Unlock()

	var indicators []string
	if reason != "" {
		indicators = []string{reason}
	}
	if m.engine != nil {
		if err := m.engine.RecordBehavioralSignal(m.sessionID, 10, 1, "emergency trigger"); err != nil {
			m.log.Debug("behavioral signal rejected", "error", err.Error())
		}
	}
	alert := m.generateAlert(AlertEmergencyTrigger, "", 1, detect.RiskCritical, indicators)
	return alert, nil
}

// encryptJSON marshals v and encrypts it under the given context key,
// wiping the plaintext afterwards.
func (m *Monitor) encryptJSON(v any, cryptoContext string) (*security.Record, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("monitor: encode: %w", err)
	}
	start := time.Now()
	done := metrics.ObserveEncrypt()
	rec, err := m.keys.EncryptWithSession(m.sessionID, plain, cryptoContext)
	done()
	m.encLatency.observe(time.Since(start))
	security.Wipe(plain)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
