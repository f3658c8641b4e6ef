// Package events carries vigil's typed monitoring event stream.
//
// The bus replaces ad-hoc callback wiring with one bounded, typed
// channel per subscriber. Publishing never blocks: a subscriber that
// cannot keep up loses events (counted, visible via Dropped) rather
// than stalling capture or analysis. Ordering is preserved per
// subscriber.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Type identifies a monitoring event.
type Type string

// Monitoring event types.
const (
	TypeMonitoringInitialized   Type = "monitoring-initialized"
	TypeMonitoringStarted       Type = "monitoring-started"
	TypeMonitoringStopped       Type = "monitoring-stopped"
	TypeKeystrokeAnalyzed       Type = "keystroke-analyzed"
	TypeAnalysisCompleted       Type = "analysis-completed"
	TypeCrisisAlert             Type = "crisis-alert"
	TypeImmediateActionRequired Type = "immediate-action-required"
	TypeCrisisImminent          Type = "crisis-imminent"
	TypeMonitoringError         Type = "monitoring-error"
)

// Event is one entry in the monitoring stream. Payload holds the
// type-specific struct below; it never carries plaintext telemetry.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

// Payloads by event type.

// LifecyclePayload accompanies monitoring-initialized, -started, and
// -stopped events.
type LifecyclePayload struct {
	Channels []string `json:"channels,omitempty"`
	Reason   string   `json:"reason,omitempty"`
}

// KeystrokePayload accompanies keystroke-analyzed events. Counts and
// scores only; never key contents.
type KeystrokePayload struct {
	Count        int     `json:"count"`
	AnomalyScore float64 `json:"anomaly_score"`
}

// AnalysisPayload accompanies analysis-completed events.
type AnalysisPayload struct {
	RiskScore   float64       `json:"risk_score"`
	RiskLevel   string        `json:"risk_level"`
	SampleCount int           `json:"sample_count"`
	Duration    time.Duration `json:"duration_ns"`
}

// AlertPayload accompanies crisis-alert events.
type AlertPayload struct {
	AlertID           string  `json:"alert_id"`
	Severity          string  `json:"severity"`
	RiskScore         float64 `json:"risk_score"`
	Source            string  `json:"source"`
	Message           string  `json:"message"`
	RequiresImmediate bool    `json:"requires_immediate"`
}

// ActionPayload accompanies immediate-action-required events.
type ActionPayload struct {
	RiskScore       float64  `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// ImminentPayload accompanies crisis-imminent events.
type ImminentPayload struct {
	Probability float64 `json:"probability"`
	Window      string  `json:"window"`
}

// ErrorPayload accompanies monitoring-error events.
type ErrorPayload struct {
	Operation string `json:"operation"`
	Category  string `json:"category"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
}

// DefaultBuffer is the subscriber channel depth used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 100

// Bus fans events out to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	closed      bool
	dropped     atomic.Uint64
	published   atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[int]chan Event),
	}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function. The channel is closed on unsubscribe or bus
// Close.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	ch := make(chan Event, buffer)
	b.subscribers[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subscribers[id]; ok {
				delete(b.subscribers, id)
				close(sub)
			}
		})
	}

	return ch, unsubscribe
}

// Publish delivers an event to every subscriber without blocking.
// A zero At timestamp is filled in. Publishing on a closed bus is a
// no-op.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	b.published.Add(1)
	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Published returns the number of events accepted for delivery.
func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
