package resilience

import (
	"sync"
	"time"

	"vigil/internal/metrics"
)

// BreakerState is a circuit breaker state.
type BreakerState int

// Breaker states.
const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the canonical name of the state.
func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// BreakerConfig tunes a circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// breaker.
	FailureThreshold int
	// SuccessThreshold is the probe-success count that closes a
	// half-open breaker.
	SuccessThreshold int
	// Timeout is how long the breaker stays open before allowing a
	// probe. It doubles on each reopen, up to MaxTimeout.
	Timeout time.Duration
	// MaxTimeout caps the open interval.
	MaxTimeout time.Duration
}

// DefaultBreakerConfig returns the standard breaker tuning: open after
// five consecutive failures, probe after 60s, close after two probe
// successes, open interval doubling up to five minutes.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxTimeout:       300 * time.Second,
	}
}

// Breaker is a per-operation circuit breaker. Closed passes calls
// through; after FailureThreshold consecutive failures it opens and
// rejects calls until Timeout elapses, then admits exactly one probe
// at a time until SuccessThreshold probes succeed.
type Breaker struct {
	op  string
	cfg BreakerConfig

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	timeout   time.Duration
	probe     bool

	clock func() time.Time
}

// NewBreaker creates a closed breaker for an operation.
func NewBreaker(op string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultBreakerConfig()
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.MaxTimeout < cfg.Timeout {
		cfg.MaxTimeout = cfg.Timeout
	}
	return &Breaker{
		op:      op,
		cfg:     cfg,
		state:   StateClosed,
		timeout: cfg.Timeout,
		clock:   time.Now,
	}
}

// Allow reports whether a call may proceed, transitioning an open
// breaker to half-open once its cool-down has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.transition(StateHalfOpen)
		b.successes = 0
		b.probe = true
		return true
	default: // half-open: one probe in flight at a time
		if b.probe {
			return false
		}
		b.probe = true
		return true
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.probe = false
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
			b.timeout = b.cfg.Timeout
		}
	}
}

// RecordFailure notes a failed call, opening the breaker when the
// threshold is reached. A failed half-open probe reopens with a
// doubled cool-down.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.probe = false
		b.successes = 0
		b.timeout *= 2
		if b.timeout > b.cfg.MaxTimeout {
			b.timeout = b.cfg.MaxTimeout
		}
		b.open()
	}
}

// State returns the breaker's current state. An open breaker whose
// cool-down has elapsed still reports OPEN until the next Allow.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// open moves to OPEN at the current time. Caller holds b.mu.
func (b *Breaker) open() {
	b.openedAt = b.clock()
	b.transition(StateOpen)
}

// transition updates state and the exported metrics. Caller holds b.mu.
func (b *Breaker) transition(next BreakerState) {
	if b.state == next {
		return
	}
	b.state = next
	metrics.RecordBreakerTransition(b.op, next.String())
	metrics.SetBreakerState(b.op, float64(next))
}

// BreakerStates reports the state of every breaker the handler has
// created, keyed by operation.
func (h *Handler) BreakerStates() map[string]BreakerState {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]BreakerState, len(h.breakers))
	for op, b := range h.breakers {
		out[op] = b.State()
	}
	return out
}
