// Package resilience is the error-handling layer for crisis-path
// operations: classified errors, per-operation circuit breakers,
// bounded retries with jittered backoff, timeouts with fallback, and
// immediate escalation for errors that endanger an active crisis
// response.
//
// The guiding rule is that a failing subsystem must degrade, never
// cascade: a dead notifier or database cannot be allowed to take the
// monitoring loop down with it.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"vigil/internal/events"
	"vigil/internal/logging"
	"vigil/internal/metrics"
)

// Errors returned by the resilience layer.
var (
	// ErrCircuitOpen is returned when an operation's circuit breaker is
	// rejecting calls.
	ErrCircuitOpen = errors.New("resilience: circuit open")
	// ErrTimeout is returned when an operation exceeds its deadline and
	// no fallback is available.
	ErrTimeout = errors.New("resilience: operation timed out")
)

// Severity ranks how dangerous an error is to an active crisis
// response, lowest to highest.
type Severity int

// Severities.
const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
	SeverityLifeThreatening
)

// String returns the canonical name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityLifeThreatening:
		return "LIFE_THREATENING"
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Category names the subsystem an error belongs to.
type Category string

// Error categories.
const (
	CategoryNetwork           Category = "network"
	CategoryDatabase          Category = "database"
	CategoryAuthentication    Category = "authentication"
	CategoryValidation        Category = "validation"
	CategoryExternalService   Category = "external_service"
	CategoryCrisisEngine      Category = "crisis_engine"
	CategoryVolunteerMatching Category = "volunteer_matching"
	CategoryEmergencyProtocol Category = "emergency_protocol"
	CategoryEncryption        Category = "encryption"
	CategoryWebsocket         Category = "websocket"
)

// retryableCategories are the transient-failure categories worth
// retrying. Authentication and validation failures are deterministic
// and never retried.
var retryableCategories = map[Category]bool{
	CategoryNetwork:         true,
	CategoryDatabase:        true,
	CategoryExternalService: true,
}

// Retryable reports whether errors in the category are worth retrying.
func Retryable(c Category) bool {
	return retryableCategories[c]
}

// Error is a classified operational error.
type Error struct {
	Op       string
	Category Category
	Severity Severity
	Err      error
	At       time.Time
}

func (e *Error) Error() string {
	return fmt.Sprintf("resilience: %s [%s/%s]: %v", e.Op, e.Category, e.Severity, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ClassifySeverity derives a severity from an error's text. Context
// deadline errors rank HIGH regardless of wording.
func ClassifySeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SeverityHigh
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "emergency"),
		strings.Contains(msg, "911"),
		strings.Contains(msg, "suicide"):
		return SeverityLifeThreatening
	case strings.Contains(msg, "database connection"),
		strings.Contains(msg, "authentication failed"):
		return SeverityCritical
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"):
		return SeverityHigh
	case strings.Contains(msg, "validation"),
		strings.Contains(msg, "invalid"):
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// RetryPolicy bounds the retry loop.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy returns the standard retry policy: three attempts
// with 250ms exponential backoff capped at 10s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Multiplier:  2,
	}
}

// delay computes the backoff ceiling for a retry, 1-based.
func (p RetryPolicy) delay(retry int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < retry; i++ {
		d *= p.Multiplier
	}
	if max := float64(p.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

// EscalationFunc is invoked for CRITICAL and LIFE_THREATENING errors
// before they are returned to the caller. Implementations must not
// block for long; the crisis path is waiting.
type EscalationFunc func(ctx context.Context, e *Error)

// Options configures a Handler. Zero values get safe defaults; Bus,
// Audit, and Escalate are optional.
type Options struct {
	Logger   *logging.Logger
	Bus      *events.Bus
	Audit    *logging.AuditLogger
	Escalate EscalationFunc
	Retry    RetryPolicy
	Breaker  BreakerConfig
}

// Handler executes operations with circuit breaking, retries, and
// escalation. Safe for concurrent use.
type Handler struct {
	log      *logging.Logger
	bus      *events.Bus
	audit    *logging.AuditLogger
	escalate EscalationFunc
	retry    RetryPolicy
	breakCfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker

	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

// NewHandler creates a resilience handler.
func NewHandler(opts Options) *Handler {
	log := opts.Logger
	if log == nil {
		log = logging.Default().WithComponent("resilience")
	}
	retry := opts.Retry
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetryPolicy()
	}
	breakCfg := opts.Breaker
	if breakCfg.FailureThreshold <= 0 {
		breakCfg = DefaultBreakerConfig()
	}
	return &Handler{
		log:      log,
		bus:      opts.Bus,
		audit:    opts.Audit,
		escalate: opts.Escalate,
		retry:    retry,
		breakCfg: breakCfg,
		breakers: make(map[string]*Breaker),
		clock:    time.Now,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
}

// Breaker returns the circuit breaker for an operation, creating it on
// first use.
func (h *Handler) Breaker(op string) *Breaker {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.breakers[op]
	if !ok {
		b = NewBreaker(op, h.breakCfg)
		b.clock = h.clock
		h.breakers[op] = b
	}
	return b
}

// Do executes fn under the operation's circuit breaker, retrying
// transient failures with jittered exponential backoff.
//
// An open breaker fails immediately. LIFE_THREATENING errors are never
// retried and escalate at once; authentication and validation errors
// are never retried. CRITICAL and worse errors trigger the escalation
// hook before returning.
func (h *Handler) Do(ctx context.Context, op string, category Category, fn func(ctx context.Context) error) error {
	breaker := h.Breaker(op)

	if !breaker.Allow() {
		verr := &Error{
			Op:       op,
			Category: category,
			Severity: SeverityHigh,
			Err:      ErrCircuitOpen,
			At:       h.clock(),
		}
		h.log.Warn("operation rejected by open circuit", "operation", op, "category", string(category))
		metrics.RecordError(string(category), verr.Severity.String())
		return verr
	}

	retryable := Retryable(category)

	var lastErr error
	var severity Severity
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return nil
		}

		lastErr = err
		severity = ClassifySeverity(err)
		breaker.RecordFailure()

		if severity == SeverityLifeThreatening {
			break
		}
		if !retryable || attempt >= h.retry.MaxAttempts {
			break
		}
		if !breaker.Allow() {
			break
		}

		delay := time.Duration(h.jitter() * float64(h.retry.delay(attempt)))
		h.log.Debug("retrying operation",
			"operation", op, "attempt", attempt, "delay", delay, "error", err)
		metrics.RecordRetry(op)
		if err := h.sleep(ctx, delay); err != nil {
			lastErr = err
			severity = ClassifySeverity(err)
			break
		}
	}

	verr := &Error{
		Op:       op,
		Category: category,
		Severity: severity,
		Err:      lastErr,
		At:       h.clock(),
	}

	if severity >= SeverityCritical {
		h.escalateNow(ctx, verr)
	}

	h.log.Error("operation failed",
		"operation", op,
		"category", string(category),
		"severity", severity.String(),
		"error", lastErr)
	metrics.RecordError(string(category), severity.String())
	h.publishError(verr)

	return verr
}

// escalateNow runs the emergency escalation side effect for errors
// that endanger the crisis response.
func (h *Handler) escalateNow(ctx context.Context, e *Error) {
	h.log.Error("emergency escalation",
		"operation", e.Op,
		"category", string(e.Category),
		"severity", e.Severity.String())
	if h.audit != nil {
		_ = h.audit.LogError(ctx, e.Op, e.Err, map[string]interface{}{
			"category": string(e.Category),
			"severity": e.Severity.String(),
		})
	}
	if h.escalate != nil {
		h.escalate(ctx, e)
	}
}

func (h *Handler) publishError(e *Error) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.Event{
		Type: events.TypeMonitoringError,
		At:   e.At,
		Payload: events.ErrorPayload{
			Operation: e.Op,
			Category:  string(e.Category),
			Severity:  e.Severity.String(),
			Message:   e.Err.Error(),
		},
	})
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, h *Handler, op string, category Category, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := h.Do(ctx, op, category, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// WithTimeout runs fn under a deadline. On timeout the fallback result
// is returned when one is provided; otherwise a HIGH-severity timeout
// error. fn keeps running in the background until it observes its
// context; its late result is discarded.
func WithTimeout[T any](ctx context.Context, h *Handler, op string, timeout time.Duration, fn func(ctx context.Context) (T, error), fallback func() (T, error)) (T, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(tctx)
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-tctx.Done():
		if fallback != nil {
			h.log.Warn("operation timed out, using fallback", "operation", op, "timeout", timeout)
			return fallback()
		}
		h.log.Error("operation timed out", "operation", op, "timeout", timeout)
		metrics.RecordError(string(CategoryNetwork), SeverityHigh.String())
		var zero T
		return zero, &Error{
			Op:       op,
			Category: CategoryNetwork,
			Severity: SeverityHigh,
			Err:      fmt.Errorf("%w after %s", ErrTimeout, timeout),
			At:       h.clock(),
		}
	}
}

// WithGracefulDegradation tries primary and falls back on any error,
// logging the degradation. The fallback's own error, if any, is
// returned as-is.
func WithGracefulDegradation[T any](ctx context.Context, h *Handler, op string, primary, fallback func(ctx context.Context) (T, error)) (T, error) {
	v, err := primary(ctx)
	if err == nil {
		return v, nil
	}

	h.log.Warn("primary operation failed, degrading to fallback",
		"operation", op, "error", err)
	return fallback(ctx)
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
