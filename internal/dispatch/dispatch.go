// Package dispatch delivers crisis notifications to responder
// transports. Notifications carry only what a responder needs to act;
// encrypted alert detail stays in the store and is never put on the
// wire by this package.
package dispatch

import (
	"context"
	"errors"
	"time"

	"vigil/internal/logging"
	"vigil/internal/metrics"
)

// Dispatch errors.
var (
	ErrClosed = errors.New("dispatch: notifier closed")
)

// Notification is the wire form of a crisis alert.
type Notification struct {
	AlertID           string    `json:"alert_id"`
	SessionID         string    `json:"session_id"`
	Type              string    `json:"type"`
	Severity          string    `json:"severity"`
	Score             float64   `json:"score"`
	Message           string    `json:"message"`
	RequiresImmediate bool      `json:"requires_immediate"`
	CreatedAt         time.Time `json:"created_at"`
}

// Notifier delivers notifications to a responder transport.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
	Close() error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, *Notification) error { return nil }
func (NopNotifier) Close() error                                { return nil }

// LogNotifier writes notifications to the structured log. It is the
// fallback transport: always available, never fails.
type LogNotifier struct {
	log *logging.Logger
}

// NewLogNotifier creates a log-backed notifier. A nil logger uses the
// process default.
func NewLogNotifier(log *logging.Logger) *LogNotifier {
	if log == nil {
		log = logging.Default()
	}
	return &LogNotifier{log: log.WithComponent("dispatch")}
}

func (n *LogNotifier) Notify(_ context.Context, notif *Notification) error {
	args := []interface{}{
		"alert_id", notif.AlertID,
		"session_id", notif.SessionID,
		"type", notif.Type,
		"severity", notif.Severity,
		"score", notif.Score,
		"message", notif.Message,
	}
	if notif.RequiresImmediate {
		n.log.Error("crisis notification requires immediate response", args...)
	} else {
		n.log.Warn("crisis notification", args...)
	}
	metrics.RecordNotification("log", "ok")
	return nil
}

func (n *LogNotifier) Close() error { return nil }

// Fanout delivers each notification to every target. Delivery
// continues past individual failures; the combined error reports all
// of them.
type Fanout struct {
	targets []Notifier
}

// NewFanout creates a notifier that forwards to all targets.
func NewFanout(targets ...Notifier) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) Notify(ctx context.Context, n *Notification) error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Close() error {
	var errs []error
	for _, t := range f.targets {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
