// Package sources defines the behavioral capture channels that feed
// the monitor: keystroke, mouse, scroll, focus, and the opt-in voice
// and biometric streams.
//
// Events at this boundary are plaintext telemetry and carry timings
// and magnitudes only, never key contents or screen coordinates. The
// monitor encrypts each sample on arrival; nothing in this package
// retains events after they are sent.
package sources

import (
	"context"
	"errors"
	"time"
)

// Errors returned by capture sources.
var (
	// ErrRunning is returned when Start is called on a running source.
	ErrRunning = errors.New("sources: already running")
	// ErrNotRunning is returned when Stop is called on a stopped source.
	ErrNotRunning = errors.New("sources: not running")
)

// Canonical channel tags. These name both the capture streams and the
// derived sample types downstream.
const (
	ChannelKeystroke = "keystroke"
	ChannelMouse     = "mouse"
	ChannelScroll    = "scroll"
	ChannelFocus     = "focus"
	ChannelTiming    = "timing"
	ChannelBiometric = "biometric"
	ChannelVoice     = "voice"
)

// KeyEvent is one keystroke observation: when it happened and whether
// it was a deletion. The key itself is never captured.
type KeyEvent struct {
	At       time.Time `json:"at"`
	Deletion bool      `json:"deletion,omitempty"`
}

// PointerEvent is one mouse click observation.
type PointerEvent struct {
	At time.Time `json:"at"`
}

// ScrollEvent is one scroll observation with its magnitude.
type ScrollEvent struct {
	At    time.Time `json:"at"`
	Delta float64   `json:"delta,omitempty"`
}

// FocusEvent marks the monitored surface gaining or losing focus.
type FocusEvent struct {
	At     time.Time `json:"at"`
	Gained bool      `json:"gained,omitempty"`
}

// VoiceEvent carries a pre-computed vocal stress estimate in [0,1]
// from the opt-in voice analyzer. Raw audio never crosses this
// boundary.
type VoiceEvent struct {
	At     time.Time `json:"at"`
	Stress float64   `json:"stress,omitempty"`
}

// BiometricEvent carries opt-in wearable readings.
type BiometricEvent struct {
	At          time.Time `json:"at"`
	HeartRate   float64   `json:"heart_rate,omitempty"`
	Variability float64   `json:"variability,omitempty"`
}

// Source is the common lifecycle of a capture backend. Start is
// non-blocking; the source runs until Stop or until the context given
// to Start is canceled. Available reports whether the backend can
// capture on this platform and configuration.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	Available() bool
}

// KeySource captures keystroke timings.
type KeySource interface {
	Source
	Keys() <-chan KeyEvent
}

// PointerSource captures mouse clicks.
type PointerSource interface {
	Source
	Clicks() <-chan PointerEvent
}

// ScrollSource captures scroll activity.
type ScrollSource interface {
	Source
	Scrolls() <-chan ScrollEvent
}

// FocusSource captures focus changes.
type FocusSource interface {
	Source
	Focus() <-chan FocusEvent
}

// VoiceSource captures opt-in vocal stress estimates.
type VoiceSource interface {
	Source
	Voice() <-chan VoiceEvent
}

// BiometricSource captures opt-in wearable readings.
type BiometricSource interface {
	Source
	Biometrics() <-chan BiometricEvent
}

// Batch is a spool-delivered bundle of events for one session,
// produced by an external capture agent.
type Batch struct {
	SessionID  string
	CapturedAt time.Time
	Keys       []KeyEvent
	Clicks     []PointerEvent
	Scrolls    []ScrollEvent
	Focus      []FocusEvent
	Voice      []VoiceEvent
	Biometrics []BiometricEvent
}

// Size returns the total event count in the batch.
func (b *Batch) Size() int {
	return len(b.Keys) + len(b.Clicks) + len(b.Scrolls) +
		len(b.Focus) + len(b.Voice) + len(b.Biometrics)
}
