package sources

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// SimulatorConfig tunes the synthetic capture backend. Zero values get
// the defaults below.
type SimulatorConfig struct {
	// Seed makes the stream reproducible; 0 seeds from the clock.
	Seed int64
	// KeyInterval is the mean time between keystrokes.
	KeyInterval time.Duration
	// DeletionRate is the fraction of keystrokes that are deletions.
	DeletionRate float64
	// ClickInterval is the mean time between mouse clicks.
	ClickInterval time.Duration
	// ScrollInterval is the mean time between scroll events.
	ScrollInterval time.Duration
	// FocusInterval is the mean time between focus flips.
	FocusInterval time.Duration
	// VoiceInterval is the mean time between voice stress estimates;
	// 0 disables the channel.
	VoiceInterval time.Duration
	// BiometricInterval is the mean time between wearable readings;
	// 0 disables the channel.
	BiometricInterval time.Duration
}

func (c *SimulatorConfig) defaults() {
	if c.KeyInterval <= 0 {
		c.KeyInterval = 180 * time.Millisecond
	}
	if c.DeletionRate <= 0 {
		c.DeletionRate = 0.12
	}
	if c.ClickInterval <= 0 {
		c.ClickInterval = 2 * time.Second
	}
	if c.ScrollInterval <= 0 {
		c.ScrollInterval = 700 * time.Millisecond
	}
	if c.FocusInterval <= 0 {
		c.FocusInterval = 20 * time.Second
	}
}

// Simulator produces synthetic behavioral events on all channels. It
// exists for development and soak runs where no capture agent is
// attached, and it backs the --simulate mode of the daemon.
type Simulator struct {
	cfg SimulatorConfig

	keys       chan KeyEvent
	clicks     chan PointerEvent
	scrolls    chan ScrollEvent
	focus      chan FocusEvent
	voice      chan VoiceEvent
	biometrics chan BiometricEvent

	mu      sync.Mutex
	rng     *rand.Rand
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewSimulator creates a stopped simulator.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	cfg.defaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		keys:       make(chan KeyEvent, 128),
		clicks:     make(chan PointerEvent, 64),
		scrolls:    make(chan ScrollEvent, 64),
		focus:      make(chan FocusEvent, 16),
		voice:      make(chan VoiceEvent, 16),
		biometrics: make(chan BiometricEvent, 16),
	}
}

// Available always reports true; the simulator needs no hardware.
func (s *Simulator) Available() bool { return true }

// Keys returns the keystroke stream.
func (s *Simulator) Keys() <-chan KeyEvent { return s.keys }

// Clicks returns the mouse click stream.
func (s *Simulator) Clicks() <-chan PointerEvent { return s.clicks }

// Scrolls returns the scroll stream.
func (s *Simulator) Scrolls() <-chan ScrollEvent { return s.scrolls }

// Focus returns the focus change stream.
func (s *Simulator) Focus() <-chan FocusEvent { return s.focus }

// Voice returns the vocal stress stream.
func (s *Simulator) Voice() <-chan VoiceEvent { return s.voice }

// Biometrics returns the wearable reading stream.
func (s *Simulator) Biometrics() <-chan BiometricEvent { return s.biometrics }

// Start launches the channel generators. They run until Stop or until
// ctx is canceled.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.running = true

	ctx, s.cancel = context.WithCancel(ctx)

	s.spawn(ctx, s.cfg.KeyInterval, func(at time.Time) {
		deletion := s.randFloat() < s.cfg.DeletionRate
		select {
		case s.keys <- KeyEvent{At: at, Deletion: deletion}:
		default:
		}
	})
	s.spawn(ctx, s.cfg.ClickInterval, func(at time.Time) {
		select {
		case s.clicks <- PointerEvent{At: at}:
		default:
		}
	})
	s.spawn(ctx, s.cfg.ScrollInterval, func(at time.Time) {
		delta := 40 + s.randFloat()*160
		select {
		case s.scrolls <- ScrollEvent{At: at, Delta: delta}:
		default:
		}
	})

	gained := true
	s.spawn(ctx, s.cfg.FocusInterval, func(at time.Time) {
		gained = !gained
		select {
		case s.focus <- FocusEvent{At: at, Gained: gained}:
		default:
		}
	})

	if s.cfg.VoiceInterval > 0 {
		stress := 0.3
		s.spawn(ctx, s.cfg.VoiceInterval, func(at time.Time) {
			stress += (s.randFloat() - 0.5) * 0.2
			stress = clamp01(stress)
			select {
			case s.voice <- VoiceEvent{At: at, Stress: stress}:
			default:
			}
		})
	}
	if s.cfg.BiometricInterval > 0 {
		rate := 72.0
		s.spawn(ctx, s.cfg.BiometricInterval, func(at time.Time) {
			rate += (s.randFloat() - 0.5) * 6
			if rate < 45 {
				rate = 45
			}
			if rate > 160 {
				rate = 160
			}
			select {
			case s.biometrics <- BiometricEvent{At: at, HeartRate: rate, Variability: 20 + s.randFloat()*40}:
			default:
			}
		})
	}

	return nil
}

// Stop halts the generators. The output channels stay open so that
// consumers can drain in-flight events.
func (s *Simulator) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return nil
}

// spawn runs emit on a jittered interval until ctx is done. Caller
// holds s.mu.
func (s *Simulator) spawn(ctx context.Context, interval time.Duration, emit func(at time.Time)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			d := s.jittered(interval)
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case at := <-t.C:
				emit(at)
			}
		}
	}()
}

// jittered spreads an interval uniformly over [interval/2, 3*interval/2).
func (s *Simulator) jittered(interval time.Duration) time.Duration {
	return interval/2 + time.Duration(s.randFloat()*float64(interval))
}

// randFloat is the locked accessor for the shared rng.
func (s *Simulator) randFloat() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
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
