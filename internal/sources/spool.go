package sources

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/security"
)

//go:embed spool_batch_schema.json
var spoolSchemaJSON []byte

const (
	// DefaultDebounce is how long a spool file must sit unchanged
	// before it is consumed.
	DefaultDebounce = 500 * time.Millisecond
	// DefaultMaxBatchBytes bounds a single spool file.
	DefaultMaxBatchBytes = 1 << 20
	// RejectedSuffix marks quarantined spool files.
	RejectedSuffix = ".rejected"
)

// SpoolConfig configures a SpoolSource.
type SpoolConfig struct {
	// Dir is the spool directory external capture agents write into.
	Dir string
	// Debounce is how long a file must be stable before consumption.
	Debounce time.Duration
	// MaxBatchBytes rejects files larger than this.
	MaxBatchBytes int64
	// Logger defaults to the package logger with component "spool".
	Logger *logging.Logger
}

// SpoolSource ingests batch files dropped into a spool directory by
// external capture agents. Each file is validated against the embedded
// batch schema; valid files are consumed and removed, invalid ones are
// quarantined in place under a ".rejected" suffix so an operator can
// inspect them.
//
// A SpoolSource is single-use: once stopped it cannot be restarted.
type SpoolSource struct {
	cfg    SpoolConfig
	log    *logging.Logger
	schema *jsonschema.Schema

	fsWatcher *fsnotify.Watcher

	stateMu sync.Mutex
	state   map[string]time.Time

	batches chan Batch
	errs    chan error

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	stopped bool
}

// NewSpoolSource creates a spool ingester for cfg.Dir.
func NewSpoolSource(cfg SpoolConfig) (*SpoolSource, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("sources: spool directory not set")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = DefaultMaxBatchBytes
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("spool")
	}

	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("spool-batch-v1.schema.json", bytes.NewReader(spoolSchemaJSON)); err != nil {
		return nil, fmt.Errorf("sources: add batch schema: %w", err)
	}
	schema, err := compiler.Compile("spool-batch-v1.schema.json")
	if err != nil {
		return nil, fmt.Errorf("sources: compile batch schema: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sources: create watcher: %w", err)
	}

	return &SpoolSource{
		cfg:       cfg,
		log:       log,
		schema:    schema,
		fsWatcher: fsWatcher,
		state:     make(map[string]time.Time),
		batches:   make(chan Batch, 100),
		errs:      make(chan error, 10),
	}, nil
}

// Batches returns the stream of validated batches.
func (s *SpoolSource) Batches() <-chan Batch { return s.batches }

// Errors returns the stream of watcher errors.
func (s *SpoolSource) Errors() <-chan error { return s.errs }

// Available reports whether the spool directory exists or can be
// created.
func (s *SpoolSource) Available() bool {
	info, err := os.Stat(s.cfg.Dir)
	if err == nil {
		return info.IsDir()
	}
	return os.MkdirAll(s.cfg.Dir, 0o700) == nil
}

// Start begins watching the spool directory, picking up any files
// already present.
func (s *SpoolSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if s.stopped {
		return fmt.Errorf("sources: spool source cannot be restarted")
	}

	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return fmt.Errorf("sources: create spool dir: %w", err)
	}
	if err := s.fsWatcher.Add(s.cfg.Dir); err != nil {
		return fmt.Errorf("sources: watch spool dir: %w", err)
	}

	// Pick up files that arrived before we started watching.
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return fmt.Errorf("sources: scan spool dir: %w", err)
	}
	now := time.Now()
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		s.track(filepath.Join(s.cfg.Dir, entry.Name()), now)
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	s.wg.Add(2)
	go s.eventLoop(ctx)
	go s.debounceLoop(ctx)

	s.log.Info("spool ingestion started", "dir", s.cfg.Dir, "pending", len(entries))
	return nil
}

// Stop halts ingestion and closes the output channels.
func (s *SpoolSource) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	close(s.batches)
	close(s.errs)
	return s.fsWatcher.Close()
}

// TrackedFiles returns the number of spool files awaiting consumption.
func (s *SpoolSource) TrackedFiles() int {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return len(s.state)
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}

func (s *SpoolSource) track(path string, at time.Time) {
	s.stateMu.Lock()
	s.state[path] = at
	s.stateMu.Unlock()
}

func (s *SpoolSource) untrack(path string) {
	s.stateMu.Lock()
	delete(s.state, path)
	s.stateMu.Unlock()
}

// eventLoop tracks spool file arrivals and rewrites.
func (s *SpoolSource) eventLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.fsWatcher.Events:
			if !ok {
				return
			}
			if !isSpoolFile(filepath.Base(event.Name)) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				s.track(event.Name, time.Now())
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				s.untrack(event.Name)
			}

		case err, ok := <-s.fsWatcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// debounceLoop consumes files once they have been stable for the
// configured debounce.
func (s *SpoolSource) debounceLoop(ctx context.Context) {
	defer s.wg.Done()

	tick := s.cfg.Debounce / 2
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	if tick > 500*time.Millisecond {
		tick = 500 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.consumeStable(now)
		}
	}
}

func (s *SpoolSource) consumeStable(now time.Time) {
	threshold := now.Add(-s.cfg.Debounce)

	var stable []string
	s.stateMu.Lock()
	for path, lastMod := range s.state {
		if lastMod.Before(threshold) {
			stable = append(stable, path)
		}
	}
	s.stateMu.Unlock()

	sort.Strings(stable)
	for _, path := range stable {
		s.consume(path)
	}
}

// consume validates and emits one spool file. Valid files are removed,
// invalid files quarantined. A full output channel leaves the file
// tracked for the next tick.
func (s *SpoolSource) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Raced with an external move or delete.
		s.untrack(path)
		return
	}

	if int64(len(data)) > s.cfg.MaxBatchBytes {
		s.reject(path, fmt.Sprintf("batch exceeds %d bytes", s.cfg.MaxBatchBytes))
		return
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		s.reject(path, "malformed json")
		return
	}
	if err := s.schema.Validate(instance); err != nil {
		s.reject(path, fmt.Sprintf("schema violation: %v", err))
		return
	}

	var raw spoolBatch
	if err := json.Unmarshal(data, &raw); err != nil {
		s.reject(path, fmt.Sprintf("decode: %v", err))
		return
	}
	if err := security.ValidateSessionID(raw.SessionID); err != nil {
		s.reject(path, "invalid session id")
		return
	}

	batch := raw.toBatch()
	select {
	case s.batches <- batch:
	default:
		// Consumer is behind; leave the file for the next tick.
		return
	}

	s.untrack(path)
	if err := os.Remove(path); err != nil {
		s.log.Warn("failed to remove consumed spool file", "file", filepath.Base(path), "error", err)
	}
	metrics.RecordSpoolBatch("accepted")
	s.log.Debug("spool batch accepted",
		"file", filepath.Base(path),
		"session_id", batch.SessionID,
		"event_count", batch.Size())
}

// reject quarantines an invalid spool file in place.
func (s *SpoolSource) reject(path, reason string) {
	s.untrack(path)
	if err := os.Rename(path, path+RejectedSuffix); err != nil {
		s.log.Error("failed to quarantine spool file", "file", filepath.Base(path), "error", err)
	}
	metrics.RecordSpoolBatch("rejected")
	s.log.Warn("spool batch rejected", "file", filepath.Base(path), "reason", reason)
}

// spoolBatch is the wire shape of a spool file.
type spoolBatch struct {
	SessionID  string       `json:"session_id"`
	CapturedAt time.Time    `json:"captured_at"`
	Agent      string       `json:"agent"`
	Events     []spoolEvent `json:"events"`
}

type spoolEvent struct {
	Channel     string    `json:"channel"`
	At          time.Time `json:"at"`
	Deletion    bool      `json:"deletion"`
	Delta       float64   `json:"delta"`
	Gained      bool      `json:"gained"`
	Stress      float64   `json:"stress"`
	HeartRate   float64   `json:"heart_rate"`
	Variability float64   `json:"variability"`
}

// toBatch splits wire events into their typed channels, ordered by
// timestamp.
func (r *spoolBatch) toBatch() Batch {
	events := make([]spoolEvent, len(r.Events))
	copy(events, r.Events)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})

	b := Batch{
		SessionID:  r.SessionID,
		CapturedAt: r.CapturedAt,
	}
	for _, ev := range events {
		switch ev.Channel {
		case ChannelKeystroke:
			b.Keys = append(b.Keys, KeyEvent{At: ev.At, Deletion: ev.Deletion})
		case ChannelMouse:
			b.Clicks = append(b.Clicks, PointerEvent{At: ev.At})
		case ChannelScroll:
			b.Scrolls = append(b.Scrolls, ScrollEvent{At: ev.At, Delta: ev.Delta})
		case ChannelFocus:
			b.Focus = append(b.Focus, FocusEvent{At: ev.At, Gained: ev.Gained})
		case ChannelVoice:
			b.Voice = append(b.Voice, VoiceEvent{At: ev.At, Stress: ev.Stress})
		case ChannelBiometric:
			b.Biometrics = append(b.Biometrics, BiometricEvent{
				At:          ev.At,
				HeartRate:   ev.HeartRate,
				Variability: ev.Variability,
			})
		}
	}
	return b
}
