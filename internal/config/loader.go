// Package config handles configuration loading, validation, and management for vigild.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading, watching, and hot-reloading.
type Loader struct {
	path     string
	config   *Config
	mu       sync.RWMutex
	watcher  *fsnotify.Watcher
	onChange []func(*Config)
	ctx      context.Context
	cancel   context.CancelFunc
	errChan  chan error
}

// NewLoader creates a new configuration loader.
func NewLoader(path string) *Loader {
	ctx, cancel := context.WithCancel(context.Background())
	return &Loader{
		path:    path,
		errChan: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Load reads and parses the configuration file.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := loadConfigFromFile(l.path)
	if err != nil {
		return nil, err
	}

	// Apply environment overrides
	cfg.ApplyEnvOverrides()

	// Validate; warning-level findings do not block startup
	if err := validateStrict(cfg); err != nil {
		return nil, err
	}

	// Check for migrations
	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil {
			_ = SaveMigrationHistory(result)
		}
	}

	l.config = cfg
	return cfg, nil
}

// Config returns the current configuration.
func (l *Loader) Config() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Watch starts watching the configuration file for changes.
// When changes are detected, the configuration is reloaded and
// registered callbacks are invoked.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	l.watcher = watcher

	// Watch the directory containing the config file; editors replace
	// the file rather than writing in place.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch directory: %w", err)
	}

	go l.watchLoop()

	return nil
}

// watchLoop handles file system events.
func (l *Loader) watchLoop() {
	// Debounce timer to avoid multiple reloads for rapid changes
	var debounceTimer *time.Timer
	debounceDelay := 100 * time.Millisecond

	for {
		select {
		case <-l.ctx.Done():
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != filepath.Base(l.path) {
				continue
			}

			// Only reload on write/create events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(debounceDelay, func() {
				l.reload()
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			select {
			case l.errChan <- err:
			default:
			}
		}
	}
}

// reload attempts to reload the configuration. A config that fails
// validation is rejected and the previous one stays active.
func (l *Loader) reload() {
	newCfg, err := loadConfigFromFile(l.path)
	if err != nil {
		select {
		case l.errChan <- fmt.Errorf("reload config: %w", err):
		default:
		}
		return
	}

	newCfg.ApplyEnvOverrides()

	if err := validateStrict(newCfg); err != nil {
		select {
		case l.errChan <- fmt.Errorf("validate new config: %w", err):
		default:
		}
		return
	}

	l.mu.Lock()
	l.config = newCfg
	l.mu.Unlock()

	for _, cb := range l.onChange {
		cb(newCfg)
	}
}

// OnChange registers a callback to be invoked when the configuration changes.
func (l *Loader) OnChange(cb func(*Config)) {
	l.onChange = append(l.onChange, cb)
}

// Errors returns a channel for receiving errors that occur during watching.
func (l *Loader) Errors() <-chan error {
	return l.errChan
}

// Close stops the watcher and releases resources.
func (l *Loader) Close() error {
	l.cancel()
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}

// validateStrict fails on error-level validation findings and tolerates
// warning-level ones.
func validateStrict(cfg *Config) error {
	err := cfg.Validate()
	if err == nil {
		return nil
	}
	var verrs ValidationErrors
	if errors.As(err, &verrs) && !verrs.HasErrors() {
		return nil
	}
	return fmt.Errorf("validation failed: %w", err)
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if no config file exists
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()

	// Parse based on extension
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	// Try TOML first (most common)
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}

	// Try JSON
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}

	// Try YAML
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}

	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// LoadFromEnv creates a configuration primarily from environment variables.
// This is useful for containerized deployments.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg
}

// LoadOrCreate loads the configuration from the specified path,
// creating a default configuration file if it doesn't exist.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		return cfg, true, nil
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return nil, false, err
	}

	return cfg, false, nil
}

// Merge merges two configurations, with src overriding dst for non-zero
// values. Booleans cannot be distinguished from "not set"; use a full
// config to set one to false explicitly.
func Merge(dst, src *Config) *Config {
	result := dst.Clone()

	// Version
	if src.Version > 0 {
		result.Version = src.Version
	}

	// Monitor
	if len(src.Monitor.Channels) > 0 {
		result.Monitor.Channels = src.Monitor.Channels
	}
	if src.Monitor.AnalysisIntervalMs > 0 {
		result.Monitor.AnalysisIntervalMs = src.Monitor.AnalysisIntervalMs
	}
	if src.Monitor.KeystrokeBatch > 0 {
		result.Monitor.KeystrokeBatch = src.Monitor.KeystrokeBatch
	}
	if src.Monitor.BufferCap > 0 {
		result.Monitor.BufferCap = src.Monitor.BufferCap
	}
	if src.Monitor.Retention != "" {
		result.Monitor.Retention = src.Monitor.Retention
	}
	if src.Monitor.RetentionWindowSec > 0 {
		result.Monitor.RetentionWindowSec = src.Monitor.RetentionWindowSec
	}
	if src.Monitor.MediumThreshold > 0 {
		result.Monitor.MediumThreshold = src.Monitor.MediumThreshold
	}
	if src.Monitor.HighThreshold > 0 {
		result.Monitor.HighThreshold = src.Monitor.HighThreshold
	}
	if src.Monitor.CriticalThreshold > 0 {
		result.Monitor.CriticalThreshold = src.Monitor.CriticalThreshold
	}
	if src.Monitor.BaselineTypingSpeed > 0 {
		result.Monitor.BaselineTypingSpeed = src.Monitor.BaselineTypingSpeed
	}
	if src.Monitor.BaselineAvgPauseMs > 0 {
		result.Monitor.BaselineAvgPauseMs = src.Monitor.BaselineAvgPauseMs
	}

	// Detection
	if src.Detection.AlertMinLevel != "" {
		result.Detection.AlertMinLevel = src.Detection.AlertMinLevel
	}

	// Storage
	if src.Storage.Path != "" {
		result.Storage.Path = src.Storage.Path
	}
	if src.Storage.RetentionDays > 0 {
		result.Storage.RetentionDays = src.Storage.RetentionDays
	}
	if src.Storage.PurgeIntervalSec > 0 {
		result.Storage.PurgeIntervalSec = src.Storage.PurgeIntervalSec
	}

	// Keys
	if src.Keys.SecretPath != "" {
		result.Keys.SecretPath = src.Keys.SecretPath
	}
	if src.Keys.SecretEnv != "" {
		result.Keys.SecretEnv = src.Keys.SecretEnv
	}

	// Dispatch
	if src.Dispatch.Transport != "" {
		result.Dispatch.Transport = src.Dispatch.Transport
	}
	if src.Dispatch.RatePerSec > 0 {
		result.Dispatch.RatePerSec = src.Dispatch.RatePerSec
	}
	if src.Dispatch.Burst > 0 {
		result.Dispatch.Burst = src.Dispatch.Burst
	}
	if src.Dispatch.AMQP.URL != "" {
		result.Dispatch.AMQP.URL = src.Dispatch.AMQP.URL
	}
	if src.Dispatch.AMQP.Queue != "" {
		result.Dispatch.AMQP.Queue = src.Dispatch.AMQP.Queue
	}
	if src.Dispatch.AMQP.Exchange != "" {
		result.Dispatch.AMQP.Exchange = src.Dispatch.AMQP.Exchange
	}
	if src.Dispatch.AMQP.RoutingKey != "" {
		result.Dispatch.AMQP.RoutingKey = src.Dispatch.AMQP.RoutingKey
	}
	if src.Dispatch.AMQP.DialTimeoutSec > 0 {
		result.Dispatch.AMQP.DialTimeoutSec = src.Dispatch.AMQP.DialTimeoutSec
	}
	if src.Dispatch.AMQP.MaxReconnects > 0 {
		result.Dispatch.AMQP.MaxReconnects = src.Dispatch.AMQP.MaxReconnects
	}
	if src.Dispatch.AMQP.BufferCap > 0 {
		result.Dispatch.AMQP.BufferCap = src.Dispatch.AMQP.BufferCap
	}

	// Telemetry
	if src.Telemetry.ListenAddr != "" {
		result.Telemetry.ListenAddr = src.Telemetry.ListenAddr
	}
	if src.Telemetry.MetricsPath != "" {
		result.Telemetry.MetricsPath = src.Telemetry.MetricsPath
	}

	// Sources
	if src.Sources.SpoolDir != "" {
		result.Sources.SpoolDir = src.Sources.SpoolDir
	}
	if src.Sources.SpoolDebounceMs > 0 {
		result.Sources.SpoolDebounceMs = src.Sources.SpoolDebounceMs
	}
	if src.Sources.MaxBatchBytes > 0 {
		result.Sources.MaxBatchBytes = src.Sources.MaxBatchBytes
	}
	if src.Sources.SimulatorSeed != 0 {
		result.Sources.SimulatorSeed = src.Sources.SimulatorSeed
	}

	// Logging
	if src.Logging.Level != "" {
		result.Logging.Level = src.Logging.Level
	}
	if src.Logging.Format != "" {
		result.Logging.Format = src.Logging.Format
	}
	if src.Logging.Output != "" {
		result.Logging.Output = src.Logging.Output
	}
	if src.Logging.FilePath != "" {
		result.Logging.FilePath = src.Logging.FilePath
	}
	if src.Logging.MaxSizeMB > 0 {
		result.Logging.MaxSizeMB = src.Logging.MaxSizeMB
	}
	if src.Logging.MaxBackups > 0 {
		result.Logging.MaxBackups = src.Logging.MaxBackups
	}
	if src.Logging.MaxAgeDays > 0 {
		result.Logging.MaxAgeDays = src.Logging.MaxAgeDays
	}

	return result
}

// ConfigWatcher provides a simple interface for watching config changes.
type ConfigWatcher struct {
	loader    *Loader
	callbacks []func(*Config, *Config) // old, new
}

// NewConfigWatcher creates a new config watcher.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		return nil, err
	}

	return &ConfigWatcher{
		loader: loader,
	}, nil
}

// Start begins watching for configuration changes.
func (w *ConfigWatcher) Start() error {
	// Track old config for diff callbacks
	oldCfg := w.loader.Config()

	w.loader.OnChange(func(newCfg *Config) {
		for _, cb := range w.callbacks {
			cb(oldCfg, newCfg)
		}
		oldCfg = newCfg
	})

	return w.loader.Watch()
}

// OnChange registers a callback for config changes.
// The callback receives both old and new configurations.
func (w *ConfigWatcher) OnChange(cb func(old, new *Config)) {
	w.callbacks = append(w.callbacks, cb)
}

// Config returns the current configuration.
func (w *ConfigWatcher) Config() *Config {
	return w.loader.Config()
}

// Stop stops watching for changes.
func (w *ConfigWatcher) Stop() error {
	return w.loader.Close()
}

// Reload forces a reload of the configuration.
func (w *ConfigWatcher) Reload() error {
	_, err := w.loader.Load()
	return err
}
