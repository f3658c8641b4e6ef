// Package config handles configuration loading, validation, and management for vigild.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Version is the current configuration schema version.
const Version = 3

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Monitor configuration for behavioral capture and analysis.
	Monitor MonitorConfig `toml:"monitor" json:"monitor" yaml:"monitor"`

	// Detection configuration for the crisis detection engine.
	Detection DetectionConfig `toml:"detection" json:"detection" yaml:"detection"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Keys configuration for master secret handling.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Dispatch configuration for responder notification delivery.
	Dispatch DispatchConfig `toml:"dispatch" json:"dispatch" yaml:"dispatch"`

	// Telemetry configuration for metrics exposure.
	Telemetry TelemetryConfig `toml:"telemetry" json:"telemetry" yaml:"telemetry"`

	// Sources configuration for capture backends.
	Sources SourcesConfig `toml:"sources" json:"sources" yaml:"sources"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// MonitorConfig holds behavioral monitoring configuration.
type MonitorConfig struct {
	// Channels is the list of capture channels to monitor. Valid values:
	// "keystroke", "mouse", "scroll", "focus", "voice", "biometric".
	// Voice and biometric capture run only when listed here explicitly.
	Channels []string `toml:"channels" json:"channels" yaml:"channels"`

	// AnalysisIntervalMs is the periodic analysis cadence in milliseconds.
	AnalysisIntervalMs int `toml:"analysis_interval_ms" json:"analysis_interval_ms" yaml:"analysis_interval_ms"`

	// KeystrokeBatch is the number of keystrokes per analysis batch.
	KeystrokeBatch int `toml:"keystroke_batch" json:"keystroke_batch" yaml:"keystroke_batch"`

	// BufferCap is the per-channel encrypted sample buffer size.
	// The oldest sample is dropped when a channel overflows.
	BufferCap int `toml:"buffer_cap" json:"buffer_cap" yaml:"buffer_cap"`

	// Retention controls how long encrypted samples survive in memory:
	// "IMMEDIATE", "SESSION", or "ANONYMOUS".
	Retention string `toml:"retention" json:"retention" yaml:"retention"`

	// RetentionWindowSec bounds sample age under ANONYMOUS retention.
	RetentionWindowSec int `toml:"retention_window_sec" json:"retention_window_sec" yaml:"retention_window_sec"`

	// AnonymousMode strips identifying detail from published events.
	AnonymousMode bool `toml:"anonymous_mode" json:"anonymous_mode" yaml:"anonymous_mode"`

	// MediumThreshold is the minimum anomaly score rated MEDIUM.
	MediumThreshold float64 `toml:"medium_threshold" json:"medium_threshold" yaml:"medium_threshold"`

	// HighThreshold is the minimum anomaly score rated HIGH.
	HighThreshold float64 `toml:"high_threshold" json:"high_threshold" yaml:"high_threshold"`

	// CriticalThreshold is the minimum anomaly score rated CRITICAL.
	CriticalThreshold float64 `toml:"critical_threshold" json:"critical_threshold" yaml:"critical_threshold"`

	// BaselineTypingSpeed is the starting typing baseline in keystrokes
	// per minute, used until a per-session baseline is established.
	BaselineTypingSpeed float64 `toml:"baseline_typing_speed" json:"baseline_typing_speed" yaml:"baseline_typing_speed"`

	// BaselineAvgPauseMs is the starting inter-key pause baseline.
	BaselineAvgPauseMs float64 `toml:"baseline_avg_pause_ms" json:"baseline_avg_pause_ms" yaml:"baseline_avg_pause_ms"`
}

// DetectionConfig holds crisis detection engine configuration.
type DetectionConfig struct {
	// AlertMinLevel is the minimum engine risk level that is archived as
	// an alert and dispatched: "LOW", "MEDIUM", "HIGH", or "CRITICAL".
	AlertMinLevel string `toml:"alert_min_level" json:"alert_min_level" yaml:"alert_min_level"`

	// ResetOnSessionEnd clears engine signal history when a session ends.
	ResetOnSessionEnd bool `toml:"reset_on_session_end" json:"reset_on_session_end" yaml:"reset_on_session_end"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays is how long ended sessions and their alerts are kept
	// before the purge sweep removes them. 0 disables purging.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`

	// PurgeIntervalSec is how often the purge sweep runs.
	PurgeIntervalSec int `toml:"purge_interval_sec" json:"purge_interval_sec" yaml:"purge_interval_sec"`
}

// KeysConfig holds master secret configuration.
type KeysConfig struct {
	// SecretPath is the path to the master secret file (created 0600).
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// SecretEnv is the environment variable checked for the master
	// secret before falling back to SecretPath.
	SecretEnv string `toml:"secret_env" json:"secret_env" yaml:"secret_env"`

	// GenerateIfMissing creates and persists a fresh master secret at
	// SecretPath on first run.
	GenerateIfMissing bool `toml:"generate_if_missing" json:"generate_if_missing" yaml:"generate_if_missing"`
}

// DispatchConfig holds responder notification configuration.
type DispatchConfig struct {
	// Transport selects the notification transport: "log", "amqp", or "none".
	Transport string `toml:"transport" json:"transport" yaml:"transport"`

	// RatePerSec caps routine notification delivery. Notifications
	// flagged immediate bypass the limiter.
	RatePerSec float64 `toml:"rate_per_sec" json:"rate_per_sec" yaml:"rate_per_sec"`

	// Burst is the rate limiter burst allowance.
	Burst int `toml:"burst" json:"burst" yaml:"burst"`

	// AMQP broker configuration, used when Transport is "amqp".
	AMQP AMQPConfig `toml:"amqp" json:"amqp" yaml:"amqp"`
}

// AMQPConfig holds AMQP broker configuration.
type AMQPConfig struct {
	// URL is the broker URL (use VIGIL_AMQP_URL to keep credentials out
	// of the config file).
	URL string `toml:"url" json:"url" yaml:"url"`

	// Queue is the durable queue notifications are published to.
	Queue string `toml:"queue" json:"queue" yaml:"queue"`

	// Exchange is an optional topic exchange. Empty publishes through
	// the default exchange.
	Exchange string `toml:"exchange" json:"exchange" yaml:"exchange"`

	// RoutingKey overrides the routing key when an exchange is set.
	RoutingKey string `toml:"routing_key" json:"routing_key" yaml:"routing_key"`

	// DialTimeoutSec is the broker dial timeout.
	DialTimeoutSec int `toml:"dial_timeout_sec" json:"dial_timeout_sec" yaml:"dial_timeout_sec"`

	// MaxReconnects bounds reconnection attempts after a dropped connection.
	MaxReconnects int `toml:"max_reconnects" json:"max_reconnects" yaml:"max_reconnects"`

	// BufferCap is how many notifications are held for replay while
	// disconnected.
	BufferCap int `toml:"buffer_cap" json:"buffer_cap" yaml:"buffer_cap"`
}

// TelemetryConfig holds metrics and health probe configuration.
type TelemetryConfig struct {
	// Enabled determines whether the telemetry HTTP listener runs.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the host:port the telemetry listener binds.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// MetricsPath is the Prometheus scrape path.
	MetricsPath string `toml:"metrics_path" json:"metrics_path" yaml:"metrics_path"`
}

// SourcesConfig holds capture backend configuration.
type SourcesConfig struct {
	// SpoolDir is the directory watched for capture agent batch files.
	// Empty disables spool ingestion.
	SpoolDir string `toml:"spool_dir" json:"spool_dir" yaml:"spool_dir"`

	// SpoolDebounceMs is how long a spool file must be stable before
	// consumption.
	SpoolDebounceMs int `toml:"spool_debounce_ms" json:"spool_debounce_ms" yaml:"spool_debounce_ms"`

	// MaxBatchBytes rejects spool files larger than this.
	MaxBatchBytes int64 `toml:"max_batch_bytes" json:"max_batch_bytes" yaml:"max_batch_bytes"`

	// Simulate runs the synthetic behavioral source instead of waiting
	// for a capture agent.
	Simulate bool `toml:"simulate" json:"simulate" yaml:"simulate"`

	// SimulatorSeed makes the synthetic stream reproducible; 0 seeds
	// from the clock.
	SimulatorSeed int64 `toml:"simulator_seed" json:"simulator_seed" yaml:"simulator_seed"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", or "file".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := VigilDir()

	return &Config{
		Version: Version,
		Monitor: MonitorConfig{
			Channels:            []string{"keystroke", "mouse", "scroll", "focus"},
			AnalysisIntervalMs:  5000,
			KeystrokeBatch:      10,
			BufferCap:           256,
			Retention:           "ANONYMOUS",
			RetentionWindowSec:  300, // 5 minutes
			AnonymousMode:       true,
			MediumThreshold:     0.5,
			HighThreshold:       0.7,
			CriticalThreshold:   0.9,
			BaselineTypingSpeed: 200,
			BaselineAvgPauseMs:  300,
		},
		Detection: DetectionConfig{
			AlertMinLevel:     "HIGH",
			ResetOnSessionEnd: true,
		},
		Storage: StorageConfig{
			Path:             filepath.Join(dir, "vigil.db"),
			RetentionDays:    30,
			PurgeIntervalSec: 3600,
		},
		Keys: KeysConfig{
			SecretPath:        filepath.Join(dir, "master_secret"),
			SecretEnv:         "VIGIL_MASTER_SECRET",
			GenerateIfMissing: true,
		},
		Dispatch: DispatchConfig{
			Transport:  "log",
			RatePerSec: 1.0,
			Burst:      10,
			AMQP: AMQPConfig{
				Queue:          "vigil.alerts",
				DialTimeoutSec: 5,
				MaxReconnects:  10,
				BufferCap:      64,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     true,
			ListenAddr:  "127.0.0.1:2112",
			MetricsPath: "/metrics",
		},
		Sources: SourcesConfig{
			SpoolDebounceMs: 500,
			MaxBatchBytes:   1 << 20, // 1MB
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "vigild.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(VigilDir(), "config.toml")
}

// Load reads configuration from the specified path. If the file doesn't
// exist, returns default configuration. Supports TOML, JSON, and YAML
// formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.Keys.SecretPath),
		filepath.Dir(c.Logging.FilePath),
		c.Sources.SpoolDir,
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// VigilDir returns the base vigil data directory.
// Uses platform-specific paths or the VIGIL_DATA_DIR environment override.
func VigilDir() string {
	if envDir := os.Getenv("VIGIL_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Environment variables are prefixed with VIGIL_.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Storage overrides
	if v := os.Getenv("VIGIL_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}

	// Key material overrides
	if v := os.Getenv("VIGIL_SECRET_PATH"); v != "" {
		c.Keys.SecretPath = v
	}

	// Logging overrides
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Broker credentials from env (keeps them out of the config file)
	if v := os.Getenv("VIGIL_AMQP_URL"); v != "" {
		c.Dispatch.AMQP.URL = v
	}

	// Sources overrides
	if v := os.Getenv("VIGIL_SPOOL_DIR"); v != "" {
		c.Sources.SpoolDir = v
	}

	// Telemetry overrides
	if v := os.Getenv("VIGIL_METRICS_ADDR"); v != "" {
		c.Telemetry.ListenAddr = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Monitor:   c.Monitor,
		Detection: c.Detection,
		Storage:   c.Storage,
		Keys:      c.Keys,
		Dispatch:  c.Dispatch,
		Telemetry: c.Telemetry,
		Sources:   c.Sources,
		Logging:   c.Logging,
	}

	// Deep copy slices
	clone.Monitor.Channels = append([]string{}, c.Monitor.Channels...)

	return clone
}

// AnalysisInterval returns the periodic analysis cadence as a duration.
func (c *Config) AnalysisInterval() time.Duration {
	return time.Duration(c.Monitor.AnalysisIntervalMs) * time.Millisecond
}

// RetentionWindow returns the ANONYMOUS retention window as a duration.
func (c *Config) RetentionWindow() time.Duration {
	return time.Duration(c.Monitor.RetentionWindowSec) * time.Second
}

// PurgeInterval returns the purge sweep cadence as a duration.
func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.Storage.PurgeIntervalSec) * time.Second
}

// DatabasePath returns the storage path.
func (c *Config) DatabasePath() string {
	return c.Storage.Path
}

// LogPath returns the log file path.
func (c *Config) LogPath() string {
	return c.Logging.FilePath
}

// ChannelEnabled reports whether a capture channel is configured.
func (c *Config) ChannelEnabled(name string) bool {
	for _, ch := range c.Monitor.Channels {
		if ch == name {
			return true
		}
	}
	return false
}
