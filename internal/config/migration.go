// Package config handles configuration loading, validation, and management for vigild.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig migrates a configuration from an older version to the
// current version. It automatically creates a backup before migration.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil // No migration needed
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	// Create backup before migration
	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	// Apply migrations in sequence
	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

// applyMigration applies a single version upgrade.
func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 1:
		changes, warnings = migrateV1ToV2(cfg)
	case 2:
		changes, warnings = migrateV2ToV3(cfg)
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}

	cfg.Version++
	return changes, warnings, nil
}

// migrateV1ToV2 migrates from version 1 to version 2.
// V2 added the dispatch section; v1 deployments logged alerts only.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	if cfg.Dispatch.Transport == "" {
		cfg.Dispatch.Transport = "log"
		cfg.Dispatch.RatePerSec = 1.0
		cfg.Dispatch.Burst = 10
		changes = append(changes, "added dispatch configuration")
	}

	if cfg.Dispatch.AMQP.Queue == "" {
		cfg.Dispatch.AMQP.Queue = "vigil.alerts"
		cfg.Dispatch.AMQP.DialTimeoutSec = 5
		cfg.Dispatch.AMQP.MaxReconnects = 10
		cfg.Dispatch.AMQP.BufferCap = 64
		changes = append(changes, "set default notification queue")
	}

	return changes, warnings
}

// migrateV2ToV3 migrates from version 2 to version 3.
// V3 added telemetry and spool ingestion.
func migrateV2ToV3(cfg *Config) (changes []string, warnings []string) {
	if cfg.Telemetry.ListenAddr == "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.ListenAddr = "127.0.0.1:2112"
		cfg.Telemetry.MetricsPath = "/metrics"
		changes = append(changes, "added telemetry configuration")
	}

	if cfg.Sources.SpoolDebounceMs == 0 {
		cfg.Sources.SpoolDebounceMs = 500
		cfg.Sources.MaxBatchBytes = 1 << 20
		changes = append(changes, "added spool ingestion configuration")
	}

	return changes, warnings
}

// backupConfig creates a backup of the config file.
func backupConfig(configPath string) (string, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return "", nil // No file to backup
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return "", fmt.Errorf("read config: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405")
	backupPath := configPath + ".backup-" + timestamp

	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}

	return backupPath, nil
}

// MigrateLegacyConfig converts a legacy flat configuration map to the
// current format. Early deployments stored the config as a flat JSON map.
func MigrateLegacyConfig(data map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()

	// Extract version
	if v, ok := data["version"].(float64); ok {
		cfg.Version = int(v)
	} else {
		cfg.Version = 1 // Assume version 1 if not specified
	}

	// Extract legacy flat fields
	if dbPath, ok := data["database_path"].(string); ok {
		cfg.Storage.Path = dbPath
	}

	if logPath, ok := data["log_path"].(string); ok {
		cfg.Logging.FilePath = logPath
	}

	if interval, ok := data["analysis_interval_ms"].(float64); ok {
		cfg.Monitor.AnalysisIntervalMs = int(interval)
	}

	if retention, ok := data["retention"].(string); ok {
		cfg.Monitor.Retention = retention
	}

	if channels, ok := data["channels"].([]interface{}); ok {
		cfg.Monitor.Channels = nil
		for _, c := range channels {
			if s, ok := c.(string); ok {
				cfg.Monitor.Channels = append(cfg.Monitor.Channels, s)
			}
		}
	}

	if amqpURL, ok := data["amqp_url"].(string); ok {
		cfg.Dispatch.Transport = "amqp"
		cfg.Dispatch.AMQP.URL = amqpURL
	}

	if spoolDir, ok := data["spool_dir"].(string); ok {
		cfg.Sources.SpoolDir = spoolDir
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a file.
func SaveConfig(cfg *Config, path string) error {
	// Determine format from extension
	ext := filepath.Ext(path)

	var data []byte
	var err error

	switch ext {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		// Default to TOML
		data = []byte(generateTOML(cfg))
	}

	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	// Write with secure permissions
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// generateTOML generates a well-formatted TOML configuration file.
func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# vigild configuration
# Version %d

version = %d

[monitor]
channels = %s
analysis_interval_ms = %d
keystroke_batch = %d
buffer_cap = %d
retention = "%s"
retention_window_sec = %d
anonymous_mode = %t
medium_threshold = %.2f
high_threshold = %.2f
critical_threshold = %.2f
baseline_typing_speed = %.1f
baseline_avg_pause_ms = %.1f

[detection]
alert_min_level = "%s"
reset_on_session_end = %t

[storage]
path = "%s"
retention_days = %d
purge_interval_sec = %d

[keys]
secret_path = "%s"
secret_env = "%s"
generate_if_missing = %t

[dispatch]
transport = "%s"
rate_per_sec = %.1f
burst = %d

[dispatch.amqp]
# url = "" # Use VIGIL_AMQP_URL to keep broker credentials out of this file
queue = "%s"
exchange = "%s"
routing_key = "%s"
dial_timeout_sec = %d
max_reconnects = %d
buffer_cap = %d

[telemetry]
enabled = %t
listen_addr = "%s"
metrics_path = "%s"

[sources]
spool_dir = "%s"
spool_debounce_ms = %d
max_batch_bytes = %d
simulate = %t
simulator_seed = %d

[logging]
level = "%s"
format = "%s"
output = "%s"
file_path = "%s"
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t
`,
		Version,
		cfg.Version,
		toTOMLArray(cfg.Monitor.Channels),
		cfg.Monitor.AnalysisIntervalMs,
		cfg.Monitor.KeystrokeBatch,
		cfg.Monitor.BufferCap,
		cfg.Monitor.Retention,
		cfg.Monitor.RetentionWindowSec,
		cfg.Monitor.AnonymousMode,
		cfg.Monitor.MediumThreshold,
		cfg.Monitor.HighThreshold,
		cfg.Monitor.CriticalThreshold,
		cfg.Monitor.BaselineTypingSpeed,
		cfg.Monitor.BaselineAvgPauseMs,
		cfg.Detection.AlertMinLevel,
		cfg.Detection.ResetOnSessionEnd,
		cfg.Storage.Path,
		cfg.Storage.RetentionDays,
		cfg.Storage.PurgeIntervalSec,
		cfg.Keys.SecretPath,
		cfg.Keys.SecretEnv,
		cfg.Keys.GenerateIfMissing,
		cfg.Dispatch.Transport,
		cfg.Dispatch.RatePerSec,
		cfg.Dispatch.Burst,
		cfg.Dispatch.AMQP.Queue,
		cfg.Dispatch.AMQP.Exchange,
		cfg.Dispatch.AMQP.RoutingKey,
		cfg.Dispatch.AMQP.DialTimeoutSec,
		cfg.Dispatch.AMQP.MaxReconnects,
		cfg.Dispatch.AMQP.BufferCap,
		cfg.Telemetry.Enabled,
		cfg.Telemetry.ListenAddr,
		cfg.Telemetry.MetricsPath,
		cfg.Sources.SpoolDir,
		cfg.Sources.SpoolDebounceMs,
		cfg.Sources.MaxBatchBytes,
		cfg.Sources.Simulate,
		cfg.Sources.SimulatorSeed,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
	)
}

func toTOMLArray(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	result := "["
	for i, item := range items {
		if i > 0 {
			result += ", "
		}
		result += fmt.Sprintf(`"%s"`, item)
	}
	result += "]"
	return result
}

// GetMigrationHistory returns the migration history if stored in the
// data directory.
func GetMigrationHistory() ([]MigrationResult, error) {
	historyPath := filepath.Join(VigilDir(), "migration_history.json")

	data, err := os.ReadFile(historyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(data, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}

	return history, nil
}

// SaveMigrationHistory saves a migration result to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	historyPath := filepath.Join(VigilDir(), "migration_history.json")

	// Load existing history
	history, err := GetMigrationHistory()
	if err != nil {
		history = nil // Start fresh if error
	}

	history = append(history, *result)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	dir := filepath.Dir(historyPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	if err := os.WriteFile(historyPath, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}

	return nil
}
