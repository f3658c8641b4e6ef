// Package config handles configuration loading, validation, and management for vigild.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

var (
	validRetentions   = map[string]bool{"IMMEDIATE": true, "SESSION": true, "ANONYMOUS": true}
	validChannels     = map[string]bool{"keystroke": true, "mouse": true, "scroll": true, "focus": true, "voice": true, "biometric": true}
	validRiskLevels   = map[string]bool{"LOW": true, "MEDIUM": true, "HIGH": true, "CRITICAL": true}
	validTransports   = map[string]bool{"log": true, "amqp": true, "none": true}
	envVarNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)
)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if monitorErrs := validateMonitor(&c.Monitor); len(monitorErrs) > 0 {
		errs = append(errs, monitorErrs...)
	}

	if detectionErrs := validateDetection(&c.Detection); len(detectionErrs) > 0 {
		errs = append(errs, detectionErrs...)
	}

	if storageErrs := validateStorage(&c.Storage); len(storageErrs) > 0 {
		errs = append(errs, storageErrs...)
	}

	if keysErrs := validateKeys(&c.Keys); len(keysErrs) > 0 {
		errs = append(errs, keysErrs...)
	}

	if dispatchErrs := validateDispatch(&c.Dispatch); len(dispatchErrs) > 0 {
		errs = append(errs, dispatchErrs...)
	}

	if telemetryErrs := validateTelemetry(&c.Telemetry); len(telemetryErrs) > 0 {
		errs = append(errs, telemetryErrs...)
	}

	if sourcesErrs := validateSources(&c.Sources); len(sourcesErrs) > 0 {
		errs = append(errs, sourcesErrs...)
	}

	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateMonitor(m *MonitorConfig) ValidationErrors {
	var errs ValidationErrors

	if len(m.Channels) == 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.channels",
			Message: "at least one capture channel is required",
		})
	}
	for i, ch := range m.Channels {
		if !validChannels[ch] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("monitor.channels[%d]", i),
				Message: fmt.Sprintf("unknown channel: %s", ch),
			})
		}
	}

	if m.AnalysisIntervalMs < 1000 {
		errs = append(errs, ValidationError{
			Field:   "monitor.analysis_interval_ms",
			Message: "analysis interval must be at least 1000ms",
		})
	}
	if m.AnalysisIntervalMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "monitor.analysis_interval_ms",
			Message: "analysis interval cannot exceed 60000ms (1 minute)",
		})
	}

	if m.KeystrokeBatch < 2 {
		errs = append(errs, ValidationError{
			Field:   "monitor.keystroke_batch",
			Message: "keystroke batch must be at least 2",
		})
	}

	if m.BufferCap < 16 {
		errs = append(errs, ValidationError{
			Field:   "monitor.buffer_cap",
			Message: "buffer cap must be at least 16",
		})
	}

	if !validRetentions[m.Retention] {
		errs = append(errs, ValidationError{
			Field:   "monitor.retention",
			Message: fmt.Sprintf("invalid retention: %s (valid: IMMEDIATE, SESSION, ANONYMOUS)", m.Retention),
		})
	}

	if m.Retention == "ANONYMOUS" && m.RetentionWindowSec < 10 {
		errs = append(errs, ValidationError{
			Field:   "monitor.retention_window_sec",
			Message: "retention window must be at least 10 seconds",
		})
	}

	// Threshold ordering: 0 < medium < high < critical <= 1
	if m.MediumThreshold <= 0 || m.MediumThreshold >= m.HighThreshold {
		errs = append(errs, ValidationError{
			Field:   "monitor.medium_threshold",
			Message: "medium threshold must be above 0 and below the high threshold",
		})
	}
	if m.HighThreshold >= m.CriticalThreshold {
		errs = append(errs, ValidationError{
			Field:   "monitor.high_threshold",
			Message: "high threshold must be below the critical threshold",
		})
	}
	if m.CriticalThreshold > 1.0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.critical_threshold",
			Message: "critical threshold cannot exceed 1.0",
		})
	}

	if m.BaselineTypingSpeed <= 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.baseline_typing_speed",
			Message: "baseline typing speed must be positive",
		})
	}
	if m.BaselineAvgPauseMs <= 0 {
		errs = append(errs, ValidationError{
			Field:   "monitor.baseline_avg_pause_ms",
			Message: "baseline pause must be positive",
		})
	}

	return errs
}

func validateDetection(d *DetectionConfig) ValidationErrors {
	var errs ValidationErrors

	if !validRiskLevels[d.AlertMinLevel] {
		errs = append(errs, ValidationError{
			Field:   "detection.alert_min_level",
			Message: fmt.Sprintf("invalid risk level: %s (valid: LOW, MEDIUM, HIGH, CRITICAL)", d.AlertMinLevel),
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required",
		})
	}

	// Check parent directory exists or can be created
	if s.Path != "" {
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "storage.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "storage.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	if s.RetentionDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.retention_days",
			Message: "retention days cannot be negative",
		})
	}

	if s.RetentionDays > 0 && s.PurgeIntervalSec < 60 {
		errs = append(errs, ValidationError{
			Field:   "storage.purge_interval_sec",
			Message: "purge interval must be at least 60 seconds",
		})
	}

	return errs
}

func validateKeys(k *KeysConfig) ValidationErrors {
	var errs ValidationErrors

	if k.SecretPath == "" && k.SecretEnv == "" {
		errs = append(errs, ValidationError{
			Field:   "keys.secret_path",
			Message: "a secret path or secret env var is required",
		})
	}

	if k.SecretEnv != "" && !envVarNamePattern.MatchString(k.SecretEnv) {
		errs = append(errs, ValidationError{
			Field:   "keys.secret_env",
			Message: fmt.Sprintf("invalid environment variable name: %s", k.SecretEnv),
		})
	}

	return errs
}

func validateDispatch(d *DispatchConfig) ValidationErrors {
	var errs ValidationErrors

	if !validTransports[d.Transport] {
		errs = append(errs, ValidationError{
			Field:   "dispatch.transport",
			Message: fmt.Sprintf("invalid transport: %s (valid: log, amqp, none)", d.Transport),
		})
	}

	if d.Transport == "none" {
		return errs
	}

	if d.RatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.rate_per_sec",
			Message: "rate must be positive",
		})
	}
	if d.Burst < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.burst",
			Message: "burst must be at least 1",
		})
	}

	if d.Transport != "amqp" {
		return errs
	}

	if d.AMQP.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.url",
			Message: "broker URL is required for amqp transport (or set VIGIL_AMQP_URL)",
		})
	} else if !isValidAMQPURL(d.AMQP.URL) {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.url",
			Message: fmt.Sprintf("invalid broker URL: %s", d.AMQP.URL),
		})
	}

	if d.AMQP.Queue == "" {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.queue",
			Message: "queue name is required for amqp transport",
		})
	}

	if d.AMQP.DialTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.dial_timeout_sec",
			Message: "dial timeout must be at least 1 second",
		})
	}

	if d.AMQP.MaxReconnects < 0 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.max_reconnects",
			Message: "max reconnects cannot be negative",
		})
	}

	if d.AMQP.BufferCap < 1 {
		errs = append(errs, ValidationError{
			Field:   "dispatch.amqp.buffer_cap",
			Message: "buffer cap must be at least 1",
		})
	}

	return errs
}

func validateTelemetry(t *TelemetryConfig) ValidationErrors {
	var errs ValidationErrors

	if !t.Enabled {
		return errs
	}

	if t.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "telemetry.listen_addr",
			Message: "listen address is required when telemetry is enabled",
		})
	} else if _, _, err := net.SplitHostPort(t.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "telemetry.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	if !strings.HasPrefix(t.MetricsPath, "/") {
		errs = append(errs, ValidationError{
			Field:   "telemetry.metrics_path",
			Message: "metrics path must start with /",
		})
	}

	return errs
}

func validateSources(s *SourcesConfig) ValidationErrors {
	var errs ValidationErrors

	if s.SpoolDebounceMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "sources.spool_debounce_ms",
			Message: "spool debounce must be at least 50ms",
		})
	}

	if s.MaxBatchBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "sources.max_batch_bytes",
			Message: "max batch size must be at least 1024 bytes",
		})
	}

	// A missing spool directory is a warning: it may be created later by
	// the capture agent installer.
	if s.SpoolDir != "" {
		if info, err := os.Stat(expandPath(s.SpoolDir)); err != nil {
			if os.IsNotExist(err) {
				errs = append(errs, ValidationError{
					Field:   "sources.spool_dir",
					Message: fmt.Sprintf("directory does not exist: %s", s.SpoolDir),
				})
			}
		} else if !info.IsDir() {
			errs = append(errs, ValidationError{
				Field:   "sources.spool_dir",
				Message: fmt.Sprintf("not a directory: %s", s.SpoolDir),
			})
		}
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
		// Valid outputs
	case "file":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidAMQPURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "amqp" || u.Scheme == "amqps"
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"sources.spool_dir", // The capture agent may create it later
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}
