// Package metrics exposes Prometheus metrics for the vigil daemon.
//
// Metric values are limited to counts, durations, and scores. Session
// IDs are deliberately absent from label sets: they are unbounded and
// would leak monitoring activity into the metrics endpoint.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vigil/internal/logging"
)

var (
	registry           *prometheus.Registry
	registryOnce       sync.Once
	defaultMetricsPath = "/metrics"
	metricsEnabled     = true

	// Capture metrics
	SamplesCaptured  *prometheus.CounterVec
	SamplesEncrypted prometheus.Counter
	SamplesDropped   *prometheus.CounterVec
	EncryptLatency   prometheus.Histogram
	BufferedSamples  *prometheus.GaugeVec
	BaselineSamples  *prometheus.GaugeVec

	// Detection metrics
	MessagesAnalyzed *prometheus.CounterVec
	SignalsDetected  *prometheus.CounterVec
	AnalysisLatency  prometheus.Histogram
	RiskScores       prometheus.Histogram
	CurrentRiskScore prometheus.Gauge

	// Alert metrics
	AlertsTotal          *prometheus.CounterVec
	PredictiveAlerts     *prometheus.CounterVec
	ImmediateActionTotal prometheus.Counter

	// Session metrics
	ActiveSessions  prometheus.Gauge
	EventsPublished prometheus.Gauge
	EventsDropped   prometheus.Gauge

	// Resilience metrics
	ErrorsTotal        *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec
	RetryAttempts      *prometheus.CounterVec

	// Dispatch metrics
	NotificationsTotal *prometheus.CounterVec
	NotifierConnected  *prometheus.GaugeVec
	NotifierReconnects *prometheus.CounterVec

	// Store metrics
	AuditRecordsTotal *prometheus.CounterVec
	PurgedRecords     *prometheus.CounterVec

	// Spool metrics
	SpoolBatches *prometheus.CounterVec
)

// Init initializes all metrics and registers them with Prometheus.
func Init(logger *logging.Logger) {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()

		// Capture metrics
		SamplesCaptured = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_samples_captured_total",
				Help: "Total number of behavioral samples captured",
			},
			[]string{"channel"},
		)

		SamplesEncrypted = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_samples_encrypted_total",
				Help: "Total number of samples encrypted before buffering",
			},
		)

		SamplesDropped = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_samples_dropped_total",
				Help: "Total number of samples dropped from full buffers",
			},
			[]string{"channel"},
		)

		EncryptLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_encrypt_duration_seconds",
				Help:    "Latency of per-sample encryption",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10), // 0.1ms to ~100ms
			},
		)

		BufferedSamples = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vigil_buffered_samples",
				Help: "Number of encrypted samples currently buffered",
			},
			[]string{"channel"},
		)

		BaselineSamples = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vigil_baseline_samples",
				Help: "Number of samples in the per-channel baseline window",
			},
			[]string{"channel"},
		)

		// Detection metrics
		MessagesAnalyzed = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_messages_analyzed_total",
				Help: "Total number of messages analyzed",
			},
			[]string{"risk_level"},
		)

		SignalsDetected = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_signals_detected_total",
				Help: "Total number of crisis signals detected",
			},
			[]string{"type"},
		)

		AnalysisLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_analysis_duration_seconds",
				Help:    "Latency of message analysis",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12), // 0.1ms to ~400ms
			},
		)

		RiskScores = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "vigil_risk_score",
				Help:    "Distribution of computed risk scores",
				Buckets: prometheus.LinearBuckets(0, 10, 11), // 0 to 100
			},
		)

		CurrentRiskScore = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_current_risk_score",
				Help: "Most recently computed risk score",
			},
		)

		// Alert metrics
		AlertsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_alerts_total",
				Help: "Total number of crisis alerts raised",
			},
			[]string{"severity"},
		)

		PredictiveAlerts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_predictive_alerts_total",
				Help: "Total number of predictive alerts raised",
			},
			[]string{"type"},
		)

		ImmediateActionTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "vigil_immediate_action_total",
				Help: "Total number of assessments requiring immediate action",
			},
		)

		// Session metrics
		ActiveSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_active_sessions",
				Help: "Number of sessions with derived key material",
			},
		)

		EventsPublished = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_events_published",
				Help: "Total events published on the internal bus",
			},
		)

		EventsDropped = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "vigil_events_dropped",
				Help: "Total events dropped by slow subscribers",
			},
		)

		// Resilience metrics
		ErrorsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_errors_total",
				Help: "Total number of classified errors",
			},
			[]string{"category", "severity"},
		)

		BreakerTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_breaker_transitions_total",
				Help: "Total number of circuit breaker state transitions",
			},
			[]string{"operation", "state"},
		)

		BreakerState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vigil_breaker_state",
				Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
			},
			[]string{"operation"},
		)

		RetryAttempts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_retry_attempts_total",
				Help: "Total number of operation retries",
			},
			[]string{"operation"},
		)

		// Dispatch metrics
		NotificationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_notifications_total",
				Help: "Total number of alert notifications dispatched",
			},
			[]string{"channel", "status"},
		)

		NotifierConnected = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "vigil_notifier_connected",
				Help: "Notifier connection status (1 = connected, 0 = disconnected)",
			},
			[]string{"channel"},
		)

		NotifierReconnects = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_notifier_reconnects_total",
				Help: "Total number of notifier reconnection attempts",
			},
			[]string{"channel", "status"},
		)

		// Store metrics
		AuditRecordsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_audit_records_total",
				Help: "Total number of audit records appended",
			},
			[]string{"status"},
		)

		PurgedRecords = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_purged_records_total",
				Help: "Total number of records removed by retention purges",
			},
			[]string{"scope"},
		)

		// Spool metrics
		SpoolBatches = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vigil_spool_batches_total",
				Help: "Total number of spool batches processed",
			},
			[]string{"status"},
		)

		registry.MustRegister(
			// Capture metrics
			SamplesCaptured,
			SamplesEncrypted,
			SamplesDropped,
			EncryptLatency,
			BufferedSamples,
			BaselineSamples,

			// Detection metrics
			MessagesAnalyzed,
			SignalsDetected,
			AnalysisLatency,
			RiskScores,
			CurrentRiskScore,

			// Alert metrics
			AlertsTotal,
			PredictiveAlerts,
			ImmediateActionTotal,

			// Session metrics
			ActiveSessions,
			EventsPublished,
			EventsDropped,

			// Resilience metrics
			ErrorsTotal,
			BreakerTransitions,
			BreakerState,
			RetryAttempts,

			// Dispatch metrics
			NotificationsTotal,
			NotifierConnected,
			NotifierReconnects,

			// Store metrics
			AuditRecordsTotal,
			PurgedRecords,

			// Spool metrics
			SpoolBatches,
		)

		if logger != nil {
			logger.Info("prometheus metrics initialized")
		}
	})
}

// GetRegistry returns the prometheus registry.
func GetRegistry() *prometheus.Registry {
	return registry
}

// SetMetricsPath sets the HTTP path for the metrics endpoint.
func SetMetricsPath(path string) {
	defaultMetricsPath = path
}

// SetMetricsEnabled enables or disables metrics collection.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled = enabled
}

// IsMetricsEnabled returns whether metrics are enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// RegisterHandler registers the metrics HTTP handler.
func RegisterHandler(mux *http.ServeMux) {
	if metricsEnabled && registry != nil {
		handler := promhttp.HandlerFor(
			registry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          registry,
			},
		)
		mux.Handle(defaultMetricsPath, handler)
	}
}

// RecordSampleCaptured records a captured behavioral sample.
func RecordSampleCaptured(channel string) {
	if metricsEnabled && SamplesCaptured != nil {
		SamplesCaptured.WithLabelValues(channel).Inc()
	}
}

// RecordSampleEncrypted records a sample encrypted before buffering.
func RecordSampleEncrypted() {
	if metricsEnabled && SamplesEncrypted != nil {
		SamplesEncrypted.Inc()
	}
}

// RecordSampleDropped records a sample evicted from a full buffer.
func RecordSampleDropped(channel string) {
	if metricsEnabled && SamplesDropped != nil {
		SamplesDropped.WithLabelValues(channel).Inc()
	}
}

// ObserveEncrypt returns a timer function that records encryption
// latency when called.
func ObserveEncrypt() func() {
	if !metricsEnabled || EncryptLatency == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		EncryptLatency.Observe(time.Since(start).Seconds())
	}
}

// SetBufferedSamples sets the current buffer depth for a channel.
func SetBufferedSamples(channel string, n int) {
	if metricsEnabled && BufferedSamples != nil {
		BufferedSamples.WithLabelValues(channel).Set(float64(n))
	}
}

// SetBaselineSamples sets the baseline window depth for a channel.
func SetBaselineSamples(channel string, n int) {
	if metricsEnabled && BaselineSamples != nil {
		BaselineSamples.WithLabelValues(channel).Set(float64(n))
	}
}

// RecordMessageAnalyzed records a completed message analysis.
func RecordMessageAnalyzed(riskLevel string) {
	if metricsEnabled && MessagesAnalyzed != nil {
		MessagesAnalyzed.WithLabelValues(riskLevel).Inc()
	}
}

// RecordSignal records a detected crisis signal.
func RecordSignal(signalType string) {
	if metricsEnabled && SignalsDetected != nil {
		SignalsDetected.WithLabelValues(signalType).Inc()
	}
}

// ObserveAnalysis returns a timer function that records analysis
// latency when called.
func ObserveAnalysis() func() {
	if !metricsEnabled || AnalysisLatency == nil {
		return func() {}
	}

	start := time.Now()
	return func() {
		AnalysisLatency.Observe(time.Since(start).Seconds())
	}
}

// ObserveRiskScore records a computed risk score.
func ObserveRiskScore(score float64) {
	if !metricsEnabled {
		return
	}
	if RiskScores != nil {
		RiskScores.Observe(score)
	}
	if CurrentRiskScore != nil {
		CurrentRiskScore.Set(score)
	}
}

// RecordAlert records a raised crisis alert.
func RecordAlert(severity string) {
	if metricsEnabled && AlertsTotal != nil {
		AlertsTotal.WithLabelValues(severity).Inc()
	}
}

// RecordPredictiveAlert records a raised predictive alert.
func RecordPredictiveAlert(alertType string) {
	if metricsEnabled && PredictiveAlerts != nil {
		PredictiveAlerts.WithLabelValues(alertType).Inc()
	}
}

// RecordImmediateAction records an assessment requiring immediate action.
func RecordImmediateAction() {
	if metricsEnabled && ImmediateActionTotal != nil {
		ImmediateActionTotal.Inc()
	}
}

// SetActiveSessions sets the number of active sessions.
func SetActiveSessions(n int) {
	if metricsEnabled && ActiveSessions != nil {
		ActiveSessions.Set(float64(n))
	}
}

// SetEventBusStats sets the published and dropped event totals.
func SetEventBusStats(published, dropped uint64) {
	if !metricsEnabled {
		return
	}
	if EventsPublished != nil {
		EventsPublished.Set(float64(published))
	}
	if EventsDropped != nil {
		EventsDropped.Set(float64(dropped))
	}
}

// RecordError records a classified error.
func RecordError(category, severity string) {
	if metricsEnabled && ErrorsTotal != nil {
		ErrorsTotal.WithLabelValues(category, severity).Inc()
	}
}

// RecordBreakerTransition records a circuit breaker state change.
func RecordBreakerTransition(operation, state string) {
	if metricsEnabled && BreakerTransitions != nil {
		BreakerTransitions.WithLabelValues(operation, state).Inc()
	}
}

// SetBreakerState sets the current breaker state gauge.
func SetBreakerState(operation string, state float64) {
	if metricsEnabled && BreakerState != nil {
		BreakerState.WithLabelValues(operation).Set(state)
	}
}

// RecordRetry records a retried operation attempt.
func RecordRetry(operation string) {
	if metricsEnabled && RetryAttempts != nil {
		RetryAttempts.WithLabelValues(operation).Inc()
	}
}

// RecordNotification records a dispatched alert notification.
func RecordNotification(channel, status string) {
	if metricsEnabled && NotificationsTotal != nil {
		NotificationsTotal.WithLabelValues(channel, status).Inc()
	}
}

// SetNotifierConnected sets the notifier connection status.
func SetNotifierConnected(channel string, connected bool) {
	if metricsEnabled && NotifierConnected != nil {
		v := 0.0
		if connected {
			v = 1.0
		}
		NotifierConnected.WithLabelValues(channel).Set(v)
	}
}

// RecordNotifierReconnect records a notifier reconnection attempt.
func RecordNotifierReconnect(channel, status string) {
	if metricsEnabled && NotifierReconnects != nil {
		NotifierReconnects.WithLabelValues(channel, status).Inc()
	}
}

// RecordAuditRecord records an audit store append.
func RecordAuditRecord(status string) {
	if metricsEnabled && AuditRecordsTotal != nil {
		AuditRecordsTotal.WithLabelValues(status).Inc()
	}
}

// RecordPurged records rows removed by a retention purge.
func RecordPurged(scope string, count int) {
	if metricsEnabled && PurgedRecords != nil {
		PurgedRecords.WithLabelValues(scope).Add(float64(count))
	}
}

// RecordSpoolBatch records a processed spool batch.
func RecordSpoolBatch(status string) {
	if metricsEnabled && SpoolBatches != nil {
		SpoolBatches.WithLabelValues(status).Inc()
	}
}
