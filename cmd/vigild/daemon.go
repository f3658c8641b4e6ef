package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/dispatch"
	"vigil/internal/events"
	"vigil/internal/health"
	"vigil/internal/keyring"
	"vigil/internal/logging"
	"vigil/internal/metrics"
	"vigil/internal/monitor"
	"vigil/internal/resilience"
	"vigil/internal/security"
	"vigil/internal/sources"
	"vigil/internal/store"
)

const (
	// minDiskFree is the free-space floor below which the disk check
	// reports unhealthy.
	minDiskFree = 100 << 20 // 100 MB

	// maxHeapBytes is the heap ceiling above which the memory check
	// reports degraded.
	maxHeapBytes = 256 << 20 // 256 MB

	statsInterval   = 30 * time.Second
	shutdownTimeout = 5 * time.Second
	alertTimeout    = 30 * time.Second
)

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: discovered)")
	simulate := fs.Bool("simulate", false, "run the synthetic behavioral source")
	fs.Parse(args)

	// Optional .env next to the working directory, mainly for
	// VIGIL_MASTER_SECRET and VIGIL_AMQP_URL during development.
	godotenv.Load()

	path := *configPath
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		path = config.ConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *simulate {
		cfg.Sources.Simulate = true
	}

	var verrs config.ValidationErrors
	if err := cfg.Validate(); err != nil {
		if !errors.As(err, &verrs) || verrs.HasErrors() {
			fmt.Fprintf(os.Stderr, "Invalid configuration:\n%v\n", err)
			os.Exit(1)
		}
	}

	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating directories: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefault(logger)
	for _, w := range verrs.Warnings() {
		logger.Warn("configuration warning", "detail", w.Error())
	}

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		Version:   version,
		Component: "vigild",
	})
	logging.SetDefaultCrashHandler(crash)

	audit, err := logging.NewAuditLogger(buildAuditConfig(cfg))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing audit log: %v\n", err)
		os.Exit(1)
	}
	logging.SetDefaultAuditLogger(audit)

	metrics.Init(logger)
	metrics.SetMetricsEnabled(cfg.Telemetry.Enabled)
	metrics.SetMetricsPath(cfg.Telemetry.MetricsPath)

	pidFile := config.GetDefaultPaths().PIDFile
	if isDaemonRunning(pidFile) {
		fmt.Fprintln(os.Stderr, "vigild is already running.")
		os.Exit(1)
	}

	d, err := newDaemon(cfg, path, logger, audit, crash)
	if err != nil {
		logger.Error("startup failed", "error", err.Error())
		os.Exit(1)
	}

	if err := d.run(pidFile); err != nil {
		logger.Error("daemon failed", "error", err.Error())
		os.Exit(1)
	}
}

// buildLogger maps the logging section of the config onto a logger.
func buildLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "vigild",
	})
}

// buildAuditConfig keeps the audit trail next to the daemon log.
func buildAuditConfig(cfg *config.Config) *logging.AuditLoggerConfig {
	ac := logging.DefaultAuditConfig()
	ac.Component = "vigild"
	if cfg.Logging.FilePath != "" {
		ac.FilePath = filepath.Join(filepath.Dir(cfg.Logging.FilePath), "audit.log")
	}
	return ac
}

// daemon owns the monitoring pipeline: capture sources feeding
// per-session monitors, the detection engine, alert archival and
// dispatch, and the telemetry surface.
type daemon struct {
	cfg     *config.Config
	cfgPath string
	log     *logging.Logger
	audit   *logging.AuditLogger
	crash   *logging.CrashHandler

	keys     *keyring.Manager
	store    *store.Store
	bus      *events.Bus
	engine   *detect.Engine
	notifier dispatch.Notifier
	amqp     *dispatch.AMQPNotifier
	resil    *resilience.Handler
	checker  *health.Checker

	httpSrv *http.Server
	watcher *config.ConfigWatcher
	sim     *sources.Simulator
	spool   *sources.SpoolSource

	minMu       sync.RWMutex
	minDispatch detect.RiskLevel

	monMu    sync.Mutex
	monitors map[string]*monitor.Monitor

	wg sync.WaitGroup
}

func newDaemon(cfg *config.Config, cfgPath string, logger *logging.Logger, audit *logging.AuditLogger, crash *logging.CrashHandler) (*daemon, error) {
	d := &daemon{
		cfg:      cfg,
		cfgPath:  cfgPath,
		log:      logger,
		audit:    audit,
		crash:    crash,
		monitors: make(map[string]*monitor.Monitor),
	}

	minLevel, err := detect.ParseRiskLevel(cfg.Detection.AlertMinLevel)
	if err != nil {
		return nil, fmt.Errorf("detection.alert_min_level: %w", err)
	}
	d.minDispatch = minLevel

	d.keys, err = buildKeyring(cfg)
	if err != nil {
		return nil, fmt.Errorf("provision keyring: %w", err)
	}

	// The store holds onto this key for chain verification; ownership
	// transfers with it.
	hmacKey, err := d.keys.DeriveKey("audit-store", security.KeySize)
	if err != nil {
		d.keys.Close()
		return nil, err
	}
	d.store, err = store.Open(cfg.Storage.Path, hmacKey)
	if err != nil {
		if d.store == nil || !errors.Is(err, store.ErrIntegrityCompromised) {
			d.keys.Close()
			return nil, fmt.Errorf("open store: %w", err)
		}
		// Reads still work; new chain writes are refused and readiness
		// reports the store degraded.
		logger.Error("audit chain verification failed", "error", err.Error())
	}

	d.bus = events.NewBus()
	d.engine = detect.NewEngine(detect.Options{
		Logger: logger.WithComponent("detect"),
		Bus:    d.bus,
	})
	d.resil = resilience.NewHandler(resilience.Options{
		Logger:   logger.WithComponent("resilience"),
		Bus:      d.bus,
		Audit:    audit,
		Escalate: d.escalate,
	})

	if err := d.buildNotifier(); err != nil {
		d.keys.Close()
		d.store.Close()
		return nil, err
	}

	d.checker = health.NewChecker()
	health.SetDefault(d.checker)
	d.registerHealthChecks()

	return d, nil
}

// buildNotifier assembles the dispatch transport. The AMQP transport is
// always paired with the log notifier so a crisis alert lands in the
// local log even when the broker link is up.
func (d *daemon) buildNotifier() error {
	switch d.cfg.Dispatch.Transport {
	case "none":
		d.notifier = dispatch.NopNotifier{}
	case "amqp":
		a := d.cfg.Dispatch.AMQP
		amqpN, err := dispatch.NewAMQPNotifier(dispatch.AMQPOptions{
			URL:           a.URL,
			Queue:         a.Queue,
			Exchange:      a.Exchange,
			RoutingKey:    a.RoutingKey,
			DialTimeout:   time.Duration(a.DialTimeoutSec) * time.Second,
			MaxReconnects: a.MaxReconnects,
			BufferCap:     a.BufferCap,
			Rate:          d.cfg.Dispatch.RatePerSec,
			Burst:         d.cfg.Dispatch.Burst,
			Logger:        d.log,
		})
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		d.amqp = amqpN
		d.notifier = dispatch.NewFanout(dispatch.NewLogNotifier(d.log), amqpN)
	default:
		d.notifier = dispatch.NewLogNotifier(d.log)
	}
	return nil
}

func (d *daemon) registerHealthChecks() {
	d.checker.Register(&health.Component{
		Name:     "storage",
		Critical: true,
		Check: health.DatabaseCheck(func(ctx context.Context) error {
			_, err := d.store.GetStats()
			return err
		}),
	})
	d.checker.RegisterFunc("audit-chain", false, health.IntegrityCheck(d.store.IntegrityOK))
	d.checker.RegisterFunc("event-bus", false, health.EventBusCheck(func() (uint64, uint64, int) {
		return d.bus.Published(), d.bus.Dropped(), d.bus.Subscribers()
	}))
	d.checker.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(d.cfg.Storage.Path), minDiskFree))
	d.checker.RegisterFunc("memory", false, health.MemoryCheck(maxHeapBytes))

	if d.amqp != nil {
		bufferCap := d.cfg.Dispatch.AMQP.BufferCap
		if bufferCap <= 0 {
			bufferCap = 64
		}
		d.checker.RegisterFunc("dispatch", false, health.NotifierCheck(d.amqp.IsConnected, d.amqp.Buffered, bufferCap))
	}
	if os.Getenv(d.cfg.Keys.SecretEnv) == "" {
		d.checker.RegisterFunc("master-secret", true, health.FileExistsCheck(d.cfg.Keys.SecretPath))
	}
}

// run starts the pipeline and blocks until a shutdown signal.
func (d *daemon) run(pidFile string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidFile)

	d.audit.LogStartup(ctx, version, map[string]interface{}{
		"commit":    commit,
		"channels":  d.cfg.Monitor.Channels,
		"retention": d.cfg.Monitor.Retention,
		"transport": d.cfg.Dispatch.Transport,
		"simulate":  d.cfg.Sources.Simulate,
	})

	if err := security.Harden(); err != nil {
		d.log.Warn("process hardening incomplete", "error", err.Error())
	}

	if d.cfg.Telemetry.Enabled {
		d.startTelemetry()
	}
	if d.amqp != nil {
		if err := d.amqp.Connect(); err != nil {
			// Notifications buffer until the link comes back.
			d.log.Warn("broker unavailable at startup", "error", err.Error())
		}
	}

	d.startObserver(ctx)
	d.startPurgeLoop(ctx)
	d.startStatsLoop(ctx)
	d.startConfigWatcher()

	if d.cfg.Sources.Simulate {
		if err := d.startSimulator(ctx); err != nil {
			cancel()
			d.shutdown("startup failure")
			return fmt.Errorf("start simulator: %w", err)
		}
	}
	if d.cfg.Sources.SpoolDir != "" {
		if err := d.startSpool(ctx); err != nil {
			cancel()
			d.shutdown("startup failure")
			return fmt.Errorf("start spool source: %w", err)
		}
	}

	d.checker.SetReady(true)
	d.log.Info("vigild started",
		"version", version,
		"channels", d.cfg.Monitor.Channels,
		"transport", d.cfg.Dispatch.Transport,
		"simulate", d.cfg.Sources.Simulate,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	reload := notifyReload()

	for {
		select {
		case sig := <-sigCh:
			d.log.Info("shutdown signal received", "signal", sig.String())
			cancel()
			d.shutdown("signal: " + sig.String())
			return nil
		case <-reload:
			d.log.Info("reload signal received")
			if d.watcher != nil {
				if err := d.watcher.Reload(); err != nil {
					d.log.Warn("config reload failed", "error", err.Error())
				}
			}
		}
	}
}

func (d *daemon) startTelemetry() {
	mux := http.NewServeMux()
	metrics.RegisterHandler(mux)
	mux.Handle("/healthz", d.checker.LivenessHandler())
	mux.Handle("/readyz", d.checker.ReadinessHandler())
	mux.Handle("/health", d.checker.HealthHandler())

	d.httpSrv = &http.Server{
		Addr:              d.cfg.Telemetry.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		d.log.Info("telemetry listener started", "addr", d.httpSrv.Addr)
		if err := d.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("telemetry listener failed", "error", err.Error())
		}
	}()
}

// startObserver watches the event bus for engine verdicts and surfaces
// them in the daemon log. Alert archival and dispatch happen in
// handleAlert; this is observability only.
func (d *daemon) startObserver(ctx context.Context) {
	ch, unsubscribe := d.bus.Subscribe(events.DefaultBuffer)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				d.observeEvent(ev)
			}
		}
	}()
}

func (d *daemon) observeEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeImmediateActionRequired:
		if p, ok := ev.Payload.(events.ActionPayload); ok {
			d.log.Error("immediate action required",
				"session_id", ev.SessionID,
				"risk_score", p.RiskScore,
				"risk_level", p.RiskLevel,
			)
		}
	case events.TypeCrisisImminent:
		if p, ok := ev.Payload.(events.ImminentPayload); ok {
			d.log.Error("crisis predicted",
				"session_id", ev.SessionID,
				"probability", p.Probability,
				"window", p.Window,
			)
		}
	case events.TypeMonitoringError:
		if p, ok := ev.Payload.(events.ErrorPayload); ok {
			d.log.Warn("monitoring error",
				"session_id", ev.SessionID,
				"operation", p.Operation,
				"severity", p.Severity,
				"message", p.Message,
			)
		}
	}
}

// startSimulator runs the synthetic source against a fresh local
// session.
func (d *daemon) startSimulator(ctx context.Context) error {
	simCfg := sources.SimulatorConfig{Seed: d.cfg.Sources.SimulatorSeed}
	if d.cfg.ChannelEnabled(sources.ChannelVoice) {
		simCfg.VoiceInterval = 15 * time.Second
	}
	if d.cfg.ChannelEnabled(sources.ChannelBiometric) {
		simCfg.BiometricInterval = 5 * time.Second
	}

	sim := sources.NewSimulator(simCfg)
	if err := sim.Start(ctx); err != nil {
		return err
	}
	d.sim = sim

	sessionID := uuid.NewString()
	m, err := d.monitorFor(ctx, sessionID)
	if err != nil {
		sim.Stop()
		return err
	}
	d.log.Info("simulator session started", "session_id", sessionID)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		d.pumpSimulator(ctx, sim, m)
	}()
	return nil
}

// pumpSimulator drains every simulator channel and forwards events for
// the channels the config enables. Disabled channels are still drained
// so the generators never block.
func (d *daemon) pumpSimulator(ctx context.Context, sim *sources.Simulator, m *monitor.Monitor) {
	keysOn := d.cfg.ChannelEnabled(sources.ChannelKeystroke)
	mouseOn := d.cfg.ChannelEnabled(sources.ChannelMouse)
	scrollOn := d.cfg.ChannelEnabled(sources.ChannelScroll)
	focusOn := d.cfg.ChannelEnabled(sources.ChannelFocus)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sim.Keys():
			if keysOn {
				m.RecordKeystroke(ev)
			}
		case ev := <-sim.Clicks():
			if mouseOn {
				m.RecordClick(ev)
			}
		case ev := <-sim.Scrolls():
			if scrollOn {
				m.RecordScroll(ev)
			}
		case ev := <-sim.Focus():
			if focusOn {
				m.RecordFocus(ev)
			}
		case ev := <-sim.Voice():
			// The monitor drops these itself when the channel is off.
			m.RecordVoice(ev)
		case ev := <-sim.Biometrics():
			m.RecordBiometric(ev)
		}
	}
}

// startSpool ingests batch files dropped by external capture agents.
// Each batch is routed to its session's monitor, provisioned on first
// sight.
func (d *daemon) startSpool(ctx context.Context) error {
	sp, err := sources.NewSpoolSource(sources.SpoolConfig{
		Dir:           d.cfg.Sources.SpoolDir,
		Debounce:      time.Duration(d.cfg.Sources.SpoolDebounceMs) * time.Millisecond,
		MaxBatchBytes: d.cfg.Sources.MaxBatchBytes,
		Logger:        d.log,
	})
	if err != nil {
		return err
	}
	if err := sp.Start(ctx); err != nil {
		return err
	}
	d.spool = sp
	d.log.Info("spool ingestion started", "dir", d.cfg.Sources.SpoolDir)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		for {
			select {
			case <-ctx.Done():
				return
			case b, ok := <-sp.Batches():
				if !ok {
					return
				}
				d.ingestBatch(ctx, b)
			case err, ok := <-sp.Errors():
				if !ok {
					return
				}
				d.log.Warn("spool error", "error", err.Error())
			}
		}
	}()
	return nil
}

func (d *daemon) ingestBatch(ctx context.Context, b sources.Batch) {
	m, err := d.monitorFor(ctx, b.SessionID)
	if err != nil {
		d.log.Error("session provisioning failed",
			"session_id", b.SessionID,
			"error", err.Error(),
		)
		return
	}
	if err := m.IngestBatch(b); err != nil {
		d.log.Warn("batch rejected",
			"session_id", b.SessionID,
			"events", b.Size(),
			"error", err.Error(),
		)
	}
}

// monitorFor returns the session's monitor, provisioning keys, the
// session row, and a started monitor on first sight. Spool sessions
// live until daemon shutdown.
func (d *daemon) monitorFor(ctx context.Context, sessionID string) (*monitor.Monitor, error) {
	d.monMu.Lock()
	defer d.monMu.Unlock()

	if m, ok := d.monitors[sessionID]; ok {
		return m, nil
	}

	if err := d.keys.CreateSession(sessionID); err != nil {
		return nil, err
	}

	sess := &store.Session{
		ID:          sessionID,
		StartedAtNs: time.Now().UnixNano(),
		Anonymous:   d.cfg.Monitor.AnonymousMode,
		Retention:   d.cfg.Monitor.Retention,
	}
	if err := d.resil.Do(ctx, "register-session", resilience.CategoryDatabase, func(ctx context.Context) error {
		return d.store.InsertSession(sess)
	}); err != nil {
		d.keys.DestroySession(sessionID)
		return nil, err
	}
	d.audit.LogSessionStart(ctx, sessionID, map[string]interface{}{
		"anonymous": d.cfg.Monitor.AnonymousMode,
		"retention": d.cfg.Monitor.Retention,
	})

	m, err := monitor.New(sessionID, d.monitorOptions())
	if err != nil {
		d.keys.DestroySession(sessionID)
		return nil, err
	}
	if err := m.Start(ctx); err != nil {
		m.Dispose()
		d.keys.DestroySession(sessionID)
		return nil, err
	}

	d.monitors[sessionID] = m
	metrics.SetActiveSessions(len(d.monitors))
	return m, nil
}

func (d *daemon) monitorOptions() monitor.Options {
	cfg := d.cfg
	return monitor.Options{
		Keys:                d.keys,
		Logger:              d.log,
		Bus:                 d.bus,
		Engine:              d.engine,
		AlertFunc:           d.handleAlert,
		AnonymousMode:       cfg.Monitor.AnonymousMode,
		EnableVoiceAnalysis: cfg.ChannelEnabled(sources.ChannelVoice),
		EnableBiometrics:    cfg.ChannelEnabled(sources.ChannelBiometric),
		Retention:           monitor.RetentionPolicy(cfg.Monitor.Retention),
		RetentionWindow:     cfg.RetentionWindow(),
		AnalysisInterval:    cfg.AnalysisInterval(),
		KeystrokeBatch:      cfg.Monitor.KeystrokeBatch,
		BufferCap:           cfg.Monitor.BufferCap,
		Thresholds: monitor.RiskThresholds{
			Critical: cfg.Monitor.CriticalThreshold,
			High:     cfg.Monitor.HighThreshold,
			Medium:   cfg.Monitor.MediumThreshold,
		},
		Baseline: &monitor.Baseline{
			TypingSpeed: cfg.Monitor.BaselineTypingSpeed,
			AvgPauseMs:  cfg.Monitor.BaselineAvgPauseMs,
		},
	}
}

// handleAlert archives a crisis alert and notifies responders. Archival
// failure never suppresses dispatch; an alert that reached this point
// must reach a responder.
func (d *daemon) handleAlert(alert monitor.CrisisAlert) {
	ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
	defer cancel()

	rec := &store.Alert{
		ID:                 alert.ID,
		SessionID:          alert.SessionID,
		Type:               string(alert.Type),
		Severity:           alert.Severity.String(),
		Score:              alert.Score,
		Details:            alert.Details,
		ActionPlan:         alert.ActionPlan,
		RequiresEscalation: alert.RequiresEscalation,
		CreatedAtNs:        alert.CreatedAt.UnixNano(),
	}
	if err := d.resil.Do(ctx, "archive-alert", resilience.CategoryDatabase, func(ctx context.Context) error {
		return d.store.InsertAlert(rec)
	}); err != nil {
		d.log.Error("alert archival failed", "alert_id", alert.ID, "error", err.Error())
	}
	d.audit.LogAlert(ctx, alert.ID, alert.Severity.String(), alert.Score*100)

	if alert.Severity < d.minDispatchLevel() && !alert.RequiresEscalation {
		return
	}

	n := &dispatch.Notification{
		AlertID:           alert.ID,
		SessionID:         alert.SessionID,
		Type:              string(alert.Type),
		Severity:          alert.Severity.String(),
		Score:             alert.Score,
		Message:           alert.Message(),
		RequiresImmediate: alert.RequiresEscalation,
		CreatedAt:         alert.CreatedAt,
	}
	deliverErr := d.resil.Do(ctx, "notify-responders", resilience.CategoryExternalService, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, n)
	})
	if deliverErr != nil {
		d.log.Error("notification delivery failed", "alert_id", alert.ID, "error", deliverErr.Error())
	}
	if alert.RequiresEscalation {
		d.audit.LogEscalation(ctx, alert.ID, d.cfg.Dispatch.Transport, deliverErr == nil)
	}
}

// escalate is the resilience hook for CRITICAL and worse failures.
func (d *daemon) escalate(ctx context.Context, e *resilience.Error) {
	d.log.Error("critical failure escalated",
		"operation", e.Op,
		"category", string(e.Category),
		"severity", e.Severity.String(),
		"error", e.Error(),
	)
	d.audit.LogError(ctx, e.Op, e, map[string]interface{}{
		"category": string(e.Category),
		"severity": e.Severity.String(),
	})
}

func (d *daemon) minDispatchLevel() detect.RiskLevel {
	d.minMu.RLock()
	defer d.minMu.RUnlock()
	return d.minDispatch
}

func (d *daemon) setMinDispatch(level detect.RiskLevel) {
	d.minMu.Lock()
	d.minDispatch = level
	d.minMu.Unlock()
}

// startPurgeLoop sweeps expired sessions and their alerts out of the
// archive. The store writes the chain entry and purge metrics itself.
func (d *daemon) startPurgeLoop(ctx context.Context) {
	if d.cfg.Storage.RetentionDays <= 0 {
		return
	}
	interval := d.cfg.PurgeInterval()
	if interval <= 0 {
		interval = time.Hour
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.purgeExpired(ctx)
			}
		}
	}()
}

func (d *daemon) purgeExpired(ctx context.Context) {
	cutoff := time.Now().Add(-time.Duration(d.cfg.Storage.RetentionDays) * 24 * time.Hour).UnixNano()

	var removed int64
	err := d.resil.Do(ctx, "purge-expired", resilience.CategoryDatabase, func(ctx context.Context) error {
		var perr error
		removed, perr = d.store.PurgeOlderThan(cutoff)
		return perr
	})
	if err != nil {
		d.log.Error("retention purge failed", "error", err.Error())
		return
	}
	if removed > 0 {
		d.log.Info("retention purge complete", "removed", removed, "retention_days", d.cfg.Storage.RetentionDays)
		d.audit.LogPurge(ctx, "expired", int(removed))
	}
}

func (d *daemon) startStatsLoop(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.crash.RecoverGoroutine()
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetEventBusStats(d.bus.Published(), d.bus.Dropped())
				d.monMu.Lock()
				n := len(d.monitors)
				d.monMu.Unlock()
				metrics.SetActiveSessions(n)
				if d.amqp != nil {
					metrics.SetNotifierConnected("amqp", d.amqp.IsConnected())
				}
			}
		}
	}()
}

// startConfigWatcher hot-reloads the config file. Only settings that
// can change without a restart are applied live; the rest are logged.
func (d *daemon) startConfigWatcher() {
	w, err := config.NewConfigWatcher(d.cfgPath)
	if err != nil {
		d.log.Warn("config watcher unavailable", "path", d.cfgPath, "error", err.Error())
		return
	}
	w.OnChange(d.applyConfigChange)
	if err := w.Start(); err != nil {
		d.log.Warn("config watcher failed to start", "error", err.Error())
		return
	}
	d.watcher = w
}

func (d *daemon) applyConfigChange(old, next *config.Config) {
	ctx := context.Background()
	d.log.Info("configuration reloaded", "path", d.cfgPath)

	if old.Detection.AlertMinLevel != next.Detection.AlertMinLevel {
		if level, err := detect.ParseRiskLevel(next.Detection.AlertMinLevel); err == nil {
			d.setMinDispatch(level)
			d.audit.LogConfigChange(ctx, "detection.alert_min_level", old.Detection.AlertMinLevel, next.Detection.AlertMinLevel)
		} else {
			d.log.Warn("ignoring invalid alert_min_level", "value", next.Detection.AlertMinLevel)
		}
	}
	if old.Telemetry.Enabled != next.Telemetry.Enabled {
		metrics.SetMetricsEnabled(next.Telemetry.Enabled)
		d.audit.LogConfigChange(ctx, "telemetry.enabled",
			strconv.FormatBool(old.Telemetry.Enabled), strconv.FormatBool(next.Telemetry.Enabled))
	}
	if old.Storage.RetentionDays != next.Storage.RetentionDays {
		d.cfg.Storage.RetentionDays = next.Storage.RetentionDays
		d.audit.LogConfigChange(ctx, "storage.retention_days",
			strconv.Itoa(old.Storage.RetentionDays), strconv.Itoa(next.Storage.RetentionDays))
	}
	if old.Logging.Level != next.Logging.Level {
		d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, next.Logging.Level)
		d.log.Warn("logging.level change takes effect on restart")
	}

	if old.Storage.Path != next.Storage.Path ||
		old.Dispatch.Transport != next.Dispatch.Transport ||
		!equalStrings(old.Monitor.Channels, next.Monitor.Channels) {
		d.log.Warn("structural config change requires a restart",
			"restart_required", true)
	}
}

// shutdown drains the pipeline in dependency order: intake first, then
// sessions, then the transports and stores under them. The caller has
// already canceled the run context.
func (d *daemon) shutdown(reason string) {
	d.checker.SetReady(false)
	ctx := context.Background()

	if d.sim != nil {
		d.sim.Stop()
	}
	if d.spool != nil {
		d.spool.Stop()
	}
	if d.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		d.httpSrv.Shutdown(shutdownCtx)
		cancel()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.wg.Wait()

	now := time.Now().UnixNano()
	d.monMu.Lock()
	for sessionID, m := range d.monitors {
		m.Stop()
		if d.cfg.Detection.ResetOnSessionEnd {
			d.engine.ResetSession(sessionID)
		}
		if err := d.store.EndSession(sessionID, now); err != nil {
			d.log.Warn("session close failed", "session_id", sessionID, "error", err.Error())
		}
		d.audit.LogSessionEnd(ctx, map[string]interface{}{"session_id": sessionID})
		d.keys.DestroySession(sessionID)
		delete(d.monitors, sessionID)
	}
	d.monMu.Unlock()
	metrics.SetActiveSessions(0)

	if err := d.notifier.Close(); err != nil {
		d.log.Warn("notifier close failed", "error", err.Error())
	}

	d.audit.LogShutdown(ctx, reason)
	d.bus.Close()
	d.keys.Close()
	if err := d.store.Close(); err != nil {
		d.log.Warn("store close failed", "error", err.Error())
	}

	d.log.Info("vigild stopped", "reason", reason)
	d.audit.Close()
	d.log.Sync()
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
