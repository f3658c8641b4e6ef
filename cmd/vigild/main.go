// vigild - encrypted behavioral crisis monitoring daemon
//
//	vigild run        Run the monitoring daemon in the foreground
//	vigild init       Create the data directory, config, and master secret
//	vigild stop       Signal a running daemon to shut down
//	vigild status     Show daemon and archive status
//	vigild validate   Check a configuration file
//	vigild migrate    Migrate a configuration file to the current version
//	vigild alerts     List unacknowledged crisis alerts
//	vigild ack        Acknowledge an alert
//	vigild purge      Purge one session's stored data
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"vigil/internal/config"
	"vigil/internal/keyring"
	"vigil/internal/security"
	"vigil/internal/store"
)

// Version information (set at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cmd := os.Args[1]

	switch cmd {
	case "run":
		cmdRun(os.Args[2:])
	case "init":
		cmdInit()
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "validate":
		cmdValidate(os.Args[2:])
	case "migrate":
		cmdMigrate(os.Args[2:])
	case "alerts":
		cmdAlerts(os.Args[2:])
	case "ack":
		cmdAck(os.Args[2:])
	case "purge":
		cmdPurge(os.Args[2:])
	case "version", "-version", "--version":
		fmt.Printf("vigild %s (commit: %s, built: %s)\n", version, commit, buildTime)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`vigild - Encrypted Behavioral Crisis Monitoring

USAGE:
    vigild <command> [options]

COMMANDS:
    run                 Run the monitoring daemon in the foreground
    init                One-time setup: data directory, config, master secret
    stop                Signal a running daemon to shut down
    status              Show daemon and archive status
    validate            Check a configuration file
    migrate             Migrate a configuration file to the current version
    alerts              List unacknowledged crisis alerts
    ack <alert-id>      Acknowledge an alert
    purge <session-id>  Purge one session's stored data
    version             Print the version
    help                Show this help message

BASIC WORKFLOW:
    1. vigild init                    # One-time setup
    2. vigild run                     # Start monitoring (foreground)
    3. vigild alerts                  # Review open crisis alerts
    4. vigild ack <alert-id> -by me   # Acknowledge after responding

PRIVACY NOTE:
    Behavioral telemetry is encrypted on capture with per-session keys.
    Keystroke analysis uses timing and counts only - key contents are
    never captured. Purging a session destroys its keys; its samples
    become unreadable.`)
}

func cmdInit() {
	paths := config.GetDefaultPaths()

	for _, d := range []string{paths.DataDir, paths.ConfigDir, paths.LogDir, paths.SpoolDir} {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0700); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating directory %s: %v\n", d, err)
			os.Exit(1)
		}
	}

	cfg, created, err := config.LoadOrCreate(paths.ConfigFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating config: %v\n", err)
		os.Exit(1)
	}
	if created {
		fmt.Printf("Wrote default config: %s\n", paths.ConfigFile)
	} else {
		fmt.Printf("Config already exists: %s\n", paths.ConfigFile)
	}

	secretPath := cfg.Keys.SecretPath
	if secretPath == "" {
		secretPath = paths.MasterSecretFile
	}
	if _, err := os.Stat(secretPath); os.IsNotExist(err) {
		fmt.Println("Generating master secret...")
		if err := keyring.GenerateMasterSecret(secretPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error generating master secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  Master secret: %s (0600)\n", secretPath)
	} else {
		fmt.Printf("Master secret already exists: %s\n", secretPath)
	}

	fmt.Println()
	fmt.Println("vigild initialized!")
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Review the config: %s\n", paths.ConfigFile)
	fmt.Println("  2. Start monitoring with 'vigild run'")
	fmt.Println("  3. Check 'vigild status' and the /metrics endpoint")
}

func cmdStop() {
	pidFile := config.GetDefaultPaths().PIDFile
	if !isDaemonRunning(pidFile) {
		fmt.Println("vigild is not running.")
		return
	}
	if err := signalDaemon(pidFile, syscall.SIGTERM); err != nil {
		fmt.Fprintf(os.Stderr, "Error signaling daemon: %v\n", err)
		os.Exit(1)
	}

	// Wait for the daemon to finish its shutdown sequence
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if !isDaemonRunning(pidFile) {
			fmt.Println("vigild stopped.")
			return
		}
	}
	fmt.Println("Stop signal sent; daemon is still shutting down.")
}

func cmdStatus() {
	paths := config.GetDefaultPaths()

	fmt.Println("=== vigild Status ===")
	fmt.Println()

	if _, err := os.Stat(paths.DataDir); os.IsNotExist(err) {
		fmt.Println("Not initialized. Run 'vigild init' first.")
		return
	}
	fmt.Printf("Data directory: %s\n", paths.DataDir)

	configPath := config.FindConfigFile()
	if configPath == "" {
		configPath = paths.ConfigFile
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config: %s (version %d)\n", configPath, cfg.Version)
	fmt.Printf("Channels: %s\n", strings.Join(cfg.Monitor.Channels, ", "))
	fmt.Printf("Retention: %s\n", cfg.Monitor.Retention)
	fmt.Printf("Alert transport: %s\n", cfg.Dispatch.Transport)

	if isDaemonRunning(paths.PIDFile) {
		fmt.Println("Daemon: RUNNING")
	} else {
		fmt.Println("Daemon: STOPPED")
	}

	secretPath := cfg.Keys.SecretPath
	if _, err := os.Stat(secretPath); err == nil {
		fmt.Printf("Master secret: present (%s)\n", secretPath)
	} else {
		fmt.Println("Master secret: MISSING (run 'vigild init')")
		return
	}

	if _, err := os.Stat(cfg.Storage.Path); os.IsNotExist(err) {
		fmt.Println("Archive: not created yet")
		return
	}

	keys, st, err := openRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening archive: %v\n", err)
		os.Exit(1)
	}
	defer keys.Close()
	defer st.Close()

	stats, err := st.GetStats()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading archive stats: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("Archive: %s\n", cfg.Storage.Path)
	fmt.Printf("  Sessions: %d (%d active)\n", stats.SessionCount, stats.ActiveSessions)
	fmt.Printf("  Alerts: %d (%d open)\n", stats.AlertCount, stats.OpenAlerts)
	fmt.Printf("  Audit chain: %d entries\n", stats.AuditCount)
	if st.IntegrityOK() {
		fmt.Println("  Integrity: chain verified")
	} else {
		fmt.Println("  Integrity: VERIFICATION FAILED")
	}
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to validate (default: discovered)")
	fs.Parse(args)

	path := *configPath
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
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

	err = cfg.Validate()
	if err == nil {
		fmt.Printf("%s: OK\n", path)
		return
	}

	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		fmt.Fprintf(os.Stderr, "Error validating config: %v\n", err)
		os.Exit(1)
	}

	for _, w := range verrs.Warnings() {
		fmt.Printf("warning: %s\n", w.Error())
	}
	for _, e := range verrs.Errors() {
		fmt.Printf("error: %s\n", e.Error())
	}
	if verrs.HasErrors() {
		os.Exit(1)
	}
	fmt.Printf("%s: OK (%d warnings)\n", path, len(verrs.Warnings()))
}

func cmdMigrate(args []string) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	configPath := fs.String("config", "", "config file to migrate (default: discovered)")
	fs.Parse(args)

	path := *configPath
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "No config file found.")
		os.Exit(1)
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Version >= config.Version {
		fmt.Printf("%s is up to date (version %d).\n", path, cfg.Version)
		return
	}

	result, err := config.MigrateConfig(cfg, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	if err := config.SaveConfig(cfg, path); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving migrated config: %v\n", err)
		os.Exit(1)
	}
	_ = config.SaveMigrationHistory(result)

	fmt.Printf("Migrated %s: version %d -> %d\n", path, result.FromVersion, result.ToVersion)
	if result.Backup != "" {
		fmt.Printf("Backup: %s\n", result.Backup)
	}
	for _, c := range result.Changes {
		fmt.Printf("  - %s\n", c)
	}
	for _, w := range result.Warnings {
		fmt.Printf("  warning: %s\n", w)
	}
}

func cmdAlerts(args []string) {
	fs := flag.NewFlagSet("alerts", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: discovered)")
	fs.Parse(args)

	cfg := mustLoadConfig(*configPath)
	keys, st, err := openRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening archive: %v\n", err)
		os.Exit(1)
	}
	defer keys.Close()
	defer st.Close()

	alerts, err := st.OpenAlerts()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing alerts: %v\n", err)
		os.Exit(1)
	}

	if len(alerts) == 0 {
		fmt.Println("No open alerts.")
		return
	}

	fmt.Printf("%d open alert(s):\n\n", len(alerts))
	for _, a := range alerts {
		created := time.Unix(0, a.CreatedAtNs)
		flag := ""
		if a.RequiresEscalation {
			flag = "  ESCALATION REQUIRED"
		}
		fmt.Printf("  %s\n", a.ID)
		fmt.Printf("    session:  %s\n", a.SessionID)
		fmt.Printf("    type:     %s\n", a.Type)
		fmt.Printf("    severity: %s (score %.2f)%s\n", a.Severity, a.Score, flag)
		fmt.Printf("    created:  %s (%s ago)\n\n",
			created.Format(time.RFC3339), time.Since(created).Round(time.Second))
	}
	fmt.Println("Acknowledge with 'vigild ack <alert-id> -by <responder>'.")
}

func cmdAck(args []string) {
	fs := flag.NewFlagSet("ack", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: discovered)")
	by := fs.String("by", "", "responder acknowledging the alert")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: vigild ack <alert-id> [-by responder]")
		os.Exit(1)
	}
	alertID := fs.Arg(0)

	responder := *by
	if responder == "" {
		responder = os.Getenv("USER")
	}
	if responder == "" {
		responder = "unknown"
	}

	cfg := mustLoadConfig(*configPath)
	keys, st, err := openRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening archive: %v\n", err)
		os.Exit(1)
	}
	defer keys.Close()
	defer st.Close()

	if err := st.AcknowledgeAlert(alertID, responder, time.Now().UnixNano()); err != nil {
		fmt.Fprintf(os.Stderr, "Error acknowledging alert: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Alert %s acknowledged by %s.\n", alertID, responder)
}

func cmdPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	configPath := fs.String("config", "", "config file (default: discovered)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: vigild purge <session-id>")
		os.Exit(1)
	}
	sessionID := fs.Arg(0)

	cfg := mustLoadConfig(*configPath)
	keys, st, err := openRuntime(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening archive: %v\n", err)
		os.Exit(1)
	}
	defer keys.Close()
	defer st.Close()

	removed, err := st.PurgeSession(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error purging session: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Purged session %s: %d rows removed.\n", sessionID, removed)
	fmt.Println("The audit chain records the purge; behavioral content is gone.")
}

// mustLoadConfig loads the config for a CLI subcommand, discovering the
// path when none is given.
func mustLoadConfig(path string) *config.Config {
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openRuntime provisions the keyring and opens the archive the way the
// daemon does. A compromised audit chain is reported but does not block
// read-only inspection.
func openRuntime(cfg *config.Config) (*keyring.Manager, *store.Store, error) {
	keys, err := buildKeyring(cfg)
	if err != nil {
		return nil, nil, err
	}

	hmacKey, err := keys.DeriveKey("audit-store", security.KeySize)
	if err != nil {
		keys.Close()
		return nil, nil, err
	}

	st, err := store.Open(cfg.Storage.Path, hmacKey)
	if err != nil {
		if st != nil && errors.Is(err, store.ErrIntegrityCompromised) {
			fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
			return keys, st, nil
		}
		keys.Close()
		return nil, nil, err
	}
	return keys, st, nil
}

// buildKeyring provisions the master secret per the keys config:
// environment first, then the secret file, generating it when allowed.
func buildKeyring(cfg *config.Config) (*keyring.Manager, error) {
	if cfg.Keys.SecretEnv != "" && os.Getenv(cfg.Keys.SecretEnv) != "" {
		return keyring.NewManagerFromEnv(cfg.Keys.SecretEnv)
	}

	keys, err := keyring.NewManagerFromFile(cfg.Keys.SecretPath)
	if err == nil {
		return keys, nil
	}
	if !errors.Is(err, keyring.ErrNoMasterSecret) || !cfg.Keys.GenerateIfMissing {
		return nil, err
	}

	if err := keyring.GenerateMasterSecret(cfg.Keys.SecretPath); err != nil {
		return nil, err
	}
	return keyring.NewManagerFromFile(cfg.Keys.SecretPath)
}

// isDaemonRunning reports whether the PID file names a live process.
func isDaemonRunning(pidFile string) bool {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// On Unix, FindProcess always succeeds. Send signal 0 to check if process exists.
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

// signalDaemon delivers a signal to the process named by the PID file.
func signalDaemon(pidFile string, sig os.Signal) error {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Signal(sig)
}

// writePIDFile records the daemon's PID for status and stop.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0600)
}
