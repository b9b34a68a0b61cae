package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/onllm-dev/onpulse/internal/agent"
	"github.com/onllm-dev/onpulse/internal/api"
	"github.com/onllm-dev/onpulse/internal/auth"
	"github.com/onllm-dev/onpulse/internal/config"
	"github.com/onllm-dev/onpulse/internal/notify"
	"github.com/onllm-dev/onpulse/internal/reconcile"
	"github.com/onllm-dev/onpulse/internal/store"
	"github.com/onllm-dev/onpulse/internal/tracker"
	"github.com/onllm-dev/onpulse/internal/web"
)

//go:embed VERSION
var embeddedVersion string

var version = "dev"

func init() {
	if version == "dev" {
		version = strings.TrimSpace(embeddedVersion)
	}
}

// Background job schedules.
const (
	tokenKeeperSchedule  = "@every 5m"
	tokenRefreshWithin   = 10 * time.Minute
	housekeepingSchedule = "@every 15m"
	jobTimeout           = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var pidFile = filepath.Join(defaultPIDDir(), "onpulse.pid")

// hasCommand checks if any of the given commands/flags exist in os.Args[1:].
func hasCommand(cmds ...string) bool {
	for _, arg := range os.Args[1:] {
		for _, cmd := range cmds {
			if arg == cmd {
				return true
			}
		}
	}
	return false
}

// app holds the wired components of a running onPulse instance.
type app struct {
	store     *store.Store
	client    *api.OuraClient
	gate      *auth.Gate
	scheduler *agent.Scheduler
	server    *web.Server
	logger    *slog.Logger
}

// newApp wires every component from cfg. It starts nothing.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := store.New(cfg.DBPath, cfg.JWTSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	tokens, err := store.NewTokenStore(db, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load oura tokens: %w", err)
	}

	client := api.NewOuraClient(api.OuraCredentials{
		ClientID:     cfg.OuraClientID,
		ClientSecret: cfg.OuraClientSecret,
		RedirectURI:  cfg.OuraRedirectURI,
	}, logger,
		api.WithOuraBaseURL(cfg.OuraAPIBaseURL),
		api.WithOuraTokenURL(cfg.OuraTokenURL),
		api.WithOuraAuthorizeURL(cfg.OuraAuthorizeURL),
		api.WithOuraTimeout(cfg.UpstreamTimeout),
		api.WithOuraTokenStore(tokens),
	)

	reconciler := reconcile.New(client, logger, reconcile.WithCacheTTL(cfg.CacheTTL))
	client.SetOnTokenChange(func(connected bool) {
		// Cached ranges belong to the previous account or token.
		reconciler.Purge()
		logger.Info("oura connection changed", "connected", connected)
	})
	tr := tracker.New(reconciler, client, logger)

	var mailer auth.Mailer
	if cfg.HasSMTP() {
		mailer = notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			FromAddr: cfg.SMTPFrom,
		}, logger)
	} else {
		logger.Warn("SMTP not configured, 2FA codes will be written to the log")
	}

	gate, err := auth.NewGate(db, auth.Config{
		Secret:        cfg.JWTSecret,
		SessionTTL:    cfg.JWTExpiresIn,
		AllowedEmail:  cfg.AllowedEmail,
		AdminPassword: cfg.AdminPass,
	}, mailer, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set up session gate: %w", err)
	}

	scheduler := agent.New(jobTimeout, logger)
	if err := scheduler.AddJob(tokenKeeperSchedule, agent.NewTokenKeeper(client, tokenRefreshWithin, logger)); err != nil {
		db.Close()
		return nil, err
	}
	if err := scheduler.AddJob(housekeepingSchedule, agent.NewHousekeeper(db, logger)); err != nil {
		db.Close()
		return nil, err
	}

	handler := web.NewHandler(gate, client, reconciler, tr, cfg.ClientURL, logger)
	handler.SetConnectedSince(tokens.ConnectedSince)
	server := web.NewServer(cfg.Host, cfg.Port, handler, gate, cfg.CORSOrigins, logger)

	return &app{
		store:     db,
		client:    client,
		gate:      gate,
		scheduler: scheduler,
		server:    server,
		logger:    logger,
	}, nil
}

// shutdown stops the scheduler and server, then closes the database.
func (a *app) shutdown(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("Server shutdown error", "error", err)
	}
	a.scheduler.Stop()
	if err := a.store.Close(); err != nil {
		a.logger.Error("Database close error", "error", err)
	}
}

func run() error {
	if hasCommand("--version", "-v", "version") {
		fmt.Printf("onPulse v%s\n", version)
		fmt.Println("github.com/onllm-dev/onpulse")
		return nil
	}
	if hasCommand("--help", "-h") {
		printHelp()
		return nil
	}
	if hasCommand("stop", "--stop") {
		return runStop()
	}
	if hasCommand("status", "--status") {
		return runStatus()
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logWriter, err := cfg.LogWriter()
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer func() {
		if closer, ok := logWriter.(interface{ Close() error }); ok {
			closer.Close()
		}
	}()

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if cfg.DebugMode {
		printBanner(cfg, version)
	}
	logger.Info("onPulse starting", "version", version, "config", cfg.String())

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}

	if err := writePIDFile(cfg.Port); err != nil {
		logger.Warn("could not write PID file", "error", err)
	}
	defer removePIDFile()

	if !cfg.HasOuraCredentials() {
		logger.Warn("Oura OAuth client credentials not configured; connecting an account will fail")
	}
	if a.client.HasValidSession() {
		logger.Info("Restored Oura connection from database")
	}

	// Refresh a stale token and prune leftovers before serving.
	a.scheduler.RunNow(agent.NewTokenKeeper(a.client, tokenRefreshWithin, logger))
	a.scheduler.RunNow(agent.NewHousekeeper(a.store, logger))
	a.scheduler.Start()

	serverErr := make(chan error, 1)
	go func() {
		if err := a.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received signal, shutting down gracefully", "signal", sig)
	case runErr = <-serverErr:
		logger.Error("Server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.shutdown(shutdownCtx)

	logger.Info("Shutdown complete")
	return runErr
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// writePIDFile records "PID:PORT" for the stop and status commands.
func writePIDFile(port int) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(pidFile, []byte(fmt.Sprintf("%d:%d", os.Getpid(), port)), 0o644)
}

func removePIDFile() {
	os.Remove(pidFile)
}

// readPIDFile parses "PID:PORT" (or a bare PID).
func readPIDFile() (pid, port int, err error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, 0, err
	}
	pidStr, portStr, _ := strings.Cut(strings.TrimSpace(string(data)), ":")
	pid, err = strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, 0, fmt.Errorf("malformed PID file %s", pidFile)
	}
	port, _ = strconv.Atoi(portStr)
	return pid, port, nil
}

// runStop signals the instance recorded in the PID file to shut down.
func runStop() error {
	pid, port, err := readPIDFile()
	if err != nil {
		fmt.Println("No running onpulse instance found")
		return nil
	}
	if pid == os.Getpid() {
		return nil
	}
	if err := terminateProcess(pid); err != nil {
		fmt.Printf("Process %d not running (stale PID file)\n", pid)
		removePIDFile()
		return nil
	}
	fmt.Printf("Stopped onpulse (PID %d) on port %d\n", pid, port)
	return nil
}

// runStatus reports whether the recorded instance answers its health check.
func runStatus() error {
	pid, port, err := readPIDFile()
	if err != nil {
		fmt.Println("onpulse is not running")
		return nil
	}
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/healthz", port))
	if err != nil {
		fmt.Printf("onpulse (PID %d) is not responding on port %d\n", pid, port)
		return nil
	}
	resp.Body.Close()
	fmt.Printf("onpulse is running (PID %d, port %d, health %s)\n", pid, port, resp.Status)
	return nil
}

func printBanner(cfg *config.Config, version string) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Printf("║  onPulse v%-27s║\n", version)
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  API:       http://%s:%-13d║\n", "localhost", cfg.Port)
	fmt.Printf("║  Client:    %-25s║\n", truncate(cfg.ClientURL, 25))
	fmt.Printf("║  DB:        %-25s║\n", truncate(cfg.DBPath, 25))
	fmt.Println("╚══════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Allowed user:   %s\n", cfg.AllowedEmail)
	if cfg.HasOuraCredentials() {
		fmt.Printf("Oura client:    %s\n", cfg.OuraClientID)
	} else {
		fmt.Println("Oura client:    (not set)")
	}
	if cfg.HasSMTP() {
		fmt.Printf("SMTP:           %s:%d\n", cfg.SMTPHost, cfg.SMTPPort)
	} else {
		fmt.Println("SMTP:           (not set, 2FA codes logged)")
	}
	fmt.Println()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-(n-3):]
}

func printHelp() {
	fmt.Println("onPulse - Oura Ring health dashboard API")
	fmt.Println()
	fmt.Println("Usage: onpulse [COMMAND] [OPTIONS]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  stop, --stop       Stop the running onpulse instance")
	fmt.Println("  status, --status   Show status of the running instance")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  version, --version Print version and exit")
	fmt.Println("  --help             Print this help message")
	fmt.Println("  --port PORT        HTTP port (default: 3001)")
	fmt.Println("  --db PATH          SQLite database file path (default: ~/.onpulse/data/onpulse.db)")
	fmt.Println("  --debug            Log to stdout at debug level and print a banner")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  OURA_CLIENT_ID          Oura OAuth application client id")
	fmt.Println("  OURA_CLIENT_SECRET      Oura OAuth application client secret")
	fmt.Println("  OURA_REDIRECT_URI       OAuth callback URL (default: http://localhost:PORT/api/oauth/callback)")
	fmt.Println("  JWT_SECRET              Signing secret for session credentials (required)")
	fmt.Println("  JWT_EXPIRES_IN          Session lifetime, e.g. 24h (default: 24h)")
	fmt.Println("  ALLOWED_EMAIL           The single user allowed to sign in (required)")
	fmt.Println("  ONPULSE_ADMIN_PASS      Initial password for ALLOWED_EMAIL")
	fmt.Println("  CLIENT_URL              Frontend URL for OAuth redirects (default: http://localhost:3000)")
	fmt.Println("  ONPULSE_PORT            HTTP port (falls back to PORT)")
	fmt.Println("  ONPULSE_DB_PATH         SQLite database file path")
	fmt.Println("  ONPULSE_LOG_LEVEL       Log level: debug, info, warn, error")
	fmt.Println("  ONPULSE_CACHE_TTL       Reconciled range cache TTL in seconds (0 disables)")
	fmt.Println("  SMTP_HOST, SMTP_PORT    Mail server for 2FA codes")
	fmt.Println("  SMTP_USER, SMTP_PASS    Mail server credentials")
	fmt.Println("  SMTP_FROM               Sender address")
	fmt.Println()
	fmt.Println("Configure in a .env file or environment variables.")
}
