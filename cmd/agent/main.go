// Command agent is the SentinelIQ endpoint agent binary. It loads an
// optional YAML configuration file (flags override file values), verifies
// the monitored user against the central server, starts the enabled
// observers with the offline queue and HTTP transport, exposes a local
// /healthz + /metrics endpoint, and shuts down gracefully on SIGTERM or
// SIGINT, printing a session summary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentineliq/sentinel/internal/agent"
	"github.com/sentineliq/sentinel/internal/config"
	"github.com/sentineliq/sentinel/internal/observer"
	"github.com/sentineliq/sentinel/internal/queue"
	"github.com/sentineliq/sentinel/internal/transport"
)

// offlineQueueCapacity bounds the SQLite spill queue; beyond this the oldest
// rows are evicted.
const offlineQueueCapacity = 1000

func main() {
	configPath := flag.String("config", "", "path to the agent YAML configuration file (optional)")
	userID := flag.String("user-id", "", "directory id of the monitored user (e.g. U001); overrides config")
	serverURL := flag.String("server", "", "base URL of the central ingest service; overrides config")
	pollInterval := flag.Duration("interval", 0, "observer drain cadence (e.g. 5s); overrides config")
	uploadInterval := flag.Duration("alert-interval", 0, "server flush cadence (e.g. 20s); overrides config")
	logLevel := flag.String("log-level", "", "log level: debug | info | warn | error; overrides config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-agent: %v\n", err)
		os.Exit(1)
	}

	// Flags win over file values.
	if *userID != "" {
		cfg.UserID = *userID
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *pollInterval > 0 {
		cfg.PollInterval = *pollInterval
	}
	if *uploadInterval > 0 {
		cfg.UploadInterval = *uploadInterval
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-agent: invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", *configPath),
		slog.String("user_id", cfg.UserID),
		slog.String("server_url", cfg.ServerURL),
		slog.String("log_level", cfg.LogLevel),
		slog.String("health_addr", cfg.HealthAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := transport.NewMetrics()
	client := transport.New(cfg.ServerURL, logger,
		transport.WithRetryPolicy(cfg.MaxRetries, cfg.RetryBaseDelay, 30*time.Second),
		transport.WithTimeout(cfg.ConnectTimeout),
		transport.WithMetrics(metrics),
	)

	// Handshake: an unknown user is fatal, an unreachable server is not.
	// The agent keeps collecting into the offline queue either way.
	verifyCtx, verifyCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	profile, err := client.VerifyUser(verifyCtx, cfg.UserID)
	verifyCancel()
	switch {
	case errors.Is(err, transport.ErrUserNotFound):
		logger.Error("user is not registered on the server; refusing to start",
			slog.String("user_id", cfg.UserID))
		os.Exit(1)
	case err != nil:
		fmt.Fprintf(os.Stderr, `sentinel-agent: cannot reach the server at %s: %v
Possible causes:
  - the server address is wrong (check -server / server_url)
  - a firewall is blocking the connection
  - the server is not running
  - this machine has no network connectivity
Starting in degraded mode: events will queue locally until the server is reachable.
`, cfg.ServerURL, err)
		logger.Warn("server unreachable at startup; running degraded",
			slog.String("server_url", cfg.ServerURL), slog.Any("error", err))
	default:
		logger.Info("user verified", slog.String("user_id", cfg.UserID),
			slog.String("role", profile.Role))
	}

	// Observers per config toggles.
	var observers []observer.Observer
	if cfg.Observers.FileEnabled() {
		observers = append(observers, observer.NewFileObserver(cfg.MonitoredPaths, cfg.SensitivePatterns, logger))
	}
	if cfg.Observers.ProcessEnabled() {
		observers = append(observers, observer.NewProcessObserver(logger))
	}
	if cfg.Observers.NetworkEnabled() {
		observers = append(observers, observer.NewNetworkObserver(logger))
	}
	if cfg.Observers.LoginEnabled() {
		observers = append(observers, observer.NewLoginObserver(logger))
	}
	if len(observers) == 0 {
		logger.Warn("all observers disabled; agent will send nothing")
	}

	offline, err := queue.New(cfg.QueuePath, offlineQueueCapacity)
	if err != nil {
		logger.Error("failed to open offline queue", slog.String("path", cfg.QueuePath), slog.Any("error", err))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	ag := agent.New(
		agent.Identity{
			UserID:   cfg.UserID,
			DeviceID: deviceID(cfg.UserID, hostname),
			Hostname: hostname,
		},
		observers, client, offline, logger,
		agent.WithIntervals(cfg.PollInterval, cfg.UploadInterval),
		agent.WithBatchSize(cfg.BatchSize),
		agent.WithMetrics(metrics),
	)

	if err := ag.Start(ctx); err != nil {
		logger.Error("failed to start agent", slog.Any("error", err))
		os.Exit(1)
	}

	// Local health and metrics endpoint.
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","queue_depth":%d}`, offline.Depth())
	})
	mux.Handle("/metrics", metrics.Handler())

	healthServer := &http.Server{
		Addr:         cfg.HealthAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("health server listening", slog.String("addr", cfg.HealthAddr))
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server error", slog.Any("error", err))
		}
	}()

	// Block until SIGTERM or SIGINT.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	// Graceful shutdown: drain the aggregator first, then the HTTP server,
	// then close the queue.
	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("health server shutdown error", slog.Any("error", err))
	}
	if err := offline.Close(); err != nil {
		logger.Warn("offline queue close error", slog.Any("error", err))
	}

	logger.Info("session summary", slog.String("stats", ag.Stats().Summary()))
	logger.Info("sentinel agent exited cleanly")
}

// deviceID derives a stable endpoint identifier from the user and host.
func deviceID(userID, hostname string) string {
	if hostname == "" {
		hostname = "unknown-host"
	}
	return userID + "@" + hostname
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
