// Command server is the SentinelIQ central server binary. It reads its
// configuration from environment variables, opens a PostgreSQL connection
// pool, loads the trained model files when present, wires the detector, the
// scoring engine and the escalation engine behind the REST API, and shuts
// down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/escalate"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/rest"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// serverConfig holds the environment-sourced runtime configuration.
type serverConfig struct {
	// PostgreSQL DSN. Required.
	DSN string

	// HTTP listener address.
	ListenAddr string

	// IANA zone name the API renders timestamps in.
	DisplayTZ string

	// Path to the PEM-encoded RSA public key used to verify JWT tokens on
	// dashboard requests. Empty disables JWT validation (dev only).
	JWTPublicKeyPath string

	// Trained model file locations. Missing files mean untrained defaults.
	ModelPath   string
	WeightsPath string

	// Escalation threshold overrides. Zero keeps the shipped calibration.
	Thresholds escalate.Thresholds

	// Log level: debug | info | warn | error.
	LogLevel string
}

// loadConfig reads the server configuration from the environment.
func loadConfig() (serverConfig, error) {
	cfg := serverConfig{
		DSN:              os.Getenv("DATABASE_URL"),
		ListenAddr:       envOr("LISTEN_ADDR", ":8000"),
		DisplayTZ:        os.Getenv("DISPLAY_TZ"),
		JWTPublicKeyPath: os.Getenv("JWT_PUBLIC_KEY"),
		ModelPath:        envOr("MODEL_PATH", "/var/lib/sentinel/detector.json"),
		WeightsPath:      envOr("WEIGHTS_PATH", "/var/lib/sentinel/its.json"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
	}
	if cfg.DSN == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.Thresholds.Alert, err = envFloat("ALERT_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.Thresholds.Threat, err = envFloat("THREAT_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.Thresholds.IncidentML, err = envFloat("INCIDENT_ML_THRESHOLD"); err != nil {
		return cfg, err
	}
	if cfg.Thresholds.IncidentITS, err = envFloat("INCIDENT_ITS_THRESHOLD"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// scoreStore adapts the storage layer to the scoring engine's directory
// semantics: a missing user row is the engine's unknown-user sentinel, not a
// storage failure.
type scoreStore struct {
	*storage.Store
}

func (s scoreStore) UserRole(ctx context.Context, userID string) (string, error) {
	role, err := s.Store.UserRole(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", its.ErrUnknownUser
	}
	return role, err
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-server: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("sentinel server starting",
		slog.String("listen_addr", cfg.ListenAddr),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(ctx, cfg.DSN)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("PostgreSQL storage connected")

	// Trained models. Missing files fall back to shipped defaults.
	detOpts := []detector.Option{detector.WithLogger(logger)}
	mf, err := detector.LoadModelFile(cfg.ModelPath)
	if err != nil {
		logger.Error("failed to load detector model", slog.String("path", cfg.ModelPath), slog.Any("error", err))
		os.Exit(1)
	}
	if mf.Regression != nil {
		detOpts = append(detOpts, detector.WithRegression(mf.Regression))
		logger.Info("detector model loaded", slog.String("path", cfg.ModelPath))
	}
	det := detector.New(detOpts...)

	scorerOpts := []its.Option{its.WithSnapshotter(store), its.WithLogger(logger)}
	wf, err := its.LoadWeightsFile(cfg.WeightsPath)
	if err != nil {
		logger.Error("failed to load scoring weights", slog.String("path", cfg.WeightsPath), slog.Any("error", err))
		os.Exit(1)
	}
	if wf.Weights != nil {
		scorerOpts = append(scorerOpts, its.WithWeights(*wf.Weights))
		logger.Info("scoring weights loaded", slog.String("path", cfg.WeightsPath))
	}
	scorer := its.NewEngine(scoreStore{store}, scorerOpts...)

	esc := escalate.New(store,
		escalate.WithLogger(logger),
		escalate.WithThresholds(cfg.Thresholds),
	)

	// JWT validation on dashboard routes when a public key is configured.
	var pubKey *rsa.PublicKey
	if cfg.JWTPublicKeyPath != "" {
		pem, err := os.ReadFile(cfg.JWTPublicKeyPath)
		if err != nil {
			logger.Error("failed to read JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		pubKey, err = rest.ParseRSAPublicKey(pem)
		if err != nil {
			logger.Error("failed to parse JWT public key", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("JWT_PUBLIC_KEY not configured; dashboard API authentication disabled (dev mode)")
	}

	restOpts := []rest.ServerOption{rest.WithServerLogger(logger)}
	if cfg.DisplayTZ != "" {
		loc, err := time.LoadLocation(cfg.DisplayTZ)
		if err != nil {
			logger.Error("invalid DISPLAY_TZ", slog.String("zone", cfg.DisplayTZ), slog.Any("error", err))
			os.Exit(1)
		}
		restOpts = append(restOpts, rest.WithDisplayTZ(loc))
	}

	restSrv := rest.NewServer(store, det, scorer, esc, restOpts...)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(restSrv, pubKey),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("sentinel server exited cleanly")
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envFloat parses an optional float environment variable. Unset returns
// zero, which downstream treats as "keep the default".
func envFloat(key string) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
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
