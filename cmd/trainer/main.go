// Command trainer is the SentinelIQ model-retraining scheduler. It reads
// its configuration from environment variables, connects to the same
// PostgreSQL database the server uses, and refits the detection models from
// stored history on a fixed interval, replacing the model files atomically.
// It stops cleanly on SIGTERM or SIGINT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sentineliq/sentinel/internal/server/storage"
	"github.com/sentineliq/sentinel/internal/trainer"
)

// trainerConfig holds the environment-sourced runtime configuration.
type trainerConfig struct {
	// PostgreSQL DSN. Required.
	DSN string

	// Interval between training cycles.
	Interval time.Duration

	// Lookback bounds the history each cycle fits against.
	Lookback time.Duration

	// Output locations for the trained model files.
	ModelPath   string
	WeightsPath string

	// Log level: debug | info | warn | error.
	LogLevel string
}

// loadConfig reads the trainer configuration from the environment.
func loadConfig() (trainerConfig, error) {
	cfg := trainerConfig{
		DSN:         os.Getenv("DATABASE_URL"),
		ModelPath:   envOr("MODEL_PATH", "/var/lib/sentinel/detector.json"),
		WeightsPath: envOr("WEIGHTS_PATH", "/var/lib/sentinel/its.json"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
	}
	if cfg.DSN == "" {
		return cfg, errors.New("DATABASE_URL is required")
	}

	var err error
	if cfg.Interval, err = envDuration("TRAIN_INTERVAL"); err != nil {
		return cfg, err
	}
	if cfg.Lookback, err = envDuration("TRAIN_LOOKBACK"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	once := flag.Bool("once", false, "run a single training cycle and exit")
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "sentinel-trainer: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("sentinel trainer starting",
		slog.Duration("interval", cfg.Interval),
		slog.String("model_path", cfg.ModelPath),
		slog.String("weights_path", cfg.WeightsPath),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := storage.New(ctx, cfg.DSN)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("PostgreSQL storage connected")

	tr := trainer.New(store, trainer.Config{
		Interval:    cfg.Interval,
		Lookback:    cfg.Lookback,
		ModelPath:   cfg.ModelPath,
		WeightsPath: cfg.WeightsPath,
		Logger:      logger,
	})

	if *once {
		if err := tr.RunOnce(ctx); err != nil {
			logger.Error("training cycle failed", slog.Any("error", err))
			os.Exit(1)
		}
		logger.Info("sentinel trainer exited cleanly")
		return
	}

	if err := tr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("trainer stopped", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("sentinel trainer exited cleanly")
}

// envOr returns the environment value for key, or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an optional duration environment variable. Unset
// returns zero, which downstream treats as "keep the default".
func envDuration(key string) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
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
