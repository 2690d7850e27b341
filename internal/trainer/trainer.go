// Package trainer refits the detection models from stored history on a
// fixed schedule. Each cycle labels the lookback window's events with the
// alerts they raised, fits the detector's logistic stage and the scoring
// engine's gradient weights, and atomically replaces the model files the
// serving processes load.
package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

const (
	// DefaultInterval is how often a training cycle runs.
	DefaultInterval = 24 * time.Hour

	// DefaultLookback is the stored history each cycle fits against.
	DefaultLookback = 90 * 24 * time.Hour

	// detectorWindow is the trailing context rebuilt around each stored
	// event, matching what the detector saw at ingest time.
	detectorWindow = time.Hour
)

// Store is the subset of storage.Store methods the trainer reads.
type Store interface {
	ListUsers(ctx context.Context) ([]storage.User, error)
	ActivitiesSince(ctx context.Context, userID string, since time.Time) ([]activity.Activity, error)
	AlertedActivityIDs(ctx context.Context, since time.Time) (map[int64]struct{}, error)
}

// Config holds the trainer's schedule and output paths.
type Config struct {
	// Interval between training cycles. Zero means DefaultInterval.
	Interval time.Duration

	// Lookback bounds the history each cycle fits against. Zero means
	// DefaultLookback.
	Lookback time.Duration

	// ModelPath is where the detector regression file is written.
	ModelPath string

	// WeightsPath is where the scoring-engine weights file is written.
	WeightsPath string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Trainer runs the periodic refit loop.
type Trainer struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Trainer. Zero-valued Config fields take their defaults.
func New(store Store, cfg Config) *Trainer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Trainer{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Run executes one cycle immediately and then one per interval until the
// context is cancelled. Cycle failures are logged, not fatal: the previous
// model files stay in place and the next tick retries.
func (t *Trainer) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := t.RunOnce(ctx); err != nil {
			t.logger.Error("training cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes a single training cycle. Insufficient history for either
// model is a logged skip, not an error: the shipped or previously trained
// weights keep serving.
func (t *Trainer) RunOnce(ctx context.Context) error {
	since := t.now().UTC().Add(-t.cfg.Lookback)

	alerted, err := t.store.AlertedActivityIDs(ctx, since)
	if err != nil {
		return fmt.Errorf("trainer: load alert labels: %w", err)
	}
	users, err := t.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("trainer: list users: %w", err)
	}

	var (
		detExamples []detector.TrainingExample
		itsExamples []its.TrainingExample
	)
	for _, u := range users {
		acts, err := t.store.ActivitiesSince(ctx, u.UserID, since)
		if err != nil {
			return fmt.Errorf("trainer: load history for %s: %w", u.UserID, err)
		}
		detExamples = append(detExamples, eventExamples(acts, alerted)...)
		itsExamples = append(itsExamples, dayExamples(acts, u.Role, alerted)...)
	}

	t.logger.Info("training cycle started",
		"users", len(users), "event_examples", len(detExamples), "day_examples", len(itsExamples))

	trained := 0

	reg, err := detector.FitRegression(detExamples)
	switch {
	case errors.Is(err, detector.ErrInsufficientData):
		t.logger.Info("detector refit skipped", "reason", "insufficient data", "examples", len(detExamples))
	case err != nil:
		return fmt.Errorf("trainer: fit detector: %w", err)
	default:
		if err := writeJSONAtomic(t.cfg.ModelPath, detector.ModelFile{Regression: reg}); err != nil {
			return fmt.Errorf("trainer: write model file: %w", err)
		}
		trained++
		t.logger.Info("detector model written", "path", t.cfg.ModelPath)
	}

	w, err := its.FitWeights(itsExamples)
	switch {
	case errors.Is(err, its.ErrInsufficientData):
		t.logger.Info("scoring refit skipped", "reason", "insufficient data", "examples", len(itsExamples))
	case err != nil:
		return fmt.Errorf("trainer: fit scoring weights: %w", err)
	default:
		if err := writeJSONAtomic(t.cfg.WeightsPath, its.WeightsFile{Weights: &w}); err != nil {
			return fmt.Errorf("trainer: write weights file: %w", err)
		}
		trained++
		t.logger.Info("scoring weights written", "path", t.cfg.WeightsPath)
	}

	t.logger.Info("training cycle finished", "models_written", trained)
	return nil
}

// eventExamples rebuilds each event's trailing one-hour window from the
// chronological history and labels it against the alert set.
func eventExamples(acts []activity.Activity, alerted map[int64]struct{}) []detector.TrainingExample {
	examples := make([]detector.TrainingExample, 0, len(acts))
	start := 0
	for i, act := range acts {
		cutoff := act.Timestamp.Add(-detectorWindow)
		for start < i && acts[start].Timestamp.Before(cutoff) {
			start++
		}
		var label float64
		if _, ok := alerted[act.ID]; ok {
			label = 1
		}
		examples = append(examples, detector.ExtractTrainingExample(act, acts[start:i+1], label))
	}
	return examples
}

// dayExamples buckets the history into UTC calendar days; a day is positive
// when any of its events raised an alert.
func dayExamples(acts []activity.Activity, role string, alerted map[int64]struct{}) []its.TrainingExample {
	type bucket struct {
		acts  []activity.Activity
		label float64
	}
	days := make(map[time.Time]*bucket)
	order := make([]time.Time, 0)
	for _, act := range acts {
		day := act.Timestamp.UTC().Truncate(24 * time.Hour)
		b, ok := days[day]
		if !ok {
			b = &bucket{}
			days[day] = b
			order = append(order, day)
		}
		b.acts = append(b.acts, act)
		if _, hit := alerted[act.ID]; hit {
			b.label = 1
		}
	}

	examples := make([]its.TrainingExample, 0, len(order))
	for _, day := range order {
		b := days[day]
		examples = append(examples, its.ExtractTrainingExample(b.acts, role, b.label))
	}
	return examples
}

// writeJSONAtomic writes v as JSON to a temp file in the target directory
// and renames it into place, so readers never see a torn model file.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".model-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
