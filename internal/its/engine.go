// Package its computes the per-user Insider Threat Score: a 0-100 aggregate
// over the user's trailing seven-day activity window, scored by a weighted
// ensemble and floored for users whose legitimate activity would otherwise
// read as zero risk.
package its

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// ErrUnknownUser is returned by Store implementations when the user is not
// in the directory. The engine maps it onto a zero score rather than a
// failure so read paths stay total.
var ErrUnknownUser = errors.New("its: unknown user")

const (
	windowDays      = 7
	historicalLimit = 20

	// Floor parameters for users with real but benign activity.
	floorThreshold = 8.0
	floorCeiling   = 20.0

	// noActivityScore is the resting score for a user with no recorded
	// activity at all.
	noActivityScore = 5.0
)

// Store is the persistence surface the engine reads from. Activity slices
// are ordered oldest first.
type Store interface {
	UserRole(ctx context.Context, userID string) (string, error)
	ActivitiesSince(ctx context.Context, userID string, since time.Time) ([]activity.Activity, error)
	LastActivities(ctx context.Context, userID string, limit int) ([]activity.Activity, error)
}

// Snapshotter receives the daily score upsert after every scoring pass.
type Snapshotter interface {
	SaveDailySnapshot(ctx context.Context, userID string, day time.Time, score float64, risk activity.RiskLevel) error
}

// Score is one scoring verdict.
type Score struct {
	Value       float64
	Risk        activity.RiskLevel
	Anomalies   []string
	Explanation string
}

// Option customises an Engine.
type Option func(*Engine)

// WithWeights installs trained ensemble weights instead of the defaults.
func WithWeights(w Weights) Option {
	return func(e *Engine) { e.weights = w }
}

// WithSnapshotter wires the daily-snapshot sink.
func WithSnapshotter(s Snapshotter) Option {
	return func(e *Engine) { e.snapshots = s }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine scores users. Safe for concurrent use; weight swaps from the
// model reloader are serialized against in-flight scoring.
type Engine struct {
	store     Store
	snapshots Snapshotter
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	weights Weights
}

// NewEngine creates an Engine over the given store.
func NewEngine(store Store, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		weights: DefaultWeights(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetWeights swaps the trained ensemble weights at runtime (model reload).
func (e *Engine) SetWeights(w Weights) {
	e.mu.Lock()
	e.weights = w
	e.mu.Unlock()
}

// Score computes the user's current ITS. An unknown user scores zero; a
// known user with no activity at all scores the resting baseline. Store
// failures are the only error path.
func (e *Engine) Score(ctx context.Context, userID string) (Score, error) {
	role, err := e.store.UserRole(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		return Score{Risk: activity.RiskLow, Explanation: "User not found"}, nil
	}
	if err != nil {
		return Score{}, fmt.Errorf("its: look up user %s: %w", userID, err)
	}

	now := e.now()
	acts, err := e.store.ActivitiesSince(ctx, userID, now.AddDate(0, 0, -windowDays))
	if err != nil {
		return Score{}, fmt.Errorf("its: window activities for %s: %w", userID, err)
	}
	if len(acts) == 0 {
		// Quiet week: fall back to the most recent historical activity so
		// long-idle users keep a meaningful baseline.
		acts, err = e.store.LastActivities(ctx, userID, historicalLimit)
		if err != nil {
			return Score{}, fmt.Errorf("its: historical activities for %s: %w", userID, err)
		}
	}
	if len(acts) == 0 {
		sc := Score{
			Value:       noActivityScore,
			Risk:        activity.RiskLow,
			Explanation: "No activity data available - baseline score",
		}
		e.saveSnapshot(ctx, userID, now, sc)
		return sc, nil
	}

	f := summarize(acts, role)
	s := f.signals()

	e.mu.RLock()
	w := e.weights
	e.mu.RUnlock()

	gradient := gradientScore(w, s)
	forest := forestScore(f)
	outlier := outlierNorm(s)
	value := (gradient*gradientWeight + forest*forestWeight + outlier*outlierWeight) * 100

	if value < floorThreshold {
		value = math.Max(value, activityFloor(len(acts), now.Sub(acts[0].Timestamp)))
	}
	value = math.Round(value*100) / 100

	tags := anomalyTags(f)
	sc := Score{
		Value:       value,
		Risk:        activity.RiskFromITS(value),
		Anomalies:   tags,
		Explanation: explainScore(value, gradient, outlier, tags),
	}
	e.saveSnapshot(ctx, userID, now, sc)
	return sc, nil
}

// activityFloor is the minimum score for a user whose window holds real
// activity: more events and fresher events raise it, capped well inside
// the low-risk band.
func activityFloor(count int, oldestAge time.Duration) float64 {
	daysOld := oldestAge.Hours() / 24
	recency := math.Max(0.5, 1-daysOld/windowDays)
	return math.Min(floorThreshold+0.2*float64(count)*recency, floorCeiling)
}

// anomalyTags lists the threshold-guarded findings surfaced with the score.
func anomalyTags(f windowFeatures) []string {
	var tags []string
	if f.offHours {
		tags = append(tags, "Off-hours activity detected")
	}
	if f.geoAnomalies > 0 {
		tags = append(tags, "Geographically impossible login")
	}
	if f.sensitiveAccesses >= 5 {
		tags = append(tags, fmt.Sprintf("High sensitive file access (%d files)", f.sensitiveAccesses))
	}
	if f.externalEmailRatio > 0.5 {
		tags = append(tags, fmt.Sprintf("High external email ratio (%.0f%%)", f.externalEmailRatio*100))
	}
	if f.largeAttachments > 2 {
		tags = append(tags, fmt.Sprintf("Multiple large attachments (%d)", f.largeAttachments))
	}
	if f.suspiciousKeywords > 0 {
		tags = append(tags, "Suspicious keywords in emails")
	}
	if f.downloadMB > 500 {
		tags = append(tags, fmt.Sprintf("Large data download (%.0f MB)", f.downloadMB))
	}
	return tags
}

// explainScore renders the analyst-facing summary line.
func explainScore(value, gradient, outlier float64, tags []string) string {
	var factors []string
	if gradient > 0.6 {
		factors = append(factors, fmt.Sprintf("Classification model confidence: %.0f%%", gradient*100))
	}
	if outlier > 0.7 {
		factors = append(factors, fmt.Sprintf("Anomaly score: %.0f%%", outlier*100))
	}
	if len(factors) > 2 {
		factors = factors[:2]
	}

	explanation := fmt.Sprintf("ITS Score: %.1f/100. ", value) + strings.Join(factors, ". ")
	if len(tags) > 0 {
		if len(tags) > 3 {
			tags = tags[:3]
		}
		explanation += ". Key anomalies: " + strings.Join(tags, ", ")
	}
	return explanation
}

// saveSnapshot upserts the daily score row, best effort.
func (e *Engine) saveSnapshot(ctx context.Context, userID string, now time.Time, sc Score) {
	if e.snapshots == nil {
		return
	}
	day := now.UTC().Truncate(24 * time.Hour)
	if err := e.snapshots.SaveDailySnapshot(ctx, userID, day, sc.Value, sc.Risk); err != nil {
		e.logger.Warn("daily snapshot upsert failed", "user_id", userID, "error", err)
	}
}
