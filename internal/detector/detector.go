// Package detector scores single activities against per-user adaptive
// baselines. The pipeline is: 13-dimension feature extraction, running
// standardization, an unsupervised outlier scorer blended with an optional
// trained regression scorer, and a curated pattern-boost stage for known
// threat cues. The detector is total: it always returns a score and an
// explanation, never an error.
package detector

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sentineliq/sentinel/internal/activity"
)

const (
	// AnomalyThreshold is the ensemble score at or above which an event
	// counts as an anomaly.
	AnomalyThreshold = 0.30

	// scoreCap keeps the boosted score strictly inside the model range.
	// Callers compare against thresholds, never against the cap.
	scoreCap = 0.95
)

// Result is the detector's verdict on one event.
type Result struct {
	IsAnomaly   bool
	Score       float64
	Explanation string
	Fingerprint string
}

// Option customises a Detector.
type Option func(*Detector)

// WithRegression installs a trained regression scorer.
func WithRegression(r *Regression) Option {
	return func(d *Detector) { d.regression = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// Detector holds the shared scaler and the per-user baseline map. Baselines
// are partitioned per user: the map itself is guarded briefly, then each
// user's profile is serialized by its own mutex so distinct users score in
// parallel.
type Detector struct {
	scaler     *Scaler
	regression *Regression
	logger     *slog.Logger

	mu        sync.RWMutex
	baselines map[string]*userBaseline
}

// New creates a Detector with empty baselines.
func New(opts ...Option) *Detector {
	d := &Detector{
		scaler:    NewScaler(),
		logger:    slog.Default(),
		baselines: make(map[string]*userBaseline),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetRegression swaps the trained scorer at runtime (model reload).
func (d *Detector) SetRegression(r *Regression) {
	d.mu.Lock()
	d.regression = r
	d.mu.Unlock()
}

// Detect scores one event. recent is the trailing one-hour context for this
// user, oldest first, and includes the event itself. Features are extracted
// against the baseline as it stood before this event, then the event is
// folded in.
func (d *Detector) Detect(act activity.Activity, recent []activity.Activity) Result {
	b := d.baseline(act.UserID)

	var features [featureCount]float64
	if b == nil {
		features = extractFeatures(act, recent, nil)
	} else {
		b.mu.Lock()
		features = extractFeatures(act, recent, b)
		b.mu.Unlock()
	}

	z := d.scaler.Transform(features)
	d.scaler.Observe(features)

	outlier, flagged := outlierScore(z)
	d.mu.RLock()
	reg := d.regression
	d.mu.RUnlock()

	regScore := outlier
	if reg != nil {
		regScore = reg.Score(z)
	}
	score := 0.6*outlier + 0.4*regScore

	score = min(score+patternBoost(act, recent), scoreCap)

	result := Result{
		IsAnomaly:   score >= AnomalyThreshold || flagged,
		Score:       score,
		Explanation: explain(act, features, score),
		Fingerprint: Fingerprint(act),
	}

	d.updateBaseline(act, recent)
	return result
}

// ResetBaseline drops one user's learned profile.
func (d *Detector) ResetBaseline(userID string) {
	d.mu.Lock()
	delete(d.baselines, userID)
	d.mu.Unlock()
}

// baseline returns the user's profile or nil when none exists yet.
func (d *Detector) baseline(userID string) *userBaseline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baselines[userID]
}

// updateBaseline folds the event into the user's profile, creating it
// lazily on first observation.
func (d *Detector) updateBaseline(act activity.Activity, recent []activity.Activity) {
	d.mu.Lock()
	b, ok := d.baselines[act.UserID]
	if !ok {
		b = newUserBaseline()
		d.baselines[act.UserID] = b
	}
	d.mu.Unlock()

	kinds := make([]activity.Kind, 0, len(recent))
	for _, a := range recent {
		kinds = append(kinds, a.Kind)
	}

	b.mu.Lock()
	b.update(act.Kind, act.Hour(), kinds)
	b.mu.Unlock()
}

// patternBoost adds curated threat-cue increments on top of the ensemble.
func patternBoost(act activity.Activity, recent []activity.Activity) float64 {
	d := act.Details
	var boost float64
	if d.SizeMB > 50 {
		boost += 0.15
	}
	if d.Sensitive {
		boost += 0.20
	}
	if d.External && d.AttachmentSizeMB > 10 {
		boost += 0.25
	}
	if d.OffHours || activity.OffHours(act.Hour()) {
		boost += 0.15
	}
	if d.Suspicious || activity.SuspiciousProcessName(d.ProcessName) || d.SuspiciousKeywords > 0 {
		boost += 0.20
	}
	var sameKind int
	for _, a := range recent {
		if a.Kind == act.Kind {
			sameKind++
		}
	}
	if sameKind >= 10 {
		boost += 0.15
	}
	return boost
}

// explain renders the human-readable reason list for an alert.
func explain(act activity.Activity, features [featureCount]float64, score float64) string {
	d := act.Details
	var reasons []string

	fileSize := d.SizeMB
	if fileSize == 0 {
		fileSize = features[fFileSizeMB]
	}
	if fileSize > 50 {
		reasons = append(reasons, fmt.Sprintf("Large file access (%.1fMB)", fileSize))
	}
	if d.Sensitive || features[fSensitiveCount] > 0 {
		reasons = append(reasons, "Sensitive file access detected")
	}
	if d.Action == activity.ActionDelete || features[fDeleteCount] > 0 {
		reasons = append(reasons, "File deletion detected")
	}

	transfer := d.DataSentMB
	if transfer == 0 {
		transfer = d.AttachmentSizeMB
	}
	if transfer > 50 {
		reasons = append(reasons, fmt.Sprintf("Large data transfer (%.1fMB)", transfer))
	}
	if features[fExternalConns] >= 3 {
		reasons = append(reasons, fmt.Sprintf("Multiple external connections (%d)", int(features[fExternalConns])))
	}

	if d.External && transfer > 10 {
		reasons = append(reasons, "External email with attachment")
	}
	if d.SuspiciousKeywords > 0 {
		reasons = append(reasons, "Suspicious keywords in communication")
	}

	hour := act.Hour()
	if d.OffHours || activity.OffHours(hour) {
		reasons = append(reasons, fmt.Sprintf("Off-hours activity (%d:00)", hour))
	}

	if d.Suspicious || features[fProcessSuspicious] > 0.5 {
		if d.ProcessName != "" {
			reasons = append(reasons, "Suspicious process: "+d.ProcessName)
		} else {
			reasons = append(reasons, "Suspicious process detected")
		}
	}

	if features[fRapidActivity] > 0.5 {
		reasons = append(reasons, "Rapid activity pattern detected")
	}
	if features[fPatternDeviation] > 0.5 {
		reasons = append(reasons, "Behavioral pattern deviation")
	}
	if features[fTemporalAnomaly] > 0.5 {
		reasons = append(reasons, "Unusual timing pattern")
	}

	if act.Kind == activity.KindLogon && (d.GeoAnomaly || d.OffHours) {
		reasons = append(reasons, "Unusual login pattern")
	}

	if len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("ML anomaly detected (%.0f%% confidence)", score*100))
	}
	return strings.Join(reasons, "; ")
}
