// Package escalate drives the three-tier escalation state machine: a
// flagged anomaly becomes an Alert, a high-confidence alert becomes a
// Threat, and serious threats auto-promote to Incidents. Fingerprint
// bookkeeping deduplicates identical anomalies and suppresses repeats for a
// fixed window.
package escalate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

const (
	// AlertThreshold is the ML score at or above which an anomaly opens a
	// Tier-1 alert.
	AlertThreshold = 0.30

	// ThreatThreshold is the ML score at or above which an alert promotes
	// to a Tier-2 threat.
	ThreatThreshold = 0.75

	// IncidentMLThreshold is the ML score that forces Tier-3 promotion on
	// its own.
	IncidentMLThreshold = 0.90

	// IncidentITSThreshold is the aggregate score that forces Tier-3
	// promotion on its own.
	IncidentITSThreshold = 65.0

	// SuppressionWindow is how long a fingerprint stays quiet after its
	// first alert.
	SuppressionWindow = 24 * time.Hour

	// DedupWindow is how far back an open incident absorbs new promotions
	// for the same user.
	DedupWindow = 2 * time.Hour
)

// Status is the ingest verdict reported back to the agent.
type Status string

const (
	StatusOK               Status = "ok"
	StatusAlertGenerated   Status = "alert_generated"
	StatusSuppressed       Status = "suppressed"
	StatusAlreadyEscalated Status = "already_escalated"
)

// Outcome summarizes one pass through the state machine.
type Outcome struct {
	Status      Status
	AlertID     int64
	MLScore     float64
	ITSScore    float64
	Risk        activity.RiskLevel
	Anomalies   []string
	Explanation string
	Timestamp   time.Time
	ThreatID    *int64
	IncidentID  *int64
}

// Store is the persistence surface the engine drives.
type Store interface {
	GetFingerprint(ctx context.Context, hash string) (*storage.Fingerprint, error)
	ObserveFingerprint(ctx context.Context, hash, userID string, seen time.Time) (*storage.Fingerprint, error)
	SuppressFingerprint(ctx context.Context, hash string, until time.Time) error
	MarkFingerprintEscalated(ctx context.Context, hash string) error

	CreateAnomalyAlert(ctx context.Context, a storage.AnomalyAlert) (int64, error)
	OpenAnomalyAlertByFingerprint(ctx context.Context, hash string) (*storage.AnomalyAlert, error)
	RefreshAnomalyAlert(ctx context.Context, alertID int64, ts time.Time, ml float64, risk activity.RiskLevel, explanation string) error
	MarkAnomalyAlertEscalated(ctx context.Context, alertID int64, threatID *int64) error

	InsertAlert(ctx context.Context, a storage.DashboardAlert) (int64, error)
	GetAlert(ctx context.Context, alertID int64) (*storage.DashboardAlert, error)
	UpdateAlertStatus(ctx context.Context, alertID int64, status storage.RecordStatus) error

	CreateThreat(ctx context.Context, t storage.Threat) (int64, error)
	ThreatByFingerprint(ctx context.Context, hash string) (*storage.Threat, error)
	GetThreat(ctx context.Context, threatID int64) (*storage.Threat, error)
	UpdateThreatStatus(ctx context.Context, threatID int64, status storage.RecordStatus, notes string) error

	CreateIncident(ctx context.Context, inc storage.Incident) (int64, error)
	OpenIncidentSince(ctx context.Context, userID string, since time.Time) (*storage.Incident, error)
	IncidentByAlertID(ctx context.Context, alertID int64) (*storage.Incident, error)
	TouchIncident(ctx context.Context, incidentID int64, itsScore float64, severity activity.RiskLevel) error

	UpdateUserScore(ctx context.Context, userID string, itsScore float64, risk activity.RiskLevel) error
}

// Thresholds are the tier-transition boundaries. The zero value of any
// field falls back to the package defaults.
type Thresholds struct {
	Alert       float64
	Threat      float64
	IncidentML  float64
	IncidentITS float64
}

// DefaultThresholds returns the shipped calibration.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Alert:       AlertThreshold,
		Threat:      ThreatThreshold,
		IncidentML:  IncidentMLThreshold,
		IncidentITS: IncidentITSThreshold,
	}
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithThresholds overrides the tier boundaries. Zero-valued fields keep
// their defaults.
func WithThresholds(t Thresholds) Option {
	return func(e *Engine) {
		if t.Alert > 0 {
			e.th.Alert = t.Alert
		}
		if t.Threat > 0 {
			e.th.Threat = t.Threat
		}
		if t.IncidentML > 0 {
			e.th.IncidentML = t.IncidentML
		}
		if t.IncidentITS > 0 {
			e.th.IncidentITS = t.IncidentITS
		}
	}
}

// Engine applies the transition rules against the store. Stateless apart
// from its dependencies; safe for concurrent use.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	th     Thresholds
}

// New creates an Engine over the given store.
func New(store Store, opts ...Option) *Engine {
	e := &Engine{store: store, logger: slog.Default(), now: time.Now, th: DefaultThresholds()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScoreFunc computes the user's current ITS. Process calls it lazily so the
// suppressed and already-escalated short-circuits stay free of scoring side
// effects (the daily snapshot upsert in particular).
type ScoreFunc func(ctx context.Context) (its.Score, error)

// Process runs one scored activity through the state machine. activityID is
// the storage id of the already-persisted event; det is the detector
// verdict for it.
func (e *Engine) Process(ctx context.Context, act activity.Activity, activityID int64, det detector.Result, scoreFn ScoreFunc) (Outcome, error) {
	now := e.now().UTC()

	fp, err := e.store.GetFingerprint(ctx, det.Fingerprint)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Outcome{}, fmt.Errorf("escalate: fingerprint lookup: %w", err)
	}

	if fp != nil {
		if _, err := e.store.ObserveFingerprint(ctx, det.Fingerprint, act.UserID, now); err != nil {
			return Outcome{}, fmt.Errorf("escalate: fingerprint bookkeeping: %w", err)
		}
		suppressed := fp.SuppressedUntil != nil && now.Before(*fp.SuppressedUntil)
		// A suppressed fingerprint stays quiet unless the new observation
		// crosses a tier boundary the fingerprint has not reached yet.
		if suppressed && (fp.Escalated || det.Score < e.th.Threat) {
			return Outcome{Status: StatusSuppressed, MLScore: det.Score, Timestamp: now}, nil
		}
		if !suppressed && fp.Escalated {
			return Outcome{Status: StatusAlreadyEscalated, MLScore: det.Score, Timestamp: now}, nil
		}
	}

	score, err := scoreFn(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("escalate: its score: %w", err)
	}

	if !det.IsAnomaly || det.Score < e.th.Alert {
		if err := e.store.UpdateUserScore(ctx, act.UserID, score.Value, score.Risk); err != nil {
			return Outcome{}, fmt.Errorf("escalate: cache user score: %w", err)
		}
		return Outcome{Status: StatusOK, MLScore: det.Score, ITSScore: score.Value, Risk: score.Risk, Timestamp: now}, nil
	}

	risk := activity.RiskFromScores(det.Score, score.Value)

	alertID, err := e.openOrRefreshAlert(ctx, act, activityID, det, score, risk, fp == nil, now)
	if err != nil {
		return Outcome{}, err
	}

	out := Outcome{
		Status:      StatusAlertGenerated,
		AlertID:     alertID,
		MLScore:     det.Score,
		ITSScore:    score.Value,
		Risk:        risk,
		Anomalies:   score.Anomalies,
		Explanation: det.Explanation,
		Timestamp:   now,
	}

	if det.Score >= e.th.Threat {
		threatID, err := e.ensureThreat(ctx, act, det, score, risk, now)
		if err != nil {
			return Outcome{}, err
		}
		out.ThreatID = &threatID
		if err := e.store.MarkAnomalyAlertEscalated(ctx, alertID, &threatID); err != nil {
			return Outcome{}, fmt.Errorf("escalate: mark alert escalated: %w", err)
		}
		if err := e.store.MarkFingerprintEscalated(ctx, det.Fingerprint); err != nil {
			return Outcome{}, fmt.Errorf("escalate: mark fingerprint escalated: %w", err)
		}
	}

	if e.th.autoIncident(risk, det.Score, score.Value) {
		incidentID, err := e.ensureIncident(ctx, act, alertID, det, score, risk, out.ThreatID, now)
		if err != nil {
			return Outcome{}, err
		}
		out.IncidentID = &incidentID
		if out.ThreatID == nil {
			if err := e.store.MarkAnomalyAlertEscalated(ctx, alertID, nil); err != nil {
				return Outcome{}, fmt.Errorf("escalate: mark alert escalated: %w", err)
			}
			if err := e.store.MarkFingerprintEscalated(ctx, det.Fingerprint); err != nil {
				return Outcome{}, fmt.Errorf("escalate: mark fingerprint escalated: %w", err)
			}
		}
	}

	if err := e.store.UpdateUserScore(ctx, act.UserID, score.Value, score.Risk); err != nil {
		return Outcome{}, fmt.Errorf("escalate: cache user score: %w", err)
	}
	return out, nil
}

// openOrRefreshAlert creates the Tier-1 alert plus its dashboard mirror on
// first sighting, and refreshes the open alert on a repeat. newFingerprint
// indicates the fingerprint row does not exist yet and must be created
// alongside the alert.
func (e *Engine) openOrRefreshAlert(ctx context.Context, act activity.Activity, activityID int64, det detector.Result, score its.Score, risk activity.RiskLevel, newFingerprint bool, now time.Time) (int64, error) {
	existing, err := e.store.OpenAnomalyAlertByFingerprint(ctx, det.Fingerprint)
	if err == nil {
		if err := e.store.RefreshAnomalyAlert(ctx, existing.AlertID, now, det.Score, risk, det.Explanation); err != nil {
			return 0, fmt.Errorf("escalate: refresh alert: %w", err)
		}
		return existing.AlertID, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("escalate: open alert lookup: %w", err)
	}

	if newFingerprint {
		if _, err := e.store.ObserveFingerprint(ctx, det.Fingerprint, act.UserID, now); err != nil {
			return 0, fmt.Errorf("escalate: create fingerprint: %w", err)
		}
	}

	alertID, err := e.store.CreateAnomalyAlert(ctx, storage.AnomalyAlert{
		UserID:      act.UserID,
		ActivityID:  activityID,
		Timestamp:   now,
		MLScore:     det.Score,
		ITSScore:    score.Value,
		RiskLevel:   risk,
		Anomalies:   score.Anomalies,
		Explanation: det.Explanation,
		Fingerprint: det.Fingerprint,
	})
	if err != nil {
		return 0, fmt.Errorf("escalate: create alert: %w", err)
	}

	if _, err := e.store.InsertAlert(ctx, storage.DashboardAlert{
		UserID:      act.UserID,
		Timestamp:   now,
		ITSScore:    score.Value,
		RiskLevel:   risk,
		Anomalies:   score.Anomalies,
		Explanation: det.Explanation,
	}); err != nil {
		return 0, fmt.Errorf("escalate: mirror dashboard alert: %w", err)
	}

	if err := e.store.SuppressFingerprint(ctx, det.Fingerprint, now.Add(SuppressionWindow)); err != nil {
		return 0, fmt.Errorf("escalate: set suppression: %w", err)
	}
	return alertID, nil
}

// ensureThreat returns the existing threat for this fingerprint or creates
// one.
func (e *Engine) ensureThreat(ctx context.Context, act activity.Activity, det detector.Result, score its.Score, risk activity.RiskLevel, now time.Time) (int64, error) {
	if existing, err := e.store.ThreatByFingerprint(ctx, det.Fingerprint); err == nil {
		return existing.ThreatID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("escalate: threat lookup: %w", err)
	}

	threatID, err := e.store.CreateThreat(ctx, storage.Threat{
		UserID:        act.UserID,
		Timestamp:     now,
		Type:          ThreatType(act, det.Explanation),
		Fingerprint:   det.Fingerprint,
		MLScore:       det.Score,
		ITSScore:      score.Value,
		RiskLevel:     score.Risk,
		Anomalies:     []string{det.Explanation},
		Explanation:   score.Explanation,
		MLExplanation: fmt.Sprintf("ML-based detection: %.2f%% confidence. %s", det.Score*100, det.Explanation),
	})
	if err != nil {
		return 0, fmt.Errorf("escalate: create threat: %w", err)
	}
	e.logger.Info("alert escalated to threat",
		"user_id", act.UserID, "threat_id", threatID, "ml_score", det.Score)
	return threatID, nil
}

// ensureIncident promotes to Tier 3, absorbing into an open incident inside
// the dedup window instead of creating a duplicate.
func (e *Engine) ensureIncident(ctx context.Context, act activity.Activity, alertID int64, det detector.Result, score its.Score, risk activity.RiskLevel, threatID *int64, now time.Time) (int64, error) {
	if open, err := e.store.OpenIncidentSince(ctx, act.UserID, now.Add(-DedupWindow)); err == nil {
		if err := e.store.TouchIncident(ctx, open.IncidentID, score.Value, risk); err != nil {
			return 0, fmt.Errorf("escalate: touch incident: %w", err)
		}
		return open.IncidentID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("escalate: incident dedup lookup: %w", err)
	}

	description := det.Explanation
	if description == "" {
		description = fmt.Sprintf("Auto-escalated from alert ALT%05d", alertID)
	}
	if len(score.Anomalies) > 0 {
		top := score.Anomalies
		if len(top) > 3 {
			top = top[:3]
		}
		description += ". Anomalies: " + strings.Join(top, ", ")
	}

	evidence, _ := json.Marshal(map[string]any{
		"alert_id":         alertID,
		"alert_timestamp":  now.Format(time.RFC3339),
		"activity_type":    string(act.Kind),
		"activity_details": act.Details,
		"anomalies":        score.Anomalies,
		"auto_escalated":   true,
		"escalation_reason": fmt.Sprintf("ITS=%.1f, Risk=%s",
			score.Value, risk),
	})

	incidentID, err := e.store.CreateIncident(ctx, storage.Incident{
		UserID:      act.UserID,
		ThreatID:    threatID,
		Timestamp:   now,
		Type:        IncidentType(act, det.Explanation),
		Severity:    risk,
		MLScore:     score.Value / 100,
		ITSScore:    score.Value,
		Description: description,
		Evidence:    evidence,
	})
	if err != nil {
		return 0, fmt.Errorf("escalate: create incident: %w", err)
	}
	e.logger.Info("auto-escalated to incident",
		"user_id", act.UserID, "incident_id", incidentID, "its_score", score.Value, "severity", risk)
	return incidentID, nil
}

// PromoteThreat is the operator-invoked threat-to-incident transition with
// a supplied severity. Re-invocation inside the dedup window folds into the
// open incident.
func (e *Engine) PromoteThreat(ctx context.Context, threatID int64, severity activity.RiskLevel) (int64, error) {
	t, err := e.store.GetThreat(ctx, threatID)
	if err != nil {
		return 0, fmt.Errorf("escalate: promote threat %d: %w", threatID, err)
	}
	now := e.now().UTC()

	if open, err := e.store.OpenIncidentSince(ctx, t.UserID, now.Add(-DedupWindow)); err == nil {
		if err := e.store.TouchIncident(ctx, open.IncidentID, t.ITSScore, severity); err != nil {
			return 0, fmt.Errorf("escalate: touch incident: %w", err)
		}
		return open.IncidentID, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return 0, fmt.Errorf("escalate: incident dedup lookup: %w", err)
	}

	evidence, _ := json.Marshal(map[string]any{
		"threat_id":        t.ThreatID,
		"threat_timestamp": t.Timestamp.Format(time.RFC3339),
		"anomalies":        t.Anomalies,
		"auto_escalated":   false,
	})
	incidentID, err := e.store.CreateIncident(ctx, storage.Incident{
		UserID:      t.UserID,
		ThreatID:    &t.ThreatID,
		Timestamp:   now,
		Type:        threatToIncidentType(t.Type),
		Severity:    severity,
		MLScore:     t.MLScore,
		ITSScore:    t.ITSScore,
		Description: t.MLExplanation,
		Evidence:    evidence,
	})
	if err != nil {
		return 0, fmt.Errorf("escalate: create incident from threat: %w", err)
	}
	if err := e.store.UpdateThreatStatus(ctx, t.ThreatID, storage.StatusEscalated, ""); err != nil {
		return 0, fmt.Errorf("escalate: mark threat escalated: %w", err)
	}
	return incidentID, nil
}

// ConvertAlert is the operator-invoked alert-to-incident conversion on a
// dashboard alert. Idempotent: re-converting an already-converted alert
// returns the incident it produced, regardless of that incident's status or
// how much time has passed.
func (e *Engine) ConvertAlert(ctx context.Context, alertID int64) (int64, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return 0, fmt.Errorf("escalate: convert alert %d: %w", alertID, err)
	}
	now := e.now().UTC()

	if a.Status == storage.StatusEscalated {
		if inc, err := e.store.IncidentByAlertID(ctx, a.AlertID); err == nil {
			return inc.IncidentID, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return 0, fmt.Errorf("escalate: linked incident lookup: %w", err)
		}
		// Escalated but the linked incident is gone; recreate below.
	}

	evidence, _ := json.Marshal(map[string]any{
		"alert_id":        a.AlertID,
		"alert_timestamp": a.Timestamp.Format(time.RFC3339),
		"anomalies":       a.Anomalies,
		"auto_escalated":  false,
	})
	incidentID, err := e.store.CreateIncident(ctx, storage.Incident{
		UserID:      a.UserID,
		Timestamp:   now,
		Type:        IncidentType(activity.Activity{}, a.Explanation),
		Severity:    a.RiskLevel,
		MLScore:     a.ITSScore / 100,
		ITSScore:    a.ITSScore,
		Description: a.Explanation,
		Evidence:    evidence,
	})
	if err != nil {
		return 0, fmt.Errorf("escalate: create incident from alert: %w", err)
	}
	if err := e.store.UpdateAlertStatus(ctx, a.AlertID, storage.StatusEscalated); err != nil {
		return 0, fmt.Errorf("escalate: mark alert converted: %w", err)
	}
	return incidentID, nil
}

// autoIncident is the Tier-3 promotion predicate.
func (t Thresholds) autoIncident(risk activity.RiskLevel, ml, itsScore float64) bool {
	switch {
	case risk == activity.RiskCritical:
		return true
	case risk == activity.RiskHigh && itsScore >= 50:
		return true
	case risk == activity.RiskHigh && ml >= 0.70:
		return true
	case itsScore >= t.IncidentITS:
		return true
	case ml >= t.IncidentML:
		return true
	}
	return false
}
