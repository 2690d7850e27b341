package rest

import (
	"context"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/escalate"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store without
// a live PostgreSQL connection.
type Store interface {
	// GetUser returns the cached user profile, or storage.ErrNotFound.
	GetUser(ctx context.Context, userID string) (*storage.User, error)

	// ListUsers returns all monitored users ordered by descending ITS.
	ListUsers(ctx context.Context) ([]storage.User, error)

	// InsertActivity persists one event and returns its storage id.
	InsertActivity(ctx context.Context, act activity.Activity) (int64, error)

	// RecentActivities returns the user's events since the cutoff, oldest
	// first, capped at limit.
	RecentActivities(ctx context.Context, userID string, since time.Time, limit int) ([]activity.Activity, error)

	// ActivitiesSince returns all of the user's events since the cutoff,
	// oldest first.
	ActivitiesSince(ctx context.Context, userID string, since time.Time) ([]activity.Activity, error)

	// Stats returns the dashboard aggregates with the given number of
	// recent alerts attached.
	Stats(ctx context.Context, recentAlerts int) (*storage.DashboardStats, error)

	// ListAlerts returns dashboard alerts, newest first.
	ListAlerts(ctx context.Context, limit int, unreadOnly bool, userID string) ([]storage.DashboardAlert, error)

	// MarkAlertViewed flags a dashboard alert as read. Idempotent.
	MarkAlertViewed(ctx context.Context, alertID int64) error

	// ListThreats returns threats, optionally filtered by status.
	ListThreats(ctx context.Context, status storage.RecordStatus, limit int) ([]storage.Threat, error)

	// UpdateThreatStatus transitions a threat, preserving notes when the
	// new value is empty.
	UpdateThreatStatus(ctx context.Context, threatID int64, status storage.RecordStatus, notes string) error

	// ListIncidents returns incidents, optionally filtered by status.
	ListIncidents(ctx context.Context, status storage.RecordStatus, limit int) ([]storage.Incident, error)

	// GetIncident returns one incident, or storage.ErrNotFound.
	GetIncident(ctx context.Context, incidentID int64) (*storage.Incident, error)

	// UpdateIncidentStatus transitions an incident and records resolution
	// notes when provided.
	UpdateIncidentStatus(ctx context.Context, incidentID int64, status storage.RecordStatus, resolution string) error

	// HistoricalScores returns daily ITS snapshots since the cutoff,
	// oldest first.
	HistoricalScores(ctx context.Context, userID string, since time.Time) ([]storage.HistoricalScore, error)

	// BackfillDailySnapshot inserts a snapshot row for a missing day from
	// the user's cached score. No-op when the row already exists.
	BackfillDailySnapshot(ctx context.Context, userID string, day time.Time) error
}

// Detector scores one event against the user's behavioral baseline.
type Detector interface {
	Detect(act activity.Activity, recent []activity.Activity) detector.Result
}

// Scorer computes a user's current insider-threat score.
type Scorer interface {
	Score(ctx context.Context, userID string) (its.Score, error)
}

// Escalator drives the alert/threat/incident state machine.
type Escalator interface {
	Process(ctx context.Context, act activity.Activity, activityID int64, det detector.Result, scoreFn escalate.ScoreFunc) (escalate.Outcome, error)
	PromoteThreat(ctx context.Context, threatID int64, severity activity.RiskLevel) (int64, error)
	ConvertAlert(ctx context.Context, alertID int64) (int64, error)
}
