// Package storage provides the PostgreSQL-backed persistence layer for the
// SentinelIQ ingest and dashboard service. It exposes typed model structs
// for the seven database tables (users, activities, anomaly_alerts, alerts,
// threats, incidents, fingerprints, historical_its) and a Store that wraps a
// pgxpool connection pool with a read-through fingerprint cache.
package storage

import (
	"encoding/json"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// RecordStatus is the lifecycle state shared by alerts, threats, and
// incidents.
type RecordStatus string

const (
	StatusOpen       RecordStatus = "open"
	StatusInProgress RecordStatus = "in_progress"
	StatusEscalated  RecordStatus = "escalated"
	StatusResolved   RecordStatus = "resolved"
)

// User maps to the `users` table. ITSScore and RiskLevel are the cached
// results of the most recent scoring pass; HireDate is nil when the
// directory import did not carry one.
type User struct {
	UserID     string             `json:"user_id"`
	Name       string             `json:"name"`
	Email      string             `json:"email,omitempty"`
	Role       string             `json:"role"`
	Department string             `json:"department,omitempty"`
	HireDate   *time.Time         `json:"hire_date,omitempty"`
	Status     string             `json:"status"`
	ITSScore   float64            `json:"its_score"`
	RiskLevel  activity.RiskLevel `json:"risk_level"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// ActivityRecord maps to the `activities` table: one normalized endpoint
// event plus its storage identity.
type ActivityRecord struct {
	ID  int64             `json:"id"`
	Act activity.Activity `json:"activity"`
}

// AnomalyAlert maps to the `anomaly_alerts` table, the Tier-1 record of the
// escalation pipeline. EscalatedToThreatID is nil until promotion.
type AnomalyAlert struct {
	AlertID             int64              `json:"alert_id"`
	UserID              string             `json:"user_id"`
	ActivityID          int64              `json:"activity_id"`
	Timestamp           time.Time          `json:"timestamp"`
	MLScore             float64            `json:"ml_score"`
	ITSScore            float64            `json:"its_score"`
	RiskLevel           activity.RiskLevel `json:"risk_level"`
	Anomalies           []string           `json:"anomalies"`
	Explanation         string             `json:"explanation"`
	Fingerprint         string             `json:"fingerprint"`
	Status              RecordStatus       `json:"status"`
	EscalatedToThreatID *int64             `json:"escalated_to_threat_id,omitempty"`
}

// DashboardAlert maps to the `alerts` table: the dashboard-visible mirror
// row written alongside every anomaly alert.
type DashboardAlert struct {
	AlertID     int64              `json:"alert_id"`
	UserID      string             `json:"user_id"`
	Timestamp   time.Time          `json:"timestamp"`
	ITSScore    float64            `json:"its_score"`
	RiskLevel   activity.RiskLevel `json:"risk_level"`
	Anomalies   []string           `json:"anomalies"`
	Explanation string             `json:"explanation"`
	Viewed      bool               `json:"viewed"`
	Status      RecordStatus       `json:"status"`
}

// Threat maps to the `threats` table, the Tier-2 record. Fingerprint links
// back to the originating anomaly fingerprint.
type Threat struct {
	ThreatID      int64              `json:"threat_id"`
	UserID        string             `json:"user_id"`
	Timestamp     time.Time          `json:"timestamp"`
	Type          string             `json:"threat_type"`
	Fingerprint   string             `json:"threat_fingerprint"`
	MLScore       float64            `json:"ml_threat_score"`
	ITSScore      float64            `json:"its_score"`
	RiskLevel     activity.RiskLevel `json:"risk_level"`
	Anomalies     []string           `json:"anomalies"`
	Explanation   string             `json:"explanation"`
	MLExplanation string             `json:"ml_explanation"`
	Status        RecordStatus       `json:"status"`
	Notes         string             `json:"notes,omitempty"`
	LastUpdated   time.Time          `json:"last_updated"`
}

// Incident maps to the `incidents` table, the Tier-3 record. Evidence
// carries the raw JSONB payload and round-trips without modification.
type Incident struct {
	IncidentID  int64              `json:"incident_id"`
	UserID      string             `json:"user_id"`
	ThreatID    *int64             `json:"threat_id,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Type        string             `json:"incident_type"`
	Severity    activity.RiskLevel `json:"severity"`
	MLScore     float64            `json:"ml_incident_score"`
	ITSScore    float64            `json:"its_score"`
	Description string             `json:"description"`
	Evidence    json.RawMessage    `json:"evidence,omitempty"`
	Status      RecordStatus       `json:"status"`
	AssignedTo  string             `json:"assigned_to,omitempty"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Fingerprint maps to the `fingerprints` table. SuppressedUntil is nil for
// a fingerprint that has never raised an alert.
type Fingerprint struct {
	Hash            string     `json:"fingerprint_hash"`
	UserID          string     `json:"user_id"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	Occurrences     int        `json:"occurrence_count"`
	SuppressedUntil *time.Time `json:"suppressed_until,omitempty"`
	Escalated       bool       `json:"escalated"`
}

// HistoricalScore maps to the `historical_its` table: one row per (user,
// calendar day at midnight UTC).
type HistoricalScore struct {
	UserID        string             `json:"user_id"`
	Date          time.Time          `json:"date"`
	ITSScore      float64            `json:"its_score"`
	RiskLevel     activity.RiskLevel `json:"risk_level"`
	AlertCount    int                `json:"alert_count"`
	ActivityCount int                `json:"activity_count"`
}

// DashboardStats is the aggregate the dashboard landing page renders.
// ActiveThreats counts users whose cached ITS is at or above 50.
type DashboardStats struct {
	TotalUsers    int              `json:"total_users"`
	ActiveThreats int              `json:"active_threats"`
	UnreadAlerts  int              `json:"unread_alerts"`
	AverageITS    float64          `json:"average_its"`
	HighRiskUsers int              `json:"high_risk_users"`
	RecentAlerts  []DashboardAlert `json:"recent_alerts"`
}
