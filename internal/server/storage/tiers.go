package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
)

// --- Fingerprints ---

// ObserveFingerprint records one sighting of hash: a first sighting inserts
// the row, a repeat bumps last_seen and the occurrence counter. The insert
// and the counter bump are a single statement, so the returned record is a
// consistent first-seen/last-seen pair even under concurrent ingest.
func (s *Store) ObserveFingerprint(ctx context.Context, hash, userID string, seen time.Time) (*Fingerprint, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO fingerprints
			(fingerprint_hash, user_id, first_seen, last_seen, occurrence_count)
		VALUES ($1, $2, $3, $3, 1)
		ON CONFLICT (fingerprint_hash) DO UPDATE SET
			last_seen        = EXCLUDED.last_seen,
			occurrence_count = fingerprints.occurrence_count + 1
		RETURNING fingerprint_hash, user_id, first_seen, last_seen,
		          occurrence_count, suppressed_until, escalated`,
		hash, userID, seen.UTC())

	fp, err := scanFingerprint(row)
	if err != nil {
		return nil, fmt.Errorf("observe fingerprint: %w", err)
	}
	s.fpCache.Add(fp.Hash, *fp)
	return fp, nil
}

// GetFingerprint returns the record for hash, served from the write-through
// cache when possible.
func (s *Store) GetFingerprint(ctx context.Context, hash string) (*Fingerprint, error) {
	if fp, ok := s.fpCache.Get(hash); ok {
		return &fp, nil
	}
	row := s.pool.QueryRow(ctx, `
		SELECT fingerprint_hash, user_id, first_seen, last_seen,
		       occurrence_count, suppressed_until, escalated
		FROM   fingerprints
		WHERE  fingerprint_hash = $1`, hash)
	fp, err := scanFingerprint(row)
	if err != nil {
		return nil, fmt.Errorf("get fingerprint: %w", notFound(err))
	}
	s.fpCache.Add(fp.Hash, *fp)
	return fp, nil
}

// SuppressFingerprint sets the suppression horizon for hash.
func (s *Store) SuppressFingerprint(ctx context.Context, hash string, until time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE fingerprints SET suppressed_until = $2 WHERE fingerprint_hash = $1`,
		hash, until.UTC())
	if err != nil {
		return fmt.Errorf("suppress fingerprint: %w", err)
	}
	s.fpCache.Remove(hash)
	return nil
}

// MarkFingerprintEscalated flags hash as having produced a threat.
func (s *Store) MarkFingerprintEscalated(ctx context.Context, hash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE fingerprints SET escalated = true WHERE fingerprint_hash = $1`, hash)
	if err != nil {
		return fmt.Errorf("mark fingerprint escalated: %w", err)
	}
	s.fpCache.Remove(hash)
	return nil
}

// --- Anomaly alerts (Tier 1) ---

// CreateAnomalyAlert inserts a Tier-1 record and returns its id.
func (s *Store) CreateAnomalyAlert(ctx context.Context, a AnomalyAlert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO anomaly_alerts
			(user_id, activity_id, timestamp, ml_score, its_score, risk_level,
			 anomalies, explanation, fingerprint, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING alert_id`,
		a.UserID, a.ActivityID, a.Timestamp.UTC(), a.MLScore, a.ITSScore,
		string(a.RiskLevel), marshalStrings(a.Anomalies), a.Explanation,
		a.Fingerprint, string(defaultStatus(a.Status)),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create anomaly alert: %w", err)
	}
	return id, nil
}

// OpenAnomalyAlertByFingerprint returns the open Tier-1 record for hash.
func (s *Store) OpenAnomalyAlertByFingerprint(ctx context.Context, hash string) (*AnomalyAlert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT alert_id, user_id, activity_id, timestamp, ml_score, its_score,
		       risk_level, anomalies, explanation, fingerprint, status,
		       escalated_to_threat_id
		FROM   anomaly_alerts
		WHERE  fingerprint = $1 AND status = 'open'
		ORDER  BY timestamp DESC
		LIMIT  1`, hash)
	a, err := scanAnomalyAlert(row)
	if err != nil {
		return nil, fmt.Errorf("open anomaly alert by fingerprint: %w", notFound(err))
	}
	return a, nil
}

// RefreshAnomalyAlert updates a re-observed open alert with the latest
// scoring pass.
func (s *Store) RefreshAnomalyAlert(ctx context.Context, alertID int64, ts time.Time, ml float64, risk activity.RiskLevel, explanation string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE anomaly_alerts
		SET    timestamp = $2, ml_score = $3, risk_level = $4, explanation = $5
		WHERE  alert_id = $1`,
		alertID, ts.UTC(), ml, string(risk), explanation)
	if err != nil {
		return fmt.Errorf("refresh anomaly alert %d: %w", alertID, err)
	}
	return nil
}

// MarkAnomalyAlertEscalated closes the alert to further refreshes and,
// when a threat exists, links the alert to it. A nil threatID marks a
// direct alert-to-incident promotion.
func (s *Store) MarkAnomalyAlertEscalated(ctx context.Context, alertID int64, threatID *int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE anomaly_alerts
		SET    status = 'escalated', escalated_to_threat_id = $2
		WHERE  alert_id = $1`,
		alertID, threatID)
	if err != nil {
		return fmt.Errorf("mark anomaly alert %d escalated: %w", alertID, err)
	}
	return nil
}

// AlertedActivityIDs returns the set of activity ids that raised a Tier-1
// alert since the cutoff. The training scheduler uses it to label stored
// events.
func (s *Store) AlertedActivityIDs(ctx context.Context, since time.Time) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT activity_id
		FROM   anomaly_alerts
		WHERE  timestamp >= $1`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("alerted activity ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan alerted activity id: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

// --- Dashboard alerts ---

// InsertAlert writes the dashboard-visible mirror row and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a DashboardAlert) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO alerts
			(user_id, timestamp, its_score, risk_level, anomalies, explanation, viewed, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING alert_id`,
		a.UserID, a.Timestamp.UTC(), a.ITSScore, string(a.RiskLevel),
		marshalStrings(a.Anomalies), a.Explanation, a.Viewed,
		string(defaultStatus(a.Status)),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}

// GetAlert returns one dashboard alert.
func (s *Store) GetAlert(ctx context.Context, alertID int64) (*DashboardAlert, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT alert_id, user_id, timestamp, its_score, risk_level,
		       anomalies, explanation, viewed, status
		FROM   alerts
		WHERE  alert_id = $1`, alertID)
	a, err := scanDashboardAlert(row)
	if err != nil {
		return nil, fmt.Errorf("get alert %d: %w", alertID, notFound(err))
	}
	return a, nil
}

// ListAlerts returns dashboard alerts, newest first. unreadOnly restricts
// to viewed = false; a non-empty userID restricts to that user.
func (s *Store) ListAlerts(ctx context.Context, limit int, unreadOnly bool, userID string) ([]DashboardAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{limit}
	where := ""
	argIdx := 2
	if unreadOnly {
		where = " WHERE viewed = false"
	}
	if userID != "" {
		if where == "" {
			where = fmt.Sprintf(" WHERE user_id = $%d", argIdx)
		} else {
			where += fmt.Sprintf(" AND user_id = $%d", argIdx)
		}
		args = append(args, userID)
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT alert_id, user_id, timestamp, its_score, risk_level,
		       anomalies, explanation, viewed, status
		FROM   alerts%s
		ORDER  BY timestamp DESC, alert_id DESC
		LIMIT  $1`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []DashboardAlert
	for rows.Next() {
		a, err := scanDashboardAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// MarkAlertViewed flags one alert as read. Re-marking is a no-op.
func (s *Store) MarkAlertViewed(ctx context.Context, alertID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE alerts SET viewed = true WHERE alert_id = $1`, alertID)
	if err != nil {
		return fmt.Errorf("mark alert %d viewed: %w", alertID, err)
	}
	return nil
}

// UpdateAlertStatus sets the lifecycle state of one dashboard alert.
func (s *Store) UpdateAlertStatus(ctx context.Context, alertID int64, status RecordStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE alerts SET status = $2 WHERE alert_id = $1`,
		alertID, string(status))
	if err != nil {
		return fmt.Errorf("update alert %d status: %w", alertID, err)
	}
	return nil
}

// --- Threats (Tier 2) ---

// CreateThreat inserts a Tier-2 record and returns its id.
func (s *Store) CreateThreat(ctx context.Context, t Threat) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO threats
			(user_id, timestamp, threat_type, threat_fingerprint, ml_threat_score,
			 its_score, risk_level, anomalies, explanation, ml_explanation, status, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $2)
		RETURNING threat_id`,
		t.UserID, t.Timestamp.UTC(), t.Type, t.Fingerprint, t.MLScore,
		t.ITSScore, string(t.RiskLevel), marshalStrings(t.Anomalies),
		t.Explanation, t.MLExplanation, string(defaultStatus(t.Status)),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create threat: %w", err)
	}
	return id, nil
}

// ThreatByFingerprint returns the existing threat for hash, if any.
func (s *Store) ThreatByFingerprint(ctx context.Context, hash string) (*Threat, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT threat_id, user_id, timestamp, threat_type, threat_fingerprint,
		       ml_threat_score, its_score, risk_level, anomalies, explanation,
		       ml_explanation, status, notes, last_updated
		FROM   threats
		WHERE  threat_fingerprint = $1
		ORDER  BY timestamp DESC
		LIMIT  1`, hash)
	t, err := scanThreat(row)
	if err != nil {
		return nil, fmt.Errorf("threat by fingerprint: %w", notFound(err))
	}
	return t, nil
}

// GetThreat returns one threat.
func (s *Store) GetThreat(ctx context.Context, threatID int64) (*Threat, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT threat_id, user_id, timestamp, threat_type, threat_fingerprint,
		       ml_threat_score, its_score, risk_level, anomalies, explanation,
		       ml_explanation, status, notes, last_updated
		FROM   threats
		WHERE  threat_id = $1`, threatID)
	t, err := scanThreat(row)
	if err != nil {
		return nil, fmt.Errorf("get threat %d: %w", threatID, notFound(err))
	}
	return t, nil
}

// ListThreats returns threats newest first, optionally filtered by status.
func (s *Store) ListThreats(ctx context.Context, status RecordStatus, limit int) ([]Threat, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{limit}
	where := ""
	if status != "" {
		where = " WHERE status = $2"
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT threat_id, user_id, timestamp, threat_type, threat_fingerprint,
		       ml_threat_score, its_score, risk_level, anomalies, explanation,
		       ml_explanation, status, notes, last_updated
		FROM   threats%s
		ORDER  BY timestamp DESC, threat_id DESC
		LIMIT  $1`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list threats: %w", err)
	}
	defer rows.Close()

	var threats []Threat
	for rows.Next() {
		t, err := scanThreat(rows)
		if err != nil {
			return nil, fmt.Errorf("scan threat: %w", err)
		}
		threats = append(threats, *t)
	}
	return threats, rows.Err()
}

// UpdateThreatStatus sets the lifecycle state and, when notes is non-empty,
// records the operator's notes.
func (s *Store) UpdateThreatStatus(ctx context.Context, threatID int64, status RecordStatus, notes string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE threats
		SET    status = $2,
		       notes = CASE WHEN $3 = '' THEN notes ELSE $3 END,
		       last_updated = now()
		WHERE  threat_id = $1`,
		threatID, string(status), notes)
	if err != nil {
		return fmt.Errorf("update threat %d status: %w", threatID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Incidents (Tier 3) ---

// CreateIncident inserts a Tier-3 record and returns its id.
func (s *Store) CreateIncident(ctx context.Context, inc Incident) (int64, error) {
	evidence := []byte(inc.Evidence)
	if evidence == nil {
		evidence = []byte("null")
	}
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO incidents
			(user_id, threat_id, timestamp, incident_type, severity,
			 ml_incident_score, its_score, description, evidence, status,
			 assigned_to, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $3)
		RETURNING incident_id`,
		inc.UserID, inc.ThreatID, inc.Timestamp.UTC(), inc.Type,
		string(inc.Severity), inc.MLScore, inc.ITSScore, inc.Description,
		evidence, string(defaultStatus(inc.Status)),
		defaultStr(inc.AssignedTo, "Security Team"),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create incident: %w", err)
	}
	return id, nil
}

// OpenIncidentSince returns the newest open or in-progress incident for
// userID created at or after since. Used for the two-hour dedup window.
func (s *Store) OpenIncidentSince(ctx context.Context, userID string, since time.Time) (*Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, user_id, threat_id, timestamp, incident_type,
		       severity, ml_incident_score, its_score, description, evidence,
		       status, assigned_to, last_updated
		FROM   incidents
		WHERE  user_id = $1 AND timestamp >= $2
		       AND status IN ('open', 'in_progress')
		ORDER  BY timestamp DESC
		LIMIT  1`, userID, since.UTC())
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("open incident since for %s: %w", userID, notFound(err))
	}
	return inc, nil
}

// IncidentByAlertID returns the newest incident created by converting the
// given dashboard alert. Conversion evidence carries the alert id with
// auto_escalated=false; auto-escalations record anomaly-alert ids under the
// same key and are excluded here.
func (s *Store) IncidentByAlertID(ctx context.Context, alertID int64) (*Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, user_id, threat_id, timestamp, incident_type,
		       severity, ml_incident_score, its_score, description, evidence,
		       status, assigned_to, last_updated
		FROM   incidents
		WHERE  (evidence->>'alert_id')::bigint = $1
		       AND (evidence->>'auto_escalated')::boolean = false
		ORDER  BY incident_id DESC
		LIMIT  1`, alertID)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("incident for alert %d: %w", alertID, notFound(err))
	}
	return inc, nil
}

// GetIncident returns one incident.
func (s *Store) GetIncident(ctx context.Context, incidentID int64) (*Incident, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT incident_id, user_id, threat_id, timestamp, incident_type,
		       severity, ml_incident_score, its_score, description, evidence,
		       status, assigned_to, last_updated
		FROM   incidents
		WHERE  incident_id = $1`, incidentID)
	inc, err := scanIncident(row)
	if err != nil {
		return nil, fmt.Errorf("get incident %d: %w", incidentID, notFound(err))
	}
	return inc, nil
}

// ListIncidents returns incidents newest first, optionally filtered by
// status.
func (s *Store) ListIncidents(ctx context.Context, status RecordStatus, limit int) ([]Incident, error) {
	if limit <= 0 {
		limit = 50
	}
	args := []any{limit}
	where := ""
	if status != "" {
		where = " WHERE status = $2"
		args = append(args, string(status))
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT incident_id, user_id, threat_id, timestamp, incident_type,
		       severity, ml_incident_score, its_score, description, evidence,
		       status, assigned_to, last_updated
		FROM   incidents%s
		ORDER  BY timestamp DESC, incident_id DESC
		LIMIT  $1`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		incidents = append(incidents, *inc)
	}
	return incidents, rows.Err()
}

// TouchIncident raises an existing incident's scores and severity during
// the dedup window. Scores only move up; severity only moves up.
func (s *Store) TouchIncident(ctx context.Context, incidentID int64, its float64, severity activity.RiskLevel) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE incidents
		SET    its_score = GREATEST(its_score, $2),
		       ml_incident_score = GREATEST(ml_incident_score, $2 / 100.0),
		       severity = CASE
		           WHEN $3 IN ('high', 'critical') AND severity NOT IN ('high', 'critical')
		           THEN $3 ELSE severity END,
		       last_updated = now()
		WHERE  incident_id = $1`,
		incidentID, its, string(severity))
	if err != nil {
		return fmt.Errorf("touch incident %d: %w", incidentID, err)
	}
	return nil
}

// UpdateIncidentStatus sets the lifecycle state and, when resolution is
// non-empty, records the closing notes.
func (s *Store) UpdateIncidentStatus(ctx context.Context, incidentID int64, status RecordStatus, resolution string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE incidents
		SET    status = $2,
		       resolution_notes = CASE WHEN $3 = '' THEN resolution_notes ELSE $3 END,
		       last_updated = now()
		WHERE  incident_id = $1`,
		incidentID, string(status), resolution)
	if err != nil {
		return fmt.Errorf("update incident %d status: %w", incidentID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Historical ITS snapshots ---

// SaveDailySnapshot upserts the (user, day) score row. Alert and activity
// counts are recomputed from that day's stored rows on every call, so the
// upsert is idempotent and self-correcting.
func (s *Store) SaveDailySnapshot(ctx context.Context, userID string, day time.Time, score float64, risk activity.RiskLevel) error {
	day = day.UTC().Truncate(24 * time.Hour)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO historical_its
			(user_id, date, its_score, risk_level, alert_count, activity_count)
		VALUES ($1, $2, $3, $4,
			(SELECT count(*) FROM alerts
			 WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $2 + interval '1 day'),
			(SELECT count(*) FROM activities
			 WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $2 + interval '1 day'))
		ON CONFLICT (user_id, date) DO UPDATE SET
			its_score      = EXCLUDED.its_score,
			risk_level     = EXCLUDED.risk_level,
			alert_count    = EXCLUDED.alert_count,
			activity_count = EXCLUDED.activity_count`,
		userID, day, score, string(risk))
	if err != nil {
		return fmt.Errorf("save daily snapshot for %s: %w", userID, err)
	}
	return nil
}

// BackfillDailySnapshot inserts a snapshot for a day that has none, carrying
// the user's cached score and that day's counts. An existing row is left
// untouched.
func (s *Store) BackfillDailySnapshot(ctx context.Context, userID string, day time.Time) error {
	day = day.UTC().Truncate(24 * time.Hour)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO historical_its
			(user_id, date, its_score, risk_level, alert_count, activity_count)
		SELECT u.user_id, $2, u.its_score, u.risk_level,
			(SELECT count(*) FROM alerts
			 WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $2 + interval '1 day'),
			(SELECT count(*) FROM activities
			 WHERE user_id = $1 AND timestamp >= $2 AND timestamp < $2 + interval '1 day')
		FROM users u WHERE u.user_id = $1
		ON CONFLICT (user_id, date) DO NOTHING`,
		userID, day)
	if err != nil {
		return fmt.Errorf("backfill daily snapshot for %s: %w", userID, err)
	}
	return nil
}

// HistoricalScores returns the user's snapshots for the trailing days
// window, oldest first.
func (s *Store) HistoricalScores(ctx context.Context, userID string, since time.Time) ([]HistoricalScore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, date, its_score, risk_level, alert_count, activity_count
		FROM   historical_its
		WHERE  user_id = $1 AND date >= $2
		ORDER  BY date`,
		userID, since.UTC().Truncate(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("historical scores for %s: %w", userID, err)
	}
	defer rows.Close()

	var scores []HistoricalScore
	for rows.Next() {
		var h HistoricalScore
		var risk string
		if err := rows.Scan(&h.UserID, &h.Date, &h.ITSScore, &risk, &h.AlertCount, &h.ActivityCount); err != nil {
			return nil, fmt.Errorf("scan historical score: %w", err)
		}
		h.RiskLevel = activity.RiskLevel(risk)
		h.Date = asUTC(h.Date)
		scores = append(scores, h)
	}
	return scores, rows.Err()
}

// --- Dashboard stats ---

// Stats computes the dashboard landing aggregates in one round trip per
// aggregate plus the recent-alert page.
func (s *Store) Stats(ctx context.Context, recentAlerts int) (*DashboardStats, error) {
	var st DashboardStats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE its_score >= 50),
		       coalesce(avg(its_score), 0),
		       count(*) FILTER (WHERE risk_level IN ('high', 'critical'))
		FROM   users`).
		Scan(&st.TotalUsers, &st.ActiveThreats, &st.AverageITS, &st.HighRiskUsers)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT count(*) FROM alerts WHERE viewed = false`).
		Scan(&st.UnreadAlerts)
	if err != nil {
		return nil, fmt.Errorf("unread alert count: %w", err)
	}

	st.RecentAlerts, err = s.ListAlerts(ctx, recentAlerts, false, "")
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// --- scan helpers ---

func scanFingerprint(sc scanner) (*Fingerprint, error) {
	var fp Fingerprint
	err := sc.Scan(
		&fp.Hash, &fp.UserID, &fp.FirstSeen, &fp.LastSeen,
		&fp.Occurrences, &fp.SuppressedUntil, &fp.Escalated,
	)
	if err != nil {
		return nil, err
	}
	fp.FirstSeen = asUTC(fp.FirstSeen)
	fp.LastSeen = asUTC(fp.LastSeen)
	if fp.SuppressedUntil != nil {
		t := asUTC(*fp.SuppressedUntil)
		fp.SuppressedUntil = &t
	}
	return &fp, nil
}

func scanAnomalyAlert(sc scanner) (*AnomalyAlert, error) {
	var a AnomalyAlert
	var risk, status string
	var anomalies []byte
	err := sc.Scan(
		&a.AlertID, &a.UserID, &a.ActivityID, &a.Timestamp, &a.MLScore,
		&a.ITSScore, &risk, &anomalies, &a.Explanation, &a.Fingerprint,
		&status, &a.EscalatedToThreatID,
	)
	if err != nil {
		return nil, err
	}
	a.RiskLevel = activity.RiskLevel(risk)
	a.Status = RecordStatus(status)
	a.Timestamp = asUTC(a.Timestamp)
	a.Anomalies = unmarshalStrings(anomalies)
	return &a, nil
}

func scanDashboardAlert(sc scanner) (*DashboardAlert, error) {
	var a DashboardAlert
	var risk, status string
	var anomalies []byte
	err := sc.Scan(
		&a.AlertID, &a.UserID, &a.Timestamp, &a.ITSScore, &risk,
		&anomalies, &a.Explanation, &a.Viewed, &status,
	)
	if err != nil {
		return nil, err
	}
	a.RiskLevel = activity.RiskLevel(risk)
	a.Status = RecordStatus(status)
	a.Timestamp = asUTC(a.Timestamp)
	a.Anomalies = unmarshalStrings(anomalies)
	return &a, nil
}

func scanThreat(sc scanner) (*Threat, error) {
	var t Threat
	var risk, status string
	var notes *string
	var anomalies []byte
	err := sc.Scan(
		&t.ThreatID, &t.UserID, &t.Timestamp, &t.Type, &t.Fingerprint,
		&t.MLScore, &t.ITSScore, &risk, &anomalies, &t.Explanation,
		&t.MLExplanation, &status, &notes, &t.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	t.RiskLevel = activity.RiskLevel(risk)
	t.Status = RecordStatus(status)
	t.Timestamp = asUTC(t.Timestamp)
	t.LastUpdated = asUTC(t.LastUpdated)
	t.Anomalies = unmarshalStrings(anomalies)
	if notes != nil {
		t.Notes = *notes
	}
	return &t, nil
}

func scanIncident(sc scanner) (*Incident, error) {
	var inc Incident
	var severity, status string
	var assignedTo *string
	var evidence []byte
	err := sc.Scan(
		&inc.IncidentID, &inc.UserID, &inc.ThreatID, &inc.Timestamp,
		&inc.Type, &severity, &inc.MLScore, &inc.ITSScore, &inc.Description,
		&evidence, &status, &assignedTo, &inc.LastUpdated,
	)
	if err != nil {
		return nil, err
	}
	inc.Severity = activity.RiskLevel(severity)
	inc.Status = RecordStatus(status)
	inc.Timestamp = asUTC(inc.Timestamp)
	inc.LastUpdated = asUTC(inc.LastUpdated)
	inc.Evidence = evidence
	if assignedTo != nil {
		inc.AssignedTo = *assignedTo
	}
	return &inc, nil
}

func marshalStrings(ss []string) []byte {
	if ss == nil {
		ss = []string{}
	}
	b, _ := json.Marshal(ss)
	return b
}

func unmarshalStrings(b []byte) []string {
	if len(b) == 0 {
		return nil
	}
	var ss []string
	_ = json.Unmarshal(b, &ss)
	return ss
}

func defaultStatus(s RecordStatus) RecordStatus {
	if s == "" {
		return StatusOpen
	}
	return s
}
