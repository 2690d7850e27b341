package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/escalate"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// ingestWindow is the trailing context the detector sees alongside each
// event, and ingestWindowCap bounds how many events of it are loaded.
const (
	ingestWindow    = time.Hour
	ingestWindowCap = 100
)

// ingestRequest is the wire form the agent posts. Timestamps arrive either
// as bare "2006-01-02T15:04:05" (UTC implied) or full RFC3339.
type ingestRequest struct {
	UserID    string           `json:"user_id"`
	Timestamp string           `json:"timestamp"`
	Kind      string           `json:"activity_type"`
	Details   activity.Details `json:"details"`
}

// alertPayload is the alert block attached to an ingest response when the
// event opened or refreshed an alert.
type alertPayload struct {
	AlertID     int64    `json:"alert_id"`
	MLScore     float64  `json:"ml_score"`
	ITSScore    float64  `json:"its_score"`
	RiskLevel   string   `json:"risk_level"`
	Anomalies   []string `json:"anomalies"`
	Explanation string   `json:"explanation"`
	Timestamp   string   `json:"timestamp"`
}

// ingestResponse is the verdict returned to the agent.
type ingestResponse struct {
	Status   string        `json:"status"`
	ITSScore float64       `json:"its_score"`
	Alert    *alertPayload `json:"alert,omitempty"`
}

// handleIngest responds to POST /api/activities/ingest.
//
// The event is persisted first, then scored against the user's trailing
// one-hour window and run through the escalation state machine. The response
// always carries the user's current ITS; an alert block is attached only
// when the event generated or refreshed an alert.
//
// Returns HTTP 400 on a malformed body, unknown activity type, or
// unparseable timestamp. Returns HTTP 404 when the user is not registered;
// the agent treats that as fatal and stops.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "'user_id' is required")
		return
	}

	kind, err := activity.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'activity_type' must be one of logon, file_access, email, process, network")
		return
	}

	ts, err := parseIngestTimestamp(req.Timestamp)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'timestamp' must be RFC3339 or 2006-01-02T15:04:05")
		return
	}

	ctx := r.Context()

	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		s.logger.Error("ingest: user lookup failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}

	act := activity.Activity{
		UserID:    req.UserID,
		Timestamp: ts,
		Kind:      kind,
		Details:   req.Details,
	}

	activityID, err := s.store.InsertActivity(ctx, act)
	if err != nil {
		s.logger.Error("ingest: persist failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to persist activity")
		return
	}
	act.ID = activityID

	// Trailing window includes the event just inserted.
	recent, err := s.store.RecentActivities(ctx, req.UserID, ts.Add(-ingestWindow), ingestWindowCap)
	if err != nil {
		s.logger.Error("ingest: window load failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load activity window")
		return
	}

	det := s.detector.Detect(act, recent)

	out, err := s.escalator.Process(ctx, act, activityID, det, func(ctx context.Context) (its.Score, error) {
		return s.scorer.Score(ctx, req.UserID)
	})
	if err != nil {
		s.logger.Error("ingest: escalation failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to evaluate activity")
		return
	}

	resp := ingestResponse{
		Status:   string(out.Status),
		ITSScore: out.ITSScore,
	}
	// Short-circuited outcomes skip scoring; report the cached ITS instead.
	if out.Status == escalate.StatusSuppressed || out.Status == escalate.StatusAlreadyEscalated {
		resp.ITSScore = user.ITSScore
	}

	if out.Status == escalate.StatusAlertGenerated {
		anomalies := out.Anomalies
		if anomalies == nil {
			anomalies = []string{}
		}
		resp.Alert = &alertPayload{
			AlertID:     out.AlertID,
			MLScore:     out.MLScore,
			ITSScore:    out.ITSScore,
			RiskLevel:   string(out.Risk),
			Anomalies:   anomalies,
			Explanation: out.Explanation,
			Timestamp:   out.Timestamp.Format(time.RFC3339),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// parseIngestTimestamp accepts the agent's bare UTC layout and RFC3339.
// An empty string defaults to the server's current time.
func parseIngestTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse("2006-01-02T15:04:05", raw)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}
