package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// displayLayout is the wall-clock format used on read endpoints. Values are
// converted from UTC storage into the configured display timezone; the
// layout deliberately carries no zone marker.
const displayLayout = "2006-01-02T15:04:05"

// writeError writes an HTTP error response with a JSON body containing an
// "error" field. It is a thin wrapper around writeJSONError for use in handler
// functions.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	store     Store
	detector  Detector
	scorer    Scorer
	escalator Escalator
	displayTZ *time.Location
	logger    *slog.Logger
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithDisplayTZ overrides the timezone read endpoints render timestamps in.
func WithDisplayTZ(loc *time.Location) ServerOption {
	return func(s *Server) { s.displayTZ = loc }
}

// WithServerLogger overrides the default logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new Server with the provided storage layer and scoring
// pipeline. Timestamps on read endpoints default to Asia/Kolkata, falling
// back to UTC when the zone database is unavailable.
func NewServer(store Store, det Detector, scorer Scorer, esc Escalator, opts ...ServerOption) *Server {
	s := &Server{
		store:     store,
		detector:  det,
		scorer:    scorer,
		escalator: esc,
		displayTZ: defaultDisplayTZ(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func defaultDisplayTZ() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}

// display renders a stored UTC timestamp in the configured display timezone.
func (s *Server) display(t time.Time) string {
	return t.In(s.displayTZ).Format(displayLayout)
}

// parseRecordID accepts both bare numeric ids ("42", "00042") and the
// prefixed display form the dashboard renders ("INC00042", "THR7"). Leading
// non-digit characters are stripped before parsing.
func parseRecordID(raw string) (int64, error) {
	i := 0
	for i < len(raw) && (raw[i] < '0' || raw[i] > '9') {
		i++
	}
	if i == len(raw) {
		return 0, errors.New("no numeric id")
	}
	return strconv.ParseInt(raw[i:], 10, 64)
}

// pathID extracts and parses the named chi URL parameter as a record id.
func pathID(r *http.Request, name string) (int64, error) {
	return parseRecordID(chi.URLParam(r, name))
}

// queryInt reads an integer query parameter with a default and a hard cap.
func queryInt(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return 0, errors.New("must be a positive integer")
	}
	if v > max {
		v = max
	}
	return v, nil
}

// queryStatus reads an optional record-status query parameter.
func queryStatus(r *http.Request) (storage.RecordStatus, error) {
	raw := r.URL.Query().Get("status")
	if raw == "" {
		return "", nil
	}
	return parseStatus(raw)
}

// handleHealthz responds to GET /healthz.
//
// This endpoint does not require authentication and returns HTTP 200 with a
// simple JSON body so load balancers and orchestrators can verify liveness.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleGetUser responds to GET /api/users/{userID}.
//
// Agents call this once at startup to verify their configured user id before
// observing anything. Returns HTTP 404 for an unregistered user.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	user, err := s.store.GetUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// handleListUsers responds to GET /api/users.
//
// Returns HTTP 200 with all monitored users ordered by descending ITS.
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	if users == nil {
		users = []storage.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

// handleDashboardStats responds to GET /api/dashboard/stats.
func (s *Server) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context(), 10)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if stats.RecentAlerts == nil {
		stats.RecentAlerts = []storage.DashboardAlert{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// activityView is the display form of one stored event: timestamps rendered
// in the display timezone, wire-level field names.
type activityView struct {
	UserID    string           `json:"user_id"`
	Timestamp string           `json:"timestamp"`
	Kind      activity.Kind    `json:"activity_type"`
	Details   activity.Details `json:"details"`
}

// handleUserActivities responds to GET /api/users/{userID}/activities.
//
// Supported query parameters:
//
//	days – trailing window in days (default 7, max 90)
//
// Returns HTTP 200 with the user's events, oldest first, timestamps in the
// display timezone.
func (s *Server) handleUserActivities(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	days, err := queryInt(r, "days", 7, 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'days' must be a positive integer")
		return
	}

	since := time.Now().UTC().AddDate(0, 0, -days)
	acts, err := s.store.ActivitiesSince(r.Context(), userID, since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query activities")
		return
	}

	views := make([]activityView, 0, len(acts))
	for _, a := range acts {
		views = append(views, activityView{
			UserID:    a.UserID,
			Timestamp: s.display(a.Timestamp),
			Kind:      a.Kind,
			Details:   a.Details,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// historicalView is one daily ITS snapshot on the wire.
type historicalView struct {
	Date          string             `json:"date"`
	ITSScore      float64            `json:"its_score"`
	RiskLevel     activity.RiskLevel `json:"risk_level"`
	AlertCount    int                `json:"alert_count"`
	ActivityCount int                `json:"activity_count"`
}

// handleUserHistory responds to GET /api/users/{userID}/historical-its.
//
// Supported query parameters:
//
//	days – trailing window in days (default 30, max 365)
//
// Days with no stored snapshot are backfilled from the user's cached score
// before the window is returned, so the chart never has holes.
func (s *Server) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	days, err := queryInt(r, "days", 30, 365)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'days' must be a positive integer")
		return
	}

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	for i := days - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)
		if err := s.store.BackfillDailySnapshot(ctx, userID, day); err != nil {
			s.logger.Warn("historical backfill failed", "user_id", userID, "day", day, "error", err)
		}
	}

	scores, err := s.store.HistoricalScores(ctx, userID, today.AddDate(0, 0, -(days-1)))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query historical scores")
		return
	}

	views := make([]historicalView, 0, len(scores))
	for _, h := range scores {
		views = append(views, historicalView{
			Date:          h.Date.Format("2006-01-02"),
			ITSScore:      h.ITSScore,
			RiskLevel:     h.RiskLevel,
			AlertCount:    h.AlertCount,
			ActivityCount: h.ActivityCount,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// handleListAlerts responds to GET /api/alerts.
//
// Supported query parameters:
//
//	limit       – maximum number of results (default 50, max 500)
//	unread_only – "true" restricts to alerts not yet viewed (optional)
//	user_id     – exact user filter (optional)
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}
	unreadOnly := r.URL.Query().Get("unread_only") == "true"
	userID := r.URL.Query().Get("user_id")

	alerts, err := s.store.ListAlerts(r.Context(), limit, unreadOnly, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query alerts")
		return
	}
	if alerts == nil {
		alerts = []storage.DashboardAlert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleMarkAlertViewed responds to POST /api/alerts/{alertID}/view.
// Idempotent: re-viewing an already-read alert still returns HTTP 200.
func (s *Server) handleMarkAlertViewed(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathID(r, "alertID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}
	if err := s.store.MarkAlertViewed(r.Context(), alertID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to mark alert viewed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "viewed"})
}

// handleConvertAlert responds to POST /api/alerts/{alertID}/convert-to-incident.
//
// The alert id accepts both numeric and prefixed display forms ("ALT00007").
// Conversion is idempotent: a repeat returns the original incident. Returns HTTP
// 404 for an unknown alert.
func (s *Server) handleConvertAlert(w http.ResponseWriter, r *http.Request) {
	alertID, err := pathID(r, "alertID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid alert id")
		return
	}

	incidentID, err := s.escalator.ConvertAlert(r.Context(), alertID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Alert not found")
			return
		}
		s.logger.Error("alert conversion failed", "alert_id", alertID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to convert alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": incidentID,
		"status":      string(storage.StatusEscalated),
	})
}

// handleListThreats responds to GET /api/threats.
//
// Supported query parameters:
//
//	status – lifecycle filter (optional)
//	limit  – maximum number of results (default 50, max 500)
func (s *Server) handleListThreats(w http.ResponseWriter, r *http.Request) {
	status, err := queryStatus(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}

	threats, err := s.store.ListThreats(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query threats")
		return
	}
	if threats == nil {
		threats = []storage.Threat{}
	}
	writeJSON(w, http.StatusOK, threats)
}

// handleEscalateThreat responds to POST /api/threats/{threatID}/escalate.
//
// The JSON body may carry a "severity" override; when absent the incident
// inherits high severity. Returns HTTP 404 for an unknown threat.
func (s *Server) handleEscalateThreat(w http.ResponseWriter, r *http.Request) {
	threatID, err := pathID(r, "threatID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid threat id")
		return
	}

	var body struct {
		Severity string `json:"severity"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	severity := activity.RiskHigh
	if body.Severity != "" {
		switch activity.RiskLevel(body.Severity) {
		case activity.RiskLow, activity.RiskMedium, activity.RiskHigh, activity.RiskCritical:
			severity = activity.RiskLevel(body.Severity)
		default:
			writeError(w, http.StatusBadRequest, "'severity' must be one of low, medium, high, critical")
			return
		}
	}

	incidentID, err := s.escalator.PromoteThreat(r.Context(), threatID, severity)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Threat not found")
			return
		}
		s.logger.Error("threat escalation failed", "threat_id", threatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to escalate threat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"incident_id": incidentID,
		"status":      string(storage.StatusEscalated),
	})
}

// handleThreatStatus responds to PATCH /api/threats/{threatID}/status.
//
// The JSON body carries the new "status" and optional "notes"; empty notes
// leave the stored notes untouched.
func (s *Server) handleThreatStatus(w http.ResponseWriter, r *http.Request) {
	threatID, err := pathID(r, "threatID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid threat id")
		return
	}

	var body struct {
		Status string `json:"status"`
		Notes  string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := parseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateThreatStatus(r.Context(), threatID, status, body.Notes); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Threat not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update threat")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleListIncidents responds to GET /api/incidents.
//
// Supported query parameters:
//
//	status – lifecycle filter (optional)
//	limit  – maximum number of results (default 50, max 500)
func (s *Server) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	status, err := queryStatus(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
		return
	}

	incidents, err := s.store.ListIncidents(r.Context(), status, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query incidents")
		return
	}
	if incidents == nil {
		incidents = []storage.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// handleIncidentStatus responds to PATCH /api/incidents/{incidentID}/status.
//
// The JSON body carries the new "status" and optional "resolution" notes.
// The incident id accepts the dashboard's "INC00042" display form.
func (s *Server) handleIncidentStatus(w http.ResponseWriter, r *http.Request) {
	incidentID, err := pathID(r, "incidentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var body struct {
		Status     string `json:"status"`
		Resolution string `json:"resolution"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	status, err := parseStatus(body.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateIncidentStatus(r.Context(), incidentID, status, body.Resolution); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update incident")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

// handleResolveIncident responds to POST /api/incidents/{incidentID}/resolve.
// Shorthand for a status update to resolved with resolution notes.
func (s *Server) handleResolveIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := pathID(r, "incidentID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid incident id")
		return
	}

	var body struct {
		Resolution string `json:"resolution"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	if err := s.store.UpdateIncidentStatus(r.Context(), incidentID, storage.StatusResolved, body.Resolution); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Incident not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to resolve incident")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(storage.StatusResolved)})
}

// parseStatus validates a wire-level record status.
func parseStatus(raw string) (storage.RecordStatus, error) {
	switch storage.RecordStatus(raw) {
	case storage.StatusOpen, storage.StatusInProgress, storage.StatusEscalated, storage.StatusResolved:
		return storage.RecordStatus(raw), nil
	}
	return "", errors.New("'status' must be one of open, in_progress, escalated, resolved")
}
