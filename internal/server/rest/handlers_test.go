package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/escalate"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// mockStore is a test double for the Store interface.
type mockStore struct {
	user          *storage.User
	userErr       error
	users         []storage.User
	activities    []activity.Activity
	recent        []activity.Activity
	stats         *storage.DashboardStats
	alerts        []storage.DashboardAlert
	threats       []storage.Threat
	incidents     []storage.Incident
	historical    []storage.HistoricalScore
	statusErr     error
	insertedID    int64
	inserted      []activity.Activity
	viewed        []int64
	backfillDays  []time.Time
	threatUpdates []storage.RecordStatus
	incUpdates    []storage.RecordStatus
}

func (m *mockStore) GetUser(_ context.Context, _ string) (*storage.User, error) {
	if m.userErr != nil {
		return nil, m.userErr
	}
	if m.user == nil {
		return nil, storage.ErrNotFound
	}
	return m.user, nil
}

func (m *mockStore) ListUsers(_ context.Context) ([]storage.User, error) { return m.users, nil }

func (m *mockStore) InsertActivity(_ context.Context, act activity.Activity) (int64, error) {
	m.inserted = append(m.inserted, act)
	if m.insertedID == 0 {
		m.insertedID = 1
	}
	return m.insertedID, nil
}

func (m *mockStore) RecentActivities(_ context.Context, _ string, _ time.Time, _ int) ([]activity.Activity, error) {
	return m.recent, nil
}

func (m *mockStore) ActivitiesSince(_ context.Context, _ string, _ time.Time) ([]activity.Activity, error) {
	return m.activities, nil
}

func (m *mockStore) Stats(_ context.Context, _ int) (*storage.DashboardStats, error) {
	if m.stats == nil {
		return &storage.DashboardStats{}, nil
	}
	return m.stats, nil
}

func (m *mockStore) ListAlerts(_ context.Context, _ int, _ bool, _ string) ([]storage.DashboardAlert, error) {
	return m.alerts, nil
}

func (m *mockStore) MarkAlertViewed(_ context.Context, alertID int64) error {
	m.viewed = append(m.viewed, alertID)
	return nil
}

func (m *mockStore) ListThreats(_ context.Context, _ storage.RecordStatus, _ int) ([]storage.Threat, error) {
	return m.threats, nil
}

func (m *mockStore) UpdateThreatStatus(_ context.Context, _ int64, status storage.RecordStatus, _ string) error {
	if m.statusErr != nil {
		return m.statusErr
	}
	m.threatUpdates = append(m.threatUpdates, status)
	return nil
}

func (m *mockStore) ListIncidents(_ context.Context, _ storage.RecordStatus, _ int) ([]storage.Incident, error) {
	return m.incidents, nil
}

func (m *mockStore) GetIncident(_ context.Context, _ int64) (*storage.Incident, error) {
	return nil, storage.ErrNotFound
}

func (m *mockStore) UpdateIncidentStatus(_ context.Context, _ int64, status storage.RecordStatus, _ string) error {
	if m.statusErr != nil {
		return m.statusErr
	}
	m.incUpdates = append(m.incUpdates, status)
	return nil
}

func (m *mockStore) HistoricalScores(_ context.Context, _ string, _ time.Time) ([]storage.HistoricalScore, error) {
	return m.historical, nil
}

func (m *mockStore) BackfillDailySnapshot(_ context.Context, _ string, day time.Time) error {
	m.backfillDays = append(m.backfillDays, day)
	return nil
}

// mockDetector returns a fixed verdict.
type mockDetector struct {
	result detector.Result
	seen   []activity.Activity
}

func (m *mockDetector) Detect(act activity.Activity, _ []activity.Activity) detector.Result {
	m.seen = append(m.seen, act)
	return m.result
}

// mockScorer returns a fixed ITS.
type mockScorer struct {
	score its.Score
}

func (m *mockScorer) Score(_ context.Context, _ string) (its.Score, error) {
	return m.score, nil
}

// mockEscalator returns a scripted outcome and records manual promotions.
type mockEscalator struct {
	outcome    escalate.Outcome
	err        error
	incidentID int64
	promoted   []int64
	converted  []int64
}

func (m *mockEscalator) Process(_ context.Context, _ activity.Activity, _ int64, _ detector.Result, _ escalate.ScoreFunc) (escalate.Outcome, error) {
	return m.outcome, m.err
}

func (m *mockEscalator) PromoteThreat(_ context.Context, threatID int64, _ activity.RiskLevel) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.promoted = append(m.promoted, threatID)
	return m.incidentID, nil
}

func (m *mockEscalator) ConvertAlert(_ context.Context, alertID int64) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.converted = append(m.converted, alertID)
	return m.incidentID, nil
}

type testDeps struct {
	store *mockStore
	det   *mockDetector
	esc   *mockEscalator
}

// ist matches Asia/Kolkata without depending on the host zone database.
var ist = time.FixedZone("IST", 5*3600+30*60)

// newTestServer wires a Server over the mocks and returns its HTTP handler
// with JWT middleware disabled (pubKey = nil).
func newTestServer(d testDeps) http.Handler {
	if d.store == nil {
		d.store = &mockStore{}
	}
	if d.det == nil {
		d.det = &mockDetector{}
	}
	if d.esc == nil {
		d.esc = &mockEscalator{}
	}
	srv := NewServer(d.store, d.det, &mockScorer{}, d.esc, WithDisplayTZ(ist))
	return NewRouter(srv, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

// ---- GET /api/users/{userID} ------------------------------------------------

func TestHandleGetUser_Returns200(t *testing.T) {
	ms := &mockStore{user: &storage.User{
		UserID: "U001", Name: "Ada Moreno", Role: "Developer",
		ITSScore: 12.5, RiskLevel: activity.RiskLow,
	}}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U001", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var user storage.User
	if err := json.NewDecoder(rec.Body).Decode(&user); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if user.UserID != "U001" || user.ITSScore != 12.5 {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestHandleGetUser_Unknown_Returns404(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U404", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["error"] != "User not found" {
		t.Errorf("unexpected error message: %q", body["error"])
	}
}

// ---- POST /api/activities/ingest ---------------------------------------------

func TestHandleIngest_UnknownUser_Returns404(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U404","timestamp":"2024-06-01T10:00:00","activity_type":"file_access","details":{}}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleIngest_InvalidKind_Returns400(t *testing.T) {
	ms := &mockStore{user: &storage.User{UserID: "U001"}}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U001","timestamp":"2024-06-01T10:00:00","activity_type":"badge_swipe","details":{}}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngest_InvalidTimestamp_Returns400(t *testing.T) {
	ms := &mockStore{user: &storage.User{UserID: "U001"}}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U001","timestamp":"01/06/2024 10:00","activity_type":"file_access","details":{}}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleIngest_BenignEvent_ReturnsOKWithITS(t *testing.T) {
	ms := &mockStore{user: &storage.User{UserID: "U001"}}
	esc := &mockEscalator{outcome: escalate.Outcome{
		Status: escalate.StatusOK, MLScore: 0.12, ITSScore: 9.5, Risk: activity.RiskLow,
	}}
	h := newTestServer(testDeps{store: ms, esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U001","timestamp":"2024-06-01T10:00:00","activity_type":"file_access","details":{"file_path":"/srv/docs/readme.md","action":"read"}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if resp.Status != "ok" || resp.ITSScore != 9.5 || resp.Alert != nil {
		t.Errorf("unexpected response: %+v", resp)
	}
	if len(ms.inserted) != 1 {
		t.Fatalf("expected 1 persisted activity, got %d", len(ms.inserted))
	}
	// Bare timestamps are UTC.
	if got := ms.inserted[0].Timestamp; !got.Equal(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("persisted timestamp = %v", got)
	}
}

func TestHandleIngest_Anomaly_ReturnsAlertBlock(t *testing.T) {
	ms := &mockStore{user: &storage.User{UserID: "U001"}}
	alertTS := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	esc := &mockEscalator{outcome: escalate.Outcome{
		Status:      escalate.StatusAlertGenerated,
		AlertID:     7,
		MLScore:     0.82,
		ITSScore:    61.0,
		Risk:        activity.RiskHigh,
		Anomalies:   []string{"High sensitive file access (10 files)"},
		Explanation: "Sensitive file access detected",
		Timestamp:   alertTS,
	}}
	h := newTestServer(testDeps{store: ms, esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U001","timestamp":"2024-06-01T10:00:00","activity_type":"file_access","details":{"file_path":"/srv/finance/payroll.xlsx","action":"read","sensitive":true}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if resp.Status != "alert_generated" || resp.Alert == nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Alert.AlertID != 7 || resp.Alert.MLScore != 0.82 || resp.Alert.RiskLevel != "high" {
		t.Errorf("unexpected alert payload: %+v", resp.Alert)
	}
	if resp.Alert.Timestamp != alertTS.Format(time.RFC3339) {
		t.Errorf("alert timestamp = %q", resp.Alert.Timestamp)
	}
}

func TestHandleIngest_Suppressed_ReportsCachedITS(t *testing.T) {
	ms := &mockStore{user: &storage.User{UserID: "U001", ITSScore: 42.0}}
	esc := &mockEscalator{outcome: escalate.Outcome{
		Status: escalate.StatusSuppressed, MLScore: 0.45,
	}}
	h := newTestServer(testDeps{store: ms, esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/activities/ingest",
		`{"user_id":"U001","timestamp":"2024-06-01T10:00:00","activity_type":"file_access","details":{}}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var resp ingestResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if resp.Status != "suppressed" || resp.Alert != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.ITSScore != 42.0 {
		t.Errorf("suppressed response its_score = %v, want cached 42.0", resp.ITSScore)
	}
}

// ---- GET /api/users/{userID}/activities --------------------------------------

func TestHandleUserActivities_DisplayTimezone(t *testing.T) {
	// 08:30 UTC renders as 14:00:00 in IST (+05:30).
	ms := &mockStore{activities: []activity.Activity{{
		UserID:    "U001",
		Timestamp: time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC),
		Kind:      activity.KindLogon,
	}}}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U001/activities?days=7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var views []activityView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 activity, got %d", len(views))
	}
	if views[0].Timestamp != "2024-06-01T14:00:00" {
		t.Errorf("timestamp = %q, want 2024-06-01T14:00:00", views[0].Timestamp)
	}
}

func TestHandleUserActivities_InvalidDays_Returns400(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U001/activities?days=zero", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleUserActivities_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(testDeps{store: &mockStore{}})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U001/activities", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var views []activityView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(views) != 0 {
		t.Errorf("expected empty array, got %v", views)
	}
}

// ---- GET /api/users/{userID}/historical-its ----------------------------------

func TestHandleUserHistory_BackfillsMissingDays(t *testing.T) {
	ms := &mockStore{
		user: &storage.User{UserID: "U001", ITSScore: 15, RiskLevel: activity.RiskLow},
		historical: []storage.HistoricalScore{{
			UserID: "U001", Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			ITSScore: 15, RiskLevel: activity.RiskLow,
		}},
	}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U001/historical-its?days=7", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(ms.backfillDays) != 7 {
		t.Fatalf("backfill called for %d days, want 7", len(ms.backfillDays))
	}
	for _, day := range ms.backfillDays {
		if !day.Equal(day.Truncate(24 * time.Hour)) {
			t.Errorf("backfill day %v is not midnight UTC", day)
		}
	}
	var views []historicalView
	if err := json.NewDecoder(rec.Body).Decode(&views); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(views) != 1 || views[0].Date != "2024-06-01" {
		t.Errorf("unexpected views: %+v", views)
	}
}

func TestHandleUserHistory_UnknownUser_Returns404(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodGet, "/api/users/U404/historical-its", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- GET /api/alerts ----------------------------------------------------------

func TestHandleListAlerts_EmptyResult_ReturnsEmptyArray(t *testing.T) {
	h := newTestServer(testDeps{store: &mockStore{alerts: nil}})
	rec := doJSON(t, h, http.MethodGet, "/api/alerts", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var alerts []storage.DashboardAlert
	if err := json.NewDecoder(rec.Body).Decode(&alerts); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("expected empty array, got %v", alerts)
	}
}

func TestHandleMarkAlertViewed_AcceptsPrefixedID(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPost, "/api/alerts/ALT00042/view", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(ms.viewed) != 1 || ms.viewed[0] != 42 {
		t.Errorf("viewed ids = %v, want [42]", ms.viewed)
	}
}

func TestHandleConvertAlert_DelegatesToEscalator(t *testing.T) {
	esc := &mockEscalator{incidentID: 9}
	h := newTestServer(testDeps{esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/alerts/7/convert-to-incident", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(esc.converted) != 1 || esc.converted[0] != 7 {
		t.Errorf("converted ids = %v, want [7]", esc.converted)
	}
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("cannot decode response: %v", err)
	}
	if body["incident_id"].(float64) != 9 {
		t.Errorf("incident_id = %v, want 9", body["incident_id"])
	}
}

func TestHandleConvertAlert_Unknown_Returns404(t *testing.T) {
	esc := &mockEscalator{err: storage.ErrNotFound}
	h := newTestServer(testDeps{esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/alerts/999/convert-to-incident", "")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- threats -----------------------------------------------------------------

func TestHandleListThreats_InvalidStatus_Returns400(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodGet, "/api/threats?status=pending", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEscalateThreat_WithSeverity(t *testing.T) {
	esc := &mockEscalator{incidentID: 3}
	h := newTestServer(testDeps{esc: esc})
	rec := doJSON(t, h, http.MethodPost, "/api/threats/THR00005/escalate", `{"severity":"critical"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(esc.promoted) != 1 || esc.promoted[0] != 5 {
		t.Errorf("promoted ids = %v, want [5]", esc.promoted)
	}
}

func TestHandleEscalateThreat_InvalidSeverity_Returns400(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodPost, "/api/threats/5/escalate", `{"severity":"extreme"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleThreatStatus_UpdatesStore(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPatch, "/api/threats/5/status", `{"status":"in_progress","notes":"triaged"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(ms.threatUpdates) != 1 || ms.threatUpdates[0] != storage.StatusInProgress {
		t.Errorf("threat updates = %v", ms.threatUpdates)
	}
}

func TestHandleThreatStatus_Unknown_Returns404(t *testing.T) {
	ms := &mockStore{statusErr: storage.ErrNotFound}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPatch, "/api/threats/999/status", `{"status":"resolved"}`)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- incidents ---------------------------------------------------------------

func TestHandleResolveIncident_AcceptsDisplayForm(t *testing.T) {
	ms := &mockStore{}
	h := newTestServer(testDeps{store: ms})
	rec := doJSON(t, h, http.MethodPost, "/api/incidents/INC00001/resolve", `{"resolution":"false positive"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if len(ms.incUpdates) != 1 || ms.incUpdates[0] != storage.StatusResolved {
		t.Errorf("incident updates = %v", ms.incUpdates)
	}
}

func TestHandleIncidentStatus_InvalidStatus_Returns400(t *testing.T) {
	h := newTestServer(testDeps{})
	rec := doJSON(t, h, http.MethodPatch, "/api/incidents/1/status", `{"status":"closed"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

// ---- helpers -----------------------------------------------------------------

func TestParseRecordID(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 1, false},
		{"00001", 1, false},
		{"INC00001", 1, false},
		{"THR42", 42, false},
		{"ALT00007", 7, false},
		{"abc", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parseRecordID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseRecordID(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("parseRecordID(%q) = %d, %v; want %d", tc.in, got, err, tc.want)
		}
	}
}
