package escalate

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

// mockStore is an in-memory Store for state-machine tests.
type mockStore struct {
	fingerprints  map[string]*storage.Fingerprint
	anomalyAlerts map[int64]*storage.AnomalyAlert
	dashAlerts    map[int64]*storage.DashboardAlert
	threats       map[int64]*storage.Threat
	incidents     map[int64]*storage.Incident
	userScores    map[string]float64
	nextID        int64
	touches       int
}

func newMockStore() *mockStore {
	return &mockStore{
		fingerprints:  make(map[string]*storage.Fingerprint),
		anomalyAlerts: make(map[int64]*storage.AnomalyAlert),
		dashAlerts:    make(map[int64]*storage.DashboardAlert),
		threats:       make(map[int64]*storage.Threat),
		incidents:     make(map[int64]*storage.Incident),
		userScores:    make(map[string]float64),
	}
}

func (m *mockStore) id() int64 { m.nextID++; return m.nextID }

func (m *mockStore) GetFingerprint(_ context.Context, hash string) (*storage.Fingerprint, error) {
	if fp, ok := m.fingerprints[hash]; ok {
		cp := *fp
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) ObserveFingerprint(_ context.Context, hash, userID string, seen time.Time) (*storage.Fingerprint, error) {
	if fp, ok := m.fingerprints[hash]; ok {
		fp.LastSeen = seen
		fp.Occurrences++
		cp := *fp
		return &cp, nil
	}
	fp := &storage.Fingerprint{Hash: hash, UserID: userID, FirstSeen: seen, LastSeen: seen, Occurrences: 1}
	m.fingerprints[hash] = fp
	cp := *fp
	return &cp, nil
}

func (m *mockStore) SuppressFingerprint(_ context.Context, hash string, until time.Time) error {
	m.fingerprints[hash].SuppressedUntil = &until
	return nil
}

func (m *mockStore) MarkFingerprintEscalated(_ context.Context, hash string) error {
	m.fingerprints[hash].Escalated = true
	return nil
}

func (m *mockStore) CreateAnomalyAlert(_ context.Context, a storage.AnomalyAlert) (int64, error) {
	a.AlertID = m.id()
	a.Status = storage.StatusOpen
	m.anomalyAlerts[a.AlertID] = &a
	return a.AlertID, nil
}

func (m *mockStore) OpenAnomalyAlertByFingerprint(_ context.Context, hash string) (*storage.AnomalyAlert, error) {
	for _, a := range m.anomalyAlerts {
		if a.Fingerprint == hash && a.Status == storage.StatusOpen {
			cp := *a
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) RefreshAnomalyAlert(_ context.Context, alertID int64, ts time.Time, ml float64, risk activity.RiskLevel, explanation string) error {
	a := m.anomalyAlerts[alertID]
	a.Timestamp, a.MLScore, a.RiskLevel, a.Explanation = ts, ml, risk, explanation
	return nil
}

func (m *mockStore) MarkAnomalyAlertEscalated(_ context.Context, alertID int64, threatID *int64) error {
	a := m.anomalyAlerts[alertID]
	a.Status = storage.StatusEscalated
	a.EscalatedToThreatID = threatID
	return nil
}

func (m *mockStore) InsertAlert(_ context.Context, a storage.DashboardAlert) (int64, error) {
	a.AlertID = m.id()
	a.Status = storage.StatusOpen
	m.dashAlerts[a.AlertID] = &a
	return a.AlertID, nil
}

func (m *mockStore) GetAlert(_ context.Context, alertID int64) (*storage.DashboardAlert, error) {
	if a, ok := m.dashAlerts[alertID]; ok {
		cp := *a
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) UpdateAlertStatus(_ context.Context, alertID int64, status storage.RecordStatus) error {
	m.dashAlerts[alertID].Status = status
	return nil
}

func (m *mockStore) CreateThreat(_ context.Context, t storage.Threat) (int64, error) {
	t.ThreatID = m.id()
	t.Status = storage.StatusOpen
	m.threats[t.ThreatID] = &t
	return t.ThreatID, nil
}

func (m *mockStore) ThreatByFingerprint(_ context.Context, hash string) (*storage.Threat, error) {
	for _, t := range m.threats {
		if t.Fingerprint == hash {
			cp := *t
			return &cp, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) GetThreat(_ context.Context, threatID int64) (*storage.Threat, error) {
	if t, ok := m.threats[threatID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, storage.ErrNotFound
}

func (m *mockStore) UpdateThreatStatus(_ context.Context, threatID int64, status storage.RecordStatus, notes string) error {
	t := m.threats[threatID]
	t.Status = status
	if notes != "" {
		t.Notes = notes
	}
	return nil
}

func (m *mockStore) CreateIncident(_ context.Context, inc storage.Incident) (int64, error) {
	inc.IncidentID = m.id()
	inc.Status = storage.StatusOpen
	m.incidents[inc.IncidentID] = &inc
	return inc.IncidentID, nil
}

func (m *mockStore) OpenIncidentSince(_ context.Context, userID string, since time.Time) (*storage.Incident, error) {
	var newest *storage.Incident
	for _, inc := range m.incidents {
		if inc.UserID != userID || inc.Timestamp.Before(since) {
			continue
		}
		if inc.Status != storage.StatusOpen && inc.Status != storage.StatusInProgress {
			continue
		}
		if newest == nil || inc.Timestamp.After(newest.Timestamp) {
			newest = inc
		}
	}
	if newest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *mockStore) IncidentByAlertID(_ context.Context, alertID int64) (*storage.Incident, error) {
	var newest *storage.Incident
	for _, inc := range m.incidents {
		var ev struct {
			AlertID       int64 `json:"alert_id"`
			AutoEscalated bool  `json:"auto_escalated"`
		}
		if len(inc.Evidence) == 0 || json.Unmarshal(inc.Evidence, &ev) != nil {
			continue
		}
		if ev.AutoEscalated || ev.AlertID != alertID {
			continue
		}
		if newest == nil || inc.IncidentID > newest.IncidentID {
			newest = inc
		}
	}
	if newest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *newest
	return &cp, nil
}

func (m *mockStore) TouchIncident(_ context.Context, incidentID int64, itsScore float64, severity activity.RiskLevel) error {
	inc := m.incidents[incidentID]
	if itsScore > inc.ITSScore {
		inc.ITSScore = itsScore
	}
	m.touches++
	return nil
}

func (m *mockStore) UpdateUserScore(_ context.Context, userID string, itsScore float64, risk activity.RiskLevel) error {
	m.userScores[userID] = itsScore
	return nil
}

var testNow = time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)

func newEngine(store Store) *Engine {
	return New(store, WithClock(func() time.Time { return testNow }))
}

func testActivity(userID string) activity.Activity {
	return activity.Activity{
		UserID:    userID,
		Kind:      activity.KindFileAccess,
		Timestamp: testNow,
		Details:   activity.Details{FilePath: "/srv/files/q2.xlsx", Sensitive: true},
	}
}

func result(score float64, fingerprint, explanation string) detector.Result {
	return detector.Result{
		IsAnomaly:   score >= AlertThreshold,
		Score:       score,
		Explanation: explanation,
		Fingerprint: fingerprint,
	}
}

func itsScore(v float64) ScoreFunc {
	s := its.Score{Value: v, Risk: activity.RiskFromITS(v)}
	return func(context.Context) (its.Score, error) { return s, nil }
}

func TestAlertThresholdBoundary(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	out, err := e.Process(ctx, testActivity("U001"), 1, result(0.299, "fp-a", "x"), itsScore(10))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusOK {
		t.Errorf("score 0.299 produced %s, want ok", out.Status)
	}
	if len(store.anomalyAlerts) != 0 {
		t.Error("sub-threshold score created an alert")
	}

	out, err = e.Process(ctx, testActivity("U001"), 2, result(0.300, "fp-b", "Sensitive file access detected"), itsScore(10))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAlertGenerated {
		t.Errorf("score 0.300 produced %s, want alert_generated", out.Status)
	}
	if len(store.anomalyAlerts) != 1 || len(store.dashAlerts) != 1 {
		t.Errorf("alert rows: anomaly=%d dashboard=%d, want 1/1", len(store.anomalyAlerts), len(store.dashAlerts))
	}
	fp := store.fingerprints["fp-b"]
	if fp == nil || fp.SuppressedUntil == nil || !fp.SuppressedUntil.Equal(testNow.Add(SuppressionWindow)) {
		t.Errorf("suppression not set: %+v", fp)
	}
}

func TestThreatThresholdBoundary(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	out, err := e.Process(ctx, testActivity("U002"), 1, result(0.749, "fp-c", "Sensitive file access detected"), itsScore(20))
	if err != nil {
		t.Fatal(err)
	}
	if out.ThreatID != nil || len(store.threats) != 0 {
		t.Error("score 0.749 promoted to threat")
	}

	out, err = e.Process(ctx, testActivity("U002"), 2, result(0.750, "fp-d", "Sensitive file access detected"), itsScore(20))
	if err != nil {
		t.Fatal(err)
	}
	if out.ThreatID == nil || len(store.threats) != 1 {
		t.Fatal("score 0.750 did not promote to threat")
	}
	th := store.threats[*out.ThreatID]
	if th.Type != ThreatUnauthorizedAccess {
		t.Errorf("threat type = %s, want unauthorized_access", th.Type)
	}
	if !store.fingerprints["fp-d"].Escalated {
		t.Error("fingerprint not marked escalated after threat")
	}
	alert := store.anomalyAlerts[out.AlertID]
	if alert.Status != storage.StatusEscalated || alert.EscalatedToThreatID == nil {
		t.Errorf("alert not linked to threat: %+v", alert)
	}
}

func TestSuppressionWindow(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	det := result(0.45, "fp-e", "Off-hours activity (23:00)")
	if _, err := e.Process(ctx, testActivity("U003"), 1, det, itsScore(30)); err != nil {
		t.Fatal(err)
	}

	out, err := e.Process(ctx, testActivity("U003"), 2, det, itsScore(30))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusSuppressed {
		t.Errorf("repeat inside window = %s, want suppressed", out.Status)
	}
	if len(store.anomalyAlerts) != 1 || len(store.incidents) != 0 {
		t.Error("suppressed repeat produced side effects")
	}
	if store.fingerprints["fp-e"].Occurrences != 2 {
		t.Errorf("occurrences = %d, want 2", store.fingerprints["fp-e"].Occurrences)
	}
}

func TestSuppressionCarveOutForThreatCrossing(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	if _, err := e.Process(ctx, testActivity("U004"), 1, result(0.45, "fp-f", "Sensitive file access detected"), itsScore(30)); err != nil {
		t.Fatal(err)
	}

	// Same fingerprint crosses the threat threshold while suppressed.
	out, err := e.Process(ctx, testActivity("U004"), 2, result(0.80, "fp-f", "Sensitive file access detected"), itsScore(30))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAlertGenerated || out.ThreatID == nil {
		t.Errorf("tier crossing during suppression: status=%s threat=%v", out.Status, out.ThreatID)
	}
	if len(store.threats) != 1 {
		t.Errorf("threats = %d, want 1", len(store.threats))
	}
}

func TestAlreadyEscalatedAbsorbs(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	past := testNow.Add(-time.Hour)
	store.fingerprints["fp-g"] = &storage.Fingerprint{
		Hash: "fp-g", UserID: "U005", FirstSeen: past, LastSeen: past,
		Occurrences: 3, SuppressedUntil: &past, Escalated: true,
	}

	out, err := e.Process(ctx, testActivity("U005"), 1, result(0.85, "fp-g", "x"), itsScore(40))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAlreadyEscalated {
		t.Errorf("status = %s, want already_escalated", out.Status)
	}
	if len(store.anomalyAlerts)+len(store.threats)+len(store.incidents) != 0 {
		t.Error("already-escalated path produced new records")
	}
	if store.fingerprints["fp-g"].Occurrences != 4 {
		t.Error("fingerprint bookkeeping skipped")
	}
}

func TestAutoIncidentOnCriticalRisk(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	// ITS 72 makes the risk critical while ml 0.45 stays below the threat
	// threshold, so promotion must jump straight from alert to incident.
	out, err := e.Process(ctx, testActivity("U006"), 1, result(0.45, "fp-h", "Sensitive file access detected"), itsScore(72))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAlertGenerated || out.IncidentID == nil {
		t.Fatalf("critical risk did not auto-promote: %+v", out)
	}
	if out.ThreatID != nil {
		t.Error("threat created below the threat threshold")
	}
	inc := store.incidents[*out.IncidentID]
	if inc.Type != IncidentUnauthorizedAccess {
		t.Errorf("incident type = %s", inc.Type)
	}
	if inc.ThreatID != nil {
		t.Error("direct promotion carries a threat link")
	}
	alert := store.anomalyAlerts[out.AlertID]
	if alert.Status != storage.StatusEscalated || alert.EscalatedToThreatID != nil {
		t.Errorf("alert after direct promotion: %+v", alert)
	}
}

func TestSabotageBurstBecomesInsiderAttack(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	act := testActivity("U007")
	act.Details.Action = activity.ActionDelete
	det := result(0.80, "fp-i", "Sensitive file access detected; File deletion detected")

	out, err := e.Process(ctx, act, 1, det, itsScore(67))
	if err != nil {
		t.Fatal(err)
	}
	if out.ThreatID == nil || out.IncidentID == nil {
		t.Fatalf("burst did not promote both tiers: %+v", out)
	}
	if got := store.incidents[*out.IncidentID].Type; got != IncidentInsiderAttack {
		t.Errorf("incident type = %s, want insider_attack", got)
	}
	// "Sensitive" outranks "delete" in the threat rules.
	if got := store.threats[*out.ThreatID].Type; got != ThreatUnauthorizedAccess {
		t.Errorf("threat type = %s, want unauthorized_access", got)
	}
}

func TestIncidentDedupWithinWindow(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	first, err := e.Process(ctx, testActivity("U008"), 1, result(0.45, "fp-j", "Sensitive file access detected"), itsScore(72))
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.Process(ctx, testActivity("U008"), 2, result(0.46, "fp-k", "Sensitive file access detected"), itsScore(73))
	if err != nil {
		t.Fatal(err)
	}
	if *first.IncidentID != *second.IncidentID {
		t.Errorf("dedup window created a second incident: %d vs %d", *first.IncidentID, *second.IncidentID)
	}
	if len(store.incidents) != 1 || store.touches != 1 {
		t.Errorf("incidents=%d touches=%d", len(store.incidents), store.touches)
	}
	if store.incidents[*first.IncidentID].ITSScore != 73 {
		t.Error("touch did not raise the incident score")
	}
}

func TestPromoteThreatManually(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	threatID, _ := store.CreateThreat(ctx, storage.Threat{
		UserID: "U009", Timestamp: testNow.Add(-3 * time.Hour),
		Type: ThreatDataExfiltration, Fingerprint: "fp-l",
		MLScore: 0.9, ITSScore: 60, RiskLevel: activity.RiskHigh,
		MLExplanation: "ML-based detection: 90.00% confidence. Large data transfer (120.0MB)",
	})

	incID, err := e.PromoteThreat(ctx, threatID, activity.RiskCritical)
	if err != nil {
		t.Fatal(err)
	}
	inc := store.incidents[incID]
	if inc.Type != IncidentDataBreach || inc.Severity != activity.RiskCritical {
		t.Errorf("promoted incident = %+v", inc)
	}
	if inc.ThreatID == nil || *inc.ThreatID != threatID {
		t.Error("incident not linked to threat")
	}
	if store.threats[threatID].Status != storage.StatusEscalated {
		t.Error("threat not marked escalated")
	}
}

func TestConvertAlertIdempotent(t *testing.T) {
	store := newMockStore()
	now := testNow
	e := New(store, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	alertID, _ := store.InsertAlert(ctx, storage.DashboardAlert{
		UserID: "U010", Timestamp: testNow.Add(-time.Hour),
		ITSScore: 45, RiskLevel: activity.RiskMedium,
		Explanation: "Off-hours activity (23:00)",
	})

	first, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("re-conversion created a new incident: %d vs %d", first, second)
	}
	if store.dashAlerts[alertID].Status != storage.StatusEscalated {
		t.Error("alert status not updated after conversion")
	}

	// Resolving the incident must not reopen the conversion.
	store.incidents[first].Status = storage.StatusResolved
	third, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}
	if third != first {
		t.Errorf("conversion after resolve created a new incident: %d vs %d", third, first)
	}

	// Nor must the passage of time.
	now = now.Add(3 * time.Hour)
	fourth, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}
	if fourth != first {
		t.Errorf("conversion after 3h created a new incident: %d vs %d", fourth, first)
	}
	if len(store.incidents) != 1 {
		t.Errorf("incidents = %d, want 1", len(store.incidents))
	}
}

func TestConvertAlertReturnsLinkedIncidentNotNewestOpen(t *testing.T) {
	store := newMockStore()
	e := newEngine(store)
	ctx := context.Background()

	alertID, _ := store.InsertAlert(ctx, storage.DashboardAlert{
		UserID: "U011", Timestamp: testNow.Add(-time.Hour),
		ITSScore: 45, RiskLevel: activity.RiskMedium,
		Explanation: "Sensitive file access detected",
	})
	first, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}

	// A newer open incident for the same user must not hijack the repeat.
	otherID, _ := store.CreateIncident(ctx, storage.Incident{
		UserID: "U011", Timestamp: testNow, Type: IncidentSuspicious,
		Severity: activity.RiskHigh,
	})

	again, err := e.ConvertAlert(ctx, alertID)
	if err != nil {
		t.Fatal(err)
	}
	if again == otherID {
		t.Error("re-conversion returned the unrelated open incident")
	}
	if again != first {
		t.Errorf("re-conversion = incident %d, want linked incident %d", again, first)
	}
}

func TestAutoIncidentPredicate(t *testing.T) {
	cases := []struct {
		name string
		risk activity.RiskLevel
		ml   float64
		its  float64
		want bool
	}{
		{"critical risk", activity.RiskCritical, 0.5, 10, true},
		{"high with its 50", activity.RiskHigh, 0.5, 50, true},
		{"high with ml 0.70", activity.RiskHigh, 0.70, 10, true},
		{"its threshold alone", activity.RiskMedium, 0.4, 65, true},
		{"ml forcing threshold", activity.RiskMedium, 0.90, 10, true},
		{"high without either", activity.RiskHigh, 0.65, 40, false},
		{"medium", activity.RiskMedium, 0.45, 35, false},
	}
	th := DefaultThresholds()
	for _, tc := range cases {
		if got := th.autoIncident(tc.risk, tc.ml, tc.its); got != tc.want {
			t.Errorf("%s: autoIncident(%s, %v, %v) = %v, want %v", tc.name, tc.risk, tc.ml, tc.its, got, tc.want)
		}
	}
}

func TestTypeClassification(t *testing.T) {
	act := activity.Activity{Kind: activity.KindEmail, Details: activity.Details{External: true}}

	if got := ThreatType(act, "Large data transfer (120.0MB)"); got != ThreatDataExfiltration {
		t.Errorf("ThreatType = %s", got)
	}
	if got := ThreatType(act, "Off-hours activity (23:00)"); got != ThreatPolicyViolation {
		t.Errorf("ThreatType off-hours = %s", got)
	}
	if got := IncidentType(act, "Large data transfer (120.0MB)"); got != IncidentDataBreach {
		t.Errorf("IncidentType = %s", got)
	}
	if got := IncidentType(act, ""); got != IncidentDataBreach {
		t.Errorf("external email fallback = %s", got)
	}
	if got := IncidentType(activity.Activity{}, ""); got != IncidentSuspicious {
		t.Errorf("default incident type = %s", got)
	}

	// The detector phrases deletions as "File deletion detected"; the stem
	// match must catch it ahead of the generic access rule.
	del := activity.Activity{Kind: activity.KindFileAccess, Details: activity.Details{Action: activity.ActionDelete}}
	if got := ThreatType(del, "File deletion detected"); got != ThreatSabotage {
		t.Errorf("ThreatType deletion = %s, want sabotage", got)
	}
	if got := IncidentType(del, "Sensitive file access detected; File deletion detected"); got != IncidentInsiderAttack {
		t.Errorf("IncidentType deletion = %s, want insider_attack", got)
	}
}
