package trainer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sentineliq/sentinel/internal/activity"
	"github.com/sentineliq/sentinel/internal/detector"
	"github.com/sentineliq/sentinel/internal/its"
	"github.com/sentineliq/sentinel/internal/server/storage"
)

type mockStore struct {
	users   []storage.User
	acts    map[string][]activity.Activity
	alerted map[int64]struct{}
}

func (m *mockStore) ListUsers(_ context.Context) ([]storage.User, error) { return m.users, nil }

func (m *mockStore) ActivitiesSince(_ context.Context, userID string, since time.Time) ([]activity.Activity, error) {
	var out []activity.Activity
	for _, a := range m.acts[userID] {
		if !a.Timestamp.Before(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) AlertedActivityIDs(_ context.Context, _ time.Time) (map[int64]struct{}, error) {
	return m.alerted, nil
}

// trainingFixture builds 35 days of history for one user: two benign daytime
// reads per day, plus an off-hours sensitive burst on three of the days.
// Burst events carry the alert label.
func trainingFixture() *mockStore {
	ms := &mockStore{
		users:   []storage.User{{UserID: "U001", Role: "Developer"}},
		acts:    map[string][]activity.Activity{},
		alerted: map[int64]struct{}{},
	}

	base := time.Now().UTC().AddDate(0, 0, -36).Truncate(24 * time.Hour)
	var id int64
	for day := 0; day < 35; day++ {
		for i := 0; i < 2; i++ {
			id++
			ms.acts["U001"] = append(ms.acts["U001"], activity.Activity{
				ID:        id,
				UserID:    "U001",
				Timestamp: base.AddDate(0, 0, day).Add(time.Duration(10+i) * time.Hour),
				Kind:      activity.KindFileAccess,
				Details: activity.Details{
					FilePath:     "/srv/docs/notes.md",
					Action:       activity.ActionRead,
					SizeMB:       0.2,
					ActivityHour: activity.HourPtr(10 + i),
				},
			})
		}
		if day%12 == 3 { // days 3, 15, 27
			for i := 0; i < 2; i++ {
				id++
				ms.acts["U001"] = append(ms.acts["U001"], activity.Activity{
					ID:        id,
					UserID:    "U001",
					Timestamp: base.AddDate(0, 0, day).Add(23*time.Hour + time.Duration(i)*time.Minute),
					Kind:      activity.KindFileAccess,
					Details: activity.Details{
						FilePath:     "/srv/finance/payroll.xlsx",
						Action:       activity.ActionDelete,
						SizeMB:       600,
						Sensitive:    true,
						ActivityHour: activity.HourPtr(23),
						OffHours:     true,
					},
				})
				ms.alerted[id] = struct{}{}
			}
		}
	}
	return ms
}

func TestRunOnce_WritesBothModelFiles(t *testing.T) {
	dir := t.TempDir()
	ms := trainingFixture()
	tr := New(ms, Config{
		ModelPath:   filepath.Join(dir, "detector.json"),
		WeightsPath: filepath.Join(dir, "its.json"),
	})

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	mf, err := detector.LoadModelFile(filepath.Join(dir, "detector.json"))
	if err != nil {
		t.Fatal(err)
	}
	if mf.Regression == nil {
		t.Fatal("model file has no regression")
	}

	wf, err := its.LoadWeightsFile(filepath.Join(dir, "its.json"))
	if err != nil {
		t.Fatal(err)
	}
	if wf.Weights == nil {
		t.Fatal("weights file has no weights")
	}

	// The fitted regression must rank the alerted burst above benign reads.
	acts := ms.acts["U001"]
	var benign, burst detector.TrainingExample
	for i, a := range acts {
		ex := detector.ExtractTrainingExample(a, acts[i:i+1], 0)
		if _, hit := ms.alerted[a.ID]; hit {
			burst = ex
		} else {
			benign = ex
		}
	}
	if mf.Regression.Score(burst.Features) <= mf.Regression.Score(benign.Features) {
		t.Errorf("regression does not separate classes: burst=%v benign=%v",
			mf.Regression.Score(burst.Features), mf.Regression.Score(benign.Features))
	}
}

func TestRunOnce_InsufficientHistorySkipsWrites(t *testing.T) {
	dir := t.TempDir()
	ms := &mockStore{
		users: []storage.User{{UserID: "U001", Role: "Developer"}},
		acts: map[string][]activity.Activity{"U001": {{
			ID: 1, UserID: "U001", Timestamp: time.Now().UTC(), Kind: activity.KindLogon,
		}}},
		alerted: map[int64]struct{}{},
	}
	tr := New(ms, Config{
		ModelPath:   filepath.Join(dir, "detector.json"),
		WeightsPath: filepath.Join(dir, "its.json"),
	})

	if err := tr.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Both loaders treat a missing file as untrained.
	mf, err := detector.LoadModelFile(filepath.Join(dir, "detector.json"))
	if err != nil || mf.Regression != nil {
		t.Errorf("expected no detector model, got %+v (err %v)", mf, err)
	}
	wf, err := its.LoadWeightsFile(filepath.Join(dir, "its.json"))
	if err != nil || wf.Weights != nil {
		t.Errorf("expected no weights, got %+v (err %v)", wf, err)
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	tr := New(trainingFixture(), Config{
		Interval:    time.Hour,
		ModelPath:   filepath.Join(dir, "detector.json"),
		WeightsPath: filepath.Join(dir, "its.json"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestEventExamples_WindowAndLabels(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	acts := []activity.Activity{
		{ID: 1, Timestamp: base, Kind: activity.KindFileAccess},
		{ID: 2, Timestamp: base.Add(10 * time.Minute), Kind: activity.KindFileAccess},
		{ID: 3, Timestamp: base.Add(90 * time.Minute), Kind: activity.KindFileAccess},
	}
	alerted := map[int64]struct{}{3: {}}

	examples := eventExamples(acts, alerted)
	if len(examples) != 3 {
		t.Fatalf("expected 3 examples, got %d", len(examples))
	}
	if examples[0].Label != 0 || examples[1].Label != 0 || examples[2].Label != 1 {
		t.Errorf("labels = %v %v %v", examples[0].Label, examples[1].Label, examples[2].Label)
	}
	// The third event's window excludes the first two (older than one
	// hour), so its in-window file count drops back to one.
	if examples[2].Features[1] >= examples[1].Features[1] {
		t.Errorf("window did not slide: %v vs %v", examples[2].Features, examples[1].Features)
	}
}

func TestDayExamples_BucketsAndLabels(t *testing.T) {
	d1 := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC)
	acts := []activity.Activity{
		{ID: 1, Timestamp: d1, Kind: activity.KindFileAccess},
		{ID: 2, Timestamp: d1.Add(time.Hour), Kind: activity.KindEmail},
		{ID: 3, Timestamp: d2, Kind: activity.KindFileAccess},
	}
	examples := dayExamples(acts, "Developer", map[int64]struct{}{2: {}})
	if len(examples) != 2 {
		t.Fatalf("expected 2 day examples, got %d", len(examples))
	}
	if examples[0].Label != 1 || examples[1].Label != 0 {
		t.Errorf("labels = %v %v", examples[0].Label, examples[1].Label)
	}
}
