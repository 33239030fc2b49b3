package offender

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/store"
)

type fakeSuspender struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSuspender) SuspendUser(_ context.Context, tenantID, userID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, tenantID+"/"+userID)
	return nil
}

func (f *fakeSuspender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedJob(t *testing.T, st *store.MemoryStore, id string) domain.ScanJob {
	t.Helper()
	job := domain.ScanJob{
		ID:           id,
		FileRecordID: "file-" + id,
		TenantID:     "t1",
		Status:       domain.JobInProgress,
		EnqueuedAt:   time.Now().UTC(),
	}
	if _, err := st.CreateScanJob(job, 0); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return job
}

func testFile() domain.FileRecord {
	return domain.FileRecord{ID: "f1", TenantID: "t1", UploaderID: "u1"}
}

func suspendSettings(threshold int64) domain.ScanSettings {
	s := domain.DefaultScanSettings("t1")
	s.AutoSuspendUploader = true
	s.SuspendThreshold = threshold
	return s
}

func TestRecordInfectionIncrements(t *testing.T) {
	st := store.NewMemoryStore()
	suspender := &fakeSuspender{}
	tracker := NewTracker(st, suspender, events.NewRecorder(), testLogger())
	job := seedJob(t, st, "j1")

	if err := tracker.RecordInfection(context.Background(), job, testFile(), suspendSettings(3)); err != nil {
		t.Fatalf("RecordInfection: %v", err)
	}
	count, err := tracker.Count("t1", "u1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	if suspender.count() != 0 {
		t.Error("suspended below threshold")
	}
}

func TestRecordInfectionCountsJobOnce(t *testing.T) {
	st := store.NewMemoryStore()
	tracker := NewTracker(st, &fakeSuspender{}, events.NewRecorder(), testLogger())
	job := seedJob(t, st, "j1")

	for i := 0; i < 3; i++ {
		if err := tracker.RecordInfection(context.Background(), job, testFile(), suspendSettings(10)); err != nil {
			t.Fatalf("RecordInfection %d: %v", i, err)
		}
	}
	count, _ := tracker.Count("t1", "u1")
	if count != 1 {
		t.Errorf("count = %d, want 1 for the same job", count)
	}
}

func TestRecordInfectionSuspendsAtThreshold(t *testing.T) {
	st := store.NewMemoryStore()
	suspender := &fakeSuspender{}
	recorder := events.NewRecorder()
	tracker := NewTracker(st, suspender, recorder, testLogger())

	for i, id := range []string{"j1", "j2", "j3", "j4"} {
		job := seedJob(t, st, id)
		if err := tracker.RecordInfection(context.Background(), job, testFile(), suspendSettings(3)); err != nil {
			t.Fatalf("RecordInfection %d: %v", i, err)
		}
	}

	// Exactly one suspension, at the third infection, not again at the fourth.
	if suspender.count() != 1 {
		t.Errorf("suspend calls = %d, want 1", suspender.count())
	}
	suspended := recorder.ByKey(events.KeyUserSuspended)
	if len(suspended) != 1 {
		t.Errorf("user.suspended events = %d, want 1", len(suspended))
	}
	count, _ := tracker.Count("t1", "u1")
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestRecordInfectionNoAutoSuspend(t *testing.T) {
	st := store.NewMemoryStore()
	suspender := &fakeSuspender{}
	tracker := NewTracker(st, suspender, events.NewRecorder(), testLogger())
	settings := suspendSettings(1)
	settings.AutoSuspendUploader = false

	job := seedJob(t, st, "j1")
	if err := tracker.RecordInfection(context.Background(), job, testFile(), settings); err != nil {
		t.Fatalf("RecordInfection: %v", err)
	}
	if suspender.count() != 0 {
		t.Error("suspended with auto-suspend disabled")
	}
}

func TestRecordInfectionSuspendFailureIsNonFatal(t *testing.T) {
	st := store.NewMemoryStore()
	suspender := &fakeSuspender{err: errors.New("user service down")}
	recorder := events.NewRecorder()
	tracker := NewTracker(st, suspender, recorder, testLogger())

	job := seedJob(t, st, "j1")
	if err := tracker.RecordInfection(context.Background(), job, testFile(), suspendSettings(1)); err != nil {
		t.Fatalf("RecordInfection: %v", err)
	}
	if len(recorder.ByKey(events.KeyUserSuspended)) != 0 {
		t.Error("suspended event published despite failed call")
	}
	count, _ := tracker.Count("t1", "u1")
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
}
