package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"fileguard/pkg/clamd"
	"fileguard/pkg/contentstore"
	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/offender"
	"fileguard/pkg/quarantine"
	"fileguard/pkg/queue"
	"fileguard/pkg/storage"
	"fileguard/pkg/store"
)

// fakeScanner classifies by content marker, like the clamd test daemon.
type fakeScanner struct {
	err   error
	scans int
}

func (f *fakeScanner) Scan(_ context.Context, r io.Reader) (clamd.Result, error) {
	f.scans++
	if f.err != nil {
		return clamd.Result{}, f.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return clamd.Result{}, err
	}
	if strings.Contains(string(data), "EICAR") {
		return clamd.Result{Verdict: domain.VerdictInfected, ThreatName: "Eicar-Test-Signature"}, nil
	}
	return clamd.Result{Verdict: domain.VerdictClean}, nil
}

type noSuspend struct{}

func (noSuspend) SuspendUser(context.Context, string, string, string) error { return nil }

type fixture struct {
	pool     *Pool
	store    *store.MemoryStore
	objects  *storage.MemoryObjectStore
	content  *contentstore.ContentStore
	queue    *queue.ScanQueue
	scanner  *fakeScanner
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	objects := storage.NewMemoryObjectStore()
	content := contentstore.New(st, objects)
	q := queue.New(st, queue.Config{
		Ceiling:     100,
		Lease:       time.Minute,
		MaxAttempts: 2,
		RetryBase:   time.Millisecond,
		RetryMax:    time.Millisecond,
	})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := events.NewRecorder()
	scn := &fakeScanner{}
	qm := quarantine.NewManager(st, content, objects, recorder, logger)
	tracker := offender.NewTracker(st, noSuspend{}, recorder, logger)
	pool := NewPool(DefaultConfig(), st, q, content, scn, qm, tracker, nil, recorder, logger)
	return &fixture{
		pool:     pool,
		store:    st,
		objects:  objects,
		content:  content,
		queue:    q,
		scanner:  scn,
		recorder: recorder,
	}
}

// upload stores content, a pending file record, and a queued scan job.
func (f *fixture) upload(t *testing.T, id, name, body string) domain.FileRecord {
	t.Helper()
	res, err := f.content.Put(context.Background(), "t1", "d1", strings.NewReader(body))
	if err != nil {
		t.Fatalf("put content: %v", err)
	}
	file := domain.FileRecord{
		ID:           id,
		TenantID:     "t1",
		DepartmentID: "d1",
		UploaderID:   "u1",
		Name:         name,
		ContentHash:  res.ContentHash,
		SizeBytes:    res.SizeBytes,
		ScanStatus:   domain.ScanPending,
	}
	if err := f.store.SaveFileRecord(file); err != nil {
		t.Fatalf("save file record: %v", err)
	}
	if _, err := f.queue.Enqueue(file.ID, file.TenantID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return file
}

func (f *fixture) processAll(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		processed, err := f.pool.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if !processed {
			return
		}
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) fileStatus(t *testing.T, id string) domain.FileRecord {
	t.Helper()
	file, ok, err := f.store.GetFileRecord(id)
	if err != nil || !ok {
		t.Fatalf("GetFileRecord: ok=%v err=%v", ok, err)
	}
	return file
}

func TestCleanVerdict(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "f1", "report.pdf", "ordinary bytes")

	f.processAll(t)

	file := f.fileStatus(t, "f1")
	if file.ScanStatus != domain.ScanClean {
		t.Errorf("status = %s, want clean", file.ScanStatus)
	}
	if len(f.recorder.ByKey(events.KeyScanVerdict)) != 1 {
		t.Error("missing scan.verdict event")
	}
	depth, _ := f.queue.Depth()
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestInfectedVerdictQuarantines(t *testing.T) {
	f := newFixture(t)
	file := f.upload(t, "f1", "payload.exe", "EICAR test body")

	f.processAll(t)

	got := f.fileStatus(t, "f1")
	if got.ScanStatus != domain.ScanInfected {
		t.Errorf("status = %s, want infected", got.ScanStatus)
	}
	if got.StatusReason != "Eicar-Test-Signature" {
		t.Errorf("reason = %q", got.StatusReason)
	}
	if f.objects.Exists(contentstore.ObjectKey("t1", "d1", file.ContentHash)) {
		t.Error("infected content still in the content namespace")
	}
	if !f.objects.Exists(contentstore.QuarantineKey("t1", "d1", file.ContentHash)) {
		t.Error("infected content missing from quarantine")
	}
	count, ok, _ := f.store.GetOffenderCount("t1", "u1")
	if !ok || count.MalwareCount != 1 {
		t.Errorf("offender count = %+v ok=%v, want 1", count, ok)
	}
	results, _ := f.store.ListScanResults(jobID(t, f.store))
	if len(results) != 1 || results[0].Verdict != domain.VerdictInfected {
		t.Errorf("results = %+v", results)
	}
}

func TestPolicyDisabledSkips(t *testing.T) {
	f := newFixture(t)
	settings := domain.DefaultScanSettings("t1")
	settings.Enabled = false
	if err := f.store.SaveScanSettings(settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	f.upload(t, "f1", "report.pdf", "bytes")

	f.processAll(t)

	file := f.fileStatus(t, "f1")
	if file.ScanStatus != domain.ScanSkipped || file.StatusReason != domain.SkipPolicyDisabled {
		t.Errorf("status = %s/%s", file.ScanStatus, file.StatusReason)
	}
	if f.scanner.scans != 0 {
		t.Error("daemon consulted for a policy-disabled tenant")
	}
	if len(f.recorder.ByKey(events.KeyScanSkipped)) != 1 {
		t.Error("missing scan.skipped event")
	}
}

func TestPolicySizeSkips(t *testing.T) {
	f := newFixture(t)
	settings := domain.DefaultScanSettings("t1")
	settings.MaxFileSizeMB = 1
	if err := f.store.SaveScanSettings(settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	file := f.upload(t, "f1", "big.bin", "bytes")
	file.SizeBytes = 2 * 1024 * 1024
	if err := f.store.SaveFileRecord(file); err != nil {
		t.Fatalf("resize record: %v", err)
	}

	f.processAll(t)

	got := f.fileStatus(t, "f1")
	if got.ScanStatus != domain.ScanSkipped || got.StatusReason != domain.SkipPolicySize {
		t.Errorf("status = %s/%s", got.ScanStatus, got.StatusReason)
	}
}

func TestGlobalDisableSkips(t *testing.T) {
	f := newFixture(t)
	f.pool.cfg.Enabled = false
	f.upload(t, "f1", "report.pdf", "bytes")

	f.processAll(t)

	file := f.fileStatus(t, "f1")
	if file.ScanStatus != domain.ScanSkipped || file.StatusReason != domain.SkipPolicyDisabled {
		t.Errorf("status = %s/%s", file.ScanStatus, file.StatusReason)
	}
	if f.scanner.scans != 0 {
		t.Error("daemon consulted while scanning is globally disabled")
	}
}

func TestGlobalSizeCapSkips(t *testing.T) {
	f := newFixture(t)
	f.pool.cfg.MaxSizeMB = 1
	file := f.upload(t, "f1", "big.bin", "bytes")
	file.SizeBytes = 2 * 1024 * 1024
	if err := f.store.SaveFileRecord(file); err != nil {
		t.Fatalf("resize record: %v", err)
	}

	f.processAll(t)

	got := f.fileStatus(t, "f1")
	if got.ScanStatus != domain.ScanSkipped || got.StatusReason != domain.SkipPolicySize {
		t.Errorf("status = %s/%s", got.ScanStatus, got.StatusReason)
	}
}

func TestPolicyTypeFilter(t *testing.T) {
	f := newFixture(t)
	settings := domain.DefaultScanSettings("t1")
	settings.FileTypes = []string{"exe", ".dll"}
	if err := f.store.SaveScanSettings(settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	f.upload(t, "f1", "notes.txt", "bytes")
	f.upload(t, "f2", "tool.EXE", "other bytes")

	f.processAll(t)

	if got := f.fileStatus(t, "f1"); got.ScanStatus != domain.ScanSkipped || got.StatusReason != domain.SkipPolicyType {
		t.Errorf("f1 status = %s/%s, want skipped/policy_type", got.ScanStatus, got.StatusReason)
	}
	if got := f.fileStatus(t, "f2"); got.ScanStatus != domain.ScanClean {
		t.Errorf("f2 status = %s, want clean (case-insensitive match)", got.ScanStatus)
	}
}

func TestDaemonFailureRetriesThenErrors(t *testing.T) {
	f := newFixture(t)
	f.scanner.err = errors.New("connection refused")
	f.upload(t, "f1", "report.pdf", "bytes")

	// MaxAttempts is 2 and the backoff is a millisecond; drain with waits.
	for i := 0; i < 10; i++ {
		processed, err := f.pool.ProcessNext(context.Background())
		if err != nil {
			t.Fatalf("ProcessNext: %v", err)
		}
		if !processed {
			time.Sleep(5 * time.Millisecond)
		}
		if depth, _ := f.queue.Depth(); depth == 0 {
			break
		}
	}

	file := f.fileStatus(t, "f1")
	if file.ScanStatus != domain.ScanError {
		t.Errorf("status = %s, want error", file.ScanStatus)
	}
	if f.scanner.scans != 2 {
		t.Errorf("scan attempts = %d, want 2", f.scanner.scans)
	}
}

func TestDeletedFileDropsJob(t *testing.T) {
	f := newFixture(t)
	f.upload(t, "f1", "report.pdf", "bytes")
	if err := f.store.DeleteFileRecord("f1"); err != nil {
		t.Fatalf("delete record: %v", err)
	}

	f.processAll(t)

	depth, _ := f.queue.Depth()
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
	if f.scanner.scans != 0 {
		t.Error("scanned a deleted file")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.pool.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v after cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

// jobID recovers the single job id from the recorded results.
func jobID(t *testing.T, st *store.MemoryStore) string {
	t.Helper()
	all, err := st.AllScanResults()
	if err != nil {
		t.Fatalf("AllScanResults: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("no scan results recorded")
	}
	return all[0].JobID
}
