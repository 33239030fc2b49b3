package quarantine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"fileguard/pkg/contentstore"
	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/storage"
	"fileguard/pkg/store"
)

type fixture struct {
	manager  *Manager
	store    *store.MemoryStore
	objects  *storage.MemoryObjectStore
	content  *contentstore.ContentStore
	recorder *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	objects := storage.NewMemoryObjectStore()
	content := contentstore.New(st, objects)
	recorder := events.NewRecorder()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return &fixture{
		manager:  NewManager(st, content, objects, recorder, logger),
		store:    st,
		objects:  objects,
		content:  content,
		recorder: recorder,
	}
}

// uploadInfected stores content and a pending file record, then marks it
// infected the way the scan worker would before invoking the manager.
func (f *fixture) uploadInfected(t *testing.T, id, body string) domain.FileRecord {
	t.Helper()
	ctx := context.Background()
	res, err := f.content.Put(ctx, "t1", "d1", strings.NewReader(body))
	if err != nil {
		t.Fatalf("put content: %v", err)
	}
	file := domain.FileRecord{
		ID:           id,
		TenantID:     "t1",
		DepartmentID: "d1",
		UploaderID:   "u1",
		Name:         id + ".bin",
		ContentHash:  res.ContentHash,
		SizeBytes:    res.SizeBytes,
		ScanStatus:   domain.ScanPending,
	}
	if err := f.store.SaveFileRecord(file); err != nil {
		t.Fatalf("save file record: %v", err)
	}
	if err := f.store.SetScanStatus(id, domain.ScanInfected, "Eicar-Test-Signature"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	file.ScanStatus = domain.ScanInfected
	return file
}

func (f *fixture) singleRecord(t *testing.T) domain.QuarantineRecord {
	t.Helper()
	records, err := f.manager.List("t1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	return records[0]
}

func TestApplyQuarantineMovesBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.uploadInfected(t, "f1", "infected bytes")

	if err := f.manager.Apply(ctx, file, "Eicar-Test-Signature", domain.ActionQuarantine); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if f.objects.Exists(contentstore.ObjectKey("t1", "d1", file.ContentHash)) {
		t.Error("content still readable from the content namespace")
	}
	if !f.objects.Exists(contentstore.QuarantineKey("t1", "d1", file.ContentHash)) {
		t.Error("bytes missing from the quarantine namespace")
	}

	record := f.singleRecord(t)
	if record.ThreatName != "Eicar-Test-Signature" || record.ActionTaken != domain.ActionQuarantine {
		t.Errorf("record = %+v", record)
	}
	if len(f.recorder.ByKey(events.KeyFileQuarantined)) != 1 {
		t.Error("missing file.quarantined event")
	}
}

func TestApplyDeleteDestroysFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.uploadInfected(t, "f1", "infected bytes")

	if err := f.manager.Apply(ctx, file, "Worm.X", domain.ActionDelete); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if f.objects.Exists(contentstore.ObjectKey("t1", "d1", file.ContentHash)) {
		t.Error("bytes survived delete action")
	}
	if _, ok, _ := f.store.GetFileRecord("f1"); ok {
		t.Error("file record survived delete action")
	}
	if len(f.recorder.ByKey(events.KeyFilePurged)) != 1 {
		t.Error("missing file.purged event")
	}
}

func TestApplyFlagLeavesBytes(t *testing.T) {
	f := newFixture(t)
	file := f.uploadInfected(t, "f1", "infected bytes")

	if err := f.manager.Apply(context.Background(), file, "Worm.X", domain.ActionFlag); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !f.objects.Exists(contentstore.ObjectKey("t1", "d1", file.ContentHash)) {
		t.Error("flag action must not move bytes")
	}
	records, _ := f.manager.List("t1")
	if len(records) != 0 {
		t.Error("flag action must not create quarantine records")
	}
}

func TestReleaseRestoresFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.uploadInfected(t, "f1", "infected bytes")
	if err := f.manager.Apply(ctx, file, "Worm.X", domain.ActionQuarantine); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	record := f.singleRecord(t)

	if err := f.manager.Release(ctx, record.ID, "admin-1"); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if !f.objects.Exists(contentstore.ObjectKey("t1", "d1", file.ContentHash)) {
		t.Error("bytes not restored to content namespace")
	}
	if f.objects.Exists(contentstore.QuarantineKey("t1", "d1", file.ContentHash)) {
		t.Error("quarantine copy left behind")
	}
	restored, ok, _ := f.store.GetFileRecord("f1")
	if !ok || restored.ScanStatus != domain.ScanClean {
		t.Errorf("scan status = %s, want clean", restored.ScanStatus)
	}
	active, _ := f.manager.List("t1")
	if len(active) != 0 {
		t.Error("released record still listed as active")
	}
	if len(f.recorder.ByKey(events.KeyFileReleased)) != 1 {
		t.Error("missing file.released event")
	}

	if err := f.manager.Release(ctx, record.ID, "admin-1"); !errors.Is(err, ErrAlreadyReleased) {
		t.Errorf("second release err = %v, want ErrAlreadyReleased", err)
	}
}

func TestPurgeDestroysEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	file := f.uploadInfected(t, "f1", "infected bytes")
	if err := f.manager.Apply(ctx, file, "Worm.X", domain.ActionQuarantine); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	record := f.singleRecord(t)

	if err := f.manager.Purge(ctx, record.ID); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if f.objects.Exists(contentstore.QuarantineKey("t1", "d1", file.ContentHash)) {
		t.Error("quarantined bytes survived purge")
	}
	if _, ok, _ := f.store.GetFileRecord("f1"); ok {
		t.Error("file record survived purge")
	}
	if _, ok, _ := f.store.GetQuarantineRecord(record.ID); ok {
		t.Error("quarantine record survived purge")
	}
	if _, ok, _ := f.store.GetObject("t1", "d1", file.ContentHash); ok {
		t.Error("stored object row survived purge")
	}
}

func TestReleaseUnknownRecord(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.Release(context.Background(), "nope", "admin-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := f.manager.Purge(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("purge err = %v, want ErrNotFound", err)
	}
}
