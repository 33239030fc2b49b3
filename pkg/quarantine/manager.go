package quarantine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fileguard/internal/util"
	"fileguard/pkg/contentstore"
	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/storage"
	"fileguard/pkg/store"
)

var (
	// ErrNotFound is returned when no quarantine record matches.
	ErrNotFound = errors.New("quarantine record not found")
	// ErrAlreadyReleased is returned when releasing a record twice.
	ErrAlreadyReleased = errors.New("quarantine record already released")
)

// Manager applies detection actions and handles admin release and purge.
// Quarantine moves the physical bytes out of the content namespace so no
// read path can serve them while the record stands.
type Manager struct {
	store   store.Store
	content *contentstore.ContentStore
	objects storage.ObjectStore
	events  events.Publisher
	logger  *slog.Logger
}

// NewManager wires a quarantine manager.
func NewManager(st store.Store, content *contentstore.ContentStore, objects storage.ObjectStore, publisher events.Publisher, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		content: content,
		objects: objects,
		events:  publisher,
		logger:  logger,
	}
}

// Apply executes the tenant's configured action for an infected file.
// quarantine moves bytes aside and records it, delete destroys the file
// outright, flag leaves everything in place beyond the infected status the
// caller already set.
func (m *Manager) Apply(ctx context.Context, file domain.FileRecord, threatName string, action domain.DetectAction) error {
	switch action {
	case domain.ActionQuarantine:
		return m.quarantineFile(ctx, file, threatName)
	case domain.ActionDelete:
		return m.deleteFile(ctx, file, threatName)
	case domain.ActionFlag:
		return nil
	default:
		return fmt.Errorf("unknown detect action %q", action)
	}
}

func (m *Manager) quarantineFile(ctx context.Context, file domain.FileRecord, threatName string) error {
	src := contentstore.ObjectKey(file.TenantID, file.DepartmentID, file.ContentHash)
	dst := contentstore.QuarantineKey(file.TenantID, file.DepartmentID, file.ContentHash)
	if err := m.objects.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("move content to quarantine: %w", err)
	}
	if err := m.objects.Delete(ctx, src); err != nil {
		return fmt.Errorf("remove quarantined content: %w", err)
	}

	record := domain.QuarantineRecord{
		ID:            util.NewID(),
		FileRecordID:  file.ID,
		TenantID:      file.TenantID,
		ThreatName:    threatName,
		ActionTaken:   domain.ActionQuarantine,
		QuarantinedAt: time.Now().UTC(),
	}
	if err := m.store.CreateQuarantineRecord(record); err != nil {
		return fmt.Errorf("record quarantine: %w", err)
	}
	m.logger.Info("file quarantined",
		"file_id", file.ID,
		"tenant_id", file.TenantID,
		"threat", threatName,
	)
	m.events.Publish(ctx, events.KeyFileQuarantined, events.Event{
		TenantID:   file.TenantID,
		FileID:     file.ID,
		UserID:     file.UploaderID,
		ThreatName: threatName,
	})
	return nil
}

func (m *Manager) deleteFile(ctx context.Context, file domain.FileRecord, threatName string) error {
	if err := m.content.Release(ctx, file.TenantID, file.DepartmentID, file.ContentHash); err != nil && !errors.Is(err, contentstore.ErrNotFound) {
		return fmt.Errorf("release infected content: %w", err)
	}
	if err := m.store.DeleteFileRecord(file.ID); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	m.logger.Info("infected file deleted",
		"file_id", file.ID,
		"tenant_id", file.TenantID,
		"threat", threatName,
	)
	m.events.Publish(ctx, events.KeyFilePurged, events.Event{
		TenantID:   file.TenantID,
		FileID:     file.ID,
		UserID:     file.UploaderID,
		ThreatName: threatName,
	})
	return nil
}

// Release restores a quarantined file: bytes move back into the content
// namespace and the scan status is overridden to clean. Only this path may
// overwrite a terminal infected verdict.
func (m *Manager) Release(ctx context.Context, quarantineID, releasedBy string) error {
	record, ok, err := m.store.GetQuarantineRecord(quarantineID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if record.ReleasedAt != nil {
		return ErrAlreadyReleased
	}
	file, ok, err := m.store.GetFileRecord(record.FileRecordID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("file record %s missing for quarantine %s", record.FileRecordID, quarantineID)
	}

	src := contentstore.QuarantineKey(file.TenantID, file.DepartmentID, file.ContentHash)
	dst := contentstore.ObjectKey(file.TenantID, file.DepartmentID, file.ContentHash)
	if err := m.objects.Copy(ctx, src, dst); err != nil {
		return fmt.Errorf("restore content: %w", err)
	}
	if err := m.objects.Delete(ctx, src); err != nil {
		return fmt.Errorf("clear quarantine copy: %w", err)
	}

	if err := m.store.MarkQuarantineReleased(quarantineID, releasedBy, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	if err := m.store.ForceScanStatus(file.ID, domain.ScanClean, "released from quarantine by "+releasedBy); err != nil {
		return fmt.Errorf("reset scan status: %w", err)
	}
	m.logger.Info("file released from quarantine",
		"file_id", file.ID,
		"tenant_id", file.TenantID,
		"released_by", releasedBy,
	)
	m.events.Publish(ctx, events.KeyFileReleased, events.Event{
		TenantID: file.TenantID,
		FileID:   file.ID,
		Detail:   map[string]any{"releasedBy": releasedBy},
	})
	return nil
}

// Purge permanently destroys a quarantined file: bytes, file record, and
// quarantine record. The offender count is untouched.
func (m *Manager) Purge(ctx context.Context, quarantineID string) error {
	record, ok, err := m.store.GetQuarantineRecord(quarantineID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	file, ok, err := m.store.GetFileRecord(record.FileRecordID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("file record %s missing for quarantine %s", record.FileRecordID, quarantineID)
	}

	if err := m.objects.Delete(ctx, contentstore.QuarantineKey(file.TenantID, file.DepartmentID, file.ContentHash)); err != nil {
		return fmt.Errorf("destroy quarantined bytes: %w", err)
	}
	if err := m.content.Release(ctx, file.TenantID, file.DepartmentID, file.ContentHash); err != nil && !errors.Is(err, contentstore.ErrNotFound) {
		return fmt.Errorf("release purged content: %w", err)
	}
	if err := m.store.DeleteFileRecord(file.ID); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if err := m.store.DeleteQuarantineRecord(quarantineID); err != nil {
		return fmt.Errorf("delete quarantine record: %w", err)
	}
	m.logger.Info("quarantined file purged",
		"file_id", file.ID,
		"tenant_id", file.TenantID,
		"threat", record.ThreatName,
	)
	m.events.Publish(ctx, events.KeyFilePurged, events.Event{
		TenantID:   file.TenantID,
		FileID:     file.ID,
		ThreatName: record.ThreatName,
	})
	return nil
}

// List returns a tenant's active quarantine records.
func (m *Manager) List(tenantID string) ([]domain.QuarantineRecord, error) {
	return m.store.ListQuarantined(tenantID)
}
