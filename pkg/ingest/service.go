package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"fileguard/internal/util"
	"fileguard/pkg/contentstore"
	"fileguard/pkg/domain"
	"fileguard/pkg/queue"
	"fileguard/pkg/store"
)

var (
	// ErrNotFound is returned for unknown file ids.
	ErrNotFound = errors.New("file not found")
	// ErrQuarantined is returned when reading a file whose content is held
	// in quarantine.
	ErrQuarantined = errors.New("file is quarantined")
)

// Upload describes one incoming file.
type Upload struct {
	TenantID     string
	DepartmentID string
	UploaderID   string
	Name         string
	Content      io.Reader
}

// Service is the upload-side facade: content in, file record tracked, scan
// job queued. Read and delete paths enforce the scan verdict.
type Service struct {
	store   store.Store
	content *contentstore.ContentStore
	queue   *queue.ScanQueue
	logger  *slog.Logger
}

// NewService wires an ingest service.
func NewService(st store.Store, content *contentstore.ContentStore, q *queue.ScanQueue, logger *slog.Logger) *Service {
	return &Service{store: st, content: content, queue: q, logger: logger}
}

// IngestUpload stores content, creates a pending file record, and queues a
// scan. A full scan queue never fails the upload: the record settles to
// skipped with a capacity reason and remains re-scannable later.
func (s *Service) IngestUpload(ctx context.Context, up Upload) (domain.FileRecord, error) {
	res, err := s.content.Put(ctx, up.TenantID, up.DepartmentID, up.Content)
	if err != nil {
		return domain.FileRecord{}, fmt.Errorf("store content: %w", err)
	}

	now := time.Now().UTC()
	file := domain.FileRecord{
		ID:           util.NewID(),
		TenantID:     up.TenantID,
		DepartmentID: up.DepartmentID,
		UploaderID:   up.UploaderID,
		Name:         up.Name,
		ContentHash:  res.ContentHash,
		SizeBytes:    res.SizeBytes,
		ScanStatus:   domain.ScanPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.SaveFileRecord(file); err != nil {
		// Unwind the reference taken by Put.
		if relErr := s.content.Release(ctx, up.TenantID, up.DepartmentID, res.ContentHash); relErr != nil {
			s.logger.Error("release content after failed record save", "error", relErr)
		}
		return domain.FileRecord{}, fmt.Errorf("save file record: %w", err)
	}

	if _, err := s.queue.Enqueue(file.ID, file.TenantID); err != nil {
		if !errors.Is(err, queue.ErrQueueFull) {
			return domain.FileRecord{}, fmt.Errorf("enqueue scan: %w", err)
		}
		s.logger.Warn("scan queue full, skipping scan", "file_id", file.ID, "tenant_id", file.TenantID)
		if err := s.store.SetScanStatus(file.ID, domain.ScanSkipped, domain.SkipCapacity); err != nil {
			return domain.FileRecord{}, fmt.Errorf("mark capacity skip: %w", err)
		}
		file.ScanStatus = domain.ScanSkipped
		file.StatusReason = domain.SkipCapacity
	}

	s.logger.Info("file ingested",
		"file_id", file.ID,
		"tenant_id", file.TenantID,
		"size_bytes", file.SizeBytes,
		"deduplicated", res.Deduplicated,
		"scan_status", file.ScanStatus,
	)
	return file, nil
}

// OpenFile streams a file's content. Quarantined and deleted content is never
// served; a flagged infection stays readable because its bytes were left in
// place.
func (s *Service) OpenFile(ctx context.Context, fileID string) (io.ReadCloser, domain.FileRecord, error) {
	file, ok, err := s.store.GetFileRecord(fileID)
	if err != nil {
		return nil, domain.FileRecord{}, err
	}
	if !ok {
		return nil, domain.FileRecord{}, ErrNotFound
	}
	rc, err := s.content.Open(ctx, file.TenantID, file.DepartmentID, file.ContentHash)
	if err != nil {
		if file.ScanStatus == domain.ScanInfected && errors.Is(err, contentstore.ErrNotFound) {
			return nil, domain.FileRecord{}, ErrQuarantined
		}
		return nil, domain.FileRecord{}, err
	}
	if file.ScanStatus == domain.ScanInfected && s.isQuarantined(fileID) {
		_ = rc.Close()
		return nil, domain.FileRecord{}, ErrQuarantined
	}
	return rc, file, nil
}

// DeleteFile removes the record and drops its content reference. The last
// reference reclaims the stored bytes.
func (s *Service) DeleteFile(ctx context.Context, fileID string) error {
	file, ok, err := s.store.GetFileRecord(fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.store.DeleteFileRecord(fileID); err != nil {
		return fmt.Errorf("delete file record: %w", err)
	}
	if err := s.content.Release(ctx, file.TenantID, file.DepartmentID, file.ContentHash); err != nil && !errors.Is(err, contentstore.ErrNotFound) {
		return fmt.Errorf("release content: %w", err)
	}
	s.logger.Info("file deleted", "file_id", fileID, "tenant_id", file.TenantID)
	return nil
}

// RequestRescan re-enters the scan cycle for a skipped or errored file. A
// full queue degrades the same way uploads do: the record settles back to a
// capacity skip instead of stranding in pending.
func (s *Service) RequestRescan(fileID string) error {
	file, ok, err := s.store.GetFileRecord(fileID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := s.store.SetScanStatus(fileID, domain.ScanPending, "re-scan requested"); err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(fileID, file.TenantID); err != nil {
		if !errors.Is(err, queue.ErrQueueFull) {
			return fmt.Errorf("enqueue re-scan: %w", err)
		}
		s.logger.Warn("scan queue full, re-scan skipped", "file_id", fileID, "tenant_id", file.TenantID)
		if err := s.store.SetScanStatus(fileID, domain.ScanSkipped, domain.SkipCapacity); err != nil {
			return fmt.Errorf("mark capacity skip: %w", err)
		}
	}
	return nil
}

// isQuarantined reports whether an active quarantine record exists for the
// file. Dedup can leave the shared bytes present while a sibling record is
// quarantined, so the record check backs up the physical one.
func (s *Service) isQuarantined(fileID string) bool {
	file, ok, err := s.store.GetFileRecord(fileID)
	if err != nil || !ok {
		return false
	}
	records, err := s.store.ListQuarantined(file.TenantID)
	if err != nil {
		return false
	}
	for _, record := range records {
		if record.FileRecordID == fileID {
			return true
		}
	}
	return false
}
