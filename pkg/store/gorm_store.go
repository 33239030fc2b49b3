package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"fileguard/pkg/domain"
)

const (
	migrateLockID int64 = 52315231
	enqueueLockID int64 = 52315232
)

// GormStore implements Store using GORM + Postgres. All cross-process
// coordination (create-if-absent, claim, counted flags, counter increments)
// is expressed as conditional single-statement SQL so correctness does not
// depend on in-process locks.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		return tx.AutoMigrate(
			&StoredObjectModel{},
			&FileRecordModel{},
			&ScanJobModel{},
			&ScanResultModel{},
			&QuarantineRecordModel{},
			&OffenderCountModel{},
			&ScanSettingsModel{},
		)
	}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateObjectIfAbsent inserts a stored object unless its dedup key exists.
// The unique constraint decides a single winner under concurrent uploads.
func (s *GormStore) CreateObjectIfAbsent(obj domain.StoredObject) (bool, error) {
	model := objectToModel(obj)
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetObject retrieves a stored object by dedup key.
func (s *GormStore) GetObject(tenantID, departmentID, hash string) (domain.StoredObject, bool, error) {
	var model StoredObjectModel
	err := s.db.First(&model, "tenant_id = ? AND department_id = ? AND content_hash = ?",
		tenantID, departmentID, hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.StoredObject{}, false, nil
		}
		return domain.StoredObject{}, false, err
	}
	return objectFromModel(model), true, nil
}

// RetainObject increments the reference count in a single statement.
func (s *GormStore) RetainObject(tenantID, departmentID, hash string) error {
	res := s.db.Model(&StoredObjectModel{}).
		Where("tenant_id = ? AND department_id = ? AND content_hash = ?", tenantID, departmentID, hash).
		Update("ref_count", gorm.Expr("ref_count + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseObject decrements the reference count and returns the remaining count.
func (s *GormStore) ReleaseObject(tenantID, departmentID, hash string) (int64, error) {
	var remaining int64
	res := s.db.Raw(`
		UPDATE stored_objects
		SET ref_count = ref_count - 1
		WHERE tenant_id = ? AND department_id = ? AND content_hash = ? AND ref_count > 0
		RETURNING ref_count`,
		tenantID, departmentID, hash).Scan(&remaining)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		_, found, err := s.GetObject(tenantID, departmentID, hash)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, ErrNotFound
		}
		return 0, ErrRefUnderflow
	}
	return remaining, nil
}

// DeleteObject removes the stored object row.
func (s *GormStore) DeleteObject(tenantID, departmentID, hash string) error {
	return s.db.Delete(&StoredObjectModel{}, "tenant_id = ? AND department_id = ? AND content_hash = ?",
		tenantID, departmentID, hash).Error
}

// SaveFileRecord stores or updates a file record.
func (s *GormStore) SaveFileRecord(record domain.FileRecord) error {
	model := fileRecordToModel(record)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "content_hash", "size_bytes", "scan_status", "status_reason", "updated_at"}),
	}).Create(&model).Error
}

// GetFileRecord retrieves a file record by ID.
func (s *GormStore) GetFileRecord(id string) (domain.FileRecord, bool, error) {
	var model FileRecordModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.FileRecord{}, false, nil
		}
		return domain.FileRecord{}, false, err
	}
	return fileRecordFromModel(model), true, nil
}

// SetScanStatus applies a transition-checked scan status change. The legal
// source states are encoded into the UPDATE predicate so the check and the
// write are one atomic statement.
func (s *GormStore) SetScanStatus(id string, status domain.ScanStatus, reason string) error {
	res := s.db.Model(&FileRecordModel{}).
		Where("id = ? AND scan_status IN ?", id, legalSources(status)).
		Updates(map[string]any{
			"scan_status":   string(status),
			"status_reason": reason,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		record, found, err := s.GetFileRecord(id)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound
		}
		return &domain.IllegalTransitionError{From: record.ScanStatus, To: status}
	}
	return nil
}

// ForceScanStatus overwrites the scan status without transition checks.
func (s *GormStore) ForceScanStatus(id string, status domain.ScanStatus, reason string) error {
	res := s.db.Model(&FileRecordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"scan_status":   string(status),
			"status_reason": reason,
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteFileRecord removes a file record.
func (s *GormStore) DeleteFileRecord(id string) error {
	return s.db.Delete(&FileRecordModel{}, "id = ?", id).Error
}

func legalSources(to domain.ScanStatus) []string {
	sources := make([]string, 0, 4)
	for _, from := range []domain.ScanStatus{
		domain.ScanPending, domain.ScanClean, domain.ScanInfected, domain.ScanSkipped, domain.ScanError,
	} {
		if domain.CanTransition(from, to) {
			sources = append(sources, string(from))
		}
	}
	return sources
}

// CreateScanJob inserts a job unless the queue ceiling is reached.
// ceiling <= 0 means unlimited. The count and insert serialize on a
// transaction-scoped advisory lock; READ COMMITTED alone would let
// concurrent enqueuers pass the count together and overshoot the ceiling.
func (s *GormStore) CreateScanJob(job domain.ScanJob, ceiling int64) (domain.ScanJob, error) {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if ceiling > 0 {
			if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", enqueueLockID).Error; err != nil {
				return err
			}
			var active int64
			if err := tx.Model(&ScanJobModel{}).
				Where("status IN ?", []string{string(domain.JobQueued), string(domain.JobInProgress)}).
				Count(&active).Error; err != nil {
				return err
			}
			if active >= ceiling {
				return ErrQueueFull
			}
		}
		model := jobToModel(job)
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.ScanJob{}, err
	}
	return job, nil
}

// ClaimScanJob marks the oldest runnable job in_progress and returns it.
// SKIP LOCKED keeps concurrent claimers from blocking on or double-claiming
// the same row; expired leases make crashed workers' jobs reclaimable.
func (s *GormStore) ClaimScanJob(now time.Time, lease time.Duration) (domain.ScanJob, bool, error) {
	var model ScanJobModel
	claimed := false
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("(status = ? AND next_attempt_at <= ?) OR (status = ? AND lease_expires_at <= ?)",
				string(domain.JobQueued), now, string(domain.JobInProgress), now).
			Order("enqueued_at ASC").
			First(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		model.Status = string(domain.JobInProgress)
		model.Attempts++
		model.LeaseExpiresAt = now.Add(lease)
		model.UpdatedAt = now
		if err := tx.Save(&model).Error; err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil || !claimed {
		return domain.ScanJob{}, false, err
	}
	return jobFromModel(model), true, nil
}

// GetScanJob retrieves a job by ID.
func (s *GormStore) GetScanJob(id string) (domain.ScanJob, bool, error) {
	var model ScanJobModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ScanJob{}, false, nil
		}
		return domain.ScanJob{}, false, err
	}
	return jobFromModel(model), true, nil
}

// MarkJobDone settles a job.
func (s *GormStore) MarkJobDone(id, reason string) error {
	return s.updateJob(id, map[string]any{
		"status":     string(domain.JobDone),
		"reason":     reason,
		"updated_at": time.Now().UTC(),
	})
}

// RequeueJob returns a failed attempt to the queue with a backoff deadline.
func (s *GormStore) RequeueJob(id string, nextAttemptAt time.Time, reason string) error {
	return s.updateJob(id, map[string]any{
		"status":          string(domain.JobQueued),
		"next_attempt_at": nextAttemptAt,
		"reason":          reason,
		"updated_at":      time.Now().UTC(),
	})
}

// MarkJobFailed settles a job as terminally failed.
func (s *GormStore) MarkJobFailed(id, reason string) error {
	return s.updateJob(id, map[string]any{
		"status":     string(domain.JobFailed),
		"reason":     reason,
		"updated_at": time.Now().UTC(),
	})
}

func (s *GormStore) updateJob(id string, updates map[string]any) error {
	res := s.db.Model(&ScanJobModel{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkOffenderCounted flips the counted flag; the conditional predicate makes
// exactly one caller win even under retried scans.
func (s *GormStore) MarkOffenderCounted(jobID string) (bool, error) {
	res := s.db.Model(&ScanJobModel{}).
		Where("id = ? AND NOT offender_counted", jobID).
		Update("offender_counted", true)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// QueueDepth counts non-terminal jobs.
func (s *GormStore) QueueDepth() (int64, error) {
	var depth int64
	err := s.db.Model(&ScanJobModel{}).
		Where("status IN ?", []string{string(domain.JobQueued), string(domain.JobInProgress)}).
		Count(&depth).Error
	return depth, err
}

// AppendScanResult records one scan attempt outcome. Results are write-once.
func (s *GormStore) AppendScanResult(result domain.ScanResult) error {
	model := resultToModel(result)
	return s.db.Create(&model).Error
}

// ListScanResults returns results for a job in chronological order.
func (s *GormStore) ListScanResults(jobID string) ([]domain.ScanResult, error) {
	var models []ScanResultModel
	if err := s.db.Where("job_id = ?", jobID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	results := make([]domain.ScanResult, 0, len(models))
	for _, m := range models {
		results = append(results, resultFromModel(m))
	}
	return results, nil
}

// CreateQuarantineRecord stores a new quarantine entry.
func (s *GormStore) CreateQuarantineRecord(record domain.QuarantineRecord) error {
	model := quarantineToModel(record)
	return s.db.Create(&model).Error
}

// GetQuarantineRecord retrieves a quarantine record by ID.
func (s *GormStore) GetQuarantineRecord(id string) (domain.QuarantineRecord, bool, error) {
	var model QuarantineRecordModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.QuarantineRecord{}, false, nil
		}
		return domain.QuarantineRecord{}, false, err
	}
	return quarantineFromModel(model), true, nil
}

// ListQuarantined returns unreleased quarantine records for a tenant.
func (s *GormStore) ListQuarantined(tenantID string) ([]domain.QuarantineRecord, error) {
	var models []QuarantineRecordModel
	if err := s.db.Where("tenant_id = ? AND released_at IS NULL", tenantID).
		Order("quarantined_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	records := make([]domain.QuarantineRecord, 0, len(models))
	for _, m := range models {
		records = append(records, quarantineFromModel(m))
	}
	return records, nil
}

// MarkQuarantineReleased sets released_at/by on an unreleased record.
func (s *GormStore) MarkQuarantineReleased(id, releasedBy string, at time.Time) error {
	res := s.db.Model(&QuarantineRecordModel{}).
		Where("id = ? AND released_at IS NULL", id).
		Updates(map[string]any{"released_at": at, "released_by": releasedBy})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteQuarantineRecord removes a quarantine record.
func (s *GormStore) DeleteQuarantineRecord(id string) error {
	return s.db.Delete(&QuarantineRecordModel{}, "id = ?", id).Error
}

// IncrementMalwareCount upserts the per-user counter atomically and returns
// the new count.
func (s *GormStore) IncrementMalwareCount(tenantID, userID string, at time.Time) (int64, error) {
	var count int64
	res := s.db.Raw(`
		INSERT INTO user_malware_counts (tenant_id, user_id, malware_count, last_incident_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT (tenant_id, user_id)
		DO UPDATE SET malware_count = user_malware_counts.malware_count + 1, last_incident_at = ?
		RETURNING malware_count`,
		tenantID, userID, at, at).Scan(&count)
	if res.Error != nil {
		return 0, res.Error
	}
	return count, nil
}

// GetOffenderCount retrieves the per-user counter.
func (s *GormStore) GetOffenderCount(tenantID, userID string) (domain.OffenderCount, bool, error) {
	var model OffenderCountModel
	if err := s.db.First(&model, "tenant_id = ? AND user_id = ?", tenantID, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.OffenderCount{}, false, nil
		}
		return domain.OffenderCount{}, false, err
	}
	return offenderFromModel(model), true, nil
}

// GetScanSettings retrieves per-tenant settings.
func (s *GormStore) GetScanSettings(tenantID string) (domain.ScanSettings, bool, error) {
	var model ScanSettingsModel
	if err := s.db.First(&model, "tenant_id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ScanSettings{}, false, nil
		}
		return domain.ScanSettings{}, false, err
	}
	return settingsFromModel(model), true, nil
}

// SaveScanSettings stores or updates per-tenant settings.
func (s *GormStore) SaveScanSettings(settings domain.ScanSettings) error {
	model := settingsToModel(settings)
	return s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"enabled", "file_types", "max_file_size_mb", "action_on_detect",
			"notify_admin", "notify_uploader", "auto_suspend_uploader",
			"suspend_threshold", "updated_at",
		}),
	}).Create(&model).Error
}

func objectToModel(o domain.StoredObject) StoredObjectModel {
	return StoredObjectModel{
		TenantID:     o.TenantID,
		DepartmentID: o.DepartmentID,
		ContentHash:  o.ContentHash,
		SizeBytes:    o.SizeBytes,
		RefCount:     o.RefCount,
		CreatedAt:    o.CreatedAt,
	}
}

func objectFromModel(m StoredObjectModel) domain.StoredObject {
	return domain.StoredObject{
		TenantID:     m.TenantID,
		DepartmentID: m.DepartmentID,
		ContentHash:  m.ContentHash,
		SizeBytes:    m.SizeBytes,
		RefCount:     m.RefCount,
		CreatedAt:    m.CreatedAt,
	}
}

func fileRecordToModel(r domain.FileRecord) FileRecordModel {
	return FileRecordModel{
		ID:           r.ID,
		TenantID:     r.TenantID,
		DepartmentID: r.DepartmentID,
		UploaderID:   r.UploaderID,
		Name:         r.Name,
		ContentHash:  r.ContentHash,
		SizeBytes:    r.SizeBytes,
		ScanStatus:   string(r.ScanStatus),
		StatusReason: r.StatusReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fileRecordFromModel(m FileRecordModel) domain.FileRecord {
	return domain.FileRecord{
		ID:           m.ID,
		TenantID:     m.TenantID,
		DepartmentID: m.DepartmentID,
		UploaderID:   m.UploaderID,
		Name:         m.Name,
		ContentHash:  m.ContentHash,
		SizeBytes:    m.SizeBytes,
		ScanStatus:   domain.ScanStatus(m.ScanStatus),
		StatusReason: m.StatusReason,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func jobToModel(j domain.ScanJob) ScanJobModel {
	return ScanJobModel{
		ID:              j.ID,
		FileRecordID:    j.FileRecordID,
		TenantID:        j.TenantID,
		Status:          string(j.Status),
		Attempts:        j.Attempts,
		Reason:          j.Reason,
		OffenderCounted: j.OffenderCounted,
		EnqueuedAt:      j.EnqueuedAt,
		NextAttemptAt:   j.NextAttemptAt,
		LeaseExpiresAt:  j.LeaseExpiresAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

func jobFromModel(m ScanJobModel) domain.ScanJob {
	return domain.ScanJob{
		ID:              m.ID,
		FileRecordID:    m.FileRecordID,
		TenantID:        m.TenantID,
		Status:          domain.JobStatus(m.Status),
		Attempts:        m.Attempts,
		Reason:          m.Reason,
		OffenderCounted: m.OffenderCounted,
		EnqueuedAt:      m.EnqueuedAt,
		NextAttemptAt:   m.NextAttemptAt,
		LeaseExpiresAt:  m.LeaseExpiresAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func resultToModel(r domain.ScanResult) ScanResultModel {
	return ScanResultModel{
		ID:         r.ID,
		JobID:      r.JobID,
		TenantID:   r.TenantID,
		Verdict:    string(r.Verdict),
		ThreatName: r.ThreatName,
		DurationMS: r.DurationMS,
		CreatedAt:  r.CreatedAt,
	}
}

func resultFromModel(m ScanResultModel) domain.ScanResult {
	return domain.ScanResult{
		ID:         m.ID,
		JobID:      m.JobID,
		TenantID:   m.TenantID,
		Verdict:    domain.Verdict(m.Verdict),
		ThreatName: m.ThreatName,
		DurationMS: m.DurationMS,
		CreatedAt:  m.CreatedAt,
	}
}

func quarantineToModel(r domain.QuarantineRecord) QuarantineRecordModel {
	return QuarantineRecordModel{
		ID:            r.ID,
		FileRecordID:  r.FileRecordID,
		TenantID:      r.TenantID,
		ThreatName:    r.ThreatName,
		ActionTaken:   string(r.ActionTaken),
		QuarantinedAt: r.QuarantinedAt,
		ReleasedAt:    r.ReleasedAt,
		ReleasedBy:    r.ReleasedBy,
	}
}

func quarantineFromModel(m QuarantineRecordModel) domain.QuarantineRecord {
	return domain.QuarantineRecord{
		ID:            m.ID,
		FileRecordID:  m.FileRecordID,
		TenantID:      m.TenantID,
		ThreatName:    m.ThreatName,
		ActionTaken:   domain.DetectAction(m.ActionTaken),
		QuarantinedAt: m.QuarantinedAt,
		ReleasedAt:    m.ReleasedAt,
		ReleasedBy:    m.ReleasedBy,
	}
}

func offenderFromModel(m OffenderCountModel) domain.OffenderCount {
	return domain.OffenderCount{
		TenantID:       m.TenantID,
		UserID:         m.UserID,
		MalwareCount:   m.MalwareCount,
		LastIncidentAt: m.LastIncidentAt,
	}
}

func settingsToModel(s domain.ScanSettings) ScanSettingsModel {
	fileTypes, _ := json.Marshal(s.FileTypes)
	return ScanSettingsModel{
		TenantID:            s.TenantID,
		Enabled:             s.Enabled,
		FileTypes:           fileTypes,
		MaxFileSizeMB:       s.MaxFileSizeMB,
		ActionOnDetect:      string(s.ActionOnDetect),
		NotifyAdmin:         s.NotifyAdmin,
		NotifyUploader:      s.NotifyUploader,
		AutoSuspendUploader: s.AutoSuspendUploader,
		SuspendThreshold:    s.SuspendThreshold,
		UpdatedAt:           s.UpdatedAt,
	}
}

func settingsFromModel(m ScanSettingsModel) domain.ScanSettings {
	var fileTypes []string
	if len(m.FileTypes) > 0 {
		_ = json.Unmarshal(m.FileTypes, &fileTypes)
	}
	return domain.ScanSettings{
		TenantID:            m.TenantID,
		Enabled:             m.Enabled,
		FileTypes:           fileTypes,
		MaxFileSizeMB:       m.MaxFileSizeMB,
		ActionOnDetect:      domain.DetectAction(m.ActionOnDetect),
		NotifyAdmin:         m.NotifyAdmin,
		NotifyUploader:      m.NotifyUploader,
		AutoSuspendUploader: m.AutoSuspendUploader,
		SuspendThreshold:    m.SuspendThreshold,
		UpdatedAt:           m.UpdatedAt,
	}
}
