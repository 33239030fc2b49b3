package store

import (
	"errors"
	"time"

	"fileguard/pkg/domain"
)

// Sentinel errors shared by store implementations.
var (
	// ErrQueueFull is returned by CreateScanJob when the number of
	// non-terminal jobs has reached the configured ceiling.
	ErrQueueFull = errors.New("scan queue is full")
	// ErrNotFound is returned when a targeted row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrRefUnderflow is returned when releasing an object whose
	// reference count is already zero.
	ErrRefUnderflow = errors.New("object reference count underflow")
)

// Store defines persistence for stored objects, file records, scan jobs,
// results, quarantine records, offender counts, and tenant scan settings.
// Mutations that coordinate concurrent workers (create-if-absent, claim,
// counted flags, counter increments) must be atomic at the storage level so
// that multiple process instances stay correct.
type Store interface {
	// stored objects
	CreateObjectIfAbsent(obj domain.StoredObject) (created bool, err error)
	GetObject(tenantID, departmentID, hash string) (domain.StoredObject, bool, error)
	RetainObject(tenantID, departmentID, hash string) error
	// ReleaseObject decrements the reference count and returns the remaining
	// count. The caller reclaims bytes and deletes the row at zero.
	ReleaseObject(tenantID, departmentID, hash string) (remaining int64, err error)
	DeleteObject(tenantID, departmentID, hash string) error

	// file records
	SaveFileRecord(domain.FileRecord) error
	GetFileRecord(id string) (domain.FileRecord, bool, error)
	// SetScanStatus applies a transition-checked status change; illegal
	// transitions are rejected with IllegalTransitionError.
	SetScanStatus(id string, status domain.ScanStatus, reason string) error
	// ForceScanStatus bypasses transition checks. Reserved for admin
	// release/purge, which may overwrite terminal verdicts.
	ForceScanStatus(id string, status domain.ScanStatus, reason string) error
	DeleteFileRecord(id string) error

	// scan jobs
	CreateScanJob(job domain.ScanJob, ceiling int64) (domain.ScanJob, error)
	// ClaimScanJob atomically marks the oldest runnable job in_progress and
	// returns it. Jobs whose lease expired are reclaimable. Safe for
	// concurrent callers across processes.
	ClaimScanJob(now time.Time, lease time.Duration) (domain.ScanJob, bool, error)
	GetScanJob(id string) (domain.ScanJob, bool, error)
	MarkJobDone(id, reason string) error
	RequeueJob(id string, nextAttemptAt time.Time, reason string) error
	MarkJobFailed(id, reason string) error
	// MarkOffenderCounted flips the job's offender flag exactly once;
	// returns false when another caller already counted it.
	MarkOffenderCounted(jobID string) (bool, error)
	QueueDepth() (int64, error)

	// scan results
	AppendScanResult(domain.ScanResult) error
	ListScanResults(jobID string) ([]domain.ScanResult, error)

	// quarantine
	CreateQuarantineRecord(domain.QuarantineRecord) error
	GetQuarantineRecord(id string) (domain.QuarantineRecord, bool, error)
	ListQuarantined(tenantID string) ([]domain.QuarantineRecord, error)
	MarkQuarantineReleased(id, releasedBy string, at time.Time) error
	DeleteQuarantineRecord(id string) error

	// offender counts
	IncrementMalwareCount(tenantID, userID string, at time.Time) (newCount int64, err error)
	GetOffenderCount(tenantID, userID string) (domain.OffenderCount, bool, error)

	// settings
	GetScanSettings(tenantID string) (domain.ScanSettings, bool, error)
	SaveScanSettings(domain.ScanSettings) error
}
