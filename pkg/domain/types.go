package domain

import "time"

// ScanStatus is the scan lifecycle state of a file record.
type ScanStatus string

const (
	ScanPending  ScanStatus = "pending"
	ScanClean    ScanStatus = "clean"
	ScanInfected ScanStatus = "infected"
	ScanSkipped  ScanStatus = "skipped"
	ScanError    ScanStatus = "error"
)

// JobStatus is the lifecycle state of a scan job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobInProgress JobStatus = "in_progress"
	JobDone       JobStatus = "done"
	JobFailed     JobStatus = "failed"
)

// Verdict is the scan daemon's classification of an object.
type Verdict string

const (
	VerdictClean    Verdict = "clean"
	VerdictInfected Verdict = "infected"
	VerdictError    Verdict = "error"
)

// DetectAction is the tenant-configured response to an infected verdict.
type DetectAction string

const (
	ActionQuarantine DetectAction = "quarantine"
	ActionDelete     DetectAction = "delete"
	ActionFlag       DetectAction = "flag"
)

// Skip reasons recorded alongside scan_status = skipped. Capacity skips
// happen at enqueue time; policy skips are decided by the worker.
const (
	SkipCapacity       = "capacity"
	SkipPolicySize     = "policy_size"
	SkipPolicyType     = "policy_type"
	SkipPolicyDisabled = "policy_disabled"
)

// StoredObject is one physical copy of content, keyed by
// (tenant, department, content hash). RefCount tracks live file records.
type StoredObject struct {
	TenantID     string    `json:"tenantId"`
	DepartmentID string    `json:"departmentId"`
	ContentHash  string    `json:"contentHash"`
	SizeBytes    int64     `json:"sizeBytes"`
	RefCount     int64     `json:"refCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// FileRecord is the logical file entity. Ownership of most fields lies with
// the file-management collaborator; this core owns ScanStatus and StatusReason.
type FileRecord struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenantId"`
	DepartmentID string     `json:"departmentId"`
	UploaderID   string     `json:"uploaderId"`
	Name         string     `json:"name"`
	ContentHash  string     `json:"contentHash"`
	SizeBytes    int64      `json:"sizeBytes"`
	ScanStatus   ScanStatus `json:"scanStatus"`
	StatusReason string     `json:"statusReason,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// ScanJob is one queued scan of a file record.
type ScanJob struct {
	ID              string    `json:"id"`
	FileRecordID    string    `json:"fileRecordId"`
	TenantID        string    `json:"tenantId"`
	Status          JobStatus `json:"status"`
	Attempts        int       `json:"attempts"`
	Reason          string    `json:"reason,omitempty"`
	OffenderCounted bool      `json:"-"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
	NextAttemptAt   time.Time `json:"nextAttemptAt"`
	LeaseExpiresAt  time.Time `json:"-"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ScanResult is the append-only outcome of one scan attempt.
type ScanResult struct {
	ID         string    `json:"id"`
	JobID      string    `json:"jobId"`
	TenantID   string    `json:"tenantId"`
	Verdict    Verdict   `json:"verdict"`
	ThreatName string    `json:"threatName,omitempty"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}

// QuarantineRecord tracks a file moved to the quarantine namespace.
// ReleasedAt set means the file was restored and scan status reset to clean.
type QuarantineRecord struct {
	ID            string       `json:"id"`
	FileRecordID  string       `json:"fileRecordId"`
	TenantID      string       `json:"tenantId"`
	ThreatName    string       `json:"threatName"`
	ActionTaken   DetectAction `json:"actionTaken"`
	QuarantinedAt time.Time    `json:"quarantinedAt"`
	ReleasedAt    *time.Time   `json:"releasedAt,omitempty"`
	ReleasedBy    string       `json:"releasedBy,omitempty"`
}

// OffenderCount is the per-user confirmed-malware counter. Never decremented
// automatically.
type OffenderCount struct {
	TenantID       string    `json:"tenantId"`
	UserID         string    `json:"userId"`
	MalwareCount   int64     `json:"malwareCount"`
	LastIncidentAt time.Time `json:"lastIncidentAt"`
}

// ScanSettings is the per-tenant scanning configuration.
type ScanSettings struct {
	TenantID            string       `json:"tenantId"`
	Enabled             bool         `json:"enabled"`
	FileTypes           []string     `json:"fileTypes"` // extension filter, empty = scan all
	MaxFileSizeMB       int64        `json:"maxFileSizeMb"`
	ActionOnDetect      DetectAction `json:"actionOnDetect"`
	NotifyAdmin         bool         `json:"notifyAdmin"`
	NotifyUploader      bool         `json:"notifyUploader"`
	AutoSuspendUploader bool         `json:"autoSuspendUploader"`
	SuspendThreshold    int64        `json:"suspendThreshold"`
	UpdatedAt           time.Time    `json:"updatedAt"`
}

// DefaultScanSettings applies when a tenant has no stored settings row.
func DefaultScanSettings(tenantID string) ScanSettings {
	return ScanSettings{
		TenantID:         tenantID,
		Enabled:          true,
		MaxFileSizeMB:    100,
		ActionOnDetect:   ActionQuarantine,
		NotifyAdmin:      true,
		SuspendThreshold: 3,
	}
}

// ScanMetrics is the snapshot exposed to the admin API.
type ScanMetrics struct {
	ScansToday       int64   `json:"scansToday"`
	InfectedToday    int64   `json:"infectedToday"`
	AvgScanMS        float64 `json:"avgScanMs"`
	QueueDepth       int64   `json:"queueDepth"`
	DaemonVersion    string  `json:"daemonVersion,omitempty"`
	SignatureVersion string  `json:"signatureVersion,omitempty"`
}
