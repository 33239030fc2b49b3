package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type StoredObjectModel struct {
	TenantID     string    `gorm:"primaryKey;size:64"`
	DepartmentID string    `gorm:"primaryKey;size:64"`
	ContentHash  string    `gorm:"primaryKey;size:64"`
	SizeBytes    int64     `gorm:"not null"`
	RefCount     int64     `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (StoredObjectModel) TableName() string { return "stored_objects" }

type FileRecordModel struct {
	ID           string `gorm:"primaryKey"`
	TenantID     string `gorm:"not null;index"`
	DepartmentID string `gorm:"not null"`
	UploaderID   string `gorm:"not null;index"`
	Name         string `gorm:"not null"`
	ContentHash  string `gorm:"not null;index"`
	SizeBytes    int64  `gorm:"not null"`
	ScanStatus   string `gorm:"not null;index"`
	StatusReason string
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (FileRecordModel) TableName() string { return "file_records" }

type ScanJobModel struct {
	ID              string    `gorm:"primaryKey"`
	FileRecordID    string    `gorm:"not null;index"`
	TenantID        string    `gorm:"not null;index"`
	Status          string    `gorm:"not null;index"`
	Attempts        int       `gorm:"not null"`
	Reason          string
	OffenderCounted bool      `gorm:"not null"`
	EnqueuedAt      time.Time `gorm:"not null;index"`
	NextAttemptAt   time.Time `gorm:"not null"`
	LeaseExpiresAt  time.Time
	UpdatedAt       time.Time `gorm:"not null"`
}

func (ScanJobModel) TableName() string { return "scan_jobs" }

type ScanResultModel struct {
	ID         string    `gorm:"primaryKey"`
	JobID      string    `gorm:"not null;index"`
	TenantID   string    `gorm:"not null;index"`
	Verdict    string    `gorm:"not null"`
	ThreatName string
	DurationMS int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index"`
}

func (ScanResultModel) TableName() string { return "scan_results" }

type QuarantineRecordModel struct {
	ID            string    `gorm:"primaryKey"`
	FileRecordID  string    `gorm:"not null;index"`
	TenantID      string    `gorm:"not null;index"`
	ThreatName    string    `gorm:"not null"`
	ActionTaken   string    `gorm:"not null"`
	QuarantinedAt time.Time `gorm:"not null"`
	ReleasedAt    *time.Time
	ReleasedBy    string
}

func (QuarantineRecordModel) TableName() string { return "quarantined_files" }

type OffenderCountModel struct {
	TenantID       string    `gorm:"primaryKey;size:64"`
	UserID         string    `gorm:"primaryKey;size:64"`
	MalwareCount   int64     `gorm:"not null"`
	LastIncidentAt time.Time `gorm:"not null"`
}

func (OffenderCountModel) TableName() string { return "user_malware_counts" }

type ScanSettingsModel struct {
	TenantID            string         `gorm:"primaryKey;size:64"`
	Enabled             bool           `gorm:"not null"`
	FileTypes           datatypes.JSON `gorm:"type:jsonb"`
	MaxFileSizeMB       int64          `gorm:"not null"`
	ActionOnDetect      string         `gorm:"not null"`
	NotifyAdmin         bool           `gorm:"not null"`
	NotifyUploader      bool           `gorm:"not null"`
	AutoSuspendUploader bool           `gorm:"not null"`
	SuspendThreshold    int64          `gorm:"not null"`
	UpdatedAt           time.Time      `gorm:"not null"`
}

func (ScanSettingsModel) TableName() string { return "scan_settings" }
