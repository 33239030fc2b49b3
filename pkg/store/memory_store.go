package store

import (
	"sort"
	"sync"
	"time"

	"fileguard/pkg/domain"
)

// MemoryStore keeps all state in-process. It mirrors the GormStore contract
// closely enough for pipeline tests and local development; the mutex stands
// in for storage-level atomicity within a single process.
type MemoryStore struct {
	mu         sync.Mutex
	objects    map[objectKey]domain.StoredObject
	files      map[string]domain.FileRecord
	jobs       map[string]domain.ScanJob
	results    []domain.ScanResult
	quarantine map[string]domain.QuarantineRecord
	offenders  map[offenderKey]domain.OffenderCount
	settings   map[string]domain.ScanSettings
}

type objectKey struct {
	tenantID, departmentID, hash string
}

type offenderKey struct {
	tenantID, userID string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects:    make(map[objectKey]domain.StoredObject),
		files:      make(map[string]domain.FileRecord),
		jobs:       make(map[string]domain.ScanJob),
		quarantine: make(map[string]domain.QuarantineRecord),
		offenders:  make(map[offenderKey]domain.OffenderCount),
		settings:   make(map[string]domain.ScanSettings),
	}
}

func (m *MemoryStore) CreateObjectIfAbsent(obj domain.StoredObject) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey{obj.TenantID, obj.DepartmentID, obj.ContentHash}
	if _, exists := m.objects[key]; exists {
		return false, nil
	}
	m.objects[key] = obj
	return true, nil
}

func (m *MemoryStore) GetObject(tenantID, departmentID, hash string) (domain.StoredObject, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[objectKey{tenantID, departmentID, hash}]
	return obj, ok, nil
}

func (m *MemoryStore) RetainObject(tenantID, departmentID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey{tenantID, departmentID, hash}
	obj, ok := m.objects[key]
	if !ok {
		return ErrNotFound
	}
	obj.RefCount++
	m.objects[key] = obj
	return nil
}

func (m *MemoryStore) ReleaseObject(tenantID, departmentID, hash string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey{tenantID, departmentID, hash}
	obj, ok := m.objects[key]
	if !ok {
		return 0, ErrNotFound
	}
	if obj.RefCount <= 0 {
		return 0, ErrRefUnderflow
	}
	obj.RefCount--
	m.objects[key] = obj
	return obj.RefCount, nil
}

func (m *MemoryStore) DeleteObject(tenantID, departmentID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, objectKey{tenantID, departmentID, hash})
	return nil
}

func (m *MemoryStore) SaveFileRecord(record domain.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[record.ID] = record
	return nil
}

func (m *MemoryStore) GetFileRecord(id string) (domain.FileRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.files[id]
	return record, ok, nil
}

func (m *MemoryStore) SetScanStatus(id string, status domain.ScanStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	if err := domain.CheckTransition(record.ScanStatus, status); err != nil {
		return err
	}
	record.ScanStatus = status
	record.StatusReason = reason
	record.UpdatedAt = time.Now().UTC()
	m.files[id] = record
	return nil
}

func (m *MemoryStore) ForceScanStatus(id string, status domain.ScanStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.files[id]
	if !ok {
		return ErrNotFound
	}
	record.ScanStatus = status
	record.StatusReason = reason
	record.UpdatedAt = time.Now().UTC()
	m.files[id] = record
	return nil
}

func (m *MemoryStore) DeleteFileRecord(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

func (m *MemoryStore) CreateScanJob(job domain.ScanJob, ceiling int64) (domain.ScanJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ceiling > 0 {
		var active int64
		for _, j := range m.jobs {
			if !domain.TerminalJob(j.Status) {
				active++
			}
		}
		if active >= ceiling {
			return domain.ScanJob{}, ErrQueueFull
		}
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) ClaimScanJob(now time.Time, lease time.Duration) (domain.ScanJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates := make([]domain.ScanJob, 0)
	for _, job := range m.jobs {
		runnable := (job.Status == domain.JobQueued && !job.NextAttemptAt.After(now)) ||
			(job.Status == domain.JobInProgress && !job.LeaseExpiresAt.After(now))
		if runnable {
			candidates = append(candidates, job)
		}
	}
	if len(candidates) == 0 {
		return domain.ScanJob{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].EnqueuedAt.Before(candidates[j].EnqueuedAt)
	})
	job := candidates[0]
	job.Status = domain.JobInProgress
	job.Attempts++
	job.LeaseExpiresAt = now.Add(lease)
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	return job, true, nil
}

// PutScanJob overwrites a job wholesale. Test seeding hook; production code
// goes through Claim/Requeue/Mark mutations.
func (m *MemoryStore) PutScanJob(job domain.ScanJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; !ok {
		return ErrNotFound
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *MemoryStore) GetScanJob(id string) (domain.ScanJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	return job, ok, nil
}

func (m *MemoryStore) MarkJobDone(id, reason string) error {
	return m.updateJob(id, func(job *domain.ScanJob) {
		job.Status = domain.JobDone
		job.Reason = reason
	})
}

func (m *MemoryStore) RequeueJob(id string, nextAttemptAt time.Time, reason string) error {
	return m.updateJob(id, func(job *domain.ScanJob) {
		job.Status = domain.JobQueued
		job.NextAttemptAt = nextAttemptAt
		job.Reason = reason
	})
}

func (m *MemoryStore) MarkJobFailed(id, reason string) error {
	return m.updateJob(id, func(job *domain.ScanJob) {
		job.Status = domain.JobFailed
		job.Reason = reason
	})
}

func (m *MemoryStore) updateJob(id string, mutate func(*domain.ScanJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	m.jobs[id] = job
	return nil
}

func (m *MemoryStore) MarkOffenderCounted(jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok || job.OffenderCounted {
		return false, nil
	}
	job.OffenderCounted = true
	m.jobs[jobID] = job
	return true, nil
}

func (m *MemoryStore) QueueDepth() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var depth int64
	for _, job := range m.jobs {
		if !domain.TerminalJob(job.Status) {
			depth++
		}
	}
	return depth, nil
}

func (m *MemoryStore) AppendScanResult(result domain.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *MemoryStore) ListScanResults(jobID string) ([]domain.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ScanResult, 0)
	for _, r := range m.results {
		if r.JobID == jobID {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllScanResults returns every recorded result. Test inspection hook.
func (m *MemoryStore) AllScanResults() ([]domain.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.ScanResult(nil), m.results...), nil
}

func (m *MemoryStore) CreateQuarantineRecord(record domain.QuarantineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantine[record.ID] = record
	return nil
}

func (m *MemoryStore) GetQuarantineRecord(id string) (domain.QuarantineRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.quarantine[id]
	return record, ok, nil
}

func (m *MemoryStore) ListQuarantined(tenantID string) ([]domain.QuarantineRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.QuarantineRecord, 0)
	for _, record := range m.quarantine {
		if record.TenantID == tenantID && record.ReleasedAt == nil {
			out = append(out, record)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].QuarantinedAt.After(out[j].QuarantinedAt)
	})
	return out, nil
}

func (m *MemoryStore) MarkQuarantineReleased(id, releasedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.quarantine[id]
	if !ok || record.ReleasedAt != nil {
		return ErrNotFound
	}
	record.ReleasedAt = &at
	record.ReleasedBy = releasedBy
	m.quarantine[id] = record
	return nil
}

func (m *MemoryStore) DeleteQuarantineRecord(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.quarantine, id)
	return nil
}

func (m *MemoryStore) IncrementMalwareCount(tenantID, userID string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := offenderKey{tenantID, userID}
	count := m.offenders[key]
	count.TenantID = tenantID
	count.UserID = userID
	count.MalwareCount++
	count.LastIncidentAt = at
	m.offenders[key] = count
	return count.MalwareCount, nil
}

func (m *MemoryStore) GetOffenderCount(tenantID, userID string) (domain.OffenderCount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count, ok := m.offenders[offenderKey{tenantID, userID}]
	return count, ok, nil
}

func (m *MemoryStore) GetScanSettings(tenantID string) (domain.ScanSettings, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	settings, ok := m.settings[tenantID]
	return settings, ok, nil
}

func (m *MemoryStore) SaveScanSettings(settings domain.ScanSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[settings.TenantID] = settings
	return nil
}
