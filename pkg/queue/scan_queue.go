package queue

import (
	"fmt"
	"time"

	"fileguard/internal/util"
	"fileguard/pkg/domain"
	"fileguard/pkg/store"
)

// ErrQueueFull mirrors the store sentinel for callers that only import queue.
var ErrQueueFull = store.ErrQueueFull

// Config bounds the queue and its retry behavior.
type Config struct {
	// Ceiling is the maximum number of non-terminal jobs. Zero disables
	// the cap.
	Ceiling int64
	// Lease is how long a claimed job stays invisible to other workers
	// before it becomes reclaimable.
	Lease time.Duration
	// MaxAttempts bounds retries; a job failing on its final attempt goes
	// terminal instead of requeueing.
	MaxAttempts int
	// RetryBase and RetryMax shape the exponential backoff between attempts.
	RetryBase time.Duration
	RetryMax  time.Duration
}

// DefaultConfig matches the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Ceiling:     10000,
		Lease:       5 * time.Minute,
		MaxAttempts: 3,
		RetryBase:   30 * time.Second,
		RetryMax:    10 * time.Minute,
	}
}

// ScanQueue is a durable scan-job queue over the store. Jobs survive restarts,
// and claiming is atomic across processes, so multiple scanner instances can
// share one queue.
type ScanQueue struct {
	store store.Store
	cfg   Config
}

// New builds a queue over the given store.
func New(st store.Store, cfg Config) *ScanQueue {
	return &ScanQueue{store: st, cfg: cfg}
}

// Enqueue creates a queued scan job for a file record. Returns ErrQueueFull
// when the backlog ceiling is reached; callers degrade to a capacity skip
// rather than failing the upload.
func (q *ScanQueue) Enqueue(fileRecordID, tenantID string) (domain.ScanJob, error) {
	now := time.Now().UTC()
	job := domain.ScanJob{
		ID:            util.NewID(),
		FileRecordID:  fileRecordID,
		TenantID:      tenantID,
		Status:        domain.JobQueued,
		EnqueuedAt:    now,
		NextAttemptAt: now,
		UpdatedAt:     now,
	}
	return q.store.CreateScanJob(job, q.cfg.Ceiling)
}

// Claim hands the oldest runnable job to a worker, bumping its attempt count
// and lease. Jobs stuck in_progress past their lease (a crashed worker) are
// reclaimed the same way. ok is false when nothing is runnable.
func (q *ScanQueue) Claim(now time.Time) (domain.ScanJob, bool, error) {
	return q.store.ClaimScanJob(now, q.cfg.Lease)
}

// Complete marks a claimed job done.
func (q *ScanQueue) Complete(jobID, reason string) error {
	return q.store.MarkJobDone(jobID, reason)
}

// Fail records a failed attempt. Jobs with attempts left are requeued with
// exponential backoff; otherwise the job goes terminal and terminal is true
// so the caller can settle the file record.
func (q *ScanQueue) Fail(job domain.ScanJob, reason string) (terminal bool, err error) {
	if job.Attempts >= q.cfg.MaxAttempts {
		if err := q.store.MarkJobFailed(job.ID, reason); err != nil {
			return false, fmt.Errorf("fail job: %w", err)
		}
		return true, nil
	}
	next := time.Now().UTC().Add(q.backoff(job.Attempts))
	if err := q.store.RequeueJob(job.ID, next, reason); err != nil {
		return false, fmt.Errorf("requeue job: %w", err)
	}
	return false, nil
}

// Depth reports the number of non-terminal jobs.
func (q *ScanQueue) Depth() (int64, error) {
	return q.store.QueueDepth()
}

func (q *ScanQueue) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := q.cfg.RetryBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= q.cfg.RetryMax {
			return q.cfg.RetryMax
		}
	}
	if delay > q.cfg.RetryMax {
		return q.cfg.RetryMax
	}
	return delay
}
