package scanner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"fileguard/internal/util"
	"fileguard/pkg/clamd"
	"fileguard/pkg/contentstore"
	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/metrics"
	"fileguard/pkg/offender"
	"fileguard/pkg/quarantine"
	"fileguard/pkg/queue"
	"fileguard/pkg/store"
)

// VirusScanner abstracts the scan daemon client.
type VirusScanner interface {
	Scan(ctx context.Context, r io.Reader) (clamd.Result, error)
}

// Config tunes the worker pool. Enabled and MaxSizeMB are the deployment-wide
// policy floor; tenant settings can only narrow them further.
type Config struct {
	Enabled      bool
	MaxSizeMB    int64
	Workers      int
	PollInterval time.Duration
	ScanTimeout  time.Duration
}

// DefaultConfig matches the deployment defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Workers:      4,
		PollInterval: time.Second,
		ScanTimeout:  2 * time.Minute,
	}
}

// Pool runs scan workers against the job queue. Every worker claims jobs
// independently; claims are storage-atomic, so pools in several processes
// share one queue safely.
type Pool struct {
	cfg        Config
	store      store.Store
	queue      *queue.ScanQueue
	content    *contentstore.ContentStore
	scanner    VirusScanner
	quarantine *quarantine.Manager
	offenders  *offender.Tracker
	counters   *metrics.Counters
	events     events.Publisher
	logger     *slog.Logger
}

// NewPool wires a worker pool.
func NewPool(cfg Config, st store.Store, q *queue.ScanQueue, content *contentstore.ContentStore, scanner VirusScanner, qm *quarantine.Manager, offenders *offender.Tracker, counters *metrics.Counters, publisher events.Publisher, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ScanTimeout <= 0 {
		cfg.ScanTimeout = 2 * time.Minute
	}
	return &Pool{
		cfg:        cfg,
		store:      st,
		queue:      q,
		content:    content,
		scanner:    scanner,
		quarantine: qm,
		offenders:  offenders,
		counters:   counters,
		events:     publisher,
		logger:     logger,
	}
}

// Run blocks processing jobs until the context is canceled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return p.runWorker(ctx, worker)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) runWorker(ctx context.Context, worker int) error {
	logger := p.logger.With("worker", worker)
	for {
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			logger.Error("process scan job", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// ProcessNext claims and processes at most one job. processed is false when
// the queue had nothing runnable.
func (p *Pool) ProcessNext(ctx context.Context) (processed bool, err error) {
	job, ok, err := p.queue.Claim(time.Now().UTC())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, p.process(ctx, job)
}

func (p *Pool) process(ctx context.Context, job domain.ScanJob) error {
	logger := p.logger.With("job_id", job.ID, "file_id", job.FileRecordID, "attempt", job.Attempts)

	file, ok, err := p.store.GetFileRecord(job.FileRecordID)
	if err != nil {
		return p.retry(job, "load file record: "+err.Error())
	}
	if !ok {
		// File deleted while queued; nothing left to scan.
		logger.Info("scan job dropped, file record gone")
		return p.queue.Complete(job.ID, "file record deleted")
	}

	if !p.cfg.Enabled {
		return p.skip(ctx, job, file, domain.SkipPolicyDisabled, logger)
	}
	if p.cfg.MaxSizeMB > 0 && file.SizeBytes > p.cfg.MaxSizeMB*1024*1024 {
		return p.skip(ctx, job, file, domain.SkipPolicySize, logger)
	}

	settings := p.settingsFor(file.TenantID)
	if reason, skip := policySkip(file, settings); skip {
		return p.skip(ctx, job, file, reason, logger)
	}

	rc, err := p.content.Open(ctx, file.TenantID, file.DepartmentID, file.ContentHash)
	if err != nil {
		return p.retry(job, "open content: "+err.Error())
	}
	defer rc.Close()

	scanCtx, cancel := context.WithTimeout(ctx, p.cfg.ScanTimeout)
	defer cancel()
	started := time.Now()
	result, err := p.scanner.Scan(scanCtx, rc)
	duration := time.Since(started)
	if err != nil {
		logger.Warn("scan attempt failed", "error", err)
		p.recordResult(job, file, domain.VerdictError, err.Error(), duration)
		return p.settleFailure(job, file, "scan daemon: "+err.Error())
	}

	p.recordResult(job, file, result.Verdict, result.ThreatName, duration)
	if err := p.counters.RecordScan(file.TenantID, result.Verdict, duration); err != nil {
		logger.Warn("record scan metrics", "error", err)
	}

	switch result.Verdict {
	case domain.VerdictClean:
		return p.settleClean(ctx, job, file, logger)
	case domain.VerdictInfected:
		return p.settleInfected(ctx, job, file, settings, result.ThreatName, logger)
	default:
		logger.Warn("scan daemon reported error", "detail", result.ThreatName)
		return p.settleFailure(job, file, "scan daemon error: "+result.ThreatName)
	}
}

func (p *Pool) settleClean(ctx context.Context, job domain.ScanJob, file domain.FileRecord, logger *slog.Logger) error {
	if err := p.setStatus(file.ID, domain.ScanClean, "", logger); err != nil {
		return err
	}
	logger.Info("scan verdict", "verdict", domain.VerdictClean)
	p.events.Publish(ctx, events.KeyScanVerdict, events.Event{
		TenantID: file.TenantID,
		FileID:   file.ID,
		UserID:   file.UploaderID,
		Detail:   map[string]any{"verdict": string(domain.VerdictClean)},
	})
	return p.queue.Complete(job.ID, "clean")
}

func (p *Pool) settleInfected(ctx context.Context, job domain.ScanJob, file domain.FileRecord, settings domain.ScanSettings, threatName string, logger *slog.Logger) error {
	if err := p.setStatus(file.ID, domain.ScanInfected, threatName, logger); err != nil {
		return err
	}
	logger.Warn("scan verdict", "verdict", domain.VerdictInfected, "threat", threatName)

	if err := p.quarantine.Apply(ctx, file, threatName, settings.ActionOnDetect); err != nil {
		logger.Error("apply detect action", "action", settings.ActionOnDetect, "error", err)
		return p.retry(job, "apply detect action: "+err.Error())
	}
	if err := p.offenders.RecordInfection(ctx, job, file, settings); err != nil {
		logger.Error("record infection", "error", err)
	}
	p.events.Publish(ctx, events.KeyScanVerdict, events.Event{
		TenantID:   file.TenantID,
		FileID:     file.ID,
		UserID:     file.UploaderID,
		ThreatName: threatName,
		Detail:     map[string]any{"verdict": string(domain.VerdictInfected)},
	})
	return p.queue.Complete(job.ID, "infected: "+threatName)
}

func (p *Pool) skip(ctx context.Context, job domain.ScanJob, file domain.FileRecord, reason string, logger *slog.Logger) error {
	if err := p.setStatus(file.ID, domain.ScanSkipped, reason, logger); err != nil {
		return err
	}
	logger.Info("scan skipped", "reason", reason)
	p.events.Publish(ctx, events.KeyScanSkipped, events.Event{
		TenantID: file.TenantID,
		FileID:   file.ID,
		UserID:   file.UploaderID,
		Detail:   map[string]any{"reason": reason},
	})
	return p.queue.Complete(job.ID, "skipped: "+reason)
}

// settleFailure routes a failed attempt: requeue with backoff while attempts
// remain, otherwise the job goes terminal and the file settles to error.
func (p *Pool) settleFailure(job domain.ScanJob, file domain.FileRecord, reason string) error {
	terminal, err := p.queue.Fail(job, reason)
	if err != nil {
		return err
	}
	if terminal {
		if err := p.setStatus(file.ID, domain.ScanError, reason, p.logger); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) retry(job domain.ScanJob, reason string) error {
	_, err := p.queue.Fail(job, reason)
	return err
}

// setStatus applies a transition-checked status change. A rejected
// transition means an admin settled the file first; the verdict stands and
// the job is not retried over it.
func (p *Pool) setStatus(fileID string, status domain.ScanStatus, reason string, logger *slog.Logger) error {
	err := p.store.SetScanStatus(fileID, status, reason)
	var illegal *domain.IllegalTransitionError
	if errors.As(err, &illegal) {
		logger.Info("scan status transition rejected", "from", illegal.From, "to", illegal.To)
		return nil
	}
	return err
}

func (p *Pool) settingsFor(tenantID string) domain.ScanSettings {
	settings, ok, err := p.store.GetScanSettings(tenantID)
	if err != nil || !ok {
		if err != nil {
			p.logger.Warn("load scan settings", "tenant_id", tenantID, "error", err)
		}
		return domain.DefaultScanSettings(tenantID)
	}
	return settings
}

func (p *Pool) recordResult(job domain.ScanJob, file domain.FileRecord, verdict domain.Verdict, threatName string, duration time.Duration) {
	result := domain.ScanResult{
		ID:         util.NewID(),
		JobID:      job.ID,
		TenantID:   file.TenantID,
		Verdict:    verdict,
		ThreatName: threatName,
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.AppendScanResult(result); err != nil {
		p.logger.Error("append scan result", "job_id", job.ID, "error", err)
	}
}

// policySkip evaluates the tenant policy against a file. Matching is by
// extension; an empty filter list scans everything.
func policySkip(file domain.FileRecord, settings domain.ScanSettings) (string, bool) {
	if !settings.Enabled {
		return domain.SkipPolicyDisabled, true
	}
	if settings.MaxFileSizeMB > 0 && file.SizeBytes > settings.MaxFileSizeMB*1024*1024 {
		return domain.SkipPolicySize, true
	}
	if len(settings.FileTypes) > 0 {
		ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(file.Name)), ".")
		matched := false
		for _, ft := range settings.FileTypes {
			if strings.TrimPrefix(strings.ToLower(strings.TrimSpace(ft)), ".") == ext {
				matched = true
				break
			}
		}
		if !matched {
			return domain.SkipPolicyType, true
		}
	}
	return "", false
}
