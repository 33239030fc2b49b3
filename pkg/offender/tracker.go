package offender

import (
	"context"
	"log/slog"
	"time"

	"fileguard/internal/userclient"
	"fileguard/pkg/domain"
	"fileguard/pkg/events"
	"fileguard/pkg/store"
)

// Tracker maintains per-uploader confirmed-malware counts and enforces the
// auto-suspend threshold. Counts only move up; release of a quarantined file
// never decrements.
type Tracker struct {
	store  store.Store
	users  userclient.Suspender
	events events.Publisher
	logger *slog.Logger
}

// NewTracker wires an offender tracker.
func NewTracker(st store.Store, users userclient.Suspender, publisher events.Publisher, logger *slog.Logger) *Tracker {
	return &Tracker{store: st, users: users, events: publisher, logger: logger}
}

// RecordInfection counts one infected verdict against the uploader. The
// job's counted flag flips atomically, so retried or concurrently re-scanned
// jobs count at most once. Crossing the tenant's suspend threshold triggers
// a single suspension call; the threshold comparison is exact so later
// infections do not re-suspend.
func (t *Tracker) RecordInfection(ctx context.Context, job domain.ScanJob, file domain.FileRecord, settings domain.ScanSettings) error {
	counted, err := t.store.MarkOffenderCounted(job.ID)
	if err != nil {
		return err
	}
	if !counted {
		return nil
	}

	count, err := t.store.IncrementMalwareCount(file.TenantID, file.UploaderID, time.Now().UTC())
	if err != nil {
		return err
	}
	t.logger.Info("offender count incremented",
		"tenant_id", file.TenantID,
		"uploader_id", file.UploaderID,
		"malware_count", count,
	)

	if !settings.AutoSuspendUploader || settings.SuspendThreshold <= 0 || count != settings.SuspendThreshold {
		return nil
	}

	// Suspension is best-effort: the user service being down must not fail
	// the scan that produced the verdict.
	if err := t.users.SuspendUser(ctx, file.TenantID, file.UploaderID, "malware upload threshold reached"); err != nil {
		t.logger.Error("suspend uploader",
			"tenant_id", file.TenantID,
			"uploader_id", file.UploaderID,
			"error", err,
		)
		return nil
	}
	t.events.Publish(ctx, events.KeyUserSuspended, events.Event{
		TenantID: file.TenantID,
		UserID:   file.UploaderID,
		Detail:   map[string]any{"malwareCount": count},
	})
	return nil
}

// Count reads the current offender count for a user. Zero when never counted.
func (t *Tracker) Count(tenantID, userID string) (int64, error) {
	count, ok, err := t.store.GetOffenderCount(tenantID, userID)
	if err != nil || !ok {
		return 0, err
	}
	return count.MalwareCount, nil
}
