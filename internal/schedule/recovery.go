package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fablecast/internal/config"
	"fablecast/internal/metrics"
	"fablecast/internal/types"
)

// RecoveryJobStore defines the job operations the recovery monitor needs.
type RecoveryJobStore interface {
	// RecoverStale requeues running jobs older than threshold that are under
	// the retry ceiling and fails the rest.
	RecoverStale(ctx context.Context, threshold time.Duration, ceiling int) (requeued int64, failed int64, err error)

	// ListByStatus returns jobs in the given status, newest first.
	ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error)
}

// RecoveryMonitor sweeps for jobs orphaned by worker crashes. A running job
// whose started_at is older than the stale threshold has lost its worker:
// generation never takes that long. Under the retry ceiling the job returns
// to pending; at the ceiling it fails permanently.
type RecoveryMonitor struct {
	jobs      RecoveryJobStore
	publisher GenerationPublisher
	meter     metrics.Emitter
	logger    *slog.Logger
	cfg       config.WorkerConfig
}

// NewRecoveryMonitor creates a RecoveryMonitor. publisher may be nil in the
// single-process topology.
func NewRecoveryMonitor(jobs RecoveryJobStore, publisher GenerationPublisher, meter metrics.Emitter, logger *slog.Logger, cfg config.WorkerConfig) *RecoveryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.NoopEmitter{}
	}
	return &RecoveryMonitor{
		jobs:      jobs,
		publisher: publisher,
		meter:     meter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run performs one recovery pass. Returns the number of jobs requeued.
func (m *RecoveryMonitor) Run(ctx context.Context, now time.Time) (int, error) {
	requeued, failed, err := m.jobs.RecoverStale(ctx, m.cfg.StaleThreshold, m.cfg.RetryCeiling)
	if err != nil {
		return 0, fmt.Errorf("recovering stale jobs: %w", err)
	}

	if requeued > 0 || failed > 0 {
		m.meter.Count(ctx, metrics.MetricJobsRecovered, float64(requeued), nil)
		m.meter.Count(ctx, metrics.MetricJobsFailed, float64(failed),
			map[string]string{metrics.DimReason: "crash_ceiling"})
		m.logger.InfoContext(ctx, "stale job recovery complete",
			"requeued", requeued,
			"failed_at_ceiling", failed,
		)
	}

	if m.publisher != nil {
		if err := m.republishAgedPending(ctx, now); err != nil {
			m.logger.ErrorContext(ctx, "failed to republish aged pending jobs", "error", err)
		}
	}

	return int(requeued), nil
}

// republishAgedPending re-enqueues generation messages for pending jobs that
// have sat unclaimed longer than the stale threshold. Covers two gaps in the
// distributed topology: a publish that failed at create time, and messages
// that exhausted the queue's redrive policy. ClaimByID makes a duplicate
// message harmless.
func (m *RecoveryMonitor) republishAgedPending(ctx context.Context, now time.Time) error {
	pending, err := m.jobs.ListByStatus(ctx, types.JobPending, 200)
	if err != nil {
		return err
	}

	cutoff := now.Add(-m.cfg.StaleThreshold)
	for _, job := range pending {
		if job.CreatedAt.After(cutoff) {
			continue
		}
		msg := types.GenerationMessage{
			JobID:      job.ID,
			SubjectID:  job.SubjectID,
			TraceID:    uuid.NewString(),
			EnqueuedAt: now,
			RetryCount: job.RetryCount,
		}
		if err := m.publisher.PublishGeneration(ctx, msg); err != nil {
			m.logger.ErrorContext(ctx, "failed to republish generation message",
				"job_id", job.ID,
				"error", err,
			)
			continue
		}
		m.logger.InfoContext(ctx, "republished aged pending job",
			"job_id", job.ID,
			"age", now.Sub(job.CreatedAt).String(),
		)
	}
	return nil
}
