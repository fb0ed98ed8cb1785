// Package worker runs generation jobs: it claims pending work, calls the
// story generator, records the outcome on the job row, and schedules the
// resulting delivery.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fablecast/internal/config"
	"fablecast/internal/external"
	"fablecast/internal/metrics"
	"fablecast/internal/schedule"
	"fablecast/internal/types"
)

// JobStore defines the job operations the worker needs. Claims and status
// transitions are conditional updates; a zero-row result means another
// worker won the race or the job moved on.
type JobStore interface {
	ClaimNextPending(ctx context.Context, limit int) ([]*types.Job, error)
	ClaimByID(ctx context.Context, id string) (*types.Job, error)
	UpdateProgress(ctx context.Context, id string, step string, percent int) error
	MarkCompleted(ctx context.Context, id string, result json.RawMessage, storyID string, generationSeconds float64) error
	RequeueForRetry(ctx context.Context, id string, errMsg string, ceiling int) (int64, error)
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

// DeliveryStore schedules the delivery produced by a completed job.
type DeliveryStore interface {
	Schedule(ctx context.Context, d *types.ScheduledDelivery) error
}

// SubjectStore records completion bookkeeping against the subject row.
type SubjectStore interface {
	RecordCompletion(ctx context.Context, id string, at time.Time) error
	RefundCredit(ctx context.Context, id string) error
}

// GenerationWorker executes generation jobs end to end. It is shared by both
// topologies: the single-process loop calls RunOnce on a poll interval, the
// queue consumer calls ProcessMessage per received message.
type GenerationWorker struct {
	jobs       JobStore
	deliveries DeliveryStore
	subjects   SubjectStore
	generator  external.StoryGenerator
	meter      metrics.Emitter
	logger     *slog.Logger
	cfg        config.WorkerConfig

	nowFn func() time.Time
}

// NewGenerationWorker creates a GenerationWorker.
func NewGenerationWorker(
	jobs JobStore,
	deliveries DeliveryStore,
	subjects SubjectStore,
	generator external.StoryGenerator,
	meter metrics.Emitter,
	logger *slog.Logger,
	cfg config.WorkerConfig,
) *GenerationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.NoopEmitter{}
	}
	return &GenerationWorker{
		jobs:       jobs,
		deliveries: deliveries,
		subjects:   subjects,
		generator:  generator,
		meter:      meter,
		logger:     logger,
		cfg:        cfg,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce claims up to limit pending jobs and processes them sequentially.
// Used by the single-process polling loop. Returns the number of jobs
// processed.
func (w *GenerationWorker) RunOnce(ctx context.Context, limit int) (int, error) {
	claimed, err := w.jobs.ClaimNextPending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("claiming pending jobs: %w", err)
	}

	for _, job := range claimed {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		w.process(ctx, job)
	}
	return len(claimed), nil
}

// ProcessMessage handles one generation message from the queue. A claim
// conflict means another consumer already owns the job (duplicate delivery of
// the message) and is not an error. A missing job is permanent and must not
// be redriven.
func (w *GenerationWorker) ProcessMessage(ctx context.Context, msg types.GenerationMessage) error {
	ctx = types.WithRequestID(ctx, msg.TraceID)

	job, err := w.jobs.ClaimByID(ctx, msg.JobID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) {
			switch appErr.Code {
			case types.ErrCodeConflictClaimed:
				w.logger.InfoContext(ctx, "job already claimed, dropping duplicate message",
					"job_id", msg.JobID,
				)
				return nil
			case types.ErrCodeNotFoundJob:
				w.logger.WarnContext(ctx, "generation message for unknown job, dropping",
					"job_id", msg.JobID,
				)
				return nil
			}
		}
		return fmt.Errorf("claiming job %s: %w", msg.JobID, err)
	}

	w.process(ctx, job)
	return nil
}

// process runs one claimed job to a terminal or retried state. Errors are
// absorbed into the job row; the caller only sees infrastructure failures
// via logs.
func (w *GenerationWorker) process(ctx context.Context, job *types.Job) {
	log := w.logger.With("job_id", job.ID, "subject_id", job.SubjectID)

	if err := job.Payload.Validate(); err != nil {
		log.WarnContext(ctx, "job payload invalid", "error", err)
		w.fail(ctx, job, err.Error())
		return
	}

	if err := w.jobs.UpdateProgress(ctx, job.ID, "generating", 10); err != nil {
		log.WarnContext(ctx, "failed to record progress", "error", err)
	}

	start := w.nowFn()
	result, err := w.generator.Generate(ctx, job)
	elapsed := w.nowFn().Sub(start)
	if err != nil {
		w.handleGenerationError(ctx, job, err)
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		log.ErrorContext(ctx, "failed to encode generation result", "error", err)
		w.fail(ctx, job, "internal: could not encode generation result")
		return
	}

	if err := w.jobs.UpdateProgress(ctx, job.ID, "scheduling_delivery", 90); err != nil {
		log.WarnContext(ctx, "failed to record progress", "error", err)
	}

	// The delivery row is written while the job is still running. A crash or
	// failed write here leaves the job running for the recovery monitor to
	// re-run; the alternative order would leave a completed job with no
	// delivery row and the episode permanently lost.
	now := w.nowFn()
	if err := w.scheduleDelivery(ctx, job, result, now); err != nil {
		log.WarnContext(ctx, "failed to schedule delivery, retrying job", "error", err)
		w.handleGenerationError(ctx, job, types.NewAppError(types.ErrCodeInternalDB,
			"scheduling delivery: "+err.Error(), err))
		return
	}

	if err := w.jobs.MarkCompleted(ctx, job.ID, resultJSON, result.StoryID, elapsed.Seconds()); err != nil {
		// Lost the row between claim and completion (abort or recovery
		// requeue). The scheduled delivery stays behind and fails at dispatch
		// because the job never reached completed.
		log.WarnContext(ctx, "job no longer running at completion, discarding result", "error", err)
		return
	}

	w.meter.Count(ctx, metrics.MetricJobsCompleted, 1, nil)
	w.meter.Duration(ctx, metrics.MetricGenerationLatency, elapsed, nil)

	if err := w.subjects.RecordCompletion(ctx, job.SubjectID, now); err != nil {
		log.WarnContext(ctx, "failed to record subject completion", "error", err)
	}

	log.InfoContext(ctx, "generation job complete",
		"story_id", result.StoryID,
		"duration", elapsed.String(),
	)
}

// handleGenerationError routes a generation failure: transient errors requeue
// until the retry ceiling, everything else fails the job permanently.
func (w *GenerationWorker) handleGenerationError(ctx context.Context, job *types.Job, genErr error) {
	log := w.logger.With("job_id", job.ID, "subject_id", job.SubjectID)

	if types.IsRetryable(genErr) {
		requeued, err := w.jobs.RequeueForRetry(ctx, job.ID, genErr.Error(), w.cfg.RetryCeiling)
		if err != nil {
			log.ErrorContext(ctx, "failed to requeue job after transient error", "error", err)
			return
		}
		if requeued > 0 {
			log.WarnContext(ctx, "transient generation failure, job requeued",
				"error", genErr,
				"retry_count", job.RetryCount+1,
			)
			return
		}
		// At the ceiling: the conditional requeue matched nothing.
		log.WarnContext(ctx, "retry ceiling reached, failing job", "error", genErr)
	}

	w.fail(ctx, job, genErr.Error())
}

// fail marks the job failed and refunds the credit debited at creation.
func (w *GenerationWorker) fail(ctx context.Context, job *types.Job, reason string) {
	if err := w.jobs.MarkFailed(ctx, job.ID, reason); err != nil {
		w.logger.ErrorContext(ctx, "failed to mark job failed",
			"job_id", job.ID,
			"error", err,
		)
		return
	}
	w.meter.Count(ctx, metrics.MetricJobsFailed, 1,
		map[string]string{metrics.DimReason: "generation"})

	if err := w.subjects.RefundCredit(ctx, job.SubjectID); err != nil {
		w.logger.WarnContext(ctx, "failed to refund credit for failed job",
			"job_id", job.ID,
			"subject_id", job.SubjectID,
			"error", err,
		)
	}
}

// scheduleDelivery creates the delivery row for a finished generation. The send
// instant comes from the payload's preference snapshot; a job finishing after
// its preferred instant (retries, recovery) sends immediately rather than
// waiting a day.
func (w *GenerationWorker) scheduleDelivery(ctx context.Context, job *types.Job, result *types.GenerationResult, now time.Time) error {
	deliverAt, err := schedule.ComputeDeliveryTime(now, job.Payload.Timezone, job.Payload.PreferredTime, job.Payload.ImmediateDelivery)
	if err != nil {
		// Invalid timezone snapshot: fall back to sending now rather than
		// stranding a finished episode.
		w.logger.WarnContext(ctx, "invalid delivery preferences, sending immediately",
			"job_id", job.ID,
			"error", err,
		)
		deliverAt = now
	}

	return w.deliveries.Schedule(ctx, &types.ScheduledDelivery{
		ID:        "dlv_" + uuid.NewString(),
		JobID:     job.ID,
		StoryID:   result.StoryID,
		Recipient: job.Payload.Recipient,
		DeliverAt: deliverAt,
		Timezone:  job.Payload.Timezone,
		Status:    types.DeliveryPending,
	})
}
