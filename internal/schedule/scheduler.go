package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"fablecast/internal/config"
	"fablecast/internal/metrics"
	"fablecast/internal/types"
)

// SubjectStore defines the subject reads and credit operations the scheduler
// needs. Using an interface allows clean testing without database dependencies.
type SubjectStore interface {
	ListEligible(ctx context.Context) ([]*types.SubjectPreference, error)
	GetByID(ctx context.Context, id string) (*types.SubjectPreference, error)
	DebitCredit(ctx context.Context, id string) (bool, error)
	RefundCredit(ctx context.Context, id string) error
}

// JobStore defines the job operations the scheduler needs.
type JobStore interface {
	Create(ctx context.Context, job *types.Job) error
	GetActiveForSubject(ctx context.Context, subjectID string) (*types.Job, error)
	HasCompletedToday(ctx context.Context, subjectID string, dayStart, dayEnd time.Time) (bool, error)
}

// GenerationPublisher enqueues a generation message for the worker pool.
// Nil in the single-process topology, where workers poll the jobs table
// directly.
type GenerationPublisher interface {
	PublishGeneration(ctx context.Context, msg types.GenerationMessage) error
}

// Scheduler runs the per-tick eligibility sweep and the manual trigger path.
type Scheduler struct {
	subjects  SubjectStore
	jobs      JobStore
	publisher GenerationPublisher
	meter     metrics.Emitter
	logger    *slog.Logger
	cfg       config.SchedulerConfig
}

// NewScheduler creates a Scheduler. publisher may be nil for the
// single-process topology; meter may be nil to disable metrics.
func NewScheduler(subjects SubjectStore, jobs JobStore, publisher GenerationPublisher, meter metrics.Emitter, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.NoopEmitter{}
	}
	return &Scheduler{
		subjects:  subjects,
		jobs:      jobs,
		publisher: publisher,
		meter:     meter,
		logger:    logger,
		cfg:       cfg,
	}
}

// Sweep evaluates every eligible subject against the current instant and
// creates a generation job for each one whose trigger window contains now.
// Per-subject failures are logged and skipped; one bad subject never blocks
// the rest of the sweep. Returns the number of jobs created.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (int, error) {
	subjects, err := s.subjects.ListEligible(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing eligible subjects: %w", err)
	}

	created := 0
	for _, sub := range subjects {
		job, err := s.evaluateSubject(ctx, sub, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "failed to evaluate subject",
				"subject_id", sub.SubjectID,
				"error", err,
			)
			continue
		}
		if job == nil {
			continue
		}

		created++
		s.meter.Count(ctx, metrics.MetricJobsCreated, 1, nil)
		s.logger.InfoContext(ctx, "generation job created",
			"job_id", job.ID,
			"subject_id", sub.SubjectID,
		)
	}

	if created > 0 {
		s.logger.InfoContext(ctx, "eligibility sweep complete",
			"subjects_checked", len(subjects),
			"jobs_created", created,
		)
	}
	return created, nil
}

// evaluateSubject runs the full eligibility chain for one subject and
// creates the job if every check passes. Returns (nil, nil) when the subject
// is simply not due.
func (s *Scheduler) evaluateSubject(ctx context.Context, sub *types.SubjectPreference, now time.Time) (*types.Job, error) {
	due, _, err := IsGenerationDue(now, sub.Timezone, sub.PreferredLocalTime, s.cfg.GenerationLead, s.cfg.EligibilityWindow)
	if err != nil {
		return nil, err
	}
	if !due {
		return nil, nil
	}

	// Once-per-day cap, checked against both the preference projection and
	// the jobs table: LastCompletionAt can lag a crashed completion write.
	done, err := CompletedToday(sub.LastCompletionAt, now, sub.Timezone)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}

	dayStart, dayEnd, err := LocalDayBounds(now, sub.Timezone)
	if err != nil {
		return nil, err
	}
	completed, err := s.jobs.HasCompletedToday(ctx, sub.SubjectID, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if completed {
		return nil, nil
	}

	active, err := s.jobs.GetActiveForSubject(ctx, sub.SubjectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, nil
	}

	return s.createJob(ctx, sub, now, false)
}

// createJob debits a credit, inserts the job, and publishes the generation
// message when a publisher is configured. The credit is refunded if the
// insert loses the active-job race.
func (s *Scheduler) createJob(ctx context.Context, sub *types.SubjectPreference, now time.Time, immediate bool) (*types.Job, error) {
	ok, err := s.subjects.DebitCredit(ctx, sub.SubjectID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.NewAppError(types.ErrCodeQuotaExhausted,
			"subject has no generation credits", nil)
	}

	job := &types.Job{
		ID:        newJobID(immediate),
		SubjectID: sub.SubjectID,
		Status:    types.JobPending,
		Payload: types.JobPayload{
			SchemaVersion:     types.JobPayloadSchemaVersion,
			StoryBible:        sub.StoryBible,
			Recipient:         sub.Email,
			Timezone:          sub.Timezone,
			PreferredTime:     sub.PreferredLocalTime,
			ImmediateDelivery: immediate,
		},
		CreatedAt: now,
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		if refundErr := s.subjects.RefundCredit(ctx, sub.SubjectID); refundErr != nil {
			s.logger.ErrorContext(ctx, "failed to refund credit after create failure",
				"subject_id", sub.SubjectID,
				"error", refundErr,
			)
		}
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeConflictActiveJob {
			// Lost the race to a concurrent sweep; nothing to do.
			return nil, nil
		}
		return nil, err
	}

	if s.publisher != nil {
		msg := types.GenerationMessage{
			JobID:      job.ID,
			SubjectID:  sub.SubjectID,
			TraceID:    uuid.NewString(),
			EnqueuedAt: now,
		}
		if err := s.publisher.PublishGeneration(ctx, msg); err != nil {
			// The job row exists but no message is in flight. The recovery
			// monitor republishes aged pending jobs, so log and move on.
			s.logger.ErrorContext(ctx, "failed to publish generation message",
				"job_id", job.ID,
				"error", err,
			)
		}
	}

	return job, nil
}

// EnqueueNow is the manual trigger: it creates an immediate-delivery job for
// the subject, bypassing the eligibility window but honoring the active-job
// invariant and the credit balance.
func (s *Scheduler) EnqueueNow(ctx context.Context, subjectID string) (*types.Job, error) {
	sub, err := s.subjects.GetByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	active, err := s.jobs.GetActiveForSubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, types.NewAppError(types.ErrCodeConflictActiveJob,
			"subject already has an active generation job", nil)
	}

	job, err := s.createJob(ctx, sub, time.Now().UTC(), true)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, types.NewAppError(types.ErrCodeConflictActiveJob,
			"subject already has an active generation job", nil)
	}

	s.meter.Count(ctx, metrics.MetricJobsCreated, 1, map[string]string{metrics.DimReason: "manual"})
	s.logger.InfoContext(ctx, "manual generation job created",
		"job_id", job.ID,
		"subject_id", subjectID,
	)
	return job, nil
}

// newJobID mints a prefixed job ID. Manual jobs carry a distinct prefix so
// they are recognizable in logs and the ops surface.
func newJobID(manual bool) string {
	if manual {
		return "manual_" + uuid.NewString()
	}
	return "job_" + uuid.NewString()
}
