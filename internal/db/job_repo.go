package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fablecast/internal/types"
)

// JobRepository provides data access for the generation_jobs table. It owns
// every status transition of the job lifecycle so that the state machine is
// enforced at the row level: workers never write a status directly, they call
// the transition method and the WHERE clause decides whether it applies.
type JobRepository struct {
	db DBTX
}

// NewJobRepository creates a new JobRepository backed by the given database
// connection (pool or transaction).
func NewJobRepository(db DBTX) *JobRepository {
	return &JobRepository{db: db}
}

// jobColumns defines the standard set of columns selected for job queries.
const jobColumns = `j.id, j.subject_id, j.status, j.payload,
	j.current_step, j.progress_percent,
	j.result, j.story_id, j.error_message, j.retry_count,
	j.generation_time_seconds,
	j.created_at, j.started_at, j.completed_at`

// scanJob scans a single job row. The columns must match jobColumns order.
func scanJob(row pgx.Row) (*types.Job, error) {
	var j types.Job
	var (
		currentStep    *string
		result         []byte
		storyID        *string
		errorMessage   *string
		generationSecs *float64
	)

	err := row.Scan(
		&j.ID,
		&j.SubjectID,
		&j.Status,
		&j.Payload,
		&currentStep,
		&j.ProgressPercent,
		&result,
		&storyID,
		&errorMessage,
		&j.RetryCount,
		&generationSecs,
		&j.CreatedAt,
		&j.StartedAt,
		&j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if currentStep != nil {
		j.CurrentStep = *currentStep
	}
	if result != nil {
		j.Result = json.RawMessage(result)
	}
	if storyID != nil {
		j.StoryID = *storyID
	}
	if errorMessage != nil {
		j.ErrorMessage = *errorMessage
	}
	if generationSecs != nil {
		j.GenerationTimeSeconds = *generationSecs
	}

	return &j, nil
}

// Create inserts a new job in pending status. The INSERT is guarded by a
// NOT EXISTS subquery on active statuses, so the one-active-job-per-subject
// invariant holds even when two schedulers race on the same subject: exactly
// one INSERT affects a row, the other returns ErrCodeConflictActiveJob.
func (r *JobRepository) Create(ctx context.Context, job *types.Job) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return types.NewAppError(types.ErrCodeValidationPayload, "failed to marshal job payload", err)
	}

	tag, err := r.db.Exec(ctx,
		`INSERT INTO generation_jobs
		   (id, subject_id, status, payload, progress_percent, retry_count, created_at)
		 SELECT $1, $2, 'pending', $3, 0, 0, COALESCE($4, NOW())
		 WHERE NOT EXISTS (
		   SELECT 1 FROM generation_jobs
		   WHERE subject_id = $2 AND status IN ('pending', 'running')
		 )`,
		job.ID,
		job.SubjectID,
		payload,
		nilIfZeroTime(job.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create generation job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictActiveJob,
			"subject already has an active generation job", nil)
	}
	return nil
}

// GetByID retrieves a job by its ID. Returns ErrCodeNotFoundJob if absent.
func (r *JobRepository) GetByID(ctx context.Context, id string) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs j WHERE j.id = $1`,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "generation job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve generation job", err)
	}
	return job, nil
}

// GetActiveForSubject returns the subject's pending or running job, or
// (nil, nil) when the subject has no active job. The scheduler uses this to
// skip subjects already in flight without treating absence as an error.
func (r *JobRepository) GetActiveForSubject(ctx context.Context, subjectID string) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM generation_jobs j
		 WHERE j.subject_id = $1 AND j.status IN ('pending', 'running')
		 ORDER BY j.created_at DESC
		 LIMIT 1`,
		subjectID,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query active job for subject", err)
	}
	return job, nil
}

// HasCompletedToday reports whether the subject already has a completed job
// created on the given local day. dayStart and dayEnd are the UTC instants
// bounding the subject's local calendar day; the caller computes them with the
// subject's timezone so the daily cap follows local midnight, not UTC midnight.
func (r *JobRepository) HasCompletedToday(ctx context.Context, subjectID string, dayStart, dayEnd time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM generation_jobs
		   WHERE subject_id = $1
		     AND status = 'completed'
		     AND created_at >= $2 AND created_at < $3
		 )`,
		subjectID, dayStart, dayEnd,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check completed jobs for day", err)
	}
	return exists, nil
}

// ClaimNextPending atomically claims up to limit pending jobs, transitioning
// them to running and stamping started_at. FOR UPDATE SKIP LOCKED lets
// concurrent pollers claim disjoint sets without blocking each other, so a
// job is handed to exactly one worker.
func (r *JobRepository) ClaimNextPending(ctx context.Context, limit int) ([]*types.Job, error) {
	rows, err := r.db.Query(ctx,
		`UPDATE generation_jobs j
		 SET status = 'running', started_at = NOW(), current_step = 'claimed'
		 WHERE j.id IN (
		   SELECT id FROM generation_jobs
		   WHERE status = 'pending'
		   ORDER BY created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim pending jobs", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan claimed job", scanErr)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating claimed jobs", err)
	}

	return jobs, nil
}

// ClaimByID claims one specific pending job, used by queue-driven workers
// where the job ID arrives in the message. A redelivered message for a job
// that was already claimed or finished returns ErrCodeConflictClaimed, which
// the worker treats as a successful no-op.
func (r *JobRepository) ClaimByID(ctx context.Context, id string) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`UPDATE generation_jobs j
		 SET status = 'running', started_at = NOW(), current_step = 'claimed'
		 WHERE j.id = $1 AND j.status = 'pending'
		 RETURNING `+jobColumns,
		id,
	)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeConflictClaimed,
				"job is not pending; already claimed or finished", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to claim job by id", err)
	}
	return job, nil
}

// UpdateProgress records the current step and percentage of a running job.
// Progress writes on a job that is no longer running are silently dropped;
// a late progress update from a recovered-away worker must not resurrect
// the row.
func (r *JobRepository) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	_, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET current_step = $2, progress_percent = $3
		 WHERE id = $1 AND status = 'running'`,
		id, step, percent,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update job progress", err)
	}
	return nil
}

// MarkCompleted transitions a running job to completed with its result.
// Returns ErrCodeConflictClaimed if the job was not running, which indicates
// the recovery monitor reclaimed it while this worker was still generating.
func (r *JobRepository) MarkCompleted(ctx context.Context, id string, result json.RawMessage, storyID string, generationSeconds float64) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'completed',
		     result = $2,
		     story_id = $3,
		     generation_time_seconds = $4,
		     current_step = 'completed',
		     progress_percent = 100,
		     error_message = NULL,
		     completed_at = NOW()
		 WHERE id = $1 AND status = 'running'`,
		id, []byte(result), nilIfEmpty(storyID), generationSeconds,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job completed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictClaimed,
			"job was not running at completion time", nil)
	}
	return nil
}

// RequeueForRetry returns a running job to pending with an incremented retry
// count, recording the failure message. The WHERE clause refuses the
// transition once the retry count reaches the ceiling; callers must then
// MarkFailed. Returns the number of rows transitioned (0 or 1).
func (r *JobRepository) RequeueForRetry(ctx context.Context, id string, errMsg string, ceiling int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'pending',
		     retry_count = retry_count + 1,
		     started_at = NULL,
		     current_step = NULL,
		     progress_percent = 0,
		     error_message = $2
		 WHERE id = $1 AND status = 'running' AND retry_count < $3`,
		id, errMsg, ceiling,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to requeue job for retry", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFailed transitions a job to failed terminal status with the error
// message. Applies to both pending and running jobs so the abort path and the
// retry-exhausted path share it.
func (r *JobRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'failed', error_message = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "no active job to fail", nil)
	}
	return nil
}

// recoveredMessage distinguishes crash-recovery resets from business
// failures in the error_message column.
const recoveredMessage = "recovered: worker lost while running"

// RecoverStale sweeps running jobs whose started_at is older than the
// threshold. Jobs under the retry ceiling return to pending with an
// incremented retry count; jobs at the ceiling fail permanently. Returns the
// counts of requeued and failed jobs.
func (r *JobRepository) RecoverStale(ctx context.Context, threshold time.Duration, ceiling int) (requeued int64, failed int64, err error) {
	cutoff := time.Now().UTC().Add(-threshold)

	// Fail-first ordering: a job at the ceiling must not slip through the
	// requeue statement after its count is incremented.
	failTag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'failed',
		     error_message = $2 || '; retry ceiling reached',
		     completed_at = NOW()
		 WHERE status = 'running' AND started_at < $1 AND retry_count >= $3`,
		cutoff, recoveredMessage, ceiling,
	)
	if err != nil {
		return 0, 0, types.NewAppError(types.ErrCodeInternalDB, "failed to fail stale jobs at retry ceiling", err)
	}

	requeueTag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'pending',
		     retry_count = retry_count + 1,
		     started_at = NULL,
		     current_step = NULL,
		     progress_percent = 0,
		     error_message = $2
		 WHERE status = 'running' AND started_at < $1 AND retry_count < $3`,
		cutoff, recoveredMessage, ceiling,
	)
	if err != nil {
		return 0, failTag.RowsAffected(), types.NewAppError(types.ErrCodeInternalDB, "failed to requeue stale jobs", err)
	}

	return requeueTag.RowsAffected(), failTag.RowsAffected(), nil
}

// Abort fails an active job on operator request. Running jobs are marked
// failed immediately; the worker discovers the abort when its completion
// write affects zero rows. Returns ErrCodeNotFoundJob if the job has no
// active row to abort.
func (r *JobRepository) Abort(ctx context.Context, id string, reason string) error {
	if reason == "" {
		reason = "aborted by operator"
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE generation_jobs
		 SET status = 'failed', error_message = $2, completed_at = NOW()
		 WHERE id = $1 AND status IN ('pending', 'running')`,
		id, reason,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to abort job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "no active job to abort", nil)
	}
	return nil
}

// ListRecent returns the most recently created jobs, newest first.
func (r *JobRepository) ListRecent(ctx context.Context, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM generation_jobs j
		 ORDER BY j.created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list recent jobs", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// ListByStatus returns jobs in the given status, newest first.
func (r *JobRepository) ListByStatus(ctx context.Context, status types.JobStatus, limit int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM generation_jobs j
		 WHERE j.status = $1
		 ORDER BY j.created_at DESC
		 LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs by status", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// GetQueueStats aggregates the generation queue in a single query using
// FILTER clauses. "Today" is the current UTC day.
func (r *JobRepository) GetQueueStats(ctx context.Context) (*types.QueueStats, error) {
	var s types.QueueStats
	err := r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'running'),
		   COUNT(*) FILTER (WHERE status = 'completed' AND completed_at >= date_trunc('day', NOW())),
		   COUNT(*) FILTER (WHERE status = 'failed' AND completed_at >= date_trunc('day', NOW()))
		 FROM generation_jobs`,
	).Scan(&s.PendingCount, &s.RunningCount, &s.CompletedToday, &s.FailedToday)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query queue stats", err)
	}
	return &s, nil
}

// ListTerminalBefore returns completed and failed jobs whose terminal
// timestamp is older than the cutoff. The retention sweep archives these
// before deleting them.
func (r *JobRepository) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]*types.Job, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+jobColumns+`
		 FROM generation_jobs j
		 WHERE j.status IN ('completed', 'failed') AND j.completed_at < $1
		 ORDER BY j.completed_at
		 LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list terminal jobs before cutoff", err)
	}
	defer rows.Close()

	return collectJobs(rows)
}

// DeleteTerminalBefore removes terminal jobs older than the cutoff and
// returns the number of rows deleted.
func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM generation_jobs
		 WHERE status IN ('completed', 'failed') AND completed_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete terminal jobs", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByIDs removes the given jobs and returns the number of rows deleted.
// Used by the retention sweep to drop each batch right after it is archived.
func (r *JobRepository) DeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`DELETE FROM generation_jobs WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to delete jobs by id", err)
	}
	return tag.RowsAffected(), nil
}

// collectJobs drains a result set into a job slice.
func collectJobs(rows pgx.Rows) ([]*types.Job, error) {
	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}
	return jobs, nil
}
