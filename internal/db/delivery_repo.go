package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"fablecast/internal/types"
)

// DeliveryRepository provides data access for the scheduled_deliveries table.
//
// The at-most-once send guarantee lives here: MarkSending is the only door
// into a send attempt, and it is a conditional UPDATE that exactly one caller
// can win. Everything downstream (the provider call, MarkSent) assumes the
// caller holds that row.
type DeliveryRepository struct {
	db DBTX
}

// NewDeliveryRepository creates a new DeliveryRepository backed by the given
// database connection (pool or transaction).
func NewDeliveryRepository(db DBTX) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `d.id, d.job_id, d.story_id, d.recipient,
	d.deliver_at, d.timezone, d.status,
	d.sent_at, d.external_send_id, d.error_message, d.retry_count,
	d.created_at`

func scanDelivery(row pgx.Row) (*types.ScheduledDelivery, error) {
	var d types.ScheduledDelivery
	var (
		storyID        *string
		externalSendID *string
		errorMessage   *string
	)

	err := row.Scan(
		&d.ID,
		&d.JobID,
		&storyID,
		&d.Recipient,
		&d.DeliverAt,
		&d.Timezone,
		&d.Status,
		&d.SentAt,
		&externalSendID,
		&errorMessage,
		&d.RetryCount,
		&d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if storyID != nil {
		d.StoryID = *storyID
	}
	if externalSendID != nil {
		d.ExternalSendID = *externalSendID
	}
	if errorMessage != nil {
		d.ErrorMessage = *errorMessage
	}

	return &d, nil
}

// Schedule inserts a new pending delivery. The caller must set the ID
// (prefixed, e.g. "dlv_...") and the absolute deliver_at instant.
func (r *DeliveryRepository) Schedule(ctx context.Context, d *types.ScheduledDelivery) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO scheduled_deliveries
		   (id, job_id, story_id, recipient, deliver_at, timezone, status, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', 0, COALESCE($7, NOW()))`,
		d.ID,
		d.JobID,
		nilIfEmpty(d.StoryID),
		d.Recipient,
		d.DeliverAt,
		d.Timezone,
		nilIfZeroTime(d.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule delivery", err)
	}
	return nil
}

// GetByID retrieves a delivery by its ID. Returns ErrCodeNotFoundDelivery
// if absent.
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*types.ScheduledDelivery, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM scheduled_deliveries d WHERE d.id = $1`,
		id,
	)

	d, err := scanDelivery(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundDelivery, "delivery not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve delivery", err)
	}
	return d, nil
}

// GetDue returns pending deliveries whose deliver_at has passed, oldest
// first. The dispatcher acquires each row individually via MarkSending, so
// this read is a candidate list, not a claim.
func (r *DeliveryRepository) GetDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledDelivery, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM scheduled_deliveries d
		 WHERE d.status = 'pending' AND d.deliver_at <= $1
		 ORDER BY d.deliver_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query due deliveries", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// MarkSending attempts the pending -> sending transition. Returns true if
// this caller won the row and may invoke the transport, false if another
// dispatcher got there first (or the delivery was aborted). Losing is not
// an error.
func (r *DeliveryRepository) MarkSending(ctx context.Context, id string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_deliveries
		 SET status = 'sending'
		 WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery sending", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkSent records a successful send with the provider's message ID.
// A zero-row result here means the send happened but the row moved under
// us; the caller must surface that as a desync, never retry the send.
func (r *DeliveryRepository) MarkSent(ctx context.Context, id string, externalSendID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_deliveries
		 SET status = 'sent', sent_at = NOW(), external_send_id = $2, error_message = NULL
		 WHERE id = $1 AND status = 'sending'`,
		id, nilIfEmpty(externalSendID),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery sent", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeDesyncSentUnrecorded,
			"send succeeded but delivery row was not in sending status", nil)
	}
	return nil
}

// ReleaseForRetry returns a sending delivery to pending with an incremented
// retry count after a transient transport failure. The ceiling is enforced in
// SQL; zero rows affected means the ceiling is reached and the caller must
// MarkFailed.
func (r *DeliveryRepository) ReleaseForRetry(ctx context.Context, id string, errMsg string, ceiling int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_deliveries
		 SET status = 'pending', retry_count = retry_count + 1, error_message = $2
		 WHERE id = $1 AND status = 'sending' AND retry_count < $3`,
		id, errMsg, ceiling,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to release delivery for retry", err)
	}
	return tag.RowsAffected(), nil
}

// MarkFailed transitions a delivery to failed terminal status. Used for
// permanent transport failures, retry exhaustion, and desync flagging.
func (r *DeliveryRepository) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE scheduled_deliveries
		 SET status = 'failed', error_message = $2
		 WHERE id = $1 AND status IN ('pending', 'sending')`,
		id, errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark delivery failed", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundDelivery, "no active delivery to fail", nil)
	}
	return nil
}

// GetStats aggregates the delivery queue in a single query.
func (r *DeliveryRepository) GetStats(ctx context.Context) (*types.DeliveryStats, error) {
	var s types.DeliveryStats
	err := r.db.QueryRow(ctx,
		`SELECT
		   COUNT(*) FILTER (WHERE status = 'pending'),
		   COUNT(*) FILTER (WHERE status = 'sent' AND sent_at >= date_trunc('day', NOW())),
		   COUNT(*) FILTER (WHERE status = 'failed'),
		   COUNT(*) FILTER (WHERE status = 'pending' AND deliver_at BETWEEN NOW() AND NOW() + INTERVAL '1 hour')
		 FROM scheduled_deliveries`,
	).Scan(&s.PendingCount, &s.SentToday, &s.FailedCount, &s.UpcomingWithinHour)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query delivery stats", err)
	}
	return &s, nil
}

// GetUpcoming returns pending deliveries due within the window, soonest
// first. Used by the ops surface for the upcoming-deliveries view.
func (r *DeliveryRepository) GetUpcoming(ctx context.Context, within time.Duration, limit int) ([]*types.ScheduledDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	rows, err := r.db.Query(ctx,
		`SELECT `+deliveryColumns+`
		 FROM scheduled_deliveries d
		 WHERE d.status = 'pending' AND d.deliver_at BETWEEN $1 AND $2
		 ORDER BY d.deliver_at
		 LIMIT $3`,
		now, now.Add(within), limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query upcoming deliveries", err)
	}
	defer rows.Close()

	return collectDeliveries(rows)
}

// HasDeliveredToday reports whether a sent delivery exists for the job's
// subject within the UTC bounds of the subject's local day. Guards the
// scheduler against double-promising a day that already delivered.
func (r *DeliveryRepository) HasDeliveredToday(ctx context.Context, subjectID string, dayStart, dayEnd time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1
		   FROM scheduled_deliveries d
		   JOIN generation_jobs j ON j.id = d.job_id
		   WHERE j.subject_id = $1
		     AND d.status = 'sent'
		     AND d.sent_at >= $2 AND d.sent_at < $3
		 )`,
		subjectID, dayStart, dayEnd,
	).Scan(&exists)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to check deliveries for day", err)
	}
	return exists, nil
}

func collectDeliveries(rows pgx.Rows) ([]*types.ScheduledDelivery, error) {
	var deliveries []*types.ScheduledDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan delivery row", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating delivery rows", err)
	}
	return deliveries, nil
}
