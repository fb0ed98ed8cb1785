// Package delivery sends completed episodes to their recipients. The
// dispatcher owns the pending -> sending -> sent transition; the sending
// claim guarantees a delivery is handed to the email provider at most once.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fablecast/internal/config"
	"fablecast/internal/external"
	"fablecast/internal/metrics"
	"fablecast/internal/types"
)

// DeliveryStore defines the scheduled-delivery operations the dispatcher
// needs. MarkSending is a conditional claim: false means another dispatcher
// already took the row.
type DeliveryStore interface {
	GetDue(ctx context.Context, now time.Time, limit int) ([]*types.ScheduledDelivery, error)
	GetByID(ctx context.Context, id string) (*types.ScheduledDelivery, error)
	MarkSending(ctx context.Context, id string) (bool, error)
	MarkSent(ctx context.Context, id string, externalSendID string) error
	ReleaseForRetry(ctx context.Context, id string, errMsg string, ceiling int) (int64, error)
	MarkFailed(ctx context.Context, id string, errMsg string) error
}

// JobStore fetches the completed job whose episode a delivery carries.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*types.Job, error)
}

// Publisher enqueues delivery messages for the distributed topology.
type Publisher interface {
	PublishDelivery(ctx context.Context, msg types.DeliveryMessage) error
}

// Dispatcher drains due deliveries. In the single-process topology RunOnce
// sends inline; in the distributed topology RunOnce publishes one message
// per due delivery and the queue consumer calls ProcessMessage.
type Dispatcher struct {
	deliveries DeliveryStore
	jobs       JobStore
	sender     external.EmailSender
	publisher  Publisher
	meter      metrics.Emitter
	logger     *slog.Logger
	cfg        config.DeliveryConfig

	sleepFn func(time.Duration)
	nowFn   func() time.Time
}

// NewDispatcher creates a Dispatcher. publisher may be nil in the
// single-process topology; sender may be nil when the dispatcher only
// publishes.
func NewDispatcher(
	deliveries DeliveryStore,
	jobs JobStore,
	sender external.EmailSender,
	publisher Publisher,
	meter metrics.Emitter,
	logger *slog.Logger,
	cfg config.DeliveryConfig,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = metrics.NoopEmitter{}
	}
	return &Dispatcher{
		deliveries: deliveries,
		jobs:       jobs,
		sender:     sender,
		publisher:  publisher,
		meter:      meter,
		logger:     logger,
		cfg:        cfg,
		sleepFn:    time.Sleep,
		nowFn:      func() time.Time { return time.Now().UTC() },
	}
}

// RunOnce processes one batch of due deliveries. Returns the number of
// deliveries handled (sent, published, or terminally failed).
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (int, error) {
	due, err := d.deliveries.GetDue(ctx, now, d.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("listing due deliveries: %w", err)
	}

	handled := 0
	for i, item := range due {
		if err := ctx.Err(); err != nil {
			return handled, err
		}

		if d.publisher != nil {
			if err := d.publisher.PublishDelivery(ctx, types.DeliveryMessage{
				DeliveryID: item.ID,
				JobID:      item.JobID,
				EnqueuedAt: now,
			}); err != nil {
				d.logger.ErrorContext(ctx, "failed to publish delivery message",
					"delivery_id", item.ID,
					"error", err,
				)
				continue
			}
			handled++
			continue
		}

		if d.sendOne(ctx, item) {
			handled++
		}

		// Pace outbound sends so a large batch does not trip the provider's
		// rate limit.
		if i < len(due)-1 && d.cfg.InterItemDelay > 0 {
			d.sleepFn(d.cfg.InterItemDelay)
		}
	}
	return handled, nil
}

// ProcessMessage handles one delivery message from the queue. The sending
// claim inside sendOne makes duplicate messages harmless.
func (d *Dispatcher) ProcessMessage(ctx context.Context, msg types.DeliveryMessage) error {
	ctx = types.WithRequestID(ctx, msg.TraceID)

	item, err := d.deliveries.GetByID(ctx, msg.DeliveryID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundDelivery {
			d.logger.WarnContext(ctx, "delivery message for unknown delivery, dropping",
				"delivery_id", msg.DeliveryID,
			)
			return nil
		}
		return fmt.Errorf("loading delivery %s: %w", msg.DeliveryID, err)
	}

	d.sendOne(ctx, item)
	return nil
}

// sendOne claims and sends a single delivery. Returns true when the delivery
// reached a terminal state (sent or failed) in this call.
func (d *Dispatcher) sendOne(ctx context.Context, item *types.ScheduledDelivery) bool {
	log := d.logger.With("delivery_id", item.ID, "job_id", item.JobID)

	claimed, err := d.deliveries.MarkSending(ctx, item.ID)
	if err != nil {
		log.ErrorContext(ctx, "failed to claim delivery", "error", err)
		return false
	}
	if !claimed {
		// Another dispatcher holds the row. Not an error: the claim is the
		// at-most-once gate.
		log.InfoContext(ctx, "delivery already claimed, skipping")
		return false
	}

	email, err := d.buildEmail(ctx, item)
	if err != nil {
		log.ErrorContext(ctx, "failed to build email for delivery", "error", err)
		d.failOrRelease(ctx, item, err)
		return true
	}

	start := d.nowFn()
	sendID, err := d.sender.Send(ctx, email)
	if err != nil {
		log.WarnContext(ctx, "email send failed", "error", err)
		d.failOrRelease(ctx, item, err)
		return true
	}
	d.meter.Duration(ctx, metrics.MetricSendLatency, d.nowFn().Sub(start), nil)

	if err := d.deliveries.MarkSent(ctx, item.ID, sendID); err != nil {
		// The provider accepted the email but the sent state was not recorded,
		// whether the row left sending state underneath us or the store write
		// itself failed. Retrying would double-send, so this is flagged for
		// manual reconciliation instead.
		log.ErrorContext(ctx, "delivery sent but not recorded, flagging desync",
			"external_send_id", sendID,
			"error", err,
		)
		d.meter.Count(ctx, metrics.MetricDeliveryDesync, 1, nil)
		if failErr := d.deliveries.MarkFailed(ctx, item.ID,
			fmt.Sprintf("desync: provider accepted send %s but sent state was not recorded", sendID)); failErr != nil {
			log.ErrorContext(ctx, "failed to record desync state", "error", failErr)
		}
		return true
	}

	d.meter.Count(ctx, metrics.MetricDeliveriesSent, 1, nil)
	log.InfoContext(ctx, "delivery sent",
		"recipient", item.Recipient,
		"external_send_id", sendID,
	)
	return true
}

// failOrRelease routes a pre-send or send failure: transient errors release
// the row back to pending until the retry ceiling, everything else fails it.
func (d *Dispatcher) failOrRelease(ctx context.Context, item *types.ScheduledDelivery, sendErr error) {
	log := d.logger.With("delivery_id", item.ID)

	if types.IsRetryable(sendErr) {
		released, err := d.deliveries.ReleaseForRetry(ctx, item.ID, sendErr.Error(), d.cfg.RetryCeiling)
		if err != nil {
			log.ErrorContext(ctx, "failed to release delivery for retry", "error", err)
			return
		}
		if released > 0 {
			log.WarnContext(ctx, "transient send failure, delivery released for retry",
				"retry_count", item.RetryCount+1,
			)
			return
		}
		log.WarnContext(ctx, "delivery retry ceiling reached, failing")
	}

	if err := d.deliveries.MarkFailed(ctx, item.ID, sendErr.Error()); err != nil {
		log.ErrorContext(ctx, "failed to mark delivery failed", "error", err)
		return
	}
	d.meter.Count(ctx, metrics.MetricDeliveriesFailed, 1, nil)
}
