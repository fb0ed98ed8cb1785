package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"fablecast/internal/types"
)

// deliveryMockRows implements pgx.Rows over fixed deliveries, filling dest
// pointers in deliveryColumns order.
type deliveryMockRows struct {
	data    []*types.ScheduledDelivery
	idx     int
	closed  bool
	scanErr error
	errVal  error
}

func newDeliveryMockRows(ds ...*types.ScheduledDelivery) *deliveryMockRows {
	return &deliveryMockRows{data: ds, idx: -1}
}

func (r *deliveryMockRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	return r.idx < len(r.data)
}

func (r *deliveryMockRows) Scan(dest ...any) error {
	if r.scanErr != nil {
		return r.scanErr
	}
	d := r.data[r.idx]
	*dest[0].(*string) = d.ID
	*dest[1].(*string) = d.JobID
	if d.StoryID != "" {
		s := d.StoryID
		*dest[2].(**string) = &s
	}
	*dest[3].(*string) = d.Recipient
	*dest[4].(*time.Time) = d.DeliverAt
	*dest[5].(*string) = d.Timezone
	*dest[6].(*types.DeliveryStatus) = d.Status
	*dest[7].(**time.Time) = d.SentAt
	if d.ExternalSendID != "" {
		s := d.ExternalSendID
		*dest[8].(**string) = &s
	}
	if d.ErrorMessage != "" {
		s := d.ErrorMessage
		*dest[9].(**string) = &s
	}
	*dest[10].(*int) = d.RetryCount
	*dest[11].(*time.Time) = d.CreatedAt
	return nil
}

func (r *deliveryMockRows) Close()                                       { r.closed = true }
func (r *deliveryMockRows) Err() error                                   { return r.errVal }
func (r *deliveryMockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *deliveryMockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *deliveryMockRows) RawValues() [][]byte                          { return nil }
func (r *deliveryMockRows) Values() ([]any, error)                       { return nil, nil }
func (r *deliveryMockRows) Conn() *pgx.Conn                              { return nil }

// --- Schedule ---

func TestDeliveryRepository_Schedule_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	d := &types.ScheduledDelivery{
		ID:        "dlv_1",
		JobID:     "job_1",
		StoryID:   "story_1",
		Recipient: "reader@example.com",
		DeliverAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Timezone:  "America/New_York",
	}
	err := repo.Schedule(ctx, d)
	require.NoError(t, err)
	db.AssertExpectations(t)
}

// --- GetDue ---

func TestDeliveryRepository_GetDue_OrderedCandidates(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := newDeliveryMockRows(
		&types.ScheduledDelivery{
			ID: "dlv_1", JobID: "job_1", Recipient: "a@example.com",
			DeliverAt: now.Add(-10 * time.Minute), Timezone: "UTC",
			Status: types.DeliveryPending, CreatedAt: now.Add(-time.Hour),
		},
		&types.ScheduledDelivery{
			ID: "dlv_2", JobID: "job_2", Recipient: "b@example.com",
			DeliverAt: now.Add(-time.Minute), Timezone: "UTC",
			Status: types.DeliveryPending, RetryCount: 2, CreatedAt: now.Add(-time.Hour),
		},
	)

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		return len(args) == 2 && args[0] == now && args[1] == 20
	})).Return(rows, nil)

	due, err := repo.GetDue(ctx, now, 20)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "dlv_1", due[0].ID)
	assert.Equal(t, 2, due[1].RetryCount)
	db.AssertExpectations(t)
}

// --- MarkSending ---

func TestDeliveryRepository_MarkSending_WinsRow(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	won, err := repo.MarkSending(ctx, "dlv_1")
	require.NoError(t, err)
	assert.True(t, won)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_MarkSending_LosesRaceIsNotAnError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	// Another dispatcher already moved the row out of pending.
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	won, err := repo.MarkSending(ctx, "dlv_1")
	require.NoError(t, err)
	assert.False(t, won)
	db.AssertExpectations(t)
}

// --- MarkSent ---

func TestDeliveryRepository_MarkSent_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.MatchedBy(func(args []any) bool {
		if len(args) != 2 {
			return false
		}
		id, ok := args[1].(*string)
		return ok && id != nil && *id == "msg_ext_42"
	})).Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkSent(ctx, "dlv_1", "msg_ext_42")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_MarkSent_RowMovedIsDesync(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	err := repo.MarkSent(ctx, "dlv_1", "msg_ext_42")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeDesyncSentUnrecorded, appErr.Code)
	assert.Equal(t, types.ErrorKindDesync, appErr.Kind())
	db.AssertExpectations(t)
}

// --- ReleaseForRetry / MarkFailed ---

func TestDeliveryRepository_ReleaseForRetry_UnderCeiling(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	n, err := repo.ReleaseForRetry(ctx, "dlv_1", "provider 503", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_ReleaseForRetry_CeilingReached(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 0"), nil)

	n, err := repo.ReleaseForRetry(ctx, "dlv_1", "provider 503", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_MarkFailed_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("UPDATE 1"), nil)

	err := repo.MarkFailed(ctx, "dlv_1", "invalid recipient address")
	require.NoError(t, err)
	db.AssertExpectations(t)
}

// --- Stats ---

func TestDeliveryRepository_GetStats_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*int) = 8
			*dest[1].(*int) = 31
			*dest[2].(*int) = 2
			*dest[3].(*int) = 5
			return nil
		}})

	stats, err := repo.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.PendingCount)
	assert.Equal(t, 31, stats.SentToday)
	assert.Equal(t, 2, stats.FailedCount)
	assert.Equal(t, 5, stats.UpcomingWithinHour)
	db.AssertExpectations(t)
}

func TestDeliveryRepository_HasDeliveredToday(t *testing.T) {
	db := new(mockDBTX)
	repo := NewDeliveryRepository(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanFn: func(dest ...any) error {
			*dest[0].(*bool) = true
			return nil
		}})

	dayStart := time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)
	delivered, err := repo.HasDeliveredToday(ctx, "sub_1", dayStart, dayStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.True(t, delivered)
	db.AssertExpectations(t)
}
