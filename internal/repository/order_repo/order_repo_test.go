package order_repo

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amazonpay-gateway/internal/domain"
	"amazonpay-gateway/internal/repository/outbox_repo"
)

func newMockRepo(t *testing.T) (OrderRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOrderRepository(db, outbox_repo.NewOutboxRepository(db)), mock
}

func orderRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "number", "total", "currency", "status", "status_note", "buyer_email",
		"shipping_name", "shipping_line1", "shipping_line2", "shipping_city", "shipping_state",
		"shipping_postal_code", "shipping_country", "shipping_phone",
		"billing_name", "billing_line1", "billing_line2", "billing_city", "billing_state",
		"billing_postal_code", "billing_country", "billing_phone",
		"inventory_reduced", "paid_at", "created_at", "updated_at",
	}).AddRow(
		"order-1", "1001", "49.99", "USD", "NEW", "", "jane@example.com",
		"Jane Buyer", "1 Main St", "", "Seattle", "WA", "98101", "US", "",
		"Jane Buyer", "1 Main St", "", "Seattle", "WA", "98101", "US", "",
		false, nil, time.Now(), time.Now(),
	)
}

func testEvent() *domain.OutboxMessage {
	return &domain.OutboxMessage{
		ID:        "msg-1",
		Key:       "order-1",
		Payload:   []byte(`{"order_id":"order-1"}`),
		Status:    domain.OutboxStatusPending,
		CreatedAt: time.Now(),
	}
}

func TestGetByID(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders")).
		WithArgs("order-1").
		WillReturnRows(orderRow())

	order, err := repo.GetByID(context.Background(), "order-1")
	require.NoError(t, err)

	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, "49.99", order.Total.StringFixed(2))
	assert.Equal(t, domain.OrderStatusNew, order.Status)
	assert.Equal(t, "98101", order.ShippingAddress.PostalCode)
	assert.Nil(t, order.PaidAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM orders")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSetStatusWithEvent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(domain.OrderStatusOnHold, "note", sqlmock.AnyArg(), "order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WithArgs("msg-1", "order-1", []byte(`{"order_id":"order-1"}`), domain.OutboxStatusPending, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.SetStatusWithEvent(context.Background(), "order-1", domain.OrderStatusOnHold, "note", testEvent())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSetStatusWithEventRollsBackOnOutboxFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := repo.SetStatusWithEvent(context.Background(), "order-1", domain.OrderStatusOnHold, "note", testEvent())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaidWithEvent(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WithArgs(domain.OrderStatusPaid, sqlmock.AnyArg(), "order-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.MarkPaidWithEvent(context.Background(), "order-1", testEvent())
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkPaidWithEventAlreadyPaid(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE orders")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("FROM orders")).
		WithArgs("order-1").
		WillReturnRows(orderRow())

	err := repo.MarkPaidWithEvent(context.Background(), "order-1", testEvent())
	assert.ErrorIs(t, err, domain.ErrOrderAlreadyPaid)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMetaAbsentKey(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM order_meta")).
		WithArgs("order-1", domain.MetaCaptureID).
		WillReturnRows(sqlmock.NewRows([]string{"meta_value"}))

	value, err := repo.GetMeta(context.Background(), "order-1", domain.MetaCaptureID)
	require.NoError(t, err)
	assert.Empty(t, value)
}

func TestSetMetaUpserts(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (order_id, meta_key) DO UPDATE")).
		WithArgs("order-1", domain.MetaReferenceID, "S01-REF-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SetMeta(context.Background(), "order-1", domain.MetaReferenceID, "S01-REF-1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcquireAuthLock(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (order_id, meta_key) DO NOTHING")).
		WithArgs("order-1", domain.MetaAuthLock).
		WillReturnResult(sqlmock.NewResult(0, 1))

	locked, err := repo.AcquireAuthLock(context.Background(), "order-1")
	require.NoError(t, err)
	assert.True(t, locked)
}

func TestAcquireAuthLockContended(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (order_id, meta_key) DO NOTHING")).
		WithArgs("order-1", domain.MetaAuthLock).
		WillReturnResult(sqlmock.NewResult(0, 0))

	locked, err := repo.AcquireAuthLock(context.Background(), "order-1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestReduceInventoryOnlyOnce(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(regexp.QuoteMeta("inventory_reduced = FALSE")).
		WithArgs(sqlmock.AnyArg(), "order-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	// Zero rows affected is fine: inventory was already reduced.
	err := repo.ReduceInventory(context.Background(), "order-1")
	assert.NoError(t, err)
}

func TestGetAllMeta(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM order_meta")).
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"meta_key", "meta_value"}).
			AddRow(domain.MetaReferenceID, "S01-REF-1").
			AddRow(domain.MetaTimedOut, "1"))

	meta, err := repo.GetAllMeta(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		domain.MetaReferenceID: "S01-REF-1",
		domain.MetaTimedOut:    "1",
	}, meta)
}
