package order_repo

import (
	"context"

	"amazonpay-gateway/internal/domain"
)

// OrderRepository is the order store the payment lifecycle engine drives.
// The *WithEvent methods write the order change and its outbox event in one
// transaction so a published status never disagrees with the stored one.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	SetStatus(ctx context.Context, id string, status domain.OrderStatus, note string) error
	SetStatusWithEvent(ctx context.Context, id string, status domain.OrderStatus, note string, event *domain.OutboxMessage) error
	MarkPaidWithEvent(ctx context.Context, id string, event *domain.OutboxMessage) error
	SetMeta(ctx context.Context, orderID, key, value string) error
	GetMeta(ctx context.Context, orderID, key string) (string, error)
	DeleteMeta(ctx context.Context, orderID, key string) error
	GetAllMeta(ctx context.Context, orderID string) (map[string]string, error)
	SetAddresses(ctx context.Context, orderID string, shipping, billing domain.Address, buyerEmail string) error
	ReduceInventory(ctx context.Context, orderID string) error
	AcquireAuthLock(ctx context.Context, orderID string) (bool, error)
	ReleaseAuthLock(ctx context.Context, orderID string) error
}
