package order_repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"amazonpay-gateway/internal/domain"
	"amazonpay-gateway/internal/repository/outbox_repo"
)

type orderRepository struct {
	db         *sql.DB
	outboxRepo outbox_repo.OutboxRepository
}

func NewOrderRepository(db *sql.DB, outboxRepo outbox_repo.OutboxRepository) OrderRepository {
	return &orderRepository{db: db, outboxRepo: outboxRepo}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.Order) error {
	query := `
		INSERT INTO orders (
			id, number, total, currency, status, status_note, buyer_email,
			shipping_name, shipping_line1, shipping_line2, shipping_city, shipping_state,
			shipping_postal_code, shipping_country, shipping_phone,
			billing_name, billing_line1, billing_line2, billing_city, billing_state,
			billing_postal_code, billing_country, billing_phone,
			inventory_reduced, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23,
			$24, $25, $26)
	`
	s, b := order.ShippingAddress, order.BillingAddress
	_, err := r.db.ExecContext(ctx, query,
		order.ID, order.Number, order.Total, order.Currency, order.Status, order.StatusNote, order.BuyerEmail,
		s.Name, s.Line1, s.Line2, s.City, s.State, s.PostalCode, s.Country, s.Phone,
		b.Name, b.Line1, b.Line2, b.City, b.State, b.PostalCode, b.Country, b.Phone,
		order.InventoryReduced, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create order: %w", err)
	}
	return nil
}

func (r *orderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return r.getByIDTx(ctx, r.db, id)
}

func (r *orderRepository) getByIDTx(ctx context.Context, querier domain.Querier, id string) (*domain.Order, error) {
	query := `
		SELECT id, number, total, currency, status, status_note, buyer_email,
			shipping_name, shipping_line1, shipping_line2, shipping_city, shipping_state,
			shipping_postal_code, shipping_country, shipping_phone,
			billing_name, billing_line1, billing_line2, billing_city, billing_state,
			billing_postal_code, billing_country, billing_phone,
			inventory_reduced, paid_at, created_at, updated_at
		FROM orders
		WHERE id = $1
	`
	order := &domain.Order{}
	var paidAt sql.NullTime
	s, b := &order.ShippingAddress, &order.BillingAddress
	err := querier.QueryRowContext(ctx, query, id).Scan(
		&order.ID, &order.Number, &order.Total, &order.Currency, &order.Status, &order.StatusNote, &order.BuyerEmail,
		&s.Name, &s.Line1, &s.Line2, &s.City, &s.State, &s.PostalCode, &s.Country, &s.Phone,
		&b.Name, &b.Line1, &b.Line2, &b.City, &b.State, &b.PostalCode, &b.Country, &b.Phone,
		&order.InventoryReduced, &paidAt, &order.CreatedAt, &order.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	if paidAt.Valid {
		order.PaidAt = &paidAt.Time
	}
	return order, nil
}

func (r *orderRepository) SetStatus(ctx context.Context, id string, status domain.OrderStatus, note string) error {
	return r.setStatusTx(ctx, r.db, id, status, note)
}

func (r *orderRepository) setStatusTx(ctx context.Context, querier domain.Querier, id string, status domain.OrderStatus, note string) error {
	query := `
		UPDATE orders
		SET status = $1, status_note = $2, updated_at = $3
		WHERE id = $4
	`
	res, err := querier.ExecContext(ctx, query, status, note, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update order status %s: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for order status update: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (r *orderRepository) SetStatusWithEvent(ctx context.Context, id string, status domain.OrderStatus, note string, event *domain.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := r.setStatusTx(ctx, tx, id, status, note); err != nil {
		tx.Rollback()
		return err
	}
	if err := r.outboxRepo.CreateMessageTx(ctx, tx, event); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status update for order %s: %w", id, err)
	}
	return nil
}

func (r *orderRepository) MarkPaidWithEvent(ctx context.Context, id string, event *domain.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	// The status guard is what prevents a double capture from ever marking
	// the order paid twice.
	query := `
		UPDATE orders
		SET status = $1, status_note = '', paid_at = $2, updated_at = $2
		WHERE id = $3 AND status <> $1
	`
	res, err := tx.ExecContext(ctx, query, domain.OrderStatusPaid, time.Now(), id)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to mark order %s paid: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to get rows affected for mark paid: %w", err)
	}
	if rowsAffected == 0 {
		tx.Rollback()
		if _, getErr := r.getByIDTx(ctx, r.db, id); getErr != nil {
			return getErr
		}
		return domain.ErrOrderAlreadyPaid
	}

	if err := r.outboxRepo.CreateMessageTx(ctx, tx, event); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mark paid for order %s: %w", id, err)
	}
	return nil
}

func (r *orderRepository) SetMeta(ctx context.Context, orderID, key, value string) error {
	query := `
		INSERT INTO order_meta (order_id, meta_key, meta_value)
		VALUES ($1, $2, $3)
		ON CONFLICT (order_id, meta_key) DO UPDATE SET meta_value = EXCLUDED.meta_value
	`
	if _, err := r.db.ExecContext(ctx, query, orderID, key, value); err != nil {
		return fmt.Errorf("failed to set meta %s for order %s: %w", key, orderID, err)
	}
	return nil
}

// GetMeta returns the stored value, or empty when the key is absent.
func (r *orderRepository) GetMeta(ctx context.Context, orderID, key string) (string, error) {
	query := `SELECT meta_value FROM order_meta WHERE order_id = $1 AND meta_key = $2`
	var value string
	err := r.db.QueryRowContext(ctx, query, orderID, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get meta %s for order %s: %w", key, orderID, err)
	}
	return value, nil
}

func (r *orderRepository) DeleteMeta(ctx context.Context, orderID, key string) error {
	query := `DELETE FROM order_meta WHERE order_id = $1 AND meta_key = $2`
	if _, err := r.db.ExecContext(ctx, query, orderID, key); err != nil {
		return fmt.Errorf("failed to delete meta %s for order %s: %w", key, orderID, err)
	}
	return nil
}

func (r *orderRepository) GetAllMeta(ctx context.Context, orderID string) (map[string]string, error) {
	query := `SELECT meta_key, meta_value FROM order_meta WHERE order_id = $1`
	rows, err := r.db.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get meta for order %s: %w", orderID, err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan order meta: %w", err)
		}
		meta[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating order meta: %w", err)
	}
	return meta, nil
}

func (r *orderRepository) SetAddresses(ctx context.Context, orderID string, shipping, billing domain.Address, buyerEmail string) error {
	query := `
		UPDATE orders
		SET shipping_name = $1, shipping_line1 = $2, shipping_line2 = $3, shipping_city = $4,
			shipping_state = $5, shipping_postal_code = $6, shipping_country = $7, shipping_phone = $8,
			billing_name = $9, billing_line1 = $10, billing_line2 = $11, billing_city = $12,
			billing_state = $13, billing_postal_code = $14, billing_country = $15, billing_phone = $16,
			buyer_email = $17, updated_at = $18
		WHERE id = $19
	`
	res, err := r.db.ExecContext(ctx, query,
		shipping.Name, shipping.Line1, shipping.Line2, shipping.City,
		shipping.State, shipping.PostalCode, shipping.Country, shipping.Phone,
		billing.Name, billing.Line1, billing.Line2, billing.City,
		billing.State, billing.PostalCode, billing.Country, billing.Phone,
		buyerEmail, time.Now(), orderID,
	)
	if err != nil {
		return fmt.Errorf("failed to set addresses for order %s: %w", orderID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for address update: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

// ReduceInventory flags inventory as reduced; idempotent so a retried
// lifecycle step never double-reduces.
func (r *orderRepository) ReduceInventory(ctx context.Context, orderID string) error {
	query := `
		UPDATE orders
		SET inventory_reduced = TRUE, updated_at = $1
		WHERE id = $2 AND inventory_reduced = FALSE
	`
	if _, err := r.db.ExecContext(ctx, query, time.Now(), orderID); err != nil {
		return fmt.Errorf("failed to reduce inventory for order %s: %w", orderID, err)
	}
	return nil
}

// AcquireAuthLock takes the per-order authorization lock. Returns false when
// another authorization is already active for the order.
func (r *orderRepository) AcquireAuthLock(ctx context.Context, orderID string) (bool, error) {
	query := `
		INSERT INTO order_meta (order_id, meta_key, meta_value)
		VALUES ($1, $2, '1')
		ON CONFLICT (order_id, meta_key) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, orderID, domain.MetaAuthLock)
	if err != nil {
		return false, fmt.Errorf("failed to acquire authorization lock for order %s: %w", orderID, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for authorization lock: %w", err)
	}
	return rowsAffected == 1, nil
}

func (r *orderRepository) ReleaseAuthLock(ctx context.Context, orderID string) error {
	return r.DeleteMeta(ctx, orderID, domain.MetaAuthLock)
}
