package store

import (
	"context"
	"database/sql"
	"errors"

	"bingwa-sokoni/internal/models"
)

// CreateOrder creates a new order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, user_id, package_id, phone_number, amount, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`

	return s.db.GetContext(ctx, order, query,
		order.ID, order.UserID, order.PackageID, order.PhoneNumber,
		order.Amount, order.Status)
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// OrderFilter narrows ListOrders results
type OrderFilter struct {
	Status string
	Phone  string
	Limit  int
	Offset int
}

// ListOrders retrieves orders newest-first with optional filters
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	query := "SELECT * FROM orders WHERE 1=1"
	args := []interface{}{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.Phone != "" {
		query += " AND phone_number = ?"
		args = append(args, filter.Phone)
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, s.db.Rebind(query), args...)
	return orders, err
}

// MarkOrderProcessing moves a payable order to processing once a push is
// accepted. Returns false when the order already left the payable states.
func (s *Store) MarkOrderProcessing(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ($3, $4)`,
		models.OrderProcessing, orderID, models.OrderPending, models.OrderQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOrderPaid settles an order after a completed payment. Only applies
// from processing so a replayed callback cannot re-transition it.
func (s *Store) MarkOrderPaid(ctx context.Context, orderID, receipt string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, mpesa_receipt_number = $2,
		        paid_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		models.OrderPaid, receipt, orderID, models.OrderProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailOrder records a failed payment outcome, only from processing.
func (s *Store) FailOrder(ctx context.Context, orderID, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, error_message = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		models.OrderFailed, message, orderID, models.OrderProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOrderDelivering claims a paid order for delivery.
func (s *Store) MarkOrderDelivering(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.OrderDelivering, orderID, models.OrderPaid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompleteOrderDelivery terminalizes a delivered order.
func (s *Store) CompleteOrderDelivery(ctx context.Context, orderID, reference string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, delivery_reference = $2,
		        delivered_at = NOW(), updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		models.OrderDelivered, reference, orderID, models.OrderDelivering)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailOrderDelivery records a delivery failure; the order stays retryable.
func (s *Store) FailOrderDelivery(ctx context.Context, orderID, message string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, error_message = $2, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		models.OrderDeliveryFailed, message, orderID, models.OrderDelivering)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResetOrderForRetry returns a delivery_failed order to paid.
func (s *Store) ResetOrderForRetry(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, error_message = NULL, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		models.OrderPaid, orderID, models.OrderDeliveryFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelOrder cancels an order that has not started payment.
func (s *Store) CancelOrder(ctx context.Context, orderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ($3, $4)`,
		models.OrderCancelled, orderID, models.OrderPending, models.OrderQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// UpdateOrderStatus applies an admin status patch; transition legality is
// validated by the caller against the current row.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID string, from, to models.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		to, orderID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
