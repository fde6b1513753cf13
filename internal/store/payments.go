package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bingwa-sokoni/internal/models"
)

// CreatePayment persists a new push attempt in pending status. The row is
// written before the gateway call so a crash cannot lose the attempt.
func (s *Store) CreatePayment(ctx context.Context, payment *models.Payment) error {
	query := `
		INSERT INTO payments (id, order_id, amount, phone_number, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	return s.db.GetContext(ctx, payment, query,
		payment.ID, payment.OrderID, payment.Amount,
		payment.PhoneNumber, payment.Status)
}

// GetPaymentByID retrieves a payment by ID
func (s *Store) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment, "SELECT * FROM payments WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentByCheckoutID retrieves the payment a gateway callback refers to
func (s *Store) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.GetContext(ctx, &payment,
		"SELECT * FROM payments WHERE checkout_request_id = $1", checkoutRequestID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// GetPaymentsByOrderID lists an order's payment attempts, newest first
func (s *Store) GetPaymentsByOrderID(ctx context.Context, orderID string) ([]models.Payment, error) {
	var payments []models.Payment
	err := s.db.SelectContext(ctx, &payments,
		"SELECT * FROM payments WHERE order_id = $1 ORDER BY created_at DESC", orderID)
	return payments, err
}

// MarkPaymentProcessing attaches the gateway correlation IDs after an
// accepted submission and moves the payment out of pending.
func (s *Store) MarkPaymentProcessing(ctx context.Context, paymentID, merchantRequestID, checkoutRequestID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, merchant_request_id = $2,
		        checkout_request_id = $3, updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		models.PaymentProcessing, merchantRequestID, checkoutRequestID,
		paymentID, models.PaymentPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CompletePayment records a successful gateway result. Only applies from
// processing; a replayed callback is a no-op.
func (s *Store) CompletePayment(ctx context.Context, paymentID string, resultCode int, resultDesc, receipt string, transactionDate *time.Time) (bool, error) {
	txDate := sql.NullTime{}
	if transactionDate != nil {
		txDate = sql.NullTime{Time: *transactionDate, Valid: true}
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, result_code = $2, result_description = $3,
		        mpesa_receipt_number = $4, transaction_date = $5, updated_at = NOW()
		 WHERE id = $6 AND status = $7`,
		models.PaymentCompleted, resultCode, resultDesc, receipt, txDate,
		paymentID, models.PaymentProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// FailPayment records a failed gateway result. The expected current status
// distinguishes a rejected submission (pending) from a failed callback
// (processing); terminal payments never re-transition.
func (s *Store) FailPayment(ctx context.Context, paymentID string, resultCode sql.NullInt64, resultDesc string, from models.PaymentStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payments SET status = $1, result_code = $2, result_description = $3,
		        updated_at = NOW()
		 WHERE id = $4 AND status = $5`,
		models.PaymentFailed, resultCode, resultDesc, paymentID, from)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
