package service

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/models"
	"bingwa-sokoni/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Gateway is the subset of the Daraja client the payment flow needs.
type Gateway interface {
	STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResult, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error)
}

// PaymentStore is the subset of store operations the payment flow needs.
type PaymentStore interface {
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByID(ctx context.Context, id string) (*models.Payment, error)
	GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error)
	MarkPaymentProcessing(ctx context.Context, paymentID, merchantRequestID, checkoutRequestID string) (bool, error)
	CompletePayment(ctx context.Context, paymentID string, resultCode int, resultDesc, receipt string, transactionDate *time.Time) (bool, error)
	FailPayment(ctx context.Context, paymentID string, resultCode sql.NullInt64, resultDesc string, from models.PaymentStatus) (bool, error)
	MarkOrderProcessing(ctx context.Context, orderID string) (bool, error)
	MarkOrderPaid(ctx context.Context, orderID, receipt string) (bool, error)
	FailOrder(ctx context.Context, orderID, message string) (bool, error)
	AppendTransactionLog(ctx context.Context, orderID, paymentID, action string, details interface{}) error
}

// PaymentEvents publishes payment outcomes for downstream consumers.
type PaymentEvents interface {
	PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// CallbackGuard short-circuits replayed gateway callbacks. The store's
// conditional updates remain the authoritative guard; this is a cheap
// filter in front of them.
type CallbackGuard interface {
	MarkCallbackSeen(ctx context.Context, checkoutRequestID string) (bool, error)
	ClearCallbackSeen(ctx context.Context, checkoutRequestID string) error
}

// PaymentService drives the STK push lifecycle: initiation, callback
// reconciliation and active status queries.
type PaymentService struct {
	store   PaymentStore
	gateway Gateway
	events  PaymentEvents
	guard   CallbackGuard
	logger  *zap.Logger
}

// NewPaymentService creates a new payment service. guard may be nil.
func NewPaymentService(store PaymentStore, gateway Gateway, events PaymentEvents, guard CallbackGuard) *PaymentService {
	return &PaymentService{
		store:   store,
		gateway: gateway,
		events:  events,
		guard:   guard,
		logger:  util.GetLogger(),
	}
}

// InitiatePushResponse is returned to the client after a push submission.
type InitiatePushResponse struct {
	PaymentID         string `json:"payment_id"`
	CheckoutRequestID string `json:"checkout_request_id"`
	CustomerMessage   string `json:"customer_message,omitempty"`
}

// InitiatePush starts an STK push for a payable order. The payment row is
// persisted before the gateway call so a crash in between cannot silently
// lose the attempt.
func (s *PaymentService) InitiatePush(ctx context.Context, orderID, phoneNumber string, amount decimal.Decimal) (*InitiatePushResponse, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.InitiatePush")
	defer span.End()

	if !daraja.IsValidPhone(phoneNumber) {
		return nil, &ValidationError{Message: fmt.Sprintf("invalid phone number: %s", phoneNumber)}
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, &ValidationError{Message: "amount must be greater than zero"}
	}

	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if !order.Status.Payable() {
		return nil, &InvalidOrderStateError{OrderID: orderID, Status: order.Status}
	}

	phone := daraja.NormalizePhone(phoneNumber)
	payment := &models.Payment{
		ID:          uuid.New().String(),
		OrderID:     orderID,
		Amount:      amount,
		PhoneNumber: phone,
		Status:      models.PaymentPending,
	}

	if err := s.store.CreatePayment(ctx, payment); err != nil {
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}

	util.PaymentsInitiatedTotal.Inc()
	start := time.Now()

	result, err := s.gateway.STKPush(ctx, daraja.STKPushRequest{
		PhoneNumber:      phone,
		Amount:           amount.Ceil().IntPart(),
		AccountReference: accountReference(orderID),
		TransactionDesc:  "Bundle",
	})
	util.StkPushLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		// The pending payment row stays behind for later reconciliation.
		s.logger.Error("STK push dispatch failed",
			zap.String("order_id", orderID),
			zap.String("payment_id", payment.ID),
			zap.Error(err))
		return nil, err
	}

	if !result.Accepted {
		util.PaymentsRejectedTotal.Inc()
		if _, err := s.store.FailPayment(ctx, payment.ID, sql.NullInt64{}, result.ResponseDescription, models.PaymentPending); err != nil {
			s.logger.Error("Failed to mark rejected payment", zap.Error(err))
		}
		if err := s.store.AppendTransactionLog(ctx, orderID, payment.ID, models.ActionStkRejected, result.Raw); err != nil {
			s.logger.Error("Failed to log rejected push", zap.Error(err))
		}
		// The order is left untouched and stays payable for a retry.
		return nil, fmt.Errorf("%w: %s", ErrPushRejected, result.ResponseDescription)
	}

	if _, err := s.store.MarkPaymentProcessing(ctx, payment.ID, result.MerchantRequestID, result.CheckoutRequestID); err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}
	if _, err := s.store.MarkOrderProcessing(ctx, orderID); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}
	if err := s.store.AppendTransactionLog(ctx, orderID, payment.ID, models.ActionStkInitiated, result.Raw); err != nil {
		s.logger.Error("Failed to log initiated push", zap.Error(err))
	}

	s.logger.Info("STK push accepted",
		zap.String("order_id", orderID),
		zap.String("payment_id", payment.ID),
		zap.String("checkout_request_id", result.CheckoutRequestID))

	return &InitiatePushResponse{
		PaymentID:         payment.ID,
		CheckoutRequestID: result.CheckoutRequestID,
		CustomerMessage:   result.CustomerMessage,
	}, nil
}

// HandleCallback reconciles a gateway callback into payment and order
// state. Errors are internal only; the HTTP boundary always acknowledges
// with a success envelope so the gateway does not retry-storm.
func (s *PaymentService) HandleCallback(ctx context.Context, envelope *daraja.CallbackEnvelope) error {
	ctx, span := util.StartSpan(ctx, "PaymentService.HandleCallback")
	defer span.End()

	cb := envelope.Body.StkCallback
	if cb == nil {
		util.CallbacksReceivedTotal.WithLabelValues("malformed").Inc()
		s.logger.Warn("Callback without stkCallback body, ignoring")
		return nil
	}

	marked := false
	if s.guard != nil {
		first, err := s.guard.MarkCallbackSeen(ctx, cb.CheckoutRequestID)
		if err != nil {
			s.logger.Warn("Callback guard unavailable, continuing", zap.Error(err))
		} else if !first {
			util.CallbacksReceivedTotal.WithLabelValues("duplicate").Inc()
			s.logger.Info("Duplicate callback ignored",
				zap.String("checkout_request_id", cb.CheckoutRequestID))
			return nil
		} else {
			marked = true
		}
	}

	payment, err := s.store.GetPaymentByCheckoutID(ctx, cb.CheckoutRequestID)
	if err != nil {
		util.CallbacksReceivedTotal.WithLabelValues("error").Inc()
		if marked {
			if cerr := s.guard.ClearCallbackSeen(ctx, cb.CheckoutRequestID); cerr != nil {
				s.logger.Warn("Failed to clear callback marker", zap.Error(cerr))
			}
		}
		return fmt.Errorf("failed to load payment for callback: %w", err)
	}
	if payment == nil {
		util.CallbacksReceivedTotal.WithLabelValues("unknown").Inc()
		s.logger.Warn("Payment not found for callback",
			zap.String("checkout_request_id", cb.CheckoutRequestID))
		return nil
	}

	outcome := gatewayOutcome{
		ResultCode: cb.ResultCode,
		ResultDesc: cb.ResultDesc,
		Raw:        cb,
	}
	if cb.ResultCode == 0 {
		if receipt, ok := cb.CallbackMetadata.String("MpesaReceiptNumber"); ok {
			outcome.Receipt = receipt
		}
		if v, ok := cb.CallbackMetadata.Number("TransactionDate"); ok {
			if t, err := daraja.ParseTransactionDate(v); err == nil {
				outcome.TransactionDate = &t
			}
		}
	}

	if err := s.reconcile(ctx, payment, outcome); err != nil {
		// Nothing was applied; drop the marker so the gateway's retry of
		// this callback is not discarded as a duplicate.
		if marked {
			if cerr := s.guard.ClearCallbackSeen(ctx, cb.CheckoutRequestID); cerr != nil {
				s.logger.Warn("Failed to clear callback marker", zap.Error(cerr))
			}
		}
		return err
	}
	return nil
}

// QueryStatus asks the gateway for a dispatched payment's outcome. It is a
// read-through and mutates nothing.
func (s *PaymentService) QueryStatus(ctx context.Context, paymentID string) (*daraja.QueryResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.QueryStatus")
	defer span.End()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	if !payment.CheckoutRequestID.Valid || payment.CheckoutRequestID.String == "" {
		return nil, ErrNoCheckoutID
	}

	return s.gateway.QueryStatus(ctx, payment.CheckoutRequestID.String)
}

// SyncFromGateway queries the gateway and feeds the result through the
// same reconciliation path as the callback. Escape hatch for a delayed or
// lost callback; a no-op when the payment is already terminal.
func (s *PaymentService) SyncFromGateway(ctx context.Context, paymentID string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.SyncFromGateway")
	defer span.End()

	payment, err := s.store.GetPaymentByID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	if payment == nil {
		return nil, fmt.Errorf("payment %s: %w", paymentID, ErrNotFound)
	}
	if payment.Status.Terminal() {
		return payment, nil
	}
	if !payment.CheckoutRequestID.Valid || payment.CheckoutRequestID.String == "" {
		return nil, ErrNoCheckoutID
	}

	result, err := s.gateway.QueryStatus(ctx, payment.CheckoutRequestID.String)
	if err != nil {
		return nil, err
	}

	// A response without a terminal ResultCode decodes to a zero value that
	// must not be mistaken for success. Leave the payment as it is.
	if !result.Success && result.ResultCode == 0 {
		s.logger.Info("Gateway returned no terminal result, payment unchanged",
			zap.String("payment_id", payment.ID))
		return payment, nil
	}

	outcome := gatewayOutcome{
		ResultCode: result.ResultCode,
		ResultDesc: result.ResultDesc,
		Raw:        result.Raw,
	}
	if err := s.reconcile(ctx, payment, outcome); err != nil {
		return nil, err
	}

	return s.store.GetPaymentByID(ctx, paymentID)
}

// GetPaymentStatus returns a payment and its order, looked up by payment
// ID or checkout request ID.
func (s *PaymentService) GetPaymentStatus(ctx context.Context, id string) (*models.Payment, *models.Order, error) {
	payment, err := s.store.GetPaymentByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if payment == nil {
		payment, err = s.store.GetPaymentByCheckoutID(ctx, id)
		if err != nil {
			return nil, nil, err
		}
	}
	if payment == nil {
		return nil, nil, fmt.Errorf("payment %s: %w", id, ErrNotFound)
	}

	order, err := s.store.GetOrderByID(ctx, payment.OrderID)
	if err != nil {
		return nil, nil, err
	}
	return payment, order, nil
}

// gatewayOutcome is a normalized terminal result from either the callback
// or an active query, so both paths reconcile identically.
type gatewayOutcome struct {
	ResultCode      int
	ResultDesc      string
	Receipt         string
	TransactionDate *time.Time
	Raw             interface{}
}

func (s *PaymentService) reconcile(ctx context.Context, payment *models.Payment, outcome gatewayOutcome) error {
	if outcome.ResultCode == 0 {
		applied, err := s.store.CompletePayment(ctx, payment.ID,
			outcome.ResultCode, outcome.ResultDesc, outcome.Receipt, outcome.TransactionDate)
		if err != nil {
			return fmt.Errorf("failed to complete payment: %w", err)
		}
		if !applied {
			s.logger.Info("Payment already settled, skipping",
				zap.String("payment_id", payment.ID))
			return nil
		}

		if _, err := s.store.MarkOrderPaid(ctx, payment.OrderID, outcome.Receipt); err != nil {
			return fmt.Errorf("failed to mark order paid: %w", err)
		}
		if err := s.store.AppendTransactionLog(ctx, payment.OrderID, payment.ID, models.ActionPaymentCompleted, outcome.Raw); err != nil {
			s.logger.Error("Failed to log completed payment", zap.Error(err))
		}

		util.PaymentsCompletedTotal.Inc()
		util.CallbacksReceivedTotal.WithLabelValues("success").Inc()
		s.logger.Info("Payment completed",
			zap.String("payment_id", payment.ID),
			zap.String("order_id", payment.OrderID),
			zap.String("receipt", outcome.Receipt))

		event := &models.PaymentCompletedEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentCompleted,
				Timestamp: time.Now(),
			},
			OrderID:       payment.OrderID,
			PaymentID:     payment.ID,
			Amount:        payment.Amount.String(),
			ReceiptNumber: outcome.Receipt,
		}
		if err := s.events.PublishPaymentCompleted(ctx, event); err != nil {
			s.logger.Error("Failed to publish PaymentCompleted event", zap.Error(err))
		}
		return nil
	}

	applied, err := s.store.FailPayment(ctx, payment.ID,
		sql.NullInt64{Int64: int64(outcome.ResultCode), Valid: true},
		outcome.ResultDesc, models.PaymentProcessing)
	if err != nil {
		return fmt.Errorf("failed to fail payment: %w", err)
	}
	if !applied {
		s.logger.Info("Payment already settled, skipping",
			zap.String("payment_id", payment.ID))
		return nil
	}

	if _, err := s.store.FailOrder(ctx, payment.OrderID, outcome.ResultDesc); err != nil {
		return fmt.Errorf("failed to fail order: %w", err)
	}
	if err := s.store.AppendTransactionLog(ctx, payment.OrderID, payment.ID, models.ActionPaymentFailed, outcome.Raw); err != nil {
		s.logger.Error("Failed to log failed payment", zap.Error(err))
	}

	util.PaymentsFailedTotal.WithLabelValues(strconv.Itoa(outcome.ResultCode)).Inc()
	util.CallbacksReceivedTotal.WithLabelValues("failure").Inc()
	s.logger.Warn("Payment failed",
		zap.String("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.Int("result_code", outcome.ResultCode),
		zap.String("result_desc", outcome.ResultDesc))

	event := &models.PaymentFailedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypePaymentFailed,
			Timestamp: time.Now(),
		},
		OrderID:   payment.OrderID,
		PaymentID: payment.ID,
		Reason:    outcome.ResultDesc,
	}
	if err := s.events.PublishPaymentFailed(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentFailed event", zap.Error(err))
	}
	return nil
}

// accountReference derives the gateway account reference from the order
// ID, within the 12-character limit.
func accountReference(orderID string) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}
	return "BS-" + strings.ToUpper(short)
}
