package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bingwa-sokoni/internal/daraja"
	"bingwa-sokoni/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePaymentStore mirrors the store's conditional-update semantics in
// memory so race-sensitive flows can be tested without a database.
type fakePaymentStore struct {
	orders      map[string]*models.Order
	payments    map[string]*models.Payment
	actions     []string
	completeErr error
}

func newFakePaymentStore() *fakePaymentStore {
	return &fakePaymentStore{
		orders:   make(map[string]*models.Order),
		payments: make(map[string]*models.Payment),
	}
}

func (f *fakePaymentStore) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	if o, ok := f.orders[id]; ok {
		copied := *o
		return &copied, nil
	}
	return nil, nil
}

func (f *fakePaymentStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	copied := *payment
	f.payments[payment.ID] = &copied
	return nil
}

func (f *fakePaymentStore) GetPaymentByID(ctx context.Context, id string) (*models.Payment, error) {
	if p, ok := f.payments[id]; ok {
		copied := *p
		return &copied, nil
	}
	return nil, nil
}

func (f *fakePaymentStore) GetPaymentByCheckoutID(ctx context.Context, checkoutRequestID string) (*models.Payment, error) {
	for _, p := range f.payments {
		if p.CheckoutRequestID.Valid && p.CheckoutRequestID.String == checkoutRequestID {
			copied := *p
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakePaymentStore) MarkPaymentProcessing(ctx context.Context, paymentID, merchantRequestID, checkoutRequestID string) (bool, error) {
	p, ok := f.payments[paymentID]
	if !ok || p.Status != models.PaymentPending {
		return false, nil
	}
	p.Status = models.PaymentProcessing
	p.MerchantRequestID = sql.NullString{String: merchantRequestID, Valid: true}
	p.CheckoutRequestID = sql.NullString{String: checkoutRequestID, Valid: true}
	return true, nil
}

func (f *fakePaymentStore) CompletePayment(ctx context.Context, paymentID string, resultCode int, resultDesc, receipt string, transactionDate *time.Time) (bool, error) {
	if f.completeErr != nil {
		err := f.completeErr
		f.completeErr = nil
		return false, err
	}
	p, ok := f.payments[paymentID]
	if !ok || p.Status != models.PaymentProcessing {
		return false, nil
	}
	p.Status = models.PaymentCompleted
	p.ResultCode = sql.NullInt64{Int64: int64(resultCode), Valid: true}
	p.ResultDescription = sql.NullString{String: resultDesc, Valid: true}
	p.MpesaReceiptNumber = sql.NullString{String: receipt, Valid: true}
	if transactionDate != nil {
		p.TransactionDate = sql.NullTime{Time: *transactionDate, Valid: true}
	}
	return true, nil
}

func (f *fakePaymentStore) FailPayment(ctx context.Context, paymentID string, resultCode sql.NullInt64, resultDesc string, from models.PaymentStatus) (bool, error) {
	p, ok := f.payments[paymentID]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = models.PaymentFailed
	p.ResultCode = resultCode
	p.ResultDescription = sql.NullString{String: resultDesc, Valid: true}
	return true, nil
}

func (f *fakePaymentStore) MarkOrderProcessing(ctx context.Context, orderID string) (bool, error) {
	o, ok := f.orders[orderID]
	if !ok || !o.Status.Payable() {
		return false, nil
	}
	o.Status = models.OrderProcessing
	return true, nil
}

func (f *fakePaymentStore) MarkOrderPaid(ctx context.Context, orderID, receipt string) (bool, error) {
	o, ok := f.orders[orderID]
	if !ok || o.Status != models.OrderProcessing {
		return false, nil
	}
	o.Status = models.OrderPaid
	o.MpesaReceiptNumber = sql.NullString{String: receipt, Valid: true}
	o.PaidAt = sql.NullTime{Time: time.Now(), Valid: true}
	return true, nil
}

func (f *fakePaymentStore) FailOrder(ctx context.Context, orderID, message string) (bool, error) {
	o, ok := f.orders[orderID]
	if !ok || o.Status != models.OrderProcessing {
		return false, nil
	}
	o.Status = models.OrderFailed
	o.ErrorMessage = sql.NullString{String: message, Valid: true}
	return true, nil
}

func (f *fakePaymentStore) AppendTransactionLog(ctx context.Context, orderID, paymentID, action string, details interface{}) error {
	f.actions = append(f.actions, action)
	return nil
}

type fakeGateway struct {
	pushResult  *daraja.STKPushResult
	pushErr     error
	pushCalls   int
	queryResult *daraja.QueryResult
	queryErr    error
}

func (f *fakeGateway) STKPush(ctx context.Context, req daraja.STKPushRequest) (*daraja.STKPushResult, error) {
	f.pushCalls++
	return f.pushResult, f.pushErr
}

func (f *fakeGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*daraja.QueryResult, error) {
	return f.queryResult, f.queryErr
}

type fakeEvents struct {
	completed []*models.PaymentCompletedEvent
	failed    []*models.PaymentFailedEvent
}

func (f *fakeEvents) PublishPaymentCompleted(ctx context.Context, event *models.PaymentCompletedEvent) error {
	f.completed = append(f.completed, event)
	return nil
}

func (f *fakeEvents) PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error {
	f.failed = append(f.failed, event)
	return nil
}

type fakeGuard struct {
	seen    map[string]bool
	cleared []string
}

func (f *fakeGuard) MarkCallbackSeen(ctx context.Context, checkoutRequestID string) (bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]bool)
	}
	if f.seen[checkoutRequestID] {
		return false, nil
	}
	f.seen[checkoutRequestID] = true
	return true, nil
}

func (f *fakeGuard) ClearCallbackSeen(ctx context.Context, checkoutRequestID string) error {
	delete(f.seen, checkoutRequestID)
	f.cleared = append(f.cleared, checkoutRequestID)
	return nil
}

func acceptedPush(checkoutID string) *daraja.STKPushResult {
	return &daraja.STKPushResult{
		Accepted:            true,
		MerchantRequestID:   "mr-1",
		CheckoutRequestID:   checkoutID,
		ResponseDescription: "Success. Request accepted for processing",
		CustomerMessage:     "Success. Request accepted for processing",
		Raw:                 json.RawMessage(`{"ResponseCode":"0"}`),
	}
}

func queuedOrder(store *fakePaymentStore) *models.Order {
	order := &models.Order{
		ID:          "order-1",
		PackageID:   "pkg-1",
		PhoneNumber: "254712345678",
		Amount:      decimal.NewFromInt(20),
		Status:      models.OrderQueued,
	}
	store.orders[order.ID] = order
	return order
}

func successCallback(checkoutID string) *daraja.CallbackEnvelope {
	raw := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-1",
				"CheckoutRequestID": "` + checkoutID + `",
				"ResultCode": 0,
				"ResultDesc": "The service request is processed successfully.",
				"CallbackMetadata": {
					"Item": [
						{"Name": "Amount", "Value": 20.0},
						{"Name": "MpesaReceiptNumber", "Value": "SCI7TBLIKQ"},
						{"Name": "TransactionDate", "Value": 20250314092653},
						{"Name": "PhoneNumber", "Value": 254712345678}
					]
				}
			}
		}
	}`
	var envelope daraja.CallbackEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		panic(err)
	}
	return &envelope
}

func failureCallback(checkoutID string, code int, desc string) *daraja.CallbackEnvelope {
	var envelope daraja.CallbackEnvelope
	envelope.Body.StkCallback = &daraja.StkCallback{
		MerchantRequestID: "mr-1",
		CheckoutRequestID: checkoutID,
		ResultCode:        code,
		ResultDesc:        desc,
	}
	return &envelope
}

func TestHappyPathPushAndCallback(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_1")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_1", resp.CheckoutRequestID)

	assert.Equal(t, models.OrderProcessing, store.orders[order.ID].Status)
	payment := store.payments[resp.PaymentID]
	assert.Equal(t, models.PaymentProcessing, payment.Status)
	assert.Equal(t, "ws_CO_1", payment.CheckoutRequestID.String)

	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_1")))

	assert.Equal(t, models.PaymentCompleted, store.payments[resp.PaymentID].Status)
	assert.Equal(t, "SCI7TBLIKQ", store.payments[resp.PaymentID].MpesaReceiptNumber.String)
	assert.True(t, store.payments[resp.PaymentID].TransactionDate.Valid)

	assert.Equal(t, models.OrderPaid, store.orders[order.ID].Status)
	assert.Equal(t, "SCI7TBLIKQ", store.orders[order.ID].MpesaReceiptNumber.String)

	require.Len(t, events.completed, 1)
	assert.Equal(t, order.ID, events.completed[0].OrderID)
	assert.Equal(t, "SCI7TBLIKQ", events.completed[0].ReceiptNumber)
	assert.Contains(t, store.actions, models.ActionStkInitiated)
	assert.Contains(t, store.actions, models.ActionPaymentCompleted)
}

func TestCallbackUserCancelled(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_2")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	cb := failureCallback("ws_CO_2", 1032, "Request cancelled by user")
	require.NoError(t, svc.HandleCallback(context.Background(), cb))

	payment := store.payments[resp.PaymentID]
	assert.Equal(t, models.PaymentFailed, payment.Status)
	assert.Equal(t, int64(1032), payment.ResultCode.Int64)

	assert.Equal(t, models.OrderFailed, store.orders[order.ID].Status)
	assert.Equal(t, "Request cancelled by user", store.orders[order.ID].ErrorMessage.String)

	require.Len(t, events.failed, 1)
	assert.Equal(t, "Request cancelled by user", events.failed[0].Reason)
	assert.Empty(t, events.completed)
}

func TestDuplicateCallbackIsNoOp(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_3")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_3")))
	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_3")))

	assert.Equal(t, models.OrderPaid, store.orders[order.ID].Status)
	assert.Len(t, events.completed, 1)
}

func TestDuplicateCallbackWithoutGuard(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_4")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, nil)

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	// The conditional updates alone must make the replay benign.
	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_4")))
	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_4")))

	assert.Equal(t, models.OrderPaid, store.orders[order.ID].Status)
	assert.Len(t, events.completed, 1)
}

func TestRejectedPushLeavesOrderPayable(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: &daraja.STKPushResult{
		Accepted:            false,
		ResponseDescription: "Unable to lock subscriber",
		Raw:                 json.RawMessage(`{"ResponseCode":"1"}`),
	}}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	assert.ErrorIs(t, err, ErrPushRejected)

	assert.Equal(t, models.OrderQueued, store.orders[order.ID].Status)
	require.Len(t, store.payments, 1)
	for _, p := range store.payments {
		assert.Equal(t, models.PaymentFailed, p.Status)
	}
	assert.Contains(t, store.actions, models.ActionStkRejected)

	// A second push on the same order must be accepted.
	gateway.pushResult = acceptedPush("ws_CO_5")
	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_5", resp.CheckoutRequestID)
	assert.Equal(t, models.OrderProcessing, store.orders[order.ID].Status)
}

func TestPushTransportErrorLeavesPaymentPending(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushErr: daraja.ErrGatewayUnavailable}
	svc := NewPaymentService(store, gateway, &fakeEvents{}, &fakeGuard{})

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	assert.ErrorIs(t, err, daraja.ErrGatewayUnavailable)

	require.Len(t, store.payments, 1)
	for _, p := range store.payments {
		assert.Equal(t, models.PaymentPending, p.Status)
	}
	assert.Equal(t, models.OrderQueued, store.orders[order.ID].Status)
}

func TestPushOnNonPayableOrder(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	store.orders[order.ID].Status = models.OrderPaid
	svc := NewPaymentService(store, &fakeGateway{}, &fakeEvents{}, &fakeGuard{})

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)

	var stateErr *InvalidOrderStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, models.OrderPaid, stateErr.Status)
}

func TestPushValidation(t *testing.T) {
	svc := NewPaymentService(newFakePaymentStore(), &fakeGateway{}, &fakeEvents{}, &fakeGuard{})

	var validationErr *ValidationError
	_, err := svc.InitiatePush(context.Background(), "order-1", "12345", decimal.NewFromInt(20))
	assert.ErrorAs(t, err, &validationErr)

	_, err = svc.InitiatePush(context.Background(), "order-1", "254712345678", decimal.Zero)
	assert.ErrorAs(t, err, &validationErr)
}

func TestCallbackForUnknownCheckoutIgnored(t *testing.T) {
	store := newFakePaymentStore()
	events := &fakeEvents{}
	svc := NewPaymentService(store, &fakeGateway{}, events, &fakeGuard{})

	err := svc.HandleCallback(context.Background(), successCallback("ws_CO_unknown"))
	assert.NoError(t, err)
	assert.Empty(t, events.completed)
	assert.Empty(t, events.failed)
}

func TestQueryStatusRequiresCheckoutID(t *testing.T) {
	store := newFakePaymentStore()
	store.payments["pay-1"] = &models.Payment{
		ID:      "pay-1",
		OrderID: "order-1",
		Status:  models.PaymentPending,
	}
	svc := NewPaymentService(store, &fakeGateway{}, &fakeEvents{}, &fakeGuard{})

	_, err := svc.QueryStatus(context.Background(), "pay-1")
	assert.ErrorIs(t, err, ErrNoCheckoutID)
}

func TestSyncFromGatewayCompletesPayment(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_6")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	// The callback never arrives; an active query settles the payment.
	gateway.queryResult = &daraja.QueryResult{
		Success:    true,
		ResultCode: 0,
		ResultDesc: "The service request is processed successfully.",
		Raw:        json.RawMessage(`{"ResultCode":"0"}`),
	}

	payment, err := svc.SyncFromGateway(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
	assert.Equal(t, models.OrderPaid, store.orders[order.ID].Status)
	assert.Len(t, events.completed, 1)

	// Terminal payments return as-is without hitting the gateway again.
	gateway.queryErr = errors.New("should not be called")
	payment, err = svc.SyncFromGateway(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
}

func TestSyncFromGatewayUnconfirmedResultLeavesPaymentUntouched(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_8")}
	events := &fakeEvents{}
	svc := NewPaymentService(store, gateway, events, &fakeGuard{})

	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	// A 200 body without a ResultCode decodes to the zero value; it must
	// not settle the payment as a success.
	gateway.queryResult = &daraja.QueryResult{
		Success:    false,
		ResultCode: 0,
		Raw:        json.RawMessage(`{}`),
	}

	payment, err := svc.SyncFromGateway(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentProcessing, payment.Status)
	assert.Equal(t, models.PaymentProcessing, store.payments[resp.PaymentID].Status)
	assert.Equal(t, models.OrderProcessing, store.orders[order.ID].Status)
	assert.Empty(t, events.completed)
	assert.Empty(t, events.failed)

	// A confirmed failure with the same Success flag still reconciles.
	gateway.queryResult = &daraja.QueryResult{
		Success:    false,
		ResultCode: 1032,
		ResultDesc: "Request cancelled by user",
		Raw:        json.RawMessage(`{"ResultCode":"1032"}`),
	}
	payment, err = svc.SyncFromGateway(context.Background(), resp.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentFailed, payment.Status)
	assert.Equal(t, models.OrderFailed, store.orders[order.ID].Status)
}

func TestCallbackRetriedAfterTransientStoreError(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_9")}
	events := &fakeEvents{}
	guard := &fakeGuard{}
	svc := NewPaymentService(store, gateway, events, guard)

	_, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	store.completeErr = errors.New("connection reset")
	err = svc.HandleCallback(context.Background(), successCallback("ws_CO_9"))
	require.Error(t, err)

	// The marker must be dropped so the gateway's retry is not discarded
	// as a duplicate.
	assert.Contains(t, guard.cleared, "ws_CO_9")

	require.NoError(t, svc.HandleCallback(context.Background(), successCallback("ws_CO_9")))
	assert.Equal(t, models.OrderPaid, store.orders[order.ID].Status)
	assert.Len(t, events.completed, 1)
}

func TestGetPaymentStatusByCheckoutID(t *testing.T) {
	store := newFakePaymentStore()
	order := queuedOrder(store)
	gateway := &fakeGateway{pushResult: acceptedPush("ws_CO_7")}
	svc := NewPaymentService(store, gateway, &fakeEvents{}, &fakeGuard{})

	resp, err := svc.InitiatePush(context.Background(), order.ID, order.PhoneNumber, order.Amount)
	require.NoError(t, err)

	payment, got, err := svc.GetPaymentStatus(context.Background(), "ws_CO_7")
	require.NoError(t, err)
	assert.Equal(t, resp.PaymentID, payment.ID)
	assert.Equal(t, order.ID, got.ID)

	_, _, err = svc.GetPaymentStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAccountReference(t *testing.T) {
	ref := accountReference("a1b2c3d4-e5f6-7890-abcd-ef1234567890")
	assert.Equal(t, "BS-A1B2C3D4", ref)
	assert.LessOrEqual(t, len(ref), 12)

	assert.Equal(t, "BS-AB", accountReference("ab"))
}
