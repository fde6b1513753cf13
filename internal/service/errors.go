package service

import (
	"errors"
	"fmt"

	"bingwa-sokoni/internal/models"
)

var (
	// ErrNotFound means the referenced entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNoCheckoutID means the payment was never dispatched to the
	// gateway, so there is nothing to query.
	ErrNoCheckoutID = errors.New("payment has no checkout request to query")

	// ErrPushRejected means the gateway declined the push at submission,
	// before any money moved. The order stays payable.
	ErrPushRejected = errors.New("stk push rejected by gateway")

	// ErrDeliveryInProgress means another delivery attempt holds the
	// per-order lock.
	ErrDeliveryInProgress = errors.New("delivery already in progress for order")
)

// ValidationError reports bad input caught before any network or store
// operation.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// InvalidOrderStateError reports an order state that does not accept the
// attempted payment operation.
type InvalidOrderStateError struct {
	OrderID string
	Status  models.OrderStatus
}

func (e *InvalidOrderStateError) Error() string {
	return fmt.Sprintf("order %s cannot be paid in status %s", e.OrderID, e.Status)
}

// InvalidDeliveryStateError reports an order state that does not accept
// the attempted delivery operation.
type InvalidDeliveryStateError struct {
	OrderID string
	Status  models.OrderStatus
}

func (e *InvalidDeliveryStateError) Error() string {
	return fmt.Sprintf("order %s cannot be delivered in status %s", e.OrderID, e.Status)
}
