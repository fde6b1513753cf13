package models

// OrderStatus is the order state machine. Terminal states never
// re-transition; delivery_failed may return to paid for a retry.
type OrderStatus string

const (
	OrderPending        OrderStatus = "pending"
	OrderQueued         OrderStatus = "queued"
	OrderProcessing     OrderStatus = "processing"
	OrderPaid           OrderStatus = "paid"
	OrderDelivering     OrderStatus = "delivering"
	OrderDelivered      OrderStatus = "delivered"
	OrderDeliveryFailed OrderStatus = "delivery_failed"
	OrderFailed         OrderStatus = "failed"
	OrderCancelled      OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:        {OrderQueued, OrderProcessing, OrderCancelled, OrderFailed},
	OrderQueued:         {OrderProcessing, OrderCancelled, OrderFailed},
	OrderProcessing:     {OrderPaid, OrderFailed},
	OrderPaid:           {OrderDelivering},
	OrderDelivering:     {OrderDelivered, OrderDeliveryFailed},
	OrderDeliveryFailed: {OrderPaid},
}

// CanTransition reports whether moving to the given status is legal.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Payable reports whether an order in this state accepts a new STK push.
func (s OrderStatus) Payable() bool {
	return s == OrderPending || s == OrderQueued
}

// Terminal reports whether the order can make no further progress.
func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}

// Valid reports whether the status is a known order state.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderQueued, OrderProcessing, OrderPaid,
		OrderDelivering, OrderDelivered, OrderDeliveryFailed,
		OrderFailed, OrderCancelled:
		return true
	}
	return false
}

// PaymentStatus is the payment state machine, independent of the order's
// but correlated with it: an order reaches paid only through a payment
// reaching completed.
type PaymentStatus string

const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentCompleted  PaymentStatus = "completed"
	PaymentFailed     PaymentStatus = "failed"
	PaymentCancelled  PaymentStatus = "cancelled"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:    {PaymentProcessing, PaymentFailed, PaymentCancelled},
	PaymentProcessing: {PaymentCompleted, PaymentFailed, PaymentCancelled},
}

// CanTransition reports whether moving to the given status is legal.
func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range paymentTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the payment outcome is settled.
func (s PaymentStatus) Terminal() bool {
	return len(paymentTransitions[s]) == 0
}
