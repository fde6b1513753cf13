package models

import "time"

// Event types
const (
	EventTypeOrderCreated      = "ORDER_CREATED"
	EventTypePaymentCompleted  = "PAYMENT_COMPLETED"
	EventTypePaymentFailed     = "PAYMENT_FAILED"
	EventTypeDeliveryCompleted = "DELIVERY_COMPLETED"
	EventTypeDeliveryFailed    = "DELIVERY_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order is created
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	PackageID   string `json:"package_id"`
	PhoneNumber string `json:"phone_number"`
	Amount      string `json:"amount"`
}

// PaymentCompletedEvent published when a callback or query confirms payment.
// The delivery worker consumes it to trigger bundle delivery.
type PaymentCompletedEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	PaymentID     string `json:"payment_id"`
	Amount        string `json:"amount"`
	ReceiptNumber string `json:"receipt_number"`
}

// PaymentFailedEvent published when the gateway reports a failed payment
type PaymentFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	PaymentID string `json:"payment_id"`
	Reason    string `json:"reason"`
}

// DeliveryCompletedEvent published when a bundle lands on the handset
type DeliveryCompletedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
}

// DeliveryFailedEvent published when a delivery attempt fails
type DeliveryFailedEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`
}
