package models

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// User is registered on first purchase by phone number and never hard-deleted.
type User struct {
	ID          string         `db:"id" json:"id"`
	PhoneNumber string         `db:"phone_number" json:"phone_number"`
	Name        sql.NullString `db:"name" json:"name,omitempty"`
	DeviceID    sql.NullString `db:"device_id" json:"device_id,omitempty"`
	CreatedAt   time.Time      `db:"created_at" json:"created_at"`
	LastLogin   sql.NullTime   `db:"last_login" json:"last_login,omitempty"`
}

// Package categories form a closed set.
const (
	CategoryData     = "data"
	CategoryTunukiwa = "tunukiwa"
	CategorySMS      = "sms"
	CategoryMinutes  = "minutes"
)

// Package is immutable reference data; deactivation is the only delete.
type Package struct {
	ID            string          `db:"id" json:"id"`
	Category      string          `db:"category" json:"category"`
	Price         decimal.Decimal `db:"price" json:"price"`
	Amount        string          `db:"amount" json:"amount"`
	Validity      string          `db:"validity" json:"validity"`
	ValidityHours int             `db:"validity_hours" json:"validity_hours"`
	UssdCode      string          `db:"ussd_code" json:"ussd_code"`
	Description   string          `db:"description" json:"description"`
	IsMultiBuy    bool            `db:"is_multi_buy" json:"is_multi_buy"`
	IsPopular     bool            `db:"is_popular" json:"is_popular"`
	IsActive      bool            `db:"is_active" json:"is_active"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Order tracks one bundle purchase. Status moves only through the
// transitions declared in status.go; rows are never deleted.
type Order struct {
	ID                 string          `db:"id" json:"id"`
	UserID             sql.NullString  `db:"user_id" json:"user_id,omitempty"`
	PackageID          string          `db:"package_id" json:"package_id"`
	PhoneNumber        string          `db:"phone_number" json:"phone_number"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	Status             OrderStatus     `db:"status" json:"status"`
	MpesaReceiptNumber sql.NullString  `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	DeliveryReference  sql.NullString  `db:"delivery_reference" json:"delivery_reference,omitempty"`
	ErrorMessage       sql.NullString  `db:"error_message" json:"error_message,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
	PaidAt             sql.NullTime    `db:"paid_at" json:"paid_at,omitempty"`
	DeliveredAt        sql.NullTime    `db:"delivered_at" json:"delivered_at,omitempty"`
}

// Payment is one STK push attempt. An order may accumulate several
// failed payments; checkout_request_id identifies at most one in flight.
type Payment struct {
	ID                 string          `db:"id" json:"id"`
	OrderID            string          `db:"order_id" json:"order_id"`
	MerchantRequestID  sql.NullString  `db:"merchant_request_id" json:"merchant_request_id,omitempty"`
	CheckoutRequestID  sql.NullString  `db:"checkout_request_id" json:"checkout_request_id,omitempty"`
	Amount             decimal.Decimal `db:"amount" json:"amount"`
	PhoneNumber        string          `db:"phone_number" json:"phone_number"`
	Status             PaymentStatus   `db:"status" json:"status"`
	ResultCode         sql.NullInt64   `db:"result_code" json:"result_code,omitempty"`
	ResultDescription  sql.NullString  `db:"result_description" json:"result_description,omitempty"`
	MpesaReceiptNumber sql.NullString  `db:"mpesa_receipt_number" json:"mpesa_receipt_number,omitempty"`
	TransactionDate    sql.NullTime    `db:"transaction_date" json:"transaction_date,omitempty"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at" json:"updated_at"`
}

// Transaction log actions
const (
	ActionOrderCreated      = "order_created"
	ActionStkInitiated      = "stk_initiated"
	ActionStkRejected       = "stk_rejected"
	ActionPaymentCompleted  = "payment_completed"
	ActionPaymentFailed     = "payment_failed"
	ActionDeliveryStarted   = "delivery_started"
	ActionDeliveryCompleted = "delivery_completed"
	ActionDeliveryFailed    = "delivery_failed"
)

// TransactionLog is append-only; entries exist for forensic replay.
type TransactionLog struct {
	ID        int64           `db:"id" json:"id"`
	OrderID   sql.NullString  `db:"order_id" json:"order_id,omitempty"`
	PaymentID sql.NullString  `db:"payment_id" json:"payment_id,omitempty"`
	Action    string          `db:"action" json:"action"`
	Details   json.RawMessage `db:"details" json:"details"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// ProcessedEvent for consumer idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}
