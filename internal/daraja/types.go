package daraja

import (
	"encoding/json"
	"fmt"
	"time"
)

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
}

// STKPushRequest describes one push attempt. AccountReference and
// TransactionDesc are truncated to the gateway's 12/13 character limits.
type STKPushRequest struct {
	PhoneNumber      string
	Amount           int64
	AccountReference string
	TransactionDesc  string
}

// STKPushResult is the gateway's submission acknowledgment. Accepted means
// the push reached the handset queue, not that the customer paid.
type STKPushResult struct {
	Accepted            bool
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseDescription string
	CustomerMessage     string
	Raw                 json.RawMessage
}

type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type queryResponse struct {
	ResponseCode      string `json:"ResponseCode"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryResult is the outcome of an active status query.
type QueryResult struct {
	Success           bool
	ResultCode        int
	ResultDesc        string
	MerchantRequestID string
	CheckoutRequestID string
	Raw               json.RawMessage
}

type apiError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// CallbackEnvelope is the gateway's asynchronous result webhook body.
type CallbackEnvelope struct {
	Body struct {
		StkCallback *StkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// StkCallback carries the final result of one push attempt.
type StkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        int               `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

// CallbackMetadata is a loosely-typed name/value list; item order is not
// guaranteed, so values are looked up by name.
type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

// MetadataItem holds one metadata entry. Value may be a string or a number.
type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// String returns the named item as a string.
func (m *CallbackMetadata) String(name string) (string, bool) {
	if m == nil {
		return "", false
	}
	for _, item := range m.Item {
		if item.Name != name {
			continue
		}
		switch v := item.Value.(type) {
		case string:
			return v, true
		case float64:
			return fmt.Sprintf("%.0f", v), true
		}
	}
	return "", false
}

// Number returns the named item as a float64.
func (m *CallbackMetadata) Number(name string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	for _, item := range m.Item {
		if item.Name != name {
			continue
		}
		if v, ok := item.Value.(float64); ok {
			return v, true
		}
	}
	return 0, false
}

// ParseTransactionDate converts the gateway's numeric YYYYMMDDHHMMSS
// transaction date into a time in the gateway's time zone.
func ParseTransactionDate(v float64) (time.Time, error) {
	return time.ParseInLocation(timestampLayout, fmt.Sprintf("%014.0f", v), gatewayLocation())
}

// AckResponse is the envelope the gateway expects back from the callback
// endpoint. It is always a success regardless of internal outcome.
type AckResponse struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Ack is the canonical callback acknowledgment.
func Ack() AckResponse {
	return AckResponse{ResultCode: 0, ResultDesc: "Accepted"}
}
