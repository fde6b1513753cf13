package daraja

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"bingwa-sokoni/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewClient(config.MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.com/callback",
		TimeoutSeconds: 5,
	})
}

func tokenHandler(fetches *int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		*fetches++
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "tok-abc",
			"expires_in":   "3599",
		})
	}
}

func TestAccessTokenCached(t *testing.T) {
	fetches := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))

	client := testClient(t, mux)

	tok, err := client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)

	tok, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-abc", tok)
	assert.Equal(t, 1, fetches)
}

func TestAccessTokenRefreshesAfterExpiry(t *testing.T) {
	fetches := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))

	client := testClient(t, mux)
	now := time.Now()
	client.now = func() time.Time { return now }

	_, err := client.AccessToken(context.Background())
	require.NoError(t, err)

	// Within the margin the cached token is reused.
	now = now.Add(time.Hour - tokenExpiryMargin - time.Second)
	_, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, fetches)

	// Past the margin a fresh token is fetched.
	now = now.Add(2 * time.Second)
	_, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, fetches)
}

func TestAccessTokenBadCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	client := testClient(t, mux)

	_, err := client.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrCredential)
}

func TestPassword(t *testing.T) {
	client := testClient(t, http.NewServeMux())

	at := time.Date(2025, 3, 14, 9, 26, 53, 0, nairobi)
	password, timestamp := client.Password(at)

	assert.Equal(t, "20250314092653", timestamp)
	expected := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + "20250314092653"))
	assert.Equal(t, expected, password)
}

func TestSTKPushAccepted(t *testing.T) {
	var captured stkPushPayload
	mux := http.NewServeMux()
	fetches := 0
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-abc", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage":     "Success. Request accepted for processing",
			"MerchantRequestID":   "mr-1",
			"CheckoutRequestID":   "ws_CO_123",
		})
	})

	client := testClient(t, mux)

	result, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber:      "0712345678",
		Amount:           20,
		AccountReference: "BS-ABCDEF12345678",
		TransactionDesc:  "Bundle",
	})
	require.NoError(t, err)

	assert.True(t, result.Accepted)
	assert.Equal(t, "ws_CO_123", result.CheckoutRequestID)
	assert.Equal(t, "mr-1", result.MerchantRequestID)

	assert.Equal(t, "254712345678", captured.PhoneNumber)
	assert.Equal(t, "254712345678", captured.PartyA)
	assert.Equal(t, "174379", captured.BusinessShortCode)
	assert.Equal(t, "174379", captured.PartyB)
	assert.Equal(t, int64(20), captured.Amount)
	assert.Equal(t, "CustomerPayBillOnline", captured.TransactionType)
	assert.Equal(t, "https://example.com/callback", captured.CallBackURL)
	assert.LessOrEqual(t, len(captured.AccountReference), maxAccountReference)
	assert.LessOrEqual(t, len(captured.TransactionDesc), maxTransactionDesc)
}

func TestSTKPushRejected(t *testing.T) {
	mux := http.NewServeMux()
	fetches := 0
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":        "1",
			"ResponseDescription": "Unable to lock subscriber",
		})
	})

	client := testClient(t, mux)

	result, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "0712345678",
		Amount:      20,
	})
	require.NoError(t, err)
	assert.False(t, result.Accepted)
	assert.Equal(t, "Unable to lock subscriber", result.ResponseDescription)
}

func TestSTKPushGatewayError(t *testing.T) {
	mux := http.NewServeMux()
	fetches := 0
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{
			"errorCode":    "500.001.1001",
			"errorMessage": "Service unavailable",
		})
	})

	client := testClient(t, mux)

	_, err := client.STKPush(context.Background(), STKPushRequest{
		PhoneNumber: "0712345678",
		Amount:      20,
	})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
}

func TestQueryStatus(t *testing.T) {
	mux := http.NewServeMux()
	fetches := 0
	mux.HandleFunc("/oauth/v1/generate", tokenHandler(&fetches))
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		var payload queryPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "ws_CO_123", payload.CheckoutRequestID)

		json.NewEncoder(w).Encode(map[string]string{
			"ResponseCode":      "0",
			"ResultCode":        "1032",
			"ResultDesc":        "Request cancelled by user",
			"CheckoutRequestID": "ws_CO_123",
		})
	})

	client := testClient(t, mux)

	result, err := client.QueryStatus(context.Background(), "ws_CO_123")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 1032, result.ResultCode)
	assert.Equal(t, "Request cancelled by user", result.ResultDesc)
}

func TestParseTransactionDate(t *testing.T) {
	parsed, err := ParseTransactionDate(20250314092653)
	require.NoError(t, err)

	assert.Equal(t, 2025, parsed.Year())
	assert.Equal(t, time.March, parsed.Month())
	assert.Equal(t, 14, parsed.Day())
	assert.Equal(t, 9, parsed.Hour())
	assert.Equal(t, 26, parsed.Minute())
	assert.Equal(t, 53, parsed.Second())
}

func TestCallbackMetadataLookup(t *testing.T) {
	raw := `{
		"Body": {
			"stkCallback": {
				"MerchantRequestID": "mr-1",
				"CheckoutRequestID": "ws_CO_123",
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

	var envelope CallbackEnvelope
	require.NoError(t, json.Unmarshal([]byte(raw), &envelope))

	cb := envelope.Body.StkCallback
	require.NotNil(t, cb)
	assert.Equal(t, 0, cb.ResultCode)

	receipt, ok := cb.CallbackMetadata.String("MpesaReceiptNumber")
	assert.True(t, ok)
	assert.Equal(t, "SCI7TBLIKQ", receipt)

	phone, ok := cb.CallbackMetadata.String("PhoneNumber")
	assert.True(t, ok)
	assert.Equal(t, "254712345678", phone)

	date, ok := cb.CallbackMetadata.Number("TransactionDate")
	assert.True(t, ok)
	assert.Equal(t, float64(20250314092653), date)

	_, ok = cb.CallbackMetadata.String("Missing")
	assert.False(t, ok)
}
