package daraja

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"bingwa-sokoni/config"
	"bingwa-sokoni/internal/util"

	"go.uber.org/zap"
)

const (
	timestampLayout = "20060102150405"

	// Refresh this long before the gateway's stated expiry so a cached
	// token cannot expire mid-flight.
	tokenExpiryMargin = 300 * time.Second

	maxAccountReference = 12
	maxTransactionDesc  = 13

	transactionType = "CustomerPayBillOnline"
)

var (
	// ErrCredential means the OAuth exchange with the gateway failed.
	ErrCredential = errors.New("mpesa credential exchange failed")

	// ErrGatewayUnavailable means the gateway could not be reached or did
	// not serve the request.
	ErrGatewayUnavailable = errors.New("mpesa gateway unavailable")
)

var nairobi = func() *time.Location {
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		return time.FixedZone("EAT", 3*60*60)
	}
	return loc
}()

func gatewayLocation() *time.Location {
	return nairobi
}

// Client talks to the Daraja API. The OAuth token cache lives on the
// client instance; the mutex coalesces concurrent refreshes into one fetch.
type Client struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	callbackURL    string

	httpClient *http.Client
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a gateway client from config.
func NewClient(cfg config.MpesaConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:        cfg.BaseURL,
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		shortcode:      cfg.Shortcode,
		passkey:        cfg.Passkey,
		callbackURL:    cfg.CallbackURL,
		httpClient:     &http.Client{Timeout: timeout},
		logger:         util.GetLogger(),
		now:            time.Now,
	}
}

// AccessToken returns a cached bearer token, fetching a fresh one from the
// gateway's OAuth endpoint when the cache is empty or expired.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}

	basic := base64.StdEncoding.EncodeToString([]byte(c.consumerKey + ":" + c.consumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	util.TokenFetchesTotal.Inc()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.logger.Error("OAuth exchange rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body))
		return "", fmt.Errorf("%w: status %d", ErrCredential, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCredential, err)
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrCredential)
	}

	ttl := 3600
	if n, err := strconv.Atoi(tok.ExpiresIn); err == nil && n > 0 {
		ttl = n
	}

	c.token = tok.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(ttl)*time.Second - tokenExpiryMargin)

	return c.token, nil
}

// Password computes the gateway password and 14-character timestamp for
// the given instant in the gateway's time zone.
func (c *Client) Password(now time.Time) (password, timestamp string) {
	timestamp = now.In(nairobi).Format(timestampLayout)
	password = base64.StdEncoding.EncodeToString([]byte(c.shortcode + c.passkey + timestamp))
	return password, timestamp
}

// STKPush submits a payment prompt to the customer's handset. The result's
// Accepted flag reflects the gateway's submission response code.
func (c *Client) STKPush(ctx context.Context, req STKPushRequest) (*STKPushResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.Password(c.now())
	phone := NormalizePhone(req.PhoneNumber)

	payload := stkPushPayload{
		BusinessShortCode: c.shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            c.shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.callbackURL,
		AccountReference:  truncate(req.AccountReference, maxAccountReference),
		TransactionDesc:   truncate(req.TransactionDesc, maxTransactionDesc),
	}

	raw, err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload)
	if err != nil {
		return nil, err
	}

	var body stkPushResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding push response: %v", ErrGatewayUnavailable, err)
	}

	return &STKPushResult{
		Accepted:            body.ResponseCode == "0",
		MerchantRequestID:   body.MerchantRequestID,
		CheckoutRequestID:   body.CheckoutRequestID,
		ResponseDescription: body.ResponseDescription,
		CustomerMessage:     body.CustomerMessage,
		Raw:                 raw,
	}, nil
}

// QueryStatus asks the gateway for the outcome of a previously submitted
// push. It is a read-through; callers decide whether to act on the result.
func (c *Client) QueryStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.Password(c.now())

	payload := queryPayload{
		BusinessShortCode: c.shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	raw, err := c.post(ctx, "/mpesa/stkpushquery/v1/query", token, payload)
	if err != nil {
		return nil, err
	}

	var body queryResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding query response: %v", ErrGatewayUnavailable, err)
	}

	resultCode, _ := strconv.Atoi(body.ResultCode)

	return &QueryResult{
		Success:           resultCode == 0 && body.ResultCode != "",
		ResultCode:        resultCode,
		ResultDesc:        body.ResultDesc,
		MerchantRequestID: body.MerchantRequestID,
		CheckoutRequestID: body.CheckoutRequestID,
		Raw:               raw,
	}, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload interface{}) (json.RawMessage, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrGatewayUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.Unmarshal(raw, &apiErr)
		msg := apiErr.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		c.logger.Error("Gateway request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("error", msg))
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnavailable, msg)
	}

	return raw, nil
}

func truncate(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
