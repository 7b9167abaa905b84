package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mwakidenis/DigiFarm/internal/config"
)

const (
	mpesaTokenPath  = "/oauth/v1/generate?grant_type=client_credentials"
	mpesaPushPath   = "/mpesa/stkpush/v1/processrequest"
	mpesaQueryPath  = "/mpesa/stkpushquery/v1/query"
	mpesaTimeLayout = "20060102150405"

	transactionTypePayBill = "CustomerPayBillOnline"
)

// Daraja timestamps are East Africa Time.
var eastAfricaTime = time.FixedZone("EAT", 3*60*60)

// Gateway is the provider surface the payment flows depend on.
type Gateway interface {
	InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResponse, error)
}

// PushRequest describes one STK push prompt.
type PushRequest struct {
	Phone            string
	Amount           decimal.Decimal
	AccountReference string
	Description      string
}

// PushResponse is the provider's acknowledgement of a push request.
type PushResponse struct {
	CheckoutRequestID   string
	MerchantRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	Raw                 json.RawMessage
}

// StatusResponse is the provider's answer to a status query. ResultCode
// is nil when the provider has not produced a result yet.
type StatusResponse struct {
	ResponseCode string
	ResultCode   *int
	ResultDesc   string
	Raw          json.RawMessage
}

// MpesaClient talks to the Daraja API. The bearer token is cached on the
// instance and refreshed lazily.
type MpesaClient struct {
	cfg        config.MpesaConfig
	httpClient *http.Client
	now        func() time.Time

	tokenMu     sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// MpesaOption customises an MpesaClient.
type MpesaOption func(*MpesaClient)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(client *http.Client) MpesaOption {
	return func(c *MpesaClient) { c.httpClient = client }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) MpesaOption {
	return func(c *MpesaClient) { c.now = now }
}

// NewMpesaClient constructs a client for the configured environment.
func NewMpesaClient(cfg config.MpesaConfig, opts ...MpesaOption) *MpesaClient {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &MpesaClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.BaseURL = strings.TrimRight(c.cfg.BaseURL, "/")
	return c
}

type mpesaTokenResponse struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   json.Number `json:"expires_in"`
}

type mpesaErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// AccessToken returns the cached bearer token, exchanging client
// credentials for a new one when it is absent or about to expire.
func (c *MpesaClient) AccessToken(ctx context.Context) (string, error) {
	return c.accessToken(ctx, false)
}

func (c *MpesaClient) accessToken(ctx context.Context, force bool) (string, error) {
	if !force {
		if token, ok := c.cachedToken(); ok {
			return token, nil
		}
	}

	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if !force {
		if token := c.currentTokenLocked(); token != "" {
			return token, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+mpesaTokenPath, nil)
	if err != nil {
		return "", &GatewayAuthError{Err: fmt.Errorf("create token request: %w", err)}
	}
	credentials := c.cfg.ConsumerKey + ":" + c.cfg.ConsumerSecret
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[Mpesa] token request failed: %v", err)
		return "", &GatewayAuthError{Err: fmt.Errorf("execute token request: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &GatewayAuthError{Err: fmt.Errorf("read token response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[Mpesa] token request rejected: status %d", resp.StatusCode)
		return "", &GatewayAuthError{StatusCode: resp.StatusCode, Message: providerErrorMessage(body)}
	}

	var tokenResp mpesaTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return "", &GatewayAuthError{Err: fmt.Errorf("unmarshal token response: %w", err)}
	}
	if tokenResp.AccessToken == "" {
		return "", &GatewayAuthError{Message: "token response missing access_token"}
	}

	lifetime := c.cfg.TokenTTL
	if secs, err := tokenResp.ExpiresIn.Int64(); err == nil && secs > 0 {
		if provided := time.Duration(secs) * time.Second; lifetime <= 0 || provided < lifetime {
			lifetime = provided
		}
	}
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	ttl := lifetime - c.cfg.TokenRefreshMargin
	if ttl <= 0 {
		ttl = lifetime / 2
	}

	c.token = tokenResp.AccessToken
	c.tokenExpiry = c.now().Add(ttl)
	log.Printf("[Mpesa] access token obtained, cached for %s", ttl)

	return c.token, nil
}

func (c *MpesaClient) cachedToken() (string, bool) {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	token := c.currentTokenLocked()
	return token, token != ""
}

func (c *MpesaClient) currentTokenLocked() string {
	if c.token == "" || !c.now().Before(c.tokenExpiry) {
		return ""
	}
	return c.token
}

// Password builds the STK password base64(shortcode + passkey + timestamp)
// and returns it with the timestamp it was derived from.
func (c *MpesaClient) Password(at time.Time) (string, string) {
	timestamp := at.In(eastAfricaTime).Format(mpesaTimeLayout)
	raw := c.cfg.Shortcode + c.cfg.Passkey + timestamp
	return base64.StdEncoding.EncodeToString([]byte(raw)), timestamp
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

type stkPushResult struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePush asks the provider to prompt the customer's phone. Nothing
// is persisted here.
func (c *MpesaClient) InitiatePush(ctx context.Context, req PushRequest) (*PushResponse, error) {
	const op = "stk push"

	phone := NormalizePhone(req.Phone)
	password, timestamp := c.Password(c.now())

	payload := stkPushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		TransactionType:   transactionTypePayBill,
		Amount:            req.Amount.IntPart(),
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.AccountReference,
		TransactionDesc:   req.Description,
	}

	body, err := c.post(ctx, op, mpesaPushPath, payload)
	if err != nil {
		return nil, err
	}

	var result stkPushResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &GatewayRequestError{Op: op, Err: fmt.Errorf("unmarshal response: %w", err)}
	}
	if result.CheckoutRequestID == "" {
		return nil, &GatewayRequestError{Op: op, Message: "response missing CheckoutRequestID"}
	}

	log.Printf("[Mpesa] STK push accepted: checkout=%s merchant=%s code=%s",
		result.CheckoutRequestID, result.MerchantRequestID, result.ResponseCode)

	return &PushResponse{
		CheckoutRequestID:   result.CheckoutRequestID,
		MerchantRequestID:   result.MerchantRequestID,
		ResponseCode:        result.ResponseCode,
		ResponseDescription: result.ResponseDescription,
		CustomerMessage:     result.CustomerMessage,
		Raw:                 json.RawMessage(body),
	}, nil
}

type stkQueryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResult struct {
	ResponseCode json.Number `json:"ResponseCode"`
	ResultCode   json.Number `json:"ResultCode"`
	ResultDesc   string      `json:"ResultDesc"`
}

// QueryStatus asks the provider for the outcome of a push request.
func (c *MpesaClient) QueryStatus(ctx context.Context, checkoutRequestID string) (*StatusResponse, error) {
	const op = "stk status query"

	password, timestamp := c.Password(c.now())
	payload := stkQueryPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	}

	body, err := c.post(ctx, op, mpesaQueryPath, payload)
	if err != nil {
		return nil, err
	}

	var result stkQueryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &GatewayRequestError{Op: op, Err: fmt.Errorf("unmarshal response: %w", err)}
	}

	status := &StatusResponse{
		ResponseCode: result.ResponseCode.String(),
		ResultDesc:   result.ResultDesc,
		Raw:          json.RawMessage(body),
	}
	if code, err := result.ResultCode.Int64(); err == nil {
		v := int(code)
		status.ResultCode = &v
	}
	return status, nil
}

// post sends an authenticated JSON request, refreshing the token and
// retrying once when the provider answers 401.
func (c *MpesaClient) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, &GatewayRequestError{Op: op, Err: fmt.Errorf("marshal payload: %w", err)}
	}

	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, path, token, encoded)
	if err != nil {
		return nil, &GatewayRequestError{Op: op, Err: err}
	}

	// A 401 is answered before the provider accepts the request, so one
	// resend with a fresh token cannot duplicate a prompt.
	if status == http.StatusUnauthorized {
		token, err = c.accessToken(ctx, true)
		if err != nil {
			return nil, err
		}
		status, body, err = c.do(ctx, path, token, encoded)
		if err != nil {
			return nil, &GatewayRequestError{Op: op, Err: err}
		}
	}

	if status < 200 || status >= 300 {
		log.Printf("[Mpesa] %s rejected: status %d", op, status)
		return nil, &GatewayRequestError{Op: op, StatusCode: status, Message: providerErrorMessage(body)}
	}

	return body, nil
}

func (c *MpesaClient) do(ctx context.Context, path, token string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// providerErrorMessage extracts Daraja's errorMessage, falling back to the
// raw body.
func providerErrorMessage(body []byte) string {
	var errResp mpesaErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.ErrorMessage != "" {
		return errResp.ErrorMessage
	}
	return strings.TrimSpace(string(body))
}

// IsGatewayError reports whether err came from the provider integration.
func IsGatewayError(err error) bool {
	var authErr *GatewayAuthError
	var reqErr *GatewayRequestError
	return errors.As(err, &authErr) || errors.As(err, &reqErr)
}
