package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwakidenis/DigiFarm/internal/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type darajaStub struct {
	t            *testing.T
	tokenCalls   atomic.Int32
	expiresIn    string
	tokenStatus  int
	pushHandler  http.HandlerFunc
	queryHandler http.HandlerFunc
}

func (s *darajaStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/oauth/v1/generate":
		n := s.tokenCalls.Add(1)
		assert.Equal(s.t, "client_credentials", r.URL.Query().Get("grant_type"))
		assert.Equal(s.t, http.MethodGet, r.Method)
		if s.tokenStatus != 0 {
			w.WriteHeader(s.tokenStatus)
			_, _ = w.Write([]byte(`{"errorMessage":"Invalid credentials"}`))
			return
		}
		expires := s.expiresIn
		if expires == "" {
			expires = "3599"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"access_token": "token-" + string(rune('0'+n)),
			"expires_in":   expires,
		})
	case "/mpesa/stkpush/v1/processrequest":
		s.pushHandler(w, r)
	case "/mpesa/stkpushquery/v1/query":
		s.queryHandler(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func testMpesaConfig(baseURL string) config.MpesaConfig {
	return config.MpesaConfig{
		BaseURL:              baseURL,
		ConsumerKey:          "key",
		ConsumerSecret:       "secret",
		Shortcode:            "174379",
		Passkey:              "passkey",
		CallbackURL:          "https://example.com/api/payments/webhook",
		TokenTTL:             time.Hour,
		TokenRefreshMargin:   100 * time.Second,
		HTTPTimeout:          5 * time.Second,
		ProcessingResultCode: 1032,
	}
}

func newStubbedClient(t *testing.T, stub *darajaStub, clock *fakeClock) *MpesaClient {
	t.Helper()
	stub.t = t
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	return NewMpesaClient(testMpesaConfig(srv.URL+"/"), WithClock(clock.Now), WithHTTPClient(srv.Client()))
}

func TestAccessTokenIsCachedUntilRefreshMargin(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	var sawAuth string
	stub := &darajaStub{expiresIn: "3600"}
	client := newStubbedClient(t, stub, clock)

	// Capture the Basic header through a wrapping transport.
	client.httpClient.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if r.URL.Path == "/oauth/v1/generate" {
			sawAuth = r.Header.Get("Authorization")
		}
		return http.DefaultTransport.RoundTrip(r)
	})

	token, err := client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, "Basic "+base64.StdEncoding.EncodeToString([]byte("key:secret")), sawAuth)

	clock.Advance(3400 * time.Second)
	token, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-1", token)
	assert.Equal(t, int32(1), stub.tokenCalls.Load())

	// 3500s = 3600s lifetime minus the 100s margin.
	clock.Advance(100 * time.Second)
	token, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-2", token)
	assert.Equal(t, int32(2), stub.tokenCalls.Load())
}

func TestAccessTokenShortLifetimeFallsBackToHalf(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	stub := &darajaStub{expiresIn: "60"}
	client := newStubbedClient(t, stub, clock)

	_, err := client.AccessToken(context.Background())
	require.NoError(t, err)

	clock.Advance(29 * time.Second)
	_, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.tokenCalls.Load())

	clock.Advance(time.Second)
	_, err = client.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), stub.tokenCalls.Load())
}

func TestAccessTokenRejectedReturnsAuthError(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	stub := &darajaStub{tokenStatus: http.StatusBadRequest}
	client := newStubbedClient(t, stub, clock)

	_, err := client.AccessToken(context.Background())

	var authErr *GatewayAuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.StatusCode)
	assert.Equal(t, "Invalid credentials", authErr.Message)
	assert.True(t, IsGatewayError(err))
}

func TestPasswordUsesEastAfricaTimestamp(t *testing.T) {
	client := NewMpesaClient(testMpesaConfig("https://sandbox.example"))

	password, timestamp := client.Password(time.Date(2024, 1, 2, 9, 30, 15, 0, time.UTC))

	assert.Equal(t, "20240102123015", timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20240102123015")), password)
}

func TestInitiatePushSendsDarajaPayload(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
	var payload map[string]any
	stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &payload))
		_, _ = w.Write([]byte(`{
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResponseCode": "0",
			"ResponseDescription": "Success. Request accepted for processing",
			"CustomerMessage": "Success. Request accepted for processing"
		}`))
	}}
	client := newStubbedClient(t, stub, clock)

	res, err := client.InitiatePush(context.Background(), PushRequest{
		Phone:            "+254712345678",
		Amount:           decimal.RequireFromString("100.75"),
		AccountReference: "ORDER1",
		Description:      "Payment for order 1",
	})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)
	assert.Equal(t, "0", res.ResponseCode)
	assert.Equal(t, "Success. Request accepted for processing", res.CustomerMessage)
	assert.Contains(t, string(res.Raw), "ws_CO_191220191020363925")

	assert.Equal(t, "174379", payload["BusinessShortCode"])
	assert.Equal(t, "20240102120000", payload["Timestamp"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("174379passkey20240102120000")), payload["Password"])
	assert.Equal(t, "CustomerPayBillOnline", payload["TransactionType"])
	assert.Equal(t, float64(100), payload["Amount"])
	assert.Equal(t, "254712345678", payload["PartyA"])
	assert.Equal(t, "174379", payload["PartyB"])
	assert.Equal(t, "254712345678", payload["PhoneNumber"])
	assert.Equal(t, "https://example.com/api/payments/webhook", payload["CallBackURL"])
	assert.Equal(t, "ORDER1", payload["AccountReference"])
	assert.Equal(t, "Payment for order 1", payload["TransactionDesc"])
}

func TestInitiatePushSurfacesProviderErrorMessage(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"1-2","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	}}
	client := newStubbedClient(t, stub, clock)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "+254712345678", Amount: decimal.NewFromInt(1)})

	var reqErr *GatewayRequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusBadRequest, reqErr.StatusCode)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", reqErr.ProviderMessage())
}

func TestInitiatePushFallsBackToRawBody(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream unavailable\n"))
	}}
	client := newStubbedClient(t, stub, clock)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "+254712345678", Amount: decimal.NewFromInt(1)})

	var reqErr *GatewayRequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "upstream unavailable", reqErr.ProviderMessage())
}

func TestInitiatePushRefreshesTokenOnUnauthorized(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	var pushCalls atomic.Int32
	stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
		if pushCalls.Add(1) == 1 {
			assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errorMessage":"Invalid Access Token"}`))
			return
		}
		assert.Equal(t, "Bearer token-2", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"CheckoutRequestID":"ws_CO_retry","ResponseCode":"0"}`))
	}}
	client := newStubbedClient(t, stub, clock)

	res, err := client.InitiatePush(context.Background(), PushRequest{Phone: "+254712345678", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)

	assert.Equal(t, "ws_CO_retry", res.CheckoutRequestID)
	assert.Equal(t, int32(2), pushCalls.Load())
	assert.Equal(t, int32(2), stub.tokenCalls.Load())
}

func TestInitiatePushRetriesOnlyOnceAndOnlyOnUnauthorized(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		wantCalls int32
	}{
		{"persistent 401", http.StatusUnauthorized, 2},
		{"server error", http.StatusInternalServerError, 1},
		{"bad request", http.StatusBadRequest, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var pushCalls atomic.Int32
			stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
				pushCalls.Add(1)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(`{"errorMessage":"rejected"}`))
			}}
			client := newStubbedClient(t, stub, &fakeClock{now: time.Now()})

			_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "+254712345678", Amount: decimal.NewFromInt(10)})

			var reqErr *GatewayRequestError
			require.ErrorAs(t, err, &reqErr)
			assert.Equal(t, tc.status, reqErr.StatusCode)
			assert.Equal(t, tc.wantCalls, pushCalls.Load())
		})
	}
}

func TestInitiatePushRequiresCheckoutID(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	stub := &darajaStub{pushHandler: func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ResponseCode":"0"}`))
	}}
	client := newStubbedClient(t, stub, clock)

	_, err := client.InitiatePush(context.Background(), PushRequest{Phone: "+254712345678", Amount: decimal.NewFromInt(10)})

	var reqErr *GatewayRequestError
	assert.ErrorAs(t, err, &reqErr)
}

func TestQueryStatusParsesResultCode(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantCode *int
		wantDesc string
	}{
		{
			name:     "string code",
			body:     `{"ResponseCode":"0","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`,
			wantCode: intPtr(1032),
			wantDesc: "Request cancelled by user",
		},
		{
			name:     "numeric code",
			body:     `{"ResponseCode":"0","ResultCode":0,"ResultDesc":"The service request is processed successfully."}`,
			wantCode: intPtr(0),
			wantDesc: "The service request is processed successfully.",
		},
		{
			name: "no result yet",
			body: `{"ResponseCode":"0","ResponseDescription":"The service request has been accepted successsfully"}`,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := &fakeClock{now: time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC)}
			stub := &darajaStub{queryHandler: func(w http.ResponseWriter, r *http.Request) {
				var payload map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
				assert.Equal(t, "ws_CO_1", payload["CheckoutRequestID"])
				assert.Equal(t, "174379", payload["BusinessShortCode"])
				assert.Equal(t, "20240102120000", payload["Timestamp"])
				_, _ = w.Write([]byte(tc.body))
			}}
			client := newStubbedClient(t, stub, clock)

			status, err := client.QueryStatus(context.Background(), "ws_CO_1")
			require.NoError(t, err)

			assert.Equal(t, "0", status.ResponseCode)
			assert.Equal(t, tc.wantCode, status.ResultCode)
			assert.Equal(t, tc.wantDesc, status.ResultDesc)
			assert.JSONEq(t, tc.body, string(status.Raw))
		})
	}
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
