package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/circuitbreaker"
	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/retry"
)

const (
	requestTimeout = 10 * time.Second
	maxAttempts    = 3
	baseRetryDelay = 250 * time.Millisecond
	tokenSkew      = 30 * time.Second
	rateCacheTTL   = time.Minute
)

// tokenCache holds a short-lived provider access token. It is owned by the
// client instance, not a process-wide singleton.
type tokenCache struct {
	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// HTTPClient implements Client against the provider's REST API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	tokens  tokenCache
	rates   *rateCache
}

// NewHTTPClient creates a provider client.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: requestTimeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		rates:   newRateCache(rateCacheTTL),
	}
}

// ListAssets returns every asset the provider holds for a user.
func (c *HTTPClient) ListAssets(ctx context.Context, externalUserID string) ([]Asset, error) {
	var out struct {
		Assets []Asset `json:"assets"`
	}
	path := "/v1/users/" + url.PathEscape(externalUserID) + "/assets"
	if err := c.doJSON(ctx, "list_assets", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Assets, nil
}

// ExchangeRate returns the live rate converting one unit of from into to.
// Rates are cached per pair for a short TTL.
func (c *HTTPClient) ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	if rate, ok := c.rates.get(from, to); ok {
		return rate, nil
	}

	var out struct {
		Rate decimal.Decimal `json:"rate"`
	}
	path := "/v1/rates?from=" + url.QueryEscape(from) + "&to=" + url.QueryEscape(to)
	if err := c.doJSON(ctx, "exchange_rate", http.MethodGet, path, nil, &out); err != nil {
		return decimal.Zero, err
	}
	if !out.Rate.IsPositive() {
		return decimal.Zero, &Error{Op: "exchange_rate", Message: fmt.Sprintf("non-positive rate %s for %s/%s", out.Rate, from, to)}
	}

	c.rates.put(from, to, out.Rate)
	return out.Rate, nil
}

// CreateDepositAddress provisions a receiving address for a currency.
func (c *HTTPClient) CreateDepositAddress(ctx context.Context, externalUserID, currency string) (*DepositAddress, error) {
	body := map[string]string{"currency": currency}
	var out DepositAddress
	path := "/v1/users/" + url.PathEscape(externalUserID) + "/addresses"
	if err := c.doJSON(ctx, "create_address", http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiatePayout starts a withdrawal out of custody.
func (c *HTTPClient) InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var out PayoutResult
	if err := c.doJSON(ctx, "initiate_payout", http.MethodPost, "/v1/payouts", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitiateSwap starts an in-custody currency conversion.
func (c *HTTPClient) InitiateSwap(ctx context.Context, req SwapRequest) (*SwapResult, error) {
	var out SwapResult
	if err := c.doJSON(ctx, "initiate_swap", http.MethodPost, "/v1/swaps", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// accessToken returns a cached token, exchanging the API key when stale.
func (c *HTTPClient) accessToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	if c.tokens.token != "" && time.Now().Add(tokenSkew).Before(c.tokens.expiresAt) {
		return c.tokens.token, nil
	}

	payload, _ := json.Marshal(map[string]string{"apiKey": c.apiKey})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/auth/token", bytes.NewReader(payload))
	if err != nil {
		return "", &Error{Op: "auth_token", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", &Error{Op: "auth_token", Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", newAPIError("auth_token", resp.StatusCode, raw)
	}

	var out struct {
		Token     string `json:"token"`
		ExpiresIn int64  `json:"expiresIn"` // seconds
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", &Error{Op: "auth_token", Err: err, Raw: raw}
	}

	c.tokens.token = out.Token
	c.tokens.expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	return out.Token, nil
}

// doJSON performs one provider call with retry on transient failures only.
// 4xx responses are permanent; network errors and 5xx are retried with
// backoff. The circuit breaker is keyed per operation.
func (c *HTTPClient) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	if !c.breaker.Allow(op) {
		metrics.ProviderRequestsTotal.WithLabelValues(op, "circuit_open").Inc()
		return ErrCircuitOpen
	}

	err := retry.Do(ctx, maxAttempts, baseRetryDelay, func() error {
		return c.attempt(ctx, op, method, path, body, out)
	})

	if err != nil {
		c.breaker.RecordFailure(op)
		metrics.ProviderRequestsTotal.WithLabelValues(op, "error").Inc()
		return err
	}

	c.breaker.RecordSuccess(op)
	metrics.ProviderRequestsTotal.WithLabelValues(op, "ok").Inc()
	return nil
}

func (c *HTTPClient) attempt(ctx context.Context, op, method, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return retry.Permanent(&Error{Op: op, Err: err})
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return retry.Permanent(&Error{Op: op, Err: err})
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: op, Err: err} // Transport failure — retryable
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return retry.Permanent(&Error{Op: op, StatusCode: resp.StatusCode, Err: err, Raw: raw})
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		// Token may have been revoked; drop it so the next attempt re-auths.
		c.tokens.mu.Lock()
		c.tokens.token = ""
		c.tokens.mu.Unlock()
		return newAPIError(op, resp.StatusCode, raw)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return retry.Permanent(newAPIError(op, resp.StatusCode, raw))
	default:
		return newAPIError(op, resp.StatusCode, raw) // 5xx — retryable
	}
}

// newAPIError extracts the provider's error envelope when possible.
func newAPIError(op string, status int, raw []byte) *Error {
	e := &Error{Op: op, StatusCode: status, Raw: raw}
	var envelope struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &envelope) == nil {
		e.Code = envelope.Code
		if e.Code == "" {
			e.Code = envelope.Error
		}
		e.Message = envelope.Message
	}
	return e
}
