package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/config"
	"github.com/lumenwork/payments/internal/escrow"
	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/webhook"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// mockProvider implements provider.Client for testing
type mockProvider struct{}

func (m *mockProvider) ListAssets(ctx context.Context, externalUserID string) ([]provider.Asset, error) {
	return []provider.Asset{}, nil
}

func (m *mockProvider) ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1), nil
}

func (m *mockProvider) CreateDepositAddress(ctx context.Context, externalUserID, currency string) (*provider.DepositAddress, error) {
	return &provider.DepositAddress{Address: "addr_mock", Currency: currency, Network: "TRON"}, nil
}

func (m *mockProvider) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	return &provider.PayoutResult{Reference: req.Reference, Status: "processing"}, nil
}

func (m *mockProvider) InitiateSwap(ctx context.Context, req provider.SwapRequest) (*provider.SwapResult, error) {
	return &provider.SwapResult{Reference: req.Reference, Status: "processing"}, nil
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "development",
		LogLevel:           "error",
		ProviderName:       "custodia",
		WebhookSecret:      "whsec_test",
		CommissionRate:     decimal.RequireFromString("0.10"),
		FeeDestination:     "treasury",
		TreasuryAccount:    "acct_fees",
		FeeCurrency:        "USDT",
		RefundAfter:        48 * time.Hour,
		RefundSweepEvery:   time.Hour,
		RefundStartupDelay: time.Second,
		WebhookRetention:   90 * 24 * time.Hour,
	}
}

// newTestServer creates a server with in-memory stores and a mock provider
func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithProvider(&mockProvider{}))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func do(s *Server, method, path, user, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(escrow.UserHeader, user)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health/live", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessBeforeRun(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called, so the server is not ready
	w := do(s, "GET", "/health/ready", "", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 before Run, got %d", w.Code)
	}
}

func TestInfoEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/api", "", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "Lumenwork") {
		t.Errorf("Expected platform name in response, got %s", w.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "GET", "/health", "", "")
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set on response")
	}
}

// ---------------------------------------------------------------------------
// Wiring tests: the routes exercise real stores behind the router
// ---------------------------------------------------------------------------

func TestWalletCreateAndDepositWebhook(t *testing.T) {
	s := newTestServer(t)

	// Create a wallet through the API
	w := do(s, "POST", "/v1/wallets", "user_1",
		`{"userId":"user_1","externalUserId":"ext_1","primaryCurrency":"USDT"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	// Deliver a deposit webhook for that wallet's external user
	payload := `{"event":"deposit.completed","id":"evt_dep_1","data":{"amount":"25","currency":"USDT","externalUserId":"ext_1","reference":"tx_1","status":"completed"}}`
	req := httptest.NewRequest("POST", "/webhooks/provider", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SecretHeader, "whsec_test")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from webhook, got %d: %s", rec.Code, rec.Body.String())
	}

	// Ledger shows the credited deposit
	w = do(s, "GET", "/v1/wallets/user_1/ledger", "user_1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tx_1") {
		t.Errorf("Expected deposit entry in ledger, got %s", w.Body.String())
	}
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("POST", "/webhooks/provider", strings.NewReader(`{}`))
	req.Header.Set(webhook.SecretHeader, "wrong")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}
}

func TestOrderCreation(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/orders", "client_1",
		`{"payeeId":"creator_1","title":"Logo design","gross":"100","currency":"USDT"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "pending" {
		t.Errorf("Expected pending order, got %v", resp["status"])
	}
}

func TestOrderRequiresCaller(t *testing.T) {
	s := newTestServer(t)

	w := do(s, "POST", "/v1/orders", "",
		`{"payeeId":"creator_1","title":"Logo design","gross":"100","currency":"USDT"}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without user header, got %d", w.Code)
	}
}

func TestRunAndShutdown(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping lifecycle test in short mode")
	}

	s := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	// Wait for timers to come up, then trigger shutdown via context
	time.Sleep(300 * time.Millisecond)
	if !s.escrowTimer.Running() {
		t.Error("refund monitor not running after Run")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("server did not shut down in time")
	}
}
