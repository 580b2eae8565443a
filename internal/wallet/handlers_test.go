package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/provider"
)

// stubReconciler reads back the stored wallet without touching a
// provider.
type stubReconciler struct {
	store Store
}

func (s *stubReconciler) Initialize(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

func (s *stubReconciler) Sync(ctx context.Context, userID string) (*Wallet, error) {
	return s.store.GetWallet(ctx, userID)
}

type stubProvider struct {
	payouts    []provider.PayoutRequest
	payoutErr  error
	addressErr error
}

func (s *stubProvider) ListAssets(ctx context.Context, externalUserID string) ([]provider.Asset, error) {
	return nil, nil
}

func (s *stubProvider) ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	return dec("1"), nil
}

func (s *stubProvider) CreateDepositAddress(ctx context.Context, externalUserID, currency string) (*provider.DepositAddress, error) {
	if s.addressErr != nil {
		return nil, s.addressErr
	}
	return &provider.DepositAddress{ID: "ast_new", Address: "0xabc", Currency: currency, Network: "polygon"}, nil
}

func (s *stubProvider) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	if s.payoutErr != nil {
		return nil, s.payoutErr
	}
	s.payouts = append(s.payouts, req)
	return &provider.PayoutResult{Reference: req.Reference, Status: "processing"}, nil
}

func (s *stubProvider) InitiateSwap(ctx context.Context, req provider.SwapRequest) (*provider.SwapResult, error) {
	return &provider.SwapResult{Reference: req.Reference, Status: "processing"}, nil
}

func newWalletRouter(t *testing.T) (*gin.Engine, *MemoryStore, *stubProvider) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := NewMemoryStore()
	prov := &stubProvider{}
	h := NewHandler(store, prov, &stubReconciler{store: store}, "custodia", slog.Default())

	r := gin.New()
	h.RegisterRoutes(r)
	return r, store, prov
}

func walletJSON(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(UserHeader, userID)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestWalletHandler_CreateAndGet(t *testing.T) {
	r, _, _ := newWalletRouter(t)

	rec := walletJSON(r, http.MethodPost, "/v1/wallets", "u1", gin.H{
		"userId":          "u1",
		"externalUserId":  "ext_u1",
		"primaryCurrency": "USD",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = walletJSON(r, http.MethodGet, "/v1/wallets/u1", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	// Another user's wallet is off limits.
	rec = walletJSON(r, http.MethodGet, "/v1/wallets/u1", "u2", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
}

func TestWalletHandler_LedgerHistory(t *testing.T) {
	r, store, _ := newWalletRouter(t)
	ctx := context.Background()

	if _, err := store.CreateWallet(ctx, "u1", "ext_u1", "USD"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.UpsertDeposit(ctx, "u1", dec("25"), "USDC", "tx_1", "custodia"); err != nil {
		t.Fatal(err)
	}

	rec := walletJSON(r, http.MethodGet, "/v1/wallets/u1/ledger", "u1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp struct {
		Entries []*Entry `json:"entries"`
		Count   int      `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Count != 1 || resp.Entries[0].Kind != KindDeposit {
		t.Errorf("Unexpected ledger payload: %+v", resp)
	}
}

func TestWalletHandler_Withdrawal(t *testing.T) {
	r, store, prov := newWalletRouter(t)
	ctx := context.Background()

	w, _ := store.CreateWallet(ctx, "u1", "ext_u1", "USD")
	store.SetAvailable(ctx, "u1", w.Version, dec("100"))

	rec := walletJSON(r, http.MethodPost, "/v1/wallets/u1/withdrawals", "u1", gin.H{
		"amount":      "60",
		"currency":    "USD",
		"destination": "0xdest",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(prov.payouts) != 1 {
		t.Fatalf("Expected one payout initiation, got %d", len(prov.payouts))
	}
	if !prov.payouts[0].Amount.Equal(dec("60")) || prov.payouts[0].Destination != "0xdest" {
		t.Errorf("Unexpected payout request: %+v", prov.payouts[0])
	}

	after, _ := store.GetWallet(ctx, "u1")
	if !after.Available.Equal(dec("40")) {
		t.Errorf("Expected available 40 while payout processes, got %s", after.Available)
	}
}

func TestWalletHandler_WithdrawalInsufficientFunds(t *testing.T) {
	r, store, _ := newWalletRouter(t)
	ctx := context.Background()
	store.CreateWallet(ctx, "u1", "ext_u1", "USD")

	rec := walletJSON(r, http.MethodPost, "/v1/wallets/u1/withdrawals", "u1", gin.H{
		"amount":      "60",
		"currency":    "USD",
		"destination": "0xdest",
	})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected 402, got %d", rec.Code)
	}
}

func TestWalletHandler_WithdrawalInitiationFailureRestoresFunds(t *testing.T) {
	r, store, prov := newWalletRouter(t)
	ctx := context.Background()

	w, _ := store.CreateWallet(ctx, "u1", "ext_u1", "USD")
	store.SetAvailable(ctx, "u1", w.Version, dec("100"))
	prov.payoutErr = errors.New("provider rejected payout")

	rec := walletJSON(r, http.MethodPost, "/v1/wallets/u1/withdrawals", "u1", gin.H{
		"amount":      "60",
		"currency":    "USD",
		"destination": "0xdest",
	})
	if rec.Code != http.StatusInternalServerError && rec.Code != http.StatusBadGateway {
		t.Fatalf("Expected failure status, got %d", rec.Code)
	}

	after, _ := store.GetWallet(ctx, "u1")
	if !after.Available.Equal(dec("100")) {
		t.Errorf("Expected funds restored after failed initiation, got %s", after.Available)
	}
}

func TestWalletHandler_CreateDepositAddress(t *testing.T) {
	r, store, _ := newWalletRouter(t)
	ctx := context.Background()
	store.CreateWallet(ctx, "u1", "ext_u1", "USD")

	rec := walletJSON(r, http.MethodPost, "/v1/wallets/u1/addresses", "u1", gin.H{"currency": "USDC"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	w, _ := store.GetWallet(ctx, "u1")
	if len(w.Assets) != 1 || w.Assets[0].Currency != "USDC" {
		t.Errorf("Expected seeded asset row, got %+v", w.Assets)
	}
}
