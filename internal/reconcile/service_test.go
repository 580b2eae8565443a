package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/wallet"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// mockProvider is a canned provider.Client for reconciliation tests.
type mockProvider struct {
	assets     []provider.Asset
	assetsErr  error
	rates      map[string]decimal.Decimal
	rateErr    map[string]error
	rateCalls  int
	assetCalls int
}

func (m *mockProvider) ListAssets(ctx context.Context, externalUserID string) ([]provider.Asset, error) {
	m.assetCalls++
	if m.assetsErr != nil {
		return nil, m.assetsErr
	}
	return m.assets, nil
}

func (m *mockProvider) ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	m.rateCalls++
	if err, ok := m.rateErr[from+"/"+to]; ok {
		return decimal.Zero, err
	}
	if rate, ok := m.rates[from+"/"+to]; ok {
		return rate, nil
	}
	return decimal.Zero, errors.New("no rate configured")
}

func (m *mockProvider) CreateDepositAddress(ctx context.Context, externalUserID, currency string) (*provider.DepositAddress, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) InitiatePayout(ctx context.Context, req provider.PayoutRequest) (*provider.PayoutResult, error) {
	return nil, errors.New("not implemented")
}

func (m *mockProvider) InitiateSwap(ctx context.Context, req provider.SwapRequest) (*provider.SwapResult, error) {
	return nil, errors.New("not implemented")
}

func newTestService(t *testing.T, p provider.Client) (*Service, *wallet.MemoryStore) {
	t.Helper()
	store := wallet.NewMemoryStore()
	_, err := store.CreateWallet(context.Background(), "user1", "ext_user1", "USD")
	require.NoError(t, err)
	return NewService(store, p, slog.Default()), store
}

func TestSync_AggregatesPositiveBalances(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{
			{ID: "ast_usd", Currency: "USD", Balance: dec("100")},
			{ID: "ast_usdc", Currency: "USDC", Network: "polygon", Balance: dec("50")},
			{ID: "ast_empty", Currency: "EUR", Balance: decimal.Zero},
		},
		rates: map[string]decimal.Decimal{"USDC/USD": dec("1.001")},
	}
	svc, _ := newTestService(t, p)

	w, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)

	// 100 + 50*1.001; the zero-balance asset triggers no rate lookup.
	assert.True(t, w.Available.Equal(dec("150.05")), "got %s", w.Available)
	assert.Equal(t, 1, p.rateCalls)
	assert.Len(t, w.Assets, 3)
}

func TestSync_OmitsAssetOnRateFailure(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{
			{ID: "ast_usd", Currency: "USD", Balance: dec("100")},
			{ID: "ast_usdc", Currency: "USDC", Balance: dec("50")},
			{ID: "ast_btc", Currency: "BTC", Balance: dec("0.5")},
		},
		rates:   map[string]decimal.Decimal{"USDC/USD": dec("1")},
		rateErr: map[string]error{"BTC/USD": errors.New("rate source down")},
	}
	svc, _ := newTestService(t, p)

	w, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err, "single conversion failure must not fail sync")
	assert.True(t, w.Available.Equal(dec("150")), "got %s", w.Available)
}

func TestSync_ProviderDownKeepsLastKnownState(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{{ID: "ast_usd", Currency: "USD", Balance: dec("42")}},
	}
	svc, _ := newTestService(t, p)

	_, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)

	p.assetsErr = errors.New("provider unreachable")
	w, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)
	assert.True(t, w.Available.Equal(dec("42")), "expected last known balance, got %s", w.Available)
}

func TestSync_IdempotentDoubleRun(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{{ID: "ast_usd", Currency: "USD", Balance: dec("75")}},
	}
	svc, store := newTestService(t, p)

	first, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)
	second, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)

	assert.True(t, first.Available.Equal(second.Available))
	w, err := store.GetWallet(context.Background(), "user1")
	require.NoError(t, err)
	assert.Len(t, w.Assets, 1, "re-sync must merge, not duplicate, assets")
}

func TestSync_MergesRotatedAssetIDs(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{{ID: "ast_1", Currency: "USDC", Network: "polygon", Balance: dec("10")}},
		rates:  map[string]decimal.Decimal{"USDC/USD": dec("1")},
	}
	svc, store := newTestService(t, p)

	_, err := svc.Sync(context.Background(), "user1")
	require.NoError(t, err)

	p.assets = []provider.Asset{{ID: "ast_2", Currency: "USDC", Network: "polygon", Balance: dec("12")}}
	_, err = svc.Sync(context.Background(), "user1")
	require.NoError(t, err)

	w, err := store.GetWallet(context.Background(), "user1")
	require.NoError(t, err)
	require.Len(t, w.Assets, 1)
	assert.Equal(t, "ast_2", w.Assets[0].ExternalAssetID)
	assert.True(t, w.Assets[0].Balance.Equal(dec("12")))
}

func TestSync_NeverTouchesPending(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{{ID: "ast_usd", Currency: "USD", Balance: dec("500")}},
	}
	svc, store := newTestService(t, p)
	ctx := context.Background()

	// Put money into escrow first.
	w, err := store.GetWallet(ctx, "user1")
	require.NoError(t, err)
	require.NoError(t, store.SetAvailable(ctx, "user1", w.Version, dec("100")))
	w, _ = store.GetWallet(ctx, "user1")
	require.NoError(t, store.HoldFunds(ctx, "user1", w.Version, dec("100"), "USD", "ord_1"))

	w, err = svc.Sync(ctx, "user1")
	require.NoError(t, err)
	assert.True(t, w.Pending.Equal(dec("100")), "sync must not change pending, got %s", w.Pending)
	assert.True(t, w.Available.Equal(dec("500")))
}

func TestUpdateBalance_DelegatesToSync(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{{ID: "ast_usd", Currency: "USD", Balance: dec("33")}},
	}
	svc, _ := newTestService(t, p)

	w, err := svc.UpdateBalance(context.Background(), "user1", "USD", dec("1000"), DirectionCredit)
	require.NoError(t, err)
	// Local arithmetic is never applied; the provider figure wins.
	assert.True(t, w.Available.Equal(dec("33")), "got %s", w.Available)
	assert.Equal(t, 1, p.assetCalls)
}

func TestInitialize_StoresAssetsWithoutAggregate(t *testing.T) {
	p := &mockProvider{
		assets: []provider.Asset{
			{ID: "ast_usd", Currency: "USD", Balance: dec("100")},
		},
	}
	svc, _ := newTestService(t, p)

	w, err := svc.Initialize(context.Background(), "user1")
	require.NoError(t, err)
	assert.Len(t, w.Assets, 1)
	assert.True(t, w.Available.IsZero(), "aggregate is not trusted before first sync")
}

func TestInitialize_ProviderErrorPropagates(t *testing.T) {
	p := &mockProvider{assetsErr: errors.New("provider unreachable")}
	svc, _ := newTestService(t, p)

	_, err := svc.Initialize(context.Background(), "user1")
	require.Error(t, err)
}
