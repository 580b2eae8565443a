// Package reconcile keeps wallet aggregates in step with the custodial
// provider. The provider's per-asset balances are authoritative for the
// available balance; the ledger explains why balances changed but never
// dictates their value.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/money"
	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/syncutil"
	"github.com/lumenwork/payments/internal/traces"
	"github.com/lumenwork/payments/internal/wallet"
)

// Direction values accepted by UpdateBalance. They are advisory; every
// update resolves to a full sync against the provider.
const (
	DirectionCredit = "credit"
	DirectionDebit  = "debit"
)

const setAvailableAttempts = 3

// Service reconciles local wallet state against the custodial provider.
type Service struct {
	store    wallet.Store
	provider provider.Client
	locks    *syncutil.ContextShardedMutex
	logger   *slog.Logger
}

func NewService(store wallet.Store, client provider.Client, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		provider: client,
		locks:    syncutil.NewContextShardedMutex(),
		logger:   logger.With("component", "reconcile"),
	}
}

// Initialize performs first-time wallet setup: it pulls the provider's
// full asset list and stores it. The aggregate available balance is not
// trusted until the first Sync.
func (s *Service) Initialize(ctx context.Context, userID string) (*wallet.Wallet, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Initialize", traces.UserID(userID))
	defer span.End()

	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	assets, err := s.provider.ListAssets(ctx, w.ExternalUserID)
	if err != nil {
		metrics.ReconcileRunsTotal.WithLabelValues("provider_error").Inc()
		return nil, err
	}

	if err := s.store.UpsertAssets(ctx, userID, toWalletAssets(assets)); err != nil {
		return nil, err
	}

	s.logger.Info("wallet initialized from provider",
		"user_id", userID,
		"assets", len(assets))
	return s.store.GetWallet(ctx, userID)
}

// Sync re-fetches the provider's asset list, merges it into the wallet,
// and recomputes the aggregate available balance in the wallet's primary
// currency. Per-asset failures are logged and skipped; Sync returns the
// best-effort wallet state rather than an error for them. Pending funds
// are escrow state owned by the coordinator and are never touched here.
func (s *Service) Sync(ctx context.Context, userID string) (*wallet.Wallet, error) {
	ctx, span := traces.StartSpan(ctx, "reconcile.Sync", traces.UserID(userID))
	defer span.End()

	// Serialize syncs per user. Concurrent syncs for the same wallet only
	// fight over the version token and waste provider calls.
	unlock, err := s.locks.LockContext(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	assets, err := s.provider.ListAssets(ctx, w.ExternalUserID)
	if err != nil {
		// Best effort: keep serving the last known state.
		s.logger.Error("provider asset listing failed, keeping last known state",
			"user_id", userID,
			"error", err)
		metrics.ReconcileRunsTotal.WithLabelValues("provider_error").Inc()
		return w, nil
	}

	if err := s.store.UpsertAssets(ctx, userID, toWalletAssets(assets)); err != nil {
		return nil, err
	}

	available, skipped := s.aggregate(ctx, assets, w.PrimaryCurrency)

	if err := s.setAvailable(ctx, userID, available); err != nil {
		return nil, err
	}

	outcome := "success"
	if skipped > 0 {
		outcome = "partial"
	}
	metrics.ReconcileRunsTotal.WithLabelValues(outcome).Inc()

	s.logger.Info("wallet synced",
		"user_id", userID,
		"available", available.String(),
		"assets", len(assets),
		"skipped", skipped)
	return s.store.GetWallet(ctx, userID)
}

// UpdateBalance is called after any event that should have changed a
// balance (deposit credited, payout settled). It never does local
// arithmetic; the provider is re-queried instead.
func (s *Service) UpdateBalance(ctx context.Context, userID, currency string, amount decimal.Decimal, direction string) (*wallet.Wallet, error) {
	s.logger.Debug("balance update requested, delegating to sync",
		"user_id", userID,
		"currency", currency,
		"amount", amount.String(),
		"direction", direction)
	return s.Sync(ctx, userID)
}

// aggregate sums positive asset balances converted into the primary
// currency. A failed rate lookup drops that asset's contribution and
// increments skipped; it never fails the sync.
func (s *Service) aggregate(ctx context.Context, assets []provider.Asset, primaryCurrency string) (decimal.Decimal, int) {
	total := decimal.Zero
	skipped := 0
	for _, a := range assets {
		if !a.Balance.IsPositive() {
			continue
		}
		if a.Currency == primaryCurrency {
			total = total.Add(a.Balance)
			continue
		}
		rate, err := s.provider.ExchangeRate(ctx, a.Currency, primaryCurrency)
		if err != nil {
			s.logger.Warn("rate lookup failed, omitting asset from aggregate",
				"currency", a.Currency,
				"primary_currency", primaryCurrency,
				"error", err)
			skipped++
			continue
		}
		total = total.Add(money.Convert(a.Balance, rate))
	}
	return total, skipped
}

// setAvailable applies the aggregate with a short CAS retry loop. A
// conflict means a concurrent money move bumped the version; the
// aggregate itself is unchanged, so re-reading the version and retrying
// is safe.
func (s *Service) setAvailable(ctx context.Context, userID string, available decimal.Decimal) error {
	var lastErr error
	for attempt := 0; attempt < setAvailableAttempts; attempt++ {
		w, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		err = s.store.SetAvailable(ctx, userID, w.Version, available)
		if err == nil {
			return nil
		}
		if !errors.Is(err, wallet.ErrConcurrencyConflict) {
			return err
		}
		lastErr = err
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return lastErr
}

func toWalletAssets(assets []provider.Asset) []wallet.Asset {
	now := time.Now()
	out := make([]wallet.Asset, 0, len(assets))
	for _, a := range assets {
		out = append(out, wallet.Asset{
			ExternalAssetID: a.ID,
			Currency:        a.Currency,
			Network:         a.Network,
			Balance:         a.Balance,
			Reserved:        a.Reserved,
			LastSyncedAt:    now,
		})
	}
	return out
}
