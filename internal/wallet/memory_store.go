package wallet

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/idgen"
)

// MemoryStore is an in-memory Store with the same CAS semantics as the
// Postgres store. Used in unit tests and when DATABASE_URL is unset.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{wallets: make(map[string]*Wallet)}
}

func (m *MemoryStore) CreateWallet(ctx context.Context, userID, externalUserID, primaryCurrency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[userID]; ok {
		return nil, ErrWalletExists
	}

	now := time.Now()
	w := &Wallet{
		UserID:          userID,
		ExternalUserID:  externalUserID,
		PrimaryCurrency: primaryCurrency,
		Available:       decimal.Zero,
		Pending:         decimal.Zero,
		TotalEarnings:   decimal.Zero,
		Version:         1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	m.wallets[userID] = w
	return copyWallet(w), nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) GetWalletByExternalID(ctx context.Context, externalUserID string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, w := range m.wallets {
		if w.ExternalUserID == externalUserID {
			return copyWallet(w), nil
		}
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) HoldFunds(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != version {
		return ErrConcurrencyConflict
	}
	if w.Available.LessThan(amount) {
		return ErrInsufficientFunds
	}

	w.Available = w.Available.Sub(amount)
	w.Pending = w.Pending.Add(amount)
	w.Version++
	w.UpdatedAt = time.Now()

	m.appendEntry(&Entry{
		UserID:    userID,
		Kind:      KindPayment,
		Amount:    amount,
		NetAmount: amount,
		Currency:  currency,
		Status:    StatusCompleted,
		OrderID:   orderID,
	})
	return nil
}

func (m *MemoryStore) SettleEscrow(ctx context.Context, s Settlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	payer, ok := m.wallets[s.PayerID]
	if !ok {
		return ErrWalletNotFound
	}
	payee, ok := m.wallets[s.PayeeID]
	if !ok {
		return ErrWalletNotFound
	}
	if payer.Version != s.PayerVersion || payee.Version != s.PayeeVersion {
		return ErrConcurrencyConflict
	}
	if payer.Pending.LessThan(s.Gross) {
		return ErrInsufficientFunds
	}

	now := time.Now()
	payer.Pending = payer.Pending.Sub(s.Gross)
	payer.Version++
	payer.UpdatedAt = now

	payee.Available = payee.Available.Add(s.PayeeAmount)
	payee.TotalEarnings = payee.TotalEarnings.Add(s.PayeeAmount)
	payee.Version++
	payee.UpdatedAt = now

	m.appendEntry(&Entry{
		UserID:    s.PayeeID,
		Kind:      KindEarning,
		Amount:    s.Gross,
		NetAmount: s.PayeeAmount,
		Currency:  s.Currency,
		Status:    StatusCompleted,
		OrderID:   s.OrderID,
	})
	m.appendEntry(&Entry{
		UserID:      s.PayerID,
		Kind:        KindPlatformFee,
		Amount:      s.Fee,
		NetAmount:   s.Fee,
		Currency:    s.Currency,
		Status:      StatusCompleted,
		OrderID:     s.OrderID,
		Description: s.FeeDestination,
	})
	return nil
}

func (m *MemoryStore) RefundHold(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != version {
		return ErrConcurrencyConflict
	}
	if w.Pending.LessThan(amount) {
		return ErrInsufficientFunds
	}

	w.Pending = w.Pending.Sub(amount)
	w.Available = w.Available.Add(amount)
	w.Version++
	w.UpdatedAt = time.Now()

	m.appendEntry(&Entry{
		UserID:      userID,
		Kind:        KindRefund,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    currency,
		Status:      StatusCompleted,
		OrderID:     orderID,
		Description: reason,
	})
	return nil
}

func (m *MemoryStore) UpsertDeposit(ctx context.Context, userID string, amount decimal.Decimal, currency, externalRef, providerName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[userID]; !ok {
		return false, ErrWalletNotFound
	}

	for _, e := range m.entries {
		if e.Kind == KindDeposit && e.ExternalRef == externalRef && e.Provider == providerName {
			return false, nil
		}
	}

	m.appendEntry(&Entry{
		UserID:      userID,
		Kind:        KindDeposit,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    currency,
		Status:      StatusCompleted,
		ExternalRef: externalRef,
		Provider:    providerName,
	})
	return true, nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, externalRef string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if w.Version != version {
		return nil, ErrConcurrencyConflict
	}
	if w.Available.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}

	w.Available = w.Available.Sub(amount)
	w.Version++
	w.UpdatedAt = time.Now()

	e := &Entry{
		UserID:      userID,
		Kind:        KindWithdrawal,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    currency,
		Status:      StatusProcessing,
		ExternalRef: externalRef,
	}
	m.appendEntry(e)
	return copyEntry(e), nil
}

func (m *MemoryStore) CompleteEntryByRef(ctx context.Context, externalRef, providerName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.ExternalRef == externalRef && e.Status == StatusProcessing {
			now := time.Now()
			e.Status = StatusCompleted
			e.CompletedAt = &now
			if e.Provider == "" {
				e.Provider = providerName
			}
			return nil
		}
	}
	return ErrEntryNotFound
}

func (m *MemoryStore) FailWithdrawalByRef(ctx context.Context, externalRef, providerName, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Kind == KindWithdrawal && e.ExternalRef == externalRef && e.Status == StatusProcessing {
			w, ok := m.wallets[e.UserID]
			if !ok {
				return ErrWalletNotFound
			}
			now := time.Now()
			e.Status = StatusFailed
			e.CompletedAt = &now
			e.Description = reason
			w.Available = w.Available.Add(e.Amount)
			w.Version++
			w.UpdatedAt = now
			return nil
		}
	}
	return ErrEntryNotFound
}

func (m *MemoryStore) ListEntries(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.UserID == userID {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertAssets(ctx context.Context, userID string, assets []Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}

	for _, in := range assets {
		merged := false
		for i := range w.Assets {
			if assetMatches(&w.Assets[i], &in) {
				w.Assets[i].ExternalAssetID = in.ExternalAssetID
				w.Assets[i].Balance = in.Balance
				w.Assets[i].Reserved = in.Reserved
				w.Assets[i].LastSyncedAt = in.LastSyncedAt
				merged = true
				break
			}
		}
		if !merged {
			w.Assets = append(w.Assets, in)
		}
	}
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) SetAvailable(ctx context.Context, userID string, version int64, available decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[userID]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != version {
		return ErrConcurrencyConflict
	}

	w.Available = available
	w.Version++
	w.UpdatedAt = time.Now()
	return nil
}

// assetMatches merges by external asset id, falling back to
// (currency, network) for providers that rotate asset ids.
func assetMatches(stored, incoming *Asset) bool {
	if stored.ExternalAssetID != "" && stored.ExternalAssetID == incoming.ExternalAssetID {
		return true
	}
	return stored.Currency == incoming.Currency && stored.Network == incoming.Network
}

// appendEntry assigns id and timestamp. Caller must hold m.mu.
func (m *MemoryStore) appendEntry(e *Entry) {
	e.ID = idgen.WithPrefix("led_")
	e.CreatedAt = time.Now()
	if e.Status == StatusCompleted && e.CompletedAt == nil {
		now := e.CreatedAt
		e.CompletedAt = &now
	}
	m.entries = append(m.entries, e)
}

func copyWallet(w *Wallet) *Wallet {
	out := *w
	out.Assets = append([]Asset(nil), w.Assets...)
	return &out
}

func copyEntry(e *Entry) *Entry {
	out := *e
	return &out
}
