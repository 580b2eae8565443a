// Package wallet owns the per-user balance state and its ledger.
//
// A wallet carries an aggregate available balance, a pending balance for
// funds committed to in-flight escrow, lifetime earnings, and per-asset
// sub-balances mirroring what the custodial provider holds. Every
// balance mutation is an atomic unit — balance update plus ledger entry
// commit together or not at all — and is guarded by a compare-and-swap
// on the wallet's version token.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrWalletExists        = errors.New("wallet already exists")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrConcurrencyConflict = errors.New("wallet version conflict")
	ErrEntryNotFound       = errors.New("ledger entry not found")
)

// Entry kinds.
const (
	KindDeposit     = "deposit"
	KindPayment     = "payment"
	KindEarning     = "earning"
	KindWithdrawal  = "withdrawal"
	KindRefund      = "refund"
	KindPlatformFee = "platform_fee"
	KindAdjustment  = "adjustment"
)

// Entry statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Wallet is one user's balance state.
type Wallet struct {
	UserID          string          `json:"userId"`
	ExternalUserID  string          `json:"externalUserId,omitempty"` // Provider-side account id
	PrimaryCurrency string          `json:"primaryCurrency"`
	Available       decimal.Decimal `json:"availableBalance"`
	Pending         decimal.Decimal `json:"pendingBalance"` // Committed to in-flight escrow
	TotalEarnings   decimal.Decimal `json:"totalEarnings"`
	Version         int64           `json:"version"` // Optimistic-concurrency token
	Assets          []Asset         `json:"assets,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Asset is one per-currency sub-balance held at the custodial provider.
type Asset struct {
	ExternalAssetID string          `json:"externalAssetId"`
	Currency        string          `json:"currency"`
	Network         string          `json:"network,omitempty"`
	Balance         decimal.Decimal `json:"balance"`
	Reserved        decimal.Decimal `json:"reservedBalance"`
	LastSyncedAt    time.Time       `json:"lastSyncedAt"`
}

// Entry is an immutable record of one balance-affecting economic event.
// Only status and terminal timestamp change after creation.
type Entry struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	NetAmount   decimal.Decimal `json:"netAmount"`
	Currency    string          `json:"currency"`
	Status      string          `json:"status"`
	OrderID     string          `json:"orderId,omitempty"`
	ExternalRef string          `json:"externalRef,omitempty"` // Provider-side reference
	Provider    string          `json:"provider,omitempty"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Hold carries the parameters of an escrow hold: Amount moves from the
// user's available balance to pending, with one completed payment entry
// linked to OrderID.
type Hold struct {
	UserID   string
	Version  int64
	Amount   decimal.Decimal
	Currency string
	OrderID  string
}

// Refund carries the parameters for returning a hold: Amount moves from
// pending back to available, with one refund entry carrying Reason.
type Refund struct {
	UserID   string
	Version  int64
	Amount   decimal.Decimal
	Currency string
	OrderID  string
	Reason   string
}

// Settlement carries everything needed to release escrowed funds:
// payer pending is debited by Gross, payee available and earnings are
// credited by PayeeAmount, and the fee is recorded against FeeDestination.
type Settlement struct {
	OrderID        string
	PayerID        string
	PayerVersion   int64
	PayeeID        string
	PayeeVersion   int64
	Gross          decimal.Decimal
	PayeeAmount    decimal.Decimal
	Fee            decimal.Decimal
	Currency       string
	FeeDestination string // Descriptor of where the platform fee is routed
}

// Store persists wallets and ledger entries.
//
// The money-moving methods (HoldFunds, SettleEscrow, RefundHold,
// CreateWithdrawal, SetAvailable) take the version the caller read;
// they fail with ErrConcurrencyConflict when the wallet has moved on,
// and with ErrInsufficientFunds when a debit predicate fails. Either
// every write in the method commits or none do.
type Store interface {
	CreateWallet(ctx context.Context, userID, externalUserID, primaryCurrency string) (*Wallet, error)
	GetWallet(ctx context.Context, userID string) (*Wallet, error)
	GetWalletByExternalID(ctx context.Context, externalUserID string) (*Wallet, error)

	// HoldFunds moves amount from available to pending and writes one
	// completed payment entry linked to orderID.
	HoldFunds(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID string) error

	// SettleEscrow releases a hold: payer pending -= Gross, payee
	// available += PayeeAmount, payee earnings += PayeeAmount, plus one
	// earning entry and one platform_fee entry.
	SettleEscrow(ctx context.Context, s Settlement) error

	// RefundHold returns held funds: pending -= amount, available +=
	// amount, plus one refund entry carrying reason.
	RefundHold(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID, reason string) error

	// UpsertDeposit records an external credit idempotently: if an entry
	// with the same (externalRef, provider) exists, nothing changes and
	// created is false. Deposits do not touch the aggregate balance —
	// reconciliation against the provider does that.
	UpsertDeposit(ctx context.Context, userID string, amount decimal.Decimal, currency, externalRef, providerName string) (created bool, err error)

	// CreateWithdrawal debits available and writes a processing
	// withdrawal entry referenced by externalRef (the payout reference).
	CreateWithdrawal(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, externalRef string) (*Entry, error)

	// CompleteEntryByRef marks the entry with externalRef completed.
	CompleteEntryByRef(ctx context.Context, externalRef, providerName string) error

	// FailWithdrawalByRef marks a withdrawal entry failed and returns
	// the debited amount to available, atomically.
	FailWithdrawalByRef(ctx context.Context, externalRef, providerName, reason string) error

	ListEntries(ctx context.Context, userID string, limit int) ([]*Entry, error)

	// UpsertAssets merges provider asset state into the wallet, matching
	// by external asset id with a (currency, network) fallback.
	UpsertAssets(ctx context.Context, userID string, assets []Asset) error

	// SetAvailable writes the reconciled aggregate available balance.
	// Pending is never touched by reconciliation.
	SetAvailable(ctx context.Context, userID string, version int64, available decimal.Decimal) error
}
