// Package provider is the client for the external custodial wallet provider.
//
// The provider holds the actual funds; its balances are the source of
// truth for per-asset amounts. This package only talks to its REST API —
// asynchronous status changes arrive through the webhook package.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// Asset is one balance held for a user at the provider.
type Asset struct {
	ID       string          `json:"id"`
	Currency string          `json:"currency"`
	Network  string          `json:"network,omitempty"`
	Balance  decimal.Decimal `json:"balance"`
	Reserved decimal.Decimal `json:"reserved"`
}

// DepositAddress is a provisioned receiving address for one currency.
type DepositAddress struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Currency string `json:"currency"`
	Network  string `json:"network,omitempty"`
}

// PayoutRequest asks the provider to send funds out of custody.
type PayoutRequest struct {
	ExternalUserID string          `json:"externalUserId"`
	Currency       string          `json:"currency"`
	Destination    string          `json:"destination"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference"` // Our ledger entry id, echoed back in webhooks
}

// PayoutResult is the provider's synchronous acknowledgement; completion
// arrives later via webhook.
type PayoutResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// SwapRequest asks the provider to convert between two currencies in custody.
type SwapRequest struct {
	ExternalUserID string          `json:"externalUserId"`
	FromCurrency   string          `json:"fromCurrency"`
	ToCurrency     string          `json:"toCurrency"`
	Amount         decimal.Decimal `json:"amount"`
	Reference      string          `json:"reference"`
}

// SwapResult is the provider's synchronous acknowledgement of a swap.
type SwapResult struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Client is the set of provider operations the core consumes.
type Client interface {
	ListAssets(ctx context.Context, externalUserID string) ([]Asset, error)
	ExchangeRate(ctx context.Context, from, to string) (decimal.Decimal, error)
	CreateDepositAddress(ctx context.Context, externalUserID, currency string) (*DepositAddress, error)
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	InitiateSwap(ctx context.Context, req SwapRequest) (*SwapResult, error)
}

// Error wraps a provider API failure with the raw payload for diagnostics.
type Error struct {
	Op         string          // Operation that failed, e.g. "list_assets"
	StatusCode int             // HTTP status, 0 for transport failures
	Code       string          // Provider error code, if present
	Message    string          // Provider error message, if present
	Raw        json.RawMessage // Raw response body
	Err        error           // Underlying transport error, if any
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider: %s failed (status %d, code %q): %s", e.Op, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("provider: %s failed: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ErrCircuitOpen is returned when the circuit breaker rejects a call.
var ErrCircuitOpen = fmt.Errorf("provider: circuit open")
