package escrow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/provider"
)

// FeeDestinationResolver decides where a released platform fee is
// routed and returns the destination tag recorded on the platform_fee
// ledger entry. Resolution happens before any money moves, so a
// resolver failure aborts the release with wallets untouched.
type FeeDestinationResolver interface {
	Resolve(ctx context.Context, orderID, currency string, fee decimal.Decimal) (string, error)
}

// TreasuryResolver routes fees straight to the platform treasury
// account.
type TreasuryResolver struct {
	Account string
}

func (r TreasuryResolver) Resolve(ctx context.Context, orderID, currency string, fee decimal.Decimal) (string, error) {
	return "treasury:" + r.Account, nil
}

// RelayResolver routes fees through a disposable deposit address at
// the provider: it provisions an address for the platform custody user
// and initiates an in-custody swap of the fee toward it. The order id
// is used as the swap reference so the movement stays traceable.
type RelayResolver struct {
	provider       provider.Client
	externalUserID string
	feeCurrency    string
	logger         *slog.Logger
}

func NewRelayResolver(client provider.Client, platformExternalUserID, feeCurrency string, logger *slog.Logger) *RelayResolver {
	return &RelayResolver{
		provider:       client,
		externalUserID: platformExternalUserID,
		feeCurrency:    feeCurrency,
		logger:         logger.With("component", "fee_relay"),
	}
}

func (r *RelayResolver) Resolve(ctx context.Context, orderID, currency string, fee decimal.Decimal) (string, error) {
	addr, err := r.provider.CreateDepositAddress(ctx, r.externalUserID, r.feeCurrency)
	if err != nil {
		return "", fmt.Errorf("fee relay: provision address: %w", err)
	}

	if currency != r.feeCurrency {
		if _, err := r.provider.InitiateSwap(ctx, provider.SwapRequest{
			ExternalUserID: r.externalUserID,
			FromCurrency:   currency,
			ToCurrency:     r.feeCurrency,
			Amount:         fee,
			Reference:      orderID,
		}); err != nil {
			return "", fmt.Errorf("fee relay: swap: %w", err)
		}
	}

	r.logger.Info("platform fee routed via relay address",
		"order_id", orderID,
		"address", addr.Address,
		"fee", fee.String())
	return "relay:" + addr.Address, nil
}
