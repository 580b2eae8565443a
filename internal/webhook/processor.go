package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lumenwork/payments/internal/idgen"
	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/traces"
	"github.com/lumenwork/payments/internal/wallet"
)

// Syncer triggers a wallet reconciliation after a balance-affecting
// event. Implemented by the reconcile service.
type Syncer interface {
	Sync(ctx context.Context, userID string) (*wallet.Wallet, error)
}

// CheckoutConfirmer marks an escrow order paid when the provider
// reports its checkout status. Implemented by the escrow service.
type CheckoutConfirmer interface {
	ConfirmCheckout(ctx context.Context, orderRef, status string) error
}

// Processor records and dispatches normalized provider events.
type Processor struct {
	events       Store
	wallets      wallet.Store
	syncer       Syncer
	checkout     CheckoutConfirmer
	providerName string
	logger       *slog.Logger
}

func NewProcessor(events Store, wallets wallet.Store, syncer Syncer, checkout CheckoutConfirmer, providerName string, logger *slog.Logger) *Processor {
	return &Processor{
		events:       events,
		wallets:      wallets,
		syncer:       syncer,
		checkout:     checkout,
		providerName: providerName,
		logger:       logger.With("component", "webhook"),
	}
}

// Process normalizes, records, and dispatches one delivery. The
// returned duplicate flag means the event was seen before and no work
// was done. A non-nil error means the handler failed; the event record
// already carries the error text, so a retried delivery of the same
// event id is recognized rather than reprocessed from scratch.
func (p *Processor) Process(ctx context.Context, raw []byte) (duplicate bool, err error) {
	ev, err := Normalize(raw)
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(TypeUnknown, "malformed").Inc()
		return false, err
	}

	ctx, span := traces.StartSpan(ctx, "webhook.Process")
	defer span.End()

	rec := &EventRecord{
		ID:       idgen.WithPrefix("evt_"),
		EventID:  ev.EventID,
		Provider: p.providerName,
		Type:     ev.Type,
		Payload:  raw,
	}
	if err := p.events.CreateEvent(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			p.logger.Info("duplicate webhook delivery acknowledged",
				"event_id", ev.EventID,
				"type", ev.Type)
			metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "duplicate").Inc()
			return true, nil
		}
		return false, err
	}

	if err := p.dispatch(ctx, ev); err != nil {
		p.logger.Error("webhook handler failed",
			"event_id", ev.EventID,
			"type", ev.Type,
			"error", err)
		if markErr := p.events.MarkFailed(ctx, rec.ID, err.Error()); markErr != nil {
			p.logger.Error("failed to record webhook error", "event_id", ev.EventID, "error", markErr)
		}
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "error").Inc()
		return false, err
	}

	if err := p.events.MarkProcessed(ctx, rec.ID); err != nil {
		p.logger.Error("failed to mark webhook processed", "event_id", ev.EventID, "error", err)
	}
	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, "success").Inc()
	return false, nil
}

func (p *Processor) dispatch(ctx context.Context, ev *Event) error {
	switch ev.Type {
	case TypeDeposit:
		return p.handleDeposit(ctx, ev)
	case TypePayout:
		return p.handlePayout(ctx, ev)
	case TypeCheckout:
		return p.handleCheckout(ctx, ev)
	case TypeAddress:
		return p.handleAddress(ctx, ev)
	default:
		// Unknown types are acknowledged so the provider stops retrying.
		p.logger.Warn("unhandled webhook type",
			"event_id", ev.EventID,
			"raw_type", ev.RawType)
		return nil
	}
}

// handleDeposit credits the user's ledger keyed by the external
// transaction reference, so replays under fresh event ids still
// cannot double-credit, then re-syncs the wallet aggregate.
func (p *Processor) handleDeposit(ctx context.Context, ev *Event) error {
	if ev.ExternalUserID == "" {
		return fmt.Errorf("deposit event %s missing externalUserId", ev.EventID)
	}
	if ev.ExternalTxRef == "" {
		return fmt.Errorf("deposit event %s missing transaction reference", ev.EventID)
	}

	w, err := p.wallets.GetWalletByExternalID(ctx, ev.ExternalUserID)
	if err != nil {
		return fmt.Errorf("deposit for unknown user %s: %w", ev.ExternalUserID, err)
	}

	created, err := p.wallets.UpsertDeposit(ctx, w.UserID, ev.Amount, ev.Currency, ev.ExternalTxRef, p.providerName)
	if err != nil {
		return err
	}
	if !created {
		p.logger.Info("deposit already credited, skipping",
			"user_id", w.UserID,
			"external_ref", ev.ExternalTxRef)
		return nil
	}

	p.logger.Info("deposit credited",
		"user_id", w.UserID,
		"amount", ev.Amount.String(),
		"currency", ev.Currency)

	if _, err := p.syncer.Sync(ctx, w.UserID); err != nil {
		// The credit is durable; the aggregate catches up on the next sync.
		p.logger.Warn("post-deposit sync failed", "user_id", w.UserID, "error", err)
	}
	return nil
}

// handlePayout settles or fails the processing withdrawal entry the
// provider is reporting on, then re-syncs the owner's wallet.
func (p *Processor) handlePayout(ctx context.Context, ev *Event) error {
	if ev.ExternalTxRef == "" {
		return fmt.Errorf("payout event %s missing transaction reference", ev.EventID)
	}

	var err error
	switch normalizeStatus(ev.Status) {
	case "completed":
		err = p.wallets.CompleteEntryByRef(ctx, ev.ExternalTxRef, p.providerName)
	case "failed":
		reason := ev.Metadata["reason"]
		if reason == "" {
			reason = "payout " + ev.Status
		}
		err = p.wallets.FailWithdrawalByRef(ctx, ev.ExternalTxRef, p.providerName, reason)
	default:
		p.logger.Info("payout still in flight",
			"external_ref", ev.ExternalTxRef,
			"status", ev.Status)
		return nil
	}

	if errors.Is(err, wallet.ErrEntryNotFound) {
		// Already settled by an earlier delivery under a different event id.
		p.logger.Info("payout entry already settled, skipping",
			"external_ref", ev.ExternalTxRef,
			"status", ev.Status)
		return nil
	}
	if err != nil {
		return err
	}

	if ev.ExternalUserID != "" {
		if w, werr := p.wallets.GetWalletByExternalID(ctx, ev.ExternalUserID); werr == nil {
			if _, serr := p.syncer.Sync(ctx, w.UserID); serr != nil {
				p.logger.Warn("post-payout sync failed", "user_id", w.UserID, "error", serr)
			}
		}
	}
	return nil
}

func (p *Processor) handleCheckout(ctx context.Context, ev *Event) error {
	if p.checkout == nil {
		p.logger.Warn("checkout event received but no confirmer configured",
			"event_id", ev.EventID)
		return nil
	}
	if ev.ExternalTxRef == "" {
		return fmt.Errorf("checkout event %s missing order reference", ev.EventID)
	}
	return p.checkout.ConfirmCheckout(ctx, ev.ExternalTxRef, normalizeStatus(ev.Status))
}

// handleAddress records a freshly provisioned deposit address as a
// zero-balance asset so the next sync has a row to merge into.
func (p *Processor) handleAddress(ctx context.Context, ev *Event) error {
	if ev.ExternalUserID == "" {
		return fmt.Errorf("address event %s missing externalUserId", ev.EventID)
	}
	w, err := p.wallets.GetWalletByExternalID(ctx, ev.ExternalUserID)
	if err != nil {
		return fmt.Errorf("address for unknown user %s: %w", ev.ExternalUserID, err)
	}

	asset := wallet.Asset{
		ExternalAssetID: ev.Metadata["assetId"],
		Currency:        ev.Currency,
		Network:         ev.Metadata["network"],
		LastSyncedAt:    time.Now(),
	}
	if asset.Currency == "" {
		p.logger.Warn("address event missing currency, ignoring", "event_id", ev.EventID)
		return nil
	}
	return p.wallets.UpsertAssets(ctx, w.UserID, []wallet.Asset{asset})
}

// normalizeStatus folds provider status vocabulary onto
// completed/failed/pending.
func normalizeStatus(status string) string {
	switch strings.ToLower(status) {
	case "completed", "complete", "success", "successful", "paid", "settled":
		return "completed"
	case "failed", "failure", "rejected", "cancelled", "canceled", "expired":
		return "failed"
	default:
		return "pending"
	}
}
