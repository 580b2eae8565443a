package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/notify"
	"github.com/lumenwork/payments/internal/wallet"
)

const refundReason = "no delivery within threshold"

// Timer is the stagnant-escrow monitor: a periodic sweep that refunds
// paid orders held too long without a deliverable. Each refund commits
// the conditional order claim and the wallet move as one unit, so
// concurrent monitor instances cannot refund the same order twice.
type Timer struct {
	orders       Store
	wallets      wallet.Store
	notifier     notify.Notifier
	refundAfter  time.Duration
	interval     time.Duration
	startupDelay time.Duration
	logger       *slog.Logger
	stop         chan struct{}
	running      atomic.Bool
}

func NewTimer(orders Store, wallets wallet.Store, notifier notify.Notifier, refundAfter, interval, startupDelay time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		orders:       orders,
		wallets:      wallets,
		notifier:     notifier,
		refundAfter:  refundAfter,
		interval:     interval,
		startupDelay: startupDelay,
		logger:       logger.With("component", "auto_refund"),
		stop:         make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start runs an immediate sweep after the startup delay, then sweeps
// on every tick. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	select {
	case <-ctx.Done():
		return
	case <-t.stop:
		return
	case <-time.After(t.startupDelay):
	}
	t.safeSweep(ctx)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in auto-refund sweep", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.Sweep(ctx); err != nil {
		t.logger.Warn("auto-refund sweep failed", "error", err)
	}
}

// Sweep refunds every stagnant order once and returns how many were
// refunded. Exported so tests and admin tooling can trigger a pass
// directly.
func (t *Timer) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-t.refundAfter)
	stagnant, err := t.orders.ListStagnant(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, o := range stagnant {
		if err := t.refundOrder(ctx, o); err != nil {
			t.logger.Error("auto-refund failed",
				"order_id", o.ID,
				"payer_id", o.PayerID,
				"error", err)
			continue
		}
		refunded++
	}
	if len(stagnant) > 0 {
		t.logger.Info("auto-refund sweep finished",
			"stagnant", len(stagnant),
			"refunded", refunded)
	}
	return refunded, nil
}

func (t *Timer) refundOrder(ctx context.Context, o *Order) error {
	w, err := t.wallets.GetWallet(ctx, o.PayerID)
	if err != nil {
		return err
	}

	// The claim and the refund commit together. A concurrent monitor or
	// a just-submitted deliverable moves the order out of the matching
	// set and the claim is lost; a failed wallet move leaves the order
	// paid, so the next sweep retries.
	_, err = t.orders.RefundOrder(ctx, o.ID,
		[]string{StatusConfirmed, StatusInProgress}, StatusCancelled, Update{
			PaymentStatus: PaymentRefunded,
			Reason:        refundReason,
		}, wallet.Refund{
			UserID:   o.PayerID,
			Version:  w.Version,
			Amount:   o.Gross,
			Currency: o.Currency,
			OrderID:  o.ID,
			Reason:   refundReason,
		})
	if err != nil {
		if errorsIsInvalid(err) {
			t.logger.Info("stagnant order claimed elsewhere, skipping", "order_id", o.ID)
			return nil
		}
		return err
	}

	metrics.AutoRefundsTotal.Inc()
	t.logger.Info("stagnant escrow refunded",
		"order_id", o.ID,
		"payer_id", o.PayerID,
		"amount", o.Gross.String())
	t.notifier.Notify(ctx, notify.Event{Type: "order.auto_refunded", UserID: o.PayerID, OrderID: o.ID})
	t.notifier.Notify(ctx, notify.Event{Type: "order.auto_refunded", UserID: o.PayeeID, OrderID: o.ID})
	return nil
}

func errorsIsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidState) || errors.Is(err, ErrOrderNotFound)
}
