package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/idgen"
	"github.com/lumenwork/payments/internal/metrics"
	"github.com/lumenwork/payments/internal/money"
	"github.com/lumenwork/payments/internal/notify"
	"github.com/lumenwork/payments/internal/traces"
	"github.com/lumenwork/payments/internal/wallet"
)

// Service is the escrow payment coordinator.
type Service struct {
	orders         Store
	wallets        wallet.Store
	resolver       FeeDestinationResolver
	notifier       notify.Notifier
	commissionRate decimal.Decimal
	logger         *slog.Logger
}

func NewService(orders Store, wallets wallet.Store, resolver FeeDestinationResolver, notifier notify.Notifier, commissionRate decimal.Decimal, logger *slog.Logger) *Service {
	return &Service{
		orders:         orders,
		wallets:        wallets,
		resolver:       resolver,
		notifier:       notifier,
		commissionRate: commissionRate,
		logger:         logger.With("component", "escrow"),
	}
}

// CreateOrder places a new order between payer and payee.
func (s *Service) CreateOrder(ctx context.Context, payerID, payeeID, title string, gross decimal.Decimal, currency string) (*Order, error) {
	if payerID == payeeID {
		return nil, fmt.Errorf("%w: payer and payee must differ", ErrNotParty)
	}

	o := &Order{
		ID:             idgen.WithPrefix("ord_"),
		PayerID:        payerID,
		PayeeID:        payeeID,
		Title:          title,
		Gross:          gross,
		CommissionRate: s.commissionRate,
		Currency:       currency,
		Status:         StatusPending,
		PaymentStatus:  PaymentPending,
	}
	if err := s.orders.CreateOrder(ctx, o); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		"order_id", o.ID,
		"payer_id", payerID,
		"payee_id", payeeID,
		"gross", gross.String())
	s.notifier.Notify(ctx, notify.Event{Type: "order.created", UserID: payeeID, OrderID: o.ID})
	metrics.EscrowOperationsTotal.WithLabelValues("create", "success").Inc()
	return o, nil
}

// AcceptOrder moves a pending order to awaiting_payment. Only the
// payee can accept.
func (s *Service) AcceptOrder(ctx context.Context, orderID, payeeID string) (*Order, error) {
	o, err := s.getOrderForParty(ctx, orderID, payeeID)
	if err != nil {
		return nil, err
	}
	if o.PayeeID != payeeID {
		return nil, ErrNotParty
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, []string{StatusPending}, StatusAwaitingPayment, Update{})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("accept", "invalid_state").Inc()
		return nil, err
	}

	s.notifier.Notify(ctx, notify.Event{Type: "order.accepted", UserID: o.PayerID, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("accept", "success").Inc()
	return updated, nil
}

// ProcessPayment moves the gross amount from the payer's available
// balance into escrow and marks the order paid. The order claim, the
// wallet move, and its ledger entry commit as one atomic unit; a lost
// claim or a failed debit leaves both sides untouched.
func (s *Service) ProcessPayment(ctx context.Context, orderID, payerID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ProcessPayment", traces.OrderID(orderID), traces.UserID(payerID))
	defer span.End()

	o, err := s.getOrderForParty(ctx, orderID, payerID)
	if err != nil {
		return nil, err
	}
	if o.PayerID != payerID {
		return nil, ErrNotParty
	}
	if o.Status != StatusAwaitingPayment {
		metrics.EscrowOperationsTotal.WithLabelValues("pay", "invalid_state").Inc()
		return nil, fmt.Errorf("%w: cannot pay order in status %s", ErrInvalidState, o.Status)
	}
	span.SetAttributes(traces.Amount(o.Gross.String()))

	w, err := s.wallets.GetWallet(ctx, payerID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	updated, err := s.orders.PayOrder(ctx, orderID, []string{StatusAwaitingPayment}, StatusConfirmed, Update{
		PaymentStatus: PaymentPaid,
		PaidAt:        timePtr(now),
	}, wallet.Hold{
		UserID:   payerID,
		Version:  w.Version,
		Amount:   o.Gross,
		Currency: o.Currency,
		OrderID:  orderID,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("pay", outcomeFor(err)).Inc()
		return nil, err
	}

	s.logger.Info("payment escrowed",
		"order_id", orderID,
		"payer_id", payerID,
		"gross", o.Gross.String())
	s.notifier.Notify(ctx, notify.Event{Type: "order.paid", UserID: o.PayeeID, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("pay", "success").Inc()
	return updated, nil
}

// ConfirmCheckout marks an awaiting_payment order according to the
// provider's checkout status. Called from the webhook dispatcher; the
// balance side arrives separately through deposit events and sync, so
// no internal money moves here. Out-of-order or repeated callbacks are
// ignored.
func (s *Service) ConfirmCheckout(ctx context.Context, orderRef, status string) error {
	switch status {
	case "completed":
		now := time.Now()
		_, err := s.orders.UpdateStatus(ctx, orderRef, []string{StatusAwaitingPayment}, StatusConfirmed, Update{
			PaymentStatus: PaymentPaid,
			PaidAt:        timePtr(now),
		})
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrOrderNotFound) {
			s.logger.Info("checkout callback ignored", "order_ref", orderRef, "error", err)
			return nil
		}
		if err != nil {
			return err
		}
		if o, gerr := s.orders.GetOrder(ctx, orderRef); gerr == nil {
			s.notifier.Notify(ctx, notify.Event{Type: "order.paid", UserID: o.PayeeID, OrderID: orderRef})
		}
		return nil
	case "failed":
		_, err := s.orders.UpdateStatus(ctx, orderRef, []string{StatusAwaitingPayment}, StatusAwaitingPayment, Update{
			PaymentStatus: PaymentFailed,
		})
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrOrderNotFound) {
			return nil
		}
		return err
	default:
		return nil
	}
}

// SubmitDeliverable records the payee's submission and marks the order
// delivered. No funds move.
func (s *Service) SubmitDeliverable(ctx context.Context, orderID, payeeID string, d Deliverable) (*Order, error) {
	o, err := s.getOrderForParty(ctx, orderID, payeeID)
	if err != nil {
		return nil, err
	}
	if o.PayeeID != payeeID {
		return nil, ErrNotParty
	}

	now := time.Now()
	d.ID = idgen.WithPrefix("dlv_")
	d.SubmittedAt = now

	// One claim carries both the status and the submission, so a lost
	// claim records nothing and a delivered order always has the
	// deliverable that delivered it.
	updated, err := s.orders.UpdateStatus(ctx, orderID, []string{StatusConfirmed, StatusInProgress}, StatusDelivered, Update{
		DeliveredAt: timePtr(now),
		Deliverable: &d,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("deliver", "invalid_state").Inc()
		return nil, err
	}

	s.notifier.Notify(ctx, notify.Event{Type: "order.delivered", UserID: o.PayerID, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("deliver", "success").Inc()
	return updated, nil
}

// ReleaseFunds settles the escrow: the payee receives gross minus the
// platform fee, the payer's pending balance drops by gross, and the
// order completes. The claim and the settlement commit as one atomic
// unit, so concurrent releases produce exactly one settlement and a
// failure leaves the escrow intact.
func (s *Service) ReleaseFunds(ctx context.Context, orderID, payerID string) (*Order, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.ReleaseFunds", traces.OrderID(orderID), traces.UserID(payerID))
	defer span.End()

	o, err := s.getOrderForParty(ctx, orderID, payerID)
	if err != nil {
		return nil, err
	}
	if o.PayerID != payerID {
		return nil, ErrNotParty
	}
	if o.Status != StatusDelivered && o.Status != StatusCompleted {
		metrics.EscrowOperationsTotal.WithLabelValues("release", "invalid_state").Inc()
		return nil, fmt.Errorf("%w: cannot release order in status %s", ErrInvalidState, o.Status)
	}

	payerWallet, err := s.wallets.GetWallet(ctx, o.PayerID)
	if err != nil {
		return nil, err
	}
	if payerWallet.Pending.LessThan(o.Gross) {
		metrics.EscrowOperationsTotal.WithLabelValues("release", "invalid_state").Inc()
		return nil, fmt.Errorf("%w: escrowed %s is less than gross %s",
			ErrInvalidState, payerWallet.Pending.String(), o.Gross.String())
	}

	payeeAmount, fee := money.SplitCommission(o.Gross, o.CommissionRate)
	span.SetAttributes(traces.Amount(o.Gross.String()))

	destination, err := s.resolver.Resolve(ctx, orderID, o.Currency, fee)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("release", "provider_error").Inc()
		return nil, err
	}

	payeeWallet, err := s.wallets.GetWallet(ctx, o.PayeeID)
	if err != nil {
		return nil, err
	}

	// The claim (with its funds_released guard) and the settlement
	// commit together; the loser of a race sees InvalidState and no
	// funds move twice.
	now := time.Now()
	updated, err := s.orders.SettleOrder(ctx, orderID, []string{StatusDelivered, StatusCompleted}, StatusCompleted, Update{
		PaymentStatus: PaymentReleased,
		FundsReleased: boolPtr(true),
		CompletedAt:   timePtr(now),
	}, wallet.Settlement{
		OrderID:        orderID,
		PayerID:        o.PayerID,
		PayerVersion:   payerWallet.Version,
		PayeeID:        o.PayeeID,
		PayeeVersion:   payeeWallet.Version,
		Gross:          o.Gross,
		PayeeAmount:    payeeAmount,
		Fee:            fee,
		Currency:       o.Currency,
		FeeDestination: destination,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("release", outcomeFor(err)).Inc()
		return nil, err
	}

	s.logger.Info("escrow released",
		"order_id", orderID,
		"payee_amount", payeeAmount.String(),
		"platform_fee", fee.String(),
		"fee_destination", destination)
	s.notifier.Notify(ctx, notify.Event{Type: "order.released", UserID: o.PayeeID, OrderID: orderID})
	s.notifier.Notify(ctx, notify.Event{Type: "order.completed", UserID: o.PayerID, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("release", "success").Inc()
	return updated, nil
}

// CancelOrder cancels an order before payment. Either party may cancel.
func (s *Service) CancelOrder(ctx context.Context, orderID, callerID, reason string) (*Order, error) {
	o, err := s.getOrderForParty(ctx, orderID, callerID)
	if err != nil {
		return nil, err
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, []string{StatusPending, StatusAwaitingPayment}, StatusCancelled, Update{
		Reason: reason,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("cancel", "invalid_state").Inc()
		return nil, err
	}

	other := o.PayerID
	if callerID == o.PayerID {
		other = o.PayeeID
	}
	s.notifier.Notify(ctx, notify.Event{Type: "order.cancelled", UserID: other, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("cancel", "success").Inc()
	return updated, nil
}

// RejectOrder lets the payee decline a pending order.
func (s *Service) RejectOrder(ctx context.Context, orderID, payeeID, reason string) (*Order, error) {
	o, err := s.getOrderForParty(ctx, orderID, payeeID)
	if err != nil {
		return nil, err
	}
	if o.PayeeID != payeeID {
		return nil, ErrNotParty
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, []string{StatusPending, StatusAwaitingPayment}, StatusCancelled, Update{
		Reason: reason,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("reject", "invalid_state").Inc()
		return nil, err
	}

	s.notifier.Notify(ctx, notify.Event{Type: "order.rejected", UserID: o.PayerID, OrderID: orderID})
	metrics.EscrowOperationsTotal.WithLabelValues("reject", "success").Inc()
	return updated, nil
}

// DisputeOrder freezes a paid order pending resolution. No funds move;
// the escrow stays held.
func (s *Service) DisputeOrder(ctx context.Context, orderID, callerID, reason string) (*Order, error) {
	if _, err := s.getOrderForParty(ctx, orderID, callerID); err != nil {
		return nil, err
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, []string{StatusConfirmed, StatusDelivered}, StatusDisputed, Update{
		Reason: reason,
	})
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("dispute", "invalid_state").Inc()
		return nil, err
	}

	metrics.EscrowOperationsTotal.WithLabelValues("dispute", "success").Inc()
	return updated, nil
}

// GetOrder returns the order if the caller is a party to it.
func (s *Service) GetOrder(ctx context.Context, orderID, callerID string) (*Order, error) {
	return s.getOrderForParty(ctx, orderID, callerID)
}

// ListOrders returns the caller's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]*Order, error) {
	return s.orders.ListOrdersByUser(ctx, userID, limit)
}

func (s *Service) getOrderForParty(ctx context.Context, orderID, callerID string) (*Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.IsParty(callerID) {
		return nil, ErrNotParty
	}
	return o, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrOrderNotFound):
		return "invalid_state"
	case errors.Is(err, wallet.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, wallet.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, wallet.ErrWalletNotFound):
		return "not_found"
	default:
		return "error"
	}
}
