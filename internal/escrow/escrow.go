// Package escrow coordinates the lifecycle of a paid order: accept,
// pay into escrow, deliver, release or refund. It is the only writer of
// order state. Every order transition is a conditional claim so a
// concurrent caller loses cleanly instead of applying twice, and the
// transitions that move money commit with the wallet writes in a single
// atomic unit so a reader can never observe a claimed order whose funds
// have not moved.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/wallet"
)

// Order lifecycle states.
const (
	StatusPending         = "pending"
	StatusAwaitingPayment = "awaiting_payment"
	StatusConfirmed       = "confirmed"
	StatusInProgress      = "in_progress"
	StatusDelivered       = "delivered"
	StatusCompleted       = "completed"
	StatusCancelled       = "cancelled"
	StatusDisputed        = "disputed"
)

// Payment states, orthogonal to the lifecycle.
const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentReleased = "released"
	PaymentRefunded = "refunded"
	PaymentFailed   = "failed"
)

var (
	ErrOrderNotFound = errors.New("escrow: order not found")
	ErrInvalidState  = errors.New("escrow: operation not valid for order state")
	ErrNotParty      = errors.New("escrow: caller is not a party to this order")
)

// Order is one unit of paid work with funds held pending delivery.
type Order struct {
	ID             string          `json:"id"`
	PayerID        string          `json:"payerId"`
	PayeeID        string          `json:"payeeId"`
	Title          string          `json:"title"`
	Gross          decimal.Decimal `json:"gross"`
	CommissionRate decimal.Decimal `json:"commissionRate"`
	Currency       string          `json:"currency"`
	Status         string          `json:"status"`
	PaymentStatus  string          `json:"paymentStatus"`
	FundsReleased  bool            `json:"fundsReleased"`
	Reason         string          `json:"reason,omitempty"`
	Deliverables   []Deliverable   `json:"deliverables,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	PaidAt         *time.Time      `json:"paidAt,omitempty"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// Deliverable is one submission by the payee.
type Deliverable struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	URL         string    `json:"url,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// IsParty reports whether userID is the payer or payee.
func (o *Order) IsParty(userID string) bool {
	return o.PayerID == userID || o.PayeeID == userID
}

// Terminal reports whether the order can no longer transition.
func (o *Order) Terminal() bool {
	return o.Status == StatusCompleted || o.Status == StatusCancelled
}

// Update carries the fields an UpdateStatus claim sets alongside the
// status itself. Zero values mean "leave unchanged", except
// FundsReleased which is a pointer for that reason. Deliverable, when
// set, is appended by the same claim that changes the status, so a lost
// claim records nothing.
type Update struct {
	PaymentStatus string
	FundsReleased *bool
	Reason        string
	PaidAt        *time.Time
	DeliveredAt   *time.Time
	CompletedAt   *time.Time
	Deliverable   *Deliverable
}

// Store persists orders. UpdateStatus is the concurrency primitive:
// it applies the transition only while the order's status is still one
// of from (and, when releasing funds, while funds_released is still
// false), so two racing callers cannot both claim the same transition.
//
// PayOrder, SettleOrder, and RefundOrder couple that claim with the
// corresponding wallet move: the transition and the money commit
// together or not at all, and no intermediate state is observable.
type Store interface {
	CreateOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error)
	UpdateStatus(ctx context.Context, orderID string, from []string, to string, set Update) (*Order, error)
	// PayOrder claims the transition and holds the gross amount in the
	// payer's wallet as one atomic unit.
	PayOrder(ctx context.Context, orderID string, from []string, to string, set Update, hold wallet.Hold) (*Order, error)
	// SettleOrder claims the release transition and settles the escrow
	// as one atomic unit.
	SettleOrder(ctx context.Context, orderID string, from []string, to string, set Update, settlement wallet.Settlement) (*Order, error)
	// RefundOrder claims the refund transition and returns the hold to
	// the payer as one atomic unit.
	RefundOrder(ctx context.Context, orderID string, from []string, to string, set Update, refund wallet.Refund) (*Order, error)
	// ListStagnant returns paid orders still in confirmed/in_progress
	// with no deliverable and a paid_at older than cutoff.
	ListStagnant(ctx context.Context, cutoff time.Time) ([]*Order, error)
}

func boolPtr(b bool) *bool { return &b }

func timePtr(t time.Time) *time.Time { return &t }
