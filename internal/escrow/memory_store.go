package escrow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lumenwork/payments/internal/wallet"
)

// MemoryStore is an in-memory Store with the same conditional-claim
// semantics as the Postgres store. The money-moving transitions hold
// the order lock across the wallet call, so a reader never sees a
// claimed order whose funds have not moved.
type MemoryStore struct {
	mu      sync.Mutex
	orders  map[string]*Order
	wallets wallet.Store
}

func NewMemoryStore(wallets wallet.Store) *MemoryStore {
	return &MemoryStore{orders: make(map[string]*Order), wallets: wallets}
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	cp := copyOrder(o)
	m.orders[o.ID] = cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if o.PayerID == userID || o.PayeeID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, orderID string, from []string, to string, set Update) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.claim(orderID, from, set)
	if err != nil {
		return nil, err
	}
	applyUpdate(o, to, set)
	return copyOrder(o), nil
}

// PayOrder validates the claim, moves the money, and applies the
// transition, all under the order lock. A failed wallet move leaves the
// order untouched.
func (m *MemoryStore) PayOrder(ctx context.Context, orderID string, from []string, to string, set Update, hold wallet.Hold) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.claim(orderID, from, set)
	if err != nil {
		return nil, err
	}
	if err := m.wallets.HoldFunds(ctx, hold.UserID, hold.Version, hold.Amount, hold.Currency, hold.OrderID); err != nil {
		return nil, err
	}
	applyUpdate(o, to, set)
	return copyOrder(o), nil
}

func (m *MemoryStore) SettleOrder(ctx context.Context, orderID string, from []string, to string, set Update, settlement wallet.Settlement) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.claim(orderID, from, set)
	if err != nil {
		return nil, err
	}
	if err := m.wallets.SettleEscrow(ctx, settlement); err != nil {
		return nil, err
	}
	applyUpdate(o, to, set)
	return copyOrder(o), nil
}

func (m *MemoryStore) RefundOrder(ctx context.Context, orderID string, from []string, to string, set Update, refund wallet.Refund) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, err := m.claim(orderID, from, set)
	if err != nil {
		return nil, err
	}
	if err := m.wallets.RefundHold(ctx, refund.UserID, refund.Version, refund.Amount, refund.Currency, refund.OrderID, refund.Reason); err != nil {
		return nil, err
	}
	applyUpdate(o, to, set)
	return copyOrder(o), nil
}

// claim validates a transition without applying it. Caller must hold m.mu.
func (m *MemoryStore) claim(orderID string, from []string, set Update) (*Order, error) {
	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	for _, f := range from {
		if o.Status == f {
			if set.FundsReleased != nil && *set.FundsReleased && o.FundsReleased {
				return nil, ErrInvalidState
			}
			return o, nil
		}
	}
	return nil, ErrInvalidState
}

func applyUpdate(o *Order, to string, set Update) {
	o.Status = to
	o.UpdatedAt = time.Now()
	if set.PaymentStatus != "" {
		o.PaymentStatus = set.PaymentStatus
	}
	if set.FundsReleased != nil {
		o.FundsReleased = *set.FundsReleased
	}
	if set.Reason != "" {
		o.Reason = set.Reason
	}
	if set.PaidAt != nil {
		o.PaidAt = set.PaidAt
	}
	if set.DeliveredAt != nil {
		o.DeliveredAt = set.DeliveredAt
	}
	if set.CompletedAt != nil {
		o.CompletedAt = set.CompletedAt
	}
	if set.Deliverable != nil {
		o.Deliverables = append(o.Deliverables, *set.Deliverable)
	}
}

func (m *MemoryStore) ListStagnant(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Order
	for _, o := range m.orders {
		if o.PaymentStatus != PaymentPaid {
			continue
		}
		if o.Status != StatusConfirmed && o.Status != StatusInProgress {
			continue
		}
		if len(o.Deliverables) > 0 {
			continue
		}
		if o.PaidAt == nil || !o.PaidAt.Before(cutoff) {
			continue
		}
		out = append(out, copyOrder(o))
	}
	return out, nil
}

// SetPaidAt backdates an order's payment time. Test helper.
func (m *MemoryStore) SetPaidAt(orderID string, paidAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[orderID]; ok {
		o.PaidAt = &paidAt
	}
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Deliverables = append([]Deliverable(nil), o.Deliverables...)
	return &cp
}
