package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lumenwork/payments/internal/wallet"
)

// PostgresStore persists escrow orders. Deliverables live in a JSONB
// column; every transition is a single conditional UPDATE so racing
// writers cannot both claim it. The money-moving transitions share a
// SERIALIZABLE transaction with the wallet writes, which run against
// the same database.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const orderColumns = `
	id, payer_id, payee_id, title, gross, commission_rate, currency,
	status, payment_status, funds_released, COALESCE(reason, ''),
	deliverables, created_at, updated_at, paid_at, delivered_at, completed_at`

func (s *PostgresStore) CreateOrder(ctx context.Context, o *Order) error {
	return s.db.QueryRowContext(ctx, `
		INSERT INTO escrow_orders (
			id, payer_id, payee_id, title, gross, commission_rate,
			currency, status, payment_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at`,
		o.ID, o.PayerID, o.PayeeID, o.Title, o.Gross, o.CommissionRate,
		o.Currency, o.Status, o.PaymentStatus,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (s *PostgresStore) ListOrdersByUser(ctx context.Context, userID string, limit int) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// querier is satisfied by *sql.DB and *sql.Tx, so transitions can run
// standalone or inside a money-move transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, orderID string, from []string, to string, set Update) (*Order, error) {
	return execUpdateStatus(ctx, s.db, orderID, from, to, set)
}

func execUpdateStatus(ctx context.Context, q querier, orderID string, from []string, to string, set Update) (*Order, error) {
	var deliverable sql.NullString
	if set.Deliverable != nil {
		payload, err := json.Marshal([]Deliverable{*set.Deliverable})
		if err != nil {
			return nil, err
		}
		deliverable = sql.NullString{String: string(payload), Valid: true}
	}

	query := `
		UPDATE escrow_orders SET
			status         = $3,
			payment_status = COALESCE(NULLIF($4, ''), payment_status),
			funds_released = COALESCE($5, funds_released),
			reason         = COALESCE(NULLIF($6, ''), reason),
			paid_at        = COALESCE($7, paid_at),
			delivered_at   = COALESCE($8, delivered_at),
			completed_at   = COALESCE($9, completed_at),
			deliverables   = deliverables || COALESCE($10::jsonb, '[]'::jsonb),
			updated_at     = NOW()
		WHERE id = $1 AND status = ANY($2)`
	if set.FundsReleased != nil && *set.FundsReleased {
		query += ` AND funds_released = FALSE`
	}
	query += ` RETURNING ` + orderColumns

	row := q.QueryRowContext(ctx, query,
		orderID, pq.Array(from), to,
		set.PaymentStatus, set.FundsReleased, set.Reason,
		set.PaidAt, set.DeliveredAt, set.CompletedAt, deliverable)

	o, err := scanOrder(row)
	if errors.Is(err, ErrOrderNotFound) {
		// Distinguish a missing order from a lost claim.
		var exists bool
		if checkErr := q.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM escrow_orders WHERE id = $1)`, orderID,
		).Scan(&exists); checkErr != nil {
			return nil, checkErr
		}
		if exists {
			return nil, fmt.Errorf("%w: transition to %s rejected", ErrInvalidState, to)
		}
		return nil, ErrOrderNotFound
	}
	return o, err
}

// PayOrder claims the transition and applies the escrow hold in one
// SERIALIZABLE transaction. A failure on either side rolls back both.
func (s *PostgresStore) PayOrder(ctx context.Context, orderID string, from []string, to string, set Update, hold wallet.Hold) (*Order, error) {
	return s.moneyMove(ctx, orderID, from, to, set, func(tx *sql.Tx) error {
		return wallet.HoldFundsTx(ctx, tx, hold)
	})
}

// SettleOrder claims the release transition and settles the escrow in
// one SERIALIZABLE transaction.
func (s *PostgresStore) SettleOrder(ctx context.Context, orderID string, from []string, to string, set Update, settlement wallet.Settlement) (*Order, error) {
	return s.moneyMove(ctx, orderID, from, to, set, func(tx *sql.Tx) error {
		return wallet.SettleEscrowTx(ctx, tx, settlement)
	})
}

// RefundOrder claims the refund transition and returns the hold in one
// SERIALIZABLE transaction.
func (s *PostgresStore) RefundOrder(ctx context.Context, orderID string, from []string, to string, set Update, refund wallet.Refund) (*Order, error) {
	return s.moneyMove(ctx, orderID, from, to, set, func(tx *sql.Tx) error {
		return wallet.RefundHoldTx(ctx, tx, refund)
	})
}

func (s *PostgresStore) moneyMove(ctx context.Context, orderID string, from []string, to string, set Update, move func(tx *sql.Tx) error) (*Order, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	o, err := execUpdateStatus(ctx, tx, orderID, from, to, set)
	if err != nil {
		return nil, err
	}
	if err := move(tx); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		if wallet.IsSerializationFailure(err) {
			return nil, wallet.ErrConcurrencyConflict
		}
		return nil, err
	}
	return o, nil
}

func (s *PostgresStore) ListStagnant(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders
		WHERE payment_status = 'paid'
		  AND status IN ('confirmed', 'in_progress')
		  AND jsonb_array_length(deliverables) = 0
		  AND paid_at < $1
		ORDER BY paid_at ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var o Order
	var deliverables []byte
	var paidAt, deliveredAt, completedAt sql.NullTime

	err := row.Scan(
		&o.ID, &o.PayerID, &o.PayeeID, &o.Title, &o.Gross, &o.CommissionRate,
		&o.Currency, &o.Status, &o.PaymentStatus, &o.FundsReleased, &o.Reason,
		&deliverables, &o.CreatedAt, &o.UpdatedAt, &paidAt, &deliveredAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	if len(deliverables) > 0 {
		if err := json.Unmarshal(deliverables, &o.Deliverables); err != nil {
			return nil, fmt.Errorf("order %s: bad deliverables payload: %w", o.ID, err)
		}
	}
	if paidAt.Valid {
		o.PaidAt = &paidAt.Time
	}
	if deliveredAt.Valid {
		o.DeliveredAt = &deliveredAt.Time
	}
	if completedAt.Valid {
		o.CompletedAt = &completedAt.Time
	}
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
