package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/lumenwork/payments/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL. Money moves run in
// SERIALIZABLE transactions; CHECK constraints back up the sufficiency
// predicates at the database level.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed wallet store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateWallet(ctx context.Context, userID, externalUserID, primaryCurrency string) (*Wallet, error) {
	now := time.Now()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO wallets (user_id, external_user_id, primary_currency, available, pending, total_earnings, version, created_at, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, 0, 0, 0, 1, $4, $4)
	`, userID, externalUserID, primaryCurrency, now)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrWalletExists
		}
		return nil, fmt.Errorf("create wallet: %w", err)
	}
	return p.GetWallet(ctx, userID)
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return p.getWallet(ctx, `WHERE user_id = $1`, userID)
}

func (p *PostgresStore) GetWalletByExternalID(ctx context.Context, externalUserID string) (*Wallet, error) {
	return p.getWallet(ctx, `WHERE external_user_id = $1`, externalUserID)
}

func (p *PostgresStore) getWallet(ctx context.Context, where string, arg any) (*Wallet, error) {
	w := &Wallet{}
	var externalUserID sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, external_user_id, primary_currency, available, pending, total_earnings, version, created_at, updated_at
		FROM wallets `+where,
		arg,
	).Scan(&w.UserID, &externalUserID, &w.PrimaryCurrency, &w.Available, &w.Pending, &w.TotalEarnings, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.ExternalUserID = externalUserID.String

	rows, err := p.db.QueryContext(ctx, `
		SELECT external_asset_id, currency, COALESCE(network, ''), balance, reserved, last_synced_at
		FROM wallet_assets WHERE user_id = $1 ORDER BY currency, network
	`, w.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ExternalAssetID, &a.Currency, &a.Network, &a.Balance, &a.Reserved, &a.LastSyncedAt); err != nil {
			return nil, err
		}
		w.Assets = append(w.Assets, a)
	}
	return w, rows.Err()
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure (SQLSTATE 40001). Two clean SERIALIZABLE transactions can still
// collide; callers map it to ErrConcurrencyConflict so the client retries
// exactly as for a lost version race.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "40001"
}

// commitMove commits a money-move transaction, classifying a
// serialization failure at commit time as a retryable conflict.
func commitMove(tx *sql.Tx) error {
	if err := tx.Commit(); err != nil {
		if IsSerializationFailure(err) {
			return ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// casUpdate runs a version-guarded wallet update inside tx and classifies
// a zero-row result as not-found, insufficient funds, or version conflict.
// query must filter on user_id = $1 AND version = $2.
func casUpdate(ctx context.Context, tx *sql.Tx, userID string, version int64, needs decimal.Decimal, needsColumn, query string, args ...any) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		if IsSerializationFailure(err) {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("wallet update: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 1 {
		return nil
	}

	var current int64
	var available, pending decimal.Decimal
	err = tx.QueryRowContext(ctx,
		`SELECT version, available, pending FROM wallets WHERE user_id = $1`, userID,
	).Scan(&current, &available, &pending)
	if err == sql.ErrNoRows {
		return ErrWalletNotFound
	}
	if err != nil {
		return err
	}
	if current != version {
		return ErrConcurrencyConflict
	}
	if needsColumn == "available" && available.LessThan(needs) {
		return ErrInsufficientFunds
	}
	if needsColumn == "pending" && pending.LessThan(needs) {
		return ErrInsufficientFunds
	}
	return ErrConcurrencyConflict
}

// HoldFundsTx applies an escrow hold inside tx: available is debited,
// pending is credited, and one completed payment entry is written. The
// caller owns the transaction; stores that couple an order claim with
// the hold run both in the same tx so neither commits without the other.
func HoldFundsTx(ctx context.Context, tx *sql.Tx, h Hold) error {
	if err := casUpdate(ctx, tx, h.UserID, h.Version, h.Amount, "available", `
		UPDATE wallets SET
			available  = available - $3,
			pending    = pending   + $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2 AND available >= $3
	`, h.UserID, h.Version, h.Amount); err != nil {
		return err
	}

	return insertEntry(ctx, tx, &Entry{
		UserID:    h.UserID,
		Kind:      KindPayment,
		Amount:    h.Amount,
		NetAmount: h.Amount,
		Currency:  h.Currency,
		Status:    StatusCompleted,
		OrderID:   h.OrderID,
	})
}

// SettleEscrowTx releases a hold inside tx: payer pending is debited by
// Gross, payee available and earnings are credited by PayeeAmount, and
// the earning and platform-fee entries are written. The caller owns the
// transaction.
func SettleEscrowTx(ctx context.Context, tx *sql.Tx, s Settlement) error {
	// Debit payer's escrow hold.
	if err := casUpdate(ctx, tx, s.PayerID, s.PayerVersion, s.Gross, "pending", `
		UPDATE wallets SET
			pending    = pending - $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2 AND pending >= $3
	`, s.PayerID, s.PayerVersion, s.Gross); err != nil {
		return err
	}

	// Credit payee's available and lifetime earnings.
	if err := casUpdate(ctx, tx, s.PayeeID, s.PayeeVersion, decimal.Zero, "", `
		UPDATE wallets SET
			available      = available + $3,
			total_earnings = total_earnings + $3,
			version        = version + 1,
			updated_at     = NOW()
		WHERE user_id = $1 AND version = $2
	`, s.PayeeID, s.PayeeVersion, s.PayeeAmount); err != nil {
		return err
	}

	if err := insertEntry(ctx, tx, &Entry{
		UserID:    s.PayeeID,
		Kind:      KindEarning,
		Amount:    s.Gross,
		NetAmount: s.PayeeAmount,
		Currency:  s.Currency,
		Status:    StatusCompleted,
		OrderID:   s.OrderID,
	}); err != nil {
		return err
	}

	return insertEntry(ctx, tx, &Entry{
		UserID:      s.PayerID,
		Kind:        KindPlatformFee,
		Amount:      s.Fee,
		NetAmount:   s.Fee,
		Currency:    s.Currency,
		Status:      StatusCompleted,
		OrderID:     s.OrderID,
		Description: s.FeeDestination,
	})
}

// RefundHoldTx returns a hold inside tx: pending back to available, with
// one refund entry. The caller owns the transaction.
func RefundHoldTx(ctx context.Context, tx *sql.Tx, r Refund) error {
	if err := casUpdate(ctx, tx, r.UserID, r.Version, r.Amount, "pending", `
		UPDATE wallets SET
			pending    = pending   - $3,
			available  = available + $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2 AND pending >= $3
	`, r.UserID, r.Version, r.Amount); err != nil {
		return err
	}

	return insertEntry(ctx, tx, &Entry{
		UserID:      r.UserID,
		Kind:        KindRefund,
		Amount:      r.Amount,
		NetAmount:   r.Amount,
		Currency:    r.Currency,
		Status:      StatusCompleted,
		OrderID:     r.OrderID,
		Description: r.Reason,
	})
}

func (p *PostgresStore) HoldFunds(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := HoldFundsTx(ctx, tx, Hold{
		UserID:   userID,
		Version:  version,
		Amount:   amount,
		Currency: currency,
		OrderID:  orderID,
	}); err != nil {
		return err
	}
	return commitMove(tx)
}

func (p *PostgresStore) SettleEscrow(ctx context.Context, s Settlement) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := SettleEscrowTx(ctx, tx, s); err != nil {
		return err
	}
	return commitMove(tx)
}

func (p *PostgresStore) RefundHold(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, orderID, reason string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := RefundHoldTx(ctx, tx, Refund{
		UserID:   userID,
		Version:  version,
		Amount:   amount,
		Currency: currency,
		OrderID:  orderID,
		Reason:   reason,
	}); err != nil {
		return err
	}
	return commitMove(tx)
}

func (p *PostgresStore) UpsertDeposit(ctx context.Context, userID string, amount decimal.Decimal, currency, externalRef, providerName string) (bool, error) {
	now := time.Now()
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, net_amount, currency, status, external_ref, provider, created_at, completed_at)
		VALUES ($1, $2, 'deposit', $3, $3, $4, 'completed', $5, $6, $7, $7)
		ON CONFLICT (external_ref, provider) WHERE kind = 'deposit' DO NOTHING
	`, idgen.WithPrefix("led_"), userID, amount, currency, externalRef, providerName, now)
	if err != nil {
		return false, fmt.Errorf("upsert deposit: %w", err)
	}
	rows, _ := result.RowsAffected()
	return rows == 1, nil
}

func (p *PostgresStore) CreateWithdrawal(ctx context.Context, userID string, version int64, amount decimal.Decimal, currency, externalRef string) (*Entry, error) {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := casUpdate(ctx, tx, userID, version, amount, "available", `
		UPDATE wallets SET
			available  = available - $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2 AND available >= $3
	`, userID, version, amount); err != nil {
		return nil, err
	}

	e := &Entry{
		ID:          idgen.WithPrefix("led_"),
		UserID:      userID,
		Kind:        KindWithdrawal,
		Amount:      amount,
		NetAmount:   amount,
		Currency:    currency,
		Status:      StatusProcessing,
		ExternalRef: externalRef,
		CreatedAt:   time.Now(),
	}
	if err := insertEntryRow(ctx, tx, e); err != nil {
		return nil, err
	}

	if err := commitMove(tx); err != nil {
		return nil, err
	}
	return e, nil
}

func (p *PostgresStore) CompleteEntryByRef(ctx context.Context, externalRef, providerName string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE ledger_entries SET
			status       = 'completed',
			provider     = COALESCE(provider, $2),
			completed_at = NOW()
		WHERE external_ref = $1 AND status = 'processing'
	`, externalRef, providerName)
	if err != nil {
		return fmt.Errorf("complete entry: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func (p *PostgresStore) FailWithdrawalByRef(ctx context.Context, externalRef, providerName, reason string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var userID string
	var amount decimal.Decimal
	err = tx.QueryRowContext(ctx, `
		UPDATE ledger_entries SET
			status       = 'failed',
			description  = $2,
			completed_at = NOW()
		WHERE external_ref = $1 AND kind = 'withdrawal' AND status = 'processing'
		RETURNING user_id, amount
	`, externalRef, reason).Scan(&userID, &amount)
	if err == sql.ErrNoRows {
		return ErrEntryNotFound
	}
	if err != nil {
		return fmt.Errorf("fail withdrawal: %w", err)
	}

	// Return the debited amount. Single additive statement, so no caller
	// version is involved; the token still advances.
	result, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			available  = available + $2,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1
	`, userID, amount)
	if err != nil {
		return fmt.Errorf("restore balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrWalletNotFound
	}

	return commitMove(tx)
}

func (p *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, kind, amount, net_amount, currency, status,
		       COALESCE(order_id, ''), COALESCE(external_ref, ''), COALESCE(provider, ''),
		       COALESCE(description, ''), created_at, completed_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var completedAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &e.NetAmount, &e.Currency, &e.Status,
			&e.OrderID, &e.ExternalRef, &e.Provider, &e.Description, &e.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			e.CompletedAt = &completedAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (p *PostgresStore) UpsertAssets(ctx context.Context, userID string, assets []Asset) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, a := range assets {
		// Provider asset ids rotate for some providers; (currency, network)
		// is the stable key, external_asset_id is refreshed on every sync.
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallet_assets (user_id, external_asset_id, currency, network, balance, reserved, last_synced_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (user_id, currency, network) DO UPDATE SET
				external_asset_id = EXCLUDED.external_asset_id,
				balance           = EXCLUDED.balance,
				reserved          = EXCLUDED.reserved,
				last_synced_at    = EXCLUDED.last_synced_at
		`, userID, a.ExternalAssetID, a.Currency, a.Network, a.Balance, a.Reserved, a.LastSyncedAt)
		if err != nil {
			return fmt.Errorf("upsert asset %s: %w", a.Currency, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) SetAvailable(ctx context.Context, userID string, version int64, available decimal.Decimal) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := casUpdate(ctx, tx, userID, version, decimal.Zero, "", `
		UPDATE wallets SET
			available  = $3,
			version    = version + 1,
			updated_at = NOW()
		WHERE user_id = $1 AND version = $2
	`, userID, version, available); err != nil {
		return err
	}

	return commitMove(tx)
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	e.ID = idgen.WithPrefix("led_")
	e.CreatedAt = time.Now()
	return insertEntryRow(ctx, tx, e)
}

func insertEntryRow(ctx context.Context, tx *sql.Tx, e *Entry) error {
	var completedAt *time.Time
	if e.Status == StatusCompleted {
		completedAt = &e.CreatedAt
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, net_amount, currency, status, order_id, external_ref, provider, description, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13)
	`, e.ID, e.UserID, e.Kind, e.Amount, e.NetAmount, e.Currency, e.Status, e.OrderID, e.ExternalRef, e.Provider, e.Description, e.CreatedAt, completedAt)
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	return nil
}
