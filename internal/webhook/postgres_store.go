package webhook

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/lumenwork/payments/internal/pagination"
)

// PostgresStore persists webhook event records. The unique index on
// (event_id, provider) makes CreateEvent an atomic create-if-absent.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateEvent(ctx context.Context, rec *EventRecord) error {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, event_id, provider, type, payload)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		rec.ID, rec.EventID, rec.Provider, rec.Type, []byte(rec.Payload),
	).Scan(&rec.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateEvent
		}
		return err
	}
	return nil
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			processed    = TRUE,
			error        = NULL,
			processed_at = NOW()
		WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, id, errText string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE webhook_events SET
			processed    = FALSE,
			error        = $2,
			processed_at = NOW()
		WHERE id = $1`, id, errText)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *PostgresStore) ListEvents(ctx context.Context, limit int, before *pagination.Cursor) ([]*EventRecord, error) {
	query := `
		SELECT id, event_id, provider, type, payload,
		       processed, COALESCE(error, ''), created_at, processed_at
		FROM webhook_events`
	args := []any{limit}
	if before != nil {
		query += ` WHERE (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += `
		ORDER BY created_at DESC, id DESC
		LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var payload []byte
		var processedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Provider, &rec.Type, &payload,
			&rec.Processed, &rec.Error, &rec.CreatedAt, &processedAt); err != nil {
			return nil, err
		}
		rec.Payload = payload
		if processedAt.Valid {
			rec.ProcessedAt = &processedAt.Time
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM webhook_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEventNotFound
	}
	return nil
}
