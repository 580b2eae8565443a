// Package webhook ingests asynchronous callbacks from the custodial
// provider. Every delivery is recorded before processing; the uniqueness
// of (event_id, provider) is the sole idempotency mechanism, so a
// duplicate delivery is recognized at insert time and acknowledged
// without side effects.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/lumenwork/payments/internal/pagination"
)

var (
	// ErrDuplicateEvent means the (event_id, provider) pair was already
	// recorded. Treated as success by the handler, never surfaced to the
	// provider as a failure.
	ErrDuplicateEvent = errors.New("webhook: duplicate event")

	ErrEventNotFound = errors.New("webhook: event not found")
)

// EventRecord is the persisted trace of one webhook delivery.
type EventRecord struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	Provider    string          `json:"provider"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Processed   bool            `json:"processed"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
}

// Store persists webhook event records.
type Store interface {
	// CreateEvent inserts the record, returning ErrDuplicateEvent when
	// (event_id, provider) already exists. The insert must be an atomic
	// create-if-absent.
	CreateEvent(ctx context.Context, rec *EventRecord) error
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id, errText string) error
	// ListEvents returns records newest first. A non-nil cursor restricts
	// the listing to records strictly older than the cursor position.
	ListEvents(ctx context.Context, limit int, before *pagination.Cursor) ([]*EventRecord, error)
	// DeleteOlderThan removes records created before cutoff and returns
	// how many were deleted.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*EventRecord // keyed by eventID + "\x00" + provider
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*EventRecord)}
}

func dedupeKey(eventID, providerName string) string {
	return eventID + "\x00" + providerName
}

func (m *MemoryStore) CreateEvent(ctx context.Context, rec *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := dedupeKey(rec.EventID, rec.Provider)
	if _, ok := m.records[key]; ok {
		return ErrDuplicateEvent
	}
	rec.CreatedAt = time.Now()
	cp := *rec
	m.records[key] = &cp
	return nil
}

func (m *MemoryStore) MarkProcessed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.ID == id {
			now := time.Now()
			rec.Processed = true
			rec.Error = ""
			rec.ProcessedAt = &now
			return nil
		}
	}
	return ErrEventNotFound
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id, errText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.records {
		if rec.ID == id {
			now := time.Now()
			rec.Processed = false
			rec.Error = errText
			rec.ProcessedAt = &now
			return nil
		}
	}
	return ErrEventNotFound
}

func (m *MemoryStore) ListEvents(ctx context.Context, limit int, before *pagination.Cursor) ([]*EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*EventRecord, 0, len(m.records))
	for _, rec := range m.records {
		if before != nil && !olderThan(rec, before) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// olderThan reports whether rec sorts strictly after the cursor position
// in the newest-first listing.
func olderThan(rec *EventRecord, c *pagination.Cursor) bool {
	if rec.CreatedAt.Equal(c.CreatedAt) {
		return rec.ID < c.ID
	}
	return rec.CreatedAt.Before(c.CreatedAt)
}

func (m *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for key, rec := range m.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.records, key)
			deleted++
		}
	}
	return deleted, nil
}
