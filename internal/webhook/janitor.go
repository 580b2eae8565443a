package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Janitor prunes webhook event records past the retention window. An
// event redelivered after its record expired would be treated as new;
// the deposit handler's upsert-by-reference keeps that from
// double-crediting, so expiry is acceptable.
type Janitor struct {
	events    Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

func NewJanitor(events Store, retention time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		events:    events,
		retention: retention,
		interval:  time.Hour,
		logger:    logger.With("component", "webhook_janitor"),
		stop:      make(chan struct{}),
	}
}

// Running reports whether the janitor loop is active.
func (j *Janitor) Running() bool {
	return j.running.Load()
}

// Start begins the pruning loop. Call in a goroutine.
func (j *Janitor) Start(ctx context.Context) {
	j.running.Store(true)
	defer j.running.Store(false)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stop:
			return
		case <-ticker.C:
			j.safeRun(ctx)
		}
	}
}

// Stop signals the janitor to stop.
func (j *Janitor) Stop() {
	select {
	case j.stop <- struct{}{}:
	default:
	}
}

func (j *Janitor) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			j.logger.Error("panic in webhook janitor", "panic", fmt.Sprint(r))
		}
	}()

	cutoff := time.Now().Add(-j.retention)
	deleted, err := j.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Warn("webhook retention prune failed", "error", err)
		return
	}
	if deleted > 0 {
		j.logger.Info("pruned expired webhook events", "deleted", deleted)
	}
}
