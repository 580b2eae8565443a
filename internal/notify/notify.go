// Package notify delivers fire-and-forget user notifications for order
// and payment state changes. Delivery failures are logged and never
// propagate; a notification must never block or roll back a financial
// transaction.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Event is one user-facing notification.
type Event struct {
	Type      string         `json:"type"`
	UserID    string         `json:"userId"`
	OrderID   string         `json:"orderId,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Notifier sends one event. Implementations must not block on delivery.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// HTTPNotifier posts events to the platform's notification service,
// signed with a shared secret.
type HTTPNotifier struct {
	url    string
	secret string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPNotifier(url, secret string, logger *slog.Logger) *HTTPNotifier {
	return &HTTPNotifier{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With("component", "notify"),
	}
}

// Notify sends the event in a goroutine detached from the caller's
// context so cancellation of the triggering request cannot drop it.
func (n *HTTPNotifier) Notify(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	go n.send(event)
}

func (n *HTTPNotifier) send(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	payload, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("failed to marshal notification", "type", event.Type, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		n.logger.Error("failed to build notification request", "type", event.Type, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Lumenwork-Event", event.Type)
	req.Header.Set("X-Lumenwork-Timestamp", fmt.Sprintf("%d", event.Timestamp.Unix()))
	if n.secret != "" {
		req.Header.Set("X-Lumenwork-Signature", sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "type", event.Type, "user_id", event.UserID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("notification rejected",
			"type", event.Type,
			"user_id", event.UserID,
			"status", resp.StatusCode)
	}
}

func sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Nop discards all notifications. Used in tests and when no
// notification target is configured.
type Nop struct{}

func (Nop) Notify(ctx context.Context, event Event) {}
