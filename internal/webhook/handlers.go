package webhook

import (
	"crypto/hmac"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lumenwork/payments/internal/pagination"
)

// SecretHeader carries the shared secret on provider deliveries.
const SecretHeader = "X-Webhook-Secret"

const maxPayloadBytes = 1 << 20 // 1MB

// Handler exposes the provider-facing ingestion endpoint and an admin
// listing of recorded events.
type Handler struct {
	processor *Processor
	events    Store
	secret    string
	logger    *slog.Logger
}

func NewHandler(processor *Processor, events Store, secret string, logger *slog.Logger) *Handler {
	return &Handler{
		processor: processor,
		events:    events,
		secret:    secret,
		logger:    logger.With("component", "webhook_handler"),
	}
}

// RegisterRoutes mounts the ingestion and admin routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.POST("/webhooks/provider", h.handleProviderWebhook)
	r.GET("/admin/webhook-events", h.listEvents)
}

func (h *Handler) handleProviderWebhook(c *gin.Context) {
	got := c.GetHeader(SecretHeader)
	if !hmac.Equal([]byte(got), []byte(h.secret)) {
		c.JSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"error":   "unauthorized",
		})
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "unreadable_body",
		})
		return
	}

	duplicate, err := h.processor.Process(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "processing_failed",
			"details": err.Error(),
		})
		return
	}
	_ = duplicate // duplicates are acknowledged identically
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) listEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra record to learn whether another page exists.
	events, err := h.events.ListEvents(c.Request.Context(), limit+1, cursor)
	if err != nil {
		h.logger.Error("failed to list webhook events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list webhook events",
		})
		return
	}

	events, next, hasMore := pagination.ComputePage(events, limit, func(rec *EventRecord) (time.Time, string) {
		return rec.CreatedAt, rec.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":      events,
		"count":       len(events),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}
