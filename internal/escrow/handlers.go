package escrow

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lumenwork/payments/internal/money"
	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/validation"
	"github.com/lumenwork/payments/internal/wallet"
)

// UserHeader carries the acting user's id, set by the upstream gateway
// after authentication.
const UserHeader = "X-User-ID"

// Handler exposes the coordinator over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("component", "escrow_handler"),
	}
}

// RegisterRoutes mounts the order routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	orders := r.Group("/v1/orders")
	orders.POST("", h.createOrder)
	orders.GET("", h.listOrders)
	orders.GET("/:id", h.getOrder)
	orders.POST("/:id/accept", h.acceptOrder)
	orders.POST("/:id/pay", h.processPayment)
	orders.POST("/:id/deliver", h.submitDeliverable)
	orders.POST("/:id/release", h.releaseFunds)
	orders.POST("/:id/cancel", h.cancelOrder)
	orders.POST("/:id/reject", h.rejectOrder)
	orders.POST("/:id/dispute", h.disputeOrder)
}

type createOrderRequest struct {
	PayeeID  string `json:"payeeId"`
	Title    string `json:"title"`
	Gross    string `json:"gross"`
	Currency string `json:"currency"`
}

func (h *Handler) createOrder(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", "request body must be valid JSON")
		return
	}

	if errs := validation.Validate(
		validation.Required("payeeId", req.PayeeID),
		validation.Required("title", req.Title),
		validation.Required("gross", req.Gross),
		validation.ValidAmount("gross", req.Gross),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
		validation.MaxLen("title", req.Title, 500),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	gross, err := money.Parse(req.Gross)
	if err != nil {
		badRequest(c, "invalid_amount", err.Error())
		return
	}

	o, err := h.service.CreateOrder(c.Request.Context(), caller,
		req.PayeeID, validation.SanitizeString(req.Title, 500), gross, req.Currency)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, o)
}

func (h *Handler) listOrders(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	orders, err := h.service.ListOrders(c.Request.Context(), caller, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (h *Handler) getOrder(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	o, err := h.service.GetOrder(c.Request.Context(), c.Param("id"), caller)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) acceptOrder(c *gin.Context) {
	h.transition(c, func(caller string) (*Order, error) {
		return h.service.AcceptOrder(c.Request.Context(), c.Param("id"), caller)
	})
}

func (h *Handler) processPayment(c *gin.Context) {
	h.transition(c, func(caller string) (*Order, error) {
		return h.service.ProcessPayment(c.Request.Context(), c.Param("id"), caller)
	})
}

type deliverRequest struct {
	Description string `json:"description"`
	URL         string `json:"url"`
}

func (h *Handler) submitDeliverable(c *gin.Context) {
	caller, ok := callerID(c)
	if !ok {
		return
	}

	var req deliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", "request body must be valid JSON")
		return
	}
	if errs := validation.Validate(
		validation.Required("description", req.Description),
		validation.MaxLen("description", req.Description, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	o, err := h.service.SubmitDeliverable(c.Request.Context(), c.Param("id"), caller, Deliverable{
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		URL:         validation.SanitizeString(req.URL, 2000),
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) releaseFunds(c *gin.Context) {
	h.transition(c, func(caller string) (*Order, error) {
		return h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), caller)
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	h.reasonTransition(c, h.service.CancelOrder)
}

func (h *Handler) rejectOrder(c *gin.Context) {
	h.reasonTransition(c, h.service.RejectOrder)
}

func (h *Handler) disputeOrder(c *gin.Context) {
	h.reasonTransition(c, h.service.DisputeOrder)
}

func (h *Handler) transition(c *gin.Context, op func(caller string) (*Order, error)) {
	caller, ok := callerID(c)
	if !ok {
		return
	}
	o, err := op(caller)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) reasonTransition(c *gin.Context, op func(ctx context.Context, orderID, caller, reason string) (*Order, error)) {
	caller, ok := callerID(c)
	if !ok {
		return
	}

	var req reasonRequest
	// Reason is optional; an empty body is fine.
	_ = c.ShouldBindJSON(&req)

	o, err := op(c.Request.Context(), c.Param("id"), caller,
		validation.SanitizeString(req.Reason, 1000))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var provErr *provider.Error
	switch {
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, wallet.ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_a_party", "message": err.Error()})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, wallet.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrency_conflict", "message": "wallet changed concurrently, retry the operation"})
	case errors.As(err, &provErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": provErr.Message})
	default:
		h.logger.Error("unhandled escrow error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

func callerID(c *gin.Context) (string, bool) {
	caller := c.GetHeader(UserHeader)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing " + UserHeader + " header"})
		return "", false
	}
	return caller, true
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
