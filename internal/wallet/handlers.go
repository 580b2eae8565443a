package wallet

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/lumenwork/payments/internal/idgen"
	"github.com/lumenwork/payments/internal/money"
	"github.com/lumenwork/payments/internal/provider"
	"github.com/lumenwork/payments/internal/validation"
)

// UserHeader carries the acting user's id, set by the upstream gateway.
const UserHeader = "X-User-ID"

// Reconciler is the slice of the reconciliation service the wallet API
// needs. Defined here to keep the dependency one-directional.
type Reconciler interface {
	Initialize(ctx context.Context, userID string) (*Wallet, error)
	Sync(ctx context.Context, userID string) (*Wallet, error)
}

// Handler exposes wallet state, ledger history, withdrawals, and
// deposit-address provisioning.
type Handler struct {
	store        Store
	provider     provider.Client
	reconciler   Reconciler
	providerName string
	logger       *slog.Logger
}

func NewHandler(store Store, client provider.Client, reconciler Reconciler, providerName string, logger *slog.Logger) *Handler {
	return &Handler{
		store:        store,
		provider:     client,
		reconciler:   reconciler,
		providerName: providerName,
		logger:       logger.With("component", "wallet_handler"),
	}
}

// RegisterRoutes mounts the wallet routes.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	wallets := r.Group("/v1/wallets")
	wallets.POST("", h.createWallet)
	wallets.GET("/:id", h.getWallet)
	wallets.POST("/:id/sync", h.syncWallet)
	wallets.GET("/:id/ledger", h.listLedger)
	wallets.POST("/:id/withdrawals", h.createWithdrawal)
	wallets.POST("/:id/addresses", h.createDepositAddress)
}

type createWalletRequest struct {
	UserID          string `json:"userId"`
	ExternalUserID  string `json:"externalUserId"`
	PrimaryCurrency string `json:"primaryCurrency"`
}

func (h *Handler) createWallet(c *gin.Context) {
	var req createWalletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", "request body must be valid JSON")
		return
	}
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("externalUserId", req.ExternalUserID),
		validation.Required("primaryCurrency", req.PrimaryCurrency),
		validation.ValidCurrency("primaryCurrency", req.PrimaryCurrency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	w, err := h.store.CreateWallet(c.Request.Context(), req.UserID, req.ExternalUserID, req.PrimaryCurrency)
	if err != nil {
		h.renderError(c, err)
		return
	}

	// First-time asset pull. The aggregate stays zero until the first
	// sync; a provider hiccup here is not fatal to wallet creation.
	if initialized, err := h.reconciler.Initialize(c.Request.Context(), req.UserID); err != nil {
		h.logger.Warn("wallet created but initial asset pull failed",
			"user_id", req.UserID,
			"error", err)
	} else {
		w = initialized
	}

	c.JSON(http.StatusCreated, w)
}

func (h *Handler) getWallet(c *gin.Context) {
	userID, ok := h.ownedWallet(c)
	if !ok {
		return
	}
	w, err := h.store.GetWallet(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) syncWallet(c *gin.Context) {
	userID, ok := h.ownedWallet(c)
	if !ok {
		return
	}
	w, err := h.reconciler.Sync(c.Request.Context(), userID)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handler) listLedger(c *gin.Context) {
	userID, ok := h.ownedWallet(c)
	if !ok {
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	entries, err := h.store.ListEntries(c.Request.Context(), userID, limit)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type withdrawalRequest struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// createWithdrawal debits the wallet, records a processing withdrawal
// entry, and asks the provider to pay out. The payout webhook settles
// or fails the entry later; a failed initiation restores the funds
// immediately.
func (h *Handler) createWithdrawal(c *gin.Context) {
	userID, ok := h.ownedWallet(c)
	if !ok {
		return
	}

	var req withdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", "request body must be valid JSON")
		return
	}
	if errs := validation.Validate(
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
		validation.Required("destination", req.Destination),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	amount, err := money.Parse(req.Amount)
	if err != nil {
		badRequest(c, "invalid_amount", err.Error())
		return
	}

	ctx := c.Request.Context()
	w, err := h.store.GetWallet(ctx, userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	ref := idgen.WithPrefix("po_")
	entry, err := h.store.CreateWithdrawal(ctx, userID, w.Version, amount, req.Currency, ref)
	if err != nil {
		h.renderError(c, err)
		return
	}

	if _, err := h.provider.InitiatePayout(ctx, provider.PayoutRequest{
		ExternalUserID: w.ExternalUserID,
		Currency:       req.Currency,
		Destination:    req.Destination,
		Amount:         amount,
		Reference:      ref,
	}); err != nil {
		if failErr := h.store.FailWithdrawalByRef(ctx, ref, h.providerName, "payout initiation failed"); failErr != nil {
			h.logger.Error("failed to restore funds after payout initiation failure",
				"user_id", userID,
				"external_ref", ref,
				"error", failErr)
		}
		h.renderError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, entry)
}

type addressRequest struct {
	Currency string `json:"currency"`
}

func (h *Handler) createDepositAddress(c *gin.Context) {
	userID, ok := h.ownedWallet(c)
	if !ok {
		return
	}

	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", "request body must be valid JSON")
		return
	}
	if errs := validation.Validate(
		validation.Required("currency", req.Currency),
		validation.ValidCurrency("currency", req.Currency),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"fields":  errs,
		})
		return
	}

	ctx := c.Request.Context()
	w, err := h.store.GetWallet(ctx, userID)
	if err != nil {
		h.renderError(c, err)
		return
	}

	addr, err := h.provider.CreateDepositAddress(ctx, w.ExternalUserID, req.Currency)
	if err != nil {
		h.renderError(c, err)
		return
	}

	// Seed a zero-balance asset row so the next sync merges into it.
	if err := h.store.UpsertAssets(ctx, userID, []Asset{{
		ExternalAssetID: addr.ID,
		Currency:        addr.Currency,
		Network:         addr.Network,
	}}); err != nil {
		h.logger.Warn("address created but asset seed failed", "user_id", userID, "error", err)
	}

	c.JSON(http.StatusCreated, addr)
}

// ownedWallet enforces that the caller operates on their own wallet.
func (h *Handler) ownedWallet(c *gin.Context) (string, bool) {
	caller := c.GetHeader(UserHeader)
	if caller == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated", "message": "missing " + UserHeader + " header"})
		return "", false
	}
	userID := c.Param("id")
	if caller != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "wallet belongs to another user"})
		return "", false
	}
	return userID, true
}

func (h *Handler) renderError(c *gin.Context, err error) {
	var provErr *provider.Error
	switch {
	case errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrWalletExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists", "message": err.Error()})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	case errors.Is(err, ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrency_conflict", "message": "wallet changed concurrently, retry the operation"})
	case errors.As(err, &provErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": "provider_error", "message": provErr.Message})
	default:
		h.logger.Error("unhandled wallet error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
	}
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code, "message": message})
}
