package wallet

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/meridian/internal/token"
	"github.com/meridianpay/meridian/internal/validation"
)

// Handler provides HTTP endpoints for agent wallet management.
type Handler struct {
	service *Service
}

// NewHandler creates a new wallet handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up wallet routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/wallets", h.CreateWallet)
	r.GET("/wallets/:id", h.GetWallet)
	r.POST("/wallets/:id/deposit", h.Deposit)
	r.POST("/wallets/:id/withdraw", h.Withdraw)
	r.POST("/wallets/:id/emergency-withdraw", h.EmergencyWithdraw)
	r.POST("/wallets/:id/operators", h.AddOperator)
	r.DELETE("/wallets/:id/operators/:address", h.RemoveOperator)
	r.POST("/wallets/:id/whitelist", h.ApproveRecipient)
	r.DELETE("/wallets/:id/whitelist/:address", h.RevokeRecipient)
	r.PUT("/wallets/:id/daily-limit", h.SetDailyLimit)
	r.GET("/owners/:address/wallets", h.ListByOwner)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrWalletNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Wallet not found"})
	case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotAuthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "not_authorized", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
	case errors.Is(err, ErrWalletInactive),
		errors.Is(err, ErrRecipientNotApproved),
		errors.Is(err, ErrDailyLimitExceeded),
		errors.Is(err, ErrInsufficientBalance):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// CreateWallet handles POST /v1/wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req struct {
		Owner            string `json:"owner" binding:"required"`
		Agent            string `json:"agent"`
		DailyLimit       string `json:"dailyLimit" binding:"required"`
		WhitelistEnabled bool   `json:"whitelistEnabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsAddress(req.Owner) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_address", "message": "owner must be a valid address"})
		return
	}
	limit, err := token.Parse(req.DailyLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	w, err := h.service.Create(c.Request.Context(), req.Owner, req.Agent, limit, req.WhitelistEnabled)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w.AsView(w.CreatedAt)})
}

// GetWallet handles GET /v1/wallets/:id
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w.AsView(h.service.now())})
}

type amountRequest struct {
	Caller string `json:"caller"`
	Amount string `json:"amount" binding:"required"`
}

// Deposit handles POST /v1/wallets/:id/deposit
func (h *Handler) Deposit(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	w, err := h.service.Deposit(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w.AsView(h.service.now())})
}

// Withdraw handles POST /v1/wallets/:id/withdraw
func (h *Handler) Withdraw(c *gin.Context) {
	var req amountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}

	w, err := h.service.Withdraw(c.Request.Context(), c.Param("id"), req.Caller, amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w.AsView(h.service.now())})
}

// EmergencyWithdraw handles POST /v1/wallets/:id/emergency-withdraw
func (h *Handler) EmergencyWithdraw(c *gin.Context) {
	var req struct {
		Caller string `json:"caller" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	drained, err := h.service.EmergencyWithdraw(c.Request.Context(), c.Param("id"), req.Caller)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drained": token.Format(drained), "active": false})
}

type addressRequest struct {
	Caller  string `json:"caller" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// AddOperator handles POST /v1/wallets/:id/operators
func (h *Handler) AddOperator(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.AddOperator(c.Request.Context(), c.Param("id"), req.Caller, req.Address); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": req.Address})
}

// RemoveOperator handles DELETE /v1/wallets/:id/operators/:address
func (h *Handler) RemoveOperator(c *gin.Context) {
	caller := c.Query("caller")
	if err := h.service.RemoveOperator(c.Request.Context(), c.Param("id"), caller, c.Param("address")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("address")})
}

// ApproveRecipient handles POST /v1/wallets/:id/whitelist
func (h *Handler) ApproveRecipient(c *gin.Context) {
	var req addressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := h.service.ApproveRecipient(c.Request.Context(), c.Param("id"), req.Caller, req.Address); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": req.Address})
}

// RevokeRecipient handles DELETE /v1/wallets/:id/whitelist/:address
func (h *Handler) RevokeRecipient(c *gin.Context) {
	caller := c.Query("caller")
	if err := h.service.RevokeRecipient(c.Request.Context(), c.Param("id"), caller, c.Param("address")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": c.Param("address")})
}

// SetDailyLimit handles PUT /v1/wallets/:id/daily-limit
func (h *Handler) SetDailyLimit(c *gin.Context) {
	var req struct {
		Caller string `json:"caller" binding:"required"`
		Limit  string `json:"limit" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	limit, err := token.Parse(req.Limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	if err := h.service.SetDailyLimit(c.Request.Context(), c.Param("id"), req.Caller, limit); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dailyLimit": token.Format(limit)})
}

// ListByOwner handles GET /v1/owners/:address/wallets
func (h *Handler) ListByOwner(c *gin.Context) {
	wallets, err := h.service.ListByOwner(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err)
		return
	}
	now := h.service.now()
	views := make([]View, 0, len(wallets))
	for _, w := range wallets {
		views = append(views, w.AsView(now))
	}
	c.JSON(http.StatusOK, gin.H{"wallets": views, "count": len(views)})
}
