package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/meridian/internal/token"
)

// Handler exposes the facade over HTTP.
type Handler struct {
	facade *Facade
}

// NewHandler creates a new settlement handler.
func NewHandler(facade *Facade) *Handler {
	return &Handler{facade: facade}
}

// RegisterRoutes sets up the settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/fund", h.Fund)
	r.POST("/escrows/:id/delivered", h.MarkDelivered)
	r.POST("/escrows/:id/proof", h.SubmitProof)
	r.POST("/escrows/:id/release", h.Release)
	r.POST("/escrows/:id/cancel", h.Cancel)
	r.POST("/escrows/:id/auto-complete", h.AutoComplete)
	r.POST("/escrows/:id/dispute", h.Dispute)
	r.POST("/escrows/:id/resolve", h.ResolveDispute)
	r.GET("/escrows/:id/status", h.GetStatus)
	r.POST("/agent-wallets", h.CreateWallet)
	r.POST("/agent-wallets/:id/transfer", h.AgentTransfer)
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindStateConflict:
		return http.StatusConflict
	case KindConcurrencyConflict:
		return http.StatusConflict
	case KindExternalFailure:
		return http.StatusBadGateway
	case KindInconsistency:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func respond(c *gin.Context, err error) {
	var se *Error
	if errors.As(err, &se) {
		c.JSON(statusFor(se.Kind), gin.H{
			"error":     string(se.Kind),
			"message":   se.Err.Error(),
			"retryable": se.Retryable(),
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req struct {
		Buyer    string `json:"buyer" binding:"required"`
		Seller   string `json:"seller" binding:"required"`
		Amount   string `json:"amount" binding:"required"`
		Metadata string `json:"metadata"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}

	e, err := h.facade.CreateEscrow(c.Request.Context(), req.Buyer, req.Seller, amount, req.Metadata)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrowId": e.ID, "expiresAt": e.ExpiresAt, "fee": token.Format(e.Fee)})
}

// Fund handles POST /v1/escrows/:id/fund
func (h *Handler) Fund(c *gin.Context) {
	receipt, err := h.facade.Fund(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

type callerRequest struct {
	Caller string `json:"caller" binding:"required"`
}

// MarkDelivered handles POST /v1/escrows/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	if err := h.facade.MarkDelivered(c.Request.Context(), c.Param("id"), req.Caller); err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// SubmitProof handles POST /v1/escrows/:id/proof
func (h *Handler) SubmitProof(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	receipt, err := h.facade.SubmitProof(c.Request.Context(), c.Param("id"), req.Caller)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// Release handles POST /v1/escrows/:id/release
func (h *Handler) Release(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	receipt, err := h.facade.Release(c.Request.Context(), c.Param("id"), req.Caller)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// Cancel handles POST /v1/escrows/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	receipt, err := h.facade.Cancel(c.Request.Context(), c.Param("id"), req.Caller)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// AutoComplete handles POST /v1/escrows/:id/auto-complete. No caller field:
// the operation is deliberately unprivileged.
func (h *Handler) AutoComplete(c *gin.Context) {
	receipt, err := h.facade.AutoComplete(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// Dispute handles POST /v1/escrows/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req struct {
		Caller string `json:"caller" binding:"required"`
		Reason string `json:"reason" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	receipt, err := h.facade.Dispute(c.Request.Context(), c.Param("id"), req.Caller, req.Reason)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// ResolveDispute handles POST /v1/escrows/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	receipt, err := h.facade.ResolveDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// GetStatus handles GET /v1/escrows/:id/status
func (h *Handler) GetStatus(c *gin.Context) {
	v, err := h.facade.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": v})
}

// CreateWallet handles POST /v1/agent-wallets
func (h *Handler) CreateWallet(c *gin.Context) {
	var req struct {
		Owner            string `json:"owner" binding:"required"`
		Agent            string `json:"agent"`
		DailyLimit       string `json:"dailyLimit" binding:"required"`
		WhitelistEnabled bool   `json:"whitelistEnabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	limit, err := token.Parse(req.DailyLimit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}

	w, err := h.facade.CreateWallet(c.Request.Context(), req.Owner, req.Agent, limit, req.WhitelistEnabled)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"wallet": w.AsView(w.CreatedAt)})
}

// AgentTransfer handles POST /v1/agent-wallets/:id/transfer
func (h *Handler) AgentTransfer(c *gin.Context) {
	var req struct {
		Caller string `json:"caller" binding:"required"`
		To     string `json:"to" binding:"required"`
		Amount string `json:"amount" binding:"required"`
		Memo   string `json:"memo"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}
	amount, err := token.Parse(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}

	receipt, err := h.facade.AgentTransfer(c.Request.Context(), c.Param("id"), req.Caller, req.To, amount, req.Memo)
	if err != nil {
		respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}
