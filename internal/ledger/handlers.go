package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/meridianpay/meridian/internal/token"
)

// Handler provides HTTP endpoints for ledger queries.
type Handler struct {
	ledger *Ledger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger) *Handler {
	return &Handler{ledger: ledger}
}

// RegisterRoutes sets up ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:address/balance", h.GetBalance)
	r.GET("/accounts/:address/ledger", h.GetHistory)
	r.GET("/custody", h.GetCustody)
	r.POST("/deposits", h.RecordDeposit)
}

// GetBalance handles GET /v1/accounts/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	addr := c.Param("address")

	account, err := h.ledger.GetAccount(c.Request.Context(), addr)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No ledger account for this address",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account.AsView()})
}

// GetHistory handles GET /v1/accounts/:address/ledger
func (h *Handler) GetHistory(c *gin.Context) {
	addr := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.History(c.Request.Context(), addr, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// RecordDeposit handles POST /v1/deposits. In production this is called by
// a deposit indexer; in demo mode it seeds balances directly.
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req struct {
		Address   string `json:"address" binding:"required"`
		Amount    string `json:"amount" binding:"required"`
		Reference string `json:"reference"`
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

	if err := h.ledger.Deposit(c.Request.Context(), req.Address, amount, req.Reference); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation", "message": err.Error()})
		return
	}

	account, err := h.ledger.GetAccount(c.Request.Context(), req.Address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": account.AsView()})
}

// GetCustody handles GET /v1/custody — the pooled custody balance.
func (h *Handler) GetCustody(c *gin.Context) {
	total, err := h.ledger.CustodyTotal(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"custody": token.Format(total)})
}
