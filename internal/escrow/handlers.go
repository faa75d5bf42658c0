package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides read-only HTTP endpoints for escrow queries. Mutations go
// through the settlement facade so chain submission and mirror updates stay
// in one place.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow query handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow query routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/can-cancel", h.CanCancel)
	r.GET("/escrows/:id/can-auto-complete", h.CanAutoComplete)
	r.GET("/parties/:address/escrows", h.ListByParty)
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	v, err := h.service.GetView(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": v})
}

// CanCancel handles GET /v1/escrows/:id/can-cancel
func (h *Handler) CanCancel(c *gin.Context) {
	ok, err := h.service.CanCancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canCancel": ok})
}

// CanAutoComplete handles GET /v1/escrows/:id/can-auto-complete
func (h *Handler) CanAutoComplete(c *gin.Context) {
	ok, err := h.service.CanAutoComplete(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrEscrowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"canAutoComplete": ok})
}

// ListByParty handles GET /v1/parties/:address/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}

	views := make([]View, 0, len(escrows))
	for _, e := range escrows {
		views = append(views, h.service.view(e))
	}
	c.JSON(http.StatusOK, gin.H{"escrows": views, "count": len(views)})
}
