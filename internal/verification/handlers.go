package verification

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for verification management.
type Handler struct {
	service *Service
}

// NewHandler creates a new verification handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) verification routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:id/verification", h.GetProfile)
}

// RegisterArbiterRoutes sets up verification management routes. These grant
// and revoke transaction limits, so the router must put them behind the
// admin gate.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.PUT("/sellers/:id/verification", h.SetLevel)
	r.PUT("/sellers/:id/verification/status", h.SetStatus)
}

// GetProfile handles GET /v1/sellers/:id/verification
func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	max, err := h.service.MaxAllowedAmount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verification": profile,
		"maxAmount":    formatLimit(max),
	})
}

// SetLevelRequest is the body for PUT /v1/sellers/:id/verification.
type SetLevelRequest struct {
	Level Level `json:"level" binding:"required"`
}

// SetLevel handles PUT /v1/sellers/:id/verification
func (h *Handler) SetLevel(c *gin.Context) {
	var req SetLevelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "level is required (basic, standard, or premium)",
		})
		return
	}

	profile, err := h.service.SetLevel(c.Request.Context(), c.Param("id"), req.Level)
	if err != nil {
		if errors.Is(err, ErrInvalidLevel) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_level",
				"message": "level must be basic, standard, or premium",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": profile})
}

// SetStatusRequest is the body for PUT /v1/sellers/:id/verification/status.
type SetStatusRequest struct {
	Status Status `json:"status" binding:"required"`
}

// SetStatus handles PUT /v1/sellers/:id/verification/status
func (h *Handler) SetStatus(c *gin.Context) {
	var req SetStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "status is required",
		})
		return
	}

	profile, err := h.service.SetStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidStatus):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_status",
				"message": "unknown verification status",
			})
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "seller has no verification record",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"verification": profile})
}

// formatLimit renders the cap for API responses. Premium is uncapped, which
// JSON cannot represent as +Inf.
func formatLimit(max float64) interface{} {
	if max == Unlimited {
		return nil
	}
	return max
}
