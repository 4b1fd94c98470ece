package arbiters

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agrimesh/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for the arbiter pool
type Handler struct {
	registry *Registry
	logger   *slog.Logger
}

// NewHandler creates a new arbiters handler
func NewHandler(registry *Registry, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

// RegisterRoutes sets up public arbiter routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/arbiters", h.List)
	r.GET("/arbiters/:address", h.Get)
}

// RegisterAdminRoutes sets up admin-only arbiter routes
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/arbiters", h.Register)
	r.PATCH("/arbiters/:address", h.SetActive)
}

// List handles GET /arbiters
func (h *Handler) List(c *gin.Context) {
	arbiters, err := h.registry.ListActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "arbiters_error",
			"message": "Failed to list arbiters",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"arbiters": arbiters,
		"count":    len(arbiters),
	})
}

// Get handles GET /arbiters/:address
func (h *Handler) Get(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	a, err := h.registry.Get(c.Request.Context(), address)
	if err != nil {
		if err == ErrArbiterNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "arbiter_not_found",
				"message": "No arbiter registered at this address",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "arbiters_error",
			"message": "Failed to load arbiter",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"arbiter": a})
}

// RegisterRequest for arbiter registration
type RegisterRequest struct {
	Address string `json:"address" binding:"required"`
	Name    string `json:"name"`
}

// Register handles POST /admin/arbiters
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address must be a valid party address (0x + 40 hex chars)",
		})
		return
	}

	a, err := h.registry.Register(c.Request.Context(), validation.SanitizeAddress(req.Address), req.Name)
	if err != nil {
		if err == ErrAlreadyRegistered {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": "Arbiter already registered",
			})
			return
		}
		h.logger.Error("arbiter registration failed", "address", req.Address, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "arbiters_error",
			"message": "Failed to register arbiter",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"arbiter": a})
}

// SetActiveRequest toggles an arbiter's active flag
type SetActiveRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// SetActive handles PATCH /admin/arbiters/:address
func (h *Handler) SetActive(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	var req SetActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.registry.SetActive(c.Request.Context(), address, *req.Active); err != nil {
		if err == ErrArbiterNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "arbiter_not_found",
				"message": "No arbiter registered at this address",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "arbiters_error",
			"message": "Failed to update arbiter",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "updated",
		"active": *req.Active,
	})
}
