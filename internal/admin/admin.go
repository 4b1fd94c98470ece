// Package admin provides operator-only endpoints: arbitration settings,
// forced dispute resolution, and arbiter management.
package admin

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agrimesh/escrowd/internal/escrow"
)

// RequireSecret checks the X-Admin-Secret header against the configured
// secret. In demo mode (empty secret, devMode true) all requests pass so a
// local operator can poke the admin API without setup.
func RequireSecret(secret string, devMode bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			if devMode {
				c.Next()
				return
			}
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "admin_disabled",
				"message": "Admin API requires ADMIN_SECRET to be configured",
			})
			return
		}

		provided := c.GetHeader("X-Admin-Secret")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret",
			})
			return
		}

		c.Next()
	}
}

// SettingsService abstracts the tunable arbitration settings.
type SettingsService interface {
	Settings() escrow.Settings
	UpdateSettings(escrow.Settings) error
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	settings SettingsService
}

// NewHandler creates a new admin handler.
func NewHandler(settings SettingsService) *Handler {
	return &Handler{settings: settings}
}

// RegisterRoutes sets up admin routes. The caller is expected to guard the
// group with RequireSecret.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/settings", h.GetSettings)
	r.PUT("/admin/settings", h.UpdateSettings)
}

// GetSettings handles GET /v1/admin/settings
func (h *Handler) GetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Settings()})
}

// UpdateSettings handles PUT /v1/admin/settings
func (h *Handler) UpdateSettings(c *gin.Context) {
	var req escrow.Settings
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := h.settings.UpdateSettings(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_settings",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"settings": h.settings.Settings()})
}
