package treasury

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agrimesh/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for treasury operations
type Handler struct {
	treasury *Treasury
	logger   *slog.Logger
}

// NewHandler creates a new treasury handler
func NewHandler(treasury *Treasury, logger *slog.Logger) *Handler {
	return &Handler{treasury: treasury, logger: logger}
}

// RegisterRoutes sets up public treasury routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/parties/:address/balance", h.GetBalance)
	r.GET("/parties/:address/history", h.GetHistory)
}

// RegisterAdminRoutes sets up admin-only treasury routes. In production
// deposits arrive from the payment processor's callback, not from parties.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/treasury/deposits", h.RecordDeposit)
}

// GetBalance handles GET /parties/:address/balance
func (h *Handler) GetBalance(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	balance, err := h.treasury.Balance(c.Request.Context(), address)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "balance_error",
			"message": "Failed to retrieve balance",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance": balance,
	})
}

// GetHistory handles GET /parties/:address/history
func (h *Handler) GetHistory(c *gin.Context) {
	address := validation.SanitizeAddress(c.Param("address"))

	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	entries, err := h.treasury.History(c.Request.Context(), address, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "history_error",
			"message": "Failed to retrieve treasury history",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
	})
}

// DepositRequest for deposit recording
type DepositRequest struct {
	Party     string `json:"party" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Reference string `json:"reference" binding:"required"`
}

// RecordDeposit handles POST /treasury/deposits
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidAddress(req.Party) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "party must be a valid party address (0x + 40 hex chars)",
		})
		return
	}

	err := h.treasury.Deposit(c.Request.Context(), validation.SanitizeAddress(req.Party), req.Amount, req.Reference)
	if err != nil {
		switch err {
		case ErrDuplicateReference:
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit already processed",
			})
		case ErrInvalidAmount:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a positive decimal number",
			})
		default:
			h.logger.Error("deposit failed", "party", req.Party, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "deposit_error",
				"message": "Failed to record deposit",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"status":  "credited",
		"message": "Deposit credited to party balance",
	})
}
