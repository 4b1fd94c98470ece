package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agrimesh/escrowd/internal/arbiters"
	"github.com/agrimesh/escrowd/internal/treasury"
	"github.com/agrimesh/escrowd/internal/validation"
)

// CallerAddressKey is the gin context key holding the authenticated caller
// address, set by the server's identity middleware.
const CallerAddressKey = "callerAddr"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:id", h.GetEscrow)
	r.GET("/escrows/:id/dispute", h.GetDispute)
	r.GET("/parties/:address/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up escrow routes requiring caller identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:id/confirm", h.ConfirmEscrow)
	r.POST("/escrows/:id/claim", h.ClaimEscrow)
	r.POST("/escrows/:id/dispute", h.DisputeEscrow)
	r.POST("/escrows/:id/votes", h.Vote)
}

// DisputeRequest contains the parameters for opening a dispute.
type DisputeRequest struct {
	Evidence string `json:"evidence" binding:"required"`
}

// VoteRequest contains an arbitrator's vote.
type VoteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAddress("seller", req.Seller),
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("batchRef", req.BatchRef, 255),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// The authenticated caller is the buyer
	req.Buyer = c.GetString(CallerAddressKey)

	escrow, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// GetEscrow handles GET /v1/escrows/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// GetDispute handles GET /v1/escrows/:id/dispute
func (h *Handler) GetDispute(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	dispute, err := h.service.GetDispute(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ListEscrows handles GET /v1/parties/:address/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	address := c.Param("address")
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	escrows, err := h.service.ListByParty(c.Request.Context(), address, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// ConfirmEscrow handles POST /v1/escrows/:id/confirm
func (h *Handler) ConfirmEscrow(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	escrow, err := h.service.ConfirmDelivery(c.Request.Context(), id, c.GetString(CallerAddressKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// ClaimEscrow handles POST /v1/escrows/:id/claim
func (h *Handler) ClaimEscrow(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	escrow, err := h.service.ClaimExpiredFunds(c.Request.Context(), id, c.GetString(CallerAddressKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// DisputeEscrow handles POST /v1/escrows/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Evidence is required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("evidence", req.Evidence, validation.MaxEvidenceLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	result, err := h.service.InitiateDispute(c.Request.Context(), id, c.GetString(CallerAddressKey), req.Evidence)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  result.Escrow,
		"dispute": result.Dispute,
	})
}

// Vote handles POST /v1/escrows/:id/votes
func (h *Handler) Vote(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Choice is required",
		})
		return
	}

	result, err := h.service.VoteOnDispute(c.Request.Context(), id, c.GetString(CallerAddressKey), Choice(req.Choice))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  result.Escrow,
		"dispute": result.Dispute,
	})
}

// Resolve handles POST /v1/admin/escrows/:id/resolve (admin-only route)
func (h *Handler) Resolve(c *gin.Context) {
	id, ok := h.escrowID(c)
	if !ok {
		return
	}

	result, err := h.service.ResolveDispute(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrow":  result.Escrow,
		"dispute": result.Dispute,
	})
}

// escrowID parses the :id path parameter, writing the error response itself.
func (h *Handler) escrowID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_id",
			"message": "Escrow id must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// respondError maps service errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDisputeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidState):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrAlreadyVoted):
		status = http.StatusConflict
		code = "already_voted"
	case errors.Is(err, ErrWindowExpired):
		status = http.StatusConflict
		code = "window_expired"
	case errors.Is(err, ErrWindowNotExpired):
		status = http.StatusConflict
		code = "window_not_expired"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_input"
	case errors.Is(err, treasury.ErrInsufficientFunds):
		status = http.StatusBadRequest
		code = "insufficient_funds"
	case errors.Is(err, arbiters.ErrInsufficientPool):
		status = http.StatusConflict
		code = "insufficient_pool"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}
