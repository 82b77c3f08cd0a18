package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/safedeal/core/internal/validation"
)

const (
	maxDisputeReasonLen      = 500
	maxDisputeDescriptionLen = 5000
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	stats   StatsQuerier
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, stats StatsQuerier) *Handler {
	return &Handler{service: service, stats: stats}
}

// RegisterRoutes sets up public (read-only) escrow routes plus the carrier
// webhook, which authenticates at the gateway rather than per user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/dispute", h.GetTransactionDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/parties/:id/transactions", validation.PartyParamMiddleware(), h.ListTransactions)
	r.GET("/stats", h.GetStats)
	r.POST("/webhooks/carrier/:id/delivered", h.CarrierDelivered)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.POST("/transactions/:id/fund", h.FundTransaction)
	r.POST("/transactions/:id/ship", h.ShipTransaction)
	r.POST("/transactions/:id/deliver", h.ConfirmDelivery)
	r.POST("/transactions/:id/dispute", h.OpenDispute)
}

// RegisterArbiterRoutes sets up dispute arbitration routes. Resolution moves
// real money between the parties, so the router must put these behind the
// admin gate rather than plain caller identity.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/investigate", h.StartInvestigation)
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
	r.POST("/disputes/:id/close", h.CloseDispute)
}

// respondError maps service errors onto HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDisputeNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "unauthorized"
	case errors.Is(err, ErrInvalidInput):
		status = http.StatusBadRequest
		code = "invalid_request"
	case errors.Is(err, ErrStateConflict), errors.Is(err, ErrConflict):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrLimitExceeded):
		status = http.StatusUnprocessableEntity
		code = "limit_exceeded"
	case errors.Is(err, ErrProcessorFailure):
		status = http.StatusBadGateway
		code = "processor_failure"
	}
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidPartyID("buyerId", req.BuyerID),
		validation.ValidPartyID("sellerId", req.SellerID),
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	// Only the buyer may open a transaction on their own behalf.
	callerID := c.GetString("authUserID")
	if callerID != req.BuyerID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Authenticated user must be the buyer",
		})
		return
	}

	txn, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListTransactions handles GET /v1/parties/:id/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	partyID := c.Param("id")
	role := Party(c.DefaultQuery("role", string(PartyBuyer)))

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	txns, err := h.service.ListByParty(c.Request.Context(), partyID, role, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txns,
		"count":        len(txns),
	})
}

// FundRequest is the body for POST /v1/transactions/:id/fund.
type FundRequest struct {
	PaymentMethod PaymentMethod `json:"paymentMethod" binding:"required"`
}

// FundTransaction handles POST /v1/transactions/:id/fund
func (h *Handler) FundTransaction(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	var req FundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentMethod is required (card or bank)",
		})
		return
	}

	txn, err := h.service.Fund(c.Request.Context(), id, callerID, req.PaymentMethod)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ShipTransaction handles POST /v1/transactions/:id/ship
func (h *Handler) ShipTransaction(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	var req TrackingInfo
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "carrier and trackingNumber are required",
		})
		return
	}

	txn, err := h.service.Ship(c.Request.Context(), id, callerID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ConfirmDelivery handles POST /v1/transactions/:id/deliver
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	txn, err := h.service.ConfirmDelivery(c.Request.Context(), id, callerID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CarrierDelivered handles POST /v1/webhooks/carrier/:id/delivered
func (h *Handler) CarrierDelivered(c *gin.Context) {
	txn, err := h.service.ConfirmDeliveryFromCarrier(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// DisputeRequest is the body for POST /v1/transactions/:id/dispute.
type DisputeRequest struct {
	InitiatedBy Party          `json:"initiatedBy" binding:"required"`
	Reason      string         `json:"reason" binding:"required"`
	Description string         `json:"description,omitempty"`
	Evidence    []EvidenceItem `json:"evidence,omitempty"`
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	id := c.Param("id")
	callerID := c.GetString("authUserID")

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "initiatedBy and reason are required",
		})
		return
	}

	req.Reason = validation.SanitizeString(req.Reason, maxDisputeReasonLen)
	req.Description = validation.SanitizeString(req.Description, maxDisputeDescriptionLen)
	if errs := validation.Validate(
		validation.Required("reason", req.Reason),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dispute, err := h.service.OpenDispute(c.Request.Context(), id, req.InitiatedBy, callerID, req.Reason, req.Description, req.Evidence)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.GetDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetTransactionDispute handles GET /v1/transactions/:id/dispute
func (h *Handler) GetTransactionDispute(c *gin.Context) {
	dispute, err := h.service.GetDisputeByTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// StartInvestigation handles POST /v1/disputes/:id/investigate
func (h *Handler) StartInvestigation(c *gin.Context) {
	dispute, err := h.service.StartInvestigation(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveRequest is the body for POST /v1/disputes/:id/resolve.
type ResolveRequest struct {
	Winner       Party   `json:"winner" binding:"required"`
	RefundAmount float64 `json:"refundAmount"`
	Reason       string  `json:"reason" binding:"required"`
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	id := c.Param("id")

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "winner and reason are required",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("reason", req.Reason, maxDisputeReasonLen),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	txn, err := h.service.ResolveDispute(c.Request.Context(), id, req.Winner, req.RefundAmount, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// CloseDispute handles POST /v1/disputes/:id/close
func (h *Handler) CloseDispute(c *gin.Context) {
	dispute, err := h.service.CloseDispute(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := ComputeStats(c.Request.Context(), h.stats)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
