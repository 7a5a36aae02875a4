package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/milestone"
	"github.com/nestbid/nestbid/internal/validation"
)

// Handler handles HTTP requests for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers public read routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/disputes/:id", h.GetDispute)
	r.GET("/milestones/:id/dispute", h.GetPaymentDispute)
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.OpenDispute)
	r.POST("/disputes/:id/review", h.ReviewDispute)
	r.POST("/disputes/:id/cancel", h.CancelDispute)
}

// RegisterAdminRoutes registers resolution, which settles other people's
// money and stays admin-only.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.ResolveDispute)
}

// OpenDisputeRequest is the request body for opening a dispute.
type OpenDisputeRequest struct {
	MilestonePaymentID string `json:"milestone_payment_id" binding:"required"`
	Reason             string `json:"reason" binding:"required"`
}

// ResolveDisputeRequest is the request body for resolving a dispute. Amount
// is required for the partial outcome and ignored otherwise.
type ResolveDisputeRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Amount  string `json:"amount"`
	Notes   string `json:"notes"`
}

// OpenDispute handles POST /v1/disputes
func (h *Handler) OpenDispute(c *gin.Context) {
	var req OpenDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("milestone_payment_id", req.MilestonePaymentID),
		validation.MaxLength("reason", req.Reason, 2000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	dispute, err := h.service.Open(c.Request.Context(), req.MilestonePaymentID,
		c.GetString("authUserID"), req.Reason)
	if err != nil {
		c.JSON(disputeStatus(err))
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// ReviewDispute handles POST /v1/disputes/:id/review
func (h *Handler) ReviewDispute(c *gin.Context) {
	dispute, err := h.service.Review(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"))
	if err != nil {
		c.JSON(disputeStatus(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// ResolveDispute handles POST /v1/disputes/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		amt, err := decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_amount",
				"message": "Amount must be a decimal number",
			})
			return
		}
		amount = amt
	}

	dispute, err := h.service.Resolve(c.Request.Context(), c.Param("id"),
		Outcome(req.Outcome), amount, c.GetString("authUserID"), req.Notes)
	if err != nil {
		c.JSON(disputeStatus(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// CancelDispute handles POST /v1/disputes/:id/cancel
func (h *Handler) CancelDispute(c *gin.Context) {
	dispute, err := h.service.Cancel(c.Request.Context(), c.Param("id"),
		c.GetString("authUserID"))
	if err != nil {
		c.JSON(disputeStatus(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// GetPaymentDispute handles GET /v1/milestones/:id/dispute
func (h *Handler) GetPaymentDispute(c *gin.Context) {
	dispute, err := h.service.GetByPayment(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No dispute for this payment",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// disputeStatus maps dispute and underlying payment errors onto HTTP
// responses.
func disputeStatus(err error) (int, any) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, milestone.ErrNotFound):
		status = http.StatusNotFound
		code = "payment_not_found"
	case errors.Is(err, ErrAlreadyResolved):
		status = http.StatusConflict
		code = "already_settled"
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
		code = "forbidden"
	case errors.Is(err, ErrInvalidOutcome):
		status = http.StatusBadRequest
		code = "invalid_outcome"
	case errors.Is(err, ErrInvalidAmount):
		status = http.StatusBadRequest
		code = "invalid_amount"
	case errors.Is(err, milestone.ErrNotFunded):
		status = http.StatusConflict
		code = "not_funded"
	case errors.Is(err, milestone.ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, milestone.ErrStaleState):
		status = http.StatusConflict
		code = "state_changed"
	case errors.Is(err, milestone.ErrDisputeActive):
		status = http.StatusConflict
		code = "dispute_active"
	case errors.Is(err, milestone.ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	}
	return status, gin.H{"error": code, "message": err.Error()}
}
