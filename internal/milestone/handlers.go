package milestone

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/validation"
)

// Handler handles HTTP requests for milestone payments.
type Handler struct {
	engine *Engine
}

// NewHandler creates a new milestone HTTP handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes registers public read routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/milestones/:id", h.GetPayment)
	r.GET("/projects/:id/milestones", h.ListProjectPayments)
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/milestones", h.CreatePayment)
	r.POST("/milestones/:id/fund", h.FundPayment)
	r.POST("/milestones/:id/release", h.ReleasePayment)
	r.POST("/milestones/:id/refund", h.RefundPayment)
	r.POST("/milestones/:id/cancel", h.CancelPayment)
}

// CreateMilestoneRequest is the request body for creating a payment.
type CreateMilestoneRequest struct {
	ProjectID   string `json:"project_id" binding:"required"`
	MilestoneID string `json:"milestone_id" binding:"required"`
	PayerID     string `json:"payer_id" binding:"required"`
	PayeeID     string `json:"payee_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency"`
}

// FundRequest is the request body for funding a payment.
type FundRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// RefundRequest is the request body for refunding a payment.
type RefundRequest struct {
	Reason string `json:"reason"`
}

// CreatePayment handles POST /v1/milestones
func (h *Handler) CreatePayment(c *gin.Context) {
	var req CreateMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("project_id", req.ProjectID, 40),
		validation.MaxLength("milestone_id", req.MilestoneID, 40),
		validation.MaxLength("payer_id", req.PayerID, 80),
		validation.MaxLength("payee_id", req.PayeeID, 80),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	amount, err := money.Parse(req.Amount, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}

	payment, err := h.engine.Create(c.Request.Context(), req.ProjectID, req.MilestoneID,
		req.PayerID, req.PayeeID, amount, req.Currency)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrDuplicateMilestone):
			status = http.StatusConflict
			code = "duplicate_milestone"
		case errors.Is(err, money.ErrInvalidCurrency), errors.Is(err, money.ErrNonPositiveAmount),
			errors.Is(err, money.ErrPrecisionExceeded):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"payment": payment})
}

// FundPayment handles POST /v1/milestones/:id/fund
func (h *Handler) FundPayment(c *gin.Context) {
	id := c.Param("id")

	var req FundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	payment, err := h.engine.Fund(c.Request.Context(), id, req.IdempotencyKey)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAlreadyFunded):
			status = http.StatusConflict
			code = "already_funded"
		case errors.Is(err, ErrInsufficientFunds):
			status = http.StatusPaymentRequired
			code = "insufficient_funds"
		case errors.Is(err, ErrInvalidTransition):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ReleasePayment handles POST /v1/milestones/:id/release
func (h *Handler) ReleasePayment(c *gin.Context) {
	id := c.Param("id")
	authorizedBy := c.GetString("authUserID")

	payment, err := h.engine.Release(c.Request.Context(), id, authorizedBy)
	if err != nil {
		c.JSON(payoutStatus(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// RefundPayment handles POST /v1/milestones/:id/refund
func (h *Handler) RefundPayment(c *gin.Context) {
	id := c.Param("id")

	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid request body",
			})
			return
		}
	}

	payment, err := h.engine.RefundPayment(c.Request.Context(), id, req.Reason)
	if err != nil {
		c.JSON(payoutStatus(err))
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// CancelPayment handles POST /v1/milestones/:id/cancel
func (h *Handler) CancelPayment(c *gin.Context) {
	id := c.Param("id")

	payment, err := h.engine.Cancel(c.Request.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrStaleState):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// GetPayment handles GET /v1/milestones/:id
func (h *Handler) GetPayment(c *gin.Context) {
	payment, err := h.engine.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Milestone payment not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// ListProjectPayments handles GET /v1/projects/:id/milestones
func (h *Handler) ListProjectPayments(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	payments, err := h.engine.ListByProject(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payments": payments,
		"count":    len(payments),
	})
}

// payoutStatus maps release and refund errors onto HTTP responses.
func payoutStatus(err error) (int, any) {
	status := http.StatusInternalServerError
	code := "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status = http.StatusNotFound
		code = "not_found"
	case errors.Is(err, ErrDisputeActive):
		status = http.StatusConflict
		code = "dispute_active"
	case errors.Is(err, ErrNotFunded):
		status = http.StatusConflict
		code = "not_funded"
	case errors.Is(err, ErrInvalidTransition):
		status = http.StatusConflict
		code = "invalid_state"
	case errors.Is(err, ErrStaleState):
		status = http.StatusConflict
		code = "state_changed"
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
		code = "insufficient_funds"
	}
	return status, gin.H{"error": code, "message": err.Error()}
}
