package bids

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/processor"
	"github.com/nestbid/nestbid/internal/validation"
)

// Handler handles HTTP requests for the bid-acceptance lifecycle.
type Handler struct {
	service *Service
}

// NewHandler creates a new bid HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers public read routes on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/acceptances/:id", h.GetAcceptance)
	r.GET("/bid-cards/:id/acceptance", h.GetCardAcceptance)
	r.GET("/bid-cards/:id/bids", h.ListCardBids)
}

// RegisterProtectedRoutes registers routes that require authentication.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/bids", h.SubmitBid)
	r.POST("/bids/:id/withdraw", h.WithdrawBid)
	r.POST("/acceptances", h.AcceptBid)
	r.POST("/acceptances/:id/pay", h.PayConnectionFee)
	r.POST("/acceptances/:id/cancel", h.CancelAcceptance)
}

// RegisterAdminRoutes registers operator-only routes. The group must run
// behind admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/acceptances/expiring", h.ListExpiringAcceptances)
}

// SubmitBidRequest is the request body for submitting a bid.
type SubmitBidRequest struct {
	BidCardID string `json:"bid_card_id" binding:"required"`
	Amount    string `json:"amount" binding:"required"`
	Currency  string `json:"currency"`
}

// AcceptRequest is the request body for accepting a bid.
type AcceptRequest struct {
	BidID string `json:"bid_id" binding:"required"`
}

// PayRequest is the request body for paying the connection fee.
type PayRequest struct {
	PayerRef       string `json:"payer_ref" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
}

// SubmitBid handles POST /v1/bids
func (h *Handler) SubmitBid(c *gin.Context) {
	var req SubmitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
		validation.MaxLength("bid_card_id", req.BidCardID, 40),
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

	contractorID := c.GetString("authUserID")
	bid, err := h.service.SubmitBid(c.Request.Context(), req.BidCardID, contractorID, amount, req.Currency)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrCardAtCapacity):
			status = http.StatusConflict
			code = "card_at_capacity"
		case errors.Is(err, money.ErrInvalidCurrency), errors.Is(err, money.ErrNonPositiveAmount),
			errors.Is(err, money.ErrPrecisionExceeded):
			status = http.StatusBadRequest
			code = "invalid_amount"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"bid": bid})
}

// WithdrawBid handles POST /v1/bids/:id/withdraw
func (h *Handler) WithdrawBid(c *gin.Context) {
	id := c.Param("id")
	contractorID := c.GetString("authUserID")

	bid, err := h.service.WithdrawBid(c.Request.Context(), id, contractorID)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrBidNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotBidOwner):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrBidNotActive), errors.Is(err, ErrNotPendingPayment):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bid": bid})
}

// AcceptBid handles POST /v1/acceptances
func (h *Handler) AcceptBid(c *gin.Context) {
	var req AcceptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	acceptedBy := c.GetString("authUserID")
	acceptance, err := h.service.Accept(c.Request.Context(), req.BidID, acceptedBy)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrBidNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrAcceptanceConflict):
			status = http.StatusConflict
			code = "acceptance_conflict"
		case errors.Is(err, ErrBidAlreadyAccepted), errors.Is(err, ErrBidNotActive):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrCardAtCapacity):
			status = http.StatusConflict
			code = "card_at_capacity"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"acceptance": acceptance})
}

// PayConnectionFee handles POST /v1/acceptances/:id/pay
func (h *Handler) PayConnectionFee(c *gin.Context) {
	id := c.Param("id")

	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("payer_ref", req.PayerRef, 120),
		validation.MaxLength("idempotency_key", req.IdempotencyKey, 120),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	payment, err := h.service.Pay(c.Request.Context(), id, req.PayerRef, req.IdempotencyKey)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAcceptanceNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrWindowExpired):
			status = http.StatusGone
			code = "window_expired"
		case errors.Is(err, ErrAlreadyPaid):
			status = http.StatusConflict
			code = "already_paid"
		case errors.Is(err, ErrPaymentInFlight):
			status = http.StatusConflict
			code = "payment_in_flight"
		case errors.Is(err, ErrStaleState):
			status = http.StatusConflict
			code = "state_changed"
		case errors.Is(err, ErrNotPendingPayment):
			status = http.StatusConflict
			code = "invalid_state"
		case errors.Is(err, ErrIdempotencyRequired):
			status = http.StatusBadRequest
			code = "invalid_request"
		case errors.Is(err, processor.ErrDeclined):
			status = http.StatusPaymentRequired
			code = "payment_declined"
		case errors.Is(err, processor.ErrUnavailable):
			status = http.StatusBadGateway
			code = "processor_unavailable"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"payment": payment})
}

// CancelAcceptance handles POST /v1/acceptances/:id/cancel
func (h *Handler) CancelAcceptance(c *gin.Context) {
	id := c.Param("id")
	cancelledBy := c.GetString("authUserID")

	acceptance, err := h.service.Cancel(c.Request.Context(), id, cancelledBy)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		switch {
		case errors.Is(err, ErrAcceptanceNotFound):
			status = http.StatusNotFound
			code = "not_found"
		case errors.Is(err, ErrNotAuthorized):
			status = http.StatusForbidden
			code = "unauthorized"
		case errors.Is(err, ErrNotPendingPayment):
			status = http.StatusConflict
			code = "invalid_state"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"acceptance": acceptance})
}

// GetAcceptance handles GET /v1/acceptances/:id
func (h *Handler) GetAcceptance(c *gin.Context) {
	id := c.Param("id")

	detail, err := h.service.Detail(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAcceptanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Acceptance not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, detail)
}

// GetCardAcceptance handles GET /v1/bid-cards/:id/acceptance
func (h *Handler) GetCardAcceptance(c *gin.Context) {
	cardID := c.Param("id")

	acceptance, err := h.service.OpenForCard(c.Request.Context(), cardID)
	if err != nil {
		if errors.Is(err, ErrAcceptanceNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No open acceptance for this bid card",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"acceptance": acceptance})
}

// ListCardBids handles GET /v1/bid-cards/:id/bids
func (h *Handler) ListCardBids(c *gin.Context) {
	cardID := c.Param("id")

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	bids, err := h.service.ListBids(c.Request.Context(), cardID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

// ListExpiringAcceptances handles GET /admin/acceptances/expiring
func (h *Handler) ListExpiringAcceptances(c *gin.Context) {
	within := time.Hour
	if w := c.Query("within"); w != "" {
		parsed, err := time.ParseDuration(w)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "within must be a positive duration such as 30m or 2h",
			})
			return
		}
		within = parsed
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	acceptances, err := h.service.ListExpiring(c.Request.Context(), within, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"acceptances": acceptances, "count": len(acceptances)})
}
