package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/nestbid/nestbid/internal/money"
	"github.com/nestbid/nestbid/internal/pagination"
)

// Handler provides HTTP endpoints for escrow accounts and ledger history.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes sets up read routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/accounts/:id", h.GetAccount)
	r.GET("/accounts/:id/history", h.GetHistory)
	r.GET("/owners/:ownerId/accounts", h.GetOwnerAccount)
}

// RegisterAdminRoutes sets up operator-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/accounts", h.ListAccounts)
	r.POST("/admin/accounts", h.CreateAccount)
	r.POST("/admin/accounts/:id/verify", h.VerifyAccount)
	r.POST("/admin/accounts/:id/adjust", h.Adjust)
	r.POST("/admin/accounts/:id/reconcile", h.Reconcile)
	r.GET("/admin/accounts/:id/audit", h.QueryAudit)
	r.GET("/admin/accounts/:id/alerts", h.ListAlerts)
	r.POST("/admin/accounts/:id/alerts", h.CreateAlertConfig)
	r.DELETE("/admin/accounts/:id/alerts/:configId", h.DisableAlertConfig)
}

// GetAccount handles GET /accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No such escrow account"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to retrieve account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetOwnerAccount handles GET /owners/:ownerId/accounts?currency=USD
func (h *Handler) GetOwnerAccount(c *gin.Context) {
	currency, err := money.NormalizeCurrency(c.Query("currency"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_currency", "message": err.Error()})
		return
	}
	acct, err := h.service.store.GetAccountByOwner(c.Request.Context(), c.Param("ownerId"), currency)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No account for this owner and currency"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to retrieve account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// GetHistory handles GET /accounts/:id/history?limit=&cursor=
func (h *Handler) GetHistory(c *gin.Context) {
	limit := 50
	if limitStr := c.Query("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	before := time.Time{}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Malformed pagination cursor"})
		return
	}
	if cursor != nil {
		before = cursor.CreatedAt
	}

	entries, err := h.service.History(c.Request.Context(), c.Param("id"), limit+1, before)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger_error", "message": "Failed to retrieve ledger history"})
		return
	}

	page, next, hasMore := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"entries":     page,
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// ListAccounts handles GET /admin/accounts?status=frozen
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.service.ListAccounts(c.Request.Context(), c.Query("status"), 200)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account_error", "message": "Failed to list accounts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// CreateAccountRequest provisions an escrow account for an owner, usually
// ahead of the owner's first adjustment.
type CreateAccountRequest struct {
	OwnerID   string `json:"owner_id" binding:"required"`
	OwnerType string `json:"owner_type" binding:"required"`
	Currency  string `json:"currency"`
}

// CreateAccount handles POST /admin/accounts. Creating an account that
// already exists returns the existing one.
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	switch req.OwnerType {
	case OwnerHomeowner, OwnerContractor, OwnerPlatform:
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_owner_type",
			"message": "Owner type must be homeowner, contractor or platform",
		})
		return
	}

	acct, err := h.service.EnsureAccount(c.Request.Context(), req.OwnerID, req.OwnerType, req.Currency)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// VerifyAccount handles POST /admin/accounts/:id/verify
func (h *Handler) VerifyAccount(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No such escrow account"})
			return
		}
		if errors.Is(err, ErrInvariantViolation) {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "invariant_violation",
				"message": "Balance does not match the entry log; account frozen pending reconciliation",
				"result":  result,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verify_error", "message": "Verification failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// AdjustRequest for manual ledger adjustments.
type AdjustRequest struct {
	Amount         string `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key" binding:"required"`
	AuthorizedBy   string `json:"authorized_by" binding:"required"`
	Reason         string `json:"reason" binding:"required"`
}

// Adjust handles POST /admin/accounts/:id/adjust
func (h *Handler) Adjust(c *gin.Context) {
	var req AdjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	// Adjustments are signed; parse without the positive-only rule.
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a decimal number"})
		return
	}

	requestedBy := c.GetString("authUserID")
	if requestedBy == "" {
		requestedBy = "operator"
	}

	entry, err := h.service.Adjust(c.Request.Context(), c.Param("id"), amount, req.IdempotencyKey, requestedBy, req.AuthorizedBy, req.Reason)
	if err != nil {
		status := http.StatusInternalServerError
		errCode := "adjustment_error"
		switch {
		case errors.Is(err, ErrAccountNotFound):
			status, errCode = http.StatusNotFound, "account_not_found"
		case errors.Is(err, ErrMissingAuthorization):
			status, errCode = http.StatusBadRequest, "missing_authorization"
		case errors.Is(err, ErrInsufficientFunds):
			status, errCode = http.StatusBadRequest, "insufficient_funds"
		case errors.Is(err, ErrIdempotencyMismatch):
			status, errCode = http.StatusConflict, "idempotency_mismatch"
		case errors.Is(err, ErrAccountFrozen):
			status, errCode = http.StatusConflict, "account_frozen"
		case errors.Is(err, ErrInvalidAmount):
			status, errCode = http.StatusBadRequest, "invalid_amount"
		}
		c.JSON(status, gin.H{"error": errCode, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// ReconcileRequest authorizes rebuilding a frozen account's snapshot.
type ReconcileRequest struct {
	AuthorizedBy string `json:"authorized_by" binding:"required"`
}

// Reconcile handles POST /admin/accounts/:id/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	requestedBy := c.GetString("authUserID")
	if requestedBy == "" {
		requestedBy = "operator"
	}

	result, err := h.service.Reconcile(c.Request.Context(), c.Param("id"), requestedBy, req.AuthorizedBy)
	if err != nil {
		switch {
		case errors.Is(err, ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account_not_found", "message": "No such escrow account"})
		case errors.Is(err, ErrMissingAuthorization):
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_authorization", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "reconcile_error", "message": "Reconciliation failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// QueryAudit handles GET /admin/accounts/:id/audit?from=&to=&operation=&limit=
func (h *Handler) QueryAudit(c *gin.Context) {
	if h.service.audit == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "audit_disabled", "message": "Audit logging is not configured"})
		return
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from must be RFC3339"})
			return
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "to must be RFC3339"})
			return
		}
		to = t
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	records, err := h.service.audit.QueryAudit(c.Request.Context(), c.Param("id"), from, to, c.Query("operation"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "audit_error", "message": "Failed to query audit log"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// AlertConfigRequest creates a balance alert rule.
type AlertConfigRequest struct {
	AlertType  string `json:"alert_type" binding:"required"`
	Threshold  string `json:"threshold" binding:"required"`
	WebhookURL string `json:"webhook_url"`
}

// CreateAlertConfig handles POST /admin/accounts/:id/alerts
func (h *Handler) CreateAlertConfig(c *gin.Context) {
	if h.service.alerts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "alerts_disabled", "message": "Alerting is not configured"})
		return
	}

	var req AlertConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if req.AlertType != AlertLowBalance && req.AlertType != AlertLargeAdjustment {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Unknown alert type"})
		return
	}
	if _, err := decimal.NewFromString(req.Threshold); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Threshold must be a decimal number"})
		return
	}

	config := &AlertConfig{
		AccountID:  c.Param("id"),
		AlertType:  req.AlertType,
		Threshold:  req.Threshold,
		WebhookURL: req.WebhookURL,
		Enabled:    true,
		CreatedAt:  time.Now(),
	}
	if err := h.service.alerts.store.CreateConfig(c.Request.Context(), config); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert_error", "message": "Failed to create alert config"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": config})
}

// ListAlerts handles GET /admin/accounts/:id/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	if h.service.alerts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "alerts_disabled", "message": "Alerting is not configured"})
		return
	}

	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	alerts, err := h.service.alerts.store.GetAlerts(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert_error", "message": "Failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// DisableAlertConfig handles DELETE /admin/accounts/:id/alerts/:configId
func (h *Handler) DisableAlertConfig(c *gin.Context) {
	if h.service.alerts == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "alerts_disabled", "message": "Alerting is not configured"})
		return
	}
	if err := h.service.alerts.store.DisableConfig(c.Request.Context(), c.Param("configId")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "alert_error", "message": "Failed to disable alert config"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"disabled": true})
}
