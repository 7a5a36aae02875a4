package webhooks

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nestbid/nestbid/internal/events"
	"github.com/nestbid/nestbid/internal/idgen"
	"github.com/nestbid/nestbid/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
// All routes are owner-scoped: a user only ever sees their own subscriptions.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook CRUD routes. The group must already require
// authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhook-subscriptions", h.CreateWebhook)
	r.GET("/webhook-subscriptions", h.ListWebhooks)
	r.GET("/webhook-subscriptions/:webhookId", h.GetWebhook)
	r.DELETE("/webhook-subscriptions/:webhookId", h.DeleteWebhook)
}

// CreateWebhookRequest registers a new delivery endpoint.
type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// CreateWebhook handles POST /v1/webhook-subscriptions
func (h *Handler) CreateWebhook(c *gin.Context) {
	userID := c.GetString("authUserID")

	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_events",
			"message": "At least one event type is required",
		})
		return
	}
	subscribed := make([]events.Type, len(req.Events))
	for i, e := range req.Events {
		t := events.Type(e)
		if !events.Known(t) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_events",
				"message": "Unknown event type: " + e,
			})
			return
		}
		subscribed[i] = t
	}

	secret := generateSecret()
	sub := &Subscription{
		ID:        idgen.WithPrefix("whs_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Events:    subscribed,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	// The secret is returned exactly once. Only its presence in the delivery
	// signature proves possession afterwards.
	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(body, secret)",
			"header":    "X-Nestbid-Signature",
		},
	})
}

// ListWebhooks handles GET /v1/webhook-subscriptions
func (h *Handler) ListWebhooks(c *gin.Context) {
	userID := c.GetString("authUserID")

	subs, err := h.store.GetByUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}

	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// GetWebhook handles GET /v1/webhook-subscriptions/:webhookId
func (h *Handler) GetWebhook(c *gin.Context) {
	sub, ok := h.ownedSubscription(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhook": sub})
}

// DeleteWebhook handles DELETE /v1/webhook-subscriptions/:webhookId
func (h *Handler) DeleteWebhook(c *gin.Context) {
	sub, ok := h.ownedSubscription(c)
	if !ok {
		return
	}

	if err := h.store.Delete(c.Request.Context(), sub.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "delete_failed",
			"message": "Failed to delete webhook",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "deleted",
		"message": "Webhook deleted",
	})
}

// ownedSubscription loads the :webhookId subscription and verifies the caller
// owns it. Foreign subscriptions 404 rather than 403 so IDs are not probeable.
func (h *Handler) ownedSubscription(c *gin.Context) (*Subscription, bool) {
	sub, err := h.store.Get(c.Request.Context(), c.Param("webhookId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Webhook not found",
			})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "lookup_failed",
				"message": "Failed to load webhook",
			})
		}
		return nil, false
	}
	if sub.UserID != c.GetString("authUserID") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Webhook not found",
		})
		return nil, false
	}
	return sub, true
}

func generateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return "whsec_" + hex.EncodeToString(b)
}
