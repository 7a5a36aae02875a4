package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for API-key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterProtectedRoutes mounts self-service key management. The group must
// run behind RequireAuth.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
	r.GET("/auth/keys", h.ListKeys)
	r.POST("/auth/keys", h.CreateKey)
	r.DELETE("/auth/keys/:keyId", h.RevokeKey)
}

// RegisterAdminRoutes mounts admin key issuance. The group must run behind
// RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/auth/issue", h.IssueKey)
}

// Me returns the authenticated identity.
func (h *Handler) Me(c *gin.Context) {
	resp := gin.H{
		"user_id": UserID(c),
	}
	if key, ok := GetAPIKey(c); ok {
		resp["key_id"] = key.ID
		resp["key_name"] = key.Name
		resp["role"] = key.Role
		resp["created_at"] = key.CreatedAt
	} else {
		resp["role"] = c.GetString(ContextKeyRole)
	}
	c.JSON(http.StatusOK, resp)
}

// ListKeys returns API keys for the authenticated user.
func (h *Handler) ListKeys(c *gin.Context) {
	keys, err := h.manager.ListKeys(c.Request.Context(), UserID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list keys",
		})
		return
	}

	// Hashes never leave the store; APIKey's json tags already hide them.
	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues an additional key for the authenticated user. The new key
// inherits the user role; admin keys are only minted through the admin issue
// endpoint.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.Issue(c.Request.Context(), UserID(c), RoleUser, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key_id":  newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the authenticated user's keys.
func (h *Handler) RevokeKey(c *gin.Context) {
	keyID := c.Param("keyId")

	// Prevent revoking current key
	if key, ok := GetAPIKey(c); ok && keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, UserID(c)); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"key_id":  keyID,
	})
}

// IssueKeyRequest is the admin request body for issuing a key to any user.
type IssueKeyRequest struct {
	UserID string `json:"user_id" binding:"required"`
	Role   string `json:"role"`
	Name   string `json:"name"`
}

// IssueKey mints a key for an arbitrary user, optionally with the admin role.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.Role == "" {
		req.Role = RoleUser
	}
	if req.Name == "" {
		req.Name = "Issued key"
	}

	rawKey, newKey, err := h.manager.Issue(c.Request.Context(), req.UserID, req.Role, req.Name)
	if err != nil {
		status := http.StatusInternalServerError
		code := "internal_error"
		if err == ErrInvalidRole {
			status, code = http.StatusBadRequest, "invalid_role"
		}
		c.JSON(status, gin.H{"error": code, "message": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key_id":  newKey.ID,
		"user_id": newKey.UserID,
		"role":    newKey.Role,
		"warning": "Store this key securely. It will not be shown again.",
	})
}
