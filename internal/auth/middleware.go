package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated API key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	// Every protected handler reads its caller identity from this key.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key for the authenticated role.
	ContextKeyRole = "authRole"
)

// Middleware extracts and validates the API key from the request and, when
// valid, sets the key, user ID and role in the gin context.
//
// When allowHeaderIdentity is true (development without REQUIRE_AUTH), an
// unauthenticated request may instead claim an identity via the X-User-ID
// header. Production config validation guarantees this path is never enabled
// there.
func Middleware(m *Manager, allowHeaderIdentity bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			if key, err := m.ValidateKey(c.Request.Context(), apiKey); err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				c.Set(ContextKeyRole, key.Role)
			}
		} else if allowHeaderIdentity {
			if user := c.GetHeader("X-User-ID"); user != "" {
				c.Set(ContextKeyUserID, user)
				c.Set(ContextKeyRole, RoleUser)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without an authenticated identity.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer sk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests not authenticated with an admin key.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if c.GetString(ContextKeyRole) != RoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires an admin key.",
			})
			return
		}
		c.Next()
	}
}

// GetAPIKey returns the API key from context (if authenticated with one).
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	return key.(*APIKey), true
}

// UserID returns the authenticated user ID, or "" when unauthenticated.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// IsAuthenticated checks if the request carries an authenticated identity.
func IsAuthenticated(c *gin.Context) bool {
	return c.GetString(ContextKeyUserID) != ""
}
