package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/ledger"
	"github.com/mbd888/escrowd/internal/logging"
)

const (
	// ContextKeyIdentity is the key for storing the authenticated Identity
	ContextKeyIdentity = "authIdentity"
	// ContextKeyUserID is the key for storing the authenticated user id
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the bearer token from the request.
// Sets authIdentity and authUserID in context if valid; never rejects.
func Middleware(v *Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header != "" && v != nil {
			id, err := v.Validate(header)
			if err == nil {
				c.Set(ContextKeyIdentity, id)
				c.Set(ContextKeyUserID, id.UserID)
				c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), id.UserID))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a valid bearer token.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetIdentity(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Bearer token required. Include 'Authorization: Bearer <jwt>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole requires auth AND the given role.
func RequireRole(role ledger.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := GetIdentity(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "authentication_required",
				"message": "Bearer token required.",
			})
			return
		}
		if id.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// GetIdentity returns the caller identity from context (if authenticated)
func GetIdentity(c *gin.Context) (*Identity, bool) {
	v, exists := c.Get(ContextKeyIdentity)
	if !exists {
		return nil, false
	}
	id, ok := v.(*Identity)
	return id, ok
}

// UserID returns the authenticated user id, or "".
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}

// Role returns the authenticated role, or "".
func Role(c *gin.Context) ledger.Role {
	if id, ok := GetIdentity(c); ok {
		return id.Role
	}
	return ""
}
