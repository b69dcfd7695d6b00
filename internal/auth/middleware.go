package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agentcover/internal/logging"
)

const (
	// ContextKeyClaims holds the verified *Claims.
	ContextKeyClaims = "authClaims"
	// ContextKeyAgentAddr holds the authenticated agent address.
	ContextKeyAgentAddr = "authAgentAddr"
)

// Middleware verifies a bearer token if present and records the caller.
// Requests without a valid token pass through unauthenticated.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if header := c.GetHeader("Authorization"); header != "" {
			if claims, err := m.Verify(header); err == nil {
				c.Set(ContextKeyClaims, claims)
				c.Set(ContextKeyAgentAddr, claims.Agent())
				c.Request = c.Request.WithContext(logging.WithAgent(c.Request.Context(), claims.Agent()))
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests Middleware did not authenticate.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAuthenticated(c) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Bearer token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// GetClaims returns the verified claims, if any.
func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(ContextKeyClaims)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// GetAuthenticatedAgent returns the caller's address or "".
func GetAuthenticatedAgent(c *gin.Context) string {
	return c.GetString(ContextKeyAgentAddr)
}

// IsAuthenticated reports whether the request carried a valid token.
func IsAuthenticated(c *gin.Context) bool {
	_, ok := GetClaims(c)
	return ok
}
