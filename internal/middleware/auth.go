package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/studyhub/internal/auth"
)

// ContextKeyUserID is where the authenticated user id lives in gin.Context.
const ContextKeyUserID = "user_id"

// TokenFrom extracts the bearer token from the Authorization header, or
// from the token query parameter for websocket handshakes where browsers
// cannot set headers.
func TokenFrom(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return c.Query("token")
}

// AuthMiddleware rejects requests without a valid token with 401 and
// stores the user id for the handlers.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing bearer token",
			})
			return
		}

		userID, err := auth.ParseToken(token, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}

// GetUserID returns the authenticated user, or uuid.Nil outside the
// middleware.
func GetUserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
