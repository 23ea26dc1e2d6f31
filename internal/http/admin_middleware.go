package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/formrelay/formrelay/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AdminUsernameKey is the gin context key of the authenticated admin.
const AdminUsernameKey = "adminUsername"

// AdminAuthMiddleware validates admin JWTs and injects the admin username.
func AdminAuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == authHeader {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization format"})
			return
		}
		token = strings.TrimSpace(token)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "empty token"})
			return
		}

		claims, errJWT := security.ParseAdminToken(secret, token)
		switch {
		case errJWT == nil:
		case errors.Is(errJWT, security.ErrExpiredToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			return
		case errors.Is(errJWT, security.ErrInvalidToken):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		default:
			log.WithError(errJWT).Error("admin auth middleware error")
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication service error"})
			return
		}

		c.Set(AdminUsernameKey, claims.Username)
		c.Next()
	}
}

// AdminUsername returns the admin set by AdminAuthMiddleware.
func AdminUsername(c *gin.Context) string {
	value, ok := c.Get(AdminUsernameKey)
	if !ok {
		return ""
	}
	username, _ := value.(string)
	return username
}
