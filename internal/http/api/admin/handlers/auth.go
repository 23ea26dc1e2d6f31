package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/formrelay/formrelay/internal/config"
	"github.com/formrelay/formrelay/internal/security"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AuthHandler handles admin authentication endpoints.
type AuthHandler struct {
	authCfg config.AuthConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(authCfg config.AuthConfig) *AuthHandler {
	return &AuthHandler{authCfg: authCfg}
}

// loginRequest defines the request body for admin login.
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates the configured admin and issues a JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var body loginRequest
	if errBind := c.ShouldBindJSON(&body); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	username := strings.TrimSpace(body.Username)
	password := strings.TrimSpace(body.Password)
	if username == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	if strings.TrimSpace(h.authCfg.AdminPassword) == "" {
		c.JSON(http.StatusForbidden, gin.H{"error": "admin login is disabled"})
		return
	}
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.authCfg.AdminUser)) == 1
	if !security.CheckPassword(h.authCfg.AdminPassword, password) || !userOK {
		log.WithField("username", username).Warn("admin login failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	ttl := h.authCfg.AdminTokenTTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	token, errToken := security.GenerateAdminToken(h.authCfg.JWTSecret, username, ttl)
	if errToken != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_at": time.Now().Add(ttl).UTC(),
		"username":   username,
	})
}
