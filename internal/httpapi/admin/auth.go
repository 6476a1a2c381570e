package admin

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tokengate-io/tokengate/internal/config"
	"github.com/tokengate-io/tokengate/internal/security"
)

// AuthHandler handles operator login.
type AuthHandler struct {
	cfg config.AdminConfig
}

// NewAuthHandler constructs an AuthHandler.
func NewAuthHandler(cfg config.AdminConfig) *AuthHandler {
	return &AuthHandler{cfg: cfg}
}

// loginRequest is the login payload.
type loginRequest struct {
	Password string `json:"password" binding:"required"`
}

// Login checks the operator password and issues a session JWT.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if errBind := c.ShouldBindJSON(&req); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}

	if !h.passwordMatches(req.Password) {
		log.Warn("admin login rejected")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}

	token, errSign := security.GenerateAdminToken(h.cfg.JWTSecret, jwtExpiryOrDefault(h.cfg))
	if errSign != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token generation failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// passwordMatches prefers the bcrypt hash when configured and falls back to
// the plaintext password field.
func (h *AuthHandler) passwordMatches(candidate string) bool {
	if hash := strings.TrimSpace(h.cfg.PasswordHash); hash != "" {
		return security.CheckPassword(hash, candidate)
	}
	return h.cfg.Password != "" && h.cfg.Password == candidate
}
