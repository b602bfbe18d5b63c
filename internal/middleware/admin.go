package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/candle-sync/internal/config"
	"golang.org/x/crypto/bcrypt"
)

// devAdminKey is accepted only when no key is configured.
const devAdminKey = "admin-dev-key-change-in-production"

// AdminMiddleware provides admin authentication middleware
type AdminMiddleware struct {
	apiKey  string
	keyHash []byte
}

// NewAdminMiddleware creates a new admin authentication middleware. A bcrypt
// hash takes precedence over a plain key.
func NewAdminMiddleware(cfg config.SecurityConfig) *AdminMiddleware {
	am := &AdminMiddleware{apiKey: cfg.AdminAPIKey}
	if cfg.AdminAPIKeyHash != "" {
		am.keyHash = []byte(cfg.AdminAPIKeyHash)
		am.apiKey = ""
	} else if am.apiKey == "" {
		am.apiKey = devAdminKey
	}
	return am
}

// RequireAdminAuth middleware validates admin API keys
func (am *AdminMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Authorization: Bearer <key>
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			tokenParts := strings.SplitN(authHeader, " ", 2)
			if len(tokenParts) == 2 && tokenParts[0] == "Bearer" && am.ValidateAdminKey(tokenParts[1]) {
				c.Next()
				return
			}
		}

		if am.ValidateAdminKey(c.GetHeader("X-API-Key")) {
			c.Next()
			return
		}

		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": "Valid admin API key required for this endpoint",
		})
		c.Abort()
	}
}

// ValidateAdminKey validates an admin API key
func (am *AdminMiddleware) ValidateAdminKey(key string) bool {
	if key == "" {
		return false
	}
	if am.keyHash != nil {
		return bcrypt.CompareHashAndPassword(am.keyHash, []byte(key)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(am.apiKey)) == 1
}
