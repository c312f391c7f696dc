package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/propertyreel/backend/internal/logger"
	"github.com/propertyreel/backend/internal/utils"
)

// APIKeyAuth rejects requests whose X-API-Key header does not match the
// shared secret. With no secret configured the check is disabled, which is
// only acceptable for local development.
func APIKeyAuth(log *logger.Logger) gin.HandlerFunc {
	secret := utils.GetEnv("API_KEY", "", log)
	if secret == "" {
		log.Warn("API_KEY not set; request authentication is disabled")
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}
