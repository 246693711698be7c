// internal/middleware/auth.go
package middleware

import (
	"strings"

	"github.com/javajoker/versiondigest/internal/i18n"
	"github.com/javajoker/versiondigest/internal/models"
	"github.com/javajoker/versiondigest/internal/utils"

	"github.com/gin-gonic/gin"
)

// SecretHeader carries the shared trigger secret for cron, ingestion and
// webhook callers.
const SecretHeader = "X-Trigger-Secret"

func AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		lang := utils.GetLangFromContext(c)

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			utils.UnauthorizedResponse(c, i18n.T(lang, i18n.KeyAuthRequired))
			c.Abort()
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			utils.UnauthorizedResponse(c, i18n.T(lang, i18n.KeyAuthInvalidToken))
			c.Abort()
			return
		}

		claims, err := utils.ValidateJWT(parts[1])
		if err != nil {
			utils.UnauthorizedResponse(c, i18n.T(lang, i18n.KeyAuthTokenExpired))
			c.Abort()
			return
		}

		// Set user info in context
		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		role, ok := utils.GetUserRoleFromContext(c)
		if !ok || role != string(models.UserRoleAdmin) {
			utils.ForbiddenResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyAdminAccessDenied))
			c.Abort()
			return
		}
		c.Next()
	}
}

// SecretRequired checks the trigger secret against its bcrypt hash. An
// empty hash rejects every request.
func SecretRequired(secretHash string) gin.HandlerFunc {
	return func(c *gin.Context) {
		secret := c.GetHeader(SecretHeader)
		if secret == "" || secretHash == "" || !utils.CheckSecret(secretHash, secret) {
			utils.UnauthorizedResponse(c, i18n.T(utils.GetLangFromContext(c), i18n.KeyAuthInvalidSecret))
			c.Abort()
			return
		}
		c.Set("email", "trigger")
		c.Next()
	}
}
