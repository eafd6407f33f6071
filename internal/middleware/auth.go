package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"e2ee-keyserver/pkg/jwt"
	"e2ee-keyserver/pkg/logger"
	"e2ee-keyserver/pkg/response"
)

// Context keys set by AuthMiddleware
const (
	ContextUserID   = "user_id"
	ContextDeviceID = "device_id"
)

// RevocationChecker reports tokens revoked before expiry
type RevocationChecker interface {
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
}

func bearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		// Browsers cannot set headers on a websocket upgrade
		return c.Query("access_token")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// AuthMiddleware validates the device-scoped JWT and stores user_id and
// device_id in the gin context. revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := bearerToken(c)
		if tokenString == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			response.Unauthorized(c, "Invalid token")
			c.Abort()
			return
		}

		if revocationChecker != nil {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), tokenString)
			if err != nil {
				// Fail open: the signature and expiry already checked out
				logger.FromContext(c.Request.Context()).Warn("Revocation check unavailable", zap.Error(err))
			} else if revoked {
				response.Unauthorized(c, "Token revoked")
				c.Abort()
				return
			}
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextDeviceID, claims.DeviceID)
		c.Next()
	}
}

// Identity returns the authenticated user and device
func Identity(c *gin.Context) (userID, deviceID string, ok bool) {
	userID = c.GetString(ContextUserID)
	deviceID = c.GetString(ContextDeviceID)
	return userID, deviceID, userID != "" && deviceID != ""
}
