package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/jwt"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/response"
)

const (
	UserIDKey     = log.FieldUserID
	UsernameKey   = "username"
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// TokenValidator resolves an access token to its claims.
type TokenValidator interface {
	ValidateToken(token string) (*jwt.Claims, error)
}

// AuthMiddleware validates bearer tokens and exposes the acting user id.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// RequireAuth returns a Gin middleware that rejects requests without a valid
// bearer token.
func (m *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			response.Unauthorized(c, "missing authorization header")
			c.Abort()
			return
		}
		if !strings.HasPrefix(authHeader, BearerPrefix) {
			response.Unauthorized(c, "invalid authorization format")
			c.Abort()
			return
		}

		claims, err := m.validator.ValidateToken(strings.TrimPrefix(authHeader, BearerPrefix))
		if err != nil {
			response.Unauthorized(c, err.Error())
			c.Abort()
			return
		}

		c.Set(UserIDKey, claims.UserID)
		c.Set(UsernameKey, claims.Username)
		c.Next()
	}
}

// GetUserID extracts user ID from Gin context.
func GetUserID(c *gin.Context) string {
	if id, exists := c.Get(UserIDKey); exists {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}
