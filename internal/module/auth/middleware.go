package auth

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	apperrors "github.com/klarpost/server/internal/shared/errors"
	"github.com/klarpost/server/internal/shared/response"
)

// AdminChecker answers the administrator predicate for an authenticated user.
type AdminChecker interface {
	IsAdmin(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Middleware wires token verification into the HTTP layer.
type Middleware struct {
	jwt    *JWTManager
	admins AdminChecker
}

// NewMiddleware creates auth middleware.
func NewMiddleware(jwt *JWTManager, admins AdminChecker) *Middleware {
	return &Middleware{jwt: jwt, admins: admins}
}

// RequireAuth verifies the bearer token and stores the caller's identity in
// the request context under "user_id" and "email".
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			response.AbortError(c, apperrors.Unauthorized("missing authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			response.AbortError(c, apperrors.Unauthorized("malformed authorization header"))
			return
		}

		claims, err := m.jwt.ValidateAccessToken(parts[1])
		if err != nil {
			response.AbortError(c, apperrors.Unauthorized("invalid or expired token"))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("email", claims.Email)
		c.Next()
	}
}

// RequireAdmin rejects callers without the administrator role. It must run
// after RequireAuth.
func (m *Middleware) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, exists := c.Get("user_id")
		if !exists {
			response.AbortError(c, apperrors.Unauthorized("authentication required"))
			return
		}
		userID, ok := raw.(uuid.UUID)
		if !ok {
			response.AbortError(c, apperrors.Unauthorized("invalid authentication context"))
			return
		}

		isAdmin, err := m.admins.IsAdmin(c.Request.Context(), userID)
		if err != nil {
			response.AbortError(c, apperrors.Internal("role lookup failed", err))
			return
		}
		if !isAdmin {
			response.AbortError(c, apperrors.Forbidden("administrator role required"))
			return
		}
		c.Next()
	}
}
