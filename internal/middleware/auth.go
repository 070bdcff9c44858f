// Package middleware provides Gin HTTP middleware for authentication, role
// checks, rate limiting, security headers, metrics, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → RequestID → Metrics → RateLimit → Auth → Audit → Role → Handler
//
// Security headers run first so they appear on all responses including errors.
// Rate limiting runs before auth to block brute-force attacks before any DB work.
// Auth populates the actor identity. Audit sits ahead of role checks so every
// authenticated actor's mutating requests are covered, whatever their role.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/ballotdesk/ballotdesk/internal/auth"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/gin-gonic/gin"
)

// UserLoader resolves the user behind a session token.
type UserLoader interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// AuthMiddleware validates the bearer JWT, loads the user and stores the actor
// in the context under "user", "user_id", "user_email" and "user_role".
// Deactivated users are rejected even with a valid token.
func AuthMiddleware(users UserLoader) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, msg := bearerToken(c.GetHeader("Authorization"))
		if msg != "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}

		claims, err := auth.ValidateJWT(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Failed to load user"})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "User not found"})
			return
		}
		if !user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Account is deactivated"})
			return
		}

		setActor(c, user)
		c.Next()
	}
}

func setActor(c *gin.Context, user *models.User) {
	c.Set("user", user)
	c.Set("user_id", user.ID)
	c.Set("user_email", user.Email)
	c.Set("user_role", user.RoleLabel())
}

// bearerToken extracts the token from an Authorization header. msg is the
// client-facing error when the header is unusable.
func bearerToken(header string) (token, msg string) {
	if header == "" {
		return "", "Missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", "Authorization header must start with 'Bearer '"
	}
	token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", "Authorization token is empty"
	}
	return token, ""
}
