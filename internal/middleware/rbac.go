// Package middleware (rbac.go) implements role-based authorization.
//
// The role is read from the user loaded by AuthMiddleware on every request,
// not from the token, so a demotion takes effect on the next request.

package middleware

import (
	"net/http"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/gin-gonic/gin"
)

// RequireRole lets the request through when the user's normalized role is one
// of roles. Stored role spellings are normalized with models.NormalizeRole.
func RequireRole(roles ...string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[models.NormalizeRole(r)] = true
	}
	return requireUser(func(u *models.User) bool { return allowed[models.NormalizeRole(u.Role)] })
}

// RequireAdminTier admits Admin and Super Admin users.
func RequireAdminTier() gin.HandlerFunc {
	return requireUser((*models.User).IsAdminTier)
}

// RequireSuperAdmin admits Super Admin users only.
func RequireSuperAdmin() gin.HandlerFunc {
	return RequireRole(models.RoleSuperAdmin)
}

func requireUser(permitted func(*models.User) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := currentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "User not authenticated",
			})
			return
		}
		if !permitted(user) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) (*models.User, bool) {
	v, exists := c.Get("user")
	if !exists {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok && user != nil
}
