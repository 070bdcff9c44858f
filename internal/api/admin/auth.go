// auth.go implements HTTP handlers for password login, logout and the current-user lookup.
// Login and logout write their audit rows directly because the request middleware
// cannot see an actor on a failed login.
package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/audit"
	"github.com/ballotdesk/ballotdesk/internal/auth"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
)

// DefaultTokenTTL is used when no token lifetime is configured.
const DefaultTokenTTL = 24 * time.Hour

// entityAuth is the entity type recorded for session events.
const entityAuth = "auth"

// UserAccounts looks up dashboard accounts.
type UserAccounts interface {
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
}

// AuthHandlers handles authentication-related endpoints
type AuthHandlers struct {
	users    UserAccounts
	recorder *audit.Recorder
	tokenTTL time.Duration
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(users UserAccounts, recorder *audit.Recorder, tokenTTL time.Duration) *AuthHandlers {
	if tokenTTL <= 0 {
		tokenTTL = DefaultTokenTTL
	}
	return &AuthHandlers{users: users, recorder: recorder, tokenTTL: tokenTTL}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// @Summary      Password login
// @Tags         Authentication
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "Session token and user"
// @Failure      400  {object}  map[string]interface{}
// @Failure      401  {object}  map[string]interface{}
// @Router       /api/auth/login [post]
// LoginHandler verifies credentials and issues a session token.
// POST /api/auth/login
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req loginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "email and password are required")
			return
		}
		email := strings.TrimSpace(req.Email)
		ctx := c.Request.Context()

		user, err := h.users.GetUserByEmail(ctx, email)
		if err != nil {
			slog.Error("login: user lookup failed", "error", err)
			serverError(c, "Login failed")
			return
		}

		reason := ""
		switch {
		case user == nil:
			reason = "unknown_user"
		case !user.IsActive:
			reason = "inactive"
		case bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil:
			reason = "bad_password"
		}
		if reason != "" {
			// The actor is unknown until credentials check out, so the row is
			// written against the sentinel actor 0.
			h.recorder.LogAction(ctx, h.sessionEntry(c, models.ActionLoginFailed, 0, email, models.RoleUnknown,
				http.StatusUnauthorized, map[string]interface{}{"email": email, "reason": reason}))
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Invalid email or password"})
			return
		}

		token, err := auth.GenerateJWT(user.ID, user.Email, user.RoleLabel(), h.tokenTTL)
		if err != nil {
			slog.Error("login: token generation failed", "user_id", user.ID, "error", err)
			serverError(c, "Failed to generate token")
			return
		}

		h.recorder.LogAction(ctx, h.sessionEntry(c, models.ActionLogin, user.ID, user.Email, user.RoleLabel(),
			http.StatusOK, nil))

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"token":      token,
			"expires_in": int(h.tokenTTL.Seconds()),
			"user":       userResponse(user),
		})
	}
}

// LogoutHandler records the end of a session. Tokens are stateless, so the
// client discards its own copy.
// POST /api/auth/logout
func (h *AuthHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := c.Get("user_id")
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "User not authenticated"})
			return
		}
		id, _ := userID.(int64)

		h.recorder.LogAction(c.Request.Context(), h.sessionEntry(c, models.ActionLogout, id,
			c.GetString("user_email"), c.GetString("user_role"), http.StatusOK, nil))

		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Logged out"})
	}
}

// MeHandler returns the current authenticated user's information
// GET /api/auth/me
func (h *AuthHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		val, ok := c.Get("user")
		user, _ := val.(*models.User)
		if !ok || user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "User not authenticated"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "user": userResponse(user)})
	}
}

func (h *AuthHandlers) sessionEntry(c *gin.Context, action string, userID int64, email, role string,
	status int, extra map[string]interface{}) *models.AuditLog {
	details := map[string]interface{}{
		"status":    status,
		"endpoint":  c.Request.URL.Path,
		"method":    c.Request.Method,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		details[k] = v
	}
	return &models.AuditLog{
		UserID:     models.Int64Ptr(userID),
		UserEmail:  email,
		UserRole:   role,
		Action:     action,
		EntityType: entityAuth,
		Details:    details,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	}
}

func userResponse(u *models.User) gin.H {
	return gin.H{
		"id":         u.ID,
		"email":      u.Email,
		"name":       u.DisplayName(),
		"role":       u.RoleLabel(),
		"is_active":  u.IsActive,
		"created_at": u.CreatedAt,
	}
}
