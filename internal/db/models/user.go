// Package models - user.go defines the User model for dashboard accounts and the role
// vocabulary shared by authorization and activity reporting.
package models

import (
	"strings"
	"time"
)

// Canonical role labels as they appear in audit snapshots and reports.
const (
	RoleSuperAdmin = "Super Admin"
	RoleAdmin      = "Admin"
	RoleStudent    = "Student"
	RoleUnknown    = "Unknown"
)

// AdminTierRoles lists every spelling of the admin and super admin roles found in
// stored rows. Reports scope on this set.
var AdminTierRoles = []string{
	"Super Admin",
	"Admin",
	"admin",
	"superadmin",
	"super_admin",
	"SuperAdmin",
	"super admin",
	"SUPER ADMIN",
	"ADMIN",
}

// User represents a dashboard account
type User struct {
	ID           int64     `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	FirstName    string    `db:"first_name" json:"first_name"`
	LastName     string    `db:"last_name" json:"last_name"`
	Role         string    `db:"role" json:"role"`
	IsActive     bool      `db:"is_active" json:"is_active"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName returns "First Last", or the email when no name is on file.
func (u *User) DisplayName() string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		return u.Email
	}
	return name
}

// RoleLabel returns the canonical label for the user's stored role.
func (u *User) RoleLabel() string {
	return NormalizeRole(u.Role)
}

// IsAdminTier reports whether the user holds admin or super admin rights.
func (u *User) IsAdminTier() bool {
	r := u.RoleLabel()
	return r == RoleAdmin || r == RoleSuperAdmin
}

// NormalizeRole maps the assorted stored spellings of a role onto
// Super Admin, Admin, Student or Unknown.
func NormalizeRole(role string) string {
	key := strings.ToLower(strings.TrimSpace(role))
	key = strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
	switch key {
	case "superadmin":
		return RoleSuperAdmin
	case "admin":
		return RoleAdmin
	case "student", "voter":
		return RoleStudent
	default:
		return RoleUnknown
	}
}
