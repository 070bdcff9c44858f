// Package repositories implements the data access layer for ballotdesk.
// Each repository type encapsulates all database queries for a domain entity.
// Handlers never issue SQL directly; all database access goes through this layer.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const userColumns = `id, email, first_name, last_name, role, is_active, password_hash, created_at, updated_at`

// UserRepository handles user database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a user and fills in the generated id and timestamps.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (email, first_name, last_name, role, is_active, password_hash)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		strings.ToLower(strings.TrimSpace(user.Email)),
		user.FirstName,
		user.LastName,
		user.Role,
		user.IsActive,
		user.PasswordHash,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by ID. A missing user is (nil, nil).
func (r *UserRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	user := &models.User{}
	err := r.db.GetContext(ctx, user, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively. A missing user
// is (nil, nil).
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	user := &models.User{}
	err := r.db.GetContext(ctx, user,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, strings.TrimSpace(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CountActiveByRoles counts active users whose stored role is in roles.
func (r *UserRepository) CountActiveByRoles(ctx context.Context, roles []string) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM users WHERE is_active AND role = ANY($1)`, pq.Array(roles))
	if err != nil {
		return 0, fmt.Errorf("failed to count active users: %w", err)
	}
	return n, nil
}
