package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/jmoiron/sqlx"
)

var errDB = errors.New("db error")

var userCols = []string{
	"id", "email", "first_name", "last_name", "role", "is_active", "password_hash", "created_at", "updated_at",
}

func sampleUserRow() *sqlmock.Rows {
	return sqlmock.NewRows(userCols).
		AddRow(int64(7), "alice@example.com", "Alice", "Ng", "admin", true, "$2a$10$hash", time.Now(), time.Now())
}

func newUserRepo(t *testing.T) (*UserRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewUserRepository(sqlx.NewDb(db, "sqlmock")), mock
}

// ---------------------------------------------------------------------------
// GetUserByID
// ---------------------------------------------------------------------------

func TestGetUserByID_Found(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users WHERE id").
		WithArgs(int64(7)).
		WillReturnRows(sampleUserRow())

	user, err := repo.GetUserByID(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil {
		t.Fatal("expected user, got nil")
	}
	if user.ID != 7 || user.DisplayName() != "Alice Ng" || !user.IsActive {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestGetUserByID_NotFound(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users WHERE id").
		WillReturnRows(sqlmock.NewRows(userCols))

	user, err := repo.GetUserByID(context.Background(), 404)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user != nil {
		t.Errorf("expected nil user, got %+v", user)
	}
}

func TestGetUserByID_DBError(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT.*FROM users").WillReturnError(errDB)

	if _, err := repo.GetUserByID(context.Background(), 7); err == nil {
		t.Error("expected error, got nil")
	}
}

// ---------------------------------------------------------------------------
// GetUserByEmail
// ---------------------------------------------------------------------------

func TestGetUserByEmail_TrimsInput(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery(`WHERE LOWER\(email\) = LOWER\(\$1\)`).
		WithArgs("Alice@Example.com").
		WillReturnRows(sampleUserRow())

	user, err := repo.GetUserByEmail(context.Background(), "  Alice@Example.com ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if user == nil || user.Email != "alice@example.com" {
		t.Errorf("unexpected user: %+v", user)
	}
}

func TestGetUserByEmail_NotFound(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("FROM users").WillReturnRows(sqlmock.NewRows(userCols))

	user, err := repo.GetUserByEmail(context.Background(), "nobody@example.com")
	if err != nil || user != nil {
		t.Errorf("GetUserByEmail() = %v, %v; want nil, nil", user, err)
	}
}

// ---------------------------------------------------------------------------
// CreateUser
// ---------------------------------------------------------------------------

func TestCreateUser(t *testing.T) {
	repo, mock := newUserRepo(t)
	now := time.Now()
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("bob@example.com", "Bob", "Ray", "superadmin", true, "hash").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(3), now, now))

	u := &models.User{Email: " Bob@Example.com", FirstName: "Bob", LastName: "Ray", Role: "superadmin", IsActive: true, PasswordHash: "hash"}
	if err := repo.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u.ID != 3 {
		t.Errorf("ID = %d, want 3", u.ID)
	}
}

// ---------------------------------------------------------------------------
// CountActiveByRoles
// ---------------------------------------------------------------------------

func TestCountActiveByRoles(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM users WHERE is_active AND role = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(4)))

	n, err := repo.CountActiveByRoles(context.Background(), models.AdminTierRoles)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 4 {
		t.Errorf("CountActiveByRoles() = %d, want 4", n)
	}
}

func TestCountActiveByRoles_DBError(t *testing.T) {
	repo, mock := newUserRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	if _, err := repo.CountActiveByRoles(context.Background(), []string{"admin"}); err == nil {
		t.Error("expected error, got nil")
	}
}
