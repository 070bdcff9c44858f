// audit_repository.go implements AuditRepository, the append-only store behind the audit
// log: inserts, filtered and paginated reads, aggregate counts, and retention deletes.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// ErrInvalidAuditLog is returned by Insert when a required field is missing.
var ErrInvalidAuditLog = errors.New("invalid audit log entry")

// Sort columns accepted by Query. Anything else falls back to created_at.
var auditSortColumns = map[string]bool{
	"created_at":  true,
	"user_id":     true,
	"user_email":  true,
	"action":      true,
	"entity_type": true,
	"id":          true,
}

const auditColumns = `id, user_id, user_email, user_role, action, entity_type, entity_id, details, ip_address, user_agent, created_at`

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// AuditFilters selects audit rows. Empty slices and nil pointers mean "no
// constraint". Limit 0 returns every matching row.
type AuditFilters struct {
	UserIDs     []int64
	UserEmails  []string
	UserRoles   []string
	Actions     []string
	EntityTypes []string
	EntityIDs   []int64

	// StartDate and EndDate are both inclusive bounds on created_at
	StartDate *time.Time
	EndDate   *time.Time

	// Search is a case-insensitive substring match over email, entity type,
	// action, entity id and details
	Search string

	// ActiveActorsOnly keeps rows whose actor still exists and is active
	ActiveActorsOnly bool

	SortBy    string
	SortOrder string
	Limit     int
	Offset    int
}

// OrderBy returns the validated sort column and direction.
func (f AuditFilters) OrderBy() (string, string) {
	col := f.SortBy
	if !auditSortColumns[col] {
		col = "created_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}
	return col, dir
}

// AuditSummary holds the four headline audit counts.
type AuditSummary struct {
	TotalActivities int64 `db:"total_activities" json:"total_activities"`
	UniqueUsers     int64 `db:"unique_users" json:"unique_users"`
	TotalVotes      int64 `db:"total_votes" json:"total_votes"`
	ActivitiesToday int64 `db:"activities_today" json:"activities_today"`
}

// ActionCount is one bucket of an action histogram.
type ActionCount struct {
	Action string `db:"action" json:"action"`
	Count  int64  `db:"count" json:"count"`
}

// auditLogRow is the scan target for audit_logs rows.
type auditLogRow struct {
	ID         int64          `db:"id"`
	UserID     int64          `db:"user_id"`
	UserEmail  string         `db:"user_email"`
	UserRole   string         `db:"user_role"`
	Action     string         `db:"action"`
	EntityType string         `db:"entity_type"`
	EntityID   sql.NullInt64  `db:"entity_id"`
	Details    sql.NullString `db:"details"`
	IPAddress  string         `db:"ip_address"`
	UserAgent  string         `db:"user_agent"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r *auditLogRow) toModel() *models.AuditLog {
	log := &models.AuditLog{
		ID:         r.ID,
		UserID:     models.Int64Ptr(r.UserID),
		UserEmail:  r.UserEmail,
		UserRole:   r.UserRole,
		Action:     r.Action,
		EntityType: r.EntityType,
		IPAddress:  r.IPAddress,
		UserAgent:  r.UserAgent,
		CreatedAt:  r.CreatedAt,
	}
	if r.EntityID.Valid {
		log.EntityID = models.Int64Ptr(r.EntityID.Int64)
	}
	if r.Details.Valid && r.Details.String != "" {
		if err := json.Unmarshal([]byte(r.Details.String), &log.Details); err != nil {
			// Rows written by older tooling may hold plain text
			log.Details = map[string]interface{}{"raw": r.Details.String}
		}
	}
	return log
}

// whereBuilder accumulates AND-ed predicates with positional parameters.
type whereBuilder struct {
	clauses []string
	args    []interface{}
}

// add appends a predicate. Each %s in format is replaced by the placeholder for arg.
func (w *whereBuilder) add(format string, arg interface{}) {
	w.args = append(w.args, arg)
	placeholder := fmt.Sprintf("$%d", len(w.args))
	w.clauses = append(w.clauses, strings.ReplaceAll(format, "%s", placeholder))
}

func (w *whereBuilder) addRaw(clause string) {
	w.clauses = append(w.clauses, clause)
}

func (w *whereBuilder) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *whereBuilder) next() string {
	return fmt.Sprintf("$%d", len(w.args)+1)
}

// buildAuditWhere translates filters into a WHERE clause. Query, Count and
// ActionHistogram all go through here so their results always agree.
func buildAuditWhere(f AuditFilters) *whereBuilder {
	w := &whereBuilder{}
	w.add("action <> %s", models.ActionSMSVerified)

	if len(f.UserIDs) > 0 {
		w.add("user_id = ANY(%s)", pq.Array(f.UserIDs))
	}
	if len(f.UserEmails) > 0 {
		w.add("user_email = ANY(%s)", pq.Array(f.UserEmails))
	}
	if len(f.UserRoles) > 0 {
		w.add("user_role = ANY(%s)", pq.Array(f.UserRoles))
	}
	if len(f.Actions) > 0 {
		w.add("action = ANY(%s)", pq.Array(f.Actions))
	}
	if len(f.EntityTypes) > 0 {
		w.add("entity_type = ANY(%s)", pq.Array(f.EntityTypes))
	}
	if len(f.EntityIDs) > 0 {
		w.add("entity_id = ANY(%s)", pq.Array(f.EntityIDs))
	}
	if f.StartDate != nil {
		w.add("created_at >= %s", *f.StartDate)
	}
	if f.EndDate != nil {
		w.add("created_at <= %s", *f.EndDate)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		w.add(`(user_email ILIKE %s OR entity_type ILIKE %s OR action ILIKE %s
			OR CAST(entity_id AS TEXT) ILIKE %s OR COALESCE(details, '') ILIKE %s)`, "%"+escapeLike(s)+"%")
	}
	if f.ActiveActorsOnly {
		w.addRaw("EXISTS (SELECT 1 FROM users u WHERE u.id = audit_logs.user_id AND u.is_active)")
	}
	return w
}

// escapeLike escapes LIKE wildcards so search text is matched literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Insert validates and persists one entry, returning it with the store-assigned
// id and created_at.
func (r *AuditRepository) Insert(ctx context.Context, entry *models.AuditLog) (*models.AuditLog, error) {
	if entry == nil {
		return nil, fmt.Errorf("%w: nil entry", ErrInvalidAuditLog)
	}
	if entry.UserID == nil {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidAuditLog)
	}
	if strings.TrimSpace(entry.Action) == "" {
		return nil, fmt.Errorf("%w: action is required", ErrInvalidAuditLog)
	}
	if strings.TrimSpace(entry.EntityType) == "" {
		return nil, fmt.Errorf("%w: entity_type is required", ErrInvalidAuditLog)
	}

	saved := *entry
	if saved.UserRole == "" {
		saved.UserRole = models.RoleUnknown
	}
	if saved.IPAddress == "" {
		saved.IPAddress = models.UnknownValue
	}
	if saved.UserAgent == "" {
		saved.UserAgent = models.UnknownValue
	}

	var details sql.NullString
	if saved.Details != nil {
		b, err := json.Marshal(saved.Details)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audit details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}

	query := `
		INSERT INTO audit_logs (user_id, user_email, user_role, action, entity_type, entity_id, details, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`

	err := r.db.QueryRowxContext(ctx, query,
		*saved.UserID,
		saved.UserEmail,
		saved.UserRole,
		saved.Action,
		saved.EntityType,
		saved.EntityID,
		details,
		saved.IPAddress,
		saved.UserAgent,
	).Scan(&saved.ID, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert audit log: %w", err)
	}

	return &saved, nil
}

// Query returns matching rows in the requested order.
func (r *AuditRepository) Query(ctx context.Context, filters AuditFilters) ([]*models.AuditLog, error) {
	w := buildAuditWhere(filters)
	col, dir := filters.OrderBy()

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + w.sql() +
		fmt.Sprintf(` ORDER BY %s %s, id %s`, col, dir, dir)

	args := w.args
	if filters.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, len(args)+1)
		args = append(args, filters.Limit)
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, len(args)+1)
		args = append(args, filters.Offset)
	}

	var rows []auditLogRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	logs := make([]*models.AuditLog, 0, len(rows))
	for i := range rows {
		logs = append(logs, rows[i].toModel())
	}
	return logs, nil
}

// Count returns the number of rows Query would return without pagination.
func (r *AuditRepository) Count(ctx context.Context, filters AuditFilters) (int, error) {
	w := buildAuditWhere(filters)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM audit_logs`+w.sql(), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return total, nil
}

// ActionHistogram counts matching rows per action, most frequent first. A
// positive limit keeps only the top buckets.
func (r *AuditRepository) ActionHistogram(ctx context.Context, filters AuditFilters, limit int) ([]ActionCount, error) {
	w := buildAuditWhere(filters)
	query := `SELECT action, COUNT(*) AS count FROM audit_logs` + w.sql() +
		` GROUP BY action ORDER BY count DESC, action ASC`
	args := w.args
	if limit > 0 {
		query += ` LIMIT ` + w.next()
		args = append(args, limit)
	}

	buckets := make([]ActionCount, 0)
	if err := r.db.SelectContext(ctx, &buckets, query, args...); err != nil {
		return nil, fmt.Errorf("failed to compute action histogram: %w", err)
	}
	return buckets, nil
}

// SummaryStatistics returns the headline counts. A positive windowDays scopes
// every count to the last windowDays days; zero means all time.
// activities_today always counts from local midnight of now.
func (r *AuditRepository) SummaryStatistics(ctx context.Context, windowDays int, now time.Time) (*AuditSummary, error) {
	if windowDays < 0 {
		return nil, fmt.Errorf("window days must not be negative: %d", windowDays)
	}

	f := AuditFilters{}
	if windowDays > 0 {
		since := now.AddDate(0, 0, -windowDays)
		f.StartDate = &since
	}
	w := buildAuditWhere(f)

	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	votePH := w.next()
	w.args = append(w.args, models.ActionVote)
	todayPH := w.next()
	w.args = append(w.args, todayStart)

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total_activities,
			COUNT(DISTINCT user_id) AS unique_users,
			COUNT(*) FILTER (WHERE action = %s) AS total_votes,
			COUNT(*) FILTER (WHERE created_at >= %s) AS activities_today
		FROM audit_logs`, votePH, todayPH) + w.sql()

	summary := &AuditSummary{}
	if err := r.db.GetContext(ctx, summary, query, w.args...); err != nil {
		return nil, fmt.Errorf("failed to compute audit summary: %w", err)
	}
	return summary, nil
}

// ListOlderThan returns every row created strictly before cutoff, oldest
// first. Internal actions are included so archives match what DeleteOlderThan
// removes.
func (r *AuditRepository) ListOlderThan(ctx context.Context, cutoff time.Time) ([]*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE created_at < $1 ORDER BY created_at ASC, id ASC`

	var rows []auditLogRow
	if err := r.db.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list expiring audit logs: %w", err)
	}

	logs := make([]*models.AuditLog, 0, len(rows))
	for i := range rows {
		logs = append(logs, rows[i].toModel())
	}
	return logs, nil
}

// DeleteOlderThan removes every row created strictly before cutoff and
// returns how many were deleted.
func (r *AuditRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete audit logs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read deleted row count: %w", err)
	}
	return n, nil
}
