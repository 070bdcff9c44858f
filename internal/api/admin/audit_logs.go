// audit_logs.go implements handlers for browsing, summarizing and pruning the raw audit log.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"github.com/gin-gonic/gin"
)

const (
	defaultAuditPageSize = 50
	maxAuditPageSize     = 200
	defaultSummaryDays   = 30
)

// AuditLogStore is the audit log surface used by the handlers.
type AuditLogStore interface {
	Query(ctx context.Context, filters repositories.AuditFilters) ([]*models.AuditLog, error)
	Count(ctx context.Context, filters repositories.AuditFilters) (int, error)
	SummaryStatistics(ctx context.Context, windowDays int, now time.Time) (*repositories.AuditSummary, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// AuditLogHandlers serves the raw audit log. Rows are returned exactly as
// logged, including the actor snapshot taken at action time.
type AuditLogHandlers struct {
	store AuditLogStore
	loc   *time.Location
	now   func() time.Time
}

// NewAuditLogHandlers creates handlers. Dates without a zone and "today" are
// interpreted in loc.
func NewAuditLogHandlers(store AuditLogStore, loc *time.Location) *AuditLogHandlers {
	if loc == nil {
		loc = time.Local
	}
	return &AuditLogHandlers{store: store, loc: loc, now: time.Now}
}

// @Summary      List audit logs
// @Tags         Audit
// @Security     Bearer
// @Produce      json
// @Param        user_id      query  string  false  "Comma-separated actor IDs"
// @Param        action       query  string  false  "Comma-separated actions"
// @Param        start_date   query  string  false  "RFC 3339 timestamp or YYYY-MM-DD"
// @Param        end_date     query  string  false  "RFC 3339 timestamp or YYYY-MM-DD (inclusive)"
// @Param        page         query  int     false  "Page number (default 1)"
// @Param        limit        query  int     false  "Page size (default 50, max 200)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/audit-logs [get]
// List returns one page of audit logs matching the query filters.
// GET /api/audit-logs
func (h *AuditLogHandlers) List() gin.HandlerFunc {
	return func(c *gin.Context) {
		filters, err := h.parseFilters(c)
		if err != nil {
			badRequest(c, err.Error())
			return
		}

		page, err := positiveQueryInt(c, "page", 1)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		limit, err := positiveQueryInt(c, "limit", defaultAuditPageSize)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		if limit > maxAuditPageSize {
			limit = maxAuditPageSize
		}

		ctx := c.Request.Context()
		total, err := h.store.Count(ctx, filters)
		if err != nil {
			slog.Error("failed to count audit logs", "error", err)
			serverError(c, "Failed to retrieve audit logs")
			return
		}

		filters.Limit = limit
		filters.Offset = (page - 1) * limit
		logs, err := h.store.Query(ctx, filters)
		if err != nil {
			slog.Error("failed to query audit logs", "error", err)
			serverError(c, "Failed to retrieve audit logs")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"data":    logs,
			"pagination": gin.H{
				"page":       page,
				"limit":      limit,
				"totalItems": total,
				"totalPages": (total + limit - 1) / limit,
			},
		})
	}
}

// Summary returns headline counts over the last `days` days (0 = all time).
// GET /api/audit-logs/summary?days=N
func (h *AuditLogHandlers) Summary() gin.HandlerFunc {
	return func(c *gin.Context) {
		days := defaultSummaryDays
		if raw := c.Query("days"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				badRequest(c, "days must be a non-negative integer")
				return
			}
			days = n
		}

		summary, err := h.store.SummaryStatistics(c.Request.Context(), days, h.now().In(h.loc))
		if err != nil {
			slog.Error("failed to compute audit summary", "days", days, "error", err)
			serverError(c, "Failed to retrieve audit summary")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
	}
}

type deleteAuditLogsRequest struct {
	Date string `json:"date"`
}

// DeleteOlderThan removes every audit row created before the given date.
// DELETE /api/audit-logs  {"date": "2026-01-01"}
func (h *AuditLogHandlers) DeleteOlderThan() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deleteAuditLogsRequest
		if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Date) == "" {
			badRequest(c, "date is required")
			return
		}
		cutoff, _, err := parseDate(req.Date, h.loc)
		if err != nil {
			badRequest(c, "date must be an RFC 3339 timestamp or YYYY-MM-DD")
			return
		}

		count, err := h.store.DeleteOlderThan(c.Request.Context(), cutoff)
		if err != nil {
			slog.Error("failed to delete audit logs", "cutoff", cutoff, "error", err)
			serverError(c, "Failed to delete audit logs")
			return
		}
		slog.Info("audit logs pruned", "cutoff", cutoff, "deleted", count, "by", c.GetString("user_email"))

		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": fmt.Sprintf("Deleted %d audit logs older than %s", count, cutoff.Format(time.RFC3339)),
			"count":   count,
		})
	}
}

func (h *AuditLogHandlers) parseFilters(c *gin.Context) (repositories.AuditFilters, error) {
	var f repositories.AuditFilters
	var err error

	if f.UserIDs, err = int64List(c.Query("user_id")); err != nil {
		return f, fmt.Errorf("user_id: %w", err)
	}
	if f.EntityIDs, err = int64List(c.Query("entity_id")); err != nil {
		return f, fmt.Errorf("entity_id: %w", err)
	}
	f.UserEmails = stringList(c.Query("user_email"))
	f.UserRoles = stringList(c.Query("user_role"))
	f.Actions = stringList(c.Query("action"))
	f.EntityTypes = stringList(c.Query("entity_type"))

	if raw := c.Query("start_date"); raw != "" {
		start, _, err := parseDate(raw, h.loc)
		if err != nil {
			return f, errors.New("start_date must be an RFC 3339 timestamp or YYYY-MM-DD")
		}
		f.StartDate = &start
	}
	if raw := c.Query("end_date"); raw != "" {
		end, dateOnly, err := parseDate(raw, h.loc)
		if err != nil {
			return f, errors.New("end_date must be an RFC 3339 timestamp or YYYY-MM-DD")
		}
		if dateOnly {
			end = end.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		f.EndDate = &end
	}
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return f, errors.New("end_date must not be before start_date")
	}

	f.Search = strings.TrimSpace(c.Query("search"))
	f.SortBy = c.Query("sort_by")
	f.SortOrder = c.Query("sort_order")
	return f, nil
}

// parseDate accepts RFC 3339 or a bare YYYY-MM-DD in loc. dateOnly reports the
// latter so callers can widen an end bound to the whole day.
func parseDate(raw string, loc *time.Location) (t time.Time, dateOnly bool, err error) {
	raw = strings.TrimSpace(raw)
	if t, err = time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	if t, err = time.ParseInLocation(time.DateOnly, raw, loc); err == nil {
		return t, true, nil
	}
	return time.Time{}, false, err
}

func stringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func int64List(raw string) ([]int64, error) {
	var out []int64
	for _, part := range stringList(raw) {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

// positiveQueryInt reads an optional positive integer query parameter.
func positiveQueryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return n, nil
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": msg})
}

func serverError(c *gin.Context, msg string) {
	c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": msg})
}
