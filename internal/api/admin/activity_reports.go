// activity_reports.go implements the admin activity report endpoints.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ballotdesk/ballotdesk/internal/reports"
	"github.com/gin-gonic/gin"
)

// ActivityReporter builds admin activity views.
type ActivityReporter interface {
	ListAdminActivities(ctx context.Context, q reports.ActivityQuery) (*reports.ActivityPage, error)
	Summary(ctx context.Context, timeframe string) (*reports.ActivitySummary, error)
}

// ActivityReportHandlers serves /api/reports/admin-activity.
type ActivityReportHandlers struct {
	reporter ActivityReporter
}

// NewActivityReportHandlers creates the handlers
func NewActivityReportHandlers(reporter ActivityReporter) *ActivityReportHandlers {
	return &ActivityReportHandlers{reporter: reporter}
}

// @Summary      List admin activity
// @Description  Paginated admin-tier activity. Each row carries the logged actor snapshot and the actor's current identity.
// @Tags         Reports
// @Security     Bearer
// @Produce      json
// @Param        timeframe   query  string  false  "all, today, week or month"
// @Param        action      query  string  false  "Action filter"
// @Param        page        query  int     false  "Page number (default 1)"
// @Param        limit       query  int     false  "Page size (default 20, max 100)"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/reports/admin-activity/activities [get]
// ListActivities returns one page of admin activity with summary figures.
// GET /api/reports/admin-activity/activities
func (h *ActivityReportHandlers) ListActivities() gin.HandlerFunc {
	return func(c *gin.Context) {
		timeframe := c.Query("timeframe")
		if !reports.ValidTimeframe(timeframe) {
			badRequest(c, "timeframe must be one of all, today, week, month")
			return
		}
		page, err := positiveQueryInt(c, "page", 1)
		if err != nil {
			badRequest(c, err.Error())
			return
		}
		limit, err := positiveQueryInt(c, "limit", reports.DefaultPageSize)
		if err != nil {
			badRequest(c, err.Error())
			return
		}

		result, err := h.reporter.ListAdminActivities(c.Request.Context(), reports.ActivityQuery{
			Timeframe: timeframe,
			Action:    c.Query("action"),
			Page:      page,
			Limit:     limit,
			SortBy:    c.Query("sort_by"),
			SortOrder: c.Query("sort_order"),
			Search:    c.Query("search"),
		})
		if err != nil {
			h.fail(c, err, "Failed to retrieve admin activities")
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"success":    true,
			"activities": result.Activities,
			"summary":    result.Summary,
			"pagination": result.Pagination,
		})
	}
}

// Summary returns aggregate admin activity for a timeframe.
// GET /api/reports/admin-activity/summary?timeframe=week
func (h *ActivityReportHandlers) Summary() gin.HandlerFunc {
	return func(c *gin.Context) {
		timeframe := c.Query("timeframe")
		if !reports.ValidTimeframe(timeframe) {
			badRequest(c, "timeframe must be one of all, today, week, month")
			return
		}

		summary, err := h.reporter.Summary(c.Request.Context(), timeframe)
		if err != nil {
			h.fail(c, err, "Failed to retrieve activity summary")
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": summary})
	}
}

func (h *ActivityReportHandlers) fail(c *gin.Context, err error, msg string) {
	if errors.Is(err, reports.ErrInvalidTimeframe) {
		badRequest(c, err.Error())
		return
	}
	slog.Error(msg, "error", err)
	serverError(c, msg)
}
