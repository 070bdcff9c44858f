// Package reports builds the admin-facing activity views over the audit log.
//
// Every view is restricted to admin-tier actors. Only the primary page and
// count queries can fail a request; auxiliary statistics and per-row identity
// lookups degrade to placeholders instead.
package reports

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"golang.org/x/sync/errgroup"
)

// Timeframes accepted by the report endpoints.
const (
	TimeframeAll   = "all"
	TimeframeToday = "today"
	TimeframeWeek  = "week"
	TimeframeMonth = "month"
)

// Placeholders used when a value could not be resolved.
const (
	UnknownIdentity = "Unknown"
	NoAction        = "N/A"
)

// Page size bounds for ListAdminActivities.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// enrichConcurrency bounds concurrent user lookups for one page.
const enrichConcurrency = 8

// ErrInvalidTimeframe is returned for a timeframe outside all/today/week/month.
var ErrInvalidTimeframe = errors.New("invalid timeframe")

// AuditStore is the audit log read surface the reports need.
type AuditStore interface {
	Query(ctx context.Context, filters repositories.AuditFilters) ([]*models.AuditLog, error)
	Count(ctx context.Context, filters repositories.AuditFilters) (int, error)
	ActionHistogram(ctx context.Context, filters repositories.AuditFilters, limit int) ([]repositories.ActionCount, error)
}

// UserDirectory resolves current user identities.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	CountActiveByRoles(ctx context.Context, roles []string) (int64, error)
}

// ActivityQuery selects one page of admin activity.
type ActivityQuery struct {
	Timeframe string
	Action    string
	Page      int
	Limit     int
	SortBy    string
	SortOrder string
	Search    string
}

// ActorIdentity is the actor as they are now, not as logged.
type ActorIdentity struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	IsActive bool   `json:"is_active"`
}

// AdminActivity is one audit row with the actor's current identity attached.
// The embedded fields keep the snapshot taken when the action happened.
type AdminActivity struct {
	models.AuditLog
	Actor ActorIdentity `json:"actor"`
}

// PageSummary holds the statistics shown alongside an activity page.
type PageSummary struct {
	ActiveAdmins     int64  `json:"active_admins"`
	MostCommonAction string `json:"most_common_action"`
	ActivitiesToday  int64  `json:"activities_today"`
}

// Pagination describes the page returned.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalItems int `json:"totalItems"`
	TotalPages int `json:"totalPages"`
}

// ActivityPage is the result of ListAdminActivities.
type ActivityPage struct {
	Activities []AdminActivity `json:"activities"`
	Summary    PageSummary     `json:"summary"`
	Pagination Pagination      `json:"pagination"`
}

// ActivitySummary is the result of Summary.
type ActivitySummary struct {
	Timeframe        string                     `json:"timeframe"`
	TotalActivities  int                        `json:"total_activities"`
	ActiveAdmins     int64                      `json:"active_admins"`
	ActivitiesToday  int64                      `json:"activities_today"`
	MostCommonAction string                     `json:"most_common_action"`
	ActionTypes      []repositories.ActionCount `json:"action_types"`
}

// ActivityService aggregates admin activity reports.
type ActivityService struct {
	store AuditStore
	users UserDirectory
	now   func() time.Time
	loc   *time.Location
}

// NewActivityService creates the service. A nil clock uses time.Now and a nil
// location uses time.Local; "today" is midnight in that location.
func NewActivityService(store AuditStore, users UserDirectory, clock func() time.Time, loc *time.Location) *ActivityService {
	if clock == nil {
		clock = time.Now
	}
	if loc == nil {
		loc = time.Local
	}
	return &ActivityService{store: store, users: users, now: clock, loc: loc}
}

// ValidTimeframe reports whether tf is accepted. Empty means all.
func ValidTimeframe(tf string) bool {
	switch tf {
	case "", TimeframeAll, TimeframeToday, TimeframeWeek, TimeframeMonth:
		return true
	}
	return false
}

// TimeframeStart returns the lower created_at bound for tf, or nil for all time.
func TimeframeStart(tf string, now time.Time, loc *time.Location) (*time.Time, error) {
	var start time.Time
	switch tf {
	case "", TimeframeAll:
		return nil, nil
	case TimeframeToday:
		start = startOfDay(now, loc)
	case TimeframeWeek:
		start = now.AddDate(0, 0, -7)
	case TimeframeMonth:
		start = now.AddDate(0, -1, 0)
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidTimeframe, tf)
	}
	return &start, nil
}

func startOfDay(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// ListAdminActivities returns one page of admin-tier activity with each row's
// actor re-resolved against the users table.
func (s *ActivityService) ListAdminActivities(ctx context.Context, q ActivityQuery) (*ActivityPage, error) {
	now := s.now()
	start, err := TimeframeStart(q.Timeframe, now, s.loc)
	if err != nil {
		return nil, err
	}

	page, limit := q.Page, q.Limit
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	filters := repositories.AuditFilters{
		UserRoles: models.AdminTierRoles,
		StartDate: start,
		Search:    q.Search,
		SortBy:    q.SortBy,
		SortOrder: q.SortOrder,
		Limit:     limit,
		Offset:    (page - 1) * limit,
	}
	if q.Action != "" {
		filters.Actions = []string{q.Action}
	}
	countFilters := filters
	countFilters.Limit, countFilters.Offset = 0, 0

	var (
		rows    []*models.AuditLog
		total   int
		summary PageSummary
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		rows, err = s.store.Query(gctx, filters)
		return err
	})
	g.Go(func() error {
		var err error
		total, err = s.store.Count(gctx, countFilters)
		return err
	})
	g.Go(func() error {
		summary = s.pageSummary(ctx, start, now)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load admin activities: %w", err)
	}

	identities := s.resolveActors(ctx, rows)
	activities := make([]AdminActivity, 0, len(rows))
	for _, row := range rows {
		activities = append(activities, AdminActivity{AuditLog: *row, Actor: identities[row.ActorID()]})
	}

	totalPages := 0
	if total > 0 {
		totalPages = (total + limit - 1) / limit
	}
	return &ActivityPage{
		Activities: activities,
		Summary:    summary,
		Pagination: Pagination{Page: page, Limit: limit, TotalItems: total, TotalPages: totalPages},
	}, nil
}

// pageSummary computes the three page statistics concurrently. Each degrades
// on its own.
func (s *ActivityService) pageSummary(ctx context.Context, start *time.Time, now time.Time) PageSummary {
	summary := PageSummary{MostCommonAction: NoAction}
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		summary.ActiveAdmins = s.activeAdmins(ctx)
	}()
	go func() {
		defer wg.Done()
		summary.MostCommonAction = s.mostCommonAction(ctx, repositories.AuditFilters{
			UserRoles: models.AdminTierRoles,
			StartDate: start,
		})
	}()
	go func() {
		defer wg.Done()
		summary.ActivitiesToday = s.countToday(ctx, now, false)
	}()
	wg.Wait()
	return summary
}

// Summary returns aggregate admin activity for a timeframe, counting only
// actors that are still active.
func (s *ActivityService) Summary(ctx context.Context, timeframe string) (*ActivitySummary, error) {
	now := s.now()
	start, err := TimeframeStart(timeframe, now, s.loc)
	if err != nil {
		return nil, err
	}
	if timeframe == "" {
		timeframe = TimeframeAll
	}

	filters := repositories.AuditFilters{
		UserRoles:        models.AdminTierRoles,
		StartDate:        start,
		ActiveActorsOnly: true,
	}
	out := &ActivitySummary{
		Timeframe:        timeframe,
		MostCommonAction: NoAction,
		ActionTypes:      []repositories.ActionCount{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.TotalActivities, err = s.store.Count(gctx, filters)
		return err
	})
	g.Go(func() error {
		out.ActiveAdmins = s.activeAdmins(ctx)
		return nil
	})
	g.Go(func() error {
		out.ActivitiesToday = s.countToday(ctx, now, true)
		return nil
	})
	g.Go(func() error {
		buckets, err := s.store.ActionHistogram(ctx, filters, 0)
		if err != nil {
			slog.Warn("activity summary: action histogram unavailable", "error", err)
			return nil
		}
		out.ActionTypes = buckets
		if len(buckets) > 0 {
			out.MostCommonAction = buckets[0].Action
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to load activity summary: %w", err)
	}
	return out, nil
}

func (s *ActivityService) activeAdmins(ctx context.Context) int64 {
	n, err := s.users.CountActiveByRoles(ctx, models.AdminTierRoles)
	if err != nil {
		slog.Warn("activity report: active admin count unavailable", "error", err)
		return 0
	}
	return n
}

func (s *ActivityService) mostCommonAction(ctx context.Context, filters repositories.AuditFilters) string {
	buckets, err := s.store.ActionHistogram(ctx, filters, 1)
	if err != nil {
		slog.Warn("activity report: most common action unavailable", "error", err)
		return NoAction
	}
	if len(buckets) == 0 {
		return NoAction
	}
	return buckets[0].Action
}

func (s *ActivityService) countToday(ctx context.Context, now time.Time, activeOnly bool) int64 {
	midnight := startOfDay(now, s.loc)
	n, err := s.store.Count(ctx, repositories.AuditFilters{
		UserRoles:        models.AdminTierRoles,
		StartDate:        &midnight,
		ActiveActorsOnly: activeOnly,
	})
	if err != nil {
		slog.Warn("activity report: today's count unavailable", "error", err)
		return 0
	}
	return int64(n)
}

// resolveActors looks up every distinct actor on the page concurrently. A
// failed or missing lookup yields the Unknown identity for that actor only.
func (s *ActivityService) resolveActors(ctx context.Context, rows []*models.AuditLog) map[int64]ActorIdentity {
	ids := make(map[int64]struct{})
	for _, row := range rows {
		ids[row.ActorID()] = struct{}{}
	}

	var mu sync.Mutex
	out := make(map[int64]ActorIdentity, len(ids))

	var g errgroup.Group
	g.SetLimit(enrichConcurrency)
	for id := range ids {
		g.Go(func() error {
			identity := s.lookupActor(ctx, id)
			mu.Lock()
			out[id] = identity
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *ActivityService) lookupActor(ctx context.Context, id int64) ActorIdentity {
	unknown := ActorIdentity{Name: UnknownIdentity, Email: UnknownIdentity, Role: UnknownIdentity}
	if id <= 0 {
		return unknown
	}
	user, err := s.users.GetUserByID(ctx, id)
	if err != nil {
		slog.Warn("activity report: actor lookup failed", "user_id", id, "error", err)
		return unknown
	}
	if user == nil {
		return unknown
	}
	return ActorIdentity{
		Name:     user.DisplayName(),
		Email:    user.Email,
		Role:     user.RoleLabel(),
		IsActive: user.IsActive,
	}
}
