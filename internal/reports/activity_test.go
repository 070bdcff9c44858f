package reports

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/db/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

// fakeStore records the filters it was called with and returns canned data.
type fakeStore struct {
	mu sync.Mutex

	rows      []*models.AuditLog
	total     int
	today     int
	histogram []repositories.ActionCount

	queryErr     error
	countErr     error
	todayErr     error
	histogramErr error

	queries []repositories.AuditFilters
	counts  []repositories.AuditFilters
	hists   []histCall
}

type histCall struct {
	filters repositories.AuditFilters
	limit   int
}

func (f *fakeStore) Query(_ context.Context, filters repositories.AuditFilters) ([]*models.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, filters)
	return f.rows, f.queryErr
}

// Count distinguishes the "today" query by its midnight start bound.
func (f *fakeStore) Count(_ context.Context, filters repositories.AuditFilters) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts = append(f.counts, filters)
	if filters.StartDate != nil && filters.StartDate.Equal(testMidnight) {
		return f.today, f.todayErr
	}
	return f.total, f.countErr
}

func (f *fakeStore) ActionHistogram(_ context.Context, filters repositories.AuditFilters, limit int) ([]repositories.ActionCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hists = append(f.hists, histCall{filters, limit})
	if f.histogramErr != nil {
		return nil, f.histogramErr
	}
	if limit > 0 && len(f.histogram) > limit {
		return f.histogram[:limit], nil
	}
	return f.histogram, nil
}

type fakeDirectory struct {
	users     map[int64]*models.User
	failIDs   map[int64]bool
	active    int64
	activeErr error
}

func (d *fakeDirectory) GetUserByID(_ context.Context, id int64) (*models.User, error) {
	if d.failIDs[id] {
		return nil, errBoom
	}
	return d.users[id], nil
}

func (d *fakeDirectory) CountActiveByRoles(_ context.Context, _ []string) (int64, error) {
	return d.active, d.activeErr
}

var (
	testNow      = time.Date(2026, 5, 20, 15, 30, 0, 0, time.UTC)
	testMidnight = time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
)

func newService(store *fakeStore, users *fakeDirectory) *ActivityService {
	return NewActivityService(store, users, func() time.Time { return testNow }, time.UTC)
}

func adminRow(id, userID int64, action string) *models.AuditLog {
	return &models.AuditLog{
		ID:         id,
		UserID:     models.Int64Ptr(userID),
		UserEmail:  "snapshot@example.com",
		UserRole:   models.RoleAdmin,
		Action:     action,
		EntityType: "elections",
		CreatedAt:  testNow,
	}
}

// ---------------------------------------------------------------------------
// TimeframeStart
// ---------------------------------------------------------------------------

func TestTimeframeStart(t *testing.T) {
	tests := []struct {
		tf   string
		want *time.Time
	}{
		{"", nil},
		{TimeframeAll, nil},
		{TimeframeToday, &testMidnight},
		{TimeframeWeek, ptr(testNow.AddDate(0, 0, -7))},
		{TimeframeMonth, ptr(time.Date(2026, 4, 20, 15, 30, 0, 0, time.UTC))},
	}
	for _, tt := range tests {
		t.Run(tt.tf, func(t *testing.T) {
			got, err := TimeframeStart(tt.tf, testNow, time.UTC)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.True(t, got.Equal(*tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestTimeframeStart_TodayUsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*60*60)
	// 02:00 UTC on the 20th is still the 19th five hours west
	now := time.Date(2026, 5, 20, 2, 0, 0, 0, time.UTC)

	got, err := TimeframeStart(TimeframeToday, now, loc)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 5, 19, 0, 0, 0, 0, loc)))
}

func TestTimeframeStart_Invalid(t *testing.T) {
	_, err := TimeframeStart("year", testNow, time.UTC)
	assert.ErrorIs(t, err, ErrInvalidTimeframe)
	assert.False(t, ValidTimeframe("year"))
	assert.True(t, ValidTimeframe(""))
}

func ptr(t time.Time) *time.Time { return &t }

// ---------------------------------------------------------------------------
// ListAdminActivities
// ---------------------------------------------------------------------------

func TestListAdminActivities(t *testing.T) {
	store := &fakeStore{
		rows: []*models.AuditLog{
			adminRow(3, 1, models.ActionUpdate),
			adminRow(2, 2, models.ActionDelete),
			adminRow(1, 1, models.ActionCreate),
		},
		total:     45,
		today:     4,
		histogram: []repositories.ActionCount{{Action: models.ActionUpdate, Count: 30}, {Action: models.ActionDelete, Count: 2}},
	}
	users := &fakeDirectory{
		users: map[int64]*models.User{
			1: {ID: 1, Email: "ada@example.com", FirstName: "Ada", LastName: "Byron", Role: "superadmin", IsActive: true},
			2: {ID: 2, Email: "bo@example.com", Role: "admin", IsActive: false},
		},
		active: 3,
	}

	page, err := newService(store, users).ListAdminActivities(context.Background(), ActivityQuery{
		Timeframe: TimeframeWeek,
		Action:    models.ActionUpdate,
		Page:      2,
		Limit:     20,
		SortOrder: "asc",
	})
	require.NoError(t, err)

	assert.Equal(t, Pagination{Page: 2, Limit: 20, TotalItems: 45, TotalPages: 3}, page.Pagination)
	assert.Equal(t, PageSummary{ActiveAdmins: 3, MostCommonAction: models.ActionUpdate, ActivitiesToday: 4}, page.Summary)

	require.Len(t, page.Activities, 3)
	first := page.Activities[0]
	assert.Equal(t, int64(3), first.ID)
	assert.Equal(t, "snapshot@example.com", first.UserEmail, "logged snapshot must be kept")
	assert.Equal(t, ActorIdentity{Name: "Ada Byron", Email: "ada@example.com", Role: models.RoleSuperAdmin, IsActive: true}, first.Actor)
	assert.Equal(t, ActorIdentity{Name: "bo@example.com", Email: "bo@example.com", Role: models.RoleAdmin}, page.Activities[1].Actor)

	require.Len(t, store.queries, 1)
	q := store.queries[0]
	assert.Equal(t, models.AdminTierRoles, q.UserRoles)
	assert.Equal(t, []string{models.ActionUpdate}, q.Actions)
	assert.Equal(t, 20, q.Limit)
	assert.Equal(t, 20, q.Offset)
	assert.Equal(t, "asc", q.SortOrder)
	require.NotNil(t, q.StartDate)
	assert.True(t, q.StartDate.Equal(testNow.AddDate(0, 0, -7)))

	require.Len(t, store.hists, 1)
	assert.Equal(t, 1, store.hists[0].limit)
	assert.Nil(t, store.hists[0].filters.Actions, "most common action ignores the action filter")
}

func TestListAdminActivities_PageBounds(t *testing.T) {
	tests := []struct {
		name      string
		page      int
		limit     int
		wantPage  int
		wantLimit int
	}{
		{"defaults", 0, 0, 1, DefaultPageSize},
		{"negative", -3, -1, 1, DefaultPageSize},
		{"clamped", 1, 500, 1, MaxPageSize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			page, err := newService(store, &fakeDirectory{}).ListAdminActivities(context.Background(),
				ActivityQuery{Page: tt.page, Limit: tt.limit})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Pagination.Page)
			assert.Equal(t, tt.wantLimit, page.Pagination.Limit)
			assert.Equal(t, 0, page.Pagination.TotalPages)
			assert.Empty(t, page.Activities)
			assert.NotNil(t, page.Activities)
		})
	}
}

func TestListAdminActivities_InvalidTimeframe(t *testing.T) {
	store := &fakeStore{}
	_, err := newService(store, &fakeDirectory{}).ListAdminActivities(context.Background(), ActivityQuery{Timeframe: "decade"})
	assert.ErrorIs(t, err, ErrInvalidTimeframe)
	assert.Empty(t, store.queries)
}

func TestListAdminActivities_PrimaryFailures(t *testing.T) {
	for name, store := range map[string]*fakeStore{
		"query": {queryErr: errBoom},
		"count": {countErr: errBoom},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := newService(store, &fakeDirectory{}).ListAdminActivities(context.Background(), ActivityQuery{})
			assert.ErrorIs(t, err, errBoom)
		})
	}
}

func TestListAdminActivities_AuxiliaryFailuresDegrade(t *testing.T) {
	store := &fakeStore{
		rows:         []*models.AuditLog{adminRow(1, 7, models.ActionCreate), adminRow(2, 0, models.ActionLoginFailed)},
		total:        2,
		todayErr:     errBoom,
		histogramErr: errBoom,
	}
	users := &fakeDirectory{failIDs: map[int64]bool{7: true}, activeErr: errBoom}

	page, err := newService(store, users).ListAdminActivities(context.Background(), ActivityQuery{})
	require.NoError(t, err)

	assert.Equal(t, PageSummary{ActiveAdmins: 0, MostCommonAction: NoAction, ActivitiesToday: 0}, page.Summary)
	unknown := ActorIdentity{Name: UnknownIdentity, Email: UnknownIdentity, Role: UnknownIdentity}
	for _, a := range page.Activities {
		assert.Equal(t, unknown, a.Actor)
	}
}

func TestListAdminActivities_DeletedActorIsUnknown(t *testing.T) {
	store := &fakeStore{rows: []*models.AuditLog{adminRow(1, 99, models.ActionDelete)}, total: 1}

	page, err := newService(store, &fakeDirectory{}).ListAdminActivities(context.Background(), ActivityQuery{})
	require.NoError(t, err)
	require.Len(t, page.Activities, 1)
	assert.Equal(t, UnknownIdentity, page.Activities[0].Actor.Name)
	assert.Equal(t, "snapshot@example.com", page.Activities[0].UserEmail)
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

func TestSummary(t *testing.T) {
	store := &fakeStore{
		total: 120,
		today: 6,
		histogram: []repositories.ActionCount{
			{Action: models.ActionApprove, Count: 70},
			{Action: models.ActionUpdate, Count: 50},
		},
	}
	users := &fakeDirectory{active: 4}

	s, err := newService(store, users).Summary(context.Background(), TimeframeMonth)
	require.NoError(t, err)

	assert.Equal(t, TimeframeMonth, s.Timeframe)
	assert.Equal(t, 120, s.TotalActivities)
	assert.Equal(t, int64(4), s.ActiveAdmins)
	assert.Equal(t, int64(6), s.ActivitiesToday)
	assert.Equal(t, models.ActionApprove, s.MostCommonAction)
	assert.Len(t, s.ActionTypes, 2)

	for _, f := range store.counts {
		assert.True(t, f.ActiveActorsOnly, "summary counts must exclude inactive actors")
		assert.Equal(t, models.AdminTierRoles, f.UserRoles)
	}
	require.Len(t, store.hists, 1)
	assert.Equal(t, 0, store.hists[0].limit)
	assert.True(t, store.hists[0].filters.ActiveActorsOnly)
}

func TestSummary_EmptyTimeframeIsAll(t *testing.T) {
	store := &fakeStore{}
	s, err := newService(store, &fakeDirectory{}).Summary(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, TimeframeAll, s.Timeframe)
	assert.Equal(t, NoAction, s.MostCommonAction)
	assert.NotNil(t, s.ActionTypes)
}

func TestSummary_Degrades(t *testing.T) {
	store := &fakeStore{total: 9, todayErr: errBoom, histogramErr: errBoom}
	users := &fakeDirectory{activeErr: errBoom}

	s, err := newService(store, users).Summary(context.Background(), TimeframeWeek)
	require.NoError(t, err)
	assert.Equal(t, 9, s.TotalActivities)
	assert.Zero(t, s.ActiveAdmins)
	assert.Zero(t, s.ActivitiesToday)
	assert.Equal(t, NoAction, s.MostCommonAction)
	assert.Empty(t, s.ActionTypes)
}

func TestSummary_TotalFailureFails(t *testing.T) {
	store := &fakeStore{countErr: errBoom}
	_, err := newService(store, &fakeDirectory{}).Summary(context.Background(), TimeframeWeek)
	assert.ErrorIs(t, err, errBoom)
}
