package audit

import (
	"net/http"
	"testing"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
)

func classify(t *testing.T, req RequestInfo) (Classification, bool) {
	t.Helper()
	if req.Status == 0 {
		req.Status = http.StatusOK
	}
	return NewClassifier().Classify(req)
}

func entityIDOf(c Classification) int64 {
	if c.EntityID == nil {
		return -1
	}
	return *c.EntityID
}

// ---------------------------------------------------------------------------
// Suppression
// ---------------------------------------------------------------------------

func TestClassify_Suppressed(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		status int
	}{
		{"read only get", http.MethodGet, "/api/elections/5", 200},
		{"read only head", http.MethodHead, "/api/elections", 200},
		{"read only options", http.MethodOptions, "/api/elections", 204},
		{"client error", http.MethodPost, "/api/elections/5/candidates", 400},
		{"server error", http.MethodDelete, "/api/users/9", 500},
		{"redirect", http.MethodPost, "/api/users", 302},
		{"notifications", http.MethodPost, "/api/notifications/3/read", 200},
		{"system load", http.MethodPost, "/api/system-load", 200},
		{"health", http.MethodPost, "/api/health", 200},
		{"status root", http.MethodPut, "/api/status/maintenance", 200},
		{"audit logs", http.MethodDelete, "/api/audit-logs", 200},
		{"election root create", http.MethodPost, "/api/elections", 201},
		{"election root create trailing slash", http.MethodPost, "/api/elections/", 201},
		{"election root create with query", http.MethodPost, "/api/elections?draft=1", 201},
		{"election root create without api prefix", http.MethodPost, "/elections", 201},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := classify(t, RequestInfo{Method: tt.method, Path: tt.path, Status: tt.status})
			if ok {
				t.Errorf("Classify(%s %s) = %+v, want suppressed", tt.method, tt.path, c)
			}
		})
	}
}

func TestClassify_NestedStatusIsAudited(t *testing.T) {
	c, ok := classify(t, RequestInfo{Method: http.MethodPut, Path: "/api/elections/5/status"})
	if !ok {
		t.Fatal("expected request to be audited")
	}
	if c.Action != models.ActionUpdate || c.EntityType != "elections" || entityIDOf(c) != 5 {
		t.Errorf("got %+v", c)
	}
}

// ---------------------------------------------------------------------------
// Method defaults, entity type and id
// ---------------------------------------------------------------------------

func TestClassify_MethodDefaults(t *testing.T) {
	tests := []struct {
		method     string
		path       string
		wantAction string
		wantType   string
		wantID     int64
	}{
		{http.MethodPost, "/api/candidates", models.ActionCreate, "candidates", -1},
		{http.MethodPut, "/api/elections/5", models.ActionUpdate, "elections", 5},
		{http.MethodPatch, "/api/users/12", models.ActionUpdate, "users", 12},
		{http.MethodDelete, "/api/users/9", models.ActionDelete, "users", 9},
		{"purge", "/api/cache/3", "PURGE", "cache", 3},
		{http.MethodPost, "/api/elections/5/candidates", models.ActionCreate, "elections", 5},
		{http.MethodPut, "/api/elections/5?notify=true", models.ActionUpdate, "elections", 5},
		{http.MethodPost, "/API/Candidates", models.ActionCreate, "candidates", -1},
		{http.MethodPost, "/candidates/4/photo", models.ActionCreate, "candidates", 4},
		{http.MethodPost, "/api", models.ActionCreate, "unknown", -1},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			c, ok := classify(t, RequestInfo{Method: tt.method, Path: tt.path})
			if !ok {
				t.Fatal("unexpectedly suppressed")
			}
			if c.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", c.Action, tt.wantAction)
			}
			if c.EntityType != tt.wantType {
				t.Errorf("EntityType = %q, want %q", c.EntityType, tt.wantType)
			}
			if got := entityIDOf(c); got != tt.wantID {
				t.Errorf("EntityID = %d, want %d", got, tt.wantID)
			}
		})
	}
}

func TestClassify_EntityIDFromRouteParams(t *testing.T) {
	c, ok := classify(t, RequestInfo{
		Method: http.MethodPut,
		Path:   "/api/ballots/current",
		RouteParams: []RouteParam{
			{Key: "slug", Value: "current"},
			{Key: "id", Value: "17"},
		},
	})
	if !ok {
		t.Fatal("unexpectedly suppressed")
	}
	if entityIDOf(c) != 17 {
		t.Errorf("EntityID = %d, want 17", entityIDOf(c))
	}
}

func TestClassify_PathIDBeatsRouteParam(t *testing.T) {
	c, _ := classify(t, RequestInfo{
		Method:      http.MethodPut,
		Path:        "/api/elections/5",
		RouteParams: []RouteParam{{Key: "id", Value: "99"}},
	})
	if entityIDOf(c) != 5 {
		t.Errorf("EntityID = %d, want 5", entityIDOf(c))
	}
}

// ---------------------------------------------------------------------------
// Keyword overrides
// ---------------------------------------------------------------------------

func TestClassify_Keywords(t *testing.T) {
	tests := []struct {
		path       string
		wantAction string
		wantType   string
		wantID     int64
	}{
		{"/api/auth/login", models.ActionLogin, "auth", -1},
		{"/api/sessions/login", models.ActionLogin, "auth", -1},
		{"/api/auth/logout", models.ActionLogout, "auth", -1},
		{"/api/candidates/12/approve", models.ActionApprove, "candidates", 12},
		{"/api/candidates/12/reject", models.ActionReject, "candidates", 12},
		{"/api/elections/3/restore", models.ActionRestore, "elections", 3},
		{"/api/users/8/unlock", models.ActionUnlock, "users", 8},
		{"/api/users/8/reset-password", models.ActionResetPassword, "users", 8},
		{"/api/elections/3/vote", models.ActionVote, "elections", 3},
		{"/api/elections/3/votes", models.ActionVote, "elections", 3},
		{"/api/elections/3/cast-vote", models.ActionVote, "elections", 3},
		{"/api/candidates/12/approve-votes", models.ActionApprove, "candidates", 12},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			c, ok := classify(t, RequestInfo{Method: http.MethodPost, Path: tt.path})
			if !ok {
				t.Fatal("unexpectedly suppressed")
			}
			if c.Action != tt.wantAction || c.EntityType != tt.wantType || entityIDOf(c) != tt.wantID {
				t.Errorf("got (%s, %s, %d), want (%s, %s, %d)",
					c.Action, c.EntityType, entityIDOf(c), tt.wantAction, tt.wantType, tt.wantID)
			}
		})
	}
}

func TestClassify_KeywordMatchesAnywhereInPath(t *testing.T) {
	tests := []struct {
		method     string
		path       string
		wantAction string
	}{
		{http.MethodPost, "/api/elections/5/approved", models.ActionApprove},
		{http.MethodPost, "/api/elections/5/unlocked", models.ActionUnlock},
		{http.MethodPut, "/api/voters/3", models.ActionVote},
		{http.MethodPost, "/api/candidates/unapproved", models.ActionApprove},
		{http.MethodPost, "/api/Users/8/RESTORE", models.ActionRestore},
		// Precedence follows the keyword table, not position in the path.
		{http.MethodPost, "/api/votes/9/reject", models.ActionReject},
		// Underscores are not the hyphenated keyword.
		{http.MethodPost, "/api/users/8/reset_password", models.ActionCreate},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			c, ok := classify(t, RequestInfo{Method: tt.method, Path: tt.path, Status: 200})
			if !ok {
				t.Fatal("unexpectedly suppressed")
			}
			if c.Action != tt.wantAction {
				t.Errorf("Action = %q, want %q", c.Action, tt.wantAction)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Ballot composite
// ---------------------------------------------------------------------------

func TestClassify_BallotCreate(t *testing.T) {
	bodies := map[string]string{
		"top level":     `{"ballot":{"id":7,"election_id":42}}`,
		"data envelope": `{"success":true,"data":{"ballot":{"id":7,"election_id":"42"}}}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			c, ok := classify(t, RequestInfo{
				Method:       http.MethodPost,
				Path:         "/api/ballots",
				Status:       http.StatusCreated,
				ResponseBody: []byte(body),
			})
			if !ok {
				t.Fatal("unexpectedly suppressed")
			}
			if c.Action != models.ActionCreateElectionWithBallot {
				t.Errorf("Action = %q, want %q", c.Action, models.ActionCreateElectionWithBallot)
			}
			if c.EntityType != "elections" || entityIDOf(c) != 42 {
				t.Errorf("entity = (%s, %d), want (elections, 42)", c.EntityType, entityIDOf(c))
			}
			if c.Extra["election_id"] != int64(42) || c.Extra["ballot_id"] != int64(7) {
				t.Errorf("Extra = %v", c.Extra)
			}
		})
	}
}

func TestClassify_BallotCreateWithoutElection(t *testing.T) {
	c, _ := classify(t, RequestInfo{
		Method:       http.MethodPost,
		Path:         "/api/ballots",
		ResponseBody: []byte(`{"ballot":{"id":7}}`),
	})
	if c.Action != models.ActionCreateElectionWithBallot || c.EntityID != nil {
		t.Errorf("got %+v", c)
	}
	if _, ok := c.Extra["election_id"]; ok {
		t.Errorf("Extra = %v, want no election_id", c.Extra)
	}
}

func TestClassify_BallotFallsBackToCreate(t *testing.T) {
	bodies := []string{"", "not json", `["ballot"]`, `{"ballot":"7"}`, `{"id":7}`}
	for _, body := range bodies {
		c, ok := classify(t, RequestInfo{
			Method:       http.MethodPost,
			Path:         "/api/ballots",
			ResponseBody: []byte(body),
		})
		if !ok {
			t.Fatalf("body %q: unexpectedly suppressed", body)
		}
		if c.Action != models.ActionCreate || c.EntityType != "ballots" {
			t.Errorf("body %q: got (%s, %s), want (CREATE, ballots)", body, c.Action, c.EntityType)
		}
	}
}

func TestClassify_BallotUpdateIsNotComposite(t *testing.T) {
	c, _ := classify(t, RequestInfo{
		Method:       http.MethodPut,
		Path:         "/api/ballots/7",
		ResponseBody: []byte(`{"ballot":{"id":7,"election_id":42}}`),
	})
	if c.Action != models.ActionUpdate || c.EntityType != "ballots" || entityIDOf(c) != 7 {
		t.Errorf("got %+v", c)
	}
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func TestParseID(t *testing.T) {
	tests := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"42", 42, true},
		{"0", 0, true},
		{"", 0, false},
		{"-1", 0, false},
		{"4a", 0, false},
		{"99999999999999999999", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseID(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("parseID(%q) = %d, %v; want %d, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
