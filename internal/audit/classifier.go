package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/ballotdesk/ballotdesk/internal/db/models"
)

// RouteParam is one named path parameter, in route order.
type RouteParam struct {
	Key   string
	Value string
}

// RequestInfo is what the classifier sees of a completed request.
type RequestInfo struct {
	Method       string
	Path         string
	RouteParams  []RouteParam
	Status       int
	ResponseBody []byte
}

// Classification is the semantic reading of a request.
type Classification struct {
	Action     string
	EntityType string
	EntityID   *int64
	// Extra is merged into the persisted details
	Extra map[string]interface{}
}

// match carries the request and the classification built so far through the
// rule table.
type match struct {
	req      *RequestInfo
	path     string   // lowercased path without query or fragment
	segments []string // path segments, lowercased
	entityAt int      // index of the entity segment, -1 when absent
	result   Classification
	// overridden is set once a keyword rule has replaced the method default
	overridden bool
	body       map[string]interface{}
	bodyParsed bool
}

// responseObject lazily decodes the response body. Non-object bodies yield nil.
func (m *match) responseObject() map[string]interface{} {
	if m.bodyParsed {
		return m.body
	}
	m.bodyParsed = true
	if len(m.req.ResponseBody) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(m.req.ResponseBody))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil {
		return nil
	}
	m.body = obj
	return obj
}

// hasKeyword reports whether keyword occurs anywhere in the lowercased path,
// so "approved" and "voters" both count.
func (m *match) hasKeyword(keyword string) bool {
	return strings.Contains(m.path, keyword)
}

// rule is one step of classification: when When holds, Then edits the result.
type rule struct {
	Name string
	When func(m *match) bool
	Then func(m *match)
}

// suppressRule marks requests that must not be audited.
type suppressRule struct {
	Name string
	When func(m *match) bool
}

// keywordRule maps a path keyword onto an action, optionally fixing the entity type.
type keywordRule struct {
	keyword    string
	action     string
	entityType string
}

// Keyword overrides in precedence order. The first keyword present wins.
var keywordRules = []keywordRule{
	{"login", models.ActionLogin, "auth"},
	{"logout", models.ActionLogout, "auth"},
	{"approve", models.ActionApprove, ""},
	{"reject", models.ActionReject, ""},
	{"restore", models.ActionRestore, ""},
	{"unlock", models.ActionUnlock, ""},
	{"reset-password", models.ActionResetPassword, ""},
	{"vote", models.ActionVote, ""},
}

// Entity segments whose whole subtree is never audited.
var suppressedRoots = map[string]bool{
	"notifications": true,
	"system-load":   true,
	"health":        true,
	"status":        true,
	"audit-logs":    true,
}

var methodActions = map[string]string{
	http.MethodPost:   models.ActionCreate,
	http.MethodPut:    models.ActionUpdate,
	http.MethodPatch:  models.ActionUpdate,
	http.MethodDelete: models.ActionDelete,
}

// defaultRules returns the classification rules in evaluation order.
func defaultRules() []rule {
	rules := []rule{
		{
			Name: "method-default",
			When: always,
			Then: func(m *match) {
				if a, ok := methodActions[m.req.Method]; ok {
					m.result.Action = a
				} else {
					m.result.Action = strings.ToUpper(m.req.Method)
				}
			},
		},
		{
			Name: "entity-type",
			When: always,
			Then: func(m *match) {
				m.result.EntityType = "unknown"
				if m.entityAt >= 0 {
					m.result.EntityType = m.segments[m.entityAt]
				}
			},
		},
		{
			Name: "entity-id",
			When: always,
			Then: func(m *match) {
				if m.entityAt >= 0 {
					for _, s := range m.segments[m.entityAt+1:] {
						if id, ok := parseID(s); ok {
							m.result.EntityID = &id
							return
						}
					}
				}
				for _, p := range m.req.RouteParams {
					if id, ok := parseID(p.Value); ok {
						m.result.EntityID = &id
						return
					}
				}
			},
		},
	}

	for _, kr := range keywordRules {
		kr := kr
		rules = append(rules, rule{
			Name: "keyword-" + kr.keyword,
			When: func(m *match) bool { return !m.overridden && m.hasKeyword(kr.keyword) },
			Then: func(m *match) {
				m.overridden = true
				m.result.Action = kr.action
				if kr.entityType != "" {
					m.result.EntityType = kr.entityType
				}
			},
		})
	}

	rules = append(rules, rule{
		Name: "ballot-composite",
		When: func(m *match) bool {
			return m.hasKeyword("ballots") && m.result.Action == models.ActionCreate && ballotOf(m) != nil
		},
		Then: func(m *match) {
			ballot := ballotOf(m)
			m.result.Action = models.ActionCreateElectionWithBallot
			m.result.EntityType = "elections"
			m.result.EntityID = nil
			extra := map[string]interface{}{}
			if id, ok := jsonID(ballot["election_id"]); ok {
				m.result.EntityID = &id
				extra["election_id"] = id
			}
			if id, ok := jsonID(ballot["id"]); ok {
				extra["ballot_id"] = id
			}
			m.result.Extra = extra
		},
	})

	return rules
}

// defaultSuppressRules returns the conditions under which nothing is logged.
func defaultSuppressRules() []suppressRule {
	return []suppressRule{
		{
			Name: "unsuccessful",
			When: func(m *match) bool { return m.req.Status < 200 || m.req.Status >= 300 },
		},
		{
			Name: "read-only",
			When: func(m *match) bool {
				return m.req.Method == http.MethodGet || m.req.Method == http.MethodHead || m.req.Method == http.MethodOptions
			},
		},
		{
			Name: "noise-endpoint",
			When: func(m *match) bool {
				return m.entityAt >= 0 && suppressedRoots[m.segments[m.entityAt]]
			},
		},
		{
			// Elections are created in two steps; only the ballot step is logged.
			Name: "election-root-create",
			When: func(m *match) bool {
				return m.req.Method == http.MethodPost && m.entityAt >= 0 &&
					m.segments[m.entityAt] == "elections" && m.entityAt == len(m.segments)-1
			},
		},
	}
}

// Classifier derives (action, entity type, entity id) from a request.
type Classifier struct {
	apiRoot  string
	rules    []rule
	suppress []suppressRule
}

// NewClassifier returns a classifier using the default rule tables with "api"
// as the API root segment.
func NewClassifier() *Classifier {
	return &Classifier{
		apiRoot:  "api",
		rules:    defaultRules(),
		suppress: defaultSuppressRules(),
	}
}

// Classify returns the classification and true, or false when the request
// must not be logged.
func (c *Classifier) Classify(req RequestInfo) (Classification, bool) {
	m := &match{req: &req, entityAt: -1}
	m.req.Method = strings.ToUpper(m.req.Method)

	path := req.Path
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	m.path = strings.ToLower(path)
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			m.segments = append(m.segments, strings.ToLower(s))
		}
	}
	m.entityAt = c.entityIndex(m.segments)

	for _, s := range c.suppress {
		if s.When(m) {
			return Classification{}, false
		}
	}
	for _, r := range c.rules {
		if r.When(m) {
			r.Then(m)
		}
	}
	return m.result, true
}

// entityIndex locates the segment naming the entity: the one right after the
// API root, or the first segment when the path has no API root.
func (c *Classifier) entityIndex(segments []string) int {
	for i, s := range segments {
		if s == c.apiRoot {
			if i+1 < len(segments) {
				return i + 1
			}
			return -1
		}
	}
	if len(segments) > 0 {
		return 0
	}
	return -1
}

func always(*match) bool { return true }

// ballotOf returns the ballot object from the response, either top level or
// inside a "data" envelope.
func ballotOf(m *match) map[string]interface{} {
	body := m.responseObject()
	if body == nil {
		return nil
	}
	if b, ok := body["ballot"].(map[string]interface{}); ok {
		return b
	}
	if data, ok := body["data"].(map[string]interface{}); ok {
		if b, ok := data["ballot"].(map[string]interface{}); ok {
			return b
		}
	}
	return nil
}

func parseID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func jsonID(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		id, err := n.Int64()
		return id, err == nil
	case string:
		return parseID(n)
	case float64:
		return int64(n), n == float64(int64(n))
	default:
		return 0, false
	}
}
