package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// newRequestIDRouter echoes the context request ID in a response header.
func newRequestIDRouter() *gin.Engine {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) {
		c.Header("X-Context-Request-ID", c.GetString(RequestIDKey))
		c.Status(http.StatusOK)
	})
	return r
}

func requestWithID(r *gin.Engine, id string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id != "" {
		req.Header.Set(RequestIDHeader, id)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDMiddleware_GeneratesUUID(t *testing.T) {
	w := requestWithID(newRequestIDRouter(), "")

	id := w.Header().Get(RequestIDHeader)
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("X-Request-ID = %q, want a UUID: %v", id, err)
	}
	if got := w.Header().Get("X-Context-Request-ID"); got != id {
		t.Errorf("context ID %q does not match header ID %q", got, id)
	}
}

func TestRequestIDMiddleware_PropagatesIncomingID(t *testing.T) {
	const upstreamID = "upstream-provided-request-id-001"
	w := requestWithID(newRequestIDRouter(), upstreamID)
	if got := w.Header().Get(RequestIDHeader); got != upstreamID {
		t.Errorf("X-Request-ID = %q, want %q", got, upstreamID)
	}
}

func TestRequestIDMiddleware_ReplacesUnsafeID(t *testing.T) {
	for _, bad := range []string{"has space", strings.Repeat("a", 200), "tab\there"} {
		w := requestWithID(newRequestIDRouter(), bad)
		if got := w.Header().Get(RequestIDHeader); got == bad {
			t.Errorf("unsafe inbound ID %q was kept", bad)
		}
	}
}

func TestRequestIDMiddleware_DifferentIDsPerRequest(t *testing.T) {
	r := newRequestIDRouter()
	ids := make(map[string]struct{}, 10)
	for i := range 10 {
		id := requestWithID(r, "").Header().Get(RequestIDHeader)
		if _, seen := ids[id]; seen {
			t.Errorf("duplicate request ID %q on iteration %d", id, i)
		}
		ids[id] = struct{}{}
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(RequestIDKey, "req-123")
	RequestLogger(c).Info("hello")

	if !strings.Contains(buf.String(), "request_id=req-123") {
		t.Errorf("log line %q does not carry the request id", buf.String())
	}
}
