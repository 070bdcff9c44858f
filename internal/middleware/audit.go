// audit.go provides Gin middleware that records authenticated write operations to the audit
// log. Persistence happens after the response is written and never affects it.
package middleware

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/audit"
	"github.com/ballotdesk/ballotdesk/internal/db/models"
	"github.com/ballotdesk/ballotdesk/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// DefaultAuditBodyBytes caps how much of each request and response body is buffered.
const DefaultAuditBodyBytes = 64 * 1024

// AuditOptions configures AuditMiddleware. Nil fields get defaults.
type AuditOptions struct {
	Classifier *audit.Classifier
	Suppressor *audit.Suppressor
	// MaxBodyBytes bounds body capture; larger bodies are not recorded
	MaxBodyBytes int64
}

// bodyCaptureWriter tees the first limit bytes of the response body.
type bodyCaptureWriter struct {
	gin.ResponseWriter
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (w *bodyCaptureWriter) Write(b []byte) (int, error) {
	w.capture(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCaptureWriter) WriteString(s string) (int, error) {
	w.capture([]byte(s))
	return w.ResponseWriter.WriteString(s)
}

func (w *bodyCaptureWriter) capture(b []byte) {
	if w.truncated {
		return
	}
	room := w.limit - int64(w.buf.Len())
	if int64(len(b)) > room {
		w.truncated = true
		return
	}
	w.buf.Write(b)
}

// AuditMiddleware records every successful mutating request made by an
// authenticated actor. The actor is read from the "user_id", "user_email" and
// "user_role" context keys set by AuthMiddleware.
func AuditMiddleware(recorder *audit.Recorder, opts AuditOptions) gin.HandlerFunc {
	classifier := opts.Classifier
	if classifier == nil {
		classifier = audit.NewClassifier()
	}
	suppressor := opts.Suppressor
	if suppressor == nil {
		suppressor = audit.NewSuppressor(0, 0, nil)
	}
	limit := opts.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultAuditBodyBytes
	}

	return func(c *gin.Context) {
		if isReadOnly(c.Request.Method) {
			c.Next()
			return
		}

		reqBody, reqComplete := captureRequestBody(c, limit)
		writer := &bodyCaptureWriter{ResponseWriter: c.Writer, limit: limit}
		c.Writer = writer

		c.Next()

		actorID, ok := actorIDFrom(c)
		if !ok {
			return
		}

		info := audit.RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Status: c.Writer.Status(),
		}
		for _, p := range c.Params {
			info.RouteParams = append(info.RouteParams, audit.RouteParam{Key: p.Key, Value: p.Value})
		}
		if !writer.truncated {
			info.ResponseBody = writer.buf.Bytes()
		}

		cls, ok := classifier.Classify(info)
		if !ok {
			return
		}

		now := suppressor.Now()
		key := audit.Key(actorID, cls.Action, cls.EntityType, cls.EntityID, now)
		if !suppressor.Allow(key) {
			telemetry.AuditSuppressedTotal.WithLabelValues("duplicate").Inc()
			return
		}

		details := map[string]interface{}{
			"status":    info.Status,
			"endpoint":  c.Request.URL.Path,
			"method":    c.Request.Method,
			"timestamp": now.UTC().Format(time.RFC3339Nano),
		}
		if reqComplete {
			if redacted, ok := audit.RedactJSON(reqBody); ok {
				details["request"] = redacted
			}
		}
		for k, v := range cls.Extra {
			details[k] = v
		}

		recorder.PersistAsync(&models.AuditLog{
			UserID:     models.Int64Ptr(actorID),
			UserEmail:  c.GetString("user_email"),
			UserRole:   c.GetString("user_role"),
			Action:     cls.Action,
			EntityType: cls.EntityType,
			EntityID:   cls.EntityID,
			Details:    details,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		})
	}
}

// captureRequestBody reads up to limit bytes of the request body and restores
// it so the handler sees the full stream. complete is false when the body was
// larger than limit.
func captureRequestBody(c *gin.Context, limit int64) ([]byte, bool) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return nil, true
	}
	buf, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
	c.Request.Body = readCloser{io.MultiReader(bytes.NewReader(buf), c.Request.Body), c.Request.Body}
	if err != nil {
		return nil, false
	}
	if int64(len(buf)) > limit {
		return nil, false
	}
	return buf, true
}

type readCloser struct {
	io.Reader
	io.Closer
}

func actorIDFrom(c *gin.Context) (int64, bool) {
	v, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	default:
		return 0, false
	}
}

func isReadOnly(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
