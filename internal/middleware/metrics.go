package middleware

import (
	"strconv"
	"time"

	"github.com/ballotdesk/ballotdesk/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// MetricsMiddleware records http_requests_total and http_request_duration_seconds
// for every request.
//
// The path label is c.FullPath(), the matched route template such as
// /api/audit-logs/summary, never the raw URL. Unmatched requests use
// "<no-route>" so stray paths cannot inflate label cardinality.
//
// Register it after gin.Recovery() and RequestIDMiddleware so the final status
// set by error handlers is captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "<no-route>"
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
