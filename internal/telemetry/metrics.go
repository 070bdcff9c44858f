// Package telemetry provides application-level observability for ballotdesk.
//
// All metrics are registered against the default Prometheus registry and served on
// the side-channel HTTP server started by main.go:
//
//	GET http://<host>:<BDK_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Metric groups:
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - Audit write outcomes and duplicate suppression
//   - Audit shipping failures
//   - Retention job runs and deleted rows
//   - Database connection pool gauge (polled every 30 s)
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics, labelled by method, route template and status code.
//
// The path label holds the Gin route template (e.g. /api/elections/:id), never
// the raw URL, so label cardinality stays bounded.
//
// Example PromQL queries:
//   - Error rate (%):  sum(rate(http_requests_total{status=~"5.."}[5m])) / sum(rate(http_requests_total[5m])) * 100
//   - p99 latency:     histogram_quantile(0.99, sum by (path, le) (rate(http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, by method and route template.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Audit pipeline metrics.
//
// AuditWritesTotal{result} counts persistence attempts: "ok", "invalid" (rejected by
// validation) or "error" (storage failure). Because request auditing is best effort,
// this counter is the only place a dropped entry is visible besides the error log.
//
// Example PromQL queries:
//   - Dropped entries:  increase(audit_log_writes_total{result!="ok"}[1h])
//
// AuditSuppressedTotal{reason} counts middleware events that were deliberately not
// written, e.g. reason="duplicate" for bursts collapsed by the suppressor.
var (
	AuditWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_writes_total",
			Help: "Total number of audit log persistence attempts, by result.",
		},
		[]string{"result"},
	)

	AuditSuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_log_suppressed_total",
			Help: "Total number of audit events skipped by the middleware, by reason.",
		},
		[]string{"reason"},
	)

	AuditShipErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_log_ship_errors_total",
			Help: "Total number of failures shipping audit entries to external destinations.",
		},
	)
)

// Retention metrics, recorded by the audit retention job.
//
// Example PromQL queries:
//   - Alert on failing prunes:  increase(audit_retention_runs_total{result="error"}[2d]) > 0
var (
	AuditRetentionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_retention_runs_total",
			Help: "Total number of audit retention runs, by result.",
		},
		[]string{"result"},
	)

	AuditRetentionDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_retention_deleted_total",
			Help: "Total number of audit rows removed by retention.",
		},
	)
)

// DBOpenConnections tracks the number of open connections held by the pool. It is
// sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "db_open_connections",
		Help: "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	}()
}
