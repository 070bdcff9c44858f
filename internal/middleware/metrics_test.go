package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ballotdesk/ballotdesk/internal/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// collectHistogramCount returns the sample count from a HistogramVec for the given labels.
func collectHistogramCount(hv *prometheus.HistogramVec, labels prometheus.Labels) uint64 {
	ch := make(chan prometheus.Metric)
	go func() {
		hv.Collect(ch)
		close(ch)
	}()
	var count uint64
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		match := true
		for k, want := range labels {
			found := false
			for _, lp := range dm.GetLabel() {
				if lp.GetName() == k && lp.GetValue() == want {
					found = true
					break
				}
			}
			match = match && found
		}
		if match {
			count = dm.GetHistogram().GetSampleCount()
		}
	}
	return count
}

// pathLabelSeen reports whether any http_requests_total series has the given path label.
func pathLabelSeen(path string) bool {
	ch := make(chan prometheus.Metric)
	go func() {
		telemetry.HTTPRequestsTotal.Collect(ch)
		close(ch)
	}()
	seen := false
	for m := range ch {
		var dm dto.Metric
		if err := m.Write(&dm); err != nil {
			continue
		}
		for _, lp := range dm.GetLabel() {
			if lp.GetName() == "path" && lp.GetValue() == path {
				seen = true
			}
		}
	}
	return seen
}

func newMetricsRouter(status int) *gin.Engine {
	r := gin.New()
	r.Use(MetricsMiddleware())
	r.GET("/api/elections/:id", func(c *gin.Context) { c.Status(status) })
	return r
}

func serve(r *gin.Engine, path string) {
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_CountsByRouteTemplate(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/elections/:id", "status": "200"}
	before := telemetry.CounterValue(telemetry.HTTPRequestsTotal, labels)

	serve(newMetricsRouter(http.StatusOK), "/api/elections/42")

	if got := telemetry.CounterValue(telemetry.HTTPRequestsTotal, labels) - before; got != 1 {
		t.Errorf("http_requests_total delta = %v, want 1", got)
	}
	if pathLabelSeen("/api/elections/42") {
		t.Error("raw URL used as path label; expected the route template")
	}
}

func TestMetricsMiddleware_RecordsDuration(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/elections/:id"}
	before := collectHistogramCount(telemetry.HTTPRequestDuration, labels)

	serve(newMetricsRouter(http.StatusOK), "/api/elections/99")

	if after := collectHistogramCount(telemetry.HTTPRequestDuration, labels); after != before+1 {
		t.Errorf("sample count = %d, want %d", after, before+1)
	}
}

func TestMetricsMiddleware_RecordsErrorStatus(t *testing.T) {
	labels := prometheus.Labels{"method": "GET", "path": "/api/elections/:id", "status": "500"}
	before := telemetry.CounterValue(telemetry.HTTPRequestsTotal, labels)

	serve(newMetricsRouter(http.StatusInternalServerError), "/api/elections/7")

	if got := telemetry.CounterValue(telemetry.HTTPRequestsTotal, labels) - before; got != 1 {
		t.Errorf("status=500 delta = %v, want 1", got)
	}
}

func TestMetricsMiddleware_NoRouteLabel(t *testing.T) {
	serve(newMetricsRouter(http.StatusOK), "/does-not-exist")
	if !pathLabelSeen("<no-route>") {
		t.Error("expected path label <no-route> for unmatched request")
	}
}
