package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// TestMetrics_Usable verifies that all metrics can be used without panic, ensuring label
// dimensions match usage across the client, cache, service and http packages.
func TestMetrics_Usable(t *testing.T) {
	HTTPRequestsTotal.WithLabelValues("GET", "/weather", "2xx").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/weather").Observe(0.01)
	UpstreamCallsTotal.WithLabelValues("forecast", "success").Inc()
	UpstreamDuration.WithLabelValues("archive", "server_error").Observe(0.2)
	UpstreamRetriesTotal.WithLabelValues("archive").Inc()
	RateLimiterWaitSeconds.WithLabelValues("api.open-meteo.com").Observe(0.1)
	CacheHitsTotal.WithLabelValues("forecast").Inc()
	CacheMissesTotal.WithLabelValues("historical").Inc()
	CacheEvictionsTotal.WithLabelValues("capacity").Add(3)
	CacheFaultsTotal.WithLabelValues("set").Inc()
	DateClassificationsTotal.WithLabelValues("future").Inc()
	PredictionOutcomesTotal.WithLabelValues("blend").Inc()
	DataQualityDroppedTotal.WithLabelValues("forecast", "placeholder").Inc()
	CircuitBreakerState.WithLabelValues("forecast").Set(2)
}

// TestMetricsHandler_ServesPrometheusFormat verifies that MetricsHandler serves
// Prometheus text exposition format with correct HTTP status and metric output.
func TestMetricsHandler_ServesPrometheusFormat(t *testing.T) {
	UpstreamCallsTotal.WithLabelValues("forecast", "success").Inc()

	handler := MetricsHandler()
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("MetricsHandler status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "upstreamCallsTotal") {
		t.Error("MetricsHandler response should contain metric output")
	}
}
