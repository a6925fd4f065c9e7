package observability

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestNewMetricsRegistersWithoutPanicking(t *testing.T) {
	m := NewMetrics()
	if m.registry == nil {
		t.Fatal("expected a non-nil registry")
	}
}

func TestMetricsServeExposesPluginkNamespace(t *testing.T) {
	m := NewMetrics()
	m.CapabilityGrantsTotal.Inc()
	m.PoolInstancesCurrent.WithLabelValues("idle").Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "plugink_capability_grants_total 1") {
		t.Errorf("expected exposition text to include the incremented counter, got:\n%s", body)
	}
	if !strings.Contains(body, `plugink_pool_instances_current{state="idle"} 3`) {
		t.Errorf("expected exposition text to include the labeled gauge, got:\n%s", body)
	}
}
