package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	if m.RequestsTotal == nil {
		t.Error("RequestsTotal is nil")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}
	if m.ActiveRequests == nil {
		t.Error("ActiveRequests is nil")
	}
	if m.UpstreamDuration == nil {
		t.Error("UpstreamDuration is nil")
	}
	if m.UpstreamErrors == nil {
		t.Error("UpstreamErrors is nil")
	}
	if m.PlanCacheHits == nil {
		t.Error("PlanCacheHits is nil")
	}
	if m.PlanCacheMisses == nil {
		t.Error("PlanCacheMisses is nil")
	}
	if m.PlanCacheStale == nil {
		t.Error("PlanCacheStale is nil")
	}
	if m.TokensProcessed == nil {
		t.Error("TokensProcessed is nil")
	}
	if m.AnalyticsQueue == nil {
		t.Error("AnalyticsQueue is nil")
	}
	if m.AnalyticsDropped == nil {
		t.Error("AnalyticsDropped is nil")
	}

	// Verify metrics can be gathered without error.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected at least one metric family")
	}
}

func TestNewMetricsIncrement(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	// Increment counters and observe histograms to verify they work.
	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.PlanCacheHits.Inc()
	m.PlanCacheMisses.Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)
	m.UpstreamDuration.WithLabelValues("openai", "gpt-4o").Observe(0.456)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather after increment: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	want := []string{
		"routiium_requests_total",
		"routiium_plan_cache_hits_total",
		"routiium_plan_cache_misses_total",
		"routiium_active_requests",
		"routiium_request_duration_seconds",
		"routiium_upstream_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}

func TestObservePlanCache(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewMetrics(reg)

	m.ObservePlanCache("hit")
	m.ObservePlanCache("hit")
	m.ObservePlanCache("miss")
	m.ObservePlanCache("stale")
	m.ObservePlanCache("") // unrouted responses carry no state

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				got[f.GetName()] = c.GetValue()
			}
		}
	}

	if got["routiium_plan_cache_hits_total"] != 2 {
		t.Errorf("hits = %v, want 2", got["routiium_plan_cache_hits_total"])
	}
	if got["routiium_plan_cache_misses_total"] != 1 {
		t.Errorf("misses = %v, want 1", got["routiium_plan_cache_misses_total"])
	}
	if got["routiium_plan_cache_stale_total"] != 1 {
		t.Errorf("stale = %v, want 1", got["routiium_plan_cache_stale_total"])
	}
}

// SetupTracing is not unit-tested because it requires a gRPC connection
// to an OTLP collector, which is integration-test territory.
