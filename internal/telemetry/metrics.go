// Package telemetry provides observability primitives for the Routiium gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	PlanCacheHits    prometheus.Counter
	PlanCacheMisses  prometheus.Counter
	PlanCacheStale   prometheus.Counter
	TokensProcessed  *prometheus.CounterVec
	AnalyticsQueue   prometheus.Gauge
	AnalyticsDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routiium",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routiium",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "routiium",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream invocation duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"backend", "model"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "upstream_errors_total",
			Help:      "Total upstream invocation errors.",
		}, []string{"backend", "status"}),

		PlanCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "plan_cache_hits_total",
			Help:      "Total route plan cache hits.",
		}),

		PlanCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "plan_cache_misses_total",
			Help:      "Total route plan cache misses.",
		}),

		PlanCacheStale: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "plan_cache_stale_total",
			Help:      "Total stale route plans served during policy service failures.",
		}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "tokens_processed_total",
			Help:      "Total tokens processed.",
		}, []string{"model", "type"}),

		AnalyticsQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "routiium",
			Name:      "analytics_queue_length",
			Help:      "Current number of queued analytics events.",
		}),

		AnalyticsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "routiium",
			Name:      "analytics_dropped_total",
			Help:      "Total analytics events dropped on a full queue.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.PlanCacheHits,
		m.PlanCacheMisses,
		m.PlanCacheStale,
		m.TokensProcessed,
		m.AnalyticsQueue,
		m.AnalyticsDropped,
	)

	return m
}

// ObservePlanCache records one plan cache outcome given the x-route-cache
// value attached to the plan.
func (m *Metrics) ObservePlanCache(state string) {
	switch state {
	case "hit":
		m.PlanCacheHits.Inc()
	case "stale":
		m.PlanCacheStale.Inc()
	case "miss":
		m.PlanCacheMisses.Inc()
	}
}
