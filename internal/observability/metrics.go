package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for Ironclaw.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Engine metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	FuelUsedTotal     *prometheus.CounterVec

	// Host-call metrics.
	HostCallsTotal *prometheus.CounterVec

	// Compiled-module cache metrics.
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CachedModules    prometheus.Gauge

	// Security metrics.
	LeakFindingsTotal    *prometheus.CounterVec
	RateLimitDeniedTotal *prometheus.CounterVec

	// Tool metrics (wasm-backed and MCP-bridged).
	ToolExecutionsTotal   *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total module executions by terminal state.",
		}, []string{"module", "state"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ironclaw",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Module execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"module"}),

		FuelUsedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "engine",
			Name:      "fuel_used_total",
			Help:      "Total fuel units consumed by module executions.",
		}, []string{"module"}),

		HostCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "host",
			Name:      "calls_total",
			Help:      "Total host calls by operation and decision.",
		}, []string{"op", "decision"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Compiled-module cache hits.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Compiled-module cache misses.",
		}),

		CachedModules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironclaw",
			Subsystem: "cache",
			Name:      "modules",
			Help:      "Compiled modules currently cached.",
		}),

		LeakFindingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "security",
			Name:      "leak_findings_total",
			Help:      "Secret-shaped content findings in module output.",
		}, []string{"module", "rule"}),

		RateLimitDeniedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "security",
			Name:      "rate_limit_denials_total",
			Help:      "Host calls denied by rate limiting.",
		}, []string{"module", "category"}),

		ToolExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "tool",
			Name:      "executions_total",
			Help:      "Total tool executions.",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ironclaw",
			Subsystem: "tool",
			Name:      "execution_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ironclaw",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ironclaw",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	// Register all collectors.
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.FuelUsedTotal,
		m.HostCallsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CachedModules,
		m.LeakFindingsTotal,
		m.RateLimitDeniedTotal,
		m.ToolExecutionsTotal,
		m.ToolExecutionDuration,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}
