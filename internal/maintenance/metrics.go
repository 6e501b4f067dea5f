package maintenance

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the janitor.
type Metrics struct {
	SweepsTotal    prometheus.Counter
	SweepDuration  prometheus.Histogram
	ModulesEvicted prometheus.Counter
	BucketsPruned  prometheus.Counter
}

// NewMetrics creates and registers janitor metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "maintenance",
			Name:      "sweeps_total",
			Help:      "Total maintenance sweeps run.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ironclaw",
			Subsystem: "maintenance",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of each maintenance sweep.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		ModulesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "maintenance",
			Name:      "modules_evicted_total",
			Help:      "Compiled modules evicted from the cache by idle sweeps.",
		}),
		BucketsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ironclaw",
			Subsystem: "maintenance",
			Name:      "buckets_pruned_total",
			Help:      "Stale rate-limit buckets pruned by sweeps.",
		}),
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepDuration,
		m.ModulesEvicted,
		m.BucketsPruned,
	)

	return m
}
