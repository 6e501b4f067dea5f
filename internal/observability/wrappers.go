package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielsimonjr/ironclaw/internal/sandbox"
	"github.com/danielsimonjr/ironclaw/internal/tools"
)

// --- Engine metrics sink ---
//
// *MetricsCollector satisfies sandbox.Metrics so the engine can record
// without importing prometheus. All methods are nil-receiver safe.

// RecordExecution counts one module execution with its terminal state.
func (m *MetricsCollector) RecordExecution(module, state string, duration time.Duration, fuelUsed uint64) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(module, state).Inc()
	m.ExecutionDuration.WithLabelValues(module).Observe(duration.Seconds())
	m.FuelUsedTotal.WithLabelValues(module).Add(float64(fuelUsed))
}

// RecordHostCall counts one host call by operation and decision.
func (m *MetricsCollector) RecordHostCall(op, decision string) {
	if m == nil {
		return
	}
	m.HostCallsTotal.WithLabelValues(op, decision).Inc()
}

// RecordCacheHit counts a compiled-module cache hit.
func (m *MetricsCollector) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss counts a compiled-module cache miss.
func (m *MetricsCollector) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMissesTotal.Inc()
}

// SetCacheSize records the current number of cached compiled modules.
func (m *MetricsCollector) SetCacheSize(n int) {
	if m == nil {
		return
	}
	m.CachedModules.Set(float64(n))
}

// RecordLeakFinding counts one secret-shaped finding in module output.
func (m *MetricsCollector) RecordLeakFinding(module, rule string) {
	if m == nil {
		return
	}
	m.LeakFindingsTotal.WithLabelValues(module, rule).Inc()
}

// RecordRateLimitDenial counts one host call denied by rate limiting.
func (m *MetricsCollector) RecordRateLimitDenial(module, category string) {
	if m == nil {
		return
	}
	m.RateLimitDeniedTotal.WithLabelValues(module, category).Inc()
}

// --- InstrumentedTool ---

// InstrumentedTool wraps a tools.Tool with metrics, tracing, and anomaly detection.
type InstrumentedTool struct {
	inner   tools.Tool
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedTool wraps a tool with observability.
func NewInstrumentedTool(inner tools.Tool, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedTool {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedTool{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (t *InstrumentedTool) Name() string                { return t.inner.Name() }
func (t *InstrumentedTool) Description() string         { return t.inner.Description() }
func (t *InstrumentedTool) InputSchema() map[string]any { return t.inner.InputSchema() }

func (t *InstrumentedTool) Validate(params map[string]any) error { return t.inner.Validate(params) }

func (t *InstrumentedTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name := t.inner.Name()

	if t.tracer != nil {
		var span trace.Span
		ctx, span = t.tracer.Start(ctx, "tool.execute",
			trace.WithAttributes(
				attribute.String("tool.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	result, err := t.inner.Execute(ctx, params)
	duration := time.Since(start).Seconds()

	status := "success"
	switch {
	case err != nil:
		status = "error"
		if t.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	case result != nil && !result.Success:
		status = "failed"
		if t.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.SetAttributes(attribute.Bool("tool.success", false))
		}
	}

	if t.metrics != nil {
		t.metrics.ToolExecutionsTotal.WithLabelValues(name, status).Inc()
		t.metrics.ToolExecutionDuration.WithLabelValues(name).Observe(duration)
	}

	if t.anomaly != nil {
		if status == "success" {
			t.anomaly.RecordSuccess("tool_" + name)
		} else {
			t.anomaly.RecordError("tool_" + name)
		}
	}

	return result, err
}

// --- Compile-time interface checks ---

var (
	_ tools.Tool      = (*InstrumentedTool)(nil)
	_ sandbox.Metrics = (*MetricsCollector)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
