package kernel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics wraps the two instruments spec.md §4.2 and §4.8 mandate: a tool
// execution counter and a latency histogram per attempt, plus the
// orchestrator's total-request-latency histogram. Grounded on the teacher's
// cached-instrument pattern (telemetry/metrics.go's MetricInstruments,
// resilience/metrics_otel.go's attribute wiring), folded directly onto
// go.opentelemetry.io/otel/metric since the teacher's own telemetry package
// wrapper was not carried forward into this repo (see DESIGN.md).
type Metrics struct {
	meter metric.Meter

	mu               sync.Mutex
	toolExecutions   metric.Int64Counter
	toolLatency      metric.Float64Histogram
	totalLatency     metric.Float64Histogram
}

// NewMetrics creates a Metrics instance against the named meter. When no
// MeterProvider has been installed, OTel's default no-op provider makes
// every instrument a safe, harmless sink.
func NewMetrics(meterName string) *Metrics {
	return &Metrics{meter: otel.Meter(meterName)}
}

func (m *Metrics) ensureInstruments() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.toolExecutions == nil {
		m.toolExecutions, _ = m.meter.Int64Counter(
			"kernel.tool.executions",
			metric.WithDescription("tool executions by tool_name and status"),
		)
	}
	if m.toolLatency == nil {
		m.toolLatency, _ = m.meter.Float64Histogram(
			"kernel.tool.latency_seconds",
			metric.WithDescription("per-attempt tool execution latency"),
			metric.WithUnit("s"),
		)
	}
	if m.totalLatency == nil {
		m.totalLatency, _ = m.meter.Float64Histogram(
			"kernel.request.total_latency_seconds",
			metric.WithDescription("end-to-end orchestrator request latency"),
			metric.WithUnit("s"),
		)
	}
}

// RecordToolExecution records one Reliable Executor attempt (spec.md §4.2:
// "records two metrics per attempt").
func (m *Metrics) RecordToolExecution(ctx context.Context, toolName, status string, latencySeconds float64) {
	m.ensureInstruments()
	attrs := metric.WithAttributes(attribute.String("tool_name", toolName), attribute.String("status", status))
	m.toolExecutions.Add(ctx, 1, attrs)
	m.toolLatency.Record(ctx, latencySeconds, metric.WithAttributes(attribute.String("tool_name", toolName)))
}

// RecordTotalLatency observes one request's end-to-end latency (spec.md
// §4.8 step 13).
func (m *Metrics) RecordTotalLatency(ctx context.Context, latencySeconds float64) {
	m.ensureInstruments()
	m.totalLatency.Record(ctx, latencySeconds)
}
