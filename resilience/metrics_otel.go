package resilience

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsCollector implements MetricsCollector on top of
// go.opentelemetry.io/otel/metric. Instruments are created lazily and cached
// so construction never fails even before a MeterProvider is configured
// (the default global provider is a no-op until one is installed).
type OTelMetricsCollector struct {
	meter metric.Meter

	mu             sync.Mutex
	callCounter    metric.Int64Counter
	stateChangeCtr metric.Int64Counter
	rejectionCtr   metric.Int64Counter
	stateGauges    map[string]func() string
}

// NewOTelMetricsCollector creates a collector against the named meter
// ("kernel/resilience" by convention).
func NewOTelMetricsCollector(meterName string) *OTelMetricsCollector {
	return &OTelMetricsCollector{
		meter:       otel.Meter(meterName),
		stateGauges: make(map[string]func() string),
	}
}

func (o *OTelMetricsCollector) ensureInstruments() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.callCounter == nil {
		o.callCounter, _ = o.meter.Int64Counter("kernel.circuitbreaker.calls",
			metric.WithDescription("circuit breaker protected calls by result"))
	}
	if o.stateChangeCtr == nil {
		o.stateChangeCtr, _ = o.meter.Int64Counter("kernel.circuitbreaker.state_changes",
			metric.WithDescription("circuit breaker state transitions"))
	}
	if o.rejectionCtr == nil {
		o.rejectionCtr, _ = o.meter.Int64Counter("kernel.circuitbreaker.rejections",
			metric.WithDescription("calls rejected while the breaker was open"))
	}
}

// RecordSuccess records a successful circuit breaker execution.
func (o *OTelMetricsCollector) RecordSuccess(name string) {
	o.ensureInstruments()
	o.callCounter.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("circuit_breaker", name), attribute.String("result", "success")))
}

// RecordFailure records a failed circuit breaker execution.
func (o *OTelMetricsCollector) RecordFailure(name string, errorType string) {
	o.ensureInstruments()
	o.callCounter.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("result", "failure"),
			attribute.String("error_type", errorType),
		))
}

// RecordStateChange records a circuit breaker state transition.
func (o *OTelMetricsCollector) RecordStateChange(name string, from, to string) {
	o.ensureInstruments()
	o.stateChangeCtr.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("circuit_breaker", name),
			attribute.String("from_state", from),
			attribute.String("to_state", to),
		))
}

// RecordRejection records when the circuit breaker rejects a request.
func (o *OTelMetricsCollector) RecordRejection(name string) {
	o.ensureInstruments()
	o.rejectionCtr.Add(context.Background(), 1, metric.WithAttributes(attribute.String("circuit_breaker", name)))
}

// RegisterStateGauge registers an observable gauge reporting the breaker's
// current state (0=closed, 0.5=half_open, 1=open).
func (o *OTelMetricsCollector) RegisterStateGauge(name string, stateFunc func() string) error {
	gauge, err := o.meter.Float64ObservableGauge(
		"kernel.circuitbreaker.state",
		metric.WithDescription("current state of the circuit breaker (0=closed, 0.5=half_open, 1=open)"),
	)
	if err != nil {
		return err
	}

	_, err = o.meter.RegisterCallback(func(ctx context.Context, observer metric.Observer) error {
		state := stateFunc()
		observer.ObserveFloat64(gauge, stateValue(state),
			metric.WithAttributes(attribute.String("circuit_breaker", name), attribute.String("state", state)))
		return nil
	}, gauge)
	return err
}

func stateValue(state string) float64 {
	switch state {
	case "open":
		return 1.0
	case "half_open":
		return 0.5
	default:
		return 0.0
	}
}
