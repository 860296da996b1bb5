// Package resilience implements the reliability primitives shared by every
// protected remote call in the kernel: the circuit breaker state machine and
// the retry/backoff helper it composes with.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaykit/orchestrator/core"
)

// CircuitState is one of the three states in spec.md §4.1's state machine.
type CircuitState int32

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MetricsCollector receives circuit breaker events. Implementations should
// not block; NewOTelMetricsCollector is the production implementation, and
// noopMetrics is used when no collector is configured.
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

type noopMetrics struct{}

func (noopMetrics) RecordSuccess(name string)                      {}
func (noopMetrics) RecordFailure(name string, errorType string)    {}
func (noopMetrics) RecordStateChange(name string, from, to string) {}
func (noopMetrics) RecordRejection(name string)                    {}

// CircuitBreakerConfig parameterizes one breaker instance. Per spec.md §6,
// thresholds and timeouts are per-endpoint (LLM defaults differ from tool
// defaults): construct one CircuitBreaker per protected dependency rather
// than sharing configuration across them.
type CircuitBreakerConfig struct {
	// Name identifies the protected endpoint in logs and metrics, e.g.
	// "llm" or "web_search".
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED -> OPEN.
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays OPEN before admitting a
	// single HALF_OPEN trial call.
	RecoveryTimeout time.Duration

	// ExecutionTimeout bounds each call; exceeding it counts as a failure.
	ExecutionTimeout time.Duration

	Logger  core.Logger
	Metrics MetricsCollector
}

// DefaultCircuitBreakerConfig returns the tool-call defaults from spec.md §6
// (failure_threshold=3, execution_timeout=15s). Callers protecting the LLM
// endpoint should override FailureThreshold to 4 and ExecutionTimeout to 45s.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 3,
		RecoveryTimeout:  30 * time.Second,
		ExecutionTimeout: 15 * time.Second,
	}
}

func (c *CircuitBreakerConfig) validate() error {
	if c.Name == "" {
		return core.NewFrameworkError("resilience.NewCircuitBreaker", "invalid_configuration", core.ErrInvalidConfiguration)
	}
	if c.FailureThreshold <= 0 {
		return core.NewFrameworkErrorWithID("resilience.NewCircuitBreaker", "invalid_configuration", c.Name, core.ErrInvalidConfiguration)
	}
	if c.RecoveryTimeout <= 0 {
		return core.NewFrameworkErrorWithID("resilience.NewCircuitBreaker", "invalid_configuration", c.Name, core.ErrInvalidConfiguration)
	}
	if c.ExecutionTimeout <= 0 {
		return core.NewFrameworkErrorWithID("resilience.NewCircuitBreaker", "invalid_configuration", c.Name, core.ErrInvalidConfiguration)
	}
	return nil
}

// CircuitBreaker guards one remote dependency. State mutation is guarded by
// mu; the protected call itself always runs outside the lock so a slow
// downstream never blocks unrelated state reads.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger core.Logger

	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	halfOpenInFlight bool
}

// NewCircuitBreaker validates config and constructs a breaker in the CLOSED
// state.
func NewCircuitBreaker(config CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/circuitbreaker")
	}
	if config.Metrics == nil {
		config.Metrics = noopMetrics{}
	}

	return &CircuitBreaker{
		config: config,
		logger: logger,
		state:  StateClosed,
	}, nil
}

// allow decides, under the lock, whether a call may proceed right now. It
// performs the OPEN -> HALF_OPEN transition itself so the decision and the
// transition are atomic with respect to other callers.
func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailureTime) < cb.config.RecoveryTimeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenInFlight = true
		return true

	case StateHalfOpen:
		if cb.halfOpenInFlight {
			return false
		}
		cb.halfOpenInFlight = true
		return true

	default:
		return false
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), to.String())
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"circuit_breaker": cb.config.Name,
		"from":            from.String(),
		"to":              to.String(),
	})
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0
	cb.halfOpenInFlight = false
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = time.Now()
	cb.halfOpenInFlight = false

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// CanExecute reports whether a call would currently be admitted, without
// performing the OPEN -> HALF_OPEN transition. Useful for diagnostics; the
// authoritative check happens inside Execute.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		return !cb.halfOpenInFlight
	default: // StateOpen
		return time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout
	}
}

// Execute runs fn under the breaker's execution timeout, gated by its
// current state. It never invokes fn when the breaker rejects the call.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allow() {
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return core.NewFrameworkErrorWithID("circuitbreaker.Execute", "circuit_open", cb.config.Name, core.ErrCircuitOpen)
	}

	callCtx, cancel := context.WithTimeout(ctx, cb.config.ExecutionTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("circuit breaker protected call panicked: %v", r)
			}
		}()
		done <- fn(callCtx)
	}()

	var err error
	select {
	case err = <-done:
	case <-callCtx.Done():
		err = core.NewFrameworkErrorWithID("circuitbreaker.Execute", "timeout", cb.config.Name, core.ErrExecutionTimeout)
	}

	if err != nil {
		cb.onFailure()
		cb.config.Metrics.RecordFailure(cb.config.Name, errorType(err))
		return err
	}

	cb.onSuccess()
	cb.config.Metrics.RecordSuccess(cb.config.Name)
	return nil
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitMetrics is the diagnostic snapshot spec.md §4.1 requires breakers
// to expose.
type CircuitMetrics struct {
	State           CircuitState
	FailureCount    int
	LastFailureTime time.Time
}

// GetMetrics returns a point-in-time snapshot of breaker diagnostics.
func (cb *CircuitBreaker) GetMetrics() CircuitMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitMetrics{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Reset forces the breaker back to CLOSED with a zeroed failure count. Used
// by tests and operational tooling; never called from the request path.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failureCount = 0
	cb.halfOpenInFlight = false
}

// RecordSuccess and RecordFailure are the non-Execute entry points used by
// RetryWithCircuitBreaker, where the caller runs fn itself and only needs
// the breaker for admission control and bookkeeping.
func (cb *CircuitBreaker) RecordSuccess() { cb.onSuccess() }
func (cb *CircuitBreaker) RecordFailure() { cb.onFailure() }

func errorType(err error) string {
	switch {
	case core.IsTimeout(err):
		return "timeout"
	case core.IsCircuitOpen(err):
		return "circuit_open"
	default:
		return "error"
	}
}
