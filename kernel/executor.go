package kernel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/resilience"
)

// maxRetryDelay bounds the backoff computed by resilience.Retry, in case a
// misconfigured ExecutorConfig (huge MaxRetries/BackoffFactor) would
// otherwise make a single attempt wait unreasonably long.
const maxRetryDelay = 30 * time.Second

// ExecutorConfig parameterizes one ReliableExecutor (spec.md §4.2).
type ExecutorConfig struct {
	MaxRetries          int
	BaseDelay           time.Duration
	BackoffFactor       float64
	PerAttemptTimeout   time.Duration
}

// ReliableExecutor wraps one tool execution with retry, per-attempt
// timeout, and metrics, composing a CircuitBreaker around every attempt so
// the data flow in spec.md §2 ("ReliableExecutor -> CircuitBreaker -> tool")
// holds for each retry, not just the first attempt.
//
// The attempt loop itself is resilience.Retry, reusing its exponential
// backoff and context-cancellation handling; each attempt it drives still
// runs through cb.Execute so the per-attempt ExecutionTimeout, the panic
// recovery inside that call, and the circuit's state gating apply uniformly
// across retries, not just the first one.
type ReliableExecutor struct {
	config  ExecutorConfig
	logger  core.Logger
	metrics *Metrics
}

// NewReliableExecutor constructs a ReliableExecutor.
func NewReliableExecutor(config ExecutorConfig, logger core.Logger, metrics *Metrics) *ReliableExecutor {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/executor")
	}
	return &ReliableExecutor{config: config, logger: logger, metrics: metrics}
}

// Execute runs tool.Execute(step) under cb, retrying on failure with
// exponential backoff up to MaxRetries. It never lets a panic or error
// escape: every path returns a ToolResponse (spec.md §4.2).
func (e *ReliableExecutor) Execute(ctx context.Context, cb *resilience.CircuitBreaker, tool Tool, step Step) ToolResponse {
	start := time.Now()
	var resp ToolResponse
	attempt := 0

	retryConfig := &resilience.RetryConfig{
		MaxAttempts:   e.config.MaxRetries + 1,
		InitialDelay:  e.config.BaseDelay,
		MaxDelay:      maxRetryDelay,
		BackoffFactor: e.config.BackoffFactor,
		JitterEnabled: false,
	}

	err := resilience.Retry(ctx, retryConfig, func() error {
		attempt++
		attemptStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, e.config.PerAttemptTimeout)
		defer cancel()

		cbErr := cb.Execute(attemptCtx, func(callCtx context.Context) error {
			resp = safeExecute(callCtx, tool, step)
			if resp.Status == StatusError {
				return errors.New(errString(resp.Metadata[MetaError]))
			}
			return nil
		})

		status := StatusSuccess
		if cbErr != nil {
			status = StatusError
		}
		if e.metrics != nil {
			e.metrics.RecordToolExecution(ctx, tool.Name(), status, time.Since(attemptStart).Seconds())
		}

		if cbErr != nil && attempt < retryConfig.MaxAttempts {
			e.logger.Warn("tool attempt failed, retrying", map[string]interface{}{
				"tool_name": tool.Name(),
				"attempt":   attempt,
				"error":     cbErr.Error(),
			})
		}
		return cbErr
	})

	if err == nil {
		if resp.Metadata == nil {
			resp.Metadata = map[string]interface{}{}
		}
		resp.Metadata[MetaTotalExecutionTime] = time.Since(start).Seconds()
		return resp
	}

	return e.finalError(err, start)
}

func (e *ReliableExecutor) finalError(err error, start time.Time) ToolResponse {
	resp := NewErrorResponse(err)
	resp.Metadata[MetaTotalExecutionTime] = time.Since(start).Seconds()
	return resp
}

// safeExecute recovers a panic from tool.Execute and converts it into an
// error ToolResponse, so a single misbehaving tool can never crash the
// fan-out goroutine running it (spec.md §6: tools "may raise on
// catastrophic bugs (caught by ReliableExecutor and converted)").
func safeExecute(ctx context.Context, tool Tool, step Step) (resp ToolResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = NewErrorResponse(fmt.Errorf("tool %q panicked: %v", tool.Name(), r))
		}
	}()
	return tool.Execute(ctx, step)
}

func errString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return "tool execution failed"
}
