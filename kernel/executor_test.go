package kernel

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/relaykit/orchestrator/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTool struct {
	name    string
	calls   int32
	execute func(call int32) ToolResponse
}

func (c *countingTool) Name() string { return c.name }

func (c *countingTool) Execute(ctx context.Context, step Step) ToolResponse {
	call := atomic.AddInt32(&c.calls, 1)
	return c.execute(call)
}

func newExecutorCircuitBreaker(t *testing.T) *resilience.CircuitBreaker {
	t.Helper()
	cb, err := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "executor-test",
		FailureThreshold: 10,
		RecoveryTimeout:  time.Minute,
		ExecutionTimeout: time.Second,
	})
	require.NoError(t, err)
	return cb
}

func TestReliableExecutor_SucceedsOnFirstAttempt(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: time.Second}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse { return NewSuccessResponse("ok") }}

	resp := exec.Execute(context.Background(), newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.True(t, resp.IsSuccess())
	assert.Equal(t, int32(1), tool.calls)
	_, hasLatency := resp.Metadata[MetaTotalExecutionTime]
	assert.True(t, hasLatency)
}

func TestReliableExecutor_RetriesThenSucceeds(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: time.Second}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse {
		if call < 2 {
			return NewErrorResponse(assert.AnError)
		}
		return NewSuccessResponse("recovered")
	}}

	resp := exec.Execute(context.Background(), newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.True(t, resp.IsSuccess())
	assert.Equal(t, int32(2), tool.calls)
}

func TestReliableExecutor_ExhaustsRetriesAndReturnsError(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 2, BaseDelay: time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: time.Second}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse { return NewErrorResponse(assert.AnError) }}

	resp := exec.Execute(context.Background(), newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.False(t, resp.IsSuccess())
	assert.Equal(t, int32(3), tool.calls) // initial attempt + 2 retries
}

func TestReliableExecutor_RecoversToolPanic(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 0, BaseDelay: time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: time.Second}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse { panic("boom") }}

	resp := exec.Execute(context.Background(), newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.False(t, resp.IsSuccess())
	assert.Contains(t, resp.Metadata[MetaError], "panicked")
}

func TestReliableExecutor_PerAttemptTimeoutCountsAsFailure(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 0, BaseDelay: time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: 10 * time.Millisecond}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse {
		time.Sleep(50 * time.Millisecond)
		return NewSuccessResponse("too late")
	}}

	resp := exec.Execute(context.Background(), newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.False(t, resp.IsSuccess())
}

func TestReliableExecutor_StopsRetryingWhenContextCancelled(t *testing.T) {
	exec := NewReliableExecutor(ExecutorConfig{MaxRetries: 5, BaseDelay: 50 * time.Millisecond, BackoffFactor: 2, PerAttemptTimeout: time.Second}, nil, nil)
	tool := &countingTool{name: "t", execute: func(call int32) ToolResponse { return NewErrorResponse(assert.AnError) }}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp := exec.Execute(ctx, newExecutorCircuitBreaker(t), tool, Step{Tool: "t", Query: "q"})

	require.False(t, resp.IsSuccess())
	assert.Less(t, tool.calls, int32(6))
}
