package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/orchestrator/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(name string, threshold int, recovery, execTimeout time.Duration) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		ExecutionTimeout: execTimeout,
	}
}

func TestNewCircuitBreaker_RejectsInvalidConfig(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{})
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 3, time.Minute, time.Second))
	require.NoError(t, err)

	failing := func(ctx context.Context) error { return errors.New("boom") }

	for i := 0; i < 3; i++ {
		_ = cb.Execute(context.Background(), failing)
	}

	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_OpenRejectsWithoutInvokingFn(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, time.Minute, time.Second))
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	called := false
	execErr := cb.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})

	require.Error(t, execErr)
	assert.False(t, called)
	assert.True(t, core.IsCircuitOpen(execErr))
}

func TestCircuitBreaker_HalfOpenProbeAfterRecoveryTimeout(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, 20*time.Millisecond, time.Second))
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	time.Sleep(30 * time.Millisecond)

	err = cb.Execute(context.Background(), func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetMetrics().FailureCount)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, 20*time.Millisecond, time.Second))
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	err = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom again") })
	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, 20*time.Millisecond, time.Second))
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	time.Sleep(30 * time.Millisecond)

	var wg sync.WaitGroup
	var admitted int32
	var mu sync.Mutex
	block := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(context.Background(), func(ctx context.Context) error {
			mu.Lock()
			admitted++
			mu.Unlock()
			<-block
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	secondErr := cb.Execute(context.Background(), func(ctx context.Context) error {
		mu.Lock()
		admitted++
		mu.Unlock()
		return nil
	})
	close(block)
	wg.Wait()

	require.Error(t, secondErr)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), admitted)
}

func TestCircuitBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, time.Minute, 10*time.Millisecond))
	require.NoError(t, err)

	execErr := cb.Execute(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.Error(t, execErr)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_PanicIsRecoveredAsFailure(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, time.Minute, time.Second))
	require.NoError(t, err)

	execErr := cb.Execute(context.Background(), func(ctx context.Context) error {
		panic("unexpected")
	})

	require.Error(t, execErr)
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, err := NewCircuitBreaker(testConfig("svc", 1, time.Minute, time.Second))
	require.NoError(t, err)

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("boom") })
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, 0, cb.GetMetrics().FailureCount)
}
