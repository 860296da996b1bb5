package tracesink

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryTraceSink_InsertThenGet(t *testing.T) {
	sink := NewInMemoryTraceSink()
	trace := kernel.Trace{RequestID: "req-1", Goal: "explain rag", Timestamp: time.Now()}

	require.NoError(t, sink.Insert(context.Background(), trace))

	got, err := sink.Get(context.Background(), "req-1")
	require.NoError(t, err)
	assert.Equal(t, "explain rag", got.Goal)
}

func TestInMemoryTraceSink_InsertRejectsEmptyRequestID(t *testing.T) {
	sink := NewInMemoryTraceSink()
	err := sink.Insert(context.Background(), kernel.Trace{})
	require.Error(t, err)
}

func TestInMemoryTraceSink_GetUnknownRequestFails(t *testing.T) {
	sink := NewInMemoryTraceSink()
	_, err := sink.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestInMemoryTraceSink_RecentOrdersByTimestampDescending(t *testing.T) {
	sink := NewInMemoryTraceSink()
	now := time.Now()
	ctx := context.Background()

	require.NoError(t, sink.Insert(ctx, kernel.Trace{RequestID: "old", Timestamp: now.Add(-time.Hour)}))
	require.NoError(t, sink.Insert(ctx, kernel.Trace{RequestID: "new", Timestamp: now}))
	require.NoError(t, sink.Insert(ctx, kernel.Trace{RequestID: "newest", Timestamp: now.Add(time.Hour)}))

	recent := sink.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "newest", recent[0].RequestID)
	assert.Equal(t, "new", recent[1].RequestID)
}

func newMiniredisTraceClient(t *testing.T) *core.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBTrace,
		Namespace: "orch:trace:test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisTraceSink_InsertThenGet(t *testing.T) {
	client := newMiniredisTraceClient(t)
	sink := NewRedisTraceSink(client, "", time.Hour, 24*time.Hour, nil)

	trace := kernel.Trace{RequestID: "req-2", Goal: "explain caching", Timestamp: time.Now()}
	require.NoError(t, sink.Insert(context.Background(), trace))

	got, err := sink.Get(context.Background(), "req-2")
	require.NoError(t, err)
	assert.Equal(t, "explain caching", got.Goal)
	assert.Equal(t, "req-2", got.RequestID)
}

func TestRedisTraceSink_InsertRejectsEmptyRequestID(t *testing.T) {
	client := newMiniredisTraceClient(t)
	sink := NewRedisTraceSink(client, "trace", time.Hour, time.Hour, nil)

	err := sink.Insert(context.Background(), kernel.Trace{})
	require.Error(t, err)
}

func TestRedisTraceSink_GetUnknownRequestFails(t *testing.T) {
	client := newMiniredisTraceClient(t)
	sink := NewRedisTraceSink(client, "trace", time.Hour, time.Hour, nil)

	_, err := sink.Get(context.Background(), "missing")
	require.Error(t, err)
}

func TestRedisTraceSink_ErroredTraceUsesErrorTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBTrace,
		Namespace: "orch:trace:ttl",
	})
	require.NoError(t, err)
	defer client.Close()

	sink := NewRedisTraceSink(client, "trace", time.Minute, time.Hour, nil)
	trace := kernel.Trace{RequestID: "req-3", ErrorKind: "guardrail_blocked", Timestamp: time.Now()}
	require.NoError(t, sink.Insert(context.Background(), trace))

	mr.FastForward(2 * time.Minute)
	_, err = sink.Get(context.Background(), "req-3")
	require.NoError(t, err, "error-kind traces should still be retrievable past the success TTL")
}
