package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/relaykit/orchestrator/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_L1MissThenHit(t *testing.T) {
	c := NewCache(time.Minute, nil, nil)
	ctx := context.Background()

	_, hit := c.Get(ctx, "explain rag", "")
	assert.False(t, hit)

	c.Set(ctx, "explain rag", "", "RAG is retrieval-augmented generation")
	answer, hit := c.Get(ctx, "explain rag", "")
	require.True(t, hit)
	assert.Equal(t, "RAG is retrieval-augmented generation", answer)
}

func TestCache_NormalizesGoalForKeying(t *testing.T) {
	c := NewCache(time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "  Explain   RAG  ", "", "answer")
	_, hit := c.Get(ctx, "explain rag", "")
	assert.True(t, hit)
}

func TestCache_PlanLookupHitsGoalOnlyEntry(t *testing.T) {
	c := NewCache(time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "explain rag", "", "goal-only answer")
	answer, hit := c.Get(ctx, "explain rag", "rag_search:RAG overview;")
	require.True(t, hit)
	assert.Equal(t, "goal-only answer", answer)
}

func TestCache_SetWithPlanTextAlsoPopulatesGoalOnlyKey(t *testing.T) {
	c := NewCache(time.Minute, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "explain rag", "rag_search:RAG overview;", "plan-specific answer")

	answer, hit := c.Get(ctx, "explain rag", "")
	require.True(t, hit)
	assert.Equal(t, "plan-specific answer", answer)

	answer, hit = c.Get(ctx, "explain rag", "web_search:different plan;")
	require.True(t, hit)
	assert.Equal(t, "plan-specific answer", answer)
}

func TestCache_L1EntryExpiresAfterTTL(t *testing.T) {
	c := NewCache(20*time.Millisecond, nil, nil)
	ctx := context.Background()

	c.Set(ctx, "goal", "", "answer")
	time.Sleep(40 * time.Millisecond)

	_, hit := c.Get(ctx, "goal", "")
	assert.False(t, hit)
}

func newMiniredisClient(t *testing.T) (*miniredis.Miniredis, *core.RedisClient) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBCache,
		Namespace: "orch:cache:test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestCache_L2HitIsPromotedIntoL1(t *testing.T) {
	mr, client := newMiniredisClient(t)
	c := NewCache(time.Minute, client, nil)
	ctx := context.Background()

	c.Set(ctx, "goal", "", "durable answer")

	// Simulate a fresh process: a new Cache sharing the same Redis backend
	// has no L1 entries yet, so the first Get must come from L2.
	fresh := NewCache(time.Minute, client, nil)
	answer, hit := fresh.Get(ctx, "goal", "")
	require.True(t, hit)
	assert.Equal(t, "durable answer", answer)

	// Second Get should be served from the now-populated L1 tier even if
	// Redis goes away.
	mr.Close()
	answer, hit = fresh.Get(ctx, "goal", "")
	require.True(t, hit)
	assert.Equal(t, "durable answer", answer)
}

func TestCache_L2MissWhenRedisUnreachable(t *testing.T) {
	mr, client := newMiniredisClient(t)
	mr.Close()

	c := NewCache(time.Minute, client, nil)
	_, hit := c.Get(context.Background(), "goal", "")
	assert.False(t, hit)
}

func TestCache_SweepEvictsExpiredEntries(t *testing.T) {
	c := NewCache(10*time.Millisecond, nil, nil)
	c.Set(context.Background(), "goal", "", "answer")
	time.Sleep(20 * time.Millisecond)

	c.sweepL1()

	c.mu.RLock()
	_, stillPresent := c.l1[c.key("goal", "")]
	c.mu.RUnlock()
	assert.False(t, stillPresent)
}
