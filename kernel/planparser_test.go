package kernel

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanParser_ParsesCleanJSON(t *testing.T) {
	p, err := NewPlanParser(2, "web_search", nil)
	require.NoError(t, err)

	raw := `{"steps":[{"tool":"rag_search","query":"RAG overview"}]}`
	plan, err := p.Parse(context.Background(), "req-1", "Explain RAG", raw, nil)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "rag_search", plan.Steps[0].Tool)
}

func TestPlanParser_ExtractsJSONFromSurroundingProse(t *testing.T) {
	p, err := NewPlanParser(2, "web_search", nil)
	require.NoError(t, err)

	raw := `Sure, here is the plan: {"steps":[{"tool":"web_search","query":"weather today"}]} hope that helps`
	plan, err := p.Parse(context.Background(), "req-2", "weather", raw, nil)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "web_search", plan.Steps[0].Tool)
}

func TestPlanParser_RepairsOnceThenSucceeds(t *testing.T) {
	p, err := NewPlanParser(2, "web_search", nil)
	require.NoError(t, err)

	attempts := 0
	repair := func(ctx context.Context, broken string) (string, error) {
		attempts++
		return `{"steps":[{"tool":"web_search","query":"fixed"}]}`, nil
	}

	plan, err := p.Parse(context.Background(), "req-3", "goal", "not json at all", repair)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, 1, attempts)
}

func TestPlanParser_FallsBackAfterExhaustingRepairAttempts(t *testing.T) {
	p, err := NewPlanParser(2, "web_search", nil)
	require.NoError(t, err)

	repair := func(ctx context.Context, broken string) (string, error) {
		return "still not json", nil
	}

	plan, err := p.Parse(context.Background(), "req-4", "my goal", "garbage", repair)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "web_search", plan.Steps[0].Tool)
	assert.Equal(t, "my goal", plan.Steps[0].Query)
}

func TestPlanParser_FallsBackImmediatelyWithNoRepairFunc(t *testing.T) {
	p, err := NewPlanParser(2, "rag_search", nil)
	require.NoError(t, err)

	plan, err := p.Parse(context.Background(), "req-5", "my goal", "garbage", nil)

	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "rag_search", plan.Steps[0].Tool)
	assert.Equal(t, "my goal", plan.Steps[0].Query)
}

func TestPlanParser_FallsBackWhenRepairItselfErrors(t *testing.T) {
	p, err := NewPlanParser(2, "web_search", nil)
	require.NoError(t, err)

	repair := func(ctx context.Context, broken string) (string, error) {
		return "", fmt.Errorf("llm unavailable")
	}

	plan, err := p.Parse(context.Background(), "req-6", "my goal", "garbage", repair)

	require.NoError(t, err)
	assert.Equal(t, "web_search", plan.Steps[0].Tool)
}

func TestPlanParser_RejectsPlanWithNoSteps(t *testing.T) {
	p, err := NewPlanParser(0, "web_search", nil)
	require.NoError(t, err)

	plan, err := p.Parse(context.Background(), "req-7", "my goal", `{"steps":[]}`, nil)

	require.NoError(t, err)
	// schema validation rejects the empty-steps document, so the fallback
	// plan is produced instead of an empty Plan.
	require.Len(t, plan.Steps, 1)
}
