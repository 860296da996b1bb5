package kernel

import (
	"context"

	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/resilience"
)

// RouterConfig parameterizes the Intelligent Router (spec.md §4.6).
type RouterConfig struct {
	SimilarityThreshold float64
	FallbackTool        string // defaults to "web_search" when empty
}

// Router resolves one Step to a tool invocation, falling back at most once
// (single-hop only, per spec.md §4.6: "no recursion"). Every fallback
// decision is logged with the request_id, the from/to tool names, and the
// reason (failure or low similarity score).
//
// Grounded on orchestration/executor.go's routing-decision logging style
// (structured fields on every branch) generalized to spec.md §4.6's two
// concrete fallback triggers — failure and confidence — instead of the
// teacher's broader hybrid-resolution/HITL escalation ladder, which spec.md
// has no equivalent for (single-hop only).
type Router struct {
	registry *Registry
	executor *ReliableExecutor
	logger   core.Logger
	config   RouterConfig
}

// NewRouter constructs a Router. fallbackTool defaults to "web_search" when
// config.FallbackTool is empty, per spec.md §4.6.
func NewRouter(registry *Registry, executor *ReliableExecutor, config RouterConfig, logger core.Logger) *Router {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/router")
	}
	if config.FallbackTool == "" {
		config.FallbackTool = "web_search"
	}
	return &Router{registry: registry, executor: executor, config: config, logger: logger}
}

// cbProvider resolves the CircuitBreaker guarding one tool's calls. Callers
// supply one breaker per tool name; the Router never constructs breakers
// itself since breaker lifetime must outlive a single request.
type cbProvider func(toolName string) *resilience.CircuitBreaker

// Route resolves and executes step, applying spec.md §4.6's single-hop
// fallback ladder:
//  1. Primary: execute step.Tool via the ReliableExecutor.
//  2. Failure-based fallback: if the primary response is an error, retry
//     once against config.FallbackTool (annotated fallback_from).
//  3. Confidence-based fallback: if the primary succeeds but reports a
//     similarity below config.SimilarityThreshold, retry once against
//     config.FallbackTool.
//
// Either fallback only fires once; its own result (success or failure) is
// final. requestID is carried purely for structured logging.
func (r *Router) Route(ctx context.Context, requestID string, step Step, cb cbProvider) ToolResponse {
	tool, err := r.registry.Get(step.Tool)
	if err != nil {
		r.logger.Error("router could not resolve requested tool", map[string]interface{}{
			"request_id": requestID,
			"tool_name":  step.Tool,
			"error":      err.Error(),
		})
		return NewErrorResponse(err)
	}

	resp := r.executor.Execute(ctx, cb(tool.Name()), tool, step)
	resp.Metadata[MetaRequestedTool] = step.Tool

	if !resp.IsSuccess() {
		return r.fallback(ctx, requestID, step, tool.Name(), "failure", resp, cb)
	}

	if sim, ok := resp.Metadata[MetaSimilarity]; ok {
		if score, ok := toFloat(sim); ok && score < r.config.SimilarityThreshold {
			r.logger.Info("router falling back on low confidence", map[string]interface{}{
				"request_id": requestID,
				"from":       tool.Name(),
				"to":         r.config.FallbackTool,
				"similarity": score,
			})
			return r.fallback(ctx, requestID, step, tool.Name(), "low_confidence", resp, cb)
		}
	}

	return resp
}

// fallback retries step against config.FallbackTool. When there is no
// distinct fallback tool to retry against — already on it, or it isn't
// registered — spec.md §4.6 step 5 requires returning the primary response
// unchanged rather than synthesizing a new error.
func (r *Router) fallback(ctx context.Context, requestID string, step Step, from, reason string, primary ToolResponse, cb cbProvider) ToolResponse {
	if from == r.config.FallbackTool {
		// already on the fallback tool; nothing left to fall back to
		return primary
	}

	fallbackTool, err := r.registry.Get(r.config.FallbackTool)
	if err != nil {
		r.logger.Error("router fallback tool unavailable", map[string]interface{}{
			"request_id": requestID,
			"from":       from,
			"to":         r.config.FallbackTool,
			"error":      err.Error(),
		})
		return primary
	}

	r.logger.Info("router falling back", map[string]interface{}{
		"request_id": requestID,
		"from":       from,
		"to":         fallbackTool.Name(),
		"reason":     reason,
	})

	fallbackStep := Step{Tool: fallbackTool.Name(), Query: step.Query}
	resp := r.executor.Execute(ctx, cb(fallbackTool.Name()), fallbackTool, fallbackStep)
	resp.Metadata[MetaRequestedTool] = step.Tool
	resp.Metadata[MetaFallbackFrom] = from
	return resp
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
