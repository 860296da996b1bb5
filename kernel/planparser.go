package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaykit/orchestrator/core"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// planSchemaJSON is the structural shape every parsed plan must satisfy
// before the plan parser even looks at tool-whitelist/query-length rules
// (those are Guardrails.ValidatePlan's job, spec.md §4.4). This schema only
// enforces "it looks like a plan at all" — non-empty steps, each with a
// tool and query string — per SPEC_FULL.md §4.7's jsonschema pre-validation
// layer.
const planSchemaJSON = `{
  "type": "object",
  "required": ["steps"],
  "properties": {
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["tool", "query"],
        "properties": {
          "tool": {"type": "string", "minLength": 1},
          "query": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

// PlanParser turns a planner's raw output (already-structured JSON text, or
// a string needing JSON extraction) into a validated Plan, with a bounded
// repair loop that re-asks the LLM to fix malformed JSON before giving up.
//
// Grounded on orchestration/synthesizer.go's "extract JSON substring, parse,
// fall back" pattern, extended with santhosh-tekuri/jsonschema/v6 structural
// pre-validation (SPEC_FULL.md §4.7) ahead of the semantic checks Guardrails
// already performs, and goadesign-goa-ai/registry/service.go's
// compile-once-per-call jsonschema usage for the Compile/Validate pairing.
type PlanParser struct {
	schema            *jsonschema.Schema
	maxRepairAttempts int
	fallbackTool      string
	logger            core.Logger
}

// NewPlanParser compiles the structural schema once and returns a ready
// PlanParser. fallbackTool names the tool used by the deterministic
// single-step plan once repair attempts are exhausted (spec.md §4.7:
// "preferred_fallback_tool = rag_search if registered else web_search else
// first registered tool" — the caller resolves that precedence and passes
// the final choice in).
func NewPlanParser(maxRepairAttempts int, fallbackTool string, logger core.Logger) (*PlanParser, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/planparser")
	}

	var schemaDoc interface{}
	if err := json.Unmarshal([]byte(planSchemaJSON), &schemaDoc); err != nil {
		return nil, fmt.Errorf("planparser: unmarshal embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("plan.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("planparser: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("plan.json")
	if err != nil {
		return nil, fmt.Errorf("planparser: compile schema: %w", err)
	}

	return &PlanParser{
		schema:            schema,
		maxRepairAttempts: maxRepairAttempts,
		fallbackTool:      fallbackTool,
		logger:            logger,
	}, nil
}

// Parse attempts to turn raw planner output into a Plan. When raw is not
// clean JSON, it tries extracting the outermost {...} substring. When the
// result fails structural validation, it calls repair (normally an LLM
// "fix this JSON" call at temperature 0) up to maxRepairAttempts times.
// Once repair is exhausted it returns a deterministic single-step fallback
// plan against fallbackTool and logs planner_fallback_applied.
func (p *PlanParser) Parse(ctx context.Context, requestID, goal, raw string, repair func(ctx context.Context, brokenText string) (string, error)) (Plan, error) {
	candidate := raw

	for attempt := 0; attempt <= p.maxRepairAttempts; attempt++ {
		plan, err := p.tryParse(candidate)
		if err == nil {
			return plan, nil
		}

		if attempt == p.maxRepairAttempts {
			p.logger.Warn("planner_fallback_applied", map[string]interface{}{
				"request_id": requestID,
				"attempts":   attempt + 1,
				"error":      err.Error(),
			})
			return p.fallbackPlan(goal), nil
		}

		if repair == nil {
			p.logger.Warn("planner_fallback_applied", map[string]interface{}{
				"request_id": requestID,
				"attempts":   attempt + 1,
				"error":      "no repair function configured",
			})
			return p.fallbackPlan(goal), nil
		}

		p.logger.Info("plan parse failed, attempting repair", map[string]interface{}{
			"request_id": requestID,
			"attempt":    attempt + 1,
			"error":      err.Error(),
		})

		repaired, repairErr := repair(ctx, candidate)
		if repairErr != nil {
			p.logger.Warn("planner_fallback_applied", map[string]interface{}{
				"request_id": requestID,
				"attempts":   attempt + 1,
				"error":      repairErr.Error(),
			})
			return p.fallbackPlan(goal), nil
		}
		candidate = repaired
	}

	return p.fallbackPlan(goal), nil
}

// tryParse performs one strict-then-extracted JSON parse and a structural
// schema validation, returning the decoded Plan or the first failure.
func (p *PlanParser) tryParse(text string) (Plan, error) {
	body := strings.TrimSpace(text)

	var doc interface{}
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		extracted, ok := extractJSONObject(body)
		if !ok {
			return Plan{}, fmt.Errorf("no JSON object found in planner output: %w", err)
		}
		body = extracted
		if err := json.Unmarshal([]byte(body), &doc); err != nil {
			return Plan{}, fmt.Errorf("extracted text is not valid JSON: %w", err)
		}
	}

	if err := p.schema.Validate(doc); err != nil {
		return Plan{}, fmt.Errorf("plan failed structural validation: %w", err)
	}

	var wire struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		return Plan{}, fmt.Errorf("plan decode: %w", err)
	}
	return Plan{Steps: wire.Steps}, nil
}

// fallbackPlan is the deterministic single-step plan spec.md §4.7 mandates
// once repair is exhausted: a single step against the configured fallback
// tool, querying with the original user goal.
func (p *PlanParser) fallbackPlan(goal string) Plan {
	return Plan{Steps: []Step{{Tool: p.fallbackTool, Query: goal}}}
}

// extractJSONObject finds the first top-level {...} substring in text by
// brace counting, tolerating leading/trailing prose around the JSON body —
// the shape an LLM's "here is the plan: { ... }" response commonly takes.
func extractJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	for i := start; i < len(text); i++ {
		switch text[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}
