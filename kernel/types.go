// Package kernel implements the request-scoped plan-and-execute
// orchestration engine: planner-output validation, bounded-parallelism step
// scheduling, the intelligent router, the reliable executor, the circuit
// breaker, and the two-tier response cache.
package kernel

import (
	"context"
	"time"
)

// Tool status values (spec.md §3).
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Reserved ToolResponse metadata keys (spec.md §3).
const (
	MetaSimilarity          = "similarity"
	MetaTotalExecutionTime  = "total_execution_time"
	MetaRequestedTool       = "requested_tool"
	MetaFallbackFrom        = "fallback_from"
	MetaError               = "error"
	MetaCircuitStatus       = "circuit_status"
)

// Step is one plan entry: a tool name and the query to hand it. Steps carry
// no inter-step data dependencies — the kernel never references step i's
// output when constructing step j's input (spec.md §3).
type Step struct {
	Tool  string `json:"tool"`
	Query string `json:"query"`
}

// Plan is an ordered, non-empty, bounded-length sequence of Steps.
type Plan struct {
	Steps []Step
}

// ToolResponse is the uniform result every Tool produces.
type ToolResponse struct {
	Status   string                 `json:"status"`
	Data     *string                `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
}

// NewSuccessResponse builds a ToolResponse with Status=success and the given
// data, with a fresh metadata map ready for annotation.
func NewSuccessResponse(data string) ToolResponse {
	return ToolResponse{Status: StatusSuccess, Data: &data, Metadata: map[string]interface{}{}}
}

// NewErrorResponse builds a ToolResponse with Status=error and the failure
// recorded under the "error" metadata key.
func NewErrorResponse(err error) ToolResponse {
	return ToolResponse{
		Status:   StatusError,
		Data:     nil,
		Metadata: map[string]interface{}{MetaError: err.Error()},
	}
}

// IsSuccess reports whether this response completed without error.
func (r ToolResponse) IsSuccess() bool {
	return r.Status == StatusSuccess
}

// Tool is the uniform, stateless-from-the-kernel's-perspective downstream
// capability contract (spec.md §6). Implementations must not let ordinary
// failures escape as panics — wrap them in an error ToolResponse — but the
// kernel tolerates a panic: ReliableExecutor recovers it and converts it
// into an error ToolResponse.
type Tool interface {
	Name() string
	Execute(ctx context.Context, step Step) ToolResponse
}

// Observation is one executed Step's result, ordered by StepIndex (1-based,
// spec.md §3).
type Observation struct {
	StepIndex int          `json:"step_index"`
	Tool      string       `json:"tool"`
	Query     string       `json:"query"`
	Response  ToolResponse `json:"response"`
}

// LatencyBreakdown is the per-request timing record persisted in Trace and
// observed into the total-latency histogram.
type LatencyBreakdown struct {
	Planner      time.Duration `json:"planner"`
	ToolTotal    time.Duration `json:"tool_total"`
	ToolWallTime time.Duration `json:"tool_wall_time"`
	Synthesis    time.Duration `json:"synthesis"`
	Total        time.Duration `json:"total"`
}

// Trace is the append-only per-request document persisted by TraceSink.
// Trace failure must never fail the request (spec.md §3).
type Trace struct {
	RequestID    string        `json:"request_id"`
	SessionID    string        `json:"session_id"`
	Goal         string        `json:"goal"`
	PlanText     string        `json:"plan_text"`
	Steps        []Step        `json:"steps"`
	Observations []Observation `json:"observations"`
	FinalAnswer  *string       `json:"final_answer"`
	CacheHit     bool          `json:"cache_hit"`
	Latency      LatencyBreakdown `json:"latency"`
	Timestamp    time.Time     `json:"timestamp"`
	ErrorKind    string        `json:"error_kind,omitempty"`
}

// TraceSink is the append-only external collaborator the kernel writes
// Trace documents to. The kernel never reads traces back (spec.md §6).
type TraceSink interface {
	Insert(ctx context.Context, trace Trace) error
}

// MemoryContext is what the Memory collaborator's retrieve_context call
// returns (spec.md §6).
type MemoryContext struct {
	RecentMessages  []ChatTurn     `json:"recent_messages"`
	RelevantMemory  []MemorySnippet `json:"relevant_memory"`
}

// ChatTurn is one role/content pair from the recent conversation window.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// MemorySnippet is one long-term-memory retrieval hit.
type MemorySnippet struct {
	Text string `json:"text"`
}

// MemoryCollaborator is the external session-memory interface (spec.md §6).
type MemoryCollaborator interface {
	RetrieveContext(ctx context.Context, sessionID, query string, recentLimit, semanticTopK int) (MemoryContext, error)
	SaveInteraction(ctx context.Context, sessionID, userMessage, assistantMessage string) error
}

// ChatMessage is one message in a language-model chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatOptions configures one language-model call (spec.md §6).
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
	JSONFormat  bool
}

// LLMClient is the language-model collaborator interface the kernel never
// implements itself — only the Orchestrator's synthesis step calls it; the
// Plan Parser's repair path goes through a caller-supplied function instead
// (spec.md §6).
type LLMClient interface {
	Chat(ctx context.Context, messages []ChatMessage, opts ChatOptions) (string, error)
}

// Result is what the Orchestrator returns for one request.
type Result struct {
	FinalAnswer string
	RequestID   string
	CacheHit    bool
}
