package kernel

import (
	"context"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/relaykit/orchestrator/core"
	"github.com/relaykit/orchestrator/resilience"
)

// OrchestratorConfig bundles the construction-time parameters every
// collaborator needs (spec.md §6's configuration table, folded into
// kernel.Config at the call site).
type OrchestratorConfig struct {
	MaxParallelTools     int
	SessionRecentLimit   int
	SessionSemanticTopK  int
	SynthesisTemperature float64

	// LLMMaxConcurrency bounds concurrent in-flight LLM calls (synthesis and
	// plan repair) for this worker, independent of MaxParallelTools
	// (spec.md §5/§6: worker-local LLM semaphore, default 2).
	LLMMaxConcurrency int
}

// Orchestrator runs one request through spec.md §4.8's pipeline: parse,
// validate, cache lookup, bounded-parallel tool fan-out through the Router,
// sanitize, memory read, synthesize, validate, cache write, memory write,
// trace persist.
//
// Grounded on orchestration/executor.go's SmartExecutor.Execute: a counting
// semaphore (chan struct{}) bounding concurrent goroutines, a
// mutex-protected results slice populated inside a panic-recovering defer,
// and a final sort/assembly pass once every goroutine completes. Simplified
// from the teacher's dependency-DAG scheduler (readySteps/executed maps,
// wg per batch) to spec.md's single-batch fan-out, since steps carry no
// inter-step data dependency (spec.md §3).
type Orchestrator struct {
	config OrchestratorConfig

	parser     *PlanParser
	guardrails *Guardrails
	cache      *Cache
	router     *Router
	memory     MemoryCollaborator
	traceSink  TraceSink
	llm        LLMClient
	metrics    *Metrics
	breakers   map[string]*resilience.CircuitBreaker
	breakersMu sync.Mutex
	breakerCfg resilience.CircuitBreakerConfig

	// llmBreaker guards every call into llm (synthesis and plan repair)
	// behind its own failure threshold/execution timeout, distinct from the
	// per-tool breakers above (spec.md §1: the circuit breaker "covers...
	// the LLM client itself"). llmSem is the worker-local concurrency gate
	// sized by OrchestratorConfig.LLMMaxConcurrency (spec.md §5).
	llmBreaker *resilience.CircuitBreaker
	llmSem     chan struct{}

	logger core.Logger
}

// NewOrchestrator wires every collaborator together. breakerCfg is used as
// the template for one CircuitBreaker per distinct tool name, created
// lazily and kept for the orchestrator's lifetime (breaker state must
// persist across requests). llmBreakerCfg configures the single breaker
// shared by every LLM call this orchestrator makes (spec.md §6's
// LLM-specific circuit thresholds, distinct from the tool breakers'
// thresholds).
func NewOrchestrator(
	config OrchestratorConfig,
	parser *PlanParser,
	guardrails *Guardrails,
	cache *Cache,
	router *Router,
	memory MemoryCollaborator,
	traceSink TraceSink,
	llm LLMClient,
	metrics *Metrics,
	breakerCfg resilience.CircuitBreakerConfig,
	llmBreakerCfg resilience.CircuitBreakerConfig,
	logger core.Logger,
) *Orchestrator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("kernel/orchestrator")
	}

	llmBreakerCfg.Name = "llm"
	llmBreaker, err := resilience.NewCircuitBreaker(llmBreakerCfg)
	if err != nil {
		logger.Error("failed to construct LLM circuit breaker, falling back to defaults", map[string]interface{}{
			"error": err.Error(),
		})
		llmBreaker, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("llm"))
	}

	concurrency := config.LLMMaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	return &Orchestrator{
		config:     config,
		parser:     parser,
		guardrails: guardrails,
		cache:      cache,
		router:     router,
		memory:     memory,
		traceSink:  traceSink,
		llm:        llm,
		metrics:    metrics,
		breakers:   make(map[string]*resilience.CircuitBreaker),
		breakerCfg: breakerCfg,
		llmBreaker: llmBreaker,
		llmSem:     make(chan struct{}, concurrency),
		logger:     logger,
	}
}

// circuitBreakerFor returns the shared breaker for toolName, constructing
// it on first use. A construction error (e.g. a misconfigured threshold) is
// logged and the breaker is built from DefaultCircuitBreakerConfig instead,
// so the call is still guarded rather than failing the whole request.
func (o *Orchestrator) circuitBreakerFor(toolName string) *resilience.CircuitBreaker {
	o.breakersMu.Lock()
	defer o.breakersMu.Unlock()

	if cb, ok := o.breakers[toolName]; ok {
		return cb
	}

	cfg := o.breakerCfg
	cfg.Name = toolName
	cb, err := resilience.NewCircuitBreaker(cfg)
	if err != nil {
		o.logger.Error("failed to construct circuit breaker, falling back to defaults", map[string]interface{}{
			"tool_name": toolName,
			"error":     err.Error(),
		})
		cb, _ = resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(toolName))
	}
	o.breakers[toolName] = cb
	return cb
}

// Run executes one request end-to-end (spec.md §4.8's 13 numbered steps).
func (o *Orchestrator) Run(ctx context.Context, sessionID, goal, rawPlan string, repair func(ctx context.Context, brokenText string) (string, error)) (Result, error) {
	requestID := uuid.New().String()
	start := time.Now()
	trace := Trace{RequestID: requestID, SessionID: sessionID, Goal: goal, Timestamp: start}

	result, err := o.run(ctx, requestID, sessionID, goal, rawPlan, repair, &trace)

	trace.Latency.Total = time.Since(start)
	if o.metrics != nil {
		o.metrics.RecordTotalLatency(ctx, trace.Latency.Total.Seconds())
	}
	o.persistTrace(ctx, trace)

	return result, err
}

func (o *Orchestrator) run(ctx context.Context, requestID, sessionID, goal, rawPlan string, repair func(ctx context.Context, brokenText string) (string, error), trace *Trace) (Result, error) {
	// Step 1: validate raw user input.
	if err := o.guardrails.ValidateUserInput(goal); err != nil {
		trace.ErrorKind = "invalid_input"
		return Result{RequestID: requestID}, err
	}

	// Step 2: parse the plan. The caller's repair function is gated through
	// the same LLM circuit breaker and concurrency semaphore as synthesis,
	// since both are calls into the same rate/failure-limited LLM backend.
	var gatedRepair func(ctx context.Context, brokenText string) (string, error)
	if repair != nil {
		gatedRepair = func(callCtx context.Context, brokenText string) (string, error) {
			return o.callLLM(callCtx, func(innerCtx context.Context) (string, error) {
				return repair(innerCtx, brokenText)
			})
		}
	}

	plannerStart := time.Now()
	plan, err := o.parser.Parse(ctx, requestID, goal, rawPlan, gatedRepair)
	trace.Latency.Planner = time.Since(plannerStart)
	trace.Steps = plan.Steps
	trace.PlanText = rawPlan
	if err != nil {
		trace.ErrorKind = "plan_parse_error"
		return Result{RequestID: requestID}, err
	}

	// Step 3: validate the plan's shape.
	if err := o.guardrails.ValidatePlan(plan.Steps); err != nil {
		trace.ErrorKind = "guardrail_blocked"
		return Result{RequestID: requestID}, err
	}

	planText := planToCacheText(plan)

	// Step 4: cache lookup short-circuits everything downstream.
	if o.cache != nil {
		if answer, hit := o.cache.Get(ctx, goal, planText); hit {
			trace.CacheHit = true
			trace.FinalAnswer = &answer
			return Result{FinalAnswer: answer, RequestID: requestID, CacheHit: true}, nil
		}
	}

	// Step 5: bounded-parallelism fan-out through the Router.
	toolStart := time.Now()
	observations := o.executeSteps(ctx, requestID, plan.Steps)
	trace.Latency.ToolWallTime = time.Since(toolStart)
	for _, obs := range observations {
		trace.Latency.ToolTotal += durationFromMetadata(obs.Response.Metadata)
	}
	trace.Observations = observations

	// Step 6: sanitize every tool observation before it reaches the model. A
	// rejected output fails the request; the trace keeps the offending
	// observation as an error response.
	sanitized := make([]Observation, len(observations))
	for i, obs := range observations {
		if obs.Response.IsSuccess() && obs.Response.Data != nil {
			clean, err := o.guardrails.SanitizeToolOutput(*obs.Response.Data)
			if err != nil {
				observations[i].Response = NewErrorResponse(err)
				trace.ErrorKind = "guardrail_blocked"
				return Result{RequestID: requestID}, err
			}
			obs.Response.Data = &clean
		}
		sanitized[i] = obs
	}

	// Step 7: retrieve session memory context.
	var memCtx MemoryContext
	if o.memory != nil {
		memCtx, err = o.memory.RetrieveContext(ctx, sessionID, goal, o.config.SessionRecentLimit, o.config.SessionSemanticTopK)
		if err != nil {
			o.logger.Warn("memory context retrieval failed, proceeding without it", map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}

	// Step 8: synthesize the final answer.
	synthStart := time.Now()
	answer, err := o.synthesize(ctx, goal, sanitized, memCtx)
	trace.Latency.Synthesis = time.Since(synthStart)
	if err != nil {
		trace.ErrorKind = "llm_unavailable"
		return Result{RequestID: requestID}, err
	}

	// Step 9: validate the final answer.
	if err := o.guardrails.ValidateFinalAnswer(answer); err != nil {
		trace.ErrorKind = "guardrail_blocked"
		return Result{RequestID: requestID}, err
	}

	// Step 10: write the cache entry.
	if o.cache != nil {
		o.cache.Set(ctx, goal, planText, answer)
	}

	// Step 11: validate the memory write before persisting it.
	if err := o.guardrails.ValidateMemoryWrite(answer); err != nil {
		o.logger.Warn("memory write blocked by guardrail, skipping save", map[string]interface{}{
			"request_id": requestID,
		})
	} else if o.memory != nil {
		if err := o.memory.SaveInteraction(ctx, sessionID, goal, answer); err != nil {
			o.logger.Warn("memory save failed", map[string]interface{}{
				"request_id": requestID,
				"error":      err.Error(),
			})
		}
	}

	trace.FinalAnswer = &answer
	return Result{FinalAnswer: answer, RequestID: requestID, CacheHit: false}, nil
}

// executeSteps fans step execution out across a bounded semaphore, one
// goroutine per step, each protected by its own panic recovery so a single
// misbehaving step can never take down the batch. Results are collected
// under a mutex and re-sorted by step index once every goroutine finishes
// (spec.md §3: "ordered by step index, not completion order").
func (o *Orchestrator) executeSteps(ctx context.Context, requestID string, steps []Step) []Observation {
	semaphore := make(chan struct{}, o.config.MaxParallelTools)
	var wg sync.WaitGroup
	var mu sync.Mutex
	observations := make([]Observation, 0, len(steps))

	for i, step := range steps {
		wg.Add(1)
		go func(index int, s Step) {
			semaphore <- struct{}{}
			defer func() { <-semaphore }()
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("step execution panicked", map[string]interface{}{
						"request_id": requestID,
						"step_index": index + 1,
						"stack":      string(debug.Stack()),
					})
					mu.Lock()
					observations = append(observations, Observation{
						StepIndex: index + 1,
						Tool:      s.Tool,
						Query:     s.Query,
						Response:  NewErrorResponse(core.ErrToolExecutionFailed),
					})
					mu.Unlock()
				}
			}()

			resp := o.router.Route(ctx, requestID, s, o.circuitBreakerFor)

			mu.Lock()
			observations = append(observations, Observation{
				StepIndex: index + 1,
				Tool:      s.Tool,
				Query:     s.Query,
				Response:  resp,
			})
			mu.Unlock()
		}(i, step)
	}

	wg.Wait()

	sort.Slice(observations, func(i, j int) bool {
		return observations[i].StepIndex < observations[j].StepIndex
	})
	return observations
}

// callLLM runs fn under the orchestrator's LLM circuit breaker, admitting at
// most OrchestratorConfig.LLMMaxConcurrency concurrent calls. Every path that
// reaches the LLM backend - synthesis and plan repair alike - goes through
// here, so four consecutive LLM failures trip the breaker for both
// (spec.md §8 scenario 5).
func (o *Orchestrator) callLLM(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	select {
	case o.llmSem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-o.llmSem }()

	var result string
	err := o.llmBreaker.Execute(ctx, func(callCtx context.Context) error {
		r, callErr := fn(callCtx)
		if callErr != nil {
			return callErr
		}
		result = r
		return nil
	})
	return result, err
}

// synthesize builds the final natural-language answer from every sanitized
// observation and the retrieved memory context, calling the LLM at
// OrchestratorConfig.SynthesisTemperature (spec.md §4.8 step 8).
func (o *Orchestrator) synthesize(ctx context.Context, goal string, observations []Observation, memCtx MemoryContext) (string, error) {
	if o.llm == nil {
		return "", core.ErrLLMUnavailable
	}

	var sb strings.Builder
	sb.WriteString("Goal: ")
	sb.WriteString(goal)
	sb.WriteString("\n\nObservations:\n")
	for _, obs := range observations {
		sb.WriteString("- [")
		sb.WriteString(obs.Tool)
		sb.WriteString("] ")
		if obs.Response.IsSuccess() && obs.Response.Data != nil {
			sb.WriteString(*obs.Response.Data)
		} else {
			sb.WriteString("(tool failed)")
		}
		sb.WriteString("\n")
	}
	if len(memCtx.RecentMessages) > 0 || len(memCtx.RelevantMemory) > 0 {
		sb.WriteString("\nContext:\n")
		for _, turn := range memCtx.RecentMessages {
			sb.WriteString("- ")
			sb.WriteString(turn.Role)
			sb.WriteString(": ")
			sb.WriteString(turn.Content)
			sb.WriteString("\n")
		}
		for _, snippet := range memCtx.RelevantMemory {
			sb.WriteString("- memory: ")
			sb.WriteString(snippet.Text)
			sb.WriteString("\n")
		}
	}

	messages := []ChatMessage{
		{Role: "system", Content: "Synthesize a concise, grounded answer from the observations above. Do not invent facts not present in the observations or context."},
		{Role: "user", Content: sb.String()},
	}
	return o.callLLM(ctx, func(callCtx context.Context) (string, error) {
		return o.llm.Chat(callCtx, messages, ChatOptions{Temperature: o.config.SynthesisTemperature})
	})
}

// persistTrace writes the completed Trace; failure is logged, never
// returned (spec.md §3: "trace failure must never fail the request").
func (o *Orchestrator) persistTrace(ctx context.Context, trace Trace) {
	if o.traceSink == nil {
		return
	}
	if err := o.traceSink.Insert(ctx, trace); err != nil {
		o.logger.Warn("trace persist failed", map[string]interface{}{
			"request_id": trace.RequestID,
			"error":      err.Error(),
		})
	}
}

func planToCacheText(plan Plan) string {
	var sb strings.Builder
	for _, step := range plan.Steps {
		sb.WriteString(step.Tool)
		sb.WriteString(":")
		sb.WriteString(step.Query)
		sb.WriteString(";")
	}
	return sb.String()
}

func durationFromMetadata(metadata map[string]interface{}) time.Duration {
	v, ok := metadata[MetaTotalExecutionTime]
	if !ok {
		return 0
	}
	seconds, ok := toFloat(v)
	if !ok {
		return 0
	}
	return time.Duration(seconds * float64(time.Second))
}
