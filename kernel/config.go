package kernel

import (
	"os"
	"strconv"
	"time"
)

// Config is the kernel's single-source environment configuration
// (spec.md §6's configuration surface table). It follows the teacher's
// os.Getenv + typed-parse + default pattern
// (core/config.go, orchestration/prompt_config_env.go) rather than a
// struct-tag reflection loader, since the field set here is small and fixed.
type Config struct {
	// MaxParallelTools bounds concurrent in-flight tool invocations per
	// request (ORCH_MAX_PARALLEL_TOOLS, default 4).
	MaxParallelTools int

	// LLMMaxConcurrency bounds worker-local concurrent LLM calls
	// (ORCH_LLM_MAX_CONCURRENCY, default 2).
	LLMMaxConcurrency int

	// SimilarityThreshold is the Router's confidence-fallback boundary
	// (ORCH_SIMILARITY_THRESHOLD, default 0.50).
	SimilarityThreshold float64

	// ExecutorTimeout is the Reliable Executor's per-attempt timeout
	// (ORCH_TIMEOUT_SECONDS, default 10s).
	ExecutorTimeout time.Duration

	// MaxRetries is the Reliable Executor's retry count
	// (ORCH_MAX_RETRIES, default 2).
	MaxRetries int

	// ExecutorBaseDelay and ExecutorBackoffFactor parameterize the
	// executor's exponential backoff between attempts.
	ExecutorBaseDelay    time.Duration
	ExecutorBackoffFactor float64

	// Circuit breaker thresholds, per endpoint class (spec.md §6: 4 for
	// LLM, 3 for tool/web search).
	CircuitToolFailureThreshold int
	CircuitLLMFailureThreshold  int
	CircuitRecoveryTimeout      time.Duration
	CircuitToolExecutionTimeout time.Duration
	CircuitLLMExecutionTimeout  time.Duration

	// CacheTTL is the response cache entry lifetime
	// (ORCH_CACHE_TTL_SECONDS, default 3600s).
	CacheTTL time.Duration

	// MaxPlanSteps is the guardrail plan-size cap
	// (ORCH_MAX_PLAN_STEPS, default 6; spec.md accepts 6 or 12).
	MaxPlanSteps int

	// MaxInputLength is the guardrail input-length cap
	// (ORCH_MAX_INPUT_LENGTH, default 4000).
	MaxInputLength int

	// MaxRepairAttempts bounds the Plan Parser's re-ask-the-model loop
	// (spec.md §4.7, default 2; not independently configurable via env per
	// spec, kept as a constant override point for tests).
	MaxRepairAttempts int
}

// DefaultConfig returns spec.md §6's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelTools:            4,
		LLMMaxConcurrency:           2,
		SimilarityThreshold:         0.50,
		ExecutorTimeout:             10 * time.Second,
		MaxRetries:                  2,
		ExecutorBaseDelay:           500 * time.Millisecond,
		ExecutorBackoffFactor:       2.0,
		CircuitToolFailureThreshold: 3,
		CircuitLLMFailureThreshold:  4,
		CircuitRecoveryTimeout:      30 * time.Second,
		CircuitToolExecutionTimeout: 15 * time.Second,
		CircuitLLMExecutionTimeout:  45 * time.Second,
		CacheTTL:                    1 * time.Hour,
		MaxPlanSteps:                6,
		MaxInputLength:              4000,
		MaxRepairAttempts:           2,
	}
}

// LoadFromEnv overlays ORCH_* environment variables onto the receiver's
// defaults, returning the merged config. Malformed values are ignored in
// favor of the existing default (never a fatal startup error).
func (c Config) LoadFromEnv() Config {
	if v, ok := getInt("ORCH_MAX_PARALLEL_TOOLS"); ok {
		c.MaxParallelTools = v
	}
	if v, ok := getInt("ORCH_LLM_MAX_CONCURRENCY"); ok {
		c.LLMMaxConcurrency = v
	}
	if v, ok := getFloat("ORCH_SIMILARITY_THRESHOLD"); ok {
		c.SimilarityThreshold = v
	}
	if v, ok := getInt("ORCH_TIMEOUT_SECONDS"); ok {
		c.ExecutorTimeout = time.Duration(v) * time.Second
	}
	if v, ok := getInt("ORCH_MAX_RETRIES"); ok {
		c.MaxRetries = v
	}
	if v, ok := getInt("ORCH_CIRCUIT_TOOL_FAILURE_THRESHOLD"); ok {
		c.CircuitToolFailureThreshold = v
	}
	if v, ok := getInt("ORCH_CIRCUIT_LLM_FAILURE_THRESHOLD"); ok {
		c.CircuitLLMFailureThreshold = v
	}
	if v, ok := getInt("ORCH_CIRCUIT_RECOVERY_TIMEOUT_SECONDS"); ok {
		c.CircuitRecoveryTimeout = time.Duration(v) * time.Second
	}
	if v, ok := getInt("ORCH_CIRCUIT_TOOL_EXECUTION_TIMEOUT_SECONDS"); ok {
		c.CircuitToolExecutionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := getInt("ORCH_CIRCUIT_LLM_EXECUTION_TIMEOUT_SECONDS"); ok {
		c.CircuitLLMExecutionTimeout = time.Duration(v) * time.Second
	}
	if v, ok := getInt("ORCH_CACHE_TTL_SECONDS"); ok {
		c.CacheTTL = time.Duration(v) * time.Second
	}
	if v, ok := getInt("ORCH_MAX_PLAN_STEPS"); ok {
		c.MaxPlanSteps = v
	}
	if v, ok := getInt("ORCH_MAX_INPUT_LENGTH"); ok {
		c.MaxInputLength = v
	}
	return c
}

func getInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getFloat(name string) (float64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
