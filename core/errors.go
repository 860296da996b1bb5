package core

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison with errors.Is(). These name the error
// kinds from spec.md §7; components wrap one of these inside a
// *FrameworkError to attach operation context.
var (
	// ErrToolNotFound is returned by the Tool Registry and the Router when a
	// step names a tool that was never registered.
	ErrToolNotFound = errors.New("tool not found")

	// ErrInvalidInput is a guardrail rejection on the user-supplied goal.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPlanParseError is returned when the planner's output could not be
	// turned into a valid Plan even after bounded repair and fallback.
	ErrPlanParseError = errors.New("plan parse error")

	// ErrGuardrailBlocked is a hard block raised by the tool-output,
	// final-answer and memory-write guardrail validators (input and plan
	// validation reject with ErrInvalidInput).
	ErrGuardrailBlocked = errors.New("guardrail blocked")

	// ErrToolExecutionFailed marks a single-step tool failure after retries
	// are exhausted. Never surfaced to the caller; becomes an error
	// Observation instead.
	ErrToolExecutionFailed = errors.New("tool execution failed")

	// ErrCircuitOpen is returned immediately by a breaker in the OPEN state,
	// without invoking the protected call.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrExecutionTimeout marks a per-attempt deadline exceeded.
	ErrExecutionTimeout = errors.New("execution timeout")

	// ErrLLMUnavailable is a language-model transport failure during
	// planning or synthesis.
	ErrLLMUnavailable = errors.New("language model unavailable")

	// ErrTracePersistFailed and ErrMemoryWriteFailed are logged, never fatal.
	ErrTracePersistFailed = errors.New("trace persist failed")
	ErrMemoryWriteFailed  = errors.New("memory write failed")

	// Configuration and state errors shared by every component.
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")
	ErrAlreadyRegistered    = errors.New("already registered")
	ErrNotInitialized       = errors.New("not initialized")
	ErrConnectionFailed     = errors.New("connection failed")
)

// FrameworkError carries structured context around one of the sentinel
// errors above: which operation failed, which entity was involved, and the
// wrapped cause.
type FrameworkError struct {
	Op      string // operation that failed, e.g. "router.execute"
	Kind    string // error kind, e.g. "circuit_open"
	ID      string // optional entity id (tool name, request id, ...)
	Message string
	Err     error
}

func (e *FrameworkError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

func (e *FrameworkError) Unwrap() error {
	return e.Err
}

// NewFrameworkError wraps err with an operation and kind tag.
func NewFrameworkError(op, kind string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, Err: err}
}

// NewFrameworkErrorWithID is NewFrameworkError plus an entity id, used when
// the caller wants the id to show up in Error() without a separate field
// lookup.
func NewFrameworkErrorWithID(op, kind, id string, err error) *FrameworkError {
	return &FrameworkError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsNotFound reports whether err is, or wraps, ErrToolNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}

// IsConfigurationError reports whether err is a configuration problem.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) || errors.Is(err, ErrMissingConfiguration)
}

// IsGuardrailBlocked reports whether err is a guardrail hard-block,
// including the input-validation variant.
func IsGuardrailBlocked(err error) bool {
	return errors.Is(err, ErrGuardrailBlocked) || errors.Is(err, ErrInvalidInput)
}

// IsCircuitOpen reports whether err came from a breaker in the OPEN state.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, ErrCircuitOpen)
}

// IsTimeout reports whether err is a per-attempt deadline failure.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrExecutionTimeout)
}

// IsToolError reports whether err is a step-level failure that should
// become an error Observation rather than fail the request outright.
func IsToolError(err error) bool {
	return errors.Is(err, ErrToolExecutionFailed) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrExecutionTimeout)
}
