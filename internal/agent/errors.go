package agent

import (
	"errors"
	"fmt"
	"strings"
)

// Common sentinel errors for agent operations
var (
	// ErrMaxIterations indicates the loop exceeded its model turn limit
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured for a model route
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolNotFound indicates a requested tool doesn't exist
	ErrToolNotFound = errors.New("tool not found")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrAlreadyClaimed indicates another worker owns the run
	ErrAlreadyClaimed = errors.New("run already claimed")
)

// ToolFailureMessage is the tool result the model sees when a tool fails.
const ToolFailureMessage = "Backend Error: Failed to process function."

// ToolErrorType categorizes tool execution errors.
type ToolErrorType string

const (
	ToolErrorNotFound     ToolErrorType = "not_found"
	ToolErrorInvalidInput ToolErrorType = "invalid_input"
	ToolErrorTimeout      ToolErrorType = "timeout"
	ToolErrorNetwork      ToolErrorType = "network"
	ToolErrorExecution    ToolErrorType = "execution"
	ToolErrorPanic        ToolErrorType = "panic"
)

// ToolError is a categorized failure of one tool invocation.
type ToolError struct {
	Type       ToolErrorType
	ToolName   string
	ToolCallID string
	Cause      error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	parts := []string{fmt.Sprintf("[tool:%s]", e.Type)}
	if e.ToolName != "" {
		parts = append(parts, e.ToolName)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Cause
}

// NewToolError wraps cause, inferring its type from the error chain.
func NewToolError(toolName, callID string, cause error) *ToolError {
	return &ToolError{
		Type:       classifyToolError(cause),
		ToolName:   toolName,
		ToolCallID: callID,
		Cause:      cause,
	}
}

func classifyToolError(err error) ToolErrorType {
	switch {
	case err == nil:
		return ToolErrorExecution
	case errors.Is(err, ErrToolNotFound):
		return ToolErrorNotFound
	case errors.Is(err, ErrToolPanic):
		return ToolErrorPanic
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded"):
		return ToolErrorTimeout
	case strings.Contains(errStr, "connection") || strings.Contains(errStr, "refused") ||
		strings.Contains(errStr, "no such host"):
		return ToolErrorNetwork
	case strings.Contains(errStr, "invalid") || strings.Contains(errStr, "decode arguments"):
		return ToolErrorInvalidInput
	}
	return ToolErrorExecution
}

// LoopError represents an error that occurred during run execution with
// context about which phase and iteration the error occurred in.
type LoopError struct {
	// Phase is the loop phase where the error occurred
	Phase LoopPhase

	// Iteration is the model turn where the error occurred
	Iteration int

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *LoopError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("loop error at %s (iteration %d): %s", e.Phase, e.Iteration, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("loop error at %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
	}
	return fmt.Sprintf("loop error at %s (iteration %d)", e.Phase, e.Iteration)
}

// Unwrap returns the underlying error.
func (e *LoopError) Unwrap() error {
	return e.Cause
}

// LoopPhase represents a distinct phase of run execution.
type LoopPhase string

const (
	// PhaseInit covers loading the assistant, messages and tools
	PhaseInit LoopPhase = "init"

	// PhaseStream is the LLM streaming phase
	PhaseStream LoopPhase = "stream"

	// PhaseExecuteTools is the tool execution phase
	PhaseExecuteTools LoopPhase = "execute_tools"

	// PhasePersist covers writing messages produced by the loop
	PhasePersist LoopPhase = "persist"

	// PhaseComplete is the completion phase
	PhaseComplete LoopPhase = "complete"
)
