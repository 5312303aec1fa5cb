package agents

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("invalid stage input")
	// ErrAgentUnavailable is returned when Execute is called on an agent
	// that is failed or already running another task.
	ErrAgentUnavailable = errors.New("agent is not available")
	// ErrStagePanic marks an ExecutionError caused by a recovered panic.
	ErrStagePanic = errors.New("stage panicked")
)

// ValidationError reports malformed input to a stage. Stages return it to
// signal that the request itself is bad, so it is surfaced to the caller and
// never retried or counted against the agent's health.
type ValidationError struct {
	Field  string
	Reason string
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ExecutionError wraps a stage failure with the agent that ran it.
type ExecutionError struct {
	AgentID string
	Role    Role
	Node    string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("agent %s (%s) failed on %s: %v", e.AgentID, e.Role, e.Node, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}
