package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyRunning is returned by Run when another Run owns the instance.
	ErrAlreadyRunning = errors.New("workflow is already running")
	// ErrAlreadyFinished is returned by Run and Cancel on a terminal instance.
	ErrAlreadyFinished = errors.New("workflow already finished")
	// ErrNotFound is returned for unknown workflow IDs.
	ErrNotFound = errors.New("workflow not found")
	// ErrCancelled marks an instance stopped by Cancel or by its context.
	ErrCancelled = errors.New("workflow cancelled")
	// ErrInvalidTransition is returned when a conditional edge picks a node
	// outside its candidates and has no terminal fallback.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrCycleDetected is returned when a run would revisit a node.
	ErrCycleDetected = errors.New("node visited twice")
)

// Status is the lifecycle state of an instance. It only moves forward:
// pending, running, then completed or failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is the outcome of one visited node.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Failure codes recorded on failed instances and steps.
const (
	CodeValidation        = "validation"
	CodeNoAgents          = "no_agents"
	CodeSaturated         = "saturated"
	CodeTimeout           = "timeout"
	CodeAgentError        = "agent_error"
	CodeCancelled         = "cancelled"
	CodeInvalidTransition = "invalid_transition"
	CodeCycleDetected     = "cycle_detected"
)

// StepRecord is appended exactly once per visited node.
type StepRecord struct {
	Node      string                 `json:"node"`
	Role      string                 `json:"role"`
	AgentID   string                 `json:"agent_id,omitempty"`
	Status    StepStatus             `json:"status"`
	StartedAt time.Time              `json:"started_at"`
	EndedAt   time.Time              `json:"ended_at"`
	Duration  time.Duration          `json:"duration"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
}

// Failure describes why an instance failed.
type Failure struct {
	Step    string `json:"step,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Instance is one execution of the graph for one submission.
type Instance struct {
	ID          string                 `json:"workflow_id"`
	UserID      string                 `json:"user_id"`
	Status      Status                 `json:"status"`
	CurrentNode string                 `json:"current_node,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
	Steps       []StepRecord           `json:"steps"`
	Input       map[string]interface{} `json:"input,omitempty"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Failure     *Failure               `json:"failure,omitempty"`
}

// Clone returns a deep copy that shares nothing with i.
func (i Instance) Clone() Instance {
	out := i
	if i.StartedAt != nil {
		t := *i.StartedAt
		out.StartedAt = &t
	}
	if i.EndedAt != nil {
		t := *i.EndedAt
		out.EndedAt = &t
	}
	if i.Failure != nil {
		f := *i.Failure
		out.Failure = &f
	}
	out.Steps = make([]StepRecord, len(i.Steps))
	for idx, s := range i.Steps {
		s.Output = copyMap(s.Output)
		out.Steps[idx] = s
	}
	out.Input = copyMap(i.Input)
	out.Result = copyMap(i.Result)
	return out
}

// StepError attaches the failing node to an agent or coordinator error.
type StepError struct {
	WorkflowID string
	Step       string
	Err        error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("workflow %s failed at %s: %v", e.WorkflowID, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CancelRequest asks a running instance to stop before its next step.
type CancelRequest struct {
	Reason      string `json:"reason"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func copyMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return copyMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
