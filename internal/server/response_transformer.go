package server

import (
	"errors"
	"time"

	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// UnifiedResponse represents the standardized API response format
type UnifiedResponse struct {
	WorkflowID  string                 `json:"workflow_id"`
	Status      string                 `json:"status"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Metadata    ResponseMetadata       `json:"metadata"`
	Performance ResponsePerformance    `json:"performance"`
	StopReason  string                 `json:"stop_reason"`
	Error       *ResponseError         `json:"error,omitempty"`
	Retryable   bool                   `json:"retryable,omitempty"`
	Timestamp   string                 `json:"timestamp"`
}

// ResponseError carries the stable failure code alongside a message.
type ResponseError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Step    string `json:"step,omitempty"`
}

// ResponseMetadata contains execution metadata
type ResponseMetadata struct {
	Steps      []string `json:"steps,omitempty"`
	AgentsUsed []string `json:"agents_used,omitempty"`
	RiskLevel  string   `json:"risk_level,omitempty"`
	Priority   string   `json:"priority,omitempty"`
}

// ResponsePerformance contains timing metrics
type ResponsePerformance struct {
	ExecutionTimeMs int64            `json:"execution_time_ms"`
	StepTimesMs     map[string]int64 `json:"step_times_ms,omitempty"`
}

// TransformToUnifiedResponse converts a ProcessUserData outcome into the API
// response. inst is the instance snapshot when one exists and may be nil.
func TransformToUnifiedResponse(res *ProcessResult, err error, inst *workflow.Instance) UnifiedResponse {
	if res == nil {
		res = &ProcessResult{}
	}
	out := UnifiedResponse{
		WorkflowID: res.WorkflowID,
		Status:     string(res.Status),
		Result:     res.Result,
		Performance: ResponsePerformance{
			ExecutionTimeMs: res.Duration.Milliseconds(),
		},
		StopReason: "completed",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if out.Status == "" {
		out.Status = "rejected"
	}

	if inst != nil {
		out.Metadata = extractMetadata(*inst)
		out.Performance.StepTimesMs = stepTimes(*inst)
	}
	if res.Result != nil {
		if s, ok := res.Result["risk_level"].(string); ok {
			out.Metadata.RiskLevel = s
		}
		if s, ok := res.Result["priority"].(string); ok {
			out.Metadata.Priority = s
		}
	}

	if err != nil {
		out.Error = buildError(err, inst)
		out.StopReason = out.Error.Code
		out.Retryable = IsRetryable(err)
	}
	return out
}

func buildError(err error, inst *workflow.Instance) *ResponseError {
	e := &ResponseError{
		Code:    workflow.FailureCode(err),
		Message: truncateError(err.Error()),
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		e.Message = truncateError(we.Err.Error())
	}
	var se *workflow.StepError
	if errors.As(err, &se) {
		e.Step = se.Step
	} else if inst != nil && inst.Failure != nil {
		e.Step = inst.Failure.Step
	}
	return e
}

func extractMetadata(inst workflow.Instance) ResponseMetadata {
	meta := ResponseMetadata{}
	seen := map[string]bool{}
	for _, s := range inst.Steps {
		meta.Steps = append(meta.Steps, s.Node)
		if s.AgentID != "" && !seen[s.AgentID] {
			seen[s.AgentID] = true
			meta.AgentsUsed = append(meta.AgentsUsed, s.AgentID)
		}
	}
	return meta
}

func stepTimes(inst workflow.Instance) map[string]int64 {
	if len(inst.Steps) == 0 {
		return nil
	}
	out := make(map[string]int64, len(inst.Steps))
	for _, s := range inst.Steps {
		out[s.Node] = s.Duration.Milliseconds()
	}
	return out
}

// truncateError limits error messages to 500 characters to prevent response bloat
func truncateError(msg string) string {
	const maxLen = 500
	if len(msg) <= maxLen {
		return msg
	}
	return msg[:maxLen] + "... (truncated)"
}
