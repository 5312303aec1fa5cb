// Package workflow drives instances of a stage graph from the start node to
// a terminal node, delegating each node to the agent coordinator.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/metrics"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/tracing"
)

// Coordinator is the part of the agent coordinator the engine needs.
type Coordinator interface {
	Assign(ctx context.Context, role agents.Role, task agents.Task) (agents.Result, error)
	ValidateRoles(roles []agents.Role) error
}

// Archive keeps snapshots of terminal instances after they leave memory.
// Load returns ErrNotFound for unknown IDs.
type Archive interface {
	Save(ctx context.Context, inst Instance) error
	Load(ctx context.Context, id string) (Instance, error)
}

// Config tunes an Engine.
type Config struct {
	// Retention is how long terminal instances stay in memory.
	Retention time.Duration
	// MaxRetained caps the number of terminal instances kept in memory.
	MaxRetained int
	// Archive, when set, receives every terminal instance.
	Archive Archive
	Clock   clock.Clock
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Retention:   time.Hour,
		MaxRetained: 10000,
	}
}

// Stats are the engine counters read by the health aggregator.
type Stats struct {
	Total       uint64  `json:"total"`
	Active      int64   `json:"active"`
	Completed   uint64  `json:"completed"`
	Failed      uint64  `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

type entry struct {
	mu     sync.Mutex
	inst   Instance
	cancel *CancelRequest
	// interrupt abandons the current step's wait for an agent.
	interrupt context.CancelFunc
}

// Engine owns every workflow instance of the process.
type Engine struct {
	graph   *Graph
	coord   Coordinator
	bus     streaming.Publisher
	archive Archive
	clock   clock.Clock
	logger  *zap.Logger

	retention   time.Duration
	maxRetained int

	mu        sync.RWMutex
	instances map[string]*entry

	created   atomic.Uint64
	active    atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]interface{}, ...streaming.Option) {}

// New creates an engine for graph.
func New(graph *Graph, coord Coordinator, bus streaming.Publisher, cfg Config, logger *zap.Logger) (*Engine, error) {
	if graph == nil {
		return nil, errors.New("workflow graph is required")
	}
	if coord == nil {
		return nil, errors.New("agent coordinator is required")
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = def.MaxRetained
	}
	return &Engine{
		graph:       graph,
		coord:       coord,
		bus:         bus,
		archive:     cfg.Archive,
		clock:       clock.OrReal(cfg.Clock),
		logger:      logger,
		retention:   cfg.Retention,
		maxRetained: cfg.MaxRetained,
		instances:   make(map[string]*entry),
	}, nil
}

// Graph returns the graph the engine runs.
func (e *Engine) Graph() *Graph { return e.graph }

// Start creates a pending instance and returns its ID.
func (e *Engine) Start(ctx context.Context, userID string, payload map[string]interface{}) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", agents.NewValidationError("user_id", "is required")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.NewString()
	input := copyMap(payload)
	if input == nil {
		input = map[string]interface{}{}
	}
	ent := &entry{inst: Instance{
		ID:        id,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: e.clock.Now(),
		Steps:     []StepRecord{},
		Input:     input,
	}}

	e.mu.Lock()
	e.instances[id] = ent
	e.mu.Unlock()
	e.created.Add(1)

	e.publish(streaming.TopicWorkflowCreated, id, map[string]interface{}{"user_id": userID})
	e.logger.Debug("Workflow created", zap.String("workflow_id", id), zap.String("user_id", userID))
	return id, nil
}

func (e *Engine) lookup(id string) (*entry, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.instances[id]
	return ent, ok
}

// GetStatus returns a deep copy of the instance. Evicted instances are read
// from the archive when one is configured.
func (e *Engine) GetStatus(ctx context.Context, id string) (Instance, error) {
	if ent, ok := e.lookup(id); ok {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return ent.inst.Clone(), nil
	}
	if e.archive != nil {
		inst, err := e.archive.Load(ctx, id)
		if err == nil {
			return inst, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return Instance{}, fmt.Errorf("load archived workflow %s: %w", id, err)
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Cancel asks the instance to stop before its next step. A step still
// waiting for an agent is abandoned; a step already running on an agent is
// allowed to finish.
func (e *Engine) Cancel(id string, req CancelRequest) error {
	ent, ok := e.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.inst.Status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, ent.inst.Status)
	}
	if ent.cancel == nil {
		if req.Reason == "" {
			req.Reason = "cancelled by request"
		}
		ent.cancel = &req
		if ent.interrupt != nil {
			ent.interrupt()
		}
		e.logger.Info("Workflow cancel requested",
			zap.String("workflow_id", id),
			zap.String("reason", req.Reason),
			zap.String("requested_by", req.RequestedBy),
		)
	}
	return nil
}

// Stats returns the engine counters. SuccessRate is 1.0 when nothing has
// finished yet.
func (e *Engine) Stats() Stats {
	completed := e.completed.Load()
	failed := e.failed.Load()
	return Stats{
		Total:       e.created.Load(),
		Active:      e.active.Load(),
		Completed:   completed,
		Failed:      failed,
		SuccessRate: coordinator.SuccessRate(completed, failed),
	}
}

// Run drives the instance to a terminal status and returns the merged step
// outputs. Only one Run may own an instance; a concurrent call fails with
// ErrAlreadyRunning. Failures are recorded and published before they are
// returned, and Run never leaves the instance running.
func (e *Engine) Run(ctx context.Context, id string) (map[string]interface{}, error) {
	ent, ok := e.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	start := e.clock.Now()
	ent.mu.Lock()
	switch {
	case ent.inst.Status == StatusRunning:
		ent.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, id)
	case ent.inst.Status.Terminal():
		ent.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrAlreadyFinished, id, ent.inst.Status)
	}
	ent.inst.Status = StatusRunning
	ent.inst.StartedAt = &start
	ent.inst.CurrentNode = e.graph.start
	userID := ent.inst.UserID
	acc := copyMap(ent.inst.Input)
	ent.mu.Unlock()

	e.active.Add(1)
	metrics.WorkflowsStarted.Inc()
	metrics.WorkflowsActive.Inc()
	defer func() {
		e.active.Add(-1)
		metrics.WorkflowsActive.Dec()
	}()

	ctx, span := tracing.StartWorkflowSpan(ctx, id, userID)
	result, err := e.run(ctx, ent, acc)
	tracing.End(span, err)
	return result, err
}

func (e *Engine) run(ctx context.Context, ent *entry, acc map[string]interface{}) (map[string]interface{}, error) {
	id := ent.inst.ID
	e.publish(streaming.TopicWorkflowStarted, id, map[string]interface{}{
		"user_id":    ent.inst.UserID,
		"start_node": e.graph.start,
	})
	e.logger.Info("Workflow started", zap.String("workflow_id", id))

	if err := e.coord.ValidateRoles(e.graph.Roles()); err != nil {
		e.fail(ent, Failure{Code: classify(err), Message: err.Error()})
		return nil, fmt.Errorf("workflow %s: %w", id, err)
	}

	result := map[string]interface{}{}
	visited := map[string]bool{}
	node := e.graph.start

	for {
		if req, cancelled := e.cancelRequested(ctx, ent); cancelled {
			return nil, e.abort(ent, node, req)
		}

		if visited[node] {
			err := &StepError{WorkflowID: id, Step: node, Err: ErrCycleDetected}
			e.fail(ent, Failure{Step: node, Code: CodeCycleDetected, Message: err.Error()})
			return nil, err
		}
		visited[node] = true

		n := e.graph.nodes[node]
		ent.mu.Lock()
		ent.inst.CurrentNode = node
		ent.mu.Unlock()

		if n.Skip != nil && n.Skip(acc) {
			now := e.clock.Now()
			idx := e.appendStep(ent, StepRecord{
				Node: node, Role: string(n.Role), Status: StepSkipped, StartedAt: now, EndedAt: now,
			})
			metrics.RecordStepMetrics(node, string(StepSkipped), 0)
			e.publish(streaming.TopicWorkflowStepSkipped, id, map[string]interface{}{
				"node": node, "role": string(n.Role), "step_index": idx,
			})
		} else {
			output, err := e.step(ctx, ent, n, acc)
			if err != nil {
				return nil, err
			}
			for k, v := range output {
				acc[k] = v
				result[k] = v
			}
		}

		next, err := e.next(node, acc)
		if err != nil {
			serr := &StepError{WorkflowID: id, Step: node, Err: err}
			e.fail(ent, Failure{Step: node, Code: CodeInvalidTransition, Message: serr.Error()})
			return nil, serr
		}
		if next == Terminal {
			e.complete(ent, result)
			return copyMap(result), nil
		}
		node = next
	}
}

// abort fails the instance as cancelled at node.
func (e *Engine) abort(ent *entry, node string, req CancelRequest) error {
	id := ent.inst.ID
	e.publish(streaming.TopicWorkflowCancelled, id, map[string]interface{}{
		"node":         node,
		"reason":       req.Reason,
		"requested_by": req.RequestedBy,
	})
	e.fail(ent, Failure{Step: node, Code: CodeCancelled, Message: req.Reason})
	return fmt.Errorf("%w: %s: %s", ErrCancelled, id, req.Reason)
}

// waitContext derives the context a step waits for an agent on. It ends with
// ctx or on Cancel; the coordinator never pre-empts a stage once an agent
// has it.
func (e *Engine) waitContext(ctx context.Context, ent *entry) (context.Context, func()) {
	waitCtx, stop := context.WithCancel(ctx)
	ent.mu.Lock()
	if ent.cancel != nil {
		stop()
	}
	ent.interrupt = stop
	ent.mu.Unlock()
	return waitCtx, func() {
		ent.mu.Lock()
		ent.interrupt = nil
		ent.mu.Unlock()
		stop()
	}
}

// step delegates one node to the coordinator.
func (e *Engine) step(ctx context.Context, ent *entry, n Node, acc map[string]interface{}) (map[string]interface{}, error) {
	id := ent.inst.ID
	input := copyMap(acc)
	if n.Input != nil {
		input = n.Input(input)
	}

	e.publish(streaming.TopicWorkflowStepStarted, id, map[string]interface{}{
		"node": n.Name, "role": string(n.Role),
	})

	waitCtx, release := e.waitContext(ctx, ent)
	defer release()
	stepCtx, span := tracing.StartStepSpan(waitCtx, id, n.Name, string(n.Role))
	started := e.clock.Now()
	res, err := e.coord.Assign(stepCtx, n.Role, agents.Task{
		ID:         uuid.NewString(),
		WorkflowID: id,
		Node:       n.Name,
		Role:       n.Role,
		Input:      input,
		Stage:      n.Stage,
	})
	ended := e.clock.Now()
	duration := ended.Sub(started)
	span.SetAttributes(attribute.String("agent.id", res.AgentID))
	tracing.End(span, err)

	rec := StepRecord{
		Node:      n.Name,
		Role:      string(n.Role),
		AgentID:   res.AgentID,
		StartedAt: started,
		EndedAt:   ended,
		Duration:  duration,
	}

	if err != nil {
		code := classify(err)
		req, cancelled := e.cancelRequested(ctx, ent)
		if cancelled && res.AgentID == "" {
			code = CodeCancelled
		}
		rec.Status = StepFailed
		rec.Error = err.Error()
		rec.ErrorCode = code
		idx := e.appendStep(ent, rec)
		metrics.RecordStepMetrics(n.Name, string(StepFailed), duration.Seconds())
		e.publish(streaming.TopicWorkflowStepFailed, id, map[string]interface{}{
			"node":        n.Name,
			"role":        string(n.Role),
			"agent_id":    res.AgentID,
			"error":       err.Error(),
			"error_code":  code,
			"duration_ms": duration.Milliseconds(),
			"step_index":  idx,
		})
		if code == CodeCancelled && cancelled {
			return nil, e.abort(ent, n.Name, req)
		}
		serr := &StepError{WorkflowID: id, Step: n.Name, Err: err}
		e.fail(ent, Failure{Step: n.Name, Code: code, Message: err.Error()})
		return nil, serr
	}

	rec.Status = StepCompleted
	rec.Output = copyMap(res.Output)
	idx := e.appendStep(ent, rec)
	metrics.RecordStepMetrics(n.Name, string(StepCompleted), duration.Seconds())
	e.publish(streaming.TopicWorkflowStepCompleted, id, map[string]interface{}{
		"node":        n.Name,
		"role":        string(n.Role),
		"agent_id":    res.AgentID,
		"duration_ms": duration.Milliseconds(),
		"step_index":  idx,
	})
	return res.Output, nil
}

// next resolves the node after name, or Terminal.
func (e *Engine) next(name string, acc map[string]interface{}) (string, error) {
	edge, ok := e.graph.edges[name]
	if !ok {
		return Terminal, nil
	}
	if edge.Kind == Unconditional {
		return edge.Next, nil
	}
	pick := edge.Predicate(acc)
	switch {
	case pick == Terminal:
		return Terminal, nil
	case edge.allows(pick):
		return pick, nil
	case edge.FallbackTerminal:
		e.logger.Debug("Conditional edge picked unknown node, ending run",
			zap.String("node", name), zap.String("pick", pick))
		return Terminal, nil
	default:
		return "", fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, name, pick)
	}
}

func (e *Engine) cancelRequested(ctx context.Context, ent *entry) (CancelRequest, bool) {
	ent.mu.Lock()
	req := ent.cancel
	ent.mu.Unlock()
	if req != nil {
		return *req, true
	}
	if err := ctx.Err(); err != nil {
		return CancelRequest{Reason: err.Error(), RequestedBy: "context"}, true
	}
	return CancelRequest{}, false
}

func (e *Engine) appendStep(ent *entry, rec StepRecord) int {
	ent.mu.Lock()
	defer ent.mu.Unlock()
	ent.inst.Steps = append(ent.inst.Steps, rec)
	return len(ent.inst.Steps) - 1
}

func (e *Engine) complete(ent *entry, result map[string]interface{}) {
	now := e.clock.Now()
	ent.mu.Lock()
	ent.inst.Status = StatusCompleted
	ent.inst.EndedAt = &now
	ent.inst.Result = copyMap(result)
	snapshot := ent.inst.Clone()
	ent.mu.Unlock()

	e.completed.Add(1)
	duration := now.Sub(*snapshot.StartedAt)
	metrics.RecordWorkflowMetrics(string(StatusCompleted), duration.Seconds())
	e.publish(streaming.TopicWorkflowCompleted, snapshot.ID, map[string]interface{}{
		"steps":       len(snapshot.Steps),
		"duration_ms": duration.Milliseconds(),
	})
	e.logger.Info("Workflow completed",
		zap.String("workflow_id", snapshot.ID),
		zap.Int("steps", len(snapshot.Steps)),
		zap.Duration("duration", duration),
	)
	e.archiveSnapshot(snapshot)
}

func (e *Engine) fail(ent *entry, f Failure) {
	now := e.clock.Now()
	ent.mu.Lock()
	ent.inst.Status = StatusFailed
	ent.inst.EndedAt = &now
	ent.inst.Failure = &f
	snapshot := ent.inst.Clone()
	ent.mu.Unlock()

	e.failed.Add(1)
	var duration time.Duration
	if snapshot.StartedAt != nil {
		duration = now.Sub(*snapshot.StartedAt)
	}
	metrics.RecordWorkflowMetrics(string(StatusFailed), duration.Seconds())
	e.publish(streaming.TopicWorkflowFailed, snapshot.ID, map[string]interface{}{
		"step":    f.Step,
		"code":    f.Code,
		"message": f.Message,
		"steps":   len(snapshot.Steps),
	})
	e.logger.Warn("Workflow failed",
		zap.String("workflow_id", snapshot.ID),
		zap.String("step", f.Step),
		zap.String("code", f.Code),
		zap.String("error", f.Message),
	)
	e.archiveSnapshot(snapshot)
}

func (e *Engine) archiveSnapshot(inst Instance) {
	if e.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.archive.Save(ctx, inst); err != nil {
		e.logger.Warn("Failed to archive workflow", zap.String("workflow_id", inst.ID), zap.Error(err))
	}
}

func (e *Engine) publish(topic, id string, payload map[string]interface{}) {
	e.bus.Publish(topic, payload, streaming.WithWorkflow(id), streaming.WithSource(streaming.SourceEngine))
}

// classify maps an error to its failure code.
func classify(err error) string {
	switch {
	case agents.IsValidation(err):
		return CodeValidation
	case errors.Is(err, coordinator.ErrNoAgentsForRole):
		return CodeNoAgents
	case errors.Is(err, coordinator.ErrSaturated):
		return CodeSaturated
	case errors.Is(err, coordinator.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrCycleDetected):
		return CodeCycleDetected
	default:
		return CodeAgentError
	}
}

// FailureCode returns the failure code an engine would record for err.
func FailureCode(err error) string {
	return classify(err)
}
