package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/health"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// WorkflowEngine is the part of the engine the service drives.
type WorkflowEngine interface {
	Start(ctx context.Context, userID string, payload map[string]interface{}) (string, error)
	Run(ctx context.Context, id string) (map[string]interface{}, error)
	GetStatus(ctx context.Context, id string) (workflow.Instance, error)
	Cancel(id string, req workflow.CancelRequest) error
}

// AgentDirectory lists the agents behind the coordinator.
type AgentDirectory interface {
	Agents() []agents.Status
}

// EventBus is the dispatcher surface used by the service.
type EventBus interface {
	streaming.Publisher
	Subscribe(pattern string, buffer int) *streaming.Subscription
	Unsubscribe(sub *streaming.Subscription)
	Recent(limit int) []streaming.Event
	ReplaySince(pattern string, since uint64) []streaming.Event
}

// Config holds service settings.
type Config struct {
	// MaxConcurrentWorkflows caps ProcessUserData calls in flight.
	MaxConcurrentWorkflows int
	Clock                  clock.Clock
}

// ProcessResult is returned by ProcessUserData.
type ProcessResult struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     workflow.Status        `json:"status"`
	Result     map[string]interface{} `json:"result,omitempty"`
	Duration   time.Duration          `json:"duration"`
}

// WorkflowError ties a failure to the workflow that produced it. Err is one
// of the agents, coordinator or workflow errors.
type WorkflowError struct {
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	if e.WorkflowID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("workflow %s: %v", e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

// Code returns the stable failure code for the wrapped error.
func (e *WorkflowError) Code() string {
	return workflow.FailureCode(e.Err)
}

// IsRetryable reports whether a caller may resubmit after err. Only
// saturation and timeouts qualify.
func IsRetryable(err error) bool {
	return errors.Is(err, coordinator.ErrSaturated) ||
		errors.Is(err, coordinator.ErrTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}

// OrchestratorService is the single entry point for submissions, status
// queries, health and event subscriptions.
type OrchestratorService struct {
	engine    WorkflowEngine
	agents    AgentDirectory
	bus       EventBus
	snapshots health.SnapshotSource
	admission chan struct{}
	clock     clock.Clock
	logger    *zap.Logger

	mu          sync.Mutex
	shutdown    bool
	inflight    sync.WaitGroup
	subscribers map[*streaming.Subscription]struct{}
}

// NewOrchestratorService wires the service. snapshots may be nil, in which
// case GetHealthSnapshot returns an empty snapshot.
func NewOrchestratorService(engine WorkflowEngine, dir AgentDirectory, bus EventBus, snapshots health.SnapshotSource, cfg Config, logger *zap.Logger) (*OrchestratorService, error) {
	if engine == nil {
		return nil, errors.New("workflow engine is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrchestratorService{
		engine:      engine,
		agents:      dir,
		bus:         bus,
		snapshots:   snapshots,
		admission:   make(chan struct{}, cfg.MaxConcurrentWorkflows),
		clock:       clock.OrReal(cfg.Clock),
		logger:      logger,
		subscribers: make(map[*streaming.Subscription]struct{}),
	}, nil
}

// ErrShuttingDown is returned once Shutdown has been called.
var ErrShuttingDown = errors.New("orchestrator is shutting down")

func (s *OrchestratorService) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShuttingDown
	}
	select {
	case s.admission <- struct{}{}:
		s.inflight.Add(1)
		return nil
	default:
		return fmt.Errorf("%w: %d workflows in flight", coordinator.ErrSaturated, cap(s.admission))
	}
}

func (s *OrchestratorService) release() {
	<-s.admission
	s.inflight.Done()
}

// InFlight returns the number of admitted ProcessUserData calls.
func (s *OrchestratorService) InFlight() int {
	return len(s.admission)
}

// ProcessUserData creates a workflow for the submission and runs it to a
// terminal state. The returned result is never nil; its WorkflowID is empty
// only when the submission was rejected before an instance existed.
func (s *OrchestratorService) ProcessUserData(ctx context.Context, userID string, payload map[string]interface{}) (*ProcessResult, error) {
	started := s.clock.Now()
	res := &ProcessResult{}

	if err := s.admit(); err != nil {
		s.logger.Warn("Submission rejected", zap.String("user_id", userID), zap.Error(err))
		return res, &WorkflowError{Err: err}
	}
	defer s.release()

	id, err := s.engine.Start(ctx, userID, payload)
	if err != nil {
		return res, &WorkflowError{Err: err}
	}
	res.WorkflowID = id
	res.Status = workflow.StatusPending

	s.bus.Publish(streaming.TopicDataReceived, map[string]interface{}{
		"user_id": userID,
		"fields":  payloadKeys(payload),
	}, streaming.WithWorkflow(id), streaming.WithSource(streaming.SourceFacade))

	out, runErr := s.engine.Run(ctx, id)
	res.Duration = s.clock.Now().Sub(started)

	if runErr != nil {
		res.Status = workflow.StatusFailed
		s.logger.Info("Workflow failed",
			zap.String("workflow_id", id),
			zap.String("code", workflow.FailureCode(runErr)),
			zap.Error(runErr),
		)
		return res, &WorkflowError{WorkflowID: id, Err: runErr}
	}

	res.Status = workflow.StatusCompleted
	res.Result = out
	s.logger.Debug("Workflow completed",
		zap.String("workflow_id", id),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

// GetWorkflowStatus returns a snapshot of the instance, or an error
// wrapping workflow.ErrNotFound.
func (s *OrchestratorService) GetWorkflowStatus(ctx context.Context, id string) (workflow.Instance, error) {
	return s.engine.GetStatus(ctx, id)
}

// CancelWorkflow requests cancellation. It takes effect before the next step,
// or at once if the current step is still waiting for an agent.
func (s *OrchestratorService) CancelWorkflow(id, reason, requestedBy string) error {
	if reason == "" {
		reason = "cancelled by request"
	}
	return s.engine.Cancel(id, workflow.CancelRequest{Reason: reason, RequestedBy: requestedBy})
}

// GetHealthSnapshot returns the aggregated hub health.
func (s *OrchestratorService) GetHealthSnapshot() health.Snapshot {
	if s.snapshots == nil {
		return health.Snapshot{Status: health.LevelHealthy, Timestamp: s.clock.Now()}
	}
	return s.snapshots.Snapshot()
}

// ListAgents returns every agent ordered by role and name.
func (s *OrchestratorService) ListAgents() []agents.Status {
	if s.agents == nil {
		return nil
	}
	out := s.agents.Agents()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RecentEvents returns up to limit retained events, oldest first.
func (s *OrchestratorService) RecentEvents(limit int) []streaming.Event {
	return s.bus.Recent(limit)
}

// ReplaySince returns retained events after seq that match pattern.
func (s *OrchestratorService) ReplaySince(pattern string, seq uint64) []streaming.Event {
	return s.bus.ReplaySince(pattern, seq)
}

// Subscribe delivers events matching pattern until ctx is done or the
// returned cancel func is called. The channel is closed on either.
func (s *OrchestratorService) Subscribe(ctx context.Context, pattern string) (<-chan streaming.Event, func()) {
	sub := s.bus.Subscribe(pattern, 0)

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.bus.Unsubscribe(sub)
		return sub.Events(), func() {}
	}
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.subscribers, sub)
			s.mu.Unlock()
			s.bus.Unsubscribe(sub)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return sub.Events(), cancel
}

// Shutdown stops admitting work, waits for in-flight submissions until ctx
// expires and closes every subscription handed out by Subscribe.
func (s *OrchestratorService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	subs := make([]*streaming.Subscription, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.subscribers = map[*streaming.Subscription]struct{}{}
	s.mu.Unlock()

	for _, sub := range subs {
		s.bus.Unsubscribe(sub)
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		s.logger.Info("Orchestrator drained")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Shutdown deadline reached with workflows in flight", zap.Int("in_flight", s.InFlight()))
		return ctx.Err()
	}
}

func payloadKeys(payload map[string]interface{}) []string {
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
