// Package agents implements the pooled unit of work that executes a single
// workflow stage. Agents keep their own counters and health state; the
// coordinator decides which agent runs what.
package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
	"github.com/YourDaypilot/orchestration/internal/clock"
)

// Role names the kind of stage an agent can execute.
type Role string

const (
	RolePerception   Role = "perception"
	RoleAnalysis     Role = "analysis"
	RoleIntervention Role = "intervention"
	RoleFeedback     Role = "feedback"
)

// State is the agent's scheduling state.
type State string

const (
	StateIdle   State = "idle"
	StateBusy   State = "busy"
	StateFailed State = "failed"
)

// StageFunc is a stage implementation. It receives the accumulated input and
// returns its output. It should honour ctx cancellation.
type StageFunc func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// ProbeFunc checks whether a failed agent is fit to take work again.
type ProbeFunc func(ctx context.Context, a *Agent) error

// Task is one unit of work handed to an agent.
type Task struct {
	ID         string
	WorkflowID string
	Node       string
	Role       Role
	Input      map[string]interface{}
	Stage      StageFunc
}

// Result is what a successful Execute returns.
type Result struct {
	TaskID   string
	AgentID  string
	Output   map[string]interface{}
	Duration time.Duration
}

// Status is a read-only snapshot of an agent.
type Status struct {
	ID                  string        `json:"agent_id"`
	Name                string        `json:"name"`
	Role                Role          `json:"role"`
	State               State         `json:"state"`
	CurrentTask         string        `json:"current_task,omitempty"`
	Running             int           `json:"running"`
	Handled             uint64        `json:"tasks_handled"`
	Completed           uint64        `json:"tasks_completed"`
	Failures            uint64        `json:"tasks_failed"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	AvgLatency          time.Duration `json:"avg_latency"`
	Breaker             string        `json:"breaker_state"`
	CreatedAt           time.Time     `json:"created_at"`
	LastHeartbeat       time.Time     `json:"last_heartbeat"`
	Uptime              time.Duration `json:"uptime"`
}

// Options configure a new Agent.
type Options struct {
	// FailureThreshold is the number of consecutive failures that mark the
	// agent failed. Defaults to 3.
	FailureThreshold int
	// RecoveryAfter is how long a failed agent sits out before a probe may
	// bring it back.
	RecoveryAfter time.Duration
	// OnAvailable is called, without any agent lock held, whenever the
	// agent becomes idle.
	OnAvailable func(*Agent)
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Agent executes tasks for one role.
type Agent struct {
	id        string
	name      string
	role      Role
	seq       int
	createdAt time.Time

	clock       clock.Clock
	logger      *zap.Logger
	breaker     *circuitbreaker.CircuitBreaker
	onAvailable func(*Agent)

	mu            sync.Mutex
	state         State
	running       int
	currentTask   string
	handled       uint64
	completed     uint64
	failures      uint64
	totalLatency  time.Duration
	lastHeartbeat time.Time
}

// New creates an idle agent. seq is the agent's creation order within the
// process and is used as the selection tie-break.
func New(role Role, seq int, opts Options) *Agent {
	clk := clock.OrReal(opts.Clock)
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	id := fmt.Sprintf("%s-%d-%s", role, seq, uuid.NewString()[:8])
	now := clk.Now()

	cbConfig := circuitbreaker.AgentConfig(opts.FailureThreshold, opts.RecoveryAfter)
	cbConfig.Clock = clk
	breaker := circuitbreaker.NewCircuitBreaker(id, circuitbreaker.WithMetrics("agent", cbConfig), logger)
	circuitbreaker.Register("agent", breaker)

	return &Agent{
		id:            id,
		name:          DisplayName(role, seq),
		role:          role,
		seq:           seq,
		createdAt:     now,
		clock:         clk,
		logger:        logger.With(zap.String("agent_id", id), zap.String("role", string(role))),
		breaker:       breaker,
		onAvailable:   opts.OnAvailable,
		state:         StateIdle,
		lastHeartbeat: now,
	}
}

func (a *Agent) ID() string   { return a.id }
func (a *Agent) Name() string { return a.name }
func (a *Agent) Role() Role   { return a.role }
func (a *Agent) Seq() int     { return a.seq }

// State returns the current scheduling state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Running returns the number of tasks the agent is executing.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// TryAcquire moves an idle agent to busy on behalf of taskID. It returns
// false if the agent is busy or failed.
func (a *Agent) TryAcquire(taskID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquireLocked(taskID)
}

func (a *Agent) acquireLocked(taskID string) bool {
	if a.state != StateIdle {
		return false
	}
	a.state = StateBusy
	a.running++
	a.currentTask = taskID
	return true
}

type outcome struct {
	output   map[string]interface{}
	err      error
	duration time.Duration
}

// Execute runs task on this agent. The agent must have been acquired for the
// task, or be idle, in which case Execute acquires it. Stage failures and
// panics come back as *ExecutionError; the agent's counters and state are
// updated before Execute returns, except when ctx ends first, in which case
// the agent stays busy until the stage actually returns.
func (a *Agent) Execute(ctx context.Context, task Task) (Result, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}

	a.mu.Lock()
	if a.currentTask != task.ID && !a.acquireLocked(task.ID) {
		a.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %s is %s", ErrAgentUnavailable, a.id, a.State())
	}
	a.mu.Unlock()

	if task.Stage == nil {
		err := a.wrap(task, fmt.Errorf("no stage bound to node %q", task.Node))
		a.finish(outcome{err: err})
		return Result{}, err
	}

	done := make(chan outcome, 1)
	go a.run(ctx, task, done)

	select {
	case o := <-done:
		a.finish(o)
		if o.err != nil {
			return Result{}, o.err
		}
		return Result{TaskID: task.ID, AgentID: a.id, Output: o.output, Duration: o.duration}, nil
	case <-ctx.Done():
		go func() { a.finish(<-done) }()
		return Result{}, ctx.Err()
	}
}

func (a *Agent) run(ctx context.Context, task Task, done chan<- outcome) {
	start := a.clock.Now()
	var (
		output   map[string]interface{}
		stageErr error
	)

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Stage panicked", zap.String("node", task.Node), zap.Any("panic", r))
			done <- outcome{
				err:      a.wrap(task, fmt.Errorf("%w: %v", ErrStagePanic, r)),
				duration: a.clock.Now().Sub(start),
			}
		}
	}()

	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		out, err := task.Stage(ctx, cloneInput(task.Input))
		output = out
		if IsValidation(err) {
			// Bad input is the caller's problem, not the agent's.
			stageErr = err
			return nil
		}
		return err
	})
	if err == nil {
		err = stageErr
	}

	o := outcome{output: output, duration: a.clock.Now().Sub(start)}
	if err != nil {
		o.output = nil
		o.err = a.wrap(task, err)
	}
	done <- o
}

func (a *Agent) finish(o outcome) {
	open := a.breaker.State() != circuitbreaker.StateClosed

	a.mu.Lock()
	if a.running > 0 {
		a.running--
	}
	a.currentTask = ""
	a.handled++
	a.totalLatency += o.duration
	a.lastHeartbeat = a.clock.Now()
	if o.err != nil {
		a.failures++
	} else {
		a.completed++
	}

	idle := false
	switch {
	case open:
		if a.state != StateFailed {
			a.logger.Warn("Agent marked failed", zap.Uint64("failures", a.failures))
		}
		a.state = StateFailed
	case a.running == 0:
		a.state = StateIdle
		idle = true
	}
	a.mu.Unlock()

	if idle {
		a.notifyAvailable()
	}
}

func (a *Agent) notifyAvailable() {
	if a.onAvailable != nil {
		a.onAvailable(a)
	}
}

func (a *Agent) wrap(task Task, err error) error {
	return &ExecutionError{AgentID: a.id, Role: a.role, Node: task.Node, Err: err}
}

// Probe runs a recovery check on a failed agent. The check is only attempted
// once the agent has sat out its recovery window; before that Probe returns
// circuitbreaker.ErrCircuitBreakerOpen. A successful probe returns the agent
// to idle. Probing a healthy agent is a no-op.
func (a *Agent) Probe(ctx context.Context, probe ProbeFunc) error {
	if a.State() != StateFailed {
		return nil
	}
	if probe == nil {
		probe = func(context.Context, *Agent) error { return nil }
	}

	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return probe(ctx, a)
	})
	if err != nil {
		return err
	}

	closed := a.breaker.State() == circuitbreaker.StateClosed
	recovered := false
	a.mu.Lock()
	if closed && a.state == StateFailed {
		a.state = StateIdle
		a.lastHeartbeat = a.clock.Now()
		recovered = true
	}
	a.mu.Unlock()

	if recovered {
		a.logger.Info("Agent recovered")
		a.notifyAvailable()
	}
	return nil
}

// Recover forces a failed agent back to idle without probing.
func (a *Agent) Recover() {
	a.breaker.Reset()
	recovered := false
	a.mu.Lock()
	if a.state == StateFailed && a.running == 0 {
		a.state = StateIdle
		recovered = true
	}
	a.mu.Unlock()

	if recovered {
		a.notifyAvailable()
	}
}

// Heartbeat records that the agent is alive.
func (a *Agent) Heartbeat() {
	a.mu.Lock()
	a.lastHeartbeat = a.clock.Now()
	a.mu.Unlock()
}

// Status returns a snapshot of the agent's state and counters.
func (a *Agent) Status() Status {
	cb := a.breaker.Snapshot()

	a.mu.Lock()
	defer a.mu.Unlock()

	var avg time.Duration
	if a.handled > 0 {
		avg = a.totalLatency / time.Duration(a.handled)
	}
	return Status{
		ID:                  a.id,
		Name:                a.name,
		Role:                a.role,
		State:               a.state,
		CurrentTask:         a.currentTask,
		Running:             a.running,
		Handled:             a.handled,
		Completed:           a.completed,
		Failures:            a.failures,
		ConsecutiveFailures: cb.Counts.ConsecutiveFailures,
		AvgLatency:          avg,
		Breaker:             cb.State,
		CreatedAt:           a.createdAt,
		LastHeartbeat:       a.lastHeartbeat,
		Uptime:              a.clock.Now().Sub(a.createdAt),
	}
}

func cloneInput(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
