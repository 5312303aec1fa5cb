// Package coordinator owns the per-role agent pools and hands tasks to the
// least busy idle agent of the requested role.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/metrics"
	"github.com/YourDaypilot/orchestration/internal/streaming"
)

var (
	// ErrNoAgentsForRole means the role is unknown or its pool is empty.
	// It is a configuration defect and is never retried.
	ErrNoAgentsForRole = errors.New("no agents for role")
	// ErrSaturated means the role's wait queue is full.
	ErrSaturated = errors.New("agent pool saturated")
	// ErrTimeout means no agent finished the task within the stage timeout.
	ErrTimeout = errors.New("agent assignment timed out")
	// ErrUnknownAgent is returned by per-agent lookups.
	ErrUnknownAgent = errors.New("unknown agent")
)

// Policy decides what Assign does when no agent of the role is idle.
type Policy string

const (
	// PolicyQueue waits in a bounded queue and rejects with ErrSaturated
	// once QueueDepth callers are already waiting.
	PolicyQueue Policy = "queue"
	// PolicyBlock waits without a depth bound.
	PolicyBlock Policy = "block"
)

// Config configures a Coordinator. Zero StageTimeout, Policy and QueueDepth
// take their DefaultConfig values.
type Config struct {
	PoolSizes        map[agents.Role]int
	StageTimeout     time.Duration
	Policy           Policy
	QueueDepth       int
	FailureThreshold int
	RecoveryAfter    time.Duration
	Clock            clock.Clock
}

// DefaultConfig returns one agent per built-in role, a 30s stage timeout
// and a queue of 100.
func DefaultConfig() Config {
	return Config{
		PoolSizes: map[agents.Role]int{
			agents.RolePerception:   1,
			agents.RoleAnalysis:     1,
			agents.RoleIntervention: 1,
			agents.RoleFeedback:     1,
		},
		StageTimeout:     30 * time.Second,
		Policy:           PolicyQueue,
		QueueDepth:       100,
		FailureThreshold: 3,
		RecoveryAfter:    30 * time.Second,
	}
}

// RoleStats are the counters of one pool.
type RoleStats struct {
	Total       int     `json:"total"`
	Idle        int     `json:"idle"`
	Busy        int     `json:"busy"`
	Failed      int     `json:"failed"`
	Queued      int     `json:"queued"`
	Completed   uint64  `json:"completed"`
	Failures    uint64  `json:"failures"`
	SuccessRate float64 `json:"success_rate"`
}

// Stats is the coordinator view used by the health aggregator.
type Stats struct {
	PerRole map[agents.Role]RoleStats `json:"per_role"`
}

type pool struct {
	role agents.Role

	mu      sync.Mutex
	members []*agents.Agent
	waiting int
	notify  chan struct{}

	completed atomic.Uint64
	failed    atomic.Uint64
}

func newPool(role agents.Role) *pool {
	return &pool{role: role, notify: make(chan struct{})}
}

// broadcast wakes every waiter so they can retry selection.
func (p *pool) broadcast() {
	p.mu.Lock()
	close(p.notify)
	p.notify = make(chan struct{})
	p.mu.Unlock()
}

func (p *pool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Coordinator assigns tasks to pooled agents. It is safe for concurrent use.
type Coordinator struct {
	mu    sync.RWMutex
	pools map[agents.Role]*pool
	index map[string]*agents.Agent

	seq atomic.Int64

	settingsMu sync.RWMutex
	timeout    time.Duration
	policy     Policy
	queueDepth int

	failureThreshold int
	recoveryAfter    time.Duration

	bus    streaming.Publisher
	clock  clock.Clock
	logger *zap.Logger
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, map[string]interface{}, ...streaming.Option) {}

// New builds a coordinator and its initial pools. Roles are created in
// sorted order so agent creation order is stable for a given config.
func New(cfg Config, bus streaming.Publisher, logger *zap.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = nopPublisher{}
	}
	def := DefaultConfig()
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = def.StageTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Policy != PolicyQueue && cfg.Policy != PolicyBlock {
		return nil, fmt.Errorf("unknown saturation policy %q", cfg.Policy)
	}
	if cfg.QueueDepth < 0 {
		return nil, fmt.Errorf("queue depth must not be negative, got %d", cfg.QueueDepth)
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = def.QueueDepth
	}

	c := &Coordinator{
		pools:            make(map[agents.Role]*pool),
		index:            make(map[string]*agents.Agent),
		timeout:          cfg.StageTimeout,
		policy:           cfg.Policy,
		queueDepth:       cfg.QueueDepth,
		failureThreshold: cfg.FailureThreshold,
		recoveryAfter:    cfg.RecoveryAfter,
		bus:              bus,
		clock:            clock.OrReal(cfg.Clock),
		logger:           logger,
	}

	roles := make([]string, 0, len(cfg.PoolSizes))
	for role := range cfg.PoolSizes {
		roles = append(roles, string(role))
	}
	sort.Strings(roles)
	for _, role := range roles {
		n := cfg.PoolSizes[agents.Role(role)]
		if n < 0 {
			return nil, fmt.Errorf("pool size for %s must not be negative, got %d", role, n)
		}
		c.AddAgents(agents.Role(role), n)
	}
	return c, nil
}

// AddAgents grows the role's pool by n agents, creating the pool if needed,
// and returns the new agent IDs.
func (c *Coordinator) AddAgents(role agents.Role, n int) []string {
	c.mu.Lock()
	p, ok := c.pools[role]
	if !ok {
		p = newPool(role)
		c.pools[role] = p
	}
	created := make([]*agents.Agent, 0, n)
	for i := 0; i < n; i++ {
		a := agents.New(role, int(c.seq.Add(1)), agents.Options{
			FailureThreshold: c.failureThreshold,
			RecoveryAfter:    c.recoveryAfter,
			OnAvailable:      func(*agents.Agent) { p.broadcast() },
			Clock:            c.clock,
			Logger:           c.logger,
		})
		c.index[a.ID()] = a
		created = append(created, a)
	}
	c.mu.Unlock()

	p.mu.Lock()
	p.members = append(p.members, created...)
	p.mu.Unlock()
	if n > 0 {
		p.broadcast()
	}

	ids := make([]string, 0, len(created))
	for _, a := range created {
		ids = append(ids, a.ID())
		c.bus.Publish(streaming.TopicAgentRegistered, map[string]interface{}{
			"agent_id": a.ID(),
			"name":     a.Name(),
			"role":     string(role),
		}, streaming.WithSource(streaming.SourceCoordinator))
		c.logger.Info("Agent registered",
			zap.String("agent_id", a.ID()),
			zap.String("name", a.Name()),
			zap.String("role", string(role)),
		)
	}
	return ids
}

func (c *Coordinator) pool(role agents.Role) *pool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pools[role]
}

// HasAgents reports whether role has a nonempty pool.
func (c *Coordinator) HasAgents(role agents.Role) bool {
	p := c.pool(role)
	return p != nil && p.size() > 0
}

// ValidateRoles returns ErrNoAgentsForRole naming every role without agents.
func (c *Coordinator) ValidateRoles(roles []agents.Role) error {
	var missing []string
	for _, role := range roles {
		if !c.HasAgents(role) {
			missing = append(missing, string(role))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrNoAgentsForRole, missing)
	}
	return nil
}

// StageTimeout returns the per-call timeout.
func (c *Coordinator) StageTimeout() time.Duration {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.timeout
}

// SetStageTimeout changes the per-call timeout for later assignments.
func (c *Coordinator) SetStageTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	c.settingsMu.Lock()
	c.timeout = d
	c.settingsMu.Unlock()
}

// SetQueueDepth changes the queue bound for later assignments. Non-positive
// values are ignored.
func (c *Coordinator) SetQueueDepth(n int) {
	if n <= 0 {
		return
	}
	c.settingsMu.Lock()
	c.queueDepth = n
	c.settingsMu.Unlock()
}

func (c *Coordinator) saturation() (Policy, int) {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.policy, c.queueDepth
}

// Assign runs task on an idle agent of role and returns its result. The
// whole call, waiting included, is bounded by the stage timeout. Cancelling
// ctx abandons the wait for an agent; once an agent is chosen the stage runs
// to completion or to the stage timeout. On failure the returned Result
// still carries the agent ID when an agent was chosen.
func (c *Coordinator) Assign(ctx context.Context, role agents.Role, task agents.Task) (agents.Result, error) {
	p := c.pool(role)
	if p == nil || p.size() == 0 {
		metrics.RecordRejection(string(role), "no_agents")
		return agents.Result{}, fmt.Errorf("%w: %s", ErrNoAgentsForRole, role)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Role = role

	timeout := c.StageTimeout()
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	waitCtx, stopWait := context.WithCancel(callCtx)
	defer stopWait()
	stopWatch := context.AfterFunc(ctx, stopWait)

	waitStart := c.clock.Now()
	agent, err := c.acquire(waitCtx, p, task.ID)
	stopWatch()
	if err != nil {
		switch {
		case errors.Is(err, ErrSaturated):
			metrics.RecordRejection(string(role), "saturated")
			return agents.Result{}, fmt.Errorf("%w: %s", ErrSaturated, role)
		case ctx.Err() != nil:
			metrics.RecordRejection(string(role), "cancelled")
			return agents.Result{}, fmt.Errorf("waiting for %s agent: %w", role, ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			metrics.RecordRejection(string(role), "timeout")
			return agents.Result{}, fmt.Errorf("%w: no %s agent free within %s", ErrTimeout, role, timeout)
		default:
			return agents.Result{}, err
		}
	}
	metrics.CoordinatorWait.WithLabelValues(string(role)).Observe(c.clock.Now().Sub(waitStart).Seconds())

	base := map[string]interface{}{
		"agent_id": agent.ID(),
		"role":     string(role),
		"node":     task.Node,
		"task_id":  task.ID,
	}
	c.bus.Publish(streaming.TopicAgentStarted, base,
		streaming.WithWorkflow(task.WorkflowID), streaming.WithSource(streaming.SourceCoordinator))

	start := c.clock.Now()
	res, err := agent.Execute(callCtx, task)
	duration := c.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: agent %s exceeded %s on %s", ErrTimeout, agent.ID(), timeout, task.Node)
		}
		p.failed.Add(1)
		metrics.RecordAgentMetrics(string(role), "failure", duration.Seconds())
		c.bus.Publish(streaming.TopicAgentFailed, with(base, map[string]interface{}{
			"error":       err.Error(),
			"duration_ms": duration.Milliseconds(),
		}), streaming.WithWorkflow(task.WorkflowID), streaming.WithSource(streaming.SourceCoordinator))
		c.logger.Debug("Agent task failed",
			zap.String("agent_id", agent.ID()),
			zap.String("node", task.Node),
			zap.String("workflow_id", task.WorkflowID),
			zap.Error(err),
		)
		return agents.Result{TaskID: task.ID, AgentID: agent.ID(), Duration: duration}, err
	}

	p.completed.Add(1)
	metrics.RecordAgentMetrics(string(role), "success", duration.Seconds())
	c.bus.Publish(streaming.TopicAgentCompleted, with(base, map[string]interface{}{
		"duration_ms": duration.Milliseconds(),
	}), streaming.WithWorkflow(task.WorkflowID), streaming.WithSource(streaming.SourceCoordinator))
	return res, nil
}

// acquire returns an agent already marked busy for taskID.
func (c *Coordinator) acquire(ctx context.Context, p *pool, taskID string) (*agents.Agent, error) {
	queued := false
	defer func() {
		if queued {
			p.mu.Lock()
			p.waiting--
			metrics.CoordinatorQueued.WithLabelValues(string(p.role)).Set(float64(p.waiting))
			p.mu.Unlock()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.mu.Lock()
		if a := p.pickLocked(taskID); a != nil {
			p.mu.Unlock()
			return a, nil
		}
		if !queued {
			policy, depth := c.saturation()
			if policy == PolicyQueue && p.waiting >= depth {
				p.mu.Unlock()
				return nil, ErrSaturated
			}
			p.waiting++
			queued = true
			metrics.CoordinatorQueued.WithLabelValues(string(p.role)).Set(float64(p.waiting))
		}
		wake := p.notify
		p.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pickLocked acquires the idle agent with the fewest running tasks, earliest
// created first. Must be called with p.mu held.
func (p *pool) pickLocked(taskID string) *agents.Agent {
	candidates := make([]*agents.Agent, 0, len(p.members))
	for _, a := range p.members {
		if a.State() == agents.StateIdle {
			candidates = append(candidates, a)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Running(), candidates[j].Running()
		if ri != rj {
			return ri < rj
		}
		return candidates[i].Seq() < candidates[j].Seq()
	})
	for _, a := range candidates {
		if a.TryAcquire(taskID) {
			return a
		}
	}
	return nil
}

// Agents returns the status of every agent in creation order.
func (c *Coordinator) Agents() []agents.Status {
	c.mu.RLock()
	all := make([]*agents.Agent, 0, len(c.index))
	for _, a := range c.index {
		all = append(all, a)
	}
	c.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].Seq() < all[j].Seq() })
	out := make([]agents.Status, 0, len(all))
	for _, a := range all {
		out = append(out, a.Status())
	}
	return out
}

func (c *Coordinator) agent(id string) (*agents.Agent, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	return a, nil
}

// AgentStatus returns the status of one agent.
func (c *Coordinator) AgentStatus(id string) (agents.Status, error) {
	a, err := c.agent(id)
	if err != nil {
		return agents.Status{}, err
	}
	return a.Status(), nil
}

// Heartbeat refreshes an agent's liveness timestamp.
func (c *Coordinator) Heartbeat(id string) error {
	a, err := c.agent(id)
	if err != nil {
		return err
	}
	a.Heartbeat()
	return nil
}

// RecoverAgent forces a failed agent back into rotation.
func (c *Coordinator) RecoverAgent(id string) error {
	a, err := c.agent(id)
	if err != nil {
		return err
	}
	wasFailed := a.State() == agents.StateFailed
	a.Recover()
	if wasFailed && a.State() == agents.StateIdle {
		c.publishRecovered(a, "manual")
	}
	return nil
}

// Stats returns per-role counters and refreshes the agent gauges.
func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	pools := make([]*pool, 0, len(c.pools))
	for _, p := range c.pools {
		pools = append(pools, p)
	}
	c.mu.RUnlock()

	out := Stats{PerRole: make(map[agents.Role]RoleStats, len(pools))}
	for _, p := range pools {
		p.mu.Lock()
		members := append([]*agents.Agent(nil), p.members...)
		rs := RoleStats{Total: len(members), Queued: p.waiting}
		p.mu.Unlock()

		for _, a := range members {
			switch a.State() {
			case agents.StateIdle:
				rs.Idle++
			case agents.StateBusy:
				rs.Busy++
			case agents.StateFailed:
				rs.Failed++
			}
		}
		rs.Completed = p.completed.Load()
		rs.Failures = p.failed.Load()
		rs.SuccessRate = SuccessRate(rs.Completed, rs.Failures)
		out.PerRole[p.role] = rs

		role := string(p.role)
		metrics.Agents.WithLabelValues(role, string(agents.StateIdle)).Set(float64(rs.Idle))
		metrics.Agents.WithLabelValues(role, string(agents.StateBusy)).Set(float64(rs.Busy))
		metrics.Agents.WithLabelValues(role, string(agents.StateFailed)).Set(float64(rs.Failed))
	}
	return out
}

// SuccessRate is completed/(completed+failed), or 1.0 when nothing ran.
func SuccessRate(completed, failed uint64) float64 {
	total := completed + failed
	if total == 0 {
		return 1.0
	}
	return float64(completed) / float64(total)
}

func with(base, extra map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
