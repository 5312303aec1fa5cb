package health

import (
	"time"

	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

// Level is the aggregated hub status.
type Level string

const (
	LevelHealthy   Level = "healthy"
	LevelDegraded  Level = "degraded"
	LevelUnhealthy Level = "unhealthy"
	LevelCritical  Level = "critical"
)

// Value is the numeric form exported on the health_status gauge.
func (l Level) Value() int {
	switch l {
	case LevelDegraded:
		return 1
	case LevelUnhealthy:
		return 2
	case LevelCritical:
		return 3
	default:
		return 0
	}
}

func worse(a, b Level) Level {
	if b.Value() > a.Value() {
		return b
	}
	return a
}

// Success-rate cut-offs for the aggregated level.
const (
	healthyRate   = 0.95
	degradedRate  = 0.85
	unhealthyRate = 0.70
)

// EngineStats is implemented by *workflow.Engine.
type EngineStats interface {
	Stats() workflow.Stats
}

// CoordinatorStats is implemented by *coordinator.Coordinator.
type CoordinatorStats interface {
	Stats() coordinator.Stats
}

// DispatcherStats is implemented by *streaming.Manager.
type DispatcherStats interface {
	Stats() streaming.Stats
}

// Snapshot is a point-in-time view of the hub.
type Snapshot struct {
	Engine      workflow.Stats    `json:"engine"`
	Coordinator coordinator.Stats `json:"coordinator"`
	Dispatcher  streaming.Stats   `json:"dispatcher"`
	Status      Level             `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      float64           `json:"uptime"`
}

// FailedRoles lists roles whose every agent is failed.
func (s Snapshot) FailedRoles() []string {
	var roles []string
	for role, rs := range s.Coordinator.PerRole {
		if rs.Total > 0 && rs.Failed >= rs.Total {
			roles = append(roles, string(role))
		}
	}
	return roles
}

// Aggregator assembles snapshots from the engine, coordinator and
// dispatcher. It only reads their counters.
type Aggregator struct {
	engine  EngineStats
	coord   CoordinatorStats
	bus     DispatcherStats
	clock   clock.Clock
	started time.Time
}

// NewAggregator returns an Aggregator. clk may be nil.
func NewAggregator(engine EngineStats, coord CoordinatorStats, bus DispatcherStats, clk clock.Clock) *Aggregator {
	clk = clock.OrReal(clk)
	return &Aggregator{
		engine:  engine,
		coord:   coord,
		bus:     bus,
		clock:   clk,
		started: clk.Now(),
	}
}

// Snapshot collects current statistics and classifies them.
func (a *Aggregator) Snapshot() Snapshot {
	now := a.clock.Now()
	s := Snapshot{
		Engine:      a.engine.Stats(),
		Coordinator: a.coord.Stats(),
		Dispatcher:  a.bus.Stats(),
		Timestamp:   now,
		Uptime:      now.Sub(a.started).Seconds(),
	}
	s.Status = Classify(s)
	return s
}

// Classify maps the engine success rate onto a Level and escalates to at
// least unhealthy when a role has no working agent left.
func Classify(s Snapshot) Level {
	var level Level
	rate := s.Engine.SuccessRate
	switch {
	case rate >= healthyRate:
		level = LevelHealthy
	case rate >= degradedRate:
		level = LevelDegraded
	case rate >= unhealthyRate:
		level = LevelUnhealthy
	default:
		level = LevelCritical
	}
	if len(s.FailedRoles()) > 0 {
		level = worse(level, LevelUnhealthy)
	}
	return level
}
