package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// ProbeFailed runs probe against every failed agent whose recovery window
// has elapsed and returns how many came back.
func (c *Coordinator) ProbeFailed(ctx context.Context, probe agents.ProbeFunc) int {
	c.mu.RLock()
	failed := make([]*agents.Agent, 0)
	for _, a := range c.index {
		if a.State() == agents.StateFailed {
			failed = append(failed, a)
		}
	}
	c.mu.RUnlock()

	recovered := 0
	for _, a := range failed {
		err := a.Probe(ctx, probe)
		switch {
		case err == nil:
			if a.State() == agents.StateIdle {
				recovered++
				c.publishRecovered(a, "probe")
			}
		case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen),
			errors.Is(err, circuitbreaker.ErrTooManyRequests):
			// still sitting out its recovery window
		default:
			c.logger.Warn("Agent recovery probe failed",
				zap.String("agent_id", a.ID()),
				zap.Error(err),
			)
		}
	}
	return recovered
}

// StartRecovery probes failed agents every interval until ctx ends.
func (c *Coordinator) StartRecovery(ctx context.Context, interval time.Duration, probe agents.ProbeFunc) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("Agent recovery loop started", zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Agent recovery loop stopped")
			return nil
		case <-ticker.C:
			c.ProbeFailed(ctx, probe)
		}
	}
}

func (c *Coordinator) publishRecovered(a *agents.Agent, via string) {
	c.logger.Info("Agent back in rotation", zap.String("agent_id", a.ID()), zap.String("via", via))
	c.bus.Publish(streaming.TopicAgentRecovered, map[string]interface{}{
		"agent_id": a.ID(),
		"role":     string(a.Role()),
		"via":      via,
	}, streaming.WithSource(streaming.SourceCoordinator))
}
