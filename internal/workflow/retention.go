package workflow

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// Evict drops terminal instances that ended more than the retention period
// ago, then the oldest terminal instances beyond the retention cap. It
// returns the number evicted. Pending and running instances are never
// evicted.
func (e *Engine) Evict() int {
	now := e.clock.Now()

	type done struct {
		id    string
		ended time.Time
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var terminal []done
	for id, ent := range e.instances {
		ent.mu.Lock()
		status, ended := ent.inst.Status, ent.inst.EndedAt
		ent.mu.Unlock()
		if !status.Terminal() || ended == nil {
			continue
		}
		terminal = append(terminal, done{id: id, ended: *ended})
	}
	sort.Slice(terminal, func(i, j int) bool { return terminal[i].ended.Before(terminal[j].ended) })

	evicted := 0
	keep := terminal[:0]
	for _, d := range terminal {
		if now.Sub(d.ended) > e.retention {
			delete(e.instances, d.id)
			evicted++
			continue
		}
		keep = append(keep, d)
	}
	for len(keep) > e.maxRetained {
		delete(e.instances, keep[0].id)
		keep = keep[1:]
		evicted++
	}
	return evicted
}

// RunJanitor calls Evict every interval until ctx is done.
func (e *Engine) RunJanitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := e.Evict(); n > 0 {
				e.logger.Debug("Evicted finished workflows", zap.Int("count", n))
			}
		}
	}
}
