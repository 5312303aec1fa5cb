package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/metrics"
	"github.com/YourDaypilot/orchestration/internal/streaming"
)

// MonitorConfig tunes a Monitor.
type MonitorConfig struct {
	Interval    time.Duration
	HistorySize int
	// SuccessRateBaseline is the engine success rate below which an alert is
	// raised, once MinVolume runs have finished.
	SuccessRateBaseline float64
	MinVolume           uint64
	AlertHistory        int
}

// DefaultMonitorConfig returns the production defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:            30 * time.Second,
		HistorySize:         100,
		SuccessRateBaseline: 0.95,
		MinVolume:           10,
		AlertHistory:        100,
	}
}

// Alert is a condition the monitor raised.
type Alert struct {
	ID        string    `json:"alert_id"`
	Key       string    `json:"key"`
	Component string    `json:"component"`
	Severity  Level     `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Monitor snapshots the hub periodically, keeps a bounded history and
// raises alerts when a condition starts to hold.
type Monitor struct {
	agg     *Aggregator
	checks  *Manager
	bus     streaming.Publisher
	cfg     MonitorConfig
	logger  *zap.Logger
	resetCh chan time.Duration

	mu      sync.Mutex
	history []Snapshot
	alerts  []Alert
	active  map[string]bool
}

// NewMonitor builds a Monitor. checks may be nil.
func NewMonitor(agg *Aggregator, checks *Manager, bus streaming.Publisher, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.SuccessRateBaseline <= 0 {
		cfg.SuccessRateBaseline = def.SuccessRateBaseline
	}
	if cfg.AlertHistory <= 0 {
		cfg.AlertHistory = def.AlertHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		agg:     agg,
		checks:  checks,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
		resetCh: make(chan time.Duration, 1),
		active:  make(map[string]bool),
	}
}

// SetInterval changes the tick interval of a running monitor.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-m.resetCh:
	default:
	}
	m.resetCh <- d
}

// Run checks every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started", zap.Duration("interval", m.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return nil
		case d := <-m.resetCh:
			ticker.Reset(d)
			m.logger.Info("Health monitor interval updated", zap.Duration("interval", d))
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check takes one snapshot, evaluates alert conditions and publishes the
// result as health.check.
func (m *Monitor) Check(ctx context.Context) Snapshot {
	snap := m.agg.Snapshot()

	conditions := m.evaluate(snap)
	if m.checks != nil {
		overall := m.checks.GetOverallHealth(ctx)
		if overall.Status == StatusUnhealthy {
			snap.Status = worse(snap.Status, LevelUnhealthy)
			conditions = append(conditions, Alert{
				Key:       "checks",
				Component: "dependencies",
				Severity:  LevelUnhealthy,
				Message:   overall.Message,
			})
		}
	}

	m.mu.Lock()
	m.history = append(m.history, snap)
	if over := len(m.history) - m.cfg.HistorySize; over > 0 {
		m.history = append([]Snapshot(nil), m.history[over:]...)
	}
	raised := m.transitionLocked(conditions, snap.Timestamp)
	m.mu.Unlock()

	metrics.HealthStatus.Set(float64(snap.Status.Value()))
	for _, a := range raised {
		metrics.AlertsRaised.WithLabelValues(a.Component, string(a.Severity)).Inc()
		m.logger.Warn("Alert raised",
			zap.String("component", a.Component),
			zap.String("severity", string(a.Severity)),
			zap.String("message", a.Message),
		)
		m.publish(streaming.TopicAlertRaised, map[string]interface{}{
			"alert_id":  a.ID,
			"component": a.Component,
			"severity":  string(a.Severity),
			"message":   a.Message,
		})
	}
	m.publish(streaming.TopicHealthCheck, map[string]interface{}{
		"status":       string(snap.Status),
		"success_rate": snap.Engine.SuccessRate,
		"active":       snap.Engine.Active,
		"dropped":      snap.Dispatcher.Dropped,
		"uptime":       snap.Uptime,
	})
	return snap
}

func (m *Monitor) publish(topic string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(topic, payload, streaming.WithSource(streaming.SourceMonitor))
}

func (m *Monitor) evaluate(snap Snapshot) []Alert {
	var out []Alert
	finished := snap.Engine.Completed + snap.Engine.Failed
	if finished >= m.cfg.MinVolume && snap.Engine.SuccessRate < m.cfg.SuccessRateBaseline {
		out = append(out, Alert{
			Key:       "engine.success_rate",
			Component: "workflow_engine",
			Severity:  worse(LevelDegraded, snap.Status),
			Message:   fmt.Sprintf("workflow success rate below baseline: %.2f", snap.Engine.SuccessRate),
		})
	}
	roles := snap.FailedRoles()
	sort.Strings(roles)
	for _, role := range roles {
		out = append(out, Alert{
			Key:       "pool." + role,
			Component: "agent_coordinator",
			Severity:  LevelUnhealthy,
			Message:   fmt.Sprintf("all %s agents have failed", role),
		})
	}
	return out
}

// transitionLocked records alerts for conditions that were not active on
// the previous check and forgets conditions that cleared.
func (m *Monitor) transitionLocked(conditions []Alert, now time.Time) []Alert {
	seen := make(map[string]bool, len(conditions))
	var raised []Alert
	for _, c := range conditions {
		seen[c.Key] = true
		if m.active[c.Key] {
			continue
		}
		c.ID = "alert_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
		c.Timestamp = now
		m.active[c.Key] = true
		raised = append(raised, c)
		m.alerts = append(m.alerts, c)
	}
	for key := range m.active {
		if !seen[key] {
			delete(m.active, key)
		}
	}
	if over := len(m.alerts) - m.cfg.AlertHistory; over > 0 {
		m.alerts = append([]Alert(nil), m.alerts[over:]...)
	}
	return raised
}

// Latest returns the newest snapshot, if any check has run.
func (m *Monitor) Latest() (Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return Snapshot{}, false
	}
	return m.history[len(m.history)-1], true
}

// History returns up to limit snapshots, oldest first. limit <= 0 returns
// all of them.
func (m *Monitor) History(limit int) []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(m.history) {
		start = len(m.history) - limit
	}
	return append([]Snapshot(nil), m.history[start:]...)
}

// Alerts returns up to limit most recent alerts, oldest first.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if limit > 0 && limit < len(m.alerts) {
		start = len(m.alerts) - limit
	}
	return append([]Alert(nil), m.alerts[start:]...)
}
