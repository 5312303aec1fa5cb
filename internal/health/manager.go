package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CheckConfig overrides the defaults a checker reports about itself.
type CheckConfig struct {
	Enabled  bool
	Critical bool
	Timeout  time.Duration
}

type checkerState struct {
	checker  Checker
	enabled  bool
	timeout  time.Duration
	critical bool
}

// Manager runs the registered checkers on demand and remembers their last
// results.
type Manager struct {
	mu          sync.RWMutex
	checkers    map[string]*checkerState
	lastResults map[string]CheckResult
	overrides   map[string]CheckConfig
	logger      *zap.Logger
}

// NewManager creates a health manager. overrides may be nil.
func NewManager(overrides map[string]CheckConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if overrides == nil {
		overrides = make(map[string]CheckConfig)
	}
	return &Manager{
		checkers:    make(map[string]*checkerState),
		lastResults: make(map[string]CheckResult),
		overrides:   overrides,
		logger:      logger,
	}
}

// RegisterChecker registers a health check
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	state := &checkerState{
		checker:  checker,
		enabled:  true,
		timeout:  checker.Timeout(),
		critical: checker.IsCritical(),
	}
	if cfg, ok := m.overrides[name]; ok {
		state.enabled = cfg.Enabled
		state.critical = cfg.Critical
		if cfg.Timeout > 0 {
			state.timeout = cfg.Timeout
		}
	}
	if state.timeout <= 0 {
		state.timeout = 5 * time.Second
	}

	m.checkers[name] = state
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("enabled", state.enabled),
		zap.Bool("critical", state.critical),
		zap.Duration("timeout", state.timeout),
	)
	return nil
}

// UnregisterChecker removes a health check
func (m *Manager) UnregisterChecker(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.checkers[name]; !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	delete(m.checkers, name)
	delete(m.lastResults, name)
	m.logger.Info("Health checker unregistered", zap.String("checker", name))
	return nil
}

// Names returns the registered checker names in sorted order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetOverallHealth returns the overall health status
func (m *Manager) GetOverallHealth(ctx context.Context) OverallHealth {
	start := time.Now()
	detailed := m.GetDetailedHealth(ctx)
	overall := detailed.Overall
	overall.Timestamp = detailed.Timestamp
	overall.Duration = time.Since(start)
	return overall
}

// GetDetailedHealth runs every enabled checker and returns their results.
func (m *Manager) GetDetailedHealth(ctx context.Context) DetailedHealth {
	m.mu.RLock()
	states := make([]*checkerState, 0, len(m.checkers))
	for _, state := range m.checkers {
		if state.enabled {
			states = append(states, state)
		}
	}
	m.mu.RUnlock()

	timestamp := time.Now()
	components := make(map[string]CheckResult, len(states))
	for _, state := range states {
		components[state.checker.Name()] = m.runCheck(ctx, state)
	}

	m.mu.Lock()
	for name, result := range components {
		m.lastResults[name] = result
	}
	m.mu.Unlock()

	summary := summarize(components)
	return DetailedHealth{
		Overall:    overallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  timestamp,
	}
}

// CachedHealth builds a DetailedHealth from the last results without running
// any checker.
func (m *Manager) CachedHealth() DetailedHealth {
	components := m.GetLastResults()
	summary := summarize(components)
	return DetailedHealth{
		Overall:    overallStatus(components, summary),
		Components: components,
		Summary:    summary,
		Timestamp:  time.Now(),
	}
}

func (m *Manager) runCheck(ctx context.Context, state *checkerState) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, state.timeout)
	defer cancel()

	start := time.Now()
	result := state.checker.Check(checkCtx)
	result.Component = state.checker.Name()
	result.Critical = state.critical
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func summarize(components map[string]CheckResult) HealthSummary {
	summary := HealthSummary{Total: len(components)}
	for _, result := range components {
		switch result.Status {
		case StatusHealthy:
			summary.Healthy++
		case StatusDegraded:
			summary.Degraded++
		case StatusUnhealthy:
			summary.Unhealthy++
		}
		if result.Critical {
			summary.Critical++
		} else {
			summary.NonCritical++
		}
	}
	return summary
}

// overallStatus determines overall health from component results
func overallStatus(components map[string]CheckResult, summary HealthSummary) OverallHealth {
	if summary.Total == 0 {
		// Nothing registered: the hub itself is up, there is just nothing to probe.
		return OverallHealth{
			Status:  StatusHealthy,
			Message: "No health checks registered",
			Ready:   true,
			Live:    true,
		}
	}

	criticalFailures := 0
	nonCriticalFailures := 0
	degradedComponents := 0
	for _, result := range components {
		if result.Status == StatusDegraded {
			degradedComponents++
		}
		if result.Status == StatusUnhealthy {
			if result.Critical {
				criticalFailures++
			} else {
				nonCriticalFailures++
			}
		}
	}

	overall := OverallHealth{Ready: true, Live: true}
	switch {
	case criticalFailures > 0:
		overall.Status = StatusUnhealthy
		overall.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
		overall.Ready = false
	case degradedComponents > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d component(s) degraded", degradedComponents)
	case nonCriticalFailures > 0:
		overall.Status = StatusDegraded
		overall.Message = fmt.Sprintf("%d non-critical component(s) failing", nonCriticalFailures)
	default:
		overall.Status = StatusHealthy
		overall.Message = fmt.Sprintf("All %d components healthy", summary.Total)
	}
	overall.Degraded = overall.Status == StatusDegraded || degradedComponents > 0
	return overall
}

// IsReady returns true if the service is ready to serve requests
func (m *Manager) IsReady(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Ready
}

// IsLive returns true if the service is alive (for liveness probes)
func (m *Manager) IsLive(ctx context.Context) bool {
	return m.GetOverallHealth(ctx).Live
}

// GetLastResults returns the most recent health check results without running new checks
func (m *Manager) GetLastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]CheckResult, len(m.lastResults))
	for name, result := range m.lastResults {
		results[name] = result
	}
	return results
}

// EnableChecker enables a specific health checker
func (m *Manager) EnableChecker(name string) error {
	return m.setEnabled(name, true)
}

// DisableChecker disables a specific health checker
func (m *Manager) DisableChecker(name string) error {
	return m.setEnabled(name, false)
}

func (m *Manager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, exists := m.checkers[name]
	if !exists {
		return fmt.Errorf("checker %s not found", name)
	}
	if state.enabled == enabled {
		return nil
	}
	state.enabled = enabled
	if !enabled {
		delete(m.lastResults, name)
	}
	m.logger.Info("Health checker toggled", zap.String("checker", name), zap.Bool("enabled", enabled))
	return nil
}
