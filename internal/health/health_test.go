package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/clock"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/metrics"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

type fakeSources struct {
	mu     sync.Mutex
	engine workflow.Stats
	coord  coordinator.Stats
	bus    streaming.Stats
}

type engineFn func() workflow.Stats

func (fn engineFn) Stats() workflow.Stats { return fn() }

type coordFn func() coordinator.Stats

func (fn coordFn) Stats() coordinator.Stats { return fn() }

type busFn func() streaming.Stats

func (fn busFn) Stats() streaming.Stats { return fn() }

func (f *fakeSources) set(mutate func(f *fakeSources)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f)
}

func (f *fakeSources) aggregator(clk clock.Clock) *Aggregator {
	return NewAggregator(
		engineFn(func() workflow.Stats { f.mu.Lock(); defer f.mu.Unlock(); return f.engine }),
		coordFn(func() coordinator.Stats { f.mu.Lock(); defer f.mu.Unlock(); return f.coord }),
		busFn(func() streaming.Stats { f.mu.Lock(); defer f.mu.Unlock(); return f.bus }),
		clk,
	)
}

func healthySources() *fakeSources {
	return &fakeSources{
		engine: workflow.Stats{SuccessRate: 1.0},
		coord: coordinator.Stats{PerRole: map[agents.Role]coordinator.RoleStats{
			agents.RolePerception: {Total: 2, Idle: 2, SuccessRate: 1},
		}},
	}
}

type recordingBus struct {
	mu     sync.Mutex
	topics []string
}

func (b *recordingBus) Publish(topic string, _ map[string]interface{}, _ ...streaming.Option) {
	b.mu.Lock()
	b.topics = append(b.topics, topic)
	b.mu.Unlock()
}

func (b *recordingBus) count(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, t := range b.topics {
		if t == topic {
			n++
		}
	}
	return n
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		rate       float64
		failedRole bool
		want       Level
	}{
		{"nothing run", 1.0, false, LevelHealthy},
		{"at baseline", 0.95, false, LevelHealthy},
		{"degraded", 0.9, false, LevelDegraded},
		{"unhealthy", 0.75, false, LevelUnhealthy},
		{"critical", 0.5, false, LevelCritical},
		{"dead pool escalates", 1.0, true, LevelUnhealthy},
		{"dead pool keeps critical", 0.1, true, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Snapshot{Engine: workflow.Stats{SuccessRate: tt.rate}}
			if tt.failedRole {
				s.Coordinator.PerRole = map[agents.Role]coordinator.RoleStats{
					agents.RoleAnalysis: {Total: 2, Failed: 2},
				}
			}
			assert.Equal(t, tt.want, Classify(s))
		})
	}
}

func TestAggregatorSnapshot(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	src := healthySources()
	src.bus = streaming.Stats{Published: 5, Delivered: 4, Dropped: 1, Subscribers: 2}
	agg := src.aggregator(clk)

	clk.Advance(90 * time.Second)
	snap := agg.Snapshot()
	assert.Equal(t, LevelHealthy, snap.Status)
	assert.Equal(t, 90.0, snap.Uptime)
	assert.Equal(t, clk.Now(), snap.Timestamp)
	assert.Equal(t, uint64(1), snap.Dispatcher.Dropped)

	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"engine", "coordinator", "dispatcher", "status", "timestamp", "uptime"} {
		assert.Contains(t, decoded, key)
	}
	assert.Contains(t, decoded["coordinator"], "per_role")
}

func TestMonitorRaisesAlertsOnTransition(t *testing.T) {
	src := healthySources()
	bus := &recordingBus{}
	mon := NewMonitor(src.aggregator(nil), nil, bus, MonitorConfig{HistorySize: 3, MinVolume: 10}, zaptest.NewLogger(t))
	ctx := context.Background()

	before := testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues("workflow_engine", string(LevelCritical)))

	snap := mon.Check(ctx)
	assert.Equal(t, LevelHealthy, snap.Status)
	assert.Empty(t, mon.Alerts(0))

	// Below baseline but not enough volume yet.
	src.set(func(f *fakeSources) { f.engine = workflow.Stats{Completed: 1, Failed: 4, SuccessRate: 0.2} })
	mon.Check(ctx)
	assert.Empty(t, mon.Alerts(0))

	src.set(func(f *fakeSources) { f.engine = workflow.Stats{Completed: 5, Failed: 15, SuccessRate: 0.25} })
	snap = mon.Check(ctx)
	assert.Equal(t, LevelCritical, snap.Status)
	alerts := mon.Alerts(0)
	require.Len(t, alerts, 1)
	assert.Equal(t, "workflow_engine", alerts[0].Component)
	assert.Equal(t, LevelCritical, alerts[0].Severity)
	assert.NotEmpty(t, alerts[0].ID)

	// The condition still holds, so nothing new is raised.
	mon.Check(ctx)
	assert.Len(t, mon.Alerts(0), 1)
	assert.Equal(t, 1, bus.count(streaming.TopicAlertRaised))
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AlertsRaised.WithLabelValues("workflow_engine", string(LevelCritical))))
	assert.Equal(t, float64(LevelCritical.Value()), testutil.ToFloat64(metrics.HealthStatus))

	// A dead pool raises its own alert.
	src.set(func(f *fakeSources) {
		f.coord.PerRole[agents.RoleAnalysis] = coordinator.RoleStats{Total: 1, Failed: 1}
	})
	mon.Check(ctx)
	alerts = mon.Alerts(0)
	require.Len(t, alerts, 2)
	assert.Equal(t, "agent_coordinator", alerts[1].Component)

	assert.Equal(t, 5, bus.count(streaming.TopicHealthCheck))
	assert.Len(t, mon.History(0), 3)
	assert.Len(t, mon.History(1), 1)
	latest, ok := mon.Latest()
	require.True(t, ok)
	assert.Equal(t, LevelCritical, latest.Status)
}

func TestMonitorRaisesAgainAfterRecovery(t *testing.T) {
	src := healthySources()
	bus := &recordingBus{}
	mon := NewMonitor(src.aggregator(nil), nil, bus, MonitorConfig{}, zaptest.NewLogger(t))
	ctx := context.Background()

	dead := func(f *fakeSources) {
		f.coord.PerRole[agents.RolePerception] = coordinator.RoleStats{Total: 2, Failed: 2}
	}
	alive := func(f *fakeSources) {
		f.coord.PerRole[agents.RolePerception] = coordinator.RoleStats{Total: 2, Idle: 2}
	}

	src.set(dead)
	mon.Check(ctx)
	src.set(alive)
	mon.Check(ctx)
	src.set(dead)
	mon.Check(ctx)
	assert.Equal(t, 2, bus.count(streaming.TopicAlertRaised))
}

func TestMonitorEscalatesOnCriticalChecks(t *testing.T) {
	src := healthySources()
	mgr := NewManager(nil, zaptest.NewLogger(t))
	require.NoError(t, mgr.RegisterChecker(NewCustomHealthChecker("broken", true, time.Second,
		func(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} })))

	mon := NewMonitor(src.aggregator(nil), mgr, nil, MonitorConfig{}, zaptest.NewLogger(t))
	snap := mon.Check(context.Background())
	assert.Equal(t, LevelUnhealthy, snap.Status)
	require.Len(t, mon.Alerts(0), 1)
	assert.Equal(t, "dependencies", mon.Alerts(0)[0].Component)
}

func TestMonitorRunStopsWithContext(t *testing.T) {
	src := healthySources()
	bus := &recordingBus{}
	mon := NewMonitor(src.aggregator(nil), nil, bus, MonitorConfig{Interval: 5 * time.Millisecond}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mon.Run(ctx) }()

	mon.SetInterval(2 * time.Millisecond)
	require.Eventually(t, func() bool { return bus.count(streaming.TopicHealthCheck) >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestManagerOverallStatus(t *testing.T) {
	check := func(name string, critical bool, status CheckStatus) Checker {
		return NewCustomHealthChecker(name, critical, time.Second, func(context.Context) CheckResult {
			return CheckResult{Status: status}
		})
	}
	tests := []struct {
		name      string
		checkers  []Checker
		want      CheckStatus
		wantReady bool
	}{
		{"none registered", nil, StatusHealthy, true},
		{"all healthy", []Checker{check("a", true, StatusHealthy)}, StatusHealthy, true},
		{"degraded", []Checker{check("a", true, StatusDegraded)}, StatusDegraded, true},
		{"non-critical failing", []Checker{check("a", false, StatusUnhealthy)}, StatusDegraded, true},
		{"critical failing", []Checker{check("a", true, StatusUnhealthy), check("b", false, StatusHealthy)}, StatusUnhealthy, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr := NewManager(nil, zaptest.NewLogger(t))
			for _, c := range tt.checkers {
				require.NoError(t, mgr.RegisterChecker(c))
			}
			overall := mgr.GetOverallHealth(context.Background())
			assert.Equal(t, tt.want, overall.Status)
			assert.Equal(t, tt.wantReady, overall.Ready)
			assert.True(t, overall.Live)
		})
	}
}

func TestManagerRegistration(t *testing.T) {
	mgr := NewManager(map[string]CheckConfig{
		"quiet": {Enabled: false},
	}, zaptest.NewLogger(t))
	ok := func(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

	require.NoError(t, mgr.RegisterChecker(NewCustomHealthChecker("a", true, 0, ok)))
	require.NoError(t, mgr.RegisterChecker(NewCustomHealthChecker("quiet", true, 0, ok)))
	assert.Error(t, mgr.RegisterChecker(NewCustomHealthChecker("a", true, 0, ok)))
	assert.Error(t, mgr.RegisterChecker(NewCustomHealthChecker("", true, 0, ok)))
	assert.Equal(t, []string{"a", "quiet"}, mgr.Names())

	detailed := mgr.GetDetailedHealth(context.Background())
	assert.Equal(t, 1, detailed.Summary.Total)
	assert.Contains(t, detailed.Components, "a")
	assert.Len(t, mgr.GetLastResults(), 1)

	require.NoError(t, mgr.EnableChecker("quiet"))
	assert.Equal(t, 2, mgr.GetDetailedHealth(context.Background()).Summary.Total)
	require.NoError(t, mgr.DisableChecker("a"))
	assert.Len(t, mgr.CachedHealth().Components, 1)

	require.NoError(t, mgr.UnregisterChecker("a"))
	assert.Error(t, mgr.UnregisterChecker("a"))
	assert.Error(t, mgr.EnableChecker("missing"))
}

func TestRedisHealthChecker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	checker := NewRedisHealthChecker(client, zaptest.NewLogger(t))
	assert.False(t, checker.IsCritical())
	result := checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)

	mr.Close()
	result = checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.NotEmpty(t, result.Error)
}

func TestPoolHealthChecker(t *testing.T) {
	stats := coordinator.Stats{PerRole: map[agents.Role]coordinator.RoleStats{
		agents.RolePerception: {Total: 1, Idle: 1},
	}}
	checker := NewPoolHealthChecker(coordFn(func() coordinator.Stats { return stats }))
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)

	stats.PerRole[agents.RolePerception] = coordinator.RoleStats{Total: 1, Busy: 1}
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)

	stats.PerRole[agents.RolePerception] = coordinator.RoleStats{Total: 1, Failed: 1}
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Status)
}

func TestDispatcherHealthChecker(t *testing.T) {
	stats := streaming.Stats{Dropped: 3}
	checker := NewDispatcherHealthChecker(busFn(func() streaming.Stats { return stats }))

	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
	stats.Dropped = 5
	assert.Equal(t, StatusDegraded, checker.Check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, checker.Check(context.Background()).Status)
}

func TestHTTPHandler(t *testing.T) {
	src := healthySources()
	agg := src.aggregator(nil)
	mgr := NewManager(nil, zaptest.NewLogger(t))
	failing := false
	require.NoError(t, mgr.RegisterChecker(NewCustomHealthChecker("dep", true, time.Second, func(context.Context) CheckResult {
		if failing {
			return CheckResult{Status: StatusUnhealthy, Error: "down"}
		}
		return CheckResult{Status: StatusHealthy}
	})))
	mon := NewMonitor(agg, nil, nil, MonitorConfig{}, zaptest.NewLogger(t))
	mon.Check(context.Background())

	mux := http.NewServeMux()
	NewHTTPHandler(mgr, agg, mon, zaptest.NewLogger(t)).RegisterRoutes(mux)

	get := func(path string) (*httptest.ResponseRecorder, map[string]interface{}) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = get("/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = get("/health/snapshot")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	assert.Contains(t, body, "engine")

	rec, body = get("/health/snapshot?history=5")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["history"], 1)

	failing = true
	rec, _ = get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, body = get("/health/detailed")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, body["components"], "dep")

	rec, body = get("/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["live"])

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
