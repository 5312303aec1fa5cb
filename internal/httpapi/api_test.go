package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/YourDaypilot/orchestration/internal/agents"
	"github.com/YourDaypilot/orchestration/internal/coordinator"
	"github.com/YourDaypilot/orchestration/internal/health"
	"github.com/YourDaypilot/orchestration/internal/server"
	"github.com/YourDaypilot/orchestration/internal/stages"
	"github.com/YourDaypilot/orchestration/internal/streaming"
	"github.com/YourDaypilot/orchestration/internal/workflow"
)

type fixture struct {
	mux    *http.ServeMux
	svc    *server.OrchestratorService
	bus    *streaming.Manager
	engine *workflow.Engine
}

func fullPools() map[agents.Role]int {
	return map[agents.Role]int{
		agents.RolePerception:   1,
		agents.RoleAnalysis:     1,
		agents.RoleIntervention: 1,
		agents.RoleFeedback:     1,
	}
}

func newFixture(t *testing.T, reg *stages.Registry, sizes map[agents.Role]int, stageTimeout time.Duration) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	bus := streaming.NewManager(streaming.Config{}, logger)
	t.Cleanup(bus.Close)

	coord, err := coordinator.New(coordinator.Config{PoolSizes: sizes, StageTimeout: stageTimeout}, bus, logger)
	require.NoError(t, err)
	g, err := workflow.DefaultGraph(reg)
	require.NoError(t, err)
	eng, err := workflow.New(g, coord, bus, workflow.Config{}, logger)
	require.NoError(t, err)
	svc, err := server.NewOrchestratorService(eng, coord, bus,
		health.NewAggregator(eng, coord, bus, nil), server.Config{MaxConcurrentWorkflows: 4}, logger)
	require.NoError(t, err)

	mux := http.NewServeMux()
	NewAPIHandler(svc, 0, logger).RegisterRoutes(mux)
	NewTimelineHandler(svc, nil, logger).RegisterRoutes(mux)
	NewIngestHandler(bus, logger, "secret").RegisterRoutes(mux)
	sh := NewStreamingHandler(svc, logger)
	sh.SetHeartbeat(20 * time.Millisecond)
	sh.RegisterRoutes(mux)
	return &fixture{mux: mux, svc: svc, bus: bus, engine: eng}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func dataBody(userID, risk string) map[string]interface{} {
	return map[string]interface{}{
		"user_id":    userID,
		"risk_level": risk,
		"sensor_data": map[string]interface{}{
			"hrv": map[string]interface{}{"rmssd": 40.0},
			"imu": map[string]interface{}{"steps": 300},
		},
	}
}

func TestPostDataCompletes(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)

	rec, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("user-1", "high"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "completed", body["status"])
	assert.NotEmpty(t, body["workflow_id"])
	assert.NotContains(t, body, "error")
	meta := body["metadata"].(map[string]interface{})
	assert.Len(t, meta["steps"], 4)
	assert.Equal(t, "high", meta["risk_level"])
}

func TestPostDataWithUserPath(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)

	body := dataBody("", "low")
	delete(body, "user_id")
	rec, _ := f.do(t, http.MethodPost, "/api/v1/users/user-7/data", body)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/users/user-7/data", dataBody("someone-else", "low"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostDataErrorStatuses(t *testing.T) {
	t.Run("malformed body", func(t *testing.T) {
		f := newFixture(t, stages.Default(), fullPools(), time.Second)
		rec, body := f.do(t, http.MethodPost, "/api/v1/data", "{not json")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "bad_request", body["error"].(map[string]interface{})["code"])
	})

	t.Run("missing user", func(t *testing.T) {
		f := newFixture(t, stages.Default(), fullPools(), time.Second)
		rec, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("", "low"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "rejected", body["status"])
	})

	t.Run("missing sensor data", func(t *testing.T) {
		f := newFixture(t, stages.Default(), fullPools(), time.Second)
		rec, body := f.do(t, http.MethodPost, "/api/v1/data", map[string]interface{}{"user_id": "u"})
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		errBody := body["error"].(map[string]interface{})
		assert.Equal(t, workflow.CodeValidation, errBody["code"])
		assert.Equal(t, "perception", errBody["step"])
		assert.NotEmpty(t, body["workflow_id"])
	})

	t.Run("empty pool", func(t *testing.T) {
		sizes := fullPools()
		sizes[agents.RolePerception] = 0
		f := newFixture(t, stages.Default(), sizes, time.Second)
		rec, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("u", "low"))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, workflow.CodeNoAgents, body["stop_reason"])
	})

	t.Run("stage timeout", func(t *testing.T) {
		reg := stages.Default()
		reg.Replace(stages.Analysis, stages.Delay(stages.AnalysisStage, 5*time.Second))
		f := newFixture(t, reg, fullPools(), 30*time.Millisecond)
		rec, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("u", "low"))
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, true, body["retryable"])
	})

	t.Run("wrong method", func(t *testing.T) {
		f := newFixture(t, stages.Default(), fullPools(), time.Second)
		rec, _ := f.do(t, http.MethodGet, "/api/v1/data", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestWorkflowLookupAndCancel(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	_, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("user-1", "low"))
	id := body["workflow_id"].(string)

	rec, inst := f.do(t, http.MethodGet, "/api/v1/workflows/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "completed", inst["status"])
	assert.Len(t, inst["steps"], 3)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))

	rec, _ = f.do(t, http.MethodGet, "/api/v1/workflows/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/workflows/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPendingWorkflow(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	id, err := f.engine.Start(context.Background(), "user-1", dataBody("user-1", "low"))
	require.NoError(t, err)

	rec, body := f.do(t, http.MethodPost, "/api/v1/workflows/"+id+"/cancel", map[string]string{"reason": "user left"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "cancel_requested", body["status"])

	_, err = f.engine.Run(context.Background(), id)
	assert.ErrorIs(t, err, workflow.ErrCancelled)
}

func TestAgentsAndEvents(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	f.do(t, http.MethodPost, "/api/v1/data", dataBody("user-1", "low"))

	rec, body := f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), body["count"])

	rec, body = f.do(t, http.MethodGet, "/api/v1/events?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/events?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/events?workflow_id=missing", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	rec, body := f.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
}

func TestIngest(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)

	post := func(token string, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", bytes.NewBufferString(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		f.mux.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, post("", `{"topic":"stage.note"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post("secret", `nope`).Code)

	rec := post("secret", `[{"topic":"stage.note","message":"warming up"},{"topic":"workflow.completed"}]`)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(1), body["accepted"])
	assert.Equal(t, float64(1), body["rejected"])

	recent := f.bus.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "stage.note", recent[0].Topic)
	assert.Equal(t, "external", recent[0].Source)
	assert.Equal(t, "warming up", recent[0].Payload["message"])
}

func TestTimelineSummary(t *testing.T) {
	f := newFixture(t, stages.Default(), fullPools(), time.Second)
	_, body := f.do(t, http.MethodPost, "/api/v1/data", dataBody("user-1", "low"))
	id := body["workflow_id"].(string)

	rec, tl := f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/timeline", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	events := tl["events"].([]interface{})
	require.Len(t, events, 6)
	assert.Equal(t, "WF_CREATED", events[0].(map[string]interface{})["topic"])
	assert.Equal(t, "WF_COMPLETED", events[5].(map[string]interface{})["topic"])

	rec, _ = f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/timeline?mode=full", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/workflows/"+id+"/timeline?mode=weird", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/workflows/missing/timeline", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{coordinator.ErrSaturated, http.StatusServiceUnavailable},
		{server.ErrShuttingDown, http.StatusServiceUnavailable},
		{coordinator.ErrTimeout, http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{agents.NewValidationError("user_id", "is required"), http.StatusBadRequest},
		{agents.NewValidationError("sensor_data", "is required"), http.StatusUnprocessableEntity},
		{workflow.ErrCancelled, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), "%v", tt.err)
	}
}
