package agents

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/YourDaypilot/orchestration/internal/circuitbreaker"
	"github.com/YourDaypilot/orchestration/internal/clock"
)

func echoStage(_ context.Context, in map[string]interface{}) (map[string]interface{}, error) {
	return map[string]interface{}{"seen": in["value"]}, nil
}

func failingStage(context.Context, map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.New("model unavailable")
}

func newTestAgent(t *testing.T, clk clock.Clock) *Agent {
	t.Helper()
	return New(RoleAnalysis, 1, Options{
		FailureThreshold: 3,
		RecoveryAfter:    time.Minute,
		Clock:            clk,
		Logger:           zaptest.NewLogger(t),
	})
}

func TestAgentExecuteSuccess(t *testing.T) {
	a := newTestAgent(t, nil)
	require.Equal(t, StateIdle, a.State())

	res, err := a.Execute(context.Background(), Task{
		ID:    "t1",
		Node:  "analysis",
		Input: map[string]interface{}{"value": 42},
		Stage: echoStage,
	})
	require.NoError(t, err)
	assert.Equal(t, 42, res.Output["seen"])
	assert.Equal(t, a.ID(), res.AgentID)

	st := a.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Equal(t, uint64(1), st.Handled)
	assert.Equal(t, uint64(1), st.Completed)
	assert.Equal(t, 0, st.Running)
}

func TestAgentTryAcquire(t *testing.T) {
	a := newTestAgent(t, nil)

	require.True(t, a.TryAcquire("t1"))
	assert.Equal(t, StateBusy, a.State())
	assert.False(t, a.TryAcquire("t2"), "busy agent must not accept a second task")

	_, err := a.Execute(context.Background(), Task{ID: "t2", Stage: echoStage})
	assert.ErrorIs(t, err, ErrAgentUnavailable)

	_, err = a.Execute(context.Background(), Task{ID: "t1", Stage: echoStage})
	require.NoError(t, err)
	assert.Equal(t, StateIdle, a.State())
}

func TestAgentFailsAfterThreeConsecutiveFailures(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestAgent(t, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.Execute(ctx, Task{Node: "analysis", Stage: failingStage})
		var execErr *ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, "analysis", execErr.Node)
		assert.Equal(t, StateIdle, a.State())
	}

	_, err := a.Execute(ctx, Task{Node: "analysis", Stage: failingStage})
	require.Error(t, err)
	assert.Equal(t, StateFailed, a.State())
	assert.False(t, a.TryAcquire("next"), "failed agent must be excluded")

	st := a.Status()
	assert.Equal(t, uint64(3), st.Failures)
	assert.Equal(t, "open", st.Breaker)
}

func TestAgentValidationErrorDoesNotCountAgainstHealth(t *testing.T) {
	a := newTestAgent(t, nil)
	bad := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		return nil, NewValidationError("sensor_data", "missing")
	}

	for i := 0; i < 5; i++ {
		_, err := a.Execute(context.Background(), Task{Stage: bad})
		require.Error(t, err)
		assert.True(t, IsValidation(err))
		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Equal(t, "sensor_data", ve.Field)
	}
	assert.Equal(t, StateIdle, a.State())
	assert.Equal(t, uint64(5), a.Status().Failures)
}

func TestAgentRecoversOnlyAfterProbe(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	a := newTestAgent(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = a.Execute(ctx, Task{Stage: failingStage})
	}
	require.Equal(t, StateFailed, a.State())

	err := a.Probe(ctx, nil)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitBreakerOpen, "probe before the recovery window is refused")
	assert.Equal(t, StateFailed, a.State())

	clk.Advance(time.Minute)
	err = a.Probe(ctx, func(context.Context, *Agent) error { return errors.New("still down") })
	require.Error(t, err)
	assert.Equal(t, StateFailed, a.State())

	clk.Advance(time.Minute)
	require.NoError(t, a.Probe(ctx, nil))
	assert.Equal(t, StateIdle, a.State())

	_, err = a.Execute(ctx, Task{Stage: echoStage})
	require.NoError(t, err)
}

func TestAgentRecover(t *testing.T) {
	a := newTestAgent(t, nil)
	for i := 0; i < 3; i++ {
		_, _ = a.Execute(context.Background(), Task{Stage: failingStage})
	}
	require.Equal(t, StateFailed, a.State())

	a.Recover()
	assert.Equal(t, StateIdle, a.State())
}

func TestAgentPanicIsCaptured(t *testing.T) {
	a := newTestAgent(t, nil)
	_, err := a.Execute(context.Background(), Task{
		Node: "perception",
		Stage: func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			panic("nil sensor map")
		},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStagePanic)
	assert.Equal(t, StateIdle, a.State())
}

func TestAgentContextDeadlineLeavesAgentBusyUntilStageReturns(t *testing.T) {
	a := newTestAgent(t, nil)
	release := make(chan struct{})
	slow := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Execute(ctx, Task{Stage: slow})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateBusy, a.State())

	close(release)
	require.Eventually(t, func() bool { return a.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestRetry(t *testing.T) {
	var calls int32
	flaky := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return map[string]interface{}{"ok": true}, nil
	}

	out, err := Retry(flaky, 3, time.Millisecond)(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	t.Run("validation is not retried", func(t *testing.T) {
		var n int32
		bad := func(context.Context, map[string]interface{}) (map[string]interface{}, error) {
			atomic.AddInt32(&n, 1)
			return nil, NewValidationError("x", "bad")
		}
		_, err := Retry(bad, 5, time.Millisecond)(context.Background(), nil)
		assert.True(t, IsValidation(err))
		assert.Equal(t, int32(1), atomic.LoadInt32(&n))
	})
}

func TestDisplayNameDeterministic(t *testing.T) {
	assert.Equal(t, DisplayName(RoleAnalysis, 3), DisplayName(RoleAnalysis, 3))
	assert.NotEqual(t, DisplayName(RoleAnalysis, 3), DisplayName(RoleAnalysis, 4))
	assert.Contains(t, DisplayName(RoleFeedback, 0), "feedback/")
}
