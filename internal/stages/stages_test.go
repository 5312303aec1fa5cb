package stages

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YourDaypilot/orchestration/internal/agents"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, 4, r.Count())
	assert.Equal(t, []string{Analysis, Feedback, Intervention, Perception}, r.Names())

	_, ok := r.Get(Perception)
	assert.True(t, ok)
	_, ok = r.Get("unknown")
	assert.False(t, ok)

	assert.Error(t, r.Register(Perception, PerceptionStage))
	assert.Error(t, r.Register("", PerceptionStage))
}

func TestPerceptionValidation(t *testing.T) {
	ctx := context.Background()

	_, err := PerceptionStage(ctx, map[string]interface{}{})
	var verr *agents.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "sensor_data", verr.Field)

	_, err = PerceptionStage(ctx, map[string]interface{}{"sensor_data": "nope"})
	assert.True(t, agents.IsValidation(err))

	out, err := PerceptionStage(ctx, map[string]interface{}{
		"sensor_data": map[string]interface{}{
			"hrv": map[string]interface{}{"rmssd": 42.0},
			"imu": map[string]interface{}{},
		},
	})
	require.NoError(t, err)
	validated := out["validated_data"].(map[string]interface{})
	assert.Equal(t, true, validated["hrv_valid"])
	assert.Equal(t, false, validated["environment_valid"])
	assert.InDelta(t, 2.0/3.0, validated["quality_score"], 1e-9)
	assert.Equal(t, 2, out["signal_count"])
}

func TestAnalysisRiskLevels(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]interface{}
		want  string
	}{
		{"explicit top level", map[string]interface{}{"risk_level": "high"}, RiskHigh},
		{"explicit in sensor data", map[string]interface{}{"sensor_data": map[string]interface{}{"risk_level": "medium"}}, RiskMedium},
		{"no readings", map[string]interface{}{"sensor_data": map[string]interface{}{}}, RiskLow},
		{"high stress", map[string]interface{}{"sensor_data": map[string]interface{}{"stress": 0.9}}, RiskHigh},
		{"moderate stress", map[string]interface{}{"sensor_data": map[string]interface{}{"stress": 0.5}}, RiskMedium},
		{"low rmssd raises risk", map[string]interface{}{"sensor_data": map[string]interface{}{
			"stress": 0.45,
			"hrv":    map[string]interface{}{"rmssd": 12.0},
		}}, RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := AnalysisStage(context.Background(), tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out["risk_level"])
			assert.Contains(t, out, "risk_score")
		})
	}

	_, err := AnalysisStage(context.Background(), map[string]interface{}{"risk_level": "extreme"})
	assert.True(t, agents.IsValidation(err))
}

func TestInterventionAndFeedback(t *testing.T) {
	ctx := context.Background()

	out, err := InterventionStage(ctx, map[string]interface{}{"risk_level": RiskHigh})
	require.NoError(t, err)
	assert.Equal(t, "high", out["priority"])
	assert.NotEmpty(t, out["recommendations"])

	out, err = InterventionStage(ctx, map[string]interface{}{"risk_level": RiskLow})
	require.NoError(t, err)
	assert.Equal(t, "low", out["priority"])

	_, err = InterventionStage(ctx, map[string]interface{}{})
	assert.True(t, agents.IsValidation(err))

	out, err = FeedbackStage(ctx, map[string]interface{}{"risk_level": RiskHigh})
	require.NoError(t, err)
	req := out["feedback_request"].(map[string]interface{})
	assert.Equal(t, true, req["requested"])
}

func TestDelayHonoursContext(t *testing.T) {
	slow := Delay(FeedbackStage, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := slow(ctx, nil)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	fast := Delay(FeedbackStage, time.Millisecond)
	_, err = fast(context.Background(), map[string]interface{}{})
	assert.NoError(t, err)
}
