// Package stages holds the simulated reference stage implementations the hub
// ships with so that the default pipeline runs end to end.
package stages

import (
	"context"
	"fmt"
	"time"

	"github.com/YourDaypilot/orchestration/internal/agents"
)

// Stage names, which double as the node names of the default graph.
const (
	Perception   = "perception"
	Analysis     = "analysis"
	Intervention = "intervention"
	Feedback     = "feedback"
)

// Risk levels produced by the analysis stage.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

var sensorSections = []string{"imu", "hrv", "environment"}

// Default returns a registry holding the four reference stages.
func Default() *Registry {
	r := NewRegistry()
	_ = r.Register(Perception, PerceptionStage)
	_ = r.Register(Analysis, AnalysisStage)
	_ = r.Register(Intervention, InterventionStage)
	_ = r.Register(Feedback, FeedbackStage)
	return r
}

// PerceptionStage validates the raw submission. It requires a sensor_data
// object and reports which sections were present.
func PerceptionStage(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	raw, ok := input["sensor_data"]
	if !ok || raw == nil {
		return nil, agents.NewValidationError("sensor_data", "is required")
	}
	data, ok := raw.(map[string]interface{})
	if !ok {
		return nil, agents.NewValidationError("sensor_data", "must be an object, got %T", raw)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	validated := map[string]interface{}{}
	present := 0
	for _, section := range sensorSections {
		_, has := data[section]
		validated[section+"_valid"] = has
		if has {
			present++
		}
	}
	validated["quality_score"] = float64(present) / float64(len(sensorSections))
	validated["processed_at"] = time.Now().UTC().Format(time.RFC3339)

	return map[string]interface{}{
		"validated_data": validated,
		"signal_count":   len(data),
	}, nil
}

// AnalysisStage assigns a risk level. An explicit risk_level, either at the
// top level or inside sensor_data, wins; otherwise the level is derived from
// the stress and hrv readings.
func AnalysisStage(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sensor, _ := input["sensor_data"].(map[string]interface{})

	level, explicit := stringField(input, "risk_level")
	if !explicit {
		level, explicit = stringField(sensor, "risk_level")
	}

	var score float64
	if explicit {
		switch level {
		case RiskLow:
			score = 0.2
		case RiskMedium:
			score = 0.5
		case RiskHigh:
			score = 0.85
		default:
			return nil, agents.NewValidationError("risk_level", "unknown level %q", level)
		}
	} else {
		score = deriveRisk(sensor)
		level = levelFor(score)
	}

	energy := "high"
	switch level {
	case RiskMedium:
		energy = "moderate"
	case RiskHigh:
		energy = "low"
	}

	return map[string]interface{}{
		"risk_level":     level,
		"risk_score":     score,
		"vitality_score": 1 - score,
		"energy_state":   energy,
		"analyzed_at":    time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// deriveRisk scores stress in [0,1] and penalises a low RMSSD.
func deriveRisk(sensor map[string]interface{}) float64 {
	score := 0.2
	if stress, ok := numberField(sensor, "stress"); ok {
		score = clamp(stress)
	}
	hrv, _ := sensor["hrv"].(map[string]interface{})
	if stress, ok := numberField(hrv, "stress"); ok {
		score = clamp(stress)
	}
	if rmssd, ok := numberField(hrv, "rmssd"); ok && rmssd < 20 {
		score = clamp(score + 0.3)
	}
	return score
}

func levelFor(score float64) string {
	switch {
	case score >= 0.7:
		return RiskHigh
	case score >= 0.4:
		return RiskMedium
	default:
		return RiskLow
	}
}

// InterventionStage builds recommendations for the analysed risk level.
func InterventionStage(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	level, ok := stringField(input, "risk_level")
	if !ok {
		return nil, agents.NewValidationError("risk_level", "analysis output missing")
	}

	var (
		recs     []string
		kind     string
		priority string
	)
	switch level {
	case RiskHigh:
		recs = []string{"Stop current activity and rest for 20 minutes", "Practice guided breathing", "Contact your care team if symptoms persist"}
		kind, priority = "urgent", "high"
	case RiskMedium:
		recs = []string{"Take a 10-minute break", "Practice deep breathing", "Hydrate"}
		kind, priority = "corrective", "medium"
	default:
		recs = []string{"Keep your current rhythm", "Hydrate"}
		kind, priority = "preventive", "low"
	}

	return map[string]interface{}{
		"recommendations":   recs,
		"intervention_type": kind,
		"priority":          priority,
		"next_intervention": time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	}, nil
}

// FeedbackStage asks the user to rate the intervention.
func FeedbackStage(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	level, _ := stringField(input, "risk_level")
	return map[string]interface{}{
		"feedback_request": map[string]interface{}{
			"requested": true,
			"channels":  []string{"app", "notification"},
			"reason":    fmt.Sprintf("%s risk intervention", level),
		},
	}, nil
}

// Delay wraps stage so that it first waits d, returning early with the
// context error if ctx ends.
func Delay(stage agents.StageFunc, d time.Duration) agents.StageFunc {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
		return stage(ctx, input)
	}
}

func stringField(m map[string]interface{}, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok && s != ""
}

func numberField(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
