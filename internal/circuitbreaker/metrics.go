package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daypilot_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "component"},
	)

	circuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "daypilot_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "component", "from_state", "to_state"},
	)

	circuitBreakerOpenSince = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "daypilot_circuit_breaker_open_since_seconds",
			Help: "Timestamp when the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "component"},
	)
)

// WithMetrics returns a copy of cfg whose state-change hook also exports the
// transition under the given component label. Any hook already set on cfg
// still runs first.
func WithMetrics(component string, cfg Config) Config {
	original := cfg.OnStateChange
	cfg.OnStateChange = func(name string, from State, to State) {
		if original != nil {
			original(name, from, to)
		}

		circuitBreakerStateChanges.WithLabelValues(name, component, from.String(), to.String()).Inc()
		circuitBreakerState.WithLabelValues(name, component).Set(float64(to))

		if to == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(name, component).SetToCurrentTime()
		} else if from == StateOpen {
			circuitBreakerOpenSince.WithLabelValues(name, component).Set(0)
		}
	}
	return cfg
}

// Register publishes the breaker's initial state so the gauge exists before
// the first transition.
func Register(component string, cb *CircuitBreaker) {
	circuitBreakerState.WithLabelValues(cb.Name(), component).Set(float64(cb.State()))
}
