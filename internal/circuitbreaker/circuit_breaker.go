package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/clock"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	MaxRequests      uint32        // Max trial requests let through while half-open
	Interval         time.Duration // Closed-state counter reset period; 0 keeps counts until a state change
	OpenTimeout      time.Duration // Time spent open before a trial request is allowed
	FailureThreshold uint32        // Consecutive failures that open the breaker
	SuccessThreshold uint32        // Consecutive half-open successes that close it again
	Clock            clock.Clock
	OnStateChange    func(name string, from State, to State)
}

// DefaultConfig returns the settings used for pooled agents: three strikes
// and the agent is out until a probe succeeds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:      1,
		Interval:         0,
		OpenTimeout:      10 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 1,
	}
}

// Counts holds the circuit breaker statistics for the current generation
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Counts   Counts    `json:"counts"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name   string
	config Config
	clock  clock.Clock
	logger *zap.Logger

	mutex      sync.RWMutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	openedAt   time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = 1
	}
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}
	cb := &CircuitBreaker{
		name:   name,
		config: config,
		clock:  clock.OrReal(config.Clock),
		logger: logger,
		state:  StateClosed,
	}
	cb.toNewGeneration(cb.clock.Now())
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the request and records the outcome.
// A context that is already done is rejected without touching the counts.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	cb.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a request would currently be admitted, without
// consuming a half-open slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.clock.Now())
	switch state {
	case StateOpen:
		return false
	case StateHalfOpen:
		return cb.counts.Requests < cb.config.MaxRequests
	default:
		return true
	}
}

// State returns the current state of the circuit breaker. An open breaker
// whose timeout has elapsed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.clock.Now())
	return state
}

// Counts returns the current counts
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.RLock()
	defer cb.mutex.RUnlock()
	return cb.counts
}

// Snapshot returns name, state, counts and the time the breaker last opened.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	state, _ := cb.currentState(cb.clock.Now())
	return Snapshot{
		Name:     cb.name,
		State:    state.String(),
		Counts:   cb.counts,
		OpenedAt: cb.openedAt,
	}
}

// Reset forces the breaker closed, for operator-driven recovery.
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateClosed, cb.clock.Now())
}

// Trip forces the breaker open.
func (cb *CircuitBreaker) Trip() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	cb.setState(StateOpen, cb.clock.Now())
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.clock.Now())

	if state == StateOpen {
		return generation, ErrCircuitBreakerOpen
	} else if state == StateHalfOpen && cb.counts.Requests >= cb.config.MaxRequests {
		return generation, ErrTooManyRequests
	}

	cb.counts.Requests++
	return generation, nil
}

func (cb *CircuitBreaker) afterRequest(before uint64, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.clock.Now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

// currentState must be called with the write lock held.
func (cb *CircuitBreaker) currentState(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && cb.expiry.Before(now) {
			cb.toNewGeneration(now)
		}
	case StateOpen:
		if !cb.expiry.After(now) {
			cb.setState(StateHalfOpen, now)
		}
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		cb.counts.ConsecutiveFailures = 0
	case StateHalfOpen:
		cb.counts.TotalSuccesses++
		cb.counts.ConsecutiveSuccesses++
		if cb.counts.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			cb.setState(StateClosed, now)
		}
	}
}

func (cb *CircuitBreaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.ConsecutiveSuccesses = 0
		if cb.counts.ConsecutiveFailures >= cb.config.FailureThreshold {
			cb.setState(StateOpen, now)
		}
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	}
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	if state == StateOpen {
		cb.openedAt = now
	}

	cb.toNewGeneration(now)

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("name", cb.name),
		zap.String("from", prev.String()),
		zap.String("to", state.String()),
	)
}

func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.counts = Counts{}

	var zero time.Time
	switch cb.state {
	case StateClosed:
		if cb.config.Interval == 0 {
			cb.expiry = zero
		} else {
			cb.expiry = now.Add(cb.config.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.config.OpenTimeout)
	default: // StateHalfOpen
		cb.expiry = zero
	}
}
