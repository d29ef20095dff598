package llm

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the state name used in logs and metrics.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// FailureKind separates upstream timeouts from other failures; each class
// has its own consecutive counter and threshold.
type FailureKind int

const (
	FailureGeneral FailureKind = iota
	FailureTimeout
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	TimeoutThreshold int
	Cooldown         time.Duration
}

// DefaultBreakerConfig returns the production thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		TimeoutThreshold: 8,
		Cooldown:         30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of the breaker.
type BreakerSnapshot struct {
	State               BreakerState
	ConsecutiveFailures int
	ConsecutiveTimeouts int
	LastFailure         time.Time
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces the wall clock. Used by tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithTransitionHook registers a callback for state changes. The hook runs
// outside the breaker lock.
func WithTransitionHook(fn func(from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onTransition = fn }
}

// CircuitBreaker guards the upstream endpoint. One instance is shared by
// every request of the process.
//
// Closed admits everything. Open rejects until Cooldown has elapsed since
// the last failure, then moves to HalfOpen and admits a single probe whose
// outcome closes or reopens the circuit.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg           BreakerConfig
	state         BreakerState
	failures      int
	timeouts      int
	lastFailure   time.Time
	probeInFlight bool

	now          func() time.Time
	onTransition func(from, to BreakerState)
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.TimeoutThreshold <= 0 {
		cfg.TimeoutThreshold = def.TimeoutThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	cb := &CircuitBreaker{cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Allow reports whether a request may be sent now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from, to BreakerState
	changed := false
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.cfg.Cooldown {
			from, to, changed = cb.state, StateHalfOpen, true
			cb.state = StateHalfOpen
			cb.probeInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.probeInFlight {
			cb.probeInFlight = true
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, to)
	}
	return allowed
}

// RecordSuccess resets both counters and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.timeouts = 0
	cb.probeInFlight = false
	cb.state = StateClosed
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure counts a failed attempt. A failed half-open probe reopens
// the circuit immediately.
func (cb *CircuitBreaker) RecordFailure(kind FailureKind) {
	cb.mu.Lock()
	from := cb.state
	cb.lastFailure = cb.now()
	if kind == FailureTimeout {
		cb.timeouts++
	} else {
		cb.failures++
	}
	cb.probeInFlight = false

	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failures >= cb.cfg.FailureThreshold || cb.timeouts >= cb.cfg.TimeoutThreshold {
			cb.state = StateOpen
		}
	}
	to := cb.state
	cb.mu.Unlock()

	if from != to {
		cb.notify(from, to)
	}
}

// Release frees an admitted request that ended without an upstream verdict,
// such as a cancelled half-open probe. Counters are untouched.
func (cb *CircuitBreaker) Release() {
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns the current state and counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:               cb.state,
		ConsecutiveFailures: cb.failures,
		ConsecutiveTimeouts: cb.timeouts,
		LastFailure:         cb.lastFailure,
	}
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if cb.onTransition != nil {
		cb.onTransition(from, to)
	}
}
