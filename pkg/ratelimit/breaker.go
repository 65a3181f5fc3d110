package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed admits every request.
	StateClosed State = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits a single trial request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// StateChangeEvent is emitted when the breaker changes state.
type StateChangeEvent struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Threshold is the number of failures within Window that opens the circuit.
	Threshold int `yaml:"threshold" validate:"gte=1"`
	// Cooldown is measured from the last failure before a trial is admitted.
	Cooldown time.Duration `yaml:"cooldown" validate:"gt=0"`
	// Window bounds how far apart counted failures may be. Zero counts
	// consecutive failures without a time bound.
	Window time.Duration `yaml:"window" validate:"gte=0"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.Window < 0 {
		c.Window = 0
	}
	return c
}

// BreakerMetrics holds counters about breaker operation.
type BreakerMetrics struct {
	State         State
	FailureCount  int
	TotalFailures uint64
	TotalSuccess  uint64
	Rejected      uint64
	LastFailureAt time.Time
}

// CircuitBreaker isolates a resource that keeps failing. Transitions follow
// CLOSED -> OPEN -> HALF_OPEN -> {CLOSED, OPEN} only.
type CircuitBreaker struct {
	cfg           BreakerConfig
	clock         Clock
	onStateChange func(StateChangeEvent)

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	windowStart   time.Time
	lastFailureAt time.Time
	trialInFlight bool
	totalFailures uint64
	totalSuccess  uint64
	rejected      uint64
}

// NewCircuitBreaker creates a closed breaker. onStateChange may be nil; it is
// called without the breaker lock held.
func NewCircuitBreaker(cfg BreakerConfig, clock Clock, onStateChange func(StateChangeEvent)) *CircuitBreaker {
	return &CircuitBreaker{
		cfg:           cfg.withDefaults(),
		clock:         clock,
		onStateChange: onStateChange,
		state:         StateClosed,
	}
}

// IsRequestAllowed reports whether a request may proceed. In OPEN it admits
// the first request after the cooldown and moves to HALF_OPEN; only that one
// trial is admitted until it is recorded.
func (cb *CircuitBreaker) IsRequestAllowed() bool {
	cb.mu.Lock()
	var ev *StateChangeEvent
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := cb.clock.now()
		if now.Sub(cb.lastFailureAt) >= cb.cfg.Cooldown {
			ev = cb.transitionLocked(StateHalfOpen, "cooldown elapsed, admitting trial request", now)
			cb.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}
	if !allowed {
		cb.rejected++
	}
	cb.mu.Unlock()

	cb.notify(ev)
	return allowed
}

// releaseTrial gives back a half-open trial that never reached the resource.
func (cb *CircuitBreaker) releaseTrial() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var ev *StateChangeEvent
	cb.totalSuccess++

	switch cb.state {
	case StateClosed:
		cb.successCount++
		cb.failureCount = 0
	case StateHalfOpen:
		ev = cb.transitionLocked(StateClosed, "trial request succeeded", cb.clock.now())
		cb.failureCount = 0
		cb.successCount = 0
		cb.trialInFlight = false
	case StateOpen:
		// Late result of a call admitted before the circuit opened.
	}
	cb.mu.Unlock()

	cb.notify(ev)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var ev *StateChangeEvent
	now := cb.clock.now()
	cb.totalFailures++
	cb.successCount = 0

	switch cb.state {
	case StateClosed:
		if cb.cfg.Window > 0 && now.Sub(cb.windowStart) > cb.cfg.Window {
			cb.failureCount = 0
		}
		if cb.failureCount == 0 {
			cb.windowStart = now
		}
		cb.failureCount++
		cb.lastFailureAt = now
		if cb.failureCount >= cb.cfg.Threshold {
			ev = cb.transitionLocked(StateOpen, fmt.Sprintf("%d failures", cb.failureCount), now)
		}
	case StateHalfOpen:
		cb.lastFailureAt = now
		cb.trialInFlight = false
		ev = cb.transitionLocked(StateOpen, "trial request failed", now)
	case StateOpen:
		cb.failureCount++
		cb.lastFailureAt = now
	}
	cb.mu.Unlock()

	cb.notify(ev)
}

func (cb *CircuitBreaker) transitionLocked(to State, reason string, at time.Time) *StateChangeEvent {
	from := cb.state
	cb.state = to
	return &StateChangeEvent{From: from, To: to, Reason: reason, At: at}
}

func (cb *CircuitBreaker) notify(ev *StateChangeEvent) {
	if ev == nil || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(*ev)
}

// State returns the current state without applying the cooldown check.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// RetryAfter is the time left until an open breaker admits a trial.
func (cb *CircuitBreaker) RetryAfter() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	left := cb.cfg.Cooldown - cb.clock.now().Sub(cb.lastFailureAt)
	if left < 0 {
		return 0
	}
	return left
}

// Metrics returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Metrics() BreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerMetrics{
		State:         cb.state,
		FailureCount:  cb.failureCount,
		TotalFailures: cb.totalFailures,
		TotalSuccess:  cb.totalSuccess,
		Rejected:      cb.rejected,
		LastFailureAt: cb.lastFailureAt,
	}
}

// Config returns the effective configuration.
func (cb *CircuitBreaker) Config() BreakerConfig {
	return cb.cfg
}
