// Package loadbalancer implements request admission for the MCP core:
// per-session rate limiting, a per-session (optionally per-tool) circuit
// breaker, a concurrency cap, and the bounded priority request queue fed on
// overflow.
package loadbalancer

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is one of the three states a breaker visits.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a single breaker instance.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within FailureWindow
	// before tripping to Open. Default: 5.
	FailureThreshold int
	// FailureWindow bounds how long a failure counts toward the threshold.
	// A failure older than this relative to the most recent one no longer
	// contributes to the running count. Default: 30s.
	FailureWindow time.Duration
	// Cooldown is how long the breaker stays Open before moving to
	// Half-Open. Default: 30s.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe calls permitted in Half-Open.
	// The spec mandates "at most one probe" so the load balancer always
	// constructs breakers with HalfOpenMax = 1; the field stays
	// configurable for callers building breakers directly.
	HalfOpenMax int
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = 30 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// CircuitBreaker is a three-state guard keyed externally (by session, or
// session+tool) by the caller. It tracks consecutive failures while
// Closed, rejects immediately while Open, and allows a bounded number of
// probes while Half-Open.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *zap.Logger

	mu              sync.Mutex
	state           CircuitState
	consecutiveFail int
	lastFailureAt   time.Time
	openedAt        time.Time
	halfOpenCalls   int
}

// NewCircuitBreaker builds a breaker in the Closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{cfg: cfg.withDefaults(), logger: logger, state: StateClosed}
}

// Allow reports whether a request may proceed, transitioning Open→Half-Open
// once the cooldown has elapsed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.Cooldown {
			cb.state = StateHalfOpen
			cb.halfOpenCalls = 0
			cb.logger.Debug("circuit breaker transitioning to half-open")
			return true
		}
		return false
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.cfg.HalfOpenMax {
			return false
		}
		cb.halfOpenCalls++
		return true
	default: // Closed
		return true
	}
}

// RecordSuccess resets the failure counter, and in Half-Open closes the
// breaker — the spec requires every Open→Closed transition to pass through
// Half-Open with at least one successful probe, so success there always
// closes rather than waiting for more probes.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateClosed
		cb.logger.Debug("circuit breaker closed after successful probe")
	}
	cb.consecutiveFail = 0
	cb.lastFailureAt = time.Time{}
}

// RecordFailure increments the failure counter and trips the breaker. Any
// failure while Half-Open immediately re-opens it.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.logger.Debug("circuit breaker re-opened from half-open")
		return
	}

	now := time.Now()
	if !cb.lastFailureAt.IsZero() && now.Sub(cb.lastFailureAt) > cb.cfg.FailureWindow {
		cb.consecutiveFail = 0
	}
	cb.lastFailureAt = now

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.cfg.FailureThreshold {
		cb.state = StateOpen
		cb.openedAt = now
		cb.logger.Debug("circuit breaker opened", zap.Int("consecutive_failures", cb.consecutiveFail))
	}
}

// State returns the current state, resolving an elapsed cooldown to
// Half-Open without mutating the breaker (the mutation happens on the next
// Allow call).
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.cfg.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to Closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.lastFailureAt = time.Time{}
	cb.halfOpenCalls = 0
}
