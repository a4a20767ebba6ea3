// Package resilience guards calls to the broker with a circuit breaker so a
// Kite outage fails fast instead of tying up every request until timeout.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "options-dekho/internal/errors"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"    // Normal operation
	CircuitOpen     CircuitState = "OPEN"      // Failing, rejecting requests
	CircuitHalfOpen CircuitState = "HALF_OPEN" // Letting trial requests through
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration
	Now      func() time.Time
}

// DefaultCircuitBreakerConfig returns the defaults used for the broker.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// ErrCircuitOpen is wrapped into the upstream error returned while open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker implements the circuit breaker pattern. Only upstream and
// timeout failures trip it: an expired token or a bad request proves the
// broker is answering. A nil breaker runs every call.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time

	totalRequests int64
	totalFailures int64
	totalRejected int64
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             now,
		state:           CircuitClosed,
		lastStateChange: now(),
	}
}

// Execute runs fn unless the circuit is open, in which case it returns an
// upstream error wrapping ErrCircuitOpen without calling fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if cb == nil {
		return fn()
	}
	if err := cb.allowRequest(); err != nil {
		return err
	}

	err := fn()
	if trips(err) {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

// trips reports whether err says the broker itself is unhealthy.
func trips(err error) bool {
	if err == nil {
		return false
	}
	switch apperrors.Classify(err) {
	case apperrors.KindUpstream, apperrors.KindTimeout:
		return !errors.Is(err, context.Canceled)
	default:
		return false
	}
}

func (cb *CircuitBreaker) allowRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.totalRejected++
			return apperrors.NewUpstreamError(cb.name, 0, "broker temporarily unavailable", ErrCircuitOpen)
		}
		cb.transitionTo(CircuitHalfOpen)
	}
	return nil
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.transitionTo(CircuitOpen)
	}
}

func (cb *CircuitBreaker) transitionTo(state CircuitState) {
	cb.state = state
	cb.lastStateChange = cb.now()
	if state == CircuitOpen {
		cb.openedAt = cb.lastStateChange
	}
	cb.failures = 0
	cb.successes = 0
}

// State returns the current circuit state. A nil breaker is always closed.
func (cb *CircuitBreaker) State() CircuitState {
	if cb == nil {
		return CircuitClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats holds circuit breaker statistics.
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalRequests   int64        `json:"total_requests"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejected   int64        `json:"total_rejected"`
	CurrentFailures int          `json:"current_failures"`
	LastStateChange time.Time    `json:"last_state_change"`
}
