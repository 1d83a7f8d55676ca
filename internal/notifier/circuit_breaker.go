package notifier

import (
	"errors"
	"sync"
	"time"

	"github.com/mescon/Pollarr/internal/clock"
)

// CircuitState is the state of the delivery circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets every delivery through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects deliveries until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen lets deliveries through to test whether targets recovered.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is recorded instead of sending while the breaker is open.
var ErrCircuitOpen = errors.New("notification circuit open: targets failing")

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed deliveries that
	// opens the circuit. Default: 5
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open. Default: 5m
	ResetTimeout time.Duration
	// SuccessThreshold is the number of successes in half-open state needed
	// to close the circuit. Default: 1
	SuccessThreshold int
}

// DefaultBreakerConfig returns the notifier's defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     5 * time.Minute,
		SuccessThreshold: 1,
	}
}

// CircuitBreaker stops hammering notification targets that keep failing,
// for example a revoked webhook.
type CircuitBreaker struct {
	mu        sync.Mutex
	config    BreakerConfig
	clock     clock.Clock
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	rejected  int64
}

func NewCircuitBreaker(config BreakerConfig, clk clock.Clock) *CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = def.ResetTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &CircuitBreaker{config: config, clock: clock.Or(clk)}
}

// Allow reports whether a delivery may be attempted. An open circuit turns
// half-open once ResetTimeout has passed.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.clock.Now().Sub(cb.openedAt) < cb.config.ResetTimeout {
			cb.rejected++
			return false
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return true
}

// Record updates the breaker with the outcome of an allowed delivery.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		if cb.state == CircuitHalfOpen {
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.state = CircuitClosed
			}
		}
		return
	}

	cb.failures++
	cb.successes = 0
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
		cb.openedAt = cb.clock.Now()
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Rejected returns how many deliveries were skipped while open.
func (cb *CircuitBreaker) Rejected() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.rejected
}
