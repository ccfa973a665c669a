package engine

import (
	"sync"
	"time"

	"github.com/rendis/sitegraph/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before transitioning to half-open.
	Cooldown time.Duration
	// HalfOpenMax is the number of test requests allowed in half-open state.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the configuration used for capabilities.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry manages one breaker per capability (llm, search,
// discovery, ...). Breakers are shared by every node run calling that
// capability.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange func(capability string, to CircuitState)
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = 1
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// OnChange registers a callback invoked (outside breaker locks) whenever a
// breaker opens, half-opens or closes.
func (r *CircuitBreakerRegistry) OnChange(fn func(capability string, to CircuitState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

func (r *CircuitBreakerRegistry) changed(capability string, from, to CircuitState) {
	if from == to {
		return
	}
	r.mu.Lock()
	fn := r.onChange
	r.mu.Unlock()
	if fn != nil {
		fn(capability, to)
	}
}

// AllowRequest returns nil if a call to capability may proceed, or a
// CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(capability string) error {
	cb := r.getOrCreate(capability)
	cb.mu.Lock()
	from := cb.state
	err := r.allow(cb, capability)
	to := cb.state
	cb.mu.Unlock()
	r.changed(capability, from, to)
	return err
}

func (r *CircuitBreakerRegistry) allow(cb *circuitBreaker, capability string) error {
	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"%s unavailable after %d consecutive failures, retry in %s",
			capability, cb.consecutiveFailures, (r.config.Cooldown - elapsed).Round(time.Second)).
			WithDetails(map[string]any{
				"capability":           capability,
				"consecutive_failures": cb.consecutiveFailures,
				"state":                cb.state.String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"%s is recovering: test request already in flight", capability)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the capability's breaker.
func (r *CircuitBreakerRegistry) RecordSuccess(capability string) {
	cb := r.getOrCreate(capability)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
	cb.mu.Unlock()
	r.changed(capability, from, CircuitClosed)
}

// RecordFailure counts a failed call and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(capability string) CircuitState {
	cb := r.getOrCreate(capability)
	cb.mu.Lock()
	from := cb.state
	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	to := cb.state
	cb.mu.Unlock()
	r.changed(capability, from, to)
	return to
}

// GetState returns the current state of the capability's breaker.
func (r *CircuitBreakerRegistry) GetState(capability string) CircuitState {
	cb := r.getOrCreate(capability)
	cb.mu.Lock()
	from := cb.state
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
	to := cb.state
	cb.mu.Unlock()
	r.changed(capability, from, to)
	return to
}

// GetStats returns diagnostic information about a breaker.
func (r *CircuitBreakerRegistry) GetStats(capability string) map[string]any {
	cb := r.getOrCreate(capability)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]any{
		"capability":           capability,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"failure_threshold":    r.config.FailureThreshold,
		"cooldown":             r.config.Cooldown.String(),
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(capability string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[capability]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[capability] = cb
	}
	return cb
}
