package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"stepflow/pkg/metrics"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
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

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int
	// CooldownPeriod is how long the circuit stays open before allowing a probe
	CooldownPeriod time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		CooldownPeriod:   30 * time.Second,
	}
}

// CircuitBreaker guards one external target. Consecutive failures open the
// circuit; after the cooldown a single probe call is let through. A probe
// success closes the circuit, a probe failure restarts the cooldown.
type CircuitBreaker struct {
	name      string
	config    CircuitBreakerConfig
	state     CircuitState
	failures  int
	probing   bool
	openedAt  time.Time
	nowFn     func() time.Time
	mu        sync.Mutex
}

// NewCircuitBreaker creates a breaker named after the target it guards
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitBreakerConfig().FailureThreshold
	}
	if config.CooldownPeriod <= 0 {
		config.CooldownPeriod = DefaultCircuitBreakerConfig().CooldownPeriod
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  CircuitClosed,
		nowFn:  time.Now,
	}
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.nowFn().Sub(cb.openedAt) >= cb.config.CooldownPeriod {
		return CircuitHalfOpen
	}
	return cb.state
}

// Execute runs fn with circuit breaker protection. Rejected calls return
// ErrCircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		metrics.BreakerRejections.WithLabelValues(cb.name).Inc()
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.nowFn().Sub(cb.openedAt) < cb.config.CooldownPeriod {
			return ErrCircuitOpen
		}
		// Cooldown elapsed: admit exactly one probe.
		cb.transition(CircuitHalfOpen)
		cb.probing = true
		return nil
	case CircuitHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		// Probe failed: back to open, cooldown restarts.
		cb.open()
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.transition(CircuitClosed)
		cb.failures = 0
		cb.probing = false
	}
}

func (cb *CircuitBreaker) open() {
	cb.transition(CircuitOpen)
	cb.openedAt = cb.nowFn()
	cb.probing = false
}

func (cb *CircuitBreaker) transition(state CircuitState) {
	if cb.state == state {
		return
	}
	cb.state = state
	metrics.BreakerTransitions.WithLabelValues(cb.name, state.String()).Inc()
}

// Reset returns the breaker to closed with counters cleared
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = 0
	cb.probing = false
}

// Registry hands out one breaker per target so all steps hitting the same
// host share failure history.
type Registry struct {
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
	mu       sync.Mutex
}

func NewRegistry(config CircuitBreakerConfig) *Registry {
	return &Registry{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for a target, creating it on first use.
func (r *Registry) Get(target string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[target]
	if !ok {
		cb = NewCircuitBreaker(target, r.config)
		r.breakers[target] = cb
	}
	return cb
}
