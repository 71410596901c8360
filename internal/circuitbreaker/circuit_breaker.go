package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/quake-mirror/internal/logging"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the circuit is closed and requests are allowed
	StateClosed State = "closed"
	// StateOpen means the circuit is open and requests are blocked
	StateOpen State = "open"
	// StateHalfOpen means a single probe request is allowed through
	StateHalfOpen State = "half_open"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config configures a circuit breaker
type Config struct {
	Name        string
	MaxFailures int           // consecutive failures before opening
	Cooldown    time.Duration // time spent open before a probe is allowed

	// OnStateChange is invoked with the lock released after every transition
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:        name,
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// CircuitBreaker stops calling a failing dependency until it has had time to recover.
// Cancellations by the caller never count as failures.
type CircuitBreaker struct {
	config *Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	probeInFlight    bool
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *Config) *CircuitBreaker {
	if config == nil {
		config = DefaultConfig("default")
	}
	return &CircuitBreaker{
		config: config,
		now:    time.Now,
		state:  StateClosed,
	}
}

// Execute executes a function with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		cb.release()
		return err
	}

	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		from := cb.state
		cb.state = StateHalfOpen
		cb.probeInFlight = true
		cb.mu.Unlock()
		cb.notify(from, StateHalfOpen)
		return nil

	case StateHalfOpen:
		if cb.probeInFlight {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probeInFlight = true
	}

	cb.mu.Unlock()
	return nil
}

// release frees a probe slot without recording an outcome
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	cb.probeInFlight = false
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) afterRequest(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.probeInFlight = false

	if err == nil {
		cb.consecutiveFails = 0
		cb.state = StateClosed
	} else {
		cb.consecutiveFails++
		if cb.state == StateHalfOpen || cb.consecutiveFails >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}

	to := cb.state
	fails := cb.consecutiveFails
	cb.mu.Unlock()

	if from != to {
		if to == StateOpen {
			logging.WithFields(logging.Fields{
				"circuitBreaker":   cb.config.Name,
				"consecutiveFails": fails,
			}).Warn("Circuit breaker opened")
		}
		cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	logging.WithFields(logging.Fields{
		"circuitBreaker": cb.config.Name,
		"from":           from,
		"to":             to,
	}).Info("Circuit breaker state change")

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset manually closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.consecutiveFails = 0
	cb.probeInFlight = false
	cb.mu.Unlock()

	if from != StateClosed {
		cb.notify(from, StateClosed)
	}
}
