package reliability

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
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

// StateChangeFunc is called after every transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State, reason string)

// CircuitBreaker fails fast once an operation failed failureThreshold times
// in a row. After timeout it lets up to halfOpenRequests calls through;
// successThreshold successes close it again and any failure reopens it.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenRunning int
	lastFailure     time.Time

	failureThreshold int
	successThreshold int
	halfOpenRequests int
	timeout          time.Duration
	name             string
	onStateChange    StateChangeFunc
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes that close a half-open circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the calls allowed while half-open
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the name reported in errors and transitions
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithStateChange sets the transition callback
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.onStateChange = fn
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 1,
		halfOpenRequests: 1,
		timeout:          5 * time.Second,
		name:             "default",
		now:              time.Now,
	}
	for _, opt := range options {
		opt(cb)
	}
	return cb
}

type transition struct {
	from, to State
	reason   string
}

// Execute runs fn unless the circuit is open. A rejected call returns a
// *CircuitBreakerError wrapping ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	switch cb.state {
	case StateOpen:
		retryAt := cb.lastFailure.Add(cb.timeout)
		if cb.now().Before(retryAt) {
			return cb.rejection(retryAt)
		}
		changed = cb.moveTo(StateHalfOpen, "open timeout expired")
		cb.halfOpenRunning = 1
		return nil
	case StateHalfOpen:
		if cb.halfOpenRunning >= cb.halfOpenRequests {
			return cb.rejection(cb.now())
		}
		cb.halfOpenRunning++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var changed *transition
	defer func() {
		cb.mu.Unlock()
		cb.notify(changed)
	}()

	if cb.state == StateHalfOpen && cb.halfOpenRunning > 0 {
		cb.halfOpenRunning--
	}
	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.now()
		switch {
		case cb.state == StateHalfOpen:
			changed = cb.moveTo(StateOpen, "failure while half-open")
		case cb.state == StateClosed && cb.failures >= cb.failureThreshold:
			changed = cb.moveTo(StateOpen, fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			changed = cb.moveTo(StateClosed, fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// moveTo changes the state. The caller must hold cb.mu.
func (cb *CircuitBreaker) moveTo(to State, reason string) *transition {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.halfOpenRunning = 0
	return &transition{from: from, to: to, reason: reason}
}

func (cb *CircuitBreaker) rejection(retryAt time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		LastFailure:      cb.lastFailure,
		NextRetry:        retryAt,
	}
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || cb.onStateChange == nil {
		return
	}
	cb.onStateChange(cb.name, t.from, t.to, t.reason)
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failures recorded
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears its counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changed *transition
	if cb.state != StateClosed {
		changed = cb.moveTo(StateClosed, "reset")
	}
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(changed)
}
