package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is wrapped by the error of every call a breaker rejects.
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError describes a rejected call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	LastFailure      time.Time
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s half-open: probe already running", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s open: call blocked (failures=%d/%d, retry at %s)",
		e.Name, e.Failures, e.FailureThreshold, e.NextRetry.Format(time.RFC3339))
}

func (e *CircuitBreakerError) Unwrap() error {
	return ErrCircuitOpen
}

// RetryError reports an operation that failed on every attempt
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}
