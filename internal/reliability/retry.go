package reliability

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when a failed operation runs again.
// Attempts are counted from zero.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt may be followed by another one,
	// and the delay to wait before it.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries, negative for no limit.
	MaxRetries() int
	// NextDelay returns the delay before the retry following attempt.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay after every attempt, up to
// MaxInterval. Jitter spreads each delay by ±15%.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates an exponential policy with jitter. A
// negative maxRetries retries forever.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts >= 0 && attempt >= e.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	if e.InitialInterval <= 0 {
		return 0
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}
	if e.Jitter {
		delay += (rand.Float64()*0.3 - 0.15) * delay
	}
	return time.Duration(delay)
}

// FixedDelay waits the same delay before every retry.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a fixed delay policy
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts >= 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if !IsRetryable(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(int) time.Duration {
	return f.Delay
}

// Retry runs fn until it succeeds, the policy gives up or ctx ends. When
// the policy gives up after retrying, the last error is wrapped in a
// RetryError.
func Retry(ctx context.Context, op string, policy RetryPolicy, fn func() error) error {
	started := time.Now()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt == 0 {
				return err
			}
			return &RetryError{
				Op:          op,
				Attempts:    attempt + 1,
				MaxAttempts: policy.MaxRetries() + 1,
				LastError:   err,
				Duration:    time.Since(started),
			}
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// RetryableError marks whether an error is worth retrying.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports the mark
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return RetryableError{Err: err, Retryable: false}
}

// IsRetryable reports whether err may succeed on a later attempt. Errors
// are retryable unless marked otherwise or caused by context cancellation.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var marked interface{ IsRetryable() bool }
	if errors.As(err, &marked) {
		return marked.IsRetryable()
	}
	return true
}
