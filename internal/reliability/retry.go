package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the interface for retry policies
type RetryPolicy interface {
	// ShouldRetry determines if another attempt should follow the failed attempt
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of attempts, 0 meaning unbounded
	MaxRetries() int
	// NextDelay calculates the delay before the attempt after the given one
	NextDelay(attempt int) time.Duration
}

// FixedDelay waits the same interval between attempts.
// MaxAttempts of 0 retries forever.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int
}

// NewFixedDelay creates a new fixed delay policy
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxAttempts,
	}
}

// ShouldRetry implements RetryPolicy. Attempts are counted from 1.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// ExponentialBackoff implements exponential backoff retry policy.
// MaxAttempts of 0 retries forever.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
	Jitter          bool
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxAttempts,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy. Attempts are counted from 1.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
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
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt-1))

	// Cap at max interval
	if e.MaxInterval > 0 && delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay // ±15% jitter
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done.
// fn receives the 1-based attempt number; onFailure, when set, is told about
// every failed attempt and whether another one follows.
// It returns the number of attempts made and the last error.
func Retry(ctx context.Context, policy RetryPolicy, fn func(attempt int) error, onFailure func(attempt int, err error, retrying bool, delay time.Duration)) (int, error) {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return attempt - 1, lastErr
			}
			return attempt - 1, ctx.Err()
		default:
		}

		err := fn(attempt)
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if onFailure != nil {
			onFailure(attempt, err, shouldRetry, delay)
		}
		if !shouldRetry {
			return attempt, lastErr
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempt, lastErr
		}
	}
}
