package retry

import (
	"context"
	"math"
	"sync/atomic"
	"time"
)

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Factor:      2,
		MaxDelay:    10 * time.Second,
	}
}

// Executor runs operations with classified exponential backoff.
type Executor struct {
	policy   Policy
	sleep    func(ctx context.Context, d time.Duration) error
	failures atomic.Int64

	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

func New(policy Policy) *Executor {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.Factor < 1 {
		policy.Factor = 2
	}
	if policy.MaxDelay > 0 && policy.BaseDelay > policy.MaxDelay {
		policy.BaseDelay = policy.MaxDelay
	}
	return &Executor{policy: policy, sleep: sleepContext}
}

// Run invokes op until it succeeds, fails with a non-retryable error, or
// MaxAttempts invocations have been made. The last error is returned.
func (e *Executor) Run(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) error {
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			e.failures.Store(0)
			return nil
		}
		e.failures.Add(1)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !isRetryable(err) || attempt+1 >= e.policy.MaxAttempts {
			return err
		}

		delay := e.Delay(attempt, err)
		if e.OnRetry != nil {
			e.OnRetry(attempt+1, delay, err)
		}
		if sleepErr := e.sleep(ctx, delay); sleepErr != nil {
			return sleepErr
		}
	}
}

// Delay returns the backoff before retry number attempt+1. A provider
// retry-after hint takes precedence over the computed value.
func (e *Executor) Delay(attempt int, err error) time.Duration {
	if hint := retryAfterHint(err); hint > 0 {
		return hint
	}

	d := float64(e.policy.BaseDelay) * math.Pow(e.policy.Factor, float64(attempt))
	if e.policy.MaxDelay > 0 && d > float64(e.policy.MaxDelay) {
		return e.policy.MaxDelay
	}
	return time.Duration(d)
}

// Attempts reports consecutive failed invocations since the last success
// or Reset.
func (e *Executor) Attempts() int {
	return int(e.failures.Load())
}

func (e *Executor) Reset() {
	e.failures.Store(0)
}

// Do is Run for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op func(ctx context.Context) (T, error), isRetryable func(error) bool) (T, error) {
	var out T
	err := e.Run(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	}, isRetryable)
	return out, err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
