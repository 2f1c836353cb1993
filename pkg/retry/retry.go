package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines how to retry an operation
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// JitterFactor spreads each delay by +/- the given fraction (0.3 = 30%).
	JitterFactor float64
}

// DefaultPolicy is the closure RPC policy: 3 attempts, 200ms doubling up to 2s
var DefaultPolicy = RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 200 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	Multiplier:     2,
}

// ReconnectPolicy is used by stream connections: 1s doubling up to 30s with 30% jitter
var ReconnectPolicy = RetryPolicy{
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	Multiplier:     2,
	JitterFactor:   0.3,
}

// IsTransientFunc defines if an error is transient and should be retried
type IsTransientFunc func(error) bool

// NotifyFunc is invoked before sleeping between attempts
type NotifyFunc func(attempt int, err error, delay time.Duration)

// Delay returns the backoff before retry number retry (0-based):
// min(initial * multiplier^retry, max), spread by the jitter factor.
func (p RetryPolicy) Delay(retry int) time.Duration {
	return p.delay(retry, rand.Float64())
}

func (p RetryPolicy) delay(retry int, r float64) time.Duration {
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	base := float64(p.InitialBackoff) * math.Pow(multiplier, float64(retry))
	if p.MaxBackoff > 0 && base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}
	if p.JitterFactor > 0 {
		base += base * p.JitterFactor * (r*2 - 1)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}

// Do executes a function with retries according to the policy
func Do(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error) error {
	return DoWithNotify(ctx, policy, isTransient, fn, nil)
}

// DoWithNotify is Do with a callback fired before every backoff sleep
func DoWithNotify(ctx context.Context, policy RetryPolicy, isTransient IsTransientFunc, fn func() error, notify NotifyFunc) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if !isTransient(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		sleepTime := policy.Delay(attempt)
		if notify != nil {
			notify(attempt+1, err, sleepTime)
		}

		timer := time.NewTimer(sleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return err
}
