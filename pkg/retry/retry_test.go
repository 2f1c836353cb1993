package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(3), isTransient, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnTerminalError(t *testing.T) {
	calls := 0
	terminal := errors.New("Invalid position ID")
	err := Do(context.Background(), fastPolicy(3), isTransient, func() error {
		calls++
		return terminal
	})

	assert.ErrorIs(t, err, terminal)
	assert.Equal(t, 1, calls)
}

func TestDo_ReturnsLastErrorWhenExhausted(t *testing.T) {
	calls := 0
	var notified []int
	err := DoWithNotify(context.Background(), fastPolicy(3), isTransient, func() error {
		calls++
		return errTransient
	}, func(attempt int, err error, delay time.Duration) {
		notified = append(notified, attempt)
	})

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, notified)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour, Multiplier: 2}

	calls := 0
	err := Do(ctx, policy, isTransient, func() error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second, Multiplier: 2}

	assert.Equal(t, 200*time.Millisecond, p.Delay(0))
	assert.Equal(t, 400*time.Millisecond, p.Delay(1))
	assert.Equal(t, 800*time.Millisecond, p.Delay(2))
	assert.Equal(t, 2*time.Second, p.Delay(10))
}

func TestRetryPolicy_DelayJitterBounds(t *testing.T) {
	p := ReconnectPolicy

	assert.InDelta(t, float64(700*time.Millisecond), float64(p.delay(0, 0)), float64(time.Microsecond))
	assert.InDelta(t, float64(1300*time.Millisecond), float64(p.delay(0, 1)), float64(time.Microsecond))
	assert.InDelta(t, float64(time.Second), float64(p.delay(0, 0.5)), float64(time.Microsecond))
	assert.InDelta(t, float64(30*time.Second), float64(p.delay(20, 0.5)), float64(time.Microsecond))

	for i := 0; i < 100; i++ {
		d := p.Delay(3)
		assert.GreaterOrEqual(t, d, 5600*time.Millisecond)
		assert.LessOrEqual(t, d, 10400*time.Millisecond)
	}
}
