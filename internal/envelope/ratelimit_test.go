package envelope

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestRateLimiterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	r := NewRateLimiter(5, time.Minute, 5*time.Second, WithLimiterClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.True(t, r.TryAcquire("a"), "call %d should be admitted", i+1)
		clock.now = clock.now.Add(time.Second)
	}
	assert.False(t, r.Allow("a"))
	assert.False(t, r.TryAcquire("a"))
	assert.True(t, r.Allow("b"), "keys are independent")

	// first call was at t0; after t0+60s it falls out of the window
	clock.now = time.Unix(1_700_000_000, 0).Add(time.Minute + time.Millisecond)
	assert.True(t, r.Allow("a"))
	assert.Equal(t, 4, r.Count("a"))
}

func TestRateLimiterRecordAndRelease(t *testing.T) {
	r := NewRateLimiter(2, time.Minute, time.Second)
	r.Record("a")
	r.Record("a")
	assert.False(t, r.Allow("a"))

	r.Release("a")
	assert.Equal(t, 0, r.Count("a"))
	assert.True(t, r.Allow("a"))
}

func TestRateLimiterWaitPollsUntilAdmitted(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var polls []time.Duration
	sleeper := func(_ context.Context, d time.Duration) error {
		polls = append(polls, d)
		clock.now = clock.now.Add(d)
		return nil
	}
	r := NewRateLimiter(1, 10*time.Second, 5*time.Second,
		WithLimiterClock(clock.Now),
		WithLimiterSleeper(sleeper),
		WithLimiterLogger(quietLogger()),
	)

	require.NoError(t, r.Wait(context.Background(), "a"))
	require.NoError(t, r.Wait(context.Background(), "a"))

	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, polls)
	assert.Equal(t, 1, r.Count("a"))
}

func TestRateLimiterWaitHonoursCancel(t *testing.T) {
	r := NewRateLimiter(0, time.Minute, time.Hour, WithLimiterLogger(quietLogger()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Wait(ctx, "a"), context.Canceled)
}

func TestGate(t *testing.T) {
	g := NewGate(3)
	for i := 0; i < 3; i++ {
		require.True(t, g.TryAcquire())
	}
	assert.False(t, g.TryAcquire())
	assert.Equal(t, 3, g.Active())

	g.Release()
	assert.Equal(t, 2, g.Active())
	assert.True(t, g.TryAcquire())

	for i := 0; i < 5; i++ {
		g.Release()
	}
	assert.Equal(t, 0, g.Active(), "release never goes negative")
	assert.Equal(t, 3, g.Max())
}
