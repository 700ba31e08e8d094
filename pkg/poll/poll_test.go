package poll

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances on every sleep so tests never block
type fakeClock struct {
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	return nil
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) config(initial, interval time.Duration, attempts int, timeout time.Duration) Config {
	return Config{
		InitialDelay: initial,
		Interval:     interval,
		MaxAttempts:  attempts,
		Timeout:      timeout,
		Sleep:        c.Sleep,
		Now:          c.Now,
	}
}

func TestUntilDone(t *testing.T) {
	clock := newFakeClock()
	checks := 0

	attempts, err := Until(context.Background(), clock.config(20*time.Second, time.Minute, 10, 0), func(ctx context.Context) (bool, error) {
		checks++
		return checks == 3, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{20 * time.Second, time.Minute, time.Minute}, clock.sleeps)
}

func TestUntilTransientErrorsAreRetried(t *testing.T) {
	clock := newFakeClock()
	checks := 0
	notVisible := errors.New("InvalidSpotInstanceRequestID.NotFound")

	attempts, err := Until(context.Background(), clock.config(0, time.Second, 5, 0), func(ctx context.Context) (bool, error) {
		checks++
		if checks < 3 {
			return false, Transient(notVisible)
		}
		return true, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestUntilStopsOnTerminalError(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("UnauthorizedOperation")

	attempts, err := Until(context.Background(), clock.config(0, time.Second, 5, 0), func(ctx context.Context) (bool, error) {
		return false, boom
	})

	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, ErrStillPending))
}

func TestUntilMaxAttempts(t *testing.T) {
	clock := newFakeClock()

	attempts, err := Until(context.Background(), clock.config(0, time.Minute, 4, 0), func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.Equal(t, 4, attempts)
	assert.ErrorIs(t, err, ErrStillPending)
	// no sleep after the final check
	assert.Len(t, clock.sleeps, 3)
}

func TestUntilMaxAttemptsKeepsLastTransientError(t *testing.T) {
	clock := newFakeClock()

	_, err := Until(context.Background(), clock.config(0, time.Second, 2, 0), func(ctx context.Context) (bool, error) {
		return false, Transient(errors.New("not visible yet"))
	})

	assert.ErrorIs(t, err, ErrStillPending)
	assert.Contains(t, err.Error(), "not visible yet")
}

func TestUntilTimeout(t *testing.T) {
	clock := newFakeClock()

	// 20s + 60s + 60s = 140s; the next 60s wait would cross 3 minutes
	attempts, err := Until(context.Background(), clock.config(20*time.Second, time.Minute, 0, 3*time.Minute), func(ctx context.Context) (bool, error) {
		return false, nil
	})

	assert.ErrorIs(t, err, ErrStillPending)
	assert.Equal(t, 3, attempts)
}

func TestUntilContextCancelled(t *testing.T) {
	clock := newFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	checks := 0

	_, err := Until(ctx, clock.config(0, time.Second, 0, 0), func(ctx context.Context) (bool, error) {
		checks++
		if checks == 2 {
			cancel()
		}
		return false, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, checks)
}

func TestSleepHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransientNil(t *testing.T) {
	assert.NoError(t, Transient(nil))
	assert.False(t, IsTransient(errors.New("plain")))
}
