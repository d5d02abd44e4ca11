package scoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock shared by the cache and throttle tests.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestScoreCache_GetPut(t *testing.T) {
	c := NewScoreCache(10 * time.Second)

	_, ok := c.Get("hello")
	assert.False(t, ok)

	c.Put("hello", "safe", 0.99)
	entry, ok := c.Get("hello")
	require.True(t, ok)
	assert.Equal(t, "hello", entry.Text)
	assert.Equal(t, "safe", entry.Label)
	assert.InDelta(t, 0.99, entry.Confidence, 1e-9)
}

func TestScoreCache_KeyIsVerbatim(t *testing.T) {
	c := NewScoreCache(time.Minute)
	c.Put("Hello", "safe", 0.9)

	_, ok := c.Get("hello")
	assert.False(t, ok)
	_, ok = c.Get("Hello ")
	assert.False(t, ok)
}

func TestScoreCache_LazyExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := NewScoreCache(10 * time.Second)
	c.now = clock.now

	c.Put("msg", "toxic", 0.7)

	clock.advance(10 * time.Second)
	_, ok := c.Get("msg")
	assert.True(t, ok, "entry exactly at TTL is still live")

	clock.advance(time.Millisecond)
	_, ok = c.Get("msg")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len(), "a miss does not remove the expired entry")

	c.Put("msg", "safe", 0.8)
	entry, ok := c.Get("msg")
	require.True(t, ok)
	assert.Equal(t, "safe", entry.Label)
	assert.Equal(t, 1, c.Len())
}

// reserveWait claims a slot and returns only the wait.
func reserveWait(th *Throttle) time.Duration {
	_, _, wait := th.reserve()
	return wait
}

func TestThrottle_ReservationSpacing(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(200 * time.Millisecond)
	th.now = clock.now

	assert.Equal(t, time.Duration(0), reserveWait(th), "first call is free")
	assert.Equal(t, 200*time.Millisecond, reserveWait(th))
	assert.Equal(t, 400*time.Millisecond, reserveWait(th))

	clock.advance(time.Second)
	assert.Equal(t, time.Duration(0), reserveWait(th), "cooldown already elapsed")

	clock.advance(50 * time.Millisecond)
	assert.Equal(t, 150*time.Millisecond, reserveWait(th))
}

func TestThrottle_ReleaseRestoresSlot(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(200 * time.Millisecond)
	th.now = clock.now

	assert.Equal(t, time.Duration(0), reserveWait(th))

	slot, prev, wait := th.reserve()
	assert.Equal(t, 200*time.Millisecond, wait)
	th.release(slot, prev)

	assert.Equal(t, 200*time.Millisecond, reserveWait(th), "released slot is reused")
}

func TestThrottle_ReleaseAfterLaterReservation(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	th := NewThrottle(200 * time.Millisecond)
	th.now = clock.now

	reserveWait(th)
	slot, prev, _ := th.reserve()
	assert.Equal(t, 400*time.Millisecond, reserveWait(th))

	th.release(slot, prev)
	assert.Equal(t, 600*time.Millisecond, reserveWait(th), "later reservation is kept")
}

func TestThrottle_AcquireCancelled(t *testing.T) {
	th := NewThrottle(time.Hour)
	require.NoError(t, th.Acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, th.Acquire(ctx), context.Canceled)
}

func TestThrottle_CancelledWaitersDoNotDelayNextCall(t *testing.T) {
	const cooldown = 100 * time.Millisecond
	th := NewThrottle(cooldown)
	require.NoError(t, th.Acquire(context.Background()))

	done, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, th.Acquire(done), context.Canceled)
	}
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		assert.ErrorIs(t, th.Acquire(ctx), context.DeadlineExceeded)
		cancel()
	}

	start := time.Now()
	require.NoError(t, th.Acquire(context.Background()))
	assert.Less(t, time.Since(start), 2*cooldown)
}

func TestThrottle_ZeroCooldown(t *testing.T) {
	th := NewThrottle(0)
	for i := 0; i < 5; i++ {
		require.NoError(t, th.Acquire(context.Background()))
	}
}
