package scoring

import (
	"context"
	"sync"
	"time"
)

// Throttle enforces a minimum spacing between physical classifier calls
// across the whole process.
//
// Acquire works by reservation: under the lock it computes the earliest slot
// (previous slot + cooldown, or now if that has already passed), records it
// as the new last-call time and releases the lock. The caller then sleeps
// until its slot outside the lock. Two concurrent callers therefore always
// receive slots at least one cooldown apart, and nobody holds the lock while
// waiting.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     time.Time
	now      func() time.Time
}

// NewThrottle creates a throttle with the given cooldown. A zero or negative
// cooldown disables waiting but slots are still recorded.
func NewThrottle(cooldown time.Duration) *Throttle {
	return &Throttle{
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Acquire blocks until the caller may invoke the backend. A context that is
// already done never reserves a slot. If the context is cancelled while
// waiting, the slot is handed back when no later caller has reserved after
// it, so abandoned waits do not push out the next real call.
func (t *Throttle) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	slot, prev, wait := t.reserve()
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		t.release(slot, prev)
		return ctx.Err()
	}
}

// reserve atomically claims the next slot. It returns the slot, the
// last-call time it replaced and how long the caller must wait.
func (t *Throttle) reserve() (slot, prev time.Time, wait time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	slot = now
	if !t.last.IsZero() {
		if next := t.last.Add(t.cooldown); next.After(now) {
			slot = next
		}
	}
	prev = t.last
	t.last = slot
	return slot, prev, slot.Sub(now)
}

// release gives back an unused slot. It is a no-op once another caller has
// reserved a later one.
func (t *Throttle) release(slot, prev time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last.Equal(slot) {
		t.last = prev
	}
}
