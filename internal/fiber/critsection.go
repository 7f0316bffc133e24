package fiber

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/embedthis/ioto-core/internal/koderr"
)

// CritSection is a fiber-cooperative mutex: enter blocks the calling
// fiber rather than an OS thread, and leave wakes the next waiter. A
// weighted semaphore of size one backs it, so no fiber ever busy-polls a
// flag, and a deadline cancels the wait instead of spinning on one.
type CritSection struct {
	sem *semaphore.Weighted
}

// NewCritSection returns an unlocked critical section.
func NewCritSection() *CritSection {
	return &CritSection{sem: semaphore.NewWeighted(1)}
}

// Enter blocks until the section is free or deadline passes, whichever is
// first. A zero deadline means wait forever.
func (c *CritSection) Enter(ctx context.Context, deadline time.Time) error {
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return koderr.New(koderr.Timeout, "fiber.Enter", err)
	}
	return nil
}

// TryEnter acquires the section without blocking, reporting false if it
// is already held.
func (c *CritSection) TryEnter() bool {
	return c.sem.TryAcquire(1)
}

// Leave releases the section. Calling Leave without a matching Enter
// panics, the same way releasing an unheld semaphore would.
func (c *CritSection) Leave() {
	c.sem.Release(1)
}
