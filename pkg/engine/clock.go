package engine

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time so that polling can be driven by a fake clock in tests.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Sleep blocks for d or until ctx is done, whichever comes first.
	// It returns ctx.Err() when interrupted.
	Sleep(ctx context.Context, d time.Duration) error

	// WithDeadline returns a copy of ctx that is done once the clock reaches deadline.
	WithDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc)
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep implements Clock. The timer is stopped when ctx is cancelled first.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
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

// WithDeadline implements Clock.
func (SystemClock) WithDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	return context.WithDeadline(ctx, deadline)
}

// FakeClock is a manually advanced clock. Sleep returns immediately after
// advancing the clock by the requested duration. Deadlines derived with
// WithDeadline expire when Sleep or Advance moves the clock past them.
type FakeClock struct {
	mu        sync.Mutex
	now       time.Time
	sleeps    []time.Duration
	deadlines map[*fakeDeadline]struct{}
}

type fakeDeadline struct {
	at     time.Time
	cancel context.CancelCauseFunc
}

// NewFakeClock creates a fake clock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements Clock.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Sleep implements Clock.
func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	expired := c.advanceLocked(d)
	c.mu.Unlock()

	expire(expired)
	return nil
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	expired := c.advanceLocked(d)
	c.mu.Unlock()

	expire(expired)
}

// WithDeadline implements Clock. The returned context reports
// context.DeadlineExceeded as its cause once the deadline passes.
func (c *FakeClock) WithDeadline(ctx context.Context, deadline time.Time) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancelCause(ctx)
	d := &fakeDeadline{at: deadline, cancel: cancel}

	c.mu.Lock()
	if !c.now.Before(deadline) {
		c.mu.Unlock()
		cancel(context.DeadlineExceeded)
		return dctx, func() { cancel(context.Canceled) }
	}
	if c.deadlines == nil {
		c.deadlines = make(map[*fakeDeadline]struct{})
	}
	c.deadlines[d] = struct{}{}
	c.mu.Unlock()

	return dctx, func() {
		c.mu.Lock()
		delete(c.deadlines, d)
		c.mu.Unlock()
		cancel(context.Canceled)
	}
}

// advanceLocked moves the clock and removes the deadlines it passes.
func (c *FakeClock) advanceLocked(d time.Duration) []*fakeDeadline {
	if d > 0 {
		c.now = c.now.Add(d)
	}
	var expired []*fakeDeadline
	for dl := range c.deadlines {
		if !c.now.Before(dl.at) {
			expired = append(expired, dl)
			delete(c.deadlines, dl)
		}
	}
	return expired
}

func expire(deadlines []*fakeDeadline) {
	for _, dl := range deadlines {
		dl.cancel(context.DeadlineExceeded)
	}
}

// Sleeps returns the durations passed to Sleep, in call order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}
