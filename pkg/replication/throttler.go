package replication

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Throttler bounds the total cost of actions running at the same time.
type Throttler struct {
	capacity int64
	credits  *semaphore.Weighted
}

func NewThrottler(capacity int64) *Throttler {
	if capacity < 1 {
		capacity = 1
	}
	return &Throttler{
		capacity: capacity,
		credits:  semaphore.NewWeighted(capacity),
	}
}

// Invoke waits until cost credits are free, runs action and gives the credits back.
// A cost above the capacity takes every credit, so it runs as soon as the throttler is idle.
func (t *Throttler) Invoke(ctx context.Context, cost int64, action func() error) error {
	credits := min(max(cost, 0), t.capacity)
	if err := t.credits.Acquire(ctx, credits); err != nil {
		return err
	}
	defer t.credits.Release(credits)

	return action()
}

func (t *Throttler) Capacity() int64 {
	return t.capacity
}
