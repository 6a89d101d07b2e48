package processor

import (
	"context"
	"sync"
)

// ConcLimiter bounds the number of concurrent tasks and tracks them with
// its WaitGroup.
type ConcLimiter struct {
	*sync.WaitGroup
	Pool chan struct{}
}

// Acquire blocks until a slot is free or ctx is done.
func (c *ConcLimiter) Acquire(ctx context.Context) error {
	select {
	case c.Pool <- struct{}{}:
		c.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot taken by Acquire. Extra calls are no-ops.
func (c *ConcLimiter) Release() {
	select {
	case <-c.Pool:
		c.Done()
	default:
	}
}

func NewConcLimiter(cLevel int) *ConcLimiter {
	if cLevel <= 0 {
		cLevel = 1
	}
	var wg sync.WaitGroup
	return &ConcLimiter{&wg, make(chan struct{}, cLevel)}
}
