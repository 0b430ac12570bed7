// Package concurrency holds the small shared primitives that bound
// fan-out across devices.
package concurrency

import "context"

// Semaphore is a buffered-channel token bucket bounding concurrent work
// across devices (snapshot capture, batch health checks, rollout applies).
type Semaphore chan struct{}

func NewSemaphore(n int) Semaphore {
	if n <= 0 {
		n = 1
	}
	return make(Semaphore, n)
}

// Acquire blocks until a token is available or ctx is done.
func (s Semaphore) Acquire(ctx context.Context) error {
	select {
	case s <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s Semaphore) Release() {
	<-s
}
