// Package throttle bounds write-side work: a weighted semaphore caps the
// number of writes in flight on a stream, and an Allower optionally caps the
// publish rate.
package throttle

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// Semaphore caps concurrent in-flight operations.
type Semaphore struct {
	sem      *semaphore.Weighted
	capacity int64
}

// NewSemaphore creates a Semaphore admitting capacity holders at once.
// A capacity below one is raised to one.
func NewSemaphore(capacity int64) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{
		sem:      semaphore.NewWeighted(capacity),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

// TryAcquire takes a slot without blocking and reports whether it did.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release frees a slot taken by Acquire or TryAcquire.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}

// Capacity returns the number of slots.
func (s *Semaphore) Capacity() int64 {
	return s.capacity
}
