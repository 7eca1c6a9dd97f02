// Package memo provides a single-slot value holder with change notification.
//
// A Cell keeps exactly one current value. Readers get it without blocking,
// writers replace it with Put, and any number of goroutines can wait for the
// next replacement with Next. Waiting is fan-out: every waiter registered
// before a Put observes that Put's value. No history is kept, so a waiter
// registered after a Put only sees the following one.
//
//	c := memo.New("idle")
//	f := c.Next()
//	go c.Put("busy")
//	v := f.Value() // "busy"
package memo

import (
	"context"
	"sync"
)

// Cell is a restartable single-slot value with change notification.
// The zero value is not usable; create cells with New.
type Cell[T any] struct {
	mu  sync.Mutex
	val T
	gen *generation[T]
}

// generation is shared by every waiter registered between two puts.
type generation[T any] struct {
	done chan struct{}
	val  T
}

func newGeneration[T any]() *generation[T] {
	return &generation[T]{done: make(chan struct{})}
}

// New creates a cell holding initial.
func New[T any](initial T) *Cell[T] {
	return &Cell[T]{
		val: initial,
		gen: newGeneration[T](),
	}
}

// Read returns the current value.
func (c *Cell[T]) Read() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val
}

// Put replaces the current value and resolves every Future obtained from
// Next before this call.
func (c *Cell[T]) Put(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.val = v
	g := c.gen
	c.gen = newGeneration[T]()

	g.val = v
	close(g.done)
}

// Next returns a Future resolved by the first Put made after Next returns.
// If Put is never called the Future never resolves.
func (c *Cell[T]) Next() *Future[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &Future[T]{gen: c.gen}
}

// Snapshot returns the current value together with a Future for the next
// one, atomically. Checking a value and then calling Next separately can
// miss a Put that lands in between.
func (c *Cell[T]) Snapshot() (T, *Future[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, &Future[T]{gen: c.gen}
}

// Future is the awaitable returned by Next.
type Future[T any] struct {
	gen *generation[T]
}

// Done is closed once the future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.gen.done
}

// Value blocks until the future resolves and returns its value.
func (f *Future[T]) Value() T {
	<-f.gen.done
	return f.gen.val
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.gen.done:
		return f.gen.val, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
