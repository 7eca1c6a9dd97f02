package stream

import (
	"context"
	"sync"

	"github.com/fxsml/goemit/memo"
)

// buffer is a bounded FIFO of decoded values. Every change is announced on a
// memo cell holding the new length, so waiters can block on "something
// changed" without polling.
type buffer struct {
	mu       sync.Mutex
	items    []any
	capacity int
	changed  *memo.Cell[int]
}

func newBuffer(capacity int) *buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &buffer{
		capacity: capacity,
		changed:  memo.New(0),
	}
}

// push appends v, blocking while the buffer is full.
func (b *buffer) push(ctx context.Context, v any) error {
	for {
		b.mu.Lock()
		if len(b.items) < b.capacity {
			b.items = append(b.items, v)
			b.changed.Put(len(b.items))
			b.mu.Unlock()
			return nil
		}
		next := b.changed.Next()
		b.mu.Unlock()

		select {
		case <-next.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// waitRoom blocks until at least one slot is free.
func (b *buffer) waitRoom(ctx context.Context) error {
	for {
		b.mu.Lock()
		if len(b.items) < b.capacity {
			b.mu.Unlock()
			return nil
		}
		next := b.changed.Next()
		b.mu.Unlock()

		select {
		case <-next.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pop removes and returns the oldest value.
func (b *buffer) pop() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil, false
	}
	v := b.items[0]
	b.items[0] = nil
	b.items = b.items[1:]
	b.changed.Put(len(b.items))
	return v, true
}

// watch returns the current length and a future for the next change,
// atomically.
func (b *buffer) watch() (int, *memo.Future[int]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items), b.changed.Next()
}

func (b *buffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
