package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fxsml/goemit/memo"
)

// MemoryHub is an in-process set of named queues. Streams with the same name
// on one hub share a queue and compete for its messages.
type MemoryHub struct {
	mu     sync.Mutex
	queues map[string]*memQueue
	codec  Codec
	logger *slog.Logger
}

type memQueue struct {
	items   [][]byte
	changed *memo.Cell[int]
}

// NewMemoryHub creates an empty hub encoding values as JSON.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		queues: make(map[string]*memQueue),
		codec:  NewJSONCodec(),
		logger: slog.Default(),
	}
}

// Len returns the number of messages waiting in the named queue.
func (h *MemoryHub) Len(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if q, ok := h.queues[name]; ok {
		return len(q.items)
	}
	return 0
}

func (h *MemoryHub) queue(name string) *memQueue {
	q, ok := h.queues[name]
	if !ok {
		q = &memQueue{changed: memo.New(0)}
		h.queues[name] = q
	}
	return q
}

func (h *MemoryHub) push(name string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue(name)
	q.items = append(q.items, body)
	q.changed.Put(len(q.items))
}

func (h *MemoryHub) pop(name string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue(name)
	if len(q.items) == 0 {
		return nil, false
	}
	body := q.items[0]
	q.items = q.items[1:]
	q.changed.Put(len(q.items))
	return body, true
}

func (h *MemoryHub) watch(name string) (int, *memo.Future[int]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queue(name)
	return len(q.items), q.changed.Next()
}

// MemoryDuplex is a Stream over a MemoryHub queue. Values go through the
// hub's codec, so readers observe the same shapes as with a real broker.
type MemoryDuplex struct {
	lifecycle

	name     string
	hub      *MemoryHub
	readMode atomic.Bool
	reads    atomic.Int64
}

var _ Stream = (*MemoryDuplex)(nil)

// NewMemoryDuplex creates a stream on the named hub queue. The capacity is
// accepted for Factory compatibility; writes never block.
func NewMemoryDuplex(_ int, name string, hub *MemoryHub) *MemoryDuplex {
	return &MemoryDuplex{
		lifecycle: newLifecycle(),
		name:      name,
		hub:       hub,
	}
}

// MemoryFactory returns a Factory creating MemoryDuplex streams on hub.
func MemoryFactory(hub *MemoryHub) Factory {
	return func(capacity int, name string) Stream {
		return NewMemoryDuplex(capacity, name, hub)
	}
}

// Name returns the queue name.
func (m *MemoryDuplex) Name() string {
	return m.name
}

// ReadMode reports whether Read was called.
func (m *MemoryDuplex) ReadMode() bool {
	return m.readMode.Load()
}

// Reads returns the number of Read calls.
func (m *MemoryDuplex) Reads() int64 {
	return m.reads.Load()
}

// Write encodes v and appends it to the hub queue.
func (m *MemoryDuplex) Write(ctx context.Context, v any) error {
	if m.destroyed() {
		return fmt.Errorf("stream: write %s: %w", m.name, ErrDestroyed)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := m.hub.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	m.hub.push(m.name, body)
	return nil
}

// Read takes the next message off the hub queue.
func (m *MemoryDuplex) Read() (any, bool) {
	m.reads.Add(1)
	if m.destroyed() {
		return nil, false
	}
	m.readMode.Store(true)

	for {
		body, ok := m.hub.pop(m.name)
		if !ok {
			return nil, false
		}
		var v any
		if err := m.hub.codec.Unmarshal(body, &v); err != nil {
			m.hub.logger.Warn("Dropping undecodable message", "queue", m.name, "error", err)
			continue
		}
		return v, true
	}
}

// WaitReadable blocks until the hub queue holds a message.
func (m *MemoryDuplex) WaitReadable(ctx context.Context) error {
	for {
		if err := m.Err(); err != nil {
			return err
		}
		n, next := m.hub.watch(m.name)
		if n > 0 {
			return nil
		}
		select {
		case <-next.Done():
		case <-m.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Destroy marks the stream destroyed. Queued messages stay on the hub.
func (m *MemoryDuplex) Destroy(err error) error {
	m.finish(err, nil)
	return nil
}
