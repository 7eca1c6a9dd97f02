package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fxsml/goemit/throttle"
)

// lifecycle holds the destruction state shared by all adapters.
type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func newLifecycle() lifecycle {
	ctx, cancel := context.WithCancel(context.Background())
	return lifecycle{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Done is closed once the stream is destroyed.
func (l *lifecycle) Done() <-chan struct{} {
	return l.done
}

// Err returns the destruction cause, or nil while the stream is alive.
func (l *lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *lifecycle) destroyed() bool {
	return l.ctx.Err() != nil
}

// finish records err, cancels background work, runs release and closes Done.
// Only the first call has an effect.
func (l *lifecycle) finish(err error, release func()) {
	l.once.Do(func() {
		if err == nil {
			err = ErrDestroyed
		}
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()

		l.cancel()
		if release != nil {
			release()
		}
		close(l.done)
	})
}

// acquireSlot takes a write slot from sem, blocking while all of them are
// in flight. Blocking is logged once per write.
func acquireSlot(ctx context.Context, sem *throttle.Semaphore, logger *slog.Logger, queue string) error {
	if sem.TryAcquire() {
		return nil
	}
	logger.Debug("Write waiting for a free slot", "queue", queue, "in_flight", sem.Capacity())
	return sem.Acquire(ctx)
}
