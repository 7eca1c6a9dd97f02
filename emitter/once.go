package emitter

import (
	"context"
	"errors"
	"time"

	"github.com/fxsml/goemit/memo"
	"github.com/fxsml/goemit/stream"
)

// OnceOptions configures a single Once call.
type OnceOptions struct {
	// Event names the stream to wait on.
	Event string

	// Canceler aborts the wait when it turns false. Nil never cancels.
	Canceler *memo.Cell[bool]

	// Timeout bounds the wait. Zero uses Config.DefaultTimeout.
	Timeout time.Duration

	// Until, when set, bounds the wait instead of Timeout: the wait times
	// out once it is closed.
	Until <-chan struct{}
}

// Once waits for the next payload on opts.Event and passes it to onValue.
//
// The wait races the stream becoming readable against the canceler, ctx
// and the timeout. Only when the stream wins is a message read, so a
// cancelled or timed-out call leaves the queue untouched. onValue runs at
// most once, on the calling goroutine. Stream errors are logged and reported
// as Failed.
func (e *Emitter) Once(ctx context.Context, opts OnceOptions, onValue func(any)) Outcome {
	s := e.stream(opts.Event)
	if memo.Cancelled(opts.Canceler) {
		return Cancelled
	}

	raceCtx, stop := context.WithCancel(ctx)
	defer stop()

	// waitCtx ends on timeout. Everything after the race is bounded by it.
	waitCtx, expire := context.WithCancel(raceCtx)
	defer expire()
	if opts.Until != nil {
		go func() {
			select {
			case <-opts.Until:
				expire()
			case <-waitCtx.Done():
			}
		}()
	} else {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = e.config.DefaultTimeout
		}
		timer := e.config.Clock.AfterFunc(timeout, expire)
		defer timer.Stop()
	}

	readable := make(chan error, 1)
	go func() {
		readable <- s.WaitReadable(waitCtx)
	}()

	select {
	case err := <-readable:
		if err != nil {
			return e.settle(ctx, opts.Event, err)
		}
	case <-memo.Done(raceCtx, opts.Canceler):
		return Cancelled
	case <-waitCtx.Done():
		return e.settle(ctx, opts.Event, waitCtx.Err())
	}

	v, err := e.readOne(waitCtx, s)
	if err != nil {
		return e.settle(ctx, opts.Event, err)
	}
	onValue(v)
	return Delivered
}

// readOne reads until the stream yields a value. Read may come up empty
// right after the race, before the consumer has buffered anything.
func (e *Emitter) readOne(ctx context.Context, s stream.Stream) (any, error) {
	for {
		if v, ok := s.Read(); ok {
			return v, nil
		}
		if err := s.WaitReadable(ctx); err != nil {
			return nil, err
		}
	}
}

// settle maps the error that ended a Once call to its outcome.
func (e *Emitter) settle(ctx context.Context, event string, err error) Outcome {
	switch {
	case ctx.Err() != nil:
		return Cancelled
	case errors.Is(err, context.Canceled):
		return TimedOut
	}
	e.config.Logger.Error("Once failed", "event", event, "error", err)
	return Failed
}
