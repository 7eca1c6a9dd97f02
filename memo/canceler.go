package memo

import "context"

// NewCanceler returns a cancellation cell. It holds true while active and
// false once canceled.
func NewCanceler() *Cell[bool] {
	return New(true)
}

// Cancel marks c as canceled.
func Cancel(c *Cell[bool]) {
	c.Put(false)
}

// Cancelled reports whether c currently holds false. A nil cell is never
// canceled.
func Cancelled(c *Cell[bool]) bool {
	return c != nil && !c.Read()
}

// Done returns a channel closed when c turns false, or immediately if it
// already is. The watching goroutine exits when ctx is done; the channel is
// not closed in that case. A nil c yields a nil channel, which never fires.
func Done(ctx context.Context, c *Cell[bool]) <-chan struct{} {
	if c == nil {
		return nil
	}
	out := make(chan struct{})
	go func() {
		for {
			active, next := c.Snapshot()
			if !active {
				close(out)
				return
			}
			select {
			case <-next.Done():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
