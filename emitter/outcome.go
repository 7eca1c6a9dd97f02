package emitter

// Outcome is the terminal state of a Once call.
type Outcome int

const (
	// Delivered means a value was read and passed to the callback.
	Delivered Outcome = iota + 1
	// Cancelled means the canceler fired or the context ended first.
	Cancelled
	// TimedOut means the timeout elapsed first.
	TimedOut
	// Failed means the stream reported an error.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Cancelled:
		return "cancelled"
	case TimedOut:
		return "timed out"
	case Failed:
		return "failed"
	}
	return "pending"
}
