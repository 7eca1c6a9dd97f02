package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// Allower admits work at a bounded rate.
type Allower interface {
	// Allow blocks until n tokens are available or ctx is done.
	Allow(ctx context.Context, n int64) error
}

// pollInterval is how often a blocked Allow rechecks the bucket.
const pollInterval = 10 * time.Millisecond

type leakyBucketAllower struct {
	clock    clock.Clock
	capacity int64
	limiter  *rate.Limiter
}

// NewLeakyBucketAllower creates a rate limiter refilling r tokens per
// second up to capacity. The bucket starts full. A nil clk uses the wall
// clock.
func NewLeakyBucketAllower(clk clock.Clock, r float64, capacity int64) Allower {
	if clk == nil {
		clk = clock.New()
	}
	return &leakyBucketAllower{
		clock:    clk,
		capacity: capacity,
		limiter:  rate.NewLimiter(rate.Limit(r), int(capacity)),
	}
}

// NewRateAllower returns a leaky bucket admitting r operations per second
// with a burst of one second's worth, or a no-op Allower when r is not
// positive.
func NewRateAllower(clk clock.Clock, r float64) Allower {
	if r <= 0 {
		return NewNoopAllower()
	}
	burst := int64(r)
	if burst < 1 {
		burst = 1
	}
	return NewLeakyBucketAllower(clk, r, burst)
}

// take asks the limiter at the injected clock's time, so a mock clock
// drives refills in tests.
func (a *leakyBucketAllower) take(n int64) bool {
	return a.limiter.AllowN(a.clock.Now(), int(n))
}

func (a *leakyBucketAllower) Allow(ctx context.Context, n int64) error {
	if n <= 0 {
		n = 1
	}
	if n > a.capacity {
		return fmt.Errorf("throttle: requested %d tokens, but capacity is %d", n, a.capacity)
	}
	for !a.take(n) {
		t := a.clock.Timer(pollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("throttle: %w", ctx.Err())
		case <-t.C:
		}
	}
	return nil
}

type noopAllower struct{}

// NewNoopAllower returns an Allower that never limits.
func NewNoopAllower() Allower {
	return noopAllower{}
}

func (noopAllower) Allow(ctx context.Context, _ int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}
