package emitter_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fxsml/goemit/broker/brokertest"
	"github.com/fxsml/goemit/emitter"
	"github.com/fxsml/goemit/memo"
	"github.com/fxsml/goemit/stream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMemoryEmitter(t *testing.T, config emitter.Config) (*emitter.Emitter, *stream.MemoryHub) {
	t.Helper()
	hub := stream.NewMemoryHub()
	em := emitter.New(stream.MemoryFactory(hub), config)
	t.Cleanup(func() { _ = em.Close() })
	return em, hub
}

func memoryStream(t *testing.T, em *emitter.Emitter, name string) *stream.MemoryDuplex {
	t.Helper()
	s, ok := em.GetStream(name)
	require.True(t, ok, "no stream for %s", name)
	m, ok := s.(*stream.MemoryDuplex)
	require.True(t, ok)
	return m
}

// onceAsync runs Once on its own goroutine and reports the outcome.
func onceAsync(ctx context.Context, em *emitter.Emitter, opts emitter.OnceOptions, onValue func(any)) <-chan emitter.Outcome {
	out := make(chan emitter.Outcome, 1)
	go func() { out <- em.Once(ctx, opts, onValue) }()
	return out
}

func awaitOutcome(t *testing.T, out <-chan emitter.Outcome) emitter.Outcome {
	t.Helper()
	select {
	case o := <-out:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("Once did not return")
		return 0
	}
}

func noop(any) {}

func TestNew_EmptyRegistry(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	assert.Equal(t, 0, em.Len())
}

func TestOnce_CreatesOrReusesStream(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	canceler := memo.NewCanceler()
	ctx := context.Background()

	first := onceAsync(ctx, em, emitter.OnceOptions{Event: "test", Canceler: canceler}, noop)
	require.Eventually(t, func() bool { return em.Len() == 1 }, time.Second, time.Millisecond)
	s1, ok := em.GetStream("test")
	require.True(t, ok)
	assert.IsType(t, &stream.MemoryDuplex{}, s1)

	second := onceAsync(ctx, em, emitter.OnceOptions{Event: "test", Canceler: canceler}, noop)
	time.Sleep(10 * time.Millisecond)
	s2, _ := em.GetStream("test")
	assert.Same(t, s1, s2)
	assert.Equal(t, 1, em.Len())

	memo.Cancel(canceler)
	assert.Equal(t, emitter.Cancelled, awaitOutcome(t, first))
	assert.Equal(t, emitter.Cancelled, awaitOutcome(t, second))
}

func TestOnce_DistinctNamesAreIsolated(t *testing.T) {
	em, hub := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, "a", "for a"))
	b := onceAsync(ctx, em, emitter.OnceOptions{Event: "b", Timeout: 50 * time.Millisecond}, noop)
	assert.Equal(t, emitter.TimedOut, awaitOutcome(t, b))

	assert.Equal(t, 1, hub.Len("a"))
	assert.Zero(t, memoryStream(t, em, "a").Reads())
	assert.Equal(t, 2, em.Len())
}

func TestOnce_DefaultTimeout(t *testing.T) {
	mock := clock.NewMock()
	em, _ := newMemoryEmitter(t, emitter.Config{Clock: mock})

	out := onceAsync(context.Background(), em, emitter.OnceOptions{Event: "test4", Canceler: memo.NewCanceler()}, noop)
	require.Eventually(t, func() bool { return em.Len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mock.Add(9 * time.Second)
	select {
	case o := <-out:
		t.Fatalf("returned %s before the default timeout", o)
	case <-time.After(20 * time.Millisecond):
	}

	mock.Add(time.Second)
	assert.Equal(t, emitter.TimedOut, awaitOutcome(t, out))
}

func TestOnce_TimeoutSkipsRead(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	var called atomic.Bool

	start := time.Now()
	o := em.Once(ctx, emitter.OnceOptions{Event: "test5", Canceler: memo.NewCanceler(), Timeout: 100 * time.Millisecond},
		func(any) { called.Store(true) })
	assert.Equal(t, emitter.TimedOut, o)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	require.NoError(t, em.Emit(ctx, "test5", map[string]any{}))
	time.Sleep(200 * time.Millisecond)

	s := memoryStream(t, em, "test5")
	assert.Zero(t, s.Reads())
	assert.False(t, s.ReadMode())
	assert.False(t, called.Load())
}

func TestOnce_UntilSkipsRead(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()

	until := make(chan struct{})
	timer := time.AfterFunc(100*time.Millisecond, func() { close(until) })
	defer timer.Stop()

	o := em.Once(ctx, emitter.OnceOptions{Event: "test21", Canceler: memo.NewCanceler(), Until: until}, noop)
	assert.Equal(t, emitter.TimedOut, o)

	require.NoError(t, em.Emit(ctx, "test21", map[string]any{}))
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, memoryStream(t, em, "test21").Reads())
}

func TestOnce_CancelSkipsRead(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	canceler := memo.NewCanceler()
	var called atomic.Bool

	out := onceAsync(ctx, em, emitter.OnceOptions{Event: "test6", Canceler: canceler}, func(any) { called.Store(true) })
	require.Eventually(t, func() bool { return em.Len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	memo.Cancel(canceler)
	assert.Equal(t, emitter.Cancelled, awaitOutcome(t, out))

	require.NoError(t, em.Emit(ctx, "test6", map[string]any{}))
	time.Sleep(50 * time.Millisecond)

	s := memoryStream(t, em, "test6")
	assert.Zero(t, s.Reads())
	assert.False(t, s.ReadMode())
	assert.False(t, called.Load())
}

func TestOnce_AlreadyCancelled(t *testing.T) {
	em, hub := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	require.NoError(t, em.Emit(ctx, "x", 1))

	canceler := memo.NewCanceler()
	memo.Cancel(canceler)
	o := em.Once(ctx, emitter.OnceOptions{Event: "x", Canceler: canceler}, noop)
	assert.Equal(t, emitter.Cancelled, o)
	assert.Equal(t, 1, hub.Len("x"))
}

func TestOnce_ContextCancelled(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx, cancel := context.WithCancel(context.Background())

	out := onceAsync(ctx, em, emitter.OnceOptions{Event: "x"}, noop)
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.Equal(t, emitter.Cancelled, awaitOutcome(t, out))
}

func TestOnce_DeliversLateValue(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()

	values := make(chan any, 2)
	out := onceAsync(ctx, em, emitter.OnceOptions{Event: "x", Canceler: memo.NewCanceler()}, func(v any) { values <- v })
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, em.Emit(ctx, "x", map[string]string{"test": "test"}))
	assert.Equal(t, emitter.Delivered, awaitOutcome(t, out))

	require.Len(t, values, 1)
	assert.Equal(t, map[string]any{"test": "test"}, <-values)
}

func TestOnce_RoundTrip(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	payload := map[string]any{"id": "42", "items": []any{"a", "b"}, "total": 9.5}

	require.NoError(t, em.Emit(ctx, "orders", payload))

	var got any
	o := em.Once(ctx, emitter.OnceOptions{Event: "orders", Canceler: memo.NewCanceler()}, func(v any) { got = v })
	require.Equal(t, emitter.Delivered, o)
	assert.Equal(t, payload, got)
}

func TestOnce_SecondCallWaitsForNextValue(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	canceler := memo.NewCanceler()

	require.NoError(t, em.Emit(ctx, "test20", "first"))
	var first any
	require.Equal(t, emitter.Delivered,
		em.Once(ctx, emitter.OnceOptions{Event: "test20", Canceler: canceler}, func(v any) { first = v }))
	assert.Equal(t, "first", first)

	values := make(chan any, 4)
	out := onceAsync(ctx, em, emitter.OnceOptions{Event: "test20", Canceler: canceler}, func(v any) { values <- v })
	time.Sleep(20 * time.Millisecond)
	for i := range 4 {
		require.NoError(t, em.Emit(ctx, "test20", i))
	}
	assert.Equal(t, emitter.Delivered, awaitOutcome(t, out))
	require.Len(t, values, 1)
	assert.Equal(t, float64(0), <-values)
}

func TestOnce_StreamErrorFails(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	em.SetStream("broken", &failingStream{err: errors.New("boom")})

	o := em.Once(context.Background(), emitter.OnceOptions{Event: "broken"}, func(any) {
		t.Error("callback must not run")
	})
	assert.Equal(t, emitter.Failed, o)
}

func TestEmit_CreatesOrReusesStream(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, "test7", map[string]any{}))
	assert.Equal(t, 1, em.Len())
	s1, _ := em.GetStream("test7")

	require.NoError(t, em.Emit(ctx, "test7", map[string]any{}))
	s2, _ := em.GetStream("test7")
	assert.Same(t, s1, s2)
}

func TestEmit_WrapsWriteError(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	boom := errors.New("boom")
	em.SetStream("broken", &failingStream{err: boom})

	err := em.Emit(context.Background(), "broken", 1)
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), `"broken"`)
}

func TestEmit_ReplacesDestroyedStream(t *testing.T) {
	em, hub := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()

	require.NoError(t, em.Emit(ctx, "x", 1))
	old, _ := em.GetStream("x")
	require.NoError(t, old.Destroy(nil))

	require.NoError(t, em.Emit(ctx, "x", 2))
	fresh, _ := em.GetStream("x")
	assert.NotSame(t, old, fresh)
	assert.Equal(t, 2, hub.Len("x"))
}

func TestInternalStreamType(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	s := em.InternalStreamType()(10, "test12")
	assert.IsType(t, &stream.MemoryDuplex{}, s)
	assert.Equal(t, "test12", s.Name())
}

func TestSetStreamGetStream(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	s := em.InternalStreamType()(10, "test13")

	_, ok := em.GetStream("test13")
	assert.False(t, ok)

	em.SetStream("test13", s)
	got, ok := em.GetStream("test13")
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestResetInternalStreams(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	s := em.InternalStreamType()(10, "test14")
	em.SetStream("test14", s)

	em.ResetInternalStreams()
	assert.Equal(t, 0, em.Len())
	select {
	case <-s.Done():
		t.Fatal("reset must not destroy streams")
	default:
	}
}

func TestClose(t *testing.T) {
	em, _ := newMemoryEmitter(t, emitter.Config{})
	ctx := context.Background()
	require.NoError(t, em.Emit(ctx, "a", 1))
	require.NoError(t, em.Emit(ctx, "b", 2))
	a, _ := em.GetStream("a")
	b, _ := em.GetStream("b")

	require.NoError(t, em.Close())
	assert.Equal(t, 0, em.Len())
	<-a.Done()
	<-b.Done()
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "delivered", emitter.Delivered.String())
	assert.Equal(t, "cancelled", emitter.Cancelled.String())
	assert.Equal(t, "timed out", emitter.TimedOut.String())
	assert.Equal(t, "failed", emitter.Failed.String())
	assert.Equal(t, "pending", emitter.Outcome(0).String())
}

// failingStream fails every operation with err and is never destroyed.
type failingStream struct {
	err  error
	done chan struct{}
}

func (f *failingStream) Name() string { return "broken" }
func (f *failingStream) Write(context.Context, any) error { return f.err }
func (f *failingStream) Read() (any, bool) { return nil, false }
func (f *failingStream) WaitReadable(context.Context) error { return f.err }
func (f *failingStream) ReadMode() bool { return false }
func (f *failingStream) Destroy(error) error { return nil }
func (f *failingStream) Done() <-chan struct{} { return f.done }
func (f *failingStream) Err() error { return nil }

func TestAMQPEmitter(t *testing.T) {
	newEmitter := func(t *testing.T) (*emitter.Emitter, *brokertest.Broker) {
		b := brokertest.New()
		em := emitter.NewAMQP(b, emitter.Config{}, stream.AMQPConfig{PollInterval: 5 * time.Millisecond})
		t.Cleanup(func() { _ = em.Close() })
		return em, b
	}

	t.Run("internal stream type", func(t *testing.T) {
		em, _ := newEmitter(t)
		s := em.InternalStreamType()(10, "test12")
		t.Cleanup(func() { _ = s.Destroy(nil) })
		assert.IsType(t, &stream.AMQPDuplex{}, s)
	})

	t.Run("delivers late value", func(t *testing.T) {
		em, b := newEmitter(t)
		ctx := context.Background()

		values := make(chan any, 2)
		out := onceAsync(ctx, em, emitter.OnceOptions{Event: "x", Canceler: memo.NewCanceler()}, func(v any) { values <- v })
		require.Eventually(t, func() bool { return b.Declared("x") }, time.Second, time.Millisecond)
		assert.Equal(t, 0, b.Consumes("x"))

		require.NoError(t, em.Emit(ctx, "x", map[string]string{"test": "test"}))
		assert.Equal(t, emitter.Delivered, awaitOutcome(t, out))
		require.Len(t, values, 1)
		assert.Equal(t, map[string]any{"test": "test"}, <-values)
		assert.Equal(t, 1, b.Consumes("x"))
	})

	t.Run("cancel leaves queue untouched", func(t *testing.T) {
		em, b := newEmitter(t)
		ctx := context.Background()
		canceler := memo.NewCanceler()

		out := onceAsync(ctx, em, emitter.OnceOptions{Event: "test6", Canceler: canceler}, noop)
		require.Eventually(t, func() bool { return b.Declared("test6") }, time.Second, time.Millisecond)

		memo.Cancel(canceler)
		assert.Equal(t, emitter.Cancelled, awaitOutcome(t, out))
		require.NoError(t, em.Emit(ctx, "test6", map[string]any{}))
		time.Sleep(50 * time.Millisecond)

		s, _ := em.GetStream("test6")
		assert.False(t, s.ReadMode())
		assert.Equal(t, 0, b.Consumes("test6"))
		assert.Equal(t, 1, b.Ready("test6"))
	})

	t.Run("timeout skips read", func(t *testing.T) {
		em, b := newEmitter(t)

		o := em.Once(context.Background(), emitter.OnceOptions{Event: "idle", Timeout: 30 * time.Millisecond}, noop)
		assert.Equal(t, emitter.TimedOut, o)

		s, ok := em.GetStream("idle")
		require.True(t, ok)
		assert.False(t, s.ReadMode())
		assert.Equal(t, 0, b.Consumes("idle"))
		assert.Positive(t, b.Inspections("idle"))
	})

	t.Run("until skips read", func(t *testing.T) {
		em, b := newEmitter(t)
		until := make(chan struct{})
		time.AfterFunc(30*time.Millisecond, func() { close(until) })

		o := em.Once(context.Background(), emitter.OnceOptions{Event: "idle", Until: until}, noop)
		assert.Equal(t, emitter.TimedOut, o)
		assert.Equal(t, 0, b.Consumes("idle"))

		require.NoError(t, em.Emit(context.Background(), "idle", 1))
		assert.Equal(t, 1, b.Ready("idle"))
	})

	t.Run("round trip", func(t *testing.T) {
		em, _ := newEmitter(t)
		ctx := context.Background()

		require.NoError(t, em.Emit(ctx, "rt", []any{"a", 1.5, true}))
		var got any
		o := em.Once(ctx, emitter.OnceOptions{Event: "rt", Timeout: time.Second}, func(v any) { got = v })
		assert.Equal(t, emitter.Delivered, o)
		assert.Equal(t, []any{"a", 1.5, true}, got)
	})

	t.Run("second call waits for the next value", func(t *testing.T) {
		em, _ := newEmitter(t)
		ctx := context.Background()

		require.NoError(t, em.Emit(ctx, "seq", "first"))
		var got any
		o := em.Once(ctx, emitter.OnceOptions{Event: "seq", Timeout: time.Second}, func(v any) { got = v })
		require.Equal(t, emitter.Delivered, o)
		assert.Equal(t, "first", got)

		values := make(chan any, 1)
		out := onceAsync(ctx, em, emitter.OnceOptions{Event: "seq", Timeout: 2 * time.Second}, func(v any) { values <- v })
		select {
		case o := <-out:
			t.Fatalf("second Once returned %s before a new value", o)
		case <-time.After(50 * time.Millisecond):
		}

		require.NoError(t, em.Emit(ctx, "seq", "second"))
		assert.Equal(t, emitter.Delivered, awaitOutcome(t, out))
		assert.Equal(t, "second", <-values)
	})

	t.Run("close requeues undelivered values", func(t *testing.T) {
		em, b := newEmitter(t)
		ctx := context.Background()

		for i := range 5 {
			require.NoError(t, em.Emit(ctx, "jobs", i))
		}
		var got any
		o := em.Once(ctx, emitter.OnceOptions{Event: "jobs", Timeout: time.Second}, func(v any) { got = v })
		require.Equal(t, emitter.Delivered, o)
		assert.Equal(t, float64(0), got)

		require.NoError(t, em.Close())
		assert.Equal(t, 4, b.Ready("jobs"))
	})

	t.Run("failed setup", func(t *testing.T) {
		em, b := newEmitter(t)
		b.InjectFaults(brokertest.Faults{Channel: errors.New("no channel")})

		o := em.Once(context.Background(), emitter.OnceOptions{Event: "y", Timeout: time.Second}, noop)
		assert.Equal(t, emitter.Failed, o)
	})
}
