// Package emitter implements a publish/subscribe emitter over named streams.
//
// Each event name maps to one stream, created on first use through a
// stream.Factory. Emit writes a payload to the stream; Once waits for the
// next payload and gives up when a canceler fires or a timeout elapses,
// without ever taking a message it will not deliver.
//
//	em := emitter.NewAMQP(conn, emitter.Config{}, stream.AMQPConfig{})
//	defer em.Close()
//
//	canceler := memo.NewCanceler()
//	go em.Once(ctx, emitter.OnceOptions{Event: "orders", Canceler: canceler}, handle)
//	_ = em.Emit(ctx, "orders", order)
package emitter

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fxsml/goemit/broker"
	"github.com/fxsml/goemit/stream"
)

// Emitter maps event names to streams.
type Emitter struct {
	config  Config
	factory stream.Factory

	mu      sync.Mutex
	streams map[string]stream.Stream
}

// New creates an Emitter creating streams with factory.
func New(factory stream.Factory, config Config) *Emitter {
	config.applyDefaults()
	return &Emitter{
		config:  config,
		factory: factory,
		streams: make(map[string]stream.Stream),
	}
}

// NewAMQP creates an Emitter backed by AMQP queues on conn. The stream
// config inherits the emitter's logger and clock unless it sets its own.
func NewAMQP(conn broker.Connection, config Config, streamConfig stream.AMQPConfig) *Emitter {
	config.applyDefaults()
	if streamConfig.Logger == nil {
		streamConfig.Logger = config.Logger
	}
	if streamConfig.Clock == nil {
		streamConfig.Clock = config.Clock
	}
	return New(stream.AMQPFactory(conn, streamConfig), config)
}

// Emit writes payload to the stream for name, creating it if needed.
func (e *Emitter) Emit(ctx context.Context, name string, payload any) error {
	s := e.stream(name)
	if err := s.Write(ctx, payload); err != nil {
		return fmt.Errorf("emitter: emit %q: %w", name, err)
	}
	return nil
}

// stream returns the live stream for name, creating one when none is
// registered or the registered one was destroyed.
func (e *Emitter) stream(name string) stream.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.streams[name]; ok {
		select {
		case <-s.Done():
			e.config.Logger.Debug("Replacing destroyed stream", "event", name, "error", s.Err())
		default:
			return s
		}
	}
	s := e.factory(e.config.Capacity, name)
	e.streams[name] = s
	return s
}

// InternalStreamType returns the factory used for new streams.
func (e *Emitter) InternalStreamType() stream.Factory {
	return e.factory
}

// SetStream registers s under name, replacing any existing entry. The
// replaced stream is not destroyed.
func (e *Emitter) SetStream(name string, s stream.Stream) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams[name] = s
}

// GetStream returns the stream registered under name.
func (e *Emitter) GetStream(name string) (stream.Stream, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.streams[name]
	return s, ok
}

// ResetInternalStreams forgets every registered stream without destroying
// any of them.
func (e *Emitter) ResetInternalStreams() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.streams = make(map[string]stream.Stream)
}

// Len returns the number of registered streams.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.streams)
}

// Close destroys every registered stream concurrently and clears the
// registry.
func (e *Emitter) Close() error {
	e.mu.Lock()
	streams := e.streams
	e.streams = make(map[string]stream.Stream)
	e.mu.Unlock()

	var g errgroup.Group
	for _, s := range streams {
		g.Go(func() error {
			return s.Destroy(nil)
		})
	}
	return g.Wait()
}
