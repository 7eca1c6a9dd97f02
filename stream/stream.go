// Package stream turns named queues into duplex streams of decoded values.
//
// A Stream accepts writes at any time and starts consuming only when Read is
// first called. WaitReadable lets a caller wait for data without committing
// to consumption, so a waiter that gives up never takes a message off the
// queue.
//
// Three adapters share the contract: AMQPDuplex over a RabbitMQ queue,
// RedisDuplex over a Redis list, and MemoryDuplex over an in-process hub.
package stream

import (
	"context"
	"errors"
)

var (
	// ErrDestroyed is returned by operations on a destroyed stream.
	ErrDestroyed = errors.New("stream: destroyed")

	// ErrNacked is returned by Write when the broker rejects a publishing.
	ErrNacked = errors.New("stream: publish nacked")

	// ErrDecode wraps payloads that could not be decoded.
	ErrDecode = errors.New("stream: decode failed")

	// ErrEncode wraps values that could not be encoded.
	ErrEncode = errors.New("stream: encode failed")
)

// Decode policies.
const (
	// DecodeDrop logs and discards an undecodable message.
	DecodeDrop = "drop"
	// DecodeAbort returns an undecodable message to the queue and destroys
	// the stream.
	DecodeAbort = "abort"
)

// Stream is a bidirectional, backpressure-aware stream bound to one queue.
type Stream interface {
	// Name returns the queue name.
	Name() string

	// Write encodes v and appends it to the queue.
	Write(ctx context.Context, v any) error

	// Read returns the next buffered value without blocking. The first call
	// switches the stream to read mode and starts consumption.
	Read() (any, bool)

	// WaitReadable blocks until a value can be read, the stream is destroyed
	// or ctx is done. It never switches the stream to read mode.
	WaitReadable(ctx context.Context) error

	// ReadMode reports whether consumption has started.
	ReadMode() bool

	// Destroy releases the stream's resources and records err as the cause.
	// It is idempotent and always returns nil.
	Destroy(err error) error

	// Done is closed once the stream is destroyed.
	Done() <-chan struct{}

	// Err returns the destruction cause, or nil while the stream is alive.
	Err() error
}

// Factory creates a stream for the named queue.
type Factory func(capacity int, name string) Stream
