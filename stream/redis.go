package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/fxsml/goemit/throttle"
)

// RedisConfig configures a RedisDuplex.
type RedisConfig struct {
	// KeyPrefix is prepended to the stream name to form the list key.
	// Default: "goemit:".
	KeyPrefix string

	// ReadTimeout bounds each LPOP issued by Read.
	// Default: 1s.
	ReadTimeout time.Duration

	// PollInterval is how often WaitReadable checks the list length.
	// Default: 50ms.
	PollInterval time.Duration

	// DecodePolicy is DecodeDrop or DecodeAbort.
	// Default: DecodeDrop.
	DecodePolicy string

	// Codec encodes written values and decodes list entries.
	// Default: JSONCodec.
	Codec Codec

	// Logger for stream events.
	// Default: slog.Default().
	Logger *slog.Logger

	// Clock drives polling.
	// Default: the wall clock.
	Clock clock.Clock
}

func (c *RedisConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "goemit:"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.DecodePolicy == "" {
		c.DecodePolicy = DecodeDrop
	}
	if c.Codec == nil {
		c.Codec = NewJSONCodec()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}

// RedisDuplex is a Stream over a Redis list. Writes RPUSH to the tail and
// reads LPOP from the head. Nothing is fetched ahead of Read, so entries a
// reader never asked for stay in Redis. The client is shared and never
// closed by the stream.
type RedisDuplex struct {
	lifecycle

	name   string
	key    string
	client redis.UniversalClient
	config RedisConfig

	sem *throttle.Semaphore

	ready    chan struct{}
	setupErr error
	readMode atomic.Bool
}

var _ Stream = (*RedisDuplex)(nil)

// NewRedisDuplex creates a stream for the named list and checks the
// connection in the background.
func NewRedisDuplex(capacity int, name string, client redis.UniversalClient, config RedisConfig) *RedisDuplex {
	config.applyDefaults()
	d := &RedisDuplex{
		lifecycle: newLifecycle(),
		name:      name,
		key:       config.KeyPrefix + name,
		client:    client,
		config:    config,
		sem:       throttle.NewSemaphore(int64(capacity)),
		ready:     make(chan struct{}),
	}
	go d.setup()
	return d
}

// RedisFactory returns a Factory creating RedisDuplex streams on client.
func RedisFactory(client redis.UniversalClient, config RedisConfig) Factory {
	return func(capacity int, name string) Stream {
		return NewRedisDuplex(capacity, name, client, config)
	}
}

func (d *RedisDuplex) setup() {
	err := d.client.Ping(d.ctx).Err()
	if err != nil {
		err = fmt.Errorf("stream: ping redis for %s: %w", d.name, err)
		d.setupErr = err
		d.config.Logger.Error("Failed to set up stream", "queue", d.name, "error", err)
	}
	close(d.ready)
	if err != nil {
		_ = d.Destroy(err)
	}
}

func (d *RedisDuplex) awaitSetup(ctx context.Context) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.setupErr
}

// Name returns the queue name.
func (d *RedisDuplex) Name() string {
	return d.name
}

// ReadMode reports whether Read was called.
func (d *RedisDuplex) ReadMode() bool {
	return d.readMode.Load()
}

// Write appends the encoded value to the list. At most capacity writes are
// in flight.
func (d *RedisDuplex) Write(ctx context.Context, v any) error {
	if d.destroyed() {
		return fmt.Errorf("stream: write %s: %w", d.name, ErrDestroyed)
	}
	body, err := d.config.Codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}

	if err := acquireSlot(ctx, d.sem, d.config.Logger, d.name); err != nil {
		return err
	}
	defer d.sem.Release()

	if err := d.awaitSetup(ctx); err != nil {
		return err
	}
	if err := d.client.RPush(ctx, d.key, body).Err(); err != nil {
		return fmt.Errorf("stream: write %s: %w", d.name, err)
	}
	return nil
}

// Read pops the head of the list. It returns false when the list is empty,
// setup has not finished, or the stream is destroyed.
func (d *RedisDuplex) Read() (any, bool) {
	if d.destroyed() {
		return nil, false
	}
	d.readMode.Store(true)

	select {
	case <-d.ready:
	default:
		return nil, false
	}
	if d.setupErr != nil {
		return nil, false
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.config.ReadTimeout)
	defer cancel()

	for {
		raw, err := d.client.LPop(ctx, d.key).Result()
		if errors.Is(err, redis.Nil) {
			return nil, false
		}
		if err != nil {
			if d.ctx.Err() == nil {
				d.config.Logger.Warn("Failed to pop message", "queue", d.name, "error", err)
			}
			return nil, false
		}

		var v any
		err = d.config.Codec.Unmarshal([]byte(raw), &v)
		if err == nil {
			return v, true
		}
		if d.config.DecodePolicy == DecodeAbort {
			d.requeue(raw)
			_ = d.Destroy(fmt.Errorf("%w: queue %s: %w", ErrDecode, d.name, err))
			return nil, false
		}
		d.config.Logger.Warn("Dropping undecodable message", "queue", d.name, "error", err)
	}
}

// WaitReadable polls the list length until it is positive.
func (d *RedisDuplex) WaitReadable(ctx context.Context) error {
	for {
		if err := d.Err(); err != nil {
			return err
		}
		if d.queued(ctx) {
			return nil
		}

		timer := d.config.Clock.Timer(d.config.PollInterval)
		select {
		case <-timer.C:
		case <-d.done:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (d *RedisDuplex) queued(ctx context.Context) bool {
	select {
	case <-d.ready:
	default:
		return false
	}
	if d.setupErr != nil {
		return false
	}
	n, err := d.client.LLen(ctx, d.key).Result()
	if err != nil {
		if ctx.Err() == nil {
			d.config.Logger.Debug("Failed to inspect list", "queue", d.name, "error", err)
		}
		return false
	}
	return n > 0
}

// requeue returns a popped entry to the head of the list.
func (d *RedisDuplex) requeue(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.config.ReadTimeout)
	defer cancel()
	if err := d.client.LPush(ctx, d.key, raw).Err(); err != nil {
		d.config.Logger.Warn("Failed to requeue message", "queue", d.name, "error", err)
	}
}

// Destroy marks the stream destroyed. The shared client stays open and
// entries stay in Redis.
func (d *RedisDuplex) Destroy(err error) error {
	d.finish(err, nil)
	return nil
}
