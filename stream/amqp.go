package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/goemit/broker"
	"github.com/fxsml/goemit/throttle"
)

// Write modes.
const (
	// WriteConfirmed waits for the broker to confirm every publishing.
	WriteConfirmed = "confirmed"
	// WriteExpiring publishes without confirms and sets a per-message TTL,
	// so messages nobody consumes eventually leave the queue.
	WriteExpiring = "expiring"
)

var errDeliveriesClosed = errors.New("stream: delivery channel closed")

// AMQPConfig configures an AMQPDuplex.
type AMQPConfig struct {
	// WriteMode is WriteConfirmed or WriteExpiring.
	// Default: WriteConfirmed.
	WriteMode string

	// Expiration is the per-message TTL in WriteExpiring mode.
	// Default: 60s.
	Expiration time.Duration

	// PollInterval is how often WaitReadable inspects the queue before the
	// stream is in read mode.
	// Default: 50ms.
	PollInterval time.Duration

	// DecodePolicy is DecodeDrop or DecodeAbort.
	// Default: DecodeDrop.
	DecodePolicy string

	// PublishRate caps publishings per second. Zero disables the limit.
	PublishRate float64

	// Codec encodes written values and decodes deliveries.
	// Default: JSONCodec.
	Codec Codec

	// Logger for stream events.
	// Default: slog.Default().
	Logger *slog.Logger

	// Clock drives polling and rate limiting.
	// Default: the wall clock.
	Clock clock.Clock
}

func (c *AMQPConfig) applyDefaults() {
	if c.WriteMode == "" {
		c.WriteMode = WriteConfirmed
	}
	if c.Expiration <= 0 {
		c.Expiration = 60 * time.Second
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

// AMQPDuplex is a Stream over a non-durable AMQP queue.
//
// The channel is opened and the queue declared in the background; writes
// wait for that setup to finish. Consumption starts on the first Read with a
// prefetch window equal to the capacity. A delivery is acknowledged when Read
// hands its value out; deliveries still buffered on Destroy are never acked,
// so closing the channel returns them to the queue.
type AMQPDuplex struct {
	lifecycle

	name     string
	capacity int
	conn     broker.Connection
	config   AMQPConfig

	buf  *buffer
	sem  *throttle.Semaphore
	rate throttle.Allower

	ready    chan struct{}
	ch       broker.Channel
	setupErr error

	pubMu    sync.Mutex
	readMode atomic.Bool
}

var _ Stream = (*AMQPDuplex)(nil)

// NewAMQPDuplex creates a stream for the named queue and starts channel
// setup in the background.
func NewAMQPDuplex(capacity int, name string, conn broker.Connection, config AMQPConfig) *AMQPDuplex {
	config.applyDefaults()
	if capacity < 1 {
		capacity = 1
	}
	d := &AMQPDuplex{
		lifecycle: newLifecycle(),
		name:      name,
		capacity:  capacity,
		conn:      conn,
		config:    config,
		buf:       newBuffer(capacity),
		sem:       throttle.NewSemaphore(int64(capacity)),
		rate:      throttle.NewRateAllower(config.Clock, config.PublishRate),
		ready:     make(chan struct{}),
	}
	go d.setup()
	return d
}

// AMQPFactory returns a Factory creating AMQPDuplex streams on conn.
func AMQPFactory(conn broker.Connection, config AMQPConfig) Factory {
	return func(capacity int, name string) Stream {
		return NewAMQPDuplex(capacity, name, conn, config)
	}
}

func (d *AMQPDuplex) setup() {
	err := d.openChannel()
	if err != nil && !errors.Is(err, ErrDestroyed) {
		d.config.Logger.Error("Failed to set up stream", "queue", d.name, "error", err)
	}
	d.setupErr = err
	close(d.ready)
	if err != nil {
		_ = d.Destroy(err)
	}
}

// openChannel installs the channel under pubMu. A stream destroyed while the
// channel was opening closes it here, since Destroy does not wait for setup.
func (d *AMQPDuplex) openChannel() error {
	ch, err := d.conn.Channel(d.config.WriteMode == WriteConfirmed)
	if err != nil {
		return fmt.Errorf("stream: open channel for %s: %w", d.name, err)
	}
	if err := ch.DeclareQueue(d.name, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("stream: declare %s: %w", d.name, err)
	}

	d.pubMu.Lock()
	defer d.pubMu.Unlock()
	if d.destroyed() {
		d.closeChannel(ch)
		return fmt.Errorf("stream: open channel for %s: %w", d.name, ErrDestroyed)
	}
	d.ch = ch
	return nil
}

func (d *AMQPDuplex) closeChannel(ch broker.Channel) {
	if err := ch.Close(); err != nil {
		d.config.Logger.Debug("Failed to close channel", "queue", d.name, "error", err)
	}
}

// awaitSetup blocks until channel setup finished and reports its error.
func (d *AMQPDuplex) awaitSetup(ctx context.Context) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.setupErr
}

// Name returns the queue name.
func (d *AMQPDuplex) Name() string {
	return d.name
}

// ReadMode reports whether consumption has started.
func (d *AMQPDuplex) ReadMode() bool {
	return d.readMode.Load()
}

// Write publishes v to the queue. In confirmed mode it returns once the
// broker acknowledged the publishing. At most capacity writes are in flight;
// further calls block.
func (d *AMQPDuplex) Write(ctx context.Context, v any) error {
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
	if err := d.rate.Allow(ctx, 1); err != nil {
		return err
	}

	msg := amqp.Publishing{
		ContentType:  d.config.Codec.ContentType(),
		DeliveryMode: amqp.Transient,
		MessageId:    uuid.NewString(),
		Timestamp:    d.config.Clock.Now(),
		Body:         body,
	}
	if d.config.WriteMode == WriteExpiring {
		msg.Expiration = strconv.FormatInt(d.config.Expiration.Milliseconds(), 10)
	}

	d.pubMu.Lock()
	if d.destroyed() {
		d.pubMu.Unlock()
		return fmt.Errorf("stream: write %s: %w", d.name, ErrDestroyed)
	}
	conf, err := d.ch.Publish(ctx, d.name, msg)
	d.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("stream: write %s: %w", d.name, err)
	}
	if conf == nil {
		return nil
	}

	ack, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("stream: write %s: %w", d.name, err)
	}
	if !ack {
		return fmt.Errorf("stream: write %s: %w", d.name, ErrNacked)
	}
	return nil
}

// pending is a decoded value whose delivery is not yet acknowledged.
type pending struct {
	value    any
	delivery amqp.Delivery
}

// Read returns the next buffered value and acknowledges its delivery. The
// first call starts the consumer.
func (d *AMQPDuplex) Read() (any, bool) {
	if d.destroyed() {
		return nil, false
	}
	if d.readMode.CompareAndSwap(false, true) {
		go d.consume()
	}
	item, ok := d.buf.pop()
	if !ok {
		return nil, false
	}
	p := item.(pending)
	if err := p.delivery.Ack(false); err != nil {
		// The channel is gone and the broker requeued the message, so it may
		// be delivered again.
		d.config.Logger.Debug("Failed to ack message", "queue", d.name, "error", err)
	}
	return p.value, true
}

// WaitReadable blocks until a value is buffered or, before read mode, the
// broker reports messages waiting in the queue.
func (d *AMQPDuplex) WaitReadable(ctx context.Context) error {
	for {
		if err := d.Err(); err != nil {
			return err
		}
		n, next := d.buf.watch()
		if n > 0 {
			return nil
		}

		var poll <-chan time.Time
		var timer *clock.Timer
		if !d.readMode.Load() {
			if d.queued() {
				return nil
			}
			timer = d.config.Clock.Timer(d.config.PollInterval)
			poll = timer.C
		}

		select {
		case <-next.Done():
		case <-poll:
		case <-d.done:
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// queued reports whether the broker holds messages for the queue.
func (d *AMQPDuplex) queued() bool {
	select {
	case <-d.ready:
	default:
		return false
	}
	if d.setupErr != nil || d.destroyed() {
		return false
	}
	n, err := d.ch.InspectQueue(d.name)
	if err != nil {
		d.config.Logger.Debug("Failed to inspect queue", "queue", d.name, "error", err)
		return false
	}
	return n > 0
}

func (d *AMQPDuplex) consume() {
	if err := d.awaitSetup(d.ctx); err != nil {
		return
	}

	tag := "goemit-" + uuid.NewString()
	deliveries, err := d.ch.Consume(d.name, tag, d.capacity)
	if err != nil {
		_ = d.Destroy(fmt.Errorf("stream: consume %s: %w", d.name, err))
		return
	}
	d.config.Logger.Debug("Stream consumer started", "queue", d.name, "consumer", tag)

	for {
		select {
		case <-d.ctx.Done():
			return
		case del, ok := <-deliveries:
			if !ok {
				if d.ctx.Err() == nil {
					_ = d.Destroy(fmt.Errorf("stream: consume %s: %w", d.name, errDeliveriesClosed))
				}
				return
			}
			if !d.handle(del) {
				return
			}
		}
	}
}

// handle buffers one delivery, or settles it right away when it cannot be
// decoded. It reports whether consumption should continue.
func (d *AMQPDuplex) handle(del amqp.Delivery) bool {
	var v any
	if err := d.config.Codec.Unmarshal(del.Body, &v); err != nil {
		if d.config.DecodePolicy == DecodeAbort {
			_ = del.Nack(false, true)
			_ = d.Destroy(fmt.Errorf("%w: queue %s: %w", ErrDecode, d.name, err))
			return false
		}
		d.config.Logger.Warn("Dropping undecodable message",
			"queue", d.name,
			"message_id", del.MessageId,
			"error", err)
		if err := del.Nack(false, false); err != nil {
			d.config.Logger.Debug("Failed to nack message", "queue", d.name, "error", err)
		}
		return true
	}

	// The prefetch window equals the buffer capacity, so push only blocks
	// if the broker ignores QoS.
	if err := d.buf.push(d.ctx, pending{value: v, delivery: del}); err != nil {
		_ = del.Nack(false, true)
		return false
	}
	return true
}

// Destroy stops consumption and closes the channel, which requeues every
// delivery not yet handed out by Read. It does not wait for a pending
// channel setup. Close errors are logged and swallowed.
func (d *AMQPDuplex) Destroy(err error) error {
	d.finish(err, func() {
		d.pubMu.Lock()
		defer d.pubMu.Unlock()
		if d.ch != nil {
			d.closeChannel(d.ch)
		}
	})
	return nil
}
