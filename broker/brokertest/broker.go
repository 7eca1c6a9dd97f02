// Package brokertest provides an in-memory implementation of the broker
// contract for tests. It models named queues, competing consumers with a
// prefetch window, manual acknowledgement with requeue, and publisher
// confirms, and it records how the contract was used.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/goemit/broker"
)

// defaultPrefetch bounds a consumer registered without a prefetch window.
const defaultPrefetch = 1024

// ErrChannelClosed is returned by operations on a closed channel.
var ErrChannelClosed = errors.New("brokertest: channel closed")

// Faults makes the corresponding operations fail. Zero values disable a fault.
type Faults struct {
	Channel error
	Declare error
	Inspect error
	Publish error
	Consume error
	Close   error

	// Nack makes confirm-mode publishings report a negative ack.
	Nack bool

	// Hold delays confirmations until it is closed.
	Hold <-chan struct{}

	// Stall blocks Channel until it is closed.
	Stall <-chan struct{}
}

// Broker is an in-memory broker. It implements broker.Connection.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	faults   Faults
	tag      uint64
	channels int
	closed   int

	published map[string][]amqp.Publishing
	consumes  map[string]int
	inspects  map[string]int
}

type queue struct {
	durable   bool
	ready     []amqp.Publishing
	consumers []*consumer
	next      int
}

type consumer struct {
	queue    string
	tag      string
	prefetch int
	unacked  map[uint64]amqp.Publishing
	out      chan amqp.Delivery
}

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		queues:    make(map[string]*queue),
		published: make(map[string][]amqp.Publishing),
		consumes:  make(map[string]int),
		inspects:  make(map[string]int),
	}
}

var _ broker.Connection = (*Broker)(nil)

// InjectFaults replaces the active faults.
func (b *Broker) InjectFaults(f Faults) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = f
}

// Channel opens a channel.
func (b *Broker) Channel(confirm bool) (broker.Channel, error) {
	b.mu.Lock()
	stall := b.faults.Stall
	b.mu.Unlock()
	if stall != nil {
		<-stall
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.faults.Channel != nil {
		return nil, b.faults.Channel
	}
	b.channels++
	return &Channel{b: b, confirm: confirm}, nil
}

// Deliver enqueues a raw body on a declared queue, bypassing any channel.
func (b *Broker) Deliver(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("brokertest: no queue %s", queueName)
	}
	q.ready = append(q.ready, amqp.Publishing{Body: body})
	b.dispatch(q)
	return nil
}

// Declared reports whether the queue exists.
func (b *Broker) Declared(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[queueName]
	return ok
}

// Durable reports whether the queue was declared durable.
func (b *Broker) Durable(queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	return ok && q.durable
}

// Ready returns the number of messages waiting in the queue.
func (b *Broker) Ready(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}
	return 0
}

// Published returns every publishing accepted for the queue.
func (b *Broker) Published(queueName string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published[queueName]...)
}

// Consumes returns how many consumers were ever registered on the queue.
func (b *Broker) Consumes(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumes[queueName]
}

// Inspections returns how many times the queue was inspected.
func (b *Broker) Inspections(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inspects[queueName]
}

// Channels returns the number of opened and closed channels.
func (b *Broker) Channels() (opened, closed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels, b.closed
}

// dispatch hands ready messages to consumers round-robin. Callers hold b.mu.
// Sends never block: a consumer's buffer is as large as its prefetch window.
func (b *Broker) dispatch(q *queue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]

		b.tag++
		c.unacked[b.tag] = msg
		c.out <- amqp.Delivery{
			Acknowledger: &acker{b: b, c: c},
			Headers:      msg.Headers,
			ContentType:  msg.ContentType,
			DeliveryMode: msg.DeliveryMode,
			Expiration:   msg.Expiration,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			ConsumerTag:  c.tag,
			DeliveryTag:  b.tag,
			RoutingKey:   c.queue,
			Body:         msg.Body,
		}
	}
}

func (q *queue) pick() *consumer {
	for i := range q.consumers {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if len(c.unacked) < c.prefetch {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (q *queue) remove(c *consumer) {
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// requeue puts unacked messages back at the head of the queue.
func (q *queue) requeue(msgs ...amqp.Publishing) {
	q.ready = append(append([]amqp.Publishing(nil), msgs...), q.ready...)
}

type acker struct {
	b *Broker
	c *consumer
}

func (a *acker) settle(tag uint64, requeue bool) error {
	a.b.mu.Lock()
	defer a.b.mu.Unlock()

	msg, ok := a.c.unacked[tag]
	if !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	delete(a.c.unacked, tag)

	q := a.b.queues[a.c.queue]
	if q == nil {
		return nil
	}
	if requeue {
		q.requeue(msg)
	}
	a.b.dispatch(q)
	return nil
}

func (a *acker) Ack(tag uint64, _ bool) error {
	return a.settle(tag, false)
}

func (a *acker) Nack(tag uint64, _ bool, requeue bool) error {
	return a.settle(tag, requeue)
}

func (a *acker) Reject(tag uint64, requeue bool) error {
	return a.settle(tag, requeue)
}

// Channel is an in-memory channel.
type Channel struct {
	b         *Broker
	confirm   bool
	closed    bool
	consumers []*consumer
}

var _ broker.Channel = (*Channel)(nil)

// DeclareQueue creates the queue if it does not exist.
func (c *Channel) DeclareQueue(name string, durable bool) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	if c.b.faults.Declare != nil {
		return c.b.faults.Declare
	}
	if _, ok := c.b.queues[name]; !ok {
		c.b.queues[name] = &queue{durable: durable}
	}
	return nil
}

// InspectQueue returns the number of ready messages.
func (c *Channel) InspectQueue(name string) (int, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return 0, ErrChannelClosed
	}
	c.b.inspects[name]++
	if c.b.faults.Inspect != nil {
		return 0, c.b.faults.Inspect
	}
	q, ok := c.b.queues[name]
	if !ok {
		return 0, fmt.Errorf("brokertest: no queue %s", name)
	}
	return len(q.ready), nil
}

// Publish routes msg to the named queue. Messages for undeclared queues are
// dropped, as with the default exchange.
func (c *Channel) Publish(ctx context.Context, queueName string, msg amqp.Publishing) (broker.Confirmation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.b.faults.Publish != nil {
		return nil, c.b.faults.Publish
	}
	c.b.published[queueName] = append(c.b.published[queueName], msg)
	if q, ok := c.b.queues[queueName]; ok {
		q.ready = append(q.ready, msg)
		c.b.dispatch(q)
	}
	if !c.confirm {
		return nil, nil
	}
	return confirmation{ack: !c.b.faults.Nack, hold: c.b.faults.Hold}, nil
}

// Consume registers a consumer.
func (c *Channel) Consume(queueName, tag string, prefetch int) (<-chan amqp.Delivery, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, ErrChannelClosed
	}
	if c.b.faults.Consume != nil {
		return nil, c.b.faults.Consume
	}
	q, ok := c.b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("brokertest: no queue %s", queueName)
	}
	if prefetch <= 0 || prefetch > defaultPrefetch {
		prefetch = defaultPrefetch
	}
	cons := &consumer{
		queue:    queueName,
		tag:      tag,
		prefetch: prefetch,
		unacked:  make(map[uint64]amqp.Publishing),
		out:      make(chan amqp.Delivery, prefetch),
	}
	q.consumers = append(q.consumers, cons)
	c.consumers = append(c.consumers, cons)
	c.b.consumes[queueName]++
	c.b.dispatch(q)
	return cons.out, nil
}

// Close cancels the channel's consumers and requeues their unacked messages.
func (c *Channel) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	c.b.closed++

	for _, cons := range c.consumers {
		q := c.b.queues[cons.queue]
		if q == nil {
			continue
		}
		q.remove(cons)
		var msgs []amqp.Publishing
		for _, tag := range slices.Sorted(maps.Keys(cons.unacked)) {
			msgs = append(msgs, cons.unacked[tag])
		}
		q.requeue(msgs...)
		cons.unacked = map[uint64]amqp.Publishing{}
		close(cons.out)
		c.b.dispatch(q)
	}
	c.consumers = nil

	return c.b.faults.Close
}

type confirmation struct {
	ack  bool
	hold <-chan struct{}
}

func (c confirmation) WaitContext(ctx context.Context) (bool, error) {
	if c.hold != nil {
		select {
		case <-c.hold:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return c.ack, nil
}
