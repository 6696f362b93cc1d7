// Package amqptest provides in-memory broker connections for tests.
package amqptest

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/previewbridge-go/internal/rabbitmq"
)

// Publication is one message passed to PublishWithContext.
type Publication struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Ack records the outcome of one delivery.
type Ack struct {
	Tag     uint64
	Acked   bool
	Requeue bool
}

// Channel is an in-memory rabbitmq.Channel. It also acknowledges the
// deliveries it hands out.
type Channel struct {
	conn *Connection

	ExchangeErr error
	QueueErr    error
	BindErr     error
	QosErr      error
	ConsumeErr  error
	PublishErr  error

	mu         sync.Mutex
	exchanges  []string
	queues     []string
	bindings   []string
	queue      string
	deliveries chan amqp.Delivery
	nextTag    uint64
	acks       []Ack
	closed     bool
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ExchangeErr != nil {
		return c.ExchangeErr
	}
	c.exchanges = append(c.exchanges, name)
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.QueueErr != nil {
		return amqp.Queue{}, c.QueueErr
	}
	c.queues = append(c.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BindErr != nil {
		return c.BindErr
	}
	c.bindings = append(c.bindings, exchange+"/"+key+"/"+name)
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.QosErr
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumeErr != nil {
		return nil, c.ConsumeErr
	}
	c.queue = queue
	c.deliveries = make(chan amqp.Delivery, 16)
	return c.deliveries, nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		c.mu.Unlock()
		return c.PublishErr
	}
	c.mu.Unlock()
	c.conn.record(Publication{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopDeliveries()
	return nil
}

func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	c.stopDeliveries()
	return nil
}

// stopDeliveries closes the delivery channel. The caller must hold c.mu.
func (c *Channel) stopDeliveries() {
	if c.deliveries != nil {
		close(c.deliveries)
		c.deliveries = nil
	}
}

// Deliver pushes d to the consumer of this channel. It reports false when
// nothing is consuming.
func (c *Channel) Deliver(d amqp.Delivery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == nil {
		return false
	}
	c.nextTag++
	d.DeliveryTag = c.nextTag
	d.Acknowledger = c
	c.deliveries <- d
	return true
}

func (c *Channel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, Ack{Tag: tag, Acked: true})
	return nil
}

func (c *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, Ack{Tag: tag, Requeue: requeue})
	return nil
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.Nack(tag, false, requeue)
}

// Acks returns the acknowledgements so far.
func (c *Channel) Acks() []Ack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Ack(nil), c.acks...)
}

// Exchanges returns the declared exchange names.
func (c *Channel) Exchanges() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.exchanges...)
}

// Queues returns the declared queue names.
func (c *Channel) Queues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queues...)
}

// Bindings returns the declared bindings as exchange/key/queue.
func (c *Channel) Bindings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.bindings...)
}

// Consuming returns the consumed queue, if any.
func (c *Channel) Consuming() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deliveries == nil {
		return ""
	}
	return c.queue
}

// IsClosed reports whether Close was called.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Connection is an in-memory rabbitmq.Connection.
type Connection struct {
	// ChannelErr fails every Channel call when set.
	ChannelErr error
	// OnChannel, when set, adjusts each channel before it is returned.
	OnChannel func(*Channel)

	mu        sync.Mutex
	channels  []*Channel
	notify    []chan *amqp.Error
	published []Publication
	closed    bool
}

var _ rabbitmq.Connection = (*Connection)(nil)

// NewConnection returns an open connection.
func NewConnection() *Connection {
	return &Connection{}
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if c.ChannelErr != nil {
		c.mu.Unlock()
		return nil, c.ChannelErr
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	hook := c.OnChannel
	c.mu.Unlock()
	if hook != nil {
		hook(ch)
	}
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Break drops the connection as a broker failure would.
func (c *Connection) Break(reason string) {
	_ = c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason})
}

func (c *Connection) shutdown(cause *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels, notify := c.channels, c.notify
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	return nil
}

func (c *Connection) record(p Publication) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, p)
}

// Published returns every message published on any channel.
func (c *Connection) Published() []Publication {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Publication(nil), c.published...)
}

// Channels returns the channels opened so far.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

// Consumer returns the channel consuming queue, or nil.
func (c *Connection) Consumer(queue string) *Channel {
	for _, ch := range c.Channels() {
		if ch.Consuming() == queue {
			return ch
		}
	}
	return nil
}

// ErrDialRefused is returned by a Dialer with no connection left.
var ErrDialRefused = errors.New("amqptest: connection refused")

// Dialer hands out prepared connections in order.
type Dialer struct {
	mu    sync.Mutex
	conns []*Connection
	urls  []string
	// Err fails every dial when set.
	Err error
}

// NewDialer returns a Dialer serving conns.
func NewDialer(conns ...*Connection) *Dialer {
	return &Dialer{conns: conns}
}

// SetErr makes every later dial fail with err, or succeed again when nil.
func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// Add queues another connection.
func (d *Dialer) Add(conn *Connection) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conns = append(d.conns, conn)
}

// Dial implements rabbitmq.Dialer.
func (d *Dialer) Dial(url string) (rabbitmq.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.Err != nil {
		return nil, d.Err
	}
	if len(d.conns) == 0 {
		return nil, ErrDialRefused
	}
	conn := d.conns[0]
	d.conns = d.conns[1:]
	return conn, nil
}

// Dials returns how many dials were attempted.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}
