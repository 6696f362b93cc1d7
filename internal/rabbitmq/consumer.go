package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer consumes one queue on its own channel.
type Consumer struct {
	connManager   *ConnectionManager
	prefetchCount int
	consumerTag   string
	logger        *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(connManager *ConnectionManager, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		connManager:   connManager,
		prefetchCount: 32,
		logger:        slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscription is a running consumption started by Subscribe.
type Subscription struct {
	ch     Channel
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Done is closed when the delivery loop exits.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the subscription and waits for the delivery loop.
func (s *Subscription) Cancel() error {
	s.cancel()
	err := s.ch.Cancel(s.tag, false)
	<-s.done
	if cerr := s.ch.Close(); err == nil && cerr != amqp.ErrClosed {
		err = cerr
	}
	return err
}

// Subscribe declares topology on a fresh channel, then hands every
// delivery of queue to handler. Deliveries are acked when handler succeeds
// and dropped without requeue otherwise.
func (c *Consumer) Subscribe(ctx context.Context, queue string, topology Topology, handler MessageHandler) (*Subscription, error) {
	ch, err := c.connManager.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	if err := Declare(ch, topology); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	tag := c.consumerTag
	if tag == "" {
		tag = fmt.Sprintf("previewbridge-%d", time.Now().UnixNano())
	}
	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ch: ch, tag: tag, cancel: cancel, done: make(chan struct{})}
	go c.loop(ctx, queue, deliveries, handler, sub.done)

	c.logger.Info("consuming", "queue", queue, "consumerTag", tag)
	return sub, nil
}

func (c *Consumer) loop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			if err := handler(ctx, d); err != nil {
				c.logger.Warn("rejecting delivery", "queue", queue, "error", err)
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}
