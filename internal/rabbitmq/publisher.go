package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes on one dedicated channel, reopened lazily after a
// failure or a reconnection. Publishes are serialized since amqp channels
// are not safe for concurrent use.
type Publisher struct {
	connManager *ConnectionManager
	timeout     time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	ch     Channel
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.timeout = timeout
	}
}

// NewPublisher creates a new publisher
func NewPublisher(connManager *ConnectionManager, options ...PublisherOption) *Publisher {
	p := &Publisher{
		connManager: connManager,
		timeout:     5 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to exchange with routing key.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPublisherClosed
	}
	if p.ch == nil {
		ch, err := p.connManager.Channel()
		if err != nil {
			return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
		}
		p.ch = ch
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		// The channel is unusable after most publish errors.
		_ = p.ch.Close()
		p.ch = nil
		p.logger.Error("failed to publish", "exchange", exchange, "routingKey", routingKey, "error", err)
		return &PublishError{Exchange: exchange, RoutingKey: routingKey, Err: err}
	}
	return nil
}

// Reset drops the current channel so the next publish opens a fresh one.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// Close closes the publisher
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	return err
}
