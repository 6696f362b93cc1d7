// Package rabbitmq implements the preview host channel over AMQP, for
// previews running on machines that cannot reach the editor directly.
//
// Previews publish to the <prefix>.host exchange with the AMQP Type set to
// hello, message, error, heartbeat or bye, and ReplyTo set to their private
// queue. The host answers hello with a welcome carrying the assigned id in
// MessageId, and publishes messages for a preview to its private queue
// through the default exchange.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/internal/rabbitmq"
	"github.com/glimte/previewbridge-go/internal/reliability"
	"github.com/glimte/previewbridge-go/messaging"
)

// Message types carried in the AMQP Type property.
const (
	TypeHello     = "hello"
	TypeWelcome   = "welcome"
	TypeMessage   = "message"
	TypeError     = "error"
	TypeHeartbeat = "heartbeat"
	TypeBye       = "bye"
)

const contentTypeJSON = "application/json"

var (
	// ErrMissingReplyTo is returned for deliveries that do not name the preview queue.
	ErrMissingReplyTo = errors.New("rabbitmq host: delivery has no reply-to queue")
	// ErrUnknownPreview is returned for deliveries from a preview that never said hello.
	ErrUnknownPreview = errors.New("rabbitmq host: unknown preview")
	// ErrUnknownType is returned for deliveries with an unsupported type.
	ErrUnknownType = errors.New("rabbitmq host: unknown message type")
)

// HostConfig holds configuration for the host
type HostConfig struct {
	Prefix            string
	Expiry            time.Duration
	ConnectTimeout    time.Duration
	Logger            *slog.Logger
	Breaker           *reliability.CircuitBreaker
	ResubscribePolicy reliability.RetryPolicy
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
}

// HostOption configures the host
type HostOption func(*HostConfig)

// WithPrefix sets the prefix of the exchange and queue names
func WithPrefix(prefix string) HostOption {
	return func(cfg *HostConfig) {
		cfg.Prefix = prefix
	}
}

// WithExpiry sets how long a silent preview stays connected
func WithExpiry(expiry time.Duration) HostOption {
	return func(cfg *HostConfig) {
		cfg.Expiry = expiry
	}
}

// WithConnectTimeout bounds the initial broker connection
func WithConnectTimeout(timeout time.Duration) HostOption {
	return func(cfg *HostConfig) {
		cfg.ConnectTimeout = timeout
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HostOption {
	return func(cfg *HostConfig) {
		cfg.Logger = logger
	}
}

// WithCircuitBreaker guards the publishes to previews
func WithCircuitBreaker(cb *reliability.CircuitBreaker) HostOption {
	return func(cfg *HostConfig) {
		cfg.Breaker = cb
	}
}

// WithResubscribePolicy sets how consuming is resumed after a reconnection
func WithResubscribePolicy(policy reliability.RetryPolicy) HostOption {
	return func(cfg *HostConfig) {
		cfg.ResubscribePolicy = policy
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) HostOption {
	return func(cfg *HostConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) HostOption {
	return func(cfg *HostConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets consumer options
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) HostOption {
	return func(cfg *HostConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

type preview struct {
	id       contracts.EndpointID
	queue    string
	lastSeen time.Time
}

// Host is a messaging.HostChannel relaying previews through a broker.
type Host struct {
	manager        *rabbitmq.ConnectionManager
	publisher      *rabbitmq.Publisher
	consumer       *rabbitmq.Consumer
	breaker        *reliability.CircuitBreaker
	resubscribe    reliability.RetryPolicy
	prefix         string
	expiry         time.Duration
	connectTimeout time.Duration
	logger         *slog.Logger
	now            func() time.Time

	mu        sync.Mutex
	events    messaging.HostEvents
	running   bool
	starting  bool
	sub       *rabbitmq.Subscription
	previews  map[contracts.EndpointID]*preview
	byQueue   map[string]*preview
	stopSweep chan struct{}
}

var (
	_ messaging.HostChannel            = (*Host)(nil)
	_ messaging.Stopper                = (*Host)(nil)
	_ rabbitmq.ConnectionStateListener = (*Host)(nil)
)

// NewHost creates a host for the broker at url.
func NewHost(url string, options ...HostOption) *Host {
	cfg := &HostConfig{
		Prefix:         "previewbridge",
		Expiry:         30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	logger := cfg.Logger.With("component", "rabbitmq-host")
	if cfg.Breaker == nil {
		cfg.Breaker = reliability.NewCircuitBreaker(
			reliability.WithName("preview-publish"),
			reliability.WithFailureThreshold(5),
			reliability.WithTimeout(5*time.Second),
			reliability.WithStateChange(func(name string, from, to reliability.State, reason string) {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from, "to", to, "reason", reason)
			}),
		)
	}
	if cfg.ResubscribePolicy == nil {
		cfg.ResubscribePolicy = reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2, 4)
	}
	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	consOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, cfg.ConsumerOptions...)

	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	return &Host{
		manager:        manager,
		publisher:      rabbitmq.NewPublisher(manager, pubOpts...),
		consumer:       rabbitmq.NewConsumer(manager, consOpts...),
		breaker:        cfg.Breaker,
		resubscribe:    cfg.ResubscribePolicy,
		prefix:         cfg.Prefix,
		expiry:         cfg.Expiry,
		connectTimeout: cfg.ConnectTimeout,
		logger:         logger,
		now:            time.Now,
		previews:       make(map[contracts.EndpointID]*preview),
		byQueue:        make(map[string]*preview),
	}
}

// ConnectionManager exposes the broker link, for health checks.
func (h *Host) ConnectionManager() *rabbitmq.ConnectionManager {
	return h.manager
}

// Start implements messaging.HostChannel. The broker connection is opened
// in the background; the outcome is reported through events.
func (h *Host) Start(events messaging.HostEvents) {
	h.mu.Lock()
	h.events = events
	if h.running {
		h.mu.Unlock()
		events.Started(h.address())
		return
	}
	if h.starting {
		h.mu.Unlock()
		return
	}
	h.starting = true
	h.mu.Unlock()

	go h.start()
}

func (h *Host) start() {
	ctx, cancel := context.WithTimeout(context.Background(), h.connectTimeout)
	defer cancel()

	err := h.manager.Connect(ctx)
	if err == nil {
		err = h.subscribe()
		if err != nil {
			_ = h.manager.Close()
		}
	}

	h.mu.Lock()
	h.starting = false
	events := h.events
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("failed to start rabbitmq host", "url", h.manager.URL(), "error", err)
		events.StartError(err)
		return
	}
	h.running = true
	h.stopSweep = make(chan struct{})
	stop := h.stopSweep
	h.mu.Unlock()

	h.manager.AddStateListener(h)
	go h.sweepLoop(stop)

	h.logger.Info("rabbitmq host consuming", "exchange", rabbitmq.HostExchange(h.prefix), "queue", rabbitmq.HostInbox(h.prefix))
	events.Started(h.address())
}

func (h *Host) subscribe() error {
	sub, err := h.consumer.Subscribe(context.Background(), rabbitmq.HostInbox(h.prefix), rabbitmq.HostTopology(h.prefix), h.handle)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.sub = sub
	h.mu.Unlock()
	return nil
}

func (h *Host) address() contracts.ServerAddress {
	host, port := h.manager.Endpoint()
	return contracts.ServerAddress{Address: host, Port: port}
}

func (h *Host) currentEvents() messaging.HostEvents {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events
}

// handle routes one delivery from the host inbox.
func (h *Host) handle(ctx context.Context, d amqp.Delivery) error {
	if d.ReplyTo == "" {
		return ErrMissingReplyTo
	}
	if d.Type == TypeHello {
		return h.hello(ctx, d.ReplyTo)
	}

	h.mu.Lock()
	p, ok := h.byQueue[d.ReplyTo]
	if ok {
		p.lastSeen = h.now()
	}
	events := h.events
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPreview, d.ReplyTo)
	}

	switch d.Type {
	case TypeMessage, "":
		events.MessageReceived(p.id, d.Body)
	case TypeError:
		events.ConnectionErrored(p.id, string(d.Body))
	case TypeHeartbeat:
	case TypeBye:
		if h.forget(p) {
			events.ConnectionClosed(p.id)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, d.Type)
	}
	return nil
}

func (h *Host) hello(ctx context.Context, queue string) error {
	h.mu.Lock()
	p, known := h.byQueue[queue]
	if known {
		p.lastSeen = h.now()
	} else {
		p = &preview{
			id:       contracts.EndpointID(uuid.NewString()),
			queue:    queue,
			lastSeen: h.now(),
		}
		h.previews[p.id] = p
		h.byQueue[queue] = p
	}
	events := h.events
	h.mu.Unlock()

	if !known {
		h.logger.Debug("preview connected", "debuggerId", p.id, "queue", queue)
		events.ConnectionOpened(p.id)
	}
	return h.publisher.Publish(ctx, "", queue, amqp.Publishing{
		Type:      TypeWelcome,
		MessageId: string(p.id),
	})
}

// forget removes p. It returns false if p was already removed.
func (h *Host) forget(p *preview) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.previews[p.id] != p {
		return false
	}
	delete(h.previews, p.id)
	delete(h.byQueue, p.queue)
	return true
}

// Send implements messaging.HostChannel. While the broker keeps refusing
// publishes the circuit breaker fails sends fast with an error wrapping
// reliability.ErrCircuitOpen.
func (h *Host) Send(id contracts.EndpointID, data []byte) error {
	h.mu.Lock()
	p, ok := h.previews[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	return h.breaker.Execute(func() error {
		return h.publisher.Publish(context.Background(), "", p.queue, amqp.Publishing{
			Type:        TypeMessage,
			ContentType: contentTypeJSON,
			Body:        data,
		})
	})
}

// BreakerState reports the state of the publish circuit breaker.
func (h *Host) BreakerState() reliability.State {
	return h.breaker.State()
}

// CloseAllConnections implements messaging.HostChannel. Every preview is
// told goodbye and forgotten.
func (h *Host) CloseAllConnections() error {
	h.mu.Lock()
	previews := h.previews
	h.previews = make(map[contracts.EndpointID]*preview)
	h.byQueue = make(map[string]*preview)
	h.mu.Unlock()

	var errs []error
	for _, p := range previews {
		if err := h.publisher.Publish(context.Background(), "", p.queue, amqp.Publishing{Type: TypeBye}); err != nil {
			errs = append(errs, err)
		}
	}
	if len(previews) > 0 {
		h.logger.Info("closed preview connections", "count", len(previews))
	}
	return errors.Join(errs...)
}

// Stop implements messaging.Stopper
func (h *Host) Stop(ctx context.Context) error {
	closeErr := h.CloseAllConnections()
	h.manager.RemoveStateListener(h)

	h.mu.Lock()
	sub, stop := h.sub, h.stopSweep
	h.sub, h.stopSweep = nil, nil
	h.running = false
	h.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	var errs []error
	if closeErr != nil {
		errs = append(errs, closeErr)
	}
	if sub != nil {
		if err := sub.Cancel(); err != nil {
			errs = append(errs, err)
		}
	}
	h.publisher.Reset()
	if err := h.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	h.logger.Info("rabbitmq host stopped")
	return errors.Join(errs...)
}

// PreviewCount returns the number of known previews.
func (h *Host) PreviewCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.previews)
}

func (h *Host) sweepLoop(stop chan struct{}) {
	interval := h.expiry / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep closes previews silent for longer than the expiry.
func (h *Host) sweep() {
	deadline := h.now().Add(-h.expiry)

	h.mu.Lock()
	var expired []*preview
	for _, p := range h.previews {
		if p.lastSeen.Before(deadline) {
			expired = append(expired, p)
		}
	}
	events := h.events
	h.mu.Unlock()

	for _, p := range expired {
		if !h.forget(p) {
			continue
		}
		h.logger.Info("preview expired", "debuggerId", p.id, "queue", p.queue)
		if err := h.publisher.Publish(context.Background(), "", p.queue, amqp.Publishing{Type: TypeBye}); err != nil {
			h.logger.Debug("failed to notify expired preview", "debuggerId", p.id, "error", err)
		}
		events.ConnectionClosed(p.id)
	}
}

// OnConnected implements rabbitmq.ConnectionStateListener. The topology is
// declared again, retried since a fresh connection may still refuse it.
func (h *Host) OnConnected() {
	h.publisher.Reset()
	h.breaker.Reset()
	err := reliability.Retry(context.Background(), "resubscribe", h.resubscribe, func() error {
		if !h.manager.IsConnected() {
			return reliability.Permanent(rabbitmq.ErrConnectionNotReady)
		}
		return h.subscribe()
	})
	if err != nil {
		h.logger.Error("failed to resume consuming after reconnection", "error", err)
	}
}

// OnDisconnected implements rabbitmq.ConnectionStateListener. Previews are
// closed since their queues may be gone; they announce themselves again.
func (h *Host) OnDisconnected(err error) {
	h.mu.Lock()
	previews := h.previews
	h.previews = make(map[contracts.EndpointID]*preview)
	h.byQueue = make(map[string]*preview)
	h.sub = nil
	events := h.events
	h.mu.Unlock()

	message := "broker connection lost"
	if err != nil {
		message = fmt.Sprintf("broker connection lost: %v", err)
	}
	for _, p := range previews {
		events.ConnectionErrored(p.id, message)
		events.ConnectionClosed(p.id)
	}
}

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (h *Host) OnReconnecting(attempt int) {
	h.logger.Debug("waiting for broker", "attempt", attempt)
}
