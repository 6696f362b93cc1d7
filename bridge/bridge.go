package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
)

const (
	// DefaultStartTimeout bounds how long Start waits for the host channel.
	DefaultStartTimeout = 5 * time.Second
	// DefaultRequestTimeout bounds how long SendMessageWithResponse waits for a reply.
	DefaultRequestTimeout = 1 * time.Second
)

// StartOptions configures a Start call.
type StartOptions struct {
	// Origin is the origin embedded frames run on. Empty keeps the current one.
	Origin string
}

// Bridge brokers messages between the editor and every connected preview.
// All methods are safe for concurrent use.
type Bridge struct {
	window    *messaging.WindowTransport
	channel   *messaging.ChannelTransport
	observers *messaging.ObserverRegistry
	requests  *correlator

	logger         *slog.Logger
	metrics        MetricsCollector
	startTimeout   time.Duration
	requestTimeout time.Duration

	// mu guards the lifecycle fields and serializes endpoint registry changes
	// with the id snapshots reported in connection events.
	mu         sync.Mutex
	state      contracts.ServerState
	address    *contracts.ServerAddress
	generation uint64
	starting   *startAttempt
}

// Option configures the Bridge
type Option func(*Config)

// Config holds configuration for the bridge
type Config struct {
	Logger         *slog.Logger
	Metrics        MetricsCollector
	StartTimeout   time.Duration
	RequestTimeout time.Duration
	Origin         string
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(c *Config) {
		c.Metrics = metrics
	}
}

// WithStartTimeout sets how long Start waits for the host channel
func WithStartTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.StartTimeout = timeout
	}
}

// WithRequestTimeout sets how long a correlated request waits for a reply
func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = timeout
	}
}

// WithOrigin sets the origin embedded frames are expected to run on
func WithOrigin(origin string) Option {
	return func(c *Config) {
		c.Origin = origin
	}
}

// New creates a stopped bridge over host.
func New(host messaging.HostChannel, opts ...Option) *Bridge {
	config := &Config{
		Logger:         slog.Default(),
		Metrics:        NoOpMetricsCollector{},
		StartTimeout:   DefaultStartTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
	for _, opt := range opts {
		opt(config)
	}

	logger := config.Logger.With("component", "previewbridge")
	return &Bridge{
		window: messaging.NewWindowTransport(
			messaging.WithWindowLogger(logger),
			messaging.WithOrigin(config.Origin),
		),
		channel:        messaging.NewChannelTransport(host),
		observers:      messaging.NewObserverRegistry(messaging.WithObserverLogger(logger)),
		requests:       newCorrelator(),
		logger:         logger,
		metrics:        config.Metrics,
		startTimeout:   config.StartTimeout,
		requestTimeout: config.RequestTimeout,
		state:          contracts.Stopped,
	}
}

// startAttempt is shared by every Start call made while the host channel
// has not answered yet.
type startAttempt struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newStartAttempt() *startAttempt {
	return &startAttempt{done: make(chan struct{})}
}

func (a *startAttempt) complete(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

// Start arms the host channel and waits until it reports it is listening.
// It returns immediately when the bridge is already started.
//
// Endpoints left over from an earlier attempt are reported closed and the
// host is asked to drop them before it is armed again.
//
// When the host does not answer within the start timeout, Start returns
// ErrStartTimeout. The host request is not cancelled: a success reported
// later still moves the bridge to Started, but the caller keeps its error.
func (b *Bridge) Start(ctx context.Context, opts StartOptions) error {
	b.mu.Lock()
	if b.state == contracts.Started {
		b.mu.Unlock()
		return nil
	}
	if attempt := b.starting; attempt != nil {
		b.mu.Unlock()
		return b.awaitStart(ctx, attempt)
	}

	// A new generation detaches the events of any previous run.
	b.generation++
	session := &hostSession{bridge: b, generation: b.generation}
	attempt := newStartAttempt()
	b.starting = attempt
	stale := b.channel.Reset()
	remaining := b.debuggerIDsLocked()
	b.mu.Unlock()

	if len(stale) > 0 {
		b.logger.Info("closing connections of a previous run", "count", len(stale))
		for _, id := range stale {
			b.metrics.RecordConnection(TransportChannel, false)
			b.observers.ConnectionClosed(messaging.ConnectionEvent{ID: id, DebuggerIDs: remaining})
		}
		if err := b.channel.Host().CloseAllConnections(); err != nil {
			b.logger.Error("host channel failed to close its connections", "error", err)
		}
	}
	if opts.Origin != "" {
		b.window.SetOrigin(opts.Origin)
	}

	b.logger.Info("starting debugger server")
	b.channel.Host().Start(session)
	return b.awaitStart(ctx, attempt)
}

func (b *Bridge) awaitStart(ctx context.Context, attempt *startAttempt) error {
	timer := time.NewTimer(b.startTimeout)
	defer timer.Stop()

	select {
	case <-attempt.done:
		return attempt.err
	case <-timer.C:
		b.mu.Lock()
		if b.starting == attempt {
			b.starting = nil
		}
		b.mu.Unlock()
		b.metrics.RecordStart("timeout")
		b.logger.Error("debugger server not started in time", "timeout", b.startTimeout)
		return contracts.ErrStartTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes every connection, releases the host channel when it supports
// it, and returns the bridge to Stopped. Correlation ids keep increasing
// across restarts.
func (b *Bridge) Stop(ctx context.Context) error {
	b.CloseAllConnections()

	b.mu.Lock()
	b.generation++
	b.state = contracts.Stopped
	b.address = nil
	attempt := b.starting
	b.starting = nil
	b.mu.Unlock()

	if attempt != nil {
		attempt.complete(contracts.ErrStopped)
	}
	b.logger.Info("debugger server stopped")

	if stopper, ok := b.channel.Host().(messaging.Stopper); ok {
		return stopper.Stop(ctx)
	}
	return nil
}

// State returns the lifecycle state.
func (b *Bridge) State() contracts.ServerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Address returns where previews reach the host channel. The second value is
// false until the host confirmed startup, and after Stop.
func (b *Bridge) Address() (contracts.ServerAddress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.address == nil {
		return contracts.ServerAddress{}, false
	}
	return *b.address, true
}

// DebuggerIDs returns every connected endpoint: the embedded frame first when
// registered, then the channel endpoints in connection order.
func (b *Bridge) DebuggerIDs() []contracts.EndpointID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.debuggerIDsLocked()
}

func (b *Bridge) debuggerIDsLocked() []contracts.EndpointID {
	ids := make([]contracts.EndpointID, 0, 1)
	ids = append(ids, b.window.IDs()...)
	return append(ids, b.channel.IDs()...)
}

// RegisterCallbacks adds observer and returns a function removing it.
func (b *Bridge) RegisterCallbacks(observer messaging.Observer) func() {
	return b.observers.Register(observer)
}

// PendingRequests returns the number of correlated requests awaiting a reply.
func (b *Bridge) PendingRequests() int {
	return b.requests.count()
}

// SendMessage sends msg to the endpoint id. Sending while stopped, or to the
// embedded frame while none is registered, is logged and ignored.
func (b *Bridge) SendMessage(id contracts.EndpointID, msg contracts.Message) {
	b.send(id, msg)
}

// Broadcast sends msg to every connected endpoint. Delivery is best effort.
func (b *Bridge) Broadcast(msg contracts.Message) {
	for _, id := range b.DebuggerIDs() {
		b.send(id, msg)
	}
}

func (b *Bridge) send(id contracts.EndpointID, msg contracts.Message) bool {
	if b.State() != contracts.Started {
		b.metrics.RecordDropped("not_started")
		b.logger.Error("cannot send message, debugger server not started",
			"debuggerId", id,
			"command", msg.Command,
		)
		return false
	}

	var err error
	if id == contracts.EmbeddedGameFrameID {
		if !b.window.Occupied() {
			b.metrics.RecordDropped("no_frame")
			b.logger.Error("cannot send message, no embedded game frame registered", "command", msg.Command)
			return false
		}
		err = b.window.Send(id, msg)
	} else {
		err = b.channel.Send(id, msg)
	}
	if err != nil {
		b.metrics.RecordDropped("send_failed")
		b.logger.Error("failed to send message",
			"debuggerId", id,
			"command", msg.Command,
			"error", err,
		)
		return false
	}

	b.metrics.RecordMessage("outbound", msg.Command)
	return true
}

// SendMessageWithResponse tags a copy of msg with a new correlation id, sends
// it to every connected endpoint and returns the first reply carrying that
// id. Later replies are ignored. Without a reply before the request timeout
// it fails with a *contracts.RequestTimeoutError.
func (b *Bridge) SendMessageWithResponse(ctx context.Context, msg contracts.Message) (contracts.Message, error) {
	started := time.Now()
	pending := b.requests.open(b.requestTimeout)
	request := msg.WithCorrelationID(pending.id)

	for _, id := range b.DebuggerIDs() {
		b.send(id, request)
	}

	timer := time.NewTimer(b.requestTimeout)
	defer timer.Stop()

	select {
	case <-pending.done:
	case <-timer.C:
		b.requests.forget(pending.id)
		pending.settle(contracts.Message{}, &contracts.RequestTimeoutError{CorrelationID: pending.id})
	case <-ctx.Done():
		b.requests.forget(pending.id)
		pending.settle(contracts.Message{}, ctx.Err())
	}
	<-pending.done

	outcome := "reply"
	var timeoutErr *contracts.RequestTimeoutError
	switch {
	case errors.As(pending.err, &timeoutErr):
		outcome = "timeout"
		b.logger.Warn("no response received",
			"correlationId", pending.id,
			"command", msg.Command,
		)
	case pending.err != nil:
		outcome = "cancelled"
	}
	b.metrics.RecordRequest(outcome, time.Since(started))

	return pending.reply, pending.err
}

// CloseAllConnections reports every tracked endpoint as closed, empties both
// transports, drops the pending requests and asks the host channel to drop
// its connections. Dropped requests are not settled here; they still fail
// through their own timeout.
func (b *Bridge) CloseAllConnections() {
	b.mu.Lock()
	closed := append(b.window.IDs(), b.channel.Reset()...)
	b.window.Clear()
	b.mu.Unlock()

	for _, id := range closed {
		b.metrics.RecordConnection(transportOf(id), false)
		b.observers.ConnectionClosed(messaging.ConnectionEvent{
			ID:          id,
			DebuggerIDs: []contracts.EndpointID{},
		})
	}

	if dropped := b.requests.discardAll(); dropped > 0 {
		b.logger.Debug("dropped pending requests", "count", dropped)
	}

	if err := b.channel.Host().CloseAllConnections(); err != nil {
		b.logger.Error("host channel failed to close its connections", "error", err)
	}
}

// RegisterEmbeddedGameFrame makes frame the embedded preview endpoint. It
// does nothing when frame is already registered; another registered frame
// is replaced without being closed.
func (b *Bridge) RegisterEmbeddedGameFrame(frame *messaging.Frame) {
	b.mu.Lock()
	changed := b.window.Register(frame)
	ids := b.debuggerIDsLocked()
	b.mu.Unlock()
	if !changed {
		return
	}

	b.logger.Info("embedded game frame registered")
	b.metrics.RecordConnection(TransportWindow, true)
	b.observers.ConnectionOpened(messaging.ConnectionEvent{
		ID:          contracts.EmbeddedGameFrameID,
		DebuggerIDs: ids,
	})
}

// UnregisterEmbeddedGameFrame removes frame if it is the registered embedded
// preview. Other frames are logged and ignored.
func (b *Bridge) UnregisterEmbeddedGameFrame(frame *messaging.Frame) {
	b.mu.Lock()
	removed := b.window.Unregister(frame)
	ids := b.debuggerIDsLocked()
	b.mu.Unlock()
	if !removed {
		return
	}

	b.logger.Info("embedded game frame unregistered")
	b.metrics.RecordConnection(TransportWindow, false)
	b.observers.ConnectionClosed(messaging.ConnectionEvent{
		ID:          contracts.EmbeddedGameFrameID,
		DebuggerIDs: ids,
	})
}

// HandleWindowMessage receives a cross-context message event. Events from an
// unexpected origin or from a frame other than the registered one are dropped.
func (b *Bridge) HandleWindowMessage(ev messaging.WindowMessageEvent) {
	id, ok := b.window.Accept(ev)
	if !ok {
		b.metrics.RecordDropped("unattributed")
		return
	}
	b.receive(TransportWindow, id, ev.Data)
}

// receive parses inbound data, settles the matching pending request, then
// forwards the message to observers.
func (b *Bridge) receive(transport string, id contracts.EndpointID, data []byte) {
	msg, cmd, err := contracts.Decode(data)
	if err != nil {
		b.metrics.RecordDropped("malformed")
		b.logger.Warn("dropping malformed message",
			"transport", transport,
			"debuggerId", id,
			"error", err,
		)
		return
	}
	b.metrics.RecordMessage("inbound", msg.Command)

	if msg.CorrelationID != nil {
		b.requests.resolve(*msg.CorrelationID, msg)
	}
	b.observers.Message(messaging.MessageEvent{ID: id, Message: msg, Command: cmd})
}

func transportOf(id contracts.EndpointID) string {
	if id == contracts.EmbeddedGameFrameID {
		return TransportWindow
	}
	return TransportChannel
}
