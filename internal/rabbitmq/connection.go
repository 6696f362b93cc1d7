package rabbitmq

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/previewbridge-go/internal/reliability"
)

// ConnectionStateListener receives connection state change notifications.
// Callbacks run on the manager's goroutine and must not block.
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// ConnectionManager keeps one broker connection open, reconnecting when the
// broker drops it. Delays between attempts come from a retry policy,
// exponential backoff by default.
type ConnectionManager struct {
	url            string
	dial           Dialer
	reconnectDelay time.Duration
	maxRetries     int
	policy         reliability.RetryPolicy
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        Connection
	isConnected bool
	done        chan struct{}

	listenersMu    sync.RWMutex
	stateListeners []ConnectionStateListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A
// negative value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithRetryPolicy replaces the reconnection policy built from the
// reconnect delay and max retries.
func WithRetryPolicy(policy reliability.RetryPolicy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithDialer replaces the function opening connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           DialAMQP,
		reconnectDelay: time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cm)
	}
	if cm.policy == nil {
		cm.policy = reliability.NewExponentialBackoff(cm.reconnectDelay, time.Minute, 2, cm.maxRetries)
	}
	return cm
}

// URL returns the sanitized broker URL.
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Endpoint returns the broker host and port previews connect to.
func (cm *ConnectionManager) Endpoint() (string, int) {
	u, err := url.Parse(cm.url)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		port = 5672
		if u.Scheme == "amqps" {
			port = 5671
		}
	}
	return u.Hostname(), port
}

// Connect establishes the initial connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	running, connected := cm.done != nil, cm.isConnected
	cm.mu.Unlock()
	if connected {
		return nil
	}
	if running {
		// The watcher is already reconnecting.
		return &ConnectionError{Op: "connect", URL: cm.URL(), Err: ErrConnectionNotReady, Timestamp: time.Now()}
	}

	conn, err := cm.dialContext(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       cm.URL(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.mu.Lock()
	cm.done = make(chan struct{})
	done := cm.attach(conn)
	cm.mu.Unlock()

	cm.logger.Info("connected to RabbitMQ", "url", cm.URL())
	cm.notifyConnected()
	go cm.watch(done)
	return nil
}

// attach installs conn as the live connection. The caller must hold cm.mu.
func (cm *ConnectionManager) attach(conn Connection) chan *amqp.Error {
	cm.conn = conn
	cm.isConnected = true
	return conn.NotifyClose(make(chan *amqp.Error, 1))
}

func (cm *ConnectionManager) dialContext(ctx context.Context) (Connection, error) {
	type result struct {
		conn Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// Channel opens a new channel on the live connection.
func (cm *ConnectionManager) Channel() (Channel, error) {
	cm.mu.RLock()
	conn, ok := cm.conn, cm.isConnected
	cm.mu.RUnlock()
	if !ok || conn == nil {
		return nil, ErrConnectionNotReady
	}
	if conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.done == nil {
		return nil
	}
	close(cm.done)
	cm.done = nil
	cm.isConnected = false

	if cm.conn == nil {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	if err != nil && err != amqp.ErrClosed {
		return err
	}
	return nil
}

func (cm *ConnectionManager) stopped() <-chan struct{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return cm.done
}

// watch waits for the connection to drop and reconnects.
func (cm *ConnectionManager) watch(notify chan *amqp.Error) {
	stop := cm.stopped()
	for {
		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// Closed by Close.
				select {
				case <-stop:
					return
				default:
				}
			}
			cm.logger.Error("connection to RabbitMQ lost", "error", err)

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			var cause error
			if err != nil {
				cause = err
			}
			cm.notifyDisconnected(cause)

			next, ok := cm.reconnect(stop)
			if !ok {
				return
			}
			notify = next

		case <-stop:
			cm.logger.Debug("connection manager shutting down")
			return
		}
	}
}

func (cm *ConnectionManager) reconnect(stop <-chan struct{}) (chan *amqp.Error, bool) {
	started := time.Now()
	for attempt := 1; ; attempt++ {
		if limit := cm.policy.MaxRetries(); limit >= 0 && attempt > limit {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt-1,
				"duration", time.Since(started),
			)
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       cm.URL(),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt - 1,
			})
			return nil, false
		}

		timer := time.NewTimer(cm.policy.NextDelay(attempt - 1))
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return nil, false
		}

		cm.notifyReconnecting(attempt)
		conn, err := cm.dial(cm.url)
		if err != nil {
			cm.logger.Warn("reconnection failed", "attempt", attempt, "error", err)
			continue
		}

		cm.mu.Lock()
		select {
		case <-stop:
			cm.mu.Unlock()
			_ = conn.Close()
			return nil, false
		default:
		}
		notify := cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ", "attempts", attempt, "duration", time.Since(started))
		cm.notifyConnected()
		return notify, true
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			return
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, l := range cm.listeners() {
		l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, l := range cm.listeners() {
		l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, l := range cm.listeners() {
		l.OnReconnecting(attempt)
	}
}
