package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":3030"
	// DefaultSendQueue is the per-connection outbound queue length.
	DefaultSendQueue = 64
	// DefaultReadLimit bounds inbound messages. Hot reload payloads carry
	// whole projects.
	DefaultReadLimit = 64 << 20
)

// HostOption configures the Host
type HostOption func(*Host)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithAddr sets the listen address. Port 0 picks an ephemeral port.
func WithAddr(addr string) HostOption {
	return func(h *Host) {
		h.addr = addr
	}
}

// WithAdvertiseAddress sets the address reported to the bridge instead of
// the one resolved from the listener.
func WithAdvertiseAddress(address string) HostOption {
	return func(h *Host) {
		h.advertise = address
	}
}

// WithAllowedOrigins restricts the origins allowed to open sockets and
// enables CORS for them on every route.
func WithAllowedOrigins(origins ...string) HostOption {
	return func(h *Host) {
		h.allowedOrigins = append(h.allowedOrigins, origins...)
	}
}

// WithSendQueue sets the per-connection outbound queue length
func WithSendQueue(n int) HostOption {
	return func(h *Host) {
		if n > 0 {
			h.sendQueue = n
		}
	}
}

// WithReadLimit sets the maximum size of an inbound message
func WithReadLimit(n int64) HostOption {
	return func(h *Host) {
		if n > 0 {
			h.readLimit = n
		}
	}
}

// WithRoutes mounts additional routes on the host router.
func WithRoutes(mount func(r chi.Router)) HostOption {
	return func(h *Host) {
		h.mounts = append(h.mounts, mount)
	}
}

// Host is a messaging.HostChannel serving previews over WebSocket.
type Host struct {
	addr           string
	advertise      string
	allowedOrigins []string
	sendQueue      int
	readLimit      int64
	mounts         []func(chi.Router)
	logger         *slog.Logger

	mu       sync.Mutex
	events   messaging.HostEvents
	frames   FrameTarget
	server   *http.Server
	listener net.Listener
	address  contracts.ServerAddress
	ctx      context.Context
	cancel   context.CancelFunc
	conns    map[contracts.EndpointID]*socket
	relays   map[*socket]struct{}
}

var (
	_ messaging.HostChannel = (*Host)(nil)
	_ messaging.Stopper     = (*Host)(nil)
)

// NewHost creates a host that listens once started.
func NewHost(options ...HostOption) *Host {
	h := &Host{
		addr:      DefaultAddr,
		sendQueue: DefaultSendQueue,
		readLimit: DefaultReadLimit,
		logger:    slog.Default(),
		conns:     make(map[contracts.EndpointID]*socket),
		relays:    make(map[*socket]struct{}),
	}
	for _, opt := range options {
		opt(h)
	}
	h.logger = h.logger.With("component", "websocket-host")
	return h
}

// AttachFrames routes the embedded preview view connecting on /embedded to
// target. Without a target /embedded answers 404.
func (h *Host) AttachFrames(target FrameTarget) {
	h.mu.Lock()
	h.frames = target
	h.mu.Unlock()
}

// Handler returns the host router. It is exposed for tests and for callers
// serving the host from their own http.Server.
func (h *Host) Handler() http.Handler {
	r := chi.NewRouter()
	if len(h.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.allowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/", h.serveConnection)
	r.Get("/embedded", h.serveEmbedded)
	for _, mount := range h.mounts {
		mount(r)
	}
	return r
}

// Start implements messaging.HostChannel. A host already listening reports
// its address again to the new events receiver.
func (h *Host) Start(events messaging.HostEvents) {
	h.mu.Lock()
	h.events = events
	if h.listener != nil {
		address := h.address
		h.mu.Unlock()
		events.Started(address)
		return
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		h.mu.Unlock()
		h.logger.Error("failed to listen", "addr", h.addr, "error", err)
		events.StartError(fmt.Errorf("listen %s: %w", h.addr, err))
		return
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.listener = ln
	h.address = h.resolveAddress(ln.Addr())
	h.server = &http.Server{
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	server, address := h.server, h.address
	h.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("websocket host stopped serving", "error", err)
		}
	}()

	h.logger.Info("websocket host listening", "address", address.String())
	events.Started(address)
}

// Send implements messaging.HostChannel
func (h *Host) Send(id contracts.EndpointID, data []byte) error {
	h.mu.Lock()
	conn, ok := h.conns[id]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", contracts.ErrUnknownEndpoint, id)
	}
	return conn.enqueue(data)
}

// CloseAllConnections implements messaging.HostChannel. The embedded frame
// relay is not affected.
func (h *Host) CloseAllConnections() error {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[contracts.EndpointID]*socket)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.close(websocket.StatusGoingAway, "debugger server closing connections")
	}
	if len(conns) > 0 {
		h.logger.Info("closed preview connections", "count", len(conns))
	}
	return nil
}

// Stop implements messaging.Stopper
func (h *Host) Stop(ctx context.Context) error {
	_ = h.CloseAllConnections()

	h.mu.Lock()
	server, cancel := h.server, h.cancel
	relays := h.relays
	h.relays = make(map[*socket]struct{})
	h.server, h.listener, h.ctx, h.cancel = nil, nil, nil, nil
	h.mu.Unlock()

	for relay := range relays {
		relay.close(websocket.StatusGoingAway, "debugger server stopping")
	}
	if server == nil {
		return nil
	}
	cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown websocket host: %w", err)
	}
	h.logger.Info("websocket host stopped")
	return nil
}

// ConnectionCount returns the number of connected previews.
func (h *Host) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Listening reports whether the host has a live listener.
func (h *Host) Listening() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.listener != nil
}

func (h *Host) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{
		OriginPatterns:     originPatterns(h.allowedOrigins),
		InsecureSkipVerify: len(h.allowedOrigins) == 0,
	}
}

func (h *Host) serveConnection(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	events, parent := h.events, h.ctx
	h.mu.Unlock()
	if events == nil || parent == nil {
		http.Error(w, "debugger server not started", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("rejected preview connection", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	id := contracts.EndpointID(uuid.NewString())
	conn := newSocket(parent, ws, h.sendQueue)
	h.mu.Lock()
	h.conns[id] = conn
	h.mu.Unlock()

	h.logger.Debug("preview connected", "debuggerId", id, "remote", r.RemoteAddr)
	events.ConnectionOpened(id)
	go conn.writeLoop()

	defer func() {
		h.mu.Lock()
		if h.conns[id] == conn {
			delete(h.conns, id)
		}
		current := h.events
		h.mu.Unlock()
		conn.close(websocket.StatusNormalClosure, "")
		h.logger.Debug("preview disconnected", "debuggerId", id)
		current.ConnectionClosed(id)
	}()

	for {
		_, data, err := ws.Read(conn.ctx)
		if err != nil {
			if conn.abnormal(err) {
				h.currentEvents().ConnectionErrored(id, err.Error())
			}
			return
		}
		h.currentEvents().MessageReceived(id, data)
	}
}

func (h *Host) currentEvents() messaging.HostEvents {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events
}

// resolveAddress turns the listener address into the address previews dial.
func (h *Host) resolveAddress(addr net.Addr) contracts.ServerAddress {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return contracts.ServerAddress{Address: addr.String()}
	}
	address := tcp.IP.String()
	switch {
	case h.advertise != "":
		address = h.advertise
	case tcp.IP.IsUnspecified():
		address = localNetworkAddress()
	}
	return contracts.ServerAddress{Address: address, Port: tcp.Port}
}

// localNetworkAddress returns the first non-loopback IPv4 address, so that
// previews on other devices of the network can connect.
func localNetworkAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// originPatterns strips schemes, since websocket origin patterns match hosts.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, origin := range origins {
		if u, err := url.Parse(origin); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, origin)
	}
	return patterns
}
