// Copyright 2024 Previewbridge Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package previewbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/glimte/previewbridge-go/bridge"
	"github.com/glimte/previewbridge-go/health"
	"github.com/glimte/previewbridge-go/internal/config"
	"github.com/glimte/previewbridge-go/internal/metrics"
	"github.com/glimte/previewbridge-go/internal/reliability"
	"github.com/glimte/previewbridge-go/messaging"
	rabbitmqHost "github.com/glimte/previewbridge-go/transports/rabbitmq"
	"github.com/glimte/previewbridge-go/transports/websocket"
)

const healthTimeout = 5 * time.Second

// DebuggerServer runs a bridge over the host channel selected by the
// configuration, with health and metrics routes next to it. The bridge
// methods are available directly on the server.
type DebuggerServer struct {
	*bridge.Bridge

	cfg      config.Config
	logger   *slog.Logger
	host     messaging.HostChannel
	wsHost   *websocket.Host
	amqpHost *rabbitmqHost.Host
	health   *health.Registry
	registry *prometheus.Registry

	mu    sync.Mutex
	admin *http.Server
}

// serverConfig holds server options
type serverConfig struct {
	logger   *slog.Logger
	registry *prometheus.Registry
	version  string
	commit   string
	host     messaging.HostChannel
}

// ServerOption configures the DebuggerServer
type ServerOption func(*serverConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) {
		cfg.logger = logger
	}
}

// WithRegistry collects metrics into registry instead of a private one
func WithRegistry(registry *prometheus.Registry) ServerOption {
	return func(cfg *serverConfig) {
		cfg.registry = registry
	}
}

// WithVersion sets the build information reported by metrics and health
func WithVersion(version, commit string) ServerOption {
	return func(cfg *serverConfig) {
		cfg.version = version
		cfg.commit = commit
	}
}

// WithHostChannel replaces the configured host channel. The health and
// metrics routes are then served on the configured address.
func WithHostChannel(host messaging.HostChannel) ServerOption {
	return func(cfg *serverConfig) {
		cfg.host = host
	}
}

// NewDebuggerServer builds a stopped server from cfg.
func NewDebuggerServer(cfg config.Config, options ...ServerOption) (*DebuggerServer, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	opts := &serverConfig{
		logger:  slog.Default(),
		version: "dev",
	}
	for _, opt := range options {
		opt(opts)
	}

	s := &DebuggerServer{
		cfg:    cfg,
		logger: opts.logger,
		health: health.NewRegistry(),
	}
	s.health.SetMetadata("version", opts.version)

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(opts.logger),
		bridge.WithStartTimeout(cfg.StartTimeout),
		bridge.WithRequestTimeout(cfg.RequestTimeout),
		bridge.WithOrigin(cfg.Origin),
	}
	if cfg.Metrics {
		s.registry = opts.registry
		if s.registry == nil {
			s.registry = prometheus.NewRegistry()
			s.registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
		}
		collector := metrics.NewCollector()
		collector.Register(s.registry)
		collector.SetBuildInfo(opts.version, opts.commit)
		bridgeOpts = append(bridgeOpts, bridge.WithMetrics(collector))
	}

	switch {
	case opts.host != nil:
		s.host = opts.host
	case cfg.Host == config.HostRabbitMQ:
		s.amqpHost = rabbitmqHost.NewHost(cfg.AMQP.URL,
			rabbitmqHost.WithLogger(opts.logger),
			rabbitmqHost.WithPrefix(cfg.AMQP.Prefix),
			rabbitmqHost.WithExpiry(cfg.AMQP.PreviewExpiry),
		)
		s.host = s.amqpHost
		s.health.Register(health.NewRabbitMQChecker(s.amqpHost.ConnectionManager()))
		s.health.Register(health.NewComponentChecker("rabbitmq-previews", s.checkPreviewPublish))
	default:
		s.wsHost = websocket.NewHost(
			websocket.WithLogger(opts.logger),
			websocket.WithAddr(cfg.Addr),
			websocket.WithAdvertiseAddress(cfg.AdvertiseAddress),
			websocket.WithAllowedOrigins(cfg.AllowedOrigins...),
			websocket.WithRoutes(s.mountRoutes),
		)
		s.host = s.wsHost
		s.health.Register(health.NewComponentChecker("websocket", s.checkWebSocket))
	}

	s.Bridge = bridge.New(s.host, bridgeOpts...)
	if s.wsHost != nil {
		s.wsHost.AttachFrames(s.Bridge)
	}
	s.health.Register(health.NewBridgeChecker(s.Bridge))
	s.health.Register(health.NewRuntimeChecker(1000, 10000))
	return s, nil
}

func (s *DebuggerServer) mountRoutes(r chi.Router) {
	r.Method(http.MethodGet, "/healthz", health.NewHandler(s.health, healthTimeout))
	r.Get("/livez", health.LivenessHandler())
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}
}

func (s *DebuggerServer) checkWebSocket(ctx context.Context) (health.Status, string, map[string]any, error) {
	details := map[string]any{"connections": s.wsHost.ConnectionCount()}
	if !s.wsHost.Listening() {
		return health.StatusUnhealthy, "not listening", details, nil
	}
	return health.StatusHealthy, "listening", details, nil
}

func (s *DebuggerServer) checkPreviewPublish(ctx context.Context) (health.Status, string, map[string]any, error) {
	state := s.amqpHost.BreakerState()
	details := map[string]any{
		"previews": s.amqpHost.PreviewCount(),
		"breaker":  state.String(),
	}
	if state != reliability.StateClosed {
		return health.StatusDegraded, "publishes to previews are failing", details, nil
	}
	return health.StatusHealthy, "publishing", details, nil
}

// Handler returns the HTTP routes of the server: the websocket host router
// when previews connect over WebSocket, the health and metrics routes
// otherwise.
func (s *DebuggerServer) Handler() http.Handler {
	if s.wsHost != nil {
		return s.wsHost.Handler()
	}
	r := chi.NewRouter()
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		}))
	}
	s.mountRoutes(r)
	return r
}

// Health runs the registered health checks.
func (s *DebuggerServer) Health(ctx context.Context) health.OverallHealth {
	return s.health.Check(ctx)
}

// Start starts the bridge. With a host channel that serves no HTTP, the
// health and metrics routes get their own listener first.
func (s *DebuggerServer) Start(ctx context.Context) error {
	if s.wsHost == nil {
		if err := s.startAdmin(); err != nil {
			return err
		}
	}
	return s.Bridge.Start(ctx, bridge.StartOptions{Origin: s.cfg.Origin})
}

func (s *DebuggerServer) startAdmin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admin != nil || s.cfg.Addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.admin = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("admin server failed", "error", err)
		}
	}(s.admin)
	s.logger.Info("serving health and metrics", "addr", ln.Addr().String())
	return nil
}

// Stop stops the bridge and the health and metrics listener.
func (s *DebuggerServer) Stop(ctx context.Context) error {
	err := s.Bridge.Stop(ctx)

	s.mu.Lock()
	admin := s.admin
	s.admin = nil
	s.mu.Unlock()
	if admin != nil {
		err = errors.Join(err, admin.Shutdown(ctx))
	}
	return err
}

// Config returns the effective configuration.
func (s *DebuggerServer) Config() config.Config {
	return s.cfg
}
