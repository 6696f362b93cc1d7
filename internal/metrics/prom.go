// Package metrics exports bridge activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/previewbridge-go/bridge"
)

const namespace = "previewbridge"

// Collector implements bridge.MetricsCollector with Prometheus vectors.
type Collector struct {
	starts      *prometheus.CounterVec
	connections *prometheus.GaugeVec
	connEvents  *prometheus.CounterVec
	messages    *prometheus.CounterVec
	requests    *prometheus.HistogramVec
	dropped     *prometheus.CounterVec
	buildInfo   *prometheus.GaugeVec
}

var _ bridge.MetricsCollector = (*Collector)(nil)

// NewCollector creates unregistered vectors.
func NewCollector() *Collector {
	return &Collector{
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "starts_total",
				Help:      "Debugger server start attempts by outcome",
			},
			[]string{"outcome"},
		),
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections",
				Help:      "Previews currently connected, per transport",
			},
			[]string{"transport"},
		),
		connEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_events_total",
				Help:      "Preview connections opened and closed, per transport",
			},
			[]string{"transport", "opened"},
		),
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "messages_total",
				Help:      "Messages exchanged with previews by direction and command",
			},
			[]string{"direction", "command"},
		),
		requests: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Correlated request latency by outcome",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dropped_total",
				Help:      "Messages dropped before delivery by reason",
			},
			[]string{"reason"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Build information for the preview bridge",
			},
			[]string{"version", "commit"},
		),
	}
}

// Register registers every vector on r.
func (c *Collector) Register(r prometheus.Registerer) {
	r.MustRegister(c.starts, c.connections, c.connEvents, c.messages, c.requests, c.dropped, c.buildInfo)
}

// SetBuildInfo sets the build info metric.
func (c *Collector) SetBuildInfo(version, commit string) {
	c.buildInfo.WithLabelValues(version, commit).Set(1)
}

// RecordStart implements bridge.MetricsCollector
func (c *Collector) RecordStart(outcome string) {
	c.starts.WithLabelValues(outcome).Inc()
}

// RecordConnection implements bridge.MetricsCollector
func (c *Collector) RecordConnection(transport string, opened bool) {
	c.connEvents.WithLabelValues(transport, strconv.FormatBool(opened)).Inc()
	if opened {
		c.connections.WithLabelValues(transport).Inc()
	} else {
		c.connections.WithLabelValues(transport).Dec()
	}
}

// RecordMessage implements bridge.MetricsCollector
func (c *Collector) RecordMessage(direction, command string) {
	c.messages.WithLabelValues(direction, command).Inc()
}

// RecordRequest implements bridge.MetricsCollector
func (c *Collector) RecordRequest(outcome string, duration time.Duration) {
	c.requests.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordDropped implements bridge.MetricsCollector
func (c *Collector) RecordDropped(reason string) {
	c.dropped.WithLabelValues(reason).Inc()
}
