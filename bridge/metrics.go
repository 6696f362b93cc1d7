package bridge

import "time"

// Transport labels used in metrics.
const (
	TransportWindow  = "window"
	TransportChannel = "channel"
)

// MetricsCollector records bridge activity.
type MetricsCollector interface {
	// RecordStart records the outcome of a Start call: started, error, timeout.
	RecordStart(outcome string)

	// RecordConnection records an endpoint joining or leaving a transport.
	RecordConnection(transport string, opened bool)

	// RecordMessage records a message sent (outbound) or received (inbound).
	RecordMessage(direction string, command string)

	// RecordRequest records a correlated request outcome: reply, timeout, cancelled.
	RecordRequest(outcome string, duration time.Duration)

	// RecordDropped records data dropped before reaching observers or endpoints.
	RecordDropped(reason string)
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordStart does nothing
func (NoOpMetricsCollector) RecordStart(outcome string) {}

// RecordConnection does nothing
func (NoOpMetricsCollector) RecordConnection(transport string, opened bool) {}

// RecordMessage does nothing
func (NoOpMetricsCollector) RecordMessage(direction string, command string) {}

// RecordRequest does nothing
func (NoOpMetricsCollector) RecordRequest(outcome string, duration time.Duration) {}

// RecordDropped does nothing
func (NoOpMetricsCollector) RecordDropped(reason string) {}
