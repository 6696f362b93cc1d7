package health

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/internal/rabbitmq"
)

// BridgeStatus is the view of the bridge the checker needs.
type BridgeStatus interface {
	State() contracts.ServerState
	Address() (contracts.ServerAddress, bool)
	DebuggerIDs() []contracts.EndpointID
	PendingRequests() int
}

// BridgeChecker reports the bridge unhealthy while it is stopped.
type BridgeChecker struct {
	bridge BridgeStatus
}

// NewBridgeChecker creates a bridge checker
func NewBridgeChecker(bridge BridgeStatus) *BridgeChecker {
	return &BridgeChecker{bridge: bridge}
}

func (c *BridgeChecker) Name() string {
	return "bridge"
}

func (c *BridgeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.bridge.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"state":            state.String(),
			"debuggers":        len(c.bridge.DebuggerIDs()),
			"pending_requests": c.bridge.PendingRequests(),
		},
	}
	if addr, ok := c.bridge.Address(); ok {
		result.Details["address"] = addr.String()
	}

	if state == contracts.Started {
		result.Status = StatusHealthy
		result.Message = "bridge is started"
	} else {
		result.Status = StatusUnhealthy
		result.Message = "bridge is stopped"
	}
	result.Duration = time.Since(start)
	return result
}

// RabbitMQChecker checks RabbitMQ connection health
type RabbitMQChecker struct {
	connManager *rabbitmq.ConnectionManager
}

// NewRabbitMQChecker creates a new RabbitMQ health checker
func NewRabbitMQChecker(connManager *rabbitmq.ConnectionManager) *RabbitMQChecker {
	return &RabbitMQChecker{connManager: connManager}
}

func (c *RabbitMQChecker) Name() string {
	return "rabbitmq"
}

// Check opens and closes a channel to prove the connection is usable.
func (c *RabbitMQChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"url": c.connManager.URL()},
	}

	if !c.connManager.IsConnected() {
		result.Status = StatusUnhealthy
		result.Message = "not connected"
		result.Duration = time.Since(start)
		return result
	}

	ch, err := c.connManager.Channel()
	if err != nil {
		result.Status = StatusDegraded
		result.Message = "failed to open channel"
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}
	_ = ch.Close()

	result.Status = StatusHealthy
	result.Message = "connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	return result
}

// RuntimeChecker flags goroutine leaks, typically sockets that never
// finished closing.
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds.
func NewRuntimeChecker(warn, critical int) *RuntimeChecker {
	return &RuntimeChecker{warnGoroutines: warn, criticalGoroutines: critical}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details: map[string]any{
			"memory_used_mb": float64(m.Sys) / 1024 / 1024,
			"gc_runs":        m.NumGC,
			"goroutines":     goroutines,
		},
	}
	switch {
	case goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("too many goroutines: %d", goroutines)
	case goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("high goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
	}
	result.Duration = time.Since(start)
	return result
}

// ComponentChecker allows checking custom components
type ComponentChecker struct {
	name    string
	checker func(ctx context.Context) (Status, string, map[string]any, error)
}

// NewComponentChecker creates a checker for custom components
func NewComponentChecker(name string, checker func(ctx context.Context) (Status, string, map[string]any, error)) *ComponentChecker {
	return &ComponentChecker{
		name:    name,
		checker: checker,
	}
}

func (c *ComponentChecker) Name() string {
	return c.name
}

func (c *ComponentChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	status, message, details, err := c.checker(ctx)

	result := CheckResult{
		Name:      c.Name(),
		Status:    status,
		Message:   message,
		Details:   details,
		Timestamp: start,
	}
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(start)
	return result
}
