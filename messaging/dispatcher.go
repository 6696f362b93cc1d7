package messaging

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/glimte/previewbridge-go/contracts"
)

// ConnectionEvent reports an endpoint that connected or disconnected, along
// with the endpoint ids known right after the change.
type ConnectionEvent struct {
	ID          contracts.EndpointID
	DebuggerIDs []contracts.EndpointID
}

// ErrorEvent reports a transport-level error on an endpoint.
type ErrorEvent struct {
	ID      contracts.EndpointID
	Message string
}

// MessageEvent carries a message received from an endpoint.
type MessageEvent struct {
	ID      contracts.EndpointID
	Message contracts.Message
	Command contracts.Command
}

// Observer bundles the callbacks of one interested party. Every field is optional.
type Observer struct {
	OnConnectionOpened func(ConnectionEvent)
	OnConnectionClosed func(ConnectionEvent)
	OnErrorReceived    func(ErrorEvent)
	OnMessage          func(MessageEvent)
}

// registration gives each Register call its own identity, so registering the
// same Observer twice yields two independent registrations.
type registration struct {
	observer Observer
}

// ObserverRegistry broadcasts bridge events to every registered Observer.
//
// Delivery is synchronous and follows registration order. A panicking
// callback is recovered and logged; the remaining observers still receive
// the event.
//
// Events are delivered on the goroutine that raised them and no lock is
// held while callbacks run, so callbacks may call back into the bridge.
// Events raised concurrently, such as an open and a close reported by
// different host connections, may therefore reach observers in a different
// order than the registry changes they describe. Each ConnectionEvent's
// DebuggerIDs is the snapshot taken when its own change was applied; use
// the bridge's DebuggerIDs for the current set.
type ObserverRegistry struct {
	mu            sync.RWMutex
	registrations []*registration
	logger        *slog.Logger
}

// ObserverRegistryOption configures the ObserverRegistry
type ObserverRegistryOption func(*ObserverRegistry)

// WithObserverLogger sets the logger
func WithObserverLogger(logger *slog.Logger) ObserverRegistryOption {
	return func(r *ObserverRegistry) {
		r.logger = logger
	}
}

// NewObserverRegistry creates an empty registry.
func NewObserverRegistry(options ...ObserverRegistryOption) *ObserverRegistry {
	r := &ObserverRegistry{logger: slog.Default()}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// Register adds observer and returns a function removing exactly this
// registration. The function may be called any number of times.
func (r *ObserverRegistry) Register(observer Observer) func() {
	reg := &registration{observer: observer}

	r.mu.Lock()
	r.registrations = append(r.registrations, reg)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if i := slices.Index(r.registrations, reg); i >= 0 {
			r.registrations = slices.Delete(r.registrations, i, i+1)
		}
	}
}

// Len returns the number of registered observers.
func (r *ObserverRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.registrations)
}

// ConnectionOpened broadcasts ev to OnConnectionOpened callbacks.
func (r *ObserverRegistry) ConnectionOpened(ev ConnectionEvent) {
	r.each("connectionOpened", func(o Observer) {
		if o.OnConnectionOpened != nil {
			o.OnConnectionOpened(ev)
		}
	})
}

// ConnectionClosed broadcasts ev to OnConnectionClosed callbacks.
func (r *ObserverRegistry) ConnectionClosed(ev ConnectionEvent) {
	r.each("connectionClosed", func(o Observer) {
		if o.OnConnectionClosed != nil {
			o.OnConnectionClosed(ev)
		}
	})
}

// ErrorReceived broadcasts ev to OnErrorReceived callbacks.
func (r *ObserverRegistry) ErrorReceived(ev ErrorEvent) {
	r.each("errorReceived", func(o Observer) {
		if o.OnErrorReceived != nil {
			o.OnErrorReceived(ev)
		}
	})
}

// Message broadcasts ev to OnMessage callbacks.
func (r *ObserverRegistry) Message(ev MessageEvent) {
	r.each("message", func(o Observer) {
		if o.OnMessage != nil {
			o.OnMessage(ev)
		}
	})
}

func (r *ObserverRegistry) each(event string, deliver func(Observer)) {
	// Snapshot so callbacks may register or unregister observers.
	r.mu.RLock()
	regs := slices.Clone(r.registrations)
	r.mu.RUnlock()

	for i, reg := range regs {
		if err := r.safeDeliver(reg.observer, deliver); err != nil {
			r.logger.Error("observer callback failed",
				"event", event,
				"observer", i,
				"error", err,
			)
		}
	}
}

func (r *ObserverRegistry) safeDeliver(o Observer, deliver func(Observer)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in observer: %v", p)
		}
	}()
	deliver(o)
	return nil
}
