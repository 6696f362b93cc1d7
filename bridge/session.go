package bridge

import (
	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
)

// hostSession receives the host channel events of one Start generation.
// Events reported after a newer Start, or after Stop, are ignored.
type hostSession struct {
	bridge     *Bridge
	generation uint64
}

var _ messaging.HostEvents = (*hostSession)(nil)

// current reports whether the session still belongs to the running
// generation. The caller must hold b.mu.
func (s *hostSession) current() bool {
	return s.bridge.generation == s.generation
}

// Started implements messaging.HostEvents
func (s *hostSession) Started(address contracts.ServerAddress) {
	b := s.bridge
	b.mu.Lock()
	if !s.current() {
		b.mu.Unlock()
		b.logger.Debug("ignoring start confirmation of a previous run")
		return
	}
	addr := address
	b.address = &addr
	b.state = contracts.Started
	attempt := b.starting
	b.starting = nil
	b.mu.Unlock()

	if attempt == nil {
		b.logger.Warn("debugger server started after the start timeout", "address", address.String())
	} else {
		b.logger.Info("debugger server started", "address", address.String())
	}
	b.metrics.RecordStart("started")
	if attempt != nil {
		attempt.complete(nil)
	}
}

// StartError implements messaging.HostEvents
func (s *hostSession) StartError(err error) {
	b := s.bridge
	b.mu.Lock()
	if !s.current() {
		b.mu.Unlock()
		return
	}
	attempt := b.starting
	b.starting = nil
	b.mu.Unlock()

	b.logger.Error("debugger server failed to start", "error", err)
	b.metrics.RecordStart("error")
	if attempt != nil {
		attempt.complete(&contracts.StartError{Err: err})
	}
}

// ConnectionOpened implements messaging.HostEvents
func (s *hostSession) ConnectionOpened(id contracts.EndpointID) {
	b := s.bridge
	if id == contracts.EmbeddedGameFrameID {
		b.logger.Warn("host channel reported a reserved endpoint id, ignoring", "debuggerId", id)
		return
	}

	b.mu.Lock()
	if !s.current() {
		b.mu.Unlock()
		return
	}
	tracked := b.channel.Track(id)
	ids := b.debuggerIDsLocked()
	b.mu.Unlock()
	if !tracked {
		b.logger.Debug("connection already tracked", "debuggerId", id)
		return
	}

	b.logger.Info("debugger connection opened", "debuggerId", id)
	b.metrics.RecordConnection(TransportChannel, true)
	b.observers.ConnectionOpened(messaging.ConnectionEvent{ID: id, DebuggerIDs: ids})
}

// ConnectionClosed implements messaging.HostEvents
func (s *hostSession) ConnectionClosed(id contracts.EndpointID) {
	b := s.bridge
	b.mu.Lock()
	if !s.current() {
		b.mu.Unlock()
		return
	}
	untracked := b.channel.Untrack(id)
	ids := b.debuggerIDsLocked()
	b.mu.Unlock()
	if !untracked {
		b.logger.Debug("ignoring close of an untracked connection", "debuggerId", id)
		return
	}

	b.logger.Info("debugger connection closed", "debuggerId", id)
	b.metrics.RecordConnection(TransportChannel, false)
	b.observers.ConnectionClosed(messaging.ConnectionEvent{ID: id, DebuggerIDs: ids})
}

// ConnectionErrored implements messaging.HostEvents
func (s *hostSession) ConnectionErrored(id contracts.EndpointID, message string) {
	b := s.bridge
	b.mu.Lock()
	ok := s.current()
	b.mu.Unlock()
	if !ok {
		return
	}

	b.logger.Warn("debugger connection error", "debuggerId", id, "error", message)
	b.observers.ErrorReceived(messaging.ErrorEvent{ID: id, Message: message})
}

// MessageReceived implements messaging.HostEvents
func (s *hostSession) MessageReceived(id contracts.EndpointID, data []byte) {
	b := s.bridge
	b.mu.Lock()
	ok := s.current()
	b.mu.Unlock()
	if !ok {
		return
	}
	b.receive(TransportChannel, id, data)
}
