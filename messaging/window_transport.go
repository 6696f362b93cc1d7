package messaging

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/glimte/previewbridge-go/contracts"
)

const (
	// AnyOrigin lets a posted message reach the frame whatever its origin.
	AnyOrigin = "*"
	// NullOrigin is the origin reported by previews loaded from local files.
	NullOrigin = "null"
)

// FramePoster delivers serialized messages into an embedded frame.
type FramePoster interface {
	PostMessage(data []byte, targetOrigin string) error
}

// FramePosterFunc is a function adapter for FramePoster
type FramePosterFunc func(data []byte, targetOrigin string) error

// PostMessage implements FramePoster
func (f FramePosterFunc) PostMessage(data []byte, targetOrigin string) error {
	return f(data, targetOrigin)
}

// Frame is an opaque handle on an embedded preview. Two handles designate the
// same endpoint only if they are the same pointer.
type Frame struct {
	poster FramePoster
}

// NewFrame wraps poster in a new handle.
func NewFrame(poster FramePoster) *Frame {
	return &Frame{poster: poster}
}

// WindowMessageEvent is a cross-context message received from a frame.
type WindowMessageEvent struct {
	Source *Frame
	Origin string
	Data   []byte
}

// WindowTransport holds the single embedded frame slot.
type WindowTransport struct {
	mu     sync.RWMutex
	frame  *Frame
	origin string
	logger *slog.Logger
}

// WindowTransportOption configures the WindowTransport
type WindowTransportOption func(*WindowTransport)

// WithWindowLogger sets the logger
func WithWindowLogger(logger *slog.Logger) WindowTransportOption {
	return func(t *WindowTransport) {
		t.logger = logger
	}
}

// WithOrigin sets the origin frames are expected to run on.
func WithOrigin(origin string) WindowTransportOption {
	return func(t *WindowTransport) {
		t.origin = origin
	}
}

// NewWindowTransport creates an empty windowed transport.
func NewWindowTransport(options ...WindowTransportOption) *WindowTransport {
	t := &WindowTransport{logger: slog.Default()}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// SetOrigin changes the expected origin.
func (t *WindowTransport) SetOrigin(origin string) {
	t.mu.Lock()
	t.origin = origin
	t.mu.Unlock()
}

// Origin returns the expected origin.
func (t *WindowTransport) Origin() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.origin
}

// Register occupies the slot with frame. It returns false when frame already
// occupies it. A previous occupant is replaced without being closed.
func (t *WindowTransport) Register(frame *Frame) bool {
	if frame == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.frame == frame {
		return false
	}
	if t.frame != nil {
		t.logger.Debug("replacing embedded game frame")
	}
	t.frame = frame
	return true
}

// Unregister empties the slot if frame is its occupant.
func (t *WindowTransport) Unregister(frame *Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if frame == nil || t.frame != frame {
		t.logger.Warn("ignoring unregistration of a frame that is not the registered embedded game frame")
		return false
	}
	t.frame = nil
	return true
}

// Clear empties the slot and returns the previous occupant, if any.
func (t *WindowTransport) Clear() *Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.frame
	t.frame = nil
	return prev
}

// Occupied reports whether a frame is registered.
func (t *WindowTransport) Occupied() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.frame != nil
}

// IsReachable implements Transport
func (t *WindowTransport) IsReachable(id contracts.EndpointID) bool {
	return id == contracts.EmbeddedGameFrameID && t.Occupied()
}

// IDs implements Transport
func (t *WindowTransport) IDs() []contracts.EndpointID {
	if !t.Occupied() {
		return nil
	}
	return []contracts.EndpointID{contracts.EmbeddedGameFrameID}
}

// Send implements Transport
func (t *WindowTransport) Send(id contracts.EndpointID, msg contracts.Message) error {
	if id != contracts.EmbeddedGameFrameID {
		return fmt.Errorf("%w: %s is not the embedded game frame", contracts.ErrUnknownEndpoint, id)
	}
	t.mu.RLock()
	frame, origin := t.frame, t.origin
	t.mu.RUnlock()
	if frame == nil {
		return contracts.ErrFrameNotRegistered
	}

	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return frame.poster.PostMessage(data, targetOrigin(origin))
}

// Accept attributes an inbound event to the registered frame. It returns
// false when the origin is not the expected one or when the sender is not the
// frame occupying the slot.
func (t *WindowTransport) Accept(ev WindowMessageEvent) (contracts.EndpointID, bool) {
	t.mu.RLock()
	frame, origin := t.frame, t.origin
	t.mu.RUnlock()

	if !originAllowed(origin, ev.Origin) {
		t.logger.Debug("dropping window message from unexpected origin",
			"origin", ev.Origin,
			"expected", origin,
		)
		return "", false
	}
	if frame == nil || ev.Source != frame {
		t.logger.Debug("dropping window message from an unknown frame", "origin", ev.Origin)
		return "", false
	}
	return contracts.EmbeddedGameFrameID, true
}

// enforceable reports whether origin can restrict where a message goes.
// Previews opened from local files have no such origin.
func enforceable(origin string) bool {
	return origin != "" && origin != NullOrigin && origin != AnyOrigin && !strings.HasPrefix(origin, "file://")
}

func targetOrigin(origin string) string {
	if enforceable(origin) {
		return origin
	}
	return AnyOrigin
}

func originAllowed(expected, got string) bool {
	if got == NullOrigin || !enforceable(expected) {
		return true
	}
	return got == expected
}
