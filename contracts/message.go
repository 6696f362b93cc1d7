package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// EndpointID identifies a running preview. Ids assigned by a host channel are
// opaque and unique for the lifetime of a connection.
type EndpointID string

// EmbeddedGameFrameID is the reserved id of the preview running in the
// embedded frame.
const EmbeddedGameFrameID EndpointID = "embedded-game-frame"

// ServerState reports whether the bridge accepts outbound messages.
type ServerState int

const (
	// Stopped is the initial state. No message is sent while stopped.
	Stopped ServerState = iota
	// Started is entered once the host channel confirmed it is listening.
	Started
)

func (s ServerState) String() string {
	switch s {
	case Started:
		return "started"
	default:
		return "stopped"
	}
}

// ServerAddress is where previews reach the host channel.
type ServerAddress struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (a ServerAddress) String() string {
	return a.Address + ":" + strconv.Itoa(a.Port)
}

// Message is the wire unit exchanged with previews.
type Message struct {
	Command       string          `json:"command"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	CorrelationID *int64          `json:"correlationId,omitempty"`
}

// HasCorrelationID reports whether the message carries a correlation id.
func (m Message) HasCorrelationID() bool {
	return m.CorrelationID != nil
}

// WithCorrelationID returns a copy of m tagged with id.
func (m Message) WithCorrelationID(id int64) Message {
	m.CorrelationID = &id
	return m
}

// WithoutCorrelationID returns a copy of m with no correlation id.
func (m Message) WithoutCorrelationID() Message {
	m.CorrelationID = nil
	return m
}

// Marshal serializes the message to its JSON wire form.
func (m Message) Marshal() ([]byte, error) {
	if m.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrMalformedMessage)
	}
	return json.Marshal(m)
}

// wireMessage mirrors Message with loosely typed fields so ParseMessage can
// report precise errors instead of relying on encoding/json's messages.
type wireMessage struct {
	Command       *string         `json:"command"`
	Payload       json.RawMessage `json:"payload"`
	CorrelationID json.RawMessage `json:"correlationId"`
}

// ParseMessage decodes raw inbound bytes. It fails with an error wrapping
// ErrMalformedMessage when the data is not a JSON object, has no command or
// carries a non-integer correlation id. The payload may be any JSON.
func ParseMessage(data []byte) (Message, error) {
	msg, _, err := Decode(data)
	return msg, err
}

// Decode is ParseMessage that also returns the typed command.
func Decode(data []byte) (Message, Command, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, nil, fmt.Errorf("%w: not a JSON object", ErrMalformedMessage)
	}

	var w wireMessage
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return Message{}, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.Command == nil || *w.Command == "" {
		return Message{}, nil, fmt.Errorf("%w: missing command", ErrMalformedMessage)
	}

	msg := Message{Command: *w.Command}
	if len(w.Payload) > 0 && !bytes.Equal(w.Payload, []byte("null")) {
		msg.Payload = w.Payload
	}
	if len(w.CorrelationID) > 0 && !bytes.Equal(w.CorrelationID, []byte("null")) {
		id, err := strconv.ParseInt(string(w.CorrelationID), 10, 64)
		if err != nil {
			return Message{}, nil, fmt.Errorf("%w: correlationId %s is not an integer", ErrMalformedMessage, w.CorrelationID)
		}
		msg.CorrelationID = &id
	}

	cmd, err := DecodeCommand(msg)
	if err != nil {
		return Message{}, nil, err
	}
	return msg, cmd, nil
}
