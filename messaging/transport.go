package messaging

import (
	"context"

	"github.com/glimte/previewbridge-go/contracts"
)

// Transport is the capability shared by the windowed and channel transports.
type Transport interface {
	// Send serializes msg and delivers it to the endpoint id.
	Send(id contracts.EndpointID, msg contracts.Message) error

	// IsReachable reports whether id is currently tracked by this transport.
	IsReachable(id contracts.EndpointID) bool

	// IDs returns the endpoint ids currently tracked by this transport.
	IDs() []contracts.EndpointID
}

// HostChannel is the duplex channel provided by the process hosting the
// previews. The bridge does not own it; it only arms it, sends through it and
// asks it to drop its connections.
type HostChannel interface {
	// Start arms the channel. The outcome is reported asynchronously through
	// events.Started or events.StartError. Events delivered after a later Start
	// call must use the events value passed to that later call.
	Start(events HostEvents)

	// Send forwards a serialized message to the connection identified by id.
	Send(id contracts.EndpointID, data []byte) error

	// CloseAllConnections drops every connection the channel holds.
	CloseAllConnections() error
}

// HostEvents receives the notifications of a HostChannel.
type HostEvents interface {
	Started(addr contracts.ServerAddress)
	StartError(err error)
	ConnectionOpened(id contracts.EndpointID)
	ConnectionClosed(id contracts.EndpointID)
	ConnectionErrored(id contracts.EndpointID, message string)
	MessageReceived(id contracts.EndpointID, data []byte)
}

// Stopper is implemented by host channels that can release their listener.
type Stopper interface {
	Stop(ctx context.Context) error
}
