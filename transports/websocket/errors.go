package websocket

import "errors"

var (
	// ErrBackpressure is returned when a connection's send queue is full.
	ErrBackpressure = errors.New("websocket: send queue full")
	// ErrOriginMismatch is returned when a frame post targets another origin.
	ErrOriginMismatch = errors.New("websocket: target origin does not match the frame origin")
	// ErrConnectionClosed is returned when sending on a closed connection.
	ErrConnectionClosed = errors.New("websocket: connection closed")
)
