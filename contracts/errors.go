package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrNotStarted is reported when a send is attempted while the bridge is stopped.
	ErrNotStarted = errors.New("previewbridge: server not started")
	// ErrStopped completes a pending start interrupted by Stop.
	ErrStopped = errors.New("previewbridge: server stopped")
	// ErrStartTimeout is returned when the host channel did not confirm startup in time.
	ErrStartTimeout = errors.New("previewbridge: debugger server not started in time")
	// ErrRequestTimeout is wrapped by RequestTimeoutError.
	ErrRequestTimeout = errors.New("previewbridge: no response received in time")
	// ErrMalformedMessage is wrapped by every parse failure of inbound data.
	ErrMalformedMessage = errors.New("previewbridge: malformed message")
	// ErrUnknownEndpoint is returned by hosts asked to send to an id they do not hold.
	ErrUnknownEndpoint = errors.New("previewbridge: unknown endpoint")
	// ErrFrameNotRegistered is reported when the embedded frame slot is empty.
	ErrFrameNotRegistered = errors.New("previewbridge: no embedded game frame registered")
)

// StartError wraps a failure reported by the host channel while starting.
type StartError struct {
	Err error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("previewbridge: debugger server failed to start: %v", e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// RequestTimeoutError names the correlation id that received no reply.
type RequestTimeoutError struct {
	CorrelationID int64
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("previewbridge: no response received for message with correlation id %d", e.CorrelationID)
}

func (e *RequestTimeoutError) Unwrap() error {
	return ErrRequestTimeout
}
