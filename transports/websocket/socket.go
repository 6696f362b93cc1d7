package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// socket pairs an accepted connection with its outbound queue. A single
// writer goroutine drains the queue.
type socket struct {
	ws      *websocket.Conn
	send    chan []byte
	closing atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSocket(parent context.Context, ws *websocket.Conn, queue int) *socket {
	ctx, cancel := context.WithCancel(parent)
	return &socket{
		ws:     ws,
		send:   make(chan []byte, queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *socket) enqueue(data []byte) error {
	if s.closing.Load() {
		return ErrConnectionClosed
	}
	select {
	case s.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (s *socket) writeLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			if err := s.ws.Write(s.ctx, websocket.MessageText, data); err != nil {
				s.cancel()
				return
			}
		}
	}
}

// close is safe to call more than once. Reads pending on the socket fail
// once it is closed.
func (s *socket) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		_ = s.ws.Close(code, reason)
		s.cancel()
	})
}

// abnormal reports whether a read error is worth surfacing as a connection
// error rather than an ordinary disconnect.
func (s *socket) abnormal(err error) bool {
	if s.closing.Load() || errors.Is(err, context.Canceled) {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return false
	}
	return true
}
