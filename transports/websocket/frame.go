package websocket

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/glimte/previewbridge-go/messaging"
)

// FrameTarget receives the embedded preview view relayed by the host.
// *bridge.Bridge implements it.
type FrameTarget interface {
	RegisterEmbeddedGameFrame(frame *messaging.Frame)
	UnregisterEmbeddedGameFrame(frame *messaging.Frame)
	HandleWindowMessage(ev messaging.WindowMessageEvent)
}

// framePoster posts to the relayed view, honouring the target origin the
// way a browser does for cross-context messages.
type framePoster struct {
	socket *socket
	origin string
}

func (p *framePoster) PostMessage(data []byte, targetOrigin string) error {
	if targetOrigin != messaging.AnyOrigin && targetOrigin != p.origin {
		return ErrOriginMismatch
	}
	return p.socket.enqueue(data)
}

func (h *Host) serveEmbedded(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	target, parent := h.frames, h.ctx
	h.mu.Unlock()
	if target == nil || parent == nil {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, h.acceptOptions())
	if err != nil {
		h.logger.Warn("rejected embedded frame", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = messaging.NullOrigin
	}

	relay := newSocket(parent, ws, h.sendQueue)
	frame := messaging.NewFrame(&framePoster{socket: relay, origin: origin})

	h.mu.Lock()
	h.relays[relay] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("embedded frame connected", "origin", origin)
	target.RegisterEmbeddedGameFrame(frame)
	go relay.writeLoop()

	defer func() {
		h.mu.Lock()
		delete(h.relays, relay)
		h.mu.Unlock()
		relay.close(websocket.StatusNormalClosure, "")
		target.UnregisterEmbeddedGameFrame(frame)
		h.logger.Debug("embedded frame disconnected", "origin", origin)
	}()

	for {
		_, data, err := ws.Read(relay.ctx)
		if err != nil {
			if relay.abnormal(err) {
				h.logger.Warn("embedded frame read failed", "error", err)
			}
			return
		}
		target.HandleWindowMessage(messaging.WindowMessageEvent{
			Source: frame,
			Origin: origin,
			Data:   data,
		})
	}
}
