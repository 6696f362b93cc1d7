package messaging

import (
	"slices"
	"sync"

	"github.com/glimte/previewbridge-go/contracts"
)

// ChannelTransport reaches previews running in separate processes through a
// HostChannel. It tracks connected ids itself, independently of the host's
// own bookkeeping.
type ChannelTransport struct {
	host HostChannel
	mu   sync.RWMutex
	ids  []contracts.EndpointID
}

// NewChannelTransport creates a transport over host.
func NewChannelTransport(host HostChannel) *ChannelTransport {
	return &ChannelTransport{host: host}
}

// Host returns the underlying host channel.
func (t *ChannelTransport) Host() HostChannel {
	return t.host
}

// Track appends id to the tracked list. It returns false if id was already tracked.
func (t *ChannelTransport) Track(id contracts.EndpointID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if slices.Contains(t.ids, id) {
		return false
	}
	t.ids = append(t.ids, id)
	return true
}

// Untrack removes id. It returns false if id was not tracked.
func (t *ChannelTransport) Untrack(id contracts.EndpointID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := slices.Index(t.ids, id)
	if i < 0 {
		return false
	}
	t.ids = slices.Delete(t.ids, i, i+1)
	return true
}

// Reset forgets every tracked id and returns them.
func (t *ChannelTransport) Reset() []contracts.EndpointID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.ids
	t.ids = nil
	return ids
}

// IsReachable implements Transport
func (t *ChannelTransport) IsReachable(id contracts.EndpointID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Contains(t.ids, id)
}

// IDs implements Transport
func (t *ChannelTransport) IDs() []contracts.EndpointID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.ids)
}

// Send implements Transport. The id is not checked against the tracked list.
func (t *ChannelTransport) Send(id contracts.EndpointID, msg contracts.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return t.host.Send(id, data)
}
