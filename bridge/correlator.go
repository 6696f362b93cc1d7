package bridge

import (
	"sync"
	"time"

	"github.com/glimte/previewbridge-go/contracts"
)

// pendingRequest is a single-assignment result cell. The first settle call
// wins; later calls are no-ops.
type pendingRequest struct {
	id        int64
	expiresAt time.Time

	once  sync.Once
	done  chan struct{}
	reply contracts.Message
	err   error
}

func (p *pendingRequest) settle(reply contracts.Message, err error) bool {
	settled := false
	p.once.Do(func() {
		p.reply, p.err = reply, err
		close(p.done)
		settled = true
	})
	return settled
}

// correlator allocates correlation ids and tracks the requests awaiting a reply.
type correlator struct {
	mu      sync.Mutex
	lastID  int64
	pending map[int64]*pendingRequest
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[int64]*pendingRequest)}
}

// open allocates the next id. Ids are never reused for the correlator's lifetime.
func (c *correlator) open(timeout time.Duration) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastID++
	p := &pendingRequest{
		id:        c.lastID,
		expiresAt: time.Now().Add(timeout),
		done:      make(chan struct{}),
	}
	c.pending[p.id] = p
	return p
}

// resolve settles the request waiting for id with reply. It returns false when
// no request waits for id.
func (c *correlator) resolve(id int64, reply contracts.Message) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return p.settle(reply, nil)
}

func (c *correlator) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// discardAll drops every entry without settling it. Waiters still settle
// through their own timeout.
func (c *correlator) discardAll() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	c.pending = make(map[int64]*pendingRequest)
	return n
}

func (c *correlator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
