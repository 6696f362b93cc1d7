package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	id   contracts.EndpointID
	data []byte
}

// fakeHost is a host channel whose events are driven by the test.
type fakeHost struct {
	mu         sync.Mutex
	autoStart  bool
	startErr   error
	events     []messaging.HostEvents
	sent       []sentFrame
	closeCalls int
	stopCalls  int
}

func (h *fakeHost) Start(events messaging.HostEvents) {
	h.mu.Lock()
	h.events = append(h.events, events)
	auto, startErr := h.autoStart, h.startErr
	h.mu.Unlock()

	switch {
	case startErr != nil:
		events.StartError(startErr)
	case auto:
		events.Started(contracts.ServerAddress{Address: "127.0.0.1", Port: 3030})
	}
}

func (h *fakeHost) Send(id contracts.EndpointID, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentFrame{id: id, data: data})
	return nil
}

func (h *fakeHost) CloseAllConnections() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	return nil
}

func (h *fakeHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopCalls++
	return nil
}

func (h *fakeHost) session(i int) messaging.HostEvents {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[i]
}

func (h *fakeHost) latest() messaging.HostEvents {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.events[len(h.events)-1]
}

func (h *fakeHost) startCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func (h *fakeHost) sentTo(id contracts.EndpointID) []contracts.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []contracts.Message
	for _, f := range h.sent {
		if f.id != id {
			continue
		}
		msg, err := contracts.ParseMessage(f.data)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

// recorder collects observer events.
type recorder struct {
	mu       sync.Mutex
	opened   []messaging.ConnectionEvent
	closed   []messaging.ConnectionEvent
	errors   []messaging.ErrorEvent
	messages []messaging.MessageEvent
}

func (r *recorder) observer() messaging.Observer {
	return messaging.Observer{
		OnConnectionOpened: func(ev messaging.ConnectionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.opened = append(r.opened, ev)
		},
		OnConnectionClosed: func(ev messaging.ConnectionEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closed = append(r.closed, ev)
		},
		OnErrorReceived: func(ev messaging.ErrorEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, ev)
		},
		OnMessage: func(ev messaging.MessageEvent) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, ev)
		},
	}
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// framePosts records the data posted to an embedded frame.
type framePosts struct {
	mu      sync.Mutex
	data    [][]byte
	origins []string
}

func (p *framePosts) PostMessage(data []byte, targetOrigin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append(p.data, data)
	p.origins = append(p.origins, targetOrigin)
	return nil
}

func (p *framePosts) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.data)
}

func newTestBridge(host *fakeHost, opts ...Option) *Bridge {
	opts = append([]Option{
		WithStartTimeout(50 * time.Millisecond),
		WithRequestTimeout(80 * time.Millisecond),
	}, opts...)
	return New(host, opts...)
}

func startedBridge(t *testing.T, opts ...Option) (*Bridge, *fakeHost) {
	t.Helper()
	host := &fakeHost{autoStart: true}
	b := newTestBridge(host, opts...)
	require.NoError(t, b.Start(context.Background(), StartOptions{}))
	return b, host
}

func reply(t *testing.T, command string, correlationID int64) []byte {
	t.Helper()
	data, err := contracts.Message{Command: command}.WithCorrelationID(correlationID).Marshal()
	require.NoError(t, err)
	return data
}

func TestBridgeStart(t *testing.T) {
	t.Run("Start succeeds when the host confirms", func(t *testing.T) {
		b, host := startedBridge(t)

		assert.Equal(t, contracts.Started, b.State())
		addr, ok := b.Address()
		assert.True(t, ok)
		assert.Equal(t, contracts.ServerAddress{Address: "127.0.0.1", Port: 3030}, addr)
		assert.Equal(t, 1, host.startCalls())
	})

	t.Run("Start times out when the host never answers", func(t *testing.T) {
		host := &fakeHost{}
		b := newTestBridge(host)

		began := time.Now()
		err := b.Start(context.Background(), StartOptions{})

		assert.ErrorIs(t, err, contracts.ErrStartTimeout)
		assert.GreaterOrEqual(t, time.Since(began), 50*time.Millisecond)
		assert.Equal(t, contracts.Stopped, b.State())
		_, ok := b.Address()
		assert.False(t, ok)
	})

	t.Run("Start reports host failures", func(t *testing.T) {
		cause := errors.New("address in use")
		host := &fakeHost{startErr: cause}
		b := newTestBridge(host)

		err := b.Start(context.Background(), StartOptions{})

		var startErr *contracts.StartError
		require.ErrorAs(t, err, &startErr)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, contracts.Stopped, b.State())
	})

	t.Run("Start is idempotent once started", func(t *testing.T) {
		b, host := startedBridge(t)

		require.NoError(t, b.Start(context.Background(), StartOptions{}))
		require.NoError(t, b.Start(context.Background(), StartOptions{}))
		assert.Equal(t, 1, host.startCalls())
	})

	t.Run("concurrent Start calls share one attempt", func(t *testing.T) {
		host := &fakeHost{}
		b := New(host, WithStartTimeout(time.Second))

		var wg sync.WaitGroup
		errs := make([]error, 3)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = b.Start(context.Background(), StartOptions{})
			}(i)
		}

		require.Eventually(t, func() bool { return host.startCalls() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		host.latest().Started(contracts.ServerAddress{Address: "localhost", Port: 1})
		wg.Wait()

		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.Equal(t, 1, host.startCalls())
	})

	t.Run("late confirmation still starts the bridge", func(t *testing.T) {
		host := &fakeHost{}
		b := newTestBridge(host)

		err := b.Start(context.Background(), StartOptions{})
		require.ErrorIs(t, err, contracts.ErrStartTimeout)

		host.latest().Started(contracts.ServerAddress{Address: "localhost", Port: 4040})

		assert.Equal(t, contracts.Started, b.State())
		addr, ok := b.Address()
		assert.True(t, ok)
		assert.Equal(t, 4040, addr.Port)
	})

	t.Run("Start honours context cancellation", func(t *testing.T) {
		host := &fakeHost{}
		b := New(host, WithStartTimeout(time.Second))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := b.Start(ctx, StartOptions{})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("events of a previous run are ignored", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		require.NoError(t, b.Stop(context.Background()))
		require.NoError(t, b.Start(context.Background(), StartOptions{}))
		require.Equal(t, 2, host.startCalls())

		host.session(0).ConnectionOpened("stale")
		host.session(0).MessageReceived("stale", []byte(`{"command":"pong"}`))
		host.session(1).ConnectionOpened("fresh")

		assert.Equal(t, []contracts.EndpointID{"fresh"}, b.DebuggerIDs())
		assert.Len(t, rec.opened, 1)
		assert.Empty(t, rec.messages)
	})
}

func TestBridgeRestartAfterTimeout(t *testing.T) {
	host := &fakeHost{}
	b := newTestBridge(host)
	rec := &recorder{}
	b.RegisterCallbacks(rec.observer())

	require.ErrorIs(t, b.Start(context.Background(), StartOptions{}), contracts.ErrStartTimeout)
	host.latest().ConnectionOpened("x")
	require.Equal(t, []contracts.EndpointID{"x"}, b.DebuggerIDs())

	host.mu.Lock()
	host.autoStart = true
	host.mu.Unlock()
	require.NoError(t, b.Start(context.Background(), StartOptions{}))

	assert.Empty(t, b.DebuggerIDs())
	require.Len(t, rec.opened, 1)
	require.Len(t, rec.closed, 1)
	assert.Equal(t, contracts.EndpointID("x"), rec.closed[0].ID)
	assert.Empty(t, rec.closed[0].DebuggerIDs)
	assert.Equal(t, 1, host.closeCalls)
	assert.Equal(t, contracts.Started, b.State())
}

func TestBridgeStop(t *testing.T) {
	t.Run("Stop closes connections and releases the host", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		host.latest().ConnectionOpened("a")

		require.NoError(t, b.Stop(context.Background()))

		assert.Equal(t, contracts.Stopped, b.State())
		assert.Empty(t, b.DebuggerIDs())
		require.Len(t, rec.closed, 1)
		assert.Equal(t, contracts.EndpointID("a"), rec.closed[0].ID)
		assert.Equal(t, 1, host.closeCalls)
		assert.Equal(t, 1, host.stopCalls)
		_, ok := b.Address()
		assert.False(t, ok)
	})

	t.Run("Stop completes a pending Start", func(t *testing.T) {
		host := &fakeHost{}
		b := New(host, WithStartTimeout(time.Second))

		done := make(chan error, 1)
		go func() { done <- b.Start(context.Background(), StartOptions{}) }()
		require.Eventually(t, func() bool { return host.startCalls() == 1 }, time.Second, 5*time.Millisecond)

		require.NoError(t, b.Stop(context.Background()))

		select {
		case err := <-done:
			assert.ErrorIs(t, err, contracts.ErrStopped)
		case <-time.After(time.Second):
			t.Fatal("Start did not return after Stop")
		}
	})
}

func TestBridgeConnections(t *testing.T) {
	t.Run("concurrent connections keep events consistent with their ids", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		events := host.latest()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(id contracts.EndpointID) {
				defer wg.Done()
				events.ConnectionOpened(id)
				events.ConnectionClosed(id)
			}(contracts.EndpointID(fmt.Sprintf("p%d", i)))
		}
		wg.Wait()

		assert.Empty(t, b.DebuggerIDs())
		require.Len(t, rec.opened, 10)
		require.Len(t, rec.closed, 10)
		for _, ev := range rec.opened {
			assert.Contains(t, ev.DebuggerIDs, ev.ID)
		}
		for _, ev := range rec.closed {
			assert.NotContains(t, ev.DebuggerIDs, ev.ID)
		}
	})

	t.Run("open then close reports the remaining ids", func(t *testing.T) {
		b, host := startedBridge(t)
		first, second := &recorder{}, &recorder{}
		b.RegisterCallbacks(first.observer())
		b.RegisterCallbacks(second.observer())
		events := host.latest()

		events.ConnectionOpened("abc")
		assert.Equal(t, []contracts.EndpointID{"abc"}, b.DebuggerIDs())

		events.ConnectionClosed("abc")
		assert.Empty(t, b.DebuggerIDs())

		for _, rec := range []*recorder{first, second} {
			require.Len(t, rec.closed, 1)
			assert.Equal(t, contracts.EndpointID("abc"), rec.closed[0].ID)
			assert.Empty(t, rec.closed[0].DebuggerIDs)
		}
	})

	t.Run("opened event carries the ids after the change", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().ConnectionOpened("a")
		host.latest().ConnectionOpened("b")

		require.Len(t, rec.opened, 2)
		assert.Equal(t, []contracts.EndpointID{"a"}, rec.opened[0].DebuggerIDs)
		assert.Equal(t, []contracts.EndpointID{"a", "b"}, rec.opened[1].DebuggerIDs)
	})

	t.Run("duplicate opens and unknown closes are ignored", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().ConnectionOpened("a")
		host.latest().ConnectionOpened("a")
		host.latest().ConnectionClosed("ghost")

		assert.Equal(t, []contracts.EndpointID{"a"}, b.DebuggerIDs())
		assert.Len(t, rec.opened, 1)
		assert.Empty(t, rec.closed)
	})

	t.Run("reserved id from the host is ignored", func(t *testing.T) {
		b, host := startedBridge(t)

		host.latest().ConnectionOpened(contracts.EmbeddedGameFrameID)

		assert.Empty(t, b.DebuggerIDs())
	})

	t.Run("debugger ids list the frame first then channel endpoints", func(t *testing.T) {
		b, host := startedBridge(t)
		host.latest().ConnectionOpened("x")
		host.latest().ConnectionOpened("y")
		b.RegisterEmbeddedGameFrame(messaging.NewFrame(&framePosts{}))

		assert.Equal(t, []contracts.EndpointID{contracts.EmbeddedGameFrameID, "x", "y"}, b.DebuggerIDs())
	})

	t.Run("connection errors reach observers", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().ConnectionErrored("a", "socket hang up")

		require.Len(t, rec.errors, 1)
		assert.Equal(t, messaging.ErrorEvent{ID: "a", Message: "socket hang up"}, rec.errors[0])
	})
}

func TestBridgeEmbeddedGameFrame(t *testing.T) {
	t.Run("one-way send posts exactly once without correlation id", func(t *testing.T) {
		b, _ := startedBridge(t)
		posts := &framePosts{}
		b.RegisterEmbeddedGameFrame(messaging.NewFrame(posts))

		b.SendMessage(contracts.EmbeddedGameFrameID, contracts.Message{Command: "ping"})

		require.Equal(t, 1, posts.count())
		assert.JSONEq(t, `{"command":"ping"}`, string(posts.data[0]))
		assert.Equal(t, messaging.AnyOrigin, posts.origins[0])
	})

	t.Run("posts are restricted to the configured origin", func(t *testing.T) {
		host := &fakeHost{autoStart: true}
		b := newTestBridge(host)
		require.NoError(t, b.Start(context.Background(), StartOptions{Origin: "https://editor.example"}))
		posts := &framePosts{}
		b.RegisterEmbeddedGameFrame(messaging.NewFrame(posts))

		b.SendMessage(contracts.EmbeddedGameFrameID, contracts.Message{Command: "play"})

		require.Equal(t, 1, posts.count())
		assert.Equal(t, "https://editor.example", posts.origins[0])
	})

	t.Run("register emits opened once per frame", func(t *testing.T) {
		b, _ := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		frame := messaging.NewFrame(&framePosts{})

		b.RegisterEmbeddedGameFrame(frame)
		b.RegisterEmbeddedGameFrame(frame)

		require.Len(t, rec.opened, 1)
		assert.Equal(t, contracts.EmbeddedGameFrameID, rec.opened[0].ID)
	})

	t.Run("unregister ignores other frames", func(t *testing.T) {
		b, _ := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		frame := messaging.NewFrame(&framePosts{})
		b.RegisterEmbeddedGameFrame(frame)

		b.UnregisterEmbeddedGameFrame(messaging.NewFrame(&framePosts{}))
		assert.Equal(t, []contracts.EndpointID{contracts.EmbeddedGameFrameID}, b.DebuggerIDs())
		assert.Empty(t, rec.closed)

		b.UnregisterEmbeddedGameFrame(frame)
		assert.Empty(t, b.DebuggerIDs())
		require.Len(t, rec.closed, 1)
		assert.Empty(t, rec.closed[0].DebuggerIDs)
	})

	t.Run("send without a registered frame is dropped", func(t *testing.T) {
		b, host := startedBridge(t)

		b.SendMessage(contracts.EmbeddedGameFrameID, contracts.Message{Command: "ping"})

		assert.Empty(t, host.sentTo(contracts.EmbeddedGameFrameID))
	})

	t.Run("window messages from the registered frame reach observers", func(t *testing.T) {
		b, _ := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		frame := messaging.NewFrame(&framePosts{})
		b.RegisterEmbeddedGameFrame(frame)

		b.HandleWindowMessage(messaging.WindowMessageEvent{Source: frame, Origin: "null", Data: []byte(`{"command":"game.paused"}`)})
		b.HandleWindowMessage(messaging.WindowMessageEvent{Source: messaging.NewFrame(&framePosts{}), Origin: "null", Data: []byte(`{"command":"pong"}`)})

		require.Len(t, rec.messages, 1)
		assert.Equal(t, contracts.EmbeddedGameFrameID, rec.messages[0].ID)
		assert.Equal(t, contracts.GamePaused{}, rec.messages[0].Command)
	})
}

func TestBridgeSendMessage(t *testing.T) {
	t.Run("send while stopped is a no-op", func(t *testing.T) {
		host := &fakeHost{}
		b := newTestBridge(host)

		b.SendMessage("a", contracts.Message{Command: "play"})

		assert.Empty(t, host.sentTo("a"))
	})

	t.Run("send keeps the message as given", func(t *testing.T) {
		b, host := startedBridge(t)
		host.latest().ConnectionOpened("a")

		b.SendMessage("a", contracts.Message{Command: "play"})

		sent := host.sentTo("a")
		require.Len(t, sent, 1)
		assert.Equal(t, "play", sent[0].Command)
		assert.False(t, sent[0].HasCorrelationID())
	})

	t.Run("broadcast reaches every endpoint", func(t *testing.T) {
		b, host := startedBridge(t)
		host.latest().ConnectionOpened("a")
		host.latest().ConnectionOpened("b")
		posts := &framePosts{}
		b.RegisterEmbeddedGameFrame(messaging.NewFrame(posts))

		b.Broadcast(contracts.MustMessage(contracts.Pause{}))

		assert.Len(t, host.sentTo("a"), 1)
		assert.Len(t, host.sentTo("b"), 1)
		assert.Equal(t, 1, posts.count())
	})
}

func TestBridgeSendMessageWithResponse(t *testing.T) {
	t.Run("first matching reply wins", func(t *testing.T) {
		b, host := startedBridge(t, WithRequestTimeout(time.Second))
		host.latest().ConnectionOpened("a")
		host.latest().ConnectionOpened("b")

		type result struct {
			msg contracts.Message
			err error
		}
		done := make(chan result, 1)
		go func() {
			msg, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})
			done <- result{msg, err}
		}()

		require.Eventually(t, func() bool { return len(host.sentTo("b")) == 1 }, time.Second, 5*time.Millisecond)
		request := host.sentTo("b")[0]
		require.True(t, request.HasCorrelationID())
		id := *request.CorrelationID
		assert.Equal(t, id, *host.sentTo("a")[0].CorrelationID)

		host.latest().MessageReceived("b", reply(t, "fromB", id))
		host.latest().MessageReceived("a", reply(t, "fromA", id))

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, "fromB", res.msg.Command)
		assert.Equal(t, 0, b.PendingRequests())
	})

	t.Run("replies still reach observers", func(t *testing.T) {
		b, host := startedBridge(t, WithRequestTimeout(time.Second))
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())
		host.latest().ConnectionOpened("a")

		go func() {
			for len(host.sentTo("a")) == 0 {
				time.Sleep(time.Millisecond)
			}
			data, _ := contracts.Message{Command: "dump"}.WithCorrelationID(*host.sentTo("a")[0].CorrelationID).Marshal()
			host.latest().MessageReceived("a", data)
		}()

		_, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})
		require.NoError(t, err)
		assert.Equal(t, 1, rec.messageCount())
	})

	t.Run("times out without reply", func(t *testing.T) {
		b, host := startedBridge(t)
		host.latest().ConnectionOpened("a")

		_, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})

		var timeoutErr *contracts.RequestTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.Equal(t, 0, b.PendingRequests())
	})

	t.Run("times out with no endpoint connected", func(t *testing.T) {
		b, _ := startedBridge(t)

		_, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})

		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
	})

	t.Run("correlation ids strictly increase", func(t *testing.T) {
		b, host := startedBridge(t, WithRequestTimeout(10*time.Millisecond))
		host.latest().ConnectionOpened("a")

		for i := 0; i < 3; i++ {
			_, _ = b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})
		}

		sent := host.sentTo("a")
		require.Len(t, sent, 3)
		for i := 1; i < len(sent); i++ {
			assert.Greater(t, *sent[i].CorrelationID, *sent[i-1].CorrelationID)
		}
	})

	t.Run("close all does not settle pending requests", func(t *testing.T) {
		b, host := startedBridge(t)
		host.latest().ConnectionOpened("a")

		done := make(chan error, 1)
		began := time.Now()
		go func() {
			_, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: "x"})
			done <- err
		}()
		require.Eventually(t, func() bool { return len(host.sentTo("a")) == 1 }, time.Second, time.Millisecond)

		b.CloseAllConnections()
		assert.Equal(t, 0, b.PendingRequests())

		select {
		case <-done:
			t.Fatal("request settled by CloseAllConnections")
		case <-time.After(10 * time.Millisecond):
		}

		err := <-done
		assert.ErrorIs(t, err, contracts.ErrRequestTimeout)
		assert.GreaterOrEqual(t, time.Since(began), 80*time.Millisecond)
	})

	t.Run("context cancellation settles the request", func(t *testing.T) {
		b, _ := startedBridge(t, WithRequestTimeout(time.Second))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := b.SendMessageWithResponse(ctx, contracts.Message{Command: "x"})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, b.PendingRequests())
	})
}

func TestBridgeInbound(t *testing.T) {
	t.Run("malformed data is dropped", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().MessageReceived("a", []byte(`not json`))
		host.latest().MessageReceived("a", []byte(`{"payload":{}}`))
		host.latest().MessageReceived("a", []byte(`{"command":"x","correlationId":"1"}`))

		assert.Empty(t, rec.messages)
	})

	t.Run("payloads that do not fit a known command still reach observers", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().MessageReceived("a", []byte(`{"command":"hotReloader.logs","payload":[{"kind":"error","message":"boom"}]}`))
		host.latest().MessageReceived("a", []byte(`{"command":"set","payload":"speed"}`))

		require.Len(t, rec.messages, 2)
		logs, ok := rec.messages[0].Command.(contracts.HotReloaderLogs)
		require.True(t, ok)
		assert.Equal(t, "boom", logs.Logs[0].Message)
		unknown, ok := rec.messages[1].Command.(contracts.Unknown)
		require.True(t, ok)
		assert.Equal(t, contracts.CommandSet, unknown.Command)
		assert.JSONEq(t, `"speed"`, string(rec.messages[1].Message.Payload))
	})

	t.Run("a reply with any payload settles its request", func(t *testing.T) {
		b, host := startedBridge(t, WithRequestTimeout(time.Second))
		host.latest().ConnectionOpened("a")

		go func() {
			for len(host.sentTo("a")) == 0 {
				time.Sleep(time.Millisecond)
			}
			id := *host.sentTo("a")[0].CorrelationID
			data, _ := json.Marshal(map[string]any{
				"command":       contracts.CommandProfilerOutput,
				"payload":       []int{1, 2, 3},
				"correlationId": id,
			})
			host.latest().MessageReceived("a", data)
		}()

		msg, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: contracts.CommandProfilerStop})
		require.NoError(t, err)
		assert.Equal(t, contracts.CommandProfilerOutput, msg.Command)
		assert.JSONEq(t, `[1,2,3]`, string(msg.Payload))
	})

	t.Run("malformed data does not settle a pending request", func(t *testing.T) {
		b, host := startedBridge(t, WithRequestTimeout(time.Second))
		host.latest().ConnectionOpened("a")

		type result struct {
			msg contracts.Message
			err error
		}
		done := make(chan result, 1)
		go func() {
			msg, err := b.SendMessageWithResponse(context.Background(), contracts.Message{Command: contracts.CommandPing})
			done <- result{msg, err}
		}()
		require.Eventually(t, func() bool { return len(host.sentTo("a")) == 1 }, time.Second, time.Millisecond)
		id := *host.sentTo("a")[0].CorrelationID

		host.latest().MessageReceived("a", []byte(fmt.Sprintf(`{"correlationId":%d}`, id)))
		host.latest().MessageReceived("a", []byte(fmt.Sprintf(`{"command":"pong","correlationId":%d`, id)))
		host.latest().MessageReceived("a", []byte(fmt.Sprintf(`{"command":"","correlationId":%d}`, id)))

		select {
		case res := <-done:
			t.Fatalf("request settled by malformed data: %v", res.err)
		case <-time.After(20 * time.Millisecond):
		}
		assert.Equal(t, 1, b.PendingRequests())

		host.latest().MessageReceived("a", reply(t, contracts.CommandPong, id))

		res := <-done
		require.NoError(t, res.err)
		assert.Equal(t, contracts.CommandPong, res.msg.Command)
	})

	t.Run("typed commands are decoded", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().MessageReceived("a", []byte(`{"command":"hotReloader.logs","payload":{"logs":[{"kind":"error","message":"boom"}]}}`))

		require.Len(t, rec.messages, 1)
		logs, ok := rec.messages[0].Command.(contracts.HotReloaderLogs)
		require.True(t, ok)
		assert.Equal(t, "boom", logs.Logs[0].Message)
	})

	t.Run("unknown commands pass through", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		host.latest().MessageReceived("a", []byte(`{"command":"custom","payload":{"n":1}}`))

		require.Len(t, rec.messages, 1)
		unknown, ok := rec.messages[0].Command.(contracts.Unknown)
		require.True(t, ok)
		assert.Equal(t, "custom", unknown.Command)
		assert.JSONEq(t, `{"n":1}`, string(unknown.Payload))
	})
}

func TestBridgeObservers(t *testing.T) {
	t.Run("unregistered observers receive nothing", func(t *testing.T) {
		b, host := startedBridge(t)
		rec := &recorder{}
		unregister := b.RegisterCallbacks(rec.observer())
		unregister()
		unregister()

		host.latest().ConnectionOpened("a")
		host.latest().MessageReceived("a", []byte(`{"command":"pong"}`))

		assert.Empty(t, rec.opened)
		assert.Empty(t, rec.messages)
	})

	t.Run("a panicking observer does not stop delivery", func(t *testing.T) {
		b, host := startedBridge(t)
		b.RegisterCallbacks(messaging.Observer{
			OnMessage: func(messaging.MessageEvent) { panic("boom") },
		})
		rec := &recorder{}
		b.RegisterCallbacks(rec.observer())

		assert.NotPanics(t, func() {
			host.latest().MessageReceived("a", []byte(`{"command":"pong"}`))
		})
		assert.Equal(t, 1, rec.messageCount())
	})
}

func TestBridgeCloseAllConnections(t *testing.T) {
	b, host := startedBridge(t)
	rec := &recorder{}
	b.RegisterCallbacks(rec.observer())
	host.latest().ConnectionOpened("a")
	host.latest().ConnectionOpened("b")
	b.RegisterEmbeddedGameFrame(messaging.NewFrame(&framePosts{}))

	b.CloseAllConnections()

	assert.Empty(t, b.DebuggerIDs())
	assert.Equal(t, 1, host.closeCalls)
	require.Len(t, rec.closed, 3)
	ids := make([]contracts.EndpointID, 0, 3)
	for _, ev := range rec.closed {
		ids = append(ids, ev.ID)
		assert.NotNil(t, ev.DebuggerIDs)
		assert.Empty(t, ev.DebuggerIDs)
	}
	assert.Equal(t, []contracts.EndpointID{contracts.EmbeddedGameFrameID, "a", "b"}, ids)
	assert.Equal(t, contracts.Started, b.State())
}

func TestBridgeMetrics(t *testing.T) {
	metrics := &countingMetrics{}
	b, host := startedBridge(t, WithMetrics(metrics))
	host.latest().ConnectionOpened("a")

	b.SendMessage("a", contracts.Message{Command: "play"})
	host.latest().MessageReceived("a", json.RawMessage(`{"command":"pong"}`))
	host.latest().MessageReceived("a", []byte(`[]`))

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	assert.Equal(t, []string{"started"}, metrics.starts)
	assert.Equal(t, 2, metrics.messages)
	assert.Equal(t, []string{"malformed"}, metrics.dropped)
}

type countingMetrics struct {
	NoOpMetricsCollector
	mu       sync.Mutex
	starts   []string
	messages int
	dropped  []string
}

func (m *countingMetrics) RecordStart(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, outcome)
}

func (m *countingMetrics) RecordMessage(direction, command string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages++
}

func (m *countingMetrics) RecordDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}
