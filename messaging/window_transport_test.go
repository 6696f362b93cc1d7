package messaging

import (
	"errors"
	"testing"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPoster struct {
	mock.Mock
}

func (m *mockPoster) PostMessage(data []byte, targetOrigin string) error {
	args := m.Called(string(data), targetOrigin)
	return args.Error(0)
}

func TestWindowTransport(t *testing.T) {
	t.Run("Register is idempotent for the same frame", func(t *testing.T) {
		transport := NewWindowTransport()
		frame := NewFrame(&mockPoster{})

		assert.True(t, transport.Register(frame))
		assert.False(t, transport.Register(frame))
		assert.False(t, transport.Register(nil))
		assert.Equal(t, []contracts.EndpointID{contracts.EmbeddedGameFrameID}, transport.IDs())
	})

	t.Run("Register replaces another frame", func(t *testing.T) {
		transport := NewWindowTransport()
		first, second := NewFrame(&mockPoster{}), NewFrame(&mockPoster{})

		transport.Register(first)
		assert.True(t, transport.Register(second))

		assert.False(t, transport.Unregister(first))
		assert.True(t, transport.Unregister(second))
		assert.False(t, transport.Occupied())
	})

	t.Run("Clear returns the previous frame", func(t *testing.T) {
		transport := NewWindowTransport()
		frame := NewFrame(&mockPoster{})
		transport.Register(frame)

		assert.Same(t, frame, transport.Clear())
		assert.Nil(t, transport.Clear())
		assert.Empty(t, transport.IDs())
	})

	t.Run("IsReachable only knows the reserved id", func(t *testing.T) {
		transport := NewWindowTransport()
		assert.False(t, transport.IsReachable(contracts.EmbeddedGameFrameID))

		transport.Register(NewFrame(&mockPoster{}))
		assert.True(t, transport.IsReachable(contracts.EmbeddedGameFrameID))
		assert.False(t, transport.IsReachable("abc"))
	})

	t.Run("Send posts to the configured origin", func(t *testing.T) {
		poster := &mockPoster{}
		poster.On("PostMessage", `{"command":"ping"}`, "https://editor.example").Return(nil)
		transport := NewWindowTransport(WithOrigin("https://editor.example"))
		transport.Register(NewFrame(poster))

		require.NoError(t, transport.Send(contracts.EmbeddedGameFrameID, contracts.Message{Command: "ping"}))
		poster.AssertExpectations(t)
	})

	t.Run("Send falls back to any origin for local previews", func(t *testing.T) {
		for _, origin := range []string{"", "null", "file://", "*"} {
			poster := &mockPoster{}
			poster.On("PostMessage", mock.Anything, AnyOrigin).Return(nil)
			transport := NewWindowTransport(WithOrigin(origin))
			transport.Register(NewFrame(poster))

			require.NoError(t, transport.Send(contracts.EmbeddedGameFrameID, contracts.Message{Command: "play"}))
			poster.AssertExpectations(t)
		}
	})

	t.Run("Send errors", func(t *testing.T) {
		transport := NewWindowTransport()

		err := transport.Send(contracts.EmbeddedGameFrameID, contracts.Message{Command: "ping"})
		assert.ErrorIs(t, err, contracts.ErrFrameNotRegistered)

		err = transport.Send("abc", contracts.Message{Command: "ping"})
		assert.ErrorIs(t, err, contracts.ErrUnknownEndpoint)

		poster := &mockPoster{}
		poster.On("PostMessage", mock.Anything, mock.Anything).Return(errors.New("detached"))
		transport.Register(NewFrame(poster))
		err = transport.Send(contracts.EmbeddedGameFrameID, contracts.Message{Command: "ping"})
		assert.EqualError(t, err, "detached")
	})

	t.Run("Accept checks origin and sender", func(t *testing.T) {
		transport := NewWindowTransport(WithOrigin("https://editor.example"))
		frame := NewFrame(&mockPoster{})
		transport.Register(frame)

		tests := []struct {
			name   string
			ev     WindowMessageEvent
			accept bool
		}{
			{"matching origin", WindowMessageEvent{Source: frame, Origin: "https://editor.example"}, true},
			{"null origin", WindowMessageEvent{Source: frame, Origin: NullOrigin}, true},
			{"other origin", WindowMessageEvent{Source: frame, Origin: "https://evil.example"}, false},
			{"other frame", WindowMessageEvent{Source: NewFrame(&mockPoster{}), Origin: NullOrigin}, false},
			{"no source", WindowMessageEvent{Origin: NullOrigin}, false},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				id, ok := transport.Accept(tt.ev)
				assert.Equal(t, tt.accept, ok)
				if ok {
					assert.Equal(t, contracts.EmbeddedGameFrameID, id)
				}
			})
		}
	})

	t.Run("SetOrigin changes the expected origin", func(t *testing.T) {
		transport := NewWindowTransport()
		transport.SetOrigin("https://a.example")
		assert.Equal(t, "https://a.example", transport.Origin())
	})
}
