package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/previewbridge-go/contracts"
	"github.com/glimte/previewbridge-go/messaging"
)

func startedDebugger(ids ...contracts.EndpointID) *mockDebugger {
	d := &mockDebugger{}
	d.On("State").Return(contracts.Started)
	d.On("Address").Return(contracts.ServerAddress{Address: "127.0.0.1", Port: 3030}, true)
	d.On("DebuggerIDs").Return(ids)
	return d
}

// sized returns a console that already received its window size.
func sized(t *testing.T, d debugger) consoleModel {
	t.Helper()
	m := newConsoleModel(context.Background(), d)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	return updated.(consoleModel)
}

func update(t *testing.T, m consoleModel, msg tea.Msg) (consoleModel, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(consoleModel), cmd
}

func TestConsoleModelLayout(t *testing.T) {
	t.Run("waits for the window size", func(t *testing.T) {
		m := newConsoleModel(context.Background(), startedDebugger())
		assert.Equal(t, "starting...\n", m.View())
	})

	t.Run("header shows the status", func(t *testing.T) {
		m := sized(t, startedDebugger("1"))
		view := m.View()
		assert.Contains(t, view, "started  address 127.0.0.1:3030  previews 1")
		assert.Contains(t, view, "type help for the list of commands")
		assert.Contains(t, view, "enter run")
		assert.Equal(t, 21, m.log.Height)
	})
}

func TestConsoleModelCommands(t *testing.T) {
	t.Run("enter runs the typed command", func(t *testing.T) {
		d := startedDebugger("1", "2")
		m := sized(t, d)
		m.input.SetValue("ids")

		m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		require.NotNil(t, cmd)
		assert.Empty(t, m.input.Value())
		assert.Equal(t, mutedStyle.Render("> ids"), m.lines[len(m.lines)-1])

		result, ok := cmd().(resultMsg)
		require.True(t, ok)
		assert.Equal(t, "1\n2", result.out)
		assert.Equal(t, "started  address 127.0.0.1:3030  previews 2", result.status)

		m, _ = update(t, m, result)
		assert.Equal(t, []string{"1", "2"}, m.lines[len(m.lines)-2:])
	})

	t.Run("enter on a blank prompt does nothing", func(t *testing.T) {
		m := sized(t, startedDebugger())
		before := len(m.lines)
		m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
		assert.Nil(t, cmd)
		assert.Len(t, m.lines, before)
	})

	t.Run("errors are shown with their command", func(t *testing.T) {
		m := sized(t, startedDebugger())
		m, cmd := update(t, m, resultMsg{line: "jump", err: errors.New("unknown command")})
		assert.Nil(t, cmd)
		assert.Equal(t, errorStyle.Render("jump: unknown command"), m.lines[len(m.lines)-1])
	})

	t.Run("quit command ends the program", func(t *testing.T) {
		m := sized(t, startedDebugger())
		m, cmd := update(t, m, resultMsg{line: "quit", err: errQuit})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
		assert.True(t, m.quitting)
		assert.Empty(t, m.View())
	})

	t.Run("esc ends the program", func(t *testing.T) {
		m := sized(t, startedDebugger())
		_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	})
}

func TestConsoleModelEvents(t *testing.T) {
	t.Run("event updates the log and the status", func(t *testing.T) {
		m := sized(t, startedDebugger())
		m, _ = update(t, m, eventMsg{text: "1 connected (1 preview(s))", style: eventStyle, status: "started  previews 1"})
		assert.Equal(t, eventStyle.Render("1 connected (1 preview(s))"), m.lines[len(m.lines)-1])
		assert.Equal(t, "started  previews 1", m.status)
	})

	t.Run("event without status keeps the previous one", func(t *testing.T) {
		m := sized(t, startedDebugger())
		before := m.status
		m, _ = update(t, m, eventMsg{text: "1 error: boom", style: errorStyle})
		assert.Equal(t, before, m.status)
	})

	t.Run("log lines are appended", func(t *testing.T) {
		m := sized(t, startedDebugger())
		m, _ = update(t, m, logLineMsg("level=INFO msg=started"))
		assert.Equal(t, mutedStyle.Render("level=INFO msg=started"), m.lines[len(m.lines)-1])
	})

	t.Run("log is bounded", func(t *testing.T) {
		m := sized(t, startedDebugger())
		for i := 0; i < maxLines+50; i++ {
			m, _ = update(t, m, logLineMsg(fmt.Sprintf("line %d", i)))
		}
		assert.Len(t, m.lines, maxLines)
		assert.Equal(t, mutedStyle.Render(fmt.Sprintf("line %d", maxLines+49)), m.lines[maxLines-1])
	})
}

func TestWatch(t *testing.T) {
	d := startedDebugger("1")
	var observer messaging.Observer
	unregistered := false
	d.On("RegisterCallbacks", mock.Anything).
		Run(func(args mock.Arguments) { observer = args.Get(0).(messaging.Observer) }).
		Return(func() { unregistered = true })

	var sent []tea.Msg
	unwatch := watch(d, func(msg tea.Msg) { sent = append(sent, msg) })

	observer.OnConnectionOpened(messaging.ConnectionEvent{ID: "1", DebuggerIDs: []contracts.EndpointID{"1"}})
	observer.OnConnectionClosed(messaging.ConnectionEvent{ID: "1"})
	observer.OnErrorReceived(messaging.ErrorEvent{ID: "1", Message: "reset"})
	observer.OnMessage(messaging.MessageEvent{
		ID:      "1",
		Message: contracts.Message{Command: contracts.CommandGamePaused},
		Command: contracts.GamePaused{},
	})

	require.Len(t, sent, 4)
	opened := sent[0].(eventMsg)
	assert.Equal(t, "1 connected (1 preview(s))", opened.text)
	assert.Equal(t, "started  address 127.0.0.1:3030  previews 1", opened.status)
	assert.Equal(t, "1 disconnected (0 preview(s))", sent[1].(eventMsg).text)
	assert.Equal(t, "1 error: reset", sent[2].(eventMsg).text)
	assert.True(t, strings.HasSuffix(sent[3].(eventMsg).text, "1 ← game.paused"))

	unwatch()
	assert.True(t, unregistered)
}

func TestProgramWriter(t *testing.T) {
	var lines []string
	w := programWriter{send: func(msg tea.Msg) { lines = append(lines, string(msg.(logLineMsg))) }}

	n, err := w.Write([]byte("first\n\nsecond\n"))
	require.NoError(t, err)
	assert.Equal(t, 14, n)
	assert.Equal(t, []string{"first", "second"}, lines)
}
