package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/glimte/previewbridge-go/messaging"
)

const (
	primaryColor = lipgloss.Color("#7C3AED")
	okColor      = lipgloss.Color("#10B981")
	warnColor    = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	maxLines = 1000
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().Foreground(primaryColor).Bold(true)
	eventStyle  = lipgloss.NewStyle().Foreground(okColor)
	warnStyle   = lipgloss.NewStyle().Foreground(warnColor)
	errorStyle  = lipgloss.NewStyle().Foreground(errorColor)
	mutedStyle  = lipgloss.NewStyle().Foreground(mutedColor)
)

type keyMap struct {
	Submit   key.Binding
	Quit     key.Binding
	PageUp   key.Binding
	PageDown key.Binding
}

var keys = keyMap{
	Submit:   key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "run")),
	Quit:     key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
	PageUp:   key.NewBinding(key.WithKeys("pgup"), key.WithHelp("pgup", "scroll up")),
	PageDown: key.NewBinding(key.WithKeys("pgdown"), key.WithHelp("pgdn", "scroll down")),
}

// eventMsg is a bridge observer event rendered for the log. Status is
// computed by the sender so the update loop never waits on the bridge.
type eventMsg struct {
	text   string
	style  lipgloss.Style
	status string
}

// logLineMsg is one line written by the logger.
type logLineMsg string

// resultMsg is the outcome of a console command.
type resultMsg struct {
	line   string
	out    string
	err    error
	status string
}

// consoleModel is the interactive console: a scrolling log of bridge
// events above a command prompt.
type consoleModel struct {
	debugger debugger
	ctx      context.Context
	input    textinput.Model
	log      viewport.Model
	lines    []string
	status   string
	width    int
	height   int
	ready    bool
	quitting bool
}

func newConsoleModel(ctx context.Context, d debugger) consoleModel {
	input := textinput.New()
	input.Prompt = promptStyle.Render("debugger> ")
	input.Placeholder = "help"
	input.CharLimit = 4096
	input.Focus()

	return consoleModel{
		debugger: d,
		ctx:      ctx,
		input:    input,
		log:      viewport.New(0, 0),
		lines:    []string{mutedStyle.Render("type help for the list of commands")},
		status:   statusLine(d),
	}
}

func (m consoleModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m consoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.log.Width = msg.Width
		m.log.Height = max(1, msg.Height-3)
		m.input.Width = max(10, msg.Width-12)
		m.ready = true
		m.refresh()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Submit):
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			m.append(mutedStyle.Render("> " + line))
			return m, m.run(line)
		case key.Matches(msg, keys.PageUp), key.Matches(msg, keys.PageDown):
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}

	case resultMsg:
		m.status = msg.status
		if errors.Is(msg.err, errQuit) {
			m.quitting = true
			return m, tea.Quit
		}
		if msg.err != nil {
			m.append(errorStyle.Render(fmt.Sprintf("%s: %v", msg.line, msg.err)))
		} else if msg.out != "" {
			m.append(msg.out)
		}
		return m, nil

	case eventMsg:
		if msg.status != "" {
			m.status = msg.status
		}
		m.append(msg.style.Render(msg.text))
		return m, nil

	case logLineMsg:
		m.append(mutedStyle.Render(string(msg)))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// run executes line off the update loop; requests may wait for a reply.
func (m consoleModel) run(line string) tea.Cmd {
	d, ctx := m.debugger, m.ctx
	return func() tea.Msg {
		out, err := execute(ctx, d, line)
		return resultMsg{line: line, out: out, err: err, status: statusLine(d)}
	}
}

func (m *consoleModel) append(text string) {
	m.lines = append(m.lines, strings.Split(text, "\n")...)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.refresh()
}

func (m *consoleModel) refresh() {
	if !m.ready {
		return
	}
	m.log.SetContent(strings.Join(m.lines, "\n"))
	m.log.GotoBottom()
}

func (m consoleModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "starting...\n"
	}
	header := headerStyle.Width(m.width).Render("previewbridge  " + m.status)
	help := mutedStyle.Render(helpLine())
	return lipgloss.JoinVertical(lipgloss.Left, header, m.log.View(), m.input.View(), help)
}

func helpLine() string {
	bindings := []key.Binding{keys.Submit, keys.Quit, keys.PageUp, keys.PageDown}
	parts := make([]string, len(bindings))
	for i, b := range bindings {
		parts[i] = b.Help().Key + " " + b.Help().Desc
	}
	return strings.Join(parts, " • ")
}

// watch forwards bridge events to the program until the returned func is called.
func watch(d debugger, send func(tea.Msg)) func() {
	return d.RegisterCallbacks(messaging.Observer{
		OnConnectionOpened: func(ev messaging.ConnectionEvent) {
			send(eventMsg{
				text:   fmt.Sprintf("%s connected (%d preview(s))", ev.ID, len(ev.DebuggerIDs)),
				style:  eventStyle,
				status: statusLine(d),
			})
		},
		OnConnectionClosed: func(ev messaging.ConnectionEvent) {
			send(eventMsg{
				text:   fmt.Sprintf("%s disconnected (%d preview(s))", ev.ID, len(ev.DebuggerIDs)),
				style:  warnStyle,
				status: statusLine(d),
			})
		},
		OnErrorReceived: func(ev messaging.ErrorEvent) {
			send(eventMsg{text: fmt.Sprintf("%s error: %s", ev.ID, ev.Message), style: errorStyle})
		},
		OnMessage: func(ev messaging.MessageEvent) {
			send(eventMsg{text: time.Now().Format("15:04:05 ") + describeMessage(ev), style: lipgloss.NewStyle()})
		},
	})
}

// programWriter forwards log output to the console, one message per line.
type programWriter struct {
	send func(tea.Msg)
}

func (w programWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			w.send(logLineMsg(line))
		}
	}
	return len(p), nil
}
