package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/uds-pad/wsrelay/internal/client"
)

// maxLines bounds the scrollback
const maxLines = 1000

// Client is what the console needs from the connection
type Client interface {
	Sender
	On(kind client.EventKind, fn client.Handler) client.HandlerID
}

// Options configures the console
type Options struct {
	Structured bool
	Theme      *Theme
	// Ping checks the relay health endpoint at startup
	Ping bool
}

// App is the terminal client model
type App struct {
	width  int
	height int

	client   Client
	commands *CommandHandler
	styles   *Styles
	inbox    *inbox
	now      func() time.Time

	input   textinput.Model
	logView viewport.Model
	lines   []string
	ready   bool

	ping bool

	statusMessage string
	statusError   bool
	quitting      bool
}

// clientEventMsg wraps an event published by the client
type clientEventMsg struct {
	Event client.Event
}

// noticeMsg is a notifier callback
type noticeMsg struct {
	Text  string
	Error bool
}

// Notifier shows connect results in the status bar. Create it before the
// client so it can be passed with client.WithNotifier.
type Notifier struct {
	inbox *inbox
}

// NewNotifier creates a notifier
func NewNotifier() *Notifier {
	return &Notifier{inbox: newInbox()}
}

var _ client.Notifier = (*Notifier)(nil)

// Connected implements client.Notifier
func (n *Notifier) Connected(address string) {
	n.inbox.put(noticeMsg{Text: "Connected to " + address})
}

// ConnectFailed implements client.Notifier
func (n *Notifier) ConnectFailed(address string, err error) {
	text := "Could not connect to " + address
	if err != nil {
		text += ": " + err.Error()
	}
	n.inbox.put(noticeMsg{Text: text, Error: true})
}

// NewApp creates the console for c. n may be nil.
func NewApp(c Client, n *Notifier, opts Options) *App {
	if n == nil {
		n = NewNotifier()
	}
	theme := opts.Theme
	if theme == nil {
		theme = DefaultTheme()
	}

	input := textinput.New()
	input.Placeholder = "Type a message or /help..."
	input.CharLimit = 4096
	input.Width = 50
	input.Focus()

	a := &App{
		client:   c,
		commands: NewCommandHandler(c, opts.Structured),
		styles:   theme.BuildStyles(),
		inbox:    n.inbox,
		now:      time.Now,
		input:    input,
		logView:  viewport.New(80, 20),
		ping:     opts.Ping,
	}

	for _, kind := range []client.EventKind{
		client.EventConnecting,
		client.EventOpen,
		client.EventMessage,
		client.EventError,
		client.EventClose,
		client.EventReconnect,
	} {
		c.On(kind, func(ev client.Event) {
			a.inbox.put(clientEventMsg{Event: ev})
		})
	}

	return a
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, a.inbox.wait()}
	if a.ping {
		cmds = append(cmds, PingServerCmd(a.client.Address()))
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd := a.handleKeyPress(msg); cmd != nil {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.updateViewportSize()

	case batchMsg:
		for _, m := range msg {
			a.apply(m)
		}
		cmds = append(cmds, a.inbox.wait())

	case clientEventMsg, noticeMsg, PingResultMsg:
		a.apply(msg)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	// keys belong to the input; the log only scrolls with the mouse or pgup/pgdown
	if _, ok := msg.(tea.MouseMsg); ok {
		a.logView, cmd = a.logView.Update(msg)
		cmds = append(cmds, cmd)
	}

	return a, tea.Batch(cmds...)
}

func (a *App) apply(msg tea.Msg) {
	switch msg := msg.(type) {
	case clientEventMsg:
		a.renderEvent(msg.Event)

	case noticeMsg:
		a.statusMessage = msg.Text
		a.statusError = msg.Error

	case PingResultMsg:
		r := msg.Result
		if r.Success {
			a.addLine(a.styles.Success.Render(fmt.Sprintf("Relay is healthy (%s)", r.Latency.Round(time.Millisecond))))
		} else {
			a.addLine(a.styles.Warning.Render("Relay health check failed: " + r.Error))
		}
	}
}

// handleKeyPress handles keyboard input
func (a *App) handleKeyPress(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		a.quitting = true
		return tea.Quit

	case "enter":
		return a.submit()

	case "pgup":
		a.logView.HalfViewUp()

	case "pgdown":
		a.logView.HalfViewDown()
	}
	return nil
}

// submit runs a slash command or sends the input as a message
func (a *App) submit() tea.Cmd {
	text := strings.TrimSpace(a.input.Value())
	if text == "" {
		return nil
	}
	a.input.Reset()

	if strings.HasPrefix(text, "/") {
		cmd, err := ParseCommand(text)
		if err != nil {
			a.addLine(a.styles.Error.Render(err.Error()))
			return nil
		}

		out, err := a.commands.Execute(cmd)
		switch {
		case errors.Is(err, ErrQuit):
			a.quitting = true
			return tea.Quit
		case err != nil:
			a.addLine(a.styles.Error.Render(err.Error()))
		case cmd.Name == "raw":
			a.addLine(a.styles.Outgoing.Render("> " + out))
		case out != "":
			a.addLine(a.styles.System.Render(out))
		}
		return nil
	}

	if err := a.client.Send(a.commands.MessagePayload(text)); err != nil {
		a.addLine(a.styles.Error.Render("Failed to send: " + err.Error()))
		return nil
	}
	a.addLine(a.styles.Outgoing.Render("> " + text))
	return nil
}

func (a *App) renderEvent(ev client.Event) {
	switch ev := ev.(type) {
	case client.ConnectingEvent:
		a.addLine(a.styles.System.Render("Connecting to " + ev.URL + "..."))
	case client.OpenEvent:
		a.addLine(a.styles.Success.Render("Connected"))
	case client.MessageEvent:
		a.addLine(a.styles.Incoming.Render(FormatPayload(ev.Data)))
	case client.ErrorEvent:
		a.addLine(a.styles.Error.Render("Error: " + ev.Err.Error()))
	case client.CloseEvent:
		line := fmt.Sprintf("Connection closed (%d)", ev.Code)
		if ev.Reason != "" {
			line = fmt.Sprintf("Connection closed (%d: %s)", ev.Code, ev.Reason)
		}
		a.addLine(a.styles.Warning.Render(line))
	case client.ReconnectEvent:
		a.addLine(a.styles.Warning.Render(fmt.Sprintf("Reconnecting in %s (attempt %d)", ev.Delay, ev.Attempt)))
	}
}

// FormatPayload renders a decoded message for the log
func FormatPayload(data any) string {
	switch v := data.(type) {
	case string:
		return v
	case []byte:
		return fmt.Sprintf("<binary, %d bytes>", len(v))
	case map[string]any:
		if text, ok := v["text"].(string); ok && v["type"] == "message" {
			return text
		}
	}

	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprint(data)
	}
	return string(b)
}

func (a *App) addLine(line string) {
	stamp := a.styles.Timestamp.Render(a.now().Format("15:04:05"))
	a.lines = append(a.lines, stamp+" "+line)
	if len(a.lines) > maxLines {
		a.lines = a.lines[len(a.lines)-maxLines:]
	}
	a.logView.SetContent(strings.Join(a.lines, "\n"))
	a.logView.GotoBottom()
}

// updateViewportSize updates viewport dimensions based on window size
func (a *App) updateViewportSize() {
	// input box takes 3 lines, status bar 1
	height := a.height - 4
	if height < 1 {
		height = 1
	}
	a.logView.Width = a.width
	a.logView.Height = height
	a.logView.Style = a.styles.Log
	a.input.Width = a.width - 6
	a.ready = true
}

// View implements tea.Model
func (a *App) View() string {
	if a.quitting {
		return ""
	}
	if !a.ready {
		return "Loading..."
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		a.logView.View(),
		a.styles.Input.Width(a.width-2).Render(a.input.View()),
		a.renderStatusBar(),
	)
}

func (a *App) renderStatusBar() string {
	state := a.client.State()
	stateStyle := a.styles.Info
	switch state {
	case client.StateOpen:
		stateStyle = a.styles.Success
	case client.StateConnecting, client.StateReconnecting:
		stateStyle = a.styles.Warning
	case client.StateClosing, client.StateClosed:
		stateStyle = a.styles.Error
	}

	left := fmt.Sprintf("%s  %s  queued: %d",
		stateStyle.Render("● "+state.String()),
		a.client.Address(),
		len(a.client.Pending()))

	right := a.statusMessage
	if right != "" {
		if a.statusError {
			right = a.styles.Error.Render(right)
		} else {
			right = a.styles.Success.Render(right)
		}
	}

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right) - 2
	if gap < 1 {
		gap = 1
	}
	return a.styles.StatusBar.Width(a.width).Render(left + strings.Repeat(" ", gap) + right)
}

func (a *App) plainLines() []string {
	out := make([]string, len(a.lines))
	for i, l := range a.lines {
		out[i] = ansi.Strip(l)
	}
	return out
}
