package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/uds-pad/wsrelay/internal/client"
)

// ErrQuit is returned by the quit command
var ErrQuit = errors.New("quit")

// Command represents a parsed slash command
type Command struct {
	Name string
	Args []string
	// Rest is the raw text after the command name
	Rest string
}

// ParseCommand parses a slash command string into a Command struct
func ParseCommand(input string) (*Command, error) {
	if !strings.HasPrefix(input, "/") {
		return nil, errors.New("not a command")
	}

	parts := strings.Fields(input[1:])
	if len(parts) == 0 {
		return nil, errors.New("empty command")
	}

	rest := strings.TrimSpace(input[1:])
	rest = strings.TrimSpace(rest[len(parts[0]):])

	return &Command{
		Name: strings.ToLower(parts[0]),
		Args: parts[1:],
		Rest: rest,
	}, nil
}

// Sender is the part of the client the commands drive
type Sender interface {
	Connect()
	Close(code int, reason string)
	Send(payload any) error
	State() client.ConnectionState
	Address() string
	Pending() []client.Frame
}

// CommandHandler handles slash command execution
type CommandHandler struct {
	client     Sender
	structured bool
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(c Sender, structured bool) *CommandHandler {
	return &CommandHandler{client: c, structured: structured}
}

// Execute executes a parsed command and returns a line for the log
func (ch *CommandHandler) Execute(cmd *Command) (string, error) {
	switch cmd.Name {
	case "connect":
		ch.client.Connect()
		return fmt.Sprintf("Connecting to %s...", ch.client.Address()), nil
	case "close", "disconnect":
		return ch.handleClose(cmd.Args)
	case "raw":
		return ch.handleRaw(cmd.Rest)
	case "status":
		return ch.handleStatus(), nil
	case "help":
		return ch.handleHelp(), nil
	case "quit", "exit", "q":
		return "", ErrQuit
	default:
		return "", fmt.Errorf("unknown command: %s", cmd.Name)
	}
}

// MessagePayload is the payload for plain input
func (ch *CommandHandler) MessagePayload(text string) any {
	if !ch.structured {
		return text
	}
	return map[string]string{"type": "message", "text": text}
}

func (ch *CommandHandler) handleClose(args []string) (string, error) {
	code := client.CloseNormalClosure
	var reason string

	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return "", errors.New("usage: /close [code] [reason]")
		}
		if n < 1000 || n > 4999 {
			return "", fmt.Errorf("close code %d out of range", n)
		}
		code = n
		reason = strings.Join(args[1:], " ")
	}

	ch.client.Close(code, reason)
	if reason != "" {
		return fmt.Sprintf("Closing with %d (%s)", code, reason), nil
	}
	return fmt.Sprintf("Closing with %d", code), nil
}

func (ch *CommandHandler) handleRaw(text string) (string, error) {
	if text == "" {
		return "", errors.New("usage: /raw <text>")
	}

	var payload any = text
	if ch.structured && json.Valid([]byte(text)) {
		payload = json.RawMessage(text)
	}

	if err := ch.client.Send(payload); err != nil {
		return "", fmt.Errorf("failed to send: %w", err)
	}
	return text, nil
}

func (ch *CommandHandler) handleStatus() string {
	return fmt.Sprintf("%s is %s, %d frame(s) queued",
		ch.client.Address(), ch.client.State(), len(ch.client.Pending()))
}

func (ch *CommandHandler) handleHelp() string {
	lines := []string{
		"Available Commands:",
		"/connect                   - Open the connection",
		"/close [code] [reason]     - Close the connection (default 1000)",
		"/raw <text>                - Send text as is (JSON is sent verbatim)",
		"/status                    - Show connection state and queue size",
		"/help                      - Show this help",
		"/quit                      - Exit",
		"Anything else is sent as a message.",
	}
	return strings.Join(lines, "\n")
}
