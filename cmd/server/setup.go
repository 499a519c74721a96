package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/pelletier/go-toml/v2"

	"github.com/uds-pad/wsrelay/internal/server"
	"github.com/uds-pad/wsrelay/pkg/crypto"
)

// setupModel is a minimal bubbletea model for first-run relay configuration.
type setupModel struct {
	inputs    []textinput.Model
	focused   int
	done      bool
	cancelled bool
	err       string
}

const (
	fieldHost = iota
	fieldPort
	fieldMaxConns
	fieldAPIKey
	numFields
)

func newSetupModel() setupModel {
	inputs := make([]textinput.Model, numFields)

	inputs[fieldHost] = textinput.New()
	inputs[fieldHost].Placeholder = "0.0.0.0"
	inputs[fieldHost].SetValue("0.0.0.0")
	inputs[fieldHost].Focus()
	inputs[fieldHost].CharLimit = 64

	inputs[fieldPort] = textinput.New()
	inputs[fieldPort].Placeholder = "8080"
	inputs[fieldPort].SetValue("8080")
	inputs[fieldPort].CharLimit = 5

	inputs[fieldMaxConns] = textinput.New()
	inputs[fieldMaxConns].Placeholder = "1000"
	inputs[fieldMaxConns].SetValue("1000")
	inputs[fieldMaxConns].CharLimit = 6

	inputs[fieldAPIKey] = textinput.New()
	inputs[fieldAPIKey].Placeholder = "y/n"
	inputs[fieldAPIKey].SetValue("y")
	inputs[fieldAPIKey].CharLimit = 3

	return setupModel{inputs: inputs}
}

func (m setupModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m setupModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit

		case "tab", "down", "enter":
			if msg.String() == "enter" && m.focused == numFields-1 {
				if err := m.validate(); err != "" {
					m.err = err
					return m, nil
				}
				m.done = true
				return m, tea.Quit
			}
			m.inputs[m.focused].Blur()
			m.focused = (m.focused + 1) % numFields
			m.inputs[m.focused].Focus()

		case "shift+tab", "up":
			m.inputs[m.focused].Blur()
			m.focused = (m.focused - 1 + numFields) % numFields
			m.inputs[m.focused].Focus()
		}
	}

	// Forward key events to focused input
	var cmd tea.Cmd
	m.inputs[m.focused], cmd = m.inputs[m.focused].Update(msg)
	return m, cmd
}

func (m setupModel) validate() string {
	port, err := strconv.Atoi(strings.TrimSpace(m.inputs[fieldPort].Value()))
	if err != nil || port < 1 || port > 65535 {
		return "Port must be a number between 1 and 65535."
	}
	if _, err := strconv.Atoi(strings.TrimSpace(m.inputs[fieldMaxConns].Value())); err != nil {
		return "Max connections must be a number."
	}
	switch strings.ToLower(strings.TrimSpace(m.inputs[fieldAPIKey].Value())) {
	case "y", "yes", "n", "no":
	default:
		return "Answer y or n for the api key."
	}
	return ""
}

var (
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#bd93f9")).Bold(true)
	hintStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272a4"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff5555"))
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#f8f8f2")).
			Background(lipgloss.Color("#bd93f9")).
			Bold(true).
			Padding(0, 2)
)

func (m setupModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("  wsrelay First-Run Setup  "))
	b.WriteString("\n\n")
	b.WriteString(hintStyle.Render("Tab/↑↓ to navigate · Enter on last field to confirm · Esc to cancel"))
	b.WriteString("\n\n")

	labels := []string{"Bind Host", "Port", "Max Connections", "Require API Key (y/n)"}
	for i, label := range labels {
		b.WriteString(labelStyle.Render(label))
		b.WriteString("\n")
		b.WriteString("  " + m.inputs[i].View())
		b.WriteString("\n\n")
	}

	if m.err != "" {
		b.WriteString(errStyle.Render("  ⚠ " + m.err))
		b.WriteString("\n")
	}

	return b.String()
}

// configFilename is the default config file written by setup.
const configFilename = "wsrelay-server.toml"

// config turns the answers into a server config. The generated api key is
// returned separately because only its hash is stored.
func (m setupModel) config() (*server.Config, string, error) {
	cfg := server.DefaultConfig()
	cfg.Host = strings.TrimSpace(m.inputs[fieldHost].Value())
	cfg.Port, _ = strconv.Atoi(strings.TrimSpace(m.inputs[fieldPort].Value()))
	cfg.MaxConnections, _ = strconv.Atoi(strings.TrimSpace(m.inputs[fieldMaxConns].Value()))

	switch strings.ToLower(strings.TrimSpace(m.inputs[fieldAPIKey].Value())) {
	case "y", "yes":
		key, hash, err := generateKey()
		if err != nil {
			return nil, "", err
		}
		cfg.APIKeyHash = hash
		return cfg, key, nil
	}
	return cfg, "", nil
}

func generateKey() (key, hash string, err error) {
	key, err = crypto.GenerateAPIKey()
	if err != nil {
		return "", "", err
	}
	hash, err = crypto.HashAPIKey(key)
	if err != nil {
		return "", "", err
	}
	return key, hash, nil
}

// runFirstRunSetup runs the interactive TUI setup and returns the resulting Config.
// It also writes wsrelay-server.toml to the working directory.
func runFirstRunSetup() (*server.Config, error) {
	p := tea.NewProgram(newSetupModel())
	result, err := p.Run()
	if err != nil {
		return nil, fmt.Errorf("setup error: %w", err)
	}

	final := result.(setupModel)
	if final.cancelled || !final.done {
		fmt.Fprintln(os.Stderr, "Setup cancelled.")
		os.Exit(1)
	}

	cfg, key, err := final.config()
	if err != nil {
		return nil, err
	}

	if err := writeConfig(configFilename, cfg); err != nil {
		return nil, err
	}
	fmt.Printf("\nConfig written to %s\n", configFilename)

	if key != "" {
		fmt.Printf("API key (shown once, give it to clients): %s\n", key)
	}
	fmt.Printf("Clients connect to: ws://%s/ws\n\n", cfg.Addr())
	return cfg, nil
}

func writeConfig(path string, cfg *server.Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
