package console

import (
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/pelletier/go-toml/v2"
)

// Theme is a color theme for the console
type Theme struct {
	Meta   ThemeMeta   `toml:"meta"`
	Colors ThemeColors `toml:"colors"`
}

// ThemeMeta contains metadata about the theme
type ThemeMeta struct {
	Name    string `toml:"name"`
	Author  string `toml:"author"`
	Variant string `toml:"variant"` // "dark" or "light"
}

// ThemeColors maps colors to UI purposes
type ThemeColors struct {
	Foreground string `toml:"foreground"`
	Muted      string `toml:"muted"`
	Incoming   string `toml:"incoming"`
	Outgoing   string `toml:"outgoing"`
	InputBg    string `toml:"input_bg"`
	Border     string `toml:"border"`
	StatusBg   string `toml:"status_bg"`

	Error   string `toml:"error"`
	Warning string `toml:"warning"`
	Success string `toml:"success"`
	Info    string `toml:"info"`
}

// Styles contains pre-computed lipgloss styles for the theme
type Styles struct {
	Log       lipgloss.Style
	Timestamp lipgloss.Style
	Incoming  lipgloss.Style
	Outgoing  lipgloss.Style
	System    lipgloss.Style

	Input     lipgloss.Style
	StatusBar lipgloss.Style

	Error   lipgloss.Style
	Warning lipgloss.Style
	Success lipgloss.Style
	Info    lipgloss.Style
}

// LoadTheme loads a theme from a TOML file. Colors missing from the file
// keep the default theme's values.
func LoadTheme(path string) (*Theme, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read theme file: %w", err)
	}

	theme := DefaultTheme()
	if err := toml.Unmarshal(data, theme); err != nil {
		return nil, fmt.Errorf("failed to parse theme file: %w", err)
	}

	return theme, nil
}

// BuildStyles creates lipgloss styles from a theme
func (t *Theme) BuildStyles() *Styles {
	s := &Styles{}

	s.Log = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Foreground)).
		Padding(0, 1)

	s.Timestamp = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Muted)).
		Faint(true)

	s.Incoming = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Incoming))

	s.Outgoing = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Outgoing)).
		Bold(true)

	s.System = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Muted)).
		Italic(true)

	s.Input = lipgloss.NewStyle().
		Background(lipgloss.Color(t.Colors.InputBg)).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color(t.Colors.Border)).
		Padding(0, 1)

	s.StatusBar = lipgloss.NewStyle().
		Background(lipgloss.Color(t.Colors.StatusBg)).
		Foreground(lipgloss.Color(t.Colors.Foreground)).
		Padding(0, 1)

	s.Error = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Error))

	s.Warning = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Warning))

	s.Success = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Success))

	s.Info = lipgloss.NewStyle().
		Foreground(lipgloss.Color(t.Colors.Info))

	return s
}

// DefaultTheme returns the default Dracula theme
func DefaultTheme() *Theme {
	return &Theme{
		Meta: ThemeMeta{
			Name:    "Dracula",
			Author:  "Zeno Rocha",
			Variant: "dark",
		},
		Colors: ThemeColors{
			Foreground: "#F8F8F2",
			Muted:      "#6272A4",
			Incoming:   "#8BE9FD",
			Outgoing:   "#BD93F9",
			InputBg:    "#44475A",
			Border:     "#6272A4",
			StatusBg:   "#44475A",
			Error:      "#FF5555",
			Warning:    "#FFB86C",
			Success:    "#50FA7B",
			Info:       "#8BE9FD",
		},
	}
}
