package console

import (
	"fmt"
	"net/http"
	"net/url"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// PingResult contains the result of a relay health check
type PingResult struct {
	Success   bool
	Latency   time.Duration
	Error     string
	Timestamp time.Time
}

// PingResultMsg is sent when a ping completes
type PingResultMsg struct {
	Result *PingResult
}

// HealthURL derives the relay health endpoint from a websocket address
func HealthURL(address string) (string, error) {
	u, err := url.Parse(address)
	if err != nil {
		return "", err
	}

	switch u.Scheme {
	case "ws", "http", "":
		u.Scheme = "http"
	case "wss", "https":
		u.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("address %q has no host", address)
	}

	u.Path = "/api/health"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// PingServer checks the relay's health endpoint
func PingServer(address string, timeout time.Duration) *PingResult {
	healthURL, err := HealthURL(address)
	if err != nil {
		return &PingResult{Error: err.Error(), Timestamp: time.Now()}
	}

	start := time.Now()
	httpClient := &http.Client{Timeout: timeout}

	resp, err := httpClient.Get(healthURL)
	if err != nil {
		return &PingResult{
			Success:   false,
			Error:     err.Error(),
			Timestamp: time.Now(),
		}
	}
	defer resp.Body.Close()

	result := &PingResult{
		Success:   resp.StatusCode == http.StatusOK,
		Latency:   time.Since(start),
		Timestamp: time.Now(),
	}
	if !result.Success {
		result.Error = resp.Status
	}
	return result
}

// PingServerCmd creates a bubbletea command to ping the relay
func PingServerCmd(address string) tea.Cmd {
	return func() tea.Msg {
		return PingResultMsg{Result: PingServer(address, 5*time.Second)}
	}
}
