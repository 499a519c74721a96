package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	gotoml "github.com/pelletier/go-toml/v2"

	"github.com/uds-pad/wsrelay/internal/client"
)

const (
	// EnvPrefix is the prefix for environment variables that override the file
	EnvPrefix = "WSRELAY_"

	// DefaultFile is looked up in the working directory when no path is given
	DefaultFile = "wsrelay.toml"
)

// Config is the terminal client configuration
type Config struct {
	Client  ClientConfig  `koanf:"client"`
	Logging LoggingConfig `koanf:"logging"`
	Metrics MetricsConfig `koanf:"metrics"`
	Store   StoreConfig   `koanf:"store"`
	Console ConsoleConfig `koanf:"console"`
}

// ClientConfig holds the connection settings
type ClientConfig struct {
	Address       string `koanf:"address"`
	APIKey        string `koanf:"api_key"`
	Structured    bool   `koanf:"structured"`
	AutoConnect   bool   `koanf:"auto_connect"`
	AutoReconnect bool   `koanf:"auto_reconnect"`

	// MaxReconnectAttempts of -1 retries forever
	MaxReconnectAttempts int           `koanf:"max_reconnect_attempts"`
	ReconnectInterval    time.Duration `koanf:"reconnect_interval"`
	ReconnectDecay       float64       `koanf:"reconnect_decay"`
	MaxReconnectInterval time.Duration `koanf:"max_reconnect_interval"`

	// HeartbeatInterval of 0 disables the heartbeat
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`

	// HeartbeatMessage and HeartbeatReply are JSON documents. In structured
	// mode they are decoded; text that is not JSON is used as a plain string.
	HeartbeatMessage string `koanf:"heartbeat_message"`
	HeartbeatReply   string `koanf:"heartbeat_reply"`

	MaxQueue         int           `koanf:"max_queue"`
	HandshakeTimeout time.Duration `koanf:"handshake_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Level can be "debug", "info", "warn", "error"
	Level string `koanf:"level"`

	// Format can be "json" or "console"
	Format string `koanf:"format"`

	// File receives the log output when set. The terminal UI owns stdout.
	File string `koanf:"file"`
}

// MetricsConfig holds Prometheus metrics server configuration
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// StoreConfig holds the preference store location
type StoreConfig struct {
	Path string `koanf:"path"`
}

// ConsoleConfig holds terminal UI settings
type ConsoleConfig struct {
	// Theme is a path to a theme TOML file; empty uses the built-in theme
	Theme string `koanf:"theme"`

	// HealthCheck pings the relay's /api/health endpoint at startup
	HealthCheck bool `koanf:"health_check"`
}

// Load loads configuration from file, environment variables, and defaults.
// Priority: Environment variables > Config file > Defaults
//
// Environment keys map underscores to nesting and double underscores to a
// literal underscore: WSRELAY_CLIENT_AUTO__RECONNECT sets client.auto_reconnect.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	s = strings.ToLower(s)

	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Client: ClientConfig{
			Address:              "ws://localhost:8080/ws",
			Structured:           true,
			AutoConnect:          false,
			AutoReconnect:        true,
			MaxReconnectAttempts: 5,
			ReconnectInterval:    time.Second,
			ReconnectDecay:       1.5,
			HeartbeatInterval:    3 * time.Second,
			HeartbeatTimeout:     5 * time.Second,
			HeartbeatMessage:     `{"type":"ping"}`,
			HeartbeatReply:       `"pong"`,
			HandshakeTimeout:     10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9464,
		},
		Store: StoreConfig{
			Path: defaultStorePath(),
		},
		Console: ConsoleConfig{
			HealthCheck: true,
		},
	}
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "wsrelay.db"
	}
	return filepath.Join(dir, "wsrelay", "wsrelay.db")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error

	cc := c.Client
	if cc.HeartbeatInterval < 0 {
		errs = append(errs, fmt.Errorf("client.heartbeat_interval must not be negative, got %s", cc.HeartbeatInterval))
	}
	if cc.HeartbeatInterval > 0 && cc.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("client.heartbeat_timeout must be positive, got %s", cc.HeartbeatTimeout))
	}
	if cc.ReconnectInterval <= 0 {
		errs = append(errs, fmt.Errorf("client.reconnect_interval must be positive, got %s", cc.ReconnectInterval))
	}
	if cc.ReconnectDecay < 1 {
		errs = append(errs, fmt.Errorf("client.reconnect_decay must be >= 1, got %g", cc.ReconnectDecay))
	}
	if cc.MaxReconnectInterval < 0 {
		errs = append(errs, fmt.Errorf("client.max_reconnect_interval must not be negative, got %s", cc.MaxReconnectInterval))
	}
	if cc.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("client.max_queue must not be negative, got %d", cc.MaxQueue))
	}
	if cc.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("client.handshake_timeout must not be negative, got %s", cc.HandshakeTimeout))
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format))
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port))
	}

	return errors.Join(errs...)
}

// Options converts the client section into client.Options
func (cc ClientConfig) Options() client.Options {
	opts := client.DefaultOptions()
	opts.Structured = cc.Structured
	opts.AutoConnect = cc.AutoConnect
	opts.AutoReconnect = cc.AutoReconnect
	opts.Reconnect = client.ReconnectStrategy{
		MaxRetries:    cc.MaxReconnectAttempts,
		InitialDelay:  cc.ReconnectInterval,
		BackoffFactor: cc.ReconnectDecay,
		MaxDelay:      cc.MaxReconnectInterval,
	}
	opts.HeartbeatInterval = cc.HeartbeatInterval
	opts.HeartbeatTimeout = cc.HeartbeatTimeout
	opts.MaxQueue = cc.MaxQueue

	if cc.HeartbeatMessage != "" {
		opts.HeartbeatProbe = cc.payload(cc.HeartbeatMessage)
	}
	if cc.HeartbeatReply != "" {
		opts.HeartbeatReply = client.MatchValue(cc.payload(cc.HeartbeatReply))
	}

	return opts
}

// payload turns configured text into the value the codec sees. Raw mode sends
// the text as is.
func (cc ClientConfig) payload(text string) any {
	if !cc.Structured {
		return text
	}
	var v any
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return text
	}
	return v
}

// DialerConfig returns the transport settings for the client section
func (cc ClientConfig) DialerConfig() client.DialerConfig {
	return client.DialerConfig{
		HandshakeTimeout: cc.HandshakeTimeout,
		APIKey:           cc.APIKey,
	}
}

// WriteDefault writes the default configuration to path as TOML. Durations
// are written as Go duration strings so Load reads them back unchanged.
func WriteDefault(path string) error {
	d := Default()
	doc := map[string]any{
		"client": map[string]any{
			"address":                d.Client.Address,
			"api_key":                d.Client.APIKey,
			"structured":             d.Client.Structured,
			"auto_connect":           d.Client.AutoConnect,
			"auto_reconnect":         d.Client.AutoReconnect,
			"max_reconnect_attempts": d.Client.MaxReconnectAttempts,
			"reconnect_interval":     d.Client.ReconnectInterval.String(),
			"reconnect_decay":        d.Client.ReconnectDecay,
			"max_reconnect_interval": d.Client.MaxReconnectInterval.String(),
			"heartbeat_interval":     d.Client.HeartbeatInterval.String(),
			"heartbeat_timeout":      d.Client.HeartbeatTimeout.String(),
			"heartbeat_message":      d.Client.HeartbeatMessage,
			"heartbeat_reply":        d.Client.HeartbeatReply,
			"max_queue":              d.Client.MaxQueue,
			"handshake_timeout":      d.Client.HandshakeTimeout.String(),
		},
		"logging": map[string]any{
			"level":  d.Logging.Level,
			"format": d.Logging.Format,
			"file":   d.Logging.File,
		},
		"metrics": map[string]any{
			"enabled": d.Metrics.Enabled,
			"port":    d.Metrics.Port,
		},
		"store": map[string]any{
			"path": d.Store.Path,
		},
		"console": map[string]any{
			"theme":        d.Console.Theme,
			"health_check": d.Console.HealthCheck,
		},
	}

	data, err := gotoml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
