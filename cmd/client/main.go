package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/uds-pad/wsrelay/internal/client"
	"github.com/uds-pad/wsrelay/internal/config"
	"github.com/uds-pad/wsrelay/internal/console"
	"github.com/uds-pad/wsrelay/internal/database"
	"github.com/uds-pad/wsrelay/internal/logger"
	"github.com/uds-pad/wsrelay/internal/metrics"
)

// lastAddressKey remembers the address of the previous session
const lastAddressKey = "last_address"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	address := flag.String("address", "", "Relay address (overrides config and the last session)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.WriteDefault(*writeConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Config written to %s\n", *writeConfig)
		return
	}

	// Try default config paths if not specified
	if *configPath == "" {
		*configPath = findConfig()
	}

	// WSRELAY_* variables may also come from a .env file
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := run(cfg, *address); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func findConfig() string {
	paths := []string{config.DefaultFile}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "wsrelay", config.DefaultFile))
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func run(cfg *config.Config, addressFlag string) error {
	// The terminal UI owns stdout, so logs always go to a file
	logFile := cfg.Logging.File
	if logFile == "" {
		logFile = filepath.Join(filepath.Dir(cfg.Store.Path), "wsrelay.log")
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0700); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	zl, err := logger.NewFile(cfg.Logging.Level, logFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zl.Sync()

	store, err := database.New(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	address := resolveAddress(addressFlag, cfg.Client.Address, store, zl)

	var theme *console.Theme
	if cfg.Console.Theme != "" {
		if theme, err = console.LoadTheme(cfg.Console.Theme); err != nil {
			zl.Warn("Failed to load theme, using default", zap.String("path", cfg.Console.Theme), zap.Error(err))
			theme = nil
		}
	}

	if cfg.Metrics.Enabled {
		ms := metrics.NewServer(&cfg.Metrics, zl)
		if err := ms.Start(); err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ms.Stop(ctx)
		}()
	}

	opts := cfg.Client.Options()
	autoConnect := opts.AutoConnect
	// connect only after the saved outbox is back in the queue
	opts.AutoConnect = false

	notifier := console.NewNotifier()
	clientOpts := []client.Option{
		client.WithLogger(zl),
		client.WithDialer(client.NewWebSocketDialer(cfg.Client.DialerConfig(), zl)),
		client.WithNotifier(notifier),
	}
	if cfg.Metrics.Enabled {
		clientOpts = append(clientOpts, client.WithRecorder(metrics.NewClientRecorder()))
	}

	c, err := client.New(address, opts, clientOpts...)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}

	if frames, err := store.LoadOutbox(address); err != nil {
		zl.Warn("Failed to load saved outbox", zap.Error(err))
	} else if len(frames) > 0 {
		zl.Info("Restored saved outbox", zap.Int("frames", len(frames)))
		c.Requeue(frames)
	}

	app := console.NewApp(c, notifier, console.Options{
		Structured: cfg.Client.Structured,
		Theme:      theme,
		Ping:       cfg.Console.HealthCheck,
	})
	if autoConnect {
		c.Connect()
	}

	p := tea.NewProgram(
		app,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	_, runErr := p.Run()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Shutdown(ctx); err != nil {
		zl.Warn("Client shutdown timed out", zap.Error(err))
	}

	pending := c.Drain()
	if err := store.SaveOutbox(address, pending); err != nil {
		zl.Error("Failed to save outbox", zap.Error(err))
	} else if len(pending) > 0 {
		fmt.Printf("%d unsent message(s) saved for the next session\n", len(pending))
	}
	if err := store.Set(lastAddressKey, address); err != nil {
		zl.Warn("Failed to remember address", zap.Error(err))
	}

	if runErr != nil {
		return fmt.Errorf("error running program: %w", runErr)
	}
	return nil
}

// resolveAddress picks the flag, then the previous session's address, then
// the configured one.
func resolveAddress(flagValue, configured string, store *database.DB, zl *zap.Logger) string {
	if flagValue != "" {
		return flagValue
	}

	var last string
	err := store.Get(lastAddressKey, &last)
	switch {
	case err == nil && last != "":
		return last
	case err != nil && !errors.Is(err, database.ErrNotFound):
		zl.Warn("Failed to read last address", zap.Error(err))
	}
	return configured
}
