package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/uds-pad/wsrelay/internal/logger"
	"github.com/uds-pad/wsrelay/internal/server"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "", "Path to configuration file")
	host := flag.String("host", "", "Host to bind to (overrides config)")
	port := flag.Int("port", 0, "Port to bind to (overrides config)")
	logFormat := flag.String("log-format", "json", "Log format: json or console")
	genKey := flag.Bool("gen-key", false, "Print a new api key and its hash, then exit")
	flag.Parse()

	if *genKey {
		key, hash, err := generateKey()
		if err != nil {
			log.Fatalf("Failed to generate api key: %v", err)
		}
		fmt.Printf("api key:      %s\napi_key_hash: %s\n", key, hash)
		return
	}

	// Detect first-run: no config file specified and default config file absent
	isFirstRun := *configPath == ""
	if isFirstRun {
		if _, err := os.Stat(configFilename); err == nil {
			isFirstRun = false // config file already exists
		}
	}

	// Load configuration
	var config *server.Config
	if isFirstRun {
		var err error
		if config, err = runFirstRunSetup(); err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	} else {
		config = server.DefaultConfig()
		path := *configPath
		if path == "" {
			path = configFilename
		}
		if err := loadConfig(path, config); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Apply command line overrides
	if *host != "" {
		config.Host = *host
	}
	if *port != 0 {
		config.Port = *port
	}

	level := config.LogLevel
	if config.Debug {
		level = "debug"
	}
	zl, err := logger.New(level, *logFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zl.Sync()

	printBanner()
	log.Printf("WebSocket endpoint: ws://%s/ws", config.Addr())
	log.Printf("Health endpoint: http://%s/api/health", config.Addr())
	if config.APIKeyHash == "" {
		log.Printf("Warning: no api_key_hash configured, any client may connect")
	}

	srv, err := server.New(config, zl)
	if err != nil {
		zl.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Run(context.Background()); err != nil {
		zl.Fatal("Server error", zap.Error(err))
	}
}

func loadConfig(path string, config *server.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func printBanner() {
	banner := `
                         _
 __      _____ _ __ ___| | __ _ _   _
 \ \ /\ / / __| '__/ _ \ |/ _' | | | |
  \ V  V /\__ \ | |  __/ | (_| | |_| |
   \_/\_/ |___/_|  \___|_|\__,_|\__, |
                                |___/
  WebSocket Relay v0.1.0
  ======================
`
	fmt.Println(banner)
}
