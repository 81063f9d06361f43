// Command agent-sim is a fake OpenBACH agent for local runs and tests.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
)

var (
	configPath string
	listenAddr string
	logLevel   string
)

func init() {
	flag.StringVar(&configPath, "config", "", "Path to behavior config YAML")
	flag.StringVar(&listenAddr, "listen", "", "Address to listen on (overrides config)")
	flag.StringVar(&logLevel, "log-level", "", "Log level (debug/info/warn/error)")
}

func main() {
	flag.Parse()

	if envConfig := os.Getenv("AGENT_SIM_CONFIG"); envConfig != "" && configPath == "" {
		configPath = envConfig
	}

	config := NewDefaultSimConfig()
	if configPath != "" {
		var err error
		config, err = LoadConfig(configPath)
		if err != nil {
			slog.Error("failed to load config", "path", configPath, "error", err)
			os.Exit(1)
		}
	}
	if listenAddr != "" {
		config.Listen = listenAddr
	}
	if logLevel != "" {
		config.Logging.Level = logLevel
	}

	logger := setupLogger(config.Logging)

	ln, err := net.Listen("tcp", config.Listen)
	if err != nil {
		logger.Error("failed to listen", "address", config.Listen, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sim := NewSimulator(config, logger)
	if err := sim.Serve(ctx, ln); err != nil {
		logger.Error("simulator error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg LoggingConfig) *slog.Logger {
	var lvl slog.Level
	switch cfg.Level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
