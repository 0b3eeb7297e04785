// Package main implements the entry point for the oddstream service.
// Oddstream ingests market-data ticks over WebSocket, deduplicates and
// fans them out to subscribers, and manages metadata lifecycle records.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/linesport/oddstream/config"
	"github.com/linesport/oddstream/engine"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "oddstream"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting oddstream",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.LogLevel != "" {
		cfg.Service.LogLevel = cliCfg.LogLevel
	}

	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	eng, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	return runWithSignalHandling(eng, cliCfg)
}

// runWithSignalHandling starts the engine and waits for a shutdown signal.
func runWithSignalHandling(eng *engine.Engine, cliCfg *CLIConfig) error {
	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := eng.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("oddstream started successfully")

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := eng.Stop(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("oddstream shutdown complete")
	return nil
}
