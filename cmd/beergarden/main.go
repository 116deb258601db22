// Package main implements the beer-garden entry point: a plugin
// orchestration server that routes requests to plugin instances over a
// message broker and federates with remote gardens.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/beer-garden/beer-garden/config"
	"github.com/beer-garden/beer-garden/supervisor"
)

const appName = "beer-garden"

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

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, supervisor.Version)
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	level, format := cfg.Logging.Level, cfg.Logging.Format
	if cliCfg.LogLevel != "" {
		level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		format = cliCfg.LogFormat
	}
	logger := setupLogger(level, format)
	slog.SetDefault(logger)

	slog.Info("Starting beer-garden",
		"version", supervisor.Version,
		"garden", cfg.GardenName,
		"config_path", cliCfg.ConfigPath)

	app := supervisor.New(cfg, logger)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := app.Start(signalCtx); err != nil {
		app.Stop(cliCfg.ShutdownTimeout)
		return fmt.Errorf("start garden: %w", err)
	}
	slog.Info("Garden started successfully", "garden", cfg.GardenName)

	// Exit on signal or when the HTTP server dies on its own.
	serverDone := make(chan error, 1)
	go func() { serverDone <- app.Wait() }()

	var runErr error
	select {
	case <-signalCtx.Done():
		slog.Info("Received shutdown signal")
	case runErr = <-serverDone:
		if runErr != nil {
			slog.Error("API server exited", "error", runErr)
		}
	}

	app.Stop(cliCfg.ShutdownTimeout)
	slog.Info("Garden shutdown complete")
	return runErr
}
