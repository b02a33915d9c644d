// Package main runs the Showito real-time pipeline: WebSocket broadcast of
// transformed, throttled, batched NFT market events.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/showito/realtime/config"
	"github.com/showito/realtime/metric"
	"github.com/showito/realtime/output/websocket"
	"github.com/showito/realtime/processor"
	"github.com/showito/realtime/service"
	"github.com/showito/realtime/transform"
)

const (
	version     = "0.1.0"
	appName     = "showito-realtime"
	stopTimeout = 10 * time.Second
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
		slog.Error("service failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   = flag.String("config", "", "path to YAML configuration")
		validateOnly = flag.Bool("validate", false, "validate configuration and exit")
		showVersion  = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, version)
		return nil
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if *validateOnly {
		logger.Info("configuration is valid", "path", *configPath)
		return nil
	}

	registry := metric.NewMetricsRegistry()

	proc := processor.New(cfg.ProcessorConfig(), transform.NewRegistry(),
		processor.WithLogger(logger),
		processor.WithMetrics(registry))
	server := websocket.NewServer(cfg.ServerConfig(),
		websocket.WithLogger(logger))

	svc, err := service.New(cfg.ServiceConfig(), proc, server,
		service.WithLogger(logger),
		service.WithMetrics(registry))
	if err != nil {
		return fmt.Errorf("building service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}
	logger.Info("service running", "version", version,
		"ws_addr", svc.WebSocketAddr(), "http_addr", svc.HTTPAddr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	if err := svc.Stop(stopTimeout); err != nil {
		return fmt.Errorf("stopping service: %w", err)
	}
	return nil
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
