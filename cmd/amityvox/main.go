// Package main is the CLI entrypoint for the AmityVox gateway. It provides
// subcommands for running the server (serve) and printing version
// information (version). The serve command loads configuration, connects
// to the NATS event bus, the presence cache, and the wide-column store,
// starts the WebSocket gateway, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/amityvox/amityvox/internal/config"
	"github.com/amityvox/amityvox/internal/events"
	"github.com/amityvox/amityvox/internal/gateway"
	"github.com/amityvox/amityvox/internal/presence"
	"github.com/amityvox/amityvox/internal/registry"
	"github.com/amityvox/amityvox/internal/store"
)

// Build-time variables set via ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "version":
		runVersion()
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("AmityVox gateway")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  amityvox serve     Start the WebSocket gateway")
	fmt.Println("  amityvox version   Print version information")
	fmt.Println("  amityvox help      Show this help message")
}

func runServe() error {
	logger := setupLogger("info", "json")

	logger.Info("starting AmityVox gateway",
		slog.String("version", version),
		slog.String("commit", commit),
	)

	// Load configuration.
	cfgPath := configPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Reconfigure logger with loaded settings.
	logger = setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", slog.String("path", cfgPath))

	// Connect to NATS event bus.
	bus, err := events.New(cfg.NATS.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to NATS: %w", err)
	}
	defer bus.Close()

	// Ensure JetStream streams exist.
	if err := bus.EnsureStreams(); err != nil {
		return fmt.Errorf("ensuring NATS streams: %w", err)
	}

	// Connect to DragonflyDB/Redis presence cache.
	cache, err := presence.New(cfg.Cache.URL, logger)
	if err != nil {
		return fmt.Errorf("connecting to cache: %w", err)
	}
	defer cache.Close()

	// Parse WebSocket and gateway session settings.
	heartbeatInterval, err := cfg.WebSocket.HeartbeatIntervalParsed()
	if err != nil {
		return fmt.Errorf("parsing heartbeat interval: %w", err)
	}
	heartbeatTimeout, err := cfg.WebSocket.HeartbeatTimeoutParsed()
	if err != nil {
		return fmt.Errorf("parsing heartbeat timeout: %w", err)
	}
	graceWindow, err := cfg.Gateway.GraceWindowParsed()
	if err != nil {
		return fmt.Errorf("parsing gateway grace window: %w", err)
	}
	quotaTTL, err := cfg.Gateway.SessionQuotaTTLParsed()
	if err != nil {
		return fmt.Errorf("parsing gateway session quota ttl: %w", err)
	}

	// Connect to the wide-column store backing the gateway's Ready
	// snapshots and session-quota bookkeeping.
	gatewayStore, err := store.NewScyllaAdapter(store.ScyllaConfig{
		Hosts:       cfg.Store.Hosts,
		Keyspace:    cfg.Store.Keyspace,
		Username:    cfg.Store.Username,
		Password:    cfg.Store.Password,
		Consistency: cfg.Store.Consistency,
	}, cfg.Gateway.DefaultSessionQuota, quotaTTL, logger)
	if err != nil {
		return fmt.Errorf("connecting to gateway store: %w", err)
	}
	defer gatewayStore.Close()

	gatewayRegistry := registry.New(graceWindow, logger)

	// Create WebSocket gateway server.
	gw := gateway.NewServer(gateway.ServerConfig{
		EventBus:          bus,
		Cache:             cache,
		Store:             gatewayStore,
		Registry:          gatewayRegistry,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		PendingQueueMax:   cfg.Gateway.PendingQueueMax,
		WorkerPoolSize:    cfg.Gateway.WorkerPoolSize,
		ListenAddr:        cfg.WebSocket.Listen,
		Logger:            logger,
	})

	// Graceful shutdown handler.
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)

	go func() {
		if err := gw.Start(); err != nil {
			errCh <- fmt.Errorf("WebSocket gateway: %w", err)
		}
	}()

	// Wait for shutdown signal or server error.
	select {
	case err := <-errCh:
		return err
	case sig := <-shutdownCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("AmityVox gateway stopped")
	return nil
}

func runVersion() {
	fmt.Printf("AmityVox gateway %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
}

// configPath returns the config file path from AMITYVOX_CONFIG_PATH env var
// or the default "amityvox.toml".
func configPath() string {
	if p := os.Getenv("AMITYVOX_CONFIG_PATH"); p != "" {
		return p
	}
	return "amityvox.toml"
}

// setupLogger creates a slog.Logger with the given level and format.
func setupLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
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

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
