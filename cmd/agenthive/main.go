package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agenthive/agenthive/internal/codebase"
	"github.com/agenthive/agenthive/internal/common/config"
	"github.com/agenthive/agenthive/internal/common/logger"
	"github.com/agenthive/agenthive/internal/coordination/heartbeat"
	"github.com/agenthive/agenthive/internal/coordination/registry"
	"github.com/agenthive/agenthive/internal/dispatch"
	"github.com/agenthive/agenthive/internal/downstream"
	"github.com/agenthive/agenthive/internal/events"
	"github.com/agenthive/agenthive/internal/server"
	"github.com/agenthive/agenthive/internal/session"
	"github.com/agenthive/agenthive/internal/tracing"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	modes := cfg.Server.Modes()

	// 2. Initialize logger. In stdio mode stdout carries protocol frames,
	// so logs always go to stderr there.
	outputPath := cfg.Logging.OutputPath
	if modes.Stdio && (outputPath == "" || outputPath == "stdout") {
		outputPath = "stderr"
	}
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: outputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting AgentHive coordination broker...",
		zap.Bool("stdio", modes.Stdio),
		zap.Bool("http", modes.HTTP),
		zap.Bool("websocket", modes.WebSocket))

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Event bus: NATS when configured, in-memory otherwise
	provided, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus cleanup error", zap.Error(err))
		}
	}()
	eventBus := provided.Bus

	// 5. Codebase registry and workspace identification
	identifier := codebase.NewIdentifier(log)
	codebases := codebase.NewRegistry(identifier, eventBus, log)

	// 6. Session manager for bearer tokens
	sessions := session.NewManager(cfg.Session.TTL(), cfg.Session.SweepIntervalDuration(), log)
	if err := sessions.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}

	// 7. Agent and task registry
	reg := registry.NewRegistry(codebases, sessions, eventBus, log, registry.Config{
		OfflineThreshold: cfg.Heartbeat.OfflineThresholdDuration(),
	})

	// 8. Heartbeat scheduler watches for agents that go silent
	scheduler := heartbeat.NewScheduler(reg, eventBus, log, heartbeat.Config{
		Interval: cfg.Heartbeat.IntervalDuration(),
	})
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal("Failed to start heartbeat scheduler", zap.Error(err))
	}

	// 9. Downstream MCP servers. A missing config file selects the built-in
	// defaults; a malformed one is fatal so a typo never drops servers.
	downstreamCfg, err := downstream.LoadConfig(cfg.MCP.ConfigFile)
	if err != nil {
		log.Fatal("Failed to load downstream server config", zap.Error(err))
	}
	sup := downstream.NewSupervisor(downstreamCfg, &cfg.MCP, eventBus, log)
	if err := sup.Start(ctx); err != nil {
		log.Fatal("Failed to start downstream servers", zap.Error(err))
	}

	// 10. Dispatcher ties the tool surface together
	dispatcher := dispatch.NewDispatcher(reg, codebases, identifier, sup, log)
	dispatcher.SetHeartbeatTracker(scheduler)

	// 11. Start the configured transports
	var g errgroup.Group

	var httpServer *server.HTTPServer
	if modes.HTTP || modes.WebSocket {
		httpServer = server.NewHTTPServer(cfg.Server, dispatcher, reg, sessions, eventBus, log)
		g.Go(httpServer.Start)
	}
	if modes.Stdio {
		stdio := server.NewStdioServer(dispatcher, log)
		g.Go(func() error { return stdio.Run(ctx) })
	}

	transportErr := make(chan error, 1)
	go func() { transportErr <- g.Wait() }()

	// 12. Wait for a shutdown signal or a transport ending. On a stdio-only
	// broker, stdin closing is the normal way out.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case err := <-transportErr:
		if err != nil {
			log.Error("Transport failed", zap.Error(err))
			exitCode = 1
		} else {
			log.Info("Transports finished")
		}
	}

	log.Info("Shutting down AgentHive coordination broker...")

	// 13. Graceful shutdown
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
	}

	scheduler.Stop()

	if err := sup.Stop(shutdownCtx); err != nil {
		log.Error("Downstream supervisor stop error", zap.Error(err))
	}

	sessions.Stop()

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracer shutdown error", zap.Error(err))
	}

	log.Info("AgentHive coordination broker stopped")

	if exitCode != 0 {
		_ = log.Sync()
		os.Exit(exitCode)
	}
}
