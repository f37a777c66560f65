// GrantMesh orchestrator server — runs the message bus, the grant review
// workflow engine, and the admin HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/grantmesh/grantmesh/pkg/api"
	"github.com/grantmesh/grantmesh/pkg/config"
	"github.com/grantmesh/grantmesh/pkg/metrics"
	"github.com/grantmesh/grantmesh/pkg/orchestrator"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config",
		getEnv("GRANTMESH_CONFIG", "./grantmesh.yaml"),
		"Path to the YAML configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	slog.Info("Starting GrantMesh", "http_port", httpPort, "config", *configPath)

	// 1. Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Metrics registry
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(promRegistry)

	// 3. Orchestrator: registry, bus, store, workflow engine
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orch := orchestrator.New(cfg, recorder)
	if err := orch.Start(ctx); err != nil {
		slog.Error("Failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// 4. WebSocket event stream
	stream := api.NewStreamManager(orch.Emitter())
	stream.Start()

	// 5. HTTP server (non-blocking)
	server := api.NewServer(orch, stream, promRegistry)
	errCh := make(chan error, 1)
	go func() {
		if err := server.Run(ctx, ":"+httpPort); err != nil {
			errCh <- err
		}
	}()

	slog.Info("GrantMesh started",
		"evaluation_timeout", cfg.Orchestrator.EvaluationTimeout,
		"parallel_evaluations", cfg.Orchestrator.Parallel(),
		"bridge_enabled", cfg.Bridge.BaseURL != "")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: drain the HTTP server, then the orchestrator
	// (which waits for active workflows up to its grace period).
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	default:
	}

	stream.Stop()
	orch.Shutdown()
	slog.Info("Shutdown complete")
}
