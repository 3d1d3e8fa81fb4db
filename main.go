package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/captain/internal/adapter/agentclient"
	"github.com/xiaot623/captain/internal/config"
	"github.com/xiaot623/captain/internal/dispatch"
	"github.com/xiaot623/captain/internal/liveness"
	"github.com/xiaot623/captain/internal/logging"
	"github.com/xiaot623/captain/internal/metrics"
	"github.com/xiaot623/captain/internal/registry"
	"github.com/xiaot623/captain/internal/repository"
	"github.com/xiaot623/captain/internal/service"
	transporthttp "github.com/xiaot623/captain/internal/transport/http"
	"github.com/xiaot623/captain/internal/transport/rpc"
	"github.com/xiaot623/captain/internal/transport/ws"
	"github.com/xiaot623/captain/policy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "captain: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	loader := config.NewLoader("")
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	logger.Info("starting gateway",
		"config_file", loader.File(),
		"http_port", cfg.HTTP.Port,
		"rpc_port", cfg.RPC.Port,
		"database", cfg.Database.URL,
		"static_agents", len(cfg.Agents))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	db, err := repository.NewSQLiteStore(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer db.Close()

	reg, err := registry.New(registry.Options{
		AllowOverwrite:     cfg.Registry.AllowOverwrite,
		ProtocolConstraint: cfg.Registry.ProtocolConstraint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	// Initialize agent client
	agentClient := agentclient.NewClient()

	tracker := liveness.NewTracker(agentClient, liveness.Options{
		ProbeInterval:    cfg.Liveness.ProbeInterval,
		ProbeTimeout:     cfg.Liveness.ProbeTimeout,
		FailureThreshold: cfg.Liveness.FailureThreshold,
		Logger:           logger,
	})

	// Initialize policy engine
	policyEngine, err := policy.NewEngineFromFile(ctx, cfg.Policy.File, cfg.Dispatch.BlockedCapabilities)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	m := metrics.New()

	dispatcher := dispatch.New(reg, tracker, agentClient, dispatch.Options{
		MinAttemptTimeout: cfg.Dispatch.MinAttemptTimeout,
		Policy:            policyEngine,
		Observer:          m,
		Logger:            logger,
	})

	// Initialize service
	svc := service.New(reg, tracker, dispatcher, service.Options{
		RequestTimeout:       cfg.Orchestrator.RequestTimeout,
		MaxRequestTimeout:    cfg.Orchestrator.MaxRequestTimeout,
		CriticalCapabilities: cfg.Orchestrator.CriticalCapabilities,
		Store:                db,
		Metrics:              m,
		Logger:               logger,
	})

	hub := ws.NewHub(logger)
	tracker.OnTransition(hub.Publish)
	go hub.Run(ctx)

	// Populate the registry
	if cfg.Database.RestoreAgents {
		n, err := svc.RestoreAgents(ctx)
		if err != nil {
			logger.Warn("failed to restore agents", "error", err)
		} else {
			logger.Info("restored agents from snapshot", "count", n)
		}
	}
	if err := svc.ReconcileStatic(ctx, cfg.StaticAgents()); err != nil {
		logger.Warn("some static agents were rejected", "error", err)
	}

	tracker.ProbeAll(ctx)
	tracker.Start(ctx)
	defer tracker.Stop()

	go svc.RunTraceRetention(ctx, cfg.Database.TraceRetention, time.Minute)

	loader.Watch(func(next *config.Config) {
		logger.Info("config changed, reconciling static agents", "static_agents", len(next.Agents))
		svc.SetCriticalCapabilities(next.Orchestrator.CriticalCapabilities)
		if err := svc.ReconcileStatic(ctx, next.StaticAgents()); err != nil {
			logger.Warn("some static agents were rejected", "error", err)
		}
	}, func(err error) {
		logger.Warn("ignoring invalid config change", "error", err)
	})

	// Servers
	httpServer := transporthttp.NewServer(svc, transporthttp.Options{
		RateLimit: cfg.HTTP.RateLimit,
		Metrics:   m.Handler(),
		Stream:    ws.NewServer(hub, tracker, ws.Options{Logger: logger}),
	})

	rpcServer, err := rpc.NewServer(svc, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize rpc server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPC.Port)
		if err := rpcServer.Start(addr); err != nil {
			errCh <- fmt.Errorf("rpc server: %w", err)
		}
	}()

	logger.Info("gateway started", "http_port", cfg.HTTP.Port, "rpc_port", cfg.RPC.Port)

	// Wait for interrupt signal
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	logger.Info("shutting down gateway")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server gracefully", "error", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown rpc server gracefully", "error", err)
	}

	logger.Info("gateway stopped")
	return runErr
}
