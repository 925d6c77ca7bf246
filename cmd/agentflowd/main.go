package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentflow/agentflow/internal/agentrpc"
	"github.com/agentflow/agentflow/internal/api"
	"github.com/agentflow/agentflow/internal/config"
	"github.com/agentflow/agentflow/internal/engine"
	"github.com/agentflow/agentflow/internal/flows"
	"github.com/agentflow/agentflow/internal/logging"
	"github.com/agentflow/agentflow/internal/metrics"
	"github.com/agentflow/agentflow/internal/registry"
	"github.com/agentflow/agentflow/internal/store"
	"github.com/agentflow/agentflow/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "agentflowd",
		Short: "agentflowd — agent registry, liveness supervisor, and flow execution engine",
		Long: `agentflowd is the central component of the agentflow platform.
It registers HTTP agents, probes them for liveness, and executes
DAG-shaped flows across them.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.BindAddr, "bind-addr", cfg.BindAddr, "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	root.PersistentFlags().StringVar(&cfg.RedisPassword, "redis-password", cfg.RedisPassword, "Redis password")
	root.PersistentFlags().IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database index")
	root.PersistentFlags().DurationVar(&cfg.ProbeInterval, "probe-interval", cfg.ProbeInterval, "Liveness probe interval")
	root.PersistentFlags().IntVar(&cfg.FailureThreshold, "failure-threshold", cfg.FailureThreshold, "Consecutive probe failures before eviction")
	root.PersistentFlags().IntVar(&cfg.RetryCount, "retry-count", cfg.RetryCount, "Flow node invocation retry attempts")
	root.PersistentFlags().DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay between flow node retry attempts")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentflowd %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting agentflowd",
		zap.String("version", version),
		zap.String("bind_addr", cfg.BindAddr),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Store ---
	backingStore, err := store.NewRedis(store.RedisOptions{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// --- 2. Metrics ---
	m := metrics.New()

	// --- 3. Registry ---
	reg := registry.New(backingStore)

	// --- 4. Agent RPC client (shared by supervisor, runs, and engine) ---
	rpc := agentrpc.New()

	// --- 5. Liveness supervisor ---
	sup := supervisor.New(reg, rpc, supervisor.Config{
		PingInterval: cfg.ProbeInterval,
		MaxFailures:  cfg.FailureThreshold,
	}, logger).WithMetrics(m)

	// Reattach probers to every agent that survived a platform restart.
	if err := sup.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore supervised agents: %w", err)
	}

	// --- 6. Flow store ---
	flowStore := flows.New(backingStore)

	// Any execution left "running" across a restart was orphaned mid-flow —
	// mark it failed so it doesn't look alive forever.
	swept, err := flowStore.SweepOrphanedRunning(ctx)
	if err != nil {
		return fmt.Errorf("failed to sweep orphaned executions: %w", err)
	}
	if swept > 0 {
		logger.Warn("swept orphaned running executions", zap.Int("count", swept))
	}

	// --- 7. Flow execution engine ---
	eng := engine.New(reg, flowStore, rpc, engine.Config{
		RetryCount: cfg.RetryCount,
		RetryDelay: cfg.RetryDelay,
	}, logger).WithMetrics(m)

	// --- 8. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Registry:        reg,
		Supervisor:      sup,
		FlowStore:       flowStore,
		Engine:          eng,
		RPC:             rpc,
		Logger:          logger,
		PlatformVersion: version,
	})

	httpSrv := &http.Server{
		Addr:         cfg.BindAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.BindAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down agentflowd")

	sup.StopAll()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("agentflowd stopped")
	return nil
}
