package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/service"
	"github.com/sentinelops/sentinel/internal/store"
	"github.com/sentinelops/sentinel/pkg/api"
)

var (
	databaseURL     string
	shutdownTimeout time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sampler, error sweep and HTTP read API",
	Long: `Run the pipeline as a long-lived process: the health sampler and the error
sweep tick on their configured intervals, the read API serves dashboards and
the Prometheus endpoint exposes the pipeline's own metrics.

Example:
  sentinel serve --config sentinel.yaml
  sentinel serve --database-url postgres://app@db:5432/app
`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("SENTINEL_DATABASE_URL"), "PostgreSQL URL of the observed database (enables pool sampling)")
	serveCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "Time allowed for in-flight work to drain on shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Namespace: cfg.Metrics.Namespace,
		Labels:    map[string]string{"environment": cfg.Global.Environment},
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}

	st, err := store.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("failed to open telemetry store: %w", err)
	}

	opts := service.Options{
		Store:   st,
		Metrics: collector,
		Logger:  logger,
	}
	if databaseURL != "" {
		db, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			_ = st.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		opts.Database = db
	}

	svc, err := service.New(cfg, opts)
	if err != nil {
		_ = st.Close()
		return err
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Stop(context.Background())
		return err
	}

	var server *api.Server
	if cfg.API.Enabled {
		serverCfg := api.DefaultServerConfig()
		serverCfg.Address = cfg.API.Address
		serverCfg.ReadTimeout = cfg.API.ReadTimeout
		serverCfg.WriteTimeout = cfg.API.WriteTimeout
		if cfg.Metrics.Enabled {
			serverCfg.MetricsPath = cfg.Metrics.Path
			serverCfg.MetricsHandler = collector.Handler()
		}
		server = api.NewServer(serverCfg, svc, logger)
		server.StartBackground()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received", zap.Duration("timeout", shutdownTimeout))

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if server != nil {
		if err := server.Shutdown(drainCtx); err != nil {
			logger.Warn("API server shutdown failed", zap.Error(err))
		}
	}
	if err := svc.Stop(drainCtx); err != nil {
		logger.Error("pipeline shutdown incomplete", zap.Error(err))
		return err
	}
	return nil
}
