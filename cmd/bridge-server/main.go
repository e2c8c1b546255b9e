// bridge-server is the workflow execution bridge: it brokers the
// consumer lock, launches runner pairs, streams tool-call events in both
// directions, mirrors work roots against the object store, and persists
// the exec registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"workbridge/internal/config"
	"workbridge/internal/dispatch"
	"workbridge/internal/execreg"
	"workbridge/internal/gcsync"
	"workbridge/internal/launcher"
	"workbridge/internal/lock"
	"workbridge/internal/logging"
	"workbridge/internal/observability"
	"workbridge/internal/sandbox"
	"workbridge/internal/server"
	"workbridge/internal/store"
	"workbridge/internal/store/memstore"
	"workbridge/internal/store/pgstore"
	"workbridge/internal/workspace"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "bridge-server",
		Short:   "Workflow execution bridge server",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
		SilenceUsage: true,
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bridge-server: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	logger := logging.NewComponentLogger("Main")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("Starting bridge server (%s)", cfg)

	metrics, err := observability.NewMetricsCollector(observability.MetricsConfig{
		Enabled:        true,
		PrometheusPort: cfg.MetricsPort,
	})
	if err != nil {
		return fmt.Errorf("initialize metrics: %w", err)
	}

	stores, closeStores, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStores()

	sb := sandbox.New(cfg.WorkRoot, cfg.WorkPrefixTemplate, sandbox.Limits{
		ReadFileMaxBytes:  cfg.ReadFileMaxBytes,
		OutputMaxBytes:    cfg.OutputMaxBytes,
		RunCommandTimeout: cfg.RunCommandTimeout,
	})

	locks := lock.NewManager(stores.Locks)
	workspaces := workspace.NewManager(stores.Workspaces, cfg.WorkspaceTTL)
	registry := execreg.NewRegistry(stores.Execs)

	var jobs launcher.JobRunner
	if cfg.RemoteJobURL != "" {
		jobs = launcher.NewHTTPJobRunner(cfg.RemoteJobURL, cfg.UpstreamToken)
	}
	launch := launcher.NewLauncher(locks, workspaces, launcher.NewDockerRunner(), jobs, launcher.Config{
		UpstreamBaseURL:  cfg.UpstreamBaseURL,
		UpstreamAudience: cfg.UpstreamAudience,
		UpstreamToken:    cfg.UpstreamToken,
		ProducerImage:    cfg.ProducerImage,
		ConsumerImage:    cfg.ConsumerImage,
		ConsumerPort:     cfg.ConsumerPort,
		DefaultLease:     cfg.MaxLease / 2,
		MaxLease:         cfg.MaxLease,
	})

	var callbacks *dispatch.CallbackClient
	if cfg.UpstreamBaseURL != "" {
		callbacks = dispatch.NewCallbackClient(cfg.UpstreamBaseURL, cfg.UpstreamToken)
	}

	var objects gcsync.ObjectStore
	if cfg.GCSBucket != "" {
		gcs, err := gcsync.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return fmt.Errorf("connect object store: %w", err)
		}
		objects = gcs
		logger.Info("Object store sync enabled (bucket %s, prefix %q)", cfg.GCSBucket, cfg.GCSPrefix)
	}

	srv := server.NewServer(cfg, server.Deps{
		Launcher:   launch,
		Registry:   registry,
		Dispatcher: dispatch.NewDispatcher(sb),
		Callbacks:  callbacks,
		Sandbox:    sb,
		Objects:    objects,
		Metrics:    metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("Received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown incomplete: %v", err)
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics shutdown incomplete: %v", err)
	}

	logger.Info("Bridge server stopped")
	return nil
}

// openStores selects Postgres when DATABASE_URL is set, falling back to
// the in-memory store bundle otherwise.
func openStores(ctx context.Context, cfg *config.Config, logger *logging.Logger) (store.Stores, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, using in-memory metadata store")
		return memstore.Stores(), func() {}, nil
	}

	pool, err := pgstore.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return store.Stores{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pgstore.Stores(pool), pool.Close, nil
}
