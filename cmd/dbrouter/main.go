package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/migadu/dbrouter/config"
	"github.com/migadu/dbrouter/logger"
	"github.com/migadu/dbrouter/pkg/errors"
	"github.com/migadu/dbrouter/pkg/routing"
	"github.com/migadu/dbrouter/server/adminapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("dbrouter version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError(err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DBROUTER: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Info("dbrouter starting", "component", "MAIN", "version", version, "commit", commit, "built", date)
	logger.Info("Loaded configuration", "component", "MAIN", "path", *configPath, "backends", len(cfg.Backends), "default", cfg.Routing.Default)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := routing.New(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("create routing engine", err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := engine.Start(ctx); err != nil {
		errorHandler.FatalError("start routing engine", err)
		closeEngine(engine, cfg)
		os.Exit(errorHandler.WaitForExit())
	}

	stats := engine.Stats()
	logger.Info("Routing engine started", "component", "MAIN", "healthy", stats.HealthyBackends, "total", stats.TotalBackends, "failed", stats.Failed)

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		g.Go(func() error { return runMetricsServer(gctx, cfg.Metrics) })
	}
	if cfg.AdminAPI.Enabled {
		options := adminapi.ServerOptions{
			Addr:         cfg.AdminAPI.Addr,
			APIKey:       cfg.AdminAPI.APIKey,
			AllowedHosts: cfg.AdminAPI.AllowedHosts,
		}
		if st := engine.EventStore(); st != nil {
			options.History = st
		}
		api, err := adminapi.New(engine, options)
		if err != nil {
			errorHandler.FatalError("create admin API server", err)
			closeEngine(engine, cfg)
			os.Exit(errorHandler.WaitForExit())
		}
		g.Go(func() error { return api.Run(gctx) })
	}

	// Servers only return early on failure, which cancels gctx.
	<-gctx.Done()
	if err := g.Wait(); err != nil {
		errorHandler.FatalError("server operation", err)
	} else {
		errorHandler.Shutdown(ctx)
	}

	closeEngine(engine, cfg)
	if errorHandler.Err() != nil {
		os.Exit(errorHandler.WaitForExit())
	}
	logger.Info("dbrouter stopped", "component", "MAIN")
}

// closeEngine stops health checking and closes every pool within the
// configured shutdown timeout.
func closeEngine(engine *routing.Engine, cfg config.Config) {
	timeout := cfg.Health.GetShutdownTimeoutWithDefault() + 5*time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := engine.Close(ctx); err != nil {
		logger.Warn("Routing engine closed with errors", "component", "MAIN", "error", err)
		return
	}
	logger.Info("Routing engine closed", "component", "MAIN")
}

func runMetricsServer(ctx context.Context, cfg config.MetricsConfig) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down metrics server", "component", "METRICS")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down metrics server", "component", "METRICS", "error", err)
		}
	}()

	logger.Info("Metrics server listening", "component", "METRICS", "addr", cfg.Addr, "path", cfg.Path)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server failed: %w", err)
	}
	return nil
}
