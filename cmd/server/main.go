/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rewards ledger HTTP server. Handles
  configuration, dependency wiring, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (defaults, file, LEDGER_* env, flags)
  3. Set up logging and tracing
  4. Wire the application (store, cache, coordinator, services)
  5. Start the reconciliation scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  TOML or YAML config file (optional)
  -port    HTTP server port, overrides the config
  -db      SQLite database path, overrides the config
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, flush traces, close the store
  4. Exit

EXAMPLES:
  ./server -config=ledger.toml
  ./server -db=":memory:" -port=3000
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://... ./server

SEE ALSO:
  - internal/config/config.go: Configuration
  - internal/app/app.go: Wiring
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/rewards-ledger/api"
	"github.com/warp/rewards-ledger/internal/app"
	"github.com/warp/rewards-ledger/internal/config"
	"github.com/warp/rewards-ledger/internal/logging"
	"github.com/warp/rewards-ledger/internal/tracing"
)

func main() {
	// Flags
	configPath := flag.String("config", "", "Config file (.toml, .yaml, .yml)")
	port := flag.Int("port", 8080, "HTTP server port")
	dbPath := flag.String("db", "ledger.db", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}
	// Flags win over file and environment, but only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db":
			cfg.Database.Driver = config.DriverSQLite
			cfg.Database.Path = *dbPath
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Log)

	shutdownTracing, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing", slog.Any("error", err))
		os.Exit(1)
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", slog.Any("error", err))
		os.Exit(1)
	}

	scheduler := api.NewReconciliationScheduler(a.Reconcile)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval.Duration
	scheduler.Logger = logger.With(slog.String("component", "scheduler"))
	scheduler.Start()

	handler := api.NewHandler(a)
	router := api.NewRouter(handler, cfg.Server)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting",
			slog.String("addr", server.Addr),
			slog.String("driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", slog.Any("error", err))
	}
	scheduler.Stop()
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn("Failed to flush traces", slog.Any("error", err))
	}
	if err := a.Close(); err != nil {
		logger.Warn("Failed to close resources", slog.Any("error", err))
	}

	logger.Info("Server stopped")
}
