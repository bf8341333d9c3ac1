/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the contractor liability ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, LEDGER_* environment, flags)
  2. Open the configured store (memory, sqlite or postgres)
  3. Start the settlement scheduler and re-arm pending withdrawals
  4. Seed sample data when enabled and the store is empty
  5. Configure HTTP router and start the settlement sweeper
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides LEDGER_PORT)
  -store   Store backend: memory, sqlite, postgres (overrides LEDGER_STORE)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the sweeper and the settlement scheduler
  4. Close the store
  5. Exit

  Withdrawals still pending at shutdown stay pending. A durable store
  settles them on the next boot.

EXAMPLES:
  # In-memory ledger with sample data
  LEDGER_SEED=true ./server

  # SQLite file
  LEDGER_SQLITE_PATH=./data/ledger.db ./server -store=sqlite

  # Postgres
  LEDGER_POSTGRES_URL=postgres://localhost/ledger ./server -store=postgres

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - ledger/withdrawal.go: Settlement lifecycle
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

	"github.com/ulule/limiter/v3"

	"github.com/warp/contractor-ledger/api"
	"github.com/warp/contractor-ledger/config"
	"github.com/warp/contractor-ledger/ledger"
	"github.com/warp/contractor-ledger/ledger/store"
	"github.com/warp/contractor-ledger/settlement"
	"github.com/warp/contractor-ledger/store/postgres"
	"github.com/warp/contractor-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	backend := flag.String("store", cfg.Store, "Store backend: memory, sqlite or postgres")
	flag.Parse()
	cfg.Port, cfg.Store = *port, *backend
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Initialize store
	ledgerStore, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store ready", slog.String("store", cfg.Store))

	// Settlement
	scheduler := settlement.NewScheduler(settlement.SystemClock{}, logger)
	claims := ledger.NewClaimProcessor(ledgerStore, cfg.MaxClaimAmount, scheduler.Clock(), logger)
	withdrawals := ledger.NewWithdrawalProcessor(ledgerStore, scheduler, cfg.SettlementDelay, logger)

	if _, err := withdrawals.ResumePending(ctx); err != nil {
		return err
	}
	if cfg.Seed {
		seeded, err := ledger.Seed(ctx, claims, withdrawals)
		if err != nil {
			return err
		}
		logger.Info("sample data", slog.Bool("seeded", seeded))
	}

	sweeper := api.NewSettlementSweeper(withdrawals, cfg.SweepInterval, logger)
	sweeper.Start()

	// Create router
	var lim *limiter.Limiter
	if cfg.RateLimit != "" {
		if lim, err = api.NewRateLimiter(cfg.RateLimit); err != nil {
			return err
		}
	}
	handler := api.NewHandler(claims, withdrawals, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		Logger:      logger,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     lim,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		sweeper.Stop()
		scheduler.Stop()
		return err
	case <-quit:
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}
	sweeper.Stop()
	if n := scheduler.Stop(); n > 0 {
		logger.Info("pending settlements left for next start", slog.Int("count", n))
	}

	logger.Info("server stopped")
	return nil
}

// openStore builds the configured backend and its id source. The returned
// func closes it.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, func(), error) {
	switch cfg.Store {
	case config.StoreSQLite:
		ids, err := ledger.NewIDSource(cfg.IDSource, ledger.UUIDSource{})
		if err != nil {
			return nil, nil, err
		}
		s, err := sqlite.New(cfg.SQLitePath, ids)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	case config.StorePostgres:
		ids, err := ledger.NewIDSource(cfg.IDSource, ledger.UUIDSource{})
		if err != nil {
			return nil, nil, err
		}
		s, err := postgres.New(ctx, cfg.PostgresURL, ids)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil

	default:
		ids, err := ledger.NewIDSource(cfg.IDSource, ledger.NewSequence())
		if err != nil {
			return nil, nil, err
		}
		return store.NewMemory(ids), func() {}, nil
	}
}
