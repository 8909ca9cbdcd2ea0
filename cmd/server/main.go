/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the station ledger server: shift settlement,
  safe ledger, fuel prices and payroll over HTTP.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger and metrics registry
  3. Open the SQL store (SQLite or PostgreSQL)
  4. Optionally connect the Redis price cache
  5. Start the follow-up job queue and the nightly audit
  6. Configure the HTTP router and serve with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      Database DSN (overrides DB_DSN); ":memory:" for SQLite in memory
  -env     Env file to load instead of .env

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the audit scheduler, drain the job queue
  4. Close database connection

SEE ALSO:
  - config/config.go: Environment keys and defaults
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/station-ledger/api"
	"github.com/warp/station-ledger/config"
	"github.com/warp/station-ledger/generic"
	"github.com/warp/station-ledger/jobs"
	"github.com/warp/station-ledger/logger"
	"github.com/warp/station-ledger/metrics"
	"github.com/warp/station-ledger/payroll"
	"github.com/warp/station-ledger/pricing"
	"github.com/warp/station-ledger/safe"
	"github.com/warp/station-ledger/settlement"
	"github.com/warp/station-ledger/store/sqlstore"
)

func main() {
	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides PORT)")
	dsn := flag.String("db", "", "database DSN (overrides DB_DSN)")
	envFile := flag.String("env", "", "env file to load")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}

	log, err := logger.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	m := metrics.New()
	clock := generic.SystemClock{}

	// Initialize store
	store, err := sqlstore.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	resolverOpts := []pricing.Option{
		pricing.WithDefaultPrice(cfg.Pricing.DefaultPrice),
		pricing.WithLogger(log.Named("pricing")),
		pricing.WithMetrics(m),
	}
	if cfg.Redis.Addr != "" {
		client, err := pricing.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Warn("price cache disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		} else {
			defer client.Close()
			resolverOpts = append(resolverOpts, pricing.WithCache(pricing.NewRedisCache(client, cfg.Redis.PriceTTL, log.Named("price-cache"))))
		}
	}
	resolver := pricing.NewResolver(store, resolverOpts...)

	ledger := safe.NewLedger(store, cfg.SafeLedger(), clock, log.Named("safe"), m)

	queueCfg := cfg.Queue()
	queueCfg.Logger = log.Named("jobs")
	queueCfg.Metrics = m
	queue := jobs.NewQueue("followups", queueCfg)
	queue.Start(context.Background())

	engine := settlement.NewEngine(settlement.Deps{
		Store:     store,
		Ledger:    ledger,
		Prices:    resolver,
		Inventory: store,
		Cheques:   store,
		Runner:    queue,
		Clock:     clock,
		Logger:    log.Named("settlement"),
		Metrics:   m,
	}, cfg.Settlement())

	aggregator := payroll.NewAggregator(store, cfg.PayrollPolicy(), log.Named("payroll"))

	audit := api.NewAuditScheduler(ledger, cfg.AuditCron, log.Named("audit"))
	if err := audit.Start(); err != nil {
		return fmt.Errorf("schedule audit %q: %w", cfg.AuditCron, err)
	}

	handler := api.NewHandler(api.Deps{
		Engine:   engine,
		Ledger:   ledger,
		Prices:   resolver,
		Payroll:  aggregator,
		Registry: store,
		Clock:    clock,
		Logger:   log.Named("api"),
	})
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Auth:           api.AuthOptions{JWTSecret: cfg.Auth.JWTSecret, Required: cfg.Auth.Required},
		Logger:         log.Named("http"),
		Metrics:        m,
	})

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.Int("port", cfg.Port),
			zap.String("env", cfg.Env),
			zap.String("db_driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	log.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	audit.Stop()
	if err := queue.Drain(ctx); err != nil {
		log.Warn("follow-up queue not drained", zap.Error(err))
	}
	queue.Stop()

	log.Info("server stopped")
	return nil
}
