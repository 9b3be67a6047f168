/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the rental billing engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, config file, .env, environment)
  2. Build the logger
  3. Initialize SQLite store
  4. Connect to Redis when configured, for cross-instance locks
  5. Create engine and API handler
  6. Optionally load demo scenarios
  7. Start server with graceful shutdown

CONFIGURATION:
  See config/config.go. Common overrides:
    SERVER_PORT=3000
    DATABASE_PATH=:memory:
    REDIS_ADDR=localhost:6379
    LOG_LEVEL=debug LOG_FORMAT=text
    BILLING_LOAD_DEMO_DATA=true

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_seconds)
  3. Close Redis and database connections
  4. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - rental/engine.go: Billing operations
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/rent-engine/api"
	"github.com/warp/rent-engine/config"
	"github.com/warp/rent-engine/rental"
	"github.com/warp/rent-engine/store/redislocker"
	"github.com/warp/rent-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	logger := config.NewLogger(cfg.Log.Level, cfg.Log.Format)

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	opts := []rental.Option{
		rental.WithLogger(logger),
		rental.WithPrecision(cfg.Billing.PercentagePrecision),
		rental.WithExpiringHorizon(cfg.Billing.ExpiringHorizonMonths),
	}

	// Distributed locks, only when Redis is configured
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := redislocker.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			logger.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer client.Close()
		locker := redislocker.New(client,
			redislocker.WithTTL(time.Duration(cfg.Redis.LockTTL)*time.Second),
			redislocker.WithLogger(logger),
		)
		opts = append(opts, rental.WithLocker(locker))
		logger.WithField("addr", cfg.Redis.Addr).Info("using redis locks")
	}

	engine := rental.NewEngine(store, opts...)
	handler := api.NewHandler(engine, logger)

	if cfg.Billing.LoadDemoData {
		for _, id := range []string{"late-payment", "quarterly-adjustment", "shared-expenses"} {
			if err := handler.LoadScenarioByID(context.Background(), id); err != nil {
				logger.WithError(err).WithField("scenario", id).Warn("Failed to load demo scenario")
			}
		}
	}

	// Create router
	router := api.NewRouter(handler, cfg.Server.CorsAllowedOrigins)

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Server starting on http://localhost:%d", cfg.Server.Port)
		logger.Infof("API available at http://localhost:%d/api", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server stopped")
}
