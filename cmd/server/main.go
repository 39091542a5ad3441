/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the subsidy service. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment
  2. Initialize SQLite store and ledger locker
  3. Build catalog/enrollment clients and the subsidy service
  4. Configure HTTP router
  5. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  # Run with file database
  DATABASE_PATH=./data/subsidy.db ./server

  # Run with in-memory database
  DATABASE_PATH=":memory:" ./server

  # Run on different port
  PORT=3000 ./server

SEE ALSO:
  - config/config.go: Environment configuration
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/subsidy-engine/api"
	"github.com/warp/subsidy-engine/catalog"
	"github.com/warp/subsidy-engine/config"
	"github.com/warp/subsidy-engine/fulfillment"
	"github.com/warp/subsidy-engine/license"
	"github.com/warp/subsidy-engine/store/sqlite"
	"github.com/warp/subsidy-engine/subsidy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	locker := sqlite.NewLocker(store, cfg.LedgerLockWait, cfg.LedgerLockTTL)

	catalogClient := catalog.NewCachingClient(
		catalog.NewHTTPClient(cfg.CatalogBaseURL, cfg.CatalogToken, cfg.HTTPClientTimeout),
		cfg.ContentMetadataCacheTTL,
	)

	pricer := subsidy.NewPricer(catalogClient)
	pricer.LowerBoundRatio = decimal.NewFromFloat(cfg.PriceLowerBoundRatio)
	pricer.UpperBoundRatio = decimal.NewFromFloat(cfg.PriceUpperBoundRatio)

	enrollment := fulfillment.NewHTTPEnrollmentClient(cfg.EnrollmentBaseURL, cfg.EnrollmentToken, cfg.HTTPClientTimeout)
	allocator := fulfillment.NewHTTPAllocationClient(cfg.AllocationBaseURL, cfg.AllocationToken, cfg.HTTPClientTimeout)
	licenses := license.NewHTTPClient(cfg.LicenseBaseURL, cfg.LicenseToken, cfg.HTTPClientTimeout)

	svc := subsidy.NewService(subsidy.Config{
		Subsidies:          store,
		Ledger:             store,
		Locker:             locker,
		Pricer:             pricer,
		Enrollment:         enrollment,
		External:           fulfillment.NewExternalHandler(allocator, log.Default()),
		Licenses:           licenses,
		Events:             subsidy.NewLogEvents(log.Default()),
		Logger:             log.Default(),
		FulfillmentTimeout: cfg.FulfillmentTimeout,
	})

	handler := api.NewHandler(svc, log.Default())
	router := api.NewRouter(handler, cfg.AllowedOrigins)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Subsidy service listening on http://localhost%s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}
