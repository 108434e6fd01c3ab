/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the approval workflow and entitlement ledger
  server. Handles configuration, dependency wiring, the job scheduler, and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env / environment configuration
  2. Parse command-line flags (override environment)
  3. Open SQLite store, run migrations
  4. Wire ledger, approval engine, grant jobs
  5. Start cron scheduler and HTTP server
  6. Shut down gracefully on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (default from PORT, else 8080)
  -db      SQLite database path (default from DB_PATH, else workflow.db)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler, waiting for a running job
  4. Close the database connection

EXAMPLES:
  ./server -db="./data/workflow.db"
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: environment configuration
  - api/server.go: router configuration
  - store/sqlite: database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/officehub/workflow-engine/api"
	"github.com/officehub/workflow-engine/config"
	"github.com/officehub/workflow-engine/entitlement"
	"github.com/officehub/workflow-engine/ledger"
	"github.com/officehub/workflow-engine/store/sqlite"
	"github.com/officehub/workflow-engine/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	port := flag.Int("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()

	store, err := sqlite.New(*dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	led := ledger.New(store.Ledger())
	engine := workflow.NewEngine(store.Workflow(), led, nil)

	runner := &entitlement.Runner{
		Ledger:    led,
		Directory: store,
		Runs:      store,
		BatchSize: cfg.BatchSize,
		Workers:   cfg.Workers,
	}
	monthly := &entitlement.MonthlyGrantJob{Runner: runner}
	fiscal := &entitlement.FiscalAnnualGrantJob{
		Runner:               runner,
		FiscalYearStartMonth: cfg.FiscalYearStartMonth,
	}
	attendance := &entitlement.AttendanceAwardJob{Runner: runner}
	jobs := []entitlement.Job{monthly, fiscal, attendance}

	sched := api.NewScheduler()
	for _, pair := range []struct {
		spec string
		job  entitlement.Job
	}{
		{cfg.MonthlyCron, monthly},
		{cfg.FiscalCron, fiscal},
		{cfg.AttendanceCron, attendance},
	} {
		if err := sched.Add(pair.spec, pair.job); err != nil {
			log.Fatalf("Failed to schedule %s: %v", pair.job.Name(), err)
		}
	}
	sched.Start()
	defer sched.Stop()

	handler := api.NewHandler(store, engine, led, jobs)
	router := api.NewRouter(handler)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	go func() {
		log.Printf("[Server] Listening on :%d (db: %s)", *port, *dbPath)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("[Server] Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("[Server] Forced shutdown: %v", err)
	}
	log.Println("[Server] Stopped")
}
