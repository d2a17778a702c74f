// cmd/scheduler/main.go
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"paydesk/internal/clients"
	"paydesk/internal/config"
	"paydesk/internal/scheduler"
	"paydesk/internal/telemetry"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, "billing-scheduler", cfg.LogFormat, cfg.LogLevel)

	if err := cfg.ValidateScheduler(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	client := clients.NewBillingClient(cfg.BillingServiceURL, cfg.AdminAPIKey).WithTimeout(cfg.JobTimeout + time.Minute)
	s := scheduler.New(scheduler.NewJobs(client, logger), logger)
	if err := s.Register(scheduler.Schedules{
		CancellationSweep: cfg.CancellationSweepSchedule,
		EventPurge:        cfg.EventPurgeSchedule,
	}); err != nil {
		logger.Error("failed to register jobs", "error", err)
		os.Exit(1)
	}

	s.Start()
	logger.Info("scheduler started", "billing_service_url", cfg.BillingServiceURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received, stopping scheduler")
	<-s.Stop().Done()
	logger.Info("scheduler stopped")
}
