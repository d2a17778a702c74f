// cmd/events/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"paydesk/internal/billing"
	"paydesk/internal/config"
	"paydesk/internal/events"
	"paydesk/internal/store"
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
	logger := telemetry.NewLogger(os.Stdout, "billing-events", cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("payment event consumer stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateConsumer(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, "billing-events", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	policy := billing.DefaultPolicy()
	policy.FailureThreshold = cfg.FailureThreshold

	// Payment events never reach the gateway, so the consumer runs without one.
	svc := billing.NewService(store.NewPostgres(db),
		billing.WithPolicy(policy),
		billing.WithLogger(logger),
		billing.WithEventRetention(cfg.EventRetention),
	)

	consumer, err := events.NewConsumer(cfg.AMQPURL, cfg.ConsumerPrefetch, logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	handler := events.NewPaymentHandler(svc, logger)
	if err := consumer.ConsumeWithBindings(cfg.PaymentEventsExchange, cfg.PaymentEventsQueue, handler.Bindings()); err != nil {
		return err
	}
	logger.Info("consuming payment events", "exchange", cfg.PaymentEventsExchange, "queue", cfg.PaymentEventsQueue)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		logger.Info("shutting down payment event consumer")
		return nil
	case <-consumer.Done():
		return fmt.Errorf("broker closed the delivery channel")
	}
}
