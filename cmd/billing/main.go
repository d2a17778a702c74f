// cmd/billing/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"golang.org/x/time/rate"

	"paydesk/internal/billing"
	"paydesk/internal/config"
	"paydesk/internal/events"
	"paydesk/internal/gateway"
	"paydesk/internal/store"
	"paydesk/internal/telemetry"
)

func main() {
	if len(os.Args) > 2 && os.Args[1] == "hash-key" {
		hash, salt, err := billing.HashAPIKey(os.Args[2])
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash key: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("ADMIN_API_KEY_HASH=%s\nADMIN_API_KEY_SALT=%s\n", hash, salt)
		return
	}

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("cannot load config", "error", err)
		os.Exit(1)
	}
	logger := telemetry.NewLogger(os.Stdout, "billing", cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("billing service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := cfg.ValidateBilling(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, "billing", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}
	if err := store.Migrate(ctx, db, logger); err != nil {
		return err
	}

	gw, webhooks, err := buildGateway(cfg, logger)
	if err != nil {
		return err
	}

	policy := billing.DefaultPolicy()
	policy.FailureThreshold = cfg.FailureThreshold

	var limiter *rate.Limiter
	if cfg.ForceRetryPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.ForceRetryPerMinute)), 5)
	}

	svc := billing.NewService(store.NewPostgres(db),
		billing.WithGateway(gw),
		billing.WithPolicy(policy),
		billing.WithLogger(logger),
		billing.WithGatewayTimeout(cfg.GatewayTimeout),
		billing.WithEventRetention(cfg.EventRetention),
		billing.WithRetryLimiter(limiter),
	)

	// With a broker configured, webhooks are queued for the consumer instead
	// of being applied on the request path.
	var dispatch billing.EventDispatcher
	if cfg.AMQPURL != "" {
		producer, err := events.NewProducer(cfg.AMQPURL, cfg.PaymentEventsExchange, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		dispatch = producer.Publish
		logger.Info("publishing webhooks to broker", "exchange", cfg.PaymentEventsExchange)
	}

	var auth func(http.Handler) http.Handler
	if cfg.AdminAPIKeyHash != "" {
		auth, err = billing.RequireAPIKey(cfg.AdminAPIKeyHash, cfg.AdminAPIKeySalt)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("ADMIN_API_KEY_HASH not set; admin routes are unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", billing.NewHandler(svc, webhooks, dispatch, logger).WithJobTimeout(cfg.JobTimeout).Routes(auth))

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		// Sized for one gateway call; the /jobs routes extend their own deadline.
		WriteTimeout: 2 * cfg.GatewayTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("billing service listening", "port", cfg.ServerPort, "gateway", cfg.PaddleEnvironment)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down billing service")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

func buildGateway(cfg *config.Config, logger *slog.Logger) (billing.PaymentGateway, billing.WebhookParser, error) {
	settings := gateway.BreakerSettings{
		ConsecutiveFailures: uint32(cfg.BreakerFailures),
		OpenTimeout:         cfg.BreakerOpenTimeout,
	}

	if cfg.PaddleEnvironment == "simulated" {
		logger.Warn("using simulated payment gateway")
		return gateway.NewBreaker(gateway.NewSimulated(), settings, logger), nil, nil
	}

	paddle, err := gateway.NewPaddle(gateway.PaddleConfig{
		APIKey:        cfg.PaddleAPIKey,
		WebhookSecret: cfg.PaddleWebhookSecret,
		Environment:   cfg.PaddleEnvironment,
	})
	if err != nil {
		return nil, nil, err
	}
	return gateway.NewBreaker(paddle, settings, logger), paddle, nil
}
