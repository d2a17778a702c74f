// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"paydesk/internal/chaos"
	"paydesk/internal/telemetry"
)

func main() {
	observe := flag.Duration("observe", 5*time.Second, "observation window per experiment")
	timeout := flag.Duration("gateway-timeout", 500*time.Millisecond, "gateway timeout used by the billing core")
	concurrency := flag.Int("concurrency", 50, "parallel deliveries in concurrency experiments")
	pause := flag.Duration("pause", 2*time.Second, "wait between experiments")
	flag.Parse()

	logger := telemetry.NewLogger(os.Stdout, "billing-chaos", "text", "info")
	ctx := context.Background()

	shutdown, err := telemetry.SetupTracing(ctx, "billing-chaos", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if err != nil {
		logger.Error("failed to set up tracing", "error", err)
		os.Exit(1)
	}
	defer shutdown(context.Background())

	exps, err := chaos.BillingExperiments(ctx, chaos.Config{
		GatewayTimeout: *timeout,
		Observe:        *observe,
		Concurrency:    *concurrency,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to prepare experiments", "error", err)
		os.Exit(1)
	}

	engine := chaos.NewEngine(logger, chaos.WithPause(*pause), chaos.WithSampleInterval(*observe/10))
	engine.Register(exps...)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Billing Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
	})
	if err != nil {
		logger.Error("game day failed", "error", err)
		os.Exit(1)
	}
	if !held {
		logger.Warn("at least one hypothesis was violated")
		os.Exit(2)
	}
	logger.Info("all hypotheses held")
}
