// internal/scheduler/jobs.go
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"paydesk/internal/billing"
)

// BillingClient is the part of the billing API the jobs drive.
type BillingClient interface {
	CompleteDueCancellations(ctx context.Context) (*billing.SweepResult, error)
	PurgeProcessedEvents(ctx context.Context) (int64, error)
}

// Jobs holds the periodic maintenance tasks.
type Jobs struct {
	client  BillingClient
	logger  *slog.Logger
	timeout time.Duration
}

func NewJobs(client BillingClient, logger *slog.Logger) *Jobs {
	return &Jobs{client: client, logger: logger, timeout: 10 * time.Minute}
}

// CompleteCancellations finishes graceful cancellations whose period has ended.
func (j *Jobs) CompleteCancellations() {
	j.logger.Info("starting cancellation sweep")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.client.CompleteDueCancellations(ctx)
	if err != nil {
		j.logger.Error("cancellation sweep failed", "error", err)
		return
	}
	for id, reason := range result.Failed {
		j.logger.Warn("subscription left pending cancellation", "subscription_id", id, "error", reason)
	}
	j.logger.Info("cancellation sweep finished",
		"cancelled", len(result.Cancelled), "failed", len(result.Failed), "deferred", len(result.Deferred))
}

// PurgeEvents trims the processed-event ledger.
func (j *Jobs) PurgeEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	n, err := j.client.PurgeProcessedEvents(ctx)
	if err != nil {
		j.logger.Error("event purge failed", "error", err)
		return
	}
	j.logger.Info("event purge finished", "purged", n)
}
