// internal/gateway/breaker.go
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"paydesk/internal/billing"
)

// Breaker guards a payment gateway with a circuit breaker. While the circuit
// is open calls fail fast with billing.ErrGatewayUnavailable.
type Breaker struct {
	next billing.PaymentGateway
	cb   *gobreaker.CircuitBreaker
}

// BreakerSettings tunes the circuit breaker.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing.
	OpenTimeout time.Duration
}

func NewBreaker(next billing.PaymentGateway, settings BreakerSettings, logger *slog.Logger) *Breaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}
		},
		// Unsupported operations say nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, billing.ErrChargeUnsupported)
		},
	})

	return &Breaker{next: next, cb: cb}
}

// ChargeSavedMethod implements billing.PaymentGateway.
func (b *Breaker) ChargeSavedMethod(ctx context.Context, subscriptionID string) (billing.ChargeOutcome, error) {
	res, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.ChargeSavedMethod(ctx, subscriptionID)
	})
	if err != nil {
		return billing.ChargeOutcome{}, breakerError(err)
	}
	return res.(billing.ChargeOutcome), nil
}

// CancelSubscription implements billing.PaymentGateway.
func (b *Breaker) CancelSubscription(ctx context.Context, subscriptionID string) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.CancelSubscription(ctx, subscriptionID)
	})
	return breakerError(err)
}

// State reports the current circuit state.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", billing.ErrGatewayUnavailable, err)
	}
	return err
}
