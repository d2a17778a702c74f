// internal/chaos/experiments.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"paydesk/internal/billing"
	"paydesk/internal/gateway"
	"paydesk/internal/store"
)

// Config sizes the billing experiments.
type Config struct {
	GatewayTimeout time.Duration
	Observe        time.Duration
	Concurrency    int
	Logger         *slog.Logger
}

func (c *Config) defaults() {
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 200 * time.Millisecond
	}
	if c.Observe <= 0 {
		c.Observe = 2 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// target is an isolated billing core: memory store, simulated gateway and a
// circuit breaker in front of it.
type target struct {
	svc     billing.Service
	gateway *gateway.Simulated
	breaker *gateway.Breaker
}

func newTarget(cfg Config) *target {
	sim := gateway.NewSimulated()
	breaker := gateway.NewBreaker(sim, gateway.BreakerSettings{ConsecutiveFailures: 3, OpenTimeout: time.Minute}, cfg.Logger)
	svc := billing.NewService(store.NewMemory(),
		billing.WithGateway(breaker),
		billing.WithLogger(cfg.Logger),
		billing.WithGatewayTimeout(cfg.GatewayTimeout),
		billing.WithRetryLimiter(nil),
	)
	return &target{svc: svc, gateway: sim, breaker: breaker}
}

func (t *target) seed(ctx context.Context, membershipID string, subscriptionIDs ...string) error {
	now := time.Now().UTC()
	if _, err := t.svc.CreateMembership(ctx, billing.NewMembership{
		ID:            membershipID,
		CustomerEmail: "chaos@example.com",
		ProductName:   "Game Day Membership",
		StartDate:     now,
		EndDate:       now.AddDate(1, 0, 0),
	}); err != nil {
		return err
	}
	next := now.AddDate(0, 1, 0)
	for _, id := range subscriptionIDs {
		if _, err := t.svc.CreateSubscription(ctx, billing.NewSubscription{ID: id, Kind: billing.KindProduct, NextPaymentDate: &next}); err != nil {
			return err
		}
		if _, err := t.svc.LinkSubscriptionToMembership(ctx, id, membershipID); err != nil {
			return err
		}
	}
	return nil
}

func boolMetric(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

// BillingExperiments builds the payment fault drills, each against its own
// isolated target.
func BillingExperiments(ctx context.Context, cfg Config) ([]Experiment, error) {
	cfg.defaults()

	builders := []func(context.Context, Config) (Experiment, error){
		GatewayLatencyExperiment,
		DuplicateDeliveryExperiment,
		ConcurrentSiblingEventsExperiment,
		GatewayOutageExperiment,
	}
	exps := make([]Experiment, 0, len(builders))
	for _, build := range builders {
		exp, err := build(ctx, cfg)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return exps, nil
}

// GatewayLatencyExperiment forces a retry while the gateway is slower than
// the timeout. The subscription must come out exactly as it went in.
func GatewayLatencyExperiment(ctx context.Context, cfg Config) (Experiment, error) {
	cfg.defaults()
	t := newTarget(cfg)
	if err := t.seed(ctx, "latency-mem", "latency-sub"); err != nil {
		return Experiment{}, fmt.Errorf("seed latency experiment: %w", err)
	}
	if _, err := t.svc.SetOnHold(ctx, "latency-sub"); err != nil {
		return Experiment{}, err
	}
	if _, err := t.svc.OnPaymentFailed(ctx, "latency-evt-1", "latency-sub", "card_declined"); err != nil {
		return Experiment{}, err
	}
	before, err := t.svc.GetSubscription(ctx, "latency-sub")
	if err != nil {
		return Experiment{}, err
	}

	preserved := func(ctx context.Context) (float64, error) {
		sub, err := t.svc.GetSubscription(ctx, "latency-sub")
		if err != nil {
			return 0, err
		}
		return boolMetric(sub.Status == before.Status &&
			sub.PaymentFailureCount == before.PaymentFailureCount &&
			sub.LastPaymentFailureReason == before.LastPaymentFailureReason &&
			sub.PendingGatewayOp == ""), nil
	}

	return Experiment{
		Name:       "gateway-latency-force-retry",
		Hypothesis: "A force retry that times out leaves the subscription untouched",
		SteadyState: []Metric{
			{Name: "retry_state_preserved", Query: preserved, Threshold: Threshold{Operator: "==", Value: 1}},
		},
		Method: []Action{
			{
				Type:   "inject-latency",
				Target: "payment-gateway",
				Execute: func(ctx context.Context) error {
					t.gateway.SetLatency(3 * cfg.GatewayTimeout)
					_, err := t.svc.ForceRetryPayment(ctx, "latency-sub")
					if billing.KindOf(err) != billing.KindGateway {
						return fmt.Errorf("expected gateway error from slow retry, got %v", err)
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "remove-latency",
				Target:  "payment-gateway",
				Execute: func(context.Context) error { t.gateway.SetLatency(0); return nil },
			},
		},
		Validation: []Assertion{
			{
				Metric:    "retry_state_preserved",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Timed-out retry must restore the subscription and release its claim",
			},
		},
		Duration: cfg.Observe,
	}, nil
}

// DuplicateDeliveryExperiment delivers one webhook many times at once.
func DuplicateDeliveryExperiment(ctx context.Context, cfg Config) (Experiment, error) {
	cfg.defaults()
	t := newTarget(cfg)
	if err := t.seed(ctx, "dup-mem", "dup-sub"); err != nil {
		return Experiment{}, fmt.Errorf("seed duplicate experiment: %w", err)
	}

	var distinct atomic.Int64
	overCounted := func(ctx context.Context) (float64, error) {
		sub, err := t.svc.GetSubscription(ctx, "dup-sub")
		if err != nil {
			return 0, err
		}
		return float64(int64(sub.PaymentFailureCount) - distinct.Load()), nil
	}

	return Experiment{
		Name:       "duplicate-webhook-delivery",
		Hypothesis: "Redelivered payment events are applied exactly once",
		SteadyState: []Metric{
			{Name: "duplicate_applications", Query: overCounted, Threshold: Threshold{Operator: "==", Value: 0}},
		},
		Method: []Action{
			{
				Type:   "duplicate-delivery",
				Target: "webhook-ingress",
				Execute: func(ctx context.Context) error {
					event := billing.PaymentEvent{ID: "dup-evt-1", Type: billing.PaymentFailed, SubscriptionID: "dup-sub", Reason: "card_declined"}
					g, gctx := errgroup.WithContext(ctx)
					for i := 0; i < cfg.Concurrency; i++ {
						g.Go(func() error {
							_, err := t.svc.HandlePaymentEvent(gctx, event)
							return err
						})
					}
					distinct.Store(1)
					return g.Wait()
				},
			},
		},
		Validation: []Assertion{
			{
				Metric:    "duplicate_applications",
				Condition: func(v float64) bool { return v == 0 },
				Message:   "Failure count must equal the number of distinct events",
			},
		},
		Duration: cfg.Observe,
	}, nil
}

// ConcurrentSiblingEventsExperiment races failures and recoveries across two
// subscriptions of one membership.
func ConcurrentSiblingEventsExperiment(ctx context.Context, cfg Config) (Experiment, error) {
	cfg.defaults()
	t := newTarget(cfg)
	siblings := []string{"sibling-a", "sibling-b"}
	if err := t.seed(ctx, "sibling-mem", siblings...); err != nil {
		return Experiment{}, fmt.Errorf("seed sibling experiment: %w", err)
	}

	consistent := func(ctx context.Context) (float64, error) {
		m, err := t.svc.GetMembership(ctx, "sibling-mem")
		if err != nil {
			return 0, err
		}
		unrecovered := false
		for _, id := range siblings {
			sub, err := t.svc.GetSubscription(ctx, id)
			if err != nil {
				return 0, err
			}
			if sub.Status != billing.SubscriptionActive && sub.Status != billing.SubscriptionCompleted {
				unrecovered = true
			}
		}
		return boolMetric((m.Status == billing.MembershipPaused) == unrecovered), nil
	}

	var seq atomic.Int64
	burst := func(ctx context.Context, eventType billing.PaymentEventType, perSub int) error {
		var wg sync.WaitGroup
		errs := make(chan error, len(siblings)*perSub)
		for _, id := range siblings {
			for i := 0; i < perSub; i++ {
				wg.Add(1)
				go func(subID string) {
					defer wg.Done()
					event := billing.PaymentEvent{
						ID:             fmt.Sprintf("sibling-evt-%d", seq.Add(1)),
						Type:           eventType,
						SubscriptionID: subID,
						Reason:         "card_declined",
					}
					if _, err := t.svc.HandlePaymentEvent(ctx, event); err != nil {
						errs <- err
					}
				}(id)
			}
		}
		wg.Wait()
		close(errs)

		var all []error
		for err := range errs {
			all = append(all, err)
		}
		return errors.Join(all...)
	}

	return Experiment{
		Name:       "concurrent-sibling-events",
		Hypothesis: "Membership is paused exactly while some linked subscription has not recovered",
		SteadyState: []Metric{
			{Name: "membership_consistency", Query: consistent, Threshold: Threshold{Operator: "==", Value: 1}},
		},
		Method: []Action{
			{
				Type:    "concurrent-failures",
				Target:  "sync-service",
				Execute: func(ctx context.Context) error { return burst(ctx, billing.PaymentFailed, 3) },
			},
			{
				Type:    "concurrent-recoveries",
				Target:  "sync-service",
				Execute: func(ctx context.Context) error { return burst(ctx, billing.PaymentSucceeded, 1) },
			},
		},
		Validation: []Assertion{
			{
				Metric:    "membership_consistency",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Membership status must agree with its linked subscriptions",
			},
		},
		Duration: cfg.Observe,
	}, nil
}

// GatewayOutageExperiment cancels immediately while every gateway call fails.
func GatewayOutageExperiment(ctx context.Context, cfg Config) (Experiment, error) {
	cfg.defaults()
	t := newTarget(cfg)
	if err := t.seed(ctx, "outage-mem", "outage-sub"); err != nil {
		return Experiment{}, fmt.Errorf("seed outage experiment: %w", err)
	}

	intact := func(ctx context.Context) (float64, error) {
		sub, err := t.svc.GetSubscription(ctx, "outage-sub")
		if err != nil {
			return 0, err
		}
		return boolMetric(sub.Status == billing.SubscriptionActive &&
			sub.CancelledAt == nil &&
			sub.PendingGatewayOp == ""), nil
	}
	breakerOpen := func(context.Context) (float64, error) {
		return boolMetric(t.breaker.State() == "open"), nil
	}

	return Experiment{
		Name:       "gateway-outage-immediate-cancel",
		Hypothesis: "Immediate cancellation during a gateway outage changes nothing and trips the breaker",
		SteadyState: []Metric{
			{Name: "subscription_intact", Query: intact, Threshold: Threshold{Operator: "==", Value: 1}},
			{Name: "breaker_open", Query: breakerOpen, Threshold: Threshold{Operator: ">=", Value: 0}},
		},
		Method: []Action{
			{
				Type:   "gateway-outage",
				Target: "payment-gateway",
				Execute: func(ctx context.Context) error {
					t.gateway.SetError(errors.New("connection refused"))
					for i := 0; i < 5; i++ {
						_, err := t.svc.Cancel(ctx, "outage-sub", billing.CancelImmediate)
						if billing.KindOf(err) != billing.KindGateway {
							return fmt.Errorf("attempt %d: expected gateway error, got %v", i+1, err)
						}
					}
					return nil
				},
			},
		},
		Rollback: []Action{
			{
				Type:    "restore-gateway",
				Target:  "payment-gateway",
				Execute: func(context.Context) error { t.gateway.SetError(nil); return nil },
			},
		},
		Validation: []Assertion{
			{
				Metric:    "subscription_intact",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Failed cancellation must leave the subscription active",
			},
			{
				Metric:    "breaker_open",
				Condition: func(v float64) bool { return v == 1 },
				Message:   "Repeated gateway failures must open the circuit",
			},
		},
		Duration: cfg.Observe,
	}, nil
}
