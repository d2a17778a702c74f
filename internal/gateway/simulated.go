// internal/gateway/simulated.go
package gateway

import (
	"context"
	"sync"
	"time"

	"paydesk/internal/billing"
)

// Simulated is an in-process payment gateway for local development and fault
// drills. Charges succeed unless an outcome or error is configured.
type Simulated struct {
	mu        sync.Mutex
	outcome   billing.ChargeOutcome
	err       error
	latency   time.Duration
	charges   []string
	cancelled []string
}

func NewSimulated() *Simulated {
	return &Simulated{outcome: billing.ChargeOutcome{Succeeded: true}}
}

// SetChargeOutcome sets the result of subsequent charges.
func (s *Simulated) SetChargeOutcome(outcome billing.ChargeOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcome = outcome
}

// SetError makes every call fail with err until it is reset with nil.
func (s *Simulated) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetLatency delays every call by d, honoring context cancellation.
func (s *Simulated) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

func (s *Simulated) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ChargeSavedMethod implements billing.PaymentGateway.
func (s *Simulated) ChargeSavedMethod(ctx context.Context, subscriptionID string) (billing.ChargeOutcome, error) {
	if err := s.wait(ctx); err != nil {
		return billing.ChargeOutcome{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return billing.ChargeOutcome{}, s.err
	}
	s.charges = append(s.charges, subscriptionID)
	return s.outcome, nil
}

// CancelSubscription implements billing.PaymentGateway.
func (s *Simulated) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.cancelled = append(s.cancelled, subscriptionID)
	return nil
}

// Charges returns the subscription ids charged so far.
func (s *Simulated) Charges() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.charges...)
}

// Cancelled returns the subscription ids cancelled so far.
func (s *Simulated) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}
