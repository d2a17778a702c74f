// internal/billing/implementation.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

var errRetryThrottled = errors.New("too many forced payment retries")

// service implements the Service interface.
type service struct {
	store          Store
	gateway        PaymentGateway
	policy         Policy
	clock          Clock
	logger         *slog.Logger
	tracer         trace.Tracer
	metrics        serviceMetrics
	retryLimiter   *rate.Limiter
	gatewayTimeout time.Duration
	eventRetention time.Duration
}

type serviceMetrics struct {
	paymentFailures metric.Int64Counter
	cascades        metric.Int64Counter
	duplicateEvents metric.Int64Counter
	gatewayErrors   metric.Int64Counter
}

// Option configures the sync service.
type Option func(*service)

// WithGateway wires the payment gateway. Without one, operations that need
// the provider fail with a not-implemented error.
func WithGateway(g PaymentGateway) Option {
	return func(s *service) { s.gateway = g }
}

func WithPolicy(p Policy) Option {
	return func(s *service) { s.policy = p }
}

func WithClock(c Clock) Option {
	return func(s *service) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithGatewayTimeout bounds each gateway call.
func WithGatewayTimeout(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.gatewayTimeout = d
		}
	}
}

// WithEventRetention sets how long processed event ids are kept for deduplication.
func WithEventRetention(d time.Duration) Option {
	return func(s *service) {
		if d > 0 {
			s.eventRetention = d
		}
	}
}

// WithRetryLimiter throttles forced charge attempts. A nil limiter disables throttling.
func WithRetryLimiter(l *rate.Limiter) Option {
	return func(s *service) { s.retryLimiter = l }
}

// NewService creates a new sync service instance.
func NewService(store Store, opts ...Option) Service {
	s := &service{
		store:          store,
		policy:         DefaultPolicy(),
		clock:          SystemClock{},
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:         otel.Tracer("paydesk/billing"),
		retryLimiter:   rate.NewLimiter(rate.Every(1*time.Minute/30), 5), // 30 forced retries per minute
		gatewayTimeout: 10 * time.Second,
		eventRetention: 72 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = newServiceMetrics(otel.Meter("paydesk/billing"))
	return s
}

func newServiceMetrics(meter metric.Meter) serviceMetrics {
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return serviceMetrics{
		paymentFailures: counter("billing.payment_failures", "Recorded payment failures"),
		cascades:        counter("billing.membership_cascades", "Membership status cascades"),
		duplicateEvents: counter("billing.duplicate_events", "Payment events ignored as duplicates"),
		gatewayErrors:   counter("billing.gateway_errors", "Failed payment gateway calls"),
	}
}

// ReschedulePayment moves the next payment date of a subscription.
func (s *service) ReschedulePayment(ctx context.Context, subscriptionID string, kind SubscriptionKind, newDate time.Time) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.reschedule_payment", attribute.String("subscription.id", subscriptionID))
	defer func() { endSpan(span, err) }()

	if !kind.Valid() {
		return nil, validation("unknown subscription type %q", kind)
	}
	if !newDate.After(s.clock.Now()) {
		return nil, validation("next payment date must be in the future")
	}

	err = s.inTx(ctx, "reschedule payment", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Kind != kind {
			return notFound("%s subscription %s not found", kind, subscriptionID)
		}
		if sub.Status.Terminal() {
			return precondition("cannot reschedule a subscription that is %s", sub.Status)
		}

		date := newDate.UTC()
		sub.NextPaymentDate = &date
		return s.saveSubscription(ctx, tx, sub, EventPaymentRescheduled, map[string]any{"next_payment_date": date})
	})
	if err != nil {
		return nil, err
	}
	return ack("payment rescheduled"), nil
}

// ForceRetryPayment charges the saved payment method of a subscription on hold.
// The precondition transaction claims the subscription for the charge, so a
// concurrent retry or immediate cancel fails with a conflict instead of
// reaching the gateway. Nothing else is written until the gateway answers; a
// failed or timed-out call only releases the claim.
func (s *service) ForceRetryPayment(ctx context.Context, subscriptionID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.force_retry_payment", attribute.String("subscription.id", subscriptionID))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, "claim forced retry", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if _, err := s.policy.NextState(snapshotOf(sub), TriggerRetrySucceeded); err != nil {
			return err
		}
		if s.gateway == nil {
			return &Error{Kind: KindNotImplemented, Message: "forced payment retry is not implemented: no payment gateway configured"}
		}
		if err := s.checkGatewayClaim(sub); err != nil {
			return err
		}
		if s.retryLimiter != nil && !s.retryLimiter.Allow() {
			return &Error{Kind: KindGateway, Message: "forced payment retry throttled, try again later", Err: errRetryThrottled}
		}
		return s.claimGatewayOp(ctx, tx, sub, GatewayOpCharge)
	})
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	outcome, err := s.gateway.ChargeSavedMethod(callCtx, subscriptionID)
	cancel()
	if errors.Is(err, ErrChargeUnsupported) {
		s.releaseGatewayOp(ctx, subscriptionID, GatewayOpCharge)
		return nil, &Error{Kind: KindNotImplemented, Message: "forced payment retry is not implemented for this payment gateway", Err: err}
	}
	if err != nil {
		s.releaseGatewayOp(ctx, subscriptionID, GatewayOpCharge)
		s.metrics.gatewayErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "charge")))
		s.logger.ErrorContext(ctx, "forced charge failed", "subscription_id", subscriptionID, "error", err)
		return nil, gatewayFailure("charge saved payment method", err)
	}

	var message string
	err = s.inTx(ctx, "record retry outcome", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		trigger := retryTrigger(sub.Status, outcome.Succeeded)
		d, err := s.policy.NextState(snapshotOf(sub), trigger)
		if err != nil {
			s.logger.WarnContext(ctx, "charge outcome could not be applied", "subscription_id", subscriptionID, "status", sub.Status, "succeeded", outcome.Succeeded)
			return err
		}

		now := s.clock.Now()
		applyDecision(sub, d, outcome.FailureReason, now)
		clearGatewayOp(sub)
		if !outcome.Succeeded {
			s.metrics.paymentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "force_retry")))
		}
		if err := s.saveSubscription(ctx, tx, sub, EventPaymentRetried, map[string]any{
			"succeeded":             outcome.Succeeded,
			"reason":                outcome.FailureReason,
			"payment_failure_count": sub.PaymentFailureCount,
		}); err != nil {
			return err
		}
		if err := s.cascade(ctx, tx, sub, d.Cascade); err != nil {
			return err
		}

		if outcome.Succeeded {
			message = "payment retried successfully"
		} else {
			message = fmt.Sprintf("payment retry failed: %s", outcome.FailureReason)
		}
		return nil
	})
	if err != nil {
		s.releaseGatewayOp(ctx, subscriptionID, GatewayOpCharge)
		return nil, err
	}
	return ack(message), nil
}

func retryTrigger(status SubscriptionStatus, succeeded bool) Trigger {
	switch {
	case status == SubscriptionOnHold && succeeded:
		return TriggerRetrySucceeded
	case status == SubscriptionOnHold:
		return TriggerRetryFailed
	case succeeded:
		// Recovered concurrently; apply as a plain success.
		return TriggerPaymentSucceeded
	default:
		return TriggerPaymentFailed
	}
}

// SetOnHold forces a subscription on hold. It never touches the linked
// membership: only accumulated payment failures pause a membership.
func (s *service) SetOnHold(ctx context.Context, subscriptionID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.set_on_hold", attribute.String("subscription.id", subscriptionID))
	defer func() { endSpan(span, err) }()

	err = s.inTx(ctx, "set subscription on hold", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		d, err := s.policy.NextState(snapshotOf(sub), TriggerHold)
		if err != nil {
			return err
		}
		applyDecision(sub, d, "", s.clock.Now())
		return s.saveSubscription(ctx, tx, sub, EventSubscriptionHeld, nil)
	})
	if err != nil {
		return nil, err
	}
	return ack("subscription set on hold"), nil
}

// OnPaymentFailed records a failed charge reported by the gateway.
func (s *service) OnPaymentFailed(ctx context.Context, eventID, subscriptionID, reason string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.on_payment_failed",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("event.id", eventID),
	)
	defer func() { endSpan(span, err) }()

	return s.applyPaymentEvent(ctx, eventID, subscriptionID, TriggerPaymentFailed, reason)
}

// OnPaymentSucceeded records a successful charge reported by the gateway.
func (s *service) OnPaymentSucceeded(ctx context.Context, eventID, subscriptionID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.on_payment_succeeded",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("event.id", eventID),
	)
	defer func() { endSpan(span, err) }()

	return s.applyPaymentEvent(ctx, eventID, subscriptionID, TriggerPaymentSucceeded, "")
}

// HandlePaymentEvent dispatches a normalized inbound payment event.
func (s *service) HandlePaymentEvent(ctx context.Context, event PaymentEvent) (*Ack, error) {
	if event.SubscriptionID == "" {
		return nil, validation("payment event %q has no subscription id", event.ID)
	}
	switch event.Type {
	case PaymentFailed:
		return s.OnPaymentFailed(ctx, event.ID, event.SubscriptionID, event.Reason)
	case PaymentSucceeded:
		return s.OnPaymentSucceeded(ctx, event.ID, event.SubscriptionID)
	default:
		return nil, validation("unsupported payment event type %q", event.Type)
	}
}

func (s *service) applyPaymentEvent(ctx context.Context, eventID, subscriptionID string, trigger Trigger, reason string) (*Ack, error) {
	var result *Ack
	err := s.inTx(ctx, "apply payment event", func(tx Tx) error {
		now := s.clock.Now()
		if eventID != "" {
			fresh, err := tx.ClaimEvent(ctx, eventID, now)
			if err != nil {
				return fmt.Errorf("claim event %s: %w", eventID, err)
			}
			if !fresh {
				s.metrics.duplicateEvents.Add(ctx, 1)
				s.logger.DebugContext(ctx, "duplicate payment event ignored", "event_id", eventID, "subscription_id", subscriptionID)
				result = ack("duplicate event ignored")
				return nil
			}
		}

		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		d, err := s.policy.NextState(snapshotOf(sub), trigger)
		if err != nil {
			return err
		}
		applyDecision(sub, d, reason, now)

		eventType := EventPaymentSucceeded
		data := map[string]any{"event_id": eventID}
		if trigger == TriggerPaymentFailed {
			eventType = EventPaymentFailed
			data["reason"] = reason
			data["payment_failure_count"] = sub.PaymentFailureCount
			s.metrics.paymentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("source", "gateway")))
		}
		if err := s.saveSubscription(ctx, tx, sub, eventType, data); err != nil {
			return err
		}
		if err := s.cascade(ctx, tx, sub, d.Cascade); err != nil {
			return err
		}

		result = ack(fmt.Sprintf("subscription is %s", sub.Status))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// LinkSubscriptionToMembership attaches an unlinked subscription to a membership.
func (s *service) LinkSubscriptionToMembership(ctx context.Context, subscriptionID, membershipID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.link_subscription",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("membership.id", membershipID),
	)
	defer func() { endSpan(span, err) }()

	if membershipID == "" {
		return nil, validation("membership id is required")
	}

	var result *Ack
	err = s.inTx(ctx, "link subscription", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if _, err := s.loadMembership(ctx, tx, membershipID); err != nil {
			return err
		}
		if sub.MembershipID == membershipID {
			result = ack("subscription already linked")
			return nil
		}
		if sub.Linked() {
			return conflict("subscription %s is already linked to membership %s; unlink it first", subscriptionID, sub.MembershipID)
		}
		if sub.Status.Terminal() {
			return precondition("cannot link a subscription that is %s", sub.Status)
		}

		sub.MembershipID = membershipID
		if err := s.saveSubscription(ctx, tx, sub, EventSubscriptionLinked, map[string]any{"membership_id": membershipID}); err != nil {
			return err
		}
		result = ack("subscription linked")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Unlink detaches a subscription from its membership. An empty membershipID
// detaches from whichever membership the subscription is linked to.
func (s *service) Unlink(ctx context.Context, subscriptionID, membershipID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.unlink_subscription",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("membership.id", membershipID),
	)
	defer func() { endSpan(span, err) }()

	var result *Ack
	err = s.inTx(ctx, "unlink subscription", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.Linked() {
			result = ack("subscription not linked")
			return nil
		}
		if membershipID != "" && sub.MembershipID != membershipID {
			return conflict("subscription %s is linked to membership %s, not %s", subscriptionID, sub.MembershipID, membershipID)
		}
		if sub.Status.Terminal() {
			return precondition("cannot unlink a subscription that is %s", sub.Status)
		}

		previous := sub.MembershipID
		sub.MembershipID = ""
		if err := s.saveSubscription(ctx, tx, sub, EventSubscriptionUnlinked, map[string]any{"membership_id": previous}); err != nil {
			return err
		}
		result = ack("subscription unlinked")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// TransferSubscription moves a subscription to another membership, whether or
// not it is currently linked.
func (s *service) TransferSubscription(ctx context.Context, subscriptionID, toMembershipID string) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.transfer_subscription",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("membership.id", toMembershipID),
	)
	defer func() { endSpan(span, err) }()

	if toMembershipID == "" {
		return nil, validation("target membership id is required")
	}

	var result *Ack
	err = s.inTx(ctx, "transfer subscription", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if _, err := s.loadMembership(ctx, tx, toMembershipID); err != nil {
			return err
		}
		if sub.MembershipID == toMembershipID {
			result = ack("subscription already belongs to membership")
			return nil
		}
		if sub.Status.Terminal() {
			return precondition("cannot transfer a subscription that is %s", sub.Status)
		}

		from := sub.MembershipID
		sub.MembershipID = toMembershipID
		if err := s.saveSubscription(ctx, tx, sub, EventSubscriptionTransferred, map[string]any{"from": from, "to": toMembershipID}); err != nil {
			return err
		}
		result = ack("subscription transferred")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Cancel ends a subscription. Immediate cancellation calls the gateway first
// and commits only after it acknowledges; graceful cancellation only flags the
// subscription for the period-end sweep. The linked membership is never changed.
func (s *service) Cancel(ctx context.Context, subscriptionID string, mode CancelMode) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.cancel",
		attribute.String("subscription.id", subscriptionID),
		attribute.String("cancel.mode", string(mode)),
	)
	defer func() { endSpan(span, err) }()

	switch mode {
	case CancelGraceful:
		return s.scheduleCancellation(ctx, subscriptionID)
	case CancelImmediate:
		return s.cancelNow(ctx, subscriptionID)
	default:
		return nil, validation("unknown cancellation mode %q", mode)
	}
}

func (s *service) scheduleCancellation(ctx context.Context, subscriptionID string) (*Ack, error) {
	var result *Ack
	err := s.inTx(ctx, "schedule cancellation", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == SubscriptionCancelled {
			result = ack("subscription already cancelled")
			return nil
		}
		if _, err := s.policy.NextState(snapshotOf(sub), TriggerCancel); err != nil {
			return err
		}
		if sub.CancelAtPeriodEnd {
			result = ack("cancellation already scheduled")
			return nil
		}

		sub.CancelAtPeriodEnd = true
		if err := s.saveSubscription(ctx, tx, sub, EventCancellationScheduled, map[string]any{"period_end": sub.NextPaymentDate}); err != nil {
			return err
		}
		result = ack("subscription will be cancelled at the end of the current billing period")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) cancelNow(ctx context.Context, subscriptionID string) (*Ack, error) {
	alreadyCancelled := false
	err := s.inTx(ctx, "claim cancellation", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == SubscriptionCancelled {
			alreadyCancelled = true
			return nil
		}
		if _, err := s.policy.NextState(snapshotOf(sub), TriggerCancel); err != nil {
			return err
		}
		if s.gateway == nil {
			return &Error{Kind: KindNotImplemented, Message: "immediate cancellation requires a payment gateway"}
		}
		if err := s.checkGatewayClaim(sub); err != nil {
			return err
		}
		return s.claimGatewayOp(ctx, tx, sub, GatewayOpCancel)
	})
	if err != nil {
		return nil, err
	}
	if alreadyCancelled {
		return ack("subscription already cancelled"), nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.gatewayTimeout)
	err = s.gateway.CancelSubscription(callCtx, subscriptionID)
	cancel()
	if err != nil {
		s.releaseGatewayOp(ctx, subscriptionID, GatewayOpCancel)
		s.metrics.gatewayErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", "cancel")))
		s.logger.ErrorContext(ctx, "gateway cancellation failed", "subscription_id", subscriptionID, "error", err)
		return nil, gatewayFailure("cancel subscription", err)
	}

	var result *Ack
	err = s.inTx(ctx, "cancel subscription", func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status == SubscriptionCancelled {
			result = ack("subscription already cancelled")
			return nil
		}
		d, err := s.policy.NextState(snapshotOf(sub), TriggerCancel)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		applyDecision(sub, d, "", now)
		clearGatewayOp(sub)
		sub.CancelAtPeriodEnd = false
		sub.CancelledAt = &now
		if err := s.saveSubscription(ctx, tx, sub, EventSubscriptionCancelled, map[string]any{"mode": string(CancelImmediate)}); err != nil {
			return err
		}
		result = ack("subscription cancelled")
		return nil
	})
	if err != nil {
		s.releaseGatewayOp(ctx, subscriptionID, GatewayOpCancel)
		return nil, err
	}
	return result, nil
}

// gatewayClaimGrace extends a claim past the gateway timeout before another
// request may take it over. Claims only outlive their request when the
// process dies mid-call.
const gatewayClaimGrace = time.Minute

// checkGatewayClaim fails with a conflict while another request holds an
// unexpired claim on sub.
func (s *service) checkGatewayClaim(sub *Subscription) error {
	if sub.PendingGatewayOp == "" || sub.GatewayOpStartedAt == nil {
		return nil
	}
	if s.clock.Now().Sub(*sub.GatewayOpStartedAt) >= s.gatewayTimeout+gatewayClaimGrace {
		s.logger.Warn("taking over expired gateway claim", "subscription_id", sub.ID, "op", sub.PendingGatewayOp)
		return nil
	}
	return &Error{Kind: KindConflict, Message: fmt.Sprintf("subscription %s has a %s command in progress", sub.ID, sub.PendingGatewayOp)}
}

// claimGatewayOp marks sub as owned by op. The claim bumps the version but is
// not journaled: it carries no state change of its own.
func (s *service) claimGatewayOp(ctx context.Context, tx Tx, sub *Subscription, op GatewayOp) error {
	now := s.clock.Now()
	sub.PendingGatewayOp = op
	sub.GatewayOpStartedAt = &now
	return s.touchSubscription(ctx, tx, sub)
}

// releaseGatewayOp drops a claim after a failed gateway call, leaving every
// other field as it was. It runs even when ctx is already done.
func (s *service) releaseGatewayOp(ctx context.Context, subscriptionID string, op GatewayOp) {
	ctx = context.WithoutCancel(ctx)
	err := s.store.WithinTx(ctx, func(tx Tx) error {
		sub, err := s.loadSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.PendingGatewayOp != op {
			return nil
		}
		clearGatewayOp(sub)
		return s.touchSubscription(ctx, tx, sub)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to release gateway claim", "subscription_id", subscriptionID, "op", op, "error", err)
	}
}

func clearGatewayOp(sub *Subscription) {
	sub.PendingGatewayOp = ""
	sub.GatewayOpStartedAt = nil
}

func (s *service) touchSubscription(ctx context.Context, tx Tx, sub *Subscription) error {
	expected := sub.Version
	sub.Version++
	sub.UpdatedAt = s.clock.Now()
	if err := tx.UpdateSubscription(ctx, sub, expected); err != nil {
		return fmt.Errorf("update subscription %s: %w", sub.ID, err)
	}
	return nil
}

// cascade propagates d's membership consequence to the subscription's
// membership, if any. sub must already carry its new status.
func (s *service) cascade(ctx context.Context, tx Tx, sub *Subscription, c Cascade) error {
	if c == CascadeNone || !sub.Linked() {
		return nil
	}

	m, err := s.loadMembership(ctx, tx, sub.MembershipID)
	if err != nil {
		return err
	}

	var linked []SubscriptionStatus
	if c == CascadeResume {
		siblings, err := tx.LinkedSubscriptions(ctx, m.ID)
		if err != nil {
			return fmt.Errorf("list subscriptions of membership %s: %w", m.ID, err)
		}
		linked = make([]SubscriptionStatus, 0, len(siblings))
		for _, sibling := range siblings {
			if sibling.ID == sub.ID {
				continue
			}
			linked = append(linked, sibling.Status)
		}
		linked = append(linked, sub.Status)
	}

	next, ok := s.policy.MembershipAfter(c, m.Status, linked)
	if !ok {
		return nil
	}

	previous := m.Status
	m.Status = next
	eventType := EventMembershipPaused
	if c == CascadeResume {
		eventType = EventMembershipResumed
	}
	if err := s.saveMembership(ctx, tx, m, eventType, map[string]any{
		"from":            previous,
		"subscription_id": sub.ID,
	}); err != nil {
		return err
	}

	s.metrics.cascades.Add(ctx, 1, metric.WithAttributes(attribute.String("cascade", string(c))))
	s.logger.InfoContext(ctx, "membership "+string(next),
		"membership_id", m.ID,
		"subscription_id", sub.ID,
		"from", previous,
	)
	return nil
}

func snapshotOf(sub *Subscription) Snapshot {
	return Snapshot{Status: sub.Status, PaymentFailureCount: sub.PaymentFailureCount}
}

func applyDecision(sub *Subscription, d Decision, reason string, now time.Time) {
	sub.Status = d.Status
	sub.PaymentFailureCount = d.PaymentFailureCount

	switch d.Details {
	case DetailsRecordFailure:
		at := now
		sub.LastPaymentAttemptDate = &at
		sub.LastPaymentFailureReason = reason
	case DetailsRecordSuccess:
		at := now
		sub.LastPaymentAttemptDate = &at
		sub.LastPaymentFailureReason = ""
	case DetailsClear:
		sub.LastPaymentAttemptDate = nil
		sub.LastPaymentFailureReason = ""
	}
}

func (s *service) loadSubscription(ctx context.Context, tx Tx, id string) (*Subscription, error) {
	if id == "" {
		return nil, validation("subscription id is required")
	}
	sub, err := tx.Subscription(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFound("subscription %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription %s: %w", id, err)
	}
	return sub, nil
}

func (s *service) loadMembership(ctx context.Context, tx Tx, id string) (*Membership, error) {
	if id == "" {
		return nil, validation("membership id is required")
	}
	m, err := tx.Membership(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, notFound("membership %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("load membership %s: %w", id, err)
	}
	return m, nil
}

func (s *service) saveSubscription(ctx context.Context, tx Tx, sub *Subscription, eventType string, data map[string]any) error {
	if err := s.touchSubscription(ctx, tx, sub); err != nil {
		return err
	}
	return tx.Record(ctx, Change{
		AggregateID:   sub.ID,
		AggregateType: AggregateSubscription,
		EventType:     eventType,
		Data:          withStatus(data, string(sub.Status)),
		Version:       sub.Version,
		OccurredAt:    sub.UpdatedAt,
	})
}

func (s *service) saveMembership(ctx context.Context, tx Tx, m *Membership, eventType string, data map[string]any) error {
	expected := m.Version
	m.Version++
	m.UpdatedAt = s.clock.Now()
	if err := tx.UpdateMembership(ctx, m, expected); err != nil {
		return fmt.Errorf("update membership %s: %w", m.ID, err)
	}
	return tx.Record(ctx, Change{
		AggregateID:   m.ID,
		AggregateType: AggregateMembership,
		EventType:     eventType,
		Data:          withStatus(data, string(m.Status)),
		Version:       m.Version,
		OccurredAt:    m.UpdatedAt,
	})
}

func withStatus(data map[string]any, status string) map[string]any {
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["status"] = status
	return data
}

// inTx runs fn in a store transaction. Typed errors pass through; anything
// else is a storage failure.
func (s *service) inTx(ctx context.Context, op string, fn func(tx Tx) error) error {
	err := s.store.WithinTx(ctx, fn)
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}
	s.logger.ErrorContext(ctx, "store transaction failed", "op", op, "error", err)
	return internal(op, err)
}

func (s *service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(KindOf(err)))
	}
	span.End()
}
