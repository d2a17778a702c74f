// internal/billing/admin.go
package billing

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// CreateSubscription registers a subscription produced by order fulfillment.
func (s *service) CreateSubscription(ctx context.Context, req NewSubscription) (_ *Subscription, err error) {
	ctx, span := s.startSpan(ctx, "billing.create_subscription", attribute.String("subscription.id", req.ID))
	defer func() { endSpan(span, err) }()

	if req.ID == "" {
		return nil, validation("subscription id is required")
	}
	if !req.Kind.Valid() {
		return nil, validation("unknown subscription type %q", req.Kind)
	}

	now := s.clock.Now()
	sub := &Subscription{
		ID:            req.ID,
		Kind:          req.Kind,
		CatalogItemID: req.CatalogItemID,
		Status:        SubscriptionActive,
		CreatedAt:     now,
		UpdatedAt:     now,
		Version:       1,
	}
	if req.NextPaymentDate != nil {
		date := req.NextPaymentDate.UTC()
		sub.NextPaymentDate = &date
	}

	err = s.inTx(ctx, "create subscription", func(tx Tx) error {
		if err := tx.InsertSubscription(ctx, sub); err != nil {
			if errors.Is(err, ErrRecordExists) {
				return conflict("subscription %s already exists", sub.ID)
			}
			return fmt.Errorf("insert subscription: %w", err)
		}
		return tx.Record(ctx, Change{
			AggregateID:   sub.ID,
			AggregateType: AggregateSubscription,
			EventType:     EventSubscriptionCreated,
			Data:          map[string]any{"kind": string(sub.Kind), "status": string(sub.Status)},
			Version:       sub.Version,
			OccurredAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// CreateMembership creates a membership. Paused is never a valid initial
// status because only payment failures pause a membership.
func (s *service) CreateMembership(ctx context.Context, req NewMembership) (_ *Membership, err error) {
	ctx, span := s.startSpan(ctx, "billing.create_membership")
	defer func() { endSpan(span, err) }()

	if _, err := mail.ParseAddress(req.CustomerEmail); err != nil {
		return nil, validation("invalid customer email %q", req.CustomerEmail)
	}
	if req.ProductName == "" {
		return nil, validation("product name is required")
	}
	if err := validateDates(req.StartDate, req.EndDate, req.DelayedStartDate); err != nil {
		return nil, err
	}

	status := req.Status
	if status == "" {
		status = MembershipActive
	}
	if !status.Valid() {
		return nil, validation("unknown membership status %q", status)
	}
	if status == MembershipPaused {
		return nil, precondition("membership status %s is reserved for payment failures", MembershipPaused)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := s.clock.Now()
	m := &Membership{
		ID:               id,
		CustomerEmail:    req.CustomerEmail,
		CustomerName:     req.CustomerName,
		ProductName:      req.ProductName,
		StartDate:        req.StartDate.UTC(),
		EndDate:          req.EndDate.UTC(),
		DelayedStartDate: utcPtr(req.DelayedStartDate),
		Status:           status,
		ParentOrderID:    req.ParentOrderID,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	err = s.inTx(ctx, "create membership", func(tx Tx) error {
		if err := tx.InsertMembership(ctx, m); err != nil {
			if errors.Is(err, ErrRecordExists) {
				return conflict("membership %s already exists", m.ID)
			}
			return fmt.Errorf("insert membership: %w", err)
		}
		return tx.Record(ctx, Change{
			AggregateID:   m.ID,
			AggregateType: AggregateMembership,
			EventType:     EventMembershipCreated,
			Data:          map[string]any{"status": string(m.Status), "product_name": m.ProductName},
			Version:       m.Version,
			OccurredAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "membership created", "membership_id", m.ID, "status", m.Status)
	return m, nil
}

// UpdateMembershipStatus is the administrative status change. Setting Paused
// is always rejected.
func (s *service) UpdateMembershipStatus(ctx context.Context, membershipID string, status MembershipStatus) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.update_membership_status",
		attribute.String("membership.id", membershipID),
		attribute.String("membership.status", string(status)),
	)
	defer func() { endSpan(span, err) }()

	if !status.Valid() {
		return nil, validation("unknown membership status %q", status)
	}
	if status == MembershipPaused {
		return nil, precondition("membership status %s can only be set by the payment system", MembershipPaused)
	}

	var result *Ack
	err = s.inTx(ctx, "update membership status", func(tx Tx) error {
		m, err := s.loadMembership(ctx, tx, membershipID)
		if err != nil {
			return err
		}
		if m.Status == status {
			result = ack("membership status unchanged")
			return nil
		}

		previous := m.Status
		m.Status = status
		if err := s.saveMembership(ctx, tx, m, EventMembershipStatusChanged, map[string]any{"from": previous}); err != nil {
			return err
		}
		result = ack("membership status updated")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateMembershipDates replaces the date range of a membership.
func (s *service) UpdateMembershipDates(ctx context.Context, membershipID string, dates MembershipDates) (_ *Ack, err error) {
	ctx, span := s.startSpan(ctx, "billing.update_membership_dates", attribute.String("membership.id", membershipID))
	defer func() { endSpan(span, err) }()

	if err := validateDates(dates.StartDate, dates.EndDate, dates.DelayedStartDate); err != nil {
		return nil, err
	}

	err = s.inTx(ctx, "update membership dates", func(tx Tx) error {
		m, err := s.loadMembership(ctx, tx, membershipID)
		if err != nil {
			return err
		}
		m.StartDate = dates.StartDate.UTC()
		m.EndDate = dates.EndDate.UTC()
		m.DelayedStartDate = utcPtr(dates.DelayedStartDate)
		return s.saveMembership(ctx, tx, m, EventMembershipDatesChanged, map[string]any{
			"start_date": m.StartDate,
			"end_date":   m.EndDate,
		})
	})
	if err != nil {
		return nil, err
	}
	return ack("membership dates updated"), nil
}

func validateDates(start, end time.Time, delayedStart *time.Time) error {
	if start.IsZero() || end.IsZero() {
		return validation("start and end dates are required")
	}
	if !end.After(start) {
		return validation("end date must be after start date")
	}
	if delayedStart != nil && delayedStart.After(start) {
		return validation("delayed start date must not be after start date")
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (s *service) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub *Subscription
	err := s.inTx(ctx, "get subscription", func(tx Tx) error {
		var err error
		sub, err = s.loadSubscription(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *service) GetMembership(ctx context.Context, id string) (*Membership, error) {
	var m *Membership
	err := s.inTx(ctx, "get membership", func(tx Tx) error {
		var err error
		m, err = s.loadMembership(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// History returns the recorded transitions of a subscription or membership.
func (s *service) History(ctx context.Context, aggregateType, aggregateID string) ([]Change, error) {
	if aggregateType != AggregateSubscription && aggregateType != AggregateMembership {
		return nil, validation("unknown aggregate type %q", aggregateType)
	}
	if aggregateID == "" {
		return nil, validation("id is required")
	}
	changes, err := s.store.History(ctx, aggregateType, aggregateID)
	if err != nil {
		return nil, internal("load history", err)
	}
	if len(changes) == 0 {
		return nil, notFound("no history for %s %s", aggregateType, aggregateID)
	}
	return changes, nil
}

// CompleteDueCancellations cancels every subscription whose graceful
// cancellation has reached the end of its billing period. Failures are
// collected per subscription and left flagged for the next sweep. When ctx
// carries a deadline, ids that no longer fit a full gateway call are deferred
// to the next sweep instead of being cut off mid-request.
func (s *service) CompleteDueCancellations(ctx context.Context) (_ *SweepResult, err error) {
	ctx, span := s.startSpan(ctx, "billing.complete_due_cancellations")
	defer func() { endSpan(span, err) }()

	ids, err := s.store.DueCancellations(ctx, s.clock.Now())
	if err != nil {
		return nil, internal("list due cancellations", err)
	}

	result := &SweepResult{Cancelled: []string{}}
	for i, id := range ids {
		if !s.fitsGatewayCall(ctx) {
			result.Deferred = append(result.Deferred, ids[i:]...)
			break
		}
		if _, err := s.cancelNow(ctx, id); err != nil {
			if result.Failed == nil {
				result.Failed = make(map[string]string)
			}
			result.Failed[id] = err.Error()
			s.logger.WarnContext(ctx, "period-end cancellation failed", "subscription_id", id, "error", err)
			continue
		}
		result.Cancelled = append(result.Cancelled, id)
	}

	span.SetAttributes(
		attribute.Int("cancellations.completed", len(result.Cancelled)),
		attribute.Int("cancellations.failed", len(result.Failed)),
		attribute.Int("cancellations.deferred", len(result.Deferred)),
	)
	s.logger.InfoContext(ctx, "cancellation sweep finished",
		"cancelled", len(result.Cancelled), "failed", len(result.Failed), "deferred", len(result.Deferred))
	return result, nil
}

func (s *service) fitsGatewayCall(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	deadline, ok := ctx.Deadline()
	return !ok || time.Until(deadline) >= s.gatewayTimeout
}

// PurgeProcessedEvents forgets deduplication ids older than the retention window.
func (s *service) PurgeProcessedEvents(ctx context.Context) (int64, error) {
	cutoff := s.clock.Now().Add(-s.eventRetention)
	n, err := s.store.PurgeEvents(ctx, cutoff)
	if err != nil {
		return 0, internal("purge processed events", err)
	}
	s.logger.InfoContext(ctx, "processed events purged", "count", n, "cutoff", cutoff)
	return n, nil
}
