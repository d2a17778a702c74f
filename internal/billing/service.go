// internal/billing/service.go
package billing

import (
	"context"
	"time"
)

// Service is the single entry point for every change that crosses the
// subscription/membership boundary. Nothing else writes status fields.
type Service interface {
	ReschedulePayment(ctx context.Context, subscriptionID string, kind SubscriptionKind, newDate time.Time) (*Ack, error)
	ForceRetryPayment(ctx context.Context, subscriptionID string) (*Ack, error)
	SetOnHold(ctx context.Context, subscriptionID string) (*Ack, error)
	OnPaymentFailed(ctx context.Context, eventID, subscriptionID, reason string) (*Ack, error)
	OnPaymentSucceeded(ctx context.Context, eventID, subscriptionID string) (*Ack, error)
	HandlePaymentEvent(ctx context.Context, event PaymentEvent) (*Ack, error)
	LinkSubscriptionToMembership(ctx context.Context, subscriptionID, membershipID string) (*Ack, error)
	Unlink(ctx context.Context, subscriptionID, membershipID string) (*Ack, error)
	TransferSubscription(ctx context.Context, subscriptionID, toMembershipID string) (*Ack, error)
	Cancel(ctx context.Context, subscriptionID string, mode CancelMode) (*Ack, error)

	CreateSubscription(ctx context.Context, req NewSubscription) (*Subscription, error)
	CreateMembership(ctx context.Context, req NewMembership) (*Membership, error)
	UpdateMembershipStatus(ctx context.Context, membershipID string, status MembershipStatus) (*Ack, error)
	UpdateMembershipDates(ctx context.Context, membershipID string, dates MembershipDates) (*Ack, error)

	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetMembership(ctx context.Context, id string) (*Membership, error)
	History(ctx context.Context, aggregateType, aggregateID string) ([]Change, error)

	CompleteDueCancellations(ctx context.Context) (*SweepResult, error)
	PurgeProcessedEvents(ctx context.Context) (int64, error)
}

// NewSubscription is the order-fulfillment input for a fresh subscription.
type NewSubscription struct {
	ID              string           `json:"id"`
	Kind            SubscriptionKind `json:"kind"`
	CatalogItemID   string           `json:"catalog_item_id"`
	NextPaymentDate *time.Time       `json:"next_payment_date,omitempty"`
}

// NewMembership is the input for creating a membership.
type NewMembership struct {
	ID               string           `json:"id,omitempty"`
	CustomerEmail    string           `json:"customer_email"`
	CustomerName     string           `json:"customer_name,omitempty"`
	ProductName      string           `json:"product_name"`
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
	DelayedStartDate *time.Time       `json:"delayed_start_date,omitempty"`
	Status           MembershipStatus `json:"status,omitempty"`
	ParentOrderID    string           `json:"parent_order_id,omitempty"`
}

// MembershipDates replaces a membership's date range.
type MembershipDates struct {
	StartDate        time.Time  `json:"start_date"`
	EndDate          time.Time  `json:"end_date"`
	DelayedStartDate *time.Time `json:"delayed_start_date,omitempty"`
}

// SweepResult summarizes a graceful-cancellation sweep.
type SweepResult struct {
	Cancelled []string          `json:"cancelled"`
	Failed    map[string]string `json:"failed,omitempty"`
	Deferred  []string          `json:"deferred,omitempty"`
}
