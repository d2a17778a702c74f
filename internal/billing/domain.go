// internal/billing/domain.go
package billing

import (
	"time"
)

// SubscriptionKind distinguishes the two structurally identical subscription variants.
type SubscriptionKind string

const (
	KindProduct   SubscriptionKind = "product"
	KindExtension SubscriptionKind = "extension"
)

// Valid reports whether k is a known subscription variant.
func (k SubscriptionKind) Valid() bool {
	return k == KindProduct || k == KindExtension
}

// SubscriptionStatus is the payment-side state of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionOnHold    SubscriptionStatus = "on_hold"
	SubscriptionCancelled SubscriptionStatus = "cancelled"
	SubscriptionCompleted SubscriptionStatus = "completed"
)

// Terminal reports whether no further mutation is allowed.
func (s SubscriptionStatus) Terminal() bool {
	return s == SubscriptionCancelled || s == SubscriptionCompleted
}

// MembershipStatus is the customer-facing entitlement state.
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipPaused    MembershipStatus = "paused"
	MembershipCancelled MembershipStatus = "cancelled"
	MembershipDelayed   MembershipStatus = "delayed"
)

// Valid reports whether s is a known membership status.
func (s MembershipStatus) Valid() bool {
	switch s {
	case MembershipActive, MembershipPaused, MembershipCancelled, MembershipDelayed:
		return true
	}
	return false
}

// CancelMode selects between period-end and immediate cancellation.
type CancelMode string

const (
	CancelGraceful  CancelMode = "graceful"
	CancelImmediate CancelMode = "immediate"
)

// Membership represents a customer's entitlement, backed by zero or more subscriptions.
// Subscriptions point at memberships; a membership never lists its subscriptions.
type Membership struct {
	ID               string           `json:"id"`
	CustomerEmail    string           `json:"customer_email"`
	CustomerName     string           `json:"customer_name,omitempty"`
	ProductName      string           `json:"product_name"`
	StartDate        time.Time        `json:"start_date"`
	EndDate          time.Time        `json:"end_date"`
	DelayedStartDate *time.Time       `json:"delayed_start_date,omitempty"`
	Status           MembershipStatus `json:"status"`
	ParentOrderID    string           `json:"parent_order_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
	Version          int              `json:"version"`
}

// Subscription is a recurring payment plan billed by the payment gateway.
type Subscription struct {
	ID                       string             `json:"id"`
	Kind                     SubscriptionKind   `json:"kind"`
	CatalogItemID            string             `json:"catalog_item_id,omitempty"`
	Status                   SubscriptionStatus `json:"status"`
	MembershipID             string             `json:"membership_id,omitempty"`
	LastPaymentAttemptDate   *time.Time         `json:"last_payment_attempt_date,omitempty"`
	LastPaymentFailureReason string             `json:"last_payment_failure_reason,omitempty"`
	PaymentFailureCount      int                `json:"payment_failure_count"`
	NextPaymentDate          *time.Time         `json:"next_payment_date,omitempty"`
	CancelAtPeriodEnd        bool               `json:"cancel_at_period_end"`
	CancelledAt              *time.Time         `json:"cancelled_at,omitempty"`
	PendingGatewayOp         GatewayOp          `json:"pending_gateway_op,omitempty"`
	GatewayOpStartedAt       *time.Time         `json:"gateway_op_started_at,omitempty"`
	CreatedAt                time.Time          `json:"created_at"`
	UpdatedAt                time.Time          `json:"updated_at"`
	Version                  int                `json:"version"`
}

// Linked reports whether the subscription is attached to a membership.
func (s *Subscription) Linked() bool {
	return s.MembershipID != ""
}

// GatewayOp names a provider-side command claimed by one request.
type GatewayOp string

const (
	GatewayOpCharge GatewayOp = "charge"
	GatewayOpCancel GatewayOp = "cancel"
)

// Ack is the acknowledgement returned by every mutating operation.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func ack(message string) *Ack {
	return &Ack{Success: true, Message: message}
}

// Aggregate types recorded in the transition journal.
const (
	AggregateSubscription = "subscription"
	AggregateMembership   = "membership"
)

// Journal event types.
const (
	EventPaymentFailed           = "PaymentFailed"
	EventPaymentSucceeded        = "PaymentSucceeded"
	EventPaymentRescheduled      = "PaymentRescheduled"
	EventPaymentRetried          = "PaymentRetried"
	EventSubscriptionCreated     = "SubscriptionCreated"
	EventSubscriptionHeld        = "SubscriptionHeld"
	EventSubscriptionLinked      = "SubscriptionLinked"
	EventSubscriptionUnlinked    = "SubscriptionUnlinked"
	EventSubscriptionTransferred = "SubscriptionTransferred"
	EventCancellationScheduled   = "CancellationScheduled"
	EventSubscriptionCancelled   = "SubscriptionCancelled"
	EventMembershipCreated       = "MembershipCreated"
	EventMembershipPaused        = "MembershipPaused"
	EventMembershipResumed       = "MembershipResumed"
	EventMembershipStatusChanged = "MembershipStatusChanged"
	EventMembershipDatesChanged  = "MembershipDatesChanged"
)

// Change is one committed transition, appended to the journal in the same
// transaction as the state it describes.
type Change struct {
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	EventType     string         `json:"event_type"`
	Data          map[string]any `json:"data,omitempty"`
	Version       int            `json:"version"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

// PaymentEventType enumerates inbound gateway payment outcomes.
type PaymentEventType string

const (
	PaymentFailed    PaymentEventType = "payment.failed"
	PaymentSucceeded PaymentEventType = "payment.succeeded"
)

// PaymentEvent is a normalized inbound payment notification.
type PaymentEvent struct {
	ID             string           `json:"event_id"`
	Type           PaymentEventType `json:"type"`
	SubscriptionID string           `json:"subscription_id"`
	Reason         string           `json:"reason,omitempty"`
}
