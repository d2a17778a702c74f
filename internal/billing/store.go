// internal/billing/store.go
package billing

import (
	"context"
	"time"
)

// Tx is the set of primitives available inside one store transaction. Reads of
// subscriptions and memberships lock the row until the transaction ends, so
// read-modify-write sequences on the same id are serialized.
type Tx interface {
	// Subscription returns ErrRecordNotFound when id does not exist.
	Subscription(ctx context.Context, id string) (*Subscription, error)
	// Membership returns ErrRecordNotFound when id does not exist.
	Membership(ctx context.Context, id string) (*Membership, error)
	// LinkedSubscriptions returns every subscription whose membership id is membershipID.
	LinkedSubscriptions(ctx context.Context, membershipID string) ([]Subscription, error)

	InsertSubscription(ctx context.Context, sub *Subscription) error
	InsertMembership(ctx context.Context, m *Membership) error
	// UpdateSubscription persists sub if the stored version equals expectedVersion,
	// otherwise it returns ErrVersionConflict.
	UpdateSubscription(ctx context.Context, sub *Subscription, expectedVersion int) error
	// UpdateMembership follows the same versioning rule as UpdateSubscription.
	UpdateMembership(ctx context.Context, m *Membership, expectedVersion int) error

	// ClaimEvent records eventID as processed. It returns false when the id was
	// already recorded, in which case the caller must not apply the event again.
	ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error)
	// Record appends changes to the transition journal. A change whose
	// version is not above the aggregate's latest journal version yields
	// ErrVersionConflict.
	Record(ctx context.Context, changes ...Change) error
}

// Store owns durability and atomicity of subscription and membership writes.
type Store interface {
	// WithinTx runs fn in a single transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
	// DueCancellations lists subscriptions flagged for period-end cancellation
	// whose period ended at or before now.
	DueCancellations(ctx context.Context, now time.Time) ([]string, error)
	// PurgeEvents removes processed event ids recorded before cutoff.
	PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error)
	// History returns the journal for one aggregate in version order.
	History(ctx context.Context, aggregateType, aggregateID string) ([]Change, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ChargeOutcome reports the result of charging a saved payment method.
type ChargeOutcome struct {
	Succeeded     bool
	FailureReason string
}

// PaymentGateway is the provider-side capability consumed by the sync service.
type PaymentGateway interface {
	// ChargeSavedMethod attempts an out-of-band charge. Implementations without
	// charging support return ErrChargeUnsupported.
	ChargeSavedMethod(ctx context.Context, subscriptionID string) (ChargeOutcome, error)
	// CancelSubscription cancels the provider-side subscription immediately.
	CancelSubscription(ctx context.Context, subscriptionID string) error
}
