// internal/billing/policy.go
package billing

import (
	"fmt"
	"slices"
)

// Trigger is an input to the status transition policy.
type Trigger string

const (
	TriggerPaymentFailed    Trigger = "payment_failed"
	TriggerPaymentSucceeded Trigger = "payment_succeeded"
	TriggerRetryFailed      Trigger = "retry_failed"
	TriggerRetrySucceeded   Trigger = "retry_succeeded"
	TriggerHold             Trigger = "hold"
	TriggerCancel           Trigger = "cancel"
)

// Cascade is the membership-level consequence of a subscription transition.
type Cascade string

const (
	CascadeNone   Cascade = ""
	CascadePause  Cascade = "pause"
	CascadeResume Cascade = "resume"
)

// DetailEffect describes what happens to the last-attempt bookkeeping.
type DetailEffect int

const (
	DetailsKeep DetailEffect = iota
	// DetailsRecordFailure stamps the attempt date and stores the failure reason.
	DetailsRecordFailure
	// DetailsRecordSuccess stamps the attempt date and clears the failure reason.
	DetailsRecordSuccess
	// DetailsClear removes both the attempt date and the failure reason.
	DetailsClear
)

type failureEffect int

const (
	failuresKeep failureEffect = iota
	failuresIncrement
	failuresReset
)

// Snapshot is the part of a subscription the policy decides on.
type Snapshot struct {
	Status              SubscriptionStatus
	PaymentFailureCount int
}

// Decision is the outcome of applying a trigger to a snapshot.
type Decision struct {
	Status              SubscriptionStatus
	PaymentFailureCount int
	Details             DetailEffect
	Cascade             Cascade
}

type transitionKey struct {
	from    SubscriptionStatus
	trigger Trigger
}

type rule struct {
	next     SubscriptionStatus
	failures failureEffect
	details  DetailEffect
	cascade  Cascade
	// escalate applies the failure threshold after counting.
	escalate bool
}

// transitions is the complete subscription state machine. A missing key means
// the trigger is not allowed from that status.
var transitions = map[transitionKey]rule{
	{SubscriptionActive, TriggerPaymentFailed}:    {next: SubscriptionActive, failures: failuresIncrement, details: DetailsRecordFailure, escalate: true},
	{SubscriptionOnHold, TriggerPaymentFailed}:    {next: SubscriptionOnHold, failures: failuresIncrement, details: DetailsRecordFailure, escalate: true},
	{SubscriptionActive, TriggerPaymentSucceeded}: {next: SubscriptionActive, failures: failuresReset, details: DetailsRecordSuccess, cascade: CascadeResume},
	{SubscriptionOnHold, TriggerPaymentSucceeded}: {next: SubscriptionActive, failures: failuresReset, details: DetailsRecordSuccess, cascade: CascadeResume},
	{SubscriptionOnHold, TriggerRetrySucceeded}:   {next: SubscriptionActive, failures: failuresReset, details: DetailsRecordSuccess, cascade: CascadeResume},
	{SubscriptionOnHold, TriggerRetryFailed}:      {next: SubscriptionOnHold, failures: failuresIncrement, details: DetailsRecordFailure, escalate: true},
	{SubscriptionActive, TriggerHold}:             {next: SubscriptionOnHold, failures: failuresReset, details: DetailsClear},
	{SubscriptionOnHold, TriggerHold}:             {next: SubscriptionOnHold, failures: failuresReset, details: DetailsClear},
	{SubscriptionActive, TriggerCancel}:           {next: SubscriptionCancelled, failures: failuresReset},
	{SubscriptionOnHold, TriggerCancel}:           {next: SubscriptionCancelled, failures: failuresReset},
}

// deniedMessages overrides the generic rejection text for user-facing triggers.
var deniedMessages = map[Trigger]string{
	TriggerRetryFailed:    "can only retry payments for subscriptions on hold",
	TriggerRetrySucceeded: "can only retry payments for subscriptions on hold",
}

// membershipCascades maps a cascade to the membership statuses it moves.
// Statuses absent from the inner map are left untouched.
var membershipCascades = map[Cascade]map[MembershipStatus]MembershipStatus{
	CascadePause:  {MembershipActive: MembershipPaused},
	CascadeResume: {MembershipPaused: MembershipActive},
}

// Policy is the pure decision table mapping subscription events to subscription
// and membership transitions.
type Policy struct {
	// FailureThreshold is the failure count at which a subscription goes on hold
	// and its membership pauses.
	FailureThreshold int
	// RecoveredStatuses are the subscription statuses that allow a paused
	// membership to resume. Every linked subscription must be in one of them.
	RecoveredStatuses []SubscriptionStatus
}

// DefaultPolicy returns the standard threshold of three failures.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:  3,
		RecoveredStatuses: []SubscriptionStatus{SubscriptionActive, SubscriptionCompleted},
	}
}

// NextState applies trigger to current. It returns a precondition error when
// the transition is not in the table.
func (p Policy) NextState(current Snapshot, trigger Trigger) (Decision, error) {
	r, ok := transitions[transitionKey{current.Status, trigger}]
	if !ok {
		if msg, found := deniedMessages[trigger]; found {
			return Decision{}, precondition("%s", msg)
		}
		return Decision{}, precondition("cannot apply %s to a subscription that is %s", trigger, current.Status)
	}

	d := Decision{
		Status:              r.next,
		PaymentFailureCount: current.PaymentFailureCount,
		Details:             r.details,
		Cascade:             r.cascade,
	}

	switch r.failures {
	case failuresIncrement:
		d.PaymentFailureCount++
	case failuresReset:
		d.PaymentFailureCount = 0
	}

	if r.escalate && p.FailureThreshold > 0 && d.PaymentFailureCount >= p.FailureThreshold {
		d.Status = SubscriptionOnHold
		d.Cascade = CascadePause
	}

	return d, nil
}

// MembershipAfter returns the membership status produced by cascade. linked
// holds the statuses of every subscription linked to the membership, already
// reflecting the transition being applied. The bool is false when the
// membership must not change.
func (p Policy) MembershipAfter(cascade Cascade, current MembershipStatus, linked []SubscriptionStatus) (MembershipStatus, bool) {
	next, ok := membershipCascades[cascade][current]
	if !ok {
		return current, false
	}
	if cascade == CascadeResume && !p.allRecovered(linked) {
		return current, false
	}
	return next, true
}

func (p Policy) allRecovered(linked []SubscriptionStatus) bool {
	for _, s := range linked {
		if !slices.Contains(p.RecoveredStatuses, s) {
			return false
		}
	}
	return true
}

// Validate rejects policies that could never trigger a hold.
func (p Policy) Validate() error {
	if p.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d", p.FailureThreshold)
	}
	if len(p.RecoveredStatuses) == 0 {
		return fmt.Errorf("at least one recovered status is required")
	}
	return nil
}
