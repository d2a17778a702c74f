package billing_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"paydesk/internal/billing"
	"paydesk/internal/gateway"
	"paydesk/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	svc     billing.Service
	store   *store.Memory
	gateway *gateway.Simulated
	clock   *testClock
	seq     int
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()

	f := &fixture{
		store:   store.NewMemory(),
		gateway: gateway.NewSimulated(),
		clock:   &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	base := []billing.Option{
		billing.WithGateway(f.gateway),
		billing.WithClock(f.clock),
		billing.WithRetryLimiter(nil),
		billing.WithGatewayTimeout(200 * time.Millisecond),
	}
	f.svc = billing.NewService(f.store, append(base, opts...)...)
	return f
}

func (f *fixture) subscription(t *testing.T, id string, kind billing.SubscriptionKind) {
	t.Helper()
	next := f.clock.Now().Add(30 * 24 * time.Hour)
	_, err := f.svc.CreateSubscription(context.Background(), billing.NewSubscription{ID: id, Kind: kind, NextPaymentDate: &next})
	require.NoError(t, err)
}

func (f *fixture) membership(t *testing.T, id string) {
	t.Helper()
	_, err := f.svc.CreateMembership(context.Background(), billing.NewMembership{
		ID:            id,
		CustomerEmail: "member@example.com",
		ProductName:   "Gym Access",
		StartDate:     f.clock.Now(),
		EndDate:       f.clock.Now().AddDate(1, 0, 0),
	})
	require.NoError(t, err)
}

func (f *fixture) linked(t *testing.T, subID, membershipID string) {
	t.Helper()
	f.subscription(t, subID, billing.KindProduct)
	_, err := f.svc.LinkSubscriptionToMembership(context.Background(), subID, membershipID)
	require.NoError(t, err)
}

func (f *fixture) sub(t *testing.T, id string) *billing.Subscription {
	t.Helper()
	sub, err := f.svc.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	return sub
}

func (f *fixture) membershipStatus(t *testing.T, id string) billing.MembershipStatus {
	t.Helper()
	m, err := f.svc.GetMembership(context.Background(), id)
	require.NoError(t, err)
	return m.Status
}

func (f *fixture) fail(t *testing.T, subID string, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		f.seq++
		_, err := f.svc.OnPaymentFailed(context.Background(), fmt.Sprintf("evt_fail_%d", f.seq), subID, "card_declined")
		require.NoError(t, err)
	}
}

func requireKind(t *testing.T, err error, kind billing.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, kind, billing.KindOf(err), "error: %v", err)
}

func TestFailureOnHoldReachesThresholdAndPausesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")

	_, err := f.svc.SetOnHold(ctx, "sub_1")
	require.NoError(t, err)
	f.fail(t, "sub_1", 2)

	sub := f.sub(t, "sub_1")
	require.Equal(t, billing.SubscriptionOnHold, sub.Status)
	require.Equal(t, 2, sub.PaymentFailureCount)
	require.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))

	ack, err := f.svc.OnPaymentFailed(ctx, "evt_3", "sub_1", "insufficient_funds")
	require.NoError(t, err)
	assert.True(t, ack.Success)

	sub = f.sub(t, "sub_1")
	assert.Equal(t, billing.SubscriptionOnHold, sub.Status)
	assert.Equal(t, 3, sub.PaymentFailureCount)
	assert.Equal(t, "insufficient_funds", sub.LastPaymentFailureReason)
	require.NotNil(t, sub.LastPaymentAttemptDate)
	assert.Equal(t, f.clock.Now(), *sub.LastPaymentAttemptDate)
	assert.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))
}

func TestFailureBelowThresholdStaysActive(t *testing.T) {
	f := newFixture(t)
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")

	f.fail(t, "sub_1", 2)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.Equal(t, 2, sub.PaymentFailureCount)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))
}

func TestUnlinkedSubscriptionHoldsWithoutCascade(t *testing.T) {
	f := newFixture(t)
	f.subscription(t, "sub_1", billing.KindExtension)

	f.fail(t, "sub_1", 3)

	assert.Equal(t, billing.SubscriptionOnHold, f.sub(t, "sub_1").Status)
}

func TestReschedulePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_2")
	f.linked(t, "sub_2", "mem_2")

	newDate := time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)
	ack, err := f.svc.ReschedulePayment(ctx, "sub_2", billing.KindProduct, newDate)
	require.NoError(t, err)
	assert.True(t, ack.Success)

	sub := f.sub(t, "sub_2")
	require.NotNil(t, sub.NextPaymentDate)
	assert.Equal(t, newDate, *sub.NextPaymentDate)
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_2"))
}

func TestReschedulePaymentErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscription(t, "sub_2", billing.KindProduct)
	future := f.clock.Now().Add(time.Hour)

	_, err := f.svc.ReschedulePayment(ctx, "sub_2", billing.KindProduct, f.clock.Now())
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.ReschedulePayment(ctx, "sub_2", billing.SubscriptionKind("gift"), future)
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.ReschedulePayment(ctx, "missing", billing.KindProduct, future)
	requireKind(t, err, billing.KindNotFound)

	_, err = f.svc.ReschedulePayment(ctx, "sub_2", billing.KindExtension, future)
	requireKind(t, err, billing.KindNotFound)
}

func TestCancelImmediate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_3")
	f.linked(t, "sub_3", "mem_3")

	ack, err := f.svc.Cancel(ctx, "sub_3", billing.CancelImmediate)
	require.NoError(t, err)
	assert.True(t, ack.Success)

	sub := f.sub(t, "sub_3")
	assert.Equal(t, billing.SubscriptionCancelled, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, []string{"sub_3"}, f.gateway.Cancelled())
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_3"))

	ack, err = f.svc.Cancel(ctx, "sub_3", billing.CancelImmediate)
	require.NoError(t, err)
	assert.Equal(t, "subscription already cancelled", ack.Message)
	assert.Len(t, f.gateway.Cancelled(), 1)
}

func TestCancelImmediateGatewayFailureKeepsState(t *testing.T) {
	f := newFixture(t)
	f.subscription(t, "sub_3", billing.KindProduct)
	f.gateway.SetError(errors.New("503 from provider"))

	_, err := f.svc.Cancel(context.Background(), "sub_3", billing.CancelImmediate)
	requireKind(t, err, billing.KindGateway)

	sub := f.sub(t, "sub_3")
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.Nil(t, sub.CancelledAt)
	assert.Empty(t, sub.PendingGatewayOp, "failed call must release its claim")

	f.gateway.SetError(nil)
	_, err = f.svc.Cancel(context.Background(), "sub_3", billing.CancelImmediate)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_3"}, f.gateway.Cancelled())
}

func TestCancelWithoutGateway(t *testing.T) {
	f := newFixture(t, billing.WithGateway(nil))
	f.subscription(t, "sub_3", billing.KindProduct)

	_, err := f.svc.Cancel(context.Background(), "sub_3", billing.CancelImmediate)
	requireKind(t, err, billing.KindNotImplemented)

	_, err = f.svc.Cancel(context.Background(), "sub_3", billing.CancelMode("later"))
	requireKind(t, err, billing.KindValidation)
}

func TestGracefulCancellationSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_4")
	f.linked(t, "sub_4", "mem_4")
	f.subscription(t, "sub_5", billing.KindProduct)

	ack, err := f.svc.Cancel(ctx, "sub_4", billing.CancelGraceful)
	require.NoError(t, err)
	assert.True(t, ack.Success)

	sub := f.sub(t, "sub_4")
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Empty(t, f.gateway.Cancelled())

	result, err := f.svc.CompleteDueCancellations(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Cancelled)

	f.clock.Advance(31 * 24 * time.Hour)
	result, err = f.svc.CompleteDueCancellations(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_4"}, result.Cancelled)
	assert.Empty(t, result.Failed)

	sub = f.sub(t, "sub_4")
	assert.Equal(t, billing.SubscriptionCancelled, sub.Status)
	assert.False(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, []string{"sub_4"}, f.gateway.Cancelled())
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_4"))
	assert.Equal(t, billing.SubscriptionActive, f.sub(t, "sub_5").Status)
}

func TestGracefulSweepReportsGatewayFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscription(t, "sub_4", billing.KindProduct)

	_, err := f.svc.Cancel(ctx, "sub_4", billing.CancelGraceful)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	f.gateway.SetError(errors.New("timeout"))

	result, err := f.svc.CompleteDueCancellations(ctx)
	require.NoError(t, err)
	assert.Empty(t, result.Cancelled)
	assert.Contains(t, result.Failed, "sub_4")
	assert.True(t, f.sub(t, "sub_4").CancelAtPeriodEnd)
}

func TestGracefulSweepDefersWorkPastDeadline(t *testing.T) {
	f := newFixture(t, billing.WithGatewayTimeout(300*time.Millisecond))
	ctx := context.Background()
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		f.subscription(t, id, billing.KindProduct)
		_, err := f.svc.Cancel(ctx, id, billing.CancelGraceful)
		require.NoError(t, err)
	}
	f.clock.Advance(31 * 24 * time.Hour)
	f.gateway.SetLatency(150 * time.Millisecond)

	sweepCtx, cancel := context.WithTimeout(ctx, 400*time.Millisecond)
	defer cancel()
	result, err := f.svc.CompleteDueCancellations(sweepCtx)
	require.NoError(t, err)
	require.Len(t, result.Cancelled, 1)
	assert.Empty(t, result.Failed)
	deferred := result.Deferred
	require.Len(t, deferred, 2)
	for _, id := range deferred {
		sub := f.sub(t, id)
		assert.True(t, sub.CancelAtPeriodEnd)
		assert.Equal(t, billing.SubscriptionActive, sub.Status)
		assert.Empty(t, sub.PendingGatewayOp)
	}

	f.gateway.SetLatency(0)
	result, err = f.svc.CompleteDueCancellations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, deferred, result.Cancelled)
	assert.Empty(t, result.Deferred)
	assert.ElementsMatch(t, []string{"sub_a", "sub_b", "sub_c"}, f.gateway.Cancelled())
}

func TestDuplicateEventIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscription(t, "sub_1", billing.KindProduct)

	_, err := f.svc.OnPaymentFailed(ctx, "evt_1", "sub_1", "card_declined")
	require.NoError(t, err)
	ack, err := f.svc.OnPaymentFailed(ctx, "evt_1", "sub_1", "card_declined")
	require.NoError(t, err)
	assert.Equal(t, "duplicate event ignored", ack.Message)

	assert.Equal(t, 1, f.sub(t, "sub_1").PaymentFailureCount)
}

func TestFailedEventIsNotClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.OnPaymentFailed(ctx, "evt_1", "sub_late", "card_declined")
	requireKind(t, err, billing.KindNotFound)

	f.subscription(t, "sub_late", billing.KindProduct)
	_, err = f.svc.OnPaymentFailed(ctx, "evt_1", "sub_late", "card_declined")
	require.NoError(t, err)
	assert.Equal(t, 1, f.sub(t, "sub_late").PaymentFailureCount)
}

func TestPurgeProcessedEvents(t *testing.T) {
	f := newFixture(t, billing.WithEventRetention(24*time.Hour))
	ctx := context.Background()
	f.subscription(t, "sub_1", billing.KindProduct)

	_, err := f.svc.OnPaymentSucceeded(ctx, "evt_old", "sub_1")
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)
	_, err = f.svc.OnPaymentSucceeded(ctx, "evt_new", "sub_1")
	require.NoError(t, err)

	n, err := f.svc.PurgeProcessedEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, []string{"evt_new"}, f.store.ProcessedEvents())
}

func TestMembershipResumesOnlyWhenAllLinkedRecover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_a", "mem_1")
	f.linked(t, "sub_b", "mem_1")

	f.fail(t, "sub_a", 3)
	f.fail(t, "sub_b", 3)
	require.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))

	_, err := f.svc.OnPaymentSucceeded(ctx, "evt_a", "sub_a")
	require.NoError(t, err)
	assert.Equal(t, billing.SubscriptionActive, f.sub(t, "sub_a").Status)
	assert.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))

	_, err = f.svc.OnPaymentSucceeded(ctx, "evt_b", "sub_b")
	require.NoError(t, err)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))
}

func TestSetOnHoldNeverTouchesMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")
	f.fail(t, "sub_1", 2)

	_, err := f.svc.SetOnHold(ctx, "sub_1")
	require.NoError(t, err)

	sub := f.sub(t, "sub_1")
	assert.Equal(t, billing.SubscriptionOnHold, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Nil(t, sub.LastPaymentAttemptDate)
	assert.Empty(t, sub.LastPaymentFailureReason)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))

	_, err = f.svc.SetOnHold(ctx, "missing")
	requireKind(t, err, billing.KindNotFound)
}

func TestForceRetryPayment(t *testing.T) {
	t.Run("active subscription is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, "sub_1", billing.KindProduct)

		_, err := f.svc.ForceRetryPayment(context.Background(), "sub_1")
		requireKind(t, err, billing.KindPrecondition)
		assert.Empty(t, f.gateway.Charges())
	})

	t.Run("missing subscription", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.ForceRetryPayment(context.Background(), "missing")
		requireKind(t, err, billing.KindNotFound)
	})

	t.Run("no gateway", func(t *testing.T) {
		f := newFixture(t, billing.WithGateway(nil))
		f.subscription(t, "sub_1", billing.KindProduct)
		_, err := f.svc.SetOnHold(context.Background(), "sub_1")
		require.NoError(t, err)

		_, err = f.svc.ForceRetryPayment(context.Background(), "sub_1")
		requireKind(t, err, billing.KindNotImplemented)
	})

	t.Run("gateway without charging support", func(t *testing.T) {
		f := newFixture(t, billing.WithGateway(&gateway.Paddle{}))
		f.subscription(t, "sub_1", billing.KindProduct)
		_, err := f.svc.SetOnHold(context.Background(), "sub_1")
		require.NoError(t, err)

		_, err = f.svc.ForceRetryPayment(context.Background(), "sub_1")
		requireKind(t, err, billing.KindNotImplemented)
		assert.Equal(t, billing.SubscriptionOnHold, f.sub(t, "sub_1").Status)
	})

	t.Run("success recovers subscription and membership", func(t *testing.T) {
		f := newFixture(t)
		f.membership(t, "mem_1")
		f.linked(t, "sub_1", "mem_1")
		f.fail(t, "sub_1", 3)
		require.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))

		ack, err := f.svc.ForceRetryPayment(context.Background(), "sub_1")
		require.NoError(t, err)
		assert.True(t, ack.Success)

		sub := f.sub(t, "sub_1")
		assert.Equal(t, billing.SubscriptionActive, sub.Status)
		assert.Equal(t, 0, sub.PaymentFailureCount)
		assert.Empty(t, sub.LastPaymentFailureReason)
		assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))
		assert.Equal(t, []string{"sub_1"}, f.gateway.Charges())
	})

	t.Run("declined charge counts a failure", func(t *testing.T) {
		f := newFixture(t)
		f.subscription(t, "sub_1", billing.KindProduct)
		_, err := f.svc.SetOnHold(context.Background(), "sub_1")
		require.NoError(t, err)
		f.gateway.SetChargeOutcome(billing.ChargeOutcome{FailureReason: "expired_card"})

		ack, err := f.svc.ForceRetryPayment(context.Background(), "sub_1")
		require.NoError(t, err)
		assert.Contains(t, ack.Message, "expired_card")

		sub := f.sub(t, "sub_1")
		assert.Equal(t, billing.SubscriptionOnHold, sub.Status)
		assert.Equal(t, 1, sub.PaymentFailureCount)
		assert.Equal(t, "expired_card", sub.LastPaymentFailureReason)
	})

	t.Run("timeout leaves prior state", func(t *testing.T) {
		f := newFixture(t, billing.WithGatewayTimeout(10*time.Millisecond))
		f.subscription(t, "sub_1", billing.KindProduct)
		f.fail(t, "sub_1", 3)
		before := f.sub(t, "sub_1")
		f.gateway.SetLatency(time.Second)

		_, err := f.svc.ForceRetryPayment(context.Background(), "sub_1")
		requireKind(t, err, billing.KindGateway)

		var typed *billing.Error
		require.ErrorAs(t, err, &typed)
		assert.True(t, typed.Retryable())
		assert.Equal(t, before, f.sub(t, "sub_1"))
	})
}

func TestForceRetryIsThrottled(t *testing.T) {
	f := newFixture(t)
	f.subscription(t, "sub_1", billing.KindProduct)
	f.gateway.SetChargeOutcome(billing.ChargeOutcome{FailureReason: "declined"})

	svc := billing.NewService(f.store,
		billing.WithGateway(f.gateway),
		billing.WithClock(f.clock),
		billing.WithRetryLimiter(rate.NewLimiter(rate.Every(time.Hour), 1)),
	)
	_, err := svc.SetOnHold(context.Background(), "sub_1")
	require.NoError(t, err)

	_, err = svc.ForceRetryPayment(context.Background(), "sub_1")
	require.NoError(t, err)
	_, err = svc.ForceRetryPayment(context.Background(), "sub_1")
	requireKind(t, err, billing.KindGateway)
	assert.Len(t, f.gateway.Charges(), 1)
}

func TestLinkAndUnlink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.membership(t, "mem_2")
	f.subscription(t, "sub_1", billing.KindProduct)

	_, err := f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "mem_1")
	require.NoError(t, err)
	ack, err := f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "subscription already linked", ack.Message)

	_, err = f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "mem_2")
	requireKind(t, err, billing.KindConflict)

	_, err = f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "missing")
	requireKind(t, err, billing.KindNotFound)

	_, err = f.svc.Unlink(ctx, "sub_1", "mem_2")
	requireKind(t, err, billing.KindConflict)

	_, err = f.svc.Unlink(ctx, "sub_1", "mem_1")
	require.NoError(t, err)
	assert.Empty(t, f.sub(t, "sub_1").MembershipID)

	ack, err = f.svc.Unlink(ctx, "sub_1", "mem_1")
	require.NoError(t, err)
	assert.Equal(t, "subscription not linked", ack.Message)

	_, err = f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "mem_2")
	require.NoError(t, err)
	assert.Equal(t, "mem_2", f.sub(t, "sub_1").MembershipID)
}

func TestTransferSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.membership(t, "mem_2")
	f.linked(t, "sub_1", "mem_1")

	_, err := f.svc.TransferSubscription(ctx, "sub_1", "mem_2")
	require.NoError(t, err)
	assert.Equal(t, "mem_2", f.sub(t, "sub_1").MembershipID)

	_, err = f.svc.TransferSubscription(ctx, "sub_1", "missing")
	requireKind(t, err, billing.KindNotFound)

	history, err := f.svc.History(ctx, billing.AggregateSubscription, "sub_1")
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, billing.EventSubscriptionTransferred, last.EventType)
	assert.Equal(t, "mem_1", last.Data["from"])
}

func TestTerminalSubscriptionRejectsMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.subscription(t, "sub_1", billing.KindProduct)
	_, err := f.svc.Cancel(ctx, "sub_1", billing.CancelImmediate)
	require.NoError(t, err)

	_, err = f.svc.OnPaymentFailed(ctx, "evt_1", "sub_1", "declined")
	requireKind(t, err, billing.KindPrecondition)
	_, err = f.svc.SetOnHold(ctx, "sub_1")
	requireKind(t, err, billing.KindPrecondition)
	_, err = f.svc.ReschedulePayment(ctx, "sub_1", billing.KindProduct, f.clock.Now().Add(time.Hour))
	requireKind(t, err, billing.KindPrecondition)
	_, err = f.svc.LinkSubscriptionToMembership(ctx, "sub_1", "mem_1")
	requireKind(t, err, billing.KindPrecondition)
}

func TestUpdateMembershipStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")

	_, err := f.svc.UpdateMembershipStatus(ctx, "mem_1", billing.MembershipPaused)
	requireKind(t, err, billing.KindPrecondition)

	_, err = f.svc.UpdateMembershipStatus(ctx, "missing", billing.MembershipPaused)
	requireKind(t, err, billing.KindPrecondition)

	_, err = f.svc.UpdateMembershipStatus(ctx, "missing", billing.MembershipActive)
	requireKind(t, err, billing.KindNotFound)

	_, err = f.svc.UpdateMembershipStatus(ctx, "mem_1", billing.MembershipStatus("frozen"))
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.UpdateMembershipStatus(ctx, "mem_1", billing.MembershipCancelled)
	require.NoError(t, err)
	assert.Equal(t, billing.MembershipCancelled, f.membershipStatus(t, "mem_1"))
}

func TestCreateMembership(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	m, err := f.svc.CreateMembership(ctx, billing.NewMembership{
		CustomerEmail: "jane@example.com",
		ProductName:   "Studio",
		StartDate:     start,
		EndDate:       start.AddDate(0, 6, 0),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, billing.MembershipActive, m.Status)
	assert.Equal(t, 1, m.Version)

	_, err = f.svc.CreateMembership(ctx, billing.NewMembership{
		CustomerEmail: "jane@example.com",
		ProductName:   "Studio",
		StartDate:     start,
		EndDate:       start.AddDate(0, 6, 0),
		Status:        billing.MembershipPaused,
	})
	requireKind(t, err, billing.KindPrecondition)

	_, err = f.svc.CreateMembership(ctx, billing.NewMembership{
		CustomerEmail: "not-an-email",
		ProductName:   "Studio",
		StartDate:     start,
		EndDate:       start.AddDate(0, 6, 0),
	})
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.CreateMembership(ctx, billing.NewMembership{
		ID:            m.ID,
		CustomerEmail: "jane@example.com",
		ProductName:   "Studio",
		StartDate:     start,
		EndDate:       start.AddDate(0, 6, 0),
	})
	requireKind(t, err, billing.KindConflict)
}

func TestUpdateMembershipDates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	start := f.clock.Now().AddDate(0, 1, 0)

	_, err := f.svc.UpdateMembershipDates(ctx, "mem_1", billing.MembershipDates{StartDate: start, EndDate: start})
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.UpdateMembershipDates(ctx, "mem_1", billing.MembershipDates{StartDate: start, EndDate: start.AddDate(1, 0, 0)})
	require.NoError(t, err)

	m, err := f.svc.GetMembership(ctx, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, start, m.StartDate)
	assert.Equal(t, 2, m.Version)
}

func TestCreateSubscriptionRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.subscription(t, "sub_1", billing.KindProduct)

	_, err := f.svc.CreateSubscription(context.Background(), billing.NewSubscription{ID: "sub_1", Kind: billing.KindExtension})
	requireKind(t, err, billing.KindConflict)
}

func TestHandlePaymentEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscription(t, "sub_1", billing.KindProduct)

	_, err := f.svc.HandlePaymentEvent(ctx, billing.PaymentEvent{ID: "evt_1", Type: billing.PaymentFailed, SubscriptionID: "sub_1", Reason: "declined"})
	require.NoError(t, err)
	assert.Equal(t, 1, f.sub(t, "sub_1").PaymentFailureCount)

	_, err = f.svc.HandlePaymentEvent(ctx, billing.PaymentEvent{ID: "evt_2", Type: billing.PaymentSucceeded, SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, 0, f.sub(t, "sub_1").PaymentFailureCount)

	_, err = f.svc.HandlePaymentEvent(ctx, billing.PaymentEvent{ID: "evt_3", Type: "payment.refunded", SubscriptionID: "sub_1"})
	requireKind(t, err, billing.KindValidation)

	_, err = f.svc.HandlePaymentEvent(ctx, billing.PaymentEvent{ID: "evt_4", Type: billing.PaymentFailed})
	requireKind(t, err, billing.KindValidation)
}

func TestHistoryRecordsCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")
	f.fail(t, "sub_1", 3)

	history, err := f.svc.History(ctx, billing.AggregateMembership, "mem_1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, billing.EventMembershipCreated, history[0].EventType)
	assert.Equal(t, billing.EventMembershipPaused, history[1].EventType)
	assert.Equal(t, "sub_1", history[1].Data["subscription_id"])

	_, err = f.svc.History(ctx, billing.AggregateMembership, "nothing")
	requireKind(t, err, billing.KindNotFound)
}

func TestHistoryIsScopedToAggregateType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "shared_1")
	f.subscription(t, "shared_1", billing.KindProduct)
	_, err := f.svc.LinkSubscriptionToMembership(ctx, "shared_1", "shared_1")
	require.NoError(t, err)

	subs, err := f.svc.History(ctx, billing.AggregateSubscription, "shared_1")
	require.NoError(t, err)
	members, err := f.svc.History(ctx, billing.AggregateMembership, "shared_1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, billing.EventMembershipCreated, members[0].EventType)
	for _, c := range subs {
		assert.Equal(t, billing.AggregateSubscription, c.AggregateType)
	}

	_, err = f.svc.History(ctx, "invoice", "shared_1")
	requireKind(t, err, billing.KindValidation)
}

func TestConcurrentFailuresAreNotLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.OnPaymentFailed(ctx, fmt.Sprintf("evt_%d", i), "sub_1", "declined")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	sub := f.sub(t, "sub_1")
	assert.Equal(t, n, sub.PaymentFailureCount)
	assert.Equal(t, billing.SubscriptionOnHold, sub.Status)
	assert.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))

	history, err := f.svc.History(ctx, billing.AggregateMembership, "mem_1")
	require.NoError(t, err)
	assert.Len(t, history, 2, "membership pauses exactly once")
}

func TestConcurrentForceRetriesChargeOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")
	f.fail(t, "sub_1", 3)
	f.gateway.SetLatency(100 * time.Millisecond)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.ForceRetryPayment(ctx, "sub_1")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Contains(t, []billing.ErrorKind{billing.KindConflict, billing.KindPrecondition}, billing.KindOf(err), "error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, []string{"sub_1"}, f.gateway.Charges())

	sub := f.sub(t, "sub_1")
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Empty(t, sub.PendingGatewayOp)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))
}

func TestConcurrentImmediateCancelsCallGatewayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")
	f.gateway.SetLatency(100 * time.Millisecond)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Cancel(ctx, "sub_1", billing.CancelImmediate)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			requireKind(t, err, billing.KindConflict)
		}
	}
	assert.Equal(t, []string{"sub_1"}, f.gateway.Cancelled())
	assert.Equal(t, billing.SubscriptionCancelled, f.sub(t, "sub_1").Status)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))
}

func TestRetryRacingFailureWebhook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.membership(t, "mem_1")
	f.linked(t, "sub_1", "mem_1")
	f.fail(t, "sub_1", 3)
	require.Equal(t, billing.MembershipPaused, f.membershipStatus(t, "mem_1"))
	f.gateway.SetLatency(100 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.ForceRetryPayment(ctx, "sub_1")
		done <- err
	}()
	require.Eventually(t, func() bool {
		return f.sub(t, "sub_1").PendingGatewayOp == billing.GatewayOpCharge
	}, time.Second, 5*time.Millisecond)

	// A webhook lands while the charge is in flight; it is applied, while a
	// second gateway command is refused.
	_, err := f.svc.OnPaymentFailed(ctx, "evt_late", "sub_1", "card_declined")
	require.NoError(t, err)
	assert.Equal(t, 4, f.sub(t, "sub_1").PaymentFailureCount)
	_, err = f.svc.Cancel(ctx, "sub_1", billing.CancelImmediate)
	requireKind(t, err, billing.KindConflict)

	require.NoError(t, <-done)
	assert.Len(t, f.gateway.Charges(), 1)
	assert.Empty(t, f.gateway.Cancelled())

	sub := f.sub(t, "sub_1")
	assert.Equal(t, billing.SubscriptionActive, sub.Status)
	assert.Equal(t, 0, sub.PaymentFailureCount)
	assert.Empty(t, sub.PendingGatewayOp)
	assert.Equal(t, billing.MembershipActive, f.membershipStatus(t, "mem_1"))

	history, err := f.svc.History(ctx, billing.AggregateMembership, "mem_1")
	require.NoError(t, err)
	assert.Equal(t, billing.EventMembershipResumed, history[len(history)-1].EventType)
}

func TestExpiredGatewayClaimIsTakenOver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscription(t, "sub_1", billing.KindProduct)

	// A claim left behind by a process that died mid-call.
	err := f.store.WithinTx(ctx, func(tx billing.Tx) error {
		sub, err := tx.Subscription(ctx, "sub_1")
		if err != nil {
			return err
		}
		started := f.clock.Now()
		sub.PendingGatewayOp = billing.GatewayOpCharge
		sub.GatewayOpStartedAt = &started
		sub.Version++
		return tx.UpdateSubscription(ctx, sub, sub.Version-1)
	})
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, "sub_1", billing.CancelImmediate)
	requireKind(t, err, billing.KindConflict)
	assert.Empty(t, f.gateway.Cancelled())

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.Cancel(ctx, "sub_1", billing.CancelImmediate)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_1"}, f.gateway.Cancelled())
	assert.Empty(t, f.sub(t, "sub_1").PendingGatewayOp)
}
