// internal/store/memory.go
package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"paydesk/internal/billing"
)

// Memory is an in-process billing.Store. Transactions are serialized by a
// single mutex and staged writes are applied only on commit.
type Memory struct {
	mu            sync.Mutex
	subscriptions map[string]billing.Subscription
	memberships   map[string]billing.Membership
	processed     map[string]time.Time
	journal       []billing.Change
}

func NewMemory() *Memory {
	return &Memory{
		subscriptions: make(map[string]billing.Subscription),
		memberships:   make(map[string]billing.Membership),
		processed:     make(map[string]time.Time),
	}
}

// WithinTx implements billing.Store.
func (m *Memory) WithinTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{
		parent:        m,
		subscriptions: make(map[string]billing.Subscription),
		memberships:   make(map[string]billing.Membership),
		claimed:       make(map[string]time.Time),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for id, sub := range tx.subscriptions {
		m.subscriptions[id] = sub
	}
	for id, ms := range tx.memberships {
		m.memberships[id] = ms
	}
	for id, at := range tx.claimed {
		m.processed[id] = at
	}
	m.journal = append(m.journal, tx.changes...)
	return nil
}

// DueCancellations implements billing.Store.
func (m *Memory) DueCancellations(_ context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, sub := range m.subscriptions {
		if dueForCancellation(sub, now) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func dueForCancellation(sub billing.Subscription, now time.Time) bool {
	if !sub.CancelAtPeriodEnd || sub.Status.Terminal() {
		return false
	}
	return sub.NextPaymentDate == nil || !sub.NextPaymentDate.After(now)
}

// PurgeEvents implements billing.Store.
func (m *Memory) PurgeEvents(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, at := range m.processed {
		if at.Before(cutoff) {
			delete(m.processed, id)
			purged++
		}
	}
	return purged, nil
}

// History implements billing.Store.
func (m *Memory) History(_ context.Context, aggregateType, aggregateID string) ([]billing.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var changes []billing.Change
	for _, c := range m.journal {
		if c.AggregateType == aggregateType && c.AggregateID == aggregateID {
			changes = append(changes, c)
		}
	}
	return changes, nil
}

type memoryTx struct {
	parent        *Memory
	subscriptions map[string]billing.Subscription
	memberships   map[string]billing.Membership
	claimed       map[string]time.Time
	changes       []billing.Change
}

func (tx *memoryTx) subscription(id string) (billing.Subscription, bool) {
	if sub, ok := tx.subscriptions[id]; ok {
		return sub, true
	}
	sub, ok := tx.parent.subscriptions[id]
	return sub, ok
}

func (tx *memoryTx) membership(id string) (billing.Membership, bool) {
	if ms, ok := tx.memberships[id]; ok {
		return ms, true
	}
	ms, ok := tx.parent.memberships[id]
	return ms, ok
}

func (tx *memoryTx) Subscription(_ context.Context, id string) (*billing.Subscription, error) {
	sub, ok := tx.subscription(id)
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return cloneSubscription(sub), nil
}

func (tx *memoryTx) Membership(_ context.Context, id string) (*billing.Membership, error) {
	ms, ok := tx.membership(id)
	if !ok {
		return nil, billing.ErrRecordNotFound
	}
	return cloneMembership(ms), nil
}

func (tx *memoryTx) LinkedSubscriptions(_ context.Context, membershipID string) ([]billing.Subscription, error) {
	ids := make([]string, 0)
	for id := range tx.parent.subscriptions {
		ids = append(ids, id)
	}
	for id := range tx.subscriptions {
		if _, ok := tx.parent.subscriptions[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	var linked []billing.Subscription
	for _, id := range ids {
		sub, _ := tx.subscription(id)
		if sub.MembershipID == membershipID {
			linked = append(linked, *cloneSubscription(sub))
		}
	}
	return linked, nil
}

func (tx *memoryTx) InsertSubscription(_ context.Context, sub *billing.Subscription) error {
	if _, ok := tx.subscription(sub.ID); ok {
		return billing.ErrRecordExists
	}
	tx.subscriptions[sub.ID] = *cloneSubscription(*sub)
	return nil
}

func (tx *memoryTx) InsertMembership(_ context.Context, ms *billing.Membership) error {
	if _, ok := tx.membership(ms.ID); ok {
		return billing.ErrRecordExists
	}
	tx.memberships[ms.ID] = *cloneMembership(*ms)
	return nil
}

func (tx *memoryTx) UpdateSubscription(_ context.Context, sub *billing.Subscription, expectedVersion int) error {
	current, ok := tx.subscription(sub.ID)
	if !ok {
		return billing.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return billing.ErrVersionConflict
	}
	tx.subscriptions[sub.ID] = *cloneSubscription(*sub)
	return nil
}

func (tx *memoryTx) UpdateMembership(_ context.Context, ms *billing.Membership, expectedVersion int) error {
	current, ok := tx.membership(ms.ID)
	if !ok {
		return billing.ErrRecordNotFound
	}
	if current.Version != expectedVersion {
		return billing.ErrVersionConflict
	}
	tx.memberships[ms.ID] = *cloneMembership(*ms)
	return nil
}

func (tx *memoryTx) ClaimEvent(_ context.Context, eventID string, at time.Time) (bool, error) {
	if _, ok := tx.claimed[eventID]; ok {
		return false, nil
	}
	if _, ok := tx.parent.processed[eventID]; ok {
		return false, nil
	}
	tx.claimed[eventID] = at
	return true, nil
}

func (tx *memoryTx) Record(_ context.Context, changes ...billing.Change) error {
	for _, c := range changes {
		if c.Version <= tx.journalVersion(c.AggregateType, c.AggregateID) {
			return billing.ErrVersionConflict
		}
		data := make(map[string]any, len(c.Data))
		for k, v := range c.Data {
			data[k] = v
		}
		c.Data = data
		tx.changes = append(tx.changes, c)
	}
	return nil
}

func (tx *memoryTx) journalVersion(aggregateType, aggregateID string) int {
	latest := 0
	for _, journal := range [][]billing.Change{tx.parent.journal, tx.changes} {
		for _, c := range journal {
			if c.AggregateType == aggregateType && c.AggregateID == aggregateID && c.Version > latest {
				latest = c.Version
			}
		}
	}
	return latest
}

func cloneSubscription(sub billing.Subscription) *billing.Subscription {
	out := sub
	out.LastPaymentAttemptDate = cloneTime(sub.LastPaymentAttemptDate)
	out.NextPaymentDate = cloneTime(sub.NextPaymentDate)
	out.CancelledAt = cloneTime(sub.CancelledAt)
	out.GatewayOpStartedAt = cloneTime(sub.GatewayOpStartedAt)
	return &out
}

func cloneMembership(ms billing.Membership) *billing.Membership {
	out := ms
	out.DelayedStartDate = cloneTime(ms.DelayedStartDate)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ProcessedEvents lists the deduplication ids currently retained.
func (m *Memory) ProcessedEvents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.processed))
	for id := range m.processed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
