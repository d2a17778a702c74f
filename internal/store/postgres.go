// internal/store/postgres.go
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"paydesk/internal/billing"
	"paydesk/pkg/eventstore"
)

const subscriptionColumns = `id, kind, catalog_item_id, status, membership_id, last_payment_attempt_date,
	last_payment_failure_reason, payment_failure_count, next_payment_date, cancel_at_period_end,
	cancelled_at, pending_gateway_op, gateway_op_started_at, created_at, updated_at, version`

const membershipColumns = `id, customer_email, customer_name, product_name, start_date, end_date,
	delayed_start_date, status, parent_order_id, created_at, updated_at, version`

// Postgres is the billing.Store backed by PostgreSQL. Row reads inside a
// transaction take FOR UPDATE locks; transactions aborted by serialization
// failures or deadlocks are retried.
type Postgres struct {
	db         *sql.DB
	events     *eventstore.EventStore
	tracer     trace.Tracer
	maxRetries int
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{
		db:         db,
		events:     eventstore.NewEventStore(),
		tracer:     otel.Tracer("paydesk/store"),
		maxRetries: 3,
	}
}

// WithinTx implements billing.Store.
func (p *Postgres) WithinTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	ctx, span := p.tracer.Start(ctx, "store.transaction")
	defer span.End()

	for attempt := 0; ; attempt++ {
		err := p.runTx(ctx, fn)
		if err == nil || !retryable(err) || attempt >= p.maxRetries {
			return err
		}
		span.AddEvent("transaction.retry", trace.WithAttributes(attribute.Int("attempt", attempt+1)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
}

func (p *Postgres) runTx(ctx context.Context, fn func(tx billing.Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&pgTx{tx: sqlTx, events: p.events}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// retryable reports serialization failures and deadlocks.
func retryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

// DueCancellations implements billing.Store.
func (p *Postgres) DueCancellations(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM subscriptions
		WHERE cancel_at_period_end
		AND status IN ('active', 'on_hold')
		AND (next_payment_date IS NULL OR next_payment_date <= $1)
		ORDER BY id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("query due cancellations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PurgeEvents implements billing.Store.
func (p *Postgres) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge processed events: %w", err)
	}
	return res.RowsAffected()
}

// History implements billing.Store.
func (p *Postgres) History(ctx context.Context, aggregateType, aggregateID string) ([]billing.Change, error) {
	events, err := p.events.Load(ctx, p.db, aggregateType, aggregateID, 0, 0)
	if err != nil {
		return nil, err
	}

	changes := make([]billing.Change, 0, len(events))
	for _, e := range events {
		c := billing.Change{
			AggregateID:   e.AggregateID,
			AggregateType: e.AggregateType,
			EventType:     e.EventType,
			Version:       e.Version,
			OccurredAt:    e.CreatedAt,
		}
		if err := json.Unmarshal(e.EventData, &c.Data); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		changes = append(changes, c)
	}
	return changes, nil
}

type pgTx struct {
	tx     *sql.Tx
	events *eventstore.EventStore
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub                                 billing.Subscription
		membershipID                        sql.NullString
		lastAttempt, nextPayment, cancelled sql.NullTime
		opStarted                           sql.NullTime
	)
	err := row.Scan(
		&sub.ID,
		&sub.Kind,
		&sub.CatalogItemID,
		&sub.Status,
		&membershipID,
		&lastAttempt,
		&sub.LastPaymentFailureReason,
		&sub.PaymentFailureCount,
		&nextPayment,
		&sub.CancelAtPeriodEnd,
		&cancelled,
		&sub.PendingGatewayOp,
		&opStarted,
		&sub.CreatedAt,
		&sub.UpdatedAt,
		&sub.Version,
	)
	if err != nil {
		return nil, err
	}
	sub.MembershipID = membershipID.String
	sub.LastPaymentAttemptDate = timePtr(lastAttempt)
	sub.NextPaymentDate = timePtr(nextPayment)
	sub.CancelledAt = timePtr(cancelled)
	sub.GatewayOpStartedAt = timePtr(opStarted)
	return &sub, nil
}

func scanMembership(row rowScanner) (*billing.Membership, error) {
	var (
		m       billing.Membership
		delayed sql.NullTime
	)
	err := row.Scan(
		&m.ID,
		&m.CustomerEmail,
		&m.CustomerName,
		&m.ProductName,
		&m.StartDate,
		&m.EndDate,
		&delayed,
		&m.Status,
		&m.ParentOrderID,
		&m.CreatedAt,
		&m.UpdatedAt,
		&m.Version,
	)
	if err != nil {
		return nil, err
	}
	m.DelayedStartDate = timePtr(delayed)
	return &m, nil
}

func (t *pgTx) Subscription(ctx context.Context, id string) (*billing.Subscription, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrRecordNotFound
	}
	return sub, err
}

func (t *pgTx) Membership(ctx context.Context, id string) (*billing.Membership, error) {
	row := t.tx.QueryRowContext(ctx, `SELECT `+membershipColumns+` FROM memberships WHERE id = $1 FOR UPDATE`, id)
	m, err := scanMembership(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrRecordNotFound
	}
	return m, err
}

func (t *pgTx) LinkedSubscriptions(ctx context.Context, membershipID string) ([]billing.Subscription, error) {
	rows, err := t.tx.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE membership_id = $1 ORDER BY id FOR UPDATE`, membershipID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func (t *pgTx) InsertSubscription(ctx context.Context, sub *billing.Subscription) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		sub.ID, sub.Kind, sub.CatalogItemID, sub.Status, nullString(sub.MembershipID),
		sub.LastPaymentAttemptDate, sub.LastPaymentFailureReason, sub.PaymentFailureCount,
		sub.NextPaymentDate, sub.CancelAtPeriodEnd, sub.CancelledAt,
		sub.PendingGatewayOp, sub.GatewayOpStartedAt,
		sub.CreatedAt, sub.UpdatedAt, sub.Version,
	)
	return uniqueViolation(err)
}

func (t *pgTx) InsertMembership(ctx context.Context, m *billing.Membership) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO memberships (`+membershipColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		m.ID, m.CustomerEmail, m.CustomerName, m.ProductName, m.StartDate, m.EndDate,
		m.DelayedStartDate, m.Status, m.ParentOrderID, m.CreatedAt, m.UpdatedAt, m.Version,
	)
	return uniqueViolation(err)
}

func (t *pgTx) UpdateSubscription(ctx context.Context, sub *billing.Subscription, expectedVersion int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = $2,
			membership_id = $3,
			last_payment_attempt_date = $4,
			last_payment_failure_reason = $5,
			payment_failure_count = $6,
			next_payment_date = $7,
			cancel_at_period_end = $8,
			cancelled_at = $9,
			pending_gateway_op = $10,
			gateway_op_started_at = $11,
			updated_at = $12,
			version = $13
		WHERE id = $1 AND version = $14
	`,
		sub.ID, sub.Status, nullString(sub.MembershipID), sub.LastPaymentAttemptDate,
		sub.LastPaymentFailureReason, sub.PaymentFailureCount, sub.NextPaymentDate,
		sub.CancelAtPeriodEnd, sub.CancelledAt, sub.PendingGatewayOp, sub.GatewayOpStartedAt,
		sub.UpdatedAt, sub.Version, expectedVersion,
	)
	return versioned(res, err)
}

func (t *pgTx) UpdateMembership(ctx context.Context, m *billing.Membership, expectedVersion int) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE memberships SET
			start_date = $2,
			end_date = $3,
			delayed_start_date = $4,
			status = $5,
			updated_at = $6,
			version = $7
		WHERE id = $1 AND version = $8
	`, m.ID, m.StartDate, m.EndDate, m.DelayedStartDate, m.Status, m.UpdatedAt, m.Version, expectedVersion)
	return versioned(res, err)
}

func (t *pgTx) ClaimEvent(ctx context.Context, eventID string, at time.Time) (bool, error) {
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, processed_at)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Record appends changes after checking each one is newer than the journal.
// Versions can skip numbers, so a stale writer is caught here rather than by
// the unique index alone.
func (t *pgTx) Record(ctx context.Context, changes ...billing.Change) error {
	for _, c := range changes {
		current, err := t.events.CurrentVersion(ctx, t.tx, c.AggregateType, c.AggregateID)
		if err != nil {
			return err
		}
		if c.Version <= current {
			return billing.ErrVersionConflict
		}

		data, err := json.Marshal(c.Data)
		if err != nil {
			return fmt.Errorf("marshal %s data: %w", c.EventType, err)
		}
		err = t.events.Append(ctx, t.tx, c.AggregateID, c.AggregateType, []eventstore.Event{{
			EventType: c.EventType,
			EventData: data,
			Version:   c.Version,
			CreatedAt: c.OccurredAt,
		}})
		if errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return billing.ErrVersionConflict
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func versioned(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return billing.ErrVersionConflict
	}
	return nil
}

func uniqueViolation(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return billing.ErrRecordExists
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
