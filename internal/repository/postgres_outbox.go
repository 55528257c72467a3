package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"awards-be/internal/domain"
	"awards-be/pkg/database"
)

// PostgresOutbox implements OutboxRepository on PostgreSQL
type PostgresOutbox struct {
	db *database.PostgresDB
}

// NewPostgresOutbox creates an outbox repository
func NewPostgresOutbox(db *database.PostgresDB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

func pgInsertOutbox(ctx context.Context, tx pgx.Tx, e *domain.OutboxEntry) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_entries (id, event_type, aggregate_id, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.EventType, e.AggregateID, string(e.Payload), string(e.Status), e.Attempts,
		e.NextAttemptAt, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

const pgOutboxColumns = `id, event_type, aggregate_id, payload, status, attempts, next_attempt_at,
	claimed_at, claim_id, last_error, created_at, updated_at, processed_at`

func pgScanEntry(row pgx.Row) (*domain.OutboxEntry, error) {
	var e domain.OutboxEntry
	var payload []byte
	var status string
	err := row.Scan(&e.ID, &e.EventType, &e.AggregateID, &payload, &status, &e.Attempts, &e.NextAttemptAt,
		&e.ClaimedAt, &e.ClaimID, &e.LastError, &e.CreatedAt, &e.UpdatedAt, &e.ProcessedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	e.Status = domain.OutboxStatus(status)
	return &e, nil
}

func (o *PostgresOutbox) queryEntries(ctx context.Context, op, query string, args ...any) ([]*domain.OutboxEntry, error) {
	rows, err := o.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	entries := []*domain.OutboxEntry{}
	for rows.Next() {
		e, err := pgScanEntry(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return entries, nil
}

// ClaimDue claims due entries. SKIP LOCKED lets several dispatchers poll
// concurrently without handing the same entry to two of them, and the claim
// id fences a dispatcher whose lease was taken over.
func (o *PostgresOutbox) ClaimDue(ctx context.Context, now, leaseExpiredBefore time.Time, limit int) ([]*domain.OutboxEntry, error) {
	entries, err := o.queryEntries(ctx, "claim outbox entries", `
		WITH due AS (
			SELECT id FROM outbox_entries
			WHERE (status = 'pending' AND next_attempt_at <= $1)
			   OR (status = 'processing' AND claimed_at <= $2)
			ORDER BY created_at ASC, id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET status = 'processing', claimed_at = $1, claim_id = $4, updated_at = $1
		FROM due
		WHERE o.id = due.id
		RETURNING o.id, o.event_type, o.aggregate_id, o.payload, o.status, o.attempts, o.next_attempt_at,
			o.claimed_at, o.claim_id, o.last_error, o.created_at, o.updated_at, o.processed_at`,
		now, leaseExpiredBefore, limit, uuid.NewString(),
	)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (o *PostgresOutbox) execClaimed(ctx context.Context, op, query string, args ...any) error {
	tag, err := o.db.Pool.Exec(ctx, query, args...)
	if err != nil {
		return storageError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Renew extends the lease of a claimed entry
func (o *PostgresOutbox) Renew(ctx context.Context, id, claimID string, at time.Time) error {
	return o.execClaimed(ctx, "renew outbox claim", `
		UPDATE outbox_entries
		SET claimed_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'processing' AND claim_id = $3`,
		at, id, claimID)
}

// MarkDone records a successful delivery
func (o *PostgresOutbox) MarkDone(ctx context.Context, id, claimID string, at time.Time) error {
	return o.execClaimed(ctx, "mark outbox entry done", `
		UPDATE outbox_entries
		SET status = 'done', processed_at = $1, updated_at = $1, claimed_at = NULL, claim_id = '', last_error = ''
		WHERE id = $2 AND status = 'processing' AND claim_id = $3`,
		at, id, claimID)
}

// MarkRetry records a failed attempt
func (o *PostgresOutbox) MarkRetry(ctx context.Context, id, claimID string, attempts int, next time.Time, lastErr string) error {
	return o.execClaimed(ctx, "mark outbox entry for retry", `
		UPDATE outbox_entries
		SET status = 'pending', attempts = $1, next_attempt_at = $2, last_error = $3, claimed_at = NULL, claim_id = '', updated_at = NOW()
		WHERE id = $4 AND status = 'processing' AND claim_id = $5`,
		attempts, next, truncateError(lastErr), id, claimID)
}

// MarkFailed moves an entry to the failed state
func (o *PostgresOutbox) MarkFailed(ctx context.Context, id, claimID string, attempts int, lastErr string) error {
	return o.execClaimed(ctx, "mark outbox entry failed", `
		UPDATE outbox_entries
		SET status = 'failed', attempts = $1, last_error = $2, claimed_at = NULL, claim_id = '', updated_at = NOW()
		WHERE id = $3 AND status = 'processing' AND claim_id = $4`,
		attempts, truncateError(lastErr), id, claimID)
}

// Requeue moves a failed entry back to pending
func (o *PostgresOutbox) Requeue(ctx context.Context, id string, at time.Time) error {
	tag, err := o.db.Pool.Exec(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', attempts = 0, next_attempt_at = $1, updated_at = $1
		WHERE id = $2 AND status = 'failed'`,
		at, id)
	if err != nil {
		return storageError("requeue outbox entry", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("failed outbox entry", id)
	}
	return nil
}

// Get retrieves one entry
func (o *PostgresOutbox) Get(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	e, err := pgScanEntry(o.db.Pool.QueryRow(ctx,
		`SELECT `+pgOutboxColumns+` FROM outbox_entries WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("outbox entry", id)
	}
	if err != nil {
		return nil, storageError("get outbox entry", err)
	}
	return e, nil
}

// ListFailed returns failed entries
func (o *PostgresOutbox) ListFailed(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	return o.queryEntries(ctx, "list failed outbox entries",
		`SELECT `+pgOutboxColumns+` FROM outbox_entries
		WHERE status = 'failed'
		ORDER BY created_at ASC, id ASC
		LIMIT $1`, limit)
}

// ListByAggregate returns the entries of one aggregate
func (o *PostgresOutbox) ListByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEntry, error) {
	return o.queryEntries(ctx, "list outbox entries",
		`SELECT `+pgOutboxColumns+` FROM outbox_entries
		WHERE aggregate_id = $1
		ORDER BY created_at ASC, id ASC`, aggregateID)
}

// CountByStatus returns entry counts per status
func (o *PostgresOutbox) CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	rows, err := o.db.Pool.Query(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, storageError("count outbox entries", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageError("count outbox entries", err)
		}
		counts[domain.OutboxStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count outbox entries", err)
	}
	return counts, nil
}
