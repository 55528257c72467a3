package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"awards-be/internal/domain"
	"awards-be/pkg/database"
)

// SQLiteOutbox implements OutboxRepository on SQLite
type SQLiteOutbox struct {
	db *database.SQLiteDB
}

// NewSQLiteOutbox creates an outbox repository
func NewSQLiteOutbox(db *database.SQLiteDB) *SQLiteOutbox {
	return &SQLiteOutbox{db: db}
}

func sqliteInsertOutbox(ctx context.Context, tx *sql.Tx, e *domain.OutboxEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_entries (id, event_type, aggregate_id, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.AggregateID, string(e.Payload), e.Status, e.Attempts,
		toMicros(e.NextAttemptAt), toMicros(e.CreatedAt), toMicros(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

const sqliteOutboxColumns = `id, event_type, aggregate_id, payload, status, attempts, next_attempt_at,
	claimed_at, claim_id, last_error, created_at, updated_at, processed_at`

func sqliteScanEntry(row interface{ Scan(...any) error }) (*domain.OutboxEntry, error) {
	var e domain.OutboxEntry
	var payload string
	var nextAttemptAt, createdAt, updatedAt int64
	var claimedAt, processedAt sql.NullInt64
	err := row.Scan(&e.ID, &e.EventType, &e.AggregateID, &payload, &e.Status, &e.Attempts, &nextAttemptAt,
		&claimedAt, &e.ClaimID, &e.LastError, &createdAt, &updatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	e.NextAttemptAt = fromMicros(nextAttemptAt)
	e.ClaimedAt = nullMicros(claimedAt)
	e.CreatedAt = fromMicros(createdAt)
	e.UpdatedAt = fromMicros(updatedAt)
	e.ProcessedAt = nullMicros(processedAt)
	return &e, nil
}

func (o *SQLiteOutbox) queryEntries(ctx context.Context, op, query string, args ...any) ([]*domain.OutboxEntry, error) {
	rows, err := o.db.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(op, err)
	}
	defer rows.Close()

	entries := []*domain.OutboxEntry{}
	for rows.Next() {
		e, err := sqliteScanEntry(rows)
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

// ClaimDue claims due entries with a single UPDATE ... RETURNING. Every
// claim gets a fresh claim id that later transitions must present.
func (o *SQLiteOutbox) ClaimDue(ctx context.Context, now, leaseExpiredBefore time.Time, limit int) ([]*domain.OutboxEntry, error) {
	entries, err := o.queryEntries(ctx, "claim outbox entries", `
		UPDATE outbox_entries
		SET status = 'processing', claimed_at = ?, claim_id = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM outbox_entries
			WHERE (status = 'pending' AND next_attempt_at <= ?)
			   OR (status = 'processing' AND claimed_at <= ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?
		)
		RETURNING `+sqliteOutboxColumns,
		toMicros(now), uuid.NewString(), toMicros(now), toMicros(now), toMicros(leaseExpiredBefore), limit,
	)
	if err != nil {
		return nil, err
	}
	sortEntries(entries)
	return entries, nil
}

func (o *SQLiteOutbox) execClaimed(ctx context.Context, op, query string, args ...any) error {
	res, err := o.db.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return storageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError(op, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Renew extends the lease of a claimed entry
func (o *SQLiteOutbox) Renew(ctx context.Context, id, claimID string, at time.Time) error {
	return o.execClaimed(ctx, "renew outbox claim", `
		UPDATE outbox_entries
		SET claimed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?`,
		toMicros(at), toMicros(at), id, claimID)
}

// MarkDone records a successful delivery
func (o *SQLiteOutbox) MarkDone(ctx context.Context, id, claimID string, at time.Time) error {
	return o.execClaimed(ctx, "mark outbox entry done", `
		UPDATE outbox_entries
		SET status = 'done', processed_at = ?, updated_at = ?, claimed_at = NULL, claim_id = '', last_error = ''
		WHERE id = ? AND status = 'processing' AND claim_id = ?`,
		toMicros(at), toMicros(at), id, claimID)
}

// MarkRetry records a failed attempt
func (o *SQLiteOutbox) MarkRetry(ctx context.Context, id, claimID string, attempts int, next time.Time, lastErr string) error {
	return o.execClaimed(ctx, "mark outbox entry for retry", `
		UPDATE outbox_entries
		SET status = 'pending', attempts = ?, next_attempt_at = ?, last_error = ?, claimed_at = NULL, claim_id = '', updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?`,
		attempts, toMicros(next), truncateError(lastErr), toMicros(clockNow()), id, claimID)
}

// MarkFailed moves an entry to the failed state
func (o *SQLiteOutbox) MarkFailed(ctx context.Context, id, claimID string, attempts int, lastErr string) error {
	return o.execClaimed(ctx, "mark outbox entry failed", `
		UPDATE outbox_entries
		SET status = 'failed', attempts = ?, last_error = ?, claimed_at = NULL, claim_id = '', updated_at = ?
		WHERE id = ? AND status = 'processing' AND claim_id = ?`,
		attempts, truncateError(lastErr), toMicros(clockNow()), id, claimID)
}

// Requeue moves a failed entry back to pending
func (o *SQLiteOutbox) Requeue(ctx context.Context, id string, at time.Time) error {
	res, err := o.db.DB.ExecContext(ctx, `
		UPDATE outbox_entries
		SET status = 'pending', attempts = 0, next_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = 'failed'`,
		toMicros(at), toMicros(at), id)
	if err != nil {
		return storageError("requeue outbox entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("failed outbox entry", id)
	}
	return nil
}

// Get retrieves one entry
func (o *SQLiteOutbox) Get(ctx context.Context, id string) (*domain.OutboxEntry, error) {
	e, err := sqliteScanEntry(o.db.DB.QueryRowContext(ctx,
		`SELECT `+sqliteOutboxColumns+` FROM outbox_entries WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, notFound("outbox entry", id)
	}
	if err != nil {
		return nil, storageError("get outbox entry", err)
	}
	return e, nil
}

// ListFailed returns failed entries
func (o *SQLiteOutbox) ListFailed(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	return o.queryEntries(ctx, "list failed outbox entries",
		`SELECT `+sqliteOutboxColumns+` FROM outbox_entries
		WHERE status = 'failed'
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
}

// ListByAggregate returns the entries of one aggregate
func (o *SQLiteOutbox) ListByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEntry, error) {
	return o.queryEntries(ctx, "list outbox entries",
		`SELECT `+sqliteOutboxColumns+` FROM outbox_entries
		WHERE aggregate_id = ?
		ORDER BY created_at ASC, id ASC`, aggregateID)
}

// CountByStatus returns entry counts per status
func (o *SQLiteOutbox) CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error) {
	rows, err := o.db.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_entries GROUP BY status`)
	if err != nil {
		return nil, storageError("count outbox entries", err)
	}
	defer rows.Close()

	counts := make(map[domain.OutboxStatus]int64)
	for rows.Next() {
		var status domain.OutboxStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageError("count outbox entries", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("count outbox entries", err)
	}
	return counts, nil
}
