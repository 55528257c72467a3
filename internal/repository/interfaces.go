package repository

import (
	"context"
	"errors"
	"time"

	"awards-be/internal/domain"
)

// ErrNotClaimed is returned when an outbox transition targets an entry that is
// no longer held under the caller's claim, e.g. after its lease was taken over.
var ErrNotClaimed = errors.New("outbox entry is not claimed")

// Ledger is the authoritative store of votes and vote counts. Every change it
// makes is committed together with the outbox entry describing it.
type Ledger interface {
	// CastVote records one vote and increments the nomination's system votes
	CastVote(ctx context.Context, in domain.CastVoteInput) (*domain.VoteResult, error)

	// SetManualAdjustment sets (not adds) the manual vote adjustment of a nomination
	SetManualAdjustment(ctx context.Context, nominationID string, value int64, actor, reason string) (*domain.VoteCount, error)

	// GetVoteCount returns the current counts of a nomination
	GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error)

	// GetNomination retrieves a nomination with its counts
	GetNomination(ctx context.Context, nominationID string) (*domain.Nomination, error)

	// GetCategory retrieves a category
	GetCategory(ctx context.Context, categoryID string) (*domain.Category, error)

	// SetNominationState moves a nomination to a moderation state
	SetNominationState(ctx context.Context, nominationID string, state domain.NominationState) (*domain.Nomination, error)

	// ListCategoryTotals lists approved nominations of a category by displayed total
	ListCategoryTotals(ctx context.Context, categoryID string) ([]domain.Nomination, error)

	// ListAdjustments returns the adjustment audit trail of a nomination, oldest first
	ListAdjustments(ctx context.Context, nominationID string) ([]domain.VoteAdjustment, error)

	// UpsertCategory creates or renames a category
	UpsertCategory(ctx context.Context, category *domain.Category) error

	// UpsertNomination creates a nomination or updates its descriptive fields.
	// Counts and state of an existing nomination are left untouched.
	UpsertNomination(ctx context.Context, nomination *domain.Nomination) error

	// Health checks the underlying store
	Health(ctx context.Context) error
}

// OutboxRepository is the dispatcher's view of the outbox table
type OutboxRepository interface {
	// ClaimDue moves up to limit due entries to processing and returns them
	// oldest first. Due means pending with next_attempt_at <= now, or
	// processing with a claim older than leaseExpiredBefore.
	ClaimDue(ctx context.Context, now, leaseExpiredBefore time.Time, limit int) ([]*domain.OutboxEntry, error)

	// Renew restarts the lease of an entry still held under claimID.
	// ErrNotClaimed means another dispatcher has taken the entry over.
	Renew(ctx context.Context, id, claimID string, at time.Time) error

	// MarkDone records a successful delivery. Like MarkRetry and MarkFailed
	// it only applies while the entry is still held under claimID.
	MarkDone(ctx context.Context, id, claimID string, at time.Time) error

	// MarkRetry records a failed attempt and schedules the next one
	MarkRetry(ctx context.Context, id, claimID string, attempts int, next time.Time, lastErr string) error

	// MarkFailed moves an entry to the terminal failed state
	MarkFailed(ctx context.Context, id, claimID string, attempts int, lastErr string) error

	// Requeue moves a failed entry back to pending with its attempts reset
	Requeue(ctx context.Context, id string, at time.Time) error

	// Get retrieves one entry
	Get(ctx context.Context, id string) (*domain.OutboxEntry, error)

	// ListFailed returns failed entries, oldest first
	ListFailed(ctx context.Context, limit int) ([]*domain.OutboxEntry, error)

	// ListByAggregate returns all entries of an aggregate, oldest first
	ListByAggregate(ctx context.Context, aggregateID string) ([]*domain.OutboxEntry, error)

	// CountByStatus returns the number of entries per status
	CountByStatus(ctx context.Context) (map[domain.OutboxStatus]int64, error)
}

// Repositories aggregates all repository interfaces
type Repositories struct {
	Ledger Ledger
	Outbox OutboxRepository
}
