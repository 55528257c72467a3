package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awards-be/internal/domain"
)

func castVotes(t *testing.T, ledger Ledger, n int) []string {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		res, err := ledger.CastVote(context.Background(), voteInput(fmt.Sprintf("o%d@x.com", i), "C1", "N1"))
		require.NoError(t, err)
		ids = append(ids, res.VoteID)
	}
	return ids
}

// drain claims and completes the approval events created by seeding
func drain(t *testing.T, outbox *SQLiteOutbox, now time.Time) {
	ctx := context.Background()
	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-time.Hour), 100)
	require.NoError(t, err)
	for _, e := range claimed {
		require.NoError(t, outbox.MarkDone(ctx, e.ID, e.ClaimID, now))
	}
}

func TestSQLiteOutbox_ClaimDue(t *testing.T) {
	_, ledger, outbox := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Minute)
	drain(t, outbox, now)

	votes := castVotes(t, ledger, 5)

	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 3)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	for i, e := range claimed {
		assert.Equal(t, votes[i], e.AggregateID, "entries are claimed oldest first")
		assert.Equal(t, domain.OutboxProcessing, e.Status)
		require.NotNil(t, e.ClaimedAt)
	}

	rest, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, votes[3], rest[0].AggregateID)

	again, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "processing entries within their lease are not reclaimed")
}

func TestSQLiteOutbox_LeaseExpiredReclaim(t *testing.T) {
	_, ledger, outbox := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Minute)
	drain(t, outbox, now)

	castVotes(t, ledger, 1)

	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	later := now.Add(6 * time.Minute)
	reclaimed, err := outbox.ClaimDue(ctx, later, later.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, claimed[0].ID, reclaimed[0].ID)
	assert.NotEqual(t, claimed[0].ClaimID, reclaimed[0].ClaimID)

	stale := claimed[0]
	assert.ErrorIs(t, outbox.Renew(ctx, stale.ID, stale.ClaimID, later), ErrNotClaimed)
	assert.ErrorIs(t, outbox.MarkDone(ctx, stale.ID, stale.ClaimID, later), ErrNotClaimed)
	assert.ErrorIs(t, outbox.MarkRetry(ctx, stale.ID, stale.ClaimID, 1, later, "late"), ErrNotClaimed)
	assert.ErrorIs(t, outbox.MarkFailed(ctx, stale.ID, stale.ClaimID, 1, "late"), ErrNotClaimed)

	require.NoError(t, outbox.MarkDone(ctx, reclaimed[0].ID, reclaimed[0].ClaimID, later))
}

func TestSQLiteOutbox_RenewKeepsLease(t *testing.T) {
	_, ledger, outbox := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Minute)
	drain(t, outbox, now)

	castVotes(t, ledger, 1)
	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	renewedAt := now.Add(4 * time.Minute)
	require.NoError(t, outbox.Renew(ctx, claimed[0].ID, claimed[0].ClaimID, renewedAt))

	later := now.Add(6 * time.Minute)
	none, err := outbox.ClaimDue(ctx, later, later.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, none, "a renewed lease is measured from the renewal")

	assert.ErrorIs(t, outbox.Renew(ctx, claimed[0].ID, "someone-else", later), ErrNotClaimed)
}

func TestSQLiteOutbox_DoneIsNeverRedelivered(t *testing.T) {
	_, ledger, outbox := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Minute)
	drain(t, outbox, now)

	castVotes(t, ledger, 1)
	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id, claim := claimed[0].ID, claimed[0].ClaimID

	require.NoError(t, outbox.MarkDone(ctx, id, claim, now))
	assert.ErrorIs(t, outbox.MarkDone(ctx, id, claim, now), ErrNotClaimed)
	assert.ErrorIs(t, outbox.MarkRetry(ctx, id, claim, 1, now, "late failure"), ErrNotClaimed)
	assert.ErrorIs(t, outbox.Renew(ctx, id, claim, now), ErrNotClaimed)

	far := now.Add(24 * time.Hour)
	again, err := outbox.ClaimDue(ctx, far, far, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	e, err := outbox.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxDone, e.Status)
	require.NotNil(t, e.ProcessedAt)
	assert.Nil(t, e.ClaimedAt)
}

func TestSQLiteOutbox_RetryFailRequeue(t *testing.T) {
	_, ledger, outbox := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().Add(time.Minute)
	drain(t, outbox, now)

	castVotes(t, ledger, 1)
	claimed, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	id := claimed[0].ID

	next := now.Add(30 * time.Second)
	require.NoError(t, outbox.MarkRetry(ctx, id, claimed[0].ClaimID, 1, next, "crm: 503"))

	e, err := outbox.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "crm: 503", e.LastError)
	assert.True(t, e.NextAttemptAt.Equal(next.UTC().Truncate(time.Microsecond)))

	notYet, err := outbox.ClaimDue(ctx, now, now.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, notYet)

	claimed, err = outbox.ClaimDue(ctx, next, next.Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, outbox.MarkFailed(ctx, id, claimed[0].ClaimID, 2, "crm: 400"))

	failed, err := outbox.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, id, failed[0].ID)

	counts, err := outbox.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[domain.OutboxFailed])

	require.NoError(t, outbox.Requeue(ctx, id, next))
	e, err = outbox.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, e.Status)
	assert.Zero(t, e.Attempts)

	assert.ErrorIs(t, outbox.Requeue(ctx, id, next), domain.ErrNotFound)
}

func TestSQLiteOutbox_GetMissing(t *testing.T) {
	_, _, outbox := setupTestStore(t)

	_, err := outbox.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
