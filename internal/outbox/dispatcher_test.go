package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"awards-be/internal/domain"
	"awards-be/internal/external"
	"awards-be/internal/repository"
	"awards-be/pkg/database"
	"awards-be/pkg/logger"
)

type fakeCRM struct {
	mu       sync.Mutex
	contacts []external.Contact
	deals    []external.Deal
	failures int
	err      error
	block    bool

	// onContact runs before each contact upsert
	onContact func()
}

func (f *fakeCRM) fail() error {
	if f.failures > 0 {
		f.failures--
		return f.err
	}
	return nil
}

func (f *fakeCRM) UpsertContact(ctx context.Context, c external.Contact) error {
	if f.onContact != nil {
		f.onContact()
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.contacts = append(f.contacts, c)
	return nil
}

func (f *fakeCRM) UpsertDeal(_ context.Context, d external.Deal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return err
	}
	f.deals = append(f.deals, d)
	return nil
}

type sentMessage struct {
	msg external.Message
	key string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMailer) Send(_ context.Context, msg external.Message, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{msg: msg, key: key})
	return nil
}

type fakePublisher struct {
	mu       sync.Mutex
	entries  []string
	failures int
}

func (f *fakePublisher) Publish(_ context.Context, e *domain.OutboxEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("broker unavailable")
	}
	f.entries = append(f.entries, e.EventType)
	return nil
}

type testEnv struct {
	db     *database.SQLiteDB
	ledger *repository.SQLiteLedger
	outbox *repository.SQLiteOutbox
	crm    *fakeCRM
	mailer *fakeMailer
	pub    *fakePublisher
	clock  time.Time
	disp   *Dispatcher
}

func (e *testEnv) advance(d time.Duration) {
	e.clock = e.clock.Add(d)
}

func setupDispatcher(t *testing.T, cfg Config) *testEnv {
	ctx := context.Background()

	db, err := database.NewSQLiteDB(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.MigrateSQLite(ctx, db))

	ledger := repository.NewSQLiteLedger(db)
	require.NoError(t, ledger.UpsertCategory(ctx, &domain.Category{ID: "C1", Name: "Best Newcomer", Active: true}))
	require.NoError(t, ledger.UpsertNomination(ctx, &domain.Nomination{
		ID: "N1", CategoryID: "C1", NomineeName: "Grace", State: domain.NominationApproved,
	}))
	require.NoError(t, ledger.UpsertNomination(ctx, &domain.Nomination{
		ID: "N2", CategoryID: "C1", NomineeName: "Linus", NomineeEmail: "linus@nominees.test",
	}))

	env := &testEnv{
		db:     db,
		ledger: ledger,
		outbox: repository.NewSQLiteOutbox(db),
		crm:    &fakeCRM{err: errors.New("crm unavailable")},
		mailer: &fakeMailer{},
		pub:    &fakePublisher{},
		clock:  time.Now().UTC().Add(time.Second).Truncate(time.Microsecond),
	}
	env.disp = NewDispatcher(env.outbox, Sinks{
		CRM:       env.crm,
		Mailer:    env.mailer,
		Publisher: env.pub,
		Counter:   ledger,
	}, cfg, logger.NewNop())
	env.disp.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) castVote(t *testing.T, email string) *domain.VoteResult {
	res, err := e.ledger.CastVote(context.Background(), domain.CastVoteInput{
		VoterEmail:   email,
		CategoryID:   "C1",
		NominationID: "N1",
		Profile:      domain.VoterProfile{FirstName: "Ada", LastName: "Lovelace"},
	})
	require.NoError(t, err)
	return res
}

func (e *testEnv) entryFor(t *testing.T, aggregateID string) *domain.OutboxEntry {
	entries, err := e.outbox.ListByAggregate(context.Background(), aggregateID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	return entries[0]
}

func TestDispatcher_DeliversVoteCast(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()

	vote := env.castVote(t, "a@x.com")

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxDone, entry.Status)
	require.NotNil(t, entry.ProcessedAt)

	require.Len(t, env.crm.contacts, 1)
	assert.Equal(t, "a@x.com", env.crm.contacts[0].Email)
	require.Len(t, env.crm.deals, 1)
	assert.Equal(t, "N1", env.crm.deals[0].NominationID)
	assert.Equal(t, int64(1), env.crm.deals[0].VoteTotal)

	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, external.TemplateVoteConfirmation, env.mailer.sent[0].msg.Template)
	assert.Equal(t, "a@x.com", env.mailer.sent[0].msg.To)
	assert.Equal(t, entry.ID, env.mailer.sent[0].key)

	assert.Equal(t, []string{domain.EventVoteCast}, env.pub.entries)

	env.advance(24 * time.Hour)
	n, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "done entries are never redelivered")
	assert.Len(t, env.mailer.sent, 1)
}

func TestDispatcher_BackoffThenSuccess(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()
	env.crm.failures = 3

	vote := env.castVote(t, "a@x.com")

	expectedDelays := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second}
	for i, delay := range expectedDelays {
		attemptAt := env.clock
		n, err := env.disp.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n, "attempt %d", i+1)

		entry := env.entryFor(t, vote.VoteID)
		assert.Equal(t, domain.OutboxPending, entry.Status)
		assert.Equal(t, i+1, entry.Attempts)
		assert.Equal(t, "upsert contact: crm unavailable", entry.LastError)
		assert.True(t, entry.NextAttemptAt.Equal(attemptAt.Add(delay)),
			"attempt %d: next attempt at %s, want %s", i+1, entry.NextAttemptAt, attemptAt.Add(delay))

		env.advance(delay - time.Second)
		n, err = env.disp.RunOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, n, "not due before backoff elapses")
		env.advance(time.Second)
	}

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxDone, entry.Status)
	assert.Equal(t, 3, entry.Attempts)
	assert.Len(t, env.mailer.sent, 1)
}

func TestDispatcher_MaxAttemptsThenRequeue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 3
	env := setupDispatcher(t, cfg)
	ctx := context.Background()
	env.crm.failures = 1000

	vote := env.castVote(t, "a@x.com")

	for i := 0; i < 3; i++ {
		_, err := env.disp.RunOnce(ctx)
		require.NoError(t, err)
		env.advance(time.Hour)
	}

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxFailed, entry.Status)
	assert.Equal(t, 3, entry.Attempts)

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "failed entries are not retried automatically")

	env.crm.failures = 0
	require.NoError(t, env.outbox.Requeue(ctx, entry.ID, env.clock))

	n, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, domain.OutboxDone, env.entryFor(t, vote.VoteID).Status)
}

func TestDispatcher_PermanentErrorFailsImmediately(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()
	env.crm.failures = 1
	env.crm.err = &external.StatusError{Service: "crm", StatusCode: http.StatusBadRequest, Body: "invalid email"}

	vote := env.castVote(t, "a@x.com")

	_, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxFailed, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "400")
}

func TestDispatcher_UnknownEventTypeFails(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()

	now := env.clock.Add(-time.Second).UnixMicro()
	_, err := env.db.DB.Exec(`
		INSERT INTO outbox_entries (id, event_type, aggregate_id, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ('e-1', 'vote-exploded', 'x', '{}', 'pending', 0, ?, ?, ?)`, now, now, now)
	require.NoError(t, err)

	_, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := env.outbox.Get(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxFailed, entry.Status)
	assert.Contains(t, entry.LastError, "unknown event type")
	assert.Empty(t, env.pub.entries)
}

func TestDispatcher_AttemptTimeoutIsFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	env := setupDispatcher(t, cfg)
	env.crm.block = true

	vote := env.castVote(t, "a@x.com")

	_, err := env.disp.RunOnce(context.Background())
	require.NoError(t, err)

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxPending, entry.Status)
	assert.Equal(t, 1, entry.Attempts)
	assert.Contains(t, entry.LastError, "deadline exceeded")
}

func TestDispatcher_NominationApproved(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()

	_, err := env.ledger.SetNominationState(ctx, "N2", domain.NominationApproved)
	require.NoError(t, err)

	_, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)

	require.Len(t, env.crm.deals, 1)
	assert.Equal(t, "N2", env.crm.deals[0].NominationID)
	assert.Equal(t, "approved", env.crm.deals[0].Stage)

	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, external.TemplateNominationApproved, env.mailer.sent[0].msg.Template)
	assert.Equal(t, "linus@nominees.test", env.mailer.sent[0].msg.To)
}

func TestDispatcher_DealUsesCurrentTotal(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()

	env.castVote(t, "a@x.com")
	env.castVote(t, "b@x.com")
	_, err := env.ledger.SetManualAdjustment(ctx, "N1", 5, "admin", "")
	require.NoError(t, err)

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, env.crm.deals, 3)
	for _, d := range env.crm.deals {
		assert.Equal(t, int64(7), d.VoteTotal, "every deal update carries the live total")
	}
	assert.Equal(t, []string{domain.EventVoteCast, domain.EventVoteCast, domain.EventVoteAdjusted}, env.pub.entries)
}

func TestDispatcher_CorruptPayloadFails(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()

	now := env.clock.Add(-time.Second).UnixMicro()
	_, err := env.db.DB.Exec(`
		INSERT INTO outbox_entries (id, event_type, aggregate_id, payload, status, attempts, next_attempt_at, created_at, updated_at)
		VALUES ('e-2', ?, 'x', 'not json', 'pending', 0, ?, ?, ?)`, domain.EventVoteCast, now, now, now)
	require.NoError(t, err)

	_, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)

	entry, err := env.outbox.Get(ctx, "e-2")
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxFailed, entry.Status)
}

func TestDispatcher_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	env := setupDispatcher(t, cfg)
	env.disp.now = func() time.Time { return time.Now().UTC() }
	ctx := context.Background()

	votes := make([]*domain.VoteResult, 0, 3)
	for i := 0; i < 3; i++ {
		votes = append(votes, env.castVote(t, fmt.Sprintf("v%d@x.com", i)))
	}

	require.NoError(t, env.disp.Start(ctx))
	require.NoError(t, env.disp.Start(ctx))

	assert.Eventually(t, func() bool {
		for _, v := range votes {
			entries, err := env.outbox.ListByAggregate(ctx, v.VoteID)
			if err != nil || len(entries) != 1 || entries[0].Status != domain.OutboxDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, env.disp.Stop(stopCtx))
	require.NoError(t, env.disp.Stop(stopCtx))
}

func TestDispatcher_PayloadSnapshot(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	vote := env.castVote(t, "a@x.com")

	var p domain.VoteCastPayload
	require.NoError(t, json.Unmarshal(env.entryFor(t, vote.VoteID).Payload, &p))
	assert.Equal(t, vote.VoteID, p.VoteID)
	assert.Equal(t, "Grace", p.NomineeName)
}

func TestDispatcher_PublishFailureDoesNotResendEmail(t *testing.T) {
	env := setupDispatcher(t, DefaultConfig())
	ctx := context.Background()
	env.pub.failures = 1

	vote := env.castVote(t, "a@x.com")

	_, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)

	entry := env.entryFor(t, vote.VoteID)
	assert.Equal(t, domain.OutboxPending, entry.Status)
	assert.Equal(t, "publish event: broker unavailable", entry.LastError)
	assert.Empty(t, env.mailer.sent, "no email before every other sink succeeded")

	env.advance(30 * time.Second)
	_, err = env.disp.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, domain.OutboxDone, env.entryFor(t, vote.VoteID).Status)
	require.Len(t, env.mailer.sent, 1)
	assert.Equal(t, entry.ID, env.mailer.sent[0].key)
}

func TestDispatcher_ReclaimedEntriesAreDeliveredOnce(t *testing.T) {
	cfg := DefaultConfig()
	env := setupDispatcher(t, cfg)
	ctx := context.Background()

	first := env.castVote(t, "a@x.com")
	second := env.castVote(t, "b@x.com")

	other := NewDispatcher(env.outbox, Sinks{
		CRM:       env.crm,
		Mailer:    env.mailer,
		Publisher: env.pub,
		Counter:   env.ledger,
	}, cfg, logger.NewNop())
	other.now = func() time.Time { return env.clock }

	// the first contact upsert stalls past the lease and another instance
	// takes over everything the first one claimed
	var reclaimed int
	env.crm.onContact = func() {
		env.crm.onContact = nil
		env.advance(cfg.LeaseDuration + time.Second)
		n, err := other.RunOnce(ctx)
		require.NoError(t, err)
		reclaimed = n
	}

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, reclaimed)

	require.Len(t, env.mailer.sent, 2, "each vote is confirmed exactly once")
	assert.NotEqual(t, env.mailer.sent[0].key, env.mailer.sent[1].key)
	assert.Equal(t, domain.OutboxDone, env.entryFor(t, first.VoteID).Status)
	assert.Equal(t, domain.OutboxDone, env.entryFor(t, second.VoteID).Status)
}

func TestDispatcher_LeaseRenewedPerEntry(t *testing.T) {
	cfg := DefaultConfig()
	env := setupDispatcher(t, cfg)
	ctx := context.Background()

	env.castVote(t, "a@x.com")
	env.castVote(t, "b@x.com")

	other := NewDispatcher(env.outbox, Sinks{Mailer: env.mailer}, cfg, logger.NewNop())
	other.now = func() time.Time { return env.clock }

	// each contact upsert takes most of a lease, so the batch as a whole
	// outlives one; another instance polling meanwhile must find nothing
	var stolen int
	env.crm.onContact = func() {
		env.advance(cfg.LeaseDuration - time.Second)
		n, err := other.RunOnce(ctx)
		require.NoError(t, err)
		stolen += n
	}

	n, err := env.disp.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Zero(t, stolen)
	assert.Len(t, env.mailer.sent, 2)

	counts, err := env.outbox.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[domain.OutboxDone])
}

func TestDispatcher_StopAfterTimeoutCanBeRetried(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.AttemptTimeout = 200 * time.Millisecond
	env := setupDispatcher(t, cfg)
	env.disp.now = func() time.Time { return time.Now().UTC() }
	env.crm.block = true

	entered := make(chan struct{})
	var once sync.Once
	env.crm.onContact = func() { once.Do(func() { close(entered) }) }

	env.castVote(t, "a@x.com")

	ctx := context.Background()
	require.NoError(t, env.disp.Start(ctx))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher never attempted delivery")
	}

	expired, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, env.disp.Stop(expired), context.Canceled)
	assert.ErrorIs(t, env.disp.Stop(expired), context.Canceled)

	stopCtx, cancelStop := context.WithTimeout(ctx, 2*time.Second)
	defer cancelStop()
	require.NoError(t, env.disp.Stop(stopCtx))
	require.NoError(t, env.disp.Stop(stopCtx))
}
