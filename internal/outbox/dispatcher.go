package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"awards-be/internal/domain"
	"awards-be/internal/external"
	"awards-be/internal/repository"
	"awards-be/pkg/logger"
)

// CRM is the contact/deal sink
type CRM interface {
	UpsertContact(ctx context.Context, contact external.Contact) error
	UpsertDeal(ctx context.Context, deal external.Deal) error
}

// Mailer is the transactional email sink
type Mailer interface {
	Send(ctx context.Context, msg external.Message, idempotencyKey string) error
}

// Publisher is the optional event stream sink
type Publisher interface {
	Publish(ctx context.Context, entry *domain.OutboxEntry) error
}

// VoteCounter supplies current counts so deal updates never regress to an
// older snapshot when entries are delivered out of order.
type VoteCounter interface {
	GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error)
}

// Sinks groups the dispatcher's collaborators. Nil sinks are skipped.
type Sinks struct {
	CRM       CRM
	Mailer    Mailer
	Publisher Publisher
	Counter   VoteCounter
}

// Config tunes the dispatcher
type Config struct {
	PollInterval   time.Duration
	BatchSize      int
	LeaseDuration  time.Duration
	AttemptTimeout time.Duration
	MaxAttempts    int
	Backoff        Backoff
}

// DefaultConfig returns the default dispatcher settings
func DefaultConfig() Config {
	return Config{
		PollInterval:   5 * time.Second,
		BatchSize:      50,
		LeaseDuration:  5 * time.Minute,
		AttemptTimeout: 15 * time.Second,
		MaxAttempts:    10,
		Backoff:        DefaultBackoff(),
	}
}

// Dispatcher delivers outbox entries to the external sinks. Delivery is
// at-least-once; every sink call is idempotent so redelivery is harmless.
type Dispatcher struct {
	repo   repository.OutboxRepository
	sinks  Sinks
	cfg    Config
	logger *logger.Logger
	now    func() time.Time

	mu        sync.Mutex
	isRunning bool
	stop      chan struct{}
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Zero config fields take their defaults.
func NewDispatcher(repo repository.OutboxRepository, sinks Sinks, cfg Config, log *logger.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = def.LeaseDuration
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = def.Backoff
	}

	return &Dispatcher{
		repo:   repo,
		sinks:  sinks,
		cfg:    cfg,
		logger: log.Component("dispatcher"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Start begins polling in the background
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return nil
	}

	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.loop(ctx, d.stop, d.done)

	d.isRunning = true
	d.logger.WithFields(map[string]interface{}{
		"poll_interval": d.cfg.PollInterval,
		"batch_size":    d.cfg.BatchSize,
		"max_attempts":  d.cfg.MaxAttempts,
	}).Info("Outbox dispatcher started")
	return nil
}

// Stop signals the loop and waits for the in-flight batch to finish. When
// ctx expires first the loop is still told to stop; a later Stop waits again.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return nil
	}

	if d.stop != nil {
		close(d.stop)
		d.stop = nil
	}
	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	d.isRunning = false
	d.logger.Info("Outbox dispatcher stopped")
	return nil
}

// Run polls until ctx is cancelled
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.AttemptTimeout+5*time.Second)
	defer cancel()
	return d.Stop(stopCtx)
}

func (d *Dispatcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		// keep draining while batches come back full
		for {
			n, err := d.RunOnce(ctx)
			if err != nil && ctx.Err() == nil {
				d.logger.WithError(err).Error("Outbox poll failed")
			}
			if err != nil || n < d.cfg.BatchSize {
				break
			}
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			default:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch of due entries and processes it. It returns the
// number of entries claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	now := d.now()
	entries, err := d.repo.ClaimDue(ctx, now, now.Add(-d.cfg.LeaseDuration), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due entries: %w", err)
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		d.process(ctx, entry)
	}
	return len(entries), nil
}

// renewLease restarts the entry's lease. An entry is only delivered while
// its lease is fresh, so no other dispatcher can reclaim it mid-attempt.
func (d *Dispatcher) renewLease(ctx context.Context, entry *domain.OutboxEntry) error {
	return d.repo.Renew(ctx, entry.ID, entry.ClaimID, d.now())
}

func (d *Dispatcher) process(ctx context.Context, entry *domain.OutboxEntry) {
	log := d.logger.WithFields(map[string]interface{}{
		"outbox_id":    entry.ID,
		"event_type":   entry.EventType,
		"aggregate_id": entry.AggregateID,
	})

	// entries later in a batch may have waited out most of the lease
	if err := d.renewLease(ctx, entry); err != nil {
		d.logMarkError(log, err)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	err := d.deliver(attemptCtx, entry)
	cancel()

	if errors.Is(err, repository.ErrNotClaimed) {
		log.Warn("Outbox entry was reclaimed by another dispatcher, skipping notification")
		return
	}
	if err != nil && ctx.Err() != nil {
		// shutting down: leave the entry claimed, the lease hands it back later
		log.WithError(err).Warn("Delivery interrupted by shutdown")
		return
	}

	finished := d.now()
	if err == nil {
		if markErr := d.repo.MarkDone(ctx, entry.ID, entry.ClaimID, finished); markErr != nil {
			d.logMarkError(log, markErr)
			return
		}
		log.WithField("attempts", entry.Attempts+1).Info("Outbox entry delivered")
		return
	}

	attempts := entry.Attempts + 1
	if external.IsPermanent(err) || attempts >= d.cfg.MaxAttempts {
		if markErr := d.repo.MarkFailed(ctx, entry.ID, entry.ClaimID, attempts, err.Error()); markErr != nil {
			d.logMarkError(log, markErr)
			return
		}
		log.WithError(err).Error("Outbox entry failed permanently",
			zap.Int("attempts", attempts))
		return
	}

	next := finished.Add(d.cfg.Backoff.Delay(attempts))
	if markErr := d.repo.MarkRetry(ctx, entry.ID, entry.ClaimID, attempts, next, err.Error()); markErr != nil {
		d.logMarkError(log, markErr)
		return
	}
	log.WithError(err).Warn("Outbox delivery failed, retry scheduled",
		zap.Int("attempts", attempts),
		zap.Time("next_attempt_at", next))
}

func (d *Dispatcher) logMarkError(log *logger.Logger, err error) {
	if errors.Is(err, repository.ErrNotClaimed) {
		log.Warn("Outbox entry was reclaimed by another dispatcher")
		return
	}
	log.WithError(err).Error("Failed to record outbox delivery result")
}

// deliver performs an entry's side effects. The email goes last: every
// other sink is an idempotent upsert, so a failure anywhere before it can be
// retried without the recipient hearing from us twice.
func (d *Dispatcher) deliver(ctx context.Context, entry *domain.OutboxEntry) error {
	var (
		msg *external.Message
		err error
	)
	switch entry.EventType {
	case domain.EventVoteCast:
		msg, err = d.deliverVoteCast(ctx, entry)
	case domain.EventNominationApproved, domain.EventNominationRejected:
		msg, err = d.deliverNomination(ctx, entry)
	case domain.EventVoteAdjusted:
		err = d.deliverVoteAdjusted(ctx, entry)
	default:
		return fmt.Errorf("%w: unknown event type %q", domain.ErrPermanent, entry.EventType)
	}
	if err != nil {
		return err
	}

	if d.sinks.Publisher != nil {
		if err := d.sinks.Publisher.Publish(ctx, entry); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
	}

	if msg == nil || d.sinks.Mailer == nil {
		return nil
	}
	if err := d.renewLease(ctx, entry); err != nil {
		return err
	}
	if err := d.sinks.Mailer.Send(ctx, *msg, entry.ID); err != nil {
		return fmt.Errorf("send %s: %w", msg.Template, err)
	}
	return nil
}

func decodePayload(entry *domain.OutboxEntry, v interface{}) error {
	if err := json.Unmarshal(entry.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %s payload: %w", domain.ErrPermanent, entry.EventType, err)
	}
	return nil
}

// currentTotal prefers the live count over the snapshot taken at commit time
func (d *Dispatcher) currentTotal(ctx context.Context, nominationID string, snapshot int64) int64 {
	if d.sinks.Counter == nil {
		return snapshot
	}
	count, err := d.sinks.Counter.GetVoteCount(ctx, nominationID)
	if err != nil {
		d.logger.WithError(err).Warn("Failed to read current vote count, using snapshot")
		return snapshot
	}
	return count.DisplayedTotal
}

func (d *Dispatcher) upsertDeal(ctx context.Context, deal external.Deal) error {
	if d.sinks.CRM == nil {
		return nil
	}
	deal.VoteTotal = d.currentTotal(ctx, deal.NominationID, deal.VoteTotal)
	return d.sinks.CRM.UpsertDeal(ctx, deal)
}

// deliverVoteCast syncs the voter and the deal and returns the confirmation
// email for the caller to send
func (d *Dispatcher) deliverVoteCast(ctx context.Context, entry *domain.OutboxEntry) (*external.Message, error) {
	var p domain.VoteCastPayload
	if err := decodePayload(entry, &p); err != nil {
		return nil, err
	}

	if d.sinks.CRM != nil {
		err := d.sinks.CRM.UpsertContact(ctx, external.Contact{
			Email:          p.VoterEmail,
			FirstName:      p.Profile.FirstName,
			LastName:       p.Profile.LastName,
			Phone:          p.Profile.Phone,
			Company:        p.Profile.Company,
			MarketingOptIn: p.Profile.MarketingOptIn,
			LastVoteAt:     p.CastAt,
		})
		if err != nil {
			return nil, fmt.Errorf("upsert contact: %w", err)
		}
	}

	err := d.upsertDeal(ctx, external.Deal{
		NominationID: p.NominationID,
		CategoryID:   p.CategoryID,
		NomineeName:  p.NomineeName,
		Stage:        string(domain.NominationApproved),
		VoteTotal:    p.DisplayedTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert deal: %w", err)
	}

	return &external.Message{
		Template: external.TemplateVoteConfirmation,
		To:       p.VoterEmail,
		Variables: map[string]interface{}{
			"first_name":    p.Profile.FirstName,
			"nominee_name":  p.NomineeName,
			"category_id":   p.CategoryID,
			"nomination_id": p.NominationID,
			"vote_id":       p.VoteID,
		},
	}, nil
}

func (d *Dispatcher) deliverNomination(ctx context.Context, entry *domain.OutboxEntry) (*external.Message, error) {
	var p domain.NominationPayload
	if err := decodePayload(entry, &p); err != nil {
		return nil, err
	}

	err := d.upsertDeal(ctx, external.Deal{
		NominationID: p.NominationID,
		CategoryID:   p.CategoryID,
		NomineeName:  p.NomineeName,
		Stage:        string(p.State),
		VoteTotal:    p.DisplayedTotal,
	})
	if err != nil {
		return nil, fmt.Errorf("upsert deal: %w", err)
	}

	if entry.EventType != domain.EventNominationApproved || p.NomineeEmail == "" {
		return nil, nil
	}
	return &external.Message{
		Template: external.TemplateNominationApproved,
		To:       p.NomineeEmail,
		Variables: map[string]interface{}{
			"nominee_name":  p.NomineeName,
			"category_id":   p.CategoryID,
			"nomination_id": p.NominationID,
		},
	}, nil
}

func (d *Dispatcher) deliverVoteAdjusted(ctx context.Context, entry *domain.OutboxEntry) error {
	var p domain.VoteAdjustedPayload
	if err := decodePayload(entry, &p); err != nil {
		return err
	}

	err := d.upsertDeal(ctx, external.Deal{
		NominationID: p.NominationID,
		CategoryID:   p.CategoryID,
		NomineeName:  p.NomineeName,
		Stage:        string(p.State),
		VoteTotal:    p.DisplayedTotal,
	})
	if err != nil {
		return fmt.Errorf("upsert deal: %w", err)
	}
	return nil
}
