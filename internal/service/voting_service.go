package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"awards-be/internal/domain"
	"awards-be/internal/ratelimit"
	"awards-be/internal/repository"
	"awards-be/pkg/logger"
	"awards-be/pkg/utils"
)

const (
	maxFieldLength  = 255
	maxReasonLength = 1000
	maxFailedList   = 500
)

// VotingService is the only writer of votes. It owns request validation and
// rate limiting; uniqueness and counting are delegated to the ledger.
type VotingService struct {
	ledger  repository.Ledger
	outbox  repository.OutboxRepository
	limiter ratelimit.Limiter
	cache   *CacheService
	logger  *logger.Logger
	now     func() time.Time
}

// NewVotingService creates the voting service. cache may be nil.
func NewVotingService(ledger repository.Ledger, outbox repository.OutboxRepository, limiter ratelimit.Limiter, cache *CacheService, log *logger.Logger) *VotingService {
	return &VotingService{
		ledger:  ledger,
		outbox:  outbox,
		limiter: limiter,
		cache:   cache,
		logger:  log.Component("voting"),
		now:     time.Now,
	}
}

// CastVote validates the request, applies the client's rate limit and records
// the vote. The returned counts are those committed with the vote.
func (s *VotingService) CastVote(ctx context.Context, req *domain.VoteRequest, clientIP string) (*domain.VoteResponse, error) {
	if err := s.validateVote(ctx, req); err != nil {
		return nil, err
	}

	if err := s.checkRateLimit(ctx, clientIP); err != nil {
		return nil, err
	}

	profile := req.Profile()
	if profile.Phone != "" {
		// already validated
		profile.Phone, _ = utils.NormalizePhoneNumber(profile.Phone)
	}

	result, err := s.ledger.CastVote(ctx, domain.CastVoteInput{
		VoterEmail:   req.Email,
		CategoryID:   strings.TrimSpace(req.CategoryID),
		NominationID: strings.TrimSpace(req.NominationID),
		Profile:      profile,
		ClientIP:     clientIP,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyVoted) {
			s.logger.WithFields(map[string]interface{}{
				"category_id": req.CategoryID,
			}).Info("Duplicate vote rejected")
		}
		return nil, err
	}

	s.logger.Info("Vote recorded",
		zap.String("vote_id", result.VoteID),
		zap.String("nomination_id", result.Count.NominationID),
		zap.String("phone", utils.FormatPhoneNumberForDisplay(profile.Phone)),
		zap.Int64("displayed_total", result.Count.DisplayedTotal))

	return &domain.VoteResponse{
		VoteID:               result.VoteID,
		NominationID:         result.Count.NominationID,
		CategoryID:           strings.TrimSpace(req.CategoryID),
		SystemVotes:          result.Count.SystemVotes,
		ManualVoteAdjustment: result.Count.ManualVoteAdjustment,
		DisplayedTotal:       result.Count.DisplayedTotal,
		CastAt:               result.CastAt,
	}, nil
}

// checkRateLimit fails open: a broken limiter backend must not block voting,
// since the ledger still guarantees one vote per category.
func (s *VotingService) checkRateLimit(ctx context.Context, clientIP string) error {
	if s.limiter == nil {
		return nil
	}
	key := clientIP
	if key == "" {
		key = "unknown"
	}

	allowed, retryAfter, err := s.limiter.Allow(ctx, key)
	if err != nil {
		s.logger.WithError(err).Warn("Rate limiter unavailable, admitting request")
		return nil
	}
	if !allowed {
		s.logger.WithField("retry_after", retryAfter).Info("Rate limit exceeded")
		return &domain.RateLimitError{RetryAfter: retryAfter}
	}
	return nil
}

func (s *VotingService) validateVote(ctx context.Context, req *domain.VoteRequest) error {
	verr := &domain.ValidationError{}
	if req == nil {
		verr.Add("body", "is required")
		return verr
	}

	email := strings.TrimSpace(req.Email)
	switch {
	case email == "":
		verr.Add("email", "is required")
	case len(email) > maxFieldLength:
		verr.Add("email", "is too long")
	default:
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			verr.Add("email", "is not a valid email address")
		}
	}

	required := map[string]string{
		"first_name":    req.FirstName,
		"last_name":     req.LastName,
		"category_id":   req.CategoryID,
		"nomination_id": req.NominationID,
	}
	for field, value := range required {
		value = strings.TrimSpace(value)
		if value == "" {
			verr.Add(field, "is required")
		} else if len(value) > maxFieldLength {
			verr.Add(field, "is too long")
		}
	}
	for field, value := range map[string]string{"phone": req.Phone, "company": req.Company} {
		if len(value) > maxFieldLength {
			verr.Add(field, "is too long")
		}
	}
	if phone := strings.TrimSpace(req.Phone); phone != "" && len(phone) <= maxFieldLength {
		if _, err := utils.NormalizePhoneNumber(phone); err != nil {
			verr.Add("phone", "is not a valid phone number")
		}
	}

	if _, ok := verr.Fields["category_id"]; ok {
		return verr
	}
	categoryID := strings.TrimSpace(req.CategoryID)
	category, err := s.cache.GetCategoryWithCache(ctx, categoryID, s.ledger.GetCategory)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		verr.Add("category_id", "unknown category")
	case err != nil:
		return err
	case !category.Active:
		verr.Add("category_id", "category is closed for voting")
	}

	if _, ok := verr.Fields["nomination_id"]; !ok {
		nomination, err := s.cache.GetNominationWithCache(ctx, strings.TrimSpace(req.NominationID), s.ledger.GetNomination)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			verr.Add("nomination_id", "unknown nomination")
		case err != nil:
			return err
		case nomination.CategoryID != categoryID:
			verr.Add("nomination_id", "nomination does not belong to the category")
		case nomination.State != domain.NominationApproved:
			verr.Add("nomination_id", "nomination is not open for voting")
		}
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// GetVoteCount returns the counts of a nomination
func (s *VotingService) GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error) {
	return s.ledger.GetVoteCount(ctx, nominationID)
}

// GetCategoryResults returns the standings of a category
func (s *VotingService) GetCategoryResults(ctx context.Context, categoryID string) (*domain.CategoryResults, error) {
	if _, err := s.ledger.GetCategory(ctx, categoryID); err != nil {
		return nil, err
	}
	nominations, err := s.ledger.ListCategoryTotals(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	return &domain.CategoryResults{CategoryID: categoryID, Nominations: nominations}, nil
}

// SetManualAdjustment sets the manual adjustment of a nomination
func (s *VotingService) SetManualAdjustment(ctx context.Context, nominationID string, req *domain.AdjustmentRequest, actor string) (*domain.VoteCount, error) {
	if req == nil || req.Adjustment == nil {
		return nil, domain.NewValidationError("adjustment", "is required")
	}
	if len(req.Reason) > maxReasonLength {
		return nil, domain.NewValidationError("reason", "is too long")
	}

	count, err := s.ledger.SetManualAdjustment(ctx, nominationID, *req.Adjustment, actor, strings.TrimSpace(req.Reason))
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(map[string]interface{}{
		"nomination_id":   nominationID,
		"adjustment":      count.ManualVoteAdjustment,
		"displayed_total": count.DisplayedTotal,
		"actor":           actor,
	}).Info("Manual vote adjustment set")
	return count, nil
}

// ListAdjustments returns the audit trail of a nomination
func (s *VotingService) ListAdjustments(ctx context.Context, nominationID string) ([]domain.VoteAdjustment, error) {
	if _, err := s.ledger.GetNomination(ctx, nominationID); err != nil {
		return nil, err
	}
	return s.ledger.ListAdjustments(ctx, nominationID)
}

// SetNominationState moderates a nomination
func (s *VotingService) SetNominationState(ctx context.Context, nominationID string, req *domain.StateRequest) (*domain.Nomination, error) {
	if req == nil || !req.State.Valid() {
		return nil, domain.NewValidationError("state", "must be one of submitted, approved, rejected")
	}

	n, err := s.ledger.SetNominationState(ctx, nominationID, req.State)
	if err != nil {
		return nil, err
	}
	s.cache.InvalidateNomination(ctx, nominationID)

	s.logger.WithFields(map[string]interface{}{
		"nomination_id": nominationID,
		"state":         n.State,
	}).Info("Nomination state set")
	return n, nil
}

// ListFailedOutbox returns failed outbox entries
func (s *VotingService) ListFailedOutbox(ctx context.Context, limit int) ([]*domain.OutboxEntry, error) {
	if limit <= 0 || limit > maxFailedList {
		limit = maxFailedList
	}
	return s.outbox.ListFailed(ctx, limit)
}

// RequeueOutbox schedules a failed entry for immediate redelivery
func (s *VotingService) RequeueOutbox(ctx context.Context, id string) error {
	if err := s.outbox.Requeue(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	s.logger.WithField("outbox_id", id).Info("Outbox entry requeued")
	return nil
}
