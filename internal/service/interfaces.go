package service

import (
	"context"

	"awards-be/internal/domain"
)

// VoteIngestion is the public vote path: validate, rate limit, record
type VoteIngestion interface {
	// CastVote validates and records one vote on behalf of clientIP
	CastVote(ctx context.Context, req *domain.VoteRequest, clientIP string) (*domain.VoteResponse, error)

	// GetVoteCount returns the public counts of a nomination
	GetVoteCount(ctx context.Context, nominationID string) (*domain.VoteCount, error)

	// GetCategoryResults lists approved nominations of a category by displayed total
	GetCategoryResults(ctx context.Context, categoryID string) (*domain.CategoryResults, error)
}

// VoteAdministration holds the operator actions on nominations and the outbox
type VoteAdministration interface {
	// SetManualAdjustment sets a nomination's manual vote adjustment
	SetManualAdjustment(ctx context.Context, nominationID string, req *domain.AdjustmentRequest, actor string) (*domain.VoteCount, error)

	// ListAdjustments returns a nomination's adjustment audit trail
	ListAdjustments(ctx context.Context, nominationID string) ([]domain.VoteAdjustment, error)

	// SetNominationState moderates a nomination
	SetNominationState(ctx context.Context, nominationID string, req *domain.StateRequest) (*domain.Nomination, error)

	// ListFailedOutbox returns outbox entries that exhausted their attempts
	ListFailedOutbox(ctx context.Context, limit int) ([]*domain.OutboxEntry, error)

	// RequeueOutbox schedules a failed entry for immediate redelivery
	RequeueOutbox(ctx context.Context, id string) error
}

// Services aggregates all service interfaces
type Services struct {
	Voting VoteIngestion
	Admin  VoteAdministration
}
