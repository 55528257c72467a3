package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"awards-be/internal/domain"
)

// newOutboxEntry builds a pending entry that is due immediately
func newOutboxEntry(eventType, aggregateID string, payload interface{}, now time.Time) (*domain.OutboxEntry, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return &domain.OutboxEntry{
		ID:            uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		Payload:       raw,
		Status:        domain.OutboxPending,
		NextAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// storageError classifies a ledger failure. Domain outcomes pass through
// untouched; everything else is transient and safe to retry.
func storageError(op string, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrAlreadyVoted),
		errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, ErrNotClaimed),
		errors.Is(err, context.Canceled):
		return err
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrTransientStorage, op, err)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s %q: %w", what, id, domain.ErrNotFound)
}

func floorViolation() error {
	return domain.NewValidationError("adjustment", "would make the displayed total negative")
}

func sortEntries(entries []*domain.OutboxEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func truncateError(msg string) string {
	const max = 2000
	if len(msg) > max {
		return msg[:max]
	}
	return msg
}

// nominationEvent maps a moderation state to the event it emits, if any
func nominationEvent(state domain.NominationState) (string, bool) {
	switch state {
	case domain.NominationApproved:
		return domain.EventNominationApproved, true
	case domain.NominationRejected:
		return domain.EventNominationRejected, true
	}
	return "", false
}
