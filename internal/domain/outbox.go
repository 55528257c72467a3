package domain

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the lifecycle state of an outbox entry
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// Outbox event types
const (
	EventVoteCast           = "vote-cast"
	EventNominationApproved = "nomination-approved"
	EventNominationRejected = "nomination-rejected"
	EventVoteAdjusted       = "vote-adjusted"
)

// OutboxEntry is one pending side effect, written in the same transaction as
// the domain change that produced it. Only the dispatcher mutates it after
// creation, and it is never deleted.
type OutboxEntry struct {
	ID            string          `json:"id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	Payload       json.RawMessage `json:"payload"`
	Status        OutboxStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	ClaimedAt     *time.Time      `json:"claimed_at,omitempty"`
	ClaimID       string          `json:"claim_id,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// VoteCastPayload is the immutable snapshot behind a vote-cast entry
type VoteCastPayload struct {
	VoteID         string       `json:"vote_id"`
	VoterEmail     string       `json:"voter_email"`
	Profile        VoterProfile `json:"profile"`
	NominationID   string       `json:"nomination_id"`
	CategoryID     string       `json:"category_id"`
	NomineeName    string       `json:"nominee_name"`
	DisplayedTotal int64        `json:"displayed_total"`
	CastAt         time.Time    `json:"cast_at"`
}

// NominationPayload is the snapshot behind nomination-approved/rejected entries
type NominationPayload struct {
	NominationID   string          `json:"nomination_id"`
	CategoryID     string          `json:"category_id"`
	NomineeName    string          `json:"nominee_name"`
	NomineeEmail   string          `json:"nominee_email,omitempty"`
	State          NominationState `json:"state"`
	DisplayedTotal int64           `json:"displayed_total"`
}

// VoteAdjustedPayload is the snapshot behind a vote-adjusted entry
type VoteAdjustedPayload struct {
	NominationID         string          `json:"nomination_id"`
	CategoryID           string          `json:"category_id"`
	NomineeName          string          `json:"nominee_name"`
	State                NominationState `json:"state"`
	SystemVotes          int64           `json:"system_votes"`
	ManualVoteAdjustment int64           `json:"manual_vote_adjustment"`
	DisplayedTotal       int64           `json:"displayed_total"`
	Actor                string          `json:"actor"`
}
