package domain

import "time"

// NominationState is the moderation state of a nomination
type NominationState string

const (
	NominationSubmitted NominationState = "submitted"
	NominationApproved  NominationState = "approved"
	NominationRejected  NominationState = "rejected"
)

// Valid reports whether s is a known state
func (s NominationState) Valid() bool {
	switch s {
	case NominationSubmitted, NominationApproved, NominationRejected:
		return true
	}
	return false
}

// Category groups nominations; a voter gets one vote per category
type Category struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Nomination identifies one candidate in one category
type Nomination struct {
	ID           string          `json:"id"`
	CategoryID   string          `json:"category_id"`
	NomineeName  string          `json:"nominee_name"`
	NomineeEmail string          `json:"nominee_email,omitempty"`
	State        NominationState `json:"state"`
	Count        VoteCount       `json:"count"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// VoteCount is the vote-count read model of a nomination.
// DisplayedTotal is always SystemVotes + ManualVoteAdjustment; it is computed
// by the ledger at read time and never stored.
type VoteCount struct {
	NominationID         string `json:"nomination_id"`
	SystemVotes          int64  `json:"system_votes"`
	ManualVoteAdjustment int64  `json:"manual_vote_adjustment"`
	DisplayedTotal       int64  `json:"displayed_total"`
}

// NewVoteCount builds a count with the displayed total derived from its parts
func NewVoteCount(nominationID string, systemVotes, adjustment int64) VoteCount {
	return VoteCount{
		NominationID:         nominationID,
		SystemVotes:          systemVotes,
		ManualVoteAdjustment: adjustment,
		DisplayedTotal:       systemVotes + adjustment,
	}
}

// AdjustmentRequest is the admin body for setting a manual adjustment
type AdjustmentRequest struct {
	Adjustment *int64 `json:"adjustment"`
	Reason     string `json:"reason"`
}

// StateRequest is the admin body for moderating a nomination
type StateRequest struct {
	State NominationState `json:"state"`
}

// VoteAdjustment is one audited manual adjustment
type VoteAdjustment struct {
	ID            string    `json:"id"`
	NominationID  string    `json:"nomination_id"`
	PreviousValue int64     `json:"previous_value"`
	NewValue      int64     `json:"new_value"`
	Actor         string    `json:"actor"`
	Reason        string    `json:"reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// CategoryResults lists approved nominations of a category by displayed total
type CategoryResults struct {
	CategoryID  string       `json:"category_id"`
	Nominations []Nomination `json:"nominations"`
}
