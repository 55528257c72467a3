package domain

import (
	"strings"
	"time"
)

// Voter is a person identified by normalized email, created on first vote
type Voter struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	Phone          string    `json:"phone,omitempty"`
	Company        string    `json:"company,omitempty"`
	MarketingOptIn bool      `json:"marketing_opt_in"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VoterProfile carries the contact fields used only for external sync
type VoterProfile struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Phone          string `json:"phone,omitempty"`
	Company        string `json:"company,omitempty"`
	MarketingOptIn bool   `json:"marketing_opt_in"`
}

// Vote represents one ballot. (VoterID, CategoryID) is unique.
type Vote struct {
	ID           string    `json:"id"`
	VoterID      string    `json:"voter_id"`
	NominationID string    `json:"nomination_id"`
	CategoryID   string    `json:"category_id"`
	ClientIP     string    `json:"client_ip,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// VoteRequest represents a vote submission request
type VoteRequest struct {
	Email          string `json:"email"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Phone          string `json:"phone"`
	Company        string `json:"company"`
	MarketingOptIn bool   `json:"marketing_opt_in"`
	CategoryID     string `json:"category_id"`
	NominationID   string `json:"nomination_id"`
}

// Profile extracts the sync-only contact fields from the request
func (r *VoteRequest) Profile() VoterProfile {
	return VoterProfile{
		FirstName:      strings.TrimSpace(r.FirstName),
		LastName:       strings.TrimSpace(r.LastName),
		Phone:          strings.TrimSpace(r.Phone),
		Company:        strings.TrimSpace(r.Company),
		MarketingOptIn: r.MarketingOptIn,
	}
}

// CastVoteInput is what the ledger needs to record a vote
type CastVoteInput struct {
	VoterEmail   string
	CategoryID   string
	NominationID string
	Profile      VoterProfile
	ClientIP     string
}

// VoteResult is returned after a vote commits
type VoteResult struct {
	VoteID  string    `json:"vote_id"`
	VoterID string    `json:"voter_id"`
	CastAt  time.Time `json:"cast_at"`
	Count   VoteCount `json:"count"`
}

// VoteResponse represents the response after voting
type VoteResponse struct {
	VoteID               string    `json:"vote_id"`
	NominationID         string    `json:"nomination_id"`
	CategoryID           string    `json:"category_id"`
	SystemVotes          int64     `json:"system_votes"`
	ManualVoteAdjustment int64     `json:"manual_vote_adjustment"`
	DisplayedTotal       int64     `json:"displayed_total"`
	CastAt               time.Time `json:"cast_at"`
}

// NormalizeEmail returns the identity key for a voter email
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
