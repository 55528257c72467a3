package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"awards-be/internal/domain"
	"awards-be/internal/ratelimit"
	"awards-be/internal/service"
	"awards-be/pkg/logger"
)

type VotingHandler struct {
	votingService service.VoteIngestion
	trustProxy    bool
	logger        *logger.Logger
}

func NewVotingHandler(votingService service.VoteIngestion, trustProxy bool, log *logger.Logger) *VotingHandler {
	return &VotingHandler{
		votingService: votingService,
		trustProxy:    trustProxy,
		logger:        log.Component("voting_handler"),
	}
}

// RegisterRoutes mounts the public vote endpoints
func (h *VotingHandler) RegisterRoutes(r chi.Router) {
	r.Post("/votes", h.SubmitVote)
	r.Get("/nominations/{nominationID}/votes", h.GetNominationVotes)
	r.Get("/categories/{categoryID}/results", h.GetCategoryResults)
}

// SubmitVote handles POST /api/v1/votes
func (h *VotingHandler) SubmitVote(w http.ResponseWriter, r *http.Request) {
	var req domain.VoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	clientIP := ratelimit.ClientIP(r, h.trustProxy)
	response, err := h.votingService.CastVote(r.Context(), &req, clientIP)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	respondJSON(w, http.StatusCreated, response)
}

// GetNominationVotes handles GET /api/v1/nominations/{nominationID}/votes
func (h *VotingHandler) GetNominationVotes(w http.ResponseWriter, r *http.Request) {
	count, err := h.votingService.GetVoteCount(r.Context(), chi.URLParam(r, "nominationID"))
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	writeCacheable(w, r, 5, count)
}

// GetCategoryResults handles GET /api/v1/categories/{categoryID}/results
func (h *VotingHandler) GetCategoryResults(w http.ResponseWriter, r *http.Request) {
	results, err := h.votingService.GetCategoryResults(r.Context(), chi.URLParam(r, "categoryID"))
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	writeCacheable(w, r, 10, results)
}
