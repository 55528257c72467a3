package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"awards-be/internal/domain"
	"awards-be/internal/middleware"
	"awards-be/internal/service"
	apperrors "awards-be/pkg/errors"
	"awards-be/pkg/logger"
)

// AdminHandler serves operator actions. Routes must sit behind AdminAuth.
type AdminHandler struct {
	adminService service.VoteAdministration
	logger       *logger.Logger
}

func NewAdminHandler(adminService service.VoteAdministration, log *logger.Logger) *AdminHandler {
	return &AdminHandler{
		adminService: adminService,
		logger:       log.Component("admin_handler"),
	}
}

// RegisterRoutes mounts the admin endpoints
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Route("/nominations/{nominationID}", func(r chi.Router) {
		r.Put("/adjustment", h.SetAdjustment)
		r.Get("/adjustments", h.ListAdjustments)
		r.Put("/state", h.SetState)
	})
	r.Route("/outbox", func(r chi.Router) {
		r.Get("/failed", h.ListFailedOutbox)
		r.Post("/{id}/requeue", h.RequeueOutbox)
	})
}

// SetAdjustment handles PUT /api/v1/admin/nominations/{nominationID}/adjustment
func (h *AdminHandler) SetAdjustment(w http.ResponseWriter, r *http.Request) {
	actor := middleware.ActorFromContext(r.Context())
	if actor == "" {
		respondError(w, r, apperrors.NewAuthenticationError("Admin identity is required"), h.logger)
		return
	}

	var req domain.AdjustmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	count, err := h.adminService.SetManualAdjustment(r.Context(), chi.URLParam(r, "nominationID"), &req, actor)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	respondJSON(w, http.StatusOK, count)
}

// ListAdjustments handles GET /api/v1/admin/nominations/{nominationID}/adjustments
func (h *AdminHandler) ListAdjustments(w http.ResponseWriter, r *http.Request) {
	adjustments, err := h.adminService.ListAdjustments(r.Context(), chi.URLParam(r, "nominationID"))
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	if adjustments == nil {
		adjustments = []domain.VoteAdjustment{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"adjustments": adjustments,
	})
}

// SetState handles PUT /api/v1/admin/nominations/{nominationID}/state
func (h *AdminHandler) SetState(w http.ResponseWriter, r *http.Request) {
	var req domain.StateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	nomination, err := h.adminService.SetNominationState(r.Context(), chi.URLParam(r, "nominationID"), &req)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	respondJSON(w, http.StatusOK, nomination)
}

// ListFailedOutbox handles GET /api/v1/admin/outbox/failed?limit=N
func (h *AdminHandler) ListFailedOutbox(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			respondError(w, r, domain.NewValidationError("limit", "must be a non-negative integer"), h.logger)
			return
		}
		limit = parsed
	}

	entries, err := h.adminService.ListFailedOutbox(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, h.logger)
		return
	}
	if entries == nil {
		entries = []*domain.OutboxEntry{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
		"count":   len(entries),
	})
}

// RequeueOutbox handles POST /api/v1/admin/outbox/{id}/requeue
func (h *AdminHandler) RequeueOutbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.adminService.RequeueOutbox(r.Context(), id); err != nil {
		respondError(w, r, err, h.logger)
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"outbox_id": id,
		"actor":     middleware.ActorFromContext(r.Context()),
	}).Info("Outbox entry requeued by operator")

	respondJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(domain.OutboxPending),
	})
}
