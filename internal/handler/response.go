package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"awards-be/internal/domain"
	"awards-be/internal/middleware"
	apperrors "awards-be/pkg/errors"
	"awards-be/pkg/logger"
)

const maxBodyBytes = 64 << 10

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondError maps a domain error onto the JSON error envelope
func respondError(w http.ResponseWriter, r *http.Request, err error, log *logger.Logger) {
	appErr := toAppError(err)

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		if seconds, ok := appErr.Details["retry_after_seconds"].(int64); ok {
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}
	}

	middleware.WriteError(w, r, appErr, log)
}

func toAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		details := make(map[string]interface{}, len(verr.Fields))
		for field, problem := range verr.Fields {
			details[field] = problem
		}
		return apperrors.NewValidationError("Invalid input", details)
	}

	var rl *domain.RateLimitError
	if errors.As(err, &rl) {
		return apperrors.NewRateLimitError("Too many votes from this address", rl.RetryAfter)
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyVoted):
		return apperrors.NewAlreadyVotedError("You have already voted in this category")
	case errors.Is(err, domain.ErrNotFound):
		return apperrors.NewNotFoundError("Resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		return apperrors.NewValidationError("Invalid input", nil)
	case errors.Is(err, domain.ErrTransientStorage),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return apperrors.NewTransientStorageError("Temporarily unavailable, please retry", err)
	}
	return apperrors.NewInternalError("Internal server error", err)
}

// decodeJSON reads a bounded JSON body into v
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.NewValidationError("body", "must be a valid JSON object")
	}
	return nil
}

func generateETag(data interface{}) string {
	jsonData, _ := json.Marshal(data)
	return fmt.Sprintf(`"%016x"`, xxhash.Sum64(jsonData))
}

// writeCacheable serves data with an ETag, answering 304 when it matches
func writeCacheable(w http.ResponseWriter, r *http.Request, maxAge int, data interface{}) {
	etag := generateETag(data)
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", maxAge))

	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	respondJSON(w, http.StatusOK, data)
}
