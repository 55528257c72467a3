package external

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"awards-be/internal/domain"
)

const maxErrorBody = 512

// StatusError is a non-2xx response from a sink
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.StatusCode, e.Body)
}

// Permanent reports whether retrying the same request cannot succeed.
// Client errors are permanent except timeouts and throttling.
func (e *StatusError) Permanent() bool {
	if e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests {
		return false
	}
	return e.StatusCode >= 400 && e.StatusCode < 500
}

func (e *StatusError) Is(target error) bool {
	if target == domain.ErrExternalSync {
		return true
	}
	return target == domain.ErrPermanent && e.Permanent()
}

// checkResponse turns any non-2xx response into a StatusError
func checkResponse(service string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Service: service, StatusCode: resp.StatusCode, Body: string(body)}
}

// transportError wraps a failure to get any response at all
func transportError(service string, err error) error {
	return fmt.Errorf("%w: %s request failed: %w", domain.ErrExternalSync, service, err)
}

// IsPermanent reports whether err should fail an outbox entry without retry
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrPermanent)
}
