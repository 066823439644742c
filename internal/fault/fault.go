// Package fault defines the error taxonomy shared by the store, relay and
// HTTP surface. Callers classify failures with errors.Is against the
// sentinels below; wrapping with fmt.Errorf("...: %w", ...) preserves the
// class through call chains.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuth: bad or expired credential. Not retryable without a new one.
	ErrAuth = errors.New("authentication failed")

	// ErrAuthorization: caller is not a member of the target network.
	ErrAuthorization = errors.New("not authorized for network")

	// ErrValidation: malformed identifier or payload. Caller must fix and resend.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound: unknown device or network.
	ErrNotFound = errors.New("not found")

	// ErrStorageUnavailable: transient backing-store failure. Safe to retry
	// with backoff; the write may or may not have happened.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDeliveryUnavailable: destination has no live connection. Not a
	// failure; it marks the fall back to queued delivery.
	ErrDeliveryUnavailable = errors.New("destination not connected")
)

// Authf wraps ErrAuth with detail.
func Authf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuth)...)
}

// Authorizationf wraps ErrAuthorization with detail.
func Authorizationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuthorization)...)
}

// Validationf wraps ErrValidation with detail.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundf wraps ErrNotFound with detail.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Storagef wraps ErrStorageUnavailable with detail.
func Storagef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrStorageUnavailable)...)
}

// Retryable reports whether the error class is safe to retry as-is.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Code returns the short machine-readable code for an error class.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrAuthorization):
		return "forbidden"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStorageUnavailable):
		return "storage_unavailable"
	case errors.Is(err, ErrDeliveryUnavailable):
		return "queued"
	default:
		return "internal"
	}
}

// HTTPStatus maps an error class to a response status.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
