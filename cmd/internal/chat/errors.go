package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel error kinds (stable for errors.Is and for mapping to wire/API codes).
var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")
	ErrPersistence  = errors.New("persistence failure")
)

// ErrorCode maps an error to a stable wire code for error envelopes.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	default:
		return "internal"
	}
}

// IsValidation reports whether err is the validation kind.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsUnauthorized reports whether err is the unauthorized kind.
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err is the not-found kind.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// persistErr wraps a backend driver error into the persistence kind.
// The driver detail is kept for logs; callers branch on ErrPersistence only.
func persistErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistence, op, err)
}

// HTTPStatus maps an error to a REST status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
