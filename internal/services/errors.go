package services

import (
	"errors"
	"fmt"
)

// Service error taxonomy. Handlers map these onto HTTP statuses;
// services never see status codes.
var (
	// ErrNotFound covers both "does not exist" and "not yours" so
	// ownership-scoped lookups never leak existence of other agents'
	// work.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is a transition attempted from a terminal state.
	// Rejected without state change, safe to retry.
	ErrConflict = errors.New("already in a terminal state")

	// ErrNoWork means nothing is eligible for assignment. Not an error
	// condition for the agent; it should back off and retry.
	ErrNoWork = errors.New("no task available")

	// ErrStandDown tells an agent its hash list is fully cracked and
	// the current slice should be abandoned.
	ErrStandDown = errors.New("hash list fully cracked, stand down")

	// ErrInvalidCredentials is a bad or missing agent token.
	ErrInvalidCredentials = errors.New("invalid agent credentials")
)

// ValidationError reports a structurally malformed agent payload. The
// request is rejected and no state changes.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a validation error with a formatted message
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
