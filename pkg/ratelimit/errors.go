package ratelimit

import "errors"

var (
	// ErrUserIDRequired is returned when the caller passes an empty user id.
	ErrUserIDRequired = errors.New("user id is required")

	// ErrTooManyConflicts is returned when the store cannot apply an update
	// within its retry budget. Callers treat it as a rejection.
	ErrTooManyConflicts = errors.New("too many concurrent counter updates")
)
