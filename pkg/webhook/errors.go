package webhook

import "errors"

var (
	// ErrEventNotFound is returned when no event log record exists.
	ErrEventNotFound = errors.New("webhook event not found")

	// ErrEventExists is returned when creating a record for an event id
	// that is already logged.
	ErrEventExists = errors.New("webhook event already recorded")
)
