package entitlement

import "errors"

var (
	ErrNotFound           = errors.New("entitlement not found")
	ErrAlreadyExists      = errors.New("entitlement already exists")
	ErrTrialIndexNotFound = errors.New("trial index not found")
	ErrLinkNotFound       = errors.New("customer link not found")

	ErrExtensionInPast    = errors.New("trial extension must be in the future")
	ErrExtensionNotLater  = errors.New("trial extension must be later than the current effective trial end")
	ErrMissingReason      = errors.New("trial extension reason is required")
	ErrUnresolvableEvent  = errors.New("event cannot be resolved to a child profile")
	ErrBatchAborted       = errors.New("batch write aborted")
	ErrParentEmailUnknown = errors.New("parent email not found")
)
