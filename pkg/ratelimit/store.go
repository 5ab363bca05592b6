package ratelimit

import (
	"context"
	"time"
)

// Counter is one user's rate-limit state.
type Counter struct {
	UserID string

	// MinuteRequests holds the timestamps of requests inside the sliding
	// one-minute window, oldest first. Pruned on every decision.
	MinuteRequests []time.Time

	// DayRequests counts requests since DayStart.
	DayRequests int

	// DayStart anchors the fixed 24-hour window. Zero until the first
	// request, then advanced whenever a full day has passed.
	DayStart time.Time

	// Version guards optimistic concurrency in stores that need it.
	Version int64
}

// Store persists counters. Update runs fn against the user's current
// counter under a transactional read-modify-write: fn mutates the counter
// and returns whether the mutation should be saved. Implementations must
// guarantee that two concurrent updates for the same user never both act
// on the same starting state.
type Store interface {
	Update(ctx context.Context, userID string, fn func(*Counter) (save bool, err error)) (*Counter, error)
}
