package webhook

import (
	"context"
	"time"
)

// EventRecord is one provider delivery in the event log. A record with a
// nil ProcessedAt was received but not fully handled; the provider will
// redeliver it and the next attempt runs the handler again.
type EventRecord struct {
	// ID is the provider's unique event id.
	ID string

	// Type is the normalized event type the handler registry is keyed by.
	Type string

	ReceivedAt  time.Time
	ProcessedAt *time.Time

	// ExpireAt bounds log retention. Stores with TTL support drop the
	// record after this instant.
	ExpireAt *time.Time
}

// Processed reports whether the event completed handling.
func (r *EventRecord) Processed() bool {
	return r.ProcessedAt != nil
}

// EventLogStore persists processed-event records for webhook dedupe.
type EventLogStore interface {
	// Get returns ErrEventNotFound when the event was never seen.
	Get(ctx context.Context, eventID string) (*EventRecord, error)

	// Create inserts a received marker. Returns ErrEventExists when a
	// record with the id is already present.
	Create(ctx context.Context, record *EventRecord) error

	// MarkProcessed stamps the record as fully handled and sets its
	// retention deadline.
	MarkProcessed(ctx context.Context, eventID string, processedAt, expireAt time.Time) error
}
