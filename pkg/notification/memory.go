package notification

import (
	"context"
	"log/slog"
	"sync"
)

// MemoryEnqueuer records intents for tests and local development. It
// deduplicates on DedupeKey the way the downstream queue does, so tests
// can assert at-most-once delivery semantics.
type MemoryEnqueuer struct {
	mu      sync.Mutex
	intents []Intent
	seen    map[string]int

	// EnqueueErr, when set, is returned by every Enqueue call.
	EnqueueErr error
}

// NewMemoryEnqueuer creates an empty recorder.
func NewMemoryEnqueuer() *MemoryEnqueuer {
	return &MemoryEnqueuer{seen: make(map[string]int)}
}

func (m *MemoryEnqueuer) Enqueue(ctx context.Context, intent Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.EnqueueErr != nil {
		return m.EnqueueErr
	}

	if intent.DedupeKey != "" {
		m.seen[intent.DedupeKey]++
		if m.seen[intent.DedupeKey] > 1 {
			// Duplicate of an already queued notification; dropped.
			return nil
		}
	}
	m.intents = append(m.intents, intent)
	return nil
}

// Sent returns a copy of all delivered (post-dedupe) intents.
func (m *MemoryEnqueuer) Sent() []Intent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Intent, len(m.intents))
	copy(out, m.intents)
	return out
}

// Attempts returns how many times an intent with the key was enqueued,
// duplicates included.
func (m *MemoryEnqueuer) Attempts(dedupeKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen[dedupeKey]
}

// LogEnqueuer writes intents to the log instead of a queue. Used in
// development when Postmark tokens are not configured.
type LogEnqueuer struct {
	Log *slog.Logger
}

func (l *LogEnqueuer) Enqueue(ctx context.Context, intent Intent) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.InfoContext(ctx, "notification intent",
		slog.String("to", intent.To),
		slog.String("template_id", intent.TemplateID),
		slog.String("dedupe_key", intent.DedupeKey))
	return nil
}
