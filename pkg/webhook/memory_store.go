package webhook

import (
	"context"
	"sync"
	"time"
)

// MemoryEventLog implements EventLogStore for tests and local development.
type MemoryEventLog struct {
	mu      sync.RWMutex
	records map[string]*EventRecord
}

// NewMemoryEventLog creates an empty in-memory event log.
func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{records: make(map[string]*EventRecord)}
}

func (m *MemoryEventLog) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.records[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryEventLog) Create(ctx context.Context, record *EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[record.ID]; ok {
		return ErrEventExists
	}
	cp := *record
	m.records[record.ID] = &cp
	return nil
}

func (m *MemoryEventLog) MarkProcessed(ctx context.Context, eventID string, processedAt, expireAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[eventID]
	if !ok {
		return ErrEventNotFound
	}
	r.ProcessedAt = &processedAt
	r.ExpireAt = &expireAt
	return nil
}
