package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store for tests and single-process deployments.
// A per-store mutex serializes updates, which gives the transactional
// guarantee trivially.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]*Counter

	// UpdateErr, when set, is returned by every Update call.
	UpdateErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]*Counter)}
}

func (ms *MemoryStore) Update(ctx context.Context, userID string, fn func(*Counter) (bool, error)) (*Counter, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.UpdateErr != nil {
		return nil, ms.UpdateErr
	}

	c, ok := ms.counters[userID]
	if !ok {
		c = &Counter{UserID: userID}
	}

	// fn runs on a copy so a rejected mutation leaves the stored counter
	// untouched.
	work := cloneCounter(c)
	save, err := fn(work)
	if err != nil {
		return nil, err
	}
	if save {
		work.Version++
		ms.counters[userID] = work
	}
	return cloneCounter(work), nil
}

func cloneCounter(c *Counter) *Counter {
	cp := *c
	cp.MinuteRequests = make([]time.Time, len(c.MinuteRequests))
	copy(cp.MinuteRequests, c.MinuteRequests)
	return &cp
}
