package entitlement

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore implements Store for tests and local development. All records
// are copied on the way in and out so callers never share memory with the
// store.
type MemoryStore struct {
	mu           sync.RWMutex
	entitlements map[uuid.UUID]*Entitlement
	index        map[uuid.UUID]*TrialIndex
	links        map[string]uuid.UUID

	commitErr error
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entitlements: make(map[uuid.UUID]*Entitlement),
		index:        make(map[uuid.UUID]*TrialIndex),
		links:        make(map[string]uuid.UUID),
	}
}

// FailCommits makes every subsequent Commit return err without applying any
// writes. Pass nil to restore normal behavior.
func (ms *MemoryStore) FailCommits(err error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.commitErr = err
}

func (ms *MemoryStore) GetEntitlement(ctx context.Context, childProfileID uuid.UUID) (*Entitlement, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	e, ok := ms.entitlements[childProfileID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (ms *MemoryStore) GetEntitlementBySubscriptionID(ctx context.Context, subscriptionID string) (*Entitlement, error) {
	if subscriptionID == "" {
		return nil, ErrNotFound
	}

	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, e := range ms.entitlements {
		if e.ExternalSubscriptionID == subscriptionID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (ms *MemoryStore) GetTrialIndex(ctx context.Context, childProfileID uuid.UUID) (*TrialIndex, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	ti, ok := ms.index[childProfileID]
	if !ok {
		return nil, ErrTrialIndexNotFound
	}
	cp := *ti
	return &cp, nil
}

func (ms *MemoryStore) ParentByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	parentUID, ok := ms.links[customerID]
	if !ok {
		return uuid.Nil, ErrLinkNotFound
	}
	return parentUID, nil
}

func (ms *MemoryStore) EntitlementsByParent(ctx context.Context, parentUID uuid.UUID) ([]*Entitlement, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var result []*Entitlement
	for _, e := range ms.entitlements {
		if e.ParentUID == parentUID {
			cp := *e
			result = append(result, &cp)
		}
	}
	return result, nil
}

// Commit applies all staged writes under one lock, so a batch is observed
// either fully applied or not at all.
func (ms *MemoryStore) Commit(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if ms.commitErr != nil {
		return ms.commitErr
	}

	for _, e := range batch.Entitlements() {
		cp := *e
		ms.entitlements[e.ChildProfileID] = &cp
	}
	for _, ti := range batch.IndexPuts() {
		cp := *ti
		ms.index[ti.ChildProfileID] = &cp
	}
	for _, childID := range batch.IndexDeletes() {
		delete(ms.index, childID)
	}
	for _, l := range batch.Links() {
		ms.links[l.CustomerID] = l.ParentUID
	}
	return nil
}

func (ms *MemoryStore) DueReminders(ctx context.Context, from, to time.Time) ([]*TrialIndex, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var due []*TrialIndex
	for _, ti := range ms.index {
		if ti.ReminderSent {
			continue
		}
		if ti.EffectiveTrialEnd.After(from) && !ti.EffectiveTrialEnd.After(to) {
			cp := *ti
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (ms *MemoryStore) DueExpirations(ctx context.Context, asOf time.Time) ([]*TrialIndex, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var due []*TrialIndex
	for _, ti := range ms.index {
		if ti.ExpiredProcessed {
			continue
		}
		if !ti.EffectiveTrialEnd.After(asOf) {
			cp := *ti
			due = append(due, &cp)
		}
	}
	return due, nil
}
