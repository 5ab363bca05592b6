package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store defines persistence for entitlements, trial-index records and
// customer links. Commit is the only write path: every mutation travels in
// a Batch so paired records can never be left half-updated.
type Store interface {
	// GetEntitlement returns ErrNotFound if no record exists for the child.
	GetEntitlement(ctx context.Context, childProfileID uuid.UUID) (*Entitlement, error)

	// GetEntitlementBySubscriptionID resolves a child by the provider's
	// subscription id. Returns ErrNotFound when no entitlement is linked.
	GetEntitlementBySubscriptionID(ctx context.Context, subscriptionID string) (*Entitlement, error)

	// GetTrialIndex returns ErrTrialIndexNotFound if no index record exists.
	GetTrialIndex(ctx context.Context, childProfileID uuid.UUID) (*TrialIndex, error)

	// ParentByCustomerID resolves the provider customer id to a parent via
	// the persisted link index. Returns ErrLinkNotFound when unknown.
	ParentByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error)

	// EntitlementsByParent lists all entitlements under one parent account.
	EntitlementsByParent(ctx context.Context, parentUID uuid.UUID) ([]*Entitlement, error)

	// Commit applies the batch atomically: either every write in it becomes
	// visible or none do.
	Commit(ctx context.Context, batch *Batch) error

	// DueReminders returns index records with EffectiveTrialEnd in
	// (from, to] and ReminderSent == false.
	DueReminders(ctx context.Context, from, to time.Time) ([]*TrialIndex, error)

	// DueExpirations returns index records with EffectiveTrialEnd <= asOf
	// and ExpiredProcessed == false.
	DueExpirations(ctx context.Context, asOf time.Time) ([]*TrialIndex, error)
}

// Batch collects writes that must land atomically.
type Batch struct {
	entitlements []*Entitlement
	indexPuts    []*TrialIndex
	indexDeletes []uuid.UUID
	links        []*CustomerLink
}

// NewBatch creates an empty batch.
func NewBatch() *Batch {
	return &Batch{}
}

// PutEntitlement stages an entitlement upsert.
func (b *Batch) PutEntitlement(e *Entitlement) *Batch {
	b.entitlements = append(b.entitlements, e)
	return b
}

// PutTrialIndex stages a trial-index upsert.
func (b *Batch) PutTrialIndex(ti *TrialIndex) *Batch {
	b.indexPuts = append(b.indexPuts, ti)
	return b
}

// DeleteTrialIndex stages a trial-index delete. Deleting a missing record
// is a no-op so replayed events stay idempotent.
func (b *Batch) DeleteTrialIndex(childProfileID uuid.UUID) *Batch {
	b.indexDeletes = append(b.indexDeletes, childProfileID)
	return b
}

// PutCustomerLink stages a customer-link upsert.
func (b *Batch) PutCustomerLink(l *CustomerLink) *Batch {
	b.links = append(b.links, l)
	return b
}

// Empty reports whether the batch has no staged writes.
func (b *Batch) Empty() bool {
	return len(b.entitlements) == 0 && len(b.indexPuts) == 0 &&
		len(b.indexDeletes) == 0 && len(b.links) == 0
}

// Entitlements exposes staged entitlement upserts to store implementations.
func (b *Batch) Entitlements() []*Entitlement { return b.entitlements }

// IndexPuts exposes staged index upserts to store implementations.
func (b *Batch) IndexPuts() []*TrialIndex { return b.indexPuts }

// IndexDeletes exposes staged index deletes to store implementations.
func (b *Batch) IndexDeletes() []uuid.UUID { return b.indexDeletes }

// Links exposes staged customer-link upserts to store implementations.
func (b *Batch) Links() []*CustomerLink { return b.links }
