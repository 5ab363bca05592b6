package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// TrialIndex is a denormalized projection of trial timing, kept separate
// from the authoritative entitlement so the scheduler can range-scan due
// reminders and expirations. It exists only while a trial is relevant and
// is deleted in the same batch that records a paid subscription.
//
// Existence of an index record does not imply the entitlement status is
// still "trial"; the two records are joined only by the child profile id
// and consistency is enforced at write time via the batch.
type TrialIndex struct {
	ChildProfileID uuid.UUID `json:"child_profile_id"`
	ParentUID      uuid.UUID `json:"parent_uid"`

	// TrialEndDate is the unmodified original trial end.
	TrialEndDate time.Time `json:"trial_end_date"`

	// EffectiveTrialEnd is max(TrialEndDate, TrialExtendedUntil), the value
	// the scheduler compares against now. Recomputed whenever either input
	// changes; it never decreases.
	EffectiveTrialEnd time.Time `json:"effective_trial_end"`

	// ReminderSent gates the "trial ending soon" notification for the
	// current EffectiveTrialEnd. Reset to false on extension.
	ReminderSent bool `json:"reminder_sent"`

	// ExpiredProcessed gates the expiry transition for the current
	// EffectiveTrialEnd. Reset to false on extension.
	ExpiredProcessed bool `json:"expired_processed"`
}

// CustomerLink maps the payment provider's customer id to the internal
// parent account. Persisted at first checkout so later webhook events
// missing linkage metadata can still be resolved.
type CustomerLink struct {
	CustomerID string    `json:"customer_id"`
	ParentUID  uuid.UUID `json:"parent_uid"`
	CreatedAt  time.Time `json:"created_at"`
}
