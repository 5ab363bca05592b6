package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the access state of one child profile.
type Status string

const (
	StatusTrial        Status = "trial"
	StatusTrialExpired Status = "trial_expired"
	StatusActive       Status = "active"
	StatusPastDue      Status = "past_due"
	StatusCanceled     Status = "canceled"
	StatusExpired      Status = "expired"
)

// BillingInterval represents the billing frequency of a paid subscription.
type BillingInterval string

const (
	BillingIntervalMonth BillingInterval = "month"
	BillingIntervalYear  BillingInterval = "year"
)

// DefaultTrialDays is the trial window granted at profile creation.
const DefaultTrialDays = 7

// GracePeriod is the access-continuation window after a failed payment.
const GracePeriod = 7 * 24 * time.Hour

// Entitlement is the authoritative access record for one child profile.
// It is mutated only by the webhook event handlers, the trial scheduler,
// and the admin override, always through the store's atomic batch.
type Entitlement struct {
	ParentUID      uuid.UUID `json:"parent_uid"`
	ChildProfileID uuid.UUID `json:"child_profile_id"`
	Status         Status    `json:"status"`

	// Trial window, immutable once set at creation.
	TrialStartDate time.Time `json:"trial_start_date"`
	TrialEndDate   time.Time `json:"trial_end_date"`

	// Admin override fields. When set, TrialExtendedUntil supersedes
	// TrialEndDate for expiry purposes.
	TrialExtendedUntil   *time.Time `json:"trial_extended_until,omitempty"`
	TrialExtensionReason string     `json:"trial_extension_reason,omitempty"`
	TrialExtensionSetBy  string     `json:"trial_extension_set_by,omitempty"`
	TrialExtensionSetAt  *time.Time `json:"trial_extension_set_at,omitempty"`

	// Payment provider linkage, empty until first checkout.
	ExternalCustomerID     string `json:"external_customer_id,omitempty"`
	ExternalSubscriptionID string `json:"external_subscription_id,omitempty"`

	// Subscription period metadata, zero while on trial.
	PriceID            string          `json:"price_id,omitempty"`
	BillingInterval    BillingInterval `json:"billing_interval,omitempty"`
	CurrentPeriodStart *time.Time      `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time      `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool            `json:"cancel_at_period_end"`

	// GraceUntil is set when a payment fails; access continues until it
	// passes. Revocation still requires a provider event, never time alone.
	GraceUntil *time.Time `json:"grace_until,omitempty"`

	LastPaymentDate   *time.Time `json:"last_payment_date,omitempty"`
	LastPaymentAmount int64      `json:"last_payment_amount,omitempty"`
	Currency          string     `json:"currency,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// EffectiveTrialEnd returns the later of the original trial end and any
// admin-granted extension.
func (e *Entitlement) EffectiveTrialEnd() time.Time {
	if e.TrialExtendedUntil != nil && e.TrialExtendedUntil.After(e.TrialEndDate) {
		return *e.TrialExtendedUntil
	}
	return e.TrialEndDate
}

// HasAccessAt reports whether the child has product access at the given
// instant. A past_due child keeps access through the grace window; a
// canceled child keeps access until the paid period ends.
func (e *Entitlement) HasAccessAt(now time.Time) bool {
	switch e.Status {
	case StatusTrial:
		return now.Before(e.EffectiveTrialEnd())
	case StatusActive:
		return true
	case StatusPastDue:
		return e.GraceUntil != nil && now.Before(*e.GraceUntil)
	case StatusCanceled:
		return e.CurrentPeriodEnd != nil && now.Before(*e.CurrentPeriodEnd)
	default:
		return false
	}
}

// HasSubscription reports whether a provider subscription is linked.
func (e *Entitlement) HasSubscription() bool {
	return e.ExternalSubscriptionID != ""
}
