package billing

import "time"

// EventType represents the normalized billing event type. Provider
// implementations map their specific event names to these types; the
// handler registry is keyed by them.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout_completed"
	EventSubscriptionCreated EventType = "subscription_created"
	EventSubscriptionUpdated EventType = "subscription_updated"
	EventSubscriptionDeleted EventType = "subscription_deleted"
	EventPaymentSucceeded    EventType = "payment_succeeded"
	EventPaymentFailed       EventType = "payment_failed"
	EventRefundCreated       EventType = "refund_created"
	EventDisputeCreated      EventType = "dispute_created"

	// EventUnknown marks provider events this service has no handler for.
	// They are acknowledged and skipped so new provider event types never
	// break webhook delivery.
	EventUnknown EventType = "unknown"
)

// Event is a normalized webhook event from the payment provider.
type Event struct {
	ID            string    // provider's unique event id, dedupe key
	Type          EventType // normalized event type
	ProviderEvent string    // original provider event name
	OccurredAt    time.Time

	SubscriptionID string
	CustomerID     string

	// Linkage metadata from checkout custom data. May be empty; handlers
	// then fall back to the persisted customer-id index.
	ParentUID      string
	ChildProfileID string

	PriceID            string
	Status             string
	Interval           string // "month" or "year"
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool

	// Payment and adjustment amounts in the smallest currency unit.
	Amount       int64
	Currency     string
	RefundAmount int64

	// OriginalAmount is the total of the charge being adjusted. Paddle
	// adjustment payloads do not carry it, so it stays zero for Paddle
	// events and consumers treat the entitlement's recorded last payment
	// as the charge total.
	OriginalAmount int64

	Raw map[string]any // full provider data for logging and diagnostics
}
