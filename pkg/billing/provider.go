package billing

import (
	"context"
	"time"
)

// Provider defines the minimal interface toward the payment provider.
// The abstraction keeps the entitlement core independent of a specific
// vendor; all payment complexity stays behind hosted checkouts and the
// provider's customer portal.
type Provider interface {
	// CreateCheckoutLink creates a hosted checkout session. The request
	// metadata must round-trip through the provider so webhook events can
	// be linked back to the originating parent and child profile.
	CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error)

	// GetCustomerPortalLink returns a temporary link to the customer portal
	// where parents update payment methods, cancel, or change plans.
	GetCustomerPortalLink(ctx context.Context, customerID, subscriptionID string) (*PortalLink, error)

	// ParseWebhook verifies the payload signature and normalizes the event.
	// It must not be handed a pre-parsed or mutated body; verification runs
	// against the raw bytes.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)

	// GetSubscription fetches the authoritative current subscription state.
	// Used to self-heal out-of-order event delivery: an update observed
	// before its create is replayed from this state, not the event payload.
	GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error)
}

// CheckoutRequest contains data needed to create a checkout session.
type CheckoutRequest struct {
	PriceID        string
	ParentUID      string
	ChildProfileID string
	Email          string // optional billing email
	SuccessURL     string
}

// CheckoutLink represents a hosted checkout session.
type CheckoutLink struct {
	URL       string
	SessionID string
	ExpiresAt time.Time
}

// PortalLink represents a customer portal session.
type PortalLink struct {
	URL       string
	CancelURL string
	ExpiresAt time.Time
}

// SubscriptionState is the provider's authoritative view of one
// subscription, independent of any webhook payload.
type SubscriptionState struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceID            string
	Interval           string // "month" or "year"
	ParentUID          string // from checkout metadata, may be empty
	ChildProfileID     string // from checkout metadata, may be empty
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}
