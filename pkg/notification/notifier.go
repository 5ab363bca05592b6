// Package notification hands notification intents to the external email
// queue. Delivery is fire-and-forget from the caller's point of view; the
// dedupe key lets the downstream queue drop duplicates produced by crash
// replays of the trial scheduler.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Template aliases known to the email queue.
const (
	TemplateTrialEndingSoon     = "trial-ending-soon"
	TemplateTrialEnded          = "trial-ended"
	TemplateSubscriptionStarted = "subscription-started"
	TemplateSubscriptionEnded   = "subscription-ended"
	TemplatePaymentFailed       = "payment-failed"
)

// Intent is one queued notification.
type Intent struct {
	To           string         `json:"to"`
	TemplateID   string         `json:"template_id"`
	TemplateData map[string]any `json:"template_data,omitempty"`

	// DedupeKey identifies the business occurrence this intent belongs to,
	// e.g. one (child, effective trial end, kind) tuple. Two intents with
	// the same key are the same notification.
	DedupeKey string `json:"dedupe_key,omitempty"`
}

// Enqueuer hands intents to the notification queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, intent Intent) error
}

// DedupeKey builds the scheduler's dedupe key for a trial notification.
func DedupeKey(childProfileID uuid.UUID, effectiveTrialEnd time.Time, kind string) string {
	return fmt.Sprintf("%s:%d:%s", childProfileID, effectiveTrialEnd.Unix(), kind)
}
