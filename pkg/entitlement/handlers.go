package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumenkids/entitlements/pkg/billing"
	"github.com/lumenkids/entitlements/pkg/logger"
	"github.com/lumenkids/entitlements/pkg/notification"
)

// Handlers holds one handler per provider event type. Every handler is an
// idempotent upsert keyed by business identifiers: replaying the same event
// produces the same final state. Business conditions a handler understands
// (missing child, partial refund) are logged and swallowed; provider or
// store failures propagate so the webhook processor signals a retry.
type Handlers struct {
	store     Store
	provider  billing.Provider
	notifier  notification.Enqueuer
	directory ParentDirectory
	log       *slog.Logger
	now       func() time.Time
}

// HandlersOption configures Handlers.
type HandlersOption func(*Handlers)

// WithHandlersLogger sets the handler logger.
func WithHandlersLogger(log *slog.Logger) HandlersOption {
	return func(h *Handlers) {
		if log != nil {
			h.log = log
		}
	}
}

// WithHandlersClock overrides the time source, used by tests.
func WithHandlersClock(now func() time.Time) HandlersOption {
	return func(h *Handlers) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandlers creates the event handler set. Panics on nil required
// dependencies to fail fast during initialization.
func NewHandlers(store Store, provider billing.Provider, notifier notification.Enqueuer, directory ParentDirectory, opts ...HandlersOption) *Handlers {
	if store == nil {
		panic("entitlement: store is required")
	}
	if provider == nil {
		panic("entitlement: billing provider is required")
	}
	if notifier == nil {
		panic("entitlement: notifier is required")
	}
	if directory == nil {
		panic("entitlement: parent directory is required")
	}

	h := &Handlers{
		store:     store,
		provider:  provider,
		notifier:  notifier,
		directory: directory,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CheckoutCompleted records the provider customer linkage and the payment
// made during checkout. The status transition itself belongs to the
// subscription-created event.
func (h *Handlers) CheckoutCompleted(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	if evt.CustomerID != "" {
		e.ExternalCustomerID = evt.CustomerID
	}
	if evt.SubscriptionID != "" && e.ExternalSubscriptionID == "" {
		e.ExternalSubscriptionID = evt.SubscriptionID
	}
	if evt.Amount > 0 {
		paidAt := h.eventTime(evt)
		e.LastPaymentDate = &paidAt
		e.LastPaymentAmount = evt.Amount
		e.Currency = evt.Currency
	}
	e.UpdatedAt = h.now()

	batch := NewBatch().PutEntitlement(e)
	if evt.CustomerID != "" {
		batch.PutCustomerLink(&CustomerLink{
			CustomerID: evt.CustomerID,
			ParentUID:  e.ParentUID,
			CreatedAt:  h.now(),
		})
	}
	return h.store.Commit(ctx, batch)
}

// SubscriptionCreated moves the child onto the paid subscription and
// removes the trial index in the same batch.
func (h *Handlers) SubscriptionCreated(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	h.applySubscription(e, subscriptionFields{
		subscriptionID:    evt.SubscriptionID,
		customerID:        evt.CustomerID,
		priceID:           evt.PriceID,
		interval:          evt.Interval,
		periodStart:       evt.CurrentPeriodStart,
		periodEnd:         evt.CurrentPeriodEnd,
		cancelAtPeriodEnd: evt.CancelAtPeriodEnd,
	})

	if err := h.commitSubscription(ctx, e, evt.CustomerID); err != nil {
		return err
	}

	return h.notify(ctx, e, notification.TemplateSubscriptionStarted,
		eventDedupeKey(evt, "subscription_started"), nil)
}

// SubscriptionUpdated applies cancellation scheduling, reactivation, and
// plan changes. An update for a child with no linked subscription means the
// create event has not arrived yet; the handler then re-reads authoritative
// state from the provider and replays it through the creation transition,
// discarding the update payload.
func (h *Handlers) SubscriptionUpdated(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err == nil && e.HasSubscription() {
		if evt.CancelAtPeriodEnd && e.Status != StatusCanceled {
			e.Status = StatusCanceled
			e.CancelAtPeriodEnd = true
		} else if !evt.CancelAtPeriodEnd && e.Status == StatusCanceled {
			e.Status = StatusActive
			e.CancelAtPeriodEnd = false
		}
		if evt.PriceID != "" {
			e.PriceID = evt.PriceID
		}
		if evt.Interval != "" {
			e.BillingInterval = BillingInterval(evt.Interval)
		}
		if evt.CurrentPeriodStart != nil {
			e.CurrentPeriodStart = evt.CurrentPeriodStart
		}
		if evt.CurrentPeriodEnd != nil {
			e.CurrentPeriodEnd = evt.CurrentPeriodEnd
		}
		e.UpdatedAt = h.now()

		return h.store.Commit(ctx, NewBatch().PutEntitlement(e))
	}
	if err != nil && !errors.Is(err, ErrUnresolvableEvent) {
		return err
	}

	return h.recoverFromProvider(ctx, evt, e)
}

// SubscriptionDeleted ends access from any status.
func (h *Handlers) SubscriptionDeleted(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	e.Status = StatusExpired
	e.GraceUntil = nil
	e.UpdatedAt = h.now()

	batch := NewBatch().PutEntitlement(e).DeleteTrialIndex(e.ChildProfileID)
	if err := h.store.Commit(ctx, batch); err != nil {
		return err
	}

	return h.notify(ctx, e, notification.TemplateSubscriptionEnded,
		eventDedupeKey(evt, "subscription_ended"), nil)
}

// PaymentSucceeded records the charge and ends any grace window.
func (h *Handlers) PaymentSucceeded(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	if e.Status == StatusPastDue {
		e.Status = StatusActive
	}
	e.GraceUntil = nil

	paidAt := h.eventTime(evt)
	e.LastPaymentDate = &paidAt
	if evt.Amount > 0 {
		e.LastPaymentAmount = evt.Amount
		e.Currency = evt.Currency
	}
	e.UpdatedAt = h.now()

	return h.store.Commit(ctx, NewBatch().PutEntitlement(e))
}

// PaymentFailed opens the grace window. Access is not revoked here; the
// grace period carries the child until the provider reports a final
// outcome. The window is anchored to the event's occurrence time so a
// redelivered event computes the same deadline.
func (h *Handlers) PaymentFailed(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	if e.Status == StatusActive {
		e.Status = StatusPastDue
	}
	if e.Status == StatusPastDue && e.GraceUntil == nil {
		graceUntil := h.eventTime(evt).Add(GracePeriod)
		e.GraceUntil = &graceUntil
	}
	e.UpdatedAt = h.now()

	if err := h.store.Commit(ctx, NewBatch().PutEntitlement(e)); err != nil {
		return err
	}

	return h.notify(ctx, e, notification.TemplatePaymentFailed,
		eventDedupeKey(evt, "payment_failed"), map[string]any{
			"grace_until": e.GraceUntil,
		})
}

// RefundCreated revokes access on a full refund of the most recent charge.
// A partial refund is a logged no-op.
func (h *Handlers) RefundCreated(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	charge := evt.OriginalAmount
	if charge == 0 {
		charge = e.LastPaymentAmount
	}
	if charge == 0 || evt.RefundAmount < charge {
		h.log.InfoContext(ctx, "partial refund ignored",
			logger.EventID(evt.ID),
			logger.ChildID(e.ChildProfileID),
			slog.Int64("refund_amount", evt.RefundAmount),
			slog.Int64("charge_amount", charge))
		return nil
	}

	e.Status = StatusExpired
	e.GraceUntil = nil
	e.UpdatedAt = h.now()

	batch := NewBatch().PutEntitlement(e).DeleteTrialIndex(e.ChildProfileID)
	return h.store.Commit(ctx, batch)
}

// DisputeCreated treats a chargeback like a full refund: access ends
// immediately.
func (h *Handlers) DisputeCreated(ctx context.Context, evt *billing.Event) error {
	e, err := h.resolve(ctx, evt)
	if err != nil {
		return h.drop(ctx, evt, err)
	}

	h.log.WarnContext(ctx, "payment disputed, revoking access",
		logger.EventID(evt.ID),
		logger.ChildID(e.ChildProfileID))

	e.Status = StatusExpired
	e.GraceUntil = nil
	e.UpdatedAt = h.now()

	batch := NewBatch().PutEntitlement(e).DeleteTrialIndex(e.ChildProfileID)
	return h.store.Commit(ctx, batch)
}

type subscriptionFields struct {
	subscriptionID    string
	customerID        string
	priceID           string
	interval          string
	periodStart       *time.Time
	periodEnd         *time.Time
	cancelAtPeriodEnd bool
}

func (h *Handlers) applySubscription(e *Entitlement, f subscriptionFields) {
	e.Status = StatusActive
	if f.cancelAtPeriodEnd {
		e.Status = StatusCanceled
	}
	e.ExternalSubscriptionID = f.subscriptionID
	if f.customerID != "" {
		e.ExternalCustomerID = f.customerID
	}
	e.PriceID = f.priceID
	e.BillingInterval = BillingInterval(f.interval)
	e.CurrentPeriodStart = f.periodStart
	e.CurrentPeriodEnd = f.periodEnd
	e.CancelAtPeriodEnd = f.cancelAtPeriodEnd
	e.GraceUntil = nil
	e.UpdatedAt = h.now()
}

// commitSubscription writes the entitlement, removes the trial index, and
// records the customer link, all in one batch.
func (h *Handlers) commitSubscription(ctx context.Context, e *Entitlement, customerID string) error {
	batch := NewBatch().PutEntitlement(e).DeleteTrialIndex(e.ChildProfileID)
	if customerID != "" {
		batch.PutCustomerLink(&CustomerLink{
			CustomerID: customerID,
			ParentUID:  e.ParentUID,
			CreatedAt:  h.now(),
		})
	}
	return h.store.Commit(ctx, batch)
}

// recoverFromProvider handles an update that arrived before its create:
// authoritative state is fetched from the provider and replayed through the
// creation transition. The original event payload is discarded.
func (h *Handlers) recoverFromProvider(ctx context.Context, evt *billing.Event, e *Entitlement) error {
	if evt.SubscriptionID == "" {
		return h.drop(ctx, evt, ErrUnresolvableEvent)
	}

	state, err := h.provider.GetSubscription(ctx, evt.SubscriptionID)
	if err != nil {
		return fmt.Errorf("authoritative subscription re-read failed: %w", err)
	}

	if e == nil {
		recovered := *evt
		recovered.ParentUID = state.ParentUID
		recovered.ChildProfileID = state.ChildProfileID
		recovered.CustomerID = state.CustomerID
		if e, err = h.resolve(ctx, &recovered); err != nil {
			return h.drop(ctx, evt, err)
		}
	}

	h.log.InfoContext(ctx, "recovered out-of-order subscription event",
		logger.EventID(evt.ID),
		slog.String("subscription_id", state.ID),
		logger.ChildID(e.ChildProfileID))

	h.applySubscription(e, subscriptionFields{
		subscriptionID:    state.ID,
		customerID:        state.CustomerID,
		priceID:           state.PriceID,
		interval:          state.Interval,
		periodStart:       state.CurrentPeriodStart,
		periodEnd:         state.CurrentPeriodEnd,
		cancelAtPeriodEnd: state.CancelAtPeriodEnd,
	})
	return h.commitSubscription(ctx, e, state.CustomerID)
}

// resolve finds the entitlement an event refers to: first by the metadata
// the checkout attached, then by the linked subscription id, finally via
// the customer-link index.
func (h *Handlers) resolve(ctx context.Context, evt *billing.Event) (*Entitlement, error) {
	if evt.ChildProfileID != "" {
		childID, err := uuid.Parse(evt.ChildProfileID)
		if err == nil {
			e, err := h.store.GetEntitlement(ctx, childID)
			if err == nil {
				return e, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}
	}

	if evt.SubscriptionID != "" {
		e, err := h.store.GetEntitlementBySubscriptionID(ctx, evt.SubscriptionID)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if evt.CustomerID != "" {
		parentUID, err := h.store.ParentByCustomerID(ctx, evt.CustomerID)
		if err == nil {
			candidates, err := h.store.EntitlementsByParent(ctx, parentUID)
			if err != nil {
				return nil, err
			}
			for _, c := range candidates {
				if c.ExternalCustomerID == evt.CustomerID {
					return c, nil
				}
			}
			if len(candidates) == 1 {
				return candidates[0], nil
			}
		} else if !errors.Is(err, ErrLinkNotFound) {
			return nil, err
		}
	}

	return nil, ErrUnresolvableEvent
}

// drop logs an event the handler understands but cannot act on and reports
// success, so the provider does not redeliver it forever.
func (h *Handlers) drop(ctx context.Context, evt *billing.Event, err error) error {
	if !errors.Is(err, ErrUnresolvableEvent) && !errors.Is(err, ErrNotFound) {
		return err
	}
	h.log.WarnContext(ctx, "event dropped",
		logger.EventID(evt.ID),
		logger.EventType(evt.Type),
		slog.String("subscription_id", evt.SubscriptionID),
		slog.String("customer_id", evt.CustomerID),
		slog.Any("reason", err))
	return nil
}

func (h *Handlers) notify(ctx context.Context, e *Entitlement, templateID, dedupeKey string, extra map[string]any) error {
	email, err := h.directory.ParentEmail(ctx, e.ParentUID)
	if err != nil {
		// State is already committed; a missing address only loses the
		// courtesy email.
		h.log.WarnContext(ctx, "parent email lookup failed",
			logger.ParentUID(e.ParentUID),
			logger.Error(err))
		return nil
	}

	data := map[string]any{
		"child_profile_id": e.ChildProfileID.String(),
	}
	for k, v := range extra {
		data[k] = v
	}

	return h.notifier.Enqueue(ctx, notification.Intent{
		To:           email,
		TemplateID:   templateID,
		TemplateData: data,
		DedupeKey:    dedupeKey,
	})
}

func (h *Handlers) eventTime(evt *billing.Event) time.Time {
	if !evt.OccurredAt.IsZero() {
		return evt.OccurredAt.UTC()
	}
	return h.now()
}

func eventDedupeKey(evt *billing.Event, kind string) string {
	return fmt.Sprintf("evt:%s:%s", evt.ID, kind)
}
