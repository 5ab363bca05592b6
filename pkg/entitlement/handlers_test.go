package entitlement_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenkids/entitlements/pkg/billing"
	"github.com/lumenkids/entitlements/pkg/entitlement"
	"github.com/lumenkids/entitlements/pkg/notification"
)

type stubProvider struct {
	subscription *billing.SubscriptionState
	getErr       error
	getCalls     int
}

func (p *stubProvider) CreateCheckoutLink(ctx context.Context, req billing.CheckoutRequest) (*billing.CheckoutLink, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) GetCustomerPortalLink(ctx context.Context, customerID, subscriptionID string) (*billing.PortalLink, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*billing.Event, error) {
	return nil, errors.New("not implemented")
}

func (p *stubProvider) GetSubscription(ctx context.Context, subscriptionID string) (*billing.SubscriptionState, error) {
	p.getCalls++
	if p.getErr != nil {
		return nil, p.getErr
	}
	if p.subscription == nil || p.subscription.ID != subscriptionID {
		return nil, billing.ErrSubscriptionNotFound
	}
	return p.subscription, nil
}

type stubDirectory struct {
	emails map[uuid.UUID]string
}

func (d *stubDirectory) ParentEmail(ctx context.Context, parentUID uuid.UUID) (string, error) {
	email, ok := d.emails[parentUID]
	if !ok {
		return "", entitlement.ErrParentEmailUnknown
	}
	return email, nil
}

type handlersFixture struct {
	store    *entitlement.MemoryStore
	provider *stubProvider
	notifier *notification.MemoryEnqueuer
	handlers *entitlement.Handlers

	parentUID uuid.UUID
	childID   uuid.UUID
	trialEnd  time.Time
	now       time.Time
}

func newHandlersFixture(t *testing.T) *handlersFixture {
	t.Helper()

	now := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)
	store := entitlement.NewMemoryStore()
	provider := &stubProvider{}
	notifier := notification.NewMemoryEnqueuer()

	svc := entitlement.NewService(store, entitlement.WithClock(fixedClock(now.AddDate(0, 0, -2))))
	parentUID := uuid.New()
	childID := uuid.New()
	e, err := svc.StartTrial(context.Background(), parentUID, childID)
	require.NoError(t, err)

	directory := &stubDirectory{emails: map[uuid.UUID]string{parentUID: "parent@example.com"}}
	handlers := entitlement.NewHandlers(store, provider, notifier, directory,
		entitlement.WithHandlersClock(fixedClock(now)))

	return &handlersFixture{
		store:     store,
		provider:  provider,
		notifier:  notifier,
		handlers:  handlers,
		parentUID: parentUID,
		childID:   childID,
		trialEnd:  e.TrialEndDate,
		now:       now,
	}
}

func (f *handlersFixture) subscriptionCreatedEvent() *billing.Event {
	periodStart := f.now
	periodEnd := f.now.AddDate(0, 1, 0)
	return &billing.Event{
		ID:                 "evt_sub_created_1",
		Type:               billing.EventSubscriptionCreated,
		OccurredAt:         f.now,
		SubscriptionID:     "sub_123",
		CustomerID:         "ctm_123",
		ParentUID:          f.parentUID.String(),
		ChildProfileID:     f.childID.String(),
		PriceID:            "pri_monthly",
		Interval:           "month",
		CurrentPeriodStart: &periodStart,
		CurrentPeriodEnd:   &periodEnd,
	}
}

func TestHandlers_SubscriptionCreated(t *testing.T) {
	t.Parallel()

	t.Run("activates and removes trial index atomically", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
		assert.Equal(t, "sub_123", e.ExternalSubscriptionID)
		assert.Equal(t, "ctm_123", e.ExternalCustomerID)
		assert.Equal(t, "pri_monthly", e.PriceID)
		assert.Equal(t, entitlement.BillingIntervalMonth, e.BillingInterval)

		_, err = f.store.GetTrialIndex(context.Background(), f.childID)
		assert.ErrorIs(t, err, entitlement.ErrTrialIndexNotFound)

		parentUID, err := f.store.ParentByCustomerID(context.Background(), "ctm_123")
		require.NoError(t, err)
		assert.Equal(t, f.parentUID, parentUID)

		sent := f.notifier.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, notification.TemplateSubscriptionStarted, sent[0].TemplateID)
		assert.Equal(t, "parent@example.com", sent[0].To)
	})

	t.Run("replay produces identical state and one notification", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		evt := f.subscriptionCreatedEvent()

		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), evt))
		first, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)

		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), evt))
		second, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Len(t, f.notifier.Sent(), 1)
		assert.Equal(t, 2, f.notifier.Attempts("evt:evt_sub_created_1:subscription_started"))
	})

	t.Run("unknown child is acknowledged without writes", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		evt := f.subscriptionCreatedEvent()
		evt.ChildProfileID = uuid.NewString()
		evt.SubscriptionID = "sub_orphan"
		evt.CustomerID = "ctm_orphan"

		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusTrial, e.Status)
	})

	t.Run("store failure propagates for redelivery", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		f.store.FailCommits(errors.New("transient"))

		err := f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent())
		require.Error(t, err)
	})
}

func TestHandlers_SubscriptionUpdated(t *testing.T) {
	t.Parallel()

	t.Run("scheduled cancellation", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

		periodEnd := f.now.AddDate(0, 1, 0)
		evt := &billing.Event{
			ID:                "evt_sub_updated_1",
			Type:              billing.EventSubscriptionUpdated,
			OccurredAt:        f.now.Add(time.Hour),
			SubscriptionID:    "sub_123",
			CancelAtPeriodEnd: true,
			CurrentPeriodEnd:  &periodEnd,
		}
		require.NoError(t, f.handlers.SubscriptionUpdated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCanceled, e.Status)
		assert.True(t, e.CancelAtPeriodEnd)
		assert.True(t, e.HasAccessAt(f.now.Add(2*time.Hour)))
		assert.False(t, e.HasAccessAt(periodEnd))
	})

	t.Run("reactivation", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

		cancel := &billing.Event{
			ID: "evt_c", Type: billing.EventSubscriptionUpdated,
			SubscriptionID: "sub_123", CancelAtPeriodEnd: true,
		}
		require.NoError(t, f.handlers.SubscriptionUpdated(context.Background(), cancel))

		resume := &billing.Event{
			ID: "evt_r", Type: billing.EventSubscriptionUpdated,
			SubscriptionID: "sub_123", CancelAtPeriodEnd: false,
		}
		require.NoError(t, f.handlers.SubscriptionUpdated(context.Background(), resume))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
		assert.False(t, e.CancelAtPeriodEnd)
	})

	t.Run("update before create recovers from provider", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)

		periodStart := f.now
		periodEnd := f.now.AddDate(1, 0, 0)
		f.provider.subscription = &billing.SubscriptionState{
			ID:                 "sub_456",
			CustomerID:         "ctm_456",
			Status:             "active",
			PriceID:            "pri_yearly",
			Interval:           "year",
			ParentUID:          f.parentUID.String(),
			ChildProfileID:     f.childID.String(),
			CurrentPeriodStart: &periodStart,
			CurrentPeriodEnd:   &periodEnd,
		}

		// Update arrives first; its own payload claims a cancellation that
		// the authoritative read contradicts.
		evt := &billing.Event{
			ID:                "evt_ooo",
			Type:              billing.EventSubscriptionUpdated,
			SubscriptionID:    "sub_456",
			CancelAtPeriodEnd: true,
		}
		require.NoError(t, f.handlers.SubscriptionUpdated(context.Background(), evt))
		assert.Equal(t, 1, f.provider.getCalls)

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
		assert.Equal(t, "sub_456", e.ExternalSubscriptionID)
		assert.Equal(t, "pri_yearly", e.PriceID)
		assert.Equal(t, entitlement.BillingIntervalYear, e.BillingInterval)
		assert.False(t, e.CancelAtPeriodEnd)

		_, err = f.store.GetTrialIndex(context.Background(), f.childID)
		assert.ErrorIs(t, err, entitlement.ErrTrialIndexNotFound)

		// The later arrival of the original create event converges to the
		// same linked state.
		create := f.subscriptionCreatedEvent()
		create.SubscriptionID = "sub_456"
		create.CustomerID = "ctm_456"
		create.PriceID = "pri_yearly"
		create.Interval = "year"
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), create))

		e, err = f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
		assert.Equal(t, "sub_456", e.ExternalSubscriptionID)
	})

	t.Run("provider re-read failure propagates for redelivery", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		f.provider.getErr = errors.New("provider unavailable")

		evt := &billing.Event{
			ID:             "evt_ooo_fail",
			Type:           billing.EventSubscriptionUpdated,
			SubscriptionID: "sub_789",
		}
		err := f.handlers.SubscriptionUpdated(context.Background(), evt)
		require.Error(t, err)
	})
}

func TestHandlers_SubscriptionDeleted(t *testing.T) {
	t.Parallel()

	f := newHandlersFixture(t)
	require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

	evt := &billing.Event{
		ID:             "evt_sub_deleted_1",
		Type:           billing.EventSubscriptionDeleted,
		SubscriptionID: "sub_123",
	}
	require.NoError(t, f.handlers.SubscriptionDeleted(context.Background(), evt))

	e, err := f.store.GetEntitlement(context.Background(), f.childID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusExpired, e.Status)
	assert.False(t, e.HasAccessAt(f.now))

	var ended int
	for _, intent := range f.notifier.Sent() {
		if intent.TemplateID == notification.TemplateSubscriptionEnded {
			ended++
		}
	}
	assert.Equal(t, 1, ended)
}

func TestHandlers_PaymentLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("failed payment opens deterministic grace window", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

		occurred := f.now.Add(30 * time.Minute)
		evt := &billing.Event{
			ID:             "evt_pay_failed_1",
			Type:           billing.EventPaymentFailed,
			OccurredAt:     occurred,
			SubscriptionID: "sub_123",
		}
		require.NoError(t, f.handlers.PaymentFailed(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusPastDue, e.Status)
		require.NotNil(t, e.GraceUntil)
		assert.Equal(t, occurred.Add(entitlement.GracePeriod), *e.GraceUntil)
		assert.True(t, e.HasAccessAt(occurred.Add(time.Hour)))
		assert.False(t, e.HasAccessAt(occurred.Add(entitlement.GracePeriod)))

		// Redelivery computes the same deadline and queues no second email.
		require.NoError(t, f.handlers.PaymentFailed(context.Background(), evt))
		replayed, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, *e.GraceUntil, *replayed.GraceUntil)

		var failed int
		for _, intent := range f.notifier.Sent() {
			if intent.TemplateID == notification.TemplatePaymentFailed {
				failed++
			}
		}
		assert.Equal(t, 1, failed)
	})

	t.Run("successful payment clears grace", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))

		failEvt := &billing.Event{
			ID: "evt_f", Type: billing.EventPaymentFailed,
			OccurredAt: f.now, SubscriptionID: "sub_123",
		}
		require.NoError(t, f.handlers.PaymentFailed(context.Background(), failEvt))

		payEvt := &billing.Event{
			ID: "evt_p", Type: billing.EventPaymentSucceeded,
			OccurredAt: f.now.Add(time.Hour), SubscriptionID: "sub_123",
			Amount: 999, Currency: "USD",
		}
		require.NoError(t, f.handlers.PaymentSucceeded(context.Background(), payEvt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
		assert.Nil(t, e.GraceUntil)
		assert.Equal(t, int64(999), e.LastPaymentAmount)
		assert.Equal(t, "USD", e.Currency)
	})
}

func TestHandlers_CheckoutCompleted(t *testing.T) {
	t.Parallel()

	f := newHandlersFixture(t)
	evt := &billing.Event{
		ID:             "evt_checkout_1",
		Type:           billing.EventCheckoutCompleted,
		OccurredAt:     f.now,
		SubscriptionID: "sub_123",
		CustomerID:     "ctm_123",
		ParentUID:      f.parentUID.String(),
		ChildProfileID: f.childID.String(),
		Amount:         999,
		Currency:       "USD",
	}
	require.NoError(t, f.handlers.CheckoutCompleted(context.Background(), evt))

	e, err := f.store.GetEntitlement(context.Background(), f.childID)
	require.NoError(t, err)
	assert.Equal(t, "ctm_123", e.ExternalCustomerID)
	assert.Equal(t, "sub_123", e.ExternalSubscriptionID)
	assert.Equal(t, int64(999), e.LastPaymentAmount)
	// Checkout alone never flips the status; the subscription event does.
	assert.Equal(t, entitlement.StatusTrial, e.Status)

	parentUID, err := f.store.ParentByCustomerID(context.Background(), "ctm_123")
	require.NoError(t, err)
	assert.Equal(t, f.parentUID, parentUID)
}

func TestHandlers_Refunds(t *testing.T) {
	t.Parallel()

	pay := func(t *testing.T, f *handlersFixture) {
		t.Helper()
		require.NoError(t, f.handlers.SubscriptionCreated(context.Background(), f.subscriptionCreatedEvent()))
		payEvt := &billing.Event{
			ID: "evt_pay", Type: billing.EventPaymentSucceeded,
			OccurredAt: f.now, SubscriptionID: "sub_123",
			Amount: 999, Currency: "USD",
		}
		require.NoError(t, f.handlers.PaymentSucceeded(context.Background(), payEvt))
	}

	t.Run("full refund revokes access", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		pay(t, f)

		evt := &billing.Event{
			ID: "evt_refund_full", Type: billing.EventRefundCreated,
			SubscriptionID: "sub_123", RefundAmount: 999, OriginalAmount: 999,
		}
		require.NoError(t, f.handlers.RefundCreated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, e.Status)
	})

	t.Run("partial refund is a no-op", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		pay(t, f)

		evt := &billing.Event{
			ID: "evt_refund_partial", Type: billing.EventRefundCreated,
			SubscriptionID: "sub_123", RefundAmount: 500, OriginalAmount: 999,
		}
		require.NoError(t, f.handlers.RefundCreated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusActive, e.Status)
	})

	t.Run("partial refund logs event and child identifiers", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		pay(t, f)

		var buf bytes.Buffer
		handlers := entitlement.NewHandlers(f.store, f.provider, f.notifier,
			&stubDirectory{},
			entitlement.WithHandlersClock(fixedClock(f.now)),
			entitlement.WithHandlersLogger(slog.New(slog.NewJSONHandler(&buf, nil))))

		evt := &billing.Event{
			ID: "evt_refund_partial_log", Type: billing.EventRefundCreated,
			SubscriptionID: "sub_123", RefundAmount: 500, OriginalAmount: 999,
		}
		require.NoError(t, handlers.RefundCreated(context.Background(), evt))

		assert.Contains(t, buf.String(), `"event_id":"evt_refund_partial_log"`)
		assert.Contains(t, buf.String(), `"child_profile_id":"`+f.childID.String()+`"`)
	})

	t.Run("full refund against recorded last payment", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		pay(t, f)

		// Adjustment events sometimes omit the original charge total.
		evt := &billing.Event{
			ID: "evt_refund_nototal", Type: billing.EventRefundCreated,
			SubscriptionID: "sub_123", RefundAmount: 999,
		}
		require.NoError(t, f.handlers.RefundCreated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, e.Status)
	})

	t.Run("dispute revokes immediately", func(t *testing.T) {
		t.Parallel()

		f := newHandlersFixture(t)
		pay(t, f)

		evt := &billing.Event{
			ID: "evt_dispute", Type: billing.EventDisputeCreated,
			SubscriptionID: "sub_123", RefundAmount: 999,
		}
		require.NoError(t, f.handlers.DisputeCreated(context.Background(), evt))

		e, err := f.store.GetEntitlement(context.Background(), f.childID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusExpired, e.Status)
		assert.False(t, e.HasAccessAt(f.now))
	})
}

func TestHandlers_ResolveByCustomerLink(t *testing.T) {
	t.Parallel()

	f := newHandlersFixture(t)

	// Checkout records the link; a later event carrying only the customer
	// id still resolves to the child.
	checkout := &billing.Event{
		ID: "evt_checkout", Type: billing.EventCheckoutCompleted,
		CustomerID:     "ctm_link",
		ParentUID:      f.parentUID.String(),
		ChildProfileID: f.childID.String(),
	}
	require.NoError(t, f.handlers.CheckoutCompleted(context.Background(), checkout))

	evt := &billing.Event{
		ID: "evt_pay_linkonly", Type: billing.EventPaymentSucceeded,
		OccurredAt: f.now, CustomerID: "ctm_link",
		Amount: 999, Currency: "USD",
	}
	require.NoError(t, f.handlers.PaymentSucceeded(context.Background(), evt))

	e, err := f.store.GetEntitlement(context.Background(), f.childID)
	require.NoError(t, err)
	require.NotNil(t, e.LastPaymentDate)
	assert.Equal(t, int64(999), e.LastPaymentAmount)
}

func TestHandlers_MissingParentEmail(t *testing.T) {
	t.Parallel()

	store := entitlement.NewMemoryStore()
	notifier := notification.NewMemoryEnqueuer()
	now := time.Date(2025, 3, 5, 9, 0, 0, 0, time.UTC)

	svc := entitlement.NewService(store, entitlement.WithClock(fixedClock(now)))
	parentUID := uuid.New()
	childID := uuid.New()
	_, err := svc.StartTrial(context.Background(), parentUID, childID)
	require.NoError(t, err)

	handlers := entitlement.NewHandlers(store, &stubProvider{}, notifier,
		&stubDirectory{emails: map[uuid.UUID]string{}},
		entitlement.WithHandlersClock(fixedClock(now)))

	evt := &billing.Event{
		ID: "evt_noemail", Type: billing.EventSubscriptionCreated,
		OccurredAt:     now,
		SubscriptionID: "sub_1", CustomerID: "ctm_1",
		ParentUID: parentUID.String(), ChildProfileID: childID.String(),
		PriceID: "pri_monthly", Interval: "month",
	}
	// The committed state transition survives a failed address lookup.
	require.NoError(t, handlers.SubscriptionCreated(context.Background(), evt))

	e, err := store.GetEntitlement(context.Background(), childID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusActive, e.Status)
	assert.Empty(t, notifier.Sent())
}
