package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle billing provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY,required"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET,required"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddleProvider implements Provider for Paddle.
type PaddleProvider struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
}

// NewPaddleProvider creates a new Paddle billing provider.
func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidEnvironment, cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleProvider{
		client:   client,
		verifier: paddle.NewWebhookVerifier(cfg.WebhookSecret),
	}, nil
}

// CreateCheckoutLink creates a hosted checkout session in Paddle. The parent
// and child identifiers travel in custom data so every webhook for the
// resulting subscription carries them back.
func (p *PaddleProvider) CreateCheckoutLink(ctx context.Context, req CheckoutRequest) (*CheckoutLink, error) {
	if req.PriceID == "" {
		return nil, ErrMissingPriceID
	}
	if req.ParentUID == "" {
		return nil, ErrMissingParentUID
	}
	if req.ChildProfileID == "" {
		return nil, ErrMissingChildProfileID
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})

	transactionReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"parent_uid":       req.ParentUID,
			"child_profile_id": req.ChildProfileID,
		},
	}
	if req.Email != "" {
		transactionReq.CustomData["email"] = req.Email
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle transaction: %w", err)
	}

	if transaction.Checkout == nil || transaction.Checkout.URL == nil {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutLink{
		URL:       *transaction.Checkout.URL,
		SessionID: transaction.ID,
		// Paddle checkout links typically expire in 24 hours.
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// GetCustomerPortalLink returns a link to Paddle's customer portal for the
// given Paddle customer, scoped to one subscription when an id is supplied.
func (p *PaddleProvider) GetCustomerPortalLink(ctx context.Context, customerID, subscriptionID string) (*PortalLink, error) {
	if customerID == "" {
		return nil, errors.New("customer ID is required")
	}

	portalSessionReq := &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	}
	if subscriptionID != "" {
		portalSessionReq.SubscriptionIDs = []string{subscriptionID}
	}

	portalSession, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, portalSessionReq)
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle customer portal session: %w", err)
	}

	link := &PortalLink{
		URL:       portalSession.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	for _, subURL := range portalSession.URLs.Subscriptions {
		if subURL.ID == subscriptionID && subURL.CancelSubscription != "" {
			link.CancelURL = subURL.CancelSubscription
			break
		}
	}
	if link.URL == "" {
		return nil, ErrNoPortalURL
	}

	return link, nil
}

// ParseWebhook verifies the payload signature against the signing secret and
// normalizes the event. The raw bytes are verified exactly as received.
func (p *PaddleProvider) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrWebhookVerificationFailed, err)
	}
	if !valid {
		return nil, ErrWebhookVerificationFailed
	}

	return normalizePaddleEvent(payload)
}

// GetSubscription fetches current subscription state from Paddle.
func (p *PaddleProvider) GetSubscription(ctx context.Context, subscriptionID string) (*SubscriptionState, error) {
	sub, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: subscriptionID,
	})
	if err != nil {
		return nil, errors.Join(ErrSubscriptionNotFound, err)
	}

	state := &SubscriptionState{
		ID:         sub.ID,
		CustomerID: sub.CustomerID,
		Status:     string(sub.Status),
	}

	if v, ok := sub.CustomData["parent_uid"].(string); ok {
		state.ParentUID = v
	}
	if v, ok := sub.CustomData["child_profile_id"].(string); ok {
		state.ChildProfileID = v
	}

	if len(sub.Items) > 0 {
		state.PriceID = sub.Items[0].Price.ID
		state.Interval = mapPaddleInterval(string(sub.Items[0].Price.BillingCycle.Interval))
	}
	if sub.CurrentBillingPeriod != nil {
		state.CurrentPeriodStart = parsePaddleTime(sub.CurrentBillingPeriod.StartsAt)
		state.CurrentPeriodEnd = parsePaddleTime(sub.CurrentBillingPeriod.EndsAt)
	}
	if sub.ScheduledChange != nil && sub.ScheduledChange.Action == paddle.ScheduledChangeActionCancel {
		state.CancelAtPeriodEnd = true
	}

	return state, nil
}

// normalizePaddleEvent maps a raw Paddle webhook payload to an Event.
func normalizePaddleEvent(payload []byte) (*Event, error) {
	var paddleEvent struct {
		EventID    string         `json:"event_id"`
		EventType  string         `json:"event_type"`
		OccurredAt string         `json:"occurred_at"`
		Data       map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, errors.Join(ErrMalformedPayload, err)
	}
	if paddleEvent.EventID == "" || paddleEvent.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_id or event_type", ErrMalformedPayload)
	}

	event := &Event{
		ID:            paddleEvent.EventID,
		Type:          mapPaddleEventType(paddleEvent.EventType),
		ProviderEvent: paddleEvent.EventType,
		Raw:           paddleEvent.Data,
	}
	if ts := parsePaddleTime(paddleEvent.OccurredAt); ts != nil {
		event.OccurredAt = *ts
	}

	data := paddleEvent.Data
	event.CustomerID = str(data, "customer_id")
	event.Status = str(data, "status")

	if customData, ok := data["custom_data"].(map[string]any); ok {
		event.ParentUID = str(customData, "parent_uid")
		event.ChildProfileID = str(customData, "child_profile_id")
	}

	switch {
	case strings.HasPrefix(paddleEvent.EventType, "subscription."):
		event.SubscriptionID = str(data, "id")
		if items, ok := data["items"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				if price, ok := item["price"].(map[string]any); ok {
					event.PriceID = str(price, "id")
					if cycle, ok := price["billing_cycle"].(map[string]any); ok {
						event.Interval = mapPaddleInterval(str(cycle, "interval"))
					}
				}
			}
		}
		if period, ok := data["current_billing_period"].(map[string]any); ok {
			event.CurrentPeriodStart = parsePaddleTime(str(period, "starts_at"))
			event.CurrentPeriodEnd = parsePaddleTime(str(period, "ends_at"))
		}
		if change, ok := data["scheduled_change"].(map[string]any); ok {
			event.CancelAtPeriodEnd = str(change, "action") == "cancel"
		}

	case strings.HasPrefix(paddleEvent.EventType, "transaction."):
		event.SubscriptionID = str(data, "subscription_id")
		if items, ok := data["items"].([]any); ok && len(items) > 0 {
			if item, ok := items[0].(map[string]any); ok {
				event.PriceID = str(item, "price_id")
				if event.PriceID == "" {
					if price, ok := item["price"].(map[string]any); ok {
						event.PriceID = str(price, "id")
					}
				}
			}
		}
		if details, ok := data["details"].(map[string]any); ok {
			if totals, ok := details["totals"].(map[string]any); ok {
				event.Amount = amount(totals, "total")
				event.Currency = str(totals, "currency_code")
			}
		}

	case strings.HasPrefix(paddleEvent.EventType, "adjustment."):
		event.SubscriptionID = str(data, "subscription_id")
		if totals, ok := data["totals"].(map[string]any); ok {
			event.RefundAmount = amount(totals, "total")
			event.Currency = str(totals, "currency_code")
		}
		// Chargebacks share the adjustment payload shape; the action field
		// decides which normalized type applies.
		switch str(data, "action") {
		case "chargeback", "chargeback_warning":
			event.Type = EventDisputeCreated
		case "refund":
			event.Type = EventRefundCreated
		}
	}

	return event, nil
}

// mapPaddleEventType maps Paddle event names to normalized event types.
func mapPaddleEventType(paddleEvent string) EventType {
	switch paddleEvent {
	case "transaction.completed":
		return EventCheckoutCompleted
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.updated":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	case "transaction.payment_succeeded":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	case "adjustment.created":
		return EventRefundCreated
	default:
		return EventUnknown
	}
}

func mapPaddleInterval(interval string) string {
	switch strings.ToLower(interval) {
	case "month":
		return "month"
	case "year":
		return "year"
	default:
		return interval
	}
}

func str(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

// amount parses a Paddle money string (smallest currency unit, e.g. "1099").
func amount(m map[string]any, key string) int64 {
	v, err := strconv.ParseInt(str(m, key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func parsePaddleTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil
	}
	ts = ts.UTC()
	return &ts
}
