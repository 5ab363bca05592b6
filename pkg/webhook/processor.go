package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lumenkids/entitlements/pkg/billing"
	"github.com/lumenkids/entitlements/pkg/logger"
)

// DefaultRetention is how long a processed-event record is kept for
// dedupe before the store's TTL drops it.
const DefaultRetention = 90 * 24 * time.Hour

// DefaultHandlerTimeout bounds one handler invocation. Providers time out
// webhook deliveries themselves; a handler that runs longer only produces
// a redelivery racing the original.
const DefaultHandlerTimeout = 25 * time.Second

// Handler processes one normalized provider event. Returning an error
// makes the processor answer 5xx so the provider redelivers; handlers must
// therefore be idempotent.
type Handler func(ctx context.Context, evt *billing.Event) error

// Processor verifies, deduplicates and dispatches provider webhook
// deliveries.
type Processor struct {
	provider billing.Provider
	log      EventLogStore
	handlers map[billing.EventType]Handler

	logger         *slog.Logger
	retention      time.Duration
	handlerTimeout time.Duration
	now            func() time.Time
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger.
func WithProcessorLogger(log *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if log != nil {
			p.logger = log
		}
	}
}

// WithRetention overrides how long processed records are retained.
func WithRetention(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithHandlerTimeout overrides the per-handler deadline.
func WithHandlerTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.handlerTimeout = d
		}
	}
}

// WithProcessorClock overrides the time source, used by tests.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProcessor creates a Processor. Panics on nil dependencies to fail
// fast during initialization.
func NewProcessor(provider billing.Provider, log EventLogStore, opts ...ProcessorOption) *Processor {
	if provider == nil {
		panic("webhook: billing provider is required")
	}
	if log == nil {
		panic("webhook: event log store is required")
	}

	p := &Processor{
		provider:       provider,
		log:            log,
		handlers:       make(map[billing.EventType]Handler),
		logger:         slog.Default(),
		retention:      DefaultRetention,
		handlerTimeout: DefaultHandlerTimeout,
		now:            func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to an event type. Panics on a duplicate
// registration, which is always a wiring bug.
func (p *Processor) Register(eventType billing.EventType, h Handler) {
	if h == nil {
		panic("webhook: handler is required")
	}
	if _, ok := p.handlers[eventType]; ok {
		panic(fmt.Sprintf("webhook: handler already registered for %q", eventType))
	}
	p.handlers[eventType] = h
}

// Process handles one raw delivery and returns the HTTP status the
// endpoint should answer with. A non-nil error accompanies 4xx/5xx
// statuses and carries the cause for logging.
func (p *Processor) Process(ctx context.Context, payload []byte, signature string) (int, error) {
	evt, err := p.provider.ParseWebhook(ctx, payload, signature)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("webhook rejected: %w", err)
	}
	if evt.ID == "" {
		return http.StatusBadRequest, errors.New("webhook rejected: event id missing")
	}

	l := p.logger.With(
		logger.EventID(evt.ID),
		logger.EventType(evt.Type),
		slog.String("provider_event", evt.ProviderEvent))

	record, err := p.log.Get(ctx, evt.ID)
	switch {
	case err == nil:
		if record.Processed() {
			l.InfoContext(ctx, "duplicate event acknowledged")
			return http.StatusOK, nil
		}
		// Received but never completed: a previous attempt failed after
		// the marker was written. Run the handler again.
	case errors.Is(err, ErrEventNotFound):
		record = &EventRecord{
			ID:         evt.ID,
			Type:       string(evt.Type),
			ReceivedAt: p.now(),
		}
		if err := p.log.Create(ctx, record); err != nil {
			if !errors.Is(err, ErrEventExists) {
				return http.StatusInternalServerError, fmt.Errorf("failed to record event: %w", err)
			}
			// A concurrent delivery of the same event won the insert.
			existing, err := p.log.Get(ctx, evt.ID)
			if err == nil && existing.Processed() {
				l.InfoContext(ctx, "duplicate event acknowledged")
				return http.StatusOK, nil
			}
		}
	default:
		return http.StatusInternalServerError, fmt.Errorf("failed to check event log: %w", err)
	}

	handler, ok := p.handlers[evt.Type]
	if !ok {
		// Unhandled types are acknowledged so new provider events never
		// break delivery. The marker prevents reprocessing if a handler
		// is added later.
		l.InfoContext(ctx, "no handler for event type, acknowledged")
		return p.finish(ctx, evt.ID)
	}

	hctx, cancel := context.WithTimeout(ctx, p.handlerTimeout)
	defer cancel()

	if err := handler(hctx, evt); err != nil {
		l.ErrorContext(ctx, "event handler failed", logger.Error(err))
		return http.StatusInternalServerError, fmt.Errorf("handler for %s failed: %w", evt.Type, err)
	}

	l.InfoContext(ctx, "event processed")
	return p.finish(ctx, evt.ID)
}

// finish stamps the event processed. A failed stamp answers 5xx so the
// provider redelivers and a later attempt completes the mark; the
// idempotent handlers make the repeated run safe.
func (p *Processor) finish(ctx context.Context, eventID string) (int, error) {
	now := p.now()
	if err := p.log.MarkProcessed(ctx, eventID, now, now.Add(p.retention)); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("failed to mark event processed: %w", err)
	}
	return http.StatusOK, nil
}
