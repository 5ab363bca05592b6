package billing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	payments "github.com/lumenkids/entitlements/pkg/billing"
	"github.com/lumenkids/entitlements/pkg/entitlement"
	"github.com/lumenkids/entitlements/pkg/httpserver"
	"github.com/lumenkids/entitlements/pkg/webhook"
)

// maxWebhookBody bounds how much of a provider delivery is read.
const maxWebhookBody = 1 << 20

// paddleSignatureHeader carries the webhook signature Paddle sends.
const paddleSignatureHeader = "Paddle-Signature"

// AdminAuthorizer decides whether a request may use the admin endpoints.
// The identity system in front of this service owns the actual claim
// verification; this module only consumes the verdict.
type AdminAuthorizer func(r *http.Request) bool

// Service is the HTTP surface of the billing module.
type Service struct {
	entitlements *entitlement.Service
	provider     payments.Provider
	processor    *webhook.Processor

	log         *slog.Logger
	admin       AdminAuthorizer
	middlewares []func(http.Handler) http.Handler
	healthFuncs []func(context.Context) error
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the module logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithAdminAuthorizer sets the admin-claim check. Without one every admin
// request is rejected.
func WithAdminAuthorizer(a AdminAuthorizer) Option {
	return func(s *Service) {
		if a != nil {
			s.admin = a
		}
	}
}

// WithMiddleware adds router-level middleware, applied in order.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(s *Service) {
		s.middlewares = append(s.middlewares, mw...)
	}
}

// WithHealthcheck adds a readiness dependency for /healthz.
func WithHealthcheck(funcs ...func(context.Context) error) Option {
	return func(s *Service) {
		s.healthFuncs = append(s.healthFuncs, funcs...)
	}
}

// NewService creates the module. Panics on nil dependencies to fail fast
// during initialization.
func NewService(entitlements *entitlement.Service, provider payments.Provider, processor *webhook.Processor, opts ...Option) *Service {
	if entitlements == nil {
		panic("billing: entitlement service is required")
	}
	if provider == nil {
		panic("billing: payment provider is required")
	}
	if processor == nil {
		panic("billing: webhook processor is required")
	}

	s := &Service{
		entitlements: entitlements,
		provider:     provider,
		processor:    processor,
		log:          slog.Default(),
		admin:        func(r *http.Request) bool { return false },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle returns the module router, mountable under the server root.
func (s *Service) Handle() http.Handler {
	r := chi.NewRouter()
	r.Use(s.middlewares...)

	r.Post("/webhooks/paddle", s.handleWebhook)
	r.Post("/checkout", s.handleCheckout)
	r.Post("/portal", s.handlePortal)

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/trials/extend", s.handleExtendTrial)
	})

	r.Get("/healthz", httpserver.HealthCheckHandler(context.Background(), s.log, s.healthFuncs...))

	return r
}

func (s *Service) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_body", "failed to read request body")
		return
	}

	status, err := s.processor.Process(r.Context(), payload, r.Header.Get(paddleSignatureHeader))
	if err != nil {
		s.log.WarnContext(r.Context(), "webhook delivery not processed",
			slog.Int("status", status),
			slog.Any("error", err))
	}

	switch {
	case status >= 500:
		respondError(w, status, "processing_failed", "event processing failed, retry expected")
	case status >= 400:
		respondError(w, status, "invalid_delivery", "webhook rejected")
	default:
		respondJSON(w, status, map[string]string{"status": "ok"})
	}
}

type checkoutRequest struct {
	ParentUID      string `json:"parent_uid"`
	ChildProfileID string `json:"child_profile_id"`
	PriceID        string `json:"price_id"`
	Email          string `json:"email,omitempty"`
	SuccessURL     string `json:"success_url,omitempty"`
}

func (s *Service) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	parentUID, childID, ok := parseIDs(w, req.ParentUID, req.ChildProfileID)
	if !ok {
		return
	}
	if req.PriceID == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "price_id is required")
		return
	}

	// The checkout must target a child this parent owns.
	e, err := s.entitlements.Get(r.Context(), childID)
	if err != nil || e.ParentUID != parentUID {
		respondError(w, http.StatusNotFound, "not_found", "child profile not found")
		return
	}

	link, err := s.provider.CreateCheckoutLink(r.Context(), payments.CheckoutRequest{
		PriceID:        req.PriceID,
		ParentUID:      parentUID.String(),
		ChildProfileID: childID.String(),
		Email:          req.Email,
		SuccessURL:     req.SuccessURL,
	})
	if err != nil {
		s.log.ErrorContext(r.Context(), "checkout session creation failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "provider_error", "failed to create checkout session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"url":        link.URL,
		"session_id": link.SessionID,
		"expires_at": link.ExpiresAt.Format(time.RFC3339),
	})
}

type portalRequest struct {
	ParentUID      string `json:"parent_uid"`
	ChildProfileID string `json:"child_profile_id"`
}

func (s *Service) handlePortal(w http.ResponseWriter, r *http.Request) {
	var req portalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	parentUID, childID, ok := parseIDs(w, req.ParentUID, req.ChildProfileID)
	if !ok {
		return
	}

	e, err := s.entitlements.Get(r.Context(), childID)
	if err != nil || e.ParentUID != parentUID {
		respondError(w, http.StatusNotFound, "not_found", "child profile not found")
		return
	}
	if e.ExternalCustomerID == "" {
		respondError(w, http.StatusConflict, "no_subscription", "child has no billing account yet")
		return
	}

	link, err := s.provider.GetCustomerPortalLink(r.Context(), e.ExternalCustomerID, e.ExternalSubscriptionID)
	if err != nil {
		s.log.ErrorContext(r.Context(), "portal session creation failed", slog.Any("error", err))
		respondError(w, http.StatusBadGateway, "provider_error", "failed to create portal session")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"url": link.URL})
}

type extendTrialRequest struct {
	ParentUID      string    `json:"parent_uid"`
	ChildProfileID string    `json:"child_profile_id"`
	ExtendUntil    time.Time `json:"extend_until"`
	Reason         string    `json:"reason"`
	SetBy          string    `json:"set_by"`
}

func (s *Service) handleExtendTrial(w http.ResponseWriter, r *http.Request) {
	var req extendTrialRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	parentUID, childID, ok := parseIDs(w, req.ParentUID, req.ChildProfileID)
	if !ok {
		return
	}

	extendedUntil, err := s.entitlements.ExtendTrial(r.Context(), entitlement.ExtendTrialParams{
		ParentUID:      parentUID,
		ChildProfileID: childID,
		ExtendUntil:    req.ExtendUntil,
		Reason:         req.Reason,
		SetBy:          req.SetBy,
	})
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{
			"extended_until": extendedUntil.Format(time.RFC3339),
		})
	case errors.Is(err, entitlement.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", "child profile not found")
	case errors.Is(err, entitlement.ErrMissingReason),
		errors.Is(err, entitlement.ErrExtensionInPast),
		errors.Is(err, entitlement.ErrExtensionNotLater):
		respondError(w, http.StatusBadRequest, "invalid_extension", err.Error())
	default:
		s.log.ErrorContext(r.Context(), "trial extension failed", slog.Any("error", err))
		respondError(w, http.StatusInternalServerError, "internal_error", "failed to extend trial")
	}
}

func (s *Service) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.admin(r) {
			respondError(w, http.StatusForbidden, "forbidden", "admin claim required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.New("malformed JSON body")
	}
	return nil
}

func parseIDs(w http.ResponseWriter, parent, child string) (uuid.UUID, uuid.UUID, bool) {
	parentUID, err := uuid.Parse(parent)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "parent_uid must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	childID, err := uuid.Parse(child)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "child_profile_id must be a UUID")
		return uuid.Nil, uuid.Nil, false
	}
	return parentUID, childID, true
}
