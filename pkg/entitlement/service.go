package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lumenkids/entitlements/pkg/logger"
)

// ParentDirectory resolves a parent account to a notification address.
// The account system owns parent profiles; this is the only view of them
// the entitlement core needs.
type ParentDirectory interface {
	ParentEmail(ctx context.Context, parentUID uuid.UUID) (string, error)
}

// Service owns entitlement lifecycle operations outside the webhook path:
// trial creation, access checks, and the privileged admin extension.
type Service struct {
	store     Store
	log       *slog.Logger
	trialDays int
	now       func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithTrialDays overrides the trial window length.
func WithTrialDays(days int) ServiceOption {
	return func(s *Service) {
		if days > 0 {
			s.trialDays = days
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a Service. Panics if store is nil to fail fast during
// initialization.
func NewService(store Store, opts ...ServiceOption) *Service {
	if store == nil {
		panic("entitlement: store is required")
	}

	s := &Service{
		store:     store,
		log:       slog.Default(),
		trialDays: DefaultTrialDays,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartTrial creates the entitlement and its paired trial-index record in
// one atomic batch. Called when a child profile is created.
func (s *Service) StartTrial(ctx context.Context, parentUID, childProfileID uuid.UUID) (*Entitlement, error) {
	if _, err := s.store.GetEntitlement(ctx, childProfileID); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("failed to check existing entitlement: %w", err)
	}

	now := s.now()
	trialEnd := now.AddDate(0, 0, s.trialDays)

	e := &Entitlement{
		ParentUID:      parentUID,
		ChildProfileID: childProfileID,
		Status:         StatusTrial,
		TrialStartDate: now,
		TrialEndDate:   trialEnd,
		UpdatedAt:      now,
	}
	ti := &TrialIndex{
		ChildProfileID:    childProfileID,
		ParentUID:         parentUID,
		TrialEndDate:      trialEnd,
		EffectiveTrialEnd: trialEnd,
	}

	batch := NewBatch().PutEntitlement(e).PutTrialIndex(ti)
	if err := s.store.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create trial: %w", err)
	}

	s.log.InfoContext(ctx, "trial started",
		logger.ChildID(childProfileID),
		slog.Time("trial_end", trialEnd))

	return e, nil
}

// Get returns the entitlement for a child profile.
func (s *Service) Get(ctx context.Context, childProfileID uuid.UUID) (*Entitlement, error) {
	return s.store.GetEntitlement(ctx, childProfileID)
}

// HasAccess reports whether the child currently has product access.
func (s *Service) HasAccess(ctx context.Context, childProfileID uuid.UUID) (bool, error) {
	e, err := s.store.GetEntitlement(ctx, childProfileID)
	if err != nil {
		return false, err
	}
	return e.HasAccessAt(s.now()), nil
}

// ExtendTrialParams carries the admin override request.
type ExtendTrialParams struct {
	ParentUID      uuid.UUID
	ChildProfileID uuid.UUID
	ExtendUntil    time.Time
	Reason         string
	SetBy          string
}

// ExtendTrial applies the admin override: the effective trial end moves to
// ExtendUntil, the status returns to trial (restoring access for an already
// expired child), and the index notification flags reset so the scheduler
// treats the new deadline as fresh.
//
// The effective trial end only ever increases; an extension earlier than
// the current effective end is rejected.
func (s *Service) ExtendTrial(ctx context.Context, params ExtendTrialParams) (time.Time, error) {
	now := s.now()

	if params.Reason == "" {
		return time.Time{}, ErrMissingReason
	}
	if !params.ExtendUntil.After(now) {
		return time.Time{}, ErrExtensionInPast
	}

	e, err := s.store.GetEntitlement(ctx, params.ChildProfileID)
	if err != nil {
		return time.Time{}, err
	}
	if e.ParentUID != params.ParentUID {
		return time.Time{}, ErrNotFound
	}
	if !params.ExtendUntil.After(e.EffectiveTrialEnd()) {
		return time.Time{}, ErrExtensionNotLater
	}

	extendUntil := params.ExtendUntil.UTC()
	e.Status = StatusTrial
	e.TrialExtendedUntil = &extendUntil
	e.TrialExtensionReason = params.Reason
	e.TrialExtensionSetBy = params.SetBy
	e.TrialExtensionSetAt = &now
	e.UpdatedAt = now

	ti, err := s.store.GetTrialIndex(ctx, params.ChildProfileID)
	switch {
	case err == nil:
	case errors.Is(err, ErrTrialIndexNotFound):
		// The index is deleted once a child subscribes. If that
		// subscription later lapsed and support extends the trial, the
		// index is recreated from the original trial end as the baseline.
		ti = &TrialIndex{
			ChildProfileID: e.ChildProfileID,
			ParentUID:      e.ParentUID,
			TrialEndDate:   e.TrialEndDate,
		}
	default:
		return time.Time{}, fmt.Errorf("failed to load trial index: %w", err)
	}

	ti.EffectiveTrialEnd = extendUntil
	ti.ReminderSent = false
	ti.ExpiredProcessed = false

	batch := NewBatch().PutEntitlement(e).PutTrialIndex(ti)
	if err := s.store.Commit(ctx, batch); err != nil {
		return time.Time{}, fmt.Errorf("failed to extend trial: %w", err)
	}

	s.log.InfoContext(ctx, "trial extended",
		logger.ChildID(params.ChildProfileID),
		slog.Time("extended_until", extendUntil),
		slog.String("set_by", params.SetBy))

	return extendUntil, nil
}
