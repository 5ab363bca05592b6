package trialsentry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lumenkids/entitlements/pkg/entitlement"
	"github.com/lumenkids/entitlements/pkg/logger"
	"github.com/lumenkids/entitlements/pkg/notification"
)

// ReminderWindow is how far ahead of the effective trial end the
// "ending soon" reminder goes out.
const ReminderWindow = 48 * time.Hour

// Summary reports one run of the sentry.
type Summary struct {
	Reminders int
	Expired   int
	Errors    int
}

// Sentry scans the trial index for due reminders and expirations.
type Sentry struct {
	store     entitlement.Store
	notifier  notification.Enqueuer
	directory entitlement.ParentDirectory
	log       *slog.Logger
	now       func() time.Time
}

// Option configures a Sentry.
type Option func(*Sentry)

// WithLogger sets the sentry logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Sentry) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sentry) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Sentry. Panics on nil dependencies to fail fast during
// initialization.
func New(store entitlement.Store, notifier notification.Enqueuer, directory entitlement.ParentDirectory, opts ...Option) *Sentry {
	if store == nil {
		panic("trialsentry: store is required")
	}
	if notifier == nil {
		panic("trialsentry: notifier is required")
	}
	if directory == nil {
		panic("trialsentry: parent directory is required")
	}

	s := &Sentry{
		store:     store,
		notifier:  notifier,
		directory: directory,
		log:       slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes one scan: reminders first, then expirations. A failure on
// one child is counted and logged but never stops the rest of the scan.
func (s *Sentry) Run(ctx context.Context) (Summary, error) {
	now := s.now()
	var sum Summary

	due, err := s.store.DueReminders(ctx, now, now.Add(ReminderWindow))
	if err != nil {
		return sum, fmt.Errorf("failed to scan due reminders: %w", err)
	}
	for _, ti := range due {
		if err := s.remind(ctx, ti); err != nil {
			sum.Errors++
			s.log.ErrorContext(ctx, "trial reminder failed",
				logger.ChildID(ti.ChildProfileID),
				logger.Error(err))
			continue
		}
		sum.Reminders++
	}

	expired, err := s.store.DueExpirations(ctx, now)
	if err != nil {
		return sum, fmt.Errorf("failed to scan due expirations: %w", err)
	}
	for _, ti := range expired {
		if err := s.expire(ctx, ti, now); err != nil {
			sum.Errors++
			s.log.ErrorContext(ctx, "trial expiry failed",
				logger.ChildID(ti.ChildProfileID),
				logger.Error(err))
			continue
		}
		sum.Expired++
	}

	s.log.InfoContext(ctx, "trial sentry run complete",
		slog.Int("reminders", sum.Reminders),
		slog.Int("expired", sum.Expired),
		slog.Int("errors", sum.Errors))

	return sum, nil
}

// remind queues the "ending soon" email, then flips the index flag. The
// intent goes out before the flag lands so a crash in between produces a
// duplicate enqueue, which the dedupe key absorbs, rather than a silently
// skipped reminder.
func (s *Sentry) remind(ctx context.Context, ti *entitlement.TrialIndex) error {
	email, err := s.directory.ParentEmail(ctx, ti.ParentUID)
	if err != nil {
		return fmt.Errorf("parent email lookup failed: %w", err)
	}

	err = s.notifier.Enqueue(ctx, notification.Intent{
		To:         email,
		TemplateID: notification.TemplateTrialEndingSoon,
		TemplateData: map[string]any{
			"child_profile_id": ti.ChildProfileID.String(),
			"trial_end":        ti.EffectiveTrialEnd,
		},
		DedupeKey: notification.DedupeKey(ti.ChildProfileID, ti.EffectiveTrialEnd, "reminder"),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue reminder: %w", err)
	}

	ti.ReminderSent = true
	if err := s.store.Commit(ctx, entitlement.NewBatch().PutTrialIndex(ti)); err != nil {
		return fmt.Errorf("failed to mark reminder sent: %w", err)
	}
	return nil
}

// expire moves a trial past its effective end out of access. The index is
// only a projection; the entitlement is re-read and the transition applies
// only when the child is still on an unexpired-by-extension trial.
func (s *Sentry) expire(ctx context.Context, ti *entitlement.TrialIndex, now time.Time) error {
	e, err := s.store.GetEntitlement(ctx, ti.ChildProfileID)
	if errors.Is(err, entitlement.ErrNotFound) {
		// Orphaned index record; drop it.
		return s.store.Commit(ctx, entitlement.NewBatch().DeleteTrialIndex(ti.ChildProfileID))
	}
	if err != nil {
		return fmt.Errorf("failed to load entitlement: %w", err)
	}

	if e.Status != entitlement.StatusTrial {
		// Subscribed or already transitioned since the index was written.
		return s.store.Commit(ctx, entitlement.NewBatch().DeleteTrialIndex(ti.ChildProfileID))
	}

	if effective := e.EffectiveTrialEnd(); effective.After(now) {
		// An extension landed after the scan picked this record up.
		// Refresh the projection; a later run handles the new deadline.
		ti.EffectiveTrialEnd = effective
		ti.ReminderSent = false
		ti.ExpiredProcessed = false
		return s.store.Commit(ctx, entitlement.NewBatch().PutTrialIndex(ti))
	}

	email, err := s.directory.ParentEmail(ctx, e.ParentUID)
	if err == nil {
		err = s.notifier.Enqueue(ctx, notification.Intent{
			To:         email,
			TemplateID: notification.TemplateTrialEnded,
			TemplateData: map[string]any{
				"child_profile_id": e.ChildProfileID.String(),
			},
			DedupeKey: notification.DedupeKey(ti.ChildProfileID, ti.EffectiveTrialEnd, "expired"),
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue expiry notice: %w", err)
		}
	} else {
		// Losing the email never blocks revoking access.
		s.log.WarnContext(ctx, "parent email lookup failed",
			logger.ParentUID(e.ParentUID),
			logger.Error(err))
	}

	e.Status = entitlement.StatusTrialExpired
	e.UpdatedAt = now
	ti.ExpiredProcessed = true

	batch := entitlement.NewBatch().PutEntitlement(e).PutTrialIndex(ti)
	if err := s.store.Commit(ctx, batch); err != nil {
		return fmt.Errorf("failed to commit expiry: %w", err)
	}
	return nil
}
