package trialsentry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config holds the scheduled-run settings.
type Config struct {
	// Hour is the local hour of day the daily run fires at.
	Hour int `env:"SCHEDULER_HOUR" envDefault:"6"`

	// Timezone is the IANA zone the hour is interpreted in.
	Timezone string `env:"SCHEDULER_TZ" envDefault:"UTC"`
}

// Runner fires the sentry once a day at a fixed local hour.
type Runner struct {
	sentry *Sentry
	hour   int
	loc    *time.Location
	log    *slog.Logger
}

// NewRunner creates a Runner from config.
func NewRunner(sentry *Sentry, cfg Config, log *slog.Logger) (*Runner, error) {
	if sentry == nil {
		panic("trialsentry: sentry is required")
	}
	if cfg.Hour < 0 || cfg.Hour > 23 {
		return nil, fmt.Errorf("invalid run hour %d", cfg.Hour)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if log == nil {
		log = slog.Default()
	}

	return &Runner{sentry: sentry, hour: cfg.Hour, loc: loc, log: log}, nil
}

// Start blocks until the context is canceled, running the sentry at each
// daily deadline. A failed run is logged and the schedule continues.
func (r *Runner) Start(ctx context.Context) error {
	for {
		next := r.nextRun(time.Now().In(r.loc))
		r.log.InfoContext(ctx, "trial sentry scheduled", slog.Time("next_run", next))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if _, err := r.sentry.Run(ctx); err != nil {
			r.log.ErrorContext(ctx, "trial sentry run failed", slog.Any("error", err))
		}
	}
}

// nextRun returns the first instant strictly after now that falls on the
// configured hour.
func (r *Runner) nextRun(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), r.hour, 0, 0, 0, r.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}
