package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Default quota values.
const (
	DefaultPerMinute = 10
	DefaultPerDay    = 200
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour
)

// Config holds the quota settings.
type Config struct {
	PerMinute int `env:"RATE_LIMIT_PER_MINUTE" envDefault:"10"`
	PerDay    int `env:"RATE_LIMIT_PER_DAY" envDefault:"200"`
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed bool

	// RetryAfter is how long the caller must wait before the next request
	// can succeed. Zero when the request was allowed.
	RetryAfter time.Duration

	// Remaining counts requests left in the tighter of the two windows.
	Remaining int

	// Limit is the bound of the window that produced the decision.
	Limit int
}

// RetryAfterSeconds returns the wait rounded up to whole seconds, never
// below one, for the Retry-After response header.
func (d *Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Limiter applies the two-window quota to user requests.
type Limiter struct {
	store     Store
	perMinute int
	perDay    int
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New creates a Limiter. Panics on nil store or non-positive limits to
// fail fast during initialization.
func New(store Store, cfg Config, opts ...Option) *Limiter {
	if store == nil {
		panic("ratelimit: store is required")
	}
	if cfg.PerMinute <= 0 {
		cfg.PerMinute = DefaultPerMinute
	}
	if cfg.PerDay <= 0 {
		cfg.PerDay = DefaultPerDay
	}

	l := &Limiter{
		store:     store,
		perMinute: cfg.PerMinute,
		perDay:    cfg.PerDay,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow decides one request for the user and, when allowed, records it.
// Store failures reject the request: an unavailable counter must not turn
// the quota off.
func (l *Limiter) Allow(ctx context.Context, userID string) (*Decision, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	now := l.now()
	decision := &Decision{}

	_, err := l.store.Update(ctx, userID, func(c *Counter) (bool, error) {
		*decision = l.decide(c, now)
		return decision.Allowed, nil
	})
	if err != nil {
		return &Decision{Allowed: false, RetryAfter: time.Second, Limit: l.perMinute},
			fmt.Errorf("rate limit check failed: %w", err)
	}
	return decision, nil
}

// decide applies both windows to the counter and mutates it when the
// request passes.
func (l *Limiter) decide(c *Counter, now time.Time) Decision {
	// Slide the minute window: drop timestamps older than one minute.
	cutoff := now.Add(-minuteWindow)
	kept := c.MinuteRequests[:0]
	for _, ts := range c.MinuteRequests {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.MinuteRequests = kept

	if len(c.MinuteRequests) >= l.perMinute {
		// The slot opens when the oldest tracked request leaves the window.
		return Decision{
			Allowed:    false,
			RetryAfter: c.MinuteRequests[0].Add(minuteWindow).Sub(now),
			Remaining:  0,
			Limit:      l.perMinute,
		}
	}

	// Roll the day window forward once a full day has passed.
	if c.DayStart.IsZero() || !now.Before(c.DayStart.Add(dayWindow)) {
		c.DayStart = now
		c.DayRequests = 0
	}

	if c.DayRequests >= l.perDay {
		return Decision{
			Allowed:    false,
			RetryAfter: c.DayStart.Add(dayWindow).Sub(now),
			Remaining:  0,
			Limit:      l.perDay,
		}
	}

	c.MinuteRequests = append(c.MinuteRequests, now)
	c.DayRequests++

	remaining := l.perMinute - len(c.MinuteRequests)
	limit := l.perMinute
	if dayLeft := l.perDay - c.DayRequests; dayLeft < remaining {
		remaining = dayLeft
		limit = l.perDay
	}
	return Decision{Allowed: true, Remaining: remaining, Limit: limit}
}
