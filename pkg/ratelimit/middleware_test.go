package ratelimit_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenkids/entitlements/pkg/ratelimit"
)

func TestMiddleware(t *testing.T) {
	t.Parallel()

	userKey := func(r *http.Request) string { return r.Header.Get("X-User-ID") }

	newHandler := func(cfg ratelimit.Config) http.Handler {
		clock := &manualClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
		limiter := ratelimit.New(ratelimit.NewMemoryStore(), cfg, ratelimit.WithClock(clock.Now))
		return ratelimit.Middleware(limiter, userKey)(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
	}

	do := func(h http.Handler, userID string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/transactions", nil)
		if userID != "" {
			req.Header.Set("X-User-ID", userID)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	t.Run("allows and sets quota headers", func(t *testing.T) {
		t.Parallel()

		h := newHandler(ratelimit.Config{PerMinute: 2, PerDay: 200})
		rec := do(h, "user-1")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))
	})

	t.Run("rejects over the limit with Retry-After", func(t *testing.T) {
		t.Parallel()

		h := newHandler(ratelimit.Config{PerMinute: 1, PerDay: 200})
		require.Equal(t, http.StatusOK, do(h, "user-1").Code)

		rec := do(h, "user-1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("Retry-After"))
		assert.JSONEq(t, `{"error":"rate limit exceeded","retry_after":60}`, rec.Body.String())
	})

	t.Run("missing user id skips limiting", func(t *testing.T) {
		t.Parallel()

		h := newHandler(ratelimit.Config{PerMinute: 1, PerDay: 200})
		for range 5 {
			assert.Equal(t, http.StatusOK, do(h, "").Code)
		}
	})

	t.Run("store failure rejects", func(t *testing.T) {
		t.Parallel()

		store := ratelimit.NewMemoryStore()
		store.UpdateErr = assert.AnError
		limiter := ratelimit.New(store, ratelimit.Config{})
		h := ratelimit.Middleware(limiter, userKey)(http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler must not run")
			}))

		rec := do(h, "user-1")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("panics on nil dependencies", func(t *testing.T) {
		t.Parallel()

		limiter := ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{})
		assert.Panics(t, func() { ratelimit.Middleware(nil, userKey) })
		assert.Panics(t, func() { ratelimit.Middleware(limiter, nil) })
	})
}
