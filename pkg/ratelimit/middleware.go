package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// KeyFunc extracts the user id a request is limited by. Returning an empty
// string skips limiting for the request.
type KeyFunc func(r *http.Request) string

// Middleware enforces the limiter on matched routes. Rejections answer
// 429 with a Retry-After header and a JSON body; a store failure also
// rejects, since the quota protects a billable downstream.
func Middleware(limiter *Limiter, keyFunc KeyFunc) func(http.Handler) http.Handler {
	if limiter == nil {
		panic("ratelimit.Middleware: limiter is required")
	}
	if keyFunc == nil {
		panic("ratelimit.Middleware: keyFunc is required")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := keyFunc(r)
			if userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			decision, err := limiter.Allow(r.Context(), userID)
			if err != nil {
				reject(w, decision)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))

			if !decision.Allowed {
				reject(w, decision)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func reject(w http.ResponseWriter, decision *Decision) {
	retryAfter := decision.RetryAfterSeconds()
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":       "rate limit exceeded",
		"retry_after": retryAfter,
	})
}
