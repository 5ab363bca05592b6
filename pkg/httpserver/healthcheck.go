package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/lumenkids/entitlements/pkg/logger"
)

// HealthCheckHandler answers liveness and readiness probes with one
// endpoint. With no check functions it reports 200 "ALIVE"
// unconditionally. With checks it runs each in order and reports 200
// "READY", or 500 "NOT_READY" as soon as any check fails.
func HealthCheckHandler(ctx context.Context, log *slog.Logger, checks ...func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if len(checks) == 0 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ALIVE"))
			return
		}

		for _, check := range checks {
			if err := check(ctx); err != nil {
				log.ErrorContext(ctx, "readiness check failed", logger.Error(err))
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("NOT_READY"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
	}
}
