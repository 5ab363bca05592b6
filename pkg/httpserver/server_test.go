package httpserver_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenkids/entitlements/pkg/httpserver"
)

func testConfig(t *testing.T) httpserver.Config {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return httpserver.Config{Addr: addr, ShutdownTimeout: 100 * time.Millisecond}
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	for range 50 {
		conn, err := net.Dial("tcp", addr)
		if err == nil {
			require.NoError(t, conn.Close())
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("server at %s never came up", addr)
}

func TestServer_RunServesUntilCanceled(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	srv := httpserver.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- srv.Run(ctx, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}()
	waitForServer(t, cfg.Addr)

	resp, err := http.Get("http://" + cfg.Addr)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestServer_StartHooksReceiveLogger(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	want := slog.New(slog.NewTextHandler(io.Discard, nil))
	got := make(chan *slog.Logger, 1)
	srv := httpserver.New(cfg,
		httpserver.WithLogger(want),
		httpserver.WithStartHook(func(l *slog.Logger) { got <- l }))

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), nil) }()

	assert.Same(t, want, <-got)

	require.NoError(t, srv.Shutdown(context.Background()))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after shutdown")
	}
}

func TestServer_StartFailure(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.Config{Addr: "127.0.0.1:bad-port"})
	err := srv.Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, httpserver.ErrStart)
}

func TestServer_SecondRunRejected(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	started := make(chan struct{})
	srv := httpserver.New(cfg,
		httpserver.WithStartHook(func(_ *slog.Logger) { close(started) }))

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), nil) }()
	<-started

	err := srv.Run(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, httpserver.ErrStart)

	require.NoError(t, srv.Shutdown(context.Background()))
	<-done
}

func TestServer_ShutdownIdempotent(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	started := make(chan struct{})
	srv := httpserver.New(cfg,
		httpserver.WithStartHook(func(_ *slog.Logger) { close(started) }))

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), nil) }()
	<-started

	require.NoError(t, srv.Shutdown(context.Background()))
	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return after shutdown")
	}
}

func TestServer_ShutdownBeforeRun(t *testing.T) {
	t.Parallel()

	srv := httpserver.New(httpserver.Config{})
	require.NoError(t, srv.Shutdown(context.Background()))
}

func TestStartHook_NilPanics(t *testing.T) {
	t.Parallel()

	assert.Panics(t, func() { httpserver.WithStartHook(nil) })
}

func TestHealthCheckHandler(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("liveness without checks", func(t *testing.T) {
		t.Parallel()

		h := httpserver.HealthCheckHandler(context.Background(), log)
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "ALIVE", rec.Body.String())
	})

	t.Run("ready when all checks pass", func(t *testing.T) {
		t.Parallel()

		h := httpserver.HealthCheckHandler(context.Background(), log,
			func(context.Context) error { return nil },
			func(context.Context) error { return nil })
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "READY", rec.Body.String())
	})

	t.Run("not ready on failing check", func(t *testing.T) {
		t.Parallel()

		h := httpserver.HealthCheckHandler(context.Background(), log,
			func(context.Context) error { return nil },
			func(context.Context) error { return errors.New("mongo down") })
		rec := httptest.NewRecorder()
		h(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "NOT_READY", rec.Body.String())
	})
}
