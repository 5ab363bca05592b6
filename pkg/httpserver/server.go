package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Config carries the listener settings, normally populated from HTTP_*
// environment variables. A zero Addr falls back to ":8080" and a zero
// ShutdownTimeout to five seconds; the request timeouts stay off when
// unset.
type Config struct {
	Addr            string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// Server runs one http.Server and blocks in Run until the context is
// canceled, the process is signaled, or the listener fails.
type Server struct {
	cfg     Config
	log     *slog.Logger
	onStart []func(*slog.Logger)

	mu   sync.Mutex
	srv  *http.Server
	stop sync.Once
}

// Option adjusts server construction.
type Option func(*Server)

// WithLogger supplies the logger handed to start hooks. Nil keeps the
// discarding default.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithStartHook registers a callback that runs right before the listener
// opens. Hooks run in registration order.
func WithStartHook(h func(*slog.Logger)) Option {
	if h == nil {
		panic("httpserver: nil start hook")
	}
	return func(s *Server) { s.onStart = append(s.onStart, h) }
}

// New builds a Server from cfg.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run serves handler until ctx is canceled or the process receives
// SIGINT or SIGTERM, then drains in-flight requests. A nil handler
// answers 404 to everything. Startup failures and a second Run on the
// same Server return an error wrapping ErrStart.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	if handler == nil {
		handler = http.NotFoundHandler()
	}

	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	s.mu.Lock()
	if s.srv != nil {
		s.mu.Unlock()
		return errors.Join(ErrStart, errors.New("already running"))
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.mu.Unlock()

	for _, hook := range s.onStart {
		hook(s.log)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	var err error
	select {
	case <-ctx.Done():
		_ = s.Shutdown(context.Background())
		err = <-serveErr
	case <-signals:
		_ = s.Shutdown(context.Background())
		err = <-serveErr
	case err = <-serveErr:
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Join(ErrStart, err)
	}
	return nil
}

// Shutdown drains in-flight requests within the configured timeout. Safe
// for repeated calls; only the first does the work.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	var err error
	s.stop.Do(func() {
		timeout := s.cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err = srv.Shutdown(sctx)
	})
	if err != nil {
		return errors.Join(ErrShutdown, err)
	}
	return nil
}
