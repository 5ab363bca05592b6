package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	billingmod "github.com/lumenkids/entitlements/modules/billing"
	"github.com/lumenkids/entitlements/pkg/billing"
	"github.com/lumenkids/entitlements/pkg/config"
	"github.com/lumenkids/entitlements/pkg/entitlement"
	"github.com/lumenkids/entitlements/pkg/httpserver"
	"github.com/lumenkids/entitlements/pkg/logger"
	"github.com/lumenkids/entitlements/pkg/mongo"
	"github.com/lumenkids/entitlements/pkg/notification"
	"github.com/lumenkids/entitlements/pkg/ratelimit"
	"github.com/lumenkids/entitlements/pkg/trialsentry"
	"github.com/lumenkids/entitlements/pkg/webhook"
)

type appConfig struct {
	// AdminAPIToken guards the admin endpoints. Empty disables them.
	AdminAPIToken string `env:"ADMIN_API_TOKEN"`
}

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("service terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var logCfg logger.Config
	config.MustLoad(&logCfg)
	log := logger.NewFromConfig(logCfg, logger.WithAttrs(slog.String("service", "entitlementd")))
	slog.SetDefault(log)

	var (
		appCfg    appConfig
		mongoCfg  mongo.Config
		paddleCfg billing.PaddleConfig
		schedCfg  trialsentry.Config
		rlCfg     ratelimit.Config
		httpCfg   httpserver.Config
	)
	config.MustLoad(&appCfg)
	config.MustLoad(&mongoCfg)
	config.MustLoad(&paddleCfg)
	config.MustLoad(&schedCfg)
	config.MustLoad(&rlCfg)
	config.MustLoad(&httpCfg)

	db, err := mongo.NewWithDatabase(ctx, mongoCfg, mongoCfg.Database)
	if err != nil {
		return fmt.Errorf("mongo connection failed: %w", err)
	}
	defer func() {
		if err := db.Client().Disconnect(context.Background()); err != nil {
			log.Error("mongo disconnect failed", logger.Error(err))
		}
	}()

	store := entitlement.NewMongoStore(db)
	if err := store.EnsureIndexes(ctx); err != nil {
		return err
	}
	eventLog := webhook.NewMongoEventLog(db)
	if err := eventLog.EnsureIndexes(ctx); err != nil {
		return err
	}

	provider, err := billing.NewPaddleProvider(paddleCfg)
	if err != nil {
		return fmt.Errorf("paddle setup failed: %w", err)
	}

	notifier := buildNotifier(log)
	directory := entitlement.NewMongoParentDirectory(db)

	entitlements := entitlement.NewService(store, entitlement.WithLogger(log))
	handlers := entitlement.NewHandlers(store, provider, notifier, directory,
		entitlement.WithHandlersLogger(log))

	processor := webhook.NewProcessor(provider, eventLog,
		webhook.WithProcessorLogger(log))
	processor.Register(billing.EventCheckoutCompleted, handlers.CheckoutCompleted)
	processor.Register(billing.EventSubscriptionCreated, handlers.SubscriptionCreated)
	processor.Register(billing.EventSubscriptionUpdated, handlers.SubscriptionUpdated)
	processor.Register(billing.EventSubscriptionDeleted, handlers.SubscriptionDeleted)
	processor.Register(billing.EventPaymentSucceeded, handlers.PaymentSucceeded)
	processor.Register(billing.EventPaymentFailed, handlers.PaymentFailed)
	processor.Register(billing.EventRefundCreated, handlers.RefundCreated)
	processor.Register(billing.EventDisputeCreated, handlers.DisputeCreated)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sentry := trialsentry.New(store, notifier, directory, trialsentry.WithLogger(log))
	runner, err := trialsentry.NewRunner(sentry, schedCfg, log)
	if err != nil {
		return fmt.Errorf("scheduler setup failed: %w", err)
	}
	go func() {
		if err := runner.Start(runCtx); err != nil && runCtx.Err() == nil {
			log.Error("trial scheduler stopped", logger.Error(err))
		}
	}()

	limiter := ratelimit.New(ratelimit.NewMongoStore(db), rlCfg)

	module := billingmod.NewService(entitlements, provider, processor,
		billingmod.WithLogger(log),
		billingmod.WithAdminAuthorizer(adminTokenAuthorizer(appCfg.AdminAPIToken)),
		billingmod.WithMiddleware(ratelimit.Middleware(limiter, userIDKey)),
		billingmod.WithHealthcheck(mongo.Healthcheck(db.Client())))

	router := chi.NewRouter()
	router.Use(chimw.RealIP, chimw.Recoverer)
	router.Mount("/", module.Handle())

	srv := httpserver.New(httpCfg,
		httpserver.WithLogger(log),
		httpserver.WithStartHook(func(l *slog.Logger) {
			l.Info("listening", slog.String("addr", httpCfg.Addr))
		}))
	return srv.Run(runCtx, router)
}

// buildNotifier returns the Postmark-backed queue client when tokens are
// configured and a log-only sender otherwise, so local development never
// needs real credentials.
func buildNotifier(log *slog.Logger) notification.Enqueuer {
	var cfg notification.Config
	if err := config.Load(&cfg); err != nil || cfg.PostmarkServerToken == "" {
		log.Info("postmark not configured, using log notifier")
		return &notification.LogEnqueuer{Log: log}
	}
	notifier, err := notification.NewPostmarkEnqueuer(cfg)
	if err != nil {
		log.Warn("postmark setup failed, using log notifier", logger.Error(err))
		return &notification.LogEnqueuer{Log: log}
	}
	return notifier
}

// adminTokenAuthorizer accepts requests presenting the shared admin token.
// An empty token locks the admin surface entirely.
func adminTokenAuthorizer(token string) billingmod.AdminAuthorizer {
	return func(r *http.Request) bool {
		if token == "" {
			return false
		}
		return r.Header.Get("Authorization") == "Bearer "+token
	}
}

// userIDKey extracts the authenticated user the rate limiter keys on. The
// gateway in front of this service sets the header after verifying the
// session; requests without it (webhooks, health probes) are not limited.
func userIDKey(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}
