// Package runyourtrip wires the fulfillment service components for reuse:
// embed the handler into an existing router or serve it standalone via
// cmd/server.
package runyourtrip

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/runyourtrip/server/internal/archive"
	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/httpserver"
	"github.com/runyourtrip/server/internal/idempotency"
	"github.com/runyourtrip/server/internal/lifecycle"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/metrics"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/storage"
	stripesvc "github.com/runyourtrip/server/internal/stripe"
	"github.com/runyourtrip/server/internal/token"
)

// App bundles the assembled fulfillment services.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Tokens           *token.Service
	Mailer           mail.Mailer
	Purchases        *purchases.Service
	Stripe           *stripesvc.Client
	IdempotencyStore *idempotency.MemoryStore

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store  storage.Store
	mailer mail.Mailer
	router chi.Router
}

// WithStore sets a custom storage backend. The caller keeps ownership and is
// responsible for closing it.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithMailer injects a custom transactional mailer.
func WithMailer(mailer mail.Mailer) Option {
	return func(o *options) {
		o.mailer = mailer
	}
}

// WithRouter registers routes onto an existing chi.Router instead of a fresh one.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles the fulfillment services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("runyourtrip: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.StoreConfig{
			Backend:         cfg.Storage.Backend,
			PostgresURL:     cfg.Storage.PostgresURL,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
			PostgresPool:    cfg.Storage.PostgresPool,
		})
		if err != nil {
			return nil, err
		}
		app.Store = storage.InstrumentStore(store, metricsCollector)
		app.resourceManager.Register("storage", store)
		if _, ok := store.(*storage.MemoryStore); ok {
			log.Warn().Msg("runyourtrip: using in-memory store, purchases are lost on restart")
		}
	}

	tokens, err := token.NewService(cfg.Download.SigningSecret)
	if err != nil {
		app.resourceManager.Close()
		return nil, err
	}
	app.Tokens = tokens

	if optState.mailer != nil {
		app.Mailer = optState.mailer
	} else {
		mailer, err := mail.New(cfg.Mail, cfg.Breaker)
		if err != nil {
			app.resourceManager.Close()
			return nil, err
		}
		app.Mailer = mailer
	}

	// Download links must resolve to the routed endpoint, so the route prefix
	// is part of the link base.
	linkBase := cfg.Server.PublicBaseURL + cfg.Server.RoutePrefix
	app.Purchases = purchases.NewService(app.Store, tokens, app.Mailer, metricsCollector,
		linkBase, cfg.Download.SupportEmail)
	app.Stripe = stripesvc.NewClient(cfg.Stripe, app.Purchases, app.Store, metricsCollector)

	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "runyourtrip-fulfillment",
		Environment: cfg.Logging.Environment,
	})

	httpserver.ConfigureRouter(app.router, httpserver.Deps{
		Config:           cfg,
		Purchases:        app.Purchases,
		Stripe:           app.Stripe,
		Store:            app.Store,
		Tokens:           tokens,
		Archive:          archive.NewBuilder(cfg.Download.SupportEmail),
		Mailer:           app.Mailer,
		IdempotencyStore: app.IdempotencyStore,
		Metrics:          metricsCollector,
		Logger:           appLogger,
	})

	return app, nil
}

// Router returns the chi router with fulfillment routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Metrics returns the app's Prometheus collector.
func (a *App) Metrics() *metrics.Metrics {
	return a.metricsCollector
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// NewHandler constructs an App and returns its handler plus a shutdown func.
func NewHandler(cfg *config.Config, opts ...Option) (http.Handler, func(context.Context) error, error) {
	app, err := NewApp(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	shutdown := func(context.Context) error {
		return app.Close()
	}
	return app.Handler(), shutdown, nil
}

// Config is an exported alias of the internal configuration struct for embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
