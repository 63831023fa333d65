// Package httpserver exposes the fulfillment API: the payment webhook, the
// signed download endpoints, purchase lookups, and password resets.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/runyourtrip/server/internal/apikey"
	"github.com/runyourtrip/server/internal/archive"
	"github.com/runyourtrip/server/internal/config"
	"github.com/runyourtrip/server/internal/idempotency"
	"github.com/runyourtrip/server/internal/logger"
	"github.com/runyourtrip/server/internal/mail"
	"github.com/runyourtrip/server/internal/metrics"
	"github.com/runyourtrip/server/internal/purchases"
	"github.com/runyourtrip/server/internal/ratelimit"
	"github.com/runyourtrip/server/internal/storage"
	stripesvc "github.com/runyourtrip/server/internal/stripe"
	"github.com/runyourtrip/server/internal/token"
	"github.com/runyourtrip/server/internal/versioning"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	purchases        *purchases.Service
	stripe           *stripesvc.Client
	store            storage.Store
	tokens           *token.Service
	archive          *archive.Builder
	mailer           mail.Mailer
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// Deps carries everything the server needs. Grouped in a struct because the
// list outgrew a readable parameter list.
type Deps struct {
	Config           *config.Config
	Purchases        *purchases.Service
	Stripe           *stripesvc.Client
	Store            storage.Store
	Tokens           *token.Service
	Archive          *archive.Builder
	Mailer           mail.Mailer
	IdempotencyStore idempotency.Store
	Metrics          *metrics.Metrics
	Logger           zerolog.Logger
}

// New builds the HTTP server with the configured router.
func New(deps Deps) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: newHandlers(deps),
		httpServer: &http.Server{
			Addr:         deps.Config.Server.Address,
			ReadTimeout:  deps.Config.Server.ReadTimeout.Duration,
			WriteTimeout: deps.Config.Server.WriteTimeout.Duration,
			IdleTimeout:  deps.Config.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, deps)
	return s
}

func newHandlers(deps Deps) handlers {
	mailer := deps.Mailer
	if mailer == nil {
		mailer = mail.NoopMailer{}
	}
	return handlers{
		cfg:              deps.Config,
		purchases:        deps.Purchases,
		stripe:           deps.Stripe,
		store:            deps.Store,
		tokens:           deps.Tokens,
		archive:          deps.Archive,
		mailer:           mailer,
		idempotencyStore: deps.IdempotencyStore,
		metrics:          deps.Metrics,
		logger:           deps.Logger,
	}
}

// ConfigureRouter attaches all routes and middleware to an existing router.
func ConfigureRouter(router chi.Router, deps Deps) {
	if router == nil {
		return
	}

	cfg := deps.Config
	handler := newHandlers(deps)

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Content-Disposition", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	router.Use(securityHeadersMiddleware)

	// Logging first so every later middleware sees a request-scoped logger.
	router.Use(logger.Middleware(deps.Logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Version negotiation from the Accept / X-API-Version headers.
	router.Use(versioning.Negotiation)

	// Identity before rate limiting so the per-user limiter can key on it.
	router.Use(apikey.Middleware(apikey.Config{
		Enabled: cfg.Auth.Enabled,
		Keys:    cfg.Auth.Keys,
	}))

	rateLimitCfg := ratelimit.Config{
		GlobalEnabled:  cfg.RateLimit.GlobalEnabled,
		GlobalLimit:    cfg.RateLimit.GlobalLimit,
		GlobalWindow:   cfg.RateLimit.GlobalWindow.Duration,
		PerUserEnabled: cfg.RateLimit.PerUserEnabled,
		PerUserLimit:   cfg.RateLimit.PerUserLimit,
		PerUserWindow:  cfg.RateLimit.PerUserWindow.Duration,
		PerIPEnabled:   cfg.RateLimit.PerIPEnabled,
		PerIPLimit:     cfg.RateLimit.PerIPLimit,
		PerIPWindow:    cfg.RateLimit.PerIPWindow.Duration,
		Metrics:        deps.Metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.UserLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a short timeout.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", handler.health)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	idempotencyMW := idempotency.Middleware(handler.idempotencyStore, idempotency.DefaultTTL)

	// Fulfillment endpoints. 60s covers archive streaming on slow links and
	// webhook handling that touches the database and mail provider.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Webhook URLs stay stable; the gateway configuration points here.
		r.Get(prefix+"/stripe/webhook", handler.stripeWebhookInfo)
		r.Post(prefix+"/stripe/webhook", handler.handleStripeWebhook)

		r.Get(prefix+"/download/{purchaseID}", handler.handleDownload)
		r.With(idempotencyMW).Post(prefix+"/download/generate-link/{purchaseID}", handler.generateDownloadLink)

		r.Get(prefix+"/purchases", handler.listPurchases)
		r.Get(prefix+"/purchases/{purchaseID}", handler.getPurchase)

		r.With(idempotencyMW).Post(prefix+"/auth/password-reset/request", handler.requestPasswordReset)
		r.With(idempotencyMW).Post(prefix+"/auth/password-reset/confirm", handler.confirmPasswordReset)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
