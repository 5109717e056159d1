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

	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/gateway"
	"github.com/EscrowBox/server/internal/idempotency"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/EscrowBox/server/internal/ratelimit"
	stripesvc "github.com/EscrowBox/server/internal/stripe"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg              *config.Config
	escrow           *escrow.Service
	gateway          *gateway.Gateway
	stripe           *stripesvc.Client
	idempotencyStore idempotency.Store
	metrics          *metrics.Metrics
	logger           zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, escrowSvc *escrow.Service, gw *gateway.Gateway, stripeClient *stripesvc.Client, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:              cfg,
			escrow:           escrowSvc,
			gateway:          gw,
			stripe:           stripeClient,
			idempotencyStore: idempotencyStore,
			metrics:          metricsCollector,
			logger:           appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, escrowSvc, gw, stripeClient, idempotencyStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches escrow routes to an existing router.
func ConfigureRouter(router chi.Router, cfg *config.Config, escrowSvc *escrow.Service, gw *gateway.Gateway, stripeClient *stripesvc.Client, idempotencyStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:              cfg,
		escrow:           escrowSvc,
		gateway:          gw,
		stripe:           stripeClient,
		idempotencyStore: idempotencyStore,
		metrics:          metricsCollector,
		logger:           appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Content-Disposition"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(appLogger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.FromConfig(cfg.RateLimit, metricsCollector)
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.ActorLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Actor identity arrives pre-verified from the terminating auth proxy.
	router.Use(actorMiddleware)

	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with a short timeout
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get(prefix+"/healthz", handler.health)
		// Protected by optional admin API key (ESCROWBOX_ADMIN_METRICS_API_KEY)
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Idempotency middleware for the mutating payment endpoints
	idempotencyMW := idempotency.Middleware(idempotencyStore, 24*time.Hour)

	// Transaction and file endpoints. 60s accommodates payout calls on the
	// completion path and large-file encryption.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Stripe webhook stays unversioned and unprefixed for URL stability.
		r.Post(prefix+"/stripe/webhook", handler.handleStripeWebhook)

		r.Route(prefix+"/escrow/transactions", func(r chi.Router) {
			r.With(idempotencyMW).Post("/", handler.createTransaction)
			r.Get("/", handler.listTransactions)

			r.Route("/{transactionID}", func(r chi.Router) {
				r.Get("/", handler.getTransaction)
				r.With(idempotencyMW).Post("/confirm-payment", handler.confirmPayment)
				r.Post("/cancel", handler.cancelTransaction)
				r.With(idempotencyMW).Post("/refund", handler.refundTransaction)

				r.Post("/file", handler.uploadFile)
				r.Get("/file", handler.downloadFile)
				r.Get("/file/metadata", handler.fileMetadata)
			})
		})
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
