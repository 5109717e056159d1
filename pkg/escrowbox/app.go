package escrowbox

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/EscrowBox/server/internal/callbacks"
	"github.com/EscrowBox/server/internal/circuitbreaker"
	"github.com/EscrowBox/server/internal/config"
	"github.com/EscrowBox/server/internal/dbpool"
	"github.com/EscrowBox/server/internal/envelope"
	"github.com/EscrowBox/server/internal/escrow"
	"github.com/EscrowBox/server/internal/gateway"
	"github.com/EscrowBox/server/internal/httpserver"
	"github.com/EscrowBox/server/internal/idempotency"
	"github.com/EscrowBox/server/internal/lifecycle"
	"github.com/EscrowBox/server/internal/logger"
	"github.com/EscrowBox/server/internal/metrics"
	"github.com/EscrowBox/server/internal/storage"
	stripesvc "github.com/EscrowBox/server/internal/stripe"
)

// App wires the escrow components for reuse or standalone serving.
type App struct {
	Config           *config.Config
	Store            storage.Store
	Notifier         callbacks.Notifier
	Engine           *envelope.Engine
	Escrow           *escrow.Service
	Gateway          *gateway.Gateway
	Stripe           *stripesvc.Client
	IdempotencyStore *idempotency.MemoryStore

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store    storage.Store
	notifier callbacks.Notifier
	router   chi.Router
}

// WithStore sets a custom storage backend.
func WithStore(store storage.Store) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithNotifier injects a custom escrow event notifier.
func WithNotifier(notifier callbacks.Notifier) Option {
	return func(o *options) {
		o.notifier = notifier
	}
}

// WithRouter allows callers to provide an existing chi.Router to register routes onto.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles the escrow services for embedding.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("escrowbox: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
	}

	// Initialize Prometheus metrics collector (needed by most services below)
	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := newStore(cfg, app.resourceManager)
		if err != nil {
			app.resourceManager.Close()
			return nil, err
		}
		app.Store = store
		app.resourceManager.Register("storage", app.Store)
	}

	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)

	if optState.notifier != nil {
		app.Notifier = optState.notifier
	} else {
		retryConfig := callbacks.RetryConfig{
			MaxAttempts:     cfg.Callbacks.Retry.MaxAttempts,
			InitialInterval: cfg.Callbacks.Retry.InitialInterval.Duration,
			MaxInterval:     cfg.Callbacks.Retry.MaxInterval.Duration,
			Multiplier:      cfg.Callbacks.Retry.Multiplier,
			Timeout:         cfg.Callbacks.Timeout.Duration,
		}
		app.Notifier = callbacks.NewRetryableClient(cfg.Callbacks,
			callbacks.WithRetryConfig(retryConfig),
			callbacks.WithMetrics(metricsCollector),
			callbacks.WithBreakers(breakers),
		)
	}

	engine, err := envelope.NewEngine(cfg.MasterKey())
	if err != nil {
		app.resourceManager.Close()
		return nil, err
	}
	app.Engine = engine

	app.Stripe = stripesvc.NewClient(cfg.Stripe, breakers, metricsCollector)
	app.Escrow = escrow.NewService(cfg, app.Store, app.Stripe, app.Notifier, metricsCollector)
	app.Gateway = gateway.New(cfg, app.Store, engine, app.Escrow, metricsCollector)

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}

	// Create shared idempotency store (single goroutine for cleanup)
	app.IdempotencyStore = idempotency.NewMemoryStore()
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		app.IdempotencyStore.Stop()
		return nil
	})

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "escrowbox-embedded",
		Environment: cfg.Logging.Environment,
	})

	httpserver.ConfigureRouter(app.router, cfg, app.Escrow, app.Gateway, app.Stripe, app.IdempotencyStore, metricsCollector, appLogger)

	return app, nil
}

// newStore builds the configured storage backend. The postgres backend goes
// through a shared connection pool so future repositories reuse the same
// *sql.DB; the pool is closed after the store during shutdown.
func newStore(cfg *config.Config, resources *lifecycle.Manager) (storage.Store, error) {
	storeCfg := storage.StoreConfig{
		Backend:               cfg.Storage.Backend,
		PostgresURL:           cfg.Storage.PostgresURL,
		MongoDBURL:            cfg.Storage.MongoDBURL,
		MongoDBDatabase:       cfg.Storage.MongoDBDatabase,
		PostgresPool:          cfg.Storage.PostgresPool,
		TransactionsTableName: cfg.Storage.TransactionsTableName,
		FilesTableName:        cfg.Storage.FilesTableName,
	}

	if storeCfg.Backend == "postgres" || (storeCfg.Backend == "" && storeCfg.PostgresURL != "") {
		pool, err := dbpool.NewSharedPool(storeCfg.PostgresURL, storeCfg.PostgresPool)
		if err != nil {
			return nil, err
		}
		resources.Register("postgres-pool", pool)
		return storage.NewStoreWithDB(storeCfg, pool.DB())
	}

	store, err := storage.NewStore(storeCfg)
	if err != nil {
		return nil, err
	}
	if _, ok := store.(*storage.MemoryStore); ok {
		log.Warn().
			Msg("escrowbox: using in-memory store - escrow state is lost on restart, do not use in production")
	}
	return store, nil
}

// Router returns the chi router with escrow routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Close releases resources owned by the app (store, pools, background goroutines).
func (a *App) Close() error {
	return a.resourceManager.Close()
}

// RegisterRoutes attaches escrow endpoints to the provided router using an existing App.
func RegisterRoutes(router chi.Router, app *App) {
	if router == nil || app == nil {
		return
	}

	appLogger := logger.New(logger.Config{
		Level:       app.Config.Logging.Level,
		Format:      app.Config.Logging.Format,
		Service:     "escrowbox-embedded",
		Environment: app.Config.Logging.Environment,
	})

	// Reuse the app's metrics collector (already registered in NewApp)
	collector := app.metricsCollector
	if collector == nil {
		collector = metrics.New(prometheus.DefaultRegisterer)
	}

	httpserver.ConfigureRouter(router, app.Config, app.Escrow, app.Gateway, app.Stripe, app.IdempotencyStore, collector, appLogger)
}

// NewHandler is a convenience that constructs an App and returns its handler.
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

// LoadConfig wraps the internal loader for consumers embedding the escrow service.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
