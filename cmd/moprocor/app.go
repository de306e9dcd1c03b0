package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/c360studio/moprocor/api"
	"github.com/c360studio/moprocor/config"
	"github.com/c360studio/moprocor/llm"
	"github.com/c360studio/moprocor/llm/providers"
	"github.com/c360studio/moprocor/model"
	"github.com/c360studio/moprocor/prompts"
	"github.com/c360studio/moprocor/purchase"
	"github.com/c360studio/moprocor/scheduler"
	"github.com/c360studio/moprocor/storage"
	"github.com/c360studio/moprocor/updater"
)

// App wires the stores, the model client, the updaters, the scheduler and
// the HTTP surface together.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsClient *natsclient.Client
	stores     *storage.Stores
	prompts    *prompts.Builder
	invoker    llm.Invoker
	metrics    *prometheus.Registry

	dispatcher *updater.Dispatcher
	pool       *scheduler.Pool
	queue      *scheduler.StreamQueue
	purchases  *purchase.Service

	server *http.Server
	ln     net.Listener
}

// AppOption configures an App.
type AppOption func(*App)

// withInvoker replaces the model client, for tests.
func withInvoker(inv llm.Invoker) AppOption {
	return func(a *App) {
		a.invoker = inv
	}
}

// NewApp builds every component described by cfg. Nothing runs until Run.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...AppOption) (*App, error) {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		metrics: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.NATS.URL != "" {
		nc, err := connectToNATS(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.natsClient = nc
	}

	stores, err := a.openStores(ctx)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("open stores: %w", err)
	}
	a.stores = stores

	if cfg.Store.CatalogCacheSize > 0 {
		cached, err := storage.NewCachedCatalog(stores.Catalog, cfg.Store.CatalogCacheSize, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("catalog cache: %w", err)
		}
		stores.Catalog = cached
	}

	a.prompts = prompts.NewBuilder(cfg.Prompts.TemplatePath, prompts.WithLogger(logger))

	if a.invoker == nil {
		inv, err := newModelClient(ctx, cfg, logger)
		if err != nil {
			a.Close(ctx)
			return nil, err
		}
		a.invoker = inv
	}

	temperature := cfg.Model.Temperature
	deps := &updater.Deps{
		Plans:       stores.Plans,
		Catalog:     stores.Catalog,
		Prompts:     a.prompts,
		Invoker:     a.invoker,
		Model:       cfg.Model.ID,
		Temperature: &temperature,
		Logger:      logger,
	}
	dispOpts := []updater.DispatcherOption{
		updater.WithRunStore(stores.Runs),
		updater.WithMetrics(updater.NewMetrics(a.metrics)),
	}
	if cfg.Updater.SerializeWeeks {
		dispOpts = append(dispOpts, updater.WithWeekLocks(updater.NewWeekLocks()))
	}
	a.dispatcher, err = updater.NewDispatcher(deps, dispOpts...)
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	a.pool = scheduler.NewPool(a.dispatcher, cfg.Scheduler.Pool,
		scheduler.WithLogger(logger),
		scheduler.WithRunStore(stores.Runs),
		scheduler.WithMetrics(scheduler.NewMetrics(a.metrics)))

	var jobs scheduler.Submitter = a.pool
	if cfg.Scheduler.Queue == config.QueueJetStream {
		a.queue, err = scheduler.NewStreamQueue(a.natsClient, a.pool, cfg.Scheduler.Stream, logger)
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("create stream queue: %w", err)
		}
		jobs = a.queue
	}

	a.purchases = purchase.NewService(stores.Purchases, jobs, purchase.WithLogger(logger))

	mux := http.NewServeMux()
	api.NewHandler(a.purchases, stores,
		api.WithLogger(logger),
		api.WithMetrics(a.metrics),
		api.WithHealthCheck(a.health),
	).RegisterHTTPHandlers(mux)

	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) openStores(ctx context.Context) (*storage.Stores, error) {
	switch a.cfg.Store.Backend {
	case config.BackendKV:
		js, err := a.natsClient.JetStream()
		if err != nil {
			return nil, fmt.Errorf("get jetstream: %w", err)
		}
		return storage.NewKV(ctx, js)
	case config.BackendPostgres:
		return storage.OpenPostgres(ctx, a.cfg.Store.DatabaseURL)
	default:
		return storage.NewMemory(), nil
	}
}

// newModelClient builds the model client and the SDK backends its
// endpoints need.
func newModelClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Client, error) {
	registry, err := cfg.Model.BuildRegistry()
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}

	opts := []llm.ClientOption{
		llm.WithTimeout(cfg.Model.Timeout),
		llm.WithRetryConfig(cfg.Model.Retry),
		llm.WithDefaultTemperature(cfg.Model.Temperature),
		llm.WithLogger(logger),
	}
	for _, p := range registry.Providers() {
		switch p {
		case model.ProviderBedrock:
			b, err := providers.NewBedrockBackendFromEnv(ctx, cfg.Model.Region)
			if err != nil {
				return nil, fmt.Errorf("bedrock backend: %w", err)
			}
			opts = append(opts, llm.WithBackend(b))
		case model.ProviderGemini:
			g, err := providers.NewGeminiBackendFromEnv(ctx)
			if err != nil {
				return nil, fmt.Errorf("gemini backend: %w", err)
			}
			opts = append(opts, llm.WithBackend(g))
		}
	}

	logger.Info("Model client ready",
		"default", registry.Default(),
		"model", cfg.Model.ID,
		"providers", strings.Join(registry.Providers(), ","))
	return llm.NewClient(registry, opts...), nil
}

// health reports whether the backing services answer.
func (a *App) health(ctx context.Context) error {
	if a.natsClient != nil {
		js, err := a.natsClient.JetStream()
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		if _, err := js.AccountInfo(ctx); err != nil {
			return fmt.Errorf("nats: %w", err)
		}
	}
	if a.cfg.Store.Backend == config.BackendPostgres {
		if _, err := a.stores.Plans.GetByWeek(ctx, 1); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Start launches the workers, the stream consumer and the HTTP listener.
func (a *App) Start(ctx context.Context) error {
	if err := a.pool.Start(ctx); err != nil {
		return err
	}
	if a.queue != nil {
		if err := a.queue.Start(ctx); err != nil {
			return fmt.Errorf("start stream queue: %w", err)
		}
	}
	if a.cfg.Prompts.Watch {
		if err := a.prompts.Watch(ctx); err != nil {
			a.logger.Warn("Prompt template watch disabled", "error", err)
		}
	}

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.ln = ln
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()

	a.logger.Info("moprocor ready",
		"version", Version,
		"addr", ln.Addr().String(),
		"store", a.cfg.Store.Backend,
		"queue", a.cfg.Scheduler.Queue,
		"serialize_weeks", a.cfg.Updater.SerializeWeeks,
		"prompt_version", a.prompts.Version())
	return nil
}

// Addr returns the listening address once started.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
}

// Shutdown stops accepting requests, drains queued plan updates and
// releases every backend.
func (a *App) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.ln != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown incomplete", "error", err)
		}
	}
	if a.queue != nil {
		a.queue.Stop()
	}
	if err := a.pool.Stop(ctx); err != nil {
		a.logger.Warn("Plan updates still running at shutdown were cancelled", "error", err)
	}
	a.Close(ctx)
}

// Close releases the stores and the NATS connection.
func (a *App) Close(ctx context.Context) {
	if a.stores != nil {
		if err := a.stores.Close(); err != nil {
			a.logger.Warn("Failed to close stores", "error", err)
		}
		a.stores = nil
	}
	if a.natsClient != nil {
		a.natsClient.Close(ctx)
		a.natsClient = nil
	}
}
