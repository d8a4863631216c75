// -----------------------------------------------------------------------
// App - constructs every service in dependency order, bridges the logger
// into the websocket stream, and tears the whole graph down in reverse.
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/excerpo/internal/common"
	"github.com/ternarybob/excerpo/internal/connectors/github"
	"github.com/ternarybob/excerpo/internal/handlers"
	"github.com/ternarybob/excerpo/internal/interfaces"
	"github.com/ternarybob/excerpo/internal/scheduler"
	"github.com/ternarybob/excerpo/internal/services/content"
	"github.com/ternarybob/excerpo/internal/services/dataset"
	"github.com/ternarybob/excerpo/internal/services/events"
	"github.com/ternarybob/excerpo/internal/services/fetch"
	"github.com/ternarybob/excerpo/internal/services/intake"
	"github.com/ternarybob/excerpo/internal/services/llm"
	"github.com/ternarybob/excerpo/internal/services/maintenance"
	"github.com/ternarybob/excerpo/internal/services/pipeline"
	"github.com/ternarybob/excerpo/internal/services/report"
	"github.com/ternarybob/excerpo/internal/services/schema"
	"github.com/ternarybob/excerpo/internal/services/search"
	"github.com/ternarybob/excerpo/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config  *common.Config
	Logger  arbor.ILogger
	Storage interfaces.StorageManager

	// Event bus and websocket bridges
	Events      interfaces.EventService
	EventBridge *handlers.EventSubscriber
	LogRelay    *handlers.LogRelay

	// Extraction pipeline and its collaborators
	Schemas   *schema.Registry
	Datasets  *dataset.Service
	Resolver  *search.Resolver
	Fetcher   *fetch.Fetcher
	Extractor *content.Extractor
	Provider  *llm.ProviderFactory
	Pipeline  *pipeline.Pipeline

	// Queue and background services
	Scheduler   *scheduler.Scheduler
	Intake      *intake.Service
	Reports     *report.Service
	Maintenance *maintenance.Service

	// HTTP handlers
	APIHandler   *handlers.APIHandler
	JobHandler   *handlers.JobHandler
	BatchHandler *handlers.BatchHandler
	PaperHandler *handlers.PaperHandler
	WSHandler    *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	storage, err := badger.NewManager(&cfg.Storage.Badger, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.Storage = storage

	// Event bus and websocket hub come up before any service that
	// publishes, so no transition is emitted into the void.
	app.Events = events.NewService(logger)
	app.WSHandler = handlers.NewWebSocketHandler(logger)

	bridge := handlers.NewEventSubscriber(app.WSHandler, app.Events, &cfg.WebSocket, logger)
	if err := bridge.Start(); err != nil {
		return nil, fmt.Errorf("failed to start websocket event bridge: %w", err)
	}
	app.EventBridge = bridge

	// The log relay drains arbor's context channel into the websocket
	// stream. Arbor delivers batches on the named channel, so the relay
	// owns the channel and the logger just writes to it.
	relay := handlers.NewLogRelay(app.WSHandler, &cfg.WebSocket)
	if relay.Enabled() {
		relay.Start()
		app.Logger.SetChannel("context", relay.Channel())
	}
	app.LogRelay = relay

	if err := app.initServices(); err != nil {
		return nil, err
	}
	app.initHandlers()

	logger.Info().
		Str("storage_path", cfg.Storage.Badger.Path).
		Int("queue_concurrency", cfg.Queue.Concurrency).
		Str("llm_provider", cfg.LLM.DefaultProvider).
		Msg("Application initialization complete")

	return app, nil
}

// initServices builds the extraction pipeline and the queue around it.
// Order matters: everything the scheduler claims a job for must exist
// before the scheduler does.
func (a *App) initServices() error {
	cfg := a.Config

	schemas, err := schema.NewRegistry(&cfg.Schemas, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load schema registry: %w", err)
	}
	a.Schemas = schemas

	// Datasets load from the local directory at startup; the GitHub
	// overlay is optional and refreshed on a maintenance schedule.
	var manifests dataset.ManifestSource
	if cfg.Datasets.GitHub.Repo != "" {
		connector, err := github.NewConnector(&cfg.Datasets.GitHub, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize dataset connector: %w", err)
		}
		manifests = connector
	}
	datasets, err := dataset.New(&cfg.Datasets, a.Storage.PaperStorage(), manifests, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load datasets: %w", err)
	}
	a.Datasets = datasets

	a.Resolver = search.NewResolver(cfg, a.Logger)

	var fetchOpts []fetch.Option
	if cfg.Pipeline.RenderFallback {
		renderer := fetch.NewChromeRenderer(cfg.Pipeline.UserAgent, cfg.Pipeline.RenderTimeoutDuration(), a.Logger)
		fetchOpts = append(fetchOpts, fetch.WithRenderer(renderer))
	}
	a.Fetcher = fetch.New(&cfg.Pipeline, a.Logger, fetchOpts...)

	a.Extractor = content.NewExtractor(a.Logger)
	a.Provider = llm.NewProviderFactory(cfg, a.Logger)

	a.Pipeline = pipeline.New(a.Resolver, a.Fetcher, a.Extractor, a.Provider, a.Schemas, a.Storage.PaperStorage(), a.Logger)

	a.Scheduler = scheduler.New(cfg, scheduler.Deps{
		Storage:  a.Storage,
		Events:   a.Events,
		Pipeline: a.Pipeline,
		Truth:    a.Datasets,
		Prices:   llm.NewPriceTable(),
		Logger:   a.Logger,
	})

	a.Intake = intake.NewService(&cfg.Intake, a.Storage.PaperStorage(), a.Scheduler, a.Logger)
	a.Reports = report.NewService(a.Scheduler, a.Storage.JobStorage(), a.Storage.PaperStorage(), a.Logger)

	return a.initMaintenance()
}

// initMaintenance registers the background upkeep tasks. Badger value log
// GC always runs; mailbox polling and dataset refresh only when their
// sections are configured.
func (a *App) initMaintenance() error {
	cfg := a.Config
	maint := maintenance.NewService(a.Logger)

	if err := maint.Register("value-log-gc", cfg.Maintenance.GCSchedule, func(ctx context.Context) error {
		return a.Storage.RunValueLogGC()
	}); err != nil {
		return fmt.Errorf("failed to register gc task: %w", err)
	}

	if cfg.Intake.Enabled {
		if err := maint.Register("intake-poll", cfg.Intake.Schedule, func(ctx context.Context) error {
			_, err := a.Intake.Poll(ctx)
			return err
		}); err != nil {
			return fmt.Errorf("failed to register intake task: %w", err)
		}
	}

	if cfg.Datasets.GitHub.Repo != "" {
		if err := maint.Register("dataset-refresh", cfg.Maintenance.DatasetRefreshSchedule, a.Datasets.RefreshRemote); err != nil {
			return fmt.Errorf("failed to register dataset refresh task: %w", err)
		}
	}

	a.Maintenance = maint
	return nil
}

// initHandlers wires the HTTP surface onto the services.
func (a *App) initHandlers() {
	a.APIHandler = handlers.NewAPIHandler(a.Scheduler, a.Maintenance, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Scheduler, a.Logger)
	a.BatchHandler = handlers.NewBatchHandler(a.Scheduler, a.Reports, a.Logger)
	a.PaperHandler = handlers.NewPaperHandler(a.Storage.PaperStorage(), a.Scheduler, a.Logger)
}

// Start launches the worker pool, the recovery sweep, and the cron tasks.
func (a *App) Start() error {
	if err := a.Scheduler.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := a.Maintenance.Start(); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	return nil
}

// Close shuts services down in reverse dependency order. Storage goes
// last so in-flight work can still persist its final state.
func (a *App) Close() error {
	if a.Maintenance != nil {
		a.Maintenance.Stop()
		a.Logger.Info().Msg("Maintenance tasks stopped")
	}

	if a.Scheduler != nil {
		a.Scheduler.Stop()
		a.Logger.Info().Msg("Scheduler stopped")
	}

	if a.Events != nil {
		if err := a.Events.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event bus")
		}
	}

	if a.LogRelay != nil {
		a.LogRelay.Stop()
	}

	if a.Provider != nil {
		if err := a.Provider.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close LLM provider")
		}
	}

	if a.Fetcher != nil {
		if err := a.Fetcher.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close fetcher")
		}
	}

	if a.Storage != nil {
		if err := a.Storage.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
