// -----------------------------------------------------------------------
// Application wiring - builds every component and owns their lifetimes
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/harvester/internal/artifacts"
	"github.com/ternarybob/harvester/internal/common"
	"github.com/ternarybob/harvester/internal/connection"
	"github.com/ternarybob/harvester/internal/filemanager"
	"github.com/ternarybob/harvester/internal/handlers"
	"github.com/ternarybob/harvester/internal/history"
	"github.com/ternarybob/harvester/internal/interfaces"
	"github.com/ternarybob/harvester/internal/lifecycle"
	"github.com/ternarybob/harvester/internal/reconcile"
	"github.com/ternarybob/harvester/internal/services/events"
	badgerstorage "github.com/ternarybob/harvester/internal/storage/badger"
	"github.com/ternarybob/harvester/internal/store"
	"github.com/ternarybob/harvester/internal/worker"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB             *badgerstorage.BadgerDB
	EventService   interfaces.EventService
	MergeStorage   interfaces.MergeStorage
	HistoryStorage interfaces.HistoryStorage

	Store       *store.Store
	FileManager interfaces.FileManagerService
	Worker      interfaces.WorkerService
	Reconciler  *reconcile.Reconciler
	ConnManager *connection.Manager
	Controller  *lifecycle.Controller
	Coordinator *artifacts.Coordinator
	Tracker     *history.Tracker

	// HTTP handlers
	APIHandler      *handlers.APIHandler
	JobHandler      *handlers.JobHandler
	ArtifactHandler *handlers.ArtifactHandler
	HistoryHandler  *handlers.HistoryHandler
	WSHandler       *handlers.WebSocketHandler

	scheduler *cron.Cron
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	db, err := badgerstorage.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	app.DB = db
	app.MergeStorage = badgerstorage.NewMergeStorage(db, logger)
	app.HistoryStorage = badgerstorage.NewHistoryStorage(db, logger)

	app.EventService = events.NewService(logger)
	app.WSHandler = handlers.NewWebSocketHandler(app.EventService, logger, &cfg.WebSocket)

	app.Store = store.New(logger)
	app.FileManager = filemanager.New(cfg.FileManager.URL, cfg.FileManager.DownloadDir, cfg.FileManagerTimeout(), logger)
	app.Worker = worker.New(cfg.Worker.APIURL, logger)

	pollInterval, err := cfg.PollInterval()
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval: %w", err)
	}
	connectTimeout, err := cfg.ConnectTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid connect timeout: %w", err)
	}

	app.Reconciler = reconcile.New(app.Store, app.FileManager, app.EventService, pollInterval, logger)
	app.ConnManager = connection.NewManager(cfg.Worker.URL, connectTimeout, app.Reconciler.HandleEvent, logger)
	app.Reconciler.BindConnections(app.ConnManager)
	app.Controller = lifecycle.New(app.Store, app.ConnManager, app.Reconciler, app.Worker, app.EventService, cfg.Tools, logger)
	app.Coordinator = artifacts.New(app.Store, app.FileManager, app.MergeStorage, app.EventService, logger)

	app.Tracker = history.New(app.HistoryStorage, logger)
	if err := app.Tracker.Load(context.Background()); err != nil {
		logger.Warn().Err(err).Msg("Run history unavailable, starting empty")
	}
	if err := app.Tracker.SubscribeEvents(app.EventService); err != nil {
		return nil, fmt.Errorf("failed to subscribe run tracker: %w", err)
	}

	app.APIHandler = handlers.NewAPIHandler(app.Store, logger)
	app.JobHandler = handlers.NewJobHandler(app.Store, app.Controller, app.Tracker, logger)
	app.ArtifactHandler = handlers.NewArtifactHandler(app.Coordinator, app.MergeStorage, logger)
	app.HistoryHandler = handlers.NewHistoryHandler(app.Tracker, logger)

	if err := app.startRetentionSweep(); err != nil {
		return nil, err
	}

	logger.Info().Msg("Application initialized")
	return app, nil
}

// startRetentionSweep schedules the periodic prune of terminal job records.
func (a *App) startRetentionSweep() error {
	a.scheduler = cron.New()
	maxAge := a.Config.RetentionMaxAge()

	_, err := a.scheduler.AddFunc(a.Config.Retention.Schedule, func() {
		removed := a.Store.PruneTerminal(maxAge)
		if len(removed) > 0 {
			a.Logger.Info().Int("removed", len(removed)).Msg("Pruned terminal job records")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", a.Config.Retention.Schedule, err)
	}

	a.scheduler.Start()
	return nil
}

// Close releases all application resources in reverse dependency order.
func (a *App) Close() {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.Reconciler != nil {
		a.Reconciler.StopAll()
	}
	if a.ConnManager != nil {
		a.ConnManager.CloseAll()
	}
	if a.EventService != nil {
		a.EventService.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
	a.Logger.Info().Msg("Application closed")
}
