// -----------------------------------------------------------------------
// App - component wiring and lifecycle
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/coremachine/internal/common"
	"github.com/ternarybob/coremachine/internal/engine"
	"github.com/ternarybob/coremachine/internal/interfaces"
	"github.com/ternarybob/coremachine/internal/queue"
	"github.com/ternarybob/coremachine/internal/registry"
	storage "github.com/ternarybob/coremachine/internal/storage/badger"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	DB        *storage.BadgerDB
	JobStore  interfaces.JobStore
	TaskStore interfaces.TaskStore

	JobQueue  *queue.Manager
	TaskQueue *queue.Manager

	Registry  *registry.Registry
	Engine    *engine.Engine
	Submitter *engine.Submitter
	Janitor   *engine.Janitor

	jobPool  *queue.WorkerPool
	taskPool *queue.WorkerPool

	ctx    context.Context
	cancel context.CancelFunc
}

// New initializes the application with all dependencies. The registry is
// supplied by the caller so deployments choose their own pipelines.
func New(cfg *common.Config, logger arbor.ILogger, defs []registry.JobDefinition, handlers map[string]registry.TaskHandler) (*App, error) {
	reg, err := registry.New(defs, handlers)
	if err != nil {
		return nil, fmt.Errorf("failed to build registry: %w", err)
	}

	db, err := storage.NewBadgerDB(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	jobStore := storage.NewJobStore(db, logger)
	taskStore := storage.NewTaskStore(db, logger)

	visibilityTimeout := common.Duration(cfg.Queue.VisibilityTimeout, 0)
	raw := db.Store().Badger()

	jobQueue, err := queue.NewManager(raw, cfg.Queue.JobQueueName, visibilityTimeout, cfg.Queue.MaxReceive, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create job queue: %w", err)
	}
	taskQueue, err := queue.NewManager(raw, cfg.Queue.TaskQueueName, visibilityTimeout, cfg.Queue.MaxReceive, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create task queue: %w", err)
	}

	eng := engine.NewEngine(jobStore, taskStore, jobQueue, taskQueue, reg, &cfg.Engine, logger)

	app := &App{
		Config:    cfg,
		Logger:    logger,
		DB:        db,
		JobStore:  jobStore,
		TaskStore: taskStore,
		JobQueue:  jobQueue,
		TaskQueue: taskQueue,
		Registry:  reg,
		Engine:    eng,
		Submitter: engine.NewSubmitter(jobStore, jobQueue, reg, logger),
		Janitor:   engine.NewJanitor(jobStore, taskStore, &cfg.Janitor, logger),
	}

	pollInterval := common.Duration(cfg.Queue.PollInterval, 0)
	app.jobPool = queue.NewWorkerPool("jobs", jobQueue, eng.JobMessageHandler(), cfg.Queue.Concurrency, pollInterval, logger)
	app.taskPool = queue.NewWorkerPool("tasks", taskQueue, eng.TaskMessageHandler(), cfg.Queue.Concurrency, pollInterval, logger)

	return app, nil
}

// Start launches the worker pools and the janitor
func (a *App) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.jobPool.Start(a.ctx)
	a.taskPool.Start(a.ctx)

	if a.Config.Janitor.Enabled {
		if err := a.Janitor.Start(); err != nil {
			return fmt.Errorf("failed to start janitor: %w", err)
		}
	}

	a.Logger.Info().
		Strs("job_types", a.Registry.JobTypes()).
		Str("job_queue", a.Config.Queue.JobQueueName).
		Str("task_queue", a.Config.Queue.TaskQueueName).
		Msg("Engine started")
	return nil
}

// Stop shuts the application down in reverse dependency order
func (a *App) Stop() {
	a.Logger.Info().Msg("Shutting down")

	if a.Config.Janitor.Enabled {
		a.Janitor.Stop()
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.jobPool.Stop()
	a.taskPool.Stop()

	if err := a.DB.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to close database")
	}
	a.Logger.Info().Msg("Shutdown complete")
}
