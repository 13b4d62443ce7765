package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/mkarlsen/conveyor/internal/config"
	"github.com/mkarlsen/conveyor/internal/platform/memblob"
	"github.com/mkarlsen/conveyor/internal/platform/memqueue"
	"github.com/mkarlsen/conveyor/internal/platform/postgres"
	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/mkarlsen/conveyor/internal/service"
	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/mkarlsen/conveyor/internal/syncdata"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	taskStore store.TaskStore

	registry   *queue.Registry
	lifecycle  *queue.Lifecycle
	dispatcher *queue.Dispatcher
	transport  *memqueue.Queue
	blobs      queue.BlobStore

	taskService *service.TaskService
}

// newApplication creates an application instance with all dependencies
// initialized and the queue consumer running.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewPostgresTaskStore(db, logger)
	app.blobs = memblob.NewStore()
	app.lifecycle = queue.NewLifecycle(app.taskStore, logger)

	app.transport = memqueue.NewQueue(memqueue.Config{
		BufferSize: cfg.Queue.BufferSize,
	}, logger)

	app.registry = queue.NewRegistry()
	if err := syncdata.Register(app.registry, syncdata.Config{
		ChunkSendDelaySeconds: cfg.Queue.ChunkSendDelaySeconds,
	}); err != nil {
		return nil, fmt.Errorf("failed to register task handlers: %w", err)
	}

	runtime := &queue.Runtime{
		Transport: app.transport,
		Blobs:     app.blobs,
		Tasks:     app.taskStore,
		Lifecycle: app.lifecycle,
	}
	app.dispatcher = queue.NewDispatcher(app.registry, runtime, queue.RetryPolicy{
		MaxAttempts:      cfg.Queue.MaxAttempts,
		BaseDelaySeconds: cfg.Queue.RetryBaseDelaySeconds,
	}, logger)

	if err := app.transport.Start(app.dispatcher.HandleBatch); err != nil {
		return nil, fmt.Errorf("failed to start queue consumer: %w", err)
	}

	app.taskService = service.NewTaskService(
		app.taskStore,
		app.lifecycle,
		app.transport,
		app.blobs,
		logger,
	)

	logger.Info("Application initialized successfully",
		"handler_types", app.registry.Types())
	return app, nil
}

// Run starts the application server, handling lifecycle and cleanup.
func (app *application) Run(ctx context.Context) error {
	router := app.setupRouter()

	if err := app.startHTTPServer(ctx, router); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.transport != nil {
		app.transport.Stop()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
