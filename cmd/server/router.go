package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mkarlsen/conveyor/internal/api"
	apiMiddleware "github.com/mkarlsen/conveyor/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)

	taskHandler := api.NewTaskHandler(app.taskService, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Post("/sync/tasks", taskHandler.CreateSyncTask)
		r.Post("/sync/tasks/{taskID}/chunks", taskHandler.AddDataChunk)

		r.Post("/tasks/{taskID}/start", taskHandler.StartTask)
		r.Post("/tasks/{taskID}/cancel", taskHandler.CancelTask)
		r.Get("/tasks/{taskID}", taskHandler.GetTaskStatus)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
