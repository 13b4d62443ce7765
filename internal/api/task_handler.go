// Package api provides HTTP handlers for the task orchestrator API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/api/shared"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/service"
)

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID           string     `json:"id"`
	ParentTaskID *string    `json:"parent_task_id,omitempty"`
	UserID       *string    `json:"user_id,omitempty"`
	Type         string     `json:"type"`
	Status       *string    `json:"status"`
	Retries      int        `json:"retries"`
	MaxRetries   int        `json:"max_retries"`
	TotalSteps   *int       `json:"total_steps,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// TaskLogResponse represents one log line of a task.
type TaskLogResponse struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatusResponse combines a task with its log trail.
type TaskStatusResponse struct {
	Task TaskResponse      `json:"task"`
	Logs []TaskLogResponse `json:"logs"`
}

// CreatedResponse is returned by endpoints that create a task.
type CreatedResponse struct {
	TaskID string `json:"task_id"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	taskService *service.TaskService
	logger      *slog.Logger
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(taskService *service.TaskService, log *slog.Logger) *TaskHandler {
	if log == nil {
		// ALLOW-PANIC: Constructor enforcing required dependency
		panic("logger cannot be nil for TaskHandler")
	}

	return &TaskHandler{
		taskService: taskService,
		logger:      log.With(slog.String("component", "task_handler")),
	}
}

// CreateSyncTaskRequest is the body of POST /sync/tasks.
type CreateSyncTaskRequest struct {
	AccountID string  `json:"account_id" validate:"required"`
	UserID    *string `json:"user_id,omitempty" validate:"omitempty,uuid"`
}

// CreateSyncTask handles POST /sync/tasks requests. It creates the root task
// of a new sync; chunks are attached and the task started by later calls.
func (h *TaskHandler) CreateSyncTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	var req CreateSyncTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Warn("invalid request body", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	var userID *uuid.UUID
	if req.UserID != nil {
		parsed, err := uuid.Parse(*req.UserID)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid user ID format")
			return
		}
		userID = &parsed
	}

	taskID, err := h.taskService.CreateSyncTask(r.Context(), userID, req.AccountID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("sync task created via API", slog.String("task_id", taskID.String()))
	shared.RespondWithJSON(w, r, http.StatusCreated, CreatedResponse{TaskID: taskID.String()})
}

// AddDataChunkRequest is the body of POST /sync/tasks/{taskID}/chunks.
type AddDataChunkRequest struct {
	ChunkIndex int               `json:"chunk_index" validate:"min=0"`
	Records    []json.RawMessage `json:"records" validate:"required,min=1"`
}

// AddDataChunk handles POST /sync/tasks/{taskID}/chunks requests. The chunk's
// records are staged in the blob store and a child task is created to consume
// them once the sync starts.
func (h *TaskHandler) AddDataChunk(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	parentTaskID, ok := h.taskIDFromPath(w, r)
	if !ok {
		return
	}

	var req AddDataChunkRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		log.Warn("invalid request body", slog.String("error", err.Error()))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	taskID, err := h.taskService.AddDataChunk(r.Context(), parentTaskID, req.ChunkIndex, req.Records)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("chunk task created via API",
		slog.String("task_id", taskID.String()),
		slog.String("parent_task_id", parentTaskID.String()))
	shared.RespondWithJSON(w, r, http.StatusCreated, CreatedResponse{TaskID: taskID.String()})
}

// StartTask handles POST /tasks/{taskID}/start requests.
func (h *TaskHandler) StartTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	taskID, ok := h.taskIDFromPath(w, r)
	if !ok {
		return
	}

	if err := h.taskService.StartTask(r.Context(), taskID); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task started via API", slog.String("task_id", taskID.String()))
	w.WriteHeader(http.StatusAccepted)
}

// CancelTaskRequest is the optional body of POST /tasks/{taskID}/cancel.
type CancelTaskRequest struct {
	Cascade *bool `json:"cascade,omitempty"`
}

// CancelTask handles POST /tasks/{taskID}/cancel requests. Cancellation
// cascades to descendants unless the body explicitly disables it.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	taskID, ok := h.taskIDFromPath(w, r)
	if !ok {
		return
	}

	cascade := true
	if r.ContentLength > 0 {
		var req CancelTaskRequest
		if err := shared.DecodeJSON(r, &req); err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		if req.Cascade != nil {
			cascade = *req.Cascade
		}
	}

	if err := h.taskService.CancelTask(r.Context(), taskID, cascade); err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	log.Info("task cancelled via API",
		slog.String("task_id", taskID.String()),
		slog.Bool("cascade", cascade))
	w.WriteHeader(http.StatusNoContent)
}

// GetTaskStatus handles GET /tasks/{taskID} requests.
func (h *TaskHandler) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID, ok := h.taskIDFromPath(w, r)
	if !ok {
		return
	}

	task, logs, err := h.taskService.GetTaskStatus(r.Context(), taskID)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	response := TaskStatusResponse{
		Task: taskToResponse(task),
		Logs: make([]TaskLogResponse, 0, len(logs)),
	}
	for _, entry := range logs {
		response.Logs = append(response.Logs, TaskLogResponse{
			Level:     string(entry.Level),
			Message:   entry.Message,
			CreatedAt: entry.CreatedAt,
		})
	}

	shared.RespondWithJSON(w, r, http.StatusOK, response)
}

// taskIDFromPath extracts and parses the taskID URL parameter, writing the
// error response itself when the parameter is missing or malformed.
func (h *TaskHandler) taskIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	log := logger.FromContextOrDefault(r.Context(), h.logger)

	pathID := chi.URLParam(r, "taskID")
	if pathID == "" {
		log.Warn("task ID not found in URL path")
		shared.RespondWithError(w, r, http.StatusBadRequest, "Task ID is required")
		return uuid.Nil, false
	}

	taskID, err := uuid.Parse(pathID)
	if err != nil {
		log.Warn("invalid task ID format", slog.String("task_id", pathID))
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid task ID format")
		return uuid.Nil, false
	}
	return taskID, true
}

// taskToResponse transforms a domain task into its API representation. A task
// that was never dispatched has no status yet and serializes with a null one.
func taskToResponse(task *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:          task.ID.String(),
		Type:        task.Type,
		Retries:     task.Retries,
		MaxRetries:  task.MaxRetries,
		TotalSteps:  task.TotalSteps,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
		StartedAt:   task.StartedAt,
		CompletedAt: task.CompletedAt,
	}
	if task.ParentTaskID != nil {
		s := task.ParentTaskID.String()
		resp.ParentTaskID = &s
	}
	if task.UserID != nil {
		s := task.UserID.String()
		resp.UserID = &s
	}
	if task.Status != nil {
		s := string(*task.Status)
		resp.Status = &s
	}
	return resp
}
