// Package service implements the producer-facing operations of the
// orchestrator: creating sync task trees, staging chunks, and the
// start/cancel/status wrappers over the task lifecycle. Handlers in
// internal/api expose these over HTTP.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/mkarlsen/conveyor/internal/syncdata"
)

// chunkTTL bounds how long a staged chunk survives if its task never runs.
const chunkTTL = time.Hour

// TaskService wraps the task store, lifecycle and transport into the
// operations producers call.
type TaskService struct {
	tasks     store.TaskStore
	lifecycle *queue.Lifecycle
	transport queue.Transport
	blobs     queue.BlobStore
	logger    *slog.Logger
}

// NewTaskService creates a TaskService.
func NewTaskService(
	tasks store.TaskStore,
	lifecycle *queue.Lifecycle,
	transport queue.Transport,
	blobs queue.BlobStore,
	log *slog.Logger,
) *TaskService {
	if log == nil {
		log = slog.Default()
	}
	return &TaskService{
		tasks:     tasks,
		lifecycle: lifecycle,
		transport: transport,
		blobs:     blobs,
		logger:    log.With(slog.String("component", "task_service")),
	}
}

// CreateSyncTask creates a root sync-data task for the given account. When
// an owner is supplied, the task is rejected while the owner still has any
// non-terminal task in flight: one sync per user at a time.
func (s *TaskService) CreateSyncTask(
	ctx context.Context,
	userID *uuid.UUID,
	accountID string,
) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if accountID == "" {
		return uuid.Nil, fmt.Errorf("%w: account ID cannot be empty", store.ErrInvalidEntity)
	}

	if userID != nil {
		active, err := s.tasks.ListActiveByUser(ctx, *userID)
		if err != nil {
			return uuid.Nil, err
		}
		if len(active) > 0 {
			log.Warn("rejected sync task, user has active tasks",
				slog.String("user_id", userID.String()),
				slog.Int("active_count", len(active)))
			return uuid.Nil, fmt.Errorf("%w: user %s", store.ErrActiveTaskExists, userID)
		}
	}

	data, err := json.Marshal(syncdata.SyncPayload{
		AccountID: accountID,
		UserID:    userID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode sync payload: %w", err)
	}

	task, err := domain.NewTask(syncdata.TypeSyncData, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	task.UserID = userID

	id, err := s.tasks.CreateTask(ctx, task)
	if err != nil {
		return uuid.Nil, err
	}

	log.Info("sync task created",
		slog.String("task_id", id.String()),
		slog.String("account_id", accountID))
	return id, nil
}

// AddDataChunk stages a chunk of records in the blob store and creates the
// child task that will consume it. The parent must be an active sync-data
// task.
func (s *TaskService) AddDataChunk(
	ctx context.Context,
	parentTaskID uuid.UUID,
	chunkIndex int,
	records []json.RawMessage,
) (uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	parent, err := s.lifecycle.AssertActiveTask(ctx, parentTaskID)
	if err != nil {
		return uuid.Nil, err
	}
	if parent.Type != syncdata.TypeSyncData {
		return uuid.Nil, fmt.Errorf("%w: parent task %s is not a sync task",
			store.ErrInvalidEntity, parentTaskID)
	}

	var parentPayload syncdata.SyncPayload
	if err := json.Unmarshal(parent.Data, &parentPayload); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode parent payload: %w", err)
	}

	chunkID := syncdata.ChunkKey(parentTaskID, chunkIndex)
	staged, err := json.Marshal(records)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode chunk records: %w", err)
	}
	if err := s.blobs.Put(ctx, chunkID, staged, chunkTTL); err != nil {
		return uuid.Nil, fmt.Errorf("failed to stage chunk: %w", err)
	}

	data, err := json.Marshal(syncdata.ChunkPayload{
		AccountID:    parentPayload.AccountID,
		ParentTaskID: parentTaskID,
		ChunkID:      chunkID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to encode chunk payload: %w", err)
	}

	child, err := domain.NewChildTask(parentTaskID, syncdata.TypeDataChunk, data)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	id, err := s.tasks.CreateTask(ctx, child)
	if err != nil {
		return uuid.Nil, err
	}

	log.Info("chunk task created",
		slog.String("task_id", id.String()),
		slog.String("parent_task_id", parentTaskID.String()),
		slog.String("chunk_id", chunkID),
		slog.Int("records", len(records)))
	return id, nil
}

// StartTask dispatches a created task: it transitions to running and its
// message is sent through the transport. A task that already carries a
// status has been started before and is rejected.
func (s *TaskService) StartTask(ctx context.Context, id uuid.UUID) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	task, err := s.lifecycle.AssertActiveTask(ctx, id)
	if err != nil {
		return err
	}
	if task.Status != nil {
		return fmt.Errorf("%w: task %s is already started", store.ErrInvalidEntity, id)
	}

	if _, err := s.lifecycle.Start(ctx, id); err != nil {
		return err
	}

	err = s.transport.Send(ctx, queue.Message{
		Type:   task.Type,
		TaskID: id,
		Data:   task.Data,
	}, queue.SendOptions{})
	if err != nil {
		return fmt.Errorf("failed to enqueue task message: %w", err)
	}

	log.Info("task started", slog.String("task_id", id.String()))
	return nil
}

// CancelTask cancels the task. With cascade (the default for producer
// requests), every non-terminal descendant is cancelled as well.
func (s *TaskService) CancelTask(ctx context.Context, id uuid.UUID, cascade bool) error {
	return s.lifecycle.Cancel(ctx, id, cascade)
}

// GetTaskStatus returns the task record together with its log trail.
func (s *TaskService) GetTaskStatus(
	ctx context.Context,
	id uuid.UUID,
) (*domain.Task, []*domain.TaskLog, error) {
	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	logs, err := s.tasks.ListLogs(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	return task, logs, nil
}
