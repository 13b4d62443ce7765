package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/store"
)

// Lifecycle is the task state machine. Every status transition goes through
// it: it guards finality (a terminal task is never reopened), appends one
// log entry per transition, and triggers the cascade operations on
// completion and cancellation.
type Lifecycle struct {
	tasks  store.TaskStore
	logger *slog.Logger
}

// NewLifecycle creates a Lifecycle backed by the given store.
func NewLifecycle(tasks store.TaskStore, log *slog.Logger) *Lifecycle {
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{
		tasks:  tasks,
		logger: log.With(slog.String("component", "lifecycle")),
	}
}

// AssertActiveTask loads the task and verifies it has not reached a final
// state. Returns store.ErrTaskNotFound when the task is missing and
// store.ErrFinalState when its stored status is terminal. Used as a guard
// before any transition and before dispatching a message, so a terminal task
// cannot be reopened by a stray or duplicate delivery.
func (l *Lifecycle) AssertActiveTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := l.tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	if task.IsFinal() {
		return nil, fmt.Errorf("%w: task %s has status %s", store.ErrFinalState, id, *task.Status)
	}

	return task, nil
}

// Start transitions the task to running.
func (l *Lifecycle) Start(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return l.transition(ctx, id, domain.TaskStatusRunning, nil, "")
}

// Cancel transitions the task to cancelled. With cascade, every non-terminal
// descendant of the task is cancelled as well, in one atomic pass; terminal
// descendants are left untouched.
func (l *Lifecycle) Cancel(ctx context.Context, id uuid.UUID, cascade bool) error {
	log := logger.FromContextOrDefault(ctx, l.logger)

	if _, err := l.transition(ctx, id, domain.TaskStatusCancelled, nil, ""); err != nil {
		return err
	}

	if cascade {
		affected, err := l.tasks.CancelDescendants(ctx, id)
		if err != nil {
			return err
		}
		log.Info("cancelled descendant tasks",
			slog.String("task_id", id.String()),
			slog.Int64("affected", affected))
	}

	return nil
}

// Complete transitions the task to completed. With cascade, the parent chain
// is walked upward: each ancestor whose direct children are now all
// completed is completed too, in one atomic pass. Eligibility is evaluated
// against current stored state, so duplicate cascade attempts are no-ops.
func (l *Lifecycle) Complete(ctx context.Context, id uuid.UUID, cascade bool) error {
	log := logger.FromContextOrDefault(ctx, l.logger)

	if _, err := l.transition(ctx, id, domain.TaskStatusCompleted, nil, ""); err != nil {
		return err
	}

	if cascade {
		affected, err := l.tasks.CompleteAncestors(ctx, id)
		if err != nil {
			return err
		}
		if affected > 0 {
			log.Info("completed ancestor tasks",
				slog.String("task_id", id.String()),
				slog.Int64("affected", affected))
		}
	}

	return nil
}

// Skip transitions the task to skipped, recording the reason as an error log
// entry. Used for messages whose type has no registered handler.
func (l *Lifecycle) Skip(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := l.transition(ctx, id, domain.TaskStatusSkipped, nil, reason)
	return err
}

// MarkRetrying records a failed delivery that will be redelivered: the task
// moves to retrying and its retries field is synced to the transport's
// attempt counter.
func (l *Lifecycle) MarkRetrying(
	ctx context.Context,
	id uuid.UUID,
	attempts int,
	cause string,
) error {
	_, err := l.transition(ctx, id, domain.TaskStatusRetrying, &attempts, cause)
	return err
}

// MarkFailed records a permanently failed delivery: attempts are exhausted
// and the task will not be redelivered.
func (l *Lifecycle) MarkFailed(
	ctx context.Context,
	id uuid.UUID,
	attempts int,
	cause string,
) error {
	_, err := l.transition(ctx, id, domain.TaskStatusFailed, &attempts, cause)
	return err
}

// transition applies a guarded status change with one log entry. The
// finality check and the update are the transition boundary: attempts on an
// already-terminal task fail with store.ErrFinalState, never silently.
func (l *Lifecycle) transition(
	ctx context.Context,
	id uuid.UUID,
	status domain.TaskStatus,
	retries *int,
	logMessage string,
) (*domain.Task, error) {
	if _, err := l.AssertActiveTask(ctx, id); err != nil {
		return nil, err
	}

	level := domain.LogLevelInfo
	switch status {
	case domain.TaskStatusFailed, domain.TaskStatusSkipped:
		level = domain.LogLevelError
	case domain.TaskStatusRetrying:
		level = domain.LogLevelWarn
	}
	if logMessage == "" {
		logMessage = fmt.Sprintf("task status changed to %s", status)
	}

	entry, err := domain.NewTaskLog(id, level, logMessage)
	if err != nil {
		return nil, err
	}

	return l.tasks.UpdateTask(ctx, id, store.TaskUpdate{
		Status:  &status,
		Retries: retries,
	}, entry)
}
