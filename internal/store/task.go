package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
)

// TaskUpdate is a partial update of a task record. Nil fields are left
// untouched. StartedAt and CompletedAt are never set by callers: the store
// stamps them itself when the written status is running or completed.
type TaskUpdate struct {
	Status     *domain.TaskStatus
	Retries    *int
	TotalSteps *int
	Data       json.RawMessage
}

// IsEmpty reports whether the update carries no fields at all.
func (u TaskUpdate) IsEmpty() bool {
	return u.Status == nil && u.Retries == nil && u.TotalSteps == nil && u.Data == nil
}

// TaskStore defines the interface for persisting tasks and their logs. It is
// the single source of truth for task existence and state; every mutation
// goes through CreateTask/CreateTasks/UpdateTask, never direct field writes.
type TaskStore interface {
	// CreateTask inserts a new task with its status left unset ("created,
	// not yet dispatched") and appends one creation log entry. Returns
	// ErrNoRowsAffected if the insert does not return a generated row.
	CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error)

	// CreateTasks is the batch variant of CreateTask with the same per-row
	// guarantee; the whole batch fails with ErrNoRowsAffected if zero rows
	// come back.
	CreateTasks(ctx context.Context, tasks []*domain.Task) ([]uuid.UUID, error)

	// GetTask retrieves a task by ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// UpdateTask applies a partial update and optionally appends a log entry.
	// Returns ErrEmptyUpdate when the update carries no fields and
	// ErrTaskNotFound when the task does not exist. When the written status
	// is running the store stamps started_at; when completed, completed_at.
	UpdateTask(
		ctx context.Context,
		id uuid.UUID,
		update TaskUpdate,
		entry *domain.TaskLog,
	) (*domain.Task, error)

	// AppendLog appends one entry to a task's audit trail.
	AppendLog(ctx context.Context, entry *domain.TaskLog) error

	// AppendLogs appends a batch of entries. Entries are never silently
	// dropped; a failure fails the surrounding operation.
	AppendLogs(ctx context.Context, entries []*domain.TaskLog) error

	// ListChildren returns the direct children of the given task.
	ListChildren(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error)

	// ListActiveByUser returns the user's tasks whose status is not terminal,
	// including tasks that have never been dispatched.
	ListActiveByUser(ctx context.Context, userID uuid.UUID) ([]*domain.Task, error)

	// ListLogs returns a task's log entries, oldest first.
	ListLogs(ctx context.Context, taskID uuid.UUID) ([]*domain.TaskLog, error)

	// CancelDescendants sets every non-terminal descendant of the given task
	// (excluding the task itself) to cancelled in one atomic pass, and
	// returns the number of affected rows. Already-terminal descendants are
	// left untouched.
	CancelDescendants(ctx context.Context, id uuid.UUID) (int64, error)

	// CompleteAncestors walks up the parent chain from the given task and
	// sets every eligible ancestor to completed in one atomic pass. A parent
	// is eligible only if every one of its direct children is already
	// completed; eligibility is evaluated against current stored state, so
	// the operation is safe to run concurrently and idempotent under
	// duplicate invocation.
	CompleteAncestors(ctx context.Context, id uuid.UUID) (int64, error)
}
