package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the processing state of a task.
type TaskStatus string

// Possible task status values. A task that has been created but never
// dispatched carries no status at all (Task.Status == nil).
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusRetrying  TaskStatus = "retrying"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusSkipped   TaskStatus = "skipped"
)

// FinalTaskStatuses is the set of statuses from which no further transition
// is permitted.
var FinalTaskStatuses = []TaskStatus{
	TaskStatusCompleted,
	TaskStatusFailed,
	TaskStatusCancelled,
	TaskStatusSkipped,
}

// DefaultMaxRetries is the delivery-attempt ceiling applied to new tasks.
const DefaultMaxRetries = 3

// Common validation errors for Task
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskType     = errors.New("task type cannot be empty")
	ErrEmptyTaskData     = errors.New("task data cannot be empty")
	ErrInvalidTaskStatus = errors.New("invalid task status")
	ErrNegativeRetries   = errors.New("task retries cannot be negative")
)

// Task represents a unit of work in the queue. Tasks form a tree: a task
// created by a handler while processing a parent message references that
// parent through ParentTaskID. ParentTaskID is fixed at creation and never
// mutated, so the structure stays acyclic.
type Task struct {
	ID                       uuid.UUID       `json:"id"`
	ParentTaskID             *uuid.UUID      `json:"parent_task_id,omitempty"`
	UserID                   *uuid.UUID      `json:"user_id,omitempty"`
	Type                     string          `json:"type"`
	Status                   *TaskStatus     `json:"status"`
	Retries                  int             `json:"retries"`
	MaxRetries               int             `json:"max_retries"`
	TotalSteps               *int            `json:"total_steps,omitempty"`
	EstimatedDurationSeconds *int            `json:"estimated_duration_seconds,omitempty"`
	Data                     json.RawMessage `json:"data"`
	CreatedAt                time.Time       `json:"created_at"`
	UpdatedAt                time.Time       `json:"updated_at"`
	StartedAt                *time.Time      `json:"started_at,omitempty"`
	CompletedAt              *time.Time      `json:"completed_at,omitempty"`
}

// NewTask creates a new root task of the given type. The task starts with no
// status ("created, not yet dispatched") and the default retry ceiling.
// Returns an error if validation fails.
func NewTask(taskType string, data json.RawMessage) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.New(),
		Type:       taskType,
		MaxRetries: DefaultMaxRetries,
		Data:       data,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// NewChildTask creates a new task parented to an existing one. The parent
// must exist at creation time; the store enforces this referentially.
func NewChildTask(parentID uuid.UUID, taskType string, data json.RawMessage) (*Task, error) {
	task, err := NewTask(taskType, data)
	if err != nil {
		return nil, err
	}

	task.ParentTaskID = &parentID
	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.Type == "" {
		return ErrEmptyTaskType
	}

	if len(t.Data) == 0 {
		return ErrEmptyTaskData
	}

	if t.Retries < 0 {
		return ErrNegativeRetries
	}

	if t.Status != nil && !IsValidTaskStatus(*t.Status) {
		return ErrInvalidTaskStatus
	}

	return nil
}

// IsFinal reports whether the task has reached a terminal status. A task
// without a status has never been dispatched and is not terminal.
func (t *Task) IsFinal() bool {
	return t.Status != nil && IsFinalTaskStatus(*t.Status)
}

// IsValidTaskStatus checks if the given status is a valid TaskStatus.
func IsValidTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusRetrying,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// IsFinalTaskStatus reports whether the given status is terminal.
func IsFinalTaskStatus(status TaskStatus) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}
