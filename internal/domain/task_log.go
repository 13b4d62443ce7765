package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// LogLevel is the severity tag attached to a task log entry.
type LogLevel string

// Possible log levels
const (
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Common validation errors for TaskLog
var (
	ErrEmptyLogTaskID  = errors.New("task log task ID cannot be empty")
	ErrEmptyLogMessage = errors.New("task log message cannot be empty")
	ErrInvalidLogLevel = errors.New("invalid task log level")
)

// TaskLog is one entry in a task's append-only audit trail. Entries are
// never mutated or deleted; every state transition appends exactly one.
type TaskLog struct {
	ID        uuid.UUID `json:"id"`
	TaskID    uuid.UUID `json:"task_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewTaskLog creates a log entry for the given task.
// Returns an error if validation fails.
func NewTaskLog(taskID uuid.UUID, level LogLevel, message string) (*TaskLog, error) {
	entry := &TaskLog{
		ID:        uuid.New(),
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}

	if err := entry.Validate(); err != nil {
		return nil, err
	}

	return entry, nil
}

// Validate checks if the TaskLog has valid data.
func (l *TaskLog) Validate() error {
	if l.TaskID == uuid.Nil {
		return ErrEmptyLogTaskID
	}

	if l.Message == "" {
		return ErrEmptyLogMessage
	}

	if !isValidLogLevel(l.Level) {
		return ErrInvalidLogLevel
	}

	return nil
}

func isValidLogLevel(level LogLevel) bool {
	switch level {
	case LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}
