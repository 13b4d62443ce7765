package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/store"
)

// taskColumns is the column list shared by every task SELECT/RETURNING.
const taskColumns = `id, parent_task_id, user_id, type, status, retries, max_retries,
	total_steps, estimated_duration_seconds, data, created_at, updated_at,
	started_at, completed_at`

// finalStatusList is the SQL literal set of terminal statuses.
const finalStatusList = `('completed', 'failed', 'cancelled', 'skipped')`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database connection or transaction that
// should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx returns a new store instance bound to the provided transaction,
// allowing multiple operations to execute atomically. The transaction is
// created and managed by the caller.
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) *PostgresTaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// CreateTask implements store.TaskStore.CreateTask.
// The task is inserted with its status left unset and one creation log entry
// is appended. Returns store.ErrNoRowsAffected if the insert returns no row.
func (s *PostgresTaskStore) CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error) {
	ids, err := s.CreateTasks(ctx, []*domain.Task{task})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

// CreateTasks implements store.TaskStore.CreateTasks.
// The task inserts and their creation log entries commit atomically when the
// store is bound to a plain connection; inside a caller-managed transaction
// the statements join that transaction instead.
// The whole batch fails with store.ErrNoRowsAffected if zero rows come back.
func (s *PostgresTaskStore) CreateTasks(
	ctx context.Context,
	tasks []*domain.Task,
) ([]uuid.UUID, error) {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.createTasks(ctx, tasks)
	}

	var ids []uuid.UUID
	err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		var txErr error
		ids, txErr = s.WithTx(tx).createTasks(ctx, tasks)
		return txErr
	})
	return ids, err
}

func (s *PostgresTaskStore) createTasks(
	ctx context.Context,
	tasks []*domain.Task,
) ([]uuid.UUID, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks to insert", store.ErrInvalidEntity)
	}

	var (
		placeholders []string
		args         []any
	)
	now := time.Now().UTC()
	for i, task := range tasks {
		if err := task.Validate(); err != nil {
			log.Warn("task validation failed during create",
				slog.String("error", err.Error()),
				slog.String("task_id", task.ID.String()))
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}

		base := i * 10
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			task.ID,
			task.ParentTaskID,
			task.UserID,
			task.Type,
			task.Retries,
			task.MaxRetries,
			task.TotalSteps,
			task.EstimatedDurationSeconds,
			[]byte(task.Data),
			now,
		)
	}

	// Status is intentionally left NULL: a freshly created task has not been
	// dispatched yet.
	query := fmt.Sprintf(`
		INSERT INTO tasks (id, parent_task_id, user_id, type, retries, max_retries,
			total_steps, estimated_duration_seconds, data, created_at)
		VALUES %s
		RETURNING id, type
	`, strings.Join(placeholders, ", "))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to insert tasks",
			slog.String("error", err.Error()),
			slog.Int("count", len(tasks)))
		// The only foreign key on tasks is the parent reference.
		if IsForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: parent task does not exist", store.ErrTaskNotFound)
		}
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var (
		ids     []uuid.UUID
		entries []*domain.TaskLog
	)
	for rows.Next() {
		var (
			id       uuid.UUID
			taskType string
		)
		if err := rows.Scan(&id, &taskType); err != nil {
			return nil, fmt.Errorf("failed to scan inserted task row: %w", err)
		}
		entry, err := domain.NewTaskLog(id, domain.LogLevelInfo,
			fmt.Sprintf("task created with type %s", taskType))
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating inserted task rows: %w", err)
	}

	if len(ids) == 0 {
		log.Error("task insert returned no rows", slog.Int("count", len(tasks)))
		return nil, fmt.Errorf("%w: task insert returned no rows", store.ErrNoRowsAffected)
	}

	if err := s.AppendLogs(ctx, entries); err != nil {
		return nil, err
	}

	log.Debug("tasks created", slog.Int("count", len(ids)))
	return ids, nil
}

// GetTask implements store.TaskStore.GetTask.
// Returns store.ErrTaskNotFound if the task does not exist.
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := fmt.Sprintf(`SELECT %s FROM tasks WHERE id = $1`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to get task by ID",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	return task, nil
}

// UpdateTask implements store.TaskStore.UpdateTask.
// Timestamps are derived from the written status value: running stamps
// started_at, completed stamps completed_at. Callers never supply these.
// The row update and the transition log entry commit atomically when the
// store is bound to a plain connection.
func (s *PostgresTaskStore) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	update store.TaskUpdate,
	entry *domain.TaskLog,
) (*domain.Task, error) {
	db, ok := s.db.(*sql.DB)
	if !ok {
		return s.updateTask(ctx, id, update, entry)
	}

	var task *domain.Task
	err := store.RunInTransaction(ctx, db, func(ctx context.Context, tx *sql.Tx) error {
		var txErr error
		task, txErr = s.WithTx(tx).updateTask(ctx, id, update, entry)
		return txErr
	})
	return task, err
}

func (s *PostgresTaskStore) updateTask(
	ctx context.Context,
	id uuid.UUID,
	update store.TaskUpdate,
	entry *domain.TaskLog,
) (*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if update.IsEmpty() {
		log.Warn("rejected empty task update", slog.String("task_id", id.String()))
		return nil, fmt.Errorf("%w: task %s", store.ErrEmptyUpdate, id)
	}

	now := time.Now().UTC()
	sets := []string{"updated_at = $1"}
	args := []any{now}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.Status != nil {
		if !domain.IsValidTaskStatus(*update.Status) {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidTaskStatus)
		}
		addSet("status", string(*update.Status))
		switch *update.Status {
		case domain.TaskStatusRunning:
			addSet("started_at", now)
		case domain.TaskStatusCompleted:
			addSet("completed_at", now)
		}
	}
	if update.Retries != nil {
		addSet("retries", *update.Retries)
	}
	if update.TotalSteps != nil {
		addSet("total_steps", *update.TotalSteps)
	}
	if update.Data != nil {
		addSet("data", []byte(update.Data))
	}

	args = append(args, id)
	query := fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(sets, ", "), len(args), taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("task not found for update", slog.String("task_id", id.String()))
			return nil, store.ErrTaskNotFound
		}
		log.Error("failed to update task",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return nil, MapError(err)
	}

	if entry != nil {
		if err := s.AppendLog(ctx, entry); err != nil {
			return nil, err
		}
	}

	return task, nil
}

// AppendLog implements store.TaskStore.AppendLog.
func (s *PostgresTaskStore) AppendLog(ctx context.Context, entry *domain.TaskLog) error {
	return s.AppendLogs(ctx, []*domain.TaskLog{entry})
}

// AppendLogs implements store.TaskStore.AppendLogs.
// Entries are never silently dropped: any failure fails the surrounding
// operation.
func (s *PostgresTaskStore) AppendLogs(ctx context.Context, entries []*domain.TaskLog) error {
	log := logger.FromContextOrDefault(ctx, s.logger)

	if len(entries) == 0 {
		return nil
	}

	var (
		placeholders []string
		args         []any
	)
	for i, entry := range entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
		base := i * 5
		placeholders = append(placeholders, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5))
		args = append(args, entry.ID, entry.TaskID, string(entry.Level), entry.Message, entry.CreatedAt)
	}

	query := fmt.Sprintf(`
		INSERT INTO task_logs (id, task_id, level, message, created_at)
		VALUES %s
	`, strings.Join(placeholders, ", "))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to append task logs",
			slog.String("error", err.Error()),
			slog.Int("count", len(entries)))
		return store.NewStoreError("task_log", "append", "insert failed", MapError(err))
	}

	return CheckRowsAffected(result, "task_log")
}

// ListChildren implements store.TaskStore.ListChildren.
func (s *PostgresTaskStore) ListChildren(
	ctx context.Context,
	parentID uuid.UUID,
) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks WHERE parent_task_id = $1 ORDER BY created_at ASC
	`, taskColumns)
	return s.queryTasks(ctx, query, parentID)
}

// ListActiveByUser implements store.TaskStore.ListActiveByUser.
// A task with no status (never dispatched) counts as active.
func (s *PostgresTaskStore) ListActiveByUser(
	ctx context.Context,
	userID uuid.UUID,
) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE user_id = $1 AND (status IS NULL OR status NOT IN %s)
		ORDER BY created_at ASC
	`, taskColumns, finalStatusList)
	return s.queryTasks(ctx, query, userID)
}

// ListLogs implements store.TaskStore.ListLogs.
func (s *PostgresTaskStore) ListLogs(
	ctx context.Context,
	taskID uuid.UUID,
) ([]*domain.TaskLog, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := `
		SELECT id, task_id, level, message, created_at
		FROM task_logs
		WHERE task_id = $1
		ORDER BY created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, taskID)
	if err != nil {
		log.Error("failed to query task logs",
			slog.String("error", err.Error()),
			slog.String("task_id", taskID.String()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var entries []*domain.TaskLog
	for rows.Next() {
		var (
			entry domain.TaskLog
			level string
		)
		if err := rows.Scan(&entry.ID, &entry.TaskID, &level, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task log row: %w", err)
		}
		entry.Level = domain.LogLevel(level)
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task log rows: %w", err)
	}

	if entries == nil {
		entries = []*domain.TaskLog{}
	}
	return entries, nil
}

// CancelDescendants implements store.TaskStore.CancelDescendants.
// The descendant set is computed and updated in a single statement, so no
// partial application is observable to a concurrent reader. Terminal
// descendants are left untouched.
func (s *PostgresTaskStore) CancelDescendants(
	ctx context.Context,
	id uuid.UUID,
) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	query := fmt.Sprintf(`
		WITH RECURSIVE task_tree AS (
			SELECT id, parent_task_id FROM tasks WHERE id = $1
			UNION ALL
			SELECT c.id, c.parent_task_id
			FROM tasks c
			INNER JOIN task_tree p ON p.id = c.parent_task_id
		)
		UPDATE tasks SET status = 'cancelled', updated_at = $2
		WHERE id IN (SELECT id FROM task_tree WHERE id <> $1)
		  AND (status IS NULL OR status NOT IN %s)
	`, finalStatusList)

	result, err := s.db.ExecContext(ctx, query, id, time.Now().UTC())
	if err != nil {
		log.Error("failed to cancel descendants",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return 0, MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	log.Debug("cancelled descendants",
		slog.String("task_id", id.String()),
		slog.Int64("affected", affected))
	return affected, nil
}

// CompleteAncestors implements store.TaskStore.CompleteAncestors.
// An ancestor joins the eligible set only when no sibling of the walk exists
// whose status differs from completed; IS DISTINCT FROM makes a NULL-status
// (never dispatched) sibling block the walk. The recursion also refuses to
// pass through a failed, cancelled or skipped ancestor, so the chain above a
// dead branch stays untouched. The update is conditional so re-applying
// completion to an already-completed row is a no-op.
func (s *PostgresTaskStore) CompleteAncestors(
	ctx context.Context,
	id uuid.UUID,
) (int64, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	now := time.Now().UTC()
	query := `
		WITH RECURSIVE completed_tasks(id, parent_task_id) AS (
			SELECT id, parent_task_id FROM tasks WHERE id = $1
			UNION ALL
			SELECT p.id, p.parent_task_id
			FROM tasks p
			INNER JOIN completed_tasks child_task ON child_task.parent_task_id = p.id
			LEFT JOIN tasks sibling
				ON sibling.parent_task_id = p.id
				AND sibling.id <> child_task.id
				AND sibling.status IS DISTINCT FROM 'completed'
			WHERE sibling.id IS NULL
			  AND (p.status IS NULL OR p.status NOT IN ('failed', 'cancelled', 'skipped'))
		)
		UPDATE tasks SET status = 'completed', completed_at = $2, updated_at = $2
		WHERE id IN (SELECT id FROM completed_tasks WHERE id <> $1)
		  AND (status IS NULL OR status NOT IN ('failed', 'cancelled', 'skipped'))
	`

	result, err := s.db.ExecContext(ctx, query, id, now)
	if err != nil {
		log.Error("failed to complete ancestors",
			slog.String("error", err.Error()),
			slog.String("task_id", id.String()))
		return 0, MapError(err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	log.Debug("completed ancestors",
		slog.String("task_id", id.String()),
		slog.Int64("affected", affected))
	return affected, nil
}

// queryTasks runs a query returning task rows and scans them.
func (s *PostgresTaskStore) queryTasks(
	ctx context.Context,
	query string,
	args ...any,
) ([]*domain.Task, error) {
	log := logger.FromContextOrDefault(ctx, s.logger)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		log.Error("failed to query tasks", slog.String("error", err.Error()))
		return nil, MapError(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Error("failed to close rows", slog.String("error", err.Error()))
		}
	}()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}

	if tasks == nil {
		tasks = []*domain.Task{}
	}
	return tasks, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask scans one task row in taskColumns order.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task         domain.Task
		parentTaskID uuid.NullUUID
		userID       uuid.NullUUID
		status       sql.NullString
		totalSteps   sql.NullInt64
		estimated    sql.NullInt64
		data         []byte
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(
		&task.ID,
		&parentTaskID,
		&userID,
		&task.Type,
		&status,
		&task.Retries,
		&task.MaxRetries,
		&totalSteps,
		&estimated,
		&data,
		&task.CreatedAt,
		&task.UpdatedAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentTaskID.Valid {
		task.ParentTaskID = &parentTaskID.UUID
	}
	if userID.Valid {
		task.UserID = &userID.UUID
	}
	if status.Valid {
		s := domain.TaskStatus(status.String)
		task.Status = &s
	}
	if totalSteps.Valid {
		v := int(totalSteps.Int64)
		task.TotalSteps = &v
	}
	if estimated.Valid {
		v := int(estimated.Int64)
		task.EstimatedDurationSeconds = &v
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	task.Data = data

	return &task, nil
}
