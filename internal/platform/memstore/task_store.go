// Package memstore provides an in-memory implementation of the store
// interfaces for tests and local development without PostgreSQL. Cascade
// operations use an explicit iterative closure over the parent/child edges
// guarded by a visited set, the equivalent of the recursive queries the
// postgres backend runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/store"
)

// MemoryTaskStore implements store.TaskStore with plain maps behind a mutex.
type MemoryTaskStore struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
	logs  map[uuid.UUID][]*domain.TaskLog
}

// NewMemoryTaskStore creates an empty in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		tasks: make(map[uuid.UUID]*domain.Task),
		logs:  make(map[uuid.UUID][]*domain.TaskLog),
	}
}

// Ensure MemoryTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*MemoryTaskStore)(nil)

// CreateTask implements store.TaskStore.CreateTask.
func (s *MemoryTaskStore) CreateTask(ctx context.Context, task *domain.Task) (uuid.UUID, error) {
	ids, err := s.CreateTasks(ctx, []*domain.Task{task})
	if err != nil {
		return uuid.Nil, err
	}
	return ids[0], nil
}

// CreateTasks implements store.TaskStore.CreateTasks.
func (s *MemoryTaskStore) CreateTasks(
	ctx context.Context,
	tasks []*domain.Task,
) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks to insert", store.ErrInvalidEntity)
	}

	for _, task := range tasks {
		if err := task.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
		if task.ParentTaskID != nil {
			if _, ok := s.tasks[*task.ParentTaskID]; !ok {
				return nil, fmt.Errorf("%w: parent task %s not found",
					store.ErrInvalidEntity, task.ParentTaskID)
			}
		}
	}

	var ids []uuid.UUID
	for _, task := range tasks {
		copied := cloneTask(task)
		s.tasks[copied.ID] = copied
		entry, err := domain.NewTaskLog(copied.ID, domain.LogLevelInfo,
			fmt.Sprintf("task created with type %s", copied.Type))
		if err != nil {
			return nil, err
		}
		s.logs[copied.ID] = append(s.logs[copied.ID], entry)
		ids = append(ids, copied.ID)
	}

	return ids, nil
}

// GetTask implements store.TaskStore.GetTask.
func (s *MemoryTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// UpdateTask implements store.TaskStore.UpdateTask.
func (s *MemoryTaskStore) UpdateTask(
	ctx context.Context,
	id uuid.UUID,
	update store.TaskUpdate,
	entry *domain.TaskLog,
) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if update.IsEmpty() {
		return nil, fmt.Errorf("%w: task %s", store.ErrEmptyUpdate, id)
	}

	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}

	now := time.Now().UTC()
	if update.Status != nil {
		if !domain.IsValidTaskStatus(*update.Status) {
			return nil, fmt.Errorf("%w: %v", store.ErrInvalidEntity, domain.ErrInvalidTaskStatus)
		}
		status := *update.Status
		task.Status = &status
		switch status {
		case domain.TaskStatusRunning:
			startedAt := now
			task.StartedAt = &startedAt
		case domain.TaskStatusCompleted:
			completedAt := now
			task.CompletedAt = &completedAt
		}
	}
	if update.Retries != nil {
		task.Retries = *update.Retries
	}
	if update.TotalSteps != nil {
		task.TotalSteps = update.TotalSteps
	}
	if update.Data != nil {
		task.Data = update.Data
	}
	task.UpdatedAt = now

	if entry != nil {
		s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	}

	return cloneTask(task), nil
}

// AppendLog implements store.TaskStore.AppendLog.
func (s *MemoryTaskStore) AppendLog(ctx context.Context, entry *domain.TaskLog) error {
	return s.AppendLogs(ctx, []*domain.TaskLog{entry})
}

// AppendLogs implements store.TaskStore.AppendLogs.
func (s *MemoryTaskStore) AppendLogs(ctx context.Context, entries []*domain.TaskLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
		}
	}
	for _, entry := range entries {
		s.logs[entry.TaskID] = append(s.logs[entry.TaskID], entry)
	}
	return nil
}

// ListChildren implements store.TaskStore.ListChildren.
func (s *MemoryTaskStore) ListChildren(
	ctx context.Context,
	parentID uuid.UUID,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []*domain.Task{}
	for _, task := range s.tasks {
		if task.ParentTaskID != nil && *task.ParentTaskID == parentID {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sortByCreation(tasks)
	return tasks, nil
}

// ListActiveByUser implements store.TaskStore.ListActiveByUser.
func (s *MemoryTaskStore) ListActiveByUser(
	ctx context.Context,
	userID uuid.UUID,
) ([]*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := []*domain.Task{}
	for _, task := range s.tasks {
		if task.UserID != nil && *task.UserID == userID && !task.IsFinal() {
			tasks = append(tasks, cloneTask(task))
		}
	}
	sortByCreation(tasks)
	return tasks, nil
}

// ListLogs implements store.TaskStore.ListLogs.
func (s *MemoryTaskStore) ListLogs(
	ctx context.Context,
	taskID uuid.UUID,
) ([]*domain.TaskLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]*domain.TaskLog, len(s.logs[taskID]))
	copy(entries, s.logs[taskID])
	return entries, nil
}

// CancelDescendants implements store.TaskStore.CancelDescendants.
// Descendants are collected with a breadth-first walk over the child edges
// before any row is touched, then the whole set is updated under one lock
// acquisition.
func (s *MemoryTaskStore) CancelDescendants(
	ctx context.Context,
	id uuid.UUID,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	children := make(map[uuid.UUID][]uuid.UUID)
	for _, task := range s.tasks {
		if task.ParentTaskID != nil {
			children[*task.ParentTaskID] = append(children[*task.ParentTaskID], task.ID)
		}
	}

	visited := map[uuid.UUID]bool{id: true}
	queue := []uuid.UUID{id}
	var descendants []uuid.UUID
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, childID := range children[current] {
			if visited[childID] {
				continue
			}
			visited[childID] = true
			descendants = append(descendants, childID)
			queue = append(queue, childID)
		}
	}

	now := time.Now().UTC()
	var affected int64
	for _, descID := range descendants {
		task := s.tasks[descID]
		if task.IsFinal() {
			continue
		}
		status := domain.TaskStatusCancelled
		task.Status = &status
		task.UpdatedAt = now
		affected++
	}

	return affected, nil
}

// CompleteAncestors implements store.TaskStore.CompleteAncestors.
// The walk climbs the parent chain one level at a time; a level is eligible
// only if every sibling of the previous level's task is already completed.
// NULL-status siblings (created, never dispatched) block the walk, and a
// failed, cancelled or skipped ancestor ends it: the chain above a dead
// branch is unreachable.
func (s *MemoryTaskStore) CompleteAncestors(
	ctx context.Context,
	id uuid.UUID,
) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.tasks[id]
	if !ok {
		return 0, store.ErrTaskNotFound
	}

	var eligible []uuid.UUID
	visited := map[uuid.UUID]bool{id: true}
	for current.ParentTaskID != nil {
		parent, ok := s.tasks[*current.ParentTaskID]
		if !ok || visited[parent.ID] {
			break
		}
		visited[parent.ID] = true

		// A terminal ancestor that is not completed stops the climb. Its own
		// parent's children can never all complete through this branch.
		if parent.IsFinal() && *parent.Status != domain.TaskStatusCompleted {
			break
		}

		allSiblingsCompleted := true
		for _, task := range s.tasks {
			if task.ParentTaskID == nil || *task.ParentTaskID != parent.ID || task.ID == current.ID {
				continue
			}
			if task.Status == nil || *task.Status != domain.TaskStatusCompleted {
				allSiblingsCompleted = false
				break
			}
		}
		if !allSiblingsCompleted {
			break
		}

		eligible = append(eligible, parent.ID)
		current = parent
	}

	now := time.Now().UTC()
	var affected int64
	for _, ancestorID := range eligible {
		task := s.tasks[ancestorID]
		// Conditional write: never resurrect a failed, cancelled or skipped
		// ancestor, and re-completing a completed one is a no-op.
		if task.IsFinal() {
			continue
		}
		status := domain.TaskStatusCompleted
		task.Status = &status
		completedAt := now
		task.CompletedAt = &completedAt
		task.UpdatedAt = now
		affected++
	}

	return affected, nil
}

func sortByCreation(tasks []*domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID.String() < tasks[j].ID.String()
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

func cloneTask(task *domain.Task) *domain.Task {
	copied := *task
	if task.ParentTaskID != nil {
		v := *task.ParentTaskID
		copied.ParentTaskID = &v
	}
	if task.UserID != nil {
		v := *task.UserID
		copied.UserID = &v
	}
	if task.Status != nil {
		v := *task.Status
		copied.Status = &v
	}
	if task.TotalSteps != nil {
		v := *task.TotalSteps
		copied.TotalSteps = &v
	}
	if task.EstimatedDurationSeconds != nil {
		v := *task.EstimatedDurationSeconds
		copied.EstimatedDurationSeconds = &v
	}
	if task.StartedAt != nil {
		v := *task.StartedAt
		copied.StartedAt = &v
	}
	if task.CompletedAt != nil {
		v := *task.CompletedAt
		copied.CompletedAt = &v
	}
	if task.Data != nil {
		copied.Data = append([]byte(nil), task.Data...)
	}
	return &copied
}
