package queue_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/memstore"
	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLifecycleFixture(t *testing.T) (*memstore.MemoryTaskStore, *queue.Lifecycle) {
	t.Helper()

	tasks := memstore.NewMemoryTaskStore()
	return tasks, queue.NewLifecycle(tasks, nil)
}

func createTask(t *testing.T, tasks *memstore.MemoryTaskStore, parentID *uuid.UUID) uuid.UUID {
	t.Helper()

	var task *domain.Task
	var err error
	if parentID != nil {
		task, err = domain.NewChildTask(*parentID, "sync-data.data-chunk", json.RawMessage(`{}`))
	} else {
		task, err = domain.NewTask("sync-data", json.RawMessage(`{}`))
	}
	require.NoError(t, err)

	id, err := tasks.CreateTask(context.Background(), task)
	require.NoError(t, err)
	return id
}

func getStatus(t *testing.T, tasks *memstore.MemoryTaskStore, id uuid.UUID) *domain.TaskStatus {
	t.Helper()

	task, err := tasks.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

func TestAssertActiveTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("passes for task without status", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)

		task, err := lifecycle.AssertActiveTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, task.ID)
	})

	t.Run("passes for running task", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)
		_, err := lifecycle.Start(ctx, id)
		require.NoError(t, err)

		_, err = lifecycle.AssertActiveTask(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("rejects missing task", func(t *testing.T) {
		t.Parallel()

		_, lifecycle := newLifecycleFixture(t)
		_, err := lifecycle.AssertActiveTask(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("rejects terminal task", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)
		require.NoError(t, lifecycle.Complete(ctx, id, false))

		_, err := lifecycle.AssertActiveTask(ctx, id)
		assert.ErrorIs(t, err, store.ErrFinalState)
	})
}

func TestLifecycleFinality(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("completed task cannot be restarted", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)
		require.NoError(t, lifecycle.Complete(ctx, id, false))

		_, err := lifecycle.Start(ctx, id)
		assert.ErrorIs(t, err, store.ErrFinalState)
		assert.Equal(t, domain.TaskStatusCompleted, *getStatus(t, tasks, id))
	})

	t.Run("cancelled task cannot be retried", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)
		require.NoError(t, lifecycle.Cancel(ctx, id, false))

		err := lifecycle.MarkRetrying(ctx, id, 2, "handler failed")
		assert.ErrorIs(t, err, store.ErrFinalState)
		assert.Equal(t, domain.TaskStatusCancelled, *getStatus(t, tasks, id))
	})

	t.Run("failed task cannot be completed", func(t *testing.T) {
		t.Parallel()

		tasks, lifecycle := newLifecycleFixture(t)
		id := createTask(t, tasks, nil)
		require.NoError(t, lifecycle.MarkFailed(ctx, id, 3, "exhausted"))

		err := lifecycle.Complete(ctx, id, false)
		assert.ErrorIs(t, err, store.ErrFinalState)
	})
}

func TestLifecycleTransitionLogs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tasks, lifecycle := newLifecycleFixture(t)
	id := createTask(t, tasks, nil)

	_, err := lifecycle.Start(ctx, id)
	require.NoError(t, err)
	require.NoError(t, lifecycle.MarkRetrying(ctx, id, 1, "boom. retrying in 30 seconds, attempt 1/3"))
	require.NoError(t, lifecycle.MarkFailed(ctx, id, 3, "boom"))

	logs, err := tasks.ListLogs(ctx, id)
	require.NoError(t, err)
	require.Len(t, logs, 4, "creation plus one entry per transition")

	assert.Equal(t, domain.LogLevelInfo, logs[1].Level)
	assert.Equal(t, "task status changed to running", logs[1].Message)
	assert.Equal(t, domain.LogLevelWarn, logs[2].Level)
	assert.Equal(t, domain.LogLevelError, logs[3].Level)
}

func TestLifecycleRetriesSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tasks, lifecycle := newLifecycleFixture(t)
	id := createTask(t, tasks, nil)

	require.NoError(t, lifecycle.MarkRetrying(ctx, id, 2, "transient"))

	task, err := tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Retries, "retries mirror the transport attempt counter")
	assert.Equal(t, domain.TaskStatusRetrying, *task.Status)
}

func TestLifecycleCancelCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tasks, lifecycle := newLifecycleFixture(t)
	rootID := createTask(t, tasks, nil)
	childID := createTask(t, tasks, &rootID)
	grandchildID := createTask(t, tasks, &childID)

	require.NoError(t, lifecycle.Cancel(ctx, rootID, true))

	assert.Equal(t, domain.TaskStatusCancelled, *getStatus(t, tasks, rootID))
	assert.Equal(t, domain.TaskStatusCancelled, *getStatus(t, tasks, childID))
	assert.Equal(t, domain.TaskStatusCancelled, *getStatus(t, tasks, grandchildID))
}

func TestLifecycleCompleteCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tasks, lifecycle := newLifecycleFixture(t)
	rootID := createTask(t, tasks, nil)
	chunkA := createTask(t, tasks, &rootID)
	chunkB := createTask(t, tasks, &rootID)

	_, err := lifecycle.Start(ctx, rootID)
	require.NoError(t, err)
	_, err = lifecycle.Start(ctx, chunkA)
	require.NoError(t, err)
	_, err = lifecycle.Start(ctx, chunkB)
	require.NoError(t, err)

	require.NoError(t, lifecycle.Complete(ctx, chunkA, true))
	assert.Equal(t, domain.TaskStatusRunning, *getStatus(t, tasks, rootID),
		"root stays running while a sibling is open")

	require.NoError(t, lifecycle.Complete(ctx, chunkB, true))
	assert.Equal(t, domain.TaskStatusCompleted, *getStatus(t, tasks, rootID))
}

func TestLifecycleSkip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tasks, lifecycle := newLifecycleFixture(t)
	id := createTask(t, tasks, nil)

	require.NoError(t, lifecycle.Skip(ctx, id, "unknown message type: bogus"))

	assert.Equal(t, domain.TaskStatusSkipped, *getStatus(t, tasks, id))

	logs, err := tasks.ListLogs(ctx, id)
	require.NoError(t, err)
	last := logs[len(logs)-1]
	assert.Equal(t, domain.LogLevelError, last.Level)
	assert.Equal(t, "unknown message type: bogus", last.Message)
}
