package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/domain"
	"github.com/mkarlsen/conveyor/internal/platform/memblob"
	"github.com/mkarlsen/conveyor/internal/platform/memstore"
	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/mkarlsen/conveyor/internal/service"
	"github.com/mkarlsen/conveyor/internal/store"
	"github.com/mkarlsen/conveyor/internal/syncdata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureTransport struct {
	mu   sync.Mutex
	sent []queue.Message
}

func (t *captureTransport) Send(ctx context.Context, msg queue.Message, opts queue.SendOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, msg)
	return nil
}

type serviceFixture struct {
	tasks     *memstore.MemoryTaskStore
	blobs     *memblob.Store
	transport *captureTransport
	service   *service.TaskService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	tasks := memstore.NewMemoryTaskStore()
	blobs := memblob.NewStore()
	transport := &captureTransport{}
	lifecycle := queue.NewLifecycle(tasks, nil)

	return &serviceFixture{
		tasks:     tasks,
		blobs:     blobs,
		transport: transport,
		service:   service.NewTaskService(tasks, lifecycle, transport, blobs, nil),
	}
}

func TestCreateSyncTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("creates root task without status", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)

		task, err := f.tasks.GetTask(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, syncdata.TypeSyncData, task.Type)
		assert.Nil(t, task.Status)
		assert.Nil(t, task.ParentTaskID)

		var payload syncdata.SyncPayload
		require.NoError(t, json.Unmarshal(task.Data, &payload))
		assert.Equal(t, "acct-1", payload.AccountID)
	})

	t.Run("rejects empty account", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, err := f.service.CreateSyncTask(ctx, nil, "")
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})

	t.Run("rejects second task for user with active one", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		userID := uuid.New()

		_, err := f.service.CreateSyncTask(ctx, &userID, "acct-1")
		require.NoError(t, err)

		_, err = f.service.CreateSyncTask(ctx, &userID, "acct-1")
		assert.ErrorIs(t, err, store.ErrActiveTaskExists)
	})

	t.Run("allows new task after previous one is terminal", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		userID := uuid.New()

		firstID, err := f.service.CreateSyncTask(ctx, &userID, "acct-1")
		require.NoError(t, err)

		require.NoError(t, f.service.CancelTask(ctx, firstID, true))

		_, err = f.service.CreateSyncTask(ctx, &userID, "acct-1")
		assert.NoError(t, err)
	})
}

func TestAddDataChunk(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("stages chunk and creates child task", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		parentID, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)

		records := []json.RawMessage{
			json.RawMessage(`{"id":1}`),
			json.RawMessage(`{"id":2}`),
		}
		childID, err := f.service.AddDataChunk(ctx, parentID, 0, records)
		require.NoError(t, err)

		child, err := f.tasks.GetTask(ctx, childID)
		require.NoError(t, err)
		assert.Equal(t, syncdata.TypeDataChunk, child.Type)
		require.NotNil(t, child.ParentTaskID)
		assert.Equal(t, parentID, *child.ParentTaskID)

		var payload syncdata.ChunkPayload
		require.NoError(t, json.Unmarshal(child.Data, &payload))
		assert.Equal(t, "acct-1", payload.AccountID)
		assert.Equal(t, parentID, payload.ParentTaskID)
		assert.Equal(t, syncdata.ChunkKey(parentID, 0), payload.ChunkID)

		staged, ok, err := f.blobs.Get(ctx, payload.ChunkID)
		require.NoError(t, err)
		require.True(t, ok)

		var decoded []json.RawMessage
		require.NoError(t, json.Unmarshal(staged, &decoded))
		assert.Len(t, decoded, 2)
	})

	t.Run("rejects missing parent", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, err := f.service.AddDataChunk(ctx, uuid.New(), 0, []json.RawMessage{json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})

	t.Run("rejects terminal parent", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		parentID, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		require.NoError(t, f.service.CancelTask(ctx, parentID, false))

		_, err = f.service.AddDataChunk(ctx, parentID, 0, []json.RawMessage{json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, store.ErrFinalState)
	})

	t.Run("rejects non-sync parent", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		other, err := domain.NewTask("other-type", json.RawMessage(`{}`))
		require.NoError(t, err)
		otherID, err := f.tasks.CreateTask(ctx, other)
		require.NoError(t, err)

		_, err = f.service.AddDataChunk(ctx, otherID, 0, []json.RawMessage{json.RawMessage(`{}`)})
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
	})
}

func TestStartTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("transitions to running and enqueues", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)

		require.NoError(t, f.service.StartTask(ctx, id))

		task, err := f.tasks.GetTask(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, task.Status)
		assert.Equal(t, domain.TaskStatusRunning, *task.Status)
		assert.NotNil(t, task.StartedAt)

		require.Len(t, f.transport.sent, 1)
		assert.Equal(t, syncdata.TypeSyncData, f.transport.sent[0].Type)
		assert.Equal(t, id, f.transport.sent[0].TaskID)
	})

	t.Run("rejects already started task", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		require.NoError(t, f.service.StartTask(ctx, id))

		err = f.service.StartTask(ctx, id)
		assert.ErrorIs(t, err, store.ErrInvalidEntity)
		assert.Len(t, f.transport.sent, 1, "no second message is enqueued")
	})

	t.Run("rejects terminal task", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		require.NoError(t, f.service.CancelTask(ctx, id, false))

		err = f.service.StartTask(ctx, id)
		assert.ErrorIs(t, err, store.ErrFinalState)
	})
}

func TestCancelTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("cascades to chunk children", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		parentID, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		childID, err := f.service.AddDataChunk(ctx, parentID, 0,
			[]json.RawMessage{json.RawMessage(`{}`)})
		require.NoError(t, err)

		require.NoError(t, f.service.CancelTask(ctx, parentID, true))

		child, err := f.tasks.GetTask(ctx, childID)
		require.NoError(t, err)
		require.NotNil(t, child.Status)
		assert.Equal(t, domain.TaskStatusCancelled, *child.Status)
	})

	t.Run("cancel is not repeatable", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		require.NoError(t, f.service.CancelTask(ctx, id, true))

		err = f.service.CancelTask(ctx, id, true)
		assert.ErrorIs(t, err, store.ErrFinalState)
	})
}

func TestGetTaskStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns task with log trail", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		id, err := f.service.CreateSyncTask(ctx, nil, "acct-1")
		require.NoError(t, err)
		require.NoError(t, f.service.StartTask(ctx, id))

		task, logs, err := f.service.GetTaskStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, task.ID)
		require.Len(t, logs, 2, "creation log plus start transition")
		assert.Contains(t, logs[0].Message, "task created")
	})

	t.Run("missing task", func(t *testing.T) {
		t.Parallel()

		f := newServiceFixture(t)
		_, _, err := f.service.GetTaskStatus(ctx, uuid.New())
		assert.ErrorIs(t, err, store.ErrTaskNotFound)
	})
}
