// Package syncdata implements the data-sync task family: a root task that
// fans its staged record chunks out as child tasks, and the chunk handler
// that consumes them. It is the first consumer of the orchestrator core and
// exercises the full create/dispatch/complete cycle including upward cascade.
package syncdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/queue"
)

// Config holds the sync handlers' tunables.
type Config struct {
	// ChunkSendDelaySeconds spaces out the fan-out of chunk messages so a
	// large sync does not land on the consumer all at once.
	ChunkSendDelaySeconds int
}

// Register binds the data-sync handlers into the given registry. Called once
// at startup; a duplicate registration is a configuration error.
func Register(registry *queue.Registry, cfg Config) error {
	if err := registry.Register(TypeSyncData, queue.Registration{
		Handler:    handleSyncData(cfg),
		NewPayload: func() any { return new(SyncPayload) },
	}); err != nil {
		return err
	}

	return registry.Register(TypeDataChunk, queue.Registration{
		Handler:    handleDataChunk,
		NewPayload: func() any { return new(ChunkPayload) },
	})
}

// handleSyncData processes a sync-data root message: it looks up the task's
// children and enqueues one message per chunk child. Children of other types
// are left for their own handlers.
func handleSyncData(cfg Config) queue.HandlerFunc {
	return func(ctx context.Context, msg queue.Message, payload any, rt *queue.Runtime) error {
		log := logger.FromContext(ctx).With(
			slog.String("component", "syncdata"),
			slog.String("task_id", msg.TaskID.String()),
		)

		children, err := rt.Tasks.ListChildren(ctx, msg.TaskID)
		if err != nil {
			return fmt.Errorf("failed to list chunk tasks: %w", err)
		}

		var sent int
		for _, child := range children {
			if child.Type != TypeDataChunk {
				continue
			}
			err := rt.Transport.Send(ctx, queue.Message{
				Type:   child.Type,
				TaskID: child.ID,
				Data:   child.Data,
			}, queue.SendOptions{DelaySeconds: cfg.ChunkSendDelaySeconds})
			if err != nil {
				return fmt.Errorf("failed to enqueue chunk task %s: %w", child.ID, err)
			}
			sent++
		}

		log.Info("fanned out chunk tasks", slog.Int("sent", sent))
		return nil
	}
}

// handleDataChunk processes one staged chunk: mark the task running, fetch
// the chunk from the blob store, decode and process its records, complete
// the task (cascading completion up the tree), then delete the chunk.
//
// Chunks are write-once-read-once, so a redelivery can find the chunk
// already deleted by a previous attempt that crashed between deletion and
// acknowledgement. That case is treated as "already consumed": the task is
// completed instead of failed.
func handleDataChunk(ctx context.Context, msg queue.Message, payload any, rt *queue.Runtime) error {
	log := logger.FromContext(ctx).With(
		slog.String("component", "syncdata"),
		slog.String("task_id", msg.TaskID.String()),
	)

	chunk, ok := payload.(*ChunkPayload)
	if !ok {
		return fmt.Errorf("unexpected payload type %T for %s", payload, TypeDataChunk)
	}

	if _, err := rt.Lifecycle.Start(ctx, msg.TaskID); err != nil {
		return fmt.Errorf("failed to start chunk task: %w", err)
	}

	value, found, err := rt.Blobs.Get(ctx, chunk.ChunkID)
	if err != nil {
		return fmt.Errorf("failed to read chunk %s: %w", chunk.ChunkID, err)
	}
	if !found {
		log.Warn("chunk already consumed, completing without processing",
			slog.String("chunk_id", chunk.ChunkID))
		return rt.Lifecycle.Complete(ctx, msg.TaskID, true)
	}

	var records []json.RawMessage
	if err := json.Unmarshal(value, &records); err != nil {
		return fmt.Errorf("failed to decode chunk %s: %w", chunk.ChunkID, err)
	}

	log.Info("processing chunk records",
		slog.String("chunk_id", chunk.ChunkID),
		slog.Int("count", len(records)))

	if err := rt.Lifecycle.Complete(ctx, msg.TaskID, true); err != nil {
		return fmt.Errorf("failed to complete chunk task: %w", err)
	}

	if err := rt.Blobs.Delete(ctx, chunk.ChunkID); err != nil {
		// The task is already complete; a dangling chunk only costs storage
		// until its TTL fires.
		log.Warn("failed to delete consumed chunk",
			slog.String("chunk_id", chunk.ChunkID),
			slog.String("error", err.Error()))
	}

	return nil
}
