package syncdata

import (
	"fmt"

	"github.com/google/uuid"
)

// Task types of the data-sync family. A sync-data root task fans out into
// one sync-data.data-chunk child per staged chunk of records.
const (
	TypeSyncData  = "sync-data"
	TypeDataChunk = "sync-data.data-chunk"
)

// SyncPayload is the data carried by a sync-data task.
type SyncPayload struct {
	AccountID string     `json:"account_id"`
	UserID    *uuid.UUID `json:"user_id"`
}

// ChunkPayload is the data carried by a sync-data.data-chunk task. ChunkID
// is the blob-store key the chunk's records were staged under.
type ChunkPayload struct {
	AccountID    string    `json:"account_id"`
	ParentTaskID uuid.UUID `json:"parent_task_id"`
	ChunkID      string    `json:"chunk_id"`
}

// ChunkKey builds the deterministic blob-store key for one chunk of a sync
// task. Producers and the chunk handler derive the same key independently.
func ChunkKey(parentTaskID uuid.UUID, chunkIndex int) string {
	return fmt.Sprintf("sync-data-chunk-%s-%d", parentTaskID, chunkIndex)
}
