package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/store"
)

// Message is the wire body sent through the queue transport. Data carries
// the type-specific payload; the dispatcher decodes it into the concrete
// type registered for Type, when one is registered.
type Message struct {
	Type   string          `json:"type"`
	TaskID uuid.UUID       `json:"task_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// SendOptions controls how a message is enqueued.
type SendOptions struct {
	// DelaySeconds postpones the first delivery of the message.
	DelaySeconds int
}

// Transport is the queue the orchestrator publishes to and consumes from.
// Delivery is at-least-once and possibly out of order across batches, so
// everything downstream must tolerate duplicates.
type Transport interface {
	// Send enqueues a message for delivery.
	Send(ctx context.Context, msg Message, opts SendOptions) error
}

// Delivery is one inbound message handed to the dispatcher, together with
// the transport's acknowledgement controls.
type Delivery interface {
	// Message returns the delivered body.
	Message() Message

	// Attempts returns the transport's delivery-attempt counter for this
	// message, starting at 1 for the first delivery.
	Attempts() int

	// Ack acknowledges the message, preventing redelivery.
	Ack()

	// Retry requests redelivery after the given delay.
	Retry(delaySeconds int)
}

// BlobStore stages large payload chunks out-of-band from message bodies.
// Chunks are write-once-read-once: the consuming handler deletes a chunk
// after successful processing.
type BlobStore interface {
	// Get returns the value stored under key, or ok=false when absent.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Put stores a value under key. A zero ttl means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes the value stored under key. Deleting an absent key is
	// not an error.
	Delete(ctx context.Context, key string) error
}

// Runtime is the capability object handed to handlers. It gives a handler
// access to the transport, the blob store, the task store and the lifecycle
// without coupling it to process-wide state.
type Runtime struct {
	Transport Transport
	Blobs     BlobStore
	Tasks     store.TaskStore
	Lifecycle *Lifecycle
}

// HandlerFunc processes one delivered message for its registered task type.
// payload is the decoded Message.Data when the registration supplied a
// payload constructor, nil otherwise. A returned error triggers the
// dispatcher's retry/failure policy, so handlers must be safe to run again
// for the same message.
type HandlerFunc func(ctx context.Context, msg Message, payload any, rt *Runtime) error
