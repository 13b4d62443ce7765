package memqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mkarlsen/conveyor/internal/platform/memqueue"
	"github.com/mkarlsen/conveyor/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seen is a snapshot of one delivery at the moment it was handed to the
// consumer. The transport reuses the delivery across redeliveries, so the
// attempt counter must be captured here, not read later.
type seen struct {
	message  queue.Message
	attempts int
}

// collector gathers delivery snapshots across batches and applies a
// per-delivery decision function.
type collector struct {
	mu     sync.Mutex
	seen   []seen
	decide func(d queue.Delivery)
}

func (c *collector) handle(ctx context.Context, batch []queue.Delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range batch {
		c.seen = append(c.seen, seen{message: d.Message(), attempts: d.Attempts()})
		if c.decide != nil {
			c.decide(d)
		}
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries, got %d", n, c.count())
}

func newTestQueue(t *testing.T) *memqueue.Queue {
	t.Helper()

	q := memqueue.NewQueue(memqueue.Config{
		BufferSize: 32,
		BatchSize:  4,
		DelayUnit:  time.Millisecond,
	}, nil)
	t.Cleanup(q.Stop)
	return q
}

func TestSendAndDeliver(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := newTestQueue(t)
	c := &collector{decide: func(d queue.Delivery) { d.Ack() }}
	require.NoError(t, q.Start(c.handle))

	msg := queue.Message{Type: "sync-data", TaskID: uuid.New()}
	require.NoError(t, q.Send(ctx, msg, queue.SendOptions{}))

	c.waitFor(t, 1)
	assert.Equal(t, msg.TaskID, c.seen[0].message.TaskID)
	assert.Equal(t, 1, c.seen[0].attempts, "attempt counter starts at 1")
}

func TestStartTwiceFails(t *testing.T) {
	t.Parallel()

	q := newTestQueue(t)
	c := &collector{}
	require.NoError(t, q.Start(c.handle))
	assert.Error(t, q.Start(c.handle))
}

func TestDelayedDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := newTestQueue(t)
	c := &collector{decide: func(d queue.Delivery) { d.Ack() }}
	require.NoError(t, q.Start(c.handle))

	require.NoError(t, q.Send(ctx, queue.Message{Type: "sync-data", TaskID: uuid.New()},
		queue.SendOptions{DelaySeconds: 20}))

	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, 0, c.count(), "message is not delivered before its delay")

	c.waitFor(t, 1)
}

func TestRetryRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := newTestQueue(t)
	c := &collector{decide: func(d queue.Delivery) {
		if d.Attempts() < 3 {
			d.Retry(1)
			return
		}
		d.Ack()
	}}
	require.NoError(t, q.Start(c.handle))

	require.NoError(t, q.Send(ctx, queue.Message{Type: "sync-data", TaskID: uuid.New()},
		queue.SendOptions{}))

	c.waitFor(t, 3)
	assert.Equal(t, 1, c.seen[0].attempts)
	assert.Equal(t, 2, c.seen[1].attempts)
	assert.Equal(t, 3, c.seen[2].attempts)
}

func TestUnackedRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	q := newTestQueue(t)
	c := &collector{decide: func(d queue.Delivery) {
		// Neither ack nor retry on the first attempt.
		if d.Attempts() >= 2 {
			d.Ack()
		}
	}}
	require.NoError(t, q.Start(c.handle))

	require.NoError(t, q.Send(ctx, queue.Message{Type: "sync-data", TaskID: uuid.New()},
		queue.SendOptions{}))

	c.waitFor(t, 2)
	assert.Equal(t, 2, c.seen[1].attempts,
		"an unacknowledged message comes back with a bumped attempt counter")
}

func TestBufferFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// No consumer started, so the buffer only drains into itself.
	q := memqueue.NewQueue(memqueue.Config{
		BufferSize: 2,
		BatchSize:  1,
		DelayUnit:  time.Millisecond,
	}, nil)
	t.Cleanup(q.Stop)

	require.NoError(t, q.Send(ctx, queue.Message{TaskID: uuid.New()}, queue.SendOptions{}))
	require.NoError(t, q.Send(ctx, queue.Message{TaskID: uuid.New()}, queue.SendOptions{}))
	assert.Error(t, q.Send(ctx, queue.Message{TaskID: uuid.New()}, queue.SendOptions{}))
}
