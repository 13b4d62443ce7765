// Package memqueue provides an in-process queue transport with at-least-once
// semantics: per-message delivery-attempt counting, delayed first delivery,
// timer-driven redelivery on retry, and redelivery of messages the consumer
// failed to acknowledge. It stands in for an external broker in local
// development and tests.
package memqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsen/conveyor/internal/queue"
)

// BatchHandler consumes one delivered batch. The transport invokes it from
// its consumer goroutine; batches are independent and carry no cross-batch
// ordering guarantee.
type BatchHandler func(ctx context.Context, batch []queue.Delivery)

// Config holds the transport's tunables.
type Config struct {
	// BufferSize is the capacity of the delivery buffer; Send fails when it
	// is full.
	BufferSize int

	// BatchSize caps how many buffered messages are handed to the consumer
	// in one batch.
	BatchSize int

	// DelayUnit converts a message's delay-seconds value into wall time.
	// Defaults to one second; tests shrink it to keep redelivery fast.
	DelayUnit time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
		BatchSize:  10,
		DelayUnit:  time.Second,
	}
}

// Queue is the in-process transport. Messages flow through a buffered
// channel; a single consumer goroutine drains it into batches and hands them
// to the configured handler.
type Queue struct {
	config  Config
	ch      chan *delivery
	handler BatchHandler
	logger  *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewQueue creates a transport with the given configuration.
func NewQueue(config Config, log *slog.Logger) *Queue {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultConfig().BufferSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.DelayUnit <= 0 {
		config.DelayUnit = time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		config:     config,
		ch:         make(chan *delivery, config.BufferSize),
		logger:     log.With(slog.String("component", "memqueue")),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// Ensure Queue implements the transport interface
var _ queue.Transport = (*Queue)(nil)

// Send implements queue.Transport.Send. A positive DelaySeconds postpones
// the first delivery.
func (q *Queue) Send(ctx context.Context, msg queue.Message, opts queue.SendOptions) error {
	d := &delivery{queue: q, message: msg}
	if opts.DelaySeconds > 0 {
		q.enqueueAfter(d, opts.DelaySeconds)
		return nil
	}
	return q.enqueue(d)
}

// Start begins consuming buffered messages with the given handler.
// Returns an error if a handler is already installed.
func (q *Queue) Start(handler BatchHandler) error {
	if q.handler != nil {
		return fmt.Errorf("queue consumer already started")
	}
	q.handler = handler

	q.wg.Add(1)
	go q.consume()
	return nil
}

// Stop shuts the transport down. Pending redelivery timers are allowed to
// fire into the void; buffered messages are dropped.
func (q *Queue) Stop() {
	q.cancelFunc()
	q.wg.Wait()
}

func (q *Queue) enqueue(d *delivery) error {
	select {
	case q.ch <- d:
		return nil
	default:
		return fmt.Errorf("queue buffer is full")
	}
}

func (q *Queue) enqueueAfter(d *delivery, delaySeconds int) {
	time.AfterFunc(time.Duration(delaySeconds)*q.config.DelayUnit, func() {
		select {
		case <-q.ctx.Done():
			return
		default:
		}
		if err := q.enqueue(d); err != nil {
			q.logger.Error("failed to requeue delayed message",
				slog.String("task_id", d.message.TaskID.String()),
				slog.String("error", err.Error()))
		}
	})
}

// consume drains the buffer into batches and hands them to the handler.
func (q *Queue) consume() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case first := <-q.ch:
			batch := []*delivery{first}
			// Drain whatever else is already buffered, up to the batch cap.
			for len(batch) < q.config.BatchSize {
				select {
				case next := <-q.ch:
					batch = append(batch, next)
				default:
					goto deliver
				}
			}
		deliver:
			q.deliver(batch)
		}
	}
}

func (q *Queue) deliver(batch []*delivery) {
	deliveries := make([]queue.Delivery, len(batch))
	for i, d := range batch {
		d.attempts++
		d.acked = false
		d.retryRequested = false
		deliveries[i] = d
	}

	q.handler(q.ctx, deliveries)

	// At-least-once: anything neither acknowledged nor explicitly retried is
	// redelivered immediately.
	for _, d := range batch {
		switch {
		case d.acked:
		case d.retryRequested:
			q.enqueueAfter(d, d.retryDelaySeconds)
		default:
			q.logger.Warn("redelivering unacknowledged message",
				slog.String("task_id", d.message.TaskID.String()),
				slog.Int("attempts", d.attempts))
			if err := q.enqueue(d); err != nil {
				q.logger.Error("failed to redeliver message",
					slog.String("task_id", d.message.TaskID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
}

// delivery implements queue.Delivery for the in-process transport.
type delivery struct {
	queue             *Queue
	message           queue.Message
	attempts          int
	acked             bool
	retryRequested    bool
	retryDelaySeconds int
}

func (d *delivery) Message() queue.Message { return d.message }

func (d *delivery) Attempts() int { return d.attempts }

func (d *delivery) Ack() { d.acked = true }

func (d *delivery) Retry(delaySeconds int) {
	d.retryRequested = true
	d.retryDelaySeconds = delaySeconds
}
