package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mkarlsen/conveyor/internal/platform/logger"
	"github.com/mkarlsen/conveyor/internal/store"
)

// Dispatcher consumes delivered batches from the queue transport and drives
// the task state machine. It recovers from handler errors locally,
// converting them into retrying/failed transitions; a single message's
// failure never aborts processing of the rest of the batch and is never
// re-raised to the transport.
type Dispatcher struct {
	registry *Registry
	runtime  *Runtime
	policy   RetryPolicy
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher.
// The runtime must carry the task store and lifecycle the dispatcher
// transitions tasks through; the same runtime is handed to handlers.
func NewDispatcher(
	registry *Registry,
	runtime *Runtime,
	policy RetryPolicy,
	log *slog.Logger,
) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		runtime:  runtime,
		policy:   policy,
		logger:   log.With(slog.String("component", "dispatcher")),
	}
}

// HandleBatch processes the messages of one delivered batch in order. The
// transport may call it concurrently for independent batches; every state
// change it makes is expressed as a guarded store operation, so concurrent
// and duplicate deliveries are safe.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch []Delivery) {
	for _, delivery := range batch {
		d.handleDelivery(ctx, delivery)
	}
}

func (d *Dispatcher) handleDelivery(ctx context.Context, delivery Delivery) {
	msg := delivery.Message()
	log := logger.FromContextOrDefault(ctx, d.logger).With(
		slog.String("task_id", msg.TaskID.String()),
		slog.String("task_type", msg.Type),
		slog.Int("attempts", delivery.Attempts()),
	)

	reg, ok := d.registry.Lookup(msg.Type)
	if !ok {
		// An unknown type is a configuration gap, not a transient failure:
		// acknowledge so the transport stops redelivering, and park the task
		// as skipped.
		delivery.Ack()
		log.Warn("no handler registered for message type")

		reason := fmt.Sprintf("unknown message type: %s", msg.Type)
		if err := d.runtime.Lifecycle.Skip(ctx, msg.TaskID, reason); err != nil {
			log.Error("failed to mark task skipped", slog.String("error", err.Error()))
		}
		return
	}

	if _, err := d.runtime.Lifecycle.AssertActiveTask(ctx, msg.TaskID); err != nil {
		// The task is gone or already terminal. Under at-least-once delivery
		// this is an expected stale duplicate: acknowledge it and do no
		// handler work.
		delivery.Ack()
		if errors.Is(err, store.ErrFinalState) {
			log.Debug("dropping delivery for task in final state")
		} else {
			log.Warn("dropping delivery for unavailable task",
				slog.String("error", err.Error()))
		}
		return
	}

	var payload any
	if reg.NewPayload != nil && len(msg.Data) > 0 {
		payload = reg.NewPayload()
		if err := json.Unmarshal(msg.Data, payload); err != nil {
			d.recordFailure(ctx, delivery, log,
				fmt.Errorf("failed to decode %s payload: %w", msg.Type, err))
			return
		}
	}

	if err := reg.Handler(ctx, msg, payload, d.runtime); err != nil {
		d.recordFailure(ctx, delivery, log, err)
		return
	}

	delivery.Ack()
}

// recordFailure applies the retry policy to a failed delivery: redelivery
// with backoff while attempts remain, a permanent failed transition once the
// ceiling is reached. Transition errors on tasks that meanwhile reached a
// final state are logged and swallowed; the message is acknowledged either
// way once the policy is exhausted.
func (d *Dispatcher) recordFailure(
	ctx context.Context,
	delivery Delivery,
	log *slog.Logger,
	cause error,
) {
	msg := delivery.Message()
	attempts := delivery.Attempts()

	log.Error("handler failed", slog.String("error", cause.Error()))

	if d.policy.Exhausted(attempts) {
		delivery.Ack()
		if err := d.runtime.Lifecycle.MarkFailed(ctx, msg.TaskID, attempts, cause.Error()); err != nil {
			log.Error("failed to mark task failed", slog.String("error", err.Error()))
		}
		return
	}

	delay := d.policy.DelaySeconds(attempts)
	reason := fmt.Sprintf("%s. retrying in %d seconds, attempt %d/%d",
		cause.Error(), delay, attempts, d.policy.MaxAttempts)
	if err := d.runtime.Lifecycle.MarkRetrying(ctx, msg.TaskID, attempts, reason); err != nil {
		log.Error("failed to mark task retrying", slog.String("error", err.Error()))
	}
	delivery.Retry(delay)
}
