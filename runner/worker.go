package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/metherx/cellagent/observe"
	"github.com/metherx/cellagent/queue"
)

const (
	defaultClaimBlock   = 2 * time.Second
	defaultClaimBatch   = 4
	defaultRetryDelay   = 5 * time.Second
	defaultDelayedRetry = time.Second
)

// Worker drains queued turns through a coordinator. Busy or
// tool-awaiting conversations and checkpoint write failures requeue
// the task with a delay; any
// other turn outcome is already persisted by the coordinator, so the
// task is acked either way. Tasks that exhaust their attempts move to
// the dead letter stream.
type Worker struct {
	coordinator *Coordinator
	queue       queue.Queue
	sink        observe.Sink
	consumer    string
	claimBlock  time.Duration
	claimBatch  int
	retryDelay  time.Duration
}

type WorkerOption func(*Worker)

func WithWorkerSink(sink observe.Sink) WorkerOption {
	return func(w *Worker) {
		if sink != nil {
			w.sink = sink
		}
	}
}

func WithConsumerName(name string) WorkerOption {
	return func(w *Worker) {
		if name != "" {
			w.consumer = name
		}
	}
}

func WithClaimBatch(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.claimBatch = n
		}
	}
}

func WithRetryDelay(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.retryDelay = d
		}
	}
}

func NewWorker(coordinator *Coordinator, q queue.Queue, opts ...WorkerOption) (*Worker, error) {
	if coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if q == nil {
		return nil, fmt.Errorf("queue is required")
	}
	w := &Worker{
		coordinator: coordinator,
		queue:       q,
		sink:        observe.NoopSink{},
		consumer:    "worker-" + uuid.NewString(),
		claimBlock:  defaultClaimBlock,
		claimBatch:  defaultClaimBatch,
		retryDelay:  defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run claims and processes turns until the context is canceled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		deliveries, err := w.queue.Claim(ctx, w.consumer, w.claimBlock, w.claimBatch)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			_ = w.sink.Emit(ctx, observe.Event{Kind: observe.KindCustom, Status: observe.StatusFailed, Message: "queue claim failed", Error: err.Error()})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(defaultDelayedRetry):
			}
			continue
		}
		for _, delivery := range deliveries {
			w.process(ctx, delivery)
		}
	}
}

func (w *Worker) process(ctx context.Context, delivery queue.Delivery) {
	task := delivery.Task

	if !task.Ready(time.Now().UTC()) {
		// Claimed too early; put it back without burning an attempt.
		if _, err := w.queue.Requeue(ctx, task, "", time.Until(*task.NotBefore)); err == nil {
			_ = w.queue.Ack(ctx, delivery.ID)
		}
		return
	}

	result, err := w.coordinator.HandleTurn(ctx, task.ConversationID, task.Input)
	if err != nil && w.retryable(err) {
		w.retry(ctx, delivery, err)
		return
	}

	status := observe.StatusCompleted
	msg := result.Output
	if err != nil {
		status = observe.StatusFailed
		msg = err.Error()
	}
	_ = w.sink.Emit(ctx, observe.Event{
		Kind:           observe.KindTurn,
		Status:         status,
		ConversationID: task.ConversationID,
		TurnID:         result.TurnID,
		Message:        msg,
		Attributes:     map[string]any{"queued": true, "attempt": task.Attempt},
	})
	_ = w.queue.Ack(ctx, delivery.ID)
}

// retryable reports errors where re-running the task can succeed: the
// conversation was locked elsewhere, its current turn is still waiting
// on a tool result, or the checkpoint store misbehaved. A turn the
// engine itself failed is persisted as failed and must not be replayed.
func (w *Worker) retryable(err error) bool {
	var checkpointErr *CheckpointWriteError
	return errors.Is(err, ErrConversationBusy) ||
		errors.Is(err, ErrTurnInProgress) ||
		errors.As(err, &checkpointErr)
}

func (w *Worker) retry(ctx context.Context, delivery queue.Delivery, cause error) {
	task := delivery.Task
	task.Attempt++
	if task.Attempt > task.MaxAttempts {
		if _, err := w.queue.DeadLetter(ctx, delivery, cause.Error()); err != nil {
			_ = w.sink.Emit(ctx, observe.Event{Kind: observe.KindCustom, Status: observe.StatusFailed, Message: "dead letter failed", Error: err.Error()})
		}
		return
	}
	if _, err := w.queue.Requeue(ctx, task, cause.Error(), w.retryDelay); err != nil {
		_ = w.sink.Emit(ctx, observe.Event{Kind: observe.KindCustom, Status: observe.StatusFailed, Message: "requeue failed", Error: err.Error()})
		return
	}
	_ = w.queue.Ack(ctx, delivery.ID)
}
