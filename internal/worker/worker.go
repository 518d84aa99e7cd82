package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"onceq/internal/queue"
)

// Handler is the business handler a hosting service plugs in. Its errors are
// the only thing that drives retry/failure; middleware outcomes never do.
type Handler func(ctx context.Context, job *queue.Job) error

// Worker consumes one queue through a consumer group, running the middleware
// chain before each job's handler. Skip decisions are acked as successful
// no-ops. Handler failures go to the retry stream with exponential backoff
// until MaxAttempts, then to the DLQ.
type Worker struct {
	Queue       *queue.QueueHandle
	Middleware  []queue.JobMiddleware
	Handler     Handler
	MaxAttempts int // <=0 -> 5
	Logger      *slog.Logger
}

func (w *Worker) maxAttempts() int {
	if w.MaxAttempts <= 0 {
		return 5
	}
	return w.MaxAttempts
}

func (w *Worker) logger() *slog.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return slog.Default()
}

// Start launches the consume loop and returns.
func (w *Worker) Start(ctx context.Context) {
	go w.consume(ctx)
}

func (w *Worker) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := w.Queue.Read(ctx)
		if err != nil {
			w.logger().Error("read failed", "queue", w.Queue.Name(), "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		for _, d := range deliveries {
			if err := w.ProcessDelivery(ctx, d); err != nil {
				w.logger().Error("process failed", "queue", w.Queue.Name(), "job_id", d.Job.ID, "err", err)
			}
		}
	}
}

// ProcessDelivery runs one message end to end. Errors returned here are
// engine errors (ack/requeue plumbing), never handler errors.
func (w *Worker) ProcessDelivery(ctx context.Context, d queue.Delivery) error {
	job := d.Job

	// Retry-stream messages carry a due time; push back anything not yet due,
	// keeping the failure text from the attempt that scheduled the retry.
	if d.AvailableAt > 0 && time.Now().UnixMilli() < d.AvailableAt {
		var cause error
		if d.LastError != "" {
			cause = errors.New(d.LastError)
		}
		if err := w.Queue.Requeue(ctx, job, time.UnixMilli(d.AvailableAt), cause); err != nil {
			return err
		}
		return w.Queue.Ack(ctx, d)
	}

	w.Queue.Emit(queue.Event{Type: queue.EventActive, Queue: job.Queue, JobID: job.ID})

	// The chain runs on first delivery only: a retry the engine scheduled
	// itself is not a duplicate, and the first attempt's claim is still live.
	if job.Attempt == 0 {
		for _, mw := range w.Middleware {
			if mw.BeforeProcess(ctx, job) == queue.Skip {
				if err := w.Queue.Ack(ctx, d); err != nil {
					return err
				}
				w.Queue.MarkCompleted(ctx, job)
				return nil
			}
		}
	}

	err := w.Handler(ctx, job)
	if err == nil {
		if aerr := w.Queue.Ack(ctx, d); aerr != nil {
			return aerr
		}
		w.Queue.MarkCompleted(ctx, job)
		return nil
	}

	attempt := job.Attempt + 1
	if attempt >= w.maxAttempts() {
		w.logger().Warn("job dead-lettered", "queue", job.Queue, "job_id", job.ID, "attempts", attempt, "err", err)
		if derr := w.Queue.DeadLetter(ctx, job, err); derr != nil {
			return derr
		}
		return w.Queue.Ack(ctx, d)
	}

	// Exponential backoff, base 1s, cap 30s.
	backoff := time.Duration(1<<min(attempt-1, 5)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	w.logger().Warn("handler failed, scheduling retry",
		"queue", job.Queue, "job_id", job.ID, "attempt", attempt, "backoff", backoff, "err", err)

	retry := *job
	retry.Attempt = attempt
	if rerr := w.Queue.Requeue(ctx, &retry, time.Now().Add(backoff), err); rerr != nil {
		return rerr
	}
	return w.Queue.Ack(ctx, d)
}
