package queue

import "log/slog"

// EventType names a lifecycle transition of a job inside a queue.
type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventStalled means a worker went quiet mid-job and the message is being
	// reclaimed for redelivery.
	EventStalled EventType = "stalled"
	EventError   EventType = "error"
)

// Event is one lifecycle transition, tagged for correlation.
type Event struct {
	Type  EventType
	Queue string
	JobID string
	Err   error
}

// EventHandler receives lifecycle events. Handlers must not block.
type EventHandler func(Event)

// logObserver is attached to every handle the registry creates. Stalled gets
// a higher severity: it is the at-least-once redelivery signal.
func logObserver(logger *slog.Logger) EventHandler {
	return func(ev Event) {
		switch ev.Type {
		case EventStalled:
			logger.Warn("stalled job reclaimed", "queue", ev.Queue, "job_id", ev.JobID)
		case EventError:
			logger.Error("queue error", "queue", ev.Queue, "job_id", ev.JobID, "err", ev.Err)
		case EventFailed:
			logger.Warn("job failed", "queue", ev.Queue, "job_id", ev.JobID, "err", ev.Err)
		case EventCompleted:
			logger.Info("job completed", "queue", ev.Queue, "job_id", ev.JobID)
		default:
			logger.Debug("job transition", "event", string(ev.Type), "queue", ev.Queue, "job_id", ev.JobID)
		}
	}
}
