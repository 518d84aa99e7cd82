package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Conn is the subset of Redis commands the queue binding issues. *redis.Client
// satisfies it; tests fake it.
type Conn interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XLen(ctx context.Context, stream string) *redis.IntCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XGroupDelConsumer(ctx context.Context, stream, group, consumer string) *redis.IntCmd
	HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Redis key scheme, one keyspace per queue name.
func StreamKey(name string) string   { return "q:" + name + ":stream" }
func RetryKey(name string) string    { return "q:" + name + ":retry" }
func DLQKey(name string) string      { return "q:" + name + ":dlq" }
func CountersKey(name string) string { return "q:" + name + ":counters" }

// envelope is the wire form of a job inside a stream entry.
type envelope struct {
	Job
	AvailableAtMS int64  `json:"available_at_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Delivery is one message handed to the worker runtime.
type Delivery struct {
	Stream      string
	MsgID       string
	Job         *Job
	AvailableAt int64  // unix ms; 0 unless the message came off the retry stream
	LastError   string // failure text from the attempt that scheduled this retry
}

// QueueHandle is a named queue over Redis Streams. Handles are created by the
// Registry only; at most one live handle exists per name.
type QueueHandle struct {
	name     string
	conn     Conn
	opts     Options
	consumer string
	logger   *slog.Logger

	mu       sync.Mutex
	handlers []EventHandler

	stopMonitor context.CancelFunc
	monitorDone chan struct{}
}

func newHandle(name string, conn Conn, opts Options, consumer string, logger *slog.Logger) *QueueHandle {
	return &QueueHandle{
		name:     name,
		conn:     conn,
		opts:     opts.withDefaults(),
		consumer: consumer,
		logger:   logger,
	}
}

func (h *QueueHandle) Name() string     { return h.name }
func (h *QueueHandle) Options() Options { return h.opts }

// Subscribe registers a lifecycle event handler.
func (h *QueueHandle) Subscribe(fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// Emit fans an event out to all subscribers.
func (h *QueueHandle) Emit(ev Event) {
	h.mu.Lock()
	handlers := make([]EventHandler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// ensureGroups creates the consumer group on the main and retry streams.
func (h *QueueHandle) ensureGroups(ctx context.Context) error {
	for _, stream := range []string{StreamKey(h.name), RetryKey(h.name)} {
		err := h.conn.XGroupCreateMkStream(ctx, stream, h.opts.Group, "0").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("create group on %s: %w", stream, err)
		}
	}
	return nil
}

func isBusyGroup(err error) bool {
	// v9 doesn't export ErrGroupExists; detect BUSYGROUP manually
	return err != nil && strings.Contains(err.Error(), "BUSYGROUP")
}

// Enqueue appends a job to the main stream.
func (h *QueueHandle) Enqueue(ctx context.Context, job *Job) (string, error) {
	job.Queue = h.name
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	id, err := h.addJSON(ctx, StreamKey(h.name), envelope{Job: *job})
	if err != nil {
		return "", err
	}
	h.Emit(Event{Type: EventWaiting, Queue: h.name, JobID: job.ID})
	return id, nil
}

// Requeue defers a job onto the retry stream until availableAt.
func (h *QueueHandle) Requeue(ctx context.Context, job *Job, availableAt time.Time, cause error) error {
	env := envelope{Job: *job, AvailableAtMS: availableAt.UnixMilli()}
	if cause != nil {
		env.Error = cause.Error()
	}
	_, err := h.addJSON(ctx, RetryKey(h.name), env)
	return err
}

// DeadLetter parks a job on the DLQ and counts it as failed.
func (h *QueueHandle) DeadLetter(ctx context.Context, job *Job, cause error) error {
	env := envelope{Job: *job}
	if cause != nil {
		env.Error = cause.Error()
	}
	if _, err := h.addJSON(ctx, DLQKey(h.name), env); err != nil {
		return err
	}
	if err := h.conn.HIncrBy(ctx, CountersKey(h.name), "failed", 1).Err(); err != nil {
		h.logger.Error("failed counter update", "queue", h.name, "err", err)
	}
	h.Emit(Event{Type: EventFailed, Queue: h.name, JobID: job.ID, Err: cause})
	return nil
}

// MarkCompleted counts a finished job (a duplicate skip counts too: it is a
// successful no-op).
func (h *QueueHandle) MarkCompleted(ctx context.Context, job *Job) {
	if err := h.conn.HIncrBy(ctx, CountersKey(h.name), "completed", 1).Err(); err != nil {
		h.logger.Error("completed counter update", "queue", h.name, "err", err)
	}
	h.Emit(Event{Type: EventCompleted, Queue: h.name, JobID: job.ID})
}

// Read blocks for up to the configured ReadBlock and returns new deliveries
// from the main and retry streams.
func (h *QueueHandle) Read(ctx context.Context) ([]Delivery, error) {
	res, err := h.conn.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    h.opts.Group,
		Consumer: h.consumer,
		Streams:  []string{StreamKey(h.name), RetryKey(h.name), ">", ">"},
		Count:    h.opts.ReadCount,
		Block:    h.opts.ReadBlock,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []Delivery
	for _, s := range res {
		for _, m := range s.Messages {
			d, err := decodeMessage(s.Stream, m)
			if err != nil {
				h.logger.Error("undecodable message", "queue", h.name, "stream", s.Stream, "msg_id", m.ID, "err", err)
				_ = h.discard(ctx, s.Stream, m.ID)
				continue
			}
			out = append(out, d)
		}
	}
	return out, nil
}

func decodeMessage(stream string, m redis.XMessage) (Delivery, error) {
	raw, _ := m.Values["data"].(string)
	if raw == "" {
		return Delivery{}, fmt.Errorf("missing data field")
	}
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Delivery{}, err
	}
	if env.ID == "" {
		return Delivery{}, fmt.Errorf("missing job id")
	}
	job := env.Job
	return Delivery{Stream: stream, MsgID: m.ID, Job: &job, AvailableAt: env.AvailableAtMS, LastError: env.Error}, nil
}

// Ack acknowledges one delivery and deletes its stream entry.
func (h *QueueHandle) Ack(ctx context.Context, d Delivery) error {
	return h.discard(ctx, d.Stream, d.MsgID)
}

// discard acks and deletes an entry. XACK alone only clears the PEL; the
// entry would stay in the stream forever and skew the XLEN-based counters.
func (h *QueueHandle) discard(ctx context.Context, stream, id string) error {
	if err := h.conn.XAck(ctx, stream, h.opts.Group, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if err := h.conn.XDel(ctx, stream, id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

// Counts queries the engine's counters for this queue.
func (h *QueueHandle) Counts(ctx context.Context) (Stats, error) {
	var s Stats

	wlen, err := h.conn.XLen(ctx, StreamKey(h.name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("xlen %s: %w", h.name, err)
	}
	pend, err := h.conn.XPending(ctx, StreamKey(h.name), h.opts.Group).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("xpending %s: %w", h.name, err)
	}
	if pend != nil {
		s.Active = pend.Count
	}
	s.Waiting = wlen - s.Active
	if s.Waiting < 0 {
		s.Waiting = 0
	}

	rlen, err := h.conn.XLen(ctx, RetryKey(h.name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("xlen retry %s: %w", h.name, err)
	}
	s.Delayed = rlen

	counters, err := h.conn.HGetAll(ctx, CountersKey(h.name)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return s, fmt.Errorf("counters %s: %w", h.name, err)
	}
	s.Completed, _ = strconv.ParseInt(counters["completed"], 10, 64)
	s.Failed, _ = strconv.ParseInt(counters["failed"], 10, 64)

	s.Total = s.sum()
	return s, nil
}

// startMonitor reclaims messages whose consumer went quiet: entries pending
// longer than StallIdle are re-enqueued for redelivery and the stale delivery
// is acked. The idempotency middleware turns the redelivery into a duplicate
// skip if the original worker actually finished.
func (h *QueueHandle) startMonitor() {
	if h.opts.StallScan <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.stopMonitor = cancel
	h.monitorDone = make(chan struct{})

	go func() {
		defer close(h.monitorDone)
		ticker := time.NewTicker(h.opts.StallScan)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			for _, stream := range []string{StreamKey(h.name), RetryKey(h.name)} {
				if err := h.reclaimStalled(ctx, stream); err != nil && !errors.Is(err, context.Canceled) {
					h.logger.Error("stalled scan", "queue", h.name, "stream", stream, "err", err)
				}
			}
		}
	}()
}

func (h *QueueHandle) reclaimStalled(ctx context.Context, stream string) error {
	pending, err := h.conn.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream, Group: h.opts.Group, Start: "-", End: "+", Count: 100,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= h.opts.StallIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	claimed, err := h.conn.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    h.opts.Group,
		Consumer: h.consumer,
		MinIdle:  h.opts.StallIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, m := range claimed {
		d, derr := decodeMessage(stream, m)
		if derr != nil {
			_ = h.discard(ctx, stream, m.ID)
			continue
		}
		// Redeliver, then drop the stale entry.
		if _, aerr := h.addJSON(ctx, stream, envelope{Job: *d.Job, AvailableAtMS: d.AvailableAt, Error: d.LastError}); aerr != nil {
			h.Emit(Event{Type: EventError, Queue: h.name, JobID: d.Job.ID, Err: aerr})
			continue
		}
		_ = h.discard(ctx, stream, m.ID)
		h.Emit(Event{Type: EventStalled, Queue: h.name, JobID: d.Job.ID})
	}
	return nil
}

// Close stops the stalled monitor and removes this process's consumer from
// the group.
func (h *QueueHandle) Close(ctx context.Context) error {
	if h.stopMonitor != nil {
		h.stopMonitor()
		<-h.monitorDone
		h.stopMonitor = nil
	}
	var errs []error
	for _, stream := range []string{StreamKey(h.name), RetryKey(h.name)} {
		if err := h.conn.XGroupDelConsumer(ctx, stream, h.opts.Group, h.consumer).Err(); err != nil && !errors.Is(err, redis.Nil) {
			errs = append(errs, fmt.Errorf("del consumer on %s: %w", stream, err))
		}
	}
	return errors.Join(errs...)
}

func (h *QueueHandle) addJSON(ctx context.Context, stream string, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return h.conn.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		ID:     "*",
		Values: map[string]any{"data": string(b)},
	}).Result()
}
