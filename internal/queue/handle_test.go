package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func testHandle(conn Conn) *QueueHandle {
	return newHandle("q1", conn, Options{StallScan: -1, StallIdle: 10 * time.Millisecond}, "test-consumer", slog.Default())
}

func TestCounts_TotalIsSumOfAllCounters(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := h.Enqueue(ctx, &Job{ID: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}
	conn.pendingCount[StreamKey("q1")] = 2
	if err := h.Requeue(ctx, &Job{ID: "r1", Queue: "q1"}, time.Now().Add(time.Minute), nil); err != nil {
		t.Fatal(err)
	}
	conn.HIncrBy(ctx, CountersKey("q1"), "completed", 7)
	conn.HIncrBy(ctx, CountersKey("q1"), "failed", 3)

	s, err := h.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Waiting != 3 || s.Active != 2 || s.Delayed != 1 || s.Completed != 7 || s.Failed != 3 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.Total != s.Waiting+s.Active+s.Completed+s.Failed+s.Delayed {
		t.Fatalf("total must equal the sum, got %+v", s)
	}
}

func TestEnqueue_EmitsWaitingAndStampsQueue(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)

	var events []Event
	h.Subscribe(func(ev Event) { events = append(events, ev) })

	job := &Job{ID: "job-1", Payload: json.RawMessage(`{"n":1}`)}
	if _, err := h.Enqueue(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Queue != "q1" {
		t.Fatalf("enqueue must stamp the queue name, got %q", job.Queue)
	}
	if len(events) != 1 || events[0].Type != EventWaiting || events[0].JobID != "job-1" {
		t.Fatalf("expected one waiting event, got %v", events)
	}
	if len(conn.streams[StreamKey("q1")]) != 1 {
		t.Fatalf("expected one entry on the main stream")
	}
}

func TestReadRoundTrip(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	want := &Job{ID: "job-1", Payload: json.RawMessage(`{"to":"x"}`)}
	if _, err := h.Enqueue(ctx, want); err != nil {
		t.Fatal(err)
	}

	ds, err := h.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected one delivery, got %d", len(ds))
	}
	got := ds[0]
	if got.Job.ID != "job-1" || got.Job.Queue != "q1" || string(got.Job.Payload) != `{"to":"x"}` {
		t.Fatalf("bad round trip: %+v", got.Job)
	}
	if got.AvailableAt != 0 {
		t.Fatalf("main-stream delivery must not carry a due time")
	}

	if err := h.Ack(ctx, got); err != nil {
		t.Fatal(err)
	}
	if acked := conn.acked[StreamKey("q1")]; len(acked) != 1 || acked[0] != got.MsgID {
		t.Fatalf("delivery not acked: %v", acked)
	}
}

func TestRequeue_CarriesDueTime(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	due := time.Now().Add(10 * time.Second)
	if err := h.Requeue(ctx, &Job{ID: "job-1", Queue: "q1", Attempt: 2}, due, nil); err != nil {
		t.Fatal(err)
	}

	ds, err := h.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ds) != 1 || ds[0].Stream != RetryKey("q1") {
		t.Fatalf("expected one retry delivery, got %+v", ds)
	}
	if ds[0].AvailableAt != due.UnixMilli() {
		t.Fatalf("due time lost: want %d got %d", due.UnixMilli(), ds[0].AvailableAt)
	}
	if ds[0].Job.Attempt != 2 {
		t.Fatalf("attempt lost: %+v", ds[0].Job)
	}
}

func TestDeadLetter_CountsFailedAndEmits(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	var events []Event
	h.Subscribe(func(ev Event) { events = append(events, ev) })

	if err := h.DeadLetter(ctx, &Job{ID: "job-1", Queue: "q1"}, context.DeadlineExceeded); err != nil {
		t.Fatal(err)
	}
	if len(conn.streams[DLQKey("q1")]) != 1 {
		t.Fatalf("expected one DLQ entry")
	}
	if conn.counters[CountersKey("q1")]["failed"] != "1" {
		t.Fatalf("failed counter not incremented: %v", conn.counters)
	}
	if len(events) != 1 || events[0].Type != EventFailed {
		t.Fatalf("expected a failed event, got %v", events)
	}
}

func TestReclaimStalled_RedeliversAndEmits(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	if _, err := h.Enqueue(ctx, &Job{ID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a delivery whose worker died: pending and long idle.
	stream := StreamKey("q1")
	msgID := conn.streams[stream][0].ID
	conn.unread[stream] = nil
	conn.pendingExt[stream] = []redis.XPendingExt{{ID: msgID, Consumer: "dead-worker", Idle: time.Minute}}

	var events []Event
	h.Subscribe(func(ev Event) { events = append(events, ev) })

	if err := h.reclaimStalled(ctx, stream); err != nil {
		t.Fatal(err)
	}

	if len(events) != 1 || events[0].Type != EventStalled || events[0].JobID != "job-1" {
		t.Fatalf("expected one stalled event, got %v", events)
	}
	// The stale entry is replaced, not duplicated.
	if len(conn.streams[stream]) != 1 {
		t.Fatalf("expected exactly the redelivered entry, got %d", len(conn.streams[stream]))
	}
	if acked := conn.acked[stream]; len(acked) != 1 || acked[0] != msgID {
		t.Fatalf("stale entry not acked: %v", acked)
	}
}

func TestCounts_FinishedJobsLeaveTheCounters(t *testing.T) {
	conn := newFakeConn()
	h := testHandle(conn)
	ctx := context.Background()

	if _, err := h.Enqueue(ctx, &Job{ID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	ds, err := h.Read(ctx)
	if err != nil || len(ds) != 1 {
		t.Fatalf("read: %v %v", ds, err)
	}
	if err := h.Ack(ctx, ds[0]); err != nil {
		t.Fatal(err)
	}
	h.MarkCompleted(ctx, ds[0].Job)

	s, err := h.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// A processed job counts once, in completed, and nowhere else.
	if s.Waiting != 0 || s.Active != 0 || s.Delayed != 0 {
		t.Fatalf("finished job still counted as queued: %+v", s)
	}
	if s.Completed != 1 || s.Total != 1 {
		t.Fatalf("expected completed=1 total=1, got %+v", s)
	}
}
