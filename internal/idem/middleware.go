package idem

import (
	"context"
	"log/slog"
	"time"

	"onceq/internal/queue"
)

// ReasonClaimDenied is the annotation written onto duplicate jobs.
const ReasonClaimDenied = "idempotency_claim_denied"

// DefaultTTL bounds the duplicate-detection window when none is configured.
const DefaultTTL = 24 * time.Hour

// KeyFunc derives the idempotency key for a job.
type KeyFunc func(*queue.Job) string

// Middleware consults the claim store before a job's handler runs. First
// claimant proceeds; everyone else gets a duplicate skip. If the store is
// unreachable the job proceeds anyway (fail-open): an outage of the
// coordination store must not block legitimate processing.
type Middleware struct {
	Store  Claimer
	TTL    time.Duration // 0 -> DefaultTTL
	Key    KeyFunc       // nil -> DeriveKey(job.Queue, job.ID)
	Logger *slog.Logger  // nil -> slog.Default()
}

func (m *Middleware) BeforeProcess(ctx context.Context, job *queue.Job) queue.Decision {
	key := DeriveKey(job.Queue, job.ID)
	if m.Key != nil {
		key = m.Key(job)
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	ok, err := m.Store.TryClaim(ctx, key, ttl)
	if err != nil {
		m.logger().Warn("idempotency claim errored, processing anyway",
			"queue", job.Queue, "job_id", job.ID, "key", key, "err", err)
		return queue.Proceed
	}
	if ok {
		return queue.Proceed
	}

	job.IsDuplicate = true
	job.DuplicateReason = ReasonClaimDenied
	m.logger().Info("duplicate job skipped",
		"queue", job.Queue, "job_id", job.ID, "key", key)
	return queue.Skip
}

func (m *Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
