package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is the unit of work flowing through a queue. The payload is opaque to
// this layer; IsDuplicate/DuplicateReason are the only fields middleware
// writes.
type Job struct {
	ID         string          `json:"id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`

	IsDuplicate     bool   `json:"is_duplicate,omitempty"`
	DuplicateReason string `json:"duplicate_reason,omitempty"`
}

// Decision is what a middleware tells the worker runtime to do with a job.
type Decision int

const (
	// Proceed runs the business handler normally.
	Proceed Decision = iota
	// Skip acks the job as a deliberate no-op: not a failure, never retried.
	Skip
)

// JobMiddleware intercepts a job before its handler runs.
type JobMiddleware interface {
	BeforeProcess(ctx context.Context, job *Job) Decision
}
