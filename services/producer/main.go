package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"onceq/internal/queue"
	"onceq/internal/redisx"
)

// Demo producer. Simulates webhook-style submissions: each delivery carries a
// producer-assigned id, and DUPLICATE_SUBMIT=true re-sends every id a second
// time the way a webhook sender retries on a slow 200.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "producer")
	slog.SetDefault(logger)

	queueName := getenv("QUEUE_NAME", "jobs")
	cronSpec := getenv("PRODUCER_CRON", "@every 1m")
	duplicate := getenv("DUPLICATE_SUBMIT", "") == "true"

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := queue.NewRegistry(redisx.FromEnv(), logger)
	h, err := reg.GetOrCreate(ctx, queueName, queue.Options{StallScan: -1})
	if err != nil {
		logger.Error("queue setup failed", "queue", queueName, "err", err)
		os.Exit(1)
	}

	submit := func(id string, payload any) {
		b, _ := json.Marshal(payload)
		job := &queue.Job{ID: id, Payload: b}
		if _, err := h.Enqueue(ctx, job); err != nil {
			logger.Error("enqueue failed", "queue", queueName, "job_id", id, "err", err)
			return
		}
		logger.Info("enqueued", "queue", queueName, "job_id", id)
		if duplicate {
			dup := &queue.Job{ID: id, Payload: b}
			if _, err := h.Enqueue(ctx, dup); err != nil {
				logger.Error("duplicate enqueue failed", "queue", queueName, "job_id", id, "err", err)
			}
		}
	}

	// One ad-hoc submission at startup.
	submit("send-whatsapp-"+uuid.NewString()[:8], map[string]any{"to": "+15550100", "template": "welcome"})

	// Periodic submissions. The id is bucketed per tick so a crashed and
	// restarted producer re-submitting the same tick stays a duplicate.
	c := cron.New()
	_, err = c.AddFunc(cronSpec, func() {
		bucket := time.Now().UTC().Truncate(time.Minute).Format("200601021504")
		submit("heartbeat-"+bucket, map[string]any{"kind": "heartbeat", "at": bucket})
	})
	if err != nil {
		logger.Error("invalid cron spec", "spec", cronSpec, "err", err)
		os.Exit(1)
	}
	c.Start()
	logger.Info("producer running", "queue", queueName, "cron", cronSpec, "duplicate_submit", duplicate)

	<-ctx.Done()
	cronCtx := c.Stop()
	<-cronCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reg.CloseAll(shutdownCtx)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
