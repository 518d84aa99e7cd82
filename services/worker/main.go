package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"onceq/internal/idem"
	"onceq/internal/queue"
	"onceq/internal/redisx"
	"onceq/internal/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "worker")
	slog.SetDefault(logger)

	// ---- Config ----
	queueName := getenv("QUEUE_NAME", "jobs")
	httpAddr := getenv("WORKER_HTTP_ADDR", ":8082")
	idemTTL := time.Duration(atoi(getenv("IDEM_TTL_SEC", "86400"), 86400)) * time.Second
	maxAttempts := atoi(getenv("MAX_ATTEMPTS", "5"), 5)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Registry + queue ----
	reg := queue.NewRegistry(redisx.FromEnv(), logger)
	h, err := reg.GetOrCreate(ctx, queueName, queue.Options{})
	if err != nil {
		logger.Error("queue setup failed", "queue", queueName, "err", err)
		os.Exit(1)
	}

	// ---- Idempotency ----
	conn, err := reg.Conn(ctx)
	if err != nil {
		logger.Error("connection failed", "err", err)
		os.Exit(1)
	}
	mw := &idem.Middleware{
		Store:  idem.NewRedisStore(conn),
		TTL:    idemTTL,
		Logger: logger,
	}

	// ---- Worker ----
	w := &worker.Worker{
		Queue:       h,
		Middleware:  []queue.JobMiddleware{mw},
		Handler:     handleJob,
		MaxAttempts: maxAttempts,
		Logger:      logger,
	}
	w.Start(ctx)

	// ---- Health server ----
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"worker"}`))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /queues/{name}/stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := reg.Stats(r.Context(), r.PathValue("name"))
		if err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, queue.ErrUnregisteredQueue) {
				code = http.StatusNotFound
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("worker listening", "addr", httpAddr, "queue", queueName)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reg.CloseAll(shutdownCtx)
}

// handleJob is the demo business handler: it just records the payload. Real
// hosting services plug their own in.
func handleJob(ctx context.Context, job *queue.Job) error {
	slog.Info("processing job", "queue", job.Queue, "job_id", job.ID, "payload_bytes", len(job.Payload))
	return nil
}

// ---- helpers ----
func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func atoi(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
