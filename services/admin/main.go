package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"onceq/internal/queue"
	"onceq/internal/redisx"
)

type cmdFunc func(ctx context.Context, rdb *redis.Client, args []string) error

func main() {
	log.SetFlags(0)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	ctx := context.Background()
	rdb, err := redisx.NewClientWithBackoff(ctx, redisx.FromEnv())
	if err != nil {
		log.Fatalf("redis connect failed: %v", err)
	}
	defer rdb.Close()

	handlers := map[string]cmdFunc{
		"stats":       cmdStats,
		"lag":         cmdLag,
		"requeue-dlq": cmdRequeueDLQ,
		"help": func(ctx context.Context, rdb *redis.Client, args []string) error {
			usage()
			return nil
		},
	}
	fn, ok := handlers[cmd]
	if !ok {
		usage()
		os.Exit(2)
	}
	if err := fn(ctx, rdb, args); err != nil {
		log.Fatalf("error: %v", err)
	}
}

func usage() {
	fmt.Print(`onceq admin

Usage:
  admin <command> [flags]

Commands:
  stats       [--queue Q]     Print waiting/active/completed/failed/delayed counters
  lag         [--queue Q]     Show stream length and per-consumer pending for the queue
  requeue-dlq [--queue Q] [--count N]
                              Move N dead-lettered jobs back onto the main stream

Environment (with defaults):
  REDIS_ADDR                  (localhost:6379)
  REDIS_PASSWORD              ()
  QUEUE_NAME                  (jobs)
  QUEUE_CONSUMER_GROUP        (cg:workers)
`)
}

func queueFlag(fs *flag.FlagSet) *string {
	def := os.Getenv("QUEUE_NAME")
	if def == "" {
		def = "jobs"
	}
	return fs.String("queue", def, "queue name")
}

/* -------------------- commands -------------------- */

func cmdStats(ctx context.Context, rdb *redis.Client, args []string) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	name := queueFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	reg := queue.NewRegistry(redisx.Config{}, logger, queue.WithDialer(
		func(ctx context.Context) (queue.Conn, func() error, error) {
			return rdb, func() error { return nil }, nil
		}))
	defer reg.CloseAll(ctx)

	if _, err := reg.GetOrCreate(ctx, *name, queue.Options{StallScan: -1}); err != nil {
		return err
	}
	stats, err := reg.Stats(ctx, *name)
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(stats, "", "  ")
	fmt.Println(string(b))
	return nil
}

func cmdLag(ctx context.Context, rdb *redis.Client, args []string) error {
	fs := flag.NewFlagSet("lag", flag.ContinueOnError)
	name := queueFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	for _, s := range []string{queue.StreamKey(*name), queue.RetryKey(*name), queue.DLQKey(*name)} {
		fmt.Printf("== %s ==\n", s)
		info, err := rdb.XInfoStream(ctx, s).Result()
		if err != nil {
			fmt.Printf("  (error: %v)\n", err)
			continue
		}
		fmt.Printf("  length: %d\n", info.Length)

		groups, _ := rdb.XInfoGroups(ctx, s).Result()
		for _, g := range groups {
			fmt.Printf("  group: %s  consumers=%d  pending=%d\n", g.Name, g.Consumers, g.Pending)
			cons, _ := rdb.XInfoConsumers(ctx, s, g.Name).Result()
			for _, c := range cons {
				fmt.Printf("    - consumer=%s  pending=%d  idle(ms)=%d\n", c.Name, c.Pending, c.Idle)
			}
		}
	}
	return nil
}

func cmdRequeueDLQ(ctx context.Context, rdb *redis.Client, args []string) error {
	fs := flag.NewFlagSet("requeue-dlq", flag.ContinueOnError)
	name := queueFlag(fs)
	count := fs.Int("count", 10, "max jobs to requeue")
	if err := fs.Parse(args); err != nil {
		return err
	}

	dlq := queue.DLQKey(*name)
	msgs, err := rdb.XRangeN(ctx, dlq, "-", "+", int64(*count)).Result()
	if err != nil {
		return err
	}
	moved := 0
	for _, m := range msgs {
		values := m.Values
		// Reset the attempt counter so the job gets a fresh retry budget.
		if raw, ok := m.Values["data"].(string); ok {
			var env map[string]any
			if json.Unmarshal([]byte(raw), &env) == nil {
				env["attempt"] = 0
				delete(env, "error")
				if b, err := json.Marshal(env); err == nil {
					values = map[string]any{"data": string(b)}
				}
			}
		}
		if err := rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: queue.StreamKey(*name),
			ID:     "*",
			Values: values,
		}).Err(); err != nil {
			return err
		}
		if err := rdb.XDel(ctx, dlq, m.ID).Err(); err != nil {
			return err
		}
		moved++
	}
	fmt.Printf("requeued %d job(s) from %s\n", moved, dlq)
	return nil
}
