package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"onceq/internal/redisx"
)

// ErrUnregisteredQueue is returned when a caller asks about a queue name that
// was never created.
var ErrUnregisteredQueue = errors.New("queue not registered")

// Dialer opens the shared coordination-store connection. It returns the
// command surface plus a close func for shutdown.
type Dialer func(ctx context.Context) (Conn, func() error, error)

type RegistryOption func(*Registry)

// WithDialer overrides how the registry opens its shared connection.
func WithDialer(d Dialer) RegistryOption {
	return func(r *Registry) { r.dial = d }
}

// Registry owns the shared connection and the name→handle map. It is the only
// component that opens connections or constructs handles; repeated
// GetOrCreate calls for a name return the identical handle.
type Registry struct {
	logger *slog.Logger
	dial   Dialer

	mu        sync.Mutex
	conn      Conn
	connClose func() error
	queues    map[string]*QueueHandle
}

func NewRegistry(cfg redisx.Config, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger: logger,
		queues: make(map[string]*QueueHandle),
		dial: func(ctx context.Context) (Conn, func() error, error) {
			rdb, err := redisx.NewClientWithBackoff(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return rdb, rdb.Close, nil
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Conn returns the shared connection, dialing lazily on first use.
func (r *Registry) Conn(ctx context.Context) (Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connLocked(ctx)
}

func (r *Registry) connLocked(ctx context.Context) (Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	conn, closeFn, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial coordination store: %w", err)
	}
	r.conn = conn
	r.connClose = closeFn
	return r.conn, nil
}

// GetOrCreate returns the handle for name, creating it (and the shared
// connection) on first request. Options are first-writer-wins: they are
// ignored when the name already exists.
func (r *Registry) GetOrCreate(ctx context.Context, name string, opts Options) (*QueueHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.queues[name]; ok {
		return h, nil
	}

	conn, err := r.connLocked(ctx)
	if err != nil {
		return nil, err
	}

	consumer := consumerName()
	h := newHandle(name, conn, opts, consumer, r.logger)
	if err := h.ensureGroups(ctx); err != nil {
		return nil, err
	}
	h.Subscribe(logObserver(r.logger))
	h.startMonitor()
	r.queues[name] = h
	r.logger.Info("queue registered", "queue", name, "group", h.opts.Group, "consumer", consumer)
	return h, nil
}

// Get looks a handle up without creating it. Returns nil if unregistered.
func (r *Registry) Get(name string) *QueueHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[name]
}

// Stats queries the engine counters for a registered queue.
func (r *Registry) Stats(ctx context.Context, name string) (Stats, error) {
	h := r.Get(name)
	if h == nil {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnregisteredQueue, name)
	}
	return h.Counts(ctx)
}

// CloseAll closes every handle best-effort, then the shared connection, then
// clears the registry. A failure closing one handle is logged and does not
// stop the rest. Safe to call with nothing registered.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	handles := make([]*QueueHandle, 0, len(r.queues))
	for _, h := range r.queues {
		handles = append(handles, h)
	}
	r.queues = make(map[string]*QueueHandle)
	conn := r.conn
	connClose := r.connClose
	r.conn = nil
	r.connClose = nil
	r.mu.Unlock()

	for _, h := range handles {
		if err := h.Close(ctx); err != nil {
			r.logger.Error("queue close failed", "queue", h.Name(), "err", err)
		}
	}
	if conn != nil && connClose != nil {
		if err := connClose(); err != nil {
			r.logger.Error("connection close failed", "err", err)
		}
	}
}

func consumerName() string {
	h, _ := os.Hostname()
	if h == "" {
		h = "worker"
	}
	return h + "-" + uuid.NewString()[:8]
}
