package idem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStoreUnavailable marks an infrastructure failure during a claim, as
// opposed to a denied claim. Callers match it with errors.Is to apply the
// fail-open policy.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Claimer is the one coordination primitive this layer needs: claim a key for
// ttl, or learn that someone else already holds it. The claim must be a single
// atomic round-trip so two workers racing on the same key can never both win.
type Claimer interface {
	TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// setNXConn is the subset of redis commands the store issues.
type setNXConn interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisStore implements Claimer with SET key value NX EX ttl. Claims expire
// on their own; there is no delete path.
type RedisStore struct {
	conn setNXConn
}

func NewRedisStore(conn setNXConn) *RedisStore {
	return &RedisStore{conn: conn}
}

func (s *RedisStore) TryClaim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.conn.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return ok, nil
}
