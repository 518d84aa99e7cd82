package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// fakeConn implements Conn in memory using go-redis result constructors.
type fakeConn struct {
	mu             sync.Mutex
	streams        map[string][]redis.XMessage
	unread         map[string][]redis.XMessage
	pendingCount   map[string]int64
	pendingExt     map[string][]redis.XPendingExt
	counters       map[string]map[string]string
	acked          map[string][]string
	nx             map[string]time.Time
	delConsumerErr map[string]error
	seq            int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		streams:        make(map[string][]redis.XMessage),
		unread:         make(map[string][]redis.XMessage),
		pendingCount:   make(map[string]int64),
		pendingExt:     make(map[string][]redis.XPendingExt),
		counters:       make(map[string]map[string]string),
		acked:          make(map[string][]string),
		nx:             make(map[string]time.Time),
		delConsumerErr: make(map[string]error),
	}
}

func (f *fakeConn) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if exp, ok := f.nx[key]; ok && now.Before(exp) {
		return redis.NewBoolResult(false, nil)
	}
	f.nx[key] = now.Add(ttl)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeConn) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("%d-0", f.seq)
	msg := redis.XMessage{ID: id, Values: a.Values.(map[string]interface{})}
	f.streams[a.Stream] = append(f.streams[a.Stream], msg)
	f.unread[a.Stream] = append(f.unread[a.Stream], msg)
	return redis.NewStringResult(id, nil)
}

func (f *fakeConn) XLen(ctx context.Context, stream string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.streams[stream])), nil)
}

func (f *fakeConn) XPending(ctx context.Context, stream, group string) *redis.XPendingCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewXPendingCmd(ctx)
	cmd.SetVal(&redis.XPending{Count: f.pendingCount[stream]})
	return cmd
}

func (f *fakeConn) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewXPendingExtCmd(ctx)
	cmd.SetVal(f.pendingExt[a.Stream])
	return cmd
}

func (f *fakeConn) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(a.Messages))
	for _, id := range a.Messages {
		want[id] = true
	}
	var out []redis.XMessage
	for _, m := range f.streams[a.Stream] {
		if want[m.ID] {
			out = append(out, m)
		}
	}
	cmd := redis.NewXMessageSliceCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeConn) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XStream
	for i := 0; i < len(a.Streams)/2; i++ {
		stream := a.Streams[i]
		if msgs := f.unread[stream]; len(msgs) > 0 {
			out = append(out, redis.XStream{Stream: stream, Messages: msgs})
			f.pendingCount[stream] += int64(len(msgs))
			f.unread[stream] = nil
		}
	}
	cmd := redis.NewXStreamSliceCmd(ctx)
	if len(out) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	cmd.SetVal(out)
	return cmd
}

func (f *fakeConn) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked[stream] = append(f.acked[stream], ids...)
	f.pendingCount[stream] -= int64(len(ids))
	if f.pendingCount[stream] < 0 {
		f.pendingCount[stream] = 0
	}
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (f *fakeConn) XDel(ctx context.Context, stream string, ids ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	var kept []redis.XMessage
	for _, m := range f.streams[stream] {
		if !drop[m.ID] {
			kept = append(kept, m)
		}
	}
	deleted := int64(len(f.streams[stream]) - len(kept))
	f.streams[stream] = kept
	return redis.NewIntResult(deleted, nil)
}

func (f *fakeConn) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeConn) XGroupDelConsumer(ctx context.Context, stream, group, consumer string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.delConsumerErr[stream]; err != nil {
		return redis.NewIntResult(0, err)
	}
	return redis.NewIntResult(0, nil)
}

func (f *fakeConn) HIncrBy(ctx context.Context, key, field string, incr int64) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counters[key] == nil {
		f.counters[key] = make(map[string]string)
	}
	cur, _ := strconv.ParseInt(f.counters[key][field], 10, 64)
	cur += incr
	f.counters[key][field] = strconv.FormatInt(cur, 10)
	return redis.NewIntResult(cur, nil)
}

func (f *fakeConn) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.counters[key]))
	for k, v := range f.counters[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}
