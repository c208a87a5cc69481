package telemetry

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"ObituaryScanner/internal/ports"
)

// DefaultCounterPrefix namespaces health keys in Redis.
const DefaultCounterPrefix = "obituary:health"

// MemoryCounters is an in-process CounterStore with a fixed window.
type MemoryCounters struct {
	mu      sync.Mutex
	window  time.Duration
	now     func() time.Time
	start   time.Time
	counts  map[string]int64
	expires map[string]time.Time
}

var _ ports.CounterStore = (*MemoryCounters)(nil)

// NewMemoryCounters builds counters that reset every window.
func NewMemoryCounters(window time.Duration, now func() time.Time) *MemoryCounters {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &MemoryCounters{
		window:  window,
		now:     now,
		counts:  map[string]int64{},
		expires: map[string]time.Time{},
	}
}

func (m *MemoryCounters) Incr(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	m.counts[code]++
	return nil
}

func (m *MemoryCounters) Snapshot(_ context.Context) (map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roll()
	out := make(map[string]int64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryCounters) FirstInWindow(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	m.expires[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryCounters) roll() {
	now := m.now()
	if m.start.IsZero() || now.Sub(m.start) >= m.window {
		m.start = now.Truncate(m.window)
		m.counts = map[string]int64{}
	}
}

// RedisCounters keeps one hash per window bucket so a window rolls over by key
// name and old buckets expire on their own.
type RedisCounters struct {
	client *redis.Client
	prefix string
	window time.Duration
	now    func() time.Time
}

var _ ports.CounterStore = (*RedisCounters)(nil)

// NewRedisCounters wires counters onto an existing client.
func NewRedisCounters(client *redis.Client, prefix string, window time.Duration, now func() time.Time) *RedisCounters {
	if prefix == "" {
		prefix = DefaultCounterPrefix
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &RedisCounters{client: client, prefix: prefix, window: window, now: now}
}

func (r *RedisCounters) bucketKey() string {
	bucket := r.now().UnixNano() / int64(r.window)
	return r.prefix + ":" + strconv.FormatInt(bucket, 10)
}

func (r *RedisCounters) Incr(ctx context.Context, code string) error {
	key := r.bucketKey()
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, code, 1)
		pipe.Expire(ctx, key, 2*r.window)
		return nil
	})
	if err != nil {
		return fmt.Errorf("incr health counter: %w", err)
	}
	return nil
}

func (r *RedisCounters) Snapshot(ctx context.Context) (map[string]int64, error) {
	raw, err := r.client.HGetAll(ctx, r.bucketKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read health counters: %w", err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

func (r *RedisCounters) FirstInWindow(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.prefix+":once:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup %s: %w", key, err)
	}
	return ok, nil
}
