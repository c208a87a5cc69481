// Package joblock keeps two instances of the same job type from running at
// once. Locks expire on their own so a crashed holder never blocks forever.
package joblock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ObituaryScanner/internal/ports"
)

// DefaultPrefix namespaces lock keys in Redis.
const DefaultPrefix = "obituary:lock"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker uses SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
}

var _ ports.JobLocker = (*RedisLocker)(nil)

// NewRedisLocker wires a locker onto an existing client.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &RedisLocker{client: client, prefix: prefix}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	key := l.prefix + ":" + job
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", job, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// The caller's context may already be cancelled.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}

// MemoryLocker is the single-process variant.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	now   func() time.Time
	count uint64
}

type memoryLock struct {
	id      uint64
	expires time.Time
}

var _ ports.JobLocker = (*MemoryLocker)(nil)

// NewMemoryLocker builds an empty locker. now may be nil.
func NewMemoryLocker(now func() time.Time) *MemoryLocker {
	if now == nil {
		now = time.Now
	}
	return &MemoryLocker{held: map[string]memoryLock{}, now: now}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, job string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.held[job]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}
	l.count++
	id := l.count
	l.held[job] = memoryLock{id: id, expires: now.Add(ttl)}

	release := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[job]; ok && cur.id == id {
			delete(l.held, job)
		}
	}
	return release, true, nil
}
