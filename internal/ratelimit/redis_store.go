package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

// DefaultRedisKey holds the shared window.
const DefaultRedisKey = "obituary:ratewindow"

// RedisStore keeps the window as JSON under one key and implements the CAS
// with WATCH/MULTI/EXEC: a concurrent writer aborts the transaction.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

var _ ports.WindowStore = (*RedisStore)(nil)

// NewRedisStore builds the store. ttl bounds how long an idle window lingers
// and defaults to ten minutes.
func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (s *RedisStore) Load(ctx context.Context) (domain.RateWindow, bool, error) {
	return s.read(ctx, s.client)
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected int64, next domain.RateWindow) (bool, error) {
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("encode window: %w", err)
	}

	swapped := false
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, found, err := s.read(ctx, tx)
		if err != nil {
			return err
		}
		var current int64
		if found {
			current = cur.Version
		}
		if current != expected {
			return nil
		}
		if _, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, s.key, payload, s.ttl)
			return nil
		}); err != nil {
			return err
		}
		swapped = true
		return nil
	}, s.key)

	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("swap window: %w", err)
	}
	return swapped, nil
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable) (domain.RateWindow, bool, error) {
	raw, err := c.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RateWindow{}, false, nil
	}
	if err != nil {
		return domain.RateWindow{}, false, fmt.Errorf("load window: %w", err)
	}
	var w domain.RateWindow
	if err := json.Unmarshal(raw, &w); err != nil {
		return domain.RateWindow{}, false, fmt.Errorf("decode window: %w", err)
	}
	if w.Calls == nil {
		w.Calls = map[string]int64{}
	}
	return w, true, nil
}
