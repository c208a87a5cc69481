package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (n *recordingNotifier) PublishAlert(_ context.Context, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
	return n.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRedactDropsSecretsAndQueryStrings(t *testing.T) {
	t.Parallel()

	attrs := Redact(map[string]any{
		"url":           "https://example.com/obits?page=2&key=abc",
		"api_key":       "sk-123",
		"Authorization": "Bearer x",
		"database_dsn":  "postgres://u:p@h/db",
		"obit_id":       int64(7),
		"message":       strings.Repeat("a", 400),
	})

	got := map[string]any{}
	for i := 0; i+1 < len(attrs); i += 2 {
		got[attrs[i].(string)] = attrs[i+1]
	}
	assert.Len(t, got, 3)
	assert.Equal(t, "https://example.com/obits", got["url"])
	assert.Equal(t, int64(7), got["obit_id"])
	assert.Equal(t, maxValueLength+1, len([]rune(got["message"].(string))))
	assert.NotContains(t, got, "api_key")
}

func TestRedactHandlesErrorsWithURLs(t *testing.T) {
	t.Parallel()

	attrs := Redact(map[string]any{"err": errors.New(`GET "https://a.test/x?token=1": timeout`)})
	require.Len(t, attrs, 2)
	assert.Equal(t, `GET "https://a.test/x": timeout`, attrs[1])
}

func TestSinkCountsAndDeduplicatesAlerts(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	counters := NewMemoryCounters(time.Hour, func() time.Time { return now })
	notifier := &recordingNotifier{}
	sink := NewSink(discardLogger(), counters, notifier, 30*time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		sink.Log(ctx, Event{Level: LevelError, Subsystem: "collector", Code: "fetch_failed", Message: "boom",
			Context: map[string]any{"url": "https://x.test/?secret=1"}})
	}
	sink.Log(ctx, Event{Level: LevelInfo, Subsystem: "rewriter", Code: "published", Message: "ok"})

	health, err := sink.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), health["fetch_failed"])
	assert.Equal(t, int64(1), health["published"])

	require.Len(t, notifier.messages, 1)
	assert.Contains(t, notifier.messages[0], "collector/fetch_failed")
	assert.NotContains(t, notifier.messages[0], "secret=1")

	now = now.Add(31 * time.Minute)
	sink.Log(ctx, Event{Level: LevelError, Subsystem: "collector", Code: "fetch_failed", Message: "boom"})
	assert.Len(t, notifier.messages, 2)
}

func TestSinkForcedAlertAndNotifierFailure(t *testing.T) {
	t.Parallel()

	notifier := &recordingNotifier{err: errors.New("telegram down")}
	sink := NewSink(discardLogger(), nil, notifier, time.Minute)

	sink.Log(context.Background(), Event{Level: LevelWarn, Subsystem: "collector", Code: "selector_healed", Message: "healed", Alert: true})
	sink.Log(context.Background(), Event{Level: LevelWarn, Subsystem: "collector", Code: "slow", Message: "slow"})
	assert.Len(t, notifier.messages, 1)
}

func TestMemoryCountersRollOver(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	c := NewMemoryCounters(time.Hour, func() time.Time { return now })
	ctx := context.Background()
	require.NoError(t, c.Incr(ctx, "a"))
	require.NoError(t, c.Incr(ctx, "a"))

	now = now.Add(time.Hour)
	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestRedisCounters(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	c := NewRedisCounters(client, "", time.Hour, func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, c.Incr(ctx, "fetch_failed"))
	require.NoError(t, c.Incr(ctx, "fetch_failed"))
	require.NoError(t, c.Incr(ctx, "published"))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"fetch_failed": 2, "published": 1}, snap)

	first, err := c.FirstInWindow(ctx, "alert:x", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
	again, err := c.FirstInWindow(ctx, "alert:x", time.Minute)
	require.NoError(t, err)
	assert.False(t, again)

	mr.FastForward(2 * time.Minute)
	first, err = c.FirstInWindow(ctx, "alert:x", time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	now = now.Add(time.Hour)
	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap)
}
