package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/storage"
)

func newService(t *testing.T, now *time.Time) (*Service, *storage.MemorySourceStore) {
	t.Helper()
	store := storage.NewMemorySourceStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store, logger, WithClock(func() time.Time { return *now })), store
}

func TestCircuitBreakerOpensAtThresholdAndResets(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	svc, _ := newService(t, &now)

	id, err := svc.Upsert(ctx, map[string]any{"domain": "smith-fh", "base_url": "https://smithfh.example.com"})
	require.NoError(t, err)
	src := domain.Source{ID: id, Domain: "smith-fh"}

	for i := 1; i < 10; i++ {
		opened, err := svc.RecordFailure(ctx, src, "timeout")
		require.NoError(t, err)
		require.False(t, opened, "failure %d must not open the circuit", i)
	}
	active, err := svc.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	opened, err := svc.RecordFailure(ctx, src, "timeout")
	require.NoError(t, err)
	assert.True(t, opened)

	active, err = svc.ActiveSources(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := svc.Sources(ctx)
	require.NoError(t, err)
	require.NotNil(t, all[0].CircuitOpenUntil)
	assert.True(t, all[0].CircuitOpenUntil.After(now))
	assert.Equal(t, 10, all[0].ConsecutiveFailures)

	require.NoError(t, svc.RecordSuccess(ctx, id, 4))
	active, err = svc.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, 0, active[0].ConsecutiveFailures)
	assert.Nil(t, active[0].CircuitOpenUntil)
	assert.Equal(t, int64(4), active[0].TotalCollected)
}

func TestCircuitClosesAfterOpenWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 2, 14, 9, 0, 0, 0, time.UTC)
	svc, _ := newService(t, &now)

	id, err := svc.Upsert(ctx, map[string]any{"domain": "a", "base_url": "https://a.example.com"})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := svc.RecordFailure(ctx, domain.Source{ID: id}, "dns")
		require.NoError(t, err)
	}

	now = now.Add(25 * time.Hour)
	active, err := svc.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)

	opened, err := svc.RecordFailure(ctx, active[0], "dns")
	require.NoError(t, err)
	assert.True(t, opened, "a failure after the window lapsed re-opens the circuit")

	all, err := svc.Sources(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, all[0].ConsecutiveFailures)
	require.NotNil(t, all[0].CircuitOpenUntil)
	assert.True(t, all[0].CircuitOpenUntil.After(now))

	opened, err = svc.RecordFailure(ctx, all[0], "dns")
	require.NoError(t, err)
	assert.False(t, opened, "an already open circuit is not reported again")
}

func TestUpsertWhitelistAndInvalidConfig(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	svc, store := newService(t, &now)

	id, err := svc.Upsert(ctx, map[string]any{
		"domain":               "Tribute-Ottawa",
		"base_url":             "https://ottawa.example.com",
		"adapter_type":         "tribute",
		"config":               "{not json",
		"consecutive_failures": 99,
		"total_collected":      1000,
	})
	require.NoError(t, err)

	src, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "tribute-ottawa", src.Domain)
	assert.Equal(t, domain.TributeConfig{}, src.Config)
	assert.Zero(t, src.ConsecutiveFailures)
	assert.Zero(t, src.TotalCollected)
	assert.True(t, src.Enabled)

	_, err = svc.Upsert(ctx, map[string]any{
		"domain":       "tribute-ottawa",
		"base_url":     "https://ottawa.example.com",
		"adapter_type": "tribute",
		"config":       map[string]any{"funeral_home": "Ottawa Chapel"},
	})
	require.NoError(t, err)
	src, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Ottawa Chapel", src.Config.(domain.TributeConfig).FuneralHome)

	_, err = svc.Upsert(ctx, map[string]any{"domain": "x", "base_url": "https://x", "adapter_type": "php"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.Upsert(ctx, map[string]any{"domain": "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestBanByPattern(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	svc, _ := newService(t, &now)

	for _, d := range []string{"legacy-spam-1", "legacy-spam-2", "smith-fh"} {
		_, err := svc.Upsert(ctx, map[string]any{"domain": d, "base_url": "https://" + d + ".example.com"})
		require.NoError(t, err)
	}

	n, err := svc.Ban(ctx, "LEGACY-*")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := svc.ActiveSources(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "smith-fh", active[0].Domain)

	_, err = svc.Ban(ctx, "**")
	assert.Error(t, err)
}

func TestLikePattern(t *testing.T) {
	cases := map[string]string{
		"*.example.com": "%.example.com",
		"obit_*":        `obit\_%`,
		"100%":          `100\%`,
	}
	for in, want := range cases {
		got, err := LikePattern(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}
