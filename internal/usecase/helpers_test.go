package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/ratelimit"
)

const janeRewrite = "Jane Doe of Newmarket passed away peacefully on February 13, 2026, at the age of 84. " +
	"She will be remembered with love by her family and by all who knew her."

type reply struct {
	content string
	tokens  int64
	err     error
}

// scriptedChat answers with the queued replies in order, then repeats the last one.
type scriptedChat struct {
	mu       sync.Mutex
	replies  []reply
	requests []ports.CompletionRequest
}

func (c *scriptedChat) Complete(_ context.Context, req ports.CompletionRequest) (ports.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	r := c.replies[len(c.replies)-1]
	if len(c.requests) <= len(c.replies) {
		r = c.replies[len(c.requests)-1]
	}
	if r.err != nil {
		return ports.Completion{}, r.err
	}
	return ports.Completion{Content: r.content, TotalTokens: r.tokens}, nil
}

func (c *scriptedChat) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLimiter(tokensPerMinute int64) *ratelimit.Limiter {
	return ratelimit.New(ratelimit.NewMemoryStore(), ratelimit.Config{TokensPerMinute: tokensPerMinute}, discardLogger())
}

func janeDoe() domain.Obituary {
	return domain.Obituary{
		ProvenanceHash: "jane-doe-hash",
		Name:           "Jane Doe",
		DateOfBirth:    "1941-03-03",
		DateOfDeath:    "2026-02-13",
		Age:            84,
		CityNormalized: "Newmarket",
		Location:       "Newmarket, Ontario",
		FuneralHome:    "Smith Funeral Home",
		Description:    "Jane Doe passed away peacefully on February 13, 2026 at the age of 84 in Newmarket.",
		Status:         domain.StatusPending,
	}
}

func mustGet(t *testing.T, store *storage.MemoryObituaryStore, id int64) domain.Obituary {
	t.Helper()
	rec, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	return rec
}
