package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/ports"
)

func TestChatAnswersAboutPublishedObituary(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	rec := store.Put(publishedJane(janeRewrite))
	chat := &scriptedChat{replies: []reply{{content: " She was 84. ", tokens: 120}}}
	limiter := newLimiter(40000)

	answer, err := NewChat(store, chat, limiter, config.LLMConfig{MaxTokens: 900}, discardLogger()).
		Ask(context.Background(), rec.ID, "How old was she?")
	require.NoError(t, err)
	assert.Equal(t, "She was 84.", answer)
	require.Len(t, chat.requests, 1)
	assert.Equal(t, 400, chat.requests[0].MaxTokens)
	assert.Contains(t, chat.requests[0].Messages[0].Content, janeRewrite)

	window, _, err := limiter.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(120), window.Used(domain.PoolChatbot))
	assert.Zero(t, window.Used(domain.PoolCron))
}

func TestChatRejections(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	pending := store.Put(janeDoe())
	published := janeDoe()
	published.ProvenanceHash = "p"
	published.Status = domain.StatusPublished
	published.AIDescription = janeRewrite
	pub := store.Put(published)
	chat := &scriptedChat{replies: []reply{{content: "ok"}}}
	ctx := context.Background()

	c := NewChat(store, chat, newLimiter(40000), config.LLMConfig{}, discardLogger())
	_, err := c.Ask(ctx, pending.ID, "Where?")
	assert.ErrorIs(t, err, ErrNotPublished)

	_, err = c.Ask(ctx, pub.ID, "   ")
	assert.ErrorIs(t, err, ErrInvalidQuestion)
	_, err = c.Ask(ctx, pub.ID, strings.Repeat("q", 501))
	assert.ErrorIs(t, err, ErrInvalidQuestion)

	_, err = c.Ask(ctx, 999, "Where?")
	assert.True(t, errors.Is(err, ports.ErrNotFound))

	// 100 tokens per minute leaves a chatbot pool of 20.
	busy := NewChat(store, chat, newLimiter(100), config.LLMConfig{}, discardLogger())
	_, err = busy.Ask(ctx, pub.ID, "Where?")
	assert.ErrorIs(t, err, ErrChatBusy)
	assert.Zero(t, chat.calls())
}
