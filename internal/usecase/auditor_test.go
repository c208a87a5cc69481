package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/normalize"
	"ObituaryScanner/internal/ports"
)

func publishedJane(text string) domain.Obituary {
	rec := janeDoe()
	rec.Status = domain.StatusPublished
	rec.AIDescription = text
	rec.AIDescriptionHash = normalize.ContentHash(text)
	return rec
}

func newAuditor(store ports.ObituaryStore, chat ports.ChatClient, llmCheck bool, now time.Time) *Auditor {
	return NewAuditor(AuditorDeps{
		Store:   store,
		Chat:    chat,
		Limiter: newLimiter(40000),
		Logger:  discardLogger(),
		Now:     func() time.Time { return now },
	}, config.AuditorConfig{BatchSize: 10, ReauditAfter: 30 * 24 * time.Hour, LLMCheck: llmCheck}, config.LLMConfig{})
}

func TestAuditorRequeuesFailingRecordExactlyOnce(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	drifted := publishedJane("Jane Doe of Newmarket passed away peacefully on February 13, 2026, surrounded by family.")
	drifted.AuditRequeueCount = 1
	rec := store.Put(drifted)
	chat := &scriptedChat{replies: []reply{{content: `{"authentic": true}`}}}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	res, err := newAuditor(store, chat, true, now).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)
	assert.Zero(t, chat.calls(), "deterministic failure skips the model")

	got := mustGet(t, store, rec.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.AIDescription)
	assert.Equal(t, 2, got.AuditRequeueCount)
	assert.Equal(t, "audit: age_missing: 84", got.RewriteRequestReason)

	again, err := newAuditor(store, chat, true, now).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Processed, "pending records are not audited")
	assert.Equal(t, 2, mustGet(t, store, rec.ID).AuditRequeueCount)
}

func TestAuditorMarksPassingRecord(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	rec := store.Put(publishedJane(janeRewrite))
	chat := &scriptedChat{replies: []reply{{content: "```json\n{\"authentic\": true, \"flags\": [\"tone\"]}\n```", tokens: 150}}}
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	res, err := newAuditor(store, chat, true, now).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)

	got := mustGet(t, store, rec.ID)
	assert.Equal(t, domain.StatusPublished, got.Status)
	assert.Equal(t, AuditFlagged, got.AuditStatus)
	assert.Equal(t, []string{"tone"}, got.AuditFlags)
	assert.Equal(t, got.AIDescriptionHash, got.LastAuditedHash)
	require.NotNil(t, got.LastAuditAt)
	assert.True(t, got.LastAuditAt.Equal(now))

	again, err := newAuditor(store, chat, true, now.Add(24*time.Hour)).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.Processed, "recently audited and unchanged")

	later, err := newAuditor(store, chat, true, now.Add(31*24*time.Hour)).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, later.Processed, "re-audit after the cadence")
}

func TestAuditorRequeuesOnModelRejection(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	rec := store.Put(publishedJane(janeRewrite))
	chat := &scriptedChat{replies: []reply{{content: `{"authentic": false, "flags": ["invented_detail"], "reason": "mentions a husband"}`}}}

	res, err := newAuditor(store, chat, true, time.Now()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Requeued)

	got := mustGet(t, store, rec.ID)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.AuditRequeueCount)
	assert.Equal(t, "audit_llm: mentions a husband", got.RewriteRequestReason)
}

func TestAuditorWithoutModelCheck(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	rec := store.Put(publishedJane(janeRewrite))
	chat := &scriptedChat{replies: []reply{{content: "{}"}}}

	res, err := newAuditor(store, chat, false, time.Now()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passed)
	assert.Zero(t, chat.calls())
	assert.Equal(t, AuditPassed, mustGet(t, store, rec.ID).AuditStatus)
}

func TestAuditorStopsOnRateLimit(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryObituaryStore()
	rec := store.Put(publishedJane(janeRewrite))
	chat := &scriptedChat{replies: []reply{{err: ports.ErrRateLimited}}}

	res, err := newAuditor(store, chat, true, time.Now()).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StopRateLimited, res.Stopped)
	assert.Equal(t, domain.StatusPublished, mustGet(t, store, rec.ID).Status)
	assert.Nil(t, mustGet(t, store, rec.ID).LastAuditAt)
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	v, err := parseVerdict("Sure. {\"authentic\": false, \"reason\": \"x\"} done")
	require.NoError(t, err)
	assert.False(t, v.Authentic)
	assert.Equal(t, "x", v.Reason)

	_, err = parseVerdict("no json here")
	assert.Error(t, err)
}
