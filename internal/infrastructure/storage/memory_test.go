package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/domain"
)

func TestMemoryObituaryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObituaryStore()

	id, inserted, err := s.Insert(ctx, domain.Obituary{ProvenanceHash: "h1", Name: "Jane Doe", Description: "Jane passed away."})
	require.NoError(t, err)
	require.True(t, inserted)

	_, inserted, err = s.Insert(ctx, domain.Obituary{ProvenanceHash: "h1", Name: "Jane Doe"})
	require.NoError(t, err)
	assert.False(t, inserted, "duplicate hash must be skipped")
	assert.Equal(t, 1, s.Len())

	ok, err := s.Publish(ctx, id, "Jane Doe passed away.", "x")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Publish(ctx, id, "again", "y")
	require.NoError(t, err)
	assert.False(t, ok, "only pending records can be published")

	require.NoError(t, s.MarkAudited(ctx, id, domain.AuditOutcome{Status: "pass", AuditedHash: "x", AuditedAt: time.Now()}))

	ok, err = s.Requeue(ctx, id, "age_missing")
	require.NoError(t, err)
	require.True(t, ok)

	rec, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Empty(t, rec.AIDescription)
	assert.Empty(t, rec.AuditStatus)
	assert.Nil(t, rec.LastAuditAt)
	assert.Equal(t, 1, rec.AuditRequeueCount)
	assert.Equal(t, "age_missing", rec.RewriteRequestReason)
}

func TestMemoryObituaryStoreRequeueCap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryObituaryStore()

	capped := s.Put(domain.Obituary{ProvenanceHash: "a", Description: "x", Status: domain.StatusPending, AuditRequeueCount: 3})
	s.Put(domain.Obituary{ProvenanceHash: "b", Description: "x", Status: domain.StatusPending})
	now := time.Now()
	s.Put(domain.Obituary{ProvenanceHash: "c", Description: "x", Status: domain.StatusPending, SuppressedAt: &now})
	s.Put(domain.Obituary{ProvenanceHash: "d", Description: "", Status: domain.StatusPending})

	recs, err := s.ListPendingForRewrite(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].ProvenanceHash)

	require.NoError(t, s.RequestRewrite(ctx, capped.ID, "operator"))
	recs, err = s.ListPendingForRewrite(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ProvenanceHash, "operator requests come first")
}

func TestMemorySourceStoreBreakerAndBan(t *testing.T) {
	ctx := context.Background()
	s := NewMemorySourceStore()
	now := time.Now()

	id, err := s.Upsert(ctx, domain.Source{Domain: "spam-obits", BaseURL: "https://a.example.com", Enabled: true})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, domain.Source{Domain: "smith-fh", BaseURL: "https://b.example.com", Enabled: true})
	require.NoError(t, err)

	again, err := s.Upsert(ctx, domain.Source{Domain: "spam-obits", BaseURL: "https://c.example.com", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, id, again)

	for i := 0; i < 10; i++ {
		_, err := s.RecordFailure(ctx, id, 10, now, now.Add(24*time.Hour))
		require.NoError(t, err)
	}
	active, err := s.ListActive(ctx, now)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "smith-fh", active[0].Domain)

	n, err := s.DisableMatching(ctx, "SPAM%")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	src, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, src.Enabled)
	assert.Equal(t, "https://c.example.com", src.BaseURL)
}
