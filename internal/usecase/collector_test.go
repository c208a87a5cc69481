package usecase

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/parser"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/registry"
	"ObituaryScanner/internal/scanner"
	"ObituaryScanner/internal/telemetry"
)

const listingPage = `
<html><body>
<div class="obituary-list-item">
  <a class="obit-link" href="/obituary/jane-doe"></a>
  <h2 class="obit-name">Jane Doe</h2>
  <div class="obit-dates">March 3, 1941 – February 13, 2026</div>
  <div class="obit-location">Newmarket, Ontario</div>
  <p class="obit-snippet">Jane passed away peacefully at the age of 84.</p>
</div>
<div class="obituary-list-item">
  <a class="obit-link" href="/obituary/john-roe"></a>
  <h2 class="obit-name">John Roe</h2>
  <div class="obit-dates">February 10, 2026</div>
  <div class="obit-location">Aurora, ON</div>
  <p class="obit-snippet">John died at home.</p>
</div>
<div class="obituary-list-item"><div class="obit-dates">2026</div></div>
</body></html>`

// relistedPage carries Jane Doe again under a slightly different rendering.
const relistedPage = `
<html><body>
<div class="obituary-list-item">
  <h2 class="obit-name">JANE  DOE</h2>
  <div class="obit-dates">Feb 13, 2026</div>
  <div class="obit-location">Newmarket</div>
  <p class="obit-snippet">Jane passed away peacefully at the age of 84.</p>
</div>
</body></html>`

type collectorFixture struct {
	collector *Collector
	obits     *storage.MemoryObituaryStore
	sources   *storage.MemorySourceStore
	counters  *telemetry.MemoryCounters
}

func newCollectorFixture(t *testing.T) collectorFixture {
	t.Helper()
	obits := storage.NewMemoryObituaryStore()
	sources := storage.NewMemorySourceStore()
	counters := telemetry.NewMemoryCounters(0, nil)

	fetcher := parser.NewFetcher(nil, parser.WithRetry(1, 0))
	adapters := scanner.NewRegistry()
	adapters.Register(parser.NewFrontRunnerAdapter(fetcher, nil))
	adapters.Register(parser.NewGenericAdapter(fetcher, nil))

	c := NewCollector(CollectorDeps{
		Sources:   registry.New(sources, discardLogger()),
		Adapters:  adapters,
		Enricher:  parser.NewReadabilityEnricher(fetcher, 0),
		Store:     obits,
		Telemetry: telemetry.NewSink(discardLogger(), counters, nil, 0),
		Logger:    discardLogger(),
	}, config.CollectorConfig{MaxPagesPerRun: 1})
	return collectorFixture{collector: c, obits: obits, sources: sources, counters: counters}
}

func (f collectorFixture) addSource(t *testing.T, domainName, baseURL string, kind domain.AdapterKind, cfg domain.AdapterConfig) int64 {
	t.Helper()
	id, err := f.sources.Upsert(context.Background(), domain.Source{
		Domain:      domainName,
		BaseURL:     baseURL,
		AdapterType: kind,
		Config:      cfg,
		City:        "Newmarket",
		Enabled:     true,
	})
	require.NoError(t, err)
	return id
}

func TestCollectorDeduplicatesAcrossRuns(t *testing.T) {
	t.Parallel()

	var relisted atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if relisted.Load() {
			_, _ = w.Write([]byte(relistedPage))
			return
		}
		_, _ = w.Write([]byte(listingPage))
	}))
	defer srv.Close()

	f := newCollectorFixture(t)
	id := f.addSource(t, "smith-fh", srv.URL, domain.AdapterFrontRunner, domain.FrontRunnerConfig{FuneralHome: "Smith Funeral Home"})
	ctx := context.Background()

	first, err := f.collector.Run(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, first.RunID)
	assert.Equal(t, 1, first.SourcesProcessed)
	assert.Equal(t, 2, first.ObituariesFound)
	assert.Equal(t, 2, first.ObituariesAdded)
	assert.Equal(t, SourceStats{Found: 2, Added: 2}, *first.PerSource["smith-fh"])
	assert.Equal(t, 2, f.obits.Len())

	second, err := f.collector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ObituariesFound)
	assert.Zero(t, second.ObituariesAdded)

	relisted.Store(true)
	third, err := f.collector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, third.ObituariesFound)
	assert.Zero(t, third.ObituariesAdded, "the same death notice hashes equal")
	assert.Equal(t, 2, f.obits.Len())

	src, err := f.sources.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), src.TotalCollected)
	assert.NotNil(t, src.LastSuccess)

	pending, err := f.obits.ListPendingForRewrite(ctx, 10, 3)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, rec := range pending {
		assert.Equal(t, domain.StatusPending, rec.Status)
		assert.NotEmpty(t, rec.ProvenanceHash)
	}
}

func TestCollectorRecordsFailureAndContinues(t *testing.T) {
	t.Parallel()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(listingPage))
	}))
	defer good.Close()
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	}))
	defer broken.Close()

	f := newCollectorFixture(t)
	badID := f.addSource(t, "broken", broken.URL, domain.AdapterFrontRunner, domain.FrontRunnerConfig{})
	f.addSource(t, "smith-fh", good.URL, domain.AdapterFrontRunner, domain.FrontRunnerConfig{})
	ctx := context.Background()

	res, err := f.collector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SourcesProcessed)
	assert.Equal(t, 1, res.SourcesSkipped)
	assert.Equal(t, 2, res.ObituariesAdded)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.HasPrefix(res.Errors[0], "broken:"))

	src, err := f.sources.Get(ctx, badID)
	require.NoError(t, err)
	assert.Equal(t, 1, src.ConsecutiveFailures)

	health, err := f.counters.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), health["fetch_http_status"])
}

func TestCollectorSurfacesSelectorMismatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>Site under maintenance</p></body></html>`))
	}))
	defer srv.Close()

	f := newCollectorFixture(t)
	id := f.addSource(t, "redesigned", srv.URL, domain.AdapterGeneric, domain.GenericConfig{
		Selectors: map[string]string{"container": ".old-card"},
	})
	ctx := context.Background()

	res, err := f.collector.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PerSource["redesigned"].Errors)
	assert.Equal(t, 1, res.SourcesSkipped)

	src, err := f.sources.Get(ctx, id)
	require.NoError(t, err)
	cfg, ok := src.Config.(domain.GenericConfig)
	require.True(t, ok)
	assert.Equal(t, ".old-card", cfg.Selectors["container"], "config left untouched")
	assert.Zero(t, src.ConsecutiveFailures, "structural errors do not trip the breaker")
}

func TestCollectorSkipsUnknownAdapter(t *testing.T) {
	t.Parallel()

	f := newCollectorFixture(t)
	f.addSource(t, "feed", "https://feed.example.com", domain.AdapterRSS, domain.RSSConfig{})

	res, err := f.collector.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.SourcesSkipped)
	assert.Zero(t, res.SourcesProcessed)
}
