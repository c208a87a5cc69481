package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/parser"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/scanner"
	"ObituaryScanner/internal/telemetry"
)

const subsystemCollector = "collector"

// SourceRegistry is the part of the source catalog the collector drives.
type SourceRegistry interface {
	ActiveSources(ctx context.Context) ([]domain.Source, error)
	RecordSuccess(ctx context.Context, sourceID int64, count int) error
	RecordFailure(ctx context.Context, src domain.Source, reason string) (bool, error)
	PersistHealedConfig(ctx context.Context, sourceID int64, cfg domain.AdapterConfig) error
}

// CollectorDeps wires the driven adapters of a collection pass.
type CollectorDeps struct {
	Sources   SourceRegistry
	Adapters  *scanner.Registry
	Enricher  scanner.DetailEnricher
	Store     ports.ObituaryStore
	Telemetry *telemetry.Sink
	Logger    *slog.Logger
}

// SourceStats is the per-domain breakdown of a pass.
type SourceStats struct {
	Found  int `json:"found"`
	Added  int `json:"added"`
	Errors int `json:"errors"`
}

// CollectResult aggregates one pass.
type CollectResult struct {
	RunID            string                  `json:"run_id"`
	SourcesProcessed int                     `json:"sources_processed"`
	SourcesSkipped   int                     `json:"sources_skipped"`
	ObituariesFound  int                     `json:"obituaries_found"`
	ObituariesAdded  int                     `json:"obituaries_added"`
	Errors           []string                `json:"errors"`
	PerSource        map[string]*SourceStats `json:"per_source"`
}

// Collector fetches every active source once and stores new records as pending.
type Collector struct {
	sources   SourceRegistry
	adapters  *scanner.Registry
	enricher  scanner.DetailEnricher
	store     ports.ObituaryStore
	telemetry *telemetry.Sink
	logger    *slog.Logger
	cfg       config.CollectorConfig
}

// NewCollector constructs the collection use case.
func NewCollector(deps CollectorDeps, cfg config.CollectorConfig) *Collector {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPagesPerRun <= 0 {
		cfg.MaxPagesPerRun = 3
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 50
	}
	return &Collector{
		sources:   deps.Sources,
		adapters:  deps.Adapters,
		enricher:  deps.Enricher,
		store:     deps.Store,
		telemetry: deps.Telemetry,
		logger:    logger,
		cfg:       cfg,
	}
}

// Run performs one pass. It is safe to re-run: records already stored under
// the same provenance hash are skipped.
func (c *Collector) Run(ctx context.Context) (CollectResult, error) {
	res := CollectResult{
		RunID:     uuid.NewString(),
		Errors:    []string{},
		PerSource: map[string]*SourceStats{},
	}
	logger := c.logger.With("run_id", res.RunID)

	sources, err := c.sources.ActiveSources(ctx)
	if err != nil {
		return res, fmt.Errorf("load active sources: %w", err)
	}
	logger.InfoContext(ctx, "collection started", "sources", len(sources))

	for _, src := range sources {
		if ctx.Err() != nil {
			res.addError(c.cfg.MaxErrors, "collection cancelled: "+ctx.Err().Error())
			break
		}
		stats := &SourceStats{}
		res.PerSource[src.Domain] = stats

		processed := c.collectSource(ctx, logger, res.RunID, src, stats, &res)
		if processed {
			res.SourcesProcessed++
		} else {
			res.SourcesSkipped++
		}
		res.ObituariesFound += stats.Found
		res.ObituariesAdded += stats.Added
	}

	logger.InfoContext(ctx, "collection finished",
		"processed", res.SourcesProcessed,
		"skipped", res.SourcesSkipped,
		"found", res.ObituariesFound,
		"added", res.ObituariesAdded,
		"errors", len(res.Errors))
	c.telemetry.Log(ctx, telemetry.Event{
		Level:     telemetry.LevelInfo,
		Subsystem: subsystemCollector,
		Code:      "collect_finished",
		Message:   fmt.Sprintf("collected %d new of %d found", res.ObituariesAdded, res.ObituariesFound),
		Context:   map[string]any{"run_id": res.RunID},
	})
	return res, nil
}

// collectSource runs one source and reports whether it counted as processed.
// A panic is contained to the source.
func (c *Collector) collectSource(ctx context.Context, logger *slog.Logger, runID string, src domain.Source, stats *SourceStats, res *CollectResult) (processed bool) {
	logger = logger.With("source", src.Domain)
	defer func() {
		if r := recover(); r != nil {
			processed = false
			stats.Errors++
			res.addError(c.cfg.MaxErrors, fmt.Sprintf("%s: internal error", src.Domain))
			c.event(ctx, telemetry.LevelError, "collect_panic", fmt.Sprintf("panic: %v", r), runID, src, "")
		}
	}()

	adapter, err := c.adapters.Resolve(src.AdapterType)
	if err != nil {
		stats.Errors++
		res.addError(c.cfg.MaxErrors, fmt.Sprintf("%s: %v", src.Domain, err))
		c.event(ctx, telemetry.LevelError, "adapter_missing", err.Error(), runID, src, "")
		return false
	}

	urls, err := adapter.DiscoverListingURLs(src, c.cfg.MaxAge, c.cfg.MaxPagesPerRun)
	if err != nil {
		stats.Errors++
		res.addError(c.cfg.MaxErrors, fmt.Sprintf("%s: %v", src.Domain, err))
		c.event(ctx, telemetry.LevelWarn, "discover_failed", err.Error(), runID, src, "")
		return false
	}

	pacer := rate.NewLimiter(rate.Inf, 1)
	if c.cfg.RequestDelay > 0 {
		pacer = rate.NewLimiter(rate.Every(c.cfg.RequestDelay), 1)
	}

	extracted := 0
	fetched := 0
	for _, pageURL := range urls {
		if err := pacer.Wait(ctx); err != nil {
			break
		}

		body, err := adapter.FetchListing(ctx, pageURL, src)
		if err != nil {
			stats.Errors++
			res.addError(c.cfg.MaxErrors, fmt.Sprintf("%s: %v", src.Domain, err))
			if fetched == 0 {
				c.recordFailure(ctx, runID, src, err, pageURL)
				return false
			}
			// Later pages failing still leave a usable pass.
			c.event(ctx, telemetry.LevelWarn, "page_fetch_failed", err.Error(), runID, src, pageURL)
			break
		}
		fetched++

		ext, err := adapter.ExtractCards(body, src)
		if err != nil {
			stats.Errors++
			res.addError(c.cfg.MaxErrors, fmt.Sprintf("%s: %v", src.Domain, err))
			code := "extract_failed"
			if errors.Is(err, parser.ErrNoContainer) {
				code = "selector_mismatch"
			}
			c.event(ctx, telemetry.LevelError, code, err.Error(), runID, src, pageURL)
			if fetched == 1 {
				// Existing config stays as is; the source needs an operator.
				return false
			}
			break
		}

		if ext.Healed && ext.HealedConfig != nil {
			src.Config = ext.HealedConfig
			if err := c.sources.PersistHealedConfig(ctx, src.ID, ext.HealedConfig); err != nil {
				logger.WarnContext(ctx, "persist healed selector", "err", err)
			}
			c.telemetry.Log(ctx, telemetry.Event{
				Level:     telemetry.LevelWarn,
				Subsystem: subsystemCollector,
				Code:      "selector_healed",
				Message:   fmt.Sprintf("listing structure changed, now using %q", ext.Selector),
				Context:   map[string]any{"run_id": runID, "source": src.Domain, "url": pageURL},
				Alert:     true,
			})
		}

		for _, perr := range ext.Errors() {
			logger.DebugContext(ctx, "card skipped", "url", parser.RedactURL(pageURL), "reason", perr.Error())
		}

		for _, card := range ext.Cards() {
			extracted++
			c.storeCard(ctx, logger, adapter, card, src, stats)
		}
	}

	if err := c.sources.RecordSuccess(ctx, src.ID, extracted); err != nil {
		logger.WarnContext(ctx, "record source success", "err", err)
	}
	logger.InfoContext(ctx, "source collected", "found", stats.Found, "added", stats.Added, "errors", stats.Errors)
	return true
}

func (c *Collector) storeCard(ctx context.Context, logger *slog.Logger, adapter scanner.Adapter, card scanner.Card, src domain.Source, stats *SourceStats) {
	if c.enricher != nil {
		enriched, err := c.enricher.Enrich(ctx, card, src)
		if err != nil {
			logger.DebugContext(ctx, "detail enrichment failed", "err", err)
		} else {
			card = enriched
		}
	}

	rec, err := adapter.Normalize(card, src)
	if err != nil {
		logger.DebugContext(ctx, "card rejected", "name", card.Name, "reason", err)
		return
	}
	if rec.Name == "" && !rec.HasDeathDate() {
		return
	}
	stats.Found++

	exists, err := c.store.ExistsByHash(ctx, rec.ProvenanceHash)
	if err != nil {
		stats.Errors++
		logger.WarnContext(ctx, "hash lookup", "err", err)
		return
	}
	if exists {
		return
	}

	id, inserted, err := c.store.Insert(ctx, rec)
	if err != nil {
		stats.Errors++
		logger.WarnContext(ctx, "insert obituary", "err", err)
		return
	}
	if inserted {
		stats.Added++
		logger.DebugContext(ctx, "obituary stored", "obit_id", id)
	}
}

func (c *Collector) recordFailure(ctx context.Context, runID string, src domain.Source, cause error, pageURL string) {
	opened, err := c.sources.RecordFailure(ctx, src, cause.Error())
	if err != nil {
		c.logger.WarnContext(ctx, "record source failure", "source", src.Domain, "err", err)
	}
	code := "fetch_failed"
	var fe *parser.FetchError
	if errors.As(cause, &fe) {
		code = "fetch_" + string(fe.Kind)
	}
	level := telemetry.LevelWarn
	if opened {
		level = telemetry.LevelError
		code = "circuit_opened"
	}
	c.event(ctx, level, code, cause.Error(), runID, src, pageURL)
}

func (c *Collector) event(ctx context.Context, level telemetry.Level, code, message, runID string, src domain.Source, pageURL string) {
	fields := map[string]any{"run_id": runID, "source": src.Domain}
	if pageURL != "" {
		fields["url"] = pageURL
	}
	c.telemetry.Log(ctx, telemetry.Event{
		Level:     level,
		Subsystem: subsystemCollector,
		Code:      code,
		Message:   message,
		Context:   fields,
	})
	if c.telemetry == nil {
		c.logger.Log(ctx, slog.LevelWarn, message, "code", code, "source", src.Domain)
	}
}

func (r *CollectResult) addError(limit int, msg string) {
	if len(r.Errors) < limit {
		r.Errors = append(r.Errors, msg)
	}
}
