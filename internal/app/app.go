package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"ObituaryScanner/internal/api"
	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/factcheck"
	"ObituaryScanner/internal/infrastructure/joblock"
	"ObituaryScanner/internal/infrastructure/llm"
	"ObituaryScanner/internal/infrastructure/parser"
	"ObituaryScanner/internal/infrastructure/scheduler"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/infrastructure/telegram"
	"ObituaryScanner/internal/logging"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/ratelimit"
	"ObituaryScanner/internal/registry"
	"ObituaryScanner/internal/scanner"
	"ObituaryScanner/internal/telemetry"
	"ObituaryScanner/internal/usecase"
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *sql.DB
	redis     *redis.Client
	jobs      *usecase.Jobs
	scheduler *usecase.Scheduler
	router    http.Handler
}

// New connects the backing services and builds every component. Without a
// database DSN the stores live in memory; without Redis the window, locks and
// counters do.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}
	a := &Application{cfg: cfg, logger: baseLogger}

	var (
		obits   ports.ObituaryStore
		sources ports.SourceStore
	)
	if cfg.Database.DSN != "" {
		db, err := openDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		a.db = db
		obits = storage.NewPostgresObituaryStore(db)
		sources = storage.NewPostgresSourceStore(db)
	} else {
		baseLogger.Warn("no database configured, using in-memory stores")
		obits = storage.NewMemoryObituaryStore()
		sources = storage.NewMemorySourceStore()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			a.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.redis = client
	}

	counters, locker := a.coordination()
	var notifier ports.Notifier
	if tg := cfg.Notifications.Telegram; tg.BotToken != "" && tg.ChatID != "" {
		notifier = telegram.NewNotifier(tg.APIBase, tg.BotToken, tg.ChatID)
	}
	sink := telemetry.NewSink(baseLogger, counters, notifier, cfg.Notifications.AlertDedupWindow)

	limiter := ratelimit.New(a.windowStore(), ratelimit.Config{
		TokensPerMinute: cfg.RateLimit.TokensPerMinute,
		CronShare:       cfg.RateLimit.CronShare,
		Window:          cfg.RateLimit.Window,
		MaxRetries:      cfg.RateLimit.MaxRetries,
	}, baseLogger)

	var chat ports.ChatClient
	if cfg.LLM.APIKey != "" {
		chat = llm.NewChatGPTClient(cfg.LLM, baseLogger)
	} else {
		baseLogger.Warn("no LLM API key configured, rewrite and chat are disabled")
	}

	sourceRegistry := registry.New(sources, baseLogger,
		registry.WithThreshold(cfg.Collector.FailureThreshold),
		registry.WithOpenFor(cfg.Collector.CircuitOpenFor))
	if err := seedSources(ctx, sourceRegistry, cfg.Sources, baseLogger); err != nil {
		a.Close()
		return nil, err
	}

	fetcher := parser.NewFetcher(&http.Client{Timeout: cfg.Collector.FetchTimeout},
		parser.WithUserAgent(cfg.Collector.UserAgent),
		parser.WithRetry(cfg.Collector.FetchAttempts, cfg.Collector.FetchBackoff),
		parser.WithFetchLogger(baseLogger.With("component", "fetcher")))
	healer := parser.NewSelectorHealer(cfg.Collector.SelectorMinMatches, cfg.Collector.AdaptiveSelectors)

	adapters := scanner.NewRegistry()
	adapters.Register(parser.NewGenericAdapter(fetcher, healer))
	adapters.Register(parser.NewFrontRunnerAdapter(fetcher, healer))
	adapters.Register(parser.NewTributeAdapter(fetcher, healer))
	adapters.Register(parser.NewRSSAdapter(fetcher))

	validator := factcheck.New(cfg.Validation.Artifacts)

	collector := usecase.NewCollector(usecase.CollectorDeps{
		Sources:   sourceRegistry,
		Adapters:  adapters,
		Enricher:  parser.NewReadabilityEnricher(fetcher, cfg.Collector.DetailMinLength),
		Store:     obits,
		Telemetry: sink,
		Logger:    baseLogger.With("component", "collector"),
	}, cfg.Collector)
	rewriter := usecase.NewRewriter(usecase.RewriterDeps{
		Store:     obits,
		Chat:      chat,
		Limiter:   limiter,
		Validator: validator,
		Telemetry: sink,
		Logger:    baseLogger.With("component", "rewriter"),
	}, cfg.Rewriter, cfg.LLM)
	auditor := usecase.NewAuditor(usecase.AuditorDeps{
		Store:     obits,
		Chat:      chat,
		Limiter:   limiter,
		Validator: validator,
		Telemetry: sink,
		Logger:    baseLogger.With("component", "auditor"),
	}, cfg.Auditor, cfg.LLM)

	a.jobs = usecase.NewJobs(collector, rewriter, auditor, locker, cfg.Scheduler.LockTTL, baseLogger.With("component", "jobs"))
	a.scheduler = usecase.NewScheduler(
		scheduler.NewCronScheduler(cfg.Scheduler.Location(), baseLogger),
		a.jobs, cfg.Scheduler, baseLogger.With("component", "scheduler"))

	apiDeps := api.Deps{
		Jobs:       a.jobs,
		Obituaries: obits,
		Sources:    sourceRegistry,
		Health:     sink,
		Window:     limiter,
		AdminToken: cfg.HTTP.AdminToken,
		Logger:     baseLogger,
	}
	if chat != nil {
		apiDeps.Chat = usecase.NewChat(obits, chat, limiter, cfg.LLM, baseLogger.With("component", "chat"))
	}
	if cfg.HTTP.AdminToken == "" {
		baseLogger.Warn("admin API has no token configured")
	}
	a.router = api.NewRouter(apiDeps)

	return a, nil
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Migrate {
		if err := storage.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (a *Application) coordination() (ports.CounterStore, ports.JobLocker) {
	window := a.cfg.Notifications.CounterWindow
	if a.redis != nil {
		return telemetry.NewRedisCounters(a.redis, "", window, nil), joblock.NewRedisLocker(a.redis, "")
	}
	return telemetry.NewMemoryCounters(window, nil), joblock.NewMemoryLocker(nil)
}

// windowStore picks the CAS backend for the token window.
func (a *Application) windowStore() ports.WindowStore {
	switch a.cfg.RateLimit.Backend {
	case "redis":
		if a.redis != nil {
			return ratelimit.NewRedisStore(a.redis, a.cfg.Redis.WindowKey, 0)
		}
	case "postgres":
		if a.db != nil {
			return ratelimit.NewPostgresStore(a.db, "")
		}
	case "memory":
		return ratelimit.NewMemoryStore()
	}
	a.logger.Warn("rate limit backend unavailable, using in-process window", "backend", a.cfg.RateLimit.Backend)
	return ratelimit.NewMemoryStore()
}

func seedSources(ctx context.Context, reg *registry.Service, seeds []config.SourceConfig, logger *slog.Logger) error {
	for _, s := range seeds {
		data := map[string]any{
			"domain":       s.Domain,
			"base_url":     s.BaseURL,
			"adapter_type": s.AdapterType,
			"city":         s.City,
			"region":       s.Region,
		}
		if s.Enabled != nil {
			data["enabled"] = *s.Enabled
		}
		if s.Config != nil {
			data["config"] = s.Config
		}
		if _, err := reg.Upsert(ctx, data); err != nil {
			if errors.Is(err, registry.ErrInvalidInput) {
				logger.Warn("skipping invalid seed source", "domain", s.Domain, "err", err)
				continue
			}
			return fmt.Errorf("seed sources: %w", err)
		}
	}
	return nil
}

// Collect runs one collection pass.
func (a *Application) Collect(ctx context.Context) (usecase.CollectResult, error) {
	return a.jobs.Collect(ctx)
}

// Rewrite runs one rewrite batch.
func (a *Application) Rewrite(ctx context.Context) (usecase.BatchResult, error) {
	return a.jobs.Rewrite(ctx)
}

// Audit runs one audit batch.
func (a *Application) Audit(ctx context.Context) (usecase.AuditResult, error) {
	return a.jobs.Audit(ctx)
}

// Handler exposes the admin router.
func (a *Application) Handler() http.Handler {
	return a.router
}

// Serve runs the scheduler and the admin API until ctx is cancelled.
func (a *Application) Serve(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("admin API listening", "addr", a.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown admin API", "err", err)
	}
	if err := a.scheduler.Stop(shutdownCtx); err != nil {
		a.logger.Warn("stop scheduler", "err", err)
	}
	if serveErr != nil {
		return fmt.Errorf("admin API: %w", serveErr)
	}
	return nil
}

// Close releases database and Redis connections.
func (a *Application) Close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
