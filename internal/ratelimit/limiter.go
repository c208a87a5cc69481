// Package ratelimit provides cross-process admission control over a shared
// per-minute LLM token quota. All state lives in one RateWindow mutated only
// through compare-and-swap on its version.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

// Consumer identifiers accepted by the limiter.
const (
	ConsumerRewriter = "rewriter"
	ConsumerAuditor  = "auditor"
	ConsumerChatbot  = "chatbot"
)

// consumerPools is the fixed consumer to pool mapping. Anything else is rejected.
var consumerPools = map[string]domain.Pool{
	ConsumerRewriter: domain.PoolCron,
	ConsumerAuditor:  domain.PoolCron,
	ConsumerChatbot:  domain.PoolChatbot,
}

// Config sizes the budget.
type Config struct {
	TokensPerMinute int64
	// CronShare is the fraction of the budget given to the cron pool; the
	// chatbot pool gets the remainder.
	CronShare  float64
	Window     time.Duration
	MaxRetries int
}

// Limiter implements ports.TokenLimiter over a WindowStore.
type Limiter struct {
	store      ports.WindowStore
	logger     *slog.Logger
	budgets    map[domain.Pool]int64
	window     time.Duration
	maxRetries int
	now        func() time.Time
}

var _ ports.TokenLimiter = (*Limiter)(nil)

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets a custom clock (for testing).
func WithClock(fn func() time.Time) Option {
	return func(l *Limiter) { l.now = fn }
}

// New builds a limiter. Defaults: 60s window, 80% cron share, 5 CAS retries.
func New(store ports.WindowStore, cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.CronShare <= 0 || cfg.CronShare >= 1 {
		cfg.CronShare = 0.8
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	cron := int64(float64(cfg.TokensPerMinute) * cfg.CronShare)
	l := &Limiter{
		store:  store,
		logger: logger.With("component", "ratelimit"),
		budgets: map[domain.Pool]int64{
			domain.PoolCron:    cron,
			domain.PoolChatbot: cfg.TokensPerMinute - cron,
		},
		window:     cfg.Window,
		maxRetries: cfg.MaxRetries,
		now:        time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Budget returns the per-window token budget of pool.
func (l *Limiter) Budget(pool domain.Pool) int64 {
	return l.budgets[pool]
}

// PoolFor returns the pool of consumer, or false when it is not registered.
func PoolFor(consumer string) (domain.Pool, bool) {
	pool, ok := consumerPools[consumer]
	return pool, ok
}

// MayProceed atomically reserves estimated tokens from the consumer's pool.
// It returns false on a non-positive estimate, an unknown consumer, an
// exhausted pool, a store error or exhausted CAS retries.
func (l *Limiter) MayProceed(ctx context.Context, estimated int64, consumer string) (ports.Reservation, bool) {
	if estimated <= 0 {
		l.logger.WarnContext(ctx, "non-positive token estimate", "consumer", consumer, "estimated", estimated)
		return ports.Reservation{}, false
	}
	pool, ok := consumerPools[consumer]
	if !ok {
		l.logger.ErrorContext(ctx, "unknown rate limit consumer", "consumer", consumer, "estimated", estimated)
		return ports.Reservation{}, false
	}
	budget := l.budgets[pool]

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ports.Reservation{}, false
		}
		cur, found, err := l.store.Load(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "rate window load failed", "consumer", consumer, "err", err)
			return ports.Reservation{}, false
		}

		now := l.now()
		var expected int64
		var next domain.RateWindow
		if found {
			expected = cur.Version
		}
		if !found || cur.Expired(now) {
			next = domain.RateWindow{
				Version: expected + 1,
				Expires: now.Add(l.window).Unix(),
				Calls:   map[string]int64{},
			}
		} else {
			next = cur.Clone()
			next.Version = expected + 1
		}

		if next.Used(pool)+estimated > budget {
			l.logger.InfoContext(ctx, "token budget exceeded",
				"consumer", consumer,
				"pool", string(pool),
				"used", next.Used(pool),
				"estimated", estimated,
				"budget", budget)
			return ports.Reservation{}, false
		}
		next.Charge(pool, estimated)
		next.Calls[consumer]++

		swapped, err := l.store.CompareAndSwap(ctx, expected, next)
		if err != nil {
			l.logger.WarnContext(ctx, "rate window swap failed", "consumer", consumer, "err", err)
			return ports.Reservation{}, false
		}
		if swapped {
			return ports.Reservation{Consumer: consumer, Estimated: estimated, Window: next.Expires}, true
		}
	}

	l.logger.WarnContext(ctx, "rate window contention, retries exhausted",
		"consumer", consumer, "retries", l.maxRetries)
	return ports.Reservation{}, false
}

// RecordUsage adjusts res by actual-res.Estimated. It only applies to the
// window res was charged to: once that window expired or was replaced, the
// reservation went with it. Pool usage is kept within [0, budget].
func (l *Limiter) RecordUsage(ctx context.Context, res ports.Reservation, actual int64) {
	delta := actual - res.Estimated
	if delta == 0 {
		return
	}
	pool, ok := consumerPools[res.Consumer]
	if !ok {
		l.logger.ErrorContext(ctx, "unknown rate limit consumer", "consumer", res.Consumer, "actual", actual)
		return
	}
	budget := l.budgets[pool]

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		cur, found, err := l.store.Load(ctx)
		if err != nil {
			l.logger.WarnContext(ctx, "rate window load failed", "consumer", res.Consumer, "err", err)
			return
		}
		if !found || cur.Expired(l.now()) || cur.Expires != res.Window {
			l.logger.DebugContext(ctx, "reservation window gone, usage not adjusted",
				"consumer", res.Consumer,
				"window", res.Window,
				"delta", delta)
			return
		}

		next := cur.Clone()
		next.Version = cur.Version + 1
		adjust := delta
		if used := next.Used(pool); used+adjust > budget {
			l.logger.WarnContext(ctx, "usage exceeded reservation beyond budget",
				"consumer", res.Consumer,
				"actual", actual,
				"estimated", res.Estimated,
				"budget", budget)
			adjust = budget - used
		}
		next.Charge(pool, adjust)

		swapped, err := l.store.CompareAndSwap(ctx, cur.Version, next)
		if err != nil {
			l.logger.WarnContext(ctx, "rate window swap failed", "consumer", res.Consumer, "err", err)
			return
		}
		if swapped {
			return
		}
	}
	l.logger.WarnContext(ctx, "rate window contention on usage record, retries exhausted",
		"consumer", res.Consumer, "delta", delta)
}

// ReleaseReservation returns a whole reservation after a failed call.
func (l *Limiter) ReleaseReservation(ctx context.Context, res ports.Reservation) {
	l.RecordUsage(ctx, res, 0)
}

// Snapshot returns the current window for health reporting.
func (l *Limiter) Snapshot(ctx context.Context) (domain.RateWindow, bool, error) {
	return l.store.Load(ctx)
}
