package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/factcheck"
	"ObituaryScanner/internal/normalize"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/ratelimit"
	"ObituaryScanner/internal/telemetry"
)

const subsystemRewriter = "rewriter"

// Batch stop reasons.
const (
	StopRateLimited = "rate_limited"
	StopMaxRuntime  = "max_runtime"
	StopCancelled   = "cancelled"
	StopTooManyErrs = "too_many_errors"
)

// BatchResult aggregates one rewrite batch.
type BatchResult struct {
	RunID     string   `json:"run_id"`
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Skipped   int      `json:"skipped"`
	Stopped   string   `json:"stopped,omitempty"`
	Errors    []string `json:"errors"`
}

func (r *BatchResult) addError(limit int, msg string) {
	if len(r.Errors) < limit {
		r.Errors = append(r.Errors, msg)
	}
}

// RewriterDeps wires the rewrite batch.
type RewriterDeps struct {
	Store     ports.ObituaryStore
	Chat      ports.ChatClient
	Limiter   ports.TokenLimiter
	Validator *factcheck.Validator
	Telemetry *telemetry.Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Rewriter turns pending records into published ones, one at a time. The
// fact check is the only way through to Publish.
type Rewriter struct {
	store     ports.ObituaryStore
	gate      llmGate
	validator *factcheck.Validator
	telemetry *telemetry.Sink
	logger    *slog.Logger
	now       func() time.Time
	cfg       config.RewriterConfig
	llm       config.LLMConfig
}

type rewriteOutcome int

const (
	outcomePublished rewriteOutcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeRateLimited
)

// NewRewriter constructs the rewrite use case.
func NewRewriter(deps RewriterDeps, cfg config.RewriterConfig, llmCfg config.LLMConfig) *Rewriter {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	validator := deps.Validator
	if validator == nil {
		validator = factcheck.New(nil)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxErrors <= 0 {
		cfg.MaxErrors = 20
	}
	return &Rewriter{
		store:     deps.Store,
		gate:      llmGate{chat: deps.Chat, limiter: deps.Limiter, consumer: ratelimit.ConsumerRewriter},
		validator: validator,
		telemetry: deps.Telemetry,
		logger:    logger,
		now:       now,
		cfg:       cfg,
		llm:       llmCfg,
	}
}

// Run processes one bounded batch sequentially. Records that fail stay
// pending for the next run.
func (r *Rewriter) Run(ctx context.Context) (BatchResult, error) {
	res := BatchResult{RunID: uuid.NewString(), Errors: []string{}}
	logger := r.logger.With("run_id", res.RunID)
	if r.gate.chat == nil {
		return res, errLLMNotConfigured
	}
	deadline := jobDeadline(r.now(), r.cfg.MaxRuntime)

	records, err := r.store.ListPendingForRewrite(ctx, r.cfg.BatchSize, r.cfg.MaxAuditRequeues)
	if err != nil {
		return res, fmt.Errorf("list pending obituaries: %w", err)
	}
	logger.InfoContext(ctx, "rewrite batch started", "records", len(records))

	pacer := newPacer(r.cfg.RequestDelay)
	for _, rec := range records {
		if ctx.Err() != nil {
			res.Stopped = StopCancelled
			break
		}
		if !deadline.IsZero() && !r.now().Before(deadline) {
			res.Stopped = StopMaxRuntime
			break
		}
		if res.Failed >= r.cfg.MaxErrors {
			res.Stopped = StopTooManyErrs
			break
		}
		if err := pacer.Wait(ctx); err != nil {
			res.Stopped = StopCancelled
			break
		}

		res.Processed++
		outcome, err := r.rewriteSafely(ctx, logger, res.RunID, rec)
		switch outcome {
		case outcomePublished:
			res.Succeeded++
		case outcomeSkipped:
			res.Skipped++
		case outcomeRateLimited:
			res.Stopped = StopRateLimited
			res.addError(r.cfg.MaxErrors, fmt.Sprintf("obituary %d: %v", rec.ID, err))
		default:
			res.Failed++
			res.addError(r.cfg.MaxErrors, fmt.Sprintf("obituary %d: %v", rec.ID, err))
		}
		if res.Stopped != "" {
			break
		}
	}

	logger.InfoContext(ctx, "rewrite batch finished",
		"processed", res.Processed,
		"published", res.Succeeded,
		"failed", res.Failed,
		"stopped", res.Stopped)
	return res, nil
}

func (r *Rewriter) rewriteSafely(ctx context.Context, logger *slog.Logger, runID string, rec domain.Obituary) (outcome rewriteOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			outcome = outcomeFailed
			err = fmt.Errorf("internal error")
			r.event(ctx, telemetry.LevelError, "rewrite_panic", fmt.Sprintf("panic: %v", p), runID, rec.ID)
		}
	}()
	return r.rewriteOne(ctx, logger, runID, rec)
}

func (r *Rewriter) rewriteOne(ctx context.Context, logger *slog.Logger, runID string, rec domain.Obituary) (rewriteOutcome, error) {
	req := ports.CompletionRequest{
		Model:       r.llm.Model,
		Messages:    rewriteMessages(rec),
		Temperature: r.llm.Temperature,
		MaxTokens:   r.llm.MaxTokens,
		TopP:        r.llm.TopP,
	}

	out, err := r.gate.complete(ctx, req)
	if isRateLimited(err) && r.llm.FallbackModel != "" && r.llm.FallbackModel != req.Model {
		logger.InfoContext(ctx, "rate limited, retrying with fallback model", "obit_id", rec.ID, "model", r.llm.FallbackModel)
		if werr := sleepCtx(ctx, r.cfg.FallbackDelay); werr != nil {
			return outcomeFailed, werr
		}
		req.Model = r.llm.FallbackModel
		out, err = r.gate.complete(ctx, req)
	}
	if isRateLimited(err) {
		r.event(ctx, telemetry.LevelInfo, "rewrite_rate_limited", err.Error(), runID, rec.ID)
		return outcomeRateLimited, err
	}
	if err != nil {
		reason := "api_error: " + truncateReason(err.Error())
		r.recordFailure(ctx, rec.ID, reason)
		r.event(ctx, telemetry.LevelWarn, "rewrite_api_error", err.Error(), runID, rec.ID)
		return outcomeFailed, err
	}

	text := strings.TrimSpace(out.Content)
	if err := r.validator.Check(rec, text); err != nil {
		r.recordFailure(ctx, rec.ID, err.Error())
		code := "rewrite_validation_failed"
		var f *factcheck.Failure
		if errors.As(err, &f) {
			code = "validation_" + string(f.Code)
		}
		r.event(ctx, telemetry.LevelWarn, code, err.Error(), runID, rec.ID)
		return outcomeFailed, err
	}

	ok, err := r.store.Publish(ctx, rec.ID, text, normalize.ContentHash(text))
	if err != nil {
		r.event(ctx, telemetry.LevelError, "publish_failed", err.Error(), runID, rec.ID)
		return outcomeFailed, err
	}
	if !ok {
		logger.InfoContext(ctx, "obituary no longer pending", "obit_id", rec.ID)
		return outcomeSkipped, nil
	}
	r.event(ctx, telemetry.LevelInfo, "rewrite_published", "obituary published", runID, rec.ID)
	return outcomePublished, nil
}

func (r *Rewriter) recordFailure(ctx context.Context, id int64, reason string) {
	if err := r.store.RecordRewriteFailure(ctx, id, reason); err != nil {
		r.logger.WarnContext(ctx, "record rewrite failure", "obit_id", id, "err", err)
	}
}

func (r *Rewriter) event(ctx context.Context, level telemetry.Level, code, message, runID string, obitID int64) {
	r.telemetry.Log(ctx, telemetry.Event{
		Level:     level,
		Subsystem: subsystemRewriter,
		Code:      code,
		Message:   message,
		Context:   map[string]any{"run_id": runID, "obit_id": obitID},
	})
}

// jobDeadline caps a batch run. Zero means no cap.
func jobDeadline(start time.Time, maxRuntime time.Duration) time.Time {
	if maxRuntime <= 0 {
		return time.Time{}
	}
	return start.Add(maxRuntime)
}
