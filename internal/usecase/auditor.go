package usecase

import (
	"context"
	"encoding/json"
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

const subsystemAuditor = "auditor"

// Audit statuses stored on passing records.
const (
	AuditPassed  = "passed"
	AuditFlagged = "flagged"
)

// AuditResult aggregates one audit batch.
type AuditResult struct {
	RunID     string   `json:"run_id"`
	Processed int      `json:"processed"`
	Passed    int      `json:"passed"`
	Requeued  int      `json:"requeued"`
	Failed    int      `json:"failed"`
	Stopped   string   `json:"stopped,omitempty"`
	Errors    []string `json:"errors"`
}

// AuditorDeps wires the audit batch.
type AuditorDeps struct {
	Store     ports.ObituaryStore
	Chat      ports.ChatClient
	Limiter   ports.TokenLimiter
	Validator *factcheck.Validator
	Telemetry *telemetry.Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Auditor re-checks published records and sends failures back to pending.
// It is the only path from published to pending besides an operator request.
type Auditor struct {
	store     ports.ObituaryStore
	gate      llmGate
	validator *factcheck.Validator
	telemetry *telemetry.Sink
	logger    *slog.Logger
	now       func() time.Time
	cfg       config.AuditorConfig
	llm       config.LLMConfig
}

type auditVerdict struct {
	Authentic bool     `json:"authentic"`
	Flags     []string `json:"flags"`
	Reason    string   `json:"reason"`
}

// NewAuditor constructs the audit use case.
func NewAuditor(deps AuditorDeps, cfg config.AuditorConfig, llmCfg config.LLMConfig) *Auditor {
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
		cfg.BatchSize = 20
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 200
	}
	return &Auditor{
		store:     deps.Store,
		gate:      llmGate{chat: deps.Chat, limiter: deps.Limiter, consumer: ratelimit.ConsumerAuditor},
		validator: validator,
		telemetry: deps.Telemetry,
		logger:    logger,
		now:       now,
		cfg:       cfg,
		llm:       llmCfg,
	}
}

// Run audits one bounded batch.
func (a *Auditor) Run(ctx context.Context) (AuditResult, error) {
	res := AuditResult{RunID: uuid.NewString(), Errors: []string{}}
	logger := a.logger.With("run_id", res.RunID)
	if a.cfg.LLMCheck && a.gate.chat == nil {
		return res, errLLMNotConfigured
	}
	start := a.now()
	deadline := jobDeadline(start, a.cfg.MaxRuntime)

	var before time.Time
	if a.cfg.ReauditAfter > 0 {
		before = start.Add(-a.cfg.ReauditAfter)
	}
	records, err := a.store.ListPublishedForAudit(ctx, a.cfg.BatchSize, before)
	if err != nil {
		return res, fmt.Errorf("list published obituaries: %w", err)
	}
	logger.InfoContext(ctx, "audit batch started", "records", len(records))

	pacer := newPacer(a.cfg.RequestDelay)
	for _, rec := range records {
		if ctx.Err() != nil {
			res.Stopped = StopCancelled
			break
		}
		if !deadline.IsZero() && !a.now().Before(deadline) {
			res.Stopped = StopMaxRuntime
			break
		}

		res.Processed++
		requeued, err := a.auditSafely(ctx, pacer.Wait, res.RunID, rec)
		switch {
		case isRateLimited(err):
			res.Stopped = StopRateLimited
			res.addError(fmt.Sprintf("obituary %d: %v", rec.ID, err))
		case err != nil:
			res.Failed++
			res.addError(fmt.Sprintf("obituary %d: %v", rec.ID, err))
		case requeued:
			res.Requeued++
		default:
			res.Passed++
		}
		if res.Stopped != "" {
			break
		}
	}

	logger.InfoContext(ctx, "audit batch finished",
		"processed", res.Processed,
		"passed", res.Passed,
		"requeued", res.Requeued,
		"failed", res.Failed,
		"stopped", res.Stopped)
	return res, nil
}

func (a *Auditor) auditSafely(ctx context.Context, wait func(context.Context) error, runID string, rec domain.Obituary) (requeued bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			requeued = false
			err = fmt.Errorf("internal error")
			a.event(ctx, telemetry.LevelError, "audit_panic", fmt.Sprintf("panic: %v", p), runID, rec.ID)
		}
	}()
	return a.auditOne(ctx, wait, runID, rec)
}

// auditOne runs the free deterministic check first and only then spends
// tokens on the model verdict.
func (a *Auditor) auditOne(ctx context.Context, wait func(context.Context) error, runID string, rec domain.Obituary) (bool, error) {
	if err := a.validator.Check(rec, rec.AIDescription); err != nil {
		code := "audit_check_failed"
		var f *factcheck.Failure
		if errors.As(err, &f) {
			code = "audit_" + string(f.Code)
		}
		return a.requeue(ctx, runID, rec, code, "audit: "+err.Error())
	}

	var flags []string
	if a.cfg.LLMCheck {
		if err := wait(ctx); err != nil {
			return false, err
		}
		verdict, err := a.llmVerdict(ctx, rec)
		if err != nil {
			if !isRateLimited(err) {
				a.event(ctx, telemetry.LevelWarn, "audit_llm_error", err.Error(), runID, rec.ID)
			}
			return false, err
		}
		if !verdict.Authentic {
			reason := verdict.Reason
			if reason == "" {
				reason = strings.Join(verdict.Flags, ", ")
			}
			return a.requeue(ctx, runID, rec, "audit_llm_rejected", "audit_llm: "+truncateReason(reason))
		}
		flags = verdict.Flags
	}

	hash := rec.AIDescriptionHash
	if hash == "" {
		hash = normalize.ContentHash(rec.AIDescription)
	}
	status := AuditPassed
	if len(flags) > 0 {
		status = AuditFlagged
	}
	outcome := domain.AuditOutcome{Status: status, Flags: flags, AuditedHash: hash, AuditedAt: a.now()}
	if err := a.store.MarkAudited(ctx, rec.ID, outcome); err != nil {
		return false, fmt.Errorf("mark audited: %w", err)
	}
	return false, nil
}

func (a *Auditor) requeue(ctx context.Context, runID string, rec domain.Obituary, code, reason string) (bool, error) {
	ok, err := a.store.Requeue(ctx, rec.ID, reason)
	if err != nil {
		return false, fmt.Errorf("requeue: %w", err)
	}
	if ok {
		a.event(ctx, telemetry.LevelWarn, code, reason, runID, rec.ID)
	}
	return ok, nil
}

func (a *Auditor) llmVerdict(ctx context.Context, rec domain.Obituary) (auditVerdict, error) {
	out, err := a.gate.complete(ctx, ports.CompletionRequest{
		Model:       a.llm.Model,
		Messages:    auditMessages(rec),
		Temperature: 0.1,
		MaxTokens:   a.cfg.MaxTokens,
		TopP:        a.llm.TopP,
	})
	if err != nil {
		return auditVerdict{}, err
	}
	return parseVerdict(out.Content)
}

// parseVerdict reads the first JSON object in content, tolerating code fences
// and stray prose around it.
func parseVerdict(content string) (auditVerdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return auditVerdict{}, fmt.Errorf("audit verdict is not JSON")
	}
	var v auditVerdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return auditVerdict{}, fmt.Errorf("decode audit verdict: %w", err)
	}
	return v, nil
}

func (a *Auditor) event(ctx context.Context, level telemetry.Level, code, message, runID string, obitID int64) {
	a.telemetry.Log(ctx, telemetry.Event{
		Level:     level,
		Subsystem: subsystemAuditor,
		Code:      code,
		Message:   message,
		Context:   map[string]any{"run_id": runID, "obit_id": obitID},
	})
}

func (r *AuditResult) addError(msg string) {
	if len(r.Errors) < 50 {
		r.Errors = append(r.Errors, msg)
	}
}
