package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/registry"
	"ObituaryScanner/internal/usecase"
)

// ReasonRequest carries an operator note for moderation actions.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// BanRequest is the body of POST /admin/sources/ban.
type BanRequest struct {
	Pattern string `json:"pattern" binding:"required"`
}

// ChatRequest is the body of POST /admin/chat.
type ChatRequest struct {
	ObituaryID int64  `json:"obituary_id" binding:"required"`
	Question   string `json:"question" binding:"required"`
}

// SourceView is the operator view of a source and its breaker.
type SourceView struct {
	ID                  int64      `json:"id"`
	Domain              string     `json:"domain"`
	AdapterType         string     `json:"adapter_type"`
	Enabled             bool       `json:"enabled"`
	CircuitOpen         bool       `json:"circuit_open"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CircuitOpenUntil    *time.Time `json:"circuit_open_until,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	TotalCollected      int64      `json:"total_collected"`
}

// WindowView summarises the shared token window.
type WindowView struct {
	Expires     time.Time `json:"expires"`
	CronUsed    int64     `json:"cron_used"`
	ChatbotUsed int64     `json:"chatbot_used"`
}

func (h *handler) collect(c *gin.Context) {
	res, err := h.Jobs.Collect(c.Request.Context())
	h.jobResponse(c, res, err)
}

func (h *handler) rewrite(c *gin.Context) {
	res, err := h.Jobs.Rewrite(c.Request.Context())
	h.jobResponse(c, res, err)
}

func (h *handler) audit(c *gin.Context) {
	res, err := h.Jobs.Audit(c.Request.Context())
	h.jobResponse(c, res, err)
}

func (h *handler) jobResponse(c *gin.Context, res any, err error) {
	switch {
	case errors.Is(err, usecase.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"status": "skipped", "reason": usecase.ErrJobRunning.Error()})
	case err != nil:
		h.internalError(c, "job failed", err)
	default:
		c.JSON(http.StatusOK, res)
	}
}

func (h *handler) suppress(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if !bindOptional(c, &req) {
		return
	}
	if err := h.Obituaries.Suppress(c.Request.Context(), id, strings.TrimSpace(req.Reason)); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": "suppressed"})
}

func (h *handler) requestRewrite(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if !bindOptional(c, &req) {
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "operator request"
	}
	if err := h.Obituaries.RequestRewrite(c.Request.Context(), id, reason); err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": string(domain.StatusPending)})
}

func (h *handler) listSources(c *gin.Context) {
	sources, err := h.Sources.Sources(c.Request.Context())
	if err != nil {
		h.internalError(c, "list sources", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sourceViews(sources, time.Now())})
}

func (h *handler) upsertSource(c *gin.Context) {
	var data map[string]any
	if err := c.ShouldBindJSON(&data); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be a JSON object"})
		return
	}
	id, err := h.Sources.Upsert(c.Request.Context(), data)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *handler) setEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := pathID(c)
		if !ok {
			return
		}
		if err := h.Sources.SetEnabled(c.Request.Context(), id, enabled); err != nil {
			h.storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": id, "enabled": enabled})
	}
}

func (h *handler) banSources(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}
	n, err := h.Sources.Ban(c.Request.Context(), req.Pattern)
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern": req.Pattern, "disabled": n})
}

func (h *handler) chat(c *gin.Context) {
	if h.Chat == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chat is not configured"})
		return
	}
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "obituary_id and question are required"})
		return
	}
	answer, err := h.Chat.Ask(c.Request.Context(), req.ObituaryID, req.Question)
	switch {
	case errors.Is(err, usecase.ErrInvalidQuestion):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, usecase.ErrNotPublished), errors.Is(err, ports.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "obituary not found"})
	case errors.Is(err, usecase.ErrChatBusy):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": err.Error()})
	case err != nil:
		h.internalError(c, "chat failed", err)
	default:
		c.JSON(http.StatusOK, gin.H{"answer": answer})
	}
}

func (h *handler) health(c *gin.Context) {
	ctx := c.Request.Context()
	body := gin.H{"status": "ok"}

	if h.Health != nil {
		counters, err := h.Health.Health(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "read health counters", "err", err)
			body["status"] = "degraded"
		}
		body["counters"] = counters
	}
	if h.Sources != nil {
		sources, err := h.Sources.Sources(ctx)
		if err != nil {
			h.logger.WarnContext(ctx, "read sources", "err", err)
			body["status"] = "degraded"
		}
		body["sources"] = sourceViews(sources, time.Now())
	}
	if h.Window != nil {
		if w, ok, err := h.Window.Snapshot(ctx); err != nil {
			h.logger.WarnContext(ctx, "read token window", "err", err)
			body["status"] = "degraded"
		} else if ok {
			body["token_window"] = WindowView{
				Expires:     time.Unix(w.Expires, 0).UTC(),
				CronUsed:    w.Used(domain.PoolCron),
				ChatbotUsed: w.Used(domain.PoolChatbot),
			}
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *handler) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, registry.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		h.internalError(c, "store operation failed", err)
	}
}

// internalError logs err and answers without leaking its text, which may
// carry SQL or upstream bodies.
func (h *handler) internalError(c *gin.Context, msg string, err error) {
	h.logger.ErrorContext(c.Request.Context(), msg, "path", c.FullPath(), "err", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// bindOptional decodes a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return false
	}
	return true
}

func sourceViews(sources []domain.Source, now time.Time) []SourceView {
	out := make([]SourceView, 0, len(sources))
	for _, s := range sources {
		out = append(out, SourceView{
			ID:                  s.ID,
			Domain:              s.Domain,
			AdapterType:         string(s.AdapterType),
			Enabled:             s.Enabled,
			CircuitOpen:         s.CircuitOpen(now),
			ConsecutiveFailures: s.ConsecutiveFailures,
			CircuitOpenUntil:    s.CircuitOpenUntil,
			LastSuccess:         s.LastSuccess,
			TotalCollected:      s.TotalCollected,
		})
	}
	return out
}
