// Package api exposes the admin entry points over HTTP: batch triggers,
// record moderation, source administration, operator chat and health.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
	"ObituaryScanner/internal/usecase"
)

// JobRunner triggers one run of each batch job.
type JobRunner interface {
	Collect(ctx context.Context) (usecase.CollectResult, error)
	Rewrite(ctx context.Context) (usecase.BatchResult, error)
	Audit(ctx context.Context) (usecase.AuditResult, error)
}

// SourceAdmin edits the source catalog.
type SourceAdmin interface {
	Sources(ctx context.Context) ([]domain.Source, error)
	Upsert(ctx context.Context, data map[string]any) (int64, error)
	SetEnabled(ctx context.Context, sourceID int64, enabled bool) error
	Ban(ctx context.Context, pattern string) (int, error)
}

// Asker answers operator questions about an obituary.
type Asker interface {
	Ask(ctx context.Context, obitID int64, question string) (string, error)
}

// HealthReader returns health counters for the current window.
type HealthReader interface {
	Health(ctx context.Context) (map[string]int64, error)
}

// WindowReader exposes the shared token window.
type WindowReader interface {
	Snapshot(ctx context.Context) (domain.RateWindow, bool, error)
}

// Deps wires handlers to the application.
type Deps struct {
	Jobs       JobRunner
	Obituaries ports.ObituaryStore
	Sources    SourceAdmin
	Chat       Asker
	Health     HealthReader
	Window     WindowReader
	AdminToken string
	Logger     *slog.Logger
}

type handler struct {
	Deps
	logger *slog.Logger
}

// NewRouter constructs a Gin engine with the admin routes.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{Deps: deps, logger: logger.With("component", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.requestLog)

	admin := r.Group("/admin", h.requireToken)
	admin.POST("/collect", h.collect)
	admin.POST("/rewrite", h.rewrite)
	admin.POST("/audit", h.audit)

	admin.POST("/obituaries/:id/suppress", h.suppress)
	admin.POST("/obituaries/:id/rewrite", h.requestRewrite)

	admin.GET("/sources", h.listSources)
	admin.POST("/sources", h.upsertSource)
	admin.POST("/sources/ban", h.banSources)
	admin.POST("/sources/:id/enable", h.setEnabled(true))
	admin.POST("/sources/:id/disable", h.setEnabled(false))

	admin.POST("/chat", h.chat)
	admin.GET("/health", h.health)
	return r
}

// requireToken accepts "Authorization: Bearer <token>". An empty configured
// token disables the check.
func (h *handler) requireToken(c *gin.Context) {
	if h.AdminToken == "" {
		c.Next()
		return
	}
	got := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.AdminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *handler) requestLog(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.logger.InfoContext(c.Request.Context(), "admin request",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"status", c.Writer.Status(),
		"duration_ms", time.Since(start).Milliseconds())
}
