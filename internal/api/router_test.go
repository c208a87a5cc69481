package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/infrastructure/storage"
	"ObituaryScanner/internal/registry"
	"ObituaryScanner/internal/telemetry"
	"ObituaryScanner/internal/usecase"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeJobs struct {
	collectErr error
}

func (f *fakeJobs) Collect(context.Context) (usecase.CollectResult, error) {
	if f.collectErr != nil {
		return usecase.CollectResult{}, f.collectErr
	}
	return usecase.CollectResult{RunID: "run-1", SourcesProcessed: 2, ObituariesAdded: 3}, nil
}

func (f *fakeJobs) Rewrite(context.Context) (usecase.BatchResult, error) {
	return usecase.BatchResult{RunID: "run-2", Processed: 1, Succeeded: 1}, nil
}

func (f *fakeJobs) Audit(context.Context) (usecase.AuditResult, error) {
	return usecase.AuditResult{}, usecase.ErrJobRunning
}

type fakeAsker struct{}

func (fakeAsker) Ask(_ context.Context, id int64, question string) (string, error) {
	switch id {
	case 404:
		return "", usecase.ErrNotPublished
	case 429:
		return "", usecase.ErrChatBusy
	case 500:
		return "", errors.New("pq: secret sql detail")
	}
	return "answer to " + question, nil
}

type fixture struct {
	router  *gin.Engine
	obits   *storage.MemoryObituaryStore
	sources *storage.MemorySourceStore
	jobs    *fakeJobs
}

func newFixture(t *testing.T, token string) fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	obits := storage.NewMemoryObituaryStore()
	sources := storage.NewMemorySourceStore()
	counters := telemetry.NewMemoryCounters(0, nil)
	require.NoError(t, counters.Incr(context.Background(), "fetch_timeout"))
	jobs := &fakeJobs{}

	r := NewRouter(Deps{
		Jobs:       jobs,
		Obituaries: obits,
		Sources:    registry.New(sources, logger),
		Chat:       fakeAsker{},
		Health:     telemetry.NewSink(logger, counters, nil, 0),
		AdminToken: token,
		Logger:     logger,
	})
	return fixture{router: r, obits: obits, sources: sources, jobs: jobs}
}

func (f fixture) do(method, path, body, token string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAdminTokenRequired(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "s3cret")
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/admin/collect", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodPost, "/admin/collect", "", "wrong").Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/admin/collect", "", "s3cret").Code)
}

func TestJobTriggers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := f.do(http.MethodPost, "/admin/collect", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "run-1", body["run_id"])
	assert.Equal(t, float64(3), body["obituaries_added"])

	rec = f.do(http.MethodPost, "/admin/rewrite", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["succeeded"])

	rec = f.do(http.MethodPost, "/admin/audit", "", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already running", decode(t, rec)["reason"])

	f.jobs.collectErr = errors.New("pq: connection refused dsn=postgres://u:p@h")
	rec = f.do(http.MethodPost, "/admin/collect", "", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "postgres://")
}

func TestModeration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := domain.Obituary{ProvenanceHash: "h", Name: "Jane Doe", Description: "text", Status: domain.StatusPublished, AIDescription: "published text"}
	stored := f.obits.Put(rec)
	ctx := context.Background()

	resp := f.do(http.MethodPost, "/admin/obituaries/1/rewrite", `{"reason":"family asked"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	got, err := f.obits.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.AIDescription)
	assert.NotNil(t, got.RewriteRequestedAt)
	assert.Equal(t, "family asked", got.RewriteRequestReason)

	resp = f.do(http.MethodPost, "/admin/obituaries/1/suppress", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	got, err = f.obits.Get(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, got.Suppressed())

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/obituaries/99/suppress", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/obituaries/abc/suppress", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/obituaries/1/suppress", "{", "").Code)
}

func TestSourceAdministration(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	ctx := context.Background()

	resp := f.do(http.MethodPost, "/admin/sources",
		`{"domain":"Spam-Obits.com","base_url":"https://spam-obits.com","adapter_type":"generic","secret":"dropped"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	id := int64(decode(t, resp)["id"].(float64))

	resp = f.do(http.MethodPost, "/admin/sources", `{"domain":"x.com","base_url":"https://x.com","adapter_type":"php"}`, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	resp = f.do(http.MethodPost, "/admin/sources", `[1,2]`, "")
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = f.do(http.MethodPost, "/admin/sources/"+itoa(id)+"/disable", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	src, err := f.sources.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, src.Enabled)

	resp = f.do(http.MethodPost, "/admin/sources/"+itoa(id)+"/enable", "", "")
	require.Equal(t, http.StatusOK, resp.Code)

	resp = f.do(http.MethodPost, "/admin/sources/ban", `{"pattern":"SPAM-*"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(1), decode(t, resp)["disabled"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/sources/ban", `{"pattern":"**"}`, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/sources/77/enable", "", "").Code)

	resp = f.do(http.MethodGet, "/admin/sources", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"domain":"spam-obits.com"`)
}

func TestChatEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	resp := f.do(http.MethodPost, "/admin/chat", `{"obituary_id":1,"question":"When?"}`, "")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "answer to When?", decode(t, resp)["answer"])

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/admin/chat", `{"question":"When?"}`, "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/admin/chat", `{"obituary_id":404,"question":"q"}`, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodPost, "/admin/chat", `{"obituary_id":429,"question":"q"}`, "").Code)

	resp = f.do(http.MethodPost, "/admin/chat", `{"obituary_id":500,"question":"q"}`, "")
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
	assert.NotContains(t, resp.Body.String(), "secret sql")
}

func TestHealth(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	_, err := f.sources.Upsert(context.Background(), domain.Source{Domain: "a.com", BaseURL: "https://a.com", AdapterType: domain.AdapterGeneric, Enabled: true})
	require.NoError(t, err)

	resp := f.do(http.MethodGet, "/admin/health", "", "")
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["counters"].(map[string]any)["fetch_timeout"])
	assert.Len(t, body["sources"], 1)
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
