package ports

import (
	"context"
	"errors"
	"time"

	"ObituaryScanner/internal/domain"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrRateLimited is returned by a ChatClient when the API answered 429.
var ErrRateLimited = errors.New("llm rate limited")

// ObituaryStore persists obituary records and enforces the publish gate at the
// storage level: Publish is the only write that sets status=published.
type ObituaryStore interface {
	ExistsByHash(ctx context.Context, hash string) (bool, error)
	// Insert stores a pending record. inserted is false when the provenance hash
	// already exists; that is not an error.
	Insert(ctx context.Context, rec domain.Obituary) (id int64, inserted bool, err error)
	Get(ctx context.Context, id int64) (domain.Obituary, error)
	ListPendingForRewrite(ctx context.Context, limit, maxAuditRequeues int) ([]domain.Obituary, error)
	ListPublishedForAudit(ctx context.Context, limit int, auditedBefore time.Time) ([]domain.Obituary, error)
	// Publish sets ai_description and status=published in one statement. It
	// returns false if the record was no longer pending or was suppressed.
	Publish(ctx context.Context, id int64, text, textHash string) (bool, error)
	RecordRewriteFailure(ctx context.Context, id int64, reason string) error
	MarkAudited(ctx context.Context, id int64, outcome domain.AuditOutcome) error
	// Requeue moves a published record back to pending after a failed audit.
	Requeue(ctx context.Context, id int64, reason string) (bool, error)
	Suppress(ctx context.Context, id int64, reason string) error
	// RequestRewrite forces a record back to pending and marks it as an
	// operator request, which bypasses the requeue cap.
	RequestRewrite(ctx context.Context, id int64, reason string) error
}

// SourceStore persists the source catalog. RecordFailure and RecordSuccess
// are single atomic updates.
type SourceStore interface {
	ListActive(ctx context.Context, now time.Time) ([]domain.Source, error)
	ListAll(ctx context.Context) ([]domain.Source, error)
	Get(ctx context.Context, id int64) (domain.Source, error)
	RecordSuccess(ctx context.Context, id int64, count int, at time.Time) error
	// RecordFailure increments the streak and opens the circuit until openUntil
	// once the streak reaches threshold. It returns the new streak.
	RecordFailure(ctx context.Context, id int64, threshold int, at, openUntil time.Time) (int, error)
	Upsert(ctx context.Context, src domain.Source) (int64, error)
	UpdateConfig(ctx context.Context, id int64, cfg domain.AdapterConfig) error
	SetEnabled(ctx context.Context, id int64, enabled bool) error
	// DisableMatching disables every source whose domain matches the SQL LIKE
	// pattern and returns how many were affected.
	DisableMatching(ctx context.Context, likePattern string) (int, error)
}

// WindowStore holds the shared RateWindow. CompareAndSwap commits next only
// if the stored version still equals expected (0 when no window exists).
type WindowStore interface {
	Load(ctx context.Context) (domain.RateWindow, bool, error)
	CompareAndSwap(ctx context.Context, expected int64, next domain.RateWindow) (bool, error)
}

// Reservation is a claim admitted by MayProceed. Window is the Expires of the
// RateWindow it was charged to; adjustments never touch any other window.
type Reservation struct {
	Consumer  string
	Estimated int64
	Window    int64
}

// TokenLimiter is the admission-control contract consumed by LLM callers.
type TokenLimiter interface {
	MayProceed(ctx context.Context, estimated int64, consumer string) (Reservation, bool)
	// RecordUsage adjusts res by actual-res.Estimated after a successful call.
	RecordUsage(ctx context.Context, res Reservation, actual int64)
	// ReleaseReservation returns the whole reservation after a failed call.
	ReleaseReservation(ctx context.Context, res Reservation)
}

// ChatMessage is one chat-completions message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is what callers send to the LLM.
type CompletionRequest struct {
	Model       string
	Messages    []ChatMessage
	Temperature float64
	MaxTokens   int
	TopP        float64
}

// Completion is the LLM answer plus reported usage (0 when the API omits it).
type Completion struct {
	Content     string
	TotalTokens int64
}

// ChatClient calls an OpenAI-compatible chat-completions API.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// JobLocker provides time-boxed, auto-expiring locks per job type.
type JobLocker interface {
	TryAcquire(ctx context.Context, job string, ttl time.Duration) (release func(), ok bool, err error)
}

// CounterStore keeps code->count health counters within a TTL window.
type CounterStore interface {
	Incr(ctx context.Context, code string) error
	Snapshot(ctx context.Context) (map[string]int64, error)
	// FirstInWindow returns true only for the first caller per key within ttl.
	FirstInWindow(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Notifier streams operator alerts to Telegram or other channels.
type Notifier interface {
	PublishAlert(ctx context.Context, message string) error
}

// Scheduler controls when jobs execute.
type Scheduler interface {
	Add(spec string, job func(time.Time)) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
