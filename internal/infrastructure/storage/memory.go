package storage

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

// MemoryObituaryStore keeps obituaries in process memory. It backs one-shot
// runs without a database and the usecase tests.
type MemoryObituaryStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Obituary
	byHash map[string]int64
	now    func() time.Time
}

var _ ports.ObituaryStore = (*MemoryObituaryStore)(nil)

// NewMemoryObituaryStore builds an empty store.
func NewMemoryObituaryStore() *MemoryObituaryStore {
	return &MemoryObituaryStore{
		rows:   map[int64]domain.Obituary{},
		byHash: map[string]int64{},
		now:    time.Now,
	}
}

func (s *MemoryObituaryStore) ExistsByHash(_ context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byHash[hash]
	return ok, nil
}

func (s *MemoryObituaryStore) Insert(_ context.Context, rec domain.Obituary) (int64, bool, error) {
	if rec.ProvenanceHash == "" {
		return 0, false, errors.New("provenance hash is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byHash[rec.ProvenanceHash]; ok {
		return 0, false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Status = domain.StatusPending
	rec.AIDescription = ""
	rec.AIDescriptionHash = ""
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.rows[rec.ID] = rec
	s.byHash[rec.ProvenanceHash] = rec.ID
	return rec.ID, true, nil
}

func (s *MemoryObituaryStore) Get(_ context.Context, id int64) (domain.Obituary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return domain.Obituary{}, ports.ErrNotFound
	}
	return cloneObituary(rec), nil
}

func (s *MemoryObituaryStore) ListPendingForRewrite(_ context.Context, limit, maxAuditRequeues int) ([]domain.Obituary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Obituary
	for _, rec := range s.rows {
		if rec.Status != domain.StatusPending || rec.Suppressed() || rec.Description == "" || rec.AIDescription != "" {
			continue
		}
		if rec.AuditRequeueCount >= maxAuditRequeues && rec.RewriteRequestedAt == nil {
			continue
		}
		out = append(out, cloneObituary(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].RewriteRequestedAt != nil, out[j].RewriteRequestedAt != nil
		if ri != rj {
			return ri
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *MemoryObituaryStore) ListPublishedForAudit(_ context.Context, limit int, auditedBefore time.Time) ([]domain.Obituary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Obituary
	for _, rec := range s.rows {
		if rec.Status != domain.StatusPublished || rec.Suppressed() {
			continue
		}
		due := rec.LastAuditAt == nil || rec.LastAuditAt.Before(auditedBefore) || rec.LastAuditedHash != rec.AIDescriptionHash
		if due {
			out = append(out, cloneObituary(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := out[i].LastAuditAt, out[j].LastAuditAt
		switch {
		case ai == nil && aj != nil:
			return true
		case ai != nil && aj == nil:
			return false
		case ai != nil && aj != nil && !ai.Equal(*aj):
			return ai.Before(*aj)
		}
		return out[i].ID < out[j].ID
	})
	return truncate(out, limit), nil
}

func (s *MemoryObituaryStore) Publish(_ context.Context, id int64, text, textHash string) (bool, error) {
	if text == "" {
		return false, errors.New("refusing to publish empty text")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != domain.StatusPending || rec.Suppressed() {
		return false, nil
	}
	rec.Status = domain.StatusPublished
	rec.AIDescription = text
	rec.AIDescriptionHash = textHash
	rec.RewriteFailureReason = ""
	rec.RewriteRequestedAt = nil
	s.rows[id] = rec
	return true, nil
}

func (s *MemoryObituaryStore) RecordRewriteFailure(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != domain.StatusPending {
		return nil
	}
	rec.RewriteFailureReason = reason
	rec.RewriteAttempts++
	s.rows[id] = rec
	return nil
}

func (s *MemoryObituaryStore) MarkAudited(_ context.Context, id int64, outcome domain.AuditOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != domain.StatusPublished {
		return nil
	}
	at := outcome.AuditedAt
	rec.AuditStatus = outcome.Status
	rec.AuditFlags = slices.Clone(outcome.Flags)
	rec.LastAuditAt = &at
	rec.LastAuditedHash = outcome.AuditedHash
	s.rows[id] = rec
	return nil
}

func (s *MemoryObituaryStore) Requeue(_ context.Context, id int64, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Status != domain.StatusPublished {
		return false, nil
	}
	rec.Status = domain.StatusPending
	rec.AIDescription = ""
	rec.AIDescriptionHash = ""
	rec.AuditStatus = ""
	rec.AuditFlags = nil
	rec.LastAuditAt = nil
	rec.LastAuditedHash = ""
	rec.AuditRequeueCount++
	rec.RewriteRequestReason = reason
	s.rows[id] = rec
	return true, nil
}

func (s *MemoryObituaryStore) Suppress(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok {
		return ports.ErrNotFound
	}
	now := s.now()
	rec.SuppressedAt = &now
	rec.SuppressedReason = reason
	s.rows[id] = rec
	return nil
}

func (s *MemoryObituaryStore) RequestRewrite(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[id]
	if !ok || rec.Suppressed() {
		return ports.ErrNotFound
	}
	now := s.now()
	rec.Status = domain.StatusPending
	rec.AIDescription = ""
	rec.AIDescriptionHash = ""
	rec.RewriteRequestedAt = &now
	rec.RewriteRequestReason = reason
	rec.RewriteFailureReason = ""
	s.rows[id] = rec
	return nil
}

// Put stores rec as-is, bypassing the state machine. Used to seed fixtures.
func (s *MemoryObituaryStore) Put(rec domain.Obituary) domain.Obituary {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == 0 {
		s.nextID++
		rec.ID = s.nextID
	} else if rec.ID > s.nextID {
		s.nextID = rec.ID
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.rows[rec.ID] = rec
	if rec.ProvenanceHash != "" {
		s.byHash[rec.ProvenanceHash] = rec.ID
	}
	return rec
}

// Len returns the number of stored records.
func (s *MemoryObituaryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// MemorySourceStore keeps the source catalog in process memory.
type MemorySourceStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]domain.Source
}

var _ ports.SourceStore = (*MemorySourceStore)(nil)

// NewMemorySourceStore builds an empty catalog.
func NewMemorySourceStore() *MemorySourceStore {
	return &MemorySourceStore{rows: map[int64]domain.Source{}}
}

func (s *MemorySourceStore) ListActive(_ context.Context, now time.Time) ([]domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Source
	for _, src := range s.rows {
		if src.Active(now) {
			out = append(out, src)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].LastSuccess, out[j].LastSuccess
		switch {
		case si == nil && sj != nil:
			return true
		case si != nil && sj == nil:
			return false
		case si != nil && sj != nil && !si.Equal(*sj):
			return si.Before(*sj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemorySourceStore) ListAll(_ context.Context) ([]domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Source, 0, len(s.rows))
	for _, src := range s.rows {
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out, nil
}

func (s *MemorySourceStore) Get(_ context.Context, id int64) (domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[id]
	if !ok {
		return domain.Source{}, ports.ErrNotFound
	}
	return src, nil
}

func (s *MemorySourceStore) RecordSuccess(_ context.Context, id int64, count int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[id]
	if !ok {
		return ports.ErrNotFound
	}
	src.ConsecutiveFailures = 0
	src.CircuitOpenUntil = nil
	src.LastSuccess = &at
	src.TotalCollected += int64(count)
	s.rows[id] = src
	return nil
}

func (s *MemorySourceStore) RecordFailure(_ context.Context, id int64, threshold int, at, openUntil time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[id]
	if !ok {
		return 0, ports.ErrNotFound
	}
	src.ConsecutiveFailures++
	src.LastFailure = &at
	if src.ConsecutiveFailures >= threshold {
		src.CircuitOpenUntil = &openUntil
	}
	s.rows[id] = src
	return src.ConsecutiveFailures, nil
}

func (s *MemorySourceStore) Upsert(_ context.Context, in domain.Source) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, src := range s.rows {
		if src.Domain != in.Domain {
			continue
		}
		src.BaseURL = in.BaseURL
		src.AdapterType = in.AdapterType
		src.Config = in.Config
		src.City = in.City
		src.Region = in.Region
		src.Enabled = in.Enabled
		s.rows[id] = src
		return id, nil
	}
	s.nextID++
	in.ID = s.nextID
	in.ConsecutiveFailures = 0
	in.CircuitOpenUntil = nil
	s.rows[in.ID] = in
	return in.ID, nil
}

func (s *MemorySourceStore) UpdateConfig(_ context.Context, id int64, cfg domain.AdapterConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[id]
	if !ok {
		return ports.ErrNotFound
	}
	src.Config = cfg
	s.rows[id] = src
	return nil
}

func (s *MemorySourceStore) SetEnabled(_ context.Context, id int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.rows[id]
	if !ok {
		return ports.ErrNotFound
	}
	src.Enabled = enabled
	s.rows[id] = src
	return nil
}

// DisableMatching interprets the pattern with SQL LIKE semantics, case-insensitively.
func (s *MemorySourceStore) DisableMatching(_ context.Context, likePattern string) (int, error) {
	expr, err := likeToRegexp(likePattern)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, src := range s.rows {
		if expr.MatchString(src.Domain) && src.Enabled {
			src.Enabled = false
			s.rows[id] = src
			n++
		}
	}
	return n, nil
}

func likeToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("(?i)^")
	escaped := false
	for _, r := range pattern {
		if escaped {
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

func cloneObituary(rec domain.Obituary) domain.Obituary {
	rec.AuditFlags = slices.Clone(rec.AuditFlags)
	return rec
}

func truncate(out []domain.Obituary, limit int) []domain.Obituary {
	if limit > 0 && len(out) > limit {
		return out[:limit]
	}
	return out
}
