// Package registry manages the source catalog: the active-source query, the
// consecutive-failure circuit breaker and operator edits.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/ports"
)

const (
	defaultThreshold = 10
	defaultOpenFor   = 24 * time.Hour
)

// ErrInvalidInput marks operator input that was rejected before reaching storage.
var ErrInvalidInput = errors.New("invalid input")

// upsertFields is the whitelist of keys accepted by Upsert.
var upsertFields = map[string]bool{
	"domain":       true,
	"base_url":     true,
	"adapter_type": true,
	"config":       true,
	"city":         true,
	"region":       true,
	"enabled":      true,
}

// Service wraps a SourceStore with breaker policy and logging.
type Service struct {
	store     ports.SourceStore
	logger    *slog.Logger
	threshold int
	openFor   time.Duration
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithThreshold sets the failure streak that opens the circuit.
func WithThreshold(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.threshold = n
		}
	}
}

// WithOpenFor sets how long an opened circuit excludes the source.
func WithOpenFor(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.openFor = d
		}
	}
}

// WithClock sets a custom clock (for testing).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) { s.now = fn }
}

// New builds the registry: 10 failures open the circuit for 24h by default.
func New(store ports.SourceStore, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:     store,
		logger:    logger.With("component", "registry"),
		threshold: defaultThreshold,
		openFor:   defaultOpenFor,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ActiveSources returns enabled sources whose circuit is closed, least
// recently successful first.
func (s *Service) ActiveSources(ctx context.Context) ([]domain.Source, error) {
	return s.store.ListActive(ctx, s.now())
}

// Sources returns the whole catalog.
func (s *Service) Sources(ctx context.Context) ([]domain.Source, error) {
	return s.store.ListAll(ctx)
}

// RecordSuccess resets the failure streak and closes the circuit.
func (s *Service) RecordSuccess(ctx context.Context, sourceID int64, count int) error {
	return s.store.RecordSuccess(ctx, sourceID, max(count, 0), s.now())
}

// RecordFailure counts one failed fetch. It reports whether this failure
// opened the circuit: any failure at or past the threshold (re)opens it
// unless src was already open when it was read.
func (s *Service) RecordFailure(ctx context.Context, src domain.Source, reason string) (bool, error) {
	now := s.now()
	streak, err := s.store.RecordFailure(ctx, src.ID, s.threshold, now, now.Add(s.openFor))
	if err != nil {
		return false, fmt.Errorf("record failure for %s: %w", src.Domain, err)
	}
	if streak < s.threshold {
		return false, nil
	}
	s.logger.WarnContext(ctx, "circuit opened",
		"source", src.Domain,
		"failures", streak,
		"open_until", now.Add(s.openFor).Format(time.RFC3339),
		"reason", reason)
	return !src.CircuitOpen(now), nil
}

// PersistHealedConfig stores a selector detected after a site redesign.
func (s *Service) PersistHealedConfig(ctx context.Context, sourceID int64, cfg domain.AdapterConfig) error {
	if cfg == nil {
		return errors.New("healed config is nil")
	}
	return s.store.UpdateConfig(ctx, sourceID, cfg)
}

// SetEnabled enables or disables a source by id.
func (s *Service) SetEnabled(ctx context.Context, sourceID int64, enabled bool) error {
	if err := s.store.SetEnabled(ctx, sourceID, enabled); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "source toggled", "source_id", sourceID, "enabled", enabled)
	return nil
}

// Ban disables every source whose domain matches pattern; "*" matches any
// run of characters and the match ignores case.
func (s *Service) Ban(ctx context.Context, pattern string) (int, error) {
	like, err := LikePattern(pattern)
	if err != nil {
		return 0, err
	}
	n, err := s.store.DisableMatching(ctx, like)
	if err != nil {
		return 0, fmt.Errorf("ban %q: %w", pattern, err)
	}
	s.logger.InfoContext(ctx, "sources banned", "pattern", pattern, "disabled", n)
	return n, nil
}

// LikePattern converts a "*" wildcard pattern into an escaped SQL LIKE pattern.
func LikePattern(pattern string) (string, error) {
	p := strings.TrimSpace(pattern)
	if p == "" || strings.Trim(p, "*") == "" {
		return "", fmt.Errorf("%w: ban pattern must contain more than wildcards", ErrInvalidInput)
	}
	r := strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`, "*", "%")
	return r.Replace(strings.ToLower(p)), nil
}

// Upsert creates or updates a source keyed by domain from loosely typed
// input. Keys outside the whitelist are dropped and an invalid config
// becomes "{}".
func (s *Service) Upsert(ctx context.Context, data map[string]any) (int64, error) {
	src := domain.Source{Enabled: true, AdapterType: domain.AdapterGeneric}
	var rawConfig []byte

	for key, value := range data {
		if !upsertFields[key] {
			s.logger.DebugContext(ctx, "dropping non-whitelisted source field", "field", key)
			continue
		}
		switch key {
		case "domain":
			src.Domain = strings.ToLower(strings.TrimSpace(asString(value)))
		case "base_url":
			src.BaseURL = strings.TrimSpace(asString(value))
		case "adapter_type":
			if k := domain.AdapterKind(strings.TrimSpace(asString(value))); k != "" {
				src.AdapterType = k
			}
		case "city":
			src.City = strings.TrimSpace(asString(value))
		case "region":
			src.Region = strings.TrimSpace(asString(value))
		case "enabled":
			if b, ok := value.(bool); ok {
				src.Enabled = b
			}
		case "config":
			rawConfig = configBytes(value)
		}
	}

	if src.Domain == "" || src.BaseURL == "" {
		return 0, fmt.Errorf("%w: domain and base_url are required", ErrInvalidInput)
	}
	switch src.AdapterType {
	case domain.AdapterGeneric, domain.AdapterFrontRunner, domain.AdapterTribute, domain.AdapterRSS:
	default:
		return 0, fmt.Errorf("%w: unknown adapter type %q", ErrInvalidInput, src.AdapterType)
	}
	if !json.Valid(rawConfig) {
		rawConfig = []byte("{}")
	}
	src.Config = domain.DecodeAdapterConfig(src.AdapterType, rawConfig)

	id, err := s.store.Upsert(ctx, src)
	if err != nil {
		return 0, fmt.Errorf("upsert %s: %w", src.Domain, err)
	}
	return id, nil
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func configBytes(v any) []byte {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []byte(t)
	case []byte:
		return t
	case json.RawMessage:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return raw
	}
}
