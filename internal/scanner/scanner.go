package scanner

import (
	"context"
	"fmt"
	"time"

	"ObituaryScanner/internal/domain"
)

// Card is one raw obituary entry lifted from a listing page before
// normalization.
type Card struct {
	Name        string
	DateText    string
	BirthText   string
	AgeText     string
	DetailURL   string
	ImageURL    string
	Description string
	Location    string
	FuneralHome string
}

// ParseError describes a listing element that could not be turned into a card.
type ParseError struct {
	Index  int
	Reason string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("card %d: %s", e.Index, e.Reason)
}

// CardResult holds either a card or the reason its element was skipped.
type CardResult struct {
	Card Card
	Err  *ParseError
}

// Ok reports whether the element parsed.
func (r CardResult) Ok() bool { return r.Err == nil }

// Extraction is the outcome of parsing one listing page.
type Extraction struct {
	Results []CardResult
	// Selector is the container selector that produced the cards.
	Selector string
	// Healed is set when the configured selector no longer matched and a
	// different one was detected; the caller should persist HealedConfig.
	Healed       bool
	HealedConfig domain.AdapterConfig
}

// Cards returns the successfully parsed cards.
func (e Extraction) Cards() []Card {
	out := make([]Card, 0, len(e.Results))
	for _, r := range e.Results {
		if r.Ok() {
			out = append(out, r.Card)
		}
	}
	return out
}

// Errors returns per-element parse failures.
func (e Extraction) Errors() []ParseError {
	var out []ParseError
	for _, r := range e.Results {
		if !r.Ok() {
			out = append(out, *r.Err)
		}
	}
	return out
}

// Adapter captures a single platform family (generic HTML, a CMS, RSS).
type Adapter interface {
	Kind() domain.AdapterKind
	DiscoverListingURLs(src domain.Source, maxAge time.Duration, maxPages int) ([]string, error)
	FetchListing(ctx context.Context, url string, src domain.Source) ([]byte, error)
	ExtractCards(body []byte, src domain.Source) (Extraction, error)
	Normalize(card Card, src domain.Source) (domain.Obituary, error)
}

// DetailEnricher optionally replaces a short card description with text from
// the obituary's own page.
type DetailEnricher interface {
	Enrich(ctx context.Context, card Card, src domain.Source) (Card, error)
}

// Registry keeps a mapping from adapter kinds to their implementations.
type Registry struct {
	adapters map[domain.AdapterKind]Adapter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[domain.AdapterKind]Adapter{}}
}

// Register adds or replaces an adapter implementation.
func (r *Registry) Register(adapter Adapter) {
	if r.adapters == nil {
		r.adapters = map[domain.AdapterKind]Adapter{}
	}
	r.adapters[adapter.Kind()] = adapter
}

// Resolve returns an adapter by kind or an error if it is absent.
func (r *Registry) Resolve(kind domain.AdapterKind) (Adapter, error) {
	if adapter, ok := r.adapters[kind]; ok {
		return adapter, nil
	}
	return nil, fmt.Errorf("adapter %s is not registered", kind)
}
