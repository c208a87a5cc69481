package parser

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/scanner"
)

// ReadabilityEnricher fetches an obituary's detail page and replaces a short
// listing snippet with the page's main text.
type ReadabilityEnricher struct {
	fetcher   *Fetcher
	minLength int
}

// NewReadabilityEnricher builds an enricher that only fires for descriptions
// shorter than minLength (default 200).
func NewReadabilityEnricher(fetcher *Fetcher, minLength int) *ReadabilityEnricher {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	if minLength <= 0 {
		minLength = 200
	}
	return &ReadabilityEnricher{fetcher: fetcher, minLength: minLength}
}

// Enrich returns card unchanged when it already has enough text, has no
// detail link, or the source did not ask for detail fetching.
func (e *ReadabilityEnricher) Enrich(ctx context.Context, card scanner.Card, src domain.Source) (scanner.Card, error) {
	if !wantsDetails(src) || card.DetailURL == "" || len(card.Description) >= e.minLength {
		return card, nil
	}

	pageURL, err := url.Parse(card.DetailURL)
	if err != nil {
		return card, fmt.Errorf("detail url: %w", err)
	}
	body, err := e.fetcher.Fetch(ctx, card.DetailURL)
	if err != nil {
		return card, err
	}

	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return card, fmt.Errorf("readability %s: %w", RedactURL(card.DetailURL), err)
	}
	text := CleanText(article.TextContent)
	if len(text) > len(card.Description) {
		card.Description = text
	}
	if card.ImageURL == "" && strings.TrimSpace(article.Image) != "" {
		card.ImageURL = article.Image
	}
	return card, nil
}

func wantsDetails(src domain.Source) bool {
	switch cfg := src.Config.(type) {
	case domain.GenericConfig:
		return cfg.FetchDetails
	case domain.FrontRunnerConfig:
		return cfg.FetchDetails
	case domain.TributeConfig:
		return cfg.FetchDetails
	default:
		return false
	}
}
