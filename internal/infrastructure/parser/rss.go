package parser

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/scanner"
)

var (
	titleSuffixExpr = regexp.MustCompile(`(?i)\s*[-–|:]?\s*obituary\s*$`)
	titleParenExpr  = regexp.MustCompile(`\(([^)]*)\)`)
)

// RSSAdapter reads obituary feeds (RSS or Atom) published by some funeral homes.
type RSSAdapter struct {
	fetcher *Fetcher
}

// NewRSSAdapter builds the feed adapter.
func NewRSSAdapter(fetcher *Fetcher) *RSSAdapter {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	return &RSSAdapter{fetcher: fetcher}
}

func (a *RSSAdapter) Kind() domain.AdapterKind { return domain.AdapterRSS }

// DiscoverListingURLs returns the single feed URL; feeds are not paginated.
func (a *RSSAdapter) DiscoverListingURLs(src domain.Source, _ time.Duration, _ int) ([]string, error) {
	cfg, _ := src.Config.(domain.RSSConfig)
	return listingURLs(src.BaseURL, cfg.FeedPath, domain.Pagination{}, 0, 1)
}

func (a *RSSAdapter) FetchListing(ctx context.Context, feedURL string, _ domain.Source) ([]byte, error) {
	return a.fetcher.Fetch(ctx, feedURL)
}

func (a *RSSAdapter) ExtractCards(body []byte, src domain.Source) (scanner.Extraction, error) {
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return scanner.Extraction{}, fmt.Errorf("%s: parse feed: %w", src.Domain, err)
	}

	results := make([]scanner.CardResult, 0, len(feed.Items))
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		results = append(results, feedCard(i, item, src.BaseURL))
	}
	return scanner.Extraction{Results: results, Selector: "item"}, nil
}

func (a *RSSAdapter) Normalize(card scanner.Card, src domain.Source) (domain.Obituary, error) {
	cfg, _ := src.Config.(domain.RSSConfig)
	return normalizeCard(card, src, cfg.FuneralHome)
}

func feedCard(i int, item *gofeed.Item, base string) scanner.CardResult {
	title := CleanText(item.Title)
	var dates string
	if m := titleParenExpr.FindStringSubmatch(title); m != nil {
		dates = strings.TrimSpace(m[1])
		title = strings.TrimSpace(titleParenExpr.ReplaceAllString(title, ""))
	}
	name := strings.TrimSpace(titleSuffixExpr.ReplaceAllString(title, ""))
	if name == "" {
		return scanner.CardResult{Err: &scanner.ParseError{Index: i, Reason: "missing title"}}
	}

	description := item.Description
	if len(item.Content) > len(description) {
		description = item.Content
	}

	var image string
	if item.Image != nil {
		image = item.Image.URL
	}
	for _, enc := range item.Enclosures {
		if image == "" && enc != nil && strings.HasPrefix(enc.Type, "image/") {
			image = enc.URL
		}
	}

	return scanner.CardResult{Card: scanner.Card{
		Name:        name,
		DateText:    dates,
		DetailURL:   resolveURL(base, item.Link),
		ImageURL:    resolveURL(base, image),
		Description: CleanText(description),
	}}
}
