package parser

import (
	"fmt"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/scanner"
)

const (
	frontRunnerListPath  = "/obituaries/obituary-listings"
	frontRunnerPageParam = "page"
	frontRunnerContainer = "div.obituary-list-item"
)

var frontRunnerFallbacks = []string{".obitlist-item", ".obituary-listing .item", ".obituaries-list li"}

var frontRunnerFields = fieldSelectors{
	Name:        ".obit-name, .obituary-name, h2",
	Date:        ".obit-dates, .obituary-dates",
	Age:         ".obit-age",
	Link:        "a.obit-link, a[href]",
	Image:       "img.obit-image, img",
	Description: ".obit-snippet, .obituary-excerpt",
	Location:    ".obit-location",
}

// FrontRunnerAdapter reads funeral home sites hosted on the FrontRunner CMS.
type FrontRunnerAdapter struct {
	htmlBase
}

// NewFrontRunnerAdapter builds the FrontRunner adapter.
func NewFrontRunnerAdapter(fetcher *Fetcher, healer *SelectorHealer) *FrontRunnerAdapter {
	return &FrontRunnerAdapter{htmlBase: newHTMLBase(fetcher, healer)}
}

func (a *FrontRunnerAdapter) Kind() domain.AdapterKind { return domain.AdapterFrontRunner }

func (a *FrontRunnerAdapter) DiscoverListingURLs(src domain.Source, maxAge time.Duration, maxPages int) ([]string, error) {
	cfg := frontRunnerConfig(src)
	return listingURLs(src.BaseURL, cfg.ListPath, cfg.Pagination, maxAge, maxPages)
}

func (a *FrontRunnerAdapter) ExtractCards(body []byte, src domain.Source) (scanner.Extraction, error) {
	cfg := frontRunnerConfig(src)
	configured := frontRunnerContainer
	fallbacks := frontRunnerFallbacks
	if cfg.ContainerOverride != "" {
		configured = cfg.ContainerOverride
		fallbacks = append([]string{frontRunnerContainer}, frontRunnerFallbacks...)
	}

	ext, healed, err := a.extract(body, configured, fallbacks, frontRunnerFields, src.BaseURL)
	if err != nil {
		return scanner.Extraction{}, fmt.Errorf("%s: %w", src.Domain, err)
	}
	if healed {
		next := cfg
		next.ContainerOverride = ext.Selector
		ext.Healed = true
		ext.HealedConfig = next
	}
	return ext, nil
}

func (a *FrontRunnerAdapter) Normalize(card scanner.Card, src domain.Source) (domain.Obituary, error) {
	return normalizeCard(card, src, frontRunnerConfig(src).FuneralHome)
}

func frontRunnerConfig(src domain.Source) domain.FrontRunnerConfig {
	cfg, _ := src.Config.(domain.FrontRunnerConfig)
	if cfg.ListPath == "" {
		cfg.ListPath = frontRunnerListPath
	}
	if cfg.PageParam == "" {
		cfg.PageParam = frontRunnerPageParam
	}
	return cfg
}
