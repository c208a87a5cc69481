package parser

import (
	"fmt"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/scanner"
)

const (
	tributeListPath  = "/obituaries"
	tributePageParam = "pg"
	tributeContainer = ".tribute-card"
)

var tributeFallbacks = []string{".obituary-card", ".tribute-list-item", ".tributes .card"}

var tributeFields = fieldSelectors{
	Name:        ".tribute-card__name, .tribute-name, h3",
	Date:        ".tribute-card__dates, .tribute-dates",
	Birth:       ".tribute-card__birth",
	Age:         ".tribute-card__age",
	Link:        "a.tribute-card__link, a[href]",
	Image:       ".tribute-card__image img, img",
	Description: ".tribute-card__excerpt, .tribute-excerpt",
	Location:    ".tribute-card__location, .tribute-location",
	FuneralHome: ".tribute-card__funeral-home",
}

// TributeAdapter reads listings hosted on the Tribute Archive platform.
type TributeAdapter struct {
	htmlBase
}

// NewTributeAdapter builds the Tribute Archive adapter.
func NewTributeAdapter(fetcher *Fetcher, healer *SelectorHealer) *TributeAdapter {
	return &TributeAdapter{htmlBase: newHTMLBase(fetcher, healer)}
}

func (a *TributeAdapter) Kind() domain.AdapterKind { return domain.AdapterTribute }

func (a *TributeAdapter) DiscoverListingURLs(src domain.Source, maxAge time.Duration, maxPages int) ([]string, error) {
	cfg := tributeConfig(src)
	return listingURLs(src.BaseURL, cfg.ListPath, cfg.Pagination, maxAge, maxPages)
}

func (a *TributeAdapter) ExtractCards(body []byte, src domain.Source) (scanner.Extraction, error) {
	cfg := tributeConfig(src)
	configured := tributeContainer
	fallbacks := tributeFallbacks
	if cfg.ContainerOverride != "" {
		configured = cfg.ContainerOverride
		fallbacks = append([]string{tributeContainer}, tributeFallbacks...)
	}

	ext, healed, err := a.extract(body, configured, fallbacks, tributeFields, src.BaseURL)
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

func (a *TributeAdapter) Normalize(card scanner.Card, src domain.Source) (domain.Obituary, error) {
	return normalizeCard(card, src, tributeConfig(src).FuneralHome)
}

func tributeConfig(src domain.Source) domain.TributeConfig {
	cfg, _ := src.Config.(domain.TributeConfig)
	if cfg.ListPath == "" {
		cfg.ListPath = tributeListPath
	}
	if cfg.PageParam == "" {
		cfg.PageParam = tributePageParam
	}
	return cfg
}
