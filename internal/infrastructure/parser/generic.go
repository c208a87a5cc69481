package parser

import (
	"fmt"
	"maps"
	"time"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/scanner"
)

// genericContainers are tried in order when the configured container selector
// matches too few elements.
var genericContainers = []string{
	".obituary",
	".obituary-item",
	".obit",
	"article.obituary",
	".views-row",
	"li.obituary",
	".tribute",
	"article",
}

var genericFields = map[string]string{
	"name":         "h2, h3, .name, .obituary-name, .obit-name",
	"date":         ".date, .dates, .obituary-date, .obit-date, time",
	"birth":        ".birth-date",
	"age":          ".age",
	"link":         "a[href]",
	"image":        "img",
	"description":  ".excerpt, .summary, .description, p",
	"location":     ".location, .city",
	"funeral_home": ".funeral-home",
}

// GenericAdapter reads any HTML listing through a configurable selector map.
type GenericAdapter struct {
	htmlBase
}

// NewGenericAdapter builds the configurable HTML adapter.
func NewGenericAdapter(fetcher *Fetcher, healer *SelectorHealer) *GenericAdapter {
	return &GenericAdapter{htmlBase: newHTMLBase(fetcher, healer)}
}

func (a *GenericAdapter) Kind() domain.AdapterKind { return domain.AdapterGeneric }

func (a *GenericAdapter) DiscoverListingURLs(src domain.Source, maxAge time.Duration, maxPages int) ([]string, error) {
	cfg := genericConfig(src)
	return listingURLs(src.BaseURL, cfg.ListPath, cfg.Pagination, maxAge, maxPages)
}

func (a *GenericAdapter) ExtractCards(body []byte, src domain.Source) (scanner.Extraction, error) {
	cfg := genericConfig(src)
	sel := func(key string) string {
		if v := cfg.Selectors[key]; v != "" {
			return v
		}
		return genericFields[key]
	}
	fields := fieldSelectors{
		Name:        sel("name"),
		Date:        sel("date"),
		Birth:       sel("birth"),
		Age:         sel("age"),
		Link:        sel("link"),
		Image:       sel("image"),
		Description: sel("description"),
		Location:    sel("location"),
		FuneralHome: sel("funeral_home"),
	}

	ext, healed, err := a.extract(body, cfg.Selectors["container"], genericContainers, fields, src.BaseURL)
	if err != nil {
		return scanner.Extraction{}, fmt.Errorf("%s: %w", src.Domain, err)
	}
	if healed {
		next := cfg
		next.Selectors = maps.Clone(cfg.Selectors)
		if next.Selectors == nil {
			next.Selectors = map[string]string{}
		}
		next.Selectors["container"] = ext.Selector
		ext.Healed = true
		ext.HealedConfig = next
	}
	return ext, nil
}

func (a *GenericAdapter) Normalize(card scanner.Card, src domain.Source) (domain.Obituary, error) {
	return normalizeCard(card, src, "")
}

func genericConfig(src domain.Source) domain.GenericConfig {
	if cfg, ok := src.Config.(domain.GenericConfig); ok {
		return cfg
	}
	return domain.GenericConfig{}
}
