package domain

import (
	"encoding/json"
	"time"
)

// Source is one external listing site.
type Source struct {
	ID                  int64
	Domain              string
	BaseURL             string
	AdapterType         AdapterKind
	Config              AdapterConfig
	City                string
	Region              string
	Enabled             bool
	ConsecutiveFailures int
	CircuitOpenUntil    *time.Time
	LastSuccess         *time.Time
	LastFailure         *time.Time
	TotalCollected      int64
}

// CircuitOpen reports whether the breaker excludes the source at now.
func (s Source) CircuitOpen(now time.Time) bool {
	return s.CircuitOpenUntil != nil && s.CircuitOpenUntil.After(now)
}

// Active reports whether the source should be scraped at now.
func (s Source) Active(now time.Time) bool {
	return s.Enabled && !s.CircuitOpen(now)
}

// AdapterKind names an adapter family.
type AdapterKind string

const (
	AdapterGeneric     AdapterKind = "generic"
	AdapterFrontRunner AdapterKind = "frontrunner"
	AdapterTribute     AdapterKind = "tribute"
	AdapterRSS         AdapterKind = "rss"
)

// AdapterConfig is the tagged variant of per-adapter settings.
type AdapterConfig interface {
	Kind() AdapterKind
}

// Pagination is shared by the HTML variants.
type Pagination struct {
	PageParam string `json:"page_param,omitempty"`
	MaxPages  int    `json:"max_pages,omitempty"`
	AgeParam  string `json:"age_param,omitempty"`
}

// GenericConfig drives the configurable HTML adapter. Selector keys:
// container, name, date, link, image, description, location, funeral_home, age.
type GenericConfig struct {
	Pagination
	ListPath     string            `json:"list_path,omitempty"`
	Selectors    map[string]string `json:"selectors,omitempty"`
	FetchDetails bool              `json:"fetch_details,omitempty"`
}

func (GenericConfig) Kind() AdapterKind { return AdapterGeneric }

// FrontRunnerConfig covers funeral homes on the FrontRunner CMS.
type FrontRunnerConfig struct {
	Pagination
	ListPath          string `json:"list_path,omitempty"`
	FuneralHome       string `json:"funeral_home,omitempty"`
	FetchDetails      bool   `json:"fetch_details,omitempty"`
	ContainerOverride string `json:"container_override,omitempty"`
}

func (FrontRunnerConfig) Kind() AdapterKind { return AdapterFrontRunner }

// TributeConfig covers the Tribute Archive hosted listings.
type TributeConfig struct {
	Pagination
	ListPath          string `json:"list_path,omitempty"`
	FuneralHome       string `json:"funeral_home,omitempty"`
	FetchDetails      bool   `json:"fetch_details,omitempty"`
	ContainerOverride string `json:"container_override,omitempty"`
}

func (TributeConfig) Kind() AdapterKind { return AdapterTribute }

// RSSConfig reads an RSS/Atom feed instead of HTML.
type RSSConfig struct {
	FeedPath    string `json:"feed_path,omitempty"`
	FuneralHome string `json:"funeral_home,omitempty"`
}

func (RSSConfig) Kind() AdapterKind { return AdapterRSS }

// DecodeAdapterConfig turns stored JSON into the typed variant for kind. Invalid
// JSON yields the zero config of that variant rather than an error.
func DecodeAdapterConfig(kind AdapterKind, raw []byte) AdapterConfig {
	switch kind {
	case AdapterFrontRunner:
		var cfg FrontRunnerConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			cfg = FrontRunnerConfig{}
		}
		return cfg
	case AdapterTribute:
		var cfg TributeConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			cfg = TributeConfig{}
		}
		return cfg
	case AdapterRSS:
		var cfg RSSConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			cfg = RSSConfig{}
		}
		return cfg
	default:
		var cfg GenericConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			cfg = GenericConfig{}
		}
		return cfg
	}
}

// EncodeAdapterConfig serialises a variant for storage; nil becomes "{}".
func EncodeAdapterConfig(cfg AdapterConfig) []byte {
	if cfg == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
