package parser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"ObituaryScanner/internal/domain"
	"ObituaryScanner/internal/normalize"
	"ObituaryScanner/internal/scanner"
)

// ErrNoContainer means no container selector matched enough elements and
// detection found nothing: most likely the site was redesigned.
var ErrNoContainer = errors.New("no listing container matched")

var (
	strictPolicy = bluemonday.StrictPolicy()
	wsExpr       = regexp.MustCompile(`\s+`)
)

// fieldSelectors locate card fields inside one container element.
type fieldSelectors struct {
	Name        string
	Date        string
	Birth       string
	Age         string
	Link        string
	Image       string
	Description string
	Location    string
	FuneralHome string
}

// htmlBase holds what every HTML adapter variant shares: fetching, listing
// URL construction, container selection and card normalization.
type htmlBase struct {
	fetcher *Fetcher
	healer  *SelectorHealer
}

func newHTMLBase(fetcher *Fetcher, healer *SelectorHealer) htmlBase {
	if fetcher == nil {
		fetcher = NewFetcher(nil)
	}
	if healer == nil {
		healer = NewSelectorHealer(3, true)
	}
	return htmlBase{fetcher: fetcher, healer: healer}
}

func (b htmlBase) FetchListing(ctx context.Context, pageURL string, _ domain.Source) ([]byte, error) {
	return b.fetcher.Fetch(ctx, pageURL)
}

// extract parses body with the chosen container and the field selectors.
// healed reports that a configured container stopped matching or that the
// container had to be detected. A built-in fallback standing in for an
// unconfigured container is not healing.
func (b htmlBase) extract(body []byte, configured string, fallbacks []string, fields fieldSelectors, pageBase string) (scanner.Extraction, bool, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scanner.Extraction{}, false, fmt.Errorf("parse document: %w", err)
	}

	choice := b.healer.Choose(doc, configured, fallbacks)
	if choice.Selector == "" {
		return scanner.Extraction{}, false, ErrNoContainer
	}

	var results []scanner.CardResult
	doc.Find(choice.Selector).Each(func(i int, s *goquery.Selection) {
		results = append(results, parseCard(i, s, fields, pageBase))
	})

	configured = strings.TrimSpace(configured)
	healed := choice.Detected || (configured != "" && configured != choice.Selector)
	return scanner.Extraction{Results: results, Selector: choice.Selector}, healed, nil
}

func parseCard(i int, s *goquery.Selection, fields fieldSelectors, pageBase string) scanner.CardResult {
	name := firstText(s, fields.Name)
	if name == "" {
		return scanner.CardResult{Err: &scanner.ParseError{Index: i, Reason: "missing name"}}
	}

	link := firstAttr(s, fields.Link, "href")
	if link == "" {
		link = firstAttr(s, "a[href]", "href")
	}
	image := firstAttr(s, fields.Image, "src")
	if image == "" {
		image = firstAttr(s, fields.Image, "data-src")
	}

	description := firstText(s, fields.Description)
	if description == "" {
		description = CleanText(s.Text())
	}

	return scanner.CardResult{Card: scanner.Card{
		Name:        name,
		DateText:    firstText(s, fields.Date),
		BirthText:   firstText(s, fields.Birth),
		AgeText:     firstText(s, fields.Age),
		DetailURL:   resolveURL(pageBase, link),
		ImageURL:    resolveURL(pageBase, image),
		Description: description,
		Location:    firstText(s, fields.Location),
		FuneralHome: firstText(s, fields.FuneralHome),
	}}
}

func firstText(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return CleanText(s.Find(selector).First().Text())
}

func firstAttr(s *goquery.Selection, selector, attr string) string {
	if selector == "" {
		return ""
	}
	v, _ := s.Find(selector).First().Attr(attr)
	return strings.TrimSpace(v)
}

// CleanText strips markup and collapses whitespace.
func CleanText(raw string) string {
	s := html.UnescapeString(strictPolicy.Sanitize(raw))
	return strings.TrimSpace(wsExpr.ReplaceAllString(s, " "))
}

func resolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return r.String()
	}
	return b.ResolveReference(r).String()
}

// listingURLs builds the pages to fetch for one source: the list path with an
// optional age filter, paginated through PageParam up to the page cap.
func listingURLs(baseURL, listPath string, p domain.Pagination, maxAge time.Duration, maxPages int) ([]string, error) {
	root, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || root.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	if listPath != "" {
		ref, err := url.Parse(listPath)
		if err != nil {
			return nil, fmt.Errorf("invalid list path %q: %w", listPath, err)
		}
		root = root.ResolveReference(ref)
	}

	pages := 1
	if p.PageParam != "" {
		pages = maxPages
		if p.MaxPages > 0 && p.MaxPages < pages {
			pages = p.MaxPages
		}
		if pages < 1 {
			pages = 1
		}
	}

	out := make([]string, 0, pages)
	for page := 1; page <= pages; page++ {
		u := *root
		q := u.Query()
		if p.AgeParam != "" && maxAge > 0 {
			q.Set(p.AgeParam, strconv.Itoa(int(maxAge.Hours()/24)))
		}
		if p.PageParam != "" && page > 1 {
			q.Set(p.PageParam, strconv.Itoa(page))
		}
		u.RawQuery = q.Encode()
		out = append(out, u.String())
	}
	return out, nil
}

// normalizeCard converts a raw card into a pending obituary. Cards lacking
// both a name and a death date are rejected.
func normalizeCard(card scanner.Card, src domain.Source, defaultHome string) (domain.Obituary, error) {
	name := CleanText(card.Name)
	description := CleanText(card.Description)

	birth, death := normalize.ParseDateRange(card.DateText)
	if b := normalize.ParseDate(card.BirthText); b != "" {
		birth = b
	}
	if death == "" {
		death = normalize.DeathDateFromText(description)
	}
	if name == "" && death == "" {
		return domain.Obituary{}, errors.New("card has neither name nor death date")
	}

	home := CleanText(card.FuneralHome)
	if home == "" {
		home = defaultHome
	}
	location := CleanText(card.Location)
	city := normalize.NormalizeCity(location)
	if city == "" {
		city = normalize.NormalizeCity(src.City)
	}
	if location == "" {
		location = src.City
	}

	age := normalize.ResolveAge(card.AgeText, description, birth, death)
	if age == 0 {
		age = normalize.AgeFromRange(card.DateText)
	}

	sourceURL := card.DetailURL
	if sourceURL == "" {
		sourceURL = src.BaseURL
	}

	return domain.Obituary{
		ProvenanceHash: normalize.ProvenanceHash(name, death, home, city),
		Name:           name,
		DateOfBirth:    birth,
		DateOfDeath:    death,
		Age:            age,
		FuneralHome:    home,
		Location:       location,
		CityNormalized: city,
		Description:    description,
		ImageURL:       card.ImageURL,
		SourceURL:      sourceURL,
		SourceDomain:   src.Domain,
		SourceType:     string(src.AdapterType),
		Status:         domain.StatusPending,
	}, nil
}
