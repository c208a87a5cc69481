package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	postalExpr   = regexp.MustCompile(`(?i)\b[A-Z]\d[A-Z]\s?\d[A-Z]\d\b|\b\d{5}(?:-\d{4})?\b`)
	provinceExpr = regexp.MustCompile(`(?i)[,\s]+(ON|Ont|Ontario|QC|Quebec|Québec|BC|British Columbia|AB|Alberta|MB|Manitoba|SK|Saskatchewan|NS|Nova Scotia|NB|New Brunswick|NL|Newfoundland(?: and Labrador)?|PE|PEI|Prince Edward Island|Canada)\.?\s*$`)
	streetExpr   = regexp.MustCompile(`(?i)^\d+[a-z]?\s+\S+|\s(street|road|avenue|drive|boulevard|lane|crescent|court|highway|parkway)\b|\s(st|rd|ave|dr|blvd|cres|hwy)\.?$`)

	leakedMarkers = []string{"funeral", "obituar", "passed", "http", "www.", "@", "visitation", "memorial", "service", "cemetery"}

	// Neighbourhoods and former municipalities folded into their parent city.
	neighbourhoods = map[string]string{
		"scarborough":     "Toronto",
		"north york":      "Toronto",
		"etobicoke":       "Toronto",
		"east york":       "Toronto",
		"york":            "Toronto",
		"kanata":          "Ottawa",
		"nepean":          "Ottawa",
		"orleans":         "Ottawa",
		"orléans":         "Ottawa",
		"gloucester":      "Ottawa",
		"stittsville":     "Ottawa",
		"ancaster":        "Hamilton",
		"dundas":          "Hamilton",
		"stoney creek":    "Hamilton",
		"thornhill":       "Vaughan",
		"woodbridge":      "Vaughan",
		"maple":           "Vaughan",
		"bramalea":        "Brampton",
		"port credit":     "Mississauga",
		"streetsville":    "Mississauga",
		"holland landing": "East Gwillimbury",
	}

	// Known truncations produced by listing templates that cut long names.
	truncatedCities = map[string]string{
		"richmond hil":    "Richmond Hill",
		"niagara-on-the":  "Niagara-on-the-Lake",
		"niagara on the":  "Niagara-on-the-Lake",
		"whitchurch":      "Whitchurch-Stouffville",
		"whitchurch-stou": "Whitchurch-Stouffville",
		"bradford west":   "Bradford West Gwillimbury",
		"east gwillimbur": "East Gwillimbury",
		"sault ste":       "Sault Ste. Marie",
	}

	titleCaser = cases.Title(language.English)
)

// NormalizeCity reduces a scraped location to a bare city name. Street
// addresses and text that leaked from neighbouring fields yield "".
func NormalizeCity(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = postalExpr.ReplaceAllString(s, "")
	for i := 0; i < 3; i++ {
		next := provinceExpr.ReplaceAllString(s, "")
		if next == s {
			break
		}
		s = strings.TrimSpace(next)
	}
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		s = s[:idx]
	}
	s = strings.Trim(strings.TrimSpace(s), ".-–— ")
	if s == "" || looksLikeStreet(s) || looksLeaked(s) {
		return ""
	}

	key := strings.ToLower(s)
	if fixed, ok := truncatedCities[key]; ok {
		return fixed
	}
	if parent, ok := neighbourhoods[key]; ok {
		return parent
	}
	if s == strings.ToLower(s) || s == strings.ToUpper(s) {
		s = titleCaser.String(s)
	}
	return s
}

func looksLikeStreet(s string) bool {
	return streetExpr.MatchString(s)
}

func looksLeaked(s string) bool {
	if len(s) > 40 || len(strings.Fields(s)) > 4 {
		return true
	}
	lower := strings.ToLower(s)
	for _, marker := range leakedMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return strings.ContainsAny(s, "0123456789")
}
