package parser

import (
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	cardYearExpr  = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	cardDeathExpr = regexp.MustCompile(`(?i)passed away|died|peacefully|in loving memory|obituary|age\s+\d{1,3}`)
)

// Choice is the container selector picked for a page.
type Choice struct {
	Selector string
	Matches  int
	// Detected is true when the selector came from heuristic detection rather
	// than the configured or built-in lists.
	Detected bool
}

// Candidate is a heuristically detected container selector with its score.
type Candidate struct {
	Selector string
	Score    int
}

// SelectorHealer picks the listing container selector for a page. It tries
// the configured selector, then built-in fallbacks, and finally detects
// repeated card-like elements. It never writes anything itself: callers
// persist the winner when it differs from what was configured.
type SelectorHealer struct {
	minMatches int
	detect     bool
}

// NewSelectorHealer builds a healer; minMatches below 1 defaults to 3.
func NewSelectorHealer(minMatches int, detect bool) *SelectorHealer {
	if minMatches < 1 {
		minMatches = 3
	}
	return &SelectorHealer{minMatches: minMatches, detect: detect}
}

// Choose returns the first selector with enough matches, or a zero Choice.
func (h *SelectorHealer) Choose(doc *goquery.Document, configured string, fallbacks []string) Choice {
	tried := map[string]bool{}
	for _, sel := range append([]string{configured}, fallbacks...) {
		sel = strings.TrimSpace(sel)
		if sel == "" || tried[sel] {
			continue
		}
		tried[sel] = true
		if n := doc.Find(sel).Length(); n >= h.minMatches {
			return Choice{Selector: sel, Matches: n}
		}
	}

	if !h.detect {
		return Choice{}
	}
	candidates := h.Detect(doc)
	if len(candidates) == 0 || candidates[0].Score < h.minMatches {
		return Choice{}
	}
	best := candidates[0]
	return Choice{Selector: best.Selector, Matches: best.Score, Detected: true}
}

// Detect scores "tag.class" groups by how many members look like obituary
// cards: a link plus either a year or a death phrase in a moderate amount of
// text.
func (h *SelectorHealer) Detect(doc *goquery.Document) []Candidate {
	scores := map[string]int{}
	doc.Find("body *[class]").Each(func(_ int, s *goquery.Selection) {
		sel := groupSelector(s)
		if sel == "" || !looksLikeCard(s) {
			return
		}
		scores[sel]++
	})

	out := make([]Candidate, 0, len(scores))
	for sel, score := range scores {
		out = append(out, Candidate{Selector: sel, Score: score})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Selector < out[j].Selector
	})
	return out
}

func groupSelector(s *goquery.Selection) string {
	tag := goquery.NodeName(s)
	class, _ := s.Attr("class")
	fields := strings.Fields(class)
	if tag == "" || len(fields) == 0 {
		return ""
	}
	switch tag {
	case "body", "html", "a", "span", "img", "p", "time", "h1", "h2", "h3", "h4", "h5", "h6":
		return ""
	}
	return tag + "." + fields[0]
}

func looksLikeCard(s *goquery.Selection) bool {
	if s.Find("a[href]").Length() == 0 {
		return false
	}
	text := strings.TrimSpace(s.Text())
	if len(text) < 15 || len(text) > 3000 {
		return false
	}
	return cardYearExpr.MatchString(text) || cardDeathExpr.MatchString(text)
}
