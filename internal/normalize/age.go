package normalize

import (
	"regexp"
	"strconv"
	"time"
)

const maxAge = 120

var (
	sentenceSplitExpr = regexp.MustCompile(`[.!?;]+\s+`)
	explicitAgeExpr   = regexp.MustCompile(`\b\d{1,3}\b`)

	deathExpr = regexp.MustCompile(`(?i)\b(?:passed away|passed peacefully|passed on|passing|died|aged|death|entered into rest|went to be with|peacefully on|called home)\b`)

	agePatterns = []struct {
		expr   *regexp.Regexp
		offset int
	}{
		{regexp.MustCompile(`(?i)\bat the age of (\d{1,3})\b`), 0},
		{regexp.MustCompile(`(?i)\baged? (\d{1,3})\b`), 0},
		{regexp.MustCompile(`(?i)\b(\d{1,3}) years of age\b`), 0},
		{regexp.MustCompile(`(?i)\b(\d{1,3})[- ]years?[- ]old\b`), 0},
		{regexp.MustCompile(`(?i)\bin (?:his|her|their) (\d{1,3})(?:st|nd|rd|th) year\b`), -1},
	}
)

// ExtractAge finds an age stated in a sentence that talks about the death.
// Ages mentioned in unrelated biography ("admitted at the age of 16") are
// ignored. It returns 0 when nothing qualifies.
func ExtractAge(text string) int {
	for _, sentence := range sentenceSplitExpr.Split(text, -1) {
		if !mentionsDeath(sentence) {
			continue
		}
		for _, p := range agePatterns {
			m := p.expr.FindStringSubmatch(sentence)
			if m == nil {
				continue
			}
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			n += p.offset
			if n > 0 && n <= maxAge {
				return n
			}
		}
	}
	return 0
}

// AgeFromDates computes completed years between two ISO dates, 0 if either is
// missing or the result is implausible.
func AgeFromDates(birth, death string) int {
	b, err := time.Parse(isoLayout, birth)
	if err != nil {
		return 0
	}
	d, err := time.Parse(isoLayout, death)
	if err != nil || d.Before(b) {
		return 0
	}
	age := d.Year() - b.Year()
	if d.Month() < b.Month() || (d.Month() == b.Month() && d.Day() < b.Day()) {
		age--
	}
	if age < 0 || age > maxAge {
		return 0
	}
	return age
}

// ResolveAge prefers an explicit age field, then death-scoped text, then the
// birth/death delta.
func ResolveAge(explicit, text, birth, death string) int {
	if m := explicitAgeExpr.FindString(explicit); m != "" {
		if n, err := strconv.Atoi(m); err == nil && n > 0 && n <= maxAge {
			return n
		}
	}
	if n := ExtractAge(text); n > 0 {
		return n
	}
	return AgeFromDates(birth, death)
}

// mentionsDeath matches whole words only, so "studied" or "engaged" do not
// count.
func mentionsDeath(sentence string) bool {
	return deathExpr.MatchString(sentence)
}

// DeathDateFromText returns the first parseable date inside a sentence that
// talks about the death, so birth dates in the biography are not picked up.
func DeathDateFromText(text string) string {
	for _, sentence := range sentenceSplitExpr.Split(text, -1) {
		if !mentionsDeath(sentence) {
			continue
		}
		if d := ParseDate(sentence); d != "" {
			return d
		}
	}
	return ""
}
