// Package normalize turns scraped obituary text into canonical values: ISO
// dates, ages, city names and the provenance hash used for deduplication.
package normalize

import (
	"regexp"
	"strings"
	"time"
)

const isoLayout = "2006-01-02"

var (
	yearOnlyExpr = regexp.MustCompile(`^\s*\d{4}\s*$`)
	yearExpr     = regexp.MustCompile(`\b(1[89]\d{2}|20\d{2})\b`)
	ordinalExpr  = regexp.MustCompile(`(?i)\b(\d{1,2})(st|nd|rd|th)\b`)
	weekdayExpr  = regexp.MustCompile(`(?i)^(monday|tuesday|wednesday|thursday|friday|saturday|sunday|mon|tue|tues|wed|thu|thur|thurs|fri|sat|sun)\b[,.]?\s*`)
	spaceExpr    = regexp.MustCompile(`\s+`)

	monthDayYearExpr = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(st|nd|rd|th)?,?\s+\d{4}\b`)
	dayMonthYearExpr = regexp.MustCompile(`(?i)\b\d{1,2}(st|nd|rd|th)?\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+\d{4}\b`)
	isoDateExpr      = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	monthYearExpr    = regexp.MustCompile(`(?i)^(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]* (\d{4})$`)
	rangeSplitExpr   = regexp.MustCompile(`\s*[–—]\s*|\s+-{1,2}\s+|\s+to\s+`)
)

var dateLayouts = []string{
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	isoLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
}

// ParseDate converts free-form date text to YYYY-MM-DD. Bare years, fragments
// without a year and anything unparseable return "" so that a missing date is
// never replaced by the current day.
func ParseDate(raw string) string {
	s := cleanDateText(raw)
	if len(s) < 6 || yearOnlyExpr.MatchString(s) || !yearExpr.MatchString(s) {
		return ""
	}

	if d := parseLayouts(s); d != "" {
		return d
	}

	for _, expr := range []*regexp.Regexp{monthDayYearExpr, dayMonthYearExpr, isoDateExpr} {
		if m := expr.FindString(s); m != "" {
			if d := parseLayouts(cleanDateText(m)); d != "" {
				return d
			}
		}
	}
	return ""
}

// ParseDateRange splits "March 1, 1945 – February 13, 2026" into birth and
// death dates. A single date is taken as the death date. Ends known only to
// the month stay empty; AgeFromRange still uses them.
func ParseDateRange(raw string) (birth, death string) {
	parts := rangeSplitExpr.Split(strings.TrimSpace(raw), -1)
	var kept []string
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	switch len(kept) {
	case 0:
		return "", ""
	case 1:
		return "", ParseDate(kept[0])
	default:
		return ParseDate(kept[0]), ParseDate(kept[len(kept)-1])
	}
}

// MonthYear is a date known only to the month.
type MonthYear struct {
	Year  int
	Month time.Month
}

// ParseMonthYear accepts "March 1945", "Jan. 2026" or any full date. Bare
// years and day-month fragments are rejected.
func ParseMonthYear(raw string) (MonthYear, bool) {
	if d := ParseDate(raw); d != "" {
		t, _ := time.Parse(isoLayout, d)
		return MonthYear{Year: t.Year(), Month: t.Month()}, true
	}
	s := cleanDateText(raw)
	if !monthYearExpr.MatchString(s) {
		return MonthYear{}, false
	}
	for _, layout := range []string{"January 2006", "Jan 2006"} {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1850 || t.Year() > 2100 {
			return MonthYear{}, false
		}
		return MonthYear{Year: t.Year(), Month: t.Month()}, true
	}
	return MonthYear{}, false
}

// AgeFromRange computes the age from a "March 1945 – Jan 2026" style range
// whose ends may only be known to the month. When both ends fall in the same
// month the age is ambiguous and 0 is returned.
func AgeFromRange(raw string) int {
	parts := rangeSplitExpr.Split(strings.TrimSpace(raw), -1)
	if len(parts) < 2 {
		return 0
	}
	birth, ok := ParseMonthYear(parts[0])
	if !ok {
		return 0
	}
	death, ok := ParseMonthYear(parts[len(parts)-1])
	if !ok || death.Month == birth.Month {
		return 0
	}
	age := death.Year - birth.Year
	if death.Month < birth.Month {
		age--
	}
	if age < 0 || age > maxAge {
		return 0
	}
	return age
}

func parseLayouts(s string) string {
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if t.Year() < 1850 || t.Year() > 2100 {
			return ""
		}
		return t.Format(isoLayout)
	}
	return ""
}

func cleanDateText(raw string) string {
	s := strings.TrimSpace(raw)
	s = weekdayExpr.ReplaceAllString(s, "")
	s = ordinalExpr.ReplaceAllString(s, "$1")
	s = strings.NewReplacer(",", " ", ".", " ", "Sept ", "Sep ", "sept ", "sep ").Replace(s)
	s = spaceExpr.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
