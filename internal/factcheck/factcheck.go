// Package factcheck decides whether a rewritten obituary still carries every
// material fact of its source record. It is the only gate to publication and
// is shared by the rewriter and the auditor.
package factcheck

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"ObituaryScanner/internal/domain"
)

// Code names the first fact check that failed.
type Code string

const (
	CodeLengthOutOfRange Code = "length_out_of_range"
	CodeNameMissing      Code = "name_missing"
	CodeDeathYearMissing Code = "death_year_missing"
	CodeDeathDayMissing  Code = "death_day_missing"
	CodeAgeMissing       Code = "age_missing"
	CodeCityMissing      Code = "city_missing"
	CodeLLMArtifact      Code = "llm_artifact"
)

// DefaultArtifacts are meta phrases that betray an unedited model reply.
var DefaultArtifacts = []string{
	"as an ai",
	"as a language model",
	"i cannot",
	"i can't",
	"i'm sorry",
	"here is",
	"here's",
	"certainly!",
	"sure!",
	"disclaimer:",
	"note:",
	"rewritten obituary",
	"[insert",
}

var (
	nameSuffixes = map[string]bool{"jr": true, "sr": true, "ii": true, "iii": true, "iv": true}
	parenExpr    = regexp.MustCompile(`\([^)]*\)|"[^"]*"|“[^”]*”`)
	nameSplit    = regexp.MustCompile(`[\s,.]+`)
)

// Failure is a named validation failure.
type Failure struct {
	Code   Code
	Detail string
}

func (f *Failure) Error() string {
	if f.Detail == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Detail)
}

// Validator runs the ordered checks.
type Validator struct {
	minLen    int
	maxLen    int
	artifacts []string
}

// New builds a validator accepting 50 to 5000 characters. A nil artifact list
// uses DefaultArtifacts.
func New(artifacts []string) *Validator {
	if artifacts == nil {
		artifacts = DefaultArtifacts
	}
	lowered := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
			lowered = append(lowered, a)
		}
	}
	return &Validator{minLen: 50, maxLen: 5000, artifacts: lowered}
}

// Check returns nil when text preserves rec's facts, otherwise a *Failure
// for the first check that failed.
func (v *Validator) Check(rec domain.Obituary, text string) error {
	trimmed := strings.TrimSpace(text)
	lower := strings.ToLower(trimmed)

	if n := utf8.RuneCountInString(trimmed); n < v.minLen || n > v.maxLen {
		return &Failure{Code: CodeLengthOutOfRange, Detail: fmt.Sprintf("%d characters", n)}
	}

	if key := NameKey(rec.Name); key != "" && !strings.Contains(lower, strings.ToLower(key)) {
		return &Failure{Code: CodeNameMissing, Detail: key}
	}

	if domain.ValidDate(rec.DateOfDeath) {
		if d, err := time.Parse("2006-01-02", strings.TrimSpace(rec.DateOfDeath)); err == nil {
			year := strconv.Itoa(d.Year())
			if !strings.Contains(trimmed, year) {
				return &Failure{Code: CodeDeathYearMissing, Detail: year}
			}
			day := strconv.Itoa(d.Day())
			if !strings.Contains(trimmed, day) {
				return &Failure{Code: CodeDeathDayMissing, Detail: day}
			}
		}
	}

	if rec.Age > 0 {
		age := strconv.Itoa(rec.Age)
		if !strings.Contains(trimmed, age) {
			return &Failure{Code: CodeAgeMissing, Detail: age}
		}
	}

	if city := rec.City(); city != "" && !strings.Contains(lower, strings.ToLower(city)) {
		return &Failure{Code: CodeCityMissing, Detail: city}
	}

	for _, a := range v.artifacts {
		if strings.Contains(lower, a) {
			return &Failure{Code: CodeLLMArtifact, Detail: a}
		}
	}
	return nil
}

// NameKey returns the part of a name the text must mention: the last name, or
// the first name when the last is shorter than three letters.
func NameKey(name string) string {
	cleaned := parenExpr.ReplaceAllString(name, " ")
	var parts []string
	for _, p := range nameSplit.Split(cleaned, -1) {
		if p == "" || nameSuffixes[strings.ToLower(p)] {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if utf8.RuneCountInString(last) < 3 {
		return parts[0]
	}
	return last
}
