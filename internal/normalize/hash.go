package normalize

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"ObituaryScanner/internal/domain"
)

var (
	parentheticalExpr = regexp.MustCompile(`\([^)]*\)|"[^"]*"|“[^”]*”`)
	nonAlnumExpr      = regexp.MustCompile(`[^a-z0-9]+`)
	honorificExpr     = regexp.MustCompile(`^(mr|mrs|ms|miss|dr|rev|sr|sister|father)\s+`)
	funeralNoiseExpr  = regexp.MustCompile(`\b(the|funeral|home|homes|chapel|chapels|ltd|inc|limited|and|cremation|centre|center|services?)\b`)
)

// ProvenanceHash fingerprints the identifying facts of an obituary. Two
// records with the same normalized name, death date, funeral home and city
// always hash equal.
func ProvenanceHash(name, dateOfDeath, funeralHome, city string) string {
	death := ""
	if domain.ValidDate(dateOfDeath) {
		death = strings.TrimSpace(dateOfDeath)
	}
	key := strings.Join([]string{
		NormalizeName(name),
		death,
		NormalizeFuneralHome(funeralHome),
		strings.ToLower(strings.TrimSpace(city)),
	}, "|")
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NormalizeName folds accents and case and drops nicknames, maiden-name
// parentheticals and honorifics.
func NormalizeName(name string) string {
	s := parentheticalExpr.ReplaceAllString(name, " ")
	s = fold(s)
	s = nonAlnumExpr.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = honorificExpr.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeFuneralHome strips generic words so "Smith Funeral Home Ltd." and
// "The Smith Funeral Homes" compare equal.
func NormalizeFuneralHome(name string) string {
	s := fold(name)
	s = strings.ReplaceAll(s, "&", " ")
	s = nonAlnumExpr.ReplaceAllString(s, " ")
	s = funeralNoiseExpr.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// ContentHash fingerprints a rewritten description so the auditor can tell
// whether the text changed since its last audit.
func ContentHash(text string) string {
	sum := sha1.Sum([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
