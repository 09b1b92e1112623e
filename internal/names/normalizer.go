// Package names implements name normalisation, the nickname cluster table
// and the name-lookup candidate expansion that feed the contact matcher.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize produces the canonical lookup key for a name token: lowercased,
// diacritics stripped, punctuation and whitespace removed.
func Normalize(name string) string {
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		// Malformed input contributes whatever survives plain filtering.
		folded = name
	}
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// CompareComplexity ranks display names for aggregate display-name
// selection: a mixed-case name beats a mono-case one, then a longer
// normalized name beats a shorter one. Returns >0 if a is preferable.
func CompareComplexity(a, b string) int {
	if d := caseVariety(a) - caseVariety(b); d != 0 {
		return d
	}
	return len([]rune(Normalize(a))) - len([]rune(Normalize(b)))
}

func caseVariety(s string) int {
	var hasUpper, hasLower bool
	for _, r := range s {
		if unicode.IsUpper(r) {
			hasUpper = true
		} else if unicode.IsLower(r) {
			hasLower = true
		}
	}
	switch {
	case hasUpper && hasLower:
		return 2
	case hasUpper || hasLower:
		return 1
	default:
		return 0
	}
}
