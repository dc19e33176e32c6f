// Package textnorm canonicalizes free-text codes (snapshot reasons, decisions)
// so they can be compared against a fixed taxonomy.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// replacementChar shows up in exports decoded with the wrong charset; in the
// authority's files it almost always stands for an accented O.
const replacementChar = '�'

// Normalize uppercases raw, strips Latin diacritics, maps the Unicode
// replacement character to O, collapses whitespace runs and trims.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	s := strings.ToUpper(raw)
	s = strings.Map(func(r rune) rune {
		if r == replacementChar {
			return 'O'
		}
		return r
	}, s)

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}
	return strings.Join(strings.Fields(s), " ")
}

// Contains reports whether the normalized form of s contains marker, which is
// expected to be normalized already.
func Contains(s, marker string) bool {
	if marker == "" {
		return false
	}
	return strings.Contains(Normalize(s), marker)
}
