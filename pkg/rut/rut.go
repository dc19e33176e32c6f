// Package rut canonicalizes Chilean national identifiers (RUN/RUT) into the
// comparable "body-check" form used as the matching key across snapshots and
// registrations.
package rut

import "strings"

// MaxLength bounds a canonical identifier: an eight or nine digit body, the
// hyphen and the check character, with one character of slack.
const MaxLength = 12

// Normalize returns the canonical form of raw. It keeps digits, the check
// letter K (uppercased) and hyphens. A caller-supplied hyphen is trusted;
// otherwise the last character is split off as the check character when the
// body is numeric. Anything shorter than two characters yields "".
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == 'k' || r == 'K':
			b.WriteByte('K')
		}
	}
	cleaned := b.String()
	if len(cleaned) < 2 {
		return ""
	}
	if strings.Contains(cleaned, "-") {
		return cleaned
	}

	body, check := cleaned[:len(cleaned)-1], cleaned[len(cleaned)-1:]
	if !isDigits(body) {
		return cleaned
	}
	return body + "-" + check
}

// Valid reports whether a canonical identifier carries a correct modulo-11
// check character.
func Valid(canonical string) bool {
	body, check, ok := strings.Cut(canonical, "-")
	if !ok || body == "" || len(check) != 1 || !isDigits(body) {
		return false
	}
	return CheckDigit(body) == check
}

// CheckDigit computes the modulo-11 check character for a numeric body.
func CheckDigit(body string) string {
	sum, factor := 0, 2
	for i := len(body) - 1; i >= 0; i-- {
		sum += int(body[i]-'0') * factor
		factor++
		if factor > 7 {
			factor = 2
		}
	}
	switch rem := 11 - sum%11; rem {
	case 11:
		return "0"
	case 10:
		return "K"
	default:
		return string(rune('0' + rem))
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
