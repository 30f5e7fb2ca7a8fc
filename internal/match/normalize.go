package match

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Homoglyphs frequently substituted into scam text to dodge keyword
// screening. Kept deliberately small: common Cyrillic/Greek lookalikes
// plus a handful of stylistic characters.
var confusables = map[rune]rune{
	'а': 'a', // Cyrillic а
	'е': 'e', // Cyrillic е
	'о': 'o', // Cyrillic о
	'р': 'p', // Cyrillic р
	'с': 'c', // Cyrillic с
	'у': 'y', // Cyrillic у
	'х': 'x', // Cyrillic х
	'і': 'i', // Cyrillic і
	'ѕ': 's', // Cyrillic ѕ
	'α': 'a', // Greek α
	'ε': 'e', // Greek ε
	'ι': 'i', // Greek ι
	'ο': 'o', // Greek ο
	'ρ': 'p', // Greek ρ
	'υ': 'u', // Greek υ
	'’': '\'',
}

// Zero-width and soft-hyphen characters used to split keywords invisibly.
// Escaped forms: a raw U+FEFF is only legal as the first rune of a file.
func isZeroWidth(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\u2060', '\ufeff', '\u00ad':
		return true
	}
	return false
}

// Normalize produces the canonical form every rule kind matches against:
// lower-cased, zero-width characters stripped, combining marks removed
// (NFD fold), common homoglyphs mapped to ASCII, runs of separator
// characters collapsed to a single one.
func Normalize(text string) string {
	// Re-created per call: norm transformers are stateful and not
	// safe for concurrent reuse.
	fold := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(fold, text)
	if err != nil {
		folded = text
	}

	var b strings.Builder
	b.Grow(len(folded))
	var lastSep bool
	for _, r := range strings.ToLower(folded) {
		if isZeroWidth(r) {
			continue
		}
		if mapped, ok := confusables[r]; ok {
			r = mapped
		}
		// Fullwidth forms map straight back to ASCII.
		if r >= '！' && r <= '～' {
			r = r - '！' + '!'
		}
		if r == '\u00a0' {
			r = ' '
		}
		sep := !unicode.IsLetter(r) && !unicode.IsNumber(r)
		if sep && lastSep {
			continue
		}
		lastSep = sep
		b.WriteRune(r)
	}
	return b.String()
}

// Skeleton strips every non-letter, non-digit rune from the normalized
// form. Substring rules are additionally checked against the skeleton so
// that "d.i.s.c.o.r.d" still hits a "discord" pattern.
func Skeleton(text string) string {
	normed := Normalize(text)
	var b strings.Builder
	b.Grow(len(normed))
	for _, r := range normed {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// containsWord reports whether needle occurs in haystack bounded by
// non-alphanumeric runes on both sides. Both inputs must already be
// normalized.
func containsWord(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	for start := 0; ; {
		idx := strings.Index(haystack[start:], needle)
		if idx < 0 {
			return false
		}
		idx += start
		if boundaryBefore(haystack, idx) && boundaryAfter(haystack, idx+len(needle)) {
			return true
		}
		start = idx + 1
	}
}

func boundaryBefore(s string, idx int) bool {
	if idx == 0 {
		return true
	}
	r := lastRune(s[:idx])
	return !unicode.IsLetter(r) && !unicode.IsNumber(r)
}

func boundaryAfter(s string, idx int) bool {
	if idx >= len(s) {
		return true
	}
	for _, r := range s[idx:] {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	}
	return true
}

func lastRune(s string) rune {
	var last rune
	for _, r := range s {
		last = r
	}
	return last
}
