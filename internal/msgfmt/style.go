package msgfmt

import (
	"regexp"
	"strings"
)

// Markdown inline markers. Underscore forms require a non-word rune (or
// string edge) on both sides so identifiers like snake_case survive.
var (
	reMono      = regexp.MustCompile("`([^`\n]+)`")
	reBoldStars = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	reBoldUnder = regexp.MustCompile(`(^|[^A-Za-z0-9_])__([^_\n]+)__($|[^A-Za-z0-9_])`)
	reItalStars = regexp.MustCompile(`\*([^*\n]+)\*`)
	reItalUnder = regexp.MustCompile(`(^|[^A-Za-z0-9_])_([^_\n]+)_($|[^A-Za-z0-9_])`)
)

// Stylize converts Markdown bold, italic, and inline-code spans to the
// corresponding Unicode mathematical alphanumeric symbols. Only ASCII
// letters (and digits, for bold and mono) are mapped, which makes the
// transform idempotent: already-styled code points sit outside the
// mapped ranges and pass through untouched.
func Stylize(text string) string {
	out := reMono.ReplaceAllStringFunc(text, func(m string) string {
		return mapRunes(m[1:len(m)-1], monoRune)
	})
	out = reBoldStars.ReplaceAllStringFunc(out, func(m string) string {
		return mapRunes(m[2:len(m)-2], boldRune)
	})
	out = replaceUnderscoreSpans(out, reBoldUnder, boldRune)
	out = reItalStars.ReplaceAllStringFunc(out, func(m string) string {
		return mapRunes(m[1:len(m)-1], italicRune)
	})
	out = replaceUnderscoreSpans(out, reItalUnder, italicRune)
	return out
}

// replaceUnderscoreSpans applies an underscore-delimited pattern whose
// first and third groups are the non-word context around the span.
func replaceUnderscoreSpans(s string, re *regexp.Regexp, mapper func(rune) rune) string {
	// ReplaceAll with groups cannot call a mapper, so expand manually.
	for {
		loc := re.FindStringSubmatchIndex(s)
		if loc == nil {
			return s
		}
		pre := s[loc[2]:loc[3]]
		body := s[loc[4]:loc[5]]
		post := s[loc[6]:loc[7]]
		var b strings.Builder
		b.WriteString(s[:loc[0]])
		b.WriteString(pre)
		b.WriteString(mapRunes(body, mapper))
		b.WriteString(post)
		b.WriteString(s[loc[1]:])
		s = b.String()
	}
}

func mapRunes(s string, f func(rune) rune) string {
	return strings.Map(f, s)
}

// Mathematical Bold: A-Z U+1D400, a-z U+1D41A, 0-9 U+1D7CE.
func boldRune(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return 0x1D400 + (r - 'A')
	case r >= 'a' && r <= 'z':
		return 0x1D41A + (r - 'a')
	case r >= '0' && r <= '9':
		return 0x1D7CE + (r - '0')
	}
	return r
}

// Mathematical Italic: A-Z U+1D434, a-z U+1D44E. The italic 'h' slot is
// reserved in Unicode; Planck's ℎ (U+210E) stands in. Digits have no
// italic form and pass through.
func italicRune(r rune) rune {
	switch {
	case r == 'h':
		return 0x210E
	case r >= 'A' && r <= 'Z':
		return 0x1D434 + (r - 'A')
	case r >= 'a' && r <= 'z':
		return 0x1D44E + (r - 'a')
	}
	return r
}

// Mathematical Monospace: A-Z U+1D670, a-z U+1D68A, 0-9 U+1D7F6.
func monoRune(r rune) rune {
	switch {
	case r >= 'A' && r <= 'Z':
		return 0x1D670 + (r - 'A')
	case r >= 'a' && r <= 'z':
		return 0x1D68A + (r - 'a')
	case r >= '0' && r <= '9':
		return 0x1D7F6 + (r - '0')
	}
	return r
}
