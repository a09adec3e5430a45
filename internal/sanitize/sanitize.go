// Package sanitize normalizes untrusted filenames and display names into
// safe object-key path segments.
package sanitize

import (
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldDiacritics decomposes the input and drops combining marks, so
// "Señorío" becomes "Senorio". Transformation errors fall back to the
// original string rather than failing the caller.
func foldDiacritics(s string) string {
	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		return s
	}
	return out
}

func slugRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-'
}

func fileRune(r rune) bool {
	return slugRune(r) || r == '.' || r == '(' || r == ')'
}

// Slug reduces s to `[A-Za-z0-9_-]*` with length at most max (max <= 0 means
// no cap). Whitespace and every disallowed character become underscores,
// runs of underscores collapse, and leading/trailing underscores are
// trimmed. An input with nothing salvageable yields the empty string; it is
// the caller's job to substitute a fallback segment.
func Slug(s string, max int) string {
	out := sanitize(s, max, slugRune, false)
	return out
}

// FileName reduces s to a safe filename segment using a wider allow-list
// that keeps dots and parentheses. When truncation is needed a trailing
// extension of up to 10 characters is preserved.
func FileName(s string, max int) string {
	return sanitize(s, max, fileRune, true)
}

func sanitize(s string, max int, allowed func(rune) bool, keepExt bool) string {
	folded := foldDiacritics(s)
	var b strings.Builder
	b.Grow(len(folded))
	lastUnderscore := true // trims leading underscores
	for _, r := range folded {
		switch {
		case allowed(r):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "_")
	if max > 0 && len(out) > max {
		out = truncate(out, max, keepExt)
	}
	return strings.Trim(out, "_.")
}

func truncate(s string, max int, keepExt bool) string {
	if !keepExt {
		return s[:max]
	}
	ext := path.Ext(s)
	if ext == "" || len(ext) > 10 || len(ext) >= max {
		return s[:max]
	}
	base := strings.TrimSuffix(s, ext)
	if len(base) > max-len(ext) {
		base = base[:max-len(ext)]
	}
	return base + ext
}
