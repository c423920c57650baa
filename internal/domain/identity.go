package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Identity derives the stable project key from the project and client names.
// Accents are folded, case is dropped and every run of other characters
// becomes a single hyphen, e.g. "Riverside Café", "Acme Builders" gives
// "riverside-cafe--acme-builders".
func Identity(project, client string) string {
	p := Slug(project)
	c := Slug(client)
	switch {
	case p == "":
		return c
	case c == "":
		return p
	}
	return p + "--" + c
}

// Slug folds s to lowercase ASCII letters, digits and single hyphens.
func Slug(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if b.Len() > 0 && !dash {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
