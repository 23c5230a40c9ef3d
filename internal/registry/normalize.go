package registry

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var caseFolder = cases.Fold()

// normalizeName canonicalizes a surface form for alias matching: Unicode
// NFKD, combining marks removed, case folded, punctuation stripped, spaces
// collapsed. "José", "JOSE" and "jose." all normalize identically.
func normalizeName(name string) string {
	decomposed := norm.NFKD.String(name)
	folded := caseFolder.String(decomposed)

	var b strings.Builder
	b.Grow(len(folded))
	lastSpace := true
	for _, r := range folded {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark left over from NFKD decomposition.
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r) || r == '-' || r == '\'':
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// nicknameKey maps the leading token of a normalized name through the
// common-nickname table, so "bobby smith" and "robert smith" collide.
func nicknameKey(normalized string) string {
	if normalized == "" {
		return ""
	}
	fields := strings.Fields(normalized)
	if canonical, ok := nicknames[fields[0]]; ok {
		fields[0] = canonical
	}
	return strings.Join(fields, " ")
}
