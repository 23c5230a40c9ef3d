package pipeline

import (
	"strings"
	"unicode"
)

// SplitUnits breaks raw narrative text into ordered classification units.
// Units end at paragraph breaks and at sentence punctuation, but never
// inside a quoted span, so a tagged quote and its attribution stay together.
func SplitUnits(text string) []string {
	var units []string
	var current strings.Builder
	inQuote := false

	flush := func() {
		unit := strings.TrimSpace(current.String())
		current.Reset()
		if unit != "" {
			units = append(units, unit)
		}
	}

	isCloser := func(r rune) bool { return r == '"' || r == '”' || r == '\'' }

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '"':
			inQuote = !inQuote
			current.WriteRune(r)
		case '“':
			inQuote = true
			current.WriteRune(r)
		case '”':
			inQuote = false
			current.WriteRune(r)
		case '\n':
			flush()
			inQuote = false
		case '.', '!', '?':
			current.WriteRune(r)
			if inQuote {
				// Sentence punctuation ends the unit only when the quote
				// closes right after it; `"Wait. Listen," said Mira.` stays
				// whole.
				if i+1 < len(runes) && isCloser(runes[i+1]) {
					i++
					current.WriteRune(runes[i])
					inQuote = false
				} else {
					continue
				}
				// A lowercase continuation is a dialogue tag; keep it with
				// the quote so attribution survives: `"Go!" shouted Bram.`
				j := i + 1
				for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t') {
					j++
				}
				if j < len(runes) && unicode.IsLower(runes[j]) {
					continue
				}
			} else {
				for i+1 < len(runes) && isCloser(runes[i+1]) {
					i++
					current.WriteRune(runes[i])
				}
			}
			if i+1 >= len(runes) || runes[i+1] == ' ' || runes[i+1] == '\t' || runes[i+1] == '\n' {
				flush()
			}
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return units
}
