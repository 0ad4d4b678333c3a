package store

import (
	"strings"
	"unicode"
)

// snake lower-cases s and joins words with underscores: "Thesis Review" and
// "thesisReview" both become "thesis_review".
func snake(s string) string {
	s = strings.TrimSpace(s)
	var b strings.Builder
	prevUnderscore := true
	runes := []rune(s)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if !prevUnderscore && i > 0 && unicode.IsLower(runes[i-1]) {
				b.WriteRune('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
