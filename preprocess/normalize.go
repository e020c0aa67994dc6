package preprocess

import (
	"strings"
	"unicode"
)

// Normalize canonicalizes request content: control characters are
// stripped, Unicode whitespace becomes ASCII space, runs collapse to
// one space, and the result is trimmed. The function is idempotent:
// Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		case unicode.IsControl(r):
			// dropped
		default:
			b.WriteRune(r)
			lastSpace = false
		}
	}
	return strings.TrimSpace(b.String())
}
