package cache

import (
	"strings"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// Normalize folds Unicode width/compatibility variants, lower-cases, and
// collapses whitespace so that visually or semantically identical prompts
// hash to the same cache key.
func Normalize(prompt string) string {
	folded := width.Fold.String(prompt)
	folded = norm.NFKC.String(folded)
	folded = strings.ToLower(folded)
	return collapseWhitespace(folded)
}

func collapseWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	lastWasSpace := false
	for _, r := range strings.TrimSpace(s) {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			if !lastWasSpace {
				b.WriteByte(' ')
				lastWasSpace = true
			}
			continue
		}
		lastWasSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
