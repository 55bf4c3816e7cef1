package secondaryindex

import (
	"strings"
	"unicode"
)

// Tokenize splits s into lowercase tokens on Unicode word boundaries:
// maximal runs of letters and digits, discarding everything else
// (punctuation, whitespace, symbols). It is intentionally simple — no
// stemming, no stop-word removal — since the full-text index only needs
// exact-token matching, not ranked relevance.
func Tokenize(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			cur.WriteRune(unicode.ToLower(r))
		} else {
			flush()
		}
	}
	flush()
	return tokens
}
