package intent

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// invisible lists format characters that users (and keyboards) scatter
// through Indic text without changing how it reads.
var invisible = strings.NewReplacer(
	"\u200b", "",
	"\u200c", "",
	"\u200d", "",
	"\u2060", "",
	"\ufeff", "",
	"\u00ad", "",
)

// Normalize maps text to the canonical form used for keyword matching:
// NFKC, invisible characters removed, lower-cased, whitespace collapsed.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = invisible.Replace(s)
	s = strings.ToLower(s)
	return strings.Join(strings.Fields(s), " ")
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
