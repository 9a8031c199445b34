package dispatch

import (
	"regexp"
	"strings"

	"github.com/xrash/smetrics"
)

// nonWord matches everything except ASCII word characters and whitespace.
var nonWord = regexp.MustCompile(`[^A-Za-z0-9_\s]`)

func normalizePhrase(s string) string {
	return strings.TrimSpace(nonWord.ReplaceAllString(strings.ToLower(s), ""))
}

// IsFuzzyMatch reports whether input is within tolerance edits of target
// after lowercasing and stripping punctuation. Empty input never matches.
func IsFuzzyMatch(input, target string, tolerance int) bool {
	in := normalizePhrase(input)
	if in == "" {
		return false
	}
	return smetrics.WagnerFischer(in, normalizePhrase(target), 1, 1, 1) <= tolerance
}
