package security

import (
	"regexp"
	"unicode/utf8"
)

// TruncationMarker is appended to output cut by SanitizeOutput.
const TruncationMarker = "\n[output truncated]"

var sandboxPath = regexp.MustCompile(`(^|[^\w/.])/(?:workspace|tmp)\b`)

// SanitizeOutput hides sandbox paths and cuts s to at most limit bytes on a
// rune boundary, TruncationMarker included. A limit too small for the marker
// cuts without it. A non-positive limit disables truncation.
func SanitizeOutput(s string, limit int) string {
	s = sandboxPath.ReplaceAllString(s, "${1}[sandbox]")
	if limit <= 0 || len(s) <= limit {
		return s
	}
	if limit < len(TruncationMarker) {
		return s[:runeCut(s, limit)]
	}
	return s[:runeCut(s, limit-len(TruncationMarker))] + TruncationMarker
}

// runeCut returns the largest rune boundary of s not beyond n.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
