package summarize

import "strings"

// Truncate cuts s to at most max runes, never splitting a rune. The same
// input always yields the same output. Trailing whitespace is dropped so
// repeated truncation is stable.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n == max {
			return strings.TrimRight(s[:i], " \t\n\r")
		}
		n++
	}
	return strings.TrimRight(s, " \t\n\r")
}
