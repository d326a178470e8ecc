package model

import (
	"strconv"
	"unicode/utf8"
)

// TruncateText keeps at most max bytes of s, cutting on a rune boundary, and
// appends a marker naming how many bytes were dropped. It reports whether s
// was cut. A non-positive max disables the bound.
func TruncateText(s string, max int) (string, bool) {
	if max <= 0 || len(s) <= max {
		return s, false
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n[truncated " + strconv.Itoa(len(s)-cut) + " bytes]", true
}
