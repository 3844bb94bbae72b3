package core

import (
	"strings"
	"unicode"
)

const messageSeparator = "/"

// LocalizedMessage picks the display variant of a "/"-separated multilingual
// message: the first segment containing a non-Latin letter, otherwise the
// first non-empty segment.
func LocalizedMessage(message string) string {
	var first string
	for _, segment := range strings.Split(message, messageSeparator) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		if hasNonLatinLetter(segment) {
			return segment
		}
		if first == "" {
			first = segment
		}
	}

	return first
}

func hasNonLatinLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return true
		}
	}
	return false
}
