package util

import "strings"

// CountWords counts whitespace-separated words in prose
func CountWords(s string) int {
	return len(strings.Fields(s))
}

// IsBlank reports whether a string is empty or whitespace-only
func IsBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
