package util

import (
	"regexp"
	"strings"
)

var jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")

// ExtractJSON extracts JSON content from an LLM response that may wrap it in
// markdown code fences, and attempts to close truncated arrays. Handles both
// arrays and objects.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	objectStart := strings.Index(s, "{")
	arrayStart := strings.Index(s, "[")

	// Prefer whichever structure opens first
	if objectStart != -1 && (arrayStart == -1 || objectStart < arrayStart) {
		if objectEnd := findMatchingBracket(s, objectStart, '{', '}'); objectEnd != -1 {
			return s[objectStart : objectEnd+1]
		}
	}

	if arrayStart != -1 {
		if arrayEnd := findMatchingBracket(s, arrayStart, '[', ']'); arrayEnd != -1 {
			return s[arrayStart : arrayEnd+1]
		}
		// Truncated array - try to close it
		lastQuote := strings.LastIndex(s, "\"")
		if lastQuote > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			return trimmed + "]"
		}
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for an opening
// bracket, skipping over strings and escape sequences. Returns -1 if no
// matching bracket is found.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch ch {
		case openChar:
			count++
		case closeChar:
			count--
			if count == 0 {
				return i
			}
		}
	}

	return -1
}

// RepairJSON fixes common structural issues in LLM-emitted JSON: trailing
// commas before closing brackets and unescaped newlines inside strings.
func RepairJSON(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		if ch == '\\' {
			b.WriteByte(ch)
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			b.WriteByte(ch)
			continue
		}

		if inString {
			// Escape raw control characters inside strings
			switch ch {
			case '\n':
				b.WriteString("\\n")
			case '\r':
				b.WriteString("\\r")
			case '\t':
				b.WriteString("\\t")
			default:
				b.WriteByte(ch)
			}
			continue
		}

		// Drop trailing commas before a closing bracket
		if ch == ',' {
			j := i + 1
			for j < len(s) && (s[j] == ' ' || s[j] == '\n' || s[j] == '\r' || s[j] == '\t') {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				continue
			}
		}

		b.WriteByte(ch)
	}

	return b.String()
}
