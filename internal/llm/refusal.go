package llm

import "strings"

// Refusal phrasings providers emit instead of a hard content_filter finish
// reason. A match is classified as a policy error, not prose.
var refusalPatterns = []string{
	"i'm sorry, but i can't help with that",
	"i cannot help with that",
	"i can't assist with that",
	"i'm unable to help with that",
	"i apologize, but i cannot",
	"i'm not able to assist",
	"i cannot provide",
	"i cannot generate",
	"i'm sorry, i cannot",
	"i'm sorry, but i cannot",
	"i don't feel comfortable",
}

// isRefusal checks whether a short response is a refusal rather than prose.
// Only the head of the text is examined; a long scene that happens to contain
// a refusal phrase in dialogue is not a refusal.
func isRefusal(text string) bool {
	head := strings.ToLower(strings.TrimSpace(text))
	if len(head) > 300 {
		return false
	}
	for _, pattern := range refusalPatterns {
		if strings.Contains(head, pattern) {
			return true
		}
	}
	return false
}
