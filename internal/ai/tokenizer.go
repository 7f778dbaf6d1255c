package ai

import "strings"

// CountTokens estimates the token count of text. The heuristic counts
// whitespace-separated words for ASCII text and individual runes for CJK.
// It is deterministic, so a stored count can always be verified by
// re-counting the same content.
func CountTokens(text string) int {
	count := 0
	for _, r := range text {
		if r > 127 {
			count++
		}
	}
	words := strings.Fields(text)
	count += len(words)
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}
