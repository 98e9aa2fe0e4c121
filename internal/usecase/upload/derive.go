package upload

import (
	"strings"
	"unicode/utf8"
)

// maxExtractedText bounds the stored derived text.
const maxExtractedText = 8192

// summarySentences is how many leading sentences the summary keeps.
const summarySentences = 3

// extractFileText derives text content from a file payload. Only payloads
// that already look like text are used; binary formats get the description
// as a stand-in until a real extractor is wired.
func extractFileText(data []byte, mimeType, description string) string {
	if strings.HasPrefix(mimeType, "text/") && utf8.Valid(data) {
		return truncate(string(data), maxExtractedText)
	}
	return truncate(description, maxExtractedText)
}

// summarize keeps the first few sentences of the text.
func summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	count := 0
	for i, r := range text {
		if r == '.' || r == '!' || r == '?' {
			count++
			if count == summarySentences {
				return strings.TrimSpace(text[:i+1])
			}
		}
	}
	return truncate(text, 512)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back off to a rune boundary.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
