package memory

import (
	"strings"
	"unicode"
)

// estimateTokens approximates a token count without a tokenizer: each
// whitespace-separated word counts once, plus one per CJK rune, since CJK
// text carries no spaces between words.
func estimateTokens(text string) int {
	count := len(strings.Fields(text))
	for _, r := range text {
		if isCJK(r) {
			count++
		}
	}
	return count
}

func isCJK(r rune) bool {
	return unicode.In(r,
		unicode.Han,
		unicode.Hiragana,
		unicode.Katakana,
		unicode.Hangul)
}
