// Package keywords turns article text and editor feedback into a short
// shopping search phrase.
package keywords

import (
	"strings"
	"unicode"

	"github.com/WessleyAI/shopsearch/engine/domain"
)

// DefaultMaxWords caps generated phrases.
const DefaultMaxWords = 5

const quoteChars = "\"'`“”‘’«»"

// Format enforces the phrase shape every backend expects: one line, no
// quotes, no trailing punctuation, single spaces, at most maxWords words.
func Format(phrase string, maxWords int) (string, error) {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	line := ""
	for _, l := range strings.Split(phrase, "\n") {
		if strings.TrimSpace(l) != "" {
			line = l
			break
		}
	}
	line = strings.Map(func(r rune) rune {
		if strings.ContainsRune(quoteChars, r) {
			return -1
		}
		return r
	}, line)

	words := strings.Fields(line)
	if len(words) > maxWords {
		words = words[:maxWords]
	}
	out := strings.TrimRightFunc(strings.Join(words, " "), func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	if out == "" {
		return "", domain.NewValidationError("keywords", phrase, domain.ErrInvalidGeneration)
	}
	return out, nil
}
