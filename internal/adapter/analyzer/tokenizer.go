package analyzer

import (
	"strings"
	"unicode"
)

// Tokenizer splits opinion and passage text into lowercase content words.
type Tokenizer struct {
	stopwords map[string]struct{}
	minLen    int
}

// NewTokenizer creates a Tokenizer with the default English stopword list.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		stopwords: defaultStopwords(),
		minLen:    2,
	}
}

// Tokenize returns lowercase tokens with stopwords and short words removed.
func (t *Tokenizer) Tokenize(text string) []string {
	words := splitWords(text)
	tokens := make([]string, 0, len(words))

	for _, word := range words {
		word = strings.ToLower(word)
		if len([]rune(word)) < t.minLen {
			continue
		}
		if t.IsStopword(word) {
			continue
		}
		tokens = append(tokens, word)
	}

	return tokens
}

// IsStopword reports whether the lowercase word is ignored by Tokenize.
func (t *Tokenizer) IsStopword(word string) bool {
	_, ok := t.stopwords[word]
	return ok
}

// CountTokens returns an approximate model token count.
// Average English word is about 1.3 tokens.
func (t *Tokenizer) CountTokens(text string) int {
	words := splitWords(text)
	if len(words) == 0 {
		return 0
	}
	return int(float64(len(words)) * 1.3)
}

// splitWords splits text on anything that is not a letter or digit.
// Apostrophes inside a word are kept so "don't" stays one word.
func splitWords(text string) []string {
	var words []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		inner := r == '\'' && current.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1])
		if unicode.IsLetter(r) || unicode.IsDigit(r) || inner {
			current.WriteRune(r)
			continue
		}
		if current.Len() > 0 {
			words = append(words, current.String())
			current.Reset()
		}
	}
	if current.Len() > 0 {
		words = append(words, current.String())
	}

	return words
}

func defaultStopwords() map[string]struct{} {
	stops := []string{
		"a", "an", "and", "are", "as", "at", "be", "by", "for",
		"from", "has", "he", "in", "is", "it", "its", "of", "on",
		"that", "the", "to", "was", "were", "will", "with", "this",
		"have", "had", "but", "not", "you", "your", "we", "our",
		"they", "their", "she", "her", "his", "if", "or", "so",
		"no", "can", "do", "does", "did", "been", "being", "would",
		"could", "should", "may", "might", "must", "shall", "which",
		"who", "whom", "what", "when", "where", "why", "how", "all",
		"each", "every", "both", "few", "more", "most", "other",
		"some", "such", "than", "too", "very", "just", "also",
		"think", "believe", "feel", "really", "much", "many", "i",
		"me", "my", "don't", "doesn't", "isn't", "there", "these",
		"those", "about", "into", "over", "only", "own", "make", "makes",
		"improves", "improve", "better", "worse", "good", "bad",
	}
	m := make(map[string]struct{}, len(stops))
	for _, s := range stops {
		m[s] = struct{}{}
	}
	return m
}
