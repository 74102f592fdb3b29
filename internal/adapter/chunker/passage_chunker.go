// Package chunker splits long source documents into evidence-sized passages.
package chunker

import (
	"strings"
	"unicode"

	"evcache/internal/adapter/analyzer"
)

// PassageChunker groups sentences into passages of at most maxTokens,
// carrying overlap tokens of trailing sentences into the next passage.
type PassageChunker struct {
	maxTokens int
	overlap   int
	tokenizer *analyzer.Tokenizer
}

func NewPassageChunker(maxTokens, overlap int, tokenizer *analyzer.Tokenizer) *PassageChunker {
	if maxTokens <= 0 {
		maxTokens = 120
	}
	return &PassageChunker{
		maxTokens: maxTokens,
		overlap:   overlap,
		tokenizer: tokenizer,
	}
}

// Split returns the passages of text in document order. A sentence longer
// than maxTokens becomes a passage of its own.
func (c *PassageChunker) Split(text string) []string {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var passages []string
	start := 0

	for start < len(sentences) {
		end := start
		tokens := 0

		for end < len(sentences) {
			n := c.tokenizer.CountTokens(sentences[end])
			if tokens > 0 && tokens+n > c.maxTokens {
				break
			}
			tokens += n
			end++
		}
		if end == start {
			end++
		}

		passages = append(passages, strings.Join(sentences[start:end], " "))
		if end >= len(sentences) {
			break
		}

		next := end - c.overlapSentences(sentences, start, end)
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return passages
}

func (c *PassageChunker) overlapSentences(sentences []string, start, end int) int {
	if c.overlap == 0 {
		return 0
	}

	count := 0
	tokens := 0
	for i := end - 1; i > start && tokens < c.overlap; i-- {
		tokens += c.tokenizer.CountTokens(sentences[i])
		count++
	}
	return count
}

// splitSentences breaks text at ., ! or ? followed by whitespace, and at
// blank lines. Whitespace inside a sentence is collapsed.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		s := strings.Join(strings.Fields(current.String()), " ")
		if s != "" {
			sentences = append(sentences, s)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			flush()
			continue
		}
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			flush()
		}
	}
	flush()

	return sentences
}
