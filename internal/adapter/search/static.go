package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"evcache/internal/adapter/analyzer"
	"evcache/internal/domain"
)

// StaticSearcher serves candidates from a JSON fixture file, an array of
// {"source", "text"} objects. Candidates sharing no content word with the
// query are skipped; the rest keep file order.
type StaticSearcher struct {
	candidates []domain.Candidate
	tokenizer  *analyzer.Tokenizer
}

// LoadStaticSearcher reads the fixture at path.
func LoadStaticSearcher(path string) (*StaticSearcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading search fixture: %w", err)
	}
	var candidates []domain.Candidate
	if err := json.Unmarshal(data, &candidates); err != nil {
		return nil, fmt.Errorf("parsing search fixture: %w", err)
	}
	return NewStaticSearcher(candidates), nil
}

func NewStaticSearcher(candidates []domain.Candidate) *StaticSearcher {
	return &StaticSearcher{
		candidates: candidates,
		tokenizer:  analyzer.NewTokenizer(),
	}
}

func (s *StaticSearcher) Search(ctx context.Context, query string, limit int) ([]domain.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	terms := make(map[string]struct{})
	for _, tok := range s.tokenizer.Tokenize(query) {
		terms[tok] = struct{}{}
	}

	var out []domain.Candidate
	for _, c := range s.candidates {
		if len(out) >= limit {
			break
		}
		if s.overlaps(terms, c.Text) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *StaticSearcher) overlaps(terms map[string]struct{}, text string) bool {
	for _, tok := range s.tokenizer.Tokenize(strings.ToLower(text)) {
		if _, ok := terms[tok]; ok {
			return true
		}
	}
	return false
}
