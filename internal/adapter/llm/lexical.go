package llm

import (
	"context"

	"evcache/internal/adapter/analyzer"
)

// LexicalScorer scores a candidate by the share of viewpoint terms it
// contains. It needs no network and backs offline runs.
type LexicalScorer struct {
	tokenizer *analyzer.Tokenizer
}

func NewLexicalScorer() *LexicalScorer {
	return &LexicalScorer{tokenizer: analyzer.NewTokenizer()}
}

func (s *LexicalScorer) Score(_ context.Context, viewpoint, candidate string) (float64, error) {
	return s.overlap(s.terms(viewpoint), candidate), nil
}

func (s *LexicalScorer) ScoreBatch(_ context.Context, viewpoint string, candidates []string) ([]float64, error) {
	terms := s.terms(viewpoint)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = s.overlap(terms, c)
	}
	return scores, nil
}

func (s *LexicalScorer) ModelName() string {
	return "lexical-overlap"
}

func (s *LexicalScorer) terms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, tok := range s.tokenizer.Tokenize(text) {
		terms[tok] = struct{}{}
	}
	return terms
}

func (s *LexicalScorer) overlap(terms map[string]struct{}, doc string) float64 {
	if len(terms) == 0 {
		return 0
	}
	docTerms := s.terms(doc)

	matches := 0
	for term := range terms {
		if _, ok := docTerms[term]; ok {
			matches++
		}
	}
	return float64(matches) / float64(len(terms))
}
