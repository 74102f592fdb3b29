package port

import (
	"context"

	"evcache/internal/domain"
)

// Classifier extracts the topic and the single most central keyword of an opinion.
type Classifier interface {
	Classify(ctx context.Context, text string) (domain.Classification, error)
}

// EvidenceSearcher fetches raw evidence passages from an external source.
// An empty result is valid.
type EvidenceSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]domain.Candidate, error)
}

// Scorer rates how acceptable a candidate passage is as evidence for a viewpoint.
// Higher is better; callers clamp the score to [0, 1].
type Scorer interface {
	Score(ctx context.Context, viewpoint, candidate string) (float64, error)

	// ModelName returns the name of the scoring model.
	ModelName() string
}

// BatchScorer scores all candidates in one call. Scorers that implement it
// are preferred over per-candidate calls.
type BatchScorer interface {
	Scorer
	ScoreBatch(ctx context.Context, viewpoint string, candidates []string) ([]float64, error)
}
