package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"evcache/config"
	"evcache/internal/adapter/analyzer"
	"evcache/internal/adapter/embedding"
	"evcache/internal/adapter/memstore"
	"evcache/internal/adapter/vectorindex"
	"evcache/internal/domain"
	"evcache/internal/port"
)

const testDim = 4

// scriptedEmbedder returns fixed vectors so tests control similarities
// exactly. Unknown texts are an error.
type scriptedEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
}

func newScriptedEmbedder(vectors map[string][]float32) *scriptedEmbedder {
	return &scriptedEmbedder{vectors: vectors}
}

func (e *scriptedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, ok := e.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector scripted for %q", text)
		}
		out[i] = append([]float32(nil), vec...)
	}
	return out, nil
}

func (e *scriptedEmbedder) Dimension() int    { return testDim }
func (e *scriptedEmbedder) ModelName() string { return "scripted" }

// unit returns a vector with cosine cos to axis a, leaning towards axis b.
func unit(a, b int, cos float64) []float32 {
	vec := make([]float32, testDim)
	vec[a] = float32(cos)
	vec[b] = float32(math.Sqrt(1 - cos*cos))
	return vec
}

type fakeClassifier struct {
	mu     sync.Mutex
	script map[string]domain.Classification
	err    error
	calls  int
}

func (c *fakeClassifier) Classify(_ context.Context, text string) (domain.Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return domain.Classification{}, c.err
	}
	cls, ok := c.script[text]
	if !ok {
		return domain.Classification{}, fmt.Errorf("unexpected opinion %q", text)
	}
	return cls, nil
}

// fakeSearcher returns a fixed candidate list. When gate is set, Search
// waits for it to close or for the call's context to end.
type fakeSearcher struct {
	mu         sync.Mutex
	candidates []domain.Candidate
	err        error
	calls      int
	lastLimit  int
	gate       chan struct{}
}

func (s *fakeSearcher) Search(ctx context.Context, _ string, limit int) ([]domain.Candidate, error) {
	s.mu.Lock()
	s.calls++
	gate := s.gate
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	out := s.candidates
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]domain.Candidate(nil), out...), nil
}

func (s *fakeSearcher) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeScorer scores candidates from a table. Texts listed in slow block
// until the call's context is done.
type fakeScorer struct {
	mu     sync.Mutex
	scores map[string]float64
	fail   map[string]bool
	slow   map[string]bool
	calls  int
}

func (s *fakeScorer) Score(ctx context.Context, _ string, candidate string) (float64, error) {
	s.mu.Lock()
	s.calls++
	score, slow, fail := s.scores[candidate], s.slow[candidate], s.fail[candidate]
	s.mu.Unlock()

	if slow {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	if fail {
		return 0, fmt.Errorf("scorer rejected %q", candidate)
	}
	return score, nil
}

func (s *fakeScorer) ModelName() string { return "fake" }

func (s *fakeScorer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *fakeScorer) setScores(scores map[string]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores = scores
}

type fakeBatchScorer struct {
	fakeScorer
	batchCalls int
	batchErr   error
}

func (s *fakeBatchScorer) ScoreBatch(_ context.Context, _ string, candidates []string) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchCalls++
	if s.batchErr != nil {
		return nil, s.batchErr
	}
	out := make([]float64, len(candidates))
	for i, c := range candidates {
		out[i] = s.scores[c]
	}
	return out, nil
}

// passages returns n candidates whose scores rise with their position.
func passages(n int) ([]domain.Candidate, map[string]float64) {
	candidates := make([]domain.Candidate, n)
	scores := make(map[string]float64, n)
	for i := range candidates {
		text := fmt.Sprintf("passage %02d", i)
		candidates[i] = domain.Candidate{Source: fmt.Sprintf("https://example.org/%d", i), Text: text}
		scores[text] = float64(i+1) / float64(n+1)
	}
	return candidates, scores
}

type harness struct {
	store      *memstore.MemoryStore
	embedder   *scriptedEmbedder
	gateway    *embedding.Gateway
	indices    *vectorindex.Manager
	writer     *CacheWriter
	classifier *fakeClassifier
	searcher   *fakeSearcher
	scorer     *fakeScorer
	acquire    *AcquireUseCase
	match      *MatchUseCase
	dir        string
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Acquisition.Timeout = 2 * time.Second
	cfg.Acquisition.ScoreTimeout = time.Second
	return cfg
}

func newHarness(t *testing.T, vectors map[string][]float32, scorer port.Scorer) *harness {
	t.Helper()
	cfg := testConfig()

	h := &harness{
		store:      memstore.NewMemoryStore(),
		embedder:   newScriptedEmbedder(vectors),
		classifier: &fakeClassifier{script: map[string]domain.Classification{}},
		searcher:   &fakeSearcher{},
		dir:        t.TempDir(),
	}
	if scorer == nil {
		h.scorer = &fakeScorer{}
		scorer = h.scorer
	}

	h.gateway = embedding.NewGateway(h.embedder)
	h.indices = vectorindex.NewManager(h.gateway, h.store, h.dir)
	h.writer = NewCacheWriter(h.store, h.indices)
	h.acquire = NewAcquireUseCase(h.searcher, scorer, h.writer, cfg.Acquisition)
	h.match = NewMatchUseCase(h.classifier, analyzer.NewKeywordClassifier(), h.gateway,
		h.indices, h.store, h.writer, h.acquire, cfg.Matching, nil)
	return h
}

func (h *harness) classify(opinion string, topic domain.Topic, keyword string) {
	h.classifier.script[opinion] = domain.Classification{Topic: topic, Keyword: keyword}
}

func (h *harness) stats(t *testing.T) domain.StoreStats {
	t.Helper()
	stats, err := h.store.Stats(context.Background())
	require.NoError(t, err)
	return stats
}
