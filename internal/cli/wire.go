package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"evcache/config"
	"evcache/internal/adapter/analyzer"
	"evcache/internal/adapter/cache"
	"evcache/internal/adapter/chunker"
	"evcache/internal/adapter/embedding"
	"evcache/internal/adapter/llm"
	"evcache/internal/adapter/search"
	"evcache/internal/adapter/store"
	"evcache/internal/adapter/vectorindex"
	"evcache/internal/port"
	"evcache/internal/usecase"
)

// Engine bundles the wired components of the evidence cache.
type Engine struct {
	Store   *store.SQLiteStore
	Gateway *embedding.Gateway
	Indices *vectorindex.Manager
	Writer  *usecase.CacheWriter
	Acquire *usecase.AcquireUseCase
	Match   *usecase.MatchUseCase
}

func (e *Engine) Close() error {
	return e.Store.Close()
}

// NewEngine opens the store under root and builds every collaborator from
// cfg. Index progress, when non-nil, is reported during rebuilds.
func NewEngine(ctx context.Context, cfg *config.Config, root string, logger *zap.Logger, progress vectorindex.ProgressFunc) (*Engine, error) {
	if err := cfg.EnsureDataDir(root); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	embedder, err := newEmbedder(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	classifier, err := newClassifier(cfg.Classifier)
	if err != nil {
		return nil, err
	}
	searcher, err := newSearcher(cfg.Search)
	if err != nil {
		return nil, err
	}
	scorer, err := newScorer(cfg.Scorer)
	if err != nil {
		return nil, err
	}

	st, err := store.NewSQLiteStore(ctx, cfg.DBPath(root))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	gateway := embedding.NewGateway(cache.WrapEmbedder(embedder, cfg.Embedding.CacheSize, cfg.Embedding.CacheTTL))

	opts := []vectorindex.Option{
		vectorindex.WithLogger(logger),
		vectorindex.WithFingerprint(config.IndexFingerprint(cfg.Embedding)),
	}
	if progress != nil {
		opts = append(opts, vectorindex.WithProgress(progress))
	}
	indices := vectorindex.NewManager(gateway, st, cfg.IndexDir(root), opts...)

	writer := usecase.NewCacheWriter(st, indices)
	acquire := usecase.NewAcquireUseCase(searcher, scorer, writer, cfg.Acquisition)
	match := usecase.NewMatchUseCase(classifier, analyzer.NewKeywordClassifier(), gateway,
		indices, st, writer, acquire, cfg.Matching, logger)

	return &Engine{
		Store:   st,
		Gateway: gateway,
		Indices: indices,
		Writer:  writer,
		Acquire: acquire,
		Match:   match,
	}, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (port.Embedder, error) {
	var (
		embedder port.Embedder
		err      error
	)
	switch cfg.Provider {
	case "hash", "":
		embedder = embedding.NewHashEmbedder(cfg.Dimension)
	case "openai":
		embedder, err = embedding.NewOpenAIEmbedder(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL, cfg.Dimension)
	case "ollama":
		embedder, err = embedding.NewOllamaEmbedder(cfg.Model, cfg.BaseURL, cfg.Dimension)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return embedder, nil
}

func newClassifier(cfg config.ClassifierConfig) (port.Classifier, error) {
	switch cfg.Provider {
	case "keyword", "":
		return analyzer.NewKeywordClassifier(), nil
	case "openai":
		c, err := llm.NewOpenAIClassifier(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create classifier: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported classifier provider: %s", cfg.Provider)
	}
}

func newSearcher(cfg config.SearchConfig) (port.EvidenceSearcher, error) {
	switch cfg.Provider {
	case "wikipedia", "":
		passages := chunker.NewPassageChunker(cfg.PassageTokens, cfg.PassageTokens/10, analyzer.NewTokenizer())
		return search.NewWikipediaSearcher(cfg.Endpoint, cfg.Language, cfg.RatePerSecond, passages), nil
	case "static":
		s, err := search.LoadStaticSearcher(cfg.StaticFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load static evidence: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported search provider: %s", cfg.Provider)
	}
}

func newScorer(cfg config.ScorerConfig) (port.Scorer, error) {
	var (
		scorer port.Scorer
		err    error
	)
	switch cfg.Provider {
	case "lexical", "":
		scorer = llm.NewLexicalScorer()
	case "openai":
		scorer, err = llm.NewOpenAIScorer(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL)
	case "cohere":
		scorer, err = llm.NewCohereScorer(cfg.APIKeyEnv, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("unsupported scorer provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create scorer: %w", err)
	}
	return scorer, nil
}
