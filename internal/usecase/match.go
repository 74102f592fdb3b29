package usecase

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"evcache/config"
	"evcache/internal/adapter/embedding"
	"evcache/internal/adapter/vectorindex"
	"evcache/internal/domain"
	"evcache/internal/logging"
	"evcache/internal/metrics"
	"evcache/internal/port"
)

// MatchState is a step of the matching state machine.
type MatchState string

const (
	StateStart           MatchState = "START"
	StateKeywordSearch   MatchState = "KEYWORD_SEARCH"
	StateViewpointSearch MatchState = "VIEWPOINT_SEARCH"
	StateNewKeyword      MatchState = "NEW_KEYWORD"
	StateEvidenceReuse   MatchState = "EVIDENCE_REUSE"
	StateNewViewpoint    MatchState = "NEW_VIEWPOINT"
	StateDone            MatchState = "DONE"
)

// MatchUseCase resolves an opinion against cached keywords and viewpoints,
// reusing stored evidence when a close enough viewpoint exists and
// acquiring fresh evidence otherwise.
type MatchUseCase struct {
	classifier port.Classifier
	fallback   port.Classifier
	gateway    *embedding.Gateway
	indices    *vectorindex.Manager
	store      port.EvidenceStore
	writer     *CacheWriter
	acquirer   *AcquireUseCase
	cfg        config.MatchingConfig
	logger     *zap.Logger

	// serializes search-then-create so two requests cannot both create
	// the same keyword
	mu sync.Mutex
}

func NewMatchUseCase(
	classifier port.Classifier,
	fallback port.Classifier,
	gateway *embedding.Gateway,
	indices *vectorindex.Manager,
	store port.EvidenceStore,
	writer *CacheWriter,
	acquirer *AcquireUseCase,
	cfg config.MatchingConfig,
	logger *zap.Logger,
) *MatchUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatchUseCase{
		classifier: classifier,
		fallback:   fallback,
		gateway:    gateway,
		indices:    indices,
		store:      store,
		writer:     writer,
		acquirer:   acquirer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Process classifies and embeds opinion, matches it against the cache and
// returns up to evidenceCount pieces of evidence, best first. A count of
// zero or less selects the configured default.
func (u *MatchUseCase) Process(ctx context.Context, opinion string, evidenceCount int) (*domain.Result, error) {
	opinion = strings.TrimSpace(opinion)
	if opinion == "" {
		return nil, goerr.Wrap(domain.ErrInvalidInput, "opinion is empty")
	}

	requestID := uuid.NewString()
	logger := u.logger.With(zap.String("request_id", requestID))
	ctx = logging.WithContext(ctx, logger)

	limit := evidenceCount
	if limit <= 0 {
		limit = u.cfg.DefaultEvidence
	}

	enter(logger, StateStart)
	cls := u.classify(ctx, opinion)

	// both vectors are computed before any lock is taken
	vecs, err := u.gateway.EncodeBatch(ctx, []string{cls.Keyword, opinion})
	if err != nil {
		return nil, err
	}

	result, err := u.resolve(ctx, logger, cls, opinion, vecs[0], vecs[1], limit)
	if err != nil {
		return nil, err
	}
	result.RequestID = requestID

	if result.Status != domain.StatusExistingMatch {
		evidence, err := u.acquirer.Acquire(ctx, result.Viewpoint.ID, opinion)
		if err != nil {
			return nil, err
		}
		result.Evidence = truncate(evidence, limit)
	}
	if result.Evidence == nil {
		result.Evidence = []domain.Evidence{}
	}

	enter(logger, StateDone)
	metrics.MatchTotal.WithLabelValues(string(result.Status)).Inc()
	logger.Info("opinion processed",
		zap.String("status", string(result.Status)),
		zap.String("topic", string(result.Topic)),
		zap.String("keyword", result.Keyword.Text),
		zap.Int64("viewpoint_id", result.Viewpoint.ID),
		zap.Float64("keyword_similarity", result.KeywordSimilarity),
		zap.Float64("viewpoint_similarity", result.ViewpointSimilarity),
		zap.Int("evidence", len(result.Evidence)))

	return result, nil
}

// resolve runs the search and create steps. Acquisition happens after it
// returns, outside the lock.
func (u *MatchUseCase) resolve(
	ctx context.Context,
	logger *zap.Logger,
	cls domain.Classification,
	opinion string,
	keywordVec, opinionVec []float32,
	limit int,
) (*domain.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	result := &domain.Result{Topic: cls.Topic}

	enter(logger, StateKeywordSearch)
	kwHits, err := u.indices.Search(ctx, domain.IndexKeyword, keywordVec, 1, nil)
	if err != nil {
		return nil, err
	}
	if len(kwHits) > 0 {
		result.KeywordSimilarity = kwHits[0].Score
	}

	if len(kwHits) == 0 || kwHits[0].Score < u.cfg.KeywordThreshold {
		enter(logger, StateNewKeyword)
		kw, err := u.writer.CommitKeyword(ctx, domain.Keyword{
			Text:      cls.Keyword,
			Embedding: keywordVec,
			Model:     u.gateway.ModelName(),
		})
		if err != nil {
			return nil, err
		}

		enter(logger, StateNewViewpoint)
		vp, err := u.commitViewpoint(ctx, kw.ID, cls.Topic, opinion, opinionVec)
		if err != nil {
			return nil, err
		}
		result.Status = domain.StatusCompletelyNew
		result.Keyword = kw
		result.Viewpoint = vp
		return result, nil
	}

	kw, err := u.store.GetKeyword(ctx, kwHits[0].ID)
	if err != nil {
		return nil, goerr.Wrap(err, "load matched keyword", goerr.V("keyword_id", kwHits[0].ID))
	}
	result.Keyword = kw

	enter(logger, StateViewpointSearch)
	owned, err := u.store.ViewpointIDsByKeyword(ctx, kw.ID)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("keyword_id", kw.ID))
	}

	var vpHits []vectorindex.Hit
	if len(owned) > 0 {
		allowed := make(map[int64]struct{}, len(owned))
		for _, id := range owned {
			allowed[id] = struct{}{}
		}
		vpHits, err = u.indices.Search(ctx, domain.IndexViewpoint, opinionVec, 1, func(id int64) bool {
			_, ok := allowed[id]
			return ok
		})
		if err != nil {
			return nil, err
		}
	}
	if len(vpHits) > 0 {
		result.ViewpointSimilarity = vpHits[0].Score
	}

	if len(vpHits) > 0 && vpHits[0].Score >= u.cfg.ViewpointThreshold {
		enter(logger, StateEvidenceReuse)
		vp, err := u.store.GetViewpoint(ctx, vpHits[0].ID)
		if err != nil {
			return nil, goerr.Wrap(err, "load matched viewpoint", goerr.V("viewpoint_id", vpHits[0].ID))
		}
		evidence, err := u.store.ListEvidence(ctx, vp.ID, limit)
		if err != nil {
			return nil, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("viewpoint_id", vp.ID))
		}
		domain.SortEvidence(evidence)

		result.Status = domain.StatusExistingMatch
		result.Viewpoint = vp
		result.Evidence = evidence
		return result, nil
	}

	enter(logger, StateNewViewpoint)
	vp, err := u.commitViewpoint(ctx, kw.ID, cls.Topic, opinion, opinionVec)
	if err != nil {
		return nil, err
	}
	result.Status = domain.StatusNewViewpoint
	result.Viewpoint = vp
	return result, nil
}

func (u *MatchUseCase) commitViewpoint(ctx context.Context, keywordID int64, topic domain.Topic, text string, vec []float32) (domain.Viewpoint, error) {
	return u.writer.CommitViewpoint(ctx, domain.Viewpoint{
		KeywordID: keywordID,
		Text:      text,
		Topic:     topic,
		Embedding: vec,
		Model:     u.gateway.ModelName(),
	})
}

// classify never fails: when the classifier errors or returns no keyword,
// the topic becomes Unclassified and the keyword comes from the fallback,
// or from the opinion itself as a last resort.
func (u *MatchUseCase) classify(ctx context.Context, opinion string) domain.Classification {
	logger := logging.FromContext(ctx)

	cls, err := u.classifier.Classify(ctx, opinion)
	if err == nil && strings.TrimSpace(cls.Keyword) != "" {
		cls.Keyword = strings.TrimSpace(cls.Keyword)
		return cls
	}
	if err == nil {
		err = goerr.New("classifier returned no keyword")
	}
	logger.Warn("classification failed, using fallback keyword", logging.ErrorFields(err)...)

	fallback := domain.Classification{Topic: domain.TopicUnclassified, Keyword: opinion}
	if u.fallback != nil {
		if fb, err := u.fallback.Classify(ctx, opinion); err == nil && strings.TrimSpace(fb.Keyword) != "" {
			fallback.Keyword = strings.TrimSpace(fb.Keyword)
		}
	}
	return fallback
}

// ReacquireEvidence reruns acquisition for a stored viewpoint and replaces
// its evidence. When nothing could be acquired the stored evidence is
// returned unchanged.
func (u *MatchUseCase) ReacquireEvidence(ctx context.Context, viewpointID int64) ([]domain.Evidence, error) {
	logger := u.logger.With(zap.String("request_id", uuid.NewString()))
	ctx = logging.WithContext(ctx, logger)

	vp, err := u.store.GetViewpoint(ctx, viewpointID)
	if err != nil {
		return nil, goerr.Wrap(err, "load viewpoint", goerr.V("viewpoint_id", viewpointID))
	}

	evidence, err := u.acquirer.Acquire(ctx, vp.ID, vp.Text)
	if err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		return evidence, nil
	}

	logger.Info("nothing acquired, keeping stored evidence", zap.Int64("viewpoint_id", vp.ID))
	stored, err := u.store.ListEvidence(ctx, vp.ID, 0)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("viewpoint_id", vp.ID))
	}
	return stored, nil
}

func enter(logger *zap.Logger, state MatchState) {
	logger.Debug("match state", zap.String("state", string(state)))
}

func truncate(evidence []domain.Evidence, limit int) []domain.Evidence {
	if limit > 0 && len(evidence) > limit {
		return evidence[:limit]
	}
	return evidence
}
