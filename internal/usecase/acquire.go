package usecase

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"evcache/config"
	"evcache/internal/domain"
	"evcache/internal/logging"
	"evcache/internal/metrics"
	"evcache/internal/port"
)

// AcquireUseCase fetches candidate passages for a viewpoint, scores them
// and keeps the best ones as its evidence.
type AcquireUseCase struct {
	searcher port.EvidenceSearcher
	scorer   port.Scorer
	writer   *CacheWriter
	cfg      config.AcquisitionConfig

	// one acquisition per viewpoint at a time; concurrent callers share it
	inflight singleflight.Group
}

func NewAcquireUseCase(searcher port.EvidenceSearcher, scorer port.Scorer, writer *CacheWriter, cfg config.AcquisitionConfig) *AcquireUseCase {
	return &AcquireUseCase{
		searcher: searcher,
		scorer:   scorer,
		writer:   writer,
		cfg:      cfg,
	}
}

// Acquire replaces the evidence of viewpointID with the top scored
// candidates for text and returns them best first. Search or scoring
// failures degrade to an empty result and leave stored evidence alone;
// only a failed write is returned as an error. When the acquisition
// deadline passes mid-scoring, whatever was scored so far is kept.
//
// Concurrent callers for one viewpoint share a single acquisition. It runs
// under the configured timeout only, so one caller giving up neither
// cancels it nor empties the result for the others; that caller gets an
// empty result while the acquisition completes in the background.
func (u *AcquireUseCase) Acquire(ctx context.Context, viewpointID int64, text string) ([]domain.Evidence, error) {
	shared := context.WithoutCancel(ctx)
	ch := u.inflight.DoChan(strconv.FormatInt(viewpointID, 10), func() (any, error) {
		return u.acquire(shared, viewpointID, text)
	})

	select {
	case <-ctx.Done():
		logging.FromContext(ctx).Info("caller gave up waiting for evidence",
			zap.Int64("viewpoint_id", viewpointID), zap.Error(ctx.Err()))
		return nil, nil
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		evidence := res.Val.([]domain.Evidence)
		return append([]domain.Evidence(nil), evidence...), nil
	}
}

func (u *AcquireUseCase) acquire(ctx context.Context, viewpointID int64, text string) ([]domain.Evidence, error) {
	logger := logging.FromContext(ctx).With(zap.Int64("viewpoint_id", viewpointID))
	start := time.Now()

	acqCtx := ctx
	if u.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, u.cfg.Timeout)
		defer cancel()
	}

	candidates, err := u.searcher.Search(acqCtx, text, u.cfg.MaxSearchResults)
	if err != nil {
		err = goerr.Wrap(domain.ErrAcquisition, "evidence search failed", goerr.V("cause", err.Error()))
		logger.Warn("evidence search failed", logging.ErrorFields(err)...)
		metrics.AcquisitionTotal.WithLabelValues("failed").Inc()
		return nil, nil
	}
	if len(candidates) > u.cfg.MaxSearchResults {
		candidates = candidates[:u.cfg.MaxSearchResults]
	}
	if len(candidates) == 0 {
		logger.Info("no evidence candidates found")
		metrics.AcquisitionTotal.WithLabelValues("empty").Inc()
		return nil, nil
	}

	scored := u.score(acqCtx, text, candidates)
	partial := acqCtx.Err() != nil && len(scored) < len(candidates)

	if len(scored) == 0 {
		err := goerr.Wrap(domain.ErrAcquisition, "no candidate could be scored",
			goerr.V("candidates", len(candidates)))
		logger.Warn("evidence scoring failed", logging.ErrorFields(err)...)
		metrics.AcquisitionTotal.WithLabelValues("failed").Inc()
		return nil, nil
	}

	evidence := selectEvidence(scored, u.cfg.MaxEvidence)

	// the write outlives the acquisition deadline so a partial set is kept
	stored, err := u.writer.CommitEvidence(context.WithoutCancel(ctx), viewpointID, evidence)
	if err != nil {
		metrics.AcquisitionTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	result := "ok"
	if partial {
		result = "partial"
	}
	metrics.AcquisitionTotal.WithLabelValues(result).Inc()
	metrics.EvidenceRetained.Observe(float64(len(stored)))

	logger.Info("evidence acquired",
		zap.Int("candidates", len(candidates)),
		zap.Int("scored", len(scored)),
		zap.Int("retained", len(stored)),
		zap.Bool("partial", partial),
		zap.Duration("elapsed", time.Since(start)))

	domain.SortEvidence(stored)
	return stored, nil
}

// score rates candidates, preferring one batch call when the scorer
// supports it. Candidates whose scoring fails or times out are dropped.
func (u *AcquireUseCase) score(ctx context.Context, viewpoint string, candidates []domain.Candidate) []domain.ScoredCandidate {
	logger := logging.FromContext(ctx)

	if batch, ok := u.scorer.(port.BatchScorer); ok {
		texts := make([]string, len(candidates))
		for i, c := range candidates {
			texts[i] = c.Text
		}
		scores, err := batch.ScoreBatch(ctx, viewpoint, texts)
		if err == nil && len(scores) == len(candidates) {
			out := make([]domain.ScoredCandidate, len(candidates))
			for i, c := range candidates {
				out[i] = domain.ScoredCandidate{Candidate: c, Score: clamp(scores[i])}
			}
			return out
		}
		logger.Warn("batch scoring failed, scoring candidates one by one",
			zap.Error(err), zap.Int("scores", len(scores)))
	}

	type slot struct {
		score float64
		ok    bool
	}
	slots := make([]slot, len(candidates))

	var g errgroup.Group
	if u.cfg.ScoreConcurrency > 0 {
		g.SetLimit(u.cfg.ScoreConcurrency)
	}
	for i, c := range candidates {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			scoreCtx := ctx
			if u.cfg.ScoreTimeout > 0 {
				var cancel context.CancelFunc
				scoreCtx, cancel = context.WithTimeout(ctx, u.cfg.ScoreTimeout)
				defer cancel()
			}

			s, err := u.scorer.Score(scoreCtx, viewpoint, c.Text)
			if err != nil {
				logger.Debug("candidate scoring failed",
					zap.String("source", c.Source), zap.Error(err))
				return nil
			}
			slots[i] = slot{score: clamp(s), ok: true}
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	var out []domain.ScoredCandidate
	for i, s := range slots {
		if s.ok {
			out = append(out, domain.ScoredCandidate{Candidate: candidates[i], Score: s.score})
		}
	}
	return out
}

// selectEvidence keeps the limit highest scoring candidates, ranked from 1.
// Equal scores keep search order.
func selectEvidence(scored []domain.ScoredCandidate, limit int) []domain.Evidence {
	sorted := append([]domain.ScoredCandidate(nil), scored...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})
	if limit > 0 && len(sorted) > limit {
		sorted = sorted[:limit]
	}

	evidence := make([]domain.Evidence, len(sorted))
	for i, c := range sorted {
		evidence[i] = domain.Evidence{
			Source: c.Source,
			Text:   c.Text,
			Score:  c.Score,
			Rank:   i + 1,
		}
	}
	return evidence
}

func clamp(score float64) float64 {
	switch {
	case score != score: // NaN
		return 0
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
