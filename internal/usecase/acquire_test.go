package usecase

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcache/internal/domain"
)

// seedViewpoint stores one keyword and viewpoint directly and returns the
// viewpoint id.
func seedViewpoint(t *testing.T, h *harness) int64 {
	t.Helper()
	ctx := context.Background()
	kw, err := h.store.CreateKeyword(ctx, domain.Keyword{Text: "intelligence", Model: "scripted"})
	require.NoError(t, err)
	vp, err := h.store.CreateViewpoint(ctx, domain.Viewpoint{KeywordID: kw.ID, Text: opinionAI, Model: "scripted"})
	require.NoError(t, err)
	return vp.ID
}

func TestClamp(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.5, 0.5},
		{-0.2, 0},
		{1.7, 1},
		{math.NaN(), 0},
		{math.Inf(1), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, clamp(tt.in), "clamp(%v)", tt.in)
	}
}

func TestSelectEvidence(t *testing.T) {
	scored := []domain.ScoredCandidate{
		{Candidate: domain.Candidate{Source: "a", Text: "a"}, Score: 0.2},
		{Candidate: domain.Candidate{Source: "b", Text: "b"}, Score: 0.9},
		{Candidate: domain.Candidate{Source: "c", Text: "c"}, Score: 0.5},
		{Candidate: domain.Candidate{Source: "d", Text: "d"}, Score: 0.5},
	}

	got := selectEvidence(scored, 3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"b", "c", "d"}, []string{got[0].Source, got[1].Source, got[2].Source})
	assert.Equal(t, []int{1, 2, 3}, []int{got[0].Rank, got[1].Rank, got[2].Rank})

	// input order is left alone
	assert.Equal(t, "a", scored[0].Source)
}

func TestAcquire_ClampsScores(t *testing.T) {
	h := newHarness(t, matchVectors(), nil)
	vpID := seedViewpoint(t, h)
	h.searcher.candidates = []domain.Candidate{
		{Source: "x", Text: "too high"},
		{Source: "y", Text: "negative"},
	}
	h.scorer.setScores(map[string]float64{"too high": 3.5, "negative": -1})

	got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 1.0, got[0].Score)
	assert.Equal(t, 0.0, got[1].Score)
}

func TestAcquire_PrefersBatchScorer(t *testing.T) {
	scorer := &fakeBatchScorer{}
	h := newHarness(t, matchVectors(), scorer)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(8)
	h.searcher.candidates = candidates
	scorer.setScores(scores)

	got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	require.NoError(t, err)
	assert.Len(t, got, 5)
	assert.Equal(t, 1, scorer.batchCalls)
	assert.Zero(t, scorer.Calls())
}

func TestAcquire_BatchFailureFallsBackToSingleCalls(t *testing.T) {
	scorer := &fakeBatchScorer{batchErr: errors.New("rerank quota exceeded")}
	h := newHarness(t, matchVectors(), scorer)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(4)
	h.searcher.candidates = candidates
	scorer.setScores(scores)

	got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, 4, scorer.Calls())
}

func TestAcquire_DropsFailedCandidates(t *testing.T) {
	h := newHarness(t, matchVectors(), nil)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(4)
	h.searcher.candidates = candidates
	h.scorer.setScores(scores)
	h.scorer.fail = map[string]bool{"passage 03": true}

	got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "passage 02", got[0].Text)
}

func TestAcquire_TimeoutCommitsPartialSet(t *testing.T) {
	h := newHarness(t, matchVectors(), nil)
	h.acquire.cfg.Timeout = 100 * time.Millisecond
	h.acquire.cfg.ScoreTimeout = 0
	vpID := seedViewpoint(t, h)

	candidates, scores := passages(4)
	h.searcher.candidates = candidates
	h.scorer.setScores(scores)
	h.scorer.slow = map[string]bool{"passage 01": true, "passage 03": true}

	got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "passage 02", got[0].Text)
	assert.Equal(t, "passage 00", got[1].Text)

	stored, err := h.store.ListEvidence(context.Background(), vpID, 0)
	require.NoError(t, err)
	assert.Equal(t, evidenceIDs(got), evidenceIDs(stored))
}

func TestAcquire_SharedAcquisitionOutlivesCaller(t *testing.T) {
	h := newHarness(t, matchVectors(), nil)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(6)
	h.searcher.candidates = candidates
	h.scorer.setScores(scores)
	h.searcher.gate = make(chan struct{})

	impatient, cancel := context.WithCancel(context.Background())
	first := make(chan []domain.Evidence, 1)
	go func() {
		got, err := h.acquire.Acquire(impatient, vpID, opinionAI)
		assert.NoError(t, err)
		first <- got
	}()
	require.Eventually(t, func() bool { return h.searcher.Calls() == 1 }, time.Second, 5*time.Millisecond)

	second := make(chan []domain.Evidence, 1)
	go func() {
		got, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
		assert.NoError(t, err)
		second <- got
	}()

	cancel()
	assert.Empty(t, <-first)

	close(h.searcher.gate)
	got := <-second
	require.Len(t, got, 5)
	assert.Equal(t, "passage 05", got[0].Text)

	stored, err := h.store.ListEvidence(context.Background(), vpID, 0)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
}

func TestAcquire_FailuresKeepStoredEvidence(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, matchVectors(), nil)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(3)
	h.searcher.candidates = candidates
	h.scorer.setScores(scores)

	before, err := h.acquire.Acquire(ctx, vpID, opinionAI)
	require.NoError(t, err)
	require.Len(t, before, 3)

	t.Run("search error", func(t *testing.T) {
		h.searcher.err = errors.New("search backend down")
		defer func() { h.searcher.err = nil }()

		got, err := h.acquire.Acquire(ctx, vpID, opinionAI)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("no candidates", func(t *testing.T) {
		h.searcher.candidates = nil
		defer func() { h.searcher.candidates = candidates }()

		got, err := h.acquire.Acquire(ctx, vpID, opinionAI)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("every score fails", func(t *testing.T) {
		h.scorer.fail = map[string]bool{"passage 00": true, "passage 01": true, "passage 02": true}
		defer func() { h.scorer.fail = nil }()

		got, err := h.acquire.Acquire(ctx, vpID, opinionAI)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	stored, err := h.store.ListEvidence(ctx, vpID, 0)
	require.NoError(t, err)
	assert.Equal(t, evidenceIDs(before), evidenceIDs(stored))
}

func TestAcquire_WriteFailureIsReturned(t *testing.T) {
	h := newHarness(t, matchVectors(), nil)
	vpID := seedViewpoint(t, h)
	candidates, scores := passages(3)
	h.searcher.candidates = candidates
	h.scorer.setScores(scores)
	h.store.FailWrites = errors.New("disk full")

	_, err := h.acquire.Acquire(context.Background(), vpID, opinionAI)
	assert.ErrorIs(t, err, domain.ErrPersistence)
}
