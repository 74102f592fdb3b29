package usecase

import (
	"context"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"evcache/internal/adapter/vectorindex"
	"evcache/internal/domain"
	"evcache/internal/logging"
	"evcache/internal/port"
)

// CacheWriter sequences writes so that a row always reaches the store
// before its vector reaches an index. A crash in between leaves a row
// without a vector, which the next rebuild repairs; never the reverse.
type CacheWriter struct {
	store   port.EvidenceStore
	indices *vectorindex.Manager
}

func NewCacheWriter(store port.EvidenceStore, indices *vectorindex.Manager) *CacheWriter {
	return &CacheWriter{
		store:   store,
		indices: indices,
	}
}

// CommitKeyword stores kw and then indexes its embedding.
func (w *CacheWriter) CommitKeyword(ctx context.Context, kw domain.Keyword) (domain.Keyword, error) {
	created, err := w.store.CreateKeyword(ctx, kw)
	if err != nil {
		return domain.Keyword{}, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("keyword", kw.Text))
	}
	w.index(ctx, domain.IndexKeyword, created.ID, created.Embedding)
	return created, nil
}

// CommitViewpoint stores vp and then indexes its embedding.
func (w *CacheWriter) CommitViewpoint(ctx context.Context, vp domain.Viewpoint) (domain.Viewpoint, error) {
	created, err := w.store.CreateViewpoint(ctx, vp)
	if err != nil {
		return domain.Viewpoint{}, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("keyword_id", vp.KeywordID))
	}
	w.index(ctx, domain.IndexViewpoint, created.ID, created.Embedding)
	return created, nil
}

// CommitEvidence replaces the evidence set of a viewpoint.
func (w *CacheWriter) CommitEvidence(ctx context.Context, viewpointID int64, evidence []domain.Evidence) ([]domain.Evidence, error) {
	stored, err := w.store.ReplaceEvidence(ctx, viewpointID, evidence)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrPersistence, err.Error(), goerr.V("viewpoint_id", viewpointID))
	}
	return stored, nil
}

// index inserts and persists one vector. The row is already committed, so
// a failure here is logged rather than returned. The index on disk then
// holds fewer rows than the store, which the next load detects and repairs
// with a rebuild.
func (w *CacheWriter) index(ctx context.Context, name domain.IndexName, id int64, vec []float32) {
	logger := logging.FromContext(ctx)

	if err := w.indices.Insert(ctx, name, id, vec); err != nil {
		logger.Warn("index insert failed, row will be picked up by the next load",
			append(logging.ErrorFields(err), zap.String("index", string(name)), zap.Int64("id", id))...)
		return
	}
	if err := w.indices.Persist(ctx, name); err != nil {
		logger.Warn("index persist failed",
			append(logging.ErrorFields(err), zap.String("index", string(name)))...)
	}
}

// RebuildIndexFromStore reconstructs an index from every stored row in
// ascending id order. Old artifacts are replaced only after success.
func (w *CacheWriter) RebuildIndexFromStore(ctx context.Context, name domain.IndexName) (domain.IndexMetadata, error) {
	return w.indices.Rebuild(ctx, name)
}

// IndexReport compares one index against the table it is built from.
type IndexReport struct {
	Name      domain.IndexName
	State     vectorindex.IndexState
	Dimension int
	Model     string
	IndexRows int
	StoreRows int
}

// InSync reports whether every stored row has exactly one vector.
func (r IndexReport) InSync() bool {
	return r.IndexRows == r.StoreRows
}

// VerifyReport is the result of Verify.
type VerifyReport struct {
	Stats   domain.StoreStats
	Indices []IndexReport
}

// Verify loads every index (rebuilding stale ones) and compares its size
// with the store.
func (w *CacheWriter) Verify(ctx context.Context) (*VerifyReport, error) {
	stats, err := w.store.Stats(ctx)
	if err != nil {
		return nil, goerr.Wrap(domain.ErrPersistence, err.Error())
	}

	report := &VerifyReport{Stats: stats}
	for _, name := range domain.IndexNames() {
		meta, err := w.indices.LoadOrRebuild(ctx, name)
		if err != nil {
			return nil, err
		}
		info, err := w.indices.Describe(name)
		if err != nil {
			return nil, err
		}

		storeRows := stats.Keywords
		if name == domain.IndexViewpoint {
			storeRows = stats.Viewpoints
		}
		report.Indices = append(report.Indices, IndexReport{
			Name:      name,
			State:     info.State,
			Dimension: meta.Dimension,
			Model:     meta.Model,
			IndexRows: meta.Count,
			StoreRows: storeRows,
		})
	}
	return report, nil
}
