package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"evcache/internal/domain"
	"evcache/internal/metrics"
	"evcache/internal/port"
)

// rebuildBatch is the number of rows encoded per gateway call during a rebuild.
const rebuildBatch = 64

// Encoder is the part of the embedding gateway the manager needs.
type Encoder interface {
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	ModelName() string
}

// ProgressFunc is called during a rebuild with the number of rows encoded so far.
type ProgressFunc func(name domain.IndexName, done int)

// Info describes one index for status reporting.
type Info struct {
	State    IndexState
	Metadata domain.IndexMetadata
	// OnDisk is set when metadata was read from disk because the index is not loaded.
	OnDisk bool
}

// Manager owns the keyword and viewpoint indices. Each index has its own
// RWMutex: searches share it, inserts and rebuilds hold it exclusively.
type Manager struct {
	encoder     Encoder
	rows        port.RowSource
	dir         string
	fingerprint string
	logger      *zap.Logger
	progress    ProgressFunc

	mu      sync.Mutex
	entries map[domain.IndexName]*entry
}

type entry struct {
	mu    sync.RWMutex
	index *FlatIndex
	meta  domain.IndexMetadata
	state IndexState
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithFingerprint records the embedding configuration hash in metadata.
func WithFingerprint(fp string) Option {
	return func(m *Manager) { m.fingerprint = fp }
}

// WithProgress sets the rebuild progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) { m.progress = fn }
}

// NewManager creates a manager that keeps its artifacts under dir.
func NewManager(encoder Encoder, rows port.RowSource, dir string, opts ...Option) *Manager {
	m := &Manager{
		encoder: encoder,
		rows:    rows,
		dir:     dir,
		logger:  zap.NewNop(),
		entries: make(map[domain.IndexName]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entry(name domain.IndexName) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok {
		e = &entry{state: StateUnloaded}
		m.entries[name] = e
	}
	return e
}

// LoadOrRebuild makes the index ready for use, loading it from disk or
// rebuilding it from the store, and returns its metadata.
func (m *Manager) LoadOrRebuild(ctx context.Context, name domain.IndexName) (domain.IndexMetadata, error) {
	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.ensureReady(ctx, name, e); err != nil {
		return domain.IndexMetadata{}, err
	}
	return m.snapshot(name, e), nil
}

// Search returns up to k hits for query in descending cosine similarity.
// A query that does not match the live model's width is rejected; an index
// left at an older width is marked stale and rebuilt before searching.
func (m *Manager) Search(ctx context.Context, name domain.IndexName, query []float32, k int, filter func(id int64) bool) ([]Hit, error) {
	if dim := m.encoder.Dimension(); len(query) != dim {
		return nil, goerr.Wrap(domain.ErrDimensionMismatch, "query width differs from model",
			goerr.V("query", len(query)), goerr.V("model", dim))
	}
	e := m.entry(name)

	e.mu.RLock()
	if e.state.Ready() && e.index.Dimension() == len(query) {
		hits, err := e.index.Search(query, k, filter)
		e.mu.RUnlock()
		return hits, err
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.Ready() && e.index.Dimension() != len(query) {
		m.markStale(name, e, "query width differs from index")
	}
	if err := m.ensureReady(ctx, name, e); err != nil {
		return nil, err
	}
	return e.index.Search(query, k, filter)
}

// Insert appends a vector under id. Inserting an id that is already
// indexed is a no-op, which covers rows picked up by a rebuild.
func (m *Manager) Insert(ctx context.Context, name domain.IndexName, id int64, vec []float32) error {
	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.ensureReady(ctx, name, e); err != nil {
		return err
	}
	return e.index.Add(id, vec)
}

// Persist commits the index file and its metadata together.
func (m *Manager) Persist(ctx context.Context, name domain.IndexName) error {
	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.ensureReady(ctx, name, e); err != nil {
		return err
	}
	return m.persistLocked(name, e)
}

// Rebuild discards the in-memory index and rebuilds it from the store,
// replacing the artifacts on disk only after the new index is complete.
func (m *Manager) Rebuild(ctx context.Context, name domain.IndexName) (domain.IndexMetadata, error) {
	e := m.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	m.markStale(name, e, "rebuild requested")
	if err := m.rebuildLocked(ctx, name, e); err != nil {
		return domain.IndexMetadata{}, err
	}
	return m.snapshot(name, e), nil
}

// Describe reports the state and metadata of an index without loading it.
func (m *Manager) Describe(name domain.IndexName) (Info, error) {
	e := m.entry(name)
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.index != nil {
		return Info{State: e.state, Metadata: m.snapshot(name, e)}, nil
	}

	meta, err := readIndexMetadata(indexPath(m.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Info{State: e.state, Metadata: domain.IndexMetadata{Name: name}}, nil
		}
		return Info{State: e.state}, err
	}
	meta.IDs = nil
	return Info{State: e.state, Metadata: meta, OnDisk: true}, nil
}

// ensureReady must be called with e.mu held exclusively.
func (m *Manager) ensureReady(ctx context.Context, name domain.IndexName, e *entry) error {
	dim := m.encoder.Dimension()

	switch e.state {
	case StateValid:
		if e.index.Dimension() == dim {
			return nil
		}
		m.markStale(name, e, fmt.Sprintf("model dimension changed from %d to %d", e.index.Dimension(), dim))
	case StateUnloaded:
		idx, meta, err := m.load(ctx, name, dim)
		if err == nil {
			e.index, e.meta, e.state = idx, meta, StateValid
			m.logger.Debug("index loaded",
				zap.String("index", string(name)),
				zap.Int("count", idx.Len()),
				zap.Int("dimension", idx.Dimension()))
			return nil
		}
		m.markStale(name, e, err.Error())
	}

	return m.rebuildLocked(ctx, name, e)
}

// load reads and validates the artifacts of an index against the model and
// the store. Any failure means the index must be rebuilt.
func (m *Manager) load(ctx context.Context, name domain.IndexName, dim int) (*FlatIndex, domain.IndexMetadata, error) {
	idx, meta, err := readIndexFile(indexPath(m.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, meta, goerr.Wrap(domain.ErrIndexStale, "no index on disk")
		}
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, err.Error())
	}
	if meta.Dimension != dim {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "recorded dimension differs from model",
			goerr.V("recorded", meta.Dimension), goerr.V("model", dim))
	}
	if meta.Model != "" && meta.Model != m.encoder.ModelName() {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "recorded model differs from gateway",
			goerr.V("recorded", meta.Model), goerr.V("model", m.encoder.ModelName()))
	}
	if meta.IndexType != IndexType {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "unsupported index type", goerr.V("type", meta.IndexType))
	}
	if idx.Dimension() != meta.Dimension {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "index file dimension differs from metadata")
	}
	if idx.Len() != meta.Count || len(meta.IDs) != meta.Count {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "index size differs from metadata",
			goerr.V("rows", idx.Len()), goerr.V("count", meta.Count), goerr.V("ids", len(meta.IDs)))
	}
	if !slices.Equal(idx.ids, meta.IDs) {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "row ids differ from metadata")
	}

	// rows committed to the store whose vectors never reached disk
	stored, err := m.rows.CountRows(ctx, name)
	if err != nil {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "counting store rows failed", goerr.V("cause", err.Error()))
	}
	if stored != meta.Count {
		return nil, meta, goerr.Wrap(domain.ErrIndexStale, "index size differs from store",
			goerr.V("count", meta.Count), goerr.V("store", stored))
	}
	return idx, meta, nil
}

func (m *Manager) markStale(name domain.IndexName, e *entry, reason string) {
	e.state = StateStale
	m.logger.Info("index stale",
		zap.String("index", string(name)),
		zap.String("reason", reason))
}

// rebuildLocked streams rows from the store in ascending id order,
// re-encodes them and swaps the new index in. On failure the previous
// artifacts stay on disk and the state becomes FAILED, so the next use
// retries.
func (m *Manager) rebuildLocked(ctx context.Context, name domain.IndexName, e *entry) error {
	start := time.Now()
	e.state = StateRebuilding
	dim := m.encoder.Dimension()

	m.logger.Info("rebuilding index",
		zap.String("index", string(name)),
		zap.Int("dimension", dim),
		zap.String("model", m.encoder.ModelName()))

	idx, err := m.build(ctx, name, dim)
	if err == nil {
		meta := domain.IndexMetadata{
			Name:        name,
			Dimension:   dim,
			IndexType:   IndexType,
			Model:       m.encoder.ModelName(),
			Fingerprint: m.fingerprint,
			CreatedAt:   time.Now().UTC(),
		}
		prevIndex, prevMeta := e.index, e.meta
		e.index, e.meta = idx, meta
		if err = m.persistLocked(name, e); err != nil {
			e.index, e.meta = prevIndex, prevMeta
		}
	}

	metrics.IndexRebuildDuration.WithLabelValues(string(name)).Observe(time.Since(start).Seconds())
	if err != nil {
		e.state = StateFailed
		metrics.IndexRebuildTotal.WithLabelValues(string(name), "failed").Inc()
		m.logger.Error("index rebuild failed",
			zap.String("index", string(name)),
			zap.Error(err))
		return goerr.Wrap(domain.ErrRebuild, err.Error(), goerr.V("index", string(name)))
	}

	e.state = StateValid
	metrics.IndexRebuildTotal.WithLabelValues(string(name), "ok").Inc()
	m.logger.Info("index rebuilt",
		zap.String("index", string(name)),
		zap.Int("count", idx.Len()),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (m *Manager) build(ctx context.Context, name domain.IndexName, dim int) (*FlatIndex, error) {
	idx := NewFlatIndex(dim)
	batch := make([]domain.Row, 0, rebuildBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, row := range batch {
			texts[i] = row.Text
		}
		vecs, err := m.encoder.EncodeBatch(ctx, texts)
		if err != nil {
			return err
		}
		for i, row := range batch {
			if err := idx.Add(row.ID, vecs[i]); err != nil {
				return err
			}
		}
		batch = batch[:0]
		if m.progress != nil {
			m.progress(name, idx.Len())
		}
		return nil
	}

	err := m.rows.StreamRows(ctx, name, func(row domain.Row) error {
		batch = append(batch, row)
		if len(batch) < rebuildBatch {
			return nil
		}
		return flush()
	})
	if err != nil {
		return nil, err
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return idx, nil
}

// persistLocked commits the index file, which carries its own metadata,
// with a single rename. The .meta.json sidecar is staged first, so a
// sidecar that cannot be written fails the persist before anything on disk
// changes.
func (m *Manager) persistLocked(name domain.IndexName, e *entry) error {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create index dir: %w", err)
	}

	meta := m.snapshot(name, e)
	sidecar, err := stageMetadata(metadataPath(m.dir, name), meta)
	if err != nil {
		return err
	}
	if err := writeIndexFile(indexPath(m.dir, name), e.index, meta); err != nil {
		_ = os.Remove(sidecar)
		return err
	}

	if err := os.Rename(sidecar, metadataPath(m.dir, name)); err != nil {
		// never leave a sidecar that disagrees with the committed index
		_ = os.Remove(metadataPath(m.dir, name))
		m.logger.Warn("metadata sidecar not updated",
			zap.String("index", string(name)),
			zap.Error(err))
	}
	return nil
}

// snapshot derives metadata from the live index so count and ids always
// match it.
func (m *Manager) snapshot(name domain.IndexName, e *entry) domain.IndexMetadata {
	meta := e.meta
	meta.Name = name
	meta.Dimension = e.index.Dimension()
	meta.IndexType = IndexType
	meta.Count = e.index.Len()
	meta.IDs = e.index.IDs()
	return meta
}
