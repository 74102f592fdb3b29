package vectorindex

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcache/internal/adapter/embedding"
	"evcache/internal/domain"
)

type fakeRows struct {
	mu    sync.Mutex
	rows  map[domain.IndexName][]domain.Row
	calls int
	err   error
}

func newFakeRows() *fakeRows {
	return &fakeRows{rows: make(map[domain.IndexName][]domain.Row)}
}

func (f *fakeRows) add(name domain.IndexName, id int64, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[name] = append(f.rows[name], domain.Row{ID: id, Text: text})
}

func (f *fakeRows) StreamRows(_ context.Context, name domain.IndexName, fn func(domain.Row) error) error {
	f.mu.Lock()
	f.calls++
	rows := append([]domain.Row(nil), f.rows[name]...)
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return err
	}
	for _, r := range rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeRows) CountRows(_ context.Context, name domain.IndexName) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	return len(f.rows[name]), nil
}

func readMetadata(t *testing.T, dir string, name domain.IndexName) domain.IndexMetadata {
	t.Helper()
	data, err := os.ReadFile(metadataPath(dir, name))
	require.NoError(t, err)
	var meta domain.IndexMetadata
	require.NoError(t, json.Unmarshal(data, &meta))
	return meta
}

// swappable lets a test change the live model between calls.
type swappable struct {
	mu  sync.Mutex
	cur *embedding.Gateway
}

func (s *swappable) set(g *embedding.Gateway) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = g
}

func (s *swappable) get() *embedding.Gateway {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *swappable) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.get().EncodeBatch(ctx, texts)
}
func (s *swappable) Dimension() int    { return s.get().Dimension() }
func (s *swappable) ModelName() string { return s.get().ModelName() }

func gateway(dim int) *embedding.Gateway {
	return embedding.NewGateway(embedding.NewHashEmbedder(dim))
}

func encode(t *testing.T, g *embedding.Gateway, text string) []float32 {
	t.Helper()
	vec, err := g.Encode(context.Background(), text)
	require.NoError(t, err)
	return vec
}

func seedRows() *fakeRows {
	rows := newFakeRows()
	rows.add(domain.IndexKeyword, 1, "renewable energy")
	rows.add(domain.IndexKeyword, 2, "artificial intelligence")
	rows.add(domain.IndexKeyword, 3, "public transport")
	return rows
}

func TestManager_EmptyIndex(t *testing.T) {
	dir := t.TempDir()
	g := gateway(32)
	m := NewManager(g, newFakeRows(), dir)
	ctx := context.Background()

	meta, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 0, meta.Count)
	assert.Equal(t, 32, meta.Dimension)
	assert.Equal(t, IndexType, meta.IndexType)

	hits, err := m.Search(ctx, domain.IndexKeyword, encode(t, g, "anything"), 5, nil)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.FileExists(t, indexPath(dir, domain.IndexKeyword))
	assert.FileExists(t, metadataPath(dir, domain.IndexKeyword))
}

func TestManager_InsertPersistReload(t *testing.T) {
	dir := t.TempDir()
	g := gateway(64)
	ctx := context.Background()

	m := NewManager(g, newFakeRows(), dir)
	require.NoError(t, m.Insert(ctx, domain.IndexKeyword, 10, encode(t, g, "climate change")))
	require.NoError(t, m.Insert(ctx, domain.IndexKeyword, 7, encode(t, g, "space exploration")))
	require.NoError(t, m.Persist(ctx, domain.IndexKeyword))

	rows := newFakeRows()
	rows.add(domain.IndexKeyword, 7, "space exploration")
	rows.add(domain.IndexKeyword, 10, "climate change")
	reloaded := NewManager(g, rows, dir)
	meta, err := reloaded.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)

	assert.Equal(t, 0, rows.calls, "valid artifacts must load without a rebuild")
	assert.Equal(t, []int64{10, 7}, meta.IDs)
	assert.Equal(t, 2, meta.Count)

	hits, err := reloaded.Search(ctx, domain.IndexKeyword, encode(t, g, "climate change"), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(10), hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-5)
}

func TestManager_AppendOnlyRows(t *testing.T) {
	g := gateway(32)
	m := NewManager(g, newFakeRows(), t.TempDir())
	ctx := context.Background()

	for _, id := range []int64{5, 3, 9} {
		require.NoError(t, m.Insert(ctx, domain.IndexViewpoint, id, encode(t, g, "text")))
	}
	require.NoError(t, m.Insert(ctx, domain.IndexViewpoint, 3, encode(t, g, "other")))

	meta, err := m.LoadOrRebuild(ctx, domain.IndexViewpoint)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 3, 9}, meta.IDs)
}

func TestManager_SearchFilter(t *testing.T) {
	g := gateway(64)
	m := NewManager(g, seedRows(), t.TempDir())
	ctx := context.Background()

	hits, err := m.Search(ctx, domain.IndexKeyword, encode(t, g, "renewable energy"), 5, func(id int64) bool {
		return id != 1
	})
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, int64(1), h.ID)
	}
	assert.Len(t, hits, 2)
}

func TestManager_DimensionChangeRebuilds(t *testing.T) {
	dir := t.TempDir()
	rows := seedRows()
	ctx := context.Background()

	d1 := NewManager(gateway(32), rows, dir)
	meta, err := d1.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 32, meta.Dimension)

	g2 := gateway(64)
	d2 := NewManager(g2, rows, dir)
	meta, err = d2.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 64, meta.Dimension)
	assert.Equal(t, []int64{1, 2, 3}, meta.IDs)
	assert.Equal(t, 2, rows.calls)

	hits, err := d2.Search(ctx, domain.IndexKeyword, encode(t, g2, "artificial intelligence"), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)

	assert.Equal(t, 64, readMetadata(t, dir, domain.IndexKeyword).Dimension)
}

func TestManager_QueryWidthMismatchRebuildsLive(t *testing.T) {
	enc := &swappable{cur: gateway(32)}
	rows := seedRows()
	m := NewManager(enc, rows, t.TempDir())
	ctx := context.Background()

	_, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)

	g2 := gateway(48)
	enc.set(g2)

	hits, err := m.Search(ctx, domain.IndexKeyword, encode(t, g2, "public transport"), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(3), hits[0].ID)

	info, err := m.Describe(domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, StateValid, info.State)
	assert.Equal(t, 48, info.Metadata.Dimension)
}

func TestManager_RebuildIsIdempotent(t *testing.T) {
	g := gateway(64)
	m := NewManager(g, seedRows(), t.TempDir())
	ctx := context.Background()
	query := encode(t, g, "renewable power")

	first, err := m.Rebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	hitsA, err := m.Search(ctx, domain.IndexKeyword, query, 3, nil)
	require.NoError(t, err)

	second, err := m.Rebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	hitsB, err := m.Search(ctx, domain.IndexKeyword, query, 3, nil)
	require.NoError(t, err)

	assert.Equal(t, first.IDs, second.IDs)
	assert.Equal(t, first.Count, second.Count)
	assert.Equal(t, hitsA, hitsB)
}

func TestManager_CorruptIndexRebuilds(t *testing.T) {
	dir := t.TempDir()
	rows := seedRows()
	g := gateway(32)
	ctx := context.Background()

	_, err := NewManager(g, rows, dir).LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(indexPath(dir, domain.IndexKeyword), []byte("corrupt"), 0644))

	meta, err := NewManager(g, rows, dir).LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 3, meta.Count)
	assert.Equal(t, 2, rows.calls)
}

func TestManager_StoreRowsWithoutVectorsRebuild(t *testing.T) {
	dir := t.TempDir()
	rows := seedRows()
	g := gateway(32)
	ctx := context.Background()

	_, err := NewManager(g, rows, dir).LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)

	// committed to the store, never indexed
	rows.add(domain.IndexKeyword, 4, "electric cars")

	m := NewManager(g, rows, dir)
	meta, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 4, meta.Count)
	assert.Equal(t, []int64{1, 2, 3, 4}, meta.IDs)
	assert.Equal(t, 2, rows.calls)

	hits, err := m.Search(ctx, domain.IndexKeyword, encode(t, g, "electric cars"), 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(4), hits[0].ID)
}

func TestManager_FailedMetadataWriteKeepsArtifacts(t *testing.T) {
	dir := t.TempDir()
	rows := seedRows()
	g := gateway(32)
	ctx := context.Background()

	m := NewManager(g, rows, dir)
	_, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)

	rows.add(domain.IndexKeyword, 4, "electric cars")
	blocker := metadataPath(dir, domain.IndexKeyword) + ".tmp"
	require.NoError(t, os.Mkdir(blocker, 0755))

	_, err = m.Rebuild(ctx, domain.IndexKeyword)
	assert.ErrorIs(t, err, domain.ErrRebuild)

	idx, meta, err := readIndexFile(indexPath(dir, domain.IndexKeyword))
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, 3, meta.Count)
	assert.Equal(t, 3, readMetadata(t, dir, domain.IndexKeyword).Count)

	require.NoError(t, os.Remove(blocker))
	rebuilt, err := m.Rebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 4, rebuilt.Count)

	idx, meta, err = readIndexFile(indexPath(dir, domain.IndexKeyword))
	require.NoError(t, err)
	assert.Equal(t, 4, idx.Len())
	assert.Equal(t, 4, meta.Count)
	assert.Equal(t, 4, readMetadata(t, dir, domain.IndexKeyword).Count)
}

func TestManager_QueryWidthDiffersFromModel(t *testing.T) {
	rows := seedRows()
	m := NewManager(gateway(32), rows, t.TempDir())
	ctx := context.Background()

	_, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)

	_, err = m.Search(ctx, domain.IndexKeyword, make([]float32, 20), 1, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, 1, rows.calls, "a rebuild cannot fix a malformed query")

	info, err := m.Describe(domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, StateValid, info.State)
}

func TestManager_FailedRebuildKeepsArtifacts(t *testing.T) {
	dir := t.TempDir()
	rows := seedRows()
	ctx := context.Background()

	_, err := NewManager(gateway(32), rows, dir).LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	before, err := os.ReadFile(metadataPath(dir, domain.IndexKeyword))
	require.NoError(t, err)
	beforeIdx, err := os.ReadFile(indexPath(dir, domain.IndexKeyword))
	require.NoError(t, err)

	rows.err = errors.New("store unavailable")
	m := NewManager(gateway(64), rows, dir)
	_, err = m.LoadOrRebuild(ctx, domain.IndexKeyword)
	assert.ErrorIs(t, err, domain.ErrRebuild)

	info, err := m.Describe(domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)

	after, err := os.ReadFile(metadataPath(dir, domain.IndexKeyword))
	require.NoError(t, err)
	assert.Equal(t, before, after)
	afterIdx, err := os.ReadFile(indexPath(dir, domain.IndexKeyword))
	require.NoError(t, err)
	assert.Equal(t, beforeIdx, afterIdx)

	rows.err = nil
	meta, err := m.LoadOrRebuild(ctx, domain.IndexKeyword)
	require.NoError(t, err)
	assert.Equal(t, 64, meta.Dimension)
}

func TestManager_ProgressCallback(t *testing.T) {
	rows := newFakeRows()
	for i := int64(1); i <= rebuildBatch+5; i++ {
		rows.add(domain.IndexViewpoint, i, "viewpoint text")
	}

	var calls []int
	m := NewManager(gateway(16), rows, t.TempDir(), WithProgress(func(_ domain.IndexName, done int) {
		calls = append(calls, done)
	}))

	_, err := m.Rebuild(context.Background(), domain.IndexViewpoint)
	require.NoError(t, err)
	assert.Equal(t, []int{rebuildBatch, rebuildBatch + 5}, calls)
}
