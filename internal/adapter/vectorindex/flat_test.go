package vectorindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evcache/internal/domain"
)

func TestFlatIndex_AddAndSearch(t *testing.T) {
	x := NewFlatIndex(3)
	require.NoError(t, x.Add(1, []float32{1, 0, 0}))
	require.NoError(t, x.Add(2, []float32{0, 2, 0}))
	require.NoError(t, x.Add(3, []float32{1, 1, 0}))

	hits, err := x.Search([]float32{3, 0, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, int64(3), hits[1].ID)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-4)

	hits, err = x.Search([]float32{1, 0, 0}, 5, func(id int64) bool { return id == 2 })
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)
	assert.InDelta(t, 0.0, hits[0].Score, 1e-6)
}

func TestFlatIndex_Rejects(t *testing.T) {
	x := NewFlatIndex(3)

	assert.ErrorIs(t, x.Add(1, []float32{1, 0}), domain.ErrDimensionMismatch)
	assert.ErrorIs(t, x.Add(1, []float32{0, 0, 0}), domain.ErrEncoding)
	assert.Zero(t, x.Len())

	require.NoError(t, x.Add(1, []float32{1, 0, 0}))
	_, err := x.Search([]float32{1, 0}, 1, nil)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestFlatIndex_DuplicateIDIsNoop(t *testing.T) {
	x := NewFlatIndex(2)
	require.NoError(t, x.Add(5, []float32{1, 0}))
	require.NoError(t, x.Add(5, []float32{0, 1}))

	assert.Equal(t, 1, x.Len())
	assert.Equal(t, []int64{5}, x.IDs())
	assert.True(t, x.Contains(5))
	assert.False(t, x.Contains(6))
}

func TestIndexFile_RoundTrip(t *testing.T) {
	x := NewFlatIndex(4)
	require.NoError(t, x.Add(42, []float32{1, 2, 3, 4}))
	require.NoError(t, x.Add(7, []float32{-1, 0, 0.5, 0}))

	meta := domain.IndexMetadata{
		Name:      domain.IndexViewpoint,
		Dimension: 4,
		IndexType: IndexType,
		Model:     "hash-4",
		Count:     2,
		IDs:       []int64{42, 7},
	}
	path := filepath.Join(t.TempDir(), "viewpoint.idx")
	require.NoError(t, writeIndexFile(path, x, meta))

	got, gotMeta, err := readIndexFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Dimension())
	assert.Equal(t, []int64{42, 7}, got.IDs())
	assert.Equal(t, x.vectors, got.vectors)
	assert.Equal(t, meta, gotMeta)

	onlyMeta, err := readIndexMetadata(path)
	require.NoError(t, err)
	assert.Equal(t, meta, onlyMeta)

	_, err = readIndexMetadata(filepath.Join(t.TempDir(), "missing.idx"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
