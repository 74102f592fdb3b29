// Package vectorindex keeps the keyword and viewpoint vector indices and
// their on-disk artifacts in step with the relational store.
package vectorindex

import (
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"

	"evcache/internal/domain"
)

// IndexType is recorded in metadata for every index built by this package.
const IndexType = "flat-ip"

// Hit is one search result.
type Hit struct {
	ID    int64
	Score float64
}

// FlatIndex is an exact inner-product index over L2-normalised vectors,
// so scores are cosine similarities. Rows are append-only: row i always
// holds the vector of ids[i]. It is not safe for concurrent use.
type FlatIndex struct {
	dim     int
	ids     []int64
	vectors [][]float32
	pos     map[int64]int
}

func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{
		dim: dim,
		pos: make(map[int64]int),
	}
}

// Add appends vec under id. Adding an id that is already present is a no-op.
func (x *FlatIndex) Add(id int64, vec []float32) error {
	if len(vec) != x.dim {
		return goerr.Wrap(domain.ErrDimensionMismatch, "vector width does not match index",
			goerr.V("want", x.dim), goerr.V("got", len(vec)), goerr.V("id", id))
	}
	if _, ok := x.pos[id]; ok {
		return nil
	}
	normalized, ok := normalize(vec)
	if !ok {
		return goerr.Wrap(domain.ErrEncoding, "zero vector", goerr.V("id", id))
	}
	x.pos[id] = len(x.ids)
	x.ids = append(x.ids, id)
	x.vectors = append(x.vectors, normalized)
	return nil
}

// Contains reports whether id has a row.
func (x *FlatIndex) Contains(id int64) bool {
	_, ok := x.pos[id]
	return ok
}

// Search returns up to k hits in descending similarity. filter, when set,
// restricts which ids are considered.
func (x *FlatIndex) Search(query []float32, k int, filter func(id int64) bool) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, goerr.Wrap(domain.ErrDimensionMismatch, "query width does not match index",
			goerr.V("want", x.dim), goerr.V("got", len(query)))
	}
	if k <= 0 || len(x.ids) == 0 {
		return nil, nil
	}
	q, ok := normalize(query)
	if !ok {
		return nil, goerr.Wrap(domain.ErrEncoding, "zero query vector")
	}

	hits := make([]Hit, 0, len(x.ids))
	for i, vec := range x.vectors {
		id := x.ids[i]
		if filter != nil && !filter(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: dot(q, vec)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (x *FlatIndex) Len() int {
	return len(x.ids)
}

func (x *FlatIndex) Dimension() int {
	return x.dim
}

// IDs returns a copy of the external ids in row order.
func (x *FlatIndex) IDs() []int64 {
	out := make([]int64, len(x.ids))
	copy(out, x.ids)
	return out
}

func normalize(vec []float32) ([]float32, bool) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, false
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) * inv)
	}
	return out, true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
