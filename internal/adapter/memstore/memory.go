package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"evcache/internal/domain"
	"evcache/internal/port"
)

// MemoryStore is an in-process EvidenceStore with the same semantics as
// the SQLite store. Ids are assigned sequentially per table.
type MemoryStore struct {
	mu         sync.RWMutex
	keywords   map[int64]domain.Keyword
	viewpoints map[int64]domain.Viewpoint
	evidence   map[int64][]domain.Evidence
	lastKw     int64
	lastVp     int64
	lastEv     int64

	// FailWrites makes every write fail, for exercising persistence errors.
	FailWrites error
}

var _ port.EvidenceStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keywords:   make(map[int64]domain.Keyword),
		viewpoints: make(map[int64]domain.Viewpoint),
		evidence:   make(map[int64][]domain.Evidence),
	}
}

func (s *MemoryStore) CreateKeyword(_ context.Context, kw domain.Keyword) (domain.Keyword, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return domain.Keyword{}, s.FailWrites
	}
	s.lastKw++
	kw.ID = s.lastKw
	if kw.CreatedAt.IsZero() {
		kw.CreatedAt = time.Now().UTC()
	}
	kw.Embedding = clone(kw.Embedding)
	s.keywords[kw.ID] = kw
	return kw, nil
}

func (s *MemoryStore) GetKeyword(_ context.Context, id int64) (domain.Keyword, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	kw, ok := s.keywords[id]
	if !ok {
		return domain.Keyword{}, goerr.Wrap(domain.ErrNotFound, "keyword not found", goerr.V("keyword_id", id))
	}
	return kw, nil
}

func (s *MemoryStore) CreateViewpoint(_ context.Context, vp domain.Viewpoint) (domain.Viewpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return domain.Viewpoint{}, s.FailWrites
	}
	if _, ok := s.keywords[vp.KeywordID]; !ok {
		return domain.Viewpoint{}, goerr.Wrap(domain.ErrNotFound, "keyword not found", goerr.V("keyword_id", vp.KeywordID))
	}
	s.lastVp++
	vp.ID = s.lastVp
	if vp.CreatedAt.IsZero() {
		vp.CreatedAt = time.Now().UTC()
	}
	vp.Embedding = clone(vp.Embedding)
	s.viewpoints[vp.ID] = vp
	return vp, nil
}

func (s *MemoryStore) GetViewpoint(_ context.Context, id int64) (domain.Viewpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vp, ok := s.viewpoints[id]
	if !ok {
		return domain.Viewpoint{}, goerr.Wrap(domain.ErrNotFound, "viewpoint not found", goerr.V("viewpoint_id", id))
	}
	return vp, nil
}

func (s *MemoryStore) ViewpointIDsByKeyword(_ context.Context, keywordID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for id, vp := range s.viewpoints {
		if vp.KeywordID == keywordID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStore) ReplaceEvidence(_ context.Context, viewpointID int64, evidence []domain.Evidence) ([]domain.Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return nil, s.FailWrites
	}
	if _, ok := s.viewpoints[viewpointID]; !ok {
		return nil, goerr.Wrap(domain.ErrNotFound, "viewpoint not found", goerr.V("viewpoint_id", viewpointID))
	}

	now := time.Now().UTC()
	out := make([]domain.Evidence, len(evidence))
	for i, ev := range evidence {
		s.lastEv++
		ev.ID = s.lastEv
		ev.ViewpointID = viewpointID
		if ev.Rank == 0 {
			ev.Rank = i + 1
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		out[i] = ev
	}
	s.evidence[viewpointID] = out
	return append([]domain.Evidence(nil), out...), nil
}

func (s *MemoryStore) ListEvidence(_ context.Context, viewpointID int64, limit int) ([]domain.Evidence, error) {
	s.mu.RLock()
	out := append([]domain.Evidence(nil), s.evidence[viewpointID]...)
	s.mu.RUnlock()

	domain.SortEvidence(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := domain.StoreStats{
		Keywords:   len(s.keywords),
		Viewpoints: len(s.viewpoints),
	}
	for _, evs := range s.evidence {
		stats.Evidence += len(evs)
	}
	return stats, nil
}

// StreamRows snapshots the rows under the read lock, then calls fn
// outside it in ascending id order.
func (s *MemoryStore) StreamRows(ctx context.Context, name domain.IndexName, fn func(domain.Row) error) error {
	s.mu.RLock()
	var rows []domain.Row
	switch name {
	case domain.IndexKeyword:
		for id, kw := range s.keywords {
			rows = append(rows, domain.Row{ID: id, Text: kw.Text})
		}
	case domain.IndexViewpoint:
		for id, vp := range s.viewpoints {
			rows = append(rows, domain.Row{ID: id, Text: vp.Text})
		}
	default:
		s.mu.RUnlock()
		return goerr.Wrap(domain.ErrInvalidInput, "unknown index", goerr.V("index", string(name)))
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(row); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) CountRows(_ context.Context, name domain.IndexName) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch name {
	case domain.IndexKeyword:
		return len(s.keywords), nil
	case domain.IndexViewpoint:
		return len(s.viewpoints), nil
	}
	return 0, goerr.Wrap(domain.ErrInvalidInput, "unknown index", goerr.V("index", string(name)))
}

func (s *MemoryStore) Close() error {
	return nil
}

func clone(vec []float32) []float32 {
	if vec == nil {
		return nil
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
