package port

import (
	"context"

	"evcache/internal/domain"
)

// EvidenceStore is the relational source of truth for keywords, viewpoints
// and evidence. Rows are never patched in place; evidence is replaced wholesale.
type EvidenceStore interface {
	CreateKeyword(ctx context.Context, kw domain.Keyword) (domain.Keyword, error)

	GetKeyword(ctx context.Context, id int64) (domain.Keyword, error)

	CreateViewpoint(ctx context.Context, vp domain.Viewpoint) (domain.Viewpoint, error)

	GetViewpoint(ctx context.Context, id int64) (domain.Viewpoint, error)

	// ViewpointIDsByKeyword lists the viewpoints owned by a keyword.
	ViewpointIDsByKeyword(ctx context.Context, keywordID int64) ([]int64, error)

	// ReplaceEvidence atomically swaps the evidence set of a viewpoint.
	ReplaceEvidence(ctx context.Context, viewpointID int64, evidence []domain.Evidence) ([]domain.Evidence, error)

	// ListEvidence returns evidence ordered by descending score. limit <= 0 means all.
	ListEvidence(ctx context.Context, viewpointID int64, limit int) ([]domain.Evidence, error)

	Stats(ctx context.Context) (domain.StoreStats, error)

	RowSource

	Close() error
}

// RowSource streams the (id, text) pairs an index is rebuilt from,
// in ascending id order.
type RowSource interface {
	StreamRows(ctx context.Context, name domain.IndexName, fn func(domain.Row) error) error

	// CountRows reports how many rows back an index.
	CountRows(ctx context.Context, name domain.IndexName) (int, error)
}
