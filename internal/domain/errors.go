package domain

import "errors"

// Sentinel errors. Callers wrap them with goerr to attach context values
// and match them with errors.Is.
var (
	// ErrEncoding means the embedding call failed or the input was empty.
	// The current request is aborted and nothing is persisted.
	ErrEncoding = errors.New("encoding failed")

	// ErrIndexStale is an internal signal: the index no longer matches the
	// embedding model or its metadata. It is healed by a rebuild.
	ErrIndexStale = errors.New("vector index is stale")

	// ErrAcquisition means the search or scoring collaborator failed.
	ErrAcquisition = errors.New("evidence acquisition failed")

	// ErrPersistence means a relational write failed.
	ErrPersistence = errors.New("persistence failed")

	// ErrRebuild means an index rebuild could not complete. Prior on-disk
	// artifacts are left untouched.
	ErrRebuild = errors.New("index rebuild failed")

	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)
