// Package store holds the in-memory library and chunk model (spec §3)
// together with the operations the command router drives under its
// lock hierarchy (spec §4.8). Like pkg/vindex, Store performs no
// internal synchronization of its own: every method assumes the caller
// already holds the correct locks from pkg/lockmgr.
package store

import (
	"time"

	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

// IndexParams bundles the algorithm-specific parameters a library was
// created with. Only the field matching Library.Algorithm is used; it
// is immutable once the library exists (spec §3).
type IndexParams struct {
	LSH    vindex.LSHConfig
	HNSW   vindex.HNSWConfig
	KDTree vindex.KDTreeConfig
}

// Library is a named collection of chunks sharing a fixed dimension and
// index algorithm (spec §3).
type Library struct {
	ID          ids.ID
	Name        string
	Description string
	Dimension   int
	Algorithm   vindex.Algorithm
	Metric      vecmath.Metric
	Params      IndexParams
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// LibraryPatch carries the subset of Library fields update_library may
// change. Dimension, Algorithm, Metric, and Params are immutable after
// creation and have no patch field (spec §3 invariant).
type LibraryPatch struct {
	Name        *string
	Description *string
	Metadata    map[string]any
}

// Chunk is the atomic indexed unit (spec §3). Embedding is immutable
// once inserted: replacing it is delete + insert, never an in-place
// update.
type Chunk struct {
	ID         ids.ID
	LibraryID  ids.ID
	Content    string
	Embedding  []float32
	DocumentID *string
	Position   int
	Metadata   map[string]any
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ChunkInput is one element of a bulk insert batch.
type ChunkInput struct {
	Content    string
	Embedding  []float32
	DocumentID *string
	Position   int
	Metadata   map[string]any
}

// LibraryStats reports the observability detail SPEC_FULL §12 adds to
// rebuild_index/library_stats responses.
type LibraryStats struct {
	ChunkCount     int
	Dimension      int
	Algorithm      vindex.Algorithm
	TombstoneRatio float64
	IndexStats     vindex.Stats
}
