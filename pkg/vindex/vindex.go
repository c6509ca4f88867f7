// Package vindex implements the three from-scratch approximate nearest
// neighbor indexes — LSH, HNSW, and a KD-Tree over random projections —
// behind one shared Index contract. Thread-safety is delegated entirely
// to the caller (the INDEX lock in pkg/lockmgr); none of these
// implementations synchronize internally, mirroring the teacher's
// pkg/search indexes which rely on an externally held mutex per call.
package vindex

import (
	"github.com/orneryd/vectorlib/pkg/apperr"
)

// Errors surfaced by every index implementation.
var (
	ErrDimensionMismatch = apperr.ErrDimensionMismatch
)

// Algorithm tags the index variant a library was created with. A closed
// sum type (rather than open dispatch) because the set of algorithms is
// fixed and serialization of a library's parameters must be deterministic.
type Algorithm int

const (
	LSH Algorithm = iota
	HNSW
	KDTree
)

func (a Algorithm) String() string {
	switch a {
	case LSH:
		return "lsh"
	case HNSW:
		return "hnsw"
	case KDTree:
		return "kdtree"
	default:
		return "unknown"
	}
}

// ParseAlgorithm is the inverse of String.
func ParseAlgorithm(s string) (Algorithm, bool) {
	switch s {
	case "lsh":
		return LSH, true
	case "hnsw":
		return HNSW, true
	case "kdtree":
		return KDTree, true
	default:
		return 0, false
	}
}

// Candidate is one scored search hit, ascending by Distance with ties
// broken by ID.
type Candidate struct {
	ID       string
	Distance float64
}

// Stats reports index-specific observability, extending the spec's
// bare len()/clear() contract the way the teacher's WALStats and
// Service.SearchMetrics extend theirs.
type Stats struct {
	Live       int
	Tombstoned int
	Extra      map[string]any // algorithm-specific: HNSW max layer/entry point, LSH bucket count per table, KD-Tree projected dimension
}

// Index is the uniform contract every ANN algorithm implements. Callers
// hold the surrounding INDEX lock; no method here is internally
// synchronized.
type Index interface {
	// Build bulk-constructs the index from scratch, discarding any
	// previous state. len(ids) must equal len(vectors).
	Build(ids []string, vectors [][]float32) error

	// Insert adds one vector under id. Returns ErrDimensionMismatch if
	// len(vector) != the index's configured dimension.
	Insert(id string, vector []float32) error

	// Remove tombstones id. Idempotent: removing an absent or
	// already-removed id is a no-op.
	Remove(id string)

	// Search returns up to k (id, distance) pairs ascending by
	// distance, ties broken by id ascending. candidateHint widens the
	// internal candidate pool so a caller doing post-filtering can ask
	// for more raw candidates than it intends to keep.
	Search(query []float32, k int, candidateHint int) ([]Candidate, error)

	// Len returns the number of live (non-tombstoned) vectors.
	Len() int

	// Clear discards all state, returning the index to empty.
	Clear()

	// Stats reports observability detail (§12 SPEC_FULL).
	Stats() Stats
}

// sortCandidates sorts in place by ascending distance, ties by id. Every
// index shares this so the total order (law 4 in spec §8) is identical
// regardless of which algorithm produced the candidates.
func sortCandidates(c []Candidate) {
	// Insertion sort: candidate lists here are always small (≤ k plus a
	// modest overscan), so this avoids pulling in sort.Slice's overhead
	// and keeps the comparator identical across all three indexes.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func less(a, b Candidate) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}
