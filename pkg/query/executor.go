// Package query implements the search executor (spec §4.9): combining
// an index's candidate set with metadata predicates and ranking the
// survivors by distance.
package query

import (
	"context"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/lockmgr"
	"github.com/orneryd/vectorlib/pkg/metaindex"
	"github.com/orneryd/vectorlib/pkg/querycache"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

// defaultFilteredMultiplier is the candidate_hint multiplier applied
// when a metadata filter is present and the caller didn't specify one
// (spec §4.9 step 3).
const defaultFilteredMultiplier = 4

// refillWorkFactor bounds how many extra candidates a refill pass may
// examine in total, proportional to k (spec §4.9 step 6).
const refillWorkFactor = 16

// ScoredChunk is one ranked search result.
type ScoredChunk struct {
	ChunkID  ids.ID
	Distance float64
}

// Request is one search(library, query, k, filter?, multiplier?) call.
type Request struct {
	LibraryID  ids.ID
	Vector     []float32
	K          int
	Filter     *Filter // nil means no filtering
	Multiplier int     // 0 means "use the default for this request"
}

// Executor runs searches against a store.Store under lockmgr's
// hierarchy. It holds no mutable state of its own beyond the optional
// accelerants below.
type Executor struct {
	Store *store.Store
	Locks *lockmgr.Manager

	// Meta, when non-nil, pre-narrows candidates whose filter is a pure
	// AND of string-prefix/numeric-range predicates (spec §4.9, "the
	// executor consults pkg/metaindex to pre-narrow candidates"). A
	// metaindex match is never trusted on its own; Eval still runs
	// against the chunk's live metadata before a candidate survives.
	Meta *metaindex.Index
	// Cache, when non-nil, serves identical (library, vector, k, filter)
	// requests from pkg/querycache instead of re-running the search.
	Cache *querycache.Cache
}

// New creates an Executor over s, guarded by mgr. Meta and Cache start
// nil; callers that want the accelerants set them directly.
func New(s *store.Store, mgr *lockmgr.Manager) *Executor {
	return &Executor{Store: s, Locks: mgr}
}

// Search executes one Request (spec §4.9 steps 1-6).
func (e *Executor) Search(ctx context.Context, req Request) ([]ScoredChunk, error) {
	guard, err := e.Locks.AcquireMany(ctx,
		lockmgr.R(lockmgr.Library, req.LibraryID.String()),
		lockmgr.R(lockmgr.Index, req.LibraryID.String()),
	)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	lib, err := e.Store.GetLibrary(req.LibraryID)
	if err != nil {
		return nil, err
	}
	if len(req.Vector) != lib.Dimension {
		return nil, apperr.ErrDimensionMismatch
	}

	idx, err := e.Store.Index(req.LibraryID)
	if err != nil {
		return nil, err
	}

	var cacheKey uint64
	if e.Cache != nil {
		cacheKey = querycache.Key(req.LibraryID, req.Vector, req.K, req.Filter.Hash())
		if entry, ok := e.Cache.Get(cacheKey); ok {
			return entryToScored(entry), nil
		}
	}

	results, err := e.searchOne(idx, req)
	if err != nil {
		return nil, err
	}
	if e.Cache != nil {
		e.Cache.Put(cacheKey, scoredToEntry(results))
	}
	return results, nil
}

// MultiRequest runs one query across several libraries, unioning and
// re-sorting the results. All libraries must share the same dimension
// and distance metric (spec §4.9 "Cross-library search").
type MultiRequest struct {
	LibraryIDs []ids.ID
	Vector     []float32
	K          int
	Filter     *Filter
	Multiplier int
}

// MultiSearch executes a MultiRequest.
func (e *Executor) MultiSearch(ctx context.Context, req MultiRequest) ([]ScoredChunk, error) {
	if len(req.LibraryIDs) == 0 {
		return nil, apperr.ErrInvalidArgument
	}

	refs := make([]lockmgr.Ref, 0, len(req.LibraryIDs)*2)
	for _, libID := range req.LibraryIDs {
		refs = append(refs, lockmgr.R(lockmgr.Library, libID.String()))
	}
	for _, libID := range req.LibraryIDs {
		refs = append(refs, lockmgr.R(lockmgr.Index, libID.String()))
	}
	guard, err := e.Locks.AcquireMany(ctx, refs...)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	var dimension int
	libs := make([]*store.Library, len(req.LibraryIDs))
	for i, libID := range req.LibraryIDs {
		lib, err := e.Store.GetLibrary(libID)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			dimension = lib.Dimension
		} else if lib.Dimension != dimension || lib.Metric != libs[0].Metric {
			return nil, apperr.ErrHeterogeneousLibraries
		}
		libs[i] = lib
	}
	if len(req.Vector) != dimension {
		return nil, apperr.ErrDimensionMismatch
	}

	var union []ScoredChunk
	for _, lib := range libs {
		idx, err := e.Store.Index(lib.ID)
		if err != nil {
			return nil, err
		}
		results, err := e.searchOne(idx, Request{
			LibraryID:  lib.ID,
			Vector:     req.Vector,
			K:          req.K,
			Filter:     req.Filter,
			Multiplier: req.Multiplier,
		})
		if err != nil {
			return nil, err
		}
		union = append(union, results...)
	}
	sortScored(union)
	if len(union) > req.K {
		union = union[:req.K]
	}
	return union, nil
}

// searchOne runs the candidate-hint/filter/refill loop (spec §4.9 steps
// 3-6) against a single already-locked library's index.
func (e *Executor) searchOne(idx vindex.Index, req Request) ([]ScoredChunk, error) {
	multiplier := req.Multiplier
	if multiplier <= 0 {
		if req.Filter != nil {
			multiplier = defaultFilteredMultiplier
		} else {
			multiplier = 1
		}
	}

	maxWork := req.K * refillWorkFactor
	if maxWork < req.K {
		maxWork = req.K
	}

	hint := req.K * multiplier
	if hint < req.K {
		hint = req.K
	}

	allow, narrowed := e.metaCandidates(req.LibraryID, req.Filter)

	var survivors []ScoredChunk
	seen := make(map[string]bool)
	examined := 0

	for {
		candidates, err := idx.Search(req.Vector, hint, hint)
		if err != nil {
			return nil, err
		}

		for _, c := range candidates {
			if examined >= maxWork && len(survivors) >= req.K {
				break
			}
			if seen[c.ID] {
				continue
			}
			seen[c.ID] = true
			examined++

			chunkID, err := ids.Parse(c.ID)
			if err != nil {
				continue
			}

			if req.Filter != nil {
				if narrowed && !allow[chunkID] {
					continue
				}
				chunk, err := e.Store.GetChunk(chunkID)
				if err != nil {
					continue
				}
				if !req.Filter.Eval(chunk.Metadata) {
					continue
				}
			}

			survivors = append(survivors, ScoredChunk{ChunkID: chunkID, Distance: c.Distance})
			if len(survivors) >= req.K {
				break
			}
		}

		if len(survivors) >= req.K || hint >= idx.Len() || examined >= maxWork {
			break
		}
		// Refill: widen the hint and try again, bounded by maxWork.
		hint *= 2
	}

	sortScored(survivors)
	if len(survivors) > req.K {
		survivors = survivors[:req.K]
	}
	return survivors, nil
}

// metaCandidates asks pkg/metaindex for the chunk ids satisfying every
// prefix/range leaf of filter, intersecting across leaves (spec §4.9).
// It only fires when filter is a pure AND of Prefix/Range predicates:
// that's the one shape where "not in the metaindex match set" implies
// "would fail Eval too", so excluding non-members up front is safe. Any
// OR/NOT in the tree, a nil Meta, or a lookup error disables narrowing
// (ok=false) and searchOne falls back to evaluating every candidate.
func (e *Executor) metaCandidates(libraryID ids.ID, filter *Filter) (map[ids.ID]bool, bool) {
	if e.Meta == nil || filter == nil || !filter.pureAndOfPrefixRange() {
		return nil, false
	}

	var sets []map[ids.ID]bool
	for _, leaf := range filter.PrefixPredicates() {
		matches, err := e.Meta.MatchPrefix(libraryID, leaf.Field, leaf.Prefix)
		if err != nil {
			return nil, false
		}
		sets = append(sets, toSet(matches))
	}
	for _, leaf := range filter.RangePredicates() {
		matches, err := e.Meta.MatchRange(libraryID, leaf.Field, leaf.Min, leaf.Max)
		if err != nil {
			return nil, false
		}
		sets = append(sets, toSet(matches))
	}
	if len(sets) == 0 {
		return nil, false
	}

	intersection := sets[0]
	for _, set := range sets[1:] {
		for id := range intersection {
			if !set[id] {
				delete(intersection, id)
			}
		}
	}
	return intersection, true
}

func toSet(ids []ids.ID) map[ids.ID]bool {
	set := make(map[ids.ID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func entryToScored(e querycache.Entry) []ScoredChunk {
	out := make([]ScoredChunk, len(e.ChunkIDs))
	for i, id := range e.ChunkIDs {
		out[i] = ScoredChunk{ChunkID: id, Distance: e.Scores[i]}
	}
	return out
}

func scoredToEntry(s []ScoredChunk) querycache.Entry {
	e := querycache.Entry{ChunkIDs: make([]ids.ID, len(s)), Scores: make([]float64, len(s))}
	for i, sc := range s {
		e.ChunkIDs[i] = sc.ChunkID
		e.Scores[i] = sc.Distance
	}
	return e
}

func sortScored(s []ScoredChunk) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func less(a, b ScoredChunk) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ChunkID.String() < b.ChunkID.String()
}
