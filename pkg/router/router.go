// Package router implements the command surface (spec §6): one
// exported method per command, each acquiring the lock hierarchy the
// operation needs, writing a WAL record before mutating the store
// (commit-then-mutate, spec §4.11), and translating store/index errors
// into the apperr taxonomy the HTTP layer renders.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/durability"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/lockmgr"
	"github.com/orneryd/vectorlib/pkg/metaindex"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/querycache"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
	"github.com/orneryd/vectorlib/pkg/wal"
)

// Router dispatches the command surface against a store.Store, guarded
// by a lockmgr.Manager and durably logged through a
// durability.Coordinator.
type Router struct {
	store *store.Store
	locks *lockmgr.Manager
	wal   *durability.Coordinator
	exec  *query.Executor
}

// New wires a Router over an already-recovered store. meta and cache
// may be nil, disabling the executor's metaindex pre-narrowing and
// result caching respectively (used by tests that don't need either).
func New(s *store.Store, locks *lockmgr.Manager, coord *durability.Coordinator, meta *metaindex.Index, cache *querycache.Cache) *Router {
	exec := query.New(s, locks)
	exec.Meta = meta
	exec.Cache = cache
	return &Router{store: s, locks: locks, wal: coord, exec: exec}
}

// wrap adds the failing command as context while preserving errors.Is
// matchability against the apperr taxonomy (SPEC_FULL §10.2).
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// createLibraryPayload mirrors pkg/recovery's payload shape exactly;
// WAL records and store mutations must decode identically during
// replay.
type createLibraryPayload struct {
	ID          ids.ID
	Name        string
	Description string
	Dimension   int
	Algorithm   vindex.Algorithm
	Metric      vecmath.Metric
	Params      store.IndexParams
	Metadata    map[string]any
}

// CreateLibrary creates a library (spec §6 create_library). The caller
// supplies no id; one is generated before the WAL record is written so
// replay and the live path assign the identical id.
func (r *Router) CreateLibrary(ctx context.Context, name, description string, dimension int, algorithm vindex.Algorithm, metric vecmath.Metric, params store.IndexParams, metadata map[string]any) (ids.ID, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.W(lockmgr.Store, "store"))
	if err != nil {
		return ids.Nil, err
	}
	defer guard.Release()

	if dimension < 1 || name == "" {
		return ids.Nil, apperr.ErrInvalidArgument
	}
	if !r.store.NameAvailable(name) {
		return ids.Nil, apperr.ErrAlreadyExists
	}

	id := ids.New()
	payload := createLibraryPayload{
		ID: id, Name: name, Description: description, Dimension: dimension,
		Algorithm: algorithm, Metric: metric, Params: params, Metadata: metadata,
	}
	if _, err := r.wal.Append(wal.OpCreateLibrary, payload); err != nil {
		return ids.Nil, wrap("create_library", err)
	}
	if _, err := r.store.CreateLibraryWithID(id, name, description, dimension, algorithm, metric, params, metadata); err != nil {
		return ids.Nil, wrap("create_library", err)
	}
	return id, nil
}

// GetLibrary reads a single library (spec §6 get_library).
func (r *Router) GetLibrary(ctx context.Context, id ids.ID) (*store.Library, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.R(lockmgr.Library, id.String()))
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	lib, err := r.store.GetLibrary(id)
	return lib, wrap("get_library", err)
}

// ListLibraries pages through libraries (spec §6 list_libraries).
func (r *Router) ListLibraries(ctx context.Context, cursor string, limit int) ([]*store.Library, string, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.R(lockmgr.Store, "store"))
	if err != nil {
		return nil, "", err
	}
	defer guard.Release()
	libs, next, err := r.store.ListLibraries(cursor, limit)
	return libs, next, wrap("list_libraries", err)
}

type updateLibraryPayload struct {
	ID    ids.ID
	Patch store.LibraryPatch
}

// UpdateLibrary applies a patch (spec §6 update_library).
func (r *Router) UpdateLibrary(ctx context.Context, id ids.ID, patch store.LibraryPatch) (*store.Library, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.W(lockmgr.Library, id.String()))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if _, err := r.wal.Append(wal.OpUpdateLibrary, updateLibraryPayload{ID: id, Patch: patch}); err != nil {
		return nil, wrap("update_library", err)
	}
	lib, err := r.store.UpdateLibrary(id, patch)
	return lib, wrap("update_library", err)
}

type deleteLibraryPayload struct {
	ID ids.ID
}

// DeleteLibrary removes a library and cascades to its chunks/index
// (spec §6 delete_library).
func (r *Router) DeleteLibrary(ctx context.Context, id ids.ID) error {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.W(lockmgr.Library, id.String()))
	if err != nil {
		return err
	}
	defer guard.Release()

	if _, err := r.wal.Append(wal.OpDeleteLibrary, deleteLibraryPayload{ID: id}); err != nil {
		return wrap("delete_library", err)
	}
	return wrap("delete_library", r.store.DeleteLibrary(id))
}

// RebuildIndex rebuilds a library's index from its live chunks (spec
// §4.10, §6 rebuild_index). Not WAL-logged: it is a pure function of
// already-durable chunk state, so replaying insert/delete chunk
// records during recovery reconstructs the same index without a
// dedicated record.
func (r *Router) RebuildIndex(ctx context.Context, id ids.ID) error {
	guard, err := r.locks.AcquireMany(ctx,
		lockmgr.R(lockmgr.Library, id.String()),
		lockmgr.W(lockmgr.Index, id.String()),
	)
	if err != nil {
		return err
	}
	defer guard.Release()
	return wrap("rebuild_index", r.store.RebuildIndex(id))
}

// RebuildStaleIndexes scans every library's index and rebuilds the ones
// whose tombstone ratio is past threshold (spec §4.6/§4.7/§4.10),
// returning the ids it rebuilt. The scan takes only a momentary STORE
// read lock; each rebuild then acquires its own LIBRARY/INDEX locks
// through RebuildIndex, so a library mutated between the scan and its
// rebuild just gets rebuilt from whatever chunks exist by then.
func (r *Router) RebuildStaleIndexes(ctx context.Context, threshold float64) ([]ids.ID, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.R(lockmgr.Store, "store"))
	if err != nil {
		return nil, err
	}
	stale := r.store.LibrariesExceedingTombstoneRatio(threshold)
	guard.Release()

	rebuilt := make([]ids.ID, 0, len(stale))
	for _, id := range stale {
		if err := r.RebuildIndex(ctx, id); err != nil {
			return rebuilt, wrap("rebuild_stale_indexes", err)
		}
		rebuilt = append(rebuilt, id)
	}
	return rebuilt, nil
}

type insertChunkPayload struct {
	Chunk store.Chunk
}

// InsertChunk inserts a single chunk (spec §6 insert_chunk).
func (r *Router) InsertChunk(ctx context.Context, libraryID ids.ID, in store.ChunkInput) (ids.ID, error) {
	guard, err := r.locks.AcquireMany(ctx,
		lockmgr.R(lockmgr.Library, libraryID.String()),
		lockmgr.W(lockmgr.Chunk, libraryID.String()),
		lockmgr.W(lockmgr.Index, libraryID.String()),
	)
	if err != nil {
		return ids.Nil, err
	}
	defer guard.Release()

	lib, err := r.store.GetLibrary(libraryID)
	if err != nil {
		return ids.Nil, wrap("insert_chunk", err)
	}
	if len(in.Embedding) != lib.Dimension {
		return ids.Nil, apperr.ErrDimensionMismatch
	}
	if !vecmath.Valid(in.Embedding) {
		return ids.Nil, apperr.ErrInvalidArgument
	}

	id := ids.New()
	now := time.Now()
	chunk := store.Chunk{
		ID: id, LibraryID: libraryID, Content: in.Content, Embedding: append([]float32(nil), in.Embedding...),
		DocumentID: in.DocumentID, Position: in.Position, Metadata: in.Metadata,
		CreatedAt: now, UpdatedAt: now,
	}
	if _, err := r.wal.Append(wal.OpInsertChunk, insertChunkPayload{Chunk: chunk}); err != nil {
		return ids.Nil, wrap("insert_chunk", err)
	}
	if err := r.store.RestoreChunk(&chunk); err != nil {
		return ids.Nil, wrap("insert_chunk", err)
	}
	return id, nil
}

type insertChunksBulkPayload struct {
	Chunks []store.Chunk
}

// InsertChunksBulk inserts a batch as a single WAL record; a single
// bad element fails the whole batch before anything is appended (spec
// §6 insert_chunks_bulk, §7).
func (r *Router) InsertChunksBulk(ctx context.Context, libraryID ids.ID, batch []store.ChunkInput) ([]ids.ID, error) {
	guard, err := r.locks.AcquireMany(ctx,
		lockmgr.R(lockmgr.Library, libraryID.String()),
		lockmgr.W(lockmgr.Chunk, libraryID.String()),
		lockmgr.W(lockmgr.Index, libraryID.String()),
	)
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	lib, err := r.store.GetLibrary(libraryID)
	if err != nil {
		return nil, wrap("insert_chunks_bulk", err)
	}
	chunks := make([]store.Chunk, len(batch))
	resultIDs := make([]ids.ID, len(batch))
	now := time.Now()
	for i, in := range batch {
		if len(in.Embedding) != lib.Dimension {
			return nil, apperr.ErrDimensionMismatch
		}
		if !vecmath.Valid(in.Embedding) {
			return nil, apperr.ErrInvalidArgument
		}
		id := ids.New()
		resultIDs[i] = id
		chunks[i] = store.Chunk{
			ID: id, LibraryID: libraryID, Content: in.Content, Embedding: append([]float32(nil), in.Embedding...),
			DocumentID: in.DocumentID, Position: in.Position, Metadata: in.Metadata,
			CreatedAt: now, UpdatedAt: now,
		}
	}

	if _, err := r.wal.Append(wal.OpInsertChunksBulk, insertChunksBulkPayload{Chunks: chunks}); err != nil {
		return nil, wrap("insert_chunks_bulk", err)
	}
	for i := range chunks {
		if err := r.store.RestoreChunk(&chunks[i]); err != nil {
			return nil, wrap("insert_chunks_bulk", err)
		}
	}
	return resultIDs, nil
}

// GetChunk looks up a chunk by id (spec §6 get_chunk).
func (r *Router) GetChunk(ctx context.Context, id ids.ID) (*store.Chunk, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.R(lockmgr.Store, "store"))
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	chunk, err := r.store.GetChunk(id)
	return chunk, wrap("get_chunk", err)
}

// ListChunks pages through a library's chunks (spec §6 list_chunks).
func (r *Router) ListChunks(ctx context.Context, libraryID ids.ID, cursor string, limit int, docID *string) ([]*store.Chunk, string, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.R(lockmgr.Chunk, libraryID.String()))
	if err != nil {
		return nil, "", err
	}
	defer guard.Release()
	chunks, next, err := r.store.ListChunks(libraryID, cursor, limit, docID)
	return chunks, next, wrap("list_chunks", err)
}

type updateChunkMetadataPayload struct {
	ID       ids.ID
	Metadata map[string]any
}

// UpdateChunkMetadata patches a chunk's metadata (spec §6
// update_chunk_metadata).
func (r *Router) UpdateChunkMetadata(ctx context.Context, id ids.ID, metadata map[string]any) (*store.Chunk, error) {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.W(lockmgr.Chunk, id.String()))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	if _, err := r.wal.Append(wal.OpUpdateChunkMetadata, updateChunkMetadataPayload{ID: id, Metadata: metadata}); err != nil {
		return nil, wrap("update_chunk_metadata", err)
	}
	chunk, err := r.store.UpdateChunkMetadata(id, metadata)
	return chunk, wrap("update_chunk_metadata", err)
}

type deleteChunkPayload struct {
	ID ids.ID
}

// DeleteChunk removes a chunk and tombstones it in the index (spec §6
// delete_chunk).
func (r *Router) DeleteChunk(ctx context.Context, id ids.ID) error {
	guard, err := r.locks.AcquireMany(ctx,
		lockmgr.W(lockmgr.Chunk, id.String()),
		lockmgr.W(lockmgr.Index, id.String()),
	)
	if err != nil {
		return err
	}
	defer guard.Release()

	if _, err := r.wal.Append(wal.OpDeleteChunk, deleteChunkPayload{ID: id}); err != nil {
		return wrap("delete_chunk", err)
	}
	return wrap("delete_chunk", r.store.DeleteChunk(id))
}

type deleteChunksBulkPayload struct {
	IDs []ids.ID
}

// DeleteChunksBulk is the inverse of InsertChunksBulk (SPEC_FULL §12):
// a single failure fails the whole batch before anything is appended.
// Chunk ids may span libraries, so this takes the STORE write lock
// rather than a single library's CHUNK lock.
func (r *Router) DeleteChunksBulk(ctx context.Context, chunkIDs []ids.ID) error {
	guard, err := r.locks.AcquireMany(ctx, lockmgr.W(lockmgr.Store, "store"))
	if err != nil {
		return err
	}
	defer guard.Release()

	for _, id := range chunkIDs {
		if _, err := r.store.GetChunk(id); err != nil {
			return wrap("delete_chunks_bulk", err)
		}
	}
	if _, err := r.wal.Append(wal.OpDeleteChunksBulk, deleteChunksBulkPayload{IDs: chunkIDs}); err != nil {
		return wrap("delete_chunks_bulk", err)
	}
	return wrap("delete_chunks_bulk", r.store.DeleteChunksBulk(chunkIDs))
}

// Search runs a single-library ANN query (spec §4.9, §6 search). Not
// WAL-logged: reads never mutate durable state.
func (r *Router) Search(ctx context.Context, req query.Request) ([]query.ScoredChunk, error) {
	results, err := r.exec.Search(ctx, req)
	return results, wrap("search", err)
}

// MultiSearch runs a cross-library ANN query (spec §4.9, §6
// multi_search).
func (r *Router) MultiSearch(ctx context.Context, req query.MultiRequest) ([]query.ScoredChunk, error) {
	results, err := r.exec.MultiSearch(ctx, req)
	return results, wrap("multi_search", err)
}

// LibraryStats reports chunk count, dimension, algorithm, and index
// observability for a library (SPEC_FULL §12 library_stats).
func (r *Router) LibraryStats(ctx context.Context, id ids.ID) (store.LibraryStats, error) {
	guard, err := r.locks.AcquireMany(ctx,
		lockmgr.R(lockmgr.Library, id.String()),
		lockmgr.R(lockmgr.Index, id.String()),
	)
	if err != nil {
		return store.LibraryStats{}, err
	}
	defer guard.Release()
	stats, err := r.store.LibraryStats(id)
	return stats, wrap("library_stats", err)
}
