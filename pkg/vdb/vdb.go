// Package vdb assembles the database facade: configuration, recovery,
// the durability coordinator, the lock manager, the command router,
// the metadata index, and the query cache, wired together the way the
// teacher's top-level service constructor wires its own storage and
// search layers.
package vdb

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/orneryd/vectorlib/pkg/config"
	"github.com/orneryd/vectorlib/pkg/durability"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/lockmgr"
	"github.com/orneryd/vectorlib/pkg/metaindex"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/querycache"
	"github.com/orneryd/vectorlib/pkg/recovery"
	"github.com/orneryd/vectorlib/pkg/router"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
	"github.com/orneryd/vectorlib/pkg/wal"
)

// Logger is the event hook every component logs through (SPEC_FULL
// §10.3), defaulting to log.Printf-style stderr output. kv is an even
// count of alternating key/value pairs, mirroring the teacher's
// structured logging call sites without pulling in a dedicated
// structured logger just for this hook.
type Logger func(event string, kv ...any)

func defaultLogger(event string, kv ...any) {
	log.Printf("vectorlib: %s %v", event, kv)
}

// DB is the top-level facade a CLI or HTTP layer drives.
type DB struct {
	cfg    *config.Config
	coord  *durability.Coordinator
	store  *store.Store
	router *router.Router
	locks  *lockmgr.Manager
	meta   *metaindex.Index
	cache  *querycache.Cache
	log    Logger

	recoveryResult recovery.Result
}

// Open performs recovery (snapshot + WAL tail), then opens the
// durability coordinator for future appends, then wires the command
// router, metadata index, and query cache on top (spec §4.13
// Recovery, Design Notes §9).
func Open(cfg *config.Config, logger Logger) (*DB, error) {
	if logger == nil {
		logger = defaultLogger
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vdb: invalid config: %w", err)
	}

	walCfg := wal.Config{Dir: cfg.WALDir(), MaxSegmentBytes: cfg.WALMaxSegmentBytes}

	s, result, err := recovery.Load(cfg.SnapshotDir(), walCfg)
	if err != nil {
		return nil, fmt.Errorf("vdb: recovery failed: %w", err)
	}
	logger("recovery.complete",
		"snapshot_loaded", result.SnapshotLoaded,
		"snapshot_seq", result.SnapshotSeq,
		"records_applied", result.RecordsApplied,
	)
	if result.StoppedReason != "" {
		logger("recovery.truncated",
			"stopped_at_seq", result.StoppedAtSeq,
			"reason", result.StoppedReason,
		)
	}

	snapshotEvery := uint64(0)
	if cfg.SnapshotMaxWALBytes > 0 {
		// Approximate "every N bytes" as "every N/4KiB records", a rough
		// stand-in until the coordinator tracks payload sizes directly.
		snapshotEvery = uint64(cfg.SnapshotMaxWALBytes / 4096)
		if snapshotEvery == 0 {
			snapshotEvery = 1
		}
	}
	coord, err := durability.Open(durability.Config{
		WAL:           walCfg,
		SnapshotDir:   cfg.SnapshotDir(),
		SnapshotEvery: snapshotEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("vdb: open durability coordinator: %w", err)
	}

	meta, err := metaindex.Open(metaindex.Options{DataDir: cfg.DataDir + "/metaindex"})
	if err != nil {
		_ = coord.Close()
		return nil, fmt.Errorf("vdb: open metaindex: %w", err)
	}

	cache, err := querycache.New(querycache.Options{MaxEntries: cfg.QueryCacheSize})
	if err != nil {
		_ = coord.Close()
		meta.Close()
		return nil, fmt.Errorf("vdb: open query cache: %w", err)
	}

	locks := lockmgr.New()
	db := &DB{
		cfg:            cfg,
		coord:          coord,
		store:          s,
		router:         router.New(s, locks, coord, meta, cache),
		locks:          locks,
		meta:           meta,
		cache:          cache,
		log:            logger,
		recoveryResult: result,
	}
	return db, nil
}

// RecoveryResult reports what startup recovery found, for diagnostics.
func (db *DB) RecoveryResult() recovery.Result { return db.recoveryResult }

// Close flushes the query cache, closes the metadata index, and closes
// the WAL last, per Design Notes §9's shutdown ordering.
func (db *DB) Close() error {
	db.cache.Close()
	db.meta.Close()
	return db.coord.Close()
}

// ctxWithTimeout applies the configured lock acquisition deadline
// (SPEC_FULL §10.1 VECTORLIB_LOCK_TIMEOUT) when the caller's context has
// no deadline; a caller-supplied deadline is kept as is, even when it is
// later than the configured timeout.
func (db *DB) ctxWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, db.cfg.LockTimeout)
}

// CreateLibrary delegates to the router, then indexes nothing yet
// (metaindex only tracks chunk metadata).
func (db *DB) CreateLibrary(ctx context.Context, name, description string, dimension int, algorithm vindex.Algorithm, metric vecmath.Metric, params store.IndexParams, metadata map[string]any) (ids.ID, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.CreateLibrary(ctx, name, description, dimension, algorithm, metric, params, metadata)
}

// GetLibrary delegates to the router.
func (db *DB) GetLibrary(ctx context.Context, id ids.ID) (*store.Library, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.GetLibrary(ctx, id)
}

// ListLibraries delegates to the router.
func (db *DB) ListLibraries(ctx context.Context, cursor string, limit int) ([]*store.Library, string, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.ListLibraries(ctx, cursor, limit)
}

// UpdateLibrary delegates to the router.
func (db *DB) UpdateLibrary(ctx context.Context, id ids.ID, patch store.LibraryPatch) (*store.Library, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.UpdateLibrary(ctx, id, patch)
}

// DeleteLibrary delegates to the router and invalidates any cached
// search results for the deleted library.
func (db *DB) DeleteLibrary(ctx context.Context, id ids.ID) error {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	if err := db.router.DeleteLibrary(ctx, id); err != nil {
		return err
	}
	db.cache.InvalidateLibrary(id)
	return nil
}

// RebuildIndex delegates to the router.
func (db *DB) RebuildIndex(ctx context.Context, id ids.ID) error {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	if err := db.router.RebuildIndex(ctx, id); err != nil {
		return err
	}
	db.cache.InvalidateLibrary(id)
	return nil
}

// InsertChunk delegates to the router, indexes the chunk's metadata in
// the accelerant index, and invalidates cached search results for the
// library (spec §6 insert_chunk).
func (db *DB) InsertChunk(ctx context.Context, libraryID ids.ID, in store.ChunkInput) (ids.ID, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	chunkID, err := db.router.InsertChunk(ctx, libraryID, in)
	if err != nil {
		return ids.Nil, err
	}
	if len(in.Metadata) > 0 {
		if err := db.meta.IndexChunk(libraryID, chunkID, in.Metadata); err != nil {
			db.log("metaindex.index_chunk_failed", "error", err)
		}
	}
	db.cache.InvalidateLibrary(libraryID)
	return chunkID, nil
}

// InsertChunksBulk delegates to the router.
func (db *DB) InsertChunksBulk(ctx context.Context, libraryID ids.ID, batch []store.ChunkInput) ([]ids.ID, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	chunkIDs, err := db.router.InsertChunksBulk(ctx, libraryID, batch)
	if err != nil {
		return nil, err
	}
	for i, chunkID := range chunkIDs {
		if len(batch[i].Metadata) > 0 {
			if err := db.meta.IndexChunk(libraryID, chunkID, batch[i].Metadata); err != nil {
				db.log("metaindex.index_chunk_failed", "error", err)
			}
		}
	}
	db.cache.InvalidateLibrary(libraryID)
	return chunkIDs, nil
}

// GetChunk delegates to the router.
func (db *DB) GetChunk(ctx context.Context, id ids.ID) (*store.Chunk, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.GetChunk(ctx, id)
}

// ListChunks delegates to the router.
func (db *DB) ListChunks(ctx context.Context, libraryID ids.ID, cursor string, limit int, docID *string) ([]*store.Chunk, string, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.ListChunks(ctx, libraryID, cursor, limit, docID)
}

// UpdateChunkMetadata delegates to the router and re-indexes the
// chunk's metadata.
func (db *DB) UpdateChunkMetadata(ctx context.Context, id ids.ID, metadata map[string]any) (*store.Chunk, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()

	before, err := db.router.GetChunk(ctx, id)
	if err != nil {
		return nil, err
	}
	oldMetadata := before.Metadata
	libraryID := before.LibraryID

	chunk, err := db.router.UpdateChunkMetadata(ctx, id, metadata)
	if err != nil {
		return nil, err
	}
	if len(oldMetadata) > 0 {
		if err := db.meta.RemoveChunk(libraryID, id, oldMetadata); err != nil {
			db.log("metaindex.remove_chunk_failed", "error", err)
		}
	}
	if len(metadata) > 0 {
		if err := db.meta.IndexChunk(chunk.LibraryID, id, metadata); err != nil {
			db.log("metaindex.index_chunk_failed", "error", err)
		}
	}
	db.cache.InvalidateLibrary(chunk.LibraryID)
	return chunk, nil
}

// DeleteChunk delegates to the router.
func (db *DB) DeleteChunk(ctx context.Context, id ids.ID) error {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	chunk, err := db.router.GetChunk(ctx, id)
	if err != nil {
		return err
	}
	if err := db.router.DeleteChunk(ctx, id); err != nil {
		return err
	}
	if len(chunk.Metadata) > 0 {
		if err := db.meta.RemoveChunk(chunk.LibraryID, id, chunk.Metadata); err != nil {
			db.log("metaindex.remove_chunk_failed", "error", err)
		}
	}
	db.cache.InvalidateLibrary(chunk.LibraryID)
	return nil
}

// DeleteChunksBulk delegates to the router, then cleans up the
// metadata index and query cache for every affected library (SPEC_FULL
// §12).
func (db *DB) DeleteChunksBulk(ctx context.Context, chunkIDs []ids.ID) error {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()

	before := make([]*store.Chunk, len(chunkIDs))
	for i, id := range chunkIDs {
		chunk, err := db.router.GetChunk(ctx, id)
		if err != nil {
			return err
		}
		before[i] = chunk
	}

	if err := db.router.DeleteChunksBulk(ctx, chunkIDs); err != nil {
		return err
	}

	invalidated := make(map[ids.ID]bool, len(before))
	for _, chunk := range before {
		if len(chunk.Metadata) > 0 {
			if err := db.meta.RemoveChunk(chunk.LibraryID, chunk.ID, chunk.Metadata); err != nil {
				db.log("metaindex.remove_chunk_failed", "error", err)
			}
		}
		if !invalidated[chunk.LibraryID] {
			db.cache.InvalidateLibrary(chunk.LibraryID)
			invalidated[chunk.LibraryID] = true
		}
	}
	return nil
}

// Search runs a single-library ANN query (spec §4.9, §6 search).
func (db *DB) Search(ctx context.Context, req query.Request) ([]query.ScoredChunk, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.Search(ctx, req)
}

// MultiSearch runs a cross-library ANN query (spec §4.9, §6
// multi_search).
func (db *DB) MultiSearch(ctx context.Context, req query.MultiRequest) ([]query.ScoredChunk, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.MultiSearch(ctx, req)
}

// LibraryStats delegates to the router (SPEC_FULL §12).
func (db *DB) LibraryStats(ctx context.Context, id ids.ID) (store.LibraryStats, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	return db.router.LibraryStats(ctx, id)
}

// MaybeRebuildStaleIndexes rebuilds every library whose tombstone ratio
// exceeds config.TombstoneRebuildThreshold, for a background ticker to
// call periodically (spec §4.6/§4.7/§4.10, SPEC_FULL "Background
// work": an explicit worker, not ambient async).
func (db *DB) MaybeRebuildStaleIndexes(ctx context.Context) ([]ids.ID, error) {
	ctx, cancel := db.ctxWithTimeout(ctx)
	defer cancel()
	rebuilt, err := db.router.RebuildStaleIndexes(ctx, config.TombstoneRebuildThreshold)
	if err != nil {
		return rebuilt, err
	}
	for _, id := range rebuilt {
		db.cache.InvalidateLibrary(id)
		db.log("rebuild.triggered", "library_id", id.String(), "reason", "tombstone_ratio")
	}
	return rebuilt, nil
}

// MaybeSnapshot takes a snapshot if the coordinator's threshold has
// been reached, for a background ticker to call periodically
// alongside SnapshotInterval (SPEC_FULL §10.1).
func (db *DB) MaybeSnapshot() (bool, string, error) {
	if !db.coord.ShouldSnapshot() {
		return false, "", nil
	}
	name, err := db.coord.Snapshot(db.store)
	if err != nil {
		return false, "", err
	}
	db.log("snapshot.written", "filename", name, "at", time.Now().UTC())
	return true, name, nil
}
