package vdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/config"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	cfg := &config.Config{
		DataDir:              t.TempDir(),
		WALSyncMode:          config.SyncImmediate,
		WALMaxSegmentBytes:   64 << 20,
		SnapshotInterval:     time.Minute,
		SnapshotMaxWALBytes:  256 << 20,
		LockTimeout:          time.Second,
		QueryCacheSize:       1000,
		RebuildCheckInterval: time.Minute,
	}
	db, err := Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenOnEmptyDataDirStartsFresh(t *testing.T) {
	db := newDB(t)
	result := db.RecoveryResult()
	assert.False(t, result.SnapshotLoaded)
	assert.Equal(t, 0, result.RecordsApplied)
}

func TestCreateInsertSearchRoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libID, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	chunkID, err := db.InsertChunk(ctx, libID, store.ChunkInput{
		Content:   "hello",
		Embedding: []float32{0, 0},
		Metadata:  map[string]any{"lang": "en"},
	})
	require.NoError(t, err)

	stats, err := db.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunkCount)

	chunk, err := db.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	assert.Equal(t, "hello", chunk.Content)

	results, err := db.Search(ctx, query.Request{LibraryID: libID, Vector: []float32{0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunkID, results[0].ChunkID)
}

func TestMultiSearchAcrossLibraries(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libA, err := db.CreateLibrary(ctx, "a", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	libB, err := db.CreateLibrary(ctx, "b", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	chunkA, err := db.InsertChunk(ctx, libA, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)
	_, err = db.InsertChunk(ctx, libB, store.ChunkInput{Embedding: []float32{100, 100}})
	require.NoError(t, err)

	results, err := db.MultiSearch(ctx, query.MultiRequest{
		LibraryIDs: []ids.ID{libA, libB}, Vector: []float32{0, 0}, K: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, chunkA, results[0].ChunkID)
}

func TestMaybeRebuildStaleIndexesRebuildsPastThreshold(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libID, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.HNSW, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	var chunkIDs []ids.ID
	for i := 0; i < 4; i++ {
		chunkID, err := db.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{float32(i), 0}})
		require.NoError(t, err)
		chunkIDs = append(chunkIDs, chunkID)
	}
	for _, id := range chunkIDs[:3] {
		require.NoError(t, db.DeleteChunk(ctx, id))
	}

	rebuilt, err := db.MaybeRebuildStaleIndexes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ids.ID{libID}, rebuilt)

	stats, err := db.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, stats.TombstoneRatio)
}

func TestDeleteChunkRemovesItFromLibraryStats(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libID, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	chunkID, err := db.InsertChunk(ctx, libID, store.ChunkInput{
		Embedding: []float32{1, 1},
		Metadata:  map[string]any{"lang": "en"},
	})
	require.NoError(t, err)

	require.NoError(t, db.DeleteChunk(ctx, chunkID))

	stats, err := db.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ChunkCount)
}

func TestMaybeSnapshotNoopWhenThresholdNotReached(t *testing.T) {
	db := newDB(t)
	took, _, err := db.MaybeSnapshot()
	require.NoError(t, err)
	assert.False(t, took)
}

func TestUpdateChunkMetadataReplacesOldEntries(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libID, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	chunkID, err := db.InsertChunk(ctx, libID, store.ChunkInput{
		Embedding: []float32{0, 0},
		Metadata:  map[string]any{"lang": "en"},
	})
	require.NoError(t, err)

	updated, err := db.UpdateChunkMetadata(ctx, chunkID, map[string]any{"lang": "fr"})
	require.NoError(t, err)
	assert.Equal(t, "fr", updated.Metadata["lang"])
}
