package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/durability"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/lockmgr"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
	"github.com/orneryd/vectorlib/pkg/wal"
)

func newRouter(t *testing.T) *Router {
	t.Helper()
	walDir := t.TempDir()
	snapDir := t.TempDir()
	coord, err := durability.Open(durability.Config{
		WAL:         wal.DefaultConfig(walDir),
		SnapshotDir: snapDir,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = coord.Close() })

	s := store.New()
	return New(s, lockmgr.New(), coord, nil, nil)
}

func TestCreateLibraryThenGet(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	id, err := r.CreateLibrary(ctx, "docs", "test corpus", 3, vindex.LSH, vecmath.Cosine, store.IndexParams{}, nil)
	require.NoError(t, err)

	lib, err := r.GetLibrary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "docs", lib.Name)
	assert.Equal(t, 3, lib.Dimension)
}

func TestCreateLibraryRejectsBadDimension(t *testing.T) {
	r := newRouter(t)
	_, err := r.CreateLibrary(context.Background(), "docs", "", 0, vindex.LSH, vecmath.Cosine, store.IndexParams{}, nil)
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestCreateLibraryRejectsDuplicateName(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	firstID, err := r.CreateLibrary(ctx, "docs", "", 3, vindex.LSH, vecmath.Cosine, store.IndexParams{}, nil)
	require.NoError(t, err)

	_, err = r.CreateLibrary(ctx, "docs", "second attempt", 3, vindex.LSH, vecmath.Cosine, store.IndexParams{}, nil)
	assert.ErrorIs(t, err, apperr.ErrAlreadyExists)

	// The first library must still be reachable by its id, with its name intact.
	lib, err := r.GetLibrary(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, "docs", lib.Name)
}

func TestInsertChunkThenSearch(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	chunkID, err := r.InsertChunk(ctx, libID, store.ChunkInput{Content: "hello", Embedding: []float32{0, 0}})
	require.NoError(t, err)

	results, err := r.Search(ctx, query.Request{LibraryID: libID, Vector: []float32{0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunkID, results[0].ChunkID)
}

func TestInsertChunkRejectsDimensionMismatch(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 3, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	_, err = r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{1, 2}})
	assert.ErrorIs(t, err, apperr.ErrDimensionMismatch)
}

func TestInsertChunksBulkIsAllOrNothing(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	_, err = r.InsertChunksBulk(ctx, libID, []store.ChunkInput{
		{Embedding: []float32{0, 0}},
		{Embedding: []float32{1, 2, 3}}, // wrong dimension
	})
	require.Error(t, err)

	chunks, _, err := r.ListChunks(ctx, libID, "", 10, nil)
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestDeleteChunkThenGetNotFound(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	chunkID, err := r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)

	require.NoError(t, r.DeleteChunk(ctx, chunkID))

	_, err = r.GetChunk(ctx, chunkID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestDeleteLibraryCascadesChunks(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	_, err = r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)

	require.NoError(t, r.DeleteLibrary(ctx, libID))

	_, err = r.GetLibrary(ctx, libID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRebuildIndexPreservesSearch(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	chunkID, err := r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)

	require.NoError(t, r.RebuildIndex(ctx, libID))

	results, err := r.Search(ctx, query.Request{LibraryID: libID, Vector: []float32{0, 0}, K: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, chunkID, results[0].ChunkID)
}

func TestLibraryStatsReportsChunkCount(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	_, err = r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)

	stats, err := r.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ChunkCount)
}

func TestRebuildStaleIndexesRebuildsPastThreshold(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.HNSW, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	var chunkIDs []ids.ID
	for i := 0; i < 4; i++ {
		chunkID, err := r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{float32(i), 0}})
		require.NoError(t, err)
		chunkIDs = append(chunkIDs, chunkID)
	}
	// Tombstone 3 of 4 -> 75% ratio, above the 30% threshold.
	for _, id := range chunkIDs[:3] {
		require.NoError(t, r.DeleteChunk(ctx, id))
	}

	statsBefore, err := r.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Greater(t, statsBefore.TombstoneRatio, 0.30)

	rebuilt, err := r.RebuildStaleIndexes(ctx, 0.30)
	require.NoError(t, err)
	assert.Equal(t, []ids.ID{libID}, rebuilt)

	statsAfter, err := r.LibraryStats(ctx, libID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, statsAfter.TombstoneRatio)
	assert.Equal(t, 1, statsAfter.ChunkCount)
}

func TestRebuildStaleIndexesSkipsBelowThreshold(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	libID, err := r.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)
	_, err = r.InsertChunk(ctx, libID, store.ChunkInput{Embedding: []float32{0, 0}})
	require.NoError(t, err)

	rebuilt, err := r.RebuildStaleIndexes(ctx, 0.30)
	require.NoError(t, err)
	assert.Empty(t, rebuilt)
}
