package vdb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

func TestDispatchCreateAndGetLibrary(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	created, err := db.Dispatch(ctx, Command{Name: "create_library", Args: map[string]any{
		"name": "docs", "dimension": 3, "algorithm": "lsh", "metric": "cosine",
	}})
	require.NoError(t, err)
	libID, ok := created.(ids.ID)
	require.True(t, ok)

	got, err := db.Dispatch(ctx, Command{Name: "get_library", Args: map[string]any{
		"id": libID.String(),
	}})
	require.NoError(t, err)
	lib, ok := got.(*store.Library)
	require.True(t, ok)
	assert.Equal(t, "docs", lib.Name)
}

func TestDispatchInsertChunkAndSearch(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	libID, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	inserted, err := db.Dispatch(ctx, Command{Name: "insert_chunk", Args: map[string]any{
		"library_id": libID.String(), "content": "hello", "embedding": []any{0.0, 0.0},
	}})
	require.NoError(t, err)
	chunkID, ok := inserted.(ids.ID)
	require.True(t, ok)

	found, err := db.Dispatch(ctx, Command{Name: "search", Args: map[string]any{
		"library_id": libID.String(), "vector": []any{0.0, 0.0}, "k": 1,
	}})
	require.NoError(t, err)
	results, ok := found.([]query.ScoredChunk)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, chunkID, results[0].ChunkID)
}

func TestDispatchUnknownCommand(t *testing.T) {
	db := newDB(t)
	_, err := db.Dispatch(context.Background(), Command{Name: "not_a_real_command"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}

func TestDispatchListLibrariesReturnsPage(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	_, err := db.CreateLibrary(ctx, "docs", "", 2, vindex.LSH, vecmath.Euclidean, store.IndexParams{}, nil)
	require.NoError(t, err)

	page, err := db.Dispatch(ctx, Command{Name: "list_libraries", Args: map[string]any{"limit": 10}})
	require.NoError(t, err)
	result, ok := page.(listPage)
	require.True(t, ok)
	libs, ok := result.Items.([]*store.Library)
	require.True(t, ok)
	assert.Len(t, libs, 1)
}

func TestDispatchGetLibraryMissingIDArgument(t *testing.T) {
	db := newDB(t)
	_, err := db.Dispatch(context.Background(), Command{Name: "get_library", Args: map[string]any{}})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
}
