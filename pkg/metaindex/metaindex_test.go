package metaindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/ids"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestMatchPrefixFindsStringFields(t *testing.T) {
	idx := newTestIndex(t)
	lib := ids.New()
	c1, c2, c3 := ids.New(), ids.New(), ids.New()

	require.NoError(t, idx.IndexChunk(lib, c1, map[string]any{"source": "report-2024.pdf"}))
	require.NoError(t, idx.IndexChunk(lib, c2, map[string]any{"source": "report-2025.pdf"}))
	require.NoError(t, idx.IndexChunk(lib, c3, map[string]any{"source": "invoice.pdf"}))

	matches, err := idx.MatchPrefix(lib, "source", "report-")
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, id := range matches {
		seen[id.String()] = true
	}
	assert.True(t, seen[c1.String()])
	assert.True(t, seen[c2.String()])
	assert.False(t, seen[c3.String()])
}

func TestMatchRangeFindsNumericFields(t *testing.T) {
	idx := newTestIndex(t)
	lib := ids.New()
	low, mid, high := ids.New(), ids.New(), ids.New()

	require.NoError(t, idx.IndexChunk(lib, low, map[string]any{"score": float64(1)}))
	require.NoError(t, idx.IndexChunk(lib, mid, map[string]any{"score": float64(5)}))
	require.NoError(t, idx.IndexChunk(lib, high, map[string]any{"score": float64(9)}))

	matches, err := idx.MatchRange(lib, "score", 2, 9)
	require.NoError(t, err)
	seen := map[string]bool{}
	for _, id := range matches {
		seen[id.String()] = true
	}
	assert.False(t, seen[low.String()])
	assert.True(t, seen[mid.String()])
	assert.True(t, seen[high.String()])
}

func TestMatchRangeHandlesNegativeAndPositive(t *testing.T) {
	idx := newTestIndex(t)
	lib := ids.New()
	neg, zero, pos := ids.New(), ids.New(), ids.New()

	require.NoError(t, idx.IndexChunk(lib, neg, map[string]any{"delta": float64(-10)}))
	require.NoError(t, idx.IndexChunk(lib, zero, map[string]any{"delta": float64(0)}))
	require.NoError(t, idx.IndexChunk(lib, pos, map[string]any{"delta": float64(10)}))

	matches, err := idx.MatchRange(lib, "delta", -5, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, zero.String(), matches[0].String())
}

func TestRemoveChunkDeletesEntries(t *testing.T) {
	idx := newTestIndex(t)
	lib := ids.New()
	chunk := ids.New()
	meta := map[string]any{"source": "doc.pdf"}

	require.NoError(t, idx.IndexChunk(lib, chunk, meta))
	matches, err := idx.MatchPrefix(lib, "source", "doc")
	require.NoError(t, err)
	require.Len(t, matches, 1)

	require.NoError(t, idx.RemoveChunk(lib, chunk, meta))
	matches, err = idx.MatchPrefix(lib, "source", "doc")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestIndexIsScopedPerLibrary(t *testing.T) {
	idx := newTestIndex(t)
	lib1, lib2 := ids.New(), ids.New()
	chunk := ids.New()

	require.NoError(t, idx.IndexChunk(lib1, chunk, map[string]any{"source": "shared-name"}))

	matches, err := idx.MatchPrefix(lib2, "source", "shared")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
