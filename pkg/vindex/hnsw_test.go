package vindex

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/vecmath"
)

func axisVector(dim, axis int, mag float32) []float32 {
	v := make([]float32, dim)
	v[axis] = mag
	return v
}

// TestHNSWTop1Identity is scenario S1: searching for a vector that is
// already in the index with k=1 must return that vector itself at
// distance 0, regardless of how many other points surround it.
func TestHNSWTop1Identity(t *testing.T) {
	idx := NewHNSW(4, vecmath.Euclidean, DefaultHNSWConfig())
	for i := 0; i < 50; i++ {
		v := axisVector(4, i%4, float32(i)+1)
		require.NoError(t, idx.Insert(fmt.Sprintf("v%d", i), v))
	}

	target := axisVector(4, 0, 17)
	results, err := idx.Search(target, 1, 0)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "v16", results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-9)
}

// TestHNSWRebuildAfterTombstones is scenario S5: once enough points are
// removed to cross the rebuild threshold, a fresh Build() over the
// surviving vectors must reproduce the same top-1 answer the live index
// gives — tombstones must never leak into results, and a rebuilt graph
// must be at least as accurate as the tombstone-riddled one.
func TestHNSWRebuildAfterTombstones(t *testing.T) {
	cfg := DefaultHNSWConfig()
	idx := NewHNSW(3, vecmath.Euclidean, cfg)

	ids := make([]string, 0, 40)
	vectors := make([][]float32, 0, 40)
	for i := 0; i < 40; i++ {
		id := fmt.Sprintf("v%d", i)
		v := axisVector(3, i%3, float32(i)+1)
		ids = append(ids, id)
		vectors = append(vectors, v)
		require.NoError(t, idx.Insert(id, v))
	}

	for i := 0; i < 20; i++ {
		idx.Remove(fmt.Sprintf("v%d", i))
	}
	assert.GreaterOrEqual(t, idx.TombstoneRatio(), 0.3)

	target := axisVector(3, 0, 39)
	results, err := idx.Search(target, 3, 10)
	require.NoError(t, err)
	for _, r := range results {
		for i := 0; i < 20; i++ {
			assert.NotEqual(t, fmt.Sprintf("v%d", i), r.ID, "tombstoned id leaked into results")
		}
	}

	rebuilt := NewHNSW(3, vecmath.Euclidean, cfg)
	var survivorIDs []string
	var survivorVecs [][]float32
	for i, id := range ids {
		tombstoned := false
		for j := 0; j < 20; j++ {
			if id == fmt.Sprintf("v%d", j) {
				tombstoned = true
			}
		}
		if !tombstoned {
			survivorIDs = append(survivorIDs, id)
			survivorVecs = append(survivorVecs, vectors[i])
		}
	}
	require.NoError(t, rebuilt.Build(survivorIDs, survivorVecs))
	assert.Zero(t, rebuilt.TombstoneRatio())

	rebuiltResults, err := rebuilt.Search(target, 3, 10)
	require.NoError(t, err)
	require.NotEmpty(t, rebuiltResults)
	assert.Equal(t, results[0].ID, rebuiltResults[0].ID)
}

func TestHNSWDimensionMismatch(t *testing.T) {
	idx := NewHNSW(4, vecmath.Cosine, DefaultHNSWConfig())
	require.NoError(t, idx.Insert("a", []float32{1, 0, 0, 0}))
	_, err := idx.Search([]float32{1, 0, 0}, 1, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.ErrorIs(t, idx.Insert("b", []float32{1, 0, 0}), ErrDimensionMismatch)
}

func TestHNSWRemoveIsIdempotent(t *testing.T) {
	idx := NewHNSW(2, vecmath.Euclidean, DefaultHNSWConfig())
	require.NoError(t, idx.Insert("a", []float32{1, 1}))
	idx.Remove("a")
	idx.Remove("a")
	idx.Remove("missing")
	assert.Equal(t, 0, idx.Len())
}

func TestHNSWClearResetsDeterminism(t *testing.T) {
	cfg := DefaultHNSWConfig()
	idx := NewHNSW(2, vecmath.Euclidean, cfg)
	for i := 0; i < 10; i++ {
		require.NoError(t, idx.Insert(fmt.Sprintf("v%d", i), axisVector(2, i%2, float32(i)+1)))
	}
	idx.Clear()
	assert.Equal(t, 0, idx.Len())

	other := NewHNSW(2, vecmath.Euclidean, cfg)
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("v%d", i)
		v := axisVector(2, i%2, float32(i)+1)
		require.NoError(t, idx.Insert(id, v))
		require.NoError(t, other.Insert(id, v))
	}
	got, err := idx.Search(axisVector(2, 0, 5), 3, 0)
	require.NoError(t, err)
	want, err := other.Search(axisVector(2, 0, 5), 3, 0)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
