package querycache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/ids"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(Options{MaxEntries: 100})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestPutThenGetHits(t *testing.T) {
	c := newTestCache(t)
	lib := ids.New()
	key := Key(lib, []float32{1, 2, 3}, 5, 0)

	entry := Entry{ChunkIDs: []ids.ID{ids.New(), ids.New()}, Scores: []float64{0.1, 0.2}}
	c.Put(key, entry)

	got, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, entry.Scores, got.Scores)
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := newTestCache(t)
	_, ok := c.Get(Key(ids.New(), []float32{1}, 3, 0))
	assert.False(t, ok)
}

func TestKeyIsStableForIdenticalShape(t *testing.T) {
	lib := ids.New()
	k1 := Key(lib, []float32{1, 2, 3}, 5, 42)
	k2 := Key(lib, []float32{1, 2, 3}, 5, 42)
	assert.Equal(t, k1, k2)
}

func TestKeyDiffersAcrossLibraries(t *testing.T) {
	k1 := Key(ids.New(), []float32{1, 2, 3}, 5, 0)
	k2 := Key(ids.New(), []float32{1, 2, 3}, 5, 0)
	assert.NotEqual(t, k1, k2)
}

func TestKeyDiffersAcrossFilterHash(t *testing.T) {
	lib := ids.New()
	k1 := Key(lib, []float32{1, 2, 3}, 5, 1)
	k2 := Key(lib, []float32{1, 2, 3}, 5, 2)
	assert.NotEqual(t, k1, k2)
}

func TestInvalidateLibraryClearsCache(t *testing.T) {
	c := newTestCache(t)
	lib := ids.New()
	key := Key(lib, []float32{1, 2}, 3, 0)
	c.Put(key, Entry{ChunkIDs: []ids.ID{ids.New()}})

	_, ok := c.Get(key)
	require.True(t, ok)

	c.InvalidateLibrary(lib)
	_, ok = c.Get(key)
	assert.False(t, ok)
}

func TestDelRemovesSingleEntry(t *testing.T) {
	c := newTestCache(t)
	key := Key(ids.New(), []float32{1}, 1, 0)
	c.Put(key, Entry{ChunkIDs: []ids.ID{ids.New()}})
	c.Del(key)
	_, ok := c.Get(key)
	assert.False(t, ok)
}
