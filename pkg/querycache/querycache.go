// Package querycache is a bounded, admission-counted cache of search
// results, keyed by (library id, query vector, k, metadata filter)
// (spec §10.1/§11). It is backed by ristretto rather than a hand-rolled
// LRU: ristretto already arrives transitively through pkg/metaindex's
// Badger dependency, and its TinyLFU admission policy makes better
// keep/evict decisions under skewed access patterns than a plain
// recency list.
package querycache

import (
	"hash/fnv"
	"strconv"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/orneryd/vectorlib/pkg/ids"
)

// Entry is one cached search result set.
type Entry struct {
	ChunkIDs []ids.ID
	Scores   []float64
}

// costOf approximates an entry's memory cost in bytes for ristretto's
// admission accounting: 16 bytes per id plus 8 bytes per score.
func costOf(e Entry) int64 {
	return int64(len(e.ChunkIDs)*16 + len(e.Scores)*8)
}

// Cache wraps a ristretto.Cache scoped to search-result entries.
type Cache struct {
	rc *ristretto.Cache[uint64, Entry]
}

// Options configures cache capacity. MaxEntries is the approximate
// number of distinct query results to retain.
type Options struct {
	MaxEntries int64
}

// DefaultOptions mirrors the VECTORLIB_QUERY_CACHE_SIZE default.
func DefaultOptions() Options {
	return Options{MaxEntries: 10_000}
}

// New creates a Cache sized for opts.MaxEntries. ristretto sizes its
// internal structures from NumCounters (here 10x MaxEntries, following
// its guidance of ten counters per expected item) and MaxCost (here, an
// entry-count budget multiplied by an average entry cost estimate).
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts = DefaultOptions()
	}
	const avgEntryCost = 256
	rc, err := ristretto.NewCache(&ristretto.Config[uint64, Entry]{
		NumCounters: opts.MaxEntries * 10,
		MaxCost:     opts.MaxEntries * avgEntryCost,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{rc: rc}, nil
}

// Key derives a cache key from a query's shape: the library id, a
// rounded representation of the query vector, k, and a stable encoding
// of the metadata filter. Each vector component is truncated toward
// zero to a multiple of 1e-6 before hashing, so components inside the
// same 1e-6 step hash identically; two components closer than 1e-6 that
// straddle a step boundary still hash differently.
func Key(libraryID ids.ID, queryVector []float32, k int, filterHash uint64) uint64 {
	h := fnv.New64a()
	h.Write([]byte(libraryID.String()))
	h.Write([]byte("\x00"))
	for _, v := range queryVector {
		h.Write(strconv.AppendFloat(nil, roundTo(float64(v), 1e-6), 'f', 6, 64))
		h.Write([]byte(","))
	}
	h.Write([]byte("\x00"))
	h.Write(strconv.AppendInt(nil, int64(k), 10))
	h.Write([]byte("\x00"))
	h.Write(strconv.AppendUint(nil, filterHash, 10))
	return h.Sum64()
}

func roundTo(v, epsilon float64) float64 {
	if epsilon <= 0 {
		return v
	}
	return float64(int64(v/epsilon)) * epsilon
}

// Get returns the cached entry for key, if present.
func (c *Cache) Get(key uint64) (Entry, bool) {
	return c.rc.Get(key)
}

// Put inserts or replaces the cached entry for key. SetWithTTL is not
// used: cache entries are invalidated explicitly on mutation
// (InvalidateLibrary), not by time.
func (c *Cache) Put(key uint64, entry Entry) {
	c.rc.Set(key, entry, costOf(entry))
	c.rc.Wait()
}

// Del removes a single cached entry.
func (c *Cache) Del(key uint64) {
	c.rc.Del(key)
}

// InvalidateLibrary drops every cached key for a library by clearing
// the whole cache. ristretto has no prefix-delete primitive; a library
// mutation is rare enough relative to cache reads that a full clear is
// an acceptable cost, and keeps the cache's invalidation rule simple:
// any mutation to any library invalidates all cached results.
func (c *Cache) InvalidateLibrary(_ ids.ID) {
	c.rc.Clear()
}

// Metrics exposes ristretto's built-in hit/miss counters for
// observability hooks (spec §10.3's logger callback).
func (c *Cache) Metrics() *ristretto.Metrics {
	return c.rc.Metrics
}

// Close releases background goroutines ristretto starts internally.
func (c *Cache) Close() {
	c.rc.Close()
}
