// Package pool provides object pooling for VectorLib to reduce
// allocations on the search hot path.
//
// Object pooling reuses allocated objects instead of creating new ones,
// reducing GC pressure and improving throughput for high-frequency
// operations.
//
// Pooled objects:
// - ANN candidate slices (returned by every Index.Search call)
// - Chunk id slices (metaindex matches, cursor pages)
// - Byte buffers (WAL/snapshot record encoding scratch space)
// - Metadata maps (chunk metadata copies)
//
// Usage:
//
//	// Get a slice from pool
//	candidates := pool.GetCandidateSlice()
//	defer pool.PutCandidateSlice(candidates)
//
//	// Use the slice...
//	candidates = append(candidates, vindex.Candidate{ID: id, Distance: d})
package pool

import (
	"sync"

	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

// PoolConfig configures object pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxSize limits maximum objects kept in each pool
	MaxSize int
}

var globalConfig = PoolConfig{
	Enabled: true,
	MaxSize: 1000,
}

// Configure sets global pool configuration.
// Should be called early during initialization.
func Configure(config PoolConfig) {
	globalConfig = config
	initPools()
}

// initPools reinitializes all pools with their New functions.
func initPools() {
	candidateSlicePool = sync.Pool{
		New: func() any {
			return make([]vindex.Candidate, 0, 64)
		},
	}
	idSlicePool = sync.Pool{
		New: func() any {
			return make([]ids.ID, 0, 64)
		},
	}
	byteBufferPool = sync.Pool{
		New: func() any {
			return make([]byte, 0, 1024)
		},
	}
	mapPool = sync.Pool{
		New: func() any {
			return make(map[string]any, 8)
		},
	}
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Enabled
}

// =============================================================================
// Candidate Slice Pool (for Index.Search results)
// =============================================================================

var candidateSlicePool = sync.Pool{
	New: func() any {
		return make([]vindex.Candidate, 0, 64)
	},
}

// GetCandidateSlice returns a candidate slice from the pool. The
// returned slice has length 0 but may have capacity.
func GetCandidateSlice() []vindex.Candidate {
	if !globalConfig.Enabled {
		return make([]vindex.Candidate, 0, 64)
	}
	return candidateSlicePool.Get().([]vindex.Candidate)[:0]
}

// PutCandidateSlice returns a candidate slice to the pool.
func PutCandidateSlice(c []vindex.Candidate) {
	if !globalConfig.Enabled {
		return
	}
	if cap(c) > globalConfig.MaxSize {
		return
	}
	candidateSlicePool.Put(c[:0])
}

// =============================================================================
// Chunk ID Slice Pool (for metaindex matches, cursor pages)
// =============================================================================

var idSlicePool = sync.Pool{
	New: func() any {
		return make([]ids.ID, 0, 64)
	},
}

// GetIDSlice returns a chunk/library id slice from the pool.
func GetIDSlice() []ids.ID {
	if !globalConfig.Enabled {
		return make([]ids.ID, 0, 64)
	}
	return idSlicePool.Get().([]ids.ID)[:0]
}

// PutIDSlice returns an id slice to the pool.
func PutIDSlice(s []ids.ID) {
	if !globalConfig.Enabled {
		return
	}
	if cap(s) > globalConfig.MaxSize {
		return
	}
	idSlicePool.Put(s[:0])
}

// =============================================================================
// Byte Buffer Pool (WAL/snapshot record encoding scratch space)
// =============================================================================

var byteBufferPool = sync.Pool{
	New: func() any {
		return make([]byte, 0, 1024)
	},
}

// GetByteBuffer returns a byte buffer from the pool.
func GetByteBuffer() []byte {
	if !globalConfig.Enabled {
		return make([]byte, 0, 1024)
	}
	return byteBufferPool.Get().([]byte)[:0]
}

// PutByteBuffer returns a byte buffer to the pool.
func PutByteBuffer(buf []byte) {
	if !globalConfig.Enabled {
		return
	}
	if cap(buf) > 1024*1024 { // Don't pool huge buffers (>1MB)
		return
	}
	byteBufferPool.Put(buf[:0])
}

// =============================================================================
// Metadata Map Pool (chunk metadata copies)
// =============================================================================

var mapPool = sync.Pool{
	New: func() any {
		return make(map[string]any, 8)
	},
}

// GetMap returns a map from the pool, already cleared.
func GetMap() map[string]any {
	if !globalConfig.Enabled {
		return make(map[string]any, 8)
	}
	m := mapPool.Get().(map[string]any)
	for k := range m {
		delete(m, k)
	}
	return m
}

// PutMap returns a map to the pool.
func PutMap(m map[string]any) {
	if !globalConfig.Enabled || m == nil {
		return
	}
	if len(m) > globalConfig.MaxSize {
		return
	}
	for k := range m {
		delete(m, k)
	}
	mapPool.Put(m)
}
