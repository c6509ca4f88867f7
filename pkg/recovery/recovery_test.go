package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/vectorlib/pkg/durability"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
	"github.com/orneryd/vectorlib/pkg/wal"
)

func dirs(t *testing.T) (walDir, snapDir string) {
	t.Helper()
	root := t.TempDir()
	return filepath.Join(root, "wal"), filepath.Join(root, "snapshots")
}

// TestRecoverFromWALOnly exercises pure WAL replay with no snapshot:
// every create_library/insert_chunk is logged and reconstructed.
func TestRecoverFromWALOnly(t *testing.T) {
	walDir, snapDir := dirs(t)
	c, err := durability.Open(durability.Config{WAL: wal.DefaultConfig(walDir), SnapshotDir: snapDir})
	require.NoError(t, err)

	libID := ids.New()
	_, err = c.Append(wal.OpCreateLibrary, createLibraryPayload{
		ID: libID, Name: "docs", Dimension: 2,
		Algorithm: vindex.LSH, Metric: vecmath.Euclidean,
		Params: store.IndexParams{LSH: vindex.DefaultLSHConfig()},
	})
	require.NoError(t, err)

	chunkID := ids.New()
	_, err = c.Append(wal.OpInsertChunk, insertChunkPayload{
		Chunk: store.Chunk{ID: chunkID, LibraryID: libID, Content: "hi", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	s, result, err := Load(snapDir, wal.DefaultConfig(walDir))
	require.NoError(t, err)
	assert.False(t, result.SnapshotLoaded)
	assert.Equal(t, 2, result.RecordsApplied)
	assert.Empty(t, result.StoppedReason)

	lib, err := s.GetLibrary(libID)
	require.NoError(t, err)
	assert.Equal(t, "docs", lib.Name)

	chunk, err := s.GetChunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, "hi", chunk.Content)
}

// TestRecoverFromSnapshotPlusTail confirms records already covered by a
// snapshot are skipped and only the tail after it is replayed.
func TestRecoverFromSnapshotPlusTail(t *testing.T) {
	walDir, snapDir := dirs(t)
	c, err := durability.Open(durability.Config{WAL: wal.DefaultConfig(walDir), SnapshotDir: snapDir})
	require.NoError(t, err)

	libID := ids.New()
	_, err = c.Append(wal.OpCreateLibrary, createLibraryPayload{
		ID: libID, Name: "docs", Dimension: 2,
		Algorithm: vindex.LSH, Metric: vecmath.Euclidean,
		Params: store.IndexParams{LSH: vindex.DefaultLSHConfig()},
	})
	require.NoError(t, err)

	s := store.New()
	require.NoError(t, s.RestoreLibrary(&store.Library{ID: libID, Name: "docs", Dimension: 2, Algorithm: vindex.LSH, Metric: vecmath.Euclidean, Params: store.IndexParams{LSH: vindex.DefaultLSHConfig()}}))
	_, err = c.Snapshot(s)
	require.NoError(t, err)

	chunkID := ids.New()
	_, err = c.Append(wal.OpInsertChunk, insertChunkPayload{
		Chunk: store.Chunk{ID: chunkID, LibraryID: libID, Content: "after-snapshot", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	loaded, result, err := Load(snapDir, wal.DefaultConfig(walDir))
	require.NoError(t, err)
	assert.True(t, result.SnapshotLoaded)
	assert.Equal(t, 1, result.RecordsApplied)

	chunk, err := loaded.GetChunk(chunkID)
	require.NoError(t, err)
	assert.Equal(t, "after-snapshot", chunk.Content)
}

// TestRecoveryStopsAtTornTail mirrors scenario S4: a record whose bytes
// were only partially flushed must not be applied, and everything
// before it must still recover cleanly.
func TestRecoveryStopsAtTornTail(t *testing.T) {
	walDir, snapDir := dirs(t)
	c, err := durability.Open(durability.Config{WAL: wal.DefaultConfig(walDir), SnapshotDir: snapDir})
	require.NoError(t, err)

	libID := ids.New()
	_, err = c.Append(wal.OpCreateLibrary, createLibraryPayload{
		ID: libID, Name: "docs", Dimension: 2,
		Algorithm: vindex.LSH, Metric: vecmath.Euclidean,
		Params: store.IndexParams{LSH: vindex.DefaultLSHConfig()},
	})
	require.NoError(t, err)
	_, err = c.Append(wal.OpInsertChunk, insertChunkPayload{
		Chunk: store.Chunk{ID: ids.New(), LibraryID: libID, Content: "good", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	segPath := filepath.Join(walDir, "wal-00000000.log")
	data, err := os.ReadFile(segPath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(segPath, append(data, []byte{0xDE, 0xAD, 0xBE, 0xEF}...), 0o644))

	s, result, err := Load(snapDir, wal.DefaultConfig(walDir))
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordsApplied)
	assert.Empty(t, result.StoppedReason)

	lib, err := s.GetLibrary(libID)
	require.NoError(t, err)
	assert.Equal(t, "docs", lib.Name)
}
