package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvDefaults(t *testing.T) {
	for _, k := range []string{
		"VECTORLIB_DATA_DIR", "VECTORLIB_WAL_SYNC_MODE", "VECTORLIB_WAL_MAX_SEGMENT_BYTES",
		"VECTORLIB_SNAPSHOT_INTERVAL", "VECTORLIB_SNAPSHOT_MAX_WAL_BYTES",
		"VECTORLIB_LOCK_TIMEOUT", "VECTORLIB_QUERY_CACHE_SIZE", "VECTORLIB_REBUILD_CHECK_INTERVAL",
	} {
		os.Unsetenv(k)
	}

	cfg := LoadFromEnv()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, SyncImmediate, cfg.WALSyncMode)
	assert.Equal(t, int64(64*1024*1024), cfg.WALMaxSegmentBytes)
}

func TestValidateRejectsBadSyncMode(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.WALSyncMode = "sometimes"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveSizes(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.WALMaxSegmentBytes = 0
	assert.Error(t, cfg.Validate())
}

func TestWALAndSnapshotDirsDeriveFromDataDir(t *testing.T) {
	cfg := LoadFromEnv()
	cfg.DataDir = "/var/lib/vectorlib"
	assert.Equal(t, "/var/lib/vectorlib/wal", cfg.WALDir())
	assert.Equal(t, "/var/lib/vectorlib/snapshots", cfg.SnapshotDir())
}

func TestLoadAlgorithmDefaultsMissingFileIsNotError(t *testing.T) {
	defaults, err := LoadAlgorithmDefaults(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 0, defaults.HNSW.M)
}

func TestLoadAlgorithmDefaultsParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "defaults.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hnsw:
  m: 32
  ef_construction: 400
  ef_search: 200
lsh:
  num_tables: 12
  hashes_per_table: 10
kdtree:
  projected_dim: 24
  leaf_size: 16
`), 0o644))

	defaults, err := LoadAlgorithmDefaults(path)
	require.NoError(t, err)
	assert.Equal(t, 32, defaults.HNSW.M)
	assert.Equal(t, 400, defaults.HNSW.EfConstruction)
	assert.Equal(t, 12, defaults.LSH.NumTables)
	assert.Equal(t, 24, defaults.KDTree.ProjectedDim)
}
