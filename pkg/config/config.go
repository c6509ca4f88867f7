// Package config handles VectorLib's environment-variable configuration,
// following the same VECTORLIB_-prefixed convention the teacher's stack
// uses for its own NEO4J_/NORNICDB_ variables.
//
// Configuration is loaded from environment variables with LoadFromEnv()
// and validated with Validate() before use. Per-library default index
// parameters are additionally loaded from an optional YAML defaults
// file via LoadAlgorithmDefaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// SyncMode controls how aggressively the WAL fsyncs (spec §10.1).
type SyncMode string

const (
	SyncImmediate SyncMode = "immediate"
	SyncBatch     SyncMode = "batch"
	SyncNone      SyncMode = "none"
)

// Config holds all VectorLib configuration loaded from environment
// variables.
type Config struct {
	// DataDir is the root directory holding the wal/ and snapshots/
	// subdirectories.
	DataDir string

	// WALSyncMode is read and validated but the WAL itself always
	// fsyncs before considering a record committed (spec §4.11's
	// durability invariant is not negotiable); callers wanting batched
	// or disabled fsyncs should treat this field as advisory only.
	WALSyncMode         SyncMode
	WALMaxSegmentBytes  int64
	SnapshotInterval    time.Duration
	SnapshotMaxWALBytes int64
	LockTimeout         time.Duration
	QueryCacheSize      int64

	// RebuildCheckInterval is how often the background worker checks
	// every library's tombstone ratio and schedules a full rebuild for
	// any index past TombstoneRebuildThreshold (spec §4.6/§4.7/§4.10).
	RebuildCheckInterval time.Duration
}

// TombstoneRebuildThreshold is the fraction of tombstoned entries that
// triggers an automatic background rebuild (spec §4.6 HNSW, §4.7
// KD-Tree: "tombstoned > 30%").
const TombstoneRebuildThreshold = 0.30

// LoadFromEnv loads configuration from environment variables, applying
// defaults for anything unset.
func LoadFromEnv() *Config {
	return &Config{
		DataDir:              getEnv("VECTORLIB_DATA_DIR", "./data"),
		WALSyncMode:          SyncMode(getEnv("VECTORLIB_WAL_SYNC_MODE", string(SyncImmediate))),
		WALMaxSegmentBytes:   getEnvInt64("VECTORLIB_WAL_MAX_SEGMENT_BYTES", 64*1024*1024),
		SnapshotInterval:     getEnvDuration("VECTORLIB_SNAPSHOT_INTERVAL", 5*time.Minute),
		SnapshotMaxWALBytes:  getEnvInt64("VECTORLIB_SNAPSHOT_MAX_WAL_BYTES", 256*1024*1024),
		LockTimeout:          getEnvDuration("VECTORLIB_LOCK_TIMEOUT", 5*time.Second),
		QueryCacheSize:       getEnvInt64("VECTORLIB_QUERY_CACHE_SIZE", 10_000),
		RebuildCheckInterval: getEnvDuration("VECTORLIB_REBUILD_CHECK_INTERVAL", time.Minute),
	}
}

// Validate rejects non-positive durations/sizes and unknown enum values
// (spec §10.1).
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data dir must not be empty")
	}
	switch c.WALSyncMode {
	case SyncImmediate, SyncBatch, SyncNone:
	default:
		return fmt.Errorf("config: invalid wal sync mode %q", c.WALSyncMode)
	}
	if c.WALMaxSegmentBytes <= 0 {
		return fmt.Errorf("config: wal max segment bytes must be positive, got %d", c.WALMaxSegmentBytes)
	}
	if c.SnapshotInterval <= 0 {
		return fmt.Errorf("config: snapshot interval must be positive, got %s", c.SnapshotInterval)
	}
	if c.SnapshotMaxWALBytes <= 0 {
		return fmt.Errorf("config: snapshot max wal bytes must be positive, got %d", c.SnapshotMaxWALBytes)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("config: lock timeout must be positive, got %s", c.LockTimeout)
	}
	if c.QueryCacheSize <= 0 {
		return fmt.Errorf("config: query cache size must be positive, got %d", c.QueryCacheSize)
	}
	if c.RebuildCheckInterval <= 0 {
		return fmt.Errorf("config: rebuild check interval must be positive, got %s", c.RebuildCheckInterval)
	}
	return nil
}

// WALDir and SnapshotDir derive the durability coordinator's two
// subdirectories from DataDir.
func (c *Config) WALDir() string      { return c.DataDir + "/wal" }
func (c *Config) SnapshotDir() string { return c.DataDir + "/snapshots" }

// AlgorithmDefaults is the subset of per-algorithm knobs (§4.5-4.7) that
// a YAML defaults file may override. Zero-valued fields in a library's
// requested parameters are filled in from here before the index is
// built (spec §10.1).
type AlgorithmDefaults struct {
	LSH struct {
		NumTables      int `yaml:"num_tables"`
		HashesPerTable int `yaml:"hashes_per_table"`
	} `yaml:"lsh"`
	HNSW struct {
		M              int `yaml:"m"`
		EfConstruction int `yaml:"ef_construction"`
		EfSearch       int `yaml:"ef_search"`
	} `yaml:"hnsw"`
	KDTree struct {
		ProjectedDim int `yaml:"projected_dim"`
		LeafSize     int `yaml:"leaf_size"`
	} `yaml:"kdtree"`
}

// LoadAlgorithmDefaults reads a YAML defaults file. A missing file is
// not an error; it just means no defaults are applied and callers fall
// back to each package's own DefaultXConfig().
func LoadAlgorithmDefaults(path string) (*AlgorithmDefaults, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &AlgorithmDefaults{}, nil
		}
		return nil, fmt.Errorf("config: read algorithm defaults: %w", err)
	}
	var defaults AlgorithmDefaults
	if err := yaml.Unmarshal(data, &defaults); err != nil {
		return nil, fmt.Errorf("config: parse algorithm defaults: %w", err)
	}
	return &defaults, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
