// Package metaindex is an optional secondary index over chunk metadata,
// backed by BadgerDB (spec §10.1/§11). It accelerates the query
// executor's string-prefix and numeric-range predicates by pre-narrowing
// the candidate set; the in-memory chunk table in pkg/store remains the
// source of truth (spec §3) and a metaindex lookup is never trusted on
// its own — callers must still evaluate the exact predicate against the
// chunk's own metadata.
package metaindex

import (
	"fmt"
	"math"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/orneryd/vectorlib/pkg/ids"
)

// Key prefixes, mirroring the single-byte-prefix key scheme the
// teacher's BadgerDB storage engine uses for its own secondary indexes.
const (
	prefixString  = byte(0x01) // lib-id | 0x00 | key | 0x00 | value | 0x00 | chunk-id
	prefixNumeric = byte(0x02) // lib-id | 0x00 | key | 0x00 | float64-sortable-bits | chunk-id
)

// Options configures the Badger-backed index.
type Options struct {
	// DataDir is the directory for on-disk index files. Empty means
	// in-memory only, for tests and ephemeral deployments.
	DataDir string
	// InMemory forces in-memory mode regardless of DataDir.
	InMemory bool
}

// Index is the metadata secondary index for one VectorLib instance,
// shared across all libraries (the library id is the first key segment).
type Index struct {
	db *badger.DB
}

// Open creates or opens the Badger-backed index.
func Open(opts Options) (*Index, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory || opts.DataDir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	badgerOpts = badgerOpts.WithLogger(nil).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("metaindex: open badger: %w", err)
	}
	return &Index{db: db}, nil
}

// Close releases the underlying Badger handle.
func (x *Index) Close() error {
	return x.db.Close()
}

// IndexChunk writes every indexable metadata scalar of chunk into the
// index. Values that are neither strings nor numbers (bool, nested
// maps, nil) are skipped: the executor falls back to brute-force
// evaluation for those regardless.
func (x *Index) IndexChunk(libraryID, chunkID ids.ID, metadata map[string]any) error {
	return x.db.Update(func(txn *badger.Txn) error {
		for key, value := range metadata {
			entry, ok := encodeEntry(libraryID, chunkID, key, value)
			if !ok {
				continue
			}
			if err := txn.Set(entry, nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// RemoveChunk deletes every key this package wrote for chunkID's
// metadata. Badger has no "delete by value" primitive, so the caller
// must pass the same metadata that was indexed.
func (x *Index) RemoveChunk(libraryID, chunkID ids.ID, metadata map[string]any) error {
	return x.db.Update(func(txn *badger.Txn) error {
		for key, value := range metadata {
			entry, ok := encodeEntry(libraryID, chunkID, key, value)
			if !ok {
				continue
			}
			if err := txn.Delete(entry); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return nil
	})
}

// MatchPrefix returns the chunk ids in libraryID whose key metadata
// field is a string starting with prefix, accelerating the executor's
// string-prefix predicate (spec §4.9).
func (x *Index) MatchPrefix(libraryID ids.ID, key, prefix string) ([]ids.ID, error) {
	scanPrefix := append(stringKeyPrefix(libraryID, key), []byte(prefix)...)
	var matches []ids.ID
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(scanPrefix); it.ValidForPrefix(scanPrefix); it.Next() {
			id, ok := chunkIDFromStringKey(it.Item().Key(), libraryID, key)
			if ok {
				matches = append(matches, id)
			}
		}
		return nil
	})
	return matches, err
}

// MatchRange returns the chunk ids in libraryID whose key metadata
// field is a number in [min, max], accelerating the executor's
// numeric-range predicate (spec §4.9).
func (x *Index) MatchRange(libraryID ids.ID, key string, min, max float64) ([]ids.ID, error) {
	basePrefix := numericKeyPrefix(libraryID, key)
	lowKey := append(append([]byte(nil), basePrefix...), sortableFloatBits(min)...)
	var matches []ids.ID
	err := x.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(lowKey); it.ValidForPrefix(basePrefix); it.Next() {
			keyBytes := it.Item().Key()
			value, id, ok := decodeNumericKey(keyBytes, basePrefix)
			if !ok {
				continue
			}
			if value > max {
				break // sortable encoding means keys are in ascending value order
			}
			matches = append(matches, id)
		}
		return nil
	})
	sort.Slice(matches, func(i, j int) bool { return matches[i].String() < matches[j].String() })
	return matches, err
}

func encodeEntry(libraryID, chunkID ids.ID, key string, value any) ([]byte, bool) {
	switch v := value.(type) {
	case string:
		return append(stringKeyPrefix(libraryID, key), []byte(v+"\x00"+chunkID.String())...), true
	case float64:
		return append(numericKeyPrefix(libraryID, key), append(sortableFloatBits(v), []byte(chunkID.String())...)...), true
	case int:
		return append(numericKeyPrefix(libraryID, key), append(sortableFloatBits(float64(v)), []byte(chunkID.String())...)...), true
	default:
		return nil, false
	}
}

func stringKeyPrefix(libraryID ids.ID, key string) []byte {
	buf := make([]byte, 0, 1+32+1+len(key)+1)
	buf = append(buf, prefixString)
	buf = append(buf, []byte(libraryID.String())...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(key)...)
	buf = append(buf, 0x00)
	return buf
}

func numericKeyPrefix(libraryID ids.ID, key string) []byte {
	buf := make([]byte, 0, 1+32+1+len(key)+1)
	buf = append(buf, prefixNumeric)
	buf = append(buf, []byte(libraryID.String())...)
	buf = append(buf, 0x00)
	buf = append(buf, []byte(key)...)
	buf = append(buf, 0x00)
	return buf
}

func chunkIDFromStringKey(key []byte, libraryID ids.ID, field string) (ids.ID, bool) {
	prefix := stringKeyPrefix(libraryID, field)
	rest := key[len(prefix):]
	sep := lastIndexByte(rest, 0x00)
	if sep < 0 {
		return ids.ID{}, false
	}
	return ids.Parse(string(rest[sep+1:]))
}

func decodeNumericKey(key, basePrefix []byte) (float64, ids.ID, bool) {
	rest := key[len(basePrefix):]
	if len(rest) < 8+32 {
		return 0, ids.ID{}, false
	}
	bits := rest[:8]
	idStr := string(rest[8:])
	id, err := ids.Parse(idStr)
	if err != nil {
		return 0, ids.ID{}, false
	}
	return sortableBitsToFloat(bits), id, true
}

func lastIndexByte(b []byte, c byte) int {
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] == c {
			return i
		}
	}
	return -1
}

// sortableFloatBits encodes a float64 as 8 big-endian bytes that sort
// in the same order as the floats themselves: flip the sign bit for
// non-negatives, flip every bit for negatives.
func sortableFloatBits(f float64) []byte {
	bits := math.Float64bits(f)
	if bits>>63 == 1 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(bits >> (8 * i))
	}
	return buf
}

func sortableBitsToFloat(buf []byte) float64 {
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(buf[7-i]) << (8 * i)
	}
	if bits>>63 == 1 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}
