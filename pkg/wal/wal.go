// Package wal implements the append-only write-ahead log described in
// spec §4.11 and the binary record format in §6: a single growing file
// of length-prefixed, checksummed records, one per mutating operation,
// ordered by a globally monotonic sequence number.
//
// Payloads are JSON rather than msgpack: nothing in the surrounding
// stack imports a msgpack codec, and JSON already satisfies the
// record's only real requirement — a length-prefixed, self-describing
// byte payload the recovery path can round-trip without guessing a
// schema per OpKind.
package wal

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ErrCorrupted is returned when a record's checksum does not match its
// payload, or its declared length would run past the segment.
var ErrCorrupted = errors.New("wal: corrupted record")

// ErrClosed is returned by any operation on a closed WAL.
var ErrClosed = errors.New("wal: closed")

// OpKind enumerates the command-surface operations a WAL record may
// carry (spec §6).
type OpKind uint16

const (
	OpCreateLibrary OpKind = iota
	OpUpdateLibrary
	OpDeleteLibrary
	OpInsertChunk
	OpInsertChunksBulk
	OpUpdateChunkMetadata
	OpDeleteChunk
	OpDeleteChunksBulk
)

const headerSize = 8 + 8 + 2 + 4 // seq + ts_nanos + op_kind + payload_len
const trailerSize = 4            // crc32c(payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Record is one decoded WAL entry.
type Record struct {
	Seq     uint64
	TSNanos int64
	OpKind  OpKind
	Payload []byte
}

// Config configures segment rotation (spec §4.11, SPEC_FULL §10.1
// VECTORLIB_WAL_MAX_SEGMENT_BYTES).
type Config struct {
	Dir             string
	MaxSegmentBytes int64
}

// DefaultConfig returns the spec's default 64 MiB segment size.
func DefaultConfig(dir string) Config {
	return Config{Dir: dir, MaxSegmentBytes: 64 * 1024 * 1024}
}

// WAL is a single append-only log file with its own internal mutex
// serializing concurrent appenders (spec §5 Shared-resource policy).
type WAL struct {
	mu     sync.Mutex
	cfg    Config
	file   *os.File
	writer *bufio.Writer

	sequence atomic.Uint64
	bytes    atomic.Int64
	closed   atomic.Bool

	segmentIndex int
}

// Open creates or appends to the active segment under cfg.Dir, scanning
// it to recover the next sequence number to allocate. A torn tail (the
// last record's checksum does not verify) is treated as the valid end
// of the log — bytes beyond it are truncated away, not replayed.
func Open(cfg Config) (*WAL, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultConfig(cfg.Dir).MaxSegmentBytes
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}

	segmentIndex, path, err := latestSegment(cfg.Dir)
	if err != nil {
		return nil, err
	}

	var lastSeq uint64
	if _, err := os.Stat(path); err == nil {
		records, validBytes, err := ReadSegment(path)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			lastSeq = records[len(records)-1].Seq
		}
		if err := os.Truncate(path, validBytes); err != nil {
			return nil, err
		}
	}
	// A freshly rotated segment holds no records yet; the last assigned
	// sequence then lives in the newest earlier segment that has any.
	for prev := segmentIndex - 1; lastSeq == 0 && prev >= 0; prev-- {
		records, _, err := ReadSegment(segmentPath(cfg.Dir, prev))
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			lastSeq = records[len(records)-1].Seq
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	w := &WAL{
		cfg:          cfg,
		file:         file,
		writer:       bufio.NewWriterSize(file, 64*1024),
		segmentIndex: segmentIndex,
	}
	w.sequence.Store(lastSeq)
	w.bytes.Store(info.Size())
	return w, nil
}

func segmentPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("wal-%08d.log", index))
}

func latestSegment(dir string) (int, string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, "", err
	}
	best := 0
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "wal-%08d.log", &idx); err == nil && idx >= best {
			best = idx
		}
	}
	return best, segmentPath(dir, best), nil
}

// Append encodes op with payload (JSON-marshaled), assigns it the next
// sequence number, writes it, and fsyncs before returning. Only once
// fsync completes is the operation considered committed (spec §4.11);
// the in-memory mutation must not happen until Append returns nil.
func (w *WAL) Append(op OpKind, payload any) (uint64, error) {
	if w.closed.Load() {
		return 0, ErrClosed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	seq := w.sequence.Load() + 1
	record := encodeRecord(seq, time.Now().UnixNano(), op, body)

	if _, err := w.writer.Write(record); err != nil {
		return 0, err
	}
	if err := w.writer.Flush(); err != nil {
		return 0, err
	}
	if err := w.file.Sync(); err != nil {
		return 0, err
	}

	w.sequence.Store(seq)
	w.bytes.Add(int64(len(record)))

	if w.bytes.Load() >= w.cfg.MaxSegmentBytes {
		if err := w.rotateLocked(); err != nil {
			return seq, err
		}
	}
	return seq, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	w.segmentIndex++
	file, err := os.OpenFile(segmentPath(w.cfg.Dir, w.segmentIndex), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.writer = bufio.NewWriterSize(file, 64*1024)
	w.bytes.Store(0)
	return nil
}

// Sequence returns the last sequence number assigned.
func (w *WAL) Sequence() uint64 { return w.sequence.Load() }

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// encodeRecord serializes one record per the §6 binary layout:
// u64 seq | u64 ts_nanos | u16 op_kind | u32 payload_len | payload | u32 crc32c(payload).
func encodeRecord(seq uint64, tsNanos int64, op OpKind, payload []byte) []byte {
	buf := make([]byte, headerSize+len(payload)+trailerSize)
	binary.LittleEndian.PutUint64(buf[0:8], seq)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(tsNanos))
	binary.LittleEndian.PutUint16(buf[16:18], uint16(op))
	binary.LittleEndian.PutUint32(buf[18:22], uint32(len(payload)))
	copy(buf[22:22+len(payload)], payload)
	crc := crc32.Checksum(payload, castagnoli)
	binary.LittleEndian.PutUint32(buf[22+len(payload):], crc)
	return buf
}

// ReadSegment scans path from the start, decoding every well-formed
// record. It stops at the first checksum failure, declared-length
// overrun, or EOF mid-header — all three are a torn write, not an
// error — and returns the records read plus the byte offset through
// the last valid record (validBytes), so the caller can truncate the
// torn tail away.
func ReadSegment(path string) (records []Record, validBytes int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}

	var offset int64
	for offset+headerSize <= int64(len(data)) {
		header := data[offset : offset+headerSize]
		payloadLen := int64(binary.LittleEndian.Uint32(header[18:22]))
		recordLen := headerSize + payloadLen + trailerSize
		if offset+recordLen > int64(len(data)) {
			break // torn write: declared length runs past what's on disk
		}

		payload := data[offset+headerSize : offset+headerSize+payloadLen]
		wantCRC := binary.LittleEndian.Uint32(data[offset+headerSize+payloadLen : offset+recordLen])
		if crc32.Checksum(payload, castagnoli) != wantCRC {
			break // torn write: payload bytes don't match their checksum
		}

		records = append(records, Record{
			Seq:     binary.LittleEndian.Uint64(header[0:8]),
			TSNanos: int64(binary.LittleEndian.Uint64(header[8:16])),
			OpKind:  OpKind(binary.LittleEndian.Uint16(header[16:18])),
			Payload: append([]byte(nil), payload...),
		})
		offset += recordLen
		validBytes = offset
	}
	return records, validBytes, nil
}
