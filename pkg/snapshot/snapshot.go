// Package snapshot implements periodic full-state dumps of the store
// (spec §4.12): a temp file written and fsynced, atomically renamed
// into place, and recorded in a CURRENT pointer file. Nothing here
// deletes or truncates WAL segment files once a snapshot is written:
// every segment stays on disk, and recovery skips the records whose
// sequence the loaded snapshot already covers.
package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/orneryd/vectorlib/pkg/store"
)

// magic is the u32 0x5653_4E50, whose big-endian bytes spell "VSNP"; it
// is written little-endian like every other header field, per spec §6.
const magic uint32 = 0x5653_4E50
const formatVersion uint32 = 1

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// body is the JSON-encoded payload of a snapshot file. Chunks are a
// flat list; each carries its own LibraryID, so grouping back into
// per-library stores on load needs no extra index.
type body struct {
	Libraries []*store.Library `json:"libraries"`
	Chunks    []*store.Chunk   `json:"chunks"`
}

// Write serializes s's entire state at the point WAL record seq was
// last applied, to a temp file in dir, fsyncs it, renames it into
// place, then rewrites the CURRENT pointer file to reference it.
// Failure at any point before the final rename leaves the previous
// snapshot and CURRENT file untouched (spec §4.12).
func Write(s *store.Store, seq uint64, dir string) (filename string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	libs := s.AllLibraries()
	var chunks []*store.Chunk
	for _, lib := range libs {
		chunks = append(chunks, s.AllChunks(lib.ID)...)
	}
	payload, err := json.Marshal(body{Libraries: libs, Chunks: chunks})
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("snapshot-%020d.vsnp", seq)
	finalPath := filepath.Join(dir, name)
	tmpPath := finalPath + ".tmp"

	if err := writeFile(tmpPath, seq, payload); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := writeCurrent(dir, name, seq); err != nil {
		return "", err
	}
	return name, nil
}

func writeFile(path string, seq uint64, payload []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, 4+4+8+8)
	binary.LittleEndian.PutUint32(header[0:4], magic)
	binary.LittleEndian.PutUint32(header[4:8], formatVersion)
	binary.LittleEndian.PutUint64(header[8:16], seq)
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(payload)))
	if _, err := f.Write(header); err != nil {
		return err
	}
	if _, err := f.Write(payload); err != nil {
		return err
	}
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc32.Checksum(payload, castagnoli))
	if _, err := f.Write(trailer[:]); err != nil {
		return err
	}
	return f.Sync()
}

func writeCurrent(dir, filename string, seq uint64) error {
	tmp := filepath.Join(dir, "CURRENT.tmp")
	content := fmt.Sprintf("%s\n%d\n", filename, seq)
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "CURRENT"))
}

// Current reads the CURRENT pointer file, returning the snapshot
// filename and sequence it names. A missing CURRENT file means no
// snapshot has ever been taken.
func Current(dir string) (filename string, seq uint64, ok bool, err error) {
	data, err := os.ReadFile(filepath.Join(dir, "CURRENT"))
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, false, nil
		}
		return "", 0, false, err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return "", 0, false, fmt.Errorf("snapshot: malformed CURRENT file")
	}
	seq, err = strconv.ParseUint(lines[1], 10, 64)
	if err != nil {
		return "", 0, false, fmt.Errorf("snapshot: malformed CURRENT sequence: %w", err)
	}
	return lines[0], seq, true, nil
}

// Load reads and verifies the snapshot named by CURRENT (if any),
// restoring its libraries and chunks into a fresh store.Store. ok is
// false when no snapshot exists yet.
func Load(dir string) (s *store.Store, seq uint64, ok bool, err error) {
	filename, seq, ok, err := Current(dir)
	if err != nil || !ok {
		return nil, 0, false, err
	}

	data, err := os.ReadFile(filepath.Join(dir, filename))
	if err != nil {
		return nil, 0, false, err
	}
	if len(data) < 24+4 {
		return nil, 0, false, fmt.Errorf("snapshot: truncated file %s", filename)
	}
	gotMagic := binary.LittleEndian.Uint32(data[0:4])
	if gotMagic != magic {
		return nil, 0, false, fmt.Errorf("snapshot: bad magic in %s", filename)
	}
	bodyLen := binary.LittleEndian.Uint64(data[16:24])
	if uint64(len(data)) != 24+bodyLen+4 {
		return nil, 0, false, fmt.Errorf("snapshot: length mismatch in %s", filename)
	}
	payload := data[24 : 24+bodyLen]
	wantCRC := binary.LittleEndian.Uint32(data[24+bodyLen:])
	if crc32.Checksum(payload, castagnoli) != wantCRC {
		return nil, 0, false, fmt.Errorf("snapshot: checksum mismatch in %s", filename)
	}
	fileSeq := binary.LittleEndian.Uint64(data[8:16])

	var b body
	if err := json.Unmarshal(payload, &b); err != nil {
		return nil, 0, false, err
	}

	s = store.New()
	sort.Slice(b.Libraries, func(i, j int) bool { return b.Libraries[i].Name < b.Libraries[j].Name })
	for _, lib := range b.Libraries {
		if err := s.RestoreLibrary(lib); err != nil {
			return nil, 0, false, err
		}
	}
	for _, chunk := range b.Chunks {
		if err := s.RestoreChunk(chunk); err != nil {
			return nil, 0, false, err
		}
	}
	return s, fileSeq, true, nil
}
