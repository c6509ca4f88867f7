// Package recovery implements startup recovery (spec §4.12, scenario
// S4): load the latest snapshot if one exists, then replay WAL records
// after it in sequence order, applying each to the store. Replay stops
// at the first sequence gap or corrupt record, discarding everything
// from that point on — a torn tail is evidence of an incomplete write,
// not data to recover.
package recovery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/snapshot"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
	"github.com/orneryd/vectorlib/pkg/wal"
)

// Result reports what recovery found, for startup logging.
type Result struct {
	SnapshotLoaded bool
	SnapshotSeq    uint64
	RecordsApplied int
	StoppedAtSeq   uint64 // nonzero if replay stopped early due to a gap or corruption
	StoppedReason  string
}

// createLibraryPayload and friends mirror the fields the command
// router passes to durability.Coordinator.Append for each op kind. They
// live here rather than in pkg/wal so the WAL package stays agnostic of
// what it's logging.
type createLibraryPayload struct {
	ID          ids.ID            `json:"ID"`
	Name        string            `json:"Name"`
	Description string            `json:"Description"`
	Dimension   int               `json:"Dimension"`
	Algorithm   vindex.Algorithm  `json:"Algorithm"`
	Metric      vecmath.Metric    `json:"Metric"`
	Params      store.IndexParams `json:"Params"`
	Metadata    map[string]any    `json:"Metadata"`
}

type updateLibraryPayload struct {
	ID    ids.ID             `json:"ID"`
	Patch store.LibraryPatch `json:"Patch"`
}

type deleteLibraryPayload struct {
	ID ids.ID `json:"ID"`
}

type insertChunkPayload struct {
	Chunk store.Chunk `json:"Chunk"`
}

type insertChunksBulkPayload struct {
	Chunks []store.Chunk `json:"Chunks"`
}

type updateChunkMetadataPayload struct {
	ID       ids.ID         `json:"ID"`
	Metadata map[string]any `json:"Metadata"`
}

type deleteChunkPayload struct {
	ID ids.ID `json:"ID"`
}

type deleteChunksBulkPayload struct {
	IDs []ids.ID `json:"IDs"`
}

// Load reconstructs a store.Store from disk: the latest snapshot (if
// any) followed by every WAL record after its sequence. snapshotDir and
// walCfg name the same two directories a durability.Coordinator was (or
// will be) opened with.
func Load(snapshotDir string, walCfg wal.Config) (*store.Store, Result, error) {
	var result Result

	s, seq, ok, err := snapshot.Load(snapshotDir)
	if err != nil {
		return nil, result, fmt.Errorf("recovery: load snapshot: %w", err)
	}
	if !ok {
		s = store.New()
		seq = 0
	} else {
		result.SnapshotLoaded = true
		result.SnapshotSeq = seq
	}

	segments, err := listSegments(walCfg.Dir)
	if err != nil {
		return nil, result, fmt.Errorf("recovery: list wal segments: %w", err)
	}

	lastApplied := seq
	for _, path := range segments {
		records, _, err := wal.ReadSegment(path)
		if err != nil {
			return nil, result, fmt.Errorf("recovery: read segment %s: %w", path, err)
		}
		for _, rec := range records {
			if rec.Seq <= seq {
				continue // already covered by the snapshot
			}
			if rec.Seq != lastApplied+1 {
				result.StoppedAtSeq = rec.Seq
				result.StoppedReason = "sequence gap"
				return s, result, nil
			}
			if err := apply(s, rec); err != nil {
				result.StoppedAtSeq = rec.Seq
				result.StoppedReason = err.Error()
				return s, result, nil
			}
			lastApplied = rec.Seq
			result.RecordsApplied++
		}
	}
	return s, result, nil
}

func listSegments(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var indices []int
	for _, e := range entries {
		var idx int
		if _, err := fmt.Sscanf(e.Name(), "wal-%08d.log", &idx); err == nil {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	paths := make([]string, len(indices))
	for i, idx := range indices {
		paths[i] = filepath.Join(dir, fmt.Sprintf("wal-%08d.log", idx))
	}
	return paths, nil
}

// apply replays a single WAL record against s, using the Restore*
// entry points so chunk and library IDs and timestamps from before the
// crash are reproduced exactly rather than regenerated.
func apply(s *store.Store, rec wal.Record) error {
	switch rec.OpKind {
	case wal.OpCreateLibrary:
		var p createLibraryPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.RestoreLibrary(&store.Library{
			ID:          p.ID,
			Name:        p.Name,
			Description: p.Description,
			Dimension:   p.Dimension,
			Algorithm:   p.Algorithm,
			Metric:      p.Metric,
			Params:      p.Params,
			Metadata:    p.Metadata,
		})

	case wal.OpUpdateLibrary:
		var p updateLibraryPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		_, err := s.UpdateLibrary(p.ID, p.Patch)
		return err

	case wal.OpDeleteLibrary:
		var p deleteLibraryPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.DeleteLibrary(p.ID)

	case wal.OpInsertChunk:
		var p insertChunkPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		chunk := p.Chunk
		return s.RestoreChunk(&chunk)

	case wal.OpInsertChunksBulk:
		var p insertChunksBulkPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		for i := range p.Chunks {
			if err := s.RestoreChunk(&p.Chunks[i]); err != nil {
				return err
			}
		}
		return nil

	case wal.OpUpdateChunkMetadata:
		var p updateChunkMetadataPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		_, err := s.UpdateChunkMetadata(p.ID, p.Metadata)
		return err

	case wal.OpDeleteChunk:
		var p deleteChunkPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.DeleteChunk(p.ID)

	case wal.OpDeleteChunksBulk:
		var p deleteChunksBulkPayload
		if err := json.Unmarshal(rec.Payload, &p); err != nil {
			return err
		}
		return s.DeleteChunksBulk(p.IDs)

	default:
		return fmt.Errorf("recovery: unknown op kind %d", rec.OpKind)
	}
}
