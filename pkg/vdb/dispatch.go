package vdb

import (
	"context"
	"fmt"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/query"
	"github.com/orneryd/vectorlib/pkg/store"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

// Command names one spec §6 command-surface operation and carries its
// arguments as a loosely typed bag, the shape a future HTTP layer would
// decode a request body into before calling Dispatch (SPEC_FULL §10.5).
// search/multi_search's "filter" argument is the one exception: it takes
// a pre-built *query.Filter directly rather than a generic predicate
// encoding, since that decoding is the HTTP layer's job, not Dispatch's.
type Command struct {
	Name string
	Args map[string]any
}

// Dispatch routes cmd to the matching DB method, mirroring the
// teacher's dispatchMessage switch over a wire message type.
func (db *DB) Dispatch(ctx context.Context, cmd Command) (any, error) {
	a := cmd.Args
	switch cmd.Name {
	case "create_library":
		algorithm, _ := vindex.ParseAlgorithm(argString(a, "algorithm"))
		metric, _ := vecmath.ParseMetric(argString(a, "metric"))
		return db.CreateLibrary(ctx, argString(a, "name"), argString(a, "description"),
			argInt(a, "dimension"), algorithm, metric, store.IndexParams{}, argMetadata(a, "metadata"))

	case "get_library":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return db.GetLibrary(ctx, id)

	case "list_libraries":
		libs, next, err := db.ListLibraries(ctx, argString(a, "cursor"), argInt(a, "limit"))
		if err != nil {
			return nil, err
		}
		return listPage{Items: libs, NextCursor: next}, nil

	case "update_library":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return db.UpdateLibrary(ctx, id, argLibraryPatch(a))

	case "delete_library":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return nil, db.DeleteLibrary(ctx, id)

	case "rebuild_index":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return nil, db.RebuildIndex(ctx, id)

	case "insert_chunk":
		libraryID, err := argID(a, "library_id")
		if err != nil {
			return nil, err
		}
		vector, err := argVector(a, "embedding")
		if err != nil {
			return nil, err
		}
		return db.InsertChunk(ctx, libraryID, store.ChunkInput{
			Content: argString(a, "content"), Embedding: vector,
			DocumentID: argStringPtr(a, "document_id"), Position: argInt(a, "position"),
			Metadata: argMetadata(a, "metadata"),
		})

	case "insert_chunks_bulk":
		libraryID, err := argID(a, "library_id")
		if err != nil {
			return nil, err
		}
		batch, err := argChunkInputs(a, "chunks")
		if err != nil {
			return nil, err
		}
		return db.InsertChunksBulk(ctx, libraryID, batch)

	case "get_chunk":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return db.GetChunk(ctx, id)

	case "list_chunks":
		libraryID, err := argID(a, "library_id")
		if err != nil {
			return nil, err
		}
		chunks, next, err := db.ListChunks(ctx, libraryID, argString(a, "cursor"), argInt(a, "limit"), argStringPtr(a, "document_id"))
		if err != nil {
			return nil, err
		}
		return listPage{Items: chunks, NextCursor: next}, nil

	case "update_chunk_metadata":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return db.UpdateChunkMetadata(ctx, id, argMetadata(a, "metadata"))

	case "delete_chunk":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return nil, db.DeleteChunk(ctx, id)

	case "delete_chunks_bulk":
		chunkIDs, err := argIDSlice(a, "ids")
		if err != nil {
			return nil, err
		}
		return nil, db.DeleteChunksBulk(ctx, chunkIDs)

	case "library_stats":
		id, err := argID(a, "id")
		if err != nil {
			return nil, err
		}
		return db.LibraryStats(ctx, id)

	case "search":
		libraryID, err := argID(a, "library_id")
		if err != nil {
			return nil, err
		}
		vector, err := argVector(a, "vector")
		if err != nil {
			return nil, err
		}
		return db.Search(ctx, query.Request{
			LibraryID: libraryID, Vector: vector, K: argInt(a, "k"),
			Filter: argFilter(a, "filter"), Multiplier: argInt(a, "multiplier"),
		})

	case "multi_search":
		libraryIDs, err := argIDSlice(a, "library_ids")
		if err != nil {
			return nil, err
		}
		vector, err := argVector(a, "vector")
		if err != nil {
			return nil, err
		}
		return db.MultiSearch(ctx, query.MultiRequest{
			LibraryIDs: libraryIDs, Vector: vector, K: argInt(a, "k"),
			Filter: argFilter(a, "filter"), Multiplier: argInt(a, "multiplier"),
		})

	default:
		return nil, fmt.Errorf("dispatch: %w: unknown command %q", apperr.ErrInvalidArgument, cmd.Name)
	}
}

// listPage is Dispatch's generic shape for the two cursor-paginated
// commands, since list_libraries and list_chunks return differently
// typed items.
type listPage struct {
	Items      any
	NextCursor string
}

func argString(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func argStringPtr(args map[string]any, key string) *string {
	s, ok := args[key].(string)
	if !ok || s == "" {
		return nil
	}
	return &s
}

func argInt(args map[string]any, key string) int {
	switch n := args[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

func argMetadata(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

func argFilter(args map[string]any, key string) *query.Filter {
	f, _ := args[key].(*query.Filter)
	return f
}

func argLibraryPatch(args map[string]any) store.LibraryPatch {
	patch := store.LibraryPatch{Metadata: argMetadata(args, "metadata")}
	if name, ok := args["name"].(string); ok {
		patch.Name = &name
	}
	if desc, ok := args["description"].(string); ok {
		patch.Description = &desc
	}
	return patch
}

func argID(args map[string]any, key string) (ids.ID, error) {
	v, ok := args[key]
	if !ok {
		return ids.Nil, fmt.Errorf("dispatch: %w: missing argument %q", apperr.ErrInvalidArgument, key)
	}
	switch id := v.(type) {
	case ids.ID:
		return id, nil
	case string:
		parsed, err := ids.Parse(id)
		if err != nil {
			return ids.Nil, fmt.Errorf("dispatch: %w: argument %q: %v", apperr.ErrInvalidArgument, key, err)
		}
		return parsed, nil
	default:
		return ids.Nil, fmt.Errorf("dispatch: %w: argument %q must be an id, got %T", apperr.ErrInvalidArgument, key, v)
	}
}

func argIDSlice(args map[string]any, key string) ([]ids.ID, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: missing argument %q", apperr.ErrInvalidArgument, key)
	}
	raw, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: argument %q must be a list, got %T", apperr.ErrInvalidArgument, key, v)
	}
	out := make([]ids.ID, len(raw))
	for i, r := range raw {
		switch id := r.(type) {
		case ids.ID:
			out[i] = id
		case string:
			parsed, err := ids.Parse(id)
			if err != nil {
				return nil, fmt.Errorf("dispatch: %w: argument %q[%d]: %v", apperr.ErrInvalidArgument, key, i, err)
			}
			out[i] = parsed
		default:
			return nil, fmt.Errorf("dispatch: %w: argument %q[%d] must be an id, got %T", apperr.ErrInvalidArgument, key, i, r)
		}
	}
	return out, nil
}

func argVector(args map[string]any, key string) ([]float32, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: missing argument %q", apperr.ErrInvalidArgument, key)
	}
	switch vec := v.(type) {
	case []float32:
		return vec, nil
	case []float64:
		out := make([]float32, len(vec))
		for i, f := range vec {
			out[i] = float32(f)
		}
		return out, nil
	case []any:
		out := make([]float32, len(vec))
		for i, f := range vec {
			n, ok := f.(float64)
			if !ok {
				return nil, fmt.Errorf("dispatch: %w: argument %q has a non-numeric element", apperr.ErrInvalidArgument, key)
			}
			out[i] = float32(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("dispatch: %w: argument %q must be a vector, got %T", apperr.ErrInvalidArgument, key, v)
	}
}

func argChunkInputs(args map[string]any, key string) ([]store.ChunkInput, error) {
	v, ok := args[key]
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: missing argument %q", apperr.ErrInvalidArgument, key)
	}
	raw, ok := v.([]map[string]any)
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: argument %q must be a list of chunk objects, got %T", apperr.ErrInvalidArgument, key, v)
	}
	out := make([]store.ChunkInput, len(raw))
	for i, elem := range raw {
		vector, err := argVector(elem, "embedding")
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out[i] = store.ChunkInput{
			Content: argString(elem, "content"), Embedding: vector,
			DocumentID: argStringPtr(elem, "document_id"), Position: argInt(elem, "position"),
			Metadata: argMetadata(elem, "metadata"),
		}
	}
	return out, nil
}
