package store

import (
	"sort"
	"time"

	"github.com/orneryd/vectorlib/pkg/apperr"
	"github.com/orneryd/vectorlib/pkg/ids"
	"github.com/orneryd/vectorlib/pkg/vecmath"
	"github.com/orneryd/vectorlib/pkg/vindex"
)

// Store owns every library and chunk in the instance (spec §3 Ownership).
// Callers are expected to hold the STORE/LIBRARY/CHUNK/INDEX locks from
// pkg/lockmgr appropriate to the operation before calling any method
// here; Store itself holds no mutex.
type Store struct {
	libraries map[ids.ID]*Library
	names     map[string]ids.ID

	chunks        map[ids.ID]map[ids.ID]*Chunk // libraryID -> chunkID -> chunk
	chunkLocation map[ids.ID]ids.ID            // chunkID -> libraryID, for global get_chunk lookups

	indexes map[ids.ID]vindex.Index
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		libraries:     make(map[ids.ID]*Library),
		names:         make(map[string]ids.ID),
		chunks:        make(map[ids.ID]map[ids.ID]*Chunk),
		chunkLocation: make(map[ids.ID]ids.ID),
		indexes:       make(map[ids.ID]vindex.Index),
	}
}

func newIndex(algorithm vindex.Algorithm, dimension int, metric vecmath.Metric, params IndexParams) vindex.Index {
	switch algorithm {
	case vindex.HNSW:
		return vindex.NewHNSW(dimension, metric, params.HNSW)
	case vindex.KDTree:
		return vindex.NewKDTree(dimension, metric, params.KDTree)
	default:
		return vindex.NewLSH(dimension, metric, params.LSH)
	}
}

// CreateLibrary creates a new library with a freshly generated id. Name
// uniqueness is enforced here (the caller must hold the STORE write
// lock, per spec §4.8).
func (s *Store) CreateLibrary(name, description string, dimension int, algorithm vindex.Algorithm, metric vecmath.Metric, params IndexParams, metadata map[string]any) (*Library, error) {
	return s.CreateLibraryWithID(ids.New(), name, description, dimension, algorithm, metric, params, metadata)
}

// CreateLibraryWithID is CreateLibrary for callers that must pin the id
// ahead of time, such as pkg/router, which needs the same id in both
// the WAL record it appends and the store mutation that follows it.
// Name uniqueness is enforced here (the caller must hold the STORE
// write lock, per spec §4.8 and §3's "name unique across the store").
func (s *Store) CreateLibraryWithID(id ids.ID, name, description string, dimension int, algorithm vindex.Algorithm, metric vecmath.Metric, params IndexParams, metadata map[string]any) (*Library, error) {
	if dimension < 1 {
		return nil, apperr.ErrInvalidArgument
	}
	if name == "" {
		return nil, apperr.ErrInvalidArgument
	}
	if _, exists := s.libraries[id]; exists {
		return nil, apperr.ErrAlreadyExists
	}
	if _, exists := s.names[name]; exists {
		return nil, apperr.ErrAlreadyExists
	}

	now := timeNow()
	lib := &Library{
		ID:          id,
		Name:        name,
		Description: description,
		Dimension:   dimension,
		Algorithm:   algorithm,
		Metric:      metric,
		Params:      params,
		Metadata:    copyMetadata(metadata),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.libraries[lib.ID] = lib
	s.names[name] = lib.ID
	s.chunks[lib.ID] = make(map[ids.ID]*Chunk)
	s.indexes[lib.ID] = newIndex(algorithm, dimension, metric, params)
	return lib, nil
}

// NameAvailable reports whether no library currently holds name. Lets
// callers validate uniqueness before committing a WAL record, rather
// than discovering the conflict only after it's durable.
func (s *Store) NameAvailable(name string) bool {
	_, exists := s.names[name]
	return !exists
}

// AllLibraries returns every library, unsorted, for the snapshotter.
func (s *Store) AllLibraries() []*Library {
	out := make([]*Library, 0, len(s.libraries))
	for _, lib := range s.libraries {
		out = append(out, lib)
	}
	return out
}

// AllChunks returns every chunk of a library, unsorted, for the
// snapshotter.
func (s *Store) AllChunks(libraryID ids.ID) []*Chunk {
	byID := s.chunks[libraryID]
	out := make([]*Chunk, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	return out
}

// RestoreLibrary inserts a library exactly as given (including its
// existing ID and timestamps) with a fresh empty index, bypassing
// CreateLibrary's id/timestamp generation. Used only by snapshot load
// and WAL replay during recovery.
func (s *Store) RestoreLibrary(lib *Library) error {
	if _, exists := s.libraries[lib.ID]; exists {
		return apperr.ErrAlreadyExists
	}
	s.libraries[lib.ID] = lib
	s.names[lib.Name] = lib.ID
	s.chunks[lib.ID] = make(map[ids.ID]*Chunk)
	s.indexes[lib.ID] = newIndex(lib.Algorithm, lib.Dimension, lib.Metric, lib.Params)
	return nil
}

// RestoreChunk inserts a chunk exactly as given, including its existing
// ID, and indexes it, without validating it. Used by snapshot load, WAL
// replay, and the router's insert path, which validates first and stores
// the same id it logged.
func (s *Store) RestoreChunk(chunk *Chunk) error {
	byID, ok := s.chunks[chunk.LibraryID]
	if !ok {
		return apperr.ErrNotFound
	}
	byID[chunk.ID] = chunk
	s.chunkLocation[chunk.ID] = chunk.LibraryID
	return s.indexes[chunk.LibraryID].Insert(chunk.ID.String(), chunk.Embedding)
}

// GetLibrary returns the library with the given id.
func (s *Store) GetLibrary(id ids.ID) (*Library, error) {
	lib, ok := s.libraries[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return lib, nil
}

// ListLibraries returns up to limit libraries with id > cursor, sorted
// by id ascending, and the cursor to pass for the next page (empty when
// exhausted).
func (s *Store) ListLibraries(cursor string, limit int) ([]*Library, string, error) {
	if limit <= 0 {
		return nil, "", apperr.ErrInvalidArgument
	}
	all := make([]*Library, 0, len(s.libraries))
	for _, lib := range s.libraries {
		all = append(all, lib)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	start := 0
	if cursor != "" {
		for i, lib := range all {
			if lib.ID.String() > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID.String()
	}
	return page, next, nil
}

// UpdateLibrary applies patch to the library, re-checking name
// uniqueness when Name changes. Dimension/Algorithm/Metric/Params are
// immutable and have no patch field.
func (s *Store) UpdateLibrary(id ids.ID, patch LibraryPatch) (*Library, error) {
	lib, ok := s.libraries[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if patch.Name != nil && *patch.Name != lib.Name {
		if _, exists := s.names[*patch.Name]; exists {
			return nil, apperr.ErrAlreadyExists
		}
		delete(s.names, lib.Name)
		lib.Name = *patch.Name
		s.names[lib.Name] = lib.ID
	}
	if patch.Description != nil {
		lib.Description = *patch.Description
	}
	if patch.Metadata != nil {
		lib.Metadata = copyMetadata(patch.Metadata)
	}
	lib.UpdatedAt = timeNow()
	return lib, nil
}

// DeleteLibrary removes the library and cascades to all its chunks and
// its index (spec §3 Lifecycle).
func (s *Store) DeleteLibrary(id ids.ID) error {
	lib, ok := s.libraries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	for chunkID := range s.chunks[id] {
		delete(s.chunkLocation, chunkID)
	}
	delete(s.chunks, id)
	delete(s.indexes, id)
	delete(s.names, lib.Name)
	delete(s.libraries, id)
	return nil
}

// RebuildIndex constructs a fresh index from the library's current live
// chunks and swaps it in. The caller must hold LIBRARY read + INDEX
// write for the duration (spec §4.10); the swap itself is just this
// assignment, which is why the lock only needs to be brief.
func (s *Store) RebuildIndex(id ids.ID) error {
	lib, ok := s.libraries[id]
	if !ok {
		return apperr.ErrNotFound
	}
	chunkMap := s.chunks[id]
	chunkIDs := make([]string, 0, len(chunkMap))
	vectors := make([][]float32, 0, len(chunkMap))
	for _, c := range chunkMap {
		chunkIDs = append(chunkIDs, c.ID.String())
		vectors = append(vectors, c.Embedding)
	}
	fresh := newIndex(lib.Algorithm, lib.Dimension, lib.Metric, lib.Params)
	if err := fresh.Build(chunkIDs, vectors); err != nil {
		return err
	}
	s.indexes[id] = fresh
	return nil
}

// Index returns the live index for a library, for the query executor.
func (s *Store) Index(libraryID ids.ID) (vindex.Index, error) {
	idx, ok := s.indexes[libraryID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return idx, nil
}

// LibrariesExceedingTombstoneRatio returns the ids of every library
// whose index's tombstoned fraction is above threshold, for the
// background rebuild worker (spec §4.6/§4.7/§4.10: "tombstoned > 30% ->
// schedule a background full rebuild"). An empty index (Live ==
// Tombstoned == 0) never qualifies.
func (s *Store) LibrariesExceedingTombstoneRatio(threshold float64) []ids.ID {
	var stale []ids.ID
	for id, idx := range s.indexes {
		stats := idx.Stats()
		total := stats.Live + stats.Tombstoned
		if total == 0 {
			continue
		}
		if float64(stats.Tombstoned)/float64(total) > threshold {
			stale = append(stale, id)
		}
	}
	return stale
}

// InsertChunk validates and inserts a single chunk.
func (s *Store) InsertChunk(libraryID ids.ID, in ChunkInput) (*Chunk, error) {
	lib, ok := s.libraries[libraryID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if err := validateEmbedding(in.Embedding, lib.Dimension); err != nil {
		return nil, err
	}

	now := timeNow()
	chunk := &Chunk{
		ID:         ids.New(),
		LibraryID:  libraryID,
		Content:    in.Content,
		Embedding:  append([]float32(nil), in.Embedding...),
		DocumentID: in.DocumentID,
		Position:   in.Position,
		Metadata:   copyMetadata(in.Metadata),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.chunks[libraryID][chunk.ID] = chunk
	s.chunkLocation[chunk.ID] = libraryID
	if err := s.indexes[libraryID].Insert(chunk.ID.String(), chunk.Embedding); err != nil {
		delete(s.chunks[libraryID], chunk.ID)
		delete(s.chunkLocation, chunk.ID)
		return nil, err
	}
	return chunk, nil
}

// InsertChunksBulk validates the entire batch before committing any of
// it: a single failure fails the whole batch (spec §6, §7).
func (s *Store) InsertChunksBulk(libraryID ids.ID, batch []ChunkInput) ([]*Chunk, error) {
	lib, ok := s.libraries[libraryID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	for i, in := range batch {
		if err := validateEmbedding(in.Embedding, lib.Dimension); err != nil {
			return nil, indexedError(i, err)
		}
	}

	now := timeNow()
	chunks := make([]*Chunk, len(batch))
	for i, in := range batch {
		chunks[i] = &Chunk{
			ID:         ids.New(),
			LibraryID:  libraryID,
			Content:    in.Content,
			Embedding:  append([]float32(nil), in.Embedding...),
			DocumentID: in.DocumentID,
			Position:   in.Position,
			Metadata:   copyMetadata(in.Metadata),
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	for _, c := range chunks {
		s.chunks[libraryID][c.ID] = c
		s.chunkLocation[c.ID] = libraryID
		if err := s.indexes[libraryID].Insert(c.ID.String(), c.Embedding); err != nil {
			// Unreachable in practice: dimension was validated above for
			// every element, but unwind defensively on the caller's behalf.
			for _, committed := range chunks {
				delete(s.chunks[libraryID], committed.ID)
				delete(s.chunkLocation, committed.ID)
				s.indexes[libraryID].Remove(committed.ID.String())
			}
			return nil, err
		}
	}
	return chunks, nil
}

// GetChunk looks up a chunk by id across the whole store.
func (s *Store) GetChunk(id ids.ID) (*Chunk, error) {
	libID, ok := s.chunkLocation[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return s.chunks[libID][id], nil
}

// ListChunks returns up to limit chunks of a library, optionally scoped
// to a single document id (SPEC_FULL §12), sorted by id ascending.
func (s *Store) ListChunks(libraryID ids.ID, cursor string, limit int, docID *string) ([]*Chunk, string, error) {
	if limit <= 0 {
		return nil, "", apperr.ErrInvalidArgument
	}
	byID, ok := s.chunks[libraryID]
	if !ok {
		return nil, "", apperr.ErrNotFound
	}

	all := make([]*Chunk, 0, len(byID))
	for _, c := range byID {
		if docID != nil && (c.DocumentID == nil || *c.DocumentID != *docID) {
			continue
		}
		all = append(all, c)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID.String() < all[j].ID.String() })

	start := 0
	if cursor != "" {
		for i, c := range all {
			if c.ID.String() > cursor {
				start = i
				break
			}
			start = i + 1
		}
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[start:end]
	next := ""
	if end < len(all) {
		next = page[len(page)-1].ID.String()
	}
	return page, next, nil
}

// UpdateChunkMetadata patches only a chunk's metadata; the embedding is
// immutable once inserted (spec §3).
func (s *Store) UpdateChunkMetadata(id ids.ID, metadata map[string]any) (*Chunk, error) {
	chunk, err := s.GetChunk(id)
	if err != nil {
		return nil, err
	}
	chunk.Metadata = copyMetadata(metadata)
	chunk.UpdatedAt = timeNow()
	return chunk, nil
}

// DeleteChunk removes a chunk from the store and tombstones it in the
// owning library's index.
func (s *Store) DeleteChunk(id ids.ID) error {
	libID, ok := s.chunkLocation[id]
	if !ok {
		return apperr.ErrNotFound
	}
	delete(s.chunks[libID], id)
	delete(s.chunkLocation, id)
	s.indexes[libID].Remove(id.String())
	return nil
}

// DeleteChunksBulk is the inverse of InsertChunksBulk (SPEC_FULL §12):
// a single failure fails the whole batch, with nothing removed.
func (s *Store) DeleteChunksBulk(chunkIDs []ids.ID) error {
	libIDs := make([]ids.ID, len(chunkIDs))
	for i, id := range chunkIDs {
		libID, ok := s.chunkLocation[id]
		if !ok {
			return indexedError(i, apperr.ErrNotFound)
		}
		libIDs[i] = libID
	}
	for i, id := range chunkIDs {
		delete(s.chunks[libIDs[i]], id)
		delete(s.chunkLocation, id)
		s.indexes[libIDs[i]].Remove(id.String())
	}
	return nil
}

// LibraryStats reports chunk count, dimension, algorithm, and index
// observability for a library (SPEC_FULL §12 library_stats command).
func (s *Store) LibraryStats(id ids.ID) (LibraryStats, error) {
	lib, ok := s.libraries[id]
	if !ok {
		return LibraryStats{}, apperr.ErrNotFound
	}
	idx := s.indexes[id]
	st := idx.Stats()
	ratio := 0.0
	if total := st.Live + st.Tombstoned; total > 0 {
		ratio = float64(st.Tombstoned) / float64(total)
	}
	return LibraryStats{
		ChunkCount:     len(s.chunks[id]),
		Dimension:      lib.Dimension,
		Algorithm:      lib.Algorithm,
		TombstoneRatio: ratio,
		IndexStats:     st,
	}, nil
}

func validateEmbedding(embedding []float32, dimension int) error {
	if len(embedding) != dimension {
		return apperr.ErrDimensionMismatch
	}
	if !vecmath.Valid(embedding) {
		return apperr.ErrInvalidArgument
	}
	return nil
}

func copyMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// timeNow is the store's sole clock access point, kept separate so
// tests can observe creation/update ordering without racing real time.
func timeNow() time.Time { return time.Now() }

// indexedError is returned by bulk operations so the caller can see
// which batch element failed validation (spec §7: "callers see
// InvalidArgument with the offending index").
type indexedErr struct {
	Index int
	Err   error
}

func (e *indexedErr) Error() string { return e.Err.Error() }
func (e *indexedErr) Unwrap() error { return e.Err }

func indexedError(i int, err error) error { return &indexedErr{Index: i, Err: err} }
