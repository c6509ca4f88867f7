package vindex

import (
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/orneryd/vectorlib/pkg/vecmath"
)

// LSHConfig configures the LSH index (spec §4.5).
type LSHConfig struct {
	L               int // number of hash tables
	K               int // signature length in bits per table (K <= 64)
	Seed            int64
	ExpansionBudget int // max extra buckets probed per table via Hamming-1 expansion
}

// DefaultLSHConfig returns sensible defaults.
func DefaultLSHConfig() LSHConfig {
	return LSHConfig{L: 4, K: 12, Seed: 1, ExpansionBudget: 8}
}

type lshTable struct {
	planes  [][]float32 // K hyperplanes, each unit length, D-dimensional
	buckets map[uint64][]string
}

// LSHIndex implements random-hyperplane locality-sensitive hashing with
// multi-table bucketing and Hamming-1 neighbor expansion (spec §4.5).
type LSHIndex struct {
	dimension int
	metric    vecmath.Metric
	config    LSHConfig

	tables  []lshTable
	vectors map[string][]float32
	tomb    map[string]bool
	live    int
}

// NewLSH creates an empty LSH index for vectors of the given dimension.
func NewLSH(dimension int, metric vecmath.Metric, cfg LSHConfig) *LSHIndex {
	if cfg.L <= 0 {
		cfg = DefaultLSHConfig()
	}
	idx := &LSHIndex{
		dimension: dimension,
		metric:    metric,
		config:    cfg,
		vectors:   make(map[string][]float32),
		tomb:      make(map[string]bool),
	}
	idx.initTables()
	return idx
}

func (idx *LSHIndex) initTables() {
	rng := rand.New(rand.NewSource(idx.config.Seed))
	idx.tables = make([]lshTable, idx.config.L)
	for t := range idx.tables {
		planes := make([][]float32, idx.config.K)
		for k := range planes {
			planes[k] = randomUnitVector(rng, idx.dimension)
		}
		idx.tables[t] = lshTable{planes: planes, buckets: make(map[uint64][]string)}
	}
}

func randomUnitVector(rng *rand.Rand, d int) []float32 {
	v := make([]float32, d)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return vecmath.Normalize(v)
}

// signature computes the K-bit signature for vector v under table t, and
// the per-bit dot product magnitude (used to find the least-confident
// bit for Hamming-1 expansion).
func (idx *LSHIndex) signature(t int, v []float32) (uint64, []float64) {
	planes := idx.tables[t].planes
	var sig uint64
	dots := make([]float64, len(planes))
	for k, h := range planes {
		var dot float64
		for i := range v {
			dot += float64(v[i]) * float64(h[i])
		}
		dots[k] = dot
		if dot >= 0 {
			sig |= 1 << uint(k)
		}
	}
	return sig, dots
}

// Build discards any existing state and rebuilds from scratch.
func (idx *LSHIndex) Build(ids []string, vectors [][]float32) error {
	idx.Clear()
	for i, id := range ids {
		if err := idx.Insert(id, vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds vector under id to every table's bucket.
func (idx *LSHIndex) Insert(id string, vector []float32) error {
	if len(vector) != idx.dimension {
		return ErrDimensionMismatch
	}
	if _, exists := idx.vectors[id]; !exists {
		idx.live++
	}
	delete(idx.tomb, id)
	idx.vectors[id] = append([]float32(nil), vector...)
	for t := range idx.tables {
		sig, _ := idx.signature(t, vector)
		idx.tables[t].buckets[sig] = append(idx.tables[t].buckets[sig], id)
	}
	return nil
}

// Remove tombstones id. Buckets are compacted lazily once the overall
// tombstone ratio reaches 25%.
func (idx *LSHIndex) Remove(id string) {
	if _, ok := idx.vectors[id]; !ok || idx.tomb[id] {
		return
	}
	idx.tomb[id] = true
	idx.live--
	if len(idx.tomb) > 0 && float64(len(idx.tomb))/float64(len(idx.vectors)) >= 0.25 {
		idx.compact()
	}
}

func (idx *LSHIndex) compact() {
	survivors := make([]string, 0, idx.live)
	survivorVecs := make(map[string][]float32, idx.live)
	for id, v := range idx.vectors {
		if !idx.tomb[id] {
			survivors = append(survivors, id)
			survivorVecs[id] = v
		}
	}
	idx.vectors = survivorVecs
	idx.tomb = make(map[string]bool)
	idx.initTables()
	for _, id := range survivors {
		v := idx.vectors[id]
		for t := range idx.tables {
			sig, _ := idx.signature(t, v)
			idx.tables[t].buckets[sig] = append(idx.tables[t].buckets[sig], id)
		}
	}
}

// Search returns up to k nearest candidates, expanding to neighboring
// buckets (flipping the least-confident bit per table) when the initial
// candidate set is smaller than max(k, candidateHint).
func (idx *LSHIndex) Search(query []float32, k int, candidateHint int) ([]Candidate, error) {
	if len(query) != idx.dimension {
		return nil, ErrDimensionMismatch
	}
	if len(idx.vectors) == 0 || k <= 0 {
		return []Candidate{}, nil
	}

	want := k
	if candidateHint > want {
		want = candidateHint
	}

	seen := make(map[string]bool)
	var candidateIDs []string
	collect := func(ids []string) {
		for _, id := range ids {
			if idx.tomb[id] || seen[id] {
				continue
			}
			seen[id] = true
			candidateIDs = append(candidateIDs, id)
		}
	}

	sigs := make([]uint64, len(idx.tables))
	dotsPerTable := make([][]float64, len(idx.tables))
	for t := range idx.tables {
		sig, dots := idx.signature(t, query)
		sigs[t] = sig
		dotsPerTable[t] = dots
		collect(idx.tables[t].buckets[sig])
	}

	budget := idx.config.Expansion()
	for probe := 0; probe < budget && len(candidateIDs) < want; probe++ {
		for t := range idx.tables {
			bit := leastConfidentBit(dotsPerTable[t], probe)
			if bit < 0 {
				continue
			}
			flipped := sigs[t] ^ (1 << uint(bit))
			collect(idx.tables[t].buckets[flipped])
		}
	}

	candidates := make([]Candidate, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		d, _ := vecmath.Distance(idx.metric, query, idx.vectors[id])
		candidates = append(candidates, Candidate{ID: id, Distance: d})
	}
	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Expansion returns the configured Hamming-1 expansion budget, defaulting
// to K (one probe per bit) when unset.
func (c LSHConfig) Expansion() int {
	if c.ExpansionBudget > 0 {
		return c.ExpansionBudget
	}
	return c.K
}

// leastConfidentBit returns the index of the nth-least-confident bit
// (by |dot product|, smallest = least confident) in dots, or -1 if n is
// out of range.
func leastConfidentBit(dots []float64, n int) int {
	type bd struct {
		bit int
		abs float64
	}
	ranked := make([]bd, len(dots))
	for i, d := range dots {
		ranked[i] = bd{bit: i, abs: math.Abs(d)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].abs < ranked[j].abs })
	if n >= len(ranked) {
		return -1
	}
	return ranked[n].bit
}

// Len returns the number of live vectors.
func (idx *LSHIndex) Len() int { return idx.live }

// Clear resets the index to empty.
func (idx *LSHIndex) Clear() {
	idx.vectors = make(map[string][]float32)
	idx.tomb = make(map[string]bool)
	idx.live = 0
	idx.initTables()
}

// Stats reports per-table bucket occupancy alongside live/tombstone counts.
func (idx *LSHIndex) Stats() Stats {
	histogram := make(map[string]int)
	for t, table := range idx.tables {
		histogram[tableKey(t)] = len(table.buckets)
	}
	return Stats{
		Live:       idx.live,
		Tombstoned: len(idx.tomb),
		Extra:      map[string]any{"buckets_per_table": histogram},
	}
}

func tableKey(t int) string {
	return "table_" + strconv.Itoa(t)
}

var _ Index = (*LSHIndex)(nil)
