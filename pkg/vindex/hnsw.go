package vindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"github.com/orneryd/vectorlib/pkg/vecmath"
)

// HNSWConfig configures the HNSW index (spec §4.6).
type HNSWConfig struct {
	M              int // max neighbors per node per layer above 0
	EfConstruction int
	EfSearch       int
	Seed           int64
}

// DefaultHNSWConfig returns the teacher-style sensible defaults.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 100, Seed: 1}
}

// m0 is the layer-0 neighbor cap, fixed at 2*M per spec.
func (c HNSWConfig) m0() int { return 2 * c.M }

// levelMultiplier is mL = 1/ln(M).
func (c HNSWConfig) levelMultiplier() float64 { return 1.0 / math.Log(float64(c.M)) }

type hnswNode struct {
	id        string
	vector    []float32
	tomb      bool
	neighbors [][]string // neighbors[l] = adjacency at layer l, for l in [0, topLayer]
}

func (n *hnswNode) topLayer() int { return len(n.neighbors) - 1 }

// HNSWIndex implements a multi-layer proximity graph with greedy descent
// and beam search (spec §4.6). Seed + insertion order fully determine
// the resulting graph: the package never calls time/crypto randomness.
type HNSWIndex struct {
	dimension int
	metric    vecmath.Metric
	config    HNSWConfig
	rng       *rand.Rand

	nodes      map[string]*hnswNode
	entryPoint string
	tombCount  int
}

// NewHNSW creates an empty HNSW index for vectors of the given dimension.
func NewHNSW(dimension int, metric vecmath.Metric, cfg HNSWConfig) *HNSWIndex {
	if cfg.M <= 0 {
		cfg = DefaultHNSWConfig()
	}
	return &HNSWIndex{
		dimension: dimension,
		metric:    metric,
		config:    cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		nodes:     make(map[string]*hnswNode),
	}
}

func (h *HNSWIndex) randomLevel() int {
	u := h.rng.Float64()
	// Guard against log(0): Float64 is in [0,1), 0 would yield +Inf.
	if u == 0 {
		u = 1e-12
	}
	return int(-math.Log(u) * h.config.levelMultiplier())
}

func (h *HNSWIndex) dist(a, b []float32) float64 {
	d, _ := vecmath.Distance(h.metric, a, b)
	return d
}

// Build discards prior state and rebuilds from scratch, inserting in the
// given order — the same order and seed always yield the same graph
// (spec's determinism requirement for rebuild-produces-identical-top-1,
// law 7 in §8).
func (h *HNSWIndex) Build(ids []string, vectors [][]float32) error {
	h.Clear()
	for i, id := range ids {
		if err := h.Insert(id, vectors[i]); err != nil {
			return err
		}
	}
	return nil
}

// Insert adds a new node, wiring it into every layer from 0 up to its
// sampled top layer via greedy descent + beam search + heuristic
// neighbor selection (spec §4.6 steps 1-4).
func (h *HNSWIndex) Insert(id string, vector []float32) error {
	if len(vector) != h.dimension {
		return ErrDimensionMismatch
	}

	level := h.randomLevel()
	node := &hnswNode{id: id, vector: append([]float32(nil), vector...), neighbors: make([][]string, level+1)}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].topLayer()

	for l := epLevel; l > level; l-- {
		ep = h.greedyDescendSingle(vector, ep, l)
	}

	top := level
	if epLevel < top {
		top = epLevel
	}
	for l := top; l >= 0; l-- {
		candidates := h.searchLayer(vector, ep, h.config.EfConstruction, l, true)
		neighborCap := h.config.M
		if l == 0 {
			neighborCap = h.config.m0()
		}
		neighbors := h.selectNeighborsHeuristic(vector, candidates, neighborCap)
		node.neighbors[l] = neighbors

		for _, nbID := range neighbors {
			neighbor := h.nodes[nbID]
			if neighbor.topLayer() < l {
				continue
			}
			neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
			if len(neighbor.neighbors[l]) > neighborCap {
				neighbor.neighbors[l] = h.selectNeighborsHeuristic(neighbor.vector, neighbor.neighbors[l], neighborCap)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.nodes[h.entryPoint].topLayer() {
		h.entryPoint = id
	}
	return nil
}

// selectNeighborsHeuristic implements the diversity-pruning rule from
// spec §4.6: iteratively pick the closest remaining candidate that is
// closer to the new node than to any neighbor already chosen. Any slots
// left unfilled once candidates are exhausted are padded from the
// discard pile (closest first) so a node is never under-connected
// purely because the diversity test was strict.
func (h *HNSWIndex) selectNeighborsHeuristic(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		out := make([]string, len(candidates))
		copy(out, candidates)
		return out
	}

	type cd struct {
		id   string
		dist float64
	}
	ranked := make([]cd, len(candidates))
	for i, id := range candidates {
		ranked[i] = cd{id: id, dist: h.dist(query, h.nodes[id].vector)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].dist < ranked[j].dist })

	var chosen []string
	var discarded []cd
	for _, c := range ranked {
		if len(chosen) >= m {
			break
		}
		good := true
		for _, already := range chosen {
			if h.dist(h.nodes[c.id].vector, h.nodes[already].vector) < c.dist {
				good = false
				break
			}
		}
		if good {
			chosen = append(chosen, c.id)
		} else {
			discarded = append(discarded, c)
		}
	}
	for i := 0; len(chosen) < m && i < len(discarded); i++ {
		chosen = append(chosen, discarded[i].id)
	}
	return chosen
}

// Remove tombstones id. Per spec §4.6, the node stays structurally
// present (still traversed for connectivity) but is excluded from
// future search results.
func (h *HNSWIndex) Remove(id string) {
	node, ok := h.nodes[id]
	if !ok || node.tomb {
		return
	}
	node.tomb = true
	h.tombCount++
}

// greedyDescendSingle keeps the single nearest neighbor while descending
// one layer, used above level 0 during both insert and search.
func (h *HNSWIndex) greedyDescendSingle(query []float32, entry string, layer int) string {
	current := entry
	currentDist := h.dist(query, h.nodes[current].vector)
	for {
		changed := false
		for _, nbID := range h.neighborsAt(current, layer) {
			d := h.dist(query, h.nodes[nbID].vector)
			if d < currentDist {
				current = nbID
				currentDist = d
				changed = true
			}
		}
		if !changed {
			return current
		}
	}
}

func (h *HNSWIndex) neighborsAt(id string, layer int) []string {
	n := h.nodes[id]
	if layer > n.topLayer() {
		return nil
	}
	return n.neighbors[layer]
}

// searchLayer runs a beam search of width ef at the given layer,
// returning up to ef ids ascending by distance. When includeTombstoned
// is false (query-time search), tombstoned nodes are still explored as
// waypoints but never enter the results heap.
func (h *HNSWIndex) searchLayer(query []float32, entry string, ef int, layer int, includeTombstoned bool) []string {
	visited := map[string]bool{entry: true}

	candidates := &distHeap{minFirst: true}
	results := &distHeap{minFirst: false}

	entryDist := h.dist(query, h.nodes[entry].vector)
	heap.Push(candidates, distItem{id: entry, dist: entryDist})
	if includeTombstoned || !h.nodes[entry].tomb {
		heap.Push(results, distItem{id: entry, dist: entryDist})
	}

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)
		if results.Len() >= ef {
			furthest := results.peek()
			if closest.dist > furthest.dist {
				break
			}
		}
		for _, nbID := range h.neighborsAt(closest.id, layer) {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			d := h.dist(query, h.nodes[nbID].vector)
			if results.Len() < ef || d < results.peek().dist {
				heap.Push(candidates, distItem{id: nbID, dist: d})
				if includeTombstoned || !h.nodes[nbID].tomb {
					heap.Push(results, distItem{id: nbID, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]string, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(distItem).id
	}
	return out
}

// Search descends greedily to layer 1, then runs a beam of width
// max(efSearch, k, candidateHint) at layer 0 and returns the top k
// (spec §4.6).
func (h *HNSWIndex) Search(query []float32, k int, candidateHint int) ([]Candidate, error) {
	if len(query) != h.dimension {
		return nil, ErrDimensionMismatch
	}
	if len(h.nodes) == 0 || k <= 0 {
		return []Candidate{}, nil
	}

	ef := h.config.EfSearch
	if k > ef {
		ef = k
	}
	if candidateHint > ef {
		ef = candidateHint
	}

	ep := h.entryPoint
	for l := h.nodes[ep].topLayer(); l > 0; l-- {
		ep = h.greedyDescendSingle(query, ep, l)
	}

	ids := h.searchLayer(query, ep, ef, 0, false)
	candidates := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, Candidate{ID: id, Distance: h.dist(query, h.nodes[id].vector)})
	}
	sortCandidates(candidates)
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	return candidates, nil
}

// Len returns the number of live (non-tombstoned) nodes.
func (h *HNSWIndex) Len() int { return len(h.nodes) - h.tombCount }

// Clear resets the index to empty.
func (h *HNSWIndex) Clear() {
	h.nodes = make(map[string]*hnswNode)
	h.entryPoint = ""
	h.tombCount = 0
	h.rng = rand.New(rand.NewSource(h.config.Seed))
}

// Stats reports live/tombstone counts plus the current max layer and
// entry point id.
func (h *HNSWIndex) Stats() Stats {
	maxLayer := 0
	if h.entryPoint != "" {
		maxLayer = h.nodes[h.entryPoint].topLayer()
	}
	return Stats{
		Live:       h.Len(),
		Tombstoned: h.tombCount,
		Extra: map[string]any{
			"max_layer":   maxLayer,
			"entry_point": h.entryPoint,
		},
	}
}

// TombstoneRatio reports the fraction of nodes tombstoned, used by the
// caller to decide when to trigger a rebuild (spec §4.6: >30%).
func (h *HNSWIndex) TombstoneRatio() float64 {
	if len(h.nodes) == 0 {
		return 0
	}
	return float64(h.tombCount) / float64(len(h.nodes))
}

var _ Index = (*HNSWIndex)(nil)

// distItem/distHeap implement both the candidate min-heap (nearest
// first) and the results max-heap (furthest first, to evict) used by
// searchLayer, selected via minFirst.
type distItem struct {
	id   string
	dist float64
}

type distHeap struct {
	items    []distItem
	minFirst bool
}

func (dh *distHeap) Len() int { return len(dh.items) }
func (dh *distHeap) Less(i, j int) bool {
	if dh.minFirst {
		return dh.items[i].dist < dh.items[j].dist
	}
	return dh.items[i].dist > dh.items[j].dist
}
func (dh *distHeap) Swap(i, j int) { dh.items[i], dh.items[j] = dh.items[j], dh.items[i] }
func (dh *distHeap) Push(x any)    { dh.items = append(dh.items, x.(distItem)) }
func (dh *distHeap) Pop() any {
	old := dh.items
	n := len(old)
	x := old[n-1]
	dh.items = old[:n-1]
	return x
}

// peek returns the current heap-top extreme without popping it.
func (dh *distHeap) peek() distItem { return dh.items[0] }
