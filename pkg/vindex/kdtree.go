package vindex

import (
	"container/heap"
	"math"
	"math/rand"
	"sort"

	"github.com/orneryd/vectorlib/pkg/vecmath"
)

// KDTreeConfig configures the random-projection KD-Tree (spec §4.7).
type KDTreeConfig struct {
	ProjectedDim int // d'; 0 means min(D, 16)
	LeafSize     int // Lf
	Seed         int64
}

// DefaultKDTreeConfig returns sensible defaults; its ProjectedDim of 0
// resolves to min(D, 16) for each index's dimension D.
func DefaultKDTreeConfig() KDTreeConfig {
	return KDTreeConfig{ProjectedDim: 0, LeafSize: 8, Seed: 1}
}

func (c KDTreeConfig) projectedDim(d int) int {
	if c.ProjectedDim > 0 && c.ProjectedDim < d {
		return c.ProjectedDim
	}
	if d > 16 {
		return 16
	}
	return d
}

type kdNode struct {
	leaf bool
	ids  []string // populated only for leaves

	axis      int
	threshold float64
	left      *kdNode
	right     *kdNode

	bboxMin []float64
	bboxMax []float64
}

// KDTreeIndex implements a median-split KD-Tree over a random Gaussian
// projection, searched via best-first k-NN with a bounding-box lower
// bound in the projected space and exact reranking in the original
// space (spec §4.7).
type KDTreeIndex struct {
	dimension int
	metric    vecmath.Metric
	config    KDTreeConfig
	projDim   int
	projector [][]float64 // projDim rows, each of length dimension

	vectors   map[string][]float32
	projected map[string][]float64
	tomb      map[string]bool
	live      int

	root *kdNode
}

// NewKDTree creates an empty KD-Tree index for vectors of the given
// dimension.
func NewKDTree(dimension int, metric vecmath.Metric, cfg KDTreeConfig) *KDTreeIndex {
	if cfg.LeafSize <= 0 {
		cfg = DefaultKDTreeConfig()
	}
	idx := &KDTreeIndex{
		dimension: dimension,
		metric:    metric,
		config:    cfg,
		projDim:   cfg.projectedDim(dimension),
		vectors:   make(map[string][]float32),
		projected: make(map[string][]float64),
		tomb:      make(map[string]bool),
	}
	idx.projector = buildProjection(dimension, idx.projDim, cfg.Seed)
	return idx
}

// buildProjection draws a D×d' Gaussian matrix and orthonormalizes its
// columns via modified Gram-Schmidt, returning it row-major as d' rows
// of length D (row j is the j-th projection axis).
func buildProjection(d, dPrime int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	rows := make([][]float64, dPrime)
	for j := 0; j < dPrime; j++ {
		v := make([]float64, d)
		for i := range v {
			v[i] = rng.NormFloat64()
		}
		for _, prior := range rows[:j] {
			proj := dot(v, prior)
			for i := range v {
				v[i] -= proj * prior[i]
			}
		}
		norm := math.Sqrt(dot(v, v))
		if norm > 1e-12 {
			for i := range v {
				v[i] /= norm
			}
		}
		rows[j] = v
	}
	return rows
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func (idx *KDTreeIndex) project(v []float32) []float64 {
	out := make([]float64, idx.projDim)
	for j, row := range idx.projector {
		var s float64
		for i, x := range v {
			s += float64(x) * row[i]
		}
		out[j] = s
	}
	return out
}

// Build discards prior state and rebuilds from scratch, including a
// fresh projection matrix (same seed, so determinism holds).
func (idx *KDTreeIndex) Build(ids []string, vectors [][]float32) error {
	idx.Clear()
	for i, id := range ids {
		if len(vectors[i]) != idx.dimension {
			return ErrDimensionMismatch
		}
		idx.vectors[id] = append([]float32(nil), vectors[i]...)
		idx.projected[id] = idx.project(vectors[i])
	}
	idx.live = len(ids)
	idx.root = idx.buildNode(append([]string(nil), ids...))
	return nil
}

func (idx *KDTreeIndex) buildNode(ids []string) *kdNode {
	bboxMin, bboxMax := idx.boundingBox(ids)
	if len(ids) <= idx.config.LeafSize {
		return &kdNode{leaf: true, ids: ids, bboxMin: bboxMin, bboxMax: bboxMax}
	}

	axis := idx.maxVarianceAxis(ids)
	sorted := append([]string(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool {
		pi, pj := idx.projected[sorted[i]][axis], idx.projected[sorted[j]][axis]
		if pi != pj {
			return pi < pj
		}
		return sorted[i] < sorted[j]
	})
	mid := len(sorted) / 2
	threshold := idx.projected[sorted[mid]][axis]

	left := sorted[:mid]
	right := sorted[mid:]
	if len(left) == 0 || len(right) == 0 {
		// All points degenerate to the same coordinate; leaf rather than
		// spin on an unproductive split.
		return &kdNode{leaf: true, ids: ids, bboxMin: bboxMin, bboxMax: bboxMax}
	}

	return &kdNode{
		leaf:      false,
		axis:      axis,
		threshold: threshold,
		left:      idx.buildNode(left),
		right:     idx.buildNode(right),
		bboxMin:   bboxMin,
		bboxMax:   bboxMax,
	}
}

func (idx *KDTreeIndex) boundingBox(ids []string) ([]float64, []float64) {
	min := make([]float64, idx.projDim)
	max := make([]float64, idx.projDim)
	for j := range min {
		min[j] = math.Inf(1)
		max[j] = math.Inf(-1)
	}
	for _, id := range ids {
		p := idx.projected[id]
		for j, v := range p {
			if v < min[j] {
				min[j] = v
			}
			if v > max[j] {
				max[j] = v
			}
		}
	}
	return min, max
}

func (idx *KDTreeIndex) maxVarianceAxis(ids []string) int {
	mean := make([]float64, idx.projDim)
	for _, id := range ids {
		p := idx.projected[id]
		for j, v := range p {
			mean[j] += v
		}
	}
	n := float64(len(ids))
	for j := range mean {
		mean[j] /= n
	}
	variance := make([]float64, idx.projDim)
	for _, id := range ids {
		p := idx.projected[id]
		for j, v := range p {
			d := v - mean[j]
			variance[j] += d * d
		}
	}
	best, bestVar := 0, -1.0
	for j, v := range variance {
		if v > bestVar {
			best, bestVar = j, v
		}
	}
	return best
}

// Insert adds vector under id, descending to the appropriate leaf and
// splitting it when it grows past 2·Lf.
func (idx *KDTreeIndex) Insert(id string, vector []float32) error {
	if len(vector) != idx.dimension {
		return ErrDimensionMismatch
	}
	if _, exists := idx.vectors[id]; !exists {
		idx.live++
	}
	delete(idx.tomb, id)
	idx.vectors[id] = append([]float32(nil), vector...)
	idx.projected[id] = idx.project(vector)

	if idx.root == nil {
		idx.root = &kdNode{leaf: true, ids: []string{id}}
		idx.root.bboxMin, idx.root.bboxMax = idx.boundingBox(idx.root.ids)
		return nil
	}
	idx.insertInto(idx.root, id)
	return nil
}

func (idx *KDTreeIndex) insertInto(node *kdNode, id string) {
	idx.extendBBox(node, idx.projected[id])
	if node.leaf {
		node.ids = append(node.ids, id)
		if len(node.ids) > 2*idx.config.LeafSize {
			idx.splitLeaf(node)
		}
		return
	}
	if idx.projected[id][node.axis] <= node.threshold {
		idx.insertInto(node.left, id)
	} else {
		idx.insertInto(node.right, id)
	}
}

func (idx *KDTreeIndex) extendBBox(node *kdNode, p []float64) {
	if node.bboxMin == nil {
		node.bboxMin = append([]float64(nil), p...)
		node.bboxMax = append([]float64(nil), p...)
		return
	}
	for j, v := range p {
		if v < node.bboxMin[j] {
			node.bboxMin[j] = v
		}
		if v > node.bboxMax[j] {
			node.bboxMax[j] = v
		}
	}
}

func (idx *KDTreeIndex) splitLeaf(node *kdNode) {
	rebuilt := idx.buildNode(node.ids)
	*node = *rebuilt
}

// Remove tombstones id. Rebuild is the caller's responsibility once
// TombstoneRatio crosses 30% (spec §4.7).
func (idx *KDTreeIndex) Remove(id string) {
	if _, ok := idx.vectors[id]; !ok || idx.tomb[id] {
		return
	}
	idx.tomb[id] = true
	idx.live--
}

// TombstoneRatio reports the fraction of indexed ids tombstoned.
func (idx *KDTreeIndex) TombstoneRatio() float64 {
	if len(idx.vectors) == 0 {
		return 0
	}
	return float64(len(idx.tomb)) / float64(len(idx.vectors))
}

// Search runs best-first k-NN: a min-heap of tree nodes ordered by their
// bounding-box lower bound in projected space, and a capped max-heap of
// the best candidates found so far by exact distance in the original
// space (spec §4.7).
func (idx *KDTreeIndex) Search(query []float32, k int, candidateHint int) ([]Candidate, error) {
	if len(query) != idx.dimension {
		return nil, ErrDimensionMismatch
	}
	if idx.root == nil || k <= 0 {
		return []Candidate{}, nil
	}

	capN := k
	if candidateHint > capN {
		capN = candidateHint
	}

	qProj := idx.project(query)
	results := &distHeap{minFirst: false}

	nodes := &nodeHeap{}
	heap.Push(nodes, nodeBound{node: idx.root, bound: lowerBound(qProj, idx.root.bboxMin, idx.root.bboxMax)})

	for nodes.Len() > 0 {
		top := (*nodes)[0]
		if results.Len() >= capN && top.bound >= results.peek().dist {
			break
		}
		item := heap.Pop(nodes).(nodeBound)

		if item.node.leaf {
			for _, id := range item.node.ids {
				if idx.tomb[id] {
					continue
				}
				d, _ := vecmath.Distance(idx.metric, query, idx.vectors[id])
				if results.Len() < capN {
					heap.Push(results, distItem{id: id, dist: d})
				} else if d < results.peek().dist {
					heap.Pop(results)
					heap.Push(results, distItem{id: id, dist: d})
				}
			}
			continue
		}

		heap.Push(nodes, nodeBound{node: item.node.left, bound: lowerBound(qProj, item.node.left.bboxMin, item.node.left.bboxMax)})
		heap.Push(nodes, nodeBound{node: item.node.right, bound: lowerBound(qProj, item.node.right.bboxMin, item.node.right.bboxMax)})
	}

	out := make([]Candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item := heap.Pop(results).(distItem)
		out[i] = Candidate{ID: item.id, Distance: item.dist}
	}
	sortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func lowerBound(q, bboxMin, bboxMax []float64) float64 {
	var sum float64
	for i, v := range q {
		if v < bboxMin[i] {
			d := bboxMin[i] - v
			sum += d * d
		} else if v > bboxMax[i] {
			d := v - bboxMax[i]
			sum += d * d
		}
	}
	return math.Sqrt(sum)
}

// Len returns the number of live (non-tombstoned) vectors.
func (idx *KDTreeIndex) Len() int { return idx.live }

// Clear resets the index to empty, redrawing the projection matrix from
// the same seed.
func (idx *KDTreeIndex) Clear() {
	idx.vectors = make(map[string][]float32)
	idx.projected = make(map[string][]float64)
	idx.tomb = make(map[string]bool)
	idx.live = 0
	idx.root = nil
	idx.projector = buildProjection(idx.dimension, idx.projDim, idx.config.Seed)
}

// Stats reports live/tombstone counts and the projected dimension.
func (idx *KDTreeIndex) Stats() Stats {
	return Stats{
		Live:       idx.live,
		Tombstoned: len(idx.tomb),
		Extra:      map[string]any{"projected_dim": idx.projDim},
	}
}

var _ Index = (*KDTreeIndex)(nil)

// nodeBound pairs a tree node with its projected-space lower bound,
// ordered smallest-bound-first by nodeHeap.
type nodeBound struct {
	node  *kdNode
	bound float64
}

type nodeHeap []nodeBound

func (nh nodeHeap) Len() int           { return len(nh) }
func (nh nodeHeap) Less(i, j int) bool { return nh[i].bound < nh[j].bound }
func (nh nodeHeap) Swap(i, j int)      { nh[i], nh[j] = nh[j], nh[i] }
func (nh *nodeHeap) Push(x any)        { *nh = append(*nh, x.(nodeBound)) }
func (nh *nodeHeap) Pop() any {
	old := *nh
	n := len(old)
	x := old[n-1]
	*nh = old[:n-1]
	return x
}
