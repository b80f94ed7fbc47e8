// Package annindex provides the two vector indexes retrieval stage 1 needs:
// an approximate HNSW graph index for fast candidate generation, and a
// brute-force flat index used both as a small-corpus fallback and as the
// recall-reference implementation the spec's correctness guarantee is
// checked against. Both are adapted from the teacher's pkg/index, with
// string node ids replaced throughout by model.ID (int64) to match the
// domain model.
package annindex

import (
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/liliang-cn/propmatch/internal/encoding"
	"github.com/liliang-cn/propmatch/pkg/model"
)

// Index is the shared contract pkg/retrieval builds Stage 1 candidate
// generation on, satisfied by both HNSW and FlatIndex.
type Index interface {
	Insert(id model.ID, vector []float32) error
	Search(query []float32, k, ef int) ([]model.ID, []float32)
	Delete(id model.ID) error
	Size() int
	Build(embeddings map[model.ID][]float32) (BuildStats, error)
}

// BuildStats reports the outcome of a Build call, for the telemetry spec.md
// §4.7 requires: build time and an estimated memory footprint.
type BuildStats struct {
	VectorCount     int
	Dimension       int
	BuildTime       time.Duration
	EstimatedMemory int64 // bytes
}

// validateBuildInput rejects an empty corpus and any vector whose length
// doesn't match the first vector seen, which becomes the index's dimension.
func validateBuildInput(embeddings map[model.ID][]float32) (int, error) {
	if len(embeddings) == 0 {
		return 0, errors.New("annindex: build requires a non-empty embedding set")
	}
	dim := 0
	for id, vec := range embeddings {
		if err := encoding.ValidateVector(vec); err != nil {
			return 0, fmt.Errorf("annindex: build: node %d: %w", id, err)
		}
		if dim == 0 {
			dim = len(vec)
			continue
		}
		if len(vec) != dim {
			return 0, fmt.Errorf("annindex: build: node %d: vector length %d does not match index dimension %d", id, len(vec), dim)
		}
	}
	return dim, nil
}

// DistFunc computes a distance between two vectors; smaller is closer.
type DistFunc func(a, b []float32) float32

// CosineDistance is 1 minus cosine similarity. A zero-norm vector is
// treated as maximally distant (1.0) from everything, including another
// zero vector, and this never produces NaN.
func CosineDistance(a, b []float32) float32 {
	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 1.0
	}
	sim := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	return 1.0 - sim
}

// CosineSimilarity derives similarity from CosineDistance and clamps
// negative similarity to 0, per the spec's "never return negative
// similarity to callers" rule.
func CosineSimilarity(a, b []float32) float32 {
	sim := 1.0 - CosineDistance(a, b)
	if sim < 0 {
		return 0
	}
	return sim
}

// EuclideanDistance computes plain L2 distance.
func EuclideanDistance(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return float32(math.Sqrt(float64(sum)))
}

// hnswNode mirrors the teacher's HNSWNode, keyed by model.ID instead of a
// string.
type hnswNode struct {
	ID        model.ID
	Vector    []float32
	Level     int
	Neighbors [][]model.ID
	Deleted   bool
}

// HNSW implements a Hierarchical Navigable Small World graph index.
type HNSW struct {
	M              int
	MaxM           int
	EfConstruction int
	ML             float64
	Seed           int64
	Dim            int // configured D_p; 0 means unset, inferred from the first insert/build

	Nodes      map[model.ID]*hnswNode
	EntryPoint model.ID
	hasEntry   bool

	DistFunc DistFunc

	mu         sync.RWMutex
	rng        *rand.Rand
	lastBuild  time.Duration
}

// NewHNSW creates an HNSW index with the given fan-out and construction
// candidate-list size. distFunc defaults to CosineDistance, the only
// metric the spec requires. dim is the configured embedding dimension
// (D_p); pass 0 to infer it from the first vector seen.
func NewHNSW(m, efConstruction int, distFunc DistFunc, dim int) *HNSW {
	if distFunc == nil {
		distFunc = CosineDistance
	}
	seed := time.Now().UnixNano()
	return &HNSW{
		M:              m,
		MaxM:           m * 2,
		EfConstruction: efConstruction,
		ML:             1.0 / math.Log(2.0),
		Seed:           seed,
		Dim:            dim,
		Nodes:          make(map[model.ID]*hnswNode),
		DistFunc:       distFunc,
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// selectLevel assigns a level via exponential decay: each level has a 50%
// chance of continuing to the next, capped at 16.
func (h *HNSW) selectLevel() int {
	level := 0
	for h.rng.Float64() < 0.5 {
		level++
		if level >= 16 {
			break
		}
	}
	return level
}

// Insert adds vector under id. Returns an error if id already exists or
// vector's length doesn't match the index's configured dimension.
func (h *HNSW) Insert(id model.ID, vector []float32) error {
	if err := encoding.ValidateVector(vector); err != nil {
		return fmt.Errorf("annindex: node %d: %w", id, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Dim == 0 {
		h.Dim = len(vector)
	} else if len(vector) != h.Dim {
		return fmt.Errorf("annindex: node %d: vector length %d does not match index dimension %d", id, len(vector), h.Dim)
	}

	if _, exists := h.Nodes[id]; exists {
		return fmt.Errorf("annindex: node %d already exists", id)
	}

	level := h.selectLevel()
	node := &hnswNode{
		ID:        id,
		Vector:    vector,
		Level:     level,
		Neighbors: make([][]model.ID, level+1),
	}
	for i := 0; i <= level; i++ {
		node.Neighbors[i] = make([]model.ID, 0)
	}
	h.Nodes[id] = node

	if !h.hasEntry {
		h.EntryPoint = id
		h.hasEntry = true
		return nil
	}

	currNearest := []model.ID{h.EntryPoint}
	entryNode := h.Nodes[h.EntryPoint]
	for lc := entryNode.Level; lc > level; lc-- {
		currNearest = h.searchLayerClosest(vector, currNearest, 1, lc)
	}

	for lc := level; lc >= 0; lc-- {
		m := h.M
		if lc == 0 {
			m = h.MaxM
		}

		candidates := h.searchLayer(vector, currNearest, h.EfConstruction, lc)
		neighbors := h.selectNeighborsHeuristic(vector, candidates, m)

		node.Neighbors[lc] = neighbors
		for _, neighbor := range neighbors {
			h.addConnection(neighbor, id, lc)

			neighborNode := h.Nodes[neighbor]
			maxConn := h.M
			if lc == 0 {
				maxConn = h.MaxM
			}
			if lc < len(neighborNode.Neighbors) && len(neighborNode.Neighbors[lc]) > maxConn {
				neighborNode.Neighbors[lc] = h.selectNeighborsHeuristic(neighborNode.Vector, neighborNode.Neighbors[lc], maxConn)
			}
		}

		currNearest = neighbors
	}

	if level > h.Nodes[h.EntryPoint].Level {
		h.EntryPoint = id
	}

	return nil
}

type heapItem struct {
	id   model.ID
	dist float32
}

type distHeap []*heapItem

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].dist < h[j].dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x interface{}) { *h = append(*h, x.(*heapItem)) }
func (h *distHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// searchLayer runs a greedy best-first search within a single layer,
// returning up to ef candidates ordered closest-first.
func (h *HNSW) searchLayer(query []float32, entryPoints []model.ID, ef int, layer int) []model.ID {
	visited := make(map[model.ID]bool)
	candidates := &distHeap{}
	dynamicList := &distHeap{}

	for _, point := range entryPoints {
		dist := h.DistFunc(query, h.Nodes[point].Vector)
		heap.Push(candidates, &heapItem{id: point, dist: dist})
		heap.Push(dynamicList, &heapItem{id: point, dist: -dist})
		visited[point] = true
	}

	for candidates.Len() > 0 {
		if dynamicList.Len() > 0 {
			lowerBound := (*candidates)[0].dist
			if lowerBound > -(*dynamicList)[0].dist {
				break
			}
		}

		current := heap.Pop(candidates).(*heapItem)
		currentNode := h.Nodes[current.id]
		if layer >= len(currentNode.Neighbors) {
			continue
		}

		for _, neighbor := range currentNode.Neighbors[layer] {
			if visited[neighbor] {
				continue
			}
			visited[neighbor] = true

			dist := h.DistFunc(query, h.Nodes[neighbor].Vector)
			if dist < -(*dynamicList)[0].dist || dynamicList.Len() < ef {
				heap.Push(candidates, &heapItem{id: neighbor, dist: dist})
				heap.Push(dynamicList, &heapItem{id: neighbor, dist: -dist})
				if dynamicList.Len() > ef {
					heap.Pop(dynamicList)
				}
			}
		}
	}

	result := make([]model.ID, 0, dynamicList.Len())
	for dynamicList.Len() > 0 {
		item := heap.Pop(dynamicList).(*heapItem)
		result = append(result, item.id)
	}
	for i := 0; i < len(result)/2; i++ {
		result[i], result[len(result)-1-i] = result[len(result)-1-i], result[i]
	}
	return result
}

func (h *HNSW) searchLayerClosest(query []float32, entryPoints []model.ID, num, layer int) []model.ID {
	candidates := h.searchLayer(query, entryPoints, num, layer)
	if len(candidates) > num {
		return candidates[:num]
	}
	return candidates
}

// selectNeighborsHeuristic keeps the m closest candidates to query.
func (h *HNSW) selectNeighborsHeuristic(query []float32, candidates []model.ID, m int) []model.ID {
	if len(candidates) <= m {
		return candidates
	}

	type distPair struct {
		id   model.ID
		dist float32
	}
	pairs := make([]distPair, len(candidates))
	for i, c := range candidates {
		pairs[i] = distPair{id: c, dist: h.DistFunc(query, h.Nodes[c].Vector)}
	}

	for i := 0; i < len(pairs)-1; i++ {
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].dist < pairs[i].dist {
				pairs[i], pairs[j] = pairs[j], pairs[i]
			}
		}
	}

	result := make([]model.ID, 0, m)
	for i := 0; i < m && i < len(pairs); i++ {
		result = append(result, pairs[i].id)
	}
	return result
}

func (h *HNSW) addConnection(from, to model.ID, layer int) {
	fromNode, exists := h.Nodes[from]
	if !exists || layer >= len(fromNode.Neighbors) {
		return
	}
	for _, n := range fromNode.Neighbors[layer] {
		if n == to {
			return
		}
	}
	fromNode.Neighbors[layer] = append(fromNode.Neighbors[layer], to)
}

// Search returns up to k nearest neighbors to query, exploring an ef-sized
// candidate list at the base layer. Soft-deleted nodes are skipped.
func (h *HNSW) Search(query []float32, k, ef int) ([]model.ID, []float32) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return []model.ID{}, []float32{}
	}

	entryNode := h.Nodes[h.EntryPoint]
	currNearest := []model.ID{h.EntryPoint}
	for layer := entryNode.Level; layer > 0; layer-- {
		currNearest = h.searchLayerClosest(query, currNearest, 1, layer)
	}

	candidates := h.searchLayer(query, currNearest, ef, 0)

	type result struct {
		id   model.ID
		dist float32
	}
	results := make([]result, 0, len(candidates))
	for _, c := range candidates {
		if node, exists := h.Nodes[c]; exists && !node.Deleted {
			results = append(results, result{id: c, dist: h.DistFunc(query, node.Vector)})
		}
	}

	for i := 0; i < len(results)-1; i++ {
		for j := i + 1; j < len(results); j++ {
			if results[j].dist < results[i].dist {
				results[i], results[j] = results[j], results[i]
			}
		}
	}

	limit := k
	if limit > len(results) {
		limit = len(results)
	}

	ids := make([]model.ID, limit)
	similarities := make([]float32, limit)
	for i := 0; i < limit; i++ {
		ids[i] = results[i].id
		sim := 1.0 - results[i].dist
		if sim < 0 {
			sim = 0
		}
		similarities[i] = sim
	}
	return ids, similarities
}

// Delete soft-deletes id, promoting a new entry point if necessary.
func (h *HNSW) Delete(id model.ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	node, exists := h.Nodes[id]
	if !exists {
		return errors.New("annindex: node not found")
	}
	node.Deleted = true

	if h.EntryPoint == id {
		h.hasEntry = false
		for nodeID, n := range h.Nodes {
			if !n.Deleted {
				h.EntryPoint = nodeID
				h.hasEntry = true
				break
			}
		}
	}
	return nil
}

// Size returns the number of non-deleted nodes.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, n := range h.Nodes {
		if !n.Deleted {
			count++
		}
	}
	return count
}

// Build replaces the graph's contents with a fresh index over embeddings,
// atomically: a new node map is built insert-by-insert and only swapped in
// once every vector has passed validation, so a failed build leaves the
// previous graph untouched. Every vector's length must match embeddings'
// common dimension or the configured Dim, whichever is set.
func (h *HNSW) Build(embeddings map[model.ID][]float32) (BuildStats, error) {
	dim, err := validateBuildInput(embeddings)
	if err != nil {
		return BuildStats{}, err
	}

	h.mu.RLock()
	configuredDim := h.Dim
	h.mu.RUnlock()
	if configuredDim != 0 && dim != configuredDim {
		return BuildStats{}, fmt.Errorf("annindex: build: embedding dimension %d does not match configured dimension %d", dim, configuredDim)
	}

	start := time.Now()

	fresh := NewHNSW(h.M, h.EfConstruction, h.DistFunc, dim)
	for id, vec := range embeddings {
		if err := fresh.Insert(id, vec); err != nil {
			return BuildStats{}, fmt.Errorf("annindex: build: %w", err)
		}
	}

	elapsed := time.Since(start)

	h.mu.Lock()
	h.Dim = dim
	h.Nodes = fresh.Nodes
	h.EntryPoint = fresh.EntryPoint
	h.hasEntry = fresh.hasEntry
	h.rng = fresh.rng
	h.lastBuild = elapsed
	h.mu.Unlock()

	return BuildStats{
		VectorCount:     len(embeddings),
		Dimension:       dim,
		BuildTime:       elapsed,
		EstimatedMemory: estimateMemory(len(embeddings), dim, h.M),
	}, nil
}

// estimateMemory approximates bytes held by n vectors of dimension dim plus
// an HNSW graph's neighbor lists, for telemetry only.
func estimateMemory(n, dim, m int) int64 {
	const float32Size = 4
	const idSize = 8
	vectorBytes := int64(n) * int64(dim) * float32Size
	edgeBytes := int64(n) * int64(m) * 2 * idSize
	return vectorBytes + edgeBytes
}

// Stats reports graph shape for observability.
func (h *HNSW) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := len(h.Nodes)
	active := 0
	edges := 0
	maxLevel := 0
	for _, n := range h.Nodes {
		if !n.Deleted {
			active++
			if n.Level > maxLevel {
				maxLevel = n.Level
			}
			for _, neighbors := range n.Neighbors {
				edges += len(neighbors)
			}
		}
	}
	avgEdges := 0.0
	if active > 0 {
		avgEdges = float64(edges) / float64(active)
	}
	return map[string]interface{}{
		"total_nodes":        total,
		"active_nodes":       active,
		"total_edges":        edges,
		"avg_edges_per_node": avgEdges,
		"max_level":          maxLevel,
		"M":                  h.M,
		"ef_construction":    h.EfConstruction,
		"last_build_ms":      float64(h.lastBuild.Microseconds()) / 1000,
	}
}

// gobNode is the on-disk shape for a graph node; model.ID neighbor lists
// serialize directly since gob handles int64 natively.
type gobNode struct {
	ID        model.ID
	Vector    []float32
	Level     int
	Neighbors [][]model.ID
	Deleted   bool
}

// Save serializes the graph (parameters, entry point, nodes) to w.
func (h *HNSW) Save(w io.Writer) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	enc := gob.NewEncoder(w)
	if err := enc.Encode(h.M); err != nil {
		return err
	}
	if err := enc.Encode(h.EfConstruction); err != nil {
		return err
	}
	if err := enc.Encode(h.EntryPoint); err != nil {
		return err
	}
	if err := enc.Encode(h.hasEntry); err != nil {
		return err
	}
	if err := enc.Encode(len(h.Nodes)); err != nil {
		return err
	}
	for _, n := range h.Nodes {
		gn := gobNode{ID: n.ID, Vector: n.Vector, Level: n.Level, Neighbors: n.Neighbors, Deleted: n.Deleted}
		if err := enc.Encode(gn); err != nil {
			return err
		}
	}
	return nil
}

// Load replaces the graph's contents with a stream written by Save.
func (h *HNSW) Load(r io.Reader) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	dec := gob.NewDecoder(r)
	if err := dec.Decode(&h.M); err != nil {
		return err
	}
	h.MaxM = h.M * 2
	h.ML = 1.0 / math.Log(2.0)

	if err := dec.Decode(&h.EfConstruction); err != nil {
		return err
	}
	if err := dec.Decode(&h.EntryPoint); err != nil {
		return err
	}
	if err := dec.Decode(&h.hasEntry); err != nil {
		return err
	}

	var count int
	if err := dec.Decode(&count); err != nil {
		return err
	}
	h.Nodes = make(map[model.ID]*hnswNode, count)
	for i := 0; i < count; i++ {
		var gn gobNode
		if err := dec.Decode(&gn); err != nil {
			return err
		}
		h.Nodes[gn.ID] = &hnswNode{ID: gn.ID, Vector: gn.Vector, Level: gn.Level, Neighbors: gn.Neighbors, Deleted: gn.Deleted}
	}
	return nil
}

// FlatIndex is a brute-force exact index, used as the recall reference for
// HNSW and as the direct index for small corpora where building a graph
// isn't worth it.
type FlatIndex struct {
	mu        sync.RWMutex
	vectors   map[model.ID][]float32
	distFunc  DistFunc
	dim       int
	lastBuild time.Duration
}

// NewFlatIndex creates a brute-force index using CosineDistance, the only
// metric the spec requires. dim is the configured embedding dimension
// (D_p); pass 0 to infer it from the first vector seen.
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{vectors: make(map[model.ID][]float32), distFunc: CosineDistance, dim: dim}
}

// Insert stores a copy of vector under id. Returns an error if vector's
// length doesn't match the index's configured dimension.
func (f *FlatIndex) Insert(id model.ID, vector []float32) error {
	if err := encoding.ValidateVector(vector); err != nil {
		return fmt.Errorf("annindex: node %d: %w", id, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.dim == 0 {
		f.dim = len(vector)
	} else if len(vector) != f.dim {
		return fmt.Errorf("annindex: node %d: vector length %d does not match index dimension %d", id, len(vector), f.dim)
	}

	v := make([]float32, len(vector))
	copy(v, vector)
	f.vectors[id] = v
	return nil
}

// Build replaces the index's contents with a fresh copy of embeddings,
// atomically: validation runs against a scratch map first, so a failed
// build leaves the previous vectors untouched.
func (f *FlatIndex) Build(embeddings map[model.ID][]float32) (BuildStats, error) {
	dim, err := validateBuildInput(embeddings)
	if err != nil {
		return BuildStats{}, err
	}

	f.mu.RLock()
	configuredDim := f.dim
	f.mu.RUnlock()
	if configuredDim != 0 && dim != configuredDim {
		return BuildStats{}, fmt.Errorf("annindex: build: embedding dimension %d does not match configured dimension %d", dim, configuredDim)
	}

	start := time.Now()
	fresh := make(map[model.ID][]float32, len(embeddings))
	for id, vec := range embeddings {
		v := make([]float32, len(vec))
		copy(v, vec)
		fresh[id] = v
	}
	elapsed := time.Since(start)

	f.mu.Lock()
	f.dim = dim
	f.vectors = fresh
	f.lastBuild = elapsed
	f.mu.Unlock()

	return BuildStats{
		VectorCount:     len(embeddings),
		Dimension:       dim,
		BuildTime:       elapsed,
		EstimatedMemory: int64(len(embeddings)) * int64(dim) * 4,
	}, nil
}

// Delete removes id from the index.
func (f *FlatIndex) Delete(id model.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.vectors[id]; !exists {
		return errors.New("annindex: node not found")
	}
	delete(f.vectors, id)
	return nil
}

// Size returns the number of stored vectors.
func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

type flatHeapItem struct {
	id       model.ID
	distance float32
}

type flatMaxHeap []flatHeapItem

func (h flatMaxHeap) Len() int            { return len(h) }
func (h flatMaxHeap) Less(i, j int) bool  { return h[i].distance > h[j].distance }
func (h flatMaxHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *flatMaxHeap) Push(x interface{}) { *h = append(*h, x.(flatHeapItem)) }
func (h *flatMaxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search performs exact k-nearest-neighbor search over every stored
// vector. ef is accepted to satisfy the Index interface but ignored — a
// flat scan always considers every vector.
func (f *FlatIndex) Search(query []float32, k, ef int) ([]model.ID, []float32) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if len(f.vectors) == 0 {
		return []model.ID{}, []float32{}
	}

	h := &flatMaxHeap{}
	heap.Init(h)
	for id, vector := range f.vectors {
		dist := f.distFunc(query, vector)
		if h.Len() < k {
			heap.Push(h, flatHeapItem{id: id, distance: dist})
		} else if h.Len() > 0 && dist < (*h)[0].distance {
			heap.Pop(h)
			heap.Push(h, flatHeapItem{id: id, distance: dist})
		}
	}

	results := make([]flatHeapItem, h.Len())
	for i := len(results) - 1; i >= 0; i-- {
		results[i] = heap.Pop(h).(flatHeapItem)
	}

	ids := make([]model.ID, len(results))
	similarities := make([]float32, len(results))
	for i, item := range results {
		ids[i] = item.id
		sim := 1.0 - item.distance
		if sim < 0 {
			sim = 0
		}
		similarities[i] = sim
	}
	return ids, similarities
}
