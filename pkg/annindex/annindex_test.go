package annindex

import (
	"math"
	"math/rand"
	"testing"

	"github.com/liliang-cn/propmatch/pkg/model"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestCosineDistanceZeroNormNeverNaN(t *testing.T) {
	zero := []float32{0, 0, 0}
	nonZero := []float32{1, 2, 3}

	d := CosineDistance(zero, nonZero)
	if math.IsNaN(float64(d)) {
		t.Fatal("expected CosineDistance to never return NaN for a zero-norm vector")
	}
	if d != 1.0 {
		t.Errorf("expected distance 1.0 between a zero vector and any vector, got %v", d)
	}

	d2 := CosineDistance(zero, zero)
	if math.IsNaN(float64(d2)) || d2 != 1.0 {
		t.Errorf("expected distance 1.0 between two zero vectors, got %v", d2)
	}
}

func TestCosineSimilarityNeverNegative(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{-1, 0}
	sim := CosineSimilarity(a, b)
	if sim < 0 {
		t.Errorf("expected similarity clamped to >= 0, got %v", sim)
	}
}

func TestCosineSimilarityIdenticalVectorsIsOne(t *testing.T) {
	a := []float32{1, 2, 3}
	sim := CosineSimilarity(a, a)
	if math.Abs(float64(sim-1.0)) > 1e-5 {
		t.Errorf("expected similarity ~1.0 for identical vectors, got %v", sim)
	}
}

func TestFlatIndexInsertSearchAndDelete(t *testing.T) {
	idx := NewFlatIndex(0)
	idx.Insert(1, []float32{1, 0, 0})
	idx.Insert(2, []float32{0, 1, 0})
	idx.Insert(3, []float32{0.9, 0.1, 0})

	ids, sims := idx.Search([]float32{1, 0, 0}, 2, 10)
	if len(ids) != 2 {
		t.Fatalf("expected 2 results, got %d", len(ids))
	}
	if ids[0] != 1 {
		t.Errorf("expected closest id 1, got %d", ids[0])
	}
	if sims[0] < sims[1] {
		t.Error("expected results ordered by descending similarity")
	}

	if err := idx.Delete(1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if idx.Size() != 2 {
		t.Errorf("expected size 2 after delete, got %d", idx.Size())
	}
}

func TestHNSWInsertAndSearchFindsSelf(t *testing.T) {
	idx := NewHNSW(8, 32, CosineDistance, 0)
	rng := rand.New(rand.NewSource(1))

	vectors := make(map[model.ID][]float32)
	for i := model.ID(1); i <= 50; i++ {
		v := randomVector(rng, 16)
		vectors[i] = v
		if err := idx.Insert(i, v); err != nil {
			t.Fatalf("Insert(%d) failed: %v", i, err)
		}
	}

	ids, _ := idx.Search(vectors[10], 1, 20)
	if len(ids) != 1 || ids[0] != 10 {
		t.Errorf("expected searching a stored vector to return itself first, got %v", ids)
	}
}

func TestHNSWDeleteRemovesFromResults(t *testing.T) {
	idx := NewHNSW(8, 32, CosineDistance, 0)
	idx.Insert(1, []float32{1, 0, 0})
	idx.Insert(2, []float32{0.9, 0.1, 0})
	idx.Insert(3, []float32{0, 1, 0})

	if err := idx.Delete(1); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	ids, _ := idx.Search([]float32{1, 0, 0}, 3, 20)
	for _, id := range ids {
		if id == 1 {
			t.Error("expected deleted node to be excluded from search results")
		}
	}
}

func TestHNSWRecallAgainstBruteForce(t *testing.T) {
	const n = 300
	const dim = 32
	const k = 10
	const ef = 50

	rng := rand.New(rand.NewSource(42))

	hnsw := NewHNSW(16, 100, CosineDistance, 0)
	flat := NewFlatIndex(0)

	for i := model.ID(1); i <= n; i++ {
		v := randomVector(rng, dim)
		hnsw.Insert(i, v)
		flat.Insert(i, v)
	}

	const queries = 20
	var totalRecall float64
	for q := 0; q < queries; q++ {
		query := randomVector(rng, dim)

		approxIDs, _ := hnsw.Search(query, k, ef)
		exactIDs, _ := flat.Search(query, k, ef)

		exactSet := make(map[model.ID]bool, len(exactIDs))
		for _, id := range exactIDs {
			exactSet[id] = true
		}

		hits := 0
		for _, id := range approxIDs {
			if exactSet[id] {
				hits++
			}
		}
		totalRecall += float64(hits) / float64(len(exactIDs))
	}

	avgRecall := totalRecall / float64(queries)
	if avgRecall < 0.9 {
		t.Errorf("expected average recall@%d >= 0.9 against brute force with ef=%d, got %v", k, ef, avgRecall)
	}
}

func TestFlatIndexSearchEmptyIndex(t *testing.T) {
	idx := NewFlatIndex(0)
	ids, sims := idx.Search([]float32{1, 2, 3}, 5, 10)
	if len(ids) != 0 || len(sims) != 0 {
		t.Errorf("expected empty results from an empty index, got %v / %v", ids, sims)
	}
}

func TestHNSWBuildRejectsDimensionMismatch(t *testing.T) {
	idx := NewHNSW(8, 32, CosineDistance, 4)
	embeddings := map[model.ID][]float32{
		1: {1, 0, 0, 0},
		2: {0, 1, 0}, // wrong length
	}
	if _, err := idx.Build(embeddings); err == nil {
		t.Fatal("expected Build to reject a vector whose length doesn't match the configured dimension")
	}
}

func TestHNSWBuildReplacesExistingGraphAtomically(t *testing.T) {
	idx := NewHNSW(8, 32, CosineDistance, 0)
	if err := idx.Insert(99, []float32{1, 1, 1}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	embeddings := map[model.ID][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
		3: {0, 0, 1},
	}
	stats, err := idx.Build(embeddings)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if stats.VectorCount != 3 || stats.Dimension != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.EstimatedMemory <= 0 {
		t.Error("expected a positive memory estimate")
	}
	if idx.Size() != 3 {
		t.Errorf("expected the built graph to replace the prior contents, got size %d", idx.Size())
	}
	ids, _ := idx.Search([]float32{1, 0, 0}, 1, 10)
	if len(ids) != 1 || ids[0] == 99 {
		t.Error("expected the pre-build node to be gone after Build replaced the graph")
	}
}

func TestFlatIndexBuildRejectsEmptyInput(t *testing.T) {
	idx := NewFlatIndex(0)
	if _, err := idx.Build(nil); err == nil {
		t.Fatal("expected Build to reject an empty embedding set")
	}
}

func TestFlatIndexBuildReplacesExistingVectors(t *testing.T) {
	idx := NewFlatIndex(0)
	idx.Insert(99, []float32{1, 1, 1})

	embeddings := map[model.ID][]float32{
		1: {1, 0, 0},
		2: {0, 1, 0},
	}
	stats, err := idx.Build(embeddings)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if stats.VectorCount != 2 {
		t.Errorf("expected VectorCount 2, got %d", stats.VectorCount)
	}
	if idx.Size() != 2 {
		t.Errorf("expected Build to replace the prior vectors, got size %d", idx.Size())
	}
}
