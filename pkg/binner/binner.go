// Package binner implements the neural binner: it maps a numeric feature
// value to a discrete bin index and a learned embedding for that bin,
// adapted from the teacher's scalar-quantization bucket pattern but keyed
// by named feature instead of vector dimension.
package binner

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Canonical feature names the embedding pipeline concatenates, in order.
const (
	FeaturePrice  = "price"
	FeatureArea   = "area"
	FeatureRooms  = "rooms"
	FeatureBudget = "budget"
)

// CanonicalFeatures is the fixed order feature_vector concatenates in.
var CanonicalFeatures = []string{FeaturePrice, FeatureArea, FeatureRooms, FeatureBudget}

// DefaultBoundaries holds the spec's reproducibility-mandated default
// boundary tables, seeded with quantile cutoffs over a representative
// corpus. First boundary is always 0; last is +Inf.
var DefaultBoundaries = map[string][]float64{
	FeaturePrice:  {0, 150_000, 250_000, 350_000, 500_000, 750_000, 1_000_000, math.Inf(1)},
	FeatureArea:   {0, 50, 75, 100, 150, 200, 300, math.Inf(1)},
	FeatureRooms:  {0, 1, 2, 3, 4, 5, 6, math.Inf(1)},
	FeatureBudget: {0, 200_000, 300_000, 400_000, 600_000, 800_000, 1_200_000, math.Inf(1)},
}

// Binner holds, per named numeric feature, an ordered boundary sequence and
// a matrix of learned bin embeddings.
type Binner struct {
	dim        int
	boundaries map[string][]float64
	embeddings map[string][][]float32 // feature -> bin index -> embedding row
	defaultRow []float32
}

// New creates a Binner with embedding dimension dim. Bin embeddings are
// deterministically seeded so training is reproducible across runs.
func New(dim int) *Binner {
	b := &Binner{
		dim:        dim,
		boundaries: make(map[string][]float64),
		embeddings: make(map[string][][]float32),
	}
	for feature, bounds := range DefaultBoundaries {
		b.SetBoundaries(feature, bounds)
	}
	b.defaultRow = seededRow(dim, "__default__")
	return b
}

// SetBoundaries installs a boundary sequence for feature and seeds its
// learned bin embeddings deterministically from the feature name and bin
// index, so repeated calls with the same boundaries reproduce identical
// embeddings.
func (b *Binner) SetBoundaries(feature string, boundaries []float64) {
	nBins := len(boundaries) - 1
	if nBins < 1 {
		nBins = 1
	}
	b.boundaries[feature] = boundaries

	rows := make([][]float32, nBins)
	for i := 0; i < nBins; i++ {
		rows[i] = seededRow(b.dim, fmt.Sprintf("%s#%d", feature, i))
	}
	b.embeddings[feature] = rows
}

// BinIndex returns the unique bin i such that boundaries[i] <= v <
// boundaries[i+1], clamped to [0, n-1]. The final boundary is treated as
// +Inf regardless of its literal value, so any stored inf sentinel works.
func (b *Binner) BinIndex(feature string, v float64) int {
	bounds, ok := b.boundaries[feature]
	if !ok || len(bounds) < 2 {
		return 0
	}

	n := len(bounds) - 1
	// sort.Search finds the first boundary strictly greater than v; the bin
	// containing v is one less than that.
	idx := sort.Search(n, func(i int) bool { return v < bounds[i+1] })

	if idx >= n {
		idx = n - 1
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Embedding returns the learned embedding row for v under feature. Unknown
// features return the fixed default embedding.
func (b *Binner) Embedding(feature string, v float64) []float32 {
	rows, ok := b.embeddings[feature]
	if !ok || len(rows) == 0 {
		return b.defaultRow
	}
	idx := b.BinIndex(feature, v)
	if idx < 0 || idx >= len(rows) {
		return b.defaultRow
	}
	return rows[idx]
}

// FeatureVector concatenates embeddings for the canonical feature list
// (price, area, rooms, budget) in that order. A feature missing from
// values contributes the default row.
func (b *Binner) FeatureVector(values map[string]float64) []float32 {
	out := make([]float32, 0, len(CanonicalFeatures)*b.dim)
	for _, feature := range CanonicalFeatures {
		if v, ok := values[feature]; ok {
			out = append(out, b.Embedding(feature, v)...)
		} else {
			out = append(out, b.defaultRow...)
		}
	}
	return out
}

// Dim returns the per-bin embedding dimension.
func (b *Binner) Dim() int {
	return b.dim
}

// seededRow generates a small deterministic pseudo-random embedding row.
// The seed is derived from a string key so that training is reproducible:
// the same feature/bin always gets the same row.
func seededRow(dim int, key string) []float32 {
	seed := fnvSeed(key)
	r := rand.New(rand.NewSource(seed))
	row := make([]float32, dim)
	for i := range row {
		row[i] = float32(r.NormFloat64()) * 0.1
	}
	return row
}

func fnvSeed(s string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(h)
}
