// Package selection applies the fixed filter chain spec.md §8 requires to a
// descending-sorted score list: min-score, score-threshold-percentile,
// top-percentile, top-K, then a final hard limit. Order is load-bearing —
// each stage narrows what the next stage's percentile is computed over.
package selection

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Policy is the selection configuration from spec.md §8.
type Policy struct {
	MinScore                float64
	ScoreThresholdPercentile float64 // p1: drop entries below the (1-p1) quantile
	TopPercentile            float64 // p2: keep only the top p2 fraction, rounded up
	TopK                     int
	Limit                    int
}

// Scored is anything the filter chain can rank by Score(); callers apply
// Apply to the index list and then project back to their domain type.
type Scored interface {
	Score() float64
}

// Apply filters and truncates items (already sorted descending by score)
// according to p, returning the surviving prefix. items must already be
// sorted descending; Apply does not re-sort.
func Apply[T Scored](items []T, p Policy) []T {
	s1 := filterMinScore(items, p.MinScore)
	s2 := filterPercentile(s1, p.ScoreThresholdPercentile)

	out := topPercentile(s2, p.TopPercentile, len(s1))
	out = topK(out, p.TopK)
	out = limit(out, p.Limit)
	return out
}

func filterMinScore[T Scored](items []T, minScore float64) []T {
	if minScore <= 0 {
		return items
	}
	out := make([]T, 0, len(items))
	for _, it := range items {
		if it.Score() >= minScore {
			out = append(out, it)
		}
	}
	return out
}

// filterPercentile drops entries scoring below the (1-p1) quantile of the
// input, iff p1 is in (0,1].
func filterPercentile[T Scored](items []T, p1 float64) []T {
	if p1 <= 0 || p1 > 1 || len(items) == 0 {
		return items
	}

	scores := make([]float64, len(items))
	for i, it := range items {
		scores[i] = it.Score()
	}
	sorted := append([]float64(nil), scores...)
	sort.Float64s(sorted)

	cutoff := stat.Quantile(1-p1, stat.Empirical, sorted, nil)

	out := make([]T, 0, len(items))
	for _, it := range items {
		if it.Score() >= cutoff {
			out = append(out, it)
		}
	}
	return out
}

// topPercentile keeps the first ceil(p2 * s1Len) entries of the
// already-descending-sorted input, where s1Len is the size of the
// min-score-filtered set S1 the percentile is computed against (spec.md
// §8), iff p2 is in (0,1].
func topPercentile[T Scored](items []T, p2 float64, s1Len int) []T {
	if p2 <= 0 || p2 >= 1 || len(items) == 0 {
		return items
	}
	n := int(math.Ceil(p2 * float64(s1Len)))
	if n > len(items) {
		n = len(items)
	}
	return items[:n]
}

func topK[T Scored](items []T, k int) []T {
	if k <= 0 || k >= len(items) {
		return items
	}
	return items[:k]
}

func limit[T Scored](items []T, l int) []T {
	if l <= 0 || l >= len(items) {
		return items
	}
	return items[:l]
}

// OutputLength computes the expected output length per spec.md §8's
// formula, for use in tests: min(l, k, ceil(p2*|S1|), |S2|), where S1 is
// items >= minScore and S2 is the percentile-filtered subset of S1.
func OutputLength[T Scored](items []T, p Policy) int {
	s1 := filterMinScore(items, p.MinScore)
	s2 := filterPercentile(s1, p.ScoreThresholdPercentile)

	lengths := []int{len(s2)}
	if p.TopPercentile > 0 && p.TopPercentile < 1 {
		n := int(math.Ceil(p.TopPercentile * float64(len(s1))))
		if n > len(s2) {
			n = len(s2)
		}
		lengths = append(lengths, n)
	}
	if p.TopK > 0 {
		lengths = append(lengths, p.TopK)
	}
	if p.Limit > 0 {
		lengths = append(lengths, p.Limit)
	}

	min := lengths[0]
	for _, l := range lengths[1:] {
		if l < min {
			min = l
		}
	}
	return min
}
