// Package normalizer computes per-feature training statistics and applies
// one of several normalization modes to a raw numeric value, adapted from
// the teacher's scalar-quantization min/max fitting but keyed by named
// feature and backed by gonum's statistics routines instead of a hand-rolled
// pass.
package normalizer

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mode selects the normalization formula applied by Normalize.
type Mode int

const (
	// ModeStandardScore normalizes via (v - mean) / std.
	ModeStandardScore Mode = iota
	// ModeMinMax normalizes to [0,1] via (v - min) / (max - min).
	ModeMinMax
	// ModeRobust normalizes via (v - median) / IQR.
	ModeRobust
	// ModeQuantileBucket maps v to one of {0.25, 0.5, 0.75, 1.0} by which
	// quartile it falls into.
	ModeQuantileBucket
)

// ErrUnknownFeature is returned by Normalize when the feature was never
// trained.
var ErrUnknownFeature = errors.New("normalizer: unknown feature")

// Stats holds the training-corpus statistics for one feature.
type Stats struct {
	Mean   float64
	Std    float64
	Min    float64
	Max    float64
	Median float64
	Q25    float64
	Q75    float64
}

// IQR returns the interquartile range, with a small floor to avoid
// division by zero for degenerate (constant-valued) training corpora.
func (s Stats) IQR() float64 {
	iqr := s.Q75 - s.Q25
	if iqr < 1e-9 {
		return 1e-9
	}
	return iqr
}

// Range returns max - min, floored the same way as IQR.
func (s Stats) Range() float64 {
	r := s.Max - s.Min
	if r < 1e-9 {
		return 1e-9
	}
	return r
}

// Normalizer holds trained Stats per named feature and applies one of the
// four normalization modes, with optional outlier clipping.
type Normalizer struct {
	stats            map[string]Stats
	clipEnabled      bool
	outlierThreshold float64
}

// New creates a Normalizer. If clip is true, Normalize clamps its output to
// [-threshold, +threshold].
func New(clip bool, threshold float64) *Normalizer {
	return &Normalizer{
		stats:            make(map[string]Stats),
		clipEnabled:      clip,
		outlierThreshold: threshold,
	}
}

// Train computes and stores Stats for feature from the given training
// values. Values are copied and sorted internally; the caller's slice is
// untouched.
func (n *Normalizer) Train(feature string, values []float64) error {
	if len(values) == 0 {
		return fmt.Errorf("normalizer: no training values for feature %q", feature)
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean := stat.Mean(sorted, nil)
	std := stat.StdDev(sorted, nil)

	n.stats[feature] = Stats{
		Mean:   mean,
		Std:    std,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
		Q25:    stat.Quantile(0.25, stat.Empirical, sorted, nil),
		Q75:    stat.Quantile(0.75, stat.Empirical, sorted, nil),
	}
	return nil
}

// Stats returns the trained statistics for feature, if any.
func (n *Normalizer) Stats(feature string) (Stats, bool) {
	s, ok := n.stats[feature]
	return s, ok
}

// Normalize applies mode to v using feature's trained statistics. Returns
// ErrUnknownFeature if feature was never trained.
func (n *Normalizer) Normalize(feature string, v float64, mode Mode) (float64, error) {
	s, ok := n.stats[feature]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFeature, feature)
	}

	var out float64
	switch mode {
	case ModeStandardScore:
		std := s.Std
		if std < 1e-9 {
			std = 1e-9
		}
		out = (v - s.Mean) / std
	case ModeMinMax:
		out = (v - s.Min) / s.Range()
	case ModeRobust:
		out = (v - s.Median) / s.IQR()
	case ModeQuantileBucket:
		out = quantileBucket(s, v)
	default:
		return 0, fmt.Errorf("normalizer: unknown mode %d", mode)
	}

	if n.clipEnabled {
		if out > n.outlierThreshold {
			out = n.outlierThreshold
		} else if out < -n.outlierThreshold {
			out = -n.outlierThreshold
		}
	}
	return out, nil
}

func quantileBucket(s Stats, v float64) float64 {
	switch {
	case v <= s.Q25:
		return 0.25
	case v <= s.Median:
		return 0.5
	case v <= s.Q75:
		return 0.75
	default:
		return 1.0
	}
}
