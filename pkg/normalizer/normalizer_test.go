package normalizer

import (
	"errors"
	"math"
	"testing"
)

func trainedPrice(t *testing.T) *Normalizer {
	t.Helper()
	n := New(false, 3.0)
	values := []float64{100_000, 150_000, 200_000, 250_000, 300_000, 350_000, 400_000}
	if err := n.Train("price", values); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	return n
}

func TestNormalizeUnknownFeature(t *testing.T) {
	n := New(false, 3.0)
	_, err := n.Normalize("does_not_exist", 1.0, ModeStandardScore)
	if !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestNormalizeStandardScoreAtMean(t *testing.T) {
	n := trainedPrice(t)
	s, _ := n.Stats("price")

	out, err := n.Normalize("price", s.Mean, ModeStandardScore)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(out) > 1e-6 {
		t.Errorf("expected standard score of 0 at the mean, got %v", out)
	}
}

func TestNormalizeMinMaxBounds(t *testing.T) {
	n := trainedPrice(t)
	s, _ := n.Stats("price")

	min, _ := n.Normalize("price", s.Min, ModeMinMax)
	max, _ := n.Normalize("price", s.Max, ModeMinMax)
	if math.Abs(min) > 1e-6 {
		t.Errorf("expected min-max of min value to be 0, got %v", min)
	}
	if math.Abs(max-1) > 1e-6 {
		t.Errorf("expected min-max of max value to be 1, got %v", max)
	}
}

func TestNormalizeRobustAtMedian(t *testing.T) {
	n := trainedPrice(t)
	s, _ := n.Stats("price")

	out, _ := n.Normalize("price", s.Median, ModeRobust)
	if math.Abs(out) > 1e-6 {
		t.Errorf("expected robust score of 0 at the median, got %v", out)
	}
}

func TestNormalizeQuantileBucket(t *testing.T) {
	n := trainedPrice(t)
	s, _ := n.Stats("price")

	if v, _ := n.Normalize("price", s.Q25, ModeQuantileBucket); v != 0.25 {
		t.Errorf("expected bucket 0.25 at Q25, got %v", v)
	}
	if v, _ := n.Normalize("price", s.Max+1, ModeQuantileBucket); v != 1.0 {
		t.Errorf("expected bucket 1.0 above Q75, got %v", v)
	}
}

func TestNormalizeOutlierClipping(t *testing.T) {
	n := New(true, 2.0)
	if err := n.Train("price", []float64{100, 100, 100, 100, 101}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	out, err := n.Normalize("price", 1_000_000, ModeStandardScore)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != 2.0 {
		t.Errorf("expected clipped output of 2.0, got %v", out)
	}

	out, _ = n.Normalize("price", -1_000_000, ModeStandardScore)
	if out != -2.0 {
		t.Errorf("expected clipped output of -2.0, got %v", out)
	}
}

func TestNormalizeConstantFeatureNoDivideByZero(t *testing.T) {
	n := New(false, 3.0)
	if err := n.Train("flat", []float64{5, 5, 5, 5, 5}); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	out, err := n.Normalize("flat", 5, ModeMinMax)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.IsNaN(out) || math.IsInf(out, 0) {
		t.Errorf("expected finite output for constant feature, got %v", out)
	}
}

func TestTrainEmptyValues(t *testing.T) {
	n := New(false, 3.0)
	if err := n.Train("price", nil); err == nil {
		t.Error("expected error training on an empty corpus")
	}
}
