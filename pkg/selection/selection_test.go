package selection

import "testing"

type scored struct {
	id    int
	score float64
}

func (s scored) Score() float64 { return s.score }

func uniformItems(n int) []scored {
	out := make([]scored, n)
	for i := 0; i < n; i++ {
		// descending, uniformly spaced on [0,1]
		out[i] = scored{id: i, score: 1.0 - float64(i)/float64(n-1)}
	}
	return out
}

func TestApplyNoFiltersReturnsEverything(t *testing.T) {
	items := uniformItems(10)
	out := Apply(items, Policy{})
	if len(out) != len(items) {
		t.Errorf("expected no filters to pass everything through, got %d of %d", len(out), len(items))
	}
}

func TestApplyMinScoreOnly(t *testing.T) {
	items := uniformItems(10) // scores 1.0, 0.888..., ..., 0.0
	out := Apply(items, Policy{MinScore: 0.5})
	for _, it := range out {
		if it.Score() < 0.5 {
			t.Errorf("expected every result to have score >= min_score, got %v", it.Score())
		}
	}
}

func TestApplyTopKOnly(t *testing.T) {
	items := uniformItems(10)
	out := Apply(items, Policy{TopK: 3})
	if len(out) != 3 {
		t.Errorf("expected exactly 3 results, got %d", len(out))
	}
}

func TestApplyLimitOnly(t *testing.T) {
	items := uniformItems(10)
	out := Apply(items, Policy{Limit: 4})
	if len(out) != 4 {
		t.Errorf("expected exactly 4 results, got %d", len(out))
	}
}

func TestApplyIsMonotoneNonIncreasing(t *testing.T) {
	items := uniformItems(50)
	out := Apply(items, Policy{MinScore: 0.1, ScoreThresholdPercentile: 0.3, TopPercentile: 0.6, TopK: 20, Limit: 15})
	for i := 1; i < len(out); i++ {
		if out[i].Score() > out[i-1].Score() {
			t.Fatalf("expected monotone non-increasing scores, got %v then %v", out[i-1].Score(), out[i].Score())
		}
	}
}

func TestScenarioEComposedSelection(t *testing.T) {
	const n = 1000
	items := make([]scored, n)
	for i := 0; i < n; i++ {
		items[i] = scored{id: i, score: 1.0 - float64(i)/float64(n-1)}
	}

	p := Policy{MinScore: 0.2, ScoreThresholdPercentile: 0.5, TopPercentile: 0.5, TopK: 100, Limit: 50}
	out := Apply(items, p)

	if len(out) != 50 {
		t.Fatalf("expected exactly 50 results, got %d", len(out))
	}

	expected := OutputLength(items, p)
	if expected != 50 {
		t.Errorf("expected OutputLength formula to predict 50, got %d", expected)
	}

	for i := 1; i < len(out); i++ {
		if out[i].Score() > out[i-1].Score() {
			t.Fatalf("expected monotone non-increasing scores, got %v then %v", out[i-1].Score(), out[i].Score())
		}
	}
}

func TestOutputLengthMatchesApplyAcrossCombinations(t *testing.T) {
	items := uniformItems(200)
	policies := []Policy{
		{},
		{MinScore: 0.3},
		{ScoreThresholdPercentile: 0.4},
		{TopPercentile: 0.5},
		{TopK: 30},
		{Limit: 10},
		{MinScore: 0.1, TopK: 50, Limit: 20},
	}
	for _, p := range policies {
		got := len(Apply(items, p))
		want := OutputLength(items, p)
		if got != want {
			t.Errorf("policy %+v: Apply produced %d items, OutputLength predicted %d", p, got, want)
		}
	}
}
