package catembed

import "testing"

func TestEmbedKnownCategoryReturnsStableVector(t *testing.T) {
	e := New(6, 2)
	e.Train("property_type", map[string]int{"apartment": 10, "house": 5})

	v1 := e.Embed("property_type", "apartment")
	v2 := e.Embed("property_type", "apartment")
	if len(v1) != 6 {
		t.Fatalf("expected dim 6, got %d", len(v1))
	}
	for i := range v1 {
		if v1[i] != v2[i] {
			t.Fatalf("expected the same category to return the same vector on repeated lookups")
		}
	}
}

func TestEmbedBelowMinFreqFallsBackToUnknown(t *testing.T) {
	e := New(6, 5)
	e.Train("property_type", map[string]int{"rare_type": 1, "common_type": 10})

	rare := e.Embed("property_type", "rare_type")
	unknown := e.Embed("property_type", "never_seen_before")

	for i := range rare {
		if rare[i] != unknown[i] {
			t.Fatal("expected a below-threshold category to share the unknown vector")
		}
	}
}

func TestEmbedDifferentCategoriesDiffer(t *testing.T) {
	e := New(6, 1)
	e.Train("property_type", map[string]int{"apartment": 10, "house": 10})

	a := e.Embed("property_type", "apartment")
	h := e.Embed("property_type", "house")

	same := true
	for i := range a {
		if a[i] != h[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected distinct categories to get distinct embeddings")
	}
}

func TestEmbedUntrainedFeatureReturnsFallback(t *testing.T) {
	e := New(6, 1)
	vec := e.Embed("never_trained_feature", "anything")
	if len(vec) != 6 {
		t.Fatalf("expected fallback vector of dim 6, got %d", len(vec))
	}
}
