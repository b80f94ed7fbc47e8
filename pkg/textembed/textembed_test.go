package textembed

import (
	"math"
	"testing"
)

func trainedEmbedder(t *testing.T) *Embedder {
	t.Helper()
	e := New(Config{MaxVocabSize: 100, MinWordFreq: 1, Dim: 8})
	e.Train([]string{
		"spacious apartment near downtown",
		"cozy apartment with balcony",
		"large house with garden near park",
		"downtown loft with modern finishes",
	})
	return e
}

func TestTokenizeLowercasesAndStrips(t *testing.T) {
	toks := Tokenize("  Spacious, Apartment! (Near-Downtown) ")
	want := []string{"spacious", "apartment", "near-downtown"}
	// Tokenize splits on whitespace first, so internal punctuation within a
	// single whitespace-delimited field survives; only leading/trailing
	// non-alphanumerics are stripped.
	if len(toks) != len(want) {
		t.Fatalf("expected %d tokens, got %d: %v", len(want), len(toks), toks)
	}
	for i, tok := range toks {
		if tok != want[i] {
			t.Errorf("token %d: expected %q, got %q", i, want[i], tok)
		}
	}
}

func TestTokenizeDropsEmpties(t *testing.T) {
	toks := Tokenize("   -- ...   ")
	if len(toks) != 0 {
		t.Errorf("expected no tokens from punctuation-only input, got %v", toks)
	}
}

func TestEncodeUnknownTextReturnsZeroVector(t *testing.T) {
	e := trainedEmbedder(t)
	vec := e.Encode("zzznonexistentword qqqalsomissing")
	for i, v := range vec {
		if v != 0 {
			t.Fatalf("expected zero vector for fully unknown text, got nonzero at %d: %v", i, vec)
		}
	}
}

func TestEncodeEmptyTextReturnsZeroVector(t *testing.T) {
	e := trainedEmbedder(t)
	vec := e.Encode("")
	for _, v := range vec {
		if v != 0 {
			t.Fatal("expected zero vector for empty text")
		}
	}
}

func TestEncodeDeterministic(t *testing.T) {
	e1 := trainedEmbedder(t)
	e2 := trainedEmbedder(t)

	v1 := e1.Encode("spacious apartment near downtown")
	v2 := e2.Encode("spacious apartment near downtown")

	if len(v1) != len(v2) {
		t.Fatal("expected equal-length vectors from independently trained embedders")
	}
	for i := range v1 {
		if math.Abs(float64(v1[i]-v2[i])) > 1e-9 {
			t.Fatalf("expected identical encodings at index %d: %v vs %v", i, v1[i], v2[i])
		}
	}
}

func TestTrainRespectsMinWordFreq(t *testing.T) {
	e := New(Config{MaxVocabSize: 100, MinWordFreq: 2, Dim: 4})
	e.Train([]string{
		"unique onlyonce",
		"common word appears",
		"common word again",
	})

	if _, ok := e.idf["onlyonce"]; ok {
		t.Error("expected a word appearing in only one document to be dropped")
	}
	if _, ok := e.idf["common"]; !ok {
		t.Error("expected a word appearing in 2+ documents to be kept")
	}
}

func TestTrainRespectsMaxVocabSize(t *testing.T) {
	e := New(Config{MaxVocabSize: 2, MinWordFreq: 1, Dim: 4})
	e.Train([]string{
		"alpha beta gamma delta",
		"alpha beta epsilon",
	})

	if e.VocabSize() > 2 {
		t.Errorf("expected vocab size capped at 2, got %d", e.VocabSize())
	}
}
