// Package textembed trains a bounded TF-IDF vocabulary over property text
// and encodes text as the weighted mean of per-word deterministic vectors,
// adapted from the teacher's semantic-router TF-IDF fitting
// (`pkg/semantic-router/sparse.go`) and its hash-seeded mock embedder
// (`pkg/semantic-router/embedder.go`).
package textembed

import (
	"math"
	"math/rand"
	"strings"
	"unicode"
)

// Config controls vocabulary training limits.
type Config struct {
	MaxVocabSize int
	MinWordFreq  int // minimum number of distinct documents a word must appear in
	Dim          int
}

// DefaultConfig returns reasonable training limits.
func DefaultConfig(dim int) Config {
	return Config{MaxVocabSize: 5000, MinWordFreq: 2, Dim: dim}
}

type wordDF struct {
	word string
	df   int
}

// Embedder trains a TF-IDF vocabulary and encodes text as the IDF-weighted
// mean of deterministic per-word vectors.
type Embedder struct {
	cfg     Config
	idf     map[string]float64
	vectors map[string][]float32
}

// New creates an untrained Embedder.
func New(cfg Config) *Embedder {
	return &Embedder{
		cfg:     cfg,
		idf:     make(map[string]float64),
		vectors: make(map[string][]float32),
	}
}

// Dim returns the embedding dimension.
func (e *Embedder) Dim() int { return e.cfg.Dim }

// Train fits the vocabulary and IDF table over a corpus of documents,
// discarding words occurring in fewer than MinWordFreq documents and
// keeping at most MaxVocabSize words by descending document frequency.
func (e *Embedder) Train(documents []string) {
	docFreq := make(map[string]int)
	n := len(documents)

	for _, doc := range documents {
		seen := make(map[string]bool)
		for _, tok := range Tokenize(doc) {
			if !seen[tok] {
				seen[tok] = true
				docFreq[tok]++
			}
		}
	}

	var candidates []wordDF
	for w, df := range docFreq {
		if df >= e.cfg.MinWordFreq {
			candidates = append(candidates, wordDF{w, df})
		}
	}

	// Keep the most frequent words first when trimming to MaxVocabSize, the
	// same priority the teacher's vocabulary-building loop implicitly gives
	// high-document-frequency terms by never evicting early entries.
	sortByDFDesc(candidates)
	if e.cfg.MaxVocabSize > 0 && len(candidates) > e.cfg.MaxVocabSize {
		candidates = candidates[:e.cfg.MaxVocabSize]
	}

	e.idf = make(map[string]float64, len(candidates))
	e.vectors = make(map[string][]float32, len(candidates))
	for _, c := range candidates {
		e.idf[c.word] = idfOf(n, c.df)
		e.vectors[c.word] = seededVector(e.cfg.Dim, c.word)
	}
}

func idfOf(n, df int) float64 {
	if df <= 0 {
		return 0
	}
	return math.Log(float64(n) / float64(df))
}

// Encode returns the TF-IDF-weighted mean of the trained token vectors
// found in text. Unknown tokens are skipped; if the total weight is zero
// (e.g. every token is unknown, or the text is empty), the zero vector is
// returned.
func (e *Embedder) Encode(text string) []float32 {
	out := make([]float32, e.cfg.Dim)

	termFreq := make(map[string]int)
	for _, tok := range Tokenize(text) {
		termFreq[tok]++
	}

	var weightSum float64
	for term, tf := range termFreq {
		idf, ok := e.idf[term]
		if !ok {
			continue
		}
		weight := float64(tf) * idf
		if weight <= 0 {
			continue
		}
		vec := e.vectors[term]
		for i, v := range vec {
			out[i] += float32(weight) * v
		}
		weightSum += weight
	}

	if weightSum == 0 {
		return out
	}
	inv := float32(1.0 / weightSum)
	for i := range out {
		out[i] *= inv
	}
	return out
}

// VocabSize returns the number of words retained after training.
func (e *Embedder) VocabSize() int { return len(e.idf) }

// Tokenize lowercases, splits on whitespace, and strips leading/trailing
// non-alphanumeric characters from each token, dropping empties.
func Tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		trimmed := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// seededVector generates a small deterministic pseudo-random vector for
// word, seeded from the word itself so training is reproducible.
func seededVector(dim int, word string) []float32 {
	r := rand.New(rand.NewSource(fnvSeed(word)))
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(r.NormFloat64()) * 0.1
	}
	return vec
}

func fnvSeed(s string) int64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return int64(h)
}

func sortByDFDesc(words []wordDF) {
	for i := 1; i < len(words); i++ {
		j := i
		for j > 0 && words[j-1].df < words[j].df {
			words[j-1], words[j] = words[j], words[j-1]
			j--
		}
	}
}
