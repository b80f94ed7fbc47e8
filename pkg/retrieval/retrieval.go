// Package retrieval implements two-stage candidate retrieval: a cheap
// Stage 1 that unions location pre-filter, ANN search, and the similarity
// cache, followed by a precise Stage 2 re-rank through the Scorer. Ported
// from the source's utils/two_stage_retrieval.rs.
package retrieval

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/liliang-cn/propmatch/pkg/annindex"
	"github.com/liliang-cn/propmatch/pkg/featurestore"
	"github.com/liliang-cn/propmatch/pkg/geo"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/scorer"
	"github.com/liliang-cn/propmatch/pkg/weights"
)

// Config controls both stages, matching the source's RetrievalConfig
// defaults.
type Config struct {
	Stage1Candidates     int
	Stage2TopK           int
	AnnEfSearch          int
	SimilarityThreshold  float32
	RerankEnabled        bool
	UseLocationFiltering bool
	MaxDistanceKM        float64
	NeuralEnabled        bool
	NeuralMixAlpha       float64
	GeoGridSizeDegrees   float64
	RebuildThreshold     float64
}

// DefaultConfig matches the source's RetrievalConfig::default().
func DefaultConfig() Config {
	return Config{
		Stage1Candidates:     100,
		Stage2TopK:           20,
		AnnEfSearch:          50,
		SimilarityThreshold:  0.1,
		RerankEnabled:        true,
		UseLocationFiltering: true,
		MaxDistanceKM:        50.0,
		NeuralMixAlpha:       scorer.NeuralMixAlpha,
		GeoGridSizeDegrees:   0.1,
		RebuildThreshold:     1.2,
	}
}

// candidate is a Stage 1 hit before the full Property has been fetched.
type candidate struct {
	propertyID model.ID
	similarity float32
	distance   float64
	source     model.CandidateSource
}

// Stats reports per-stage timings and cache behavior for one Retrieve call.
type Stats struct {
	Stage1Time time.Duration
	Stage2Time time.Duration
	TotalTime  time.Duration
	CacheHits  int
}

// Result is the ranked output of a Retrieve call.
type Result struct {
	Recommendations []model.Recommendation
	Stats           Stats
}

// PropertyLookup resolves a full Property by id, the external read Stage 2
// needs to re-score a candidate.
type PropertyLookup func(id model.ID) (model.Property, bool)

// Engine orchestrates Stage 1 candidate generation and Stage 2 re-ranking
// against a feature store, ANN index, and geo grid.
type Engine struct {
	cfg      Config
	store    *featurestore.Store
	index    annindex.Index
	geoIndex *geo.Index
	adjuster *weights.Adjuster

	indexMu      sync.Mutex
	indexedCount int
}

// NewEngine wires an Engine to its feature store, ANN index, and a geo grid
// built from the property set (a nil/empty properties argument leaves the
// grid empty; callers can still Upsert into it later). adjuster may be nil,
// in which case Scorer uses the static default weights.
func NewEngine(cfg Config, store *featurestore.Store, index annindex.Index, adjuster *weights.Adjuster, properties []model.Property) *Engine {
	gridSize := cfg.GeoGridSizeDegrees
	geoIdx := geo.NewIndex(gridSize)
	for _, p := range properties {
		geoIdx.Upsert(int64(p.ID), geo.Coordinate{Lat: p.Lat, Lon: p.Lon})
	}

	indexedCount := 0
	if index != nil {
		indexedCount = index.Size()
	}

	return &Engine{
		cfg:          cfg,
		store:        store,
		index:        index,
		geoIndex:     geoIdx,
		adjuster:     adjuster,
		indexedCount: indexedCount,
	}
}

// SyncGeoIndex replaces the geo grid's contents with the given properties'
// locations, for callers that build the Engine before the property corpus
// is fully loaded.
func (e *Engine) SyncGeoIndex(properties []model.Property) {
	fresh := geo.NewIndex(e.cfg.GeoGridSizeDegrees)
	for _, p := range properties {
		fresh.Upsert(int64(p.ID), geo.Coordinate{Lat: p.Lat, Lon: p.Lon})
	}
	e.geoIndex = fresh
}

// Stale reports whether the feature store holds enough more properties than
// the ANN index does that a rebuild is due on the next stage1 call, per
// spec.md §3's feature-store/indexed-property ratio threshold.
func (e *Engine) Stale() bool {
	if e.store == nil || e.index == nil || e.cfg.RebuildThreshold <= 0 {
		return false
	}
	e.indexMu.Lock()
	indexed := e.indexedCount
	e.indexMu.Unlock()
	if indexed == 0 {
		return false
	}
	total := e.store.Stats().TotalProperties
	return float64(total)/float64(indexed) > e.cfg.RebuildThreshold
}

// Rebuild replaces the ANN index's contents with every property embedding
// currently in the feature store, atomically, and resets the
// stored-to-indexed ratio Stale checks against.
func (e *Engine) Rebuild() (annindex.BuildStats, error) {
	if e.store == nil || e.index == nil {
		return annindex.BuildStats{}, errors.New("retrieval: rebuild requires both a feature store and an ANN index")
	}
	pairs := e.store.AllPropertyEmbeddings()
	embeddings := make(map[model.ID][]float32, len(pairs))
	for _, p := range pairs {
		embeddings[p.ID] = p.Embedding
	}
	stats, err := e.index.Build(embeddings)
	if err != nil {
		return annindex.BuildStats{}, err
	}
	e.indexMu.Lock()
	e.indexedCount = stats.VectorCount
	e.indexMu.Unlock()
	return stats, nil
}

// maybeRebuild triggers Rebuild when Stale reports the index has fallen
// behind the feature store; a failed rebuild leaves the existing index in
// place and is not fatal to the in-flight request.
func (e *Engine) maybeRebuild() {
	if e.Stale() {
		e.Rebuild()
	}
}

// Retrieve runs Stage 1 candidate generation then, if RerankEnabled,
// Stage 2 re-ranking through lookup for full Property reads.
func (e *Engine) Retrieve(contact model.Contact, contactFeatures model.ContactFeatures, properties []model.Property, lookup PropertyLookup) Result {
	start := time.Now()

	stage1Start := time.Now()
	candidates := e.stage1(contactFeatures, properties)
	stage1Time := time.Since(stage1Start)

	stage2Start := time.Now()
	var recs []model.Recommendation
	var cacheHits int
	if e.cfg.RerankEnabled {
		recs, cacheHits = e.stage2Rerank(contact, contactFeatures, candidates, lookup)
	} else {
		recs = e.stage2NoRerank(candidates, lookup)
	}
	stage2Time := time.Since(stage2Start)

	return Result{
		Recommendations: recs,
		Stats: Stats{
			Stage1Time: stage1Time,
			Stage2Time: stage2Time,
			TotalTime:  time.Since(start),
			CacheHits:  cacheHits,
		},
	}
}

// stage1 unions the location pre-filter, ANN search, and similarity-cache
// candidates, deduplicates by property id keeping the max similarity,
// sorts descending, and truncates to Stage1Candidates.
func (e *Engine) stage1(cf model.ContactFeatures, properties []model.Property) []candidate {
	e.maybeRebuild()

	var all []candidate

	if e.cfg.UseLocationFiltering {
		all = append(all, e.locationFilter(cf, properties)...)
	}
	all = append(all, e.annSearch(cf)...)
	all = append(all, e.similarityCache(cf.ContactID, properties)...)

	deduped := dedupeBySimilarity(all)

	sort.Slice(deduped, func(i, j int) bool { return deduped[i].similarity > deduped[j].similarity })

	if len(deduped) > e.cfg.Stage1Candidates {
		deduped = deduped[:e.cfg.Stage1Candidates]
	}
	return deduped
}

// locationFilter queries the geo grid once per contact location preference,
// narrowing to a handful of grid cells before the exact haversine check
// SearchRadius itself applies, instead of scanning every property.
func (e *Engine) locationFilter(cf model.ContactFeatures, properties []model.Property) []candidate {
	if e.geoIndex == nil {
		return nil
	}

	inCorpus := make(map[model.ID]bool, len(properties))
	for _, p := range properties {
		inCorpus[p.ID] = true
	}

	var out []candidate
	for _, pref := range cf.LocationPrefs {
		if pref.RadiusKM <= 0 {
			continue
		}
		radius := pref.RadiusKM
		if e.cfg.MaxDistanceKM > 0 && e.cfg.MaxDistanceKM < radius {
			radius = e.cfg.MaxDistanceKM
		}

		center := geo.Coordinate{Lat: pref.Lat, Lon: pref.Lon}
		for _, res := range e.geoIndex.SearchRadius(center, radius) {
			id := model.ID(res.Point.ID)
			if !inCorpus[id] {
				continue
			}
			sim := 1.0 - (res.Distance/pref.RadiusKM)*pref.Weight
			if sim < 0 {
				sim = 0
			}
			out = append(out, candidate{
				propertyID: id,
				similarity: float32(sim),
				distance:   res.Distance,
				source:     model.SourceLocationFilter,
			})
		}
	}
	return out
}

func (e *Engine) annSearch(cf model.ContactFeatures) []candidate {
	if e.index == nil || len(cf.PreferenceEmb) == 0 {
		return nil
	}
	ids, sims := e.index.Search(cf.PreferenceEmb, e.cfg.Stage1Candidates, e.cfg.AnnEfSearch)

	out := make([]candidate, 0, len(ids))
	for i, id := range ids {
		if sims[i] < e.cfg.SimilarityThreshold {
			continue
		}
		out = append(out, candidate{propertyID: id, similarity: sims[i], source: model.SourceANN})
	}
	return out
}

func (e *Engine) similarityCache(contactID model.ID, properties []model.Property) []candidate {
	if e.store == nil {
		return nil
	}
	var out []candidate
	for _, prop := range properties {
		if score, ok := e.store.GetCachedSimilarity(contactID, prop.ID); ok {
			out = append(out, candidate{propertyID: prop.ID, similarity: score, source: model.SourceCache})
		}
	}
	return out
}

func dedupeBySimilarity(candidates []candidate) []candidate {
	best := make(map[model.ID]candidate, len(candidates))
	for _, c := range candidates {
		existing, ok := best[c.propertyID]
		if !ok || c.similarity > existing.similarity {
			best[c.propertyID] = c
		}
	}
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	return out
}

// stage2Rerank fetches the full Property for up to Stage2TopK candidates
// and recomputes the Scorer's overall score, caching the result.
func (e *Engine) stage2Rerank(contact model.Contact, cf model.ContactFeatures, candidates []candidate, lookup PropertyLookup) ([]model.Recommendation, int) {
	top := candidates
	if len(top) > e.cfg.Stage2TopK {
		top = top[:e.cfg.Stage2TopK]
	}

	cacheHits := 0
	recs := make([]model.Recommendation, 0, len(top))
	for _, c := range top {
		prop, ok := lookup(c.propertyID)
		if !ok {
			continue
		}

		w := weights.DefaultWeights()
		if e.adjuster != nil {
			w = e.adjuster.Adjust(trendKey(contact), string(prop.PropertyType))
		}

		var result scorer.Result
		if e.cfg.NeuralEnabled {
			pf, hasPF := e.propertyEmbedding(prop.ID)
			if hasPF {
				result = scorer.NeuralScore(prop, contact, w, pf, cf.PreferenceEmb, e.cfg.NeuralMixAlpha)
			} else {
				result = scorer.Score(prop, contact, w)
			}
		} else {
			result = scorer.Score(prop, contact, w)
		}

		if e.store != nil {
			if _, ok := e.store.GetCachedSimilarity(contact.ID, prop.ID); ok {
				cacheHits++
			}
			e.store.CacheSimilarity(contact.ID, prop.ID, float32(result.Overall))
		}

		recs = append(recs, model.Recommendation{
			Property:  prop,
			ContactID: contact.ID,
			Score:     result.Overall,
			Explain:   result.Explain,
			Source:    c.source,
		})
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	if len(recs) > e.cfg.Stage2TopK {
		recs = recs[:e.cfg.Stage2TopK]
	}
	return recs, cacheHits
}

// trendKey derives the location half of the weight adjuster's
// (location, property_type) lookup key from a contact's highest-weighted
// preferred location, since the domain model carries no canonical
// location name. Empty when the contact has no preferred locations.
func trendKey(contact model.Contact) string {
	if len(contact.PreferredLocations) == 0 {
		return ""
	}
	best := contact.PreferredLocations[0]
	for _, pref := range contact.PreferredLocations[1:] {
		if pref.Weight > best.Weight {
			best = pref
		}
	}
	return strconv.Itoa(best.LocationID)
}

func (e *Engine) propertyEmbedding(id model.ID) ([]float32, bool) {
	if e.store == nil {
		return nil, false
	}
	pf, ok := e.store.GetProperty(id)
	if !ok {
		return nil, false
	}
	return pf.Embedding, true
}

// stage2NoRerank emits Recommendations directly from Stage 1 similarity,
// with a stub explanation, when re-ranking is disabled.
func (e *Engine) stage2NoRerank(candidates []candidate, lookup PropertyLookup) []model.Recommendation {
	top := candidates
	if len(top) > e.cfg.Stage2TopK {
		top = top[:e.cfg.Stage2TopK]
	}

	recs := make([]model.Recommendation, 0, len(top))
	for _, c := range top {
		prop, ok := lookup(c.propertyID)
		if !ok {
			continue
		}
		recs = append(recs, model.Recommendation{
			Property: prop,
			Score:    float64(c.similarity),
			Explain: model.Explanation{
				Reasons: []string{"stage 1 similarity match (re-ranking disabled)"},
			},
			Source: c.source,
		})
	}
	return recs
}
