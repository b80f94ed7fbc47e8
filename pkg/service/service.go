// Package service implements the Recommendation Service: the three public
// operations (by-contact, advanced-by-contact, bulk-by-property), a result
// cache, performance-mode latency budgets, advanced-to-classic fallback,
// and a global concurrency semaphore. Grounded on the teacher's top-level
// orchestration style in pkg/core/store.go and the source's
// services/recommendation.rs + advanced_recommendation.rs.
package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/liliang-cn/propmatch/pkg/featurestore"
	"github.com/liliang-cn/propmatch/pkg/logging"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/pipeline"
	"github.com/liliang-cn/propmatch/pkg/repository"
	"github.com/liliang-cn/propmatch/pkg/retrieval"
	"github.com/liliang-cn/propmatch/pkg/scorer"
	"github.com/liliang-cn/propmatch/pkg/selection"
	"github.com/liliang-cn/propmatch/pkg/weights"
)

// PerformanceMode selects the latency target for advanced recommendations.
type PerformanceMode int

const (
	ModeFast PerformanceMode = iota
	ModeBalanced
	ModeAccurate
)

// latencyBudget returns the target latency for mode (spec.md §4.11).
func (m PerformanceMode) latencyBudget() time.Duration {
	switch m {
	case ModeFast:
		return 5 * time.Millisecond
	case ModeAccurate:
		return 20 * time.Millisecond
	default:
		return 10 * time.Millisecond
	}
}

// Filters are request-level narrowing criteria applied after ranking.
type Filters struct {
	BudgetMin, BudgetMax float64
	AcceptedTypes        map[model.PropertyType]bool
	MaxDistanceKM        float64
}

func (f Filters) apply(recs []model.Recommendation) []model.Recommendation {
	if f.BudgetMax == 0 && len(f.AcceptedTypes) == 0 && f.MaxDistanceKM == 0 {
		return recs
	}
	out := make([]model.Recommendation, 0, len(recs))
	for _, r := range recs {
		if f.BudgetMax > 0 && (r.Property.Price < f.BudgetMin || r.Property.Price > f.BudgetMax) {
			continue
		}
		if len(f.AcceptedTypes) > 0 && !f.AcceptedTypes[r.Property.PropertyType] {
			continue
		}
		if f.MaxDistanceKM > 0 && r.Explain.DistanceToClosestKM > f.MaxDistanceKM {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Response is the result of get_recommendations_for_contact.
type Response struct {
	Recommendations []model.Recommendation
	FromCache       bool
}

// Metadata reports advanced-request performance outcomes.
type Metadata struct {
	Stage1TimeMS   float64
	Stage2TimeMS   float64
	TotalTimeMS    float64
	TargetMS       float64
	TargetAchieved bool
	UsedFallback   bool
}

// AdvancedResponse is the result of get_advanced_recommendations.
type AdvancedResponse struct {
	Recommendations []model.Recommendation
	Metadata        Metadata
}

// BulkEntry is one property's ranked contact list.
type BulkEntry struct {
	PropertyID model.ID
	Contacts   []model.Recommendation
}

// BulkResponse is the result of get_bulk_recommendations.
type BulkResponse struct {
	Entries []BulkEntry
}

// Config controls cache sizing and concurrency backpressure.
type Config struct {
	ResultCacheSize      int
	ResultCacheTTL       time.Duration
	MaxConcurrentRequests int64
}

// DefaultConfig matches spec.md §5/§6 defaults.
func DefaultConfig() Config {
	return Config{
		ResultCacheSize:       1000,
		ResultCacheTTL:        30 * time.Second,
		MaxConcurrentRequests: 64,
	}
}

type cacheEntry struct {
	response  Response
	expiresAt time.Time
}

// Service is the top-level Recommendation Service: it owns the property
// and contact repositories, the feature store, the embedding pipeline, the
// retrieval engine, and the result cache, per spec.md §9's design notes.
type Service struct {
	cfg        Config
	properties repository.PropertyRepository
	contacts   repository.ContactRepository
	retrieval  *retrieval.Engine
	store      *featurestore.Store
	pipeline   *pipeline.Pipeline
	adjuster   *weights.Adjuster
	log        logging.Logger

	cache *lru.Cache[string, cacheEntry]
	sem   *semaphore.Weighted

	fallbackCount int64
}

// New wires a Service to its repositories, feature store, embedding
// pipeline, and retrieval engine. store and pl may be nil: neural scoring
// then falls back to the classic per-property scorer, and advanced mode
// runs retrieval with empty contact features.
func New(cfg Config, properties repository.PropertyRepository, contacts repository.ContactRepository, retrievalEngine *retrieval.Engine, store *featurestore.Store, pl *pipeline.Pipeline, adjuster *weights.Adjuster, log logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.Nop()
	}
	cache, err := lru.New[string, cacheEntry](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("service: creating result cache: %w", err)
	}
	return &Service{
		cfg:        cfg,
		properties: properties,
		contacts:   contacts,
		retrieval:  retrievalEngine,
		store:      store,
		pipeline:   pl,
		adjuster:   adjuster,
		log:        log,
		cache:      cache,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrentRequests),
	}, nil
}

// contactFeatures resolves ContactFeatures for contact, preferring the
// feature store's cache and falling back to the embedding pipeline to
// encode-and-cache it when the store has nothing for this contact yet.
func (s *Service) contactFeatures(contact model.Contact) (model.ContactFeatures, bool) {
	if s.store != nil {
		if cf, ok := s.store.GetContact(contact.ID); ok {
			return cf, true
		}
	}
	if s.pipeline == nil || !s.pipeline.Trained() {
		return model.ContactFeatures{}, false
	}
	cf, err := s.pipeline.EncodeContact(contact)
	if err != nil {
		return model.ContactFeatures{}, false
	}
	if s.store != nil {
		s.store.StoreContact(cf)
	}
	return cf, true
}

// propertyEmbedding looks up a property's stored embedding, for neural
// scoring's cosine-similarity mix.
func (s *Service) propertyEmbedding(id model.ID) ([]float32, bool) {
	if s.store == nil {
		return nil, false
	}
	pf, ok := s.store.GetProperty(id)
	if !ok {
		return nil, false
	}
	return pf.Embedding, true
}

// GetRecommendationsForContact scores every active property for contact,
// applies the selection policy, and caches the result keyed by all inputs.
func (s *Service) GetRecommendationsForContact(ctx context.Context, contactID model.ID, filters Filters, p selection.Policy, neural bool) (Response, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return Response{}, model.NewError("GetRecommendationsForContact", model.KindOverloaded, model.ErrOverloaded)
	}
	defer s.sem.Release(1)

	key := cacheKey(contactID, filters, p, neural)
	if entry, ok := s.cache.Get(key); ok && time.Now().Before(entry.expiresAt) {
		return Response{Recommendations: entry.response.Recommendations, FromCache: true}, nil
	}

	contact, err := s.contacts.GetContact(ctx, contactID)
	if err != nil {
		return Response{}, model.Wrap("GetRecommendationsForContact", err)
	}

	properties, err := s.properties.ActiveProperties(ctx)
	if err != nil {
		return Response{}, model.Wrap("GetRecommendationsForContact", err)
	}

	var cf model.ContactFeatures
	if neural {
		cf, _ = s.contactFeatures(contact)
	}

	recs, err := s.scoreParallel(ctx, properties, contact, cf, neural)
	if err != nil {
		return Response{}, model.Wrap("GetRecommendationsForContact", err)
	}

	recs = filters.apply(recs)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	selected := selection.Apply(wrapScored(recs), p)
	result := unwrapScored(selected)

	response := Response{Recommendations: result}
	s.cache.Add(key, cacheEntry{response: response, expiresAt: time.Now().Add(s.cfg.ResultCacheTTL)})
	return response, nil
}

// scoreParallel scores every property against contact concurrently via
// errgroup, one goroutine per property — embarrassingly parallel. Weights
// are adjusted per property type since market trends are keyed by
// (location, property_type). When neural is true and both a property
// embedding and the contact's preference embedding are available, scoring
// mixes in cosine similarity via scorer.NeuralScore, mirroring
// retrieval.Engine.stage2Rerank's NeuralEnabled branch; otherwise it falls
// back to the classic scorer.Score.
func (s *Service) scoreParallel(ctx context.Context, properties []model.Property, contact model.Contact, cf model.ContactFeatures, neural bool) ([]model.Recommendation, error) {
	recs := make([]model.Recommendation, len(properties))
	locationKey := trendLocationKey(contact)

	g, gctx := errgroup.WithContext(ctx)
	for i, prop := range properties {
		i, prop := i, prop
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			w := weights.DefaultWeights()
			if s.adjuster != nil {
				w = s.adjuster.Adjust(locationKey, string(prop.PropertyType))
			}

			var result scorer.Result
			if neural && len(cf.PreferenceEmb) > 0 {
				if pf, ok := s.propertyEmbedding(prop.ID); ok {
					result = scorer.NeuralScore(prop, contact, w, pf, cf.PreferenceEmb, scorer.NeuralMixAlpha)
				} else {
					result = scorer.Score(prop, contact, w)
				}
			} else {
				result = scorer.Score(prop, contact, w)
			}

			recs[i] = model.Recommendation{
				Property:  prop,
				ContactID: contact.ID,
				Score:     result.Overall,
				Explain:   result.Explain,
				Source:    model.SourceClassic,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, model.NewError("scoreParallel", model.KindInternalError, err)
	}
	return recs, nil
}

// GetAdvancedRecommendations attempts two-stage retrieval within mode's
// latency target; on UpstreamError/Timeout it falls back to the classic
// path and sets Metadata.UsedFallback. Contact features are resolved
// internally from the feature store/embedding pipeline the Service owns
// (spec.md §9) rather than supplied by the caller.
func (s *Service) GetAdvancedRecommendations(ctx context.Context, contactID model.ID, mode PerformanceMode, filters Filters, p selection.Policy) (AdvancedResponse, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return AdvancedResponse{}, model.NewError("GetAdvancedRecommendations", model.KindOverloaded, model.ErrOverloaded)
	}
	defer s.sem.Release(1)

	budget := mode.latencyBudget()
	start := time.Now()

	contact, err := s.contacts.GetContact(ctx, contactID)
	if err != nil {
		wrapped := model.Wrap("GetAdvancedRecommendations", err)
		if model.IsFallbackEligible(wrapped) {
			return s.fallbackAdvancedByID(ctx, contactID, filters, p, budget, start)
		}
		return AdvancedResponse{}, wrapped
	}

	properties, err := s.properties.ActiveProperties(ctx)
	if err != nil {
		if model.IsFallbackEligible(model.Wrap("GetAdvancedRecommendations", err)) {
			return s.fallbackAdvanced(ctx, contact, filters, p, budget, start)
		}
		return AdvancedResponse{}, model.Wrap("GetAdvancedRecommendations", err)
	}

	if s.retrieval == nil {
		return s.fallbackAdvanced(ctx, contact, filters, p, budget, start)
	}

	contactFeatures, _ := s.contactFeatures(contact)

	lookup := func(id model.ID) (model.Property, bool) {
		for _, prop := range properties {
			if prop.ID == id {
				return prop, true
			}
		}
		return model.Property{}, false
	}

	result := s.retrieval.Retrieve(contact, contactFeatures, properties, lookup)
	recs := filters.apply(result.Recommendations)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	selected := unwrapScored(selection.Apply(wrapScored(recs), p))

	total := time.Since(start)
	return AdvancedResponse{
		Recommendations: selected,
		Metadata: Metadata{
			Stage1TimeMS:   float64(result.Stats.Stage1Time.Microseconds()) / 1000,
			Stage2TimeMS:   float64(result.Stats.Stage2Time.Microseconds()) / 1000,
			TotalTimeMS:    float64(total.Microseconds()) / 1000,
			TargetMS:       float64(budget.Microseconds()) / 1000,
			TargetAchieved: total <= budget,
		},
	}, nil
}

// fallbackAdvancedByID handles a contact-fetch failure in
// GetAdvancedRecommendations (spec Scenario D): it retries the contact
// fetch inside the fallback path itself, since the advanced path's own
// attempt is what triggered the fallback in the first place.
func (s *Service) fallbackAdvancedByID(ctx context.Context, contactID model.ID, filters Filters, p selection.Policy, budget time.Duration, start time.Time) (AdvancedResponse, error) {
	contact, err := s.contacts.GetContact(ctx, contactID)
	if err != nil {
		return AdvancedResponse{}, model.Wrap("fallbackAdvanced", err)
	}
	return s.fallbackAdvanced(ctx, contact, filters, p, budget, start)
}

// fallbackAdvanced runs the classic per-property scorer path and marks
// UsedFallback, incrementing the service's fallback counter.
func (s *Service) fallbackAdvanced(ctx context.Context, contact model.Contact, filters Filters, p selection.Policy, budget time.Duration, start time.Time) (AdvancedResponse, error) {
	s.fallbackCount++
	s.log.Warn("advanced retrieval failed, falling back to classic scorer", "contact_id", contact.ID)

	properties, err := s.properties.ActiveProperties(ctx)
	if err != nil {
		return AdvancedResponse{}, model.Wrap("fallbackAdvanced", err)
	}

	recs, err := s.scoreParallel(ctx, properties, contact, model.ContactFeatures{}, false)
	if err != nil {
		return AdvancedResponse{}, model.Wrap("fallbackAdvanced", err)
	}

	recs = filters.apply(recs)
	sort.Slice(recs, func(i, j int) bool { return recs[i].Score > recs[j].Score })
	selected := unwrapScored(selection.Apply(wrapScored(recs), p))

	total := time.Since(start)
	return AdvancedResponse{
		Recommendations: selected,
		Metadata: Metadata{
			TotalTimeMS:    float64(total.Microseconds()) / 1000,
			TargetMS:       float64(budget.Microseconds()) / 1000,
			TargetAchieved: total <= budget,
			UsedFallback:   true,
		},
	}, nil
}

// FallbackCount reports how many advanced requests have fallen back to the
// classic scorer path so far.
func (s *Service) FallbackCount() int64 { return s.fallbackCount }

// GetBulkRecommendations ranks contacts against each requested property
// (or every active property, if propertyIDs is empty), applying
// perPropertyLimit and the selection policy to each property's list.
func (s *Service) GetBulkRecommendations(ctx context.Context, propertyIDs []model.ID, contacts []model.Contact, perPropertyLimit int, p selection.Policy) (BulkResponse, error) {
	var properties []model.Property
	var err error
	if len(propertyIDs) > 0 {
		properties, err = s.properties.GetProperties(ctx, propertyIDs)
	} else {
		properties, err = s.properties.ActiveProperties(ctx)
	}
	if err != nil {
		return BulkResponse{}, model.Wrap("GetBulkRecommendations", err)
	}

	entries := make([]BulkEntry, len(properties))
	g, gctx := errgroup.WithContext(ctx)
	for i, prop := range properties {
		i, prop := i, prop
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			recs := make([]model.Recommendation, len(contacts))
			for j, c := range contacts {
				w := weights.DefaultWeights()
				if s.adjuster != nil {
					w = s.adjuster.Adjust(trendLocationKey(c), string(prop.PropertyType))
				}
				result := scorer.Score(prop, c, w)
				recs[j] = model.Recommendation{
					Property:  prop,
					ContactID: c.ID,
					Score:     result.Overall,
					Explain:   result.Explain,
					Source:    model.SourceClassic,
				}
			}
			sort.Slice(recs, func(a, b int) bool { return recs[a].Score > recs[b].Score })
			policy := p
			if perPropertyLimit > 0 {
				policy.Limit = perPropertyLimit
			}
			selected := unwrapScored(selection.Apply(wrapScored(recs), policy))
			entries[i] = BulkEntry{PropertyID: prop.ID, Contacts: selected}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BulkResponse{}, model.NewError("GetBulkRecommendations", model.KindInternalError, err)
	}

	return BulkResponse{Entries: entries}, nil
}

// trendLocationKey derives the location half of the weight adjuster's
// (location, property_type) lookup key from a contact's highest-weighted
// preferred location, since the domain model carries no canonical
// location name. Mirrors pkg/retrieval's trendKey.
func trendLocationKey(contact model.Contact) string {
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

func cacheKey(contactID model.ID, filters Filters, p selection.Policy, neural bool) string {
	types := make([]string, 0, len(filters.AcceptedTypes))
	for t, ok := range filters.AcceptedTypes {
		if ok {
			types = append(types, string(t))
		}
	}
	sort.Strings(types)
	return fmt.Sprintf("%d|%v|%v|%v|%v|%v|%v|%v|%v|%v|%v",
		contactID, filters.BudgetMin, filters.BudgetMax, filters.MaxDistanceKM,
		p.MinScore, p.ScoreThresholdPercentile, p.TopPercentile, p.TopK, p.Limit, neural, types)
}

// scoredRecommendation adapts model.Recommendation to selection.Scored.
type scoredRecommendation struct{ model.Recommendation }

func (s scoredRecommendation) Score() float64 { return s.Recommendation.Score }

func wrapScored(recs []model.Recommendation) []scoredRecommendation {
	out := make([]scoredRecommendation, len(recs))
	for i, r := range recs {
		out[i] = scoredRecommendation{r}
	}
	return out
}

func unwrapScored(items []scoredRecommendation) []model.Recommendation {
	out := make([]model.Recommendation, len(items))
	for i, it := range items {
		out[i] = it.Recommendation
	}
	return out
}
