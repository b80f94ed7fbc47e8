package service

import (
	"context"
	"errors"
	"testing"

	"github.com/liliang-cn/propmatch/pkg/featurestore"
	"github.com/liliang-cn/propmatch/pkg/logging"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/repository"
	"github.com/liliang-cn/propmatch/pkg/selection"
)

func seedRepo() *repository.InMemory {
	repo := repository.NewInMemory()
	repo.PutContact(model.Contact{
		ID:        1,
		BudgetMin: 100000,
		BudgetMax: 300000,
		AreaMin:   40,
		AreaMax:   120,
		MinRooms:  2,
	})
	for i := model.ID(1); i <= 5; i++ {
		repo.PutProperty(model.Property{
			ID:           i,
			Price:        150000 + float64(i)*10000,
			AreaSqm:      60 + int(i)*5,
			Rooms:        3,
			PropertyType: model.PropertyTypeApartment,
			IsActive:     true,
		})
	}
	return repo
}

func TestGetRecommendationsForContactRanksAndCaches(t *testing.T) {
	repo := seedRepo()
	svc, err := New(DefaultConfig(), repo, repo, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := svc.GetRecommendationsForContact(context.Background(), 1, Filters{}, selection.Policy{}, false)
	if err != nil {
		t.Fatalf("GetRecommendationsForContact failed: %v", err)
	}
	if len(resp.Recommendations) != 5 {
		t.Fatalf("expected 5 recommendations, got %d", len(resp.Recommendations))
	}
	if resp.FromCache {
		t.Errorf("first call should not be a cache hit")
	}
	for i := 1; i < len(resp.Recommendations); i++ {
		if resp.Recommendations[i].Score > resp.Recommendations[i-1].Score {
			t.Fatalf("expected descending scores")
		}
	}

	resp2, err := svc.GetRecommendationsForContact(context.Background(), 1, Filters{}, selection.Policy{}, false)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if !resp2.FromCache {
		t.Errorf("second identical call should be a cache hit")
	}
	if len(resp2.Recommendations) != len(resp.Recommendations) {
		t.Errorf("cached result should be structurally equal to the original")
	}
}

func TestGetRecommendationsForContactMissingContactReturnsNotFound(t *testing.T) {
	repo := repository.NewInMemory()
	svc, err := New(DefaultConfig(), repo, repo, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = svc.GetRecommendationsForContact(context.Background(), 999, Filters{}, selection.Policy{}, false)
	if err == nil {
		t.Fatal("expected an error for a missing contact")
	}
	var re *model.RecoError
	if !errors.As(err, &re) || re.Kind != model.KindNotFound {
		t.Errorf("expected a NotFound RecoError, got %v", err)
	}
}

func TestGetAdvancedRecommendationsFallsBackWithNilEngine(t *testing.T) {
	repo := seedRepo()
	svc, err := New(DefaultConfig(), repo, repo, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := svc.GetAdvancedRecommendations(context.Background(), 1, ModeBalanced, Filters{}, selection.Policy{})
	if err != nil {
		t.Fatalf("GetAdvancedRecommendations failed: %v", err)
	}
	if !resp.Metadata.UsedFallback {
		t.Errorf("expected fallback to classic scoring when no retrieval engine is wired")
	}
	if len(resp.Recommendations) != 5 {
		t.Errorf("expected fallback path to score all 5 properties, got %d", len(resp.Recommendations))
	}
	if svc.FallbackCount() != 1 {
		t.Errorf("expected fallback counter to be incremented, got %d", svc.FallbackCount())
	}
}

// flakyContacts fails the first failN GetContact calls with an
// UpstreamError before delegating to repo, simulating spec Scenario D: a
// contact lookup that fails upstream but succeeds on fallback's retry.
type flakyContacts struct {
	repo  *repository.InMemory
	failN int
	calls int
}

func (f *flakyContacts) GetContact(ctx context.Context, id model.ID) (model.Contact, error) {
	f.calls++
	if f.calls <= f.failN {
		return model.Contact{}, model.NewError("GetContact", model.KindUpstreamError, model.ErrUpstream)
	}
	return f.repo.GetContact(ctx, id)
}

func TestGetAdvancedRecommendationsFallsBackOnContactFetchUpstreamError(t *testing.T) {
	repo := seedRepo()
	contacts := &flakyContacts{repo: repo, failN: 1}
	svc, err := New(DefaultConfig(), repo, contacts, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	resp, err := svc.GetAdvancedRecommendations(context.Background(), 1, ModeBalanced, Filters{}, selection.Policy{})
	if err != nil {
		t.Fatalf("GetAdvancedRecommendations failed: %v", err)
	}
	if !resp.Metadata.UsedFallback {
		t.Error("expected a contact-fetch UpstreamError to trigger fallback (spec Scenario D)")
	}
	if len(resp.Recommendations) != 5 {
		t.Errorf("expected the fallback's retried contact fetch to succeed and score all 5 properties, got %d", len(resp.Recommendations))
	}
	if contacts.calls != 2 {
		t.Errorf("expected the fallback path to retry the contact fetch once, got %d calls", contacts.calls)
	}
}

func TestGetAdvancedRecommendationsPropagatesPersistentContactFetchError(t *testing.T) {
	repo := seedRepo()
	contacts := &flakyContacts{repo: repo, failN: 100}
	svc, err := New(DefaultConfig(), repo, contacts, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	_, err = svc.GetAdvancedRecommendations(context.Background(), 1, ModeBalanced, Filters{}, selection.Policy{})
	if err == nil {
		t.Fatal("expected an error when the contact fetch keeps failing even inside the fallback path")
	}
}

func TestGetRecommendationsForContactNeuralMixesInEmbeddingSimilarity(t *testing.T) {
	repo := seedRepo()
	store := featurestore.New(featurestore.DefaultConfig())
	store.StoreContact(model.ContactFeatures{ContactID: 1, PreferenceEmb: []float32{1, 0}})
	store.StoreProperty(model.PropertyFeatures{PropertyID: 1, Embedding: []float32{1, 0}})
	for i := model.ID(2); i <= 5; i++ {
		store.StoreProperty(model.PropertyFeatures{PropertyID: i, Embedding: []float32{0, 1}})
	}

	svc, err := New(DefaultConfig(), repo, repo, nil, store, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	classic, err := svc.GetRecommendationsForContact(context.Background(), 1, Filters{}, selection.Policy{}, false)
	if err != nil {
		t.Fatalf("classic call failed: %v", err)
	}
	neural, err := svc.GetRecommendationsForContact(context.Background(), 1, Filters{}, selection.Policy{}, true)
	if err != nil {
		t.Fatalf("neural call failed: %v", err)
	}

	scoreFor := func(recs []model.Recommendation, id model.ID) float64 {
		for _, r := range recs {
			if r.Property.ID == id {
				return r.Score
			}
		}
		t.Fatalf("property %d missing from results", id)
		return 0
	}

	if scoreFor(neural, 1) == scoreFor(classic, 1) {
		t.Error("expected neural=true to change property 1's score via the embedding-similarity mix")
	}
}

func TestGetBulkRecommendationsRanksContactsPerProperty(t *testing.T) {
	repo := seedRepo()
	svc, err := New(DefaultConfig(), repo, repo, nil, nil, nil, nil, logging.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	contacts := []model.Contact{
		{ID: 1, BudgetMin: 100000, BudgetMax: 300000, AreaMin: 40, AreaMax: 120, MinRooms: 2},
		{ID: 2, BudgetMin: 50000, BudgetMax: 100000, AreaMin: 10, AreaMax: 30, MinRooms: 1},
	}

	resp, err := svc.GetBulkRecommendations(context.Background(), nil, contacts, 1, selection.Policy{})
	if err != nil {
		t.Fatalf("GetBulkRecommendations failed: %v", err)
	}
	if len(resp.Entries) != 5 {
		t.Fatalf("expected one entry per active property, got %d", len(resp.Entries))
	}
	for _, entry := range resp.Entries {
		if len(entry.Contacts) != 1 {
			t.Errorf("expected per_property_limit=1 to cap each entry, got %d", len(entry.Contacts))
		}
	}
}

func TestFiltersApplyNarrowsByBudgetAndType(t *testing.T) {
	recs := []model.Recommendation{
		{Property: model.Property{ID: 1, Price: 100000, PropertyType: model.PropertyTypeHouse}, Score: 0.9},
		{Property: model.Property{ID: 2, Price: 500000, PropertyType: model.PropertyTypeApartment}, Score: 0.8},
	}
	f := Filters{BudgetMin: 0, BudgetMax: 200000, AcceptedTypes: map[model.PropertyType]bool{model.PropertyTypeHouse: true}}
	out := f.apply(recs)
	if len(out) != 1 || out[0].Property.ID != 1 {
		t.Errorf("expected only property 1 to survive the filters, got %+v", out)
	}
}
