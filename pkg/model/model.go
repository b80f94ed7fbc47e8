// Package model holds the core domain types shared across the recommendation
// engine: properties, contacts, their derived features, and recommendations.
//
// The source this engine was distilled from mixes UUIDs and i32s for identity
// across modules. This module standardizes on a single fixed-width integer id
// type everywhere.
package model

import "time"

// ID is the single identity type used for properties and contacts across the
// core.
type ID = int64

// PropertyType enumerates the small, known set of property categories the
// scorer and categorical embedder operate over.
type PropertyType string

const (
	PropertyTypeApartment PropertyType = "apartment"
	PropertyTypeHouse     PropertyType = "house"
	PropertyTypeCondo     PropertyType = "condo"
	PropertyTypeTownhouse PropertyType = "townhouse"
	PropertyTypeLand      PropertyType = "land"
	PropertyTypeCommercial PropertyType = "commercial"
)

// CanonicalPropertyTypes is the fixed, ordered set used for one-hot encodings
// in the categorical embedder and the contact preference embedding.
var CanonicalPropertyTypes = []PropertyType{
	PropertyTypeApartment,
	PropertyTypeHouse,
	PropertyTypeCondo,
	PropertyTypeTownhouse,
	PropertyTypeLand,
	PropertyTypeCommercial,
}

// Property is an external input: a single listing. Immutable for the
// duration of a query; re-indexed when it changes.
type Property struct {
	ID           ID
	Address      string
	Lat          float64
	Lon          float64
	Price        float64
	AreaSqm      int
	Rooms        int
	PropertyType PropertyType
	IsActive     bool
}

// LocationPref is one entry in a contact's ordered sequence of preferred
// locations.
type LocationPref struct {
	LocationID int
	Lat        float64
	Lon        float64
	RadiusKM   float64
	Weight     float64 // in [0,1]
}

// Contact is an external input: a buyer profile.
type Contact struct {
	ID                 ID
	BudgetMin          float64
	BudgetMax          float64
	AreaMin            int
	AreaMax            int
	MinRooms           int
	PreferredLocations []LocationPref
	AcceptedTypes      map[PropertyType]bool
}

// PropertyFeatures is the precomputed representation of a Property stored in
// the feature store.
type PropertyFeatures struct {
	PropertyID   ID
	Embedding    []float32         // length D_p
	Sparse       map[string]float32
	LocationEmb  []float32         // length D_loc
	PriceBin     uint8
	AreaBin      uint8
	RoomBin      uint8
	TypeID       uint8
	ClusterID    uint16
	FeatureHash  uint64
	CreatedAt    time.Time
	LastAccessed time.Time
}

// ContactFeatures is the precomputed representation of a Contact stored in
// the feature store.
type ContactFeatures struct {
	ContactID         ID
	Embedding         []float32 // length D_c
	PreferenceEmb     []float32 // length D_pref
	BudgetRange       [2]float32
	AreaRange         [2]float32
	LocationPrefs     []LocationPref
	TypeWeights       map[string]float32
	FeatureHash       uint64
	CreatedAt         time.Time
	LastAccessed      time.Time
}

// CachedSimilarity is a precomputed (contact, property) score with TTL.
type CachedSimilarity struct {
	ContactID  ID
	PropertyID ID
	Score      float32
	ComputedAt time.Time
	TTL        time.Duration
}

// Expired reports whether the cached entry is stale as of now.
func (c CachedSimilarity) Expired(now time.Time) bool {
	return now.Sub(c.ComputedAt) > c.TTL
}

// Explanation records sub-scores and human-readable reasons behind an
// overall score.
type Explanation struct {
	BudgetScore           float64
	LocationScore         float64
	TypeScore             float64
	SizeScore             float64
	BudgetUtilizationPct  float64
	DistanceToClosestKM   float64
	TypeMatch             bool
	RoomsOK               bool
	AreaOK                bool
	Reasons               []string
}

// Recommendation is a single scored output entry.
type Recommendation struct {
	Property  Property
	ContactID ID
	Score     float64 // in [0,1]
	Explain   Explanation
	Source    CandidateSource
	Partial   bool
}

// CandidateSource tags where a Stage 1 candidate originated from.
type CandidateSource string

const (
	SourceANN             CandidateSource = "ann"
	SourceLocationFilter   CandidateSource = "location_filter"
	SourceCache            CandidateSource = "cache"
	SourceFallback         CandidateSource = "fallback"
	SourceClassic          CandidateSource = "classic"
)
