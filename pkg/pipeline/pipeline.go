// Package pipeline assembles the text embedder, categorical embedder,
// numerical normalizer, and neural binner into the Train/EncodeProperty/
// EncodeContact contract the feature store and retrieval layers build on.
package pipeline

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/liliang-cn/propmatch/pkg/binner"
	"github.com/liliang-cn/propmatch/pkg/catembed"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/normalizer"
	"github.com/liliang-cn/propmatch/pkg/textembed"
)

// Config controls embedding dimensions and feature toggles, mirroring the
// source's EmbeddingConfig defaults.
type Config struct {
	TextDim       int
	CategoricalDim int
	LocationDim   int
	BinDim        int
	NormalizeMode normalizer.Mode
	L2Normalize   bool
}

// DefaultConfig matches the source's documented defaults.
func DefaultConfig() Config {
	return Config{
		TextDim:        32,
		CategoricalDim: 8,
		LocationDim:    16,
		BinDim:         8,
		NormalizeMode:  normalizer.ModeStandardScore,
		L2Normalize:    true,
	}
}

// Pipeline trains and applies the embedding stack. It does not own a
// feature store; EncodeProperty/EncodeContact return values the caller
// hands to the feature store.
type Pipeline struct {
	cfg        Config
	text       *textembed.Embedder
	cat        *catembed.Embedder
	norm       *normalizer.Normalizer
	bins       *binner.Binner
	trained    bool
}

// New creates an untrained Pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:  cfg,
		text: textembed.New(textembed.DefaultConfig(cfg.TextDim)),
		cat:  catembed.New(cfg.CategoricalDim, 5),
		norm: normalizer.New(true, 3.0),
		bins: binner.New(cfg.BinDim),
	}
}

// Train fits the text embedder on concatenated (type, address) per
// property, the categorical embedder on the property_type distribution,
// and the normalizer on {price, area, rooms}.
func (p *Pipeline) Train(properties []model.Property, contacts []model.Contact) error {
	if len(properties) == 0 {
		return fmt.Errorf("pipeline: cannot train on an empty property corpus")
	}

	docs := make([]string, len(properties))
	prices := make([]float64, len(properties))
	areas := make([]float64, len(properties))
	rooms := make([]float64, len(properties))
	typeCounts := make(map[string]int)

	for i, prop := range properties {
		docs[i] = string(prop.PropertyType) + " " + prop.Address
		prices[i] = prop.Price
		areas[i] = float64(prop.AreaSqm)
		rooms[i] = float64(prop.Rooms)
		typeCounts[string(prop.PropertyType)]++
	}

	p.text.Train(docs)
	p.cat.Train("property_type", typeCounts)

	if err := p.norm.Train("price", prices); err != nil {
		return fmt.Errorf("pipeline: training price normalizer: %w", err)
	}
	if err := p.norm.Train("area", areas); err != nil {
		return fmt.Errorf("pipeline: training area normalizer: %w", err)
	}
	if err := p.norm.Train("rooms", rooms); err != nil {
		return fmt.Errorf("pipeline: training rooms normalizer: %w", err)
	}

	p.trained = true
	return nil
}

// EncodeProperty builds the full PropertyFeatures for p, concatenating text
// features, normalized price/area/rooms, the derived price/area and
// area/(rooms+1) ratios, categorical features, and location features
// [lat/90, lon/180]. The derived ratios are appended as raw values; they
// are not normalized.
func (p *Pipeline) EncodeProperty(prop model.Property) (model.PropertyFeatures, error) {
	textVec := p.text.Encode(string(prop.PropertyType) + " " + prop.Address)

	priceNorm, err := p.norm.Normalize("price", prop.Price, p.cfg.NormalizeMode)
	if err != nil {
		return model.PropertyFeatures{}, fmt.Errorf("pipeline: encoding property %d: %w", prop.ID, err)
	}
	areaNorm, err := p.norm.Normalize("area", float64(prop.AreaSqm), p.cfg.NormalizeMode)
	if err != nil {
		return model.PropertyFeatures{}, fmt.Errorf("pipeline: encoding property %d: %w", prop.ID, err)
	}
	roomsNorm, err := p.norm.Normalize("rooms", float64(prop.Rooms), p.cfg.NormalizeMode)
	if err != nil {
		return model.PropertyFeatures{}, fmt.Errorf("pipeline: encoding property %d: %w", prop.ID, err)
	}

	priceToArea := 0.0
	if prop.AreaSqm > 0 {
		priceToArea = prop.Price / float64(prop.AreaSqm)
	}
	areaToRooms := float64(prop.AreaSqm) / float64(prop.Rooms+1)

	numerics := []float32{
		float32(priceNorm),
		float32(areaNorm),
		float32(roomsNorm),
		float32(priceToArea),
		float32(areaToRooms),
	}

	catVec := p.cat.Embed("property_type", string(prop.PropertyType))

	locVec := make([]float32, p.cfg.LocationDim)
	if len(locVec) > 0 {
		locVec[0] = float32(prop.Lat / 90.0)
	}
	if len(locVec) > 1 {
		locVec[1] = float32(prop.Lon / 180.0)
	}

	full := make([]float32, 0, len(textVec)+len(numerics)+len(catVec)+len(locVec))
	full = append(full, textVec...)
	full = append(full, numerics...)
	full = append(full, catVec...)
	full = append(full, locVec...)

	if p.cfg.L2Normalize {
		l2Normalize(full)
	}

	sparse := map[string]float32{
		"price_bin": float32(p.bins.BinIndex(binner.FeaturePrice, prop.Price)),
		"area_bin":  float32(p.bins.BinIndex(binner.FeatureArea, float64(prop.AreaSqm))),
		"room_bin":  float32(p.bins.BinIndex(binner.FeatureRooms, float64(prop.Rooms))),
	}

	return model.PropertyFeatures{
		PropertyID:  prop.ID,
		Embedding:   full,
		Sparse:      sparse,
		LocationEmb: locVec,
		PriceBin:    uint8(p.bins.BinIndex(binner.FeaturePrice, prop.Price)),
		AreaBin:     uint8(p.bins.BinIndex(binner.FeatureArea, float64(prop.AreaSqm))),
		RoomBin:     uint8(p.bins.BinIndex(binner.FeatureRooms, float64(prop.Rooms))),
		FeatureHash: HashProperty(prop),
	}, nil
}

// EncodeContact builds the ContactFeatures for c: a preference_embedding
// concatenating normalized budget range + midpoint + flexibility,
// normalized preferred-location lat/lon padded to LocationDim, a one-hot
// over the canonical property-type set, and normalized area range +
// midpoint.
func (p *Pipeline) EncodeContact(c model.Contact) (model.ContactFeatures, error) {
	budgetRange := c.BudgetMax - c.BudgetMin
	budgetMid := (c.BudgetMin + c.BudgetMax) / 2
	budgetFlex := 0.0
	if c.BudgetMax > 0 {
		ratio := budgetRange / c.BudgetMax
		if ratio > 1 {
			ratio = 1
		}
		budgetFlex = 1 - ratio
	}

	budgetFeatures := []float32{
		float32(c.BudgetMin / 1_000_000),
		float32(c.BudgetMax / 1_000_000),
		float32(budgetMid / 1_000_000),
		float32(budgetFlex),
	}

	locVec := make([]float32, p.cfg.LocationDim)
	for i, pref := range c.PreferredLocations {
		base := i * 2
		if base >= p.cfg.LocationDim {
			break
		}
		locVec[base] = float32(pref.Lat / 90.0)
		if base+1 < p.cfg.LocationDim {
			locVec[base+1] = float32(pref.Lon / 180.0)
		}
	}

	typeOneHot := make([]float32, len(model.CanonicalPropertyTypes))
	for i, pt := range model.CanonicalPropertyTypes {
		if c.AcceptedTypes[pt] {
			typeOneHot[i] = 1.0
		}
	}

	areaRange := float64(c.AreaMax - c.AreaMin)
	areaMid := float64(c.AreaMin+c.AreaMax) / 2
	areaFeatures := []float32{
		float32(float64(c.AreaMin) / 1000),
		float32(float64(c.AreaMax) / 1000),
		float32(areaMid / 1000),
		float32(areaRange / 1000),
	}

	pref := make([]float32, 0, len(budgetFeatures)+len(locVec)+len(typeOneHot)+len(areaFeatures))
	pref = append(pref, budgetFeatures...)
	pref = append(pref, locVec...)
	pref = append(pref, typeOneHot...)
	pref = append(pref, areaFeatures...)

	if p.cfg.L2Normalize {
		l2Normalize(pref)
	}

	typeWeights := make(map[string]float32, len(c.AcceptedTypes))
	for pt := range c.AcceptedTypes {
		typeWeights[string(pt)] = 1.0
	}

	return model.ContactFeatures{
		ContactID:     c.ID,
		PreferenceEmb: pref,
		BudgetRange:   [2]float32{float32(c.BudgetMin), float32(c.BudgetMax)},
		AreaRange:     [2]float32{float32(c.AreaMin), float32(c.AreaMax)},
		LocationPrefs: c.PreferredLocations,
		TypeWeights:   typeWeights,
		FeatureHash:   HashContact(c),
	}, nil
}

// Trained reports whether Train has been called successfully.
func (p *Pipeline) Trained() bool { return p.trained }

func l2Normalize(v []float32) {
	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(1.0 / math.Sqrt(sumSq))
	for i := range v {
		v[i] *= norm
	}
}

// HashProperty computes a stable 64-bit hash over a property's id and all
// fields the embedding derives from, for cache-invalidation comparisons.
func HashProperty(p model.Property) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%f|%f|%f|%d|%d|%s|%t",
		p.ID, p.Address, p.Lat, p.Lon, p.Price, p.AreaSqm, p.Rooms, p.PropertyType, p.IsActive)
	return h.Sum64()
}

// HashContact computes a stable 64-bit hash over a contact's id and all
// fields the embedding derives from.
func HashContact(c model.Contact) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%f|%f|%d|%d|%d", c.ID, c.BudgetMin, c.BudgetMax, c.AreaMin, c.AreaMax, c.MinRooms)
	for _, pref := range c.PreferredLocations {
		fmt.Fprintf(h, "|%d:%f:%f:%f:%f", pref.LocationID, pref.Lat, pref.Lon, pref.RadiusKM, pref.Weight)
	}
	types := make([]string, 0, len(c.AcceptedTypes))
	for t, ok := range c.AcceptedTypes {
		if ok {
			types = append(types, string(t))
		}
	}
	for _, t := range sortedStrings(types) {
		h.Write([]byte("|type:" + t))
	}
	return h.Sum64()
}

func sortedStrings(s []string) []string {
	out := append([]string(nil), s...)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1] > out[j] {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}
