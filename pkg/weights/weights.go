// Package weights implements the market-condition weight adjuster: it
// turns a market-trend record plus global rate/season signals into
// additive deltas on the scorer's four sub-score weights. Ported from the
// source's ml/weight_adjuster.rs (the first, condition-driven form; see
// DESIGN.md for why the duplicate adjust_for_inventory/adjust_for_volatility
// pair was not carried over).
package weights

import "math"

// Weights are the Scorer's sub-score coefficients; they should always sum
// to 1 after Adjuster.Adjust.
type Weights struct {
	Budget   float64
	Location float64
	Type     float64
	Size     float64
}

// DefaultWeights matches spec.md §4.8's static defaults.
func DefaultWeights() Weights {
	return Weights{Budget: 0.4, Location: 0.3, Type: 0.2, Size: 0.1}
}

// SupplyLevel categorizes how much inventory is on the market.
type SupplyLevel string

const (
	SupplyScarce     SupplyLevel = "scarce"
	SupplyLimited    SupplyLevel = "limited"
	SupplyBalanced   SupplyLevel = "balanced"
	SupplyAbundant   SupplyLevel = "abundant"
	SupplyOversupply SupplyLevel = "oversupply"
)

// DemandLevel categorizes buyer demand.
type DemandLevel string

const (
	DemandVeryLow  DemandLevel = "very_low"
	DemandLow      DemandLevel = "low"
	DemandMedium   DemandLevel = "medium"
	DemandHigh     DemandLevel = "high"
	DemandVeryHigh DemandLevel = "very_high"
)

// MarketTrend is the per-(location, property_type) signal the adjuster
// reads conditions from.
type MarketTrend struct {
	Location             string
	PropertyType          string
	PriceTrend            float64 // percentage change, e.g. 0.05 = +5%
	DemandLevel           DemandLevel
	SupplyLevel           SupplyLevel
	PredictionConfidence  float64 // in [0,1]
}

// AdjustmentFactors bounds how strongly each market condition may move a
// weight. Defaults match the source's AdjustmentFactors::default().
type AdjustmentFactors struct {
	MaxAdjustment               float64
	LowInventoryFactor           float64
	HighVolatilityFactor         float64
	SellersMarketFactor          float64
	BuyersMarketFactor           float64
	PeakSeasonFactor             float64
	InterestRateSensitivity      float64
	AppreciationImpact           float64
	MinConfidence                float64
	InventoryVolatilityInteraction float64
}

// DefaultAdjustmentFactors matches the source's defaults.
func DefaultAdjustmentFactors() AdjustmentFactors {
	return AdjustmentFactors{
		MaxAdjustment:                  0.5,
		LowInventoryFactor:             0.5,
		HighVolatilityFactor:           0.3,
		SellersMarketFactor:            0.4,
		BuyersMarketFactor:             0.3,
		PeakSeasonFactor:               0.25,
		InterestRateSensitivity:        0.35,
		AppreciationImpact:             0.4,
		MinConfidence:                  0.7,
		InventoryVolatilityInteraction: 0.6,
	}
}

// condition is one detected (kind, strength, confidence) triple.
type conditionKind int

const (
	condLowInventory conditionKind = iota
	condHighVolatility
	condSellersMarket
	condBuyersMarket
	condPeakSeason
	condOffSeason
	condHighInterestRates
	condLowInterestRates
	condHighAppreciation
	condLowAppreciation
)

type condition struct {
	kind       conditionKind
	strength   float64
	confidence float64
}

// Adjuster holds base weights, adjustment bounds, and the global
// macro-economic/seasonal signals that apply across all trend lookups.
type Adjuster struct {
	Base          Weights
	Factors       AdjustmentFactors
	InterestRate  float64 // annual percent, e.g. 5.0 = 5%
	SeasonFactor  float64 // 0 (off-season) .. 1 (peak season)
	MarketTrends  map[string]MarketTrend // keyed by "location:property_type"
}

// NewAdjuster creates an Adjuster with the given base weights and the
// source's neutral interest-rate/season defaults.
func NewAdjuster(base Weights) *Adjuster {
	return &Adjuster{
		Base:         base,
		Factors:      DefaultAdjustmentFactors(),
		InterestRate: 5.0,
		SeasonFactor: 0.5,
		MarketTrends: make(map[string]MarketTrend),
	}
}

// SetTrend records the market trend for a (location, propertyType) pair.
func (a *Adjuster) SetTrend(location, propertyType string, trend MarketTrend) {
	a.MarketTrends[location+":"+propertyType] = trend
}

// Adjust returns the weights to use for the given (location, propertyType)
// pair: Base, possibly perturbed by the matching market trend's detected
// conditions, always renormalized to sum to 1.
func (a *Adjuster) Adjust(location, propertyType string) Weights {
	adjusted := a.Base

	trend, ok := a.MarketTrends[location+":"+propertyType]
	if !ok {
		return normalize(adjusted)
	}

	conditions := a.detectConditions(trend)
	budgetAdj, locationAdj, typeAdj, sizeAdj := a.calculateAdjustments(conditions)

	adjusted.Budget *= 1.0 + budgetAdj
	adjusted.Location *= 1.0 + locationAdj
	adjusted.Type *= 1.0 + typeAdj
	adjusted.Size *= 1.0 + sizeAdj

	return normalize(adjusted)
}

func (a *Adjuster) detectConditions(trend MarketTrend) []condition {
	var conditions []condition

	switch trend.SupplyLevel {
	case SupplyScarce, SupplyLimited:
		conditions = append(conditions, condition{condLowInventory, 1.0, trend.PredictionConfidence})
		if trend.DemandLevel == DemandHigh || trend.DemandLevel == DemandVeryHigh {
			conditions = append(conditions, condition{condSellersMarket, 0.8, trend.PredictionConfidence * 0.9})
		}
	case SupplyOversupply, SupplyAbundant:
		if trend.DemandLevel == DemandLow || trend.DemandLevel == DemandVeryLow {
			conditions = append(conditions, condition{condBuyersMarket, 0.8, trend.PredictionConfidence * 0.9})
		}
	}

	volatility := math.Abs(trend.PriceTrend)
	if volatility > 0.1 {
		strength := math.Min(volatility/0.2, 1.0)
		conditions = append(conditions, condition{condHighVolatility, strength, trend.PredictionConfidence})
	}

	if trend.PriceTrend > 0.05 {
		strength := math.Min(trend.PriceTrend/0.2, 1.0)
		conditions = append(conditions, condition{condHighAppreciation, strength, trend.PredictionConfidence})
	} else if trend.PriceTrend < -0.02 {
		strength := math.Min(-trend.PriceTrend/0.1, 1.0)
		conditions = append(conditions, condition{condLowAppreciation, strength, trend.PredictionConfidence * 0.8})
	}

	if a.InterestRate > 7.0 {
		conditions = append(conditions, condition{condHighInterestRates, 0.9, 1.0})
	} else if a.InterestRate < 4.0 {
		conditions = append(conditions, condition{condLowInterestRates, 0.9, 1.0})
	}

	if a.SeasonFactor > 0.7 {
		conditions = append(conditions, condition{condPeakSeason, a.SeasonFactor, 0.8})
	} else if a.SeasonFactor < 0.3 {
		conditions = append(conditions, condition{condOffSeason, 1.0 - a.SeasonFactor, 0.8})
	}

	return conditions
}

func (a *Adjuster) calculateAdjustments(conditions []condition) (budgetAdj, locationAdj, typeAdj, sizeAdj float64) {
	f := a.Factors
	hasLowInventory := false
	hasHighVolatility := false

	for _, c := range conditions {
		if c.confidence < f.MinConfidence {
			continue
		}
		switch c.kind {
		case condLowInventory:
			hasLowInventory = true
			locationAdj -= f.LowInventoryFactor * c.strength * c.confidence
		case condHighVolatility:
			hasHighVolatility = true
			budgetAdj += f.HighVolatilityFactor * c.strength * c.confidence
		case condSellersMarket:
			typeAdj += f.SellersMarketFactor * c.strength * c.confidence
		case condBuyersMarket:
			sizeAdj += f.BuyersMarketFactor * c.strength * c.confidence
		case condPeakSeason:
			locationAdj += f.PeakSeasonFactor * c.strength * c.confidence
		case condOffSeason:
			locationAdj -= f.PeakSeasonFactor * c.strength * c.confidence
		case condHighInterestRates:
			budgetAdj += f.InterestRateSensitivity * c.strength * c.confidence * 0.5
		case condLowInterestRates:
			budgetAdj -= f.InterestRateSensitivity * c.strength * c.confidence * 0.5
		case condHighAppreciation:
			adj := f.AppreciationImpact * c.strength * c.confidence * 0.5
			budgetAdj += adj
			locationAdj += adj
			typeAdj += adj
		case condLowAppreciation:
			adj := f.AppreciationImpact * c.strength * c.confidence * 0.5
			budgetAdj -= adj
		}
	}

	if hasLowInventory && hasHighVolatility {
		interaction := f.InventoryVolatilityInteraction * math.Abs(budgetAdj)
		if budgetAdj < 0 {
			budgetAdj -= interaction
		} else {
			budgetAdj += interaction
		}
	}

	clamp := func(v float64) float64 { return math.Max(-f.MaxAdjustment, math.Min(f.MaxAdjustment, v)) }
	return clamp(budgetAdj), clamp(locationAdj), clamp(typeAdj), clamp(sizeAdj)
}

// normalize clamps all weights to >= 0 then rescales them to sum to 1,
// falling back to the static defaults if the sum collapses to ~0. Weights
// that already sum to 1 (within 1e-9) are returned unscaled.
func normalize(w Weights) Weights {
	w.Budget = math.Max(0, w.Budget)
	w.Location = math.Max(0, w.Location)
	w.Type = math.Max(0, w.Type)
	w.Size = math.Max(0, w.Size)

	total := w.Budget + w.Location + w.Type + w.Size
	if total < 1e-9 {
		return DefaultWeights()
	}
	if math.Abs(total-1) < 1e-9 {
		return w
	}
	return Weights{
		Budget:   w.Budget / total,
		Location: w.Location / total,
		Type:     w.Type / total,
		Size:     w.Size / total,
	}
}
