// Package scorer computes the per-property Budget/Location/Type/Size
// sub-scores, combines them into an overall match score, and renders the
// structured explanation the recommendation service attaches to each
// result. Formulas are ported from the source's scoring.rs.
package scorer

import (
	"fmt"
	"math"

	"github.com/liliang-cn/propmatch/pkg/geo"
	"github.com/liliang-cn/propmatch/pkg/model"
	"github.com/liliang-cn/propmatch/pkg/weights"
)

// NeuralMixAlpha is the fixed pre-declared mixing coefficient for the
// neural-enhanced overall score (spec.md §4.8, §9 Open Question #2).
const NeuralMixAlpha = 0.25

const epsilon = 1e-9

// BudgetScore scores price against [budgetMin, budgetMax]; 0.6-0.9 budget
// utilization is rewarded as the sweet spot.
func BudgetScore(price, budgetMin, budgetMax float64) float64 {
	switch {
	case price < budgetMin:
		if budgetMin <= 0 {
			return 0.1
		}
		diffRatio := (budgetMin - price) / budgetMin
		return math.Max(0.1, 1.0-diffRatio*0.5)
	case price <= budgetMax:
		denom := budgetMax - budgetMin
		if denom < epsilon {
			denom = epsilon
		}
		u := (price - budgetMin) / denom
		switch {
		case u >= 0.6 && u <= 0.9:
			return 1.0
		case u < 0.6:
			return 0.8 + 0.2*u
		default:
			return 1.0 - 2.0*(u-0.9)
		}
	default:
		if budgetMax <= 0 {
			return 0
		}
		overRatio := (price - budgetMax) / budgetMax
		return math.Max(0, 1.0-2.0*overRatio)
	}
}

// LocationScore scores a property's location against a contact's preferred
// locations, taking the best (maximum) score across all preferences. A
// contact with no preferences is neutral (0.5).
func LocationScore(propLat, propLon float64, prefs []model.LocationPref) (score float64, closestKM float64) {
	if len(prefs) == 0 {
		return 0.5, 0
	}

	best := 0.0
	bestDist := math.Inf(1)
	for _, pref := range prefs {
		d := geo.Distance(geo.Coordinate{Lat: propLat, Lon: propLon}, geo.Coordinate{Lat: pref.Lat, Lon: pref.Lon})

		var s float64
		switch {
		case d <= 5:
			s = 1.0
		case d <= 15:
			s = 1.0 - (d-5)/10*0.5
		case d <= 50:
			s = 0.5 - (d-15)/35*0.4
		default:
			s = 0.1
		}

		if s > best {
			best = s
		}
		if d < bestDist {
			bestDist = d
		}
	}
	return best, bestDist
}

// TypeScore is 1 if propType is in accepted, 0 if accepted is non-empty and
// doesn't contain it, or 0.5 if accepted is empty (no preference).
func TypeScore(propType model.PropertyType, accepted map[model.PropertyType]bool) (score float64, match bool) {
	if len(accepted) == 0 {
		return 0.5, false
	}
	if accepted[propType] {
		return 1.0, true
	}
	return 0.0, false
}

// SizeScore averages a rooms-fit score and an area-fit score.
func SizeScore(areaSqm, rooms, minRooms, areaMin, areaMax int) (score float64, roomsOK, areaOK bool) {
	roomScore := 1.0
	roomsOK = true
	if rooms < minRooms {
		roomScore = 0.1
		roomsOK = false
	}

	areaScore := 1.0
	areaOK = true
	switch {
	case areaSqm < areaMin:
		areaScore = 0.1
		areaOK = false
	case areaMax > 0 && areaSqm > areaMax:
		overageRatio := float64(areaSqm-areaMax) / float64(areaMax)
		areaScore = math.Max(0.3, 1.0-overageRatio*0.5)
		areaOK = false
	}

	return (roomScore + areaScore) / 2.0, roomsOK, areaOK
}

// Result is the full per-property score: the overall value plus the
// structured explanation behind it.
type Result struct {
	Overall float64
	Explain model.Explanation
}

// Score computes sub-scores for prop against contact, combines them with w
// (static defaults or Weight-Adjuster output), and renders the structured
// explanation and reason strings.
func Score(prop model.Property, contact model.Contact, w weights.Weights) Result {
	budgetMin, budgetMax := contact.BudgetMin, contact.BudgetMax
	if budgetMax <= 0 {
		budgetMax = math.MaxFloat64
	}

	budget := BudgetScore(prop.Price, budgetMin, budgetMax)
	location, distKM := LocationScore(prop.Lat, prop.Lon, contact.PreferredLocations)
	typeScore, typeMatch := TypeScore(prop.PropertyType, contact.AcceptedTypes)
	size, roomsOK, areaOK := SizeScore(prop.AreaSqm, prop.Rooms, contact.MinRooms, contact.AreaMin, contact.AreaMax)

	overall := w.Budget*budget + w.Location*location + w.Type*typeScore + w.Size*size

	util := 0.0
	if budgetMax > budgetMin {
		util = (prop.Price - budgetMin) / (budgetMax - budgetMin) * 100
	}

	explain := model.Explanation{
		BudgetScore:          budget,
		LocationScore:        location,
		TypeScore:            typeScore,
		SizeScore:            size,
		BudgetUtilizationPct: util,
		DistanceToClosestKM:  distKM,
		TypeMatch:            typeMatch,
		RoomsOK:              roomsOK,
		AreaOK:               areaOK,
		Reasons:              reasons(budget, location, typeScore, size, typeMatch),
	}

	return Result{Overall: clamp01(overall), Explain: explain}
}

// NeuralScore augments Score's classic weighted sum with a fixed-weight
// cosine-similarity term. When alpha is 0 the result is byte-identical to
// the classic overall score, satisfying spec.md §4.8.
func NeuralScore(prop model.Property, contact model.Contact, w weights.Weights, propertyEmbedding, contactPreferenceEmbedding []float32, alpha float64) Result {
	classic := Score(prop, contact, w)
	if alpha <= 0 || len(propertyEmbedding) == 0 || len(contactPreferenceEmbedding) == 0 {
		return classic
	}

	cosine := cosineSimilarity(propertyEmbedding, contactPreferenceEmbedding)
	blended := (1-alpha)*classic.Overall + alpha*((classic.Overall+float64(cosine))/2.0)

	explain := classic.Explain
	explain.Reasons = append(explain.Reasons, fmt.Sprintf("neural similarity %.2f", cosine))
	return Result{Overall: clamp01(blended), Explain: explain}
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float32
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	sim := dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
	if sim < 0 {
		return 0
	}
	return sim
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func reasons(budget, location, typeScore, size float64, typeMatch bool) []string {
	var rs []string
	if budget > 0.8 {
		rs = append(rs, "excellent budget match")
	} else if budget < 0.3 {
		rs = append(rs, "price is a significant stretch for this budget")
	}
	if location > 0.8 {
		rs = append(rs, "very close to a preferred location")
	} else if location < 0.2 {
		rs = append(rs, "far from all preferred locations")
	}
	if typeMatch {
		rs = append(rs, "matches a preferred property type")
	}
	if size > 0.8 {
		rs = append(rs, "good fit on rooms and area")
	}
	if len(rs) == 0 {
		rs = append(rs, "partial match on budget, location, type, or size")
	}
	if len(rs) > 4 {
		rs = rs[:4]
	}
	return rs
}
