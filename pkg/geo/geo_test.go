package geo

import (
	"math"
	"testing"
)

func TestHaversineKnownDistance(t *testing.T) {
	// Paris to London, roughly 344km.
	paris := Coordinate{Lat: 48.8566, Lon: 2.3522}
	london := Coordinate{Lat: 51.5074, Lon: -0.1278}

	d := Distance(paris, london)
	if d < 330 || d > 360 {
		t.Errorf("expected distance around 344km, got %.2f", d)
	}
}

func TestHaversineZeroForSamePoint(t *testing.T) {
	p := Coordinate{Lat: 40.0, Lon: -73.0}
	d := Distance(p, p)
	if math.Abs(d) > 1e-9 {
		t.Errorf("expected 0 distance for identical points, got %v", d)
	}
}

func TestHaversineSymmetric(t *testing.T) {
	a := Coordinate{Lat: 10, Lon: 20}
	b := Coordinate{Lat: -5, Lon: 40}
	if math.Abs(Distance(a, b)-Distance(b, a)) > 1e-9 {
		t.Error("haversine distance is not symmetric")
	}
}

func TestBoundingBoxContains(t *testing.T) {
	box := BoundingBox{MinLat: 0, MaxLat: 10, MinLon: 0, MaxLon: 10}
	if !box.Contains(Coordinate{Lat: 5, Lon: 5}) {
		t.Error("expected point inside box to be contained")
	}
	if box.Contains(Coordinate{Lat: 20, Lon: 5}) {
		t.Error("expected point outside box to not be contained")
	}
}

func TestIndexSearchRadius(t *testing.T) {
	idx := NewIndex(0.1)

	center := Coordinate{Lat: 40.7128, Lon: -74.0060} // NYC
	idx.Upsert(1, center)
	idx.Upsert(2, Coordinate{Lat: 40.7300, Lon: -74.0100})  // ~2km away
	idx.Upsert(3, Coordinate{Lat: 34.0522, Lon: -118.2437}) // LA, far away

	results := idx.SearchRadius(center, 10)
	if len(results) != 2 {
		t.Fatalf("expected 2 results within 10km, got %d", len(results))
	}
	if results[0].Point.ID != 1 {
		t.Errorf("expected closest result to be the center point itself, got id %d", results[0].Point.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Distance < results[i-1].Distance {
			t.Error("results not sorted by ascending distance")
		}
	}
}

func TestIndexSearchKNN(t *testing.T) {
	idx := NewIndex(0.1)
	center := Coordinate{Lat: 0, Lon: 0}

	for i := int64(1); i <= 5; i++ {
		idx.Upsert(i, Coordinate{Lat: float64(i) * 0.01, Lon: 0})
	}

	results := idx.SearchKNN(center, 3)
	if len(results) != 3 {
		t.Fatalf("expected 3 nearest neighbors, got %d", len(results))
	}
	if results[0].Point.ID != 1 {
		t.Errorf("expected nearest point to be id 1, got %d", results[0].Point.ID)
	}
}

func TestIndexSearchKNNZeroOrNegative(t *testing.T) {
	idx := NewIndex(0.1)
	idx.Upsert(1, Coordinate{Lat: 1, Lon: 1})

	if results := idx.SearchKNN(Coordinate{}, 0); results != nil {
		t.Errorf("expected nil results for k=0, got %v", results)
	}
}

func TestIndexUpsertReplacesLocation(t *testing.T) {
	idx := NewIndex(0.1)
	idx.Upsert(1, Coordinate{Lat: 0, Lon: 0})
	idx.Upsert(1, Coordinate{Lat: 50, Lon: 50})

	if idx.Size() != 1 {
		t.Fatalf("expected size 1 after re-upsert, got %d", idx.Size())
	}

	results := idx.SearchRadius(Coordinate{Lat: 50, Lon: 50}, 1)
	if len(results) != 1 {
		t.Fatalf("expected the moved point to be found near its new location, got %d results", len(results))
	}

	stale := idx.SearchRadius(Coordinate{Lat: 0, Lon: 0}, 1)
	if len(stale) != 0 {
		t.Errorf("expected no points left at the old location, got %d", len(stale))
	}
}

func TestIndexRemove(t *testing.T) {
	idx := NewIndex(0.1)
	idx.Upsert(1, Coordinate{Lat: 1, Lon: 1})
	idx.Upsert(2, Coordinate{Lat: 2, Lon: 2})

	idx.Remove(1)
	if idx.Size() != 1 {
		t.Fatalf("expected size 1 after remove, got %d", idx.Size())
	}

	results := idx.SearchRadius(Coordinate{Lat: 1, Lon: 1}, 500)
	for _, r := range results {
		if r.Point.ID == 1 {
			t.Error("removed point still returned by search")
		}
	}
}

func TestIndexSearchBoundingBox(t *testing.T) {
	idx := NewIndex(0.1)
	idx.Upsert(1, Coordinate{Lat: 5, Lon: 5})
	idx.Upsert(2, Coordinate{Lat: 50, Lon: 50})

	box := BoundingBox{MinLat: 0, MaxLat: 10, MinLon: 0, MaxLon: 10}
	points := idx.SearchBoundingBox(box)
	if len(points) != 1 || points[0].ID != 1 {
		t.Fatalf("expected exactly point 1 inside the bounding box, got %+v", points)
	}
}
