// Package geo provides the haversine distance and grid-indexed location
// pre-filter the two-stage retrieval pipeline uses to narrow candidates by
// proximity before scoring.
package geo

import (
	"math"
	"sort"
	"sync"
)

// EarthRadiusKM is the Earth's mean radius, used by the haversine formula.
const EarthRadiusKM = 6371.0

// Coordinate is a geographic point.
type Coordinate struct {
	Lat float64
	Lon float64
}

// Distance returns the great-circle distance between a and b in kilometers.
func Distance(a, b Coordinate) float64 {
	return haversineDistance(a, b)
}

func haversineDistance(a, b Coordinate) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	sinDLat := math.Sin(dLat / 2)
	sinDLon := math.Sin(dLon / 2)

	h := sinDLat*sinDLat + math.Cos(lat1)*math.Cos(lat2)*sinDLon*sinDLon
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKM * c
}

// BoundingBox is a rectangular lat/lon pre-filter region.
type BoundingBox struct {
	MinLat float64
	MaxLat float64
	MinLon float64
	MaxLon float64
}

// Contains reports whether c falls inside the box.
func (b BoundingBox) Contains(c Coordinate) bool {
	return c.Lat >= b.MinLat && c.Lat <= b.MaxLat && c.Lon >= b.MinLon && c.Lon <= b.MaxLon
}

// BoundingBoxForRadius returns a bounding box that fully contains the circle
// of radiusKM around center. It's a cheap pre-filter for the grid cell scan;
// candidates still need a haversine check since the box over-approximates
// the circle at the corners.
func BoundingBoxForRadius(center Coordinate, radiusKM float64) BoundingBox {
	latDelta := radiusKM / 111.32
	lonDelta := radiusKM / (111.32 * math.Cos(center.Lat*math.Pi/180) + 1e-9)
	return BoundingBox{
		MinLat: center.Lat - latDelta,
		MaxLat: center.Lat + latDelta,
		MinLon: center.Lon - lonDelta,
		MaxLon: center.Lon + lonDelta,
	}
}

// Point is an entry in the Index: a property id tied to a location.
type Point struct {
	ID  int64
	Loc Coordinate
}

// Result is a Point found by a radius or KNN search, tagged with its
// distance from the query center.
type Result struct {
	Point    Point
	Distance float64
}

// Index is a grid-bucketed spatial index over property locations. It
// narrows a radius or k-nearest-neighbor query to a handful of grid cells
// before falling back to exact haversine distance, the same two-phase
// filter-then-verify shape the teacher's geospatial grid uses.
type Index struct {
	mu       sync.RWMutex
	points   map[int64]Point
	grid     map[gridKey][]Point
	gridSize float64 // degrees per cell
}

type gridKey struct {
	x, y int64
}

// NewIndex creates an empty spatial index. gridSize is the cell size in
// degrees; 0 selects the default of 0.1 (~11km at the equator).
func NewIndex(gridSize float64) *Index {
	if gridSize <= 0 {
		gridSize = 0.1
	}
	return &Index{
		points:   make(map[int64]Point),
		grid:     make(map[gridKey][]Point),
		gridSize: gridSize,
	}
}

// Upsert inserts or replaces the location for a property id.
func (idx *Index) Upsert(id int64, loc Coordinate) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if old, ok := idx.points[id]; ok {
		idx.removeFromGrid(old)
	}
	p := Point{ID: id, Loc: loc}
	idx.points[id] = p
	key := idx.keyFor(loc)
	idx.grid[key] = append(idx.grid[key], p)
}

// Remove deletes a property id from the index.
func (idx *Index) Remove(id int64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	p, ok := idx.points[id]
	if !ok {
		return
	}
	delete(idx.points, id)
	idx.removeFromGrid(p)
}

// Size returns the number of indexed points.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.points)
}

// SearchRadius returns every indexed point within radiusKM of center,
// sorted by ascending distance.
func (idx *Index) SearchRadius(center Coordinate, radiusKM float64) []Result {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Result
	for _, p := range idx.candidateCells(center, radiusKM) {
		d := haversineDistance(center, p.Loc)
		if d <= radiusKM {
			out = append(out, Result{Point: p, Distance: d})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// SearchKNN returns the k nearest indexed points to center, sorted by
// ascending distance. It expands the grid search radius geometrically
// until it has at least k candidates or has covered the whole index.
func (idx *Index) SearchKNN(center Coordinate, k int) []Result {
	if k <= 0 {
		return nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	radius := idx.gridSize * 111.32 * 2
	maxRadius := EarthRadiusKM * math.Pi
	var candidates []Point

	for {
		candidates = idx.candidateCells(center, radius)
		if len(candidates) >= k || radius >= maxRadius {
			break
		}
		radius *= 2
	}

	out := make([]Result, 0, len(candidates))
	for _, p := range candidates {
		out = append(out, Result{Point: p, Distance: haversineDistance(center, p.Loc)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// SearchBoundingBox returns every indexed point inside bbox.
func (idx *Index) SearchBoundingBox(bbox BoundingBox) []Point {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	var out []Point
	for _, p := range idx.points {
		if bbox.Contains(p.Loc) {
			out = append(out, p)
		}
	}
	return out
}

func (idx *Index) candidateCells(center Coordinate, radiusKM float64) []Point {
	bbox := BoundingBoxForRadius(center, radiusKM)
	minKey := idx.keyFor(Coordinate{Lat: bbox.MinLat, Lon: bbox.MinLon})
	maxKey := idx.keyFor(Coordinate{Lat: bbox.MaxLat, Lon: bbox.MaxLon})

	var out []Point
	for x := minKey.x; x <= maxKey.x; x++ {
		for y := minKey.y; y <= maxKey.y; y++ {
			out = append(out, idx.grid[gridKey{x: x, y: y}]...)
		}
	}
	return out
}

func (idx *Index) keyFor(c Coordinate) gridKey {
	return gridKey{
		x: int64(math.Floor(c.Lat / idx.gridSize)),
		y: int64(math.Floor(c.Lon / idx.gridSize)),
	}
}

func (idx *Index) removeFromGrid(p Point) {
	key := idx.keyFor(p.Loc)
	bucket := idx.grid[key]
	for i, q := range bucket {
		if q.ID == p.ID {
			idx.grid[key] = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
}
